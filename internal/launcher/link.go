package launcher

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const linkWriteWait = 10 * time.Second

// Sender is the write half of a launcher connection.
type Sender interface {
	Send(t MessageType, payload any) error
	Close() error
}

// Link is one launcher connection, used from both ends. Sends are
// serialized; Receive must be called from a single goroutine.
type Link struct {
	conn *websocket.Conn

	mu        sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func NewLink(conn *websocket.Conn) *Link {
	conn.SetReadLimit(MaxMessageSize)
	return &Link{conn: conn, done: make(chan struct{})}
}

func (l *Link) Send(t MessageType, payload any) error {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	body, err := Marshal(env)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.done:
		return fmt.Errorf("send %s: %w", t, websocket.ErrCloseSent)
	default:
	}
	_ = l.conn.SetWriteDeadline(time.Now().Add(linkWriteWait))
	if err := l.conn.WriteMessage(websocket.BinaryMessage, body); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	return nil
}

// Receive blocks for the next envelope. A zero timeout waits forever.
func (l *Link) Receive(timeout time.Duration) (Envelope, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	_ = l.conn.SetReadDeadline(deadline)
	kind, data, err := l.conn.ReadMessage()
	if err != nil {
		return Envelope{}, err
	}
	if kind != websocket.BinaryMessage {
		return Envelope{}, fmt.Errorf("%w: expected binary frame", ErrInvalidMessage)
	}
	return Unmarshal(data)
}

func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		close(l.done)
		_ = l.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = l.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		l.mu.Unlock()
		err = l.conn.Close()
	})
	return err
}

func (l *Link) Done() <-chan struct{} { return l.done }
