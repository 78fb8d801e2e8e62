// Package gateway serves the sequenced viewer stream over websockets.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/g960059/agtbroker/internal/api"
	"github.com/g960059/agtbroker/internal/metrics"
	"github.com/g960059/agtbroker/internal/model"
	"github.com/g960059/agtbroker/internal/supervisor"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var (
	errViewerClosed = errors.New("viewer closed")
	errViewerSlow   = errors.New("viewer send queue full")
)

// Sessions is the slice of the supervisor the stream needs.
type Sessions interface {
	Attach(ctx context.Context, id string, v supervisor.Viewer) (api.History, error)
	Detach(id, viewerID string)
	ReplayTo(id string, from uint64, v supervisor.Viewer) (uint64, error)
	Ack(id string, seq uint64) int
	ApplyInput(ctx context.Context, id string, seq uint64, in supervisor.Input) (api.InputResult, error)
	Write(ctx context.Context, id string, data []byte) error
	Resize(ctx context.Context, id string, cols, rows uint16) error
	Kill(ctx context.Context, id string) (bool, error)
}

// Recoverer reattaches a session whose record says running but which no
// supervisor tracks.
type Recoverer interface {
	Recover(ctx context.Context, id string) error
}

type Options struct {
	Sessions  Sessions
	Recoverer Recoverer
	SendQueue int
	Metrics   *metrics.Metrics
	Log       *zap.Logger
}

type Gateway struct {
	sessions  Sessions
	recoverer Recoverer
	sendQueue int
	metrics   *metrics.Metrics
	log       *zap.Logger
	upgrader  websocket.Upgrader
}

func New(opts Options) *Gateway {
	g := &Gateway{
		sessions:  opts.Sessions,
		recoverer: opts.Recoverer,
		sendQueue: opts.SendQueue,
		metrics:   opts.Metrics,
		log:       opts.Log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// the broker binds to loopback and has no browser-facing origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if g.sendQueue <= 0 {
		g.sendQueue = 256
	}
	if g.metrics == nil {
		g.metrics = metrics.New()
	}
	if g.log == nil {
		g.log = zap.NewNop()
	}
	return g
}

// Handle is the gin route for GET /v1/sessions/:id/stream.
func (g *Gateway) Handle(c *gin.Context) {
	g.Serve(c.Writer, c.Request, c.Param("id"))
}

// Serve upgrades the request and streams session id until either side
// closes.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, id string) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("stream upgrade failed", zap.String("session_id", id), zap.Error(err))
		return
	}
	v := newWSViewer(uuid.NewString(), conn, g.sendQueue)
	go v.writePump()

	ss := &streamSession{gw: g, id: id, viewer: v, log: g.log.With(zap.String("session_id", id), zap.String("viewer_id", v.id))}
	ss.run(r.Context())
}

type streamSession struct {
	gw     *Gateway
	id     string
	viewer *wsViewer
	log    *zap.Logger
}

func (ss *streamSession) run(ctx context.Context) {
	if _, err := ss.attach(ctx); err != nil {
		ss.log.Info("stream attach rejected", zap.Error(err))
		ss.sendError(err)
		ss.viewer.closeAfterFlush()
		return
	}
	defer ss.viewer.close()
	ss.gw.metrics.ViewersAttached.Inc()
	defer func() {
		ss.gw.sessions.Detach(ss.id, ss.viewer.id)
		ss.gw.metrics.ViewersAttached.Dec()
	}()

	ss.readLoop(ctx)
}

// attach retries once through recovery when the record claims a process
// nobody tracks. A failed recovery leaves the record failed, which the
// second attach reports as history.
func (ss *streamSession) attach(ctx context.Context) (api.History, error) {
	hist, err := ss.gw.sessions.Attach(ctx, ss.id, ss.viewer)
	if !errors.Is(err, supervisor.ErrUntracked) || ss.gw.recoverer == nil {
		return hist, err
	}
	if rerr := ss.gw.recoverer.Recover(ctx, ss.id); rerr != nil {
		ss.log.Warn("lazy recovery failed", zap.Error(rerr))
	}
	hist, err = ss.gw.sessions.Attach(ctx, ss.id, ss.viewer)
	if errors.Is(err, supervisor.ErrUntracked) {
		return hist, model.ErrRecoveryFailure
	}
	return hist, err
}

func (ss *streamSession) readLoop(ctx context.Context) {
	conn := ss.viewer.conn
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg api.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ss.log.Debug("stream read ended", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := ss.handleMessage(ctx, msg); err != nil {
			if errors.Is(err, errViewerClosed) || errors.Is(err, errViewerSlow) {
				return
			}
			ss.sendError(err)
		}
	}
}

func (ss *streamSession) handleMessage(ctx context.Context, msg api.ClientMessage) error {
	switch msg.Type {
	case api.MsgSequencedInput:
		return ss.handleSequencedInput(ctx, msg)
	case api.MsgOutputAck:
		ss.gw.sessions.Ack(ss.id, msg.Seq)
		return nil
	case api.MsgReplayRequest:
		return ss.handleReplay(msg)
	case api.MsgInput:
		return ss.gw.sessions.Write(ctx, ss.id, []byte(msg.Data))
	case api.MsgResize:
		return ss.gw.sessions.Resize(ctx, ss.id, msg.Cols, msg.Rows)
	case api.MsgKill:
		_, err := ss.gw.sessions.Kill(ctx, ss.id)
		return err
	case api.MsgPing:
		return ss.send(api.ServerMessage{Type: api.MsgPong})
	default:
		return ss.send(api.ServerMessage{Type: api.MsgError, Code: model.ErrCodeInvalidRequest, Message: "unknown message type " + msg.Type})
	}
}

func (ss *streamSession) handleSequencedInput(ctx context.Context, msg api.ClientMessage) error {
	ack := api.ServerMessage{Type: api.MsgInputAck, Seq: msg.Seq}
	if msg.Seq == 0 {
		ack.Result = api.InputRejected
		ack.Code = model.ErrCodeInvalidRequest
		ack.Message = "sequenced input needs a positive seq"
		return ss.send(ack)
	}
	res, err := ss.gw.sessions.ApplyInput(ctx, ss.id, msg.Seq, supervisor.Input{
		Kind: msg.Kind,
		Data: []byte(msg.Data),
		Cols: msg.Cols,
		Rows: msg.Rows,
	})
	ack.Result = res
	if err != nil {
		if ack.Result == "" {
			ack.Result = api.InputRejected
		}
		ack.Code = model.ErrorCode(err)
		ack.Message = err.Error()
	}
	return ss.send(ack)
}

func (ss *streamSession) handleReplay(msg api.ClientMessage) error {
	last, err := ss.gw.sessions.ReplayTo(ss.id, msg.FromSeq, ss.viewer)
	if err != nil {
		return err
	}
	return ss.send(api.ServerMessage{Type: api.MsgReplayComplete, Seq: last})
}

func (ss *streamSession) send(msg api.ServerMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return ss.viewer.Send(body)
}

func (ss *streamSession) sendError(err error) {
	_ = ss.send(api.ServerMessage{Type: api.MsgError, Code: model.ErrorCode(err), Message: err.Error()})
}

// wsViewer queues payloads for a single writer goroutine. Send never
// blocks; a full queue closes the connection so the client can reconnect
// and replay.
type wsViewer struct {
	id     string
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once

	drain     chan struct{}
	drainOnce sync.Once
}

func newWSViewer(id string, conn *websocket.Conn, queue int) *wsViewer {
	return &wsViewer{
		id:     id,
		conn:   conn,
		sendCh: make(chan []byte, queue),
		done:   make(chan struct{}),
		drain:  make(chan struct{}),
	}
}

func (v *wsViewer) ID() string { return v.id }

func (v *wsViewer) Send(payload []byte) error {
	select {
	case <-v.done:
		return errViewerClosed
	default:
	}
	select {
	case v.sendCh <- payload:
		return nil
	default:
		v.close()
		return errViewerSlow
	}
}

func (v *wsViewer) close() {
	v.once.Do(func() {
		close(v.done)
	})
}

// closeAfterFlush asks the write pump to write what is queued, then close.
func (v *wsViewer) closeAfterFlush() {
	v.drainOnce.Do(func() {
		close(v.drain)
	})
}

func (v *wsViewer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		v.close()
		_ = v.conn.Close()
	}()
	for {
		select {
		case data := <-v.sendCh:
			if err := v.write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := v.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-v.drain:
			for {
				select {
				case data := <-v.sendCh:
					if err := v.write(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					_ = v.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		case <-v.done:
			return
		}
	}
}

func (v *wsViewer) write(kind int, data []byte) error {
	_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return v.conn.WriteMessage(kind, data)
}
