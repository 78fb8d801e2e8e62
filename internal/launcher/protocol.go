// Package launcher carries sessions between the broker and remote
// launcher daemons: the wire protocol, the registry of connected
// launchers, placement and the broker-side connection hub.
package launcher

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/g960059/agtbroker/internal/model"
)

const (
	ProtocolVersion = "agtlauncher.v1"
	MaxMessageSize  = 4 << 20
)

var (
	ErrInvalidMessage     = errors.New("launcher: invalid message")
	ErrMessageTooLarge    = errors.New("launcher: message too large")
	ErrUnsupportedVersion = errors.New("launcher: unsupported protocol version")
)

type MessageType string

const (
	TypeRegister       MessageType = "register"
	TypeRegistered     MessageType = "registered"
	TypeHeartbeat      MessageType = "heartbeat"
	TypeLaunch         MessageType = "launch"
	TypeKill           MessageType = "kill"
	TypeResize         MessageType = "resize"
	TypeInput          MessageType = "input"
	TypeSessionStarted MessageType = "session_started"
	TypeSessionOutput  MessageType = "session_output"
	TypeSessionEnded   MessageType = "session_ended"
	TypeError          MessageType = "error"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("launcher: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("launcher: cbor decoder: " + err.Error())
	}
}

// Envelope is one message on the launcher channel. Payload stays encoded
// until the receiver knows which type to decode it into.
type Envelope struct {
	Version string          `cbor:"v"`
	Type    MessageType     `cbor:"t"`
	SentAt  time.Time       `cbor:"at"`
	Payload cbor.RawMessage `cbor:"p"`
}

func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	if strings.TrimSpace(string(t)) == "" {
		return Envelope{}, fmt.Errorf("%w: type is required", ErrInvalidMessage)
	}
	body, err := encMode.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{
		Version: ProtocolVersion,
		Type:    t,
		SentAt:  time.Now().UTC(),
		Payload: body,
	}, nil
}

func (e Envelope) Validate() error {
	if e.Version != ProtocolVersion {
		return ErrUnsupportedVersion
	}
	if strings.TrimSpace(string(e.Type)) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidMessage)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrInvalidMessage)
	}
	return nil
}

func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidMessage)
	}
	if err := decMode.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

func Marshal(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	body, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if len(body) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	return body, nil
}

func Unmarshal(data []byte) (Envelope, error) {
	if len(data) > MaxMessageSize {
		return Envelope{}, ErrMessageTooLarge
	}
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

type RegisterPayload struct {
	ID           string             `cbor:"id,omitempty"`
	Name         string             `cbor:"name"`
	Host         string             `cbor:"host,omitempty"`
	Token        string             `cbor:"token,omitempty"`
	Capacity     int                `cbor:"capacity"`
	Capabilities []model.Capability `cbor:"capabilities,omitempty"`
	Sessions     []string           `cbor:"sessions,omitempty"`
}

type RegisteredPayload struct {
	LauncherID       string        `cbor:"launcher_id"`
	HeartbeatTimeout time.Duration `cbor:"heartbeat_timeout"`
}

type HeartbeatPayload struct {
	Sessions []string  `cbor:"sessions"`
	At       time.Time `cbor:"at"`
}

type LaunchPayload struct {
	SessionID string            `cbor:"session_id"`
	Command   string            `cbor:"command,omitempty"`
	Args      []string          `cbor:"args,omitempty"`
	Cwd       string            `cbor:"cwd,omitempty"`
	Profile   model.Profile     `cbor:"profile,omitempty"`
	Cols      uint16            `cbor:"cols,omitempty"`
	Rows      uint16            `cbor:"rows,omitempty"`
	Env       map[string]string `cbor:"env,omitempty"`
	ParentID  string            `cbor:"parent_id,omitempty"`
}

type KillPayload struct {
	SessionID string `cbor:"session_id"`
}

type ResizePayload struct {
	SessionID string `cbor:"session_id"`
	Cols      uint16 `cbor:"cols"`
	Rows      uint16 `cbor:"rows"`
}

type InputPayload struct {
	SessionID string `cbor:"session_id"`
	Data      []byte `cbor:"data"`
}

type SessionStartedPayload struct {
	SessionID string `cbor:"session_id"`
	PID       int    `cbor:"pid"`
	MuxName   string `cbor:"mux_name,omitempty"`
}

// SessionOutputPayload carries one output chunk. Seq is the launcher's
// own frame number so the broker can drop retransmissions.
type SessionOutputPayload struct {
	SessionID string `cbor:"session_id"`
	Seq       uint64 `cbor:"seq"`
	Data      []byte `cbor:"data"`
}

type SessionEndedPayload struct {
	SessionID string       `cbor:"session_id"`
	ExitCode  *int         `cbor:"exit_code,omitempty"`
	Status    model.Status `cbor:"status"`
	Reason    string       `cbor:"reason,omitempty"`
}

type ErrorPayload struct {
	SessionID string `cbor:"session_id,omitempty"`
	Code      string `cbor:"code"`
	Message   string `cbor:"message"`
}
