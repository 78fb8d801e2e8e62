package api

import (
	"time"

	"github.com/g960059/agtbroker/internal/model"
)

// Viewer stream message types, server -> client.
const (
	MsgHistory         = "history"
	MsgSequencedOutput = "sequenced_output"
	MsgInputAck        = "input_ack"
	MsgReplayComplete  = "replay_complete"
	MsgError           = "error"
	MsgPong            = "pong"
)

// Viewer stream message types, client -> server.
const (
	MsgSequencedInput = "sequenced_input"
	MsgOutputAck      = "output_ack"
	MsgReplayRequest  = "replay_request"
	MsgInput          = "input"
	MsgResize         = "resize"
	MsgKill           = "kill"
	MsgPing           = "ping"
)

type FrameKind string

const (
	FrameOutput     FrameKind = "output"
	FrameExit       FrameKind = "exit"
	FrameInputState FrameKind = "input_state"
)

// Frame is one sequenced unit of session output or a control event.
type Frame struct {
	SessionID  string           `json:"session_id"`
	Seq        uint64           `json:"seq"`
	Kind       FrameKind        `json:"kind"`
	Data       []byte           `json:"data,omitempty"`
	ExitCode   *int             `json:"exit_code,omitempty"`
	Status     model.Status     `json:"status,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	InputState model.InputState `json:"input_state,omitempty"`
	Timestamp  time.Time        `json:"ts"`
}

// History is the attach reply: everything currently known about the
// session's output plus the watermarks a viewer resumes from.
type History struct {
	SessionID  string           `json:"session_id"`
	Status     model.Status     `json:"status"`
	Data       []byte           `json:"data,omitempty"`
	OutputSeq  uint64           `json:"output_seq"`
	InputSeq   uint64           `json:"input_seq"`
	InputState model.InputState `json:"input_state,omitempty"`
	ExitCode   *int             `json:"exit_code,omitempty"`
}

type InputKind string

const (
	InputWrite  InputKind = "write"
	InputResize InputKind = "resize"
	InputKill   InputKind = "kill"
)

type InputResult string

const (
	InputApplied    InputResult = "applied"
	InputDuplicate  InputResult = "duplicate"
	InputNotRunning InputResult = "not_running"
	InputRejected   InputResult = "rejected"
)

// ServerMessage is every server -> client stream message.
type ServerMessage struct {
	Type    string      `json:"type"`
	History *History    `json:"history,omitempty"`
	Frame   *Frame      `json:"frame,omitempty"`
	Seq     uint64      `json:"seq,omitempty"`
	Result  InputResult `json:"result,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ClientMessage is every client -> server stream message. Data carries
// typed text for input kinds.
type ClientMessage struct {
	Type    string    `json:"type"`
	Seq     uint64    `json:"seq,omitempty"`
	Kind    InputKind `json:"kind,omitempty"`
	Data    string    `json:"data,omitempty"`
	Cols    uint16    `json:"cols,omitempty"`
	Rows    uint16    `json:"rows,omitempty"`
	FromSeq uint64    `json:"from_seq,omitempty"`
}
