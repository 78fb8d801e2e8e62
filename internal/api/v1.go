package api

import (
	"time"

	"github.com/g960059/agtbroker/internal/model"
)

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type OKResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	OK            bool      `json:"ok"`
}

type SpawnRequest struct {
	SessionID     string            `json:"session_id"`
	Command       string            `json:"command,omitempty"`
	Args          []string          `json:"args,omitempty"`
	Cwd           string            `json:"cwd,omitempty"`
	Profile       model.Profile     `json:"profile,omitempty"`
	Cols          uint16            `json:"cols,omitempty"`
	Rows          uint16            `json:"rows,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	ParentID      string            `json:"parent_session_id,omitempty"`
	LauncherID    string            `json:"launcher_id,omitempty"`
	AgentEndpoint string            `json:"agent_endpoint,omitempty"`
	Requires      []string          `json:"requires,omitempty"`
}

type SpawnResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	SessionID     string    `json:"session_id"`
	Placement     string    `json:"placement"`
	LauncherID    string    `json:"launcher_id,omitempty"`
}

type ResizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

type WriteRequest struct {
	Data string `json:"data"`
}

type InputStateRequest struct {
	State model.InputState `json:"state"`
}

type StatusResponse struct {
	SchemaVersion string           `json:"schema_version"`
	GeneratedAt   time.Time        `json:"generated_at"`
	SessionID     string           `json:"session_id"`
	Status        model.Status     `json:"status"`
	Active        bool             `json:"active"`
	OutputSeq     uint64           `json:"output_seq"`
	TotalBytes    int64            `json:"total_bytes"`
	Healthy       *bool            `json:"healthy,omitempty"`
	InputState    model.InputState `json:"input_state,omitempty"`
	ExitCode      *int             `json:"exit_code,omitempty"`
	LauncherID    string           `json:"launcher_id,omitempty"`
}

type HealthResponse struct {
	SchemaVersion        string    `json:"schema_version"`
	GeneratedAt          time.Time `json:"generated_at"`
	OK                   bool      `json:"ok"`
	MultiplexerAvailable bool      `json:"multiplexer_available"`
	ActiveSessionIDs     []string  `json:"active_session_ids"`
}

type WaitingSession struct {
	InputState  model.InputState `json:"input_state"`
	PaneTitle   string           `json:"pane_title,omitempty"`
	PaneCommand string           `json:"pane_command,omitempty"`
	PanePath    string           `json:"pane_path,omitempty"`
}

type WaitingResponse struct {
	SchemaVersion string                    `json:"schema_version"`
	GeneratedAt   time.Time                 `json:"generated_at"`
	Sessions      map[string]WaitingSession `json:"sessions"`
}

type LauncherResponse struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Host          string    `json:"host,omitempty"`
	Capacity      int       `json:"capacity"`
	Capabilities  []string  `json:"capabilities"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Sessions      []string  `json:"sessions"`
	Eligible      bool      `json:"eligible"`
}

type LaunchersEnvelope struct {
	SchemaVersion string             `json:"schema_version"`
	GeneratedAt   time.Time          `json:"generated_at"`
	Launchers     []LauncherResponse `json:"launchers"`
}
