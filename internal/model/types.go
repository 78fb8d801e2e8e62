package model

import (
	"errors"
	"time"
)

// Profile is the permission profile a session is launched with.
type Profile string

const (
	ProfileInteractive Profile = "interactive"
	ProfileAuto        Profile = "auto"
	ProfileYolo        Profile = "yolo"
	ProfilePlain       Profile = "plain"
)

func (p Profile) Valid() bool {
	switch p {
	case ProfileInteractive, ProfileAuto, ProfileYolo, ProfilePlain:
		return true
	}
	return false
}

// Status is the lifecycle status persisted for a session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusKilled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal lifecycle move.
// Recovery may move a failed session back to running when its multiplexer
// handle turns out to be alive; that path goes through Recover, not here.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.Terminal()
	}
	switch from {
	case StatusPending:
		return to == StatusRunning || to.Terminal()
	case StatusRunning:
		return to.Terminal()
	}
	return false
}

// InputState tracks whether a running session is waiting on a human.
type InputState string

const (
	InputActive  InputState = "active"
	InputWaiting InputState = "waiting"
	InputIdle    InputState = "idle"
)

func (s InputState) Valid() bool {
	return s == InputActive || s == InputWaiting || s == InputIdle
}

// Failure reasons recorded alongside a failed status.
const (
	FailExitNonZero       = "exit_nonzero"
	FailHealthCheck       = "health_check"
	FailSpawn             = "spawn_failed"
	FailBridgeUnavailable = "multiplexer_unavailable"
	FailHandleGone        = "handle_gone"
)

// Session is the durable record of one supervised process.
type Session struct {
	ID          string
	Profile     Profile
	Status      Status
	PID         int
	MuxName     string
	Command     []string
	Cwd         string
	OutputTail  []byte
	TotalBytes  int64
	OutputSeq   uint64
	InputSeq    uint64
	ExitCode    *int
	FailReason  string
	ParentID    string
	LauncherID  string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// Progress is the periodic projection of a live handle onto its record.
type Progress struct {
	SessionID  string
	OutputTail []byte
	TotalBytes int64
	OutputSeq  uint64
	InputSeq   uint64
	UpdatedAt  time.Time
}

// Capability is a feature a launcher declares at registration.
type Capability string

const (
	CapMultiplexer      Capability = "multiplexer"
	CapContainerRuntime Capability = "container_runtime"
)

// LauncherInfo describes a connected remote launcher.
type LauncherInfo struct {
	ID            string
	Name          string
	Host          string
	Capacity      int
	Capabilities  []Capability
	LastHeartbeat time.Time
	Sessions      []string
}

var (
	ErrAlreadyRunning    = errors.New("session already running")
	ErrNotFound          = errors.New("session not found")
	ErrNotRunning        = errors.New("session not running")
	ErrSpawnFailure      = errors.New("spawn failed")
	ErrRecoveryFailure   = errors.New("recovery failed")
	ErrBridgeUnavailable = errors.New("multiplexer unavailable")
	ErrInvalidRequest    = errors.New("invalid request")
)

// Error codes defined by API contract.
const (
	ErrCodeAlreadyRunning    = "E_ALREADY_RUNNING"
	ErrCodeNotFound          = "E_NOT_FOUND"
	ErrCodeNotRunning        = "E_NOT_RUNNING"
	ErrCodeSpawnFailed       = "E_SPAWN_FAILED"
	ErrCodeRecoveryFailed    = "E_RECOVERY_FAILED"
	ErrCodeBridgeUnavailable = "E_BRIDGE_UNAVAILABLE"
	ErrCodeInvalidRequest    = "E_INVALID_REQUEST"
	ErrCodeRateLimited       = "E_RATE_LIMITED"
	ErrCodeUnauthorized      = "E_UNAUTHORIZED"
	ErrCodeInternal          = "E_INTERNAL"
)

// ErrorCode maps a sentinel error to its API code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		return ErrCodeAlreadyRunning
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrNotRunning):
		return ErrCodeNotRunning
	case errors.Is(err, ErrSpawnFailure):
		return ErrCodeSpawnFailed
	case errors.Is(err, ErrRecoveryFailure):
		return ErrCodeRecoveryFailed
	case errors.Is(err, ErrBridgeUnavailable):
		return ErrCodeBridgeUnavailable
	case errors.Is(err, ErrInvalidRequest):
		return ErrCodeInvalidRequest
	}
	return ErrCodeInternal
}
