// Package mux fronts the terminal multiplexer that keeps sessions alive
// across broker restarts, and the PTY layer processes run under.
package mux

import (
	"context"
	"errors"
)

var (
	ErrUnavailable = errors.New("multiplexer unavailable")
	ErrHandleGone  = errors.New("multiplexer handle gone")
)

// Command is a fully resolved program invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
	Cols uint16
	Rows uint16
}

// ExitStatus is delivered exactly once per process. Detached means the
// local handle went away while the command itself may still be running
// under the multiplexer.
type ExitStatus struct {
	Code     int
	Detached bool
}

type Callbacks struct {
	OnOutput func(data []byte)
	OnExit   func(status ExitStatus)
}

// Process is a running command the broker can drive.
type Process interface {
	Pid() int
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	// Kill terminates the local handle. For multiplexer-backed processes
	// the named handle must be killed separately through the bridge.
	Kill() error
	// Detach releases the local handle without ending the command.
	Detach() error
}

// Starter creates processes directly under a PTY.
type Starter interface {
	Start(cmd Command, cb Callbacks) (Process, error)
}

// PaneInfo is what the multiplexer knows about a handle's foreground pane.
type PaneInfo struct {
	Title   string
	Command string
	Path    string
}

// Bridge is the narrow surface the broker needs from the multiplexer.
type Bridge interface {
	Available() bool
	SpawnUnder(ctx context.Context, name string, cmd Command, cb Callbacks) (Process, error)
	Reattach(ctx context.Context, name string, cols, rows uint16, cb Callbacks) (Process, error)
	Capture(ctx context.Context, name string) (string, error)
	Exists(ctx context.Context, name string) (bool, error)
	Kill(ctx context.Context, name string) error
	ListActive(ctx context.Context) ([]string, error)
	DetachViewers(ctx context.Context, name string) error
	PaneInfo(ctx context.Context, name string) (PaneInfo, error)
}

// NoopBridge stands in on hosts without a multiplexer.
type NoopBridge struct{}

func (NoopBridge) Available() bool { return false }

func (NoopBridge) SpawnUnder(context.Context, string, Command, Callbacks) (Process, error) {
	return nil, ErrUnavailable
}

func (NoopBridge) Reattach(context.Context, string, uint16, uint16, Callbacks) (Process, error) {
	return nil, ErrUnavailable
}

func (NoopBridge) Capture(context.Context, string) (string, error) { return "", ErrUnavailable }

func (NoopBridge) Exists(context.Context, string) (bool, error) { return false, ErrUnavailable }

func (NoopBridge) Kill(context.Context, string) error { return ErrUnavailable }

func (NoopBridge) ListActive(context.Context) ([]string, error) { return nil, ErrUnavailable }

func (NoopBridge) DetachViewers(context.Context, string) error { return ErrUnavailable }

func (NoopBridge) PaneInfo(context.Context, string) (PaneInfo, error) {
	return PaneInfo{}, ErrUnavailable
}
