package mux

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Executor runs tmux subcommands with a per-attempt timeout. Read-only
// subcommands are retried with jittered backoff.
type Executor struct {
	binary  string
	socket  string
	timeout time.Duration
	backoff []time.Duration
	runner  Runner
}

func NewExecutor(binary, socket string, timeout time.Duration, backoff []time.Duration, runner Runner) *Executor {
	if runner == nil {
		runner = OSRunner{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Executor{binary: binary, socket: socket, timeout: timeout, backoff: backoff, runner: runner}
}

// Args prefixes a subcommand with the socket selection.
func (e *Executor) Args(args ...string) []string {
	out := make([]string, 0, len(args)+2)
	if e.socket != "" {
		out = append(out, "-L", e.socket)
	}
	return append(out, args...)
}

func (e *Executor) Binary() string { return e.binary }

func (e *Executor) Run(ctx context.Context, args ...string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("empty tmux command")
	}
	maxAttempts := 1
	if isRetryableCommand(args[0]) {
		maxAttempts += len(e.backoff)
	}
	full := e.Args(args...)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		runCtx, cancel := context.WithTimeout(ctx, e.timeout)
		out, err := e.runner.Run(runCtx, e.binary, full...)
		cancel()
		if err == nil {
			return string(out), nil
		}
		lastErr = fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
		if isGoneOutput(string(out)) {
			return string(out), fmt.Errorf("%w: %v", ErrHandleGone, lastErr)
		}

		if attempt < maxAttempts {
			backoff := e.backoff[attempt-1]
			jitter := time.Duration(0)
			maxJitter := int64(backoff / 4)
			if maxJitter > 0 {
				jitter = time.Duration(time.Now().UTC().UnixNano() % maxJitter)
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}
	}
	return "", lastErr
}

func isRetryableCommand(sub string) bool {
	switch strings.ToLower(sub) {
	case "list-sessions", "list-panes", "display-message", "capture-pane", "show-options":
		return true
	default:
		return false
	}
}

func isGoneOutput(out string) bool {
	for _, p := range []string{"can't find session", "can't find pane", "no server running", "session not found", "error connecting to"} {
		if strings.Contains(out, p) {
			return true
		}
	}
	return false
}
