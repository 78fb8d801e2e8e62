package mux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPollInterval  = 500 * time.Millisecond
	paneStatusRetryDelay = 50 * time.Millisecond
	paneStatusMaxRetries = 5
)

type TmuxOptions struct {
	Binary       string
	Socket       string
	Timeout      time.Duration
	Backoff      []time.Duration
	CaptureLines int
	PollInterval time.Duration
	Disabled     bool
}

// TmuxBridge drives tmux on a dedicated server socket. Sessions are created
// detached with remain-on-exit so the exit status can be read back, and the
// broker talks to them through an attach client running under a PTY.
type TmuxBridge struct {
	exec      *Executor
	starter   Starter
	log       *zap.Logger
	opts      TmuxOptions
	available bool
}

func NewTmuxBridge(opts TmuxOptions, runner Runner, starter Starter, log *zap.Logger) *TmuxBridge {
	if opts.Binary == "" {
		opts.Binary = "tmux"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.CaptureLines <= 0 {
		opts.CaptureLines = 2000
	}
	if starter == nil {
		starter = PTYStarter{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	b := &TmuxBridge{
		exec:    NewExecutor(opts.Binary, opts.Socket, opts.Timeout, opts.Backoff, runner),
		starter: starter,
		log:     log,
		opts:    opts,
	}
	if !opts.Disabled {
		if _, isOS := runner.(OSRunner); runner == nil || isOS {
			_, err := exec.LookPath(opts.Binary)
			b.available = err == nil
		} else {
			b.available = true
		}
	}
	return b
}

func (b *TmuxBridge) Available() bool { return b.available }

// Probe confirms the tmux binary runs.
func (b *TmuxBridge) Probe(ctx context.Context) error {
	if !b.available {
		return ErrUnavailable
	}
	runCtx, cancel := context.WithTimeout(ctx, b.exec.timeout)
	defer cancel()
	if _, err := b.exec.runner.Run(runCtx, b.opts.Binary, "-V"); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (b *TmuxBridge) SpawnUnder(ctx context.Context, name string, cmd Command, cb Callbacks) (Process, error) {
	if !b.available {
		return nil, ErrUnavailable
	}
	args := []string{"new-session", "-d", "-s", name,
		"-x", strconv.Itoa(int(cmd.Cols)), "-y", strconv.Itoa(int(cmd.Rows))}
	if cmd.Dir != "" {
		args = append(args, "-c", cmd.Dir)
	}
	for _, kv := range cmd.Env {
		args = append(args, "-e", kv)
	}
	args = append(args, cmd.Path)
	args = append(args, cmd.Args...)
	if _, err := b.exec.Run(ctx, args...); err != nil {
		return nil, fmt.Errorf("new-session %s: %w", name, err)
	}
	if _, err := b.exec.Run(ctx, "set-option", "-t", sessionTarget(name), "remain-on-exit", "on"); err != nil {
		_ = b.Kill(ctx, name)
		return nil, fmt.Errorf("set remain-on-exit %s: %w", name, err)
	}
	proc, err := b.attach(ctx, name, cmd.Cols, cmd.Rows, cb)
	if err != nil {
		_ = b.Kill(ctx, name)
		return nil, err
	}
	return proc, nil
}

func (b *TmuxBridge) Reattach(ctx context.Context, name string, cols, rows uint16, cb Callbacks) (Process, error) {
	if !b.available {
		return nil, ErrUnavailable
	}
	dead, code, err := b.paneStatus(ctx, name)
	if err != nil {
		return nil, err
	}
	if dead {
		_ = b.Kill(ctx, name)
		return nil, fmt.Errorf("%w: %s exited with %d while detached", ErrHandleGone, name, code)
	}
	return b.attach(ctx, name, cols, rows, cb)
}

func (b *TmuxBridge) attach(ctx context.Context, name string, cols, rows uint16, cb Callbacks) (Process, error) {
	p := &tmuxProcess{bridge: b, name: name, onExit: cb.OnExit, done: make(chan struct{})}
	if out, err := b.exec.Run(ctx, "display-message", "-p", "-t", paneTarget(name), "#{pane_pid}"); err == nil {
		p.panePID, _ = strconv.Atoi(strings.TrimSpace(out))
	}
	client, err := b.starter.Start(Command{
		Path: b.opts.Binary,
		Args: b.exec.Args("attach-session", "-t", sessionTarget(name)),
		Cols: cols,
		Rows: rows,
	}, Callbacks{OnOutput: cb.OnOutput, OnExit: p.clientExited})
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", name, err)
	}
	p.client = client
	go p.watch()
	return p, nil
}

func (b *TmuxBridge) Capture(ctx context.Context, name string) (string, error) {
	if !b.available {
		return "", ErrUnavailable
	}
	out, err := b.exec.Run(ctx, "capture-pane", "-p", "-e", "-J", "-t", paneTarget(name),
		"-S", "-"+strconv.Itoa(b.opts.CaptureLines))
	if err != nil {
		return "", err
	}
	return out, nil
}

func (b *TmuxBridge) Exists(ctx context.Context, name string) (bool, error) {
	if !b.available {
		return false, ErrUnavailable
	}
	_, err := b.exec.Run(ctx, "has-session", "-t", sessionTarget(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrHandleGone) {
		return false, nil
	}
	return false, err
}

// Kill destroys the named session. A missing session is reported as
// ErrHandleGone so callers can tell it apart from a tmux failure.
func (b *TmuxBridge) Kill(ctx context.Context, name string) error {
	if !b.available {
		return ErrUnavailable
	}
	_, err := b.exec.Run(ctx, "kill-session", "-t", sessionTarget(name))
	return err
}

func (b *TmuxBridge) ListActive(ctx context.Context) ([]string, error) {
	if !b.available {
		return nil, ErrUnavailable
	}
	out, err := b.exec.Run(ctx, "list-sessions", "-F", "#{session_name}")
	if errors.Is(err, ErrHandleGone) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func (b *TmuxBridge) DetachViewers(ctx context.Context, name string) error {
	if !b.available {
		return ErrUnavailable
	}
	_, err := b.exec.Run(ctx, "detach-client", "-s", sessionTarget(name))
	return err
}

func (b *TmuxBridge) PaneInfo(ctx context.Context, name string) (PaneInfo, error) {
	if !b.available {
		return PaneInfo{}, ErrUnavailable
	}
	out, err := b.exec.Run(ctx, "display-message", "-p", "-t", paneTarget(name),
		joinFormat("#{pane_title}", "#{pane_current_command}", "#{pane_current_path}"))
	if err != nil {
		return PaneInfo{}, err
	}
	parts := splitFormat(out, 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	return PaneInfo{Title: parts[0], Command: parts[1], Path: parts[2]}, nil
}

// paneStatus reports whether the pane command has exited and its code.
// A signal death maps to 128+signal. tmux can flag the pane dead before it
// records the status, so an empty status is re-queried a few times.
func (b *TmuxBridge) paneStatus(ctx context.Context, name string) (bool, int, error) {
	for attempt := 0; ; attempt++ {
		out, err := b.exec.Run(ctx, "display-message", "-p", "-t", paneTarget(name),
			"#{pane_dead} #{pane_dead_status} #{pane_dead_signal}")
		if err != nil {
			return false, 0, err
		}
		parts := strings.SplitN(strings.TrimRight(out, "\r\n"), " ", 3)
		dead, err := strconv.Atoi(parts[0])
		if err != nil {
			return false, 0, fmt.Errorf("parse pane_dead %q: %w", parts[0], err)
		}
		if dead == 0 {
			return false, 0, nil
		}
		if len(parts) >= 3 && parts[2] != "" {
			sig, err := strconv.Atoi(parts[2])
			if err != nil {
				return true, -1, fmt.Errorf("parse pane_dead_signal %q: %w", parts[2], err)
			}
			return true, 128 + sig, nil
		}
		if len(parts) >= 2 && parts[1] != "" {
			code, err := strconv.Atoi(parts[1])
			if err != nil {
				return true, -1, fmt.Errorf("parse pane_dead_status %q: %w", parts[1], err)
			}
			return true, code, nil
		}
		if attempt >= paneStatusMaxRetries {
			return true, 0, nil
		}
		select {
		case <-ctx.Done():
			return true, 0, ctx.Err()
		case <-time.After(paneStatusRetryDelay):
		}
	}
}

// tmuxProcess is a command living in a tmux session, reached through an
// attach client. The attach client never exits on its own while
// remain-on-exit holds the dead pane, so watch polls for the exit.
type tmuxProcess struct {
	bridge  *TmuxBridge
	name    string
	client  Process
	panePID int
	onExit  func(ExitStatus)

	killing   atomic.Bool
	detaching atomic.Bool

	mu       sync.Mutex
	deadCode *int

	done     chan struct{}
	doneOnce sync.Once
	exitOnce sync.Once
}

func (p *tmuxProcess) Pid() int {
	if p.panePID > 0 {
		return p.panePID
	}
	return p.client.Pid()
}

func (p *tmuxProcess) Write(b []byte) (int, error) { return p.client.Write(b) }

func (p *tmuxProcess) Resize(cols, rows uint16) error { return p.client.Resize(cols, rows) }

func (p *tmuxProcess) Kill() error {
	p.killing.Store(true)
	return p.client.Kill()
}

func (p *tmuxProcess) Detach() error {
	p.detaching.Store(true)
	return p.client.Kill()
}

func (p *tmuxProcess) stopWatch() {
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *tmuxProcess) watch() {
	ticker := time.NewTicker(p.bridge.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
		if p.killing.Load() || p.detaching.Load() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.bridge.exec.timeout)
		dead, code, err := p.bridge.paneStatus(ctx, p.name)
		cancel()
		if err != nil || !dead {
			continue
		}
		p.mu.Lock()
		p.deadCode = &code
		p.mu.Unlock()
		// ending the client drains its output before clientExited fires
		_ = p.client.Kill()
		return
	}
}

func (p *tmuxProcess) clientExited(st ExitStatus) {
	p.stopWatch()
	p.exitOnce.Do(func() {
		status := p.resolveExit(st)
		if status.Detached {
			p.bridge.log.Debug("tmux client detached", zap.String("handle", p.name))
		}
		if p.onExit != nil {
			p.onExit(status)
		}
	})
}

func (p *tmuxProcess) resolveExit(st ExitStatus) ExitStatus {
	if p.detaching.Load() {
		return ExitStatus{Code: st.Code, Detached: true}
	}
	if p.killing.Load() {
		return ExitStatus{Code: st.Code}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*p.bridge.exec.timeout)
	defer cancel()

	p.mu.Lock()
	deadCode := p.deadCode
	p.mu.Unlock()
	if deadCode != nil {
		_ = p.bridge.Kill(ctx, p.name)
		return ExitStatus{Code: *deadCode}
	}

	dead, code, err := p.bridge.paneStatus(ctx, p.name)
	switch {
	case errors.Is(err, ErrHandleGone):
		return ExitStatus{Code: st.Code}
	case err != nil:
		// unknown pane state; leave the handle for recovery to judge
		p.bridge.log.Warn("tmux pane status unavailable", zap.String("handle", p.name), zap.Error(err))
		return ExitStatus{Code: st.Code, Detached: true}
	case dead:
		_ = p.bridge.Kill(ctx, p.name)
		return ExitStatus{Code: code}
	default:
		return ExitStatus{Detached: true}
	}
}
