package mux

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

const memoryScreenBytes = 64 * 1024

// MemoryBridge keeps named handles in process memory. Commands outlive
// their attach clients the way they would under tmux, but not the process
// that owns the bridge.
type MemoryBridge struct {
	Starter Starter
	// KillErr, when set, is returned by Kill after the handle is torn down.
	KillErr error

	mu      sync.Mutex
	handles map[string]*memHandle
}

type memHandle struct {
	name   string
	cmd    Command
	proc   Process
	alive  bool
	screen []byte
	sub    *memClient
}

func NewMemoryBridge(starter Starter) *MemoryBridge {
	return &MemoryBridge{Starter: starter, handles: map[string]*memHandle{}}
}

func (b *MemoryBridge) Available() bool { return true }

func (b *MemoryBridge) SpawnUnder(_ context.Context, name string, cmd Command, cb Callbacks) (Process, error) {
	b.mu.Lock()
	if h, ok := b.handles[name]; ok && h.alive {
		b.mu.Unlock()
		return nil, fmt.Errorf("handle %s already exists", name)
	}
	h := &memHandle{name: name, cmd: cmd, alive: true}
	client := &memClient{bridge: b, handle: h, cb: cb}
	h.sub = client
	b.handles[name] = h
	b.mu.Unlock()

	proc, err := b.Starter.Start(cmd, Callbacks{
		OnOutput: func(data []byte) { b.output(h, data) },
		OnExit:   func(st ExitStatus) { b.exited(h, st) },
	})
	if err != nil {
		b.mu.Lock()
		delete(b.handles, name)
		b.mu.Unlock()
		return nil, err
	}
	b.mu.Lock()
	h.proc = proc
	b.mu.Unlock()
	return client, nil
}

func (b *MemoryBridge) Reattach(_ context.Context, name string, _, _ uint16, cb Callbacks) (Process, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.handles[name]
	if !ok || !h.alive {
		return nil, fmt.Errorf("%w: %s", ErrHandleGone, name)
	}
	if h.sub != nil {
		h.sub.detachLocked()
	}
	client := &memClient{bridge: b, handle: h, cb: cb}
	h.sub = client
	return client, nil
}

func (b *MemoryBridge) Capture(_ context.Context, name string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.handles[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrHandleGone, name)
	}
	return string(h.screen), nil
}

func (b *MemoryBridge) Exists(_ context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.handles[name]
	return ok && h.alive, nil
}

func (b *MemoryBridge) Kill(_ context.Context, name string) error {
	b.mu.Lock()
	h, ok := b.handles[name]
	if ok {
		delete(b.handles, name)
	}
	b.mu.Unlock()
	if !ok || !h.alive {
		if b.KillErr != nil {
			return b.KillErr
		}
		return fmt.Errorf("%w: %s", ErrHandleGone, name)
	}
	if h.proc != nil {
		_ = h.proc.Kill()
	}
	return b.KillErr
}

func (b *MemoryBridge) ListActive(context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for name, h := range b.handles {
		if h.alive {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// DetachViewers drops the attached client the way detach-client would:
// its owner sees a detached exit and the command keeps running.
func (b *MemoryBridge) DetachViewers(_ context.Context, name string) error {
	b.mu.Lock()
	h, ok := b.handles[name]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrHandleGone, name)
	}
	client := h.sub
	h.sub = nil
	b.mu.Unlock()
	if client != nil {
		client.deliverExit(ExitStatus{Detached: true})
	}
	return nil
}

// Attached reports whether a client currently holds the handle.
func (b *MemoryBridge) Attached(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.handles[name]
	return ok && h.sub != nil
}

func (b *MemoryBridge) PaneInfo(_ context.Context, name string) (PaneInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.handles[name]
	if !ok {
		return PaneInfo{}, fmt.Errorf("%w: %s", ErrHandleGone, name)
	}
	return PaneInfo{Title: name, Command: h.cmd.Path, Path: h.cmd.Dir}, nil
}

func (b *MemoryBridge) output(h *memHandle, data []byte) {
	b.mu.Lock()
	h.screen = append(h.screen, data...)
	if over := len(h.screen) - memoryScreenBytes; over > 0 {
		h.screen = append([]byte(nil), h.screen[over:]...)
	}
	sub := h.sub
	b.mu.Unlock()
	if sub != nil {
		sub.deliverOutput(data)
	}
}

func (b *MemoryBridge) exited(h *memHandle, st ExitStatus) {
	b.mu.Lock()
	h.alive = false
	if b.handles[h.name] == h {
		delete(b.handles, h.name)
	}
	sub := h.sub
	h.sub = nil
	b.mu.Unlock()
	if sub != nil {
		sub.deliverExit(ExitStatus{Code: st.Code})
	}
}

// memClient is one attachment to a memory handle.
type memClient struct {
	bridge *MemoryBridge
	handle *memHandle
	cb     Callbacks
	once   sync.Once
}

func (c *memClient) Pid() int {
	c.bridge.mu.Lock()
	defer c.bridge.mu.Unlock()
	if c.handle.proc == nil {
		return 0
	}
	return c.handle.proc.Pid()
}

func (c *memClient) Write(p []byte) (int, error) {
	proc := c.target()
	if proc == nil {
		return 0, fmt.Errorf("%w: %s", ErrHandleGone, c.handle.name)
	}
	return proc.Write(p)
}

func (c *memClient) Resize(cols, rows uint16) error {
	proc := c.target()
	if proc == nil {
		return fmt.Errorf("%w: %s", ErrHandleGone, c.handle.name)
	}
	return proc.Resize(cols, rows)
}

func (c *memClient) Kill() error {
	proc := c.target()
	if proc == nil {
		return nil
	}
	return proc.Kill()
}

func (c *memClient) Detach() error {
	c.bridge.mu.Lock()
	detached := c.handle.sub == c
	if detached {
		c.handle.sub = nil
	}
	c.bridge.mu.Unlock()
	if detached {
		c.deliverExit(ExitStatus{Detached: true})
	}
	return nil
}

func (c *memClient) target() Process {
	c.bridge.mu.Lock()
	defer c.bridge.mu.Unlock()
	if c.handle.sub != c || !c.handle.alive {
		return nil
	}
	return c.handle.proc
}

// detachLocked drops a superseded client. Its owner is already gone, so no
// exit is delivered.
func (c *memClient) detachLocked() {
	c.once.Do(func() {})
	c.handle.sub = nil
}

func (c *memClient) deliverOutput(data []byte) {
	if c.cb.OnOutput != nil {
		c.cb.OnOutput(data)
	}
}

func (c *memClient) deliverExit(st ExitStatus) {
	c.once.Do(func() {
		if c.cb.OnExit != nil {
			c.cb.OnExit(st)
		}
	})
}
