package testutil

import (
	"errors"
	"sync"

	"github.com/g960059/agtbroker/internal/mux"
)

// FakeStarter hands out FakeProcess values the test drives by hand.
type FakeStarter struct {
	mu      sync.Mutex
	procs   []*FakeProcess
	nextPID int
	// Err fails every Start when set.
	Err error
}

func (s *FakeStarter) Start(cmd mux.Command, cb mux.Callbacks) (mux.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	s.nextPID++
	p := &FakeProcess{pid: 1000 + s.nextPID, cmd: cmd, cb: cb}
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *FakeStarter) Procs() []*FakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*FakeProcess(nil), s.procs...)
}

// Last returns the most recently started process or nil.
func (s *FakeStarter) Last() *FakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

// FakeProcess records every call and delivers output and exit on demand.
type FakeProcess struct {
	pid int
	cmd mux.Command
	cb  mux.Callbacks

	mu       sync.Mutex
	writes   [][]byte
	resizes  [][2]uint16
	kills    int
	detaches int
	exited   bool
}

func (p *FakeProcess) Command() mux.Command { return p.cmd }

func (p *FakeProcess) Pid() int { return p.pid }

func (p *FakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return 0, errors.New("process exited")
	}
	p.writes = append(p.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (p *FakeProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resizes = append(p.resizes, [2]uint16{cols, rows})
	return nil
}

// Kill ends the process with 137 the way SIGKILL would.
func (p *FakeProcess) Kill() error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	p.finish(mux.ExitStatus{Code: 137})
	return nil
}

func (p *FakeProcess) Detach() error {
	p.mu.Lock()
	p.detaches++
	p.mu.Unlock()
	p.finish(mux.ExitStatus{Detached: true})
	return nil
}

// Emit delivers one output chunk.
func (p *FakeProcess) Emit(data string) {
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()
	if !exited && p.cb.OnOutput != nil {
		p.cb.OnOutput([]byte(data))
	}
}

// Exit ends the process with code.
func (p *FakeProcess) Exit(code int) {
	p.finish(mux.ExitStatus{Code: code})
}

func (p *FakeProcess) finish(st mux.ExitStatus) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.mu.Unlock()
	if p.cb.OnExit != nil {
		p.cb.OnExit(st)
	}
}

func (p *FakeProcess) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes...)
}

func (p *FakeProcess) WriteCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writes)
}

func (p *FakeProcess) Resizes() [][2]uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][2]uint16(nil), p.resizes...)
}

func (p *FakeProcess) Kills() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

func (p *FakeProcess) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}
