package mux

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// drainTimeout bounds how long exit delivery waits for buffered PTY output
// when a grandchild keeps the slave side open.
const drainTimeout = 2 * time.Second

// PTYStarter spawns processes directly under a pseudo-terminal.
type PTYStarter struct{}

type ptyProcess struct {
	cmd       *exec.Cmd
	ptmx      *os.File
	detached  atomic.Bool
	closeOnce sync.Once
}

func (PTYStarter) Start(c Command, cb Callbacks) (Process, error) {
	if c.Path == "" {
		return nil, fmt.Errorf("empty command")
	}
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(append(os.Environ(), "TERM=xterm-256color"), c.Env...)

	size := &pty.Winsize{Cols: c.Cols, Rows: c.Rows}
	if size.Cols == 0 || size.Rows == 0 {
		size = &pty.Winsize{Cols: 120, Rows: 40}
	}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, fmt.Errorf("start %s under pty: %w", c.Path, err)
	}

	p := &ptyProcess{cmd: cmd, ptmx: ptmx}
	readDone := make(chan struct{})
	go p.readLoop(cb.OnOutput, readDone)
	go p.wait(cb.OnExit, readDone)
	return p, nil
}

func (p *ptyProcess) readLoop(onOutput func([]byte), done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, 32*1024)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 && onOutput != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onOutput(chunk)
		}
		if err != nil {
			return
		}
	}
}

func (p *ptyProcess) wait(onExit func(ExitStatus), readDone <-chan struct{}) {
	err := p.cmd.Wait()
	select {
	case <-readDone:
	case <-time.After(drainTimeout):
	}
	p.close()
	<-readDone
	if onExit != nil {
		onExit(ExitStatus{Code: exitCode(err), Detached: p.detached.Load()})
	}
}

func (p *ptyProcess) close() {
	p.closeOnce.Do(func() {
		_ = p.ptmx.Close()
	})
}

func (p *ptyProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *ptyProcess) Write(b []byte) (int, error) {
	return p.ptmx.Write(b)
}

func (p *ptyProcess) Resize(cols, rows uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Kill signals the whole process group; the PTY child is a session leader.
func (p *ptyProcess) Kill() error {
	pid := p.Pid()
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	if err != nil {
		if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			return kerr
		}
	}
	return nil
}

// Detach has nothing to keep alive for a plain PTY child, so it ends the
// process and reports the exit as detached.
func (p *ptyProcess) Detach() error {
	p.detached.Store(true)
	return p.Kill()
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return exitErr.ExitCode()
	}
	return -1
}
