// Package supervisor owns the lifecycle of every session executing on this
// host: spawn, input, output sequencing, persistence, and termination.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/agtbroker/internal/api"
	"github.com/g960059/agtbroker/internal/config"
	"github.com/g960059/agtbroker/internal/db"
	"github.com/g960059/agtbroker/internal/metrics"
	"github.com/g960059/agtbroker/internal/model"
	"github.com/g960059/agtbroker/internal/msgbuf"
	"github.com/g960059/agtbroker/internal/mux"
)

const (
	// seqLease is how far ahead of the last issued sequence number the
	// durable record is kept, so a restarted broker never reissues a number
	// a viewer may already hold.
	seqLease        = 1024
	inputQueueDepth = 256
	persistTimeout  = 5 * time.Second
	notifyTimeout   = 30 * time.Second
)

var (
	// ErrUntracked is returned when the store says a session is running but
	// this process holds no handle for it.
	ErrUntracked = errors.New("session running but not tracked")
	ErrClosed    = errors.New("supervisor closed")

	errInputBacklog = errors.New("input queue full")
)

// Store is the slice of the session store the supervisor needs.
type Store interface {
	CreateSession(ctx context.Context, sess model.Session) error
	GetSession(ctx context.Context, id string) (model.Session, error)
	UpdateSession(ctx context.Context, sess model.Session) error
	SaveProgress(ctx context.Context, p model.Progress) error
	MarkFailed(ctx context.Context, id, reason string, at time.Time) (bool, error)
	ListSessionsByStatus(ctx context.Context, statuses ...model.Status) ([]model.Session, error)
	FindActiveByMuxName(ctx context.Context, name string) (model.Session, error)
}

// Observer sees session starts and every emitted frame. Both methods run
// with the supervisor lock held and must not block.
type Observer interface {
	SessionStarted(rec model.Session)
	FrameEmitted(f api.Frame)
}

type Options struct {
	Config    config.Config
	Store     Store
	Bridge    mux.Bridge
	Starter   mux.Starter
	Buffer    *msgbuf.Buffer
	Probe     ReadinessProbe
	Notifier  OutcomeNotifier
	Metrics   *metrics.Metrics
	Log       *zap.Logger
	Observers []Observer
	Now       func() time.Time
}

// SpawnRequest is a resolved request to start a session on this host.
type SpawnRequest struct {
	SessionID string
	Command   string
	Args      []string
	Cwd       string
	Profile   model.Profile
	Cols      uint16
	Rows      uint16
	Env       map[string]string
	ParentID  string
}

type Supervisor struct {
	cfg       config.Config
	store     Store
	bridge    mux.Bridge
	starter   mux.Starter
	buffer    *msgbuf.Buffer
	probe     ReadinessProbe
	notifier  OutcomeNotifier
	metrics   *metrics.Metrics
	log       *zap.Logger
	observers []Observer
	now       func() time.Time

	mu       sync.Mutex
	live     map[string]*handle
	pending  map[string]map[string]Viewer
	starting map[string]bool
	retain   map[string]*time.Timer
	closed   bool
}

type inputOp struct {
	data   []byte
	resize bool
	cols   uint16
	rows   uint16
}

// handle is the live state of one session. Fields other than the persist
// bookkeeping are guarded by Supervisor.mu.
type handle struct {
	id         string
	rec        model.Session
	proc       mux.Process
	remote     bool
	tail       *tailBuffer
	seq        uint64
	ceiling    uint64
	remoteSeq  uint64
	inputState model.InputState
	lastOutput time.Time
	healthy    *bool
	killed     bool
	viewers    map[string]Viewer
	rev        uint64

	input    chan inputOp
	stop     chan struct{}
	stopOnce sync.Once
	health   *time.Timer

	persistMu    sync.Mutex
	persistedRev uint64
}

func New(opts Options) *Supervisor {
	s := &Supervisor{
		cfg:       opts.Config,
		store:     opts.Store,
		bridge:    opts.Bridge,
		starter:   opts.Starter,
		buffer:    opts.Buffer,
		probe:     opts.Probe,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		log:       opts.Log,
		observers: opts.Observers,
		now:       opts.Now,
		live:      map[string]*handle{},
		pending:   map[string]map[string]Viewer{},
		starting:  map[string]bool{},
		retain:    map[string]*time.Timer{},
	}
	if s.bridge == nil {
		s.bridge = mux.NoopBridge{}
	}
	if s.starter == nil {
		s.starter = mux.PTYStarter{}
	}
	if s.buffer == nil {
		s.buffer = msgbuf.New(s.cfg.BufferMaxEntries)
	}
	if s.probe == nil {
		s.probe = PromptProbe{MinBytes: s.cfg.HealthCheckMinBytes, Markers: s.cfg.HealthCheckPrompts}
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// AddObserver registers an observer. Call before the first spawn.
func (s *Supervisor) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Buffer exposes the message buffer frames are retained in.
func (s *Supervisor) Buffer() *msgbuf.Buffer { return s.buffer }

// Spawn starts a session locally, under the multiplexer when one is
// available. It returns once the process is running or has failed to start.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (model.Session, error) {
	if req.SessionID == "" {
		return model.Session{}, fmt.Errorf("%w: session id required", model.ErrInvalidRequest)
	}
	cmd, err := BuildCommand(s.cfg, req)
	if err != nil {
		return model.Session{}, err
	}
	h, err := s.prepare(ctx, req, argv(cmd), "")
	if err != nil {
		return model.Session{}, err
	}
	defer s.release(req.SessionID)

	cb := s.callbacks(h)
	var proc mux.Process
	if h.rec.MuxName != "" {
		proc, err = s.bridge.SpawnUnder(ctx, h.rec.MuxName, cmd, cb)
	} else {
		proc, err = s.starter.Start(cmd, cb)
	}
	if err != nil {
		return model.Session{}, s.spawnFailed(h, err)
	}
	rec := s.started(ctx, h, proc)
	s.metrics.Spawns.WithLabelValues("local", "ok").Inc()
	return rec, nil
}

// prepare claims the session id, writes the pending record and registers
// the handle so viewers attaching during start-up are fanned out to.
func (s *Supervisor) prepare(ctx context.Context, req SpawnRequest, command []string, launcherID string) (*handle, error) {
	id := req.SessionID
	profile := req.Profile
	if profile == "" {
		profile = model.ProfileInteractive
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := s.live[id]; ok || s.starting[id] {
		s.mu.Unlock()
		return nil, fmt.Errorf("spawn %s: %w", id, model.ErrAlreadyRunning)
	}
	s.starting[id] = true
	s.mu.Unlock()

	h, err := s.prepareRecord(ctx, req, profile, command, launcherID)
	if err != nil {
		s.release(id)
		return nil, err
	}

	s.mu.Lock()
	if t := s.retain[id]; t != nil {
		t.Stop()
		delete(s.retain, id)
	}
	s.live[id] = h
	s.adoptPendingLocked(h)
	s.gaugeLocked()
	s.mu.Unlock()
	return h, nil
}

func (s *Supervisor) prepareRecord(ctx context.Context, req SpawnRequest, profile model.Profile, command []string, launcherID string) (*handle, error) {
	id := req.SessionID
	now := s.now()

	existing, err := s.store.GetSession(ctx, id)
	exists := err == nil
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("spawn %s: load record: %w", id, err)
	case existing.Status == model.StatusRunning:
		return nil, fmt.Errorf("spawn %s: %w", id, model.ErrAlreadyRunning)
	}

	muxName := ""
	if launcherID == "" && s.bridge.Available() {
		muxName = id
		owner, err := s.store.FindActiveByMuxName(ctx, muxName)
		switch {
		case err == nil && owner.ID != id:
			return nil, fmt.Errorf("spawn %s: handle %s owned by %s: %w", id, muxName, owner.ID, model.ErrAlreadyRunning)
		case err != nil && !errors.Is(err, db.ErrNotFound):
			return nil, fmt.Errorf("spawn %s: check handle: %w", id, err)
		}
	}

	rec := model.Session{
		ID:         id,
		Profile:    profile,
		Status:     model.StatusPending,
		MuxName:    muxName,
		Command:    command,
		Cwd:        req.Cwd,
		ParentID:   req.ParentID,
		LauncherID: launcherID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	var base uint64
	if exists {
		rec.CreatedAt = existing.CreatedAt
		rec.InputSeq = existing.InputSeq
		if rec.ParentID == "" {
			rec.ParentID = existing.ParentID
		}
		base = existing.OutputSeq
	}
	if last := s.buffer.LastSeq(id, msgbuf.ChannelOutput); last > base {
		base = last
	}

	h := s.newHandle(rec, nil)
	h.seq = base
	h.ceiling = base + seqLease
	rec.OutputSeq = h.ceiling

	if exists {
		err = s.store.UpdateSession(ctx, rec)
	} else {
		err = s.store.CreateSession(ctx, rec)
	}
	if errors.Is(err, db.ErrDuplicate) {
		return nil, fmt.Errorf("spawn %s: %w", id, model.ErrAlreadyRunning)
	}
	if err != nil {
		return nil, fmt.Errorf("spawn %s: write record: %w", id, err)
	}
	return h, nil
}

func (s *Supervisor) newHandle(rec model.Session, seed []byte) *handle {
	return &handle{
		id:         rec.ID,
		rec:        rec,
		tail:       newTailBuffer(s.cfg.OutputTailBytes, seed),
		inputState: model.InputActive,
		lastOutput: s.now(),
		viewers:    map[string]Viewer{},
		input:      make(chan inputOp, inputQueueDepth),
		stop:       make(chan struct{}),
	}
}

func (s *Supervisor) release(id string) {
	s.mu.Lock()
	delete(s.starting, id)
	s.mu.Unlock()
}

func (s *Supervisor) callbacks(h *handle) mux.Callbacks {
	return mux.Callbacks{
		OnOutput: func(data []byte) { s.onOutput(h, data) },
		OnExit:   func(st mux.ExitStatus) { s.onExit(h, st) },
	}
}

// started moves a freshly spawned handle to running. If the process was
// killed or exited while it was starting, the terminal state stands.
func (s *Supervisor) started(ctx context.Context, h *handle, proc mux.Process) model.Session {
	s.mu.Lock()
	if s.live[h.id] != h || h.rec.Status != model.StatusPending {
		killed := h.killed
		rec := h.rec
		s.mu.Unlock()
		switch {
		case killed:
			_ = proc.Kill()
			if rec.MuxName != "" {
				_ = s.bridge.Kill(ctx, rec.MuxName)
			}
		case !rec.Status.Terminal():
			// released by Shutdown while starting
			_ = proc.Detach()
		}
		return rec
	}
	now := s.now()
	h.proc = proc
	h.rec.Status = model.StatusRunning
	h.rec.PID = proc.Pid()
	h.rec.StartedAt = &now
	h.lastOutput = now
	s.activateLocked(h, h.rec.Profile != model.ProfilePlain)
	rec, rev := s.snapshotLocked(h)
	for _, o := range s.observers {
		o.SessionStarted(rec)
	}
	s.mu.Unlock()

	s.persist(h, rec, rev)
	s.log.Info("session started",
		zap.String("session_id", h.id),
		zap.Int("pid", rec.PID),
		zap.String("mux_name", rec.MuxName),
		zap.String("profile", string(rec.Profile)),
	)
	return rec
}

func (s *Supervisor) spawnFailed(h *handle, cause error) error {
	s.mu.Lock()
	rec, rev := s.finishLocked(h, model.StatusFailed, model.FailSpawn, nil)
	s.mu.Unlock()

	s.persist(h, rec, rev)
	s.afterTerminal(rec)
	s.metrics.Spawns.WithLabelValues("local", "error").Inc()
	s.log.Warn("session spawn failed", zap.String("session_id", h.id), zap.Error(cause))
	return fmt.Errorf("spawn %s: %w: %v", h.id, model.ErrSpawnFailure, cause)
}

// activateLocked starts the per-handle goroutines and timers.
func (s *Supervisor) activateLocked(h *handle, healthCheck bool) {
	go s.runInput(h)
	if s.cfg.FlushInterval > 0 {
		go s.runTicker(h)
	}
	if healthCheck && s.cfg.HealthCheckDelay > 0 {
		h.health = time.AfterFunc(s.cfg.HealthCheckDelay, func() { s.healthCheck(h) })
	}
}

// stopLocked cancels the handle's timers exactly once.
func (s *Supervisor) stopLocked(h *handle) {
	h.stopOnce.Do(func() {
		close(h.stop)
		if h.health != nil {
			h.health.Stop()
		}
	})
}

func (s *Supervisor) runInput(h *handle) {
	for {
		select {
		case <-h.stop:
			return
		case op := <-h.input:
			var err error
			if op.resize {
				err = h.proc.Resize(op.cols, op.rows)
			} else {
				_, err = h.proc.Write(op.data)
			}
			if err != nil {
				s.log.Debug("session input failed", zap.String("session_id", h.id), zap.Error(err))
			}
		}
	}
}

func (s *Supervisor) runTicker(h *handle) {
	t := time.NewTicker(s.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-t.C:
			s.tick(h)
		}
	}
}

// tick flushes progress and marks a quiet session idle.
func (s *Supervisor) tick(h *handle) {
	s.mu.Lock()
	if s.live[h.id] != h {
		s.mu.Unlock()
		return
	}
	if s.cfg.IdleAfter > 0 && h.rec.Status == model.StatusRunning &&
		h.inputState == model.InputActive && s.now().Sub(h.lastOutput) >= s.cfg.IdleAfter {
		s.setInputStateLocked(h, model.InputIdle)
	}
	p, rev := s.progressLocked(h)
	s.mu.Unlock()
	s.persistProgress(h, p, rev)
}

// flush persists progress outside the ticker.
func (s *Supervisor) flush(h *handle) {
	s.mu.Lock()
	if s.live[h.id] != h {
		s.mu.Unlock()
		return
	}
	p, rev := s.progressLocked(h)
	s.mu.Unlock()
	s.persistProgress(h, p, rev)
}

func (s *Supervisor) healthCheck(h *handle) {
	s.mu.Lock()
	if s.live[h.id] != h || h.rec.Status != model.StatusRunning {
		s.mu.Unlock()
		return
	}
	ready := s.probe.Ready(h.rec.TotalBytes, h.tail.data)
	h.healthy = &ready
	total := h.rec.TotalBytes
	s.mu.Unlock()
	if ready {
		return
	}
	s.log.Warn("startup health check failed, killing session",
		zap.String("session_id", h.id),
		zap.Int64("total_bytes", total),
	)
	s.metrics.HealthCheckKills.Inc()
	s.terminate(context.Background(), h.id, h, model.StatusFailed, model.FailHealthCheck)
}

func (s *Supervisor) onOutput(h *handle, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live[h.id] != h || h.killed {
		return
	}
	s.outputLocked(h, data)
}

func (s *Supervisor) outputLocked(h *handle, data []byte) {
	if len(data) == 0 {
		return
	}
	chunk := append([]byte(nil), data...)
	h.tail.Write(chunk)
	h.rec.TotalBytes += int64(len(chunk))
	h.lastOutput = s.now()
	s.emitLocked(h, api.Frame{Kind: api.FrameOutput, Data: chunk})
	if h.inputState == model.InputIdle {
		s.setInputStateLocked(h, model.InputActive)
	}
}

func (s *Supervisor) onExit(h *handle, st mux.ExitStatus) {
	s.mu.Lock()
	if s.live[h.id] != h || h.killed || h.rec.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	if st.Detached {
		delete(s.live, h.id)
		s.stopLocked(h)
		s.parkViewersLocked(h)
		s.gaugeLocked()
		p, rev := s.progressLocked(h)
		s.mu.Unlock()
		s.persistProgress(h, p, rev)
		s.log.Info("session detached from multiplexer", zap.String("session_id", h.id))
		return
	}
	status, reason := model.StatusCompleted, ""
	if st.Code != 0 {
		status, reason = model.StatusFailed, model.FailExitNonZero
	}
	code := st.Code
	rec, rev := s.finishLocked(h, status, reason, &code)
	s.mu.Unlock()

	s.persist(h, rec, rev)
	s.afterTerminal(rec)
	s.log.Info("session exited",
		zap.String("session_id", h.id),
		zap.Int("exit_code", code),
		zap.String("status", string(status)),
	)
}

// finishLocked applies a terminal transition to a handle: it leaves the
// live map, its timers stop, the exit frame goes out, and its viewers are
// parked for a future session under the same id.
func (s *Supervisor) finishLocked(h *handle, status model.Status, reason string, code *int) (model.Session, uint64) {
	if s.live[h.id] == h {
		delete(s.live, h.id)
	}
	s.stopLocked(h)
	now := s.now()
	h.rec.Status = status
	h.rec.FailReason = reason
	h.rec.ExitCode = code
	h.rec.CompletedAt = &now
	s.emitLocked(h, api.Frame{Kind: api.FrameExit, Status: status, Reason: reason, ExitCode: code})
	s.parkViewersLocked(h)
	s.gaugeLocked()
	return s.snapshotLocked(h)
}

// Kill terminates a session. It reports false when the session was already
// terminal.
func (s *Supervisor) Kill(ctx context.Context, id string) (bool, error) {
	return s.terminate(ctx, id, nil, model.StatusKilled, "")
}

// terminate ends a session with status. When expect is set only that
// handle is terminated.
func (s *Supervisor) terminate(ctx context.Context, id string, expect *handle, status model.Status, reason string) (bool, error) {
	s.mu.Lock()
	h := s.live[id]
	if expect != nil && h != expect {
		s.mu.Unlock()
		return false, nil
	}
	if h == nil {
		s.mu.Unlock()
		return s.terminateUntracked(ctx, id, status, reason)
	}
	h.killed = true
	rec, rev := s.finishLocked(h, status, reason, nil)
	proc := h.proc
	s.mu.Unlock()

	if proc != nil {
		if err := proc.Kill(); err != nil {
			s.log.Warn("kill process failed", zap.String("session_id", id), zap.Error(err))
		}
	}
	if rec.MuxName != "" && !h.remote {
		if err := s.bridge.Kill(ctx, rec.MuxName); err != nil {
			s.log.Debug("kill multiplexer handle failed", zap.String("session_id", id), zap.Error(err))
		}
	}
	s.persist(h, rec, rev)
	s.afterTerminal(rec)
	s.log.Info("session terminated",
		zap.String("session_id", id),
		zap.String("status", string(status)),
		zap.String("reason", reason),
	)
	return true, nil
}

// terminateUntracked ends a session this process holds no handle for.
func (s *Supervisor) terminateUntracked(ctx context.Context, id string, status model.Status, reason string) (bool, error) {
	rec, err := s.store.GetSession(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return false, fmt.Errorf("kill %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("kill %s: %w", id, err)
	}
	if rec.Status.Terminal() {
		return false, nil
	}
	if rec.MuxName != "" && rec.LauncherID == "" && s.bridge.Available() {
		if err := s.bridge.Kill(ctx, rec.MuxName); err != nil {
			s.log.Debug("kill multiplexer handle failed", zap.String("session_id", id), zap.Error(err))
		}
	}

	s.mu.Lock()
	h := s.newHandle(rec, rec.OutputTail)
	h.seq = rec.OutputSeq
	if last := s.buffer.LastSeq(id, msgbuf.ChannelOutput); last > h.seq {
		h.seq = last
	}
	h.viewers = s.pending[id]
	delete(s.pending, id)
	if h.viewers == nil {
		h.viewers = map[string]Viewer{}
	}
	final, _ := s.finishLocked(h, status, reason, nil)
	s.mu.Unlock()

	if err := s.store.UpdateSession(ctx, final); err != nil {
		return false, fmt.Errorf("kill %s: %w", id, err)
	}
	s.afterTerminal(final)
	return true, nil
}

// afterTerminal runs the side effects that follow any terminal transition.
func (s *Supervisor) afterTerminal(rec model.Session) {
	s.metrics.Terminations.WithLabelValues(string(rec.Status)).Inc()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		completed := s.now()
		if rec.CompletedAt != nil {
			completed = *rec.CompletedAt
		}
		err := s.notifier.Notify(ctx, Outcome{
			SessionID:   rec.ID,
			Status:      rec.Status,
			ExitCode:    rec.ExitCode,
			CompletedAt: completed,
		})
		if err != nil {
			s.log.Warn("outcome notify failed", zap.String("session_id", rec.ID), zap.Error(err))
		}
	}()

	retain := s.cfg.BufferRetainAfterExit
	if retain <= 0 {
		return
	}
	id := rec.ID
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t := s.retain[id]; t != nil {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(retain, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.retain[id] != timer {
			return
		}
		delete(s.retain, id)
		if _, live := s.live[id]; !live {
			s.buffer.Drop(id)
		}
	})
	s.retain[id] = timer
}

// emitLocked assigns the next sequence number to f, retains it, and fans
// it out. A viewer whose send fails is dropped on its own.
func (s *Supervisor) emitLocked(h *handle, f api.Frame) {
	h.seq++
	f.SessionID = h.id
	f.Seq = h.seq
	f.Timestamp = s.now()
	if h.seq+seqLease/2 > h.ceiling {
		h.ceiling = h.seq + seqLease
		go s.flush(h)
	}

	payload, err := json.Marshal(api.ServerMessage{Type: api.MsgSequencedOutput, Frame: &f})
	if err != nil {
		s.log.Error("encode frame", zap.String("session_id", h.id), zap.Uint64("seq", f.Seq), zap.Error(err))
		return
	}
	if err := s.buffer.Append(h.id, msgbuf.ChannelOutput, f.Seq, payload); err != nil {
		s.log.Warn("buffer frame", zap.String("session_id", h.id), zap.Uint64("seq", f.Seq), zap.Error(err))
	}
	for vid, v := range h.viewers {
		if err := v.Send(payload); err != nil {
			delete(h.viewers, vid)
			s.metrics.ViewerDrops.Inc()
			s.log.Debug("viewer dropped", zap.String("session_id", h.id), zap.String("viewer_id", vid), zap.Error(err))
		}
	}
	for _, o := range s.observers {
		o.FrameEmitted(f)
	}
	s.metrics.FramesEmitted.Inc()
}

func (s *Supervisor) setInputStateLocked(h *handle, state model.InputState) {
	if h.inputState == state {
		return
	}
	h.inputState = state
	s.emitLocked(h, api.Frame{Kind: api.FrameInputState, InputState: state})
}

func (s *Supervisor) adoptPendingLocked(h *handle) {
	for vid, v := range s.pending[h.id] {
		h.viewers[vid] = v
	}
	delete(s.pending, h.id)
}

func (s *Supervisor) parkViewersLocked(h *handle) {
	if len(h.viewers) == 0 {
		return
	}
	set := s.pending[h.id]
	if set == nil {
		set = map[string]Viewer{}
		s.pending[h.id] = set
	}
	for vid, v := range h.viewers {
		set[vid] = v
	}
	h.viewers = map[string]Viewer{}
}

func (s *Supervisor) gaugeLocked() {
	s.metrics.SessionsActive.Set(float64(len(s.live)))
}

// snapshotLocked copies the handle into a record and stamps it with a new
// revision. Live records carry the sequence ceiling, terminal ones the
// exact last sequence number.
func (s *Supervisor) snapshotLocked(h *handle) (model.Session, uint64) {
	rec := h.rec
	rec.Command = append([]string(nil), h.rec.Command...)
	rec.OutputTail = h.tail.Bytes()
	rec.OutputSeq = h.ceiling
	if rec.Status.Terminal() || h.ceiling < h.seq {
		rec.OutputSeq = h.seq
	}
	rec.UpdatedAt = s.now()
	h.rev++
	return rec, h.rev
}

func (s *Supervisor) progressLocked(h *handle) (model.Progress, uint64) {
	rec, rev := s.snapshotLocked(h)
	return model.Progress{
		SessionID:  rec.ID,
		OutputTail: rec.OutputTail,
		TotalBytes: rec.TotalBytes,
		OutputSeq:  rec.OutputSeq,
		InputSeq:   rec.InputSeq,
		UpdatedAt:  rec.UpdatedAt,
	}, rev
}

// persist writes a full record unless a newer revision already landed.
func (s *Supervisor) persist(h *handle, rec model.Session, rev uint64) {
	h.persistMu.Lock()
	defer h.persistMu.Unlock()
	if rev <= h.persistedRev {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.UpdateSession(ctx, rec); err != nil {
		s.log.Error("persist session", zap.String("session_id", h.id), zap.String("status", string(rec.Status)), zap.Error(err))
		return
	}
	h.persistedRev = rev
}

func (s *Supervisor) persistProgress(h *handle, p model.Progress, rev uint64) {
	h.persistMu.Lock()
	defer h.persistMu.Unlock()
	if rev <= h.persistedRev {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.SaveProgress(ctx, p); err != nil {
		s.log.Warn("save progress", zap.String("session_id", h.id), zap.Error(err))
		return
	}
	h.persistedRev = rev
}

// Write forwards input to a running session. Input to a session that is
// not running is dropped.
func (s *Supervisor) Write(ctx context.Context, id string, data []byte) error {
	s.mu.Lock()
	h := s.live[id]
	if h != nil && h.rec.Status == model.StatusRunning {
		err := s.writeLocked(h, data)
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	return s.ensureKnown(ctx, id)
}

func (s *Supervisor) writeLocked(h *handle, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	select {
	case h.input <- inputOp{data: append([]byte(nil), data...)}:
	default:
		return fmt.Errorf("write %s: %w", h.id, errInputBacklog)
	}
	if data[0] != 0x1b && h.inputState != model.InputActive {
		s.setInputStateLocked(h, model.InputActive)
	}
	return nil
}

// Resize propagates a terminal size change to a running session.
func (s *Supervisor) Resize(ctx context.Context, id string, cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("%w: cols and rows must be positive", model.ErrInvalidRequest)
	}
	s.mu.Lock()
	h := s.live[id]
	if h != nil && h.rec.Status == model.StatusRunning {
		err := s.resizeLocked(h, cols, rows)
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	return s.ensureKnown(ctx, id)
}

func (s *Supervisor) resizeLocked(h *handle, cols, rows uint16) error {
	select {
	case h.input <- inputOp{resize: true, cols: cols, rows: rows}:
		return nil
	default:
		return fmt.Errorf("resize %s: %w", h.id, errInputBacklog)
	}
}

func (s *Supervisor) ensureKnown(ctx context.Context, id string) error {
	_, err := s.store.GetSession(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("session %s: %w", id, model.ErrNotFound)
	}
	return err
}

// SetInputState records a hook-reported input state on a running session.
func (s *Supervisor) SetInputState(ctx context.Context, id string, state model.InputState) error {
	if !state.Valid() {
		return fmt.Errorf("%w: input state %q", model.ErrInvalidRequest, state)
	}
	s.mu.Lock()
	h := s.live[id]
	if h != nil && h.rec.Status == model.StatusRunning {
		s.setInputStateLocked(h, state)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	if err := s.ensureKnown(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("session %s: %w", id, model.ErrNotRunning)
}

// StatusView is the current state of one session.
type StatusView struct {
	SessionID  string
	Status     model.Status
	Active     bool
	OutputSeq  uint64
	TotalBytes int64
	Healthy    *bool
	InputState model.InputState
	ExitCode   *int
	LauncherID string
}

func (s *Supervisor) Status(ctx context.Context, id string) (StatusView, error) {
	s.mu.Lock()
	if h := s.live[id]; h != nil {
		v := StatusView{
			SessionID:  id,
			Status:     h.rec.Status,
			Active:     h.rec.Status == model.StatusRunning,
			OutputSeq:  h.seq,
			TotalBytes: h.rec.TotalBytes,
			Healthy:    h.healthy,
			InputState: h.inputState,
			LauncherID: h.rec.LauncherID,
		}
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	rec, err := s.store.GetSession(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return StatusView{}, fmt.Errorf("session %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{
		SessionID:  id,
		Status:     rec.Status,
		OutputSeq:  rec.OutputSeq,
		TotalBytes: rec.TotalBytes,
		ExitCode:   rec.ExitCode,
		LauncherID: rec.LauncherID,
	}, nil
}

// HealthView summarizes the supervisor for the health endpoint.
type HealthView struct {
	MultiplexerAvailable bool
	ActiveSessionIDs     []string
}

func (s *Supervisor) Health() HealthView {
	return HealthView{
		MultiplexerAvailable: s.bridge.Available(),
		ActiveSessionIDs:     s.ActiveIDs(),
	}
}

// ActiveIDs lists running sessions in id order.
func (s *Supervisor) ActiveIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.live))
	for id, h := range s.live {
		if h.rec.Status == model.StatusRunning {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Tracked reports whether this process holds a handle for id.
func (s *Supervisor) Tracked(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[id]
	return ok || s.starting[id]
}

// Waiting returns running sessions whose input state needs attention,
// enriched with what the multiplexer knows about their pane.
func (s *Supervisor) Waiting(ctx context.Context) map[string]api.WaitingSession {
	type entry struct {
		state   model.InputState
		muxName string
	}
	s.mu.Lock()
	found := map[string]entry{}
	for id, h := range s.live {
		if h.rec.Status != model.StatusRunning {
			continue
		}
		if h.inputState == model.InputWaiting || h.inputState == model.InputIdle {
			e := entry{state: h.inputState}
			if !h.remote {
				e.muxName = h.rec.MuxName
			}
			found[id] = e
		}
	}
	s.mu.Unlock()

	out := make(map[string]api.WaitingSession, len(found))
	for id, e := range found {
		ws := api.WaitingSession{InputState: e.state}
		if e.muxName != "" {
			if info, err := s.bridge.PaneInfo(ctx, e.muxName); err == nil {
				ws.PaneTitle = info.Title
				ws.PaneCommand = info.Command
				ws.PanePath = info.Path
			}
		}
		out[id] = ws
	}
	return out
}

// Reattach rebuilds a live handle for a running or mistakenly failed
// record whose multiplexer handle is still alive. Sequence numbers resume
// above anything the record or the buffer has seen.
func (s *Supervisor) Reattach(ctx context.Context, rec model.Session) error {
	id := rec.ID
	if rec.MuxName == "" {
		return fmt.Errorf("reattach %s: %w: no multiplexer handle", id, model.ErrRecoveryFailure)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.live[id]; ok || s.starting[id] {
		s.mu.Unlock()
		return nil
	}
	s.starting[id] = true
	s.mu.Unlock()
	defer s.release(id)

	// clients left behind by a previous owner would keep the old size and
	// double the input path
	if err := s.bridge.DetachViewers(ctx, rec.MuxName); err != nil {
		s.log.Debug("detach stale clients", zap.String("session_id", id), zap.Error(err))
	}

	screen, err := s.bridge.Capture(ctx, rec.MuxName)
	if err != nil {
		return fmt.Errorf("reattach %s: capture: %w: %v", id, model.ErrRecoveryFailure, err)
	}

	rec.Status = model.StatusPending
	h := s.newHandle(rec, []byte(screen))
	h.seq = rec.OutputSeq
	if last := s.buffer.LastSeq(id, msgbuf.ChannelOutput); last > h.seq {
		h.seq = last
	}
	h.ceiling = h.seq + seqLease

	s.mu.Lock()
	s.live[id] = h
	s.adoptPendingLocked(h)
	s.gaugeLocked()
	s.mu.Unlock()

	proc, err := s.bridge.Reattach(ctx, rec.MuxName, s.cfg.DefaultCols, s.cfg.DefaultRows, s.callbacks(h))
	if err != nil {
		s.mu.Lock()
		if s.live[id] == h {
			delete(s.live, id)
		}
		s.stopLocked(h)
		s.parkViewersLocked(h)
		s.gaugeLocked()
		s.mu.Unlock()
		return fmt.Errorf("reattach %s: %w: %v", id, model.ErrRecoveryFailure, err)
	}

	s.mu.Lock()
	if s.live[id] != h || h.rec.Status != model.StatusPending {
		s.mu.Unlock()
		return nil
	}
	h.proc = proc
	h.rec.Status = model.StatusRunning
	if pid := proc.Pid(); pid > 0 {
		h.rec.PID = pid
	}
	h.rec.CompletedAt = nil
	h.rec.ExitCode = nil
	h.rec.FailReason = ""
	if h.rec.StartedAt == nil {
		now := s.now()
		h.rec.StartedAt = &now
	}
	s.activateLocked(h, false)
	snap, rev := s.snapshotLocked(h)
	for _, o := range s.observers {
		o.SessionStarted(snap)
	}
	s.mu.Unlock()

	s.persist(h, snap, rev)
	s.log.Info("session reattached",
		zap.String("session_id", id),
		zap.Uint64("resume_seq", h.seq),
	)
	return nil
}

// Shutdown releases every handle. Multiplexer-backed and remote sessions
// are detached so they survive; direct PTY sessions cannot and are killed.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	type job struct {
		h      *handle
		proc   mux.Process
		detach bool
		rec    model.Session
		p      model.Progress
		rev    uint64
	}
	s.mu.Lock()
	s.closed = true
	var jobs []job
	for id, h := range s.live {
		j := job{h: h, proc: h.proc}
		switch {
		case h.remote || h.rec.MuxName != "" || h.proc == nil:
			delete(s.live, id)
			s.stopLocked(h)
			s.parkViewersLocked(h)
			j.detach = true
			j.p, j.rev = s.progressLocked(h)
		default:
			h.killed = true
			j.rec, j.rev = s.finishLocked(h, model.StatusKilled, "", nil)
		}
		jobs = append(jobs, j)
	}
	for id, t := range s.retain {
		t.Stop()
		delete(s.retain, id)
	}
	s.gaugeLocked()
	s.mu.Unlock()

	for _, j := range jobs {
		if j.detach {
			if j.proc != nil && !j.h.remote {
				if err := j.proc.Detach(); err != nil {
					s.log.Warn("detach session", zap.String("session_id", j.h.id), zap.Error(err))
				}
			}
			s.persistProgress(j.h, j.p, j.rev)
			continue
		}
		if err := j.proc.Kill(); err != nil {
			s.log.Warn("kill session", zap.String("session_id", j.h.id), zap.Error(err))
		}
		s.persist(j.h, j.rec, j.rev)
	}
	s.log.Info("supervisor stopped", zap.Int("sessions", len(jobs)))
	return ctx.Err()
}
