package supervisor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/g960059/agtbroker/internal/model"
	"github.com/g960059/agtbroker/internal/msgbuf"
	"github.com/g960059/agtbroker/internal/mux"
)

// PlaceRemote registers a session that a launcher will execute. proc
// forwards input and kills over the launcher connection. The record stays
// pending until the launcher reports the session started.
func (s *Supervisor) PlaceRemote(ctx context.Context, req SpawnRequest, launcherID string, proc mux.Process) (model.Session, error) {
	if req.SessionID == "" {
		return model.Session{}, fmt.Errorf("%w: session id required", model.ErrInvalidRequest)
	}
	cmd, err := BuildCommand(s.cfg, req)
	if err != nil {
		return model.Session{}, err
	}
	h, err := s.prepare(ctx, req, argv(cmd), launcherID)
	if err != nil {
		return model.Session{}, err
	}
	defer s.release(req.SessionID)

	s.mu.Lock()
	h.remote = true
	h.proc = proc
	rec := h.rec
	s.mu.Unlock()
	return rec, nil
}

// AbandonRemote forgets a remote placement that never started so the id
// can be spawned locally instead.
func (s *Supervisor) AbandonRemote(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.live[id]
	if h == nil || !h.remote || h.rec.Status != model.StatusPending {
		return
	}
	delete(s.live, id)
	s.stopLocked(h)
	s.parkViewersLocked(h)
	s.gaugeLocked()
}

// RemoteStarted records that a launcher has the session's process running.
func (s *Supervisor) RemoteStarted(ctx context.Context, id string, pid int, muxName string) error {
	s.mu.Lock()
	h := s.live[id]
	if h == nil || !h.remote {
		s.mu.Unlock()
		return fmt.Errorf("remote started %s: %w", id, model.ErrNotFound)
	}
	if h.rec.Status != model.StatusPending {
		s.mu.Unlock()
		return nil
	}
	now := s.now()
	h.rec.Status = model.StatusRunning
	h.rec.PID = pid
	h.rec.MuxName = muxName
	h.rec.StartedAt = &now
	h.lastOutput = now
	s.activateLocked(h, false)
	rec, rev := s.snapshotLocked(h)
	for _, o := range s.observers {
		o.SessionStarted(rec)
	}
	s.mu.Unlock()

	s.persist(h, rec, rev)
	s.log.Info("remote session started",
		zap.String("session_id", id),
		zap.String("launcher_id", rec.LauncherID),
		zap.Int("pid", pid),
	)
	return nil
}

// RemoteOutput feeds launcher-reported output into the session's sequence.
// remoteSeq is the launcher's own numbering; chunks at or below the last
// one seen are retransmissions and dropped.
func (s *Supervisor) RemoteOutput(id string, remoteSeq uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.live[id]
	if h == nil || !h.remote || h.killed {
		return
	}
	if remoteSeq != 0 && remoteSeq <= h.remoteSeq {
		return
	}
	h.remoteSeq = remoteSeq
	s.outputLocked(h, data)
}

// RemoteExited applies a launcher-reported terminal state.
func (s *Supervisor) RemoteExited(ctx context.Context, id string, code *int, status model.Status, reason string) {
	s.mu.Lock()
	h := s.live[id]
	if h == nil || !h.remote || h.killed || h.rec.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	if !status.Terminal() {
		status = model.StatusCompleted
		if code == nil || *code != 0 {
			status, reason = model.StatusFailed, model.FailExitNonZero
		}
	}
	rec, rev := s.finishLocked(h, status, reason, code)
	s.mu.Unlock()

	s.persist(h, rec, rev)
	s.afterTerminal(rec)
	s.log.Info("remote session ended",
		zap.String("session_id", id),
		zap.String("launcher_id", rec.LauncherID),
		zap.String("status", string(status)),
	)
}

// AdoptRemote tracks a running record a launcher still owns, typically
// after this broker restarted while the launcher kept running.
func (s *Supervisor) AdoptRemote(ctx context.Context, rec model.Session, proc mux.Process) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || rec.Status != model.StatusRunning {
		return false
	}
	if _, ok := s.live[rec.ID]; ok || s.starting[rec.ID] {
		return false
	}
	h := s.newHandle(rec, rec.OutputTail)
	h.remote = true
	h.proc = proc
	h.seq = rec.OutputSeq
	if last := s.buffer.LastSeq(rec.ID, msgbuf.ChannelOutput); last > h.seq {
		h.seq = last
	}
	h.ceiling = h.seq + seqLease
	s.live[rec.ID] = h
	s.adoptPendingLocked(h)
	s.activateLocked(h, false)
	s.gaugeLocked()
	s.log.Info("remote session adopted",
		zap.String("session_id", rec.ID),
		zap.String("launcher_id", rec.LauncherID),
	)
	return true
}

// ReleaseLauncher drops every handle owned by launcherID without touching
// the records' status. The sessions stay running in the store until the
// launcher reconnects or someone intervenes.
func (s *Supervisor) ReleaseLauncher(launcherID string) []string {
	type job struct {
		h   *handle
		rev uint64
		p   model.Progress
	}
	s.mu.Lock()
	var jobs []job
	var ids []string
	for id, h := range s.live {
		if !h.remote || h.rec.LauncherID != launcherID {
			continue
		}
		delete(s.live, id)
		s.stopLocked(h)
		s.parkViewersLocked(h)
		j := job{h: h}
		if h.rec.Status == model.StatusRunning {
			j.p, j.rev = s.progressLocked(h)
		}
		jobs = append(jobs, j)
		ids = append(ids, id)
	}
	s.gaugeLocked()
	s.mu.Unlock()

	for _, j := range jobs {
		if j.rev > 0 {
			s.persistProgress(j.h, j.p, j.rev)
		}
	}
	return ids
}

// RemoteSessions lists the ids this process tracks for launcherID.
func (s *Supervisor) RemoteSessions(launcherID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, h := range s.live {
		if h.remote && h.rec.LauncherID == launcherID {
			ids = append(ids, id)
		}
	}
	return ids
}
