package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/g960059/agtbroker/internal/api"
	"github.com/g960059/agtbroker/internal/db"
	"github.com/g960059/agtbroker/internal/model"
	"github.com/g960059/agtbroker/internal/msgbuf"
)

// Viewer is one attached stream connection. Send must not block; an error
// detaches the viewer from the session it failed on.
type Viewer interface {
	ID() string
	Send(payload []byte) error
}

// Input is a viewer-originated control command.
type Input struct {
	Kind api.InputKind
	Data []byte
	Cols uint16
	Rows uint16
}

// Attach sends the viewer the session's history and subscribes it to
// every later frame. A session that has not started yet, or has ended,
// keeps the viewer in its pending set until a process runs under the id.
func (s *Supervisor) Attach(ctx context.Context, id string, v Viewer) (api.History, error) {
	s.mu.Lock()
	if h := s.live[id]; h != nil {
		defer s.mu.Unlock()
		return s.attachLocked(h, v)
	}
	s.mu.Unlock()

	rec, err := s.store.GetSession(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return api.History{}, fmt.Errorf("attach %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return api.History{}, fmt.Errorf("attach %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h := s.live[id]; h != nil {
		return s.attachLocked(h, v)
	}
	if rec.Status == model.StatusRunning && !s.starting[id] {
		return api.History{}, fmt.Errorf("attach %s: %w", id, ErrUntracked)
	}
	hist := api.History{
		SessionID: id,
		Status:    rec.Status,
		Data:      rec.OutputTail,
		OutputSeq: rec.OutputSeq,
		InputSeq:  rec.InputSeq,
		ExitCode:  rec.ExitCode,
	}
	if last := s.buffer.LastSeq(id, msgbuf.ChannelOutput); last > hist.OutputSeq {
		hist.OutputSeq = last
	}
	if err := sendHistory(v, hist); err != nil {
		return hist, err
	}
	set := s.pending[id]
	if set == nil {
		set = map[string]Viewer{}
		s.pending[id] = set
	}
	set[v.ID()] = v
	return hist, nil
}

func (s *Supervisor) attachLocked(h *handle, v Viewer) (api.History, error) {
	hist := api.History{
		SessionID:  h.id,
		Status:     h.rec.Status,
		Data:       h.tail.Bytes(),
		OutputSeq:  h.seq,
		InputSeq:   h.rec.InputSeq,
		InputState: h.inputState,
		ExitCode:   h.rec.ExitCode,
	}
	if err := sendHistory(v, hist); err != nil {
		return hist, err
	}
	h.viewers[v.ID()] = v
	return hist, nil
}

func sendHistory(v Viewer, hist api.History) error {
	payload, err := json.Marshal(api.ServerMessage{Type: api.MsgHistory, History: &hist})
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	return v.Send(payload)
}

// Detach unsubscribes a viewer from a session.
func (s *Supervisor) Detach(id, viewerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h := s.live[id]; h != nil {
		delete(h.viewers, viewerID)
	}
	if set := s.pending[id]; set != nil {
		delete(set, viewerID)
		if len(set) == 0 {
			delete(s.pending, id)
		}
	}
}

// Replay returns retained frames after from, oldest first.
func (s *Supervisor) Replay(id string, from uint64) []msgbuf.Entry {
	return s.buffer.Since(id, msgbuf.ChannelOutput, from)
}

// ReplayTo sends v every retained frame after from and returns the last
// sequence number sent. Live frames cannot interleave with the replay.
func (s *Supervisor) ReplayTo(id string, from uint64, v Viewer) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := from
	for _, e := range s.buffer.Since(id, msgbuf.ChannelOutput, from) {
		if err := v.Send(e.Payload); err != nil {
			return last, err
		}
		last = e.Seq
	}
	return last, nil
}

// Ack lets the buffer prune frames up to seq.
func (s *Supervisor) Ack(id string, seq uint64) int {
	return s.buffer.Ack(id, msgbuf.ChannelOutput, seq)
}

// ApplyInput applies a sequenced viewer command at most once. Commands at
// or below the session's input watermark are reported as duplicates and
// not re-applied.
func (s *Supervisor) ApplyInput(ctx context.Context, id string, seq uint64, in Input) (api.InputResult, error) {
	s.mu.Lock()
	h := s.live[id]
	if h == nil || h.rec.Status != model.StatusRunning {
		s.mu.Unlock()
		if err := s.ensureKnown(ctx, id); err != nil {
			return api.InputRejected, err
		}
		return api.InputNotRunning, nil
	}
	if seq <= h.rec.InputSeq {
		s.mu.Unlock()
		s.metrics.InputDuplicates.Inc()
		s.log.Debug("duplicate input", zap.String("session_id", id), zap.Uint64("seq", seq))
		return api.InputDuplicate, nil
	}

	switch in.Kind {
	case api.InputWrite:
		if err := s.writeLocked(h, in.Data); err != nil {
			s.mu.Unlock()
			return api.InputRejected, err
		}
	case api.InputResize:
		if in.Cols == 0 || in.Rows == 0 {
			s.mu.Unlock()
			return api.InputRejected, fmt.Errorf("%w: cols and rows must be positive", model.ErrInvalidRequest)
		}
		if err := s.resizeLocked(h, in.Cols, in.Rows); err != nil {
			s.mu.Unlock()
			return api.InputRejected, err
		}
	case api.InputKill:
		h.rec.InputSeq = seq
		s.mu.Unlock()
		if _, err := s.terminate(ctx, id, h, model.StatusKilled, ""); err != nil {
			return api.InputRejected, err
		}
		return api.InputApplied, nil
	default:
		s.mu.Unlock()
		return api.InputRejected, fmt.Errorf("%w: input kind %q", model.ErrInvalidRequest, in.Kind)
	}
	h.rec.InputSeq = seq
	s.mu.Unlock()
	return api.InputApplied, nil
}
