package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/g960059/agtbroker/internal/model"
)

// MemoryStore keeps session records in process memory. The launcher daemon
// uses it because the broker owns the durable store.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]model.Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]model.Session{}}
}

func (m *MemoryStore) CreateSession(_ context.Context, sess model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sess.ID]; ok {
		return ErrDuplicate
	}
	if sess.MuxName != "" && m.liveMuxOwnerLocked(sess.MuxName, sess.ID) != "" {
		return ErrDuplicate
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = now
	}
	if sess.Status == "" {
		sess.Status = model.StatusPending
	}
	m.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return model.Session{}, ErrNotFound
	}
	return cloneSession(sess), nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, sess model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.sessions[sess.ID]
	if !ok {
		return ErrNotFound
	}
	if sess.MuxName != "" && !sess.Status.Terminal() && m.liveMuxOwnerLocked(sess.MuxName, sess.ID) != "" {
		return ErrDuplicate
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now().UTC()
	}
	sess.CreatedAt = prev.CreatedAt
	m.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (m *MemoryStore) SaveProgress(_ context.Context, p model.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[p.SessionID]
	if !ok || sess.Status.Terminal() || sess.OutputSeq > p.OutputSeq {
		return nil
	}
	sess.OutputTail = append([]byte(nil), p.OutputTail...)
	sess.TotalBytes = p.TotalBytes
	sess.OutputSeq = p.OutputSeq
	if p.InputSeq > sess.InputSeq {
		sess.InputSeq = p.InputSeq
	}
	sess.UpdatedAt = p.UpdatedAt
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now().UTC()
	}
	m.sessions[p.SessionID] = sess
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, id, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if sess.Status.Terminal() {
		return false, nil
	}
	at = at.UTC()
	sess.Status = model.StatusFailed
	sess.FailReason = reason
	sess.CompletedAt = &at
	sess.UpdatedAt = at
	m.sessions[id] = sess
	return true, nil
}

func (m *MemoryStore) ListSessionsByStatus(_ context.Context, statuses ...model.Status) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[model.Status]bool{}
	for _, st := range statuses {
		want[st] = true
	}
	var out []model.Session
	for _, sess := range m.sessions {
		if want[sess.Status] {
			out = append(out, cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) FindActiveByMuxName(_ context.Context, name string) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.liveMuxOwnerLocked(name, "")
	if id == "" {
		return model.Session{}, ErrNotFound
	}
	return cloneSession(m.sessions[id]), nil
}

func (m *MemoryStore) liveMuxOwnerLocked(name, except string) string {
	for id, sess := range m.sessions {
		if id != except && sess.MuxName == name && !sess.Status.Terminal() {
			return id
		}
	}
	return ""
}

func cloneSession(s model.Session) model.Session {
	s.OutputTail = append([]byte(nil), s.OutputTail...)
	s.Command = append([]string(nil), s.Command...)
	if s.ExitCode != nil {
		code := *s.ExitCode
		s.ExitCode = &code
	}
	return s
}
