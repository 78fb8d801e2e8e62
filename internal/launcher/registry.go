package launcher

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/g960059/agtbroker/internal/metrics"
	"github.com/g960059/agtbroker/internal/model"
)

// Registry tracks connected launchers. An entry whose last heartbeat is
// older than the timeout is never eligible for placement, even before a
// sweep removes it.
type Registry struct {
	timeout time.Duration
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	info     model.LauncherInfo
	link     Sender
	sessions map[string]struct{}
}

// Snapshot is a point-in-time view of one launcher.
type Snapshot struct {
	Info     model.LauncherInfo
	Eligible bool
}

// Removed is a launcher dropped by Sweep.
type Removed struct {
	ID   string
	Link Sender
}

func NewRegistry(timeout time.Duration, m *metrics.Metrics) *Registry {
	if m == nil {
		m = metrics.New()
	}
	return &Registry{timeout: timeout, metrics: m, entries: map[string]*entry{}}
}

// Register adds or replaces a launcher. The link of a replaced entry is
// returned so the caller can close it.
func (r *Registry) Register(info model.LauncherInfo, link Sender) Sender {
	r.mu.Lock()
	defer r.mu.Unlock()
	var prev Sender
	if old := r.entries[info.ID]; old != nil && old.link != link {
		prev = old.link
	}
	e := &entry{info: info, link: link, sessions: map[string]struct{}{}}
	for _, id := range info.Sessions {
		e.sessions[id] = struct{}{}
	}
	r.entries[info.ID] = e
	r.metrics.LaunchersOnline.Set(float64(len(r.entries)))
	return prev
}

// Heartbeat refreshes a launcher and replaces its active session set.
func (r *Registry) Heartbeat(id string, sessions []string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[id]
	if e == nil {
		return false
	}
	e.info.LastHeartbeat = at
	e.sessions = make(map[string]struct{}, len(sessions))
	for _, sid := range sessions {
		e.sessions[sid] = struct{}{}
	}
	return true
}

// Reserve counts a just-placed session against the launcher's capacity
// until its next heartbeat.
func (r *Registry) Reserve(id, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.entries[id]; e != nil {
		e.sessions[sessionID] = struct{}{}
	}
}

// Remove drops the launcher only while link is still its current
// connection, so a stale connection closing cannot evict its successor.
func (r *Registry) Remove(id string, link Sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[id]
	if e == nil || e.link != link {
		return false
	}
	delete(r.entries, id)
	r.metrics.LaunchersOnline.Set(float64(len(r.entries)))
	return true
}

// Sweep removes every launcher whose heartbeat is older than the timeout.
func (r *Registry) Sweep(now time.Time) []Removed {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Removed
	for id, e := range r.entries {
		if r.fresh(e, now) {
			continue
		}
		delete(r.entries, id)
		out = append(out, Removed{ID: id, Link: e.link})
	}
	r.metrics.LaunchersOnline.Set(float64(len(r.entries)))
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Eligible returns the launcher's link when it is fresh, below capacity
// and declares every required capability.
func (r *Registry) Eligible(id string, requires []model.Capability, now time.Time) (Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[id]
	if e == nil || !r.eligible(e, requires, now) {
		return nil, false
	}
	return e.link, true
}

func (r *Registry) Link(id string) (Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[id]
	if e == nil {
		return nil, false
	}
	return e.link, true
}

// Owns reports whether the launcher's last heartbeat listed sessionID.
func (r *Registry) Owns(id, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[id]
	if e == nil {
		return false
	}
	_, ok := e.sessions[sessionID]
	return ok
}

func (r *Registry) List(now time.Time) []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.entries))
	for _, e := range r.entries {
		info := e.info
		info.Capabilities = slices.Clone(e.info.Capabilities)
		info.Sessions = sortedKeys(e.sessions)
		out = append(out, Snapshot{Info: info, Eligible: r.eligible(e, nil, now)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.ID < out[j].Info.ID })
	return out
}

func (r *Registry) fresh(e *entry, now time.Time) bool {
	return r.timeout <= 0 || now.Sub(e.info.LastHeartbeat) <= r.timeout
}

func (r *Registry) eligible(e *entry, requires []model.Capability, now time.Time) bool {
	if !r.fresh(e, now) {
		return false
	}
	if e.info.Capacity > 0 && len(e.sessions) >= e.info.Capacity {
		return false
	}
	for _, c := range requires {
		if !slices.Contains(e.info.Capabilities, c) {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
