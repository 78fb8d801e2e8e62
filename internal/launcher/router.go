package launcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/agtbroker/internal/metrics"
	"github.com/g960059/agtbroker/internal/model"
	"github.com/g960059/agtbroker/internal/mux"
	"github.com/g960059/agtbroker/internal/supervisor"
)

var ErrLauncherUnavailable = errors.New("launcher unavailable")

// Spawner is the supervisor surface placement needs.
type Spawner interface {
	Spawn(ctx context.Context, req supervisor.SpawnRequest) (model.Session, error)
	PlaceRemote(ctx context.Context, req supervisor.SpawnRequest, launcherID string, proc mux.Process) (model.Session, error)
	AbandonRemote(id string)
}

// Request is a spawn plus its placement hints.
type Request struct {
	supervisor.SpawnRequest
	LauncherID    string
	AgentEndpoint string
	Requires      []model.Capability
}

// Placement says where a session ended up.
type Placement struct {
	LauncherID string
	Fallback   bool
}

func (p Placement) Local() bool { return p.LauncherID == "" }

func (p Placement) String() string {
	if p.Local() {
		return "local"
	}
	return "remote"
}

// Router picks an execution site for each new session: the request's
// explicit launcher, then the launcher configured for its agent endpoint,
// otherwise this process.
type Router struct {
	registry    *Registry
	spawner     Spawner
	preferences map[string]string
	metrics     *metrics.Metrics
	log         *zap.Logger
	now         func() time.Time
}

func NewRouter(reg *Registry, sp Spawner, preferences map[string]string, m *metrics.Metrics, log *zap.Logger) *Router {
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		registry:    reg,
		spawner:     sp,
		preferences: preferences,
		metrics:     m,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Spawn places and starts the session. A remote placement that cannot be
// delivered falls back to a local spawn before returning, so the caller
// always learns whether the session could start somewhere.
func (r *Router) Spawn(ctx context.Context, req Request) (model.Session, Placement, error) {
	target := req.LauncherID
	if target == "" && req.AgentEndpoint != "" {
		target = r.preferences[req.AgentEndpoint]
	}
	fallback := false
	if target != "" {
		rec, err := r.spawnRemote(ctx, target, req)
		if err == nil {
			r.metrics.Spawns.WithLabelValues("remote", "ok").Inc()
			return rec, Placement{LauncherID: target}, nil
		}
		if errors.Is(err, model.ErrAlreadyRunning) || errors.Is(err, model.ErrInvalidRequest) {
			return model.Session{}, Placement{}, err
		}
		fallback = true
		r.metrics.LauncherFallbacks.Inc()
		r.log.Warn("remote placement failed, spawning locally",
			zap.String("session_id", req.SessionID),
			zap.String("launcher_id", target),
			zap.Error(err),
		)
	}
	rec, err := r.spawner.Spawn(ctx, req.SpawnRequest)
	if err != nil {
		return model.Session{}, Placement{Fallback: fallback}, err
	}
	return rec, Placement{Fallback: fallback}, nil
}

func (r *Router) spawnRemote(ctx context.Context, target string, req Request) (model.Session, error) {
	link, ok := r.registry.Eligible(target, req.Requires, r.now())
	if !ok {
		return model.Session{}, fmt.Errorf("launcher %s: %w", target, ErrLauncherUnavailable)
	}
	rec, err := r.spawner.PlaceRemote(ctx, req.SpawnRequest, target, NewRemoteProcess(link, req.SessionID))
	if err != nil {
		return model.Session{}, err
	}
	err = link.Send(TypeLaunch, LaunchPayload{
		SessionID: req.SessionID,
		Command:   req.Command,
		Args:      req.Args,
		Cwd:       req.Cwd,
		Profile:   req.Profile,
		Cols:      req.Cols,
		Rows:      req.Rows,
		Env:       req.Env,
		ParentID:  req.ParentID,
	})
	if err != nil {
		r.spawner.AbandonRemote(req.SessionID)
		return model.Session{}, fmt.Errorf("launcher %s: %w", target, err)
	}
	r.registry.Reserve(target, req.SessionID)
	return rec, nil
}

// RemoteProcess is the broker-side stand-in for a process a launcher
// runs. Every call becomes a message on the launcher's link.
type RemoteProcess struct {
	link      Sender
	sessionID string
}

func NewRemoteProcess(link Sender, sessionID string) *RemoteProcess {
	return &RemoteProcess{link: link, sessionID: sessionID}
}

// Pid is unknown locally; the record carries the launcher-reported pid.
func (p *RemoteProcess) Pid() int { return 0 }

func (p *RemoteProcess) Write(b []byte) (int, error) {
	if err := p.link.Send(TypeInput, InputPayload{SessionID: p.sessionID, Data: b}); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (p *RemoteProcess) Resize(cols, rows uint16) error {
	return p.link.Send(TypeResize, ResizePayload{SessionID: p.sessionID, Cols: cols, Rows: rows})
}

func (p *RemoteProcess) Kill() error {
	return p.link.Send(TypeKill, KillPayload{SessionID: p.sessionID})
}

// Detach leaves the remote process alone.
func (p *RemoteProcess) Detach() error { return nil }
