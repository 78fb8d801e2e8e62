package launcher

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/g960059/agtbroker/internal/metrics"
	"github.com/g960059/agtbroker/internal/model"
	"github.com/g960059/agtbroker/internal/mux"
)

var ErrUnauthorized = errors.New("launcher token rejected")

// SessionHost is the supervisor surface that applies launcher reports.
type SessionHost interface {
	Tracked(id string) bool
	RemoteStarted(ctx context.Context, id string, pid int, muxName string) error
	RemoteOutput(id string, remoteSeq uint64, data []byte)
	RemoteExited(ctx context.Context, id string, code *int, status model.Status, reason string)
	AdoptRemote(ctx context.Context, rec model.Session, proc mux.Process) bool
	ReleaseLauncher(launcherID string) []string
}

type SessionLister interface {
	ListSessionsByStatus(ctx context.Context, statuses ...model.Status) ([]model.Session, error)
}

type HubOptions struct {
	Registry         *Registry
	Sessions         SessionHost
	Store            SessionLister
	Token            string
	HeartbeatTimeout time.Duration
	RegisterTimeout  time.Duration
	Metrics          *metrics.Metrics
	Log              *zap.Logger
}

// Hub accepts launcher connections on the broker.
type Hub struct {
	registry         *Registry
	sessions         SessionHost
	store            SessionLister
	token            string
	heartbeatTimeout time.Duration
	registerTimeout  time.Duration
	metrics          *metrics.Metrics
	log              *zap.Logger
	upgrader         websocket.Upgrader
	now              func() time.Time
}

func NewHub(opts HubOptions) *Hub {
	h := &Hub{
		registry:         opts.Registry,
		sessions:         opts.Sessions,
		store:            opts.Store,
		token:            opts.Token,
		heartbeatTimeout: opts.HeartbeatTimeout,
		registerTimeout:  opts.RegisterTimeout,
		metrics:          opts.Metrics,
		log:              opts.Log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now: func() time.Time { return time.Now().UTC() },
	}
	if h.registerTimeout <= 0 {
		h.registerTimeout = 10 * time.Second
	}
	if h.metrics == nil {
		h.metrics = metrics.New()
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	return h
}

// Handle is the gin route for GET /v1/launchers/connect.
func (h *Hub) Handle(c *gin.Context) {
	h.Serve(c.Writer, c.Request)
}

func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("launcher upgrade failed", zap.Error(err))
		return
	}
	link := NewLink(conn)
	defer link.Close()

	ctx := context.WithoutCancel(r.Context())
	id, err := h.register(ctx, link, remoteHost(r.RemoteAddr))
	if err != nil {
		h.log.Warn("launcher registration rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	log := h.log.With(zap.String("launcher_id", id))
	defer h.disconnect(id, link, log)

	for {
		// missing heartbeats close the connection through the read deadline
		env, err := link.Receive(h.heartbeatTimeout)
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("launcher connection ended", zap.Error(err))
			}
			return
		}
		if err := h.dispatch(ctx, id, link, env); err != nil {
			log.Warn("launcher message rejected", zap.String("type", string(env.Type)), zap.Error(err))
			_ = link.Send(TypeError, ErrorPayload{Code: model.ErrorCode(err), Message: err.Error()})
		}
	}
}

func (h *Hub) register(ctx context.Context, link *Link, host string) (string, error) {
	env, err := link.Receive(h.registerTimeout)
	if err != nil {
		return "", fmt.Errorf("read register: %w", err)
	}
	if env.Type != TypeRegister {
		_ = link.Send(TypeError, ErrorPayload{Code: model.ErrCodeInvalidRequest, Message: "register first"})
		return "", fmt.Errorf("%w: got %s before register", ErrInvalidMessage, env.Type)
	}
	var p RegisterPayload
	if err := env.Decode(&p); err != nil {
		return "", err
	}
	if h.token != "" && subtle.ConstantTimeCompare([]byte(p.Token), []byte(h.token)) != 1 {
		_ = link.Send(TypeError, ErrorPayload{Code: model.ErrCodeUnauthorized, Message: ErrUnauthorized.Error()})
		return "", ErrUnauthorized
	}
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	if p.Host != "" {
		host = p.Host
	}
	info := model.LauncherInfo{
		ID:            id,
		Name:          p.Name,
		Host:          host,
		Capacity:      p.Capacity,
		Capabilities:  p.Capabilities,
		LastHeartbeat: h.now(),
		Sessions:      p.Sessions,
	}
	if prev := h.registry.Register(info, link); prev != nil {
		// a reconnect raced the old connection's teardown; move the
		// sessions onto the new link
		_ = prev.Close()
		h.sessions.ReleaseLauncher(id)
	}
	if err := link.Send(TypeRegistered, RegisteredPayload{LauncherID: id, HeartbeatTimeout: h.heartbeatTimeout}); err != nil {
		h.registry.Remove(id, link)
		return "", err
	}
	h.log.Info("launcher registered",
		zap.String("launcher_id", id),
		zap.String("name", p.Name),
		zap.String("host", host),
		zap.Int("capacity", p.Capacity),
		zap.Int("sessions", len(p.Sessions)),
	)
	h.adopt(ctx, id, link)
	return id, nil
}

func (h *Hub) dispatch(ctx context.Context, id string, link *Link, env Envelope) error {
	switch env.Type {
	case TypeHeartbeat:
		var p HeartbeatPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		if !h.registry.Heartbeat(id, p.Sessions, h.now()) {
			return fmt.Errorf("heartbeat from removed launcher %s", id)
		}
		h.adopt(ctx, id, link)
	case TypeSessionStarted:
		var p SessionStartedPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		return h.sessions.RemoteStarted(ctx, p.SessionID, p.PID, p.MuxName)
	case TypeSessionOutput:
		var p SessionOutputPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		h.sessions.RemoteOutput(p.SessionID, p.Seq, p.Data)
	case TypeSessionEnded:
		var p SessionEndedPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		h.sessions.RemoteExited(ctx, p.SessionID, p.ExitCode, p.Status, p.Reason)
	case TypeError:
		var p ErrorPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		h.log.Warn("launcher reported error",
			zap.String("launcher_id", id),
			zap.String("session_id", p.SessionID),
			zap.String("code", p.Code),
			zap.String("message", p.Message),
		)
	default:
		return fmt.Errorf("%w: unknown type %q", model.ErrInvalidRequest, env.Type)
	}
	return nil
}

// adopt starts tracking running records this launcher owns and still
// reports as active.
func (h *Hub) adopt(ctx context.Context, id string, link *Link) {
	if h.store == nil {
		return
	}
	recs, err := h.store.ListSessionsByStatus(ctx, model.StatusRunning)
	if err != nil {
		h.log.Warn("list running sessions failed", zap.String("launcher_id", id), zap.Error(err))
		return
	}
	for _, rec := range recs {
		if rec.LauncherID != id || h.sessions.Tracked(rec.ID) || !h.registry.Owns(id, rec.ID) {
			continue
		}
		if h.sessions.AdoptRemote(ctx, rec, NewRemoteProcess(link, rec.ID)) {
			h.metrics.Recoveries.WithLabelValues("adopted").Inc()
		}
	}
}

func (h *Hub) disconnect(id string, link *Link, log *zap.Logger) {
	if !h.registry.Remove(id, link) {
		return
	}
	released := h.sessions.ReleaseLauncher(id)
	log.Info("launcher disconnected", zap.Strings("released_sessions", released))
}

// Sweep drops launchers with stale heartbeats and releases their sessions.
func (h *Hub) Sweep(now time.Time) []string {
	var ids []string
	for _, rm := range h.registry.Sweep(now) {
		_ = rm.Link.Close()
		released := h.sessions.ReleaseLauncher(rm.ID)
		h.log.Warn("launcher heartbeat timed out",
			zap.String("launcher_id", rm.ID),
			zap.Strings("released_sessions", released),
		)
		ids = append(ids, rm.ID)
	}
	return ids
}

func (h *Hub) RunSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep(h.now())
		}
	}
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
