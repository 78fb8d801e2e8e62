// Package launcherd runs sessions on behalf of a remote broker. It holds a
// single outbound connection to the broker, executes the commands sent
// over it and reports session lifecycle and output back.
package launcherd

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/g960059/agtbroker/internal/api"
	"github.com/g960059/agtbroker/internal/config"
	"github.com/g960059/agtbroker/internal/db"
	"github.com/g960059/agtbroker/internal/launcher"
	"github.com/g960059/agtbroker/internal/metrics"
	"github.com/g960059/agtbroker/internal/model"
	"github.com/g960059/agtbroker/internal/mux"
	"github.com/g960059/agtbroker/internal/supervisor"
)

var ErrRejected = errors.New("broker rejected registration")

type Options struct {
	Config  config.LauncherConfig
	Bridge  mux.Bridge
	Starter mux.Starter
	Dialer  *websocket.Dialer
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

type Daemon struct {
	cfg     config.LauncherConfig
	bridge  mux.Bridge
	store   *db.MemoryStore
	sup     *supervisor.Supervisor
	dialer  *websocket.Dialer
	outbox  *outbox
	metrics *metrics.Metrics
	log     *zap.Logger

	mu         sync.Mutex
	launcherID string
	connected  bool
}

func New(opts Options) *Daemon {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	bridge := opts.Bridge
	if bridge == nil {
		bridge = mux.NoopBridge{}
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: opts.Config.DialTimeout}
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	id := opts.Config.ID
	if id == "" {
		id = uuid.NewString()
	}
	d := &Daemon{
		cfg:        opts.Config,
		bridge:     bridge,
		store:      db.NewMemoryStore(),
		dialer:     dialer,
		outbox:     newOutbox(opts.Config.OutboundQueue, m.ReportsDropped.Inc),
		metrics:    m,
		log:        log,
		launcherID: id,
	}
	d.sup = supervisor.New(supervisor.Options{
		Config:    opts.Config.Session,
		Store:     d.store,
		Bridge:    bridge,
		Starter:   opts.Starter,
		Metrics:   m,
		Log:       log.Named("supervisor"),
		Observers: []supervisor.Observer{d},
	})
	return d
}

func (d *Daemon) Supervisor() *supervisor.Supervisor { return d.sup }

func (d *Daemon) LauncherID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launcherID
}

func (d *Daemon) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// SessionStarted queues the start report. It runs under the supervisor
// lock.
func (d *Daemon) SessionStarted(rec model.Session) {
	d.outbox.push(report{Type: launcher.TypeSessionStarted, Payload: launcher.SessionStartedPayload{
		SessionID: rec.ID,
		PID:       rec.PID,
		MuxName:   rec.MuxName,
	}})
}

// FrameEmitted turns local frames into output and end reports. It runs
// under the supervisor lock.
func (d *Daemon) FrameEmitted(f api.Frame) {
	switch f.Kind {
	case api.FrameOutput:
		d.outbox.push(report{Type: launcher.TypeSessionOutput, Payload: launcher.SessionOutputPayload{
			SessionID: f.SessionID,
			Seq:       f.Seq,
			Data:      f.Data,
		}})
	case api.FrameExit:
		d.outbox.push(report{Type: launcher.TypeSessionEnded, Payload: launcher.SessionEndedPayload{
			SessionID: f.SessionID,
			ExitCode:  f.ExitCode,
			Status:    f.Status,
			Reason:    f.Reason,
		}})
	}
}

// Run keeps a broker connection up until ctx is cancelled, backing off
// exponentially with jitter between attempts. The delay resets after
// every successful registration. Handles a previous launcher process left
// on the multiplexer are reattached before the first registration so the
// broker can adopt them.
func (d *Daemon) Run(ctx context.Context) error {
	d.ReattachDetached(ctx)
	backoff := d.cfg.ReconnectMin
	if backoff <= 0 {
		backoff = time.Second
	}
	for {
		registered, err := d.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if registered {
			backoff = d.cfg.ReconnectMin
			if backoff <= 0 {
				backoff = time.Second
			}
		}
		wait := jitter(backoff)
		d.log.Warn("broker connection lost, reconnecting",
			zap.String("broker_url", d.cfg.BrokerURL),
			zap.Duration("backoff", wait),
			zap.Int("queued_reports", d.outbox.len()),
			zap.Uint64("dropped_reports", d.outbox.droppedCount()),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		backoff *= 2
		if d.cfg.ReconnectMax > 0 && backoff > d.cfg.ReconnectMax {
			backoff = d.cfg.ReconnectMax
		}
	}
}

// ReattachDetached picks up every live multiplexer handle this launcher
// does not track yet. The launcher socket is dedicated, so handle names
// are session ids. It returns the ids now tracked.
func (d *Daemon) ReattachDetached(ctx context.Context) []string {
	if !d.bridge.Available() {
		return nil
	}
	names, err := d.bridge.ListActive(ctx)
	if err != nil {
		d.log.Warn("list multiplexer handles failed", zap.Error(err))
		return nil
	}
	var ids []string
	for _, name := range names {
		if d.sup.Tracked(name) {
			continue
		}
		rec, err := d.seed(ctx, name)
		if err != nil {
			d.log.Warn("seed detached session failed", zap.String("session_id", name), zap.Error(err))
			continue
		}
		if err := d.sup.Reattach(ctx, rec); err != nil {
			d.log.Warn("reattach detached session failed", zap.String("session_id", name), zap.Error(err))
			continue
		}
		ids = append(ids, name)
	}
	if len(ids) > 0 {
		d.log.Info("reattached detached sessions", zap.Strings("session_ids", ids))
	}
	return ids
}

// seed makes sure the local store has a running record for a handle found
// on the multiplexer.
func (d *Daemon) seed(ctx context.Context, name string) (model.Session, error) {
	rec, err := d.store.GetSession(ctx, name)
	switch {
	case errors.Is(err, db.ErrNotFound):
		rec = model.Session{
			ID:         name,
			Status:     model.StatusRunning,
			MuxName:    name,
			LauncherID: d.LauncherID(),
		}
		return rec, d.store.CreateSession(ctx, rec)
	case err != nil:
		return model.Session{}, err
	}
	rec.MuxName = name
	rec.Status = model.StatusRunning
	return rec, nil
}

// jitter spreads reconnects over [d/2, d).
func jitter(d time.Duration) time.Duration {
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half)
}

func (d *Daemon) connect(ctx context.Context) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout())
	conn, _, err := d.dialer.DialContext(dialCtx, d.cfg.BrokerURL, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial broker: %w", err)
	}
	link := launcher.NewLink(conn)
	defer link.Close()

	if err := d.register(link); err != nil {
		return false, err
	}
	d.setConnected(true)
	defer d.setConnected(false)

	connCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		<-connCtx.Done()
		_ = link.Close()
	}()
	go func() {
		defer wg.Done()
		if err := d.pump(connCtx, link); err != nil {
			d.log.Debug("report pump stopped", zap.Error(err))
			_ = link.Close()
		}
	}()
	go func() {
		defer wg.Done()
		if err := d.heartbeat(connCtx, link); err != nil {
			d.log.Debug("heartbeat stopped", zap.Error(err))
			_ = link.Close()
		}
	}()

	err = d.readLoop(connCtx, link)
	stop()
	wg.Wait()
	return true, err
}

func (d *Daemon) dialTimeout() time.Duration {
	if d.cfg.DialTimeout > 0 {
		return d.cfg.DialTimeout
	}
	return 10 * time.Second
}

func (d *Daemon) register(link *launcher.Link) error {
	caps := []model.Capability{}
	if d.bridge.Available() {
		caps = append(caps, model.CapMultiplexer)
	}
	err := link.Send(launcher.TypeRegister, launcher.RegisterPayload{
		ID:           d.LauncherID(),
		Name:         d.cfg.Name,
		Token:        d.cfg.Token,
		Capacity:     d.cfg.Capacity,
		Capabilities: caps,
		Sessions:     d.sup.ActiveIDs(),
	})
	if err != nil {
		return err
	}
	env, err := link.Receive(d.dialTimeout())
	if err != nil {
		return fmt.Errorf("await registration: %w", err)
	}
	switch env.Type {
	case launcher.TypeRegistered:
		var p launcher.RegisteredPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		d.mu.Lock()
		d.launcherID = p.LauncherID
		d.mu.Unlock()
		d.log.Info("registered with broker",
			zap.String("launcher_id", p.LauncherID),
			zap.String("broker_url", d.cfg.BrokerURL),
			zap.Duration("heartbeat_timeout", p.HeartbeatTimeout),
		)
		return nil
	case launcher.TypeError:
		var p launcher.ErrorPayload
		_ = env.Decode(&p)
		return fmt.Errorf("%w: %s %s", ErrRejected, p.Code, p.Message)
	default:
		return fmt.Errorf("%w: unexpected %s", launcher.ErrInvalidMessage, env.Type)
	}
}

func (d *Daemon) setConnected(v bool) {
	d.mu.Lock()
	d.connected = v
	d.mu.Unlock()
}

// pump drains the outbox over link. A report leaves the queue only after
// it was written.
func (d *Daemon) pump(ctx context.Context, link *launcher.Link) error {
	for {
		for {
			r, ok := d.outbox.peek()
			if !ok {
				break
			}
			if err := link.Send(r.Type, r.Payload); err != nil {
				return err
			}
			d.outbox.pop()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-d.outbox.notify:
		}
	}
}

func (d *Daemon) heartbeat(ctx context.Context, link *launcher.Link) error {
	interval := d.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := link.Send(launcher.TypeHeartbeat, launcher.HeartbeatPayload{
				Sessions: d.sup.ActiveIDs(),
				At:       time.Now().UTC(),
			})
			if err != nil {
				return err
			}
		}
	}
}

func (d *Daemon) readLoop(ctx context.Context, link *launcher.Link) error {
	for {
		env, err := link.Receive(0)
		if err != nil {
			return err
		}
		if err := d.handle(ctx, env); err != nil {
			d.log.Warn("broker command failed", zap.String("type", string(env.Type)), zap.Error(err))
		}
	}
}

func (d *Daemon) handle(ctx context.Context, env launcher.Envelope) error {
	switch env.Type {
	case launcher.TypeLaunch:
		var p launcher.LaunchPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		return d.launch(ctx, p)
	case launcher.TypeKill:
		var p launcher.KillPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		_, err := d.sup.Kill(ctx, p.SessionID)
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return err
	case launcher.TypeResize:
		var p launcher.ResizePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		return d.sup.Resize(ctx, p.SessionID, p.Cols, p.Rows)
	case launcher.TypeInput:
		var p launcher.InputPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		return d.sup.Write(ctx, p.SessionID, p.Data)
	case launcher.TypeError:
		var p launcher.ErrorPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		d.log.Warn("broker reported error", zap.String("code", p.Code), zap.String("message", p.Message))
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", launcher.ErrInvalidMessage, env.Type)
	}
}

func (d *Daemon) launch(ctx context.Context, p launcher.LaunchPayload) error {
	_, err := d.sup.Spawn(ctx, supervisor.SpawnRequest{
		SessionID: p.SessionID,
		Command:   p.Command,
		Args:      p.Args,
		Cwd:       p.Cwd,
		Profile:   p.Profile,
		Cols:      p.Cols,
		Rows:      p.Rows,
		Env:       p.Env,
		ParentID:  p.ParentID,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrSpawnFailure):
		// the exit frame already queued the end report
		return err
	case errors.Is(err, model.ErrAlreadyRunning) && d.sup.Tracked(p.SessionID):
		d.log.Info("duplicate launch ignored", zap.String("session_id", p.SessionID))
		return nil
	}
	d.outbox.push(report{Type: launcher.TypeSessionEnded, Payload: launcher.SessionEndedPayload{
		SessionID: p.SessionID,
		Status:    model.StatusFailed,
		Reason:    model.FailSpawn,
	}})
	return err
}

// Shutdown detaches multiplexer-backed sessions so they outlive this
// process; direct sessions are killed.
func (d *Daemon) Shutdown(ctx context.Context) error {
	return d.sup.Shutdown(ctx)
}
