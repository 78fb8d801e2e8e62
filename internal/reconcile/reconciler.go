// Package reconcile brings the session store back in line with what the
// multiplexer actually holds: at startup, periodically, and on demand when a
// viewer attaches to a session nobody is tracking.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/agtbroker/internal/db"
	"github.com/g960059/agtbroker/internal/metrics"
	"github.com/g960059/agtbroker/internal/model"
	"github.com/g960059/agtbroker/internal/mux"
)

// ErrLauncherOffline is returned for a remote-owned session whose launcher
// is not connected. Such records are left alone.
var ErrLauncherOffline = errors.New("owning launcher not connected")

type SessionStore interface {
	GetSession(ctx context.Context, id string) (model.Session, error)
	ListSessionsByStatus(ctx context.Context, statuses ...model.Status) ([]model.Session, error)
	MarkFailed(ctx context.Context, id, reason string, at time.Time) (bool, error)
}

// Supervisor is the part of the process supervisor recovery drives.
type Supervisor interface {
	Tracked(id string) bool
	Reattach(ctx context.Context, rec model.Session) error
}

type Reconciler struct {
	store   SessionStore
	sup     Supervisor
	bridge  mux.Bridge
	metrics *metrics.Metrics
	log     *zap.Logger
}

// Summary counts what one Tick did.
type Summary struct {
	Recovered int
	Failed    int
	Repaired  int
}

func NewReconciler(store SessionStore, sup Supervisor, bridge mux.Bridge, m *metrics.Metrics, log *zap.Logger) *Reconciler {
	if bridge == nil {
		bridge = mux.NoopBridge{}
	}
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{store: store, sup: sup, bridge: bridge, metrics: m, log: log}
}

// Tick reattaches every untracked running record, fails the ones whose
// handle is gone, and revives failed records whose handle is still alive.
func (r *Reconciler) Tick(ctx context.Context, now time.Time) (Summary, error) {
	var sum Summary
	running, err := r.store.ListSessionsByStatus(ctx, model.StatusRunning)
	if err != nil {
		return sum, fmt.Errorf("list running sessions for reconcile: %w", err)
	}
	for _, rec := range running {
		if rec.LauncherID != "" || r.sup.Tracked(rec.ID) {
			continue
		}
		if err := r.recover(ctx, rec, now); err != nil {
			sum.Failed++
			continue
		}
		sum.Recovered++
	}

	if !r.bridge.Available() {
		return sum, nil
	}
	active, err := r.bridge.ListActive(ctx)
	if err != nil {
		return sum, fmt.Errorf("list multiplexer handles for reconcile: %w", err)
	}
	alive := make(map[string]bool, len(active))
	for _, name := range active {
		alive[name] = true
	}
	failed, err := r.store.ListSessionsByStatus(ctx, model.StatusFailed)
	if err != nil {
		return sum, fmt.Errorf("list failed sessions for reconcile: %w", err)
	}
	for _, rec := range failed {
		if rec.LauncherID != "" || rec.MuxName == "" || !alive[rec.MuxName] || r.sup.Tracked(rec.ID) {
			continue
		}
		if err := r.sup.Reattach(ctx, rec); err != nil {
			r.log.Warn("repair failed session", zap.String("session_id", rec.ID), zap.Error(err))
			continue
		}
		r.metrics.Recoveries.WithLabelValues("repaired").Inc()
		r.log.Info("revived session marked failed while its handle was alive",
			zap.String("session_id", rec.ID),
			zap.String("previous_reason", rec.FailReason),
		)
		sum.Repaired++
	}
	return sum, nil
}

// Recover reattaches one running-but-untracked session. It is a no-op for
// tracked or terminal sessions.
func (r *Reconciler) Recover(ctx context.Context, id string) error {
	rec, err := r.store.GetSession(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("recover %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("recover %s: %w", id, err)
	}
	if rec.Status != model.StatusRunning || r.sup.Tracked(id) {
		return nil
	}
	if rec.LauncherID != "" {
		return fmt.Errorf("recover %s: launcher %s: %w", id, rec.LauncherID, ErrLauncherOffline)
	}
	return r.recover(ctx, rec, time.Now().UTC())
}

func (r *Reconciler) recover(ctx context.Context, rec model.Session, now time.Time) error {
	if !r.bridge.Available() {
		r.fail(ctx, rec.ID, model.FailBridgeUnavailable, now)
		return fmt.Errorf("recover %s: %w", rec.ID, model.ErrBridgeUnavailable)
	}
	if rec.MuxName == "" {
		r.fail(ctx, rec.ID, model.FailHandleGone, now)
		return fmt.Errorf("recover %s: %w: no multiplexer handle", rec.ID, model.ErrRecoveryFailure)
	}
	alive, err := r.bridge.Exists(ctx, rec.MuxName)
	if err != nil || !alive {
		r.fail(ctx, rec.ID, model.FailHandleGone, now)
		if err == nil {
			err = mux.ErrHandleGone
		}
		return fmt.Errorf("recover %s: %w: %v", rec.ID, model.ErrRecoveryFailure, err)
	}
	if err := r.sup.Reattach(ctx, rec); err != nil {
		r.fail(ctx, rec.ID, model.FailHandleGone, now)
		return err
	}
	r.metrics.Recoveries.WithLabelValues("recovered").Inc()
	r.log.Info("session recovered", zap.String("session_id", rec.ID), zap.String("mux_name", rec.MuxName))
	return nil
}

func (r *Reconciler) fail(ctx context.Context, id, reason string, now time.Time) {
	r.metrics.Recoveries.WithLabelValues("failed").Inc()
	changed, err := r.store.MarkFailed(ctx, id, reason, now)
	if err != nil {
		r.log.Error("mark session failed", zap.String("session_id", id), zap.Error(err))
		return
	}
	if changed {
		r.log.Warn("session could not be recovered", zap.String("session_id", id), zap.String("reason", reason))
	}
}

// Run calls Tick every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sum, err := r.Tick(ctx, now.UTC())
			if err != nil {
				r.log.Warn("reconcile tick failed", zap.Error(err))
				continue
			}
			if sum != (Summary{}) {
				r.log.Info("reconcile tick",
					zap.Int("recovered", sum.Recovered),
					zap.Int("failed", sum.Failed),
					zap.Int("repaired", sum.Repaired),
				)
			}
		}
	}
}
