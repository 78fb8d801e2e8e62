package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/agtbroker/internal/db"
	"github.com/g960059/agtbroker/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "agtbroker-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedRunning inserts a running record as a previous broker process would
// have left it.
func SeedRunning(t *testing.T, store *db.Store, ctx context.Context, id string, outputSeq uint64, tail string) model.Session {
	t.Helper()
	started := time.Now().UTC().Add(-time.Minute)
	sess := model.Session{
		ID:         id,
		Profile:    model.ProfileInteractive,
		Status:     model.StatusRunning,
		PID:        4321,
		MuxName:    id,
		Command:    []string{"claude"},
		OutputTail: []byte(tail),
		TotalBytes: int64(len(tail)),
		OutputSeq:  outputSeq,
		StartedAt:  &started,
	}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("seed session %s: %v", id, err)
	}
	return sess
}
