package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/g960059/agtbroker/internal/api"
	"github.com/g960059/agtbroker/internal/appclient"
	"github.com/g960059/agtbroker/internal/config"
	"github.com/g960059/agtbroker/internal/daemon"
	"github.com/g960059/agtbroker/internal/model"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.DBPath = filepath.Join(t.TempDir(), "sessions.db")
	cfg.DisableMultiplexer = true
	cfg.RateLimitEnabled = false
	cfg.Shell = "/bin/sh"
	cfg.HealthCheckDelay = 0
	return cfg
}

func startRun(t *testing.T, cfg config.Config) (string, context.CancelFunc, <-chan error) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, zap.NewNop(), ready) }()

	select {
	case addr := <-ready:
		return addr, cancel, done
	case err := <-done:
		cancel()
		t.Fatalf("broker exited during startup: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("broker did not become ready")
	}
	return "", cancel, done
}

func TestRunServesAndStopsCleanly(t *testing.T) {
	cfg := testConfig(t)
	addr, cancel, done := startRun(t, cfg)

	c := appclient.New(addr)
	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, health.OK)
	assert.False(t, health.MultiplexerAvailable)

	resp, err := c.Spawn(context.Background(), api.SpawnRequest{
		SessionID: "wired",
		Profile:   model.ProfilePlain,
		Command:   "sleep 30",
	})
	require.NoError(t, err)
	assert.Equal(t, "local", resp.Placement)

	st, err := c.Status(context.Background(), "wired")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, st.Status)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("broker did not stop")
	}
}

func TestSecondInstanceIsRefused(t *testing.T) {
	cfg := testConfig(t)
	_, cancel, done := startRun(t, cfg)
	defer func() {
		cancel()
		<-done
	}()

	err := run(context.Background(), cfg, zap.NewNop(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, daemon.ErrAlreadyRunning)
}
