package launcherd

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/agtbroker/internal/config"
	"github.com/g960059/agtbroker/internal/db"
	"github.com/g960059/agtbroker/internal/launcher"
	"github.com/g960059/agtbroker/internal/metrics"
	"github.com/g960059/agtbroker/internal/model"
	"github.com/g960059/agtbroker/internal/msgbuf"
	"github.com/g960059/agtbroker/internal/mux"
	"github.com/g960059/agtbroker/internal/supervisor"
	"github.com/g960059/agtbroker/internal/testutil"
)

func sessionConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Shell = "/bin/sh"
	cfg.FlushInterval = 0
	cfg.HealthCheckDelay = 0
	cfg.IdleAfter = 0
	cfg.BufferRetainAfterExit = 0
	return cfg
}

type broker struct {
	ctx    context.Context
	store  *db.Store
	sup    *supervisor.Supervisor
	reg    *launcher.Registry
	router *launcher.Router
	hub    *launcher.Hub
	url    string
}

func newBroker(t *testing.T, token string) *broker {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, ctx := testutil.NewStore(t)
	b := &broker{ctx: ctx, store: store}
	b.sup = supervisor.New(supervisor.Options{Config: sessionConfig(), Store: store, Starter: &testutil.FakeStarter{}})
	b.reg = launcher.NewRegistry(time.Minute, nil)
	b.router = launcher.NewRouter(b.reg, b.sup, nil, nil, nil)
	b.hub = launcher.NewHub(launcher.HubOptions{
		Registry:         b.reg,
		Sessions:         b.sup,
		Store:            store,
		Token:            token,
		HeartbeatTimeout: time.Minute,
	})
	r := gin.New()
	r.GET("/v1/launchers/connect", b.hub.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		_ = b.sup.Shutdown(context.Background())
	})
	b.url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/launchers/connect"
	return b
}

func (b *broker) status(id string) model.Status {
	rec, err := b.store.GetSession(b.ctx, id)
	if err != nil {
		return ""
	}
	return rec.Status
}

func (b *broker) online(id string) bool {
	_, ok := b.reg.Link(id)
	return ok
}

type launcherHarness struct {
	daemon  *Daemon
	starter *testutil.FakeStarter
	cancel  context.CancelFunc
	done    chan error
	once    sync.Once
}

// stop cancels Run and shuts the daemon down the way the launcher binary does.
func (h *launcherHarness) stop() {
	h.once.Do(func() {
		h.cancel()
		<-h.done
		_ = h.daemon.Shutdown(context.Background())
	})
}

func startLauncher(t *testing.T, b *broker, token string) *launcherHarness {
	t.Helper()
	return startLauncherOn(t, b, token, nil, &testutil.FakeStarter{})
}

func startLauncherOn(t *testing.T, b *broker, token string, bridge mux.Bridge, starter *testutil.FakeStarter) *launcherHarness {
	t.Helper()
	cfg := config.DefaultLauncherConfig()
	cfg.Session = sessionConfig()
	cfg.BrokerURL = b.url
	cfg.ID = "laptop"
	cfg.Name = "laptop"
	cfg.Token = token
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.ReconnectMin = 10 * time.Millisecond
	cfg.ReconnectMax = 40 * time.Millisecond
	cfg.DialTimeout = time.Second

	h := &launcherHarness{starter: starter, done: make(chan error, 1)}
	h.daemon = New(Options{Config: cfg, Bridge: bridge, Starter: h.starter})
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.daemon.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (b *broker) place(t *testing.T, id string) {
	t.Helper()
	req := launcher.Request{
		SpawnRequest: supervisor.SpawnRequest{SessionID: id, Command: "make test", Profile: model.ProfilePlain},
		LauncherID:   "laptop",
	}
	_, placement, err := b.router.Spawn(b.ctx, req)
	require.NoError(t, err)
	require.Equal(t, "laptop", placement.LauncherID)
}

func TestLauncherRunsPlacedSession(t *testing.T) {
	b := newBroker(t, "")
	l := startLauncher(t, b, "")
	require.Eventually(t, func() bool { return b.online("laptop") }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, l.daemon.Connected, 2*time.Second, 10*time.Millisecond)

	b.place(t, "s1")
	require.Eventually(t, func() bool { return l.starter.Last() != nil }, 2*time.Second, 10*time.Millisecond)
	proc := l.starter.Last()
	assert.Equal(t, []string{"-c", "make test"}, proc.Command().Args)
	require.Eventually(t, func() bool { return b.status("s1") == model.StatusRunning }, 2*time.Second, 10*time.Millisecond)

	v := testutil.NewViewer("v1")
	_, err := b.sup.Attach(b.ctx, "s1", v)
	require.NoError(t, err)

	proc.Emit("ok\n")
	require.Eventually(t, func() bool { return len(v.Frames()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ok\n", string(v.Frames()[0].Data))

	// broker-side input reaches the launcher's process
	require.NoError(t, b.sup.Write(b.ctx, "s1", []byte("q")))
	require.Eventually(t, func() bool { return proc.WriteCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	proc.Exit(2)
	require.Eventually(t, func() bool { return b.status("s1") == model.StatusFailed }, 2*time.Second, 10*time.Millisecond)
	rec, err := b.store.GetSession(b.ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 2, *rec.ExitCode)
	assert.Equal(t, model.FailExitNonZero, rec.FailReason)
}

func TestBrokerKillReachesLauncher(t *testing.T) {
	b := newBroker(t, "")
	l := startLauncher(t, b, "")
	require.Eventually(t, func() bool { return b.online("laptop") }, 2*time.Second, 10*time.Millisecond)

	b.place(t, "s1")
	require.Eventually(t, func() bool { return b.status("s1") == model.StatusRunning }, 2*time.Second, 10*time.Millisecond)
	proc := l.starter.Last()

	ok, err := b.sup.Kill(b.ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.StatusKilled, b.status("s1"))
	require.Eventually(t, func() bool { return proc.Kills() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestLauncherReconnectsAndIsReadopted(t *testing.T) {
	b := newBroker(t, "")
	l := startLauncher(t, b, "")
	require.Eventually(t, func() bool { return b.online("laptop") }, 2*time.Second, 10*time.Millisecond)

	b.place(t, "s1")
	require.Eventually(t, func() bool { return b.status("s1") == model.StatusRunning }, 2*time.Second, 10*time.Millisecond)
	proc := l.starter.Last()
	proc.Emit("before")
	require.Eventually(t, func() bool {
		return b.sup.Buffer().LastSeq("s1", msgbuf.ChannelOutput) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// the broker gives up on the launcher; the launcher redials
	b.hub.Sweep(time.Now().Add(time.Hour))
	assert.False(t, b.sup.Tracked("s1"))
	assert.Equal(t, model.StatusRunning, b.status("s1"))

	require.Eventually(t, func() bool { return b.sup.Tracked("s1") }, 2*time.Second, 10*time.Millisecond)

	v := testutil.NewViewer("v1")
	hist, err := b.sup.Attach(b.ctx, "s1", v)
	require.NoError(t, err)
	proc.Emit("after")
	require.Eventually(t, func() bool { return len(v.Frames()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Greater(t, v.Frames()[0].Seq, hist.OutputSeq)
	assert.Equal(t, "after", string(v.Frames()[0].Data))
}

func TestRestartedLauncherReattachesDetachedSessions(t *testing.T) {
	b := newBroker(t, "")
	starter := &testutil.FakeStarter{}
	bridge := mux.NewMemoryBridge(starter)

	first := startLauncherOn(t, b, "", bridge, starter)
	require.Eventually(t, func() bool { return b.online("laptop") }, 2*time.Second, 10*time.Millisecond)
	b.place(t, "s1")
	require.Eventually(t, func() bool { return b.status("s1") == model.StatusRunning }, 2*time.Second, 10*time.Millisecond)
	proc := starter.Last()

	// the launcher process goes away; its handle stays on the multiplexer
	first.stop()
	require.Eventually(t, func() bool { return !b.sup.Tracked("s1") }, 2*time.Second, 10*time.Millisecond)
	alive, err := bridge.Exists(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, alive)
	assert.Equal(t, model.StatusRunning, b.status("s1"))

	second := startLauncherOn(t, b, "", bridge, starter)
	require.Eventually(t, func() bool { return b.sup.Tracked("s1") }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, second.daemon.Supervisor().Tracked("s1"))
	assert.True(t, bridge.Attached("s1"))

	v := testutil.NewViewer("v1")
	_, err = b.sup.Attach(b.ctx, "s1", v)
	require.NoError(t, err)
	proc.Emit("after")
	require.Eventually(t, func() bool { return len(v.Frames()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "after", string(v.Frames()[0].Data))

	ok, err := b.sup.Kill(b.ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.StatusKilled, b.status("s1"))
	require.Eventually(t, func() bool { return proc.Kills() >= 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		alive, _ := bridge.Exists(context.Background(), "s1")
		return !alive
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReattachDetachedSkipsWithoutMultiplexer(t *testing.T) {
	cfg := config.DefaultLauncherConfig()
	cfg.Session = sessionConfig()
	d := New(Options{Config: cfg, Starter: &testutil.FakeStarter{}})
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })

	assert.Empty(t, d.ReattachDetached(context.Background()))
	assert.Empty(t, d.Supervisor().ActiveIDs())
}

func TestRejectedRegistration(t *testing.T) {
	b := newBroker(t, "secret")
	cfg := config.DefaultLauncherConfig()
	cfg.Session = sessionConfig()
	cfg.BrokerURL = b.url
	cfg.Token = "wrong"
	d := New(Options{Config: cfg, Starter: &testutil.FakeStarter{}})
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })

	registered, err := d.connect(context.Background())
	assert.False(t, registered)
	require.True(t, errors.Is(err, ErrRejected), "err: %v", err)
	assert.Contains(t, err.Error(), model.ErrCodeUnauthorized)
}

func TestLaunchFailureIsReported(t *testing.T) {
	cfg := config.DefaultLauncherConfig()
	cfg.Session = sessionConfig()
	d := New(Options{Config: cfg, Starter: &testutil.FakeStarter{}})
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })

	err := d.launch(context.Background(), launcher.LaunchPayload{SessionID: "s1", Profile: "bogus"})
	require.ErrorIs(t, err, model.ErrInvalidRequest)

	r, ok := d.outbox.peek()
	require.True(t, ok)
	assert.Equal(t, launcher.TypeSessionEnded, r.Type)
	ended := r.Payload.(launcher.SessionEndedPayload)
	assert.Equal(t, model.StatusFailed, ended.Status)
	assert.Equal(t, model.FailSpawn, ended.Reason)
}

func TestOutboxDropsOutputBeforeLifecycleReports(t *testing.T) {
	o := newOutbox(3, nil)
	o.push(report{Type: launcher.TypeSessionStarted})
	o.push(report{Type: launcher.TypeSessionOutput, Payload: 1})
	o.push(report{Type: launcher.TypeSessionOutput, Payload: 2})
	o.push(report{Type: launcher.TypeSessionEnded})

	assert.Equal(t, 3, o.len())
	assert.Equal(t, uint64(1), o.droppedCount())
	var got []launcher.MessageType
	for {
		r, ok := o.peek()
		if !ok {
			break
		}
		got = append(got, r.Type)
		o.pop()
	}
	assert.Equal(t, []launcher.MessageType{launcher.TypeSessionStarted, launcher.TypeSessionOutput, launcher.TypeSessionEnded}, got)
}

func TestFullOutboxCountsDroppedReports(t *testing.T) {
	cfg := config.DefaultLauncherConfig()
	cfg.Session = sessionConfig()
	cfg.OutboundQueue = 2
	m := metrics.New()
	d := New(Options{Config: cfg, Starter: &testutil.FakeStarter{}, Metrics: m})
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })

	for seq := range 3 {
		d.outbox.push(report{Type: launcher.TypeSessionOutput, Payload: seq})
	}
	assert.Equal(t, 2, d.outbox.len())
	assert.Equal(t, uint64(1), d.outbox.droppedCount())

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	var dropped float64
	for _, mf := range families {
		if mf.GetName() == "agtbroker_launcher_reports_dropped_total" {
			dropped = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(1), dropped)
}

func TestJitterStaysWithinBounds(t *testing.T) {
	for range 100 {
		got := jitter(time.Second)
		assert.GreaterOrEqual(t, got, 500*time.Millisecond)
		assert.Less(t, got, time.Second)
	}
	assert.Equal(t, time.Duration(1), jitter(1))
}
