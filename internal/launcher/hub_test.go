package launcher

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/agtbroker/internal/model"
	brokertest "github.com/g960059/agtbroker/internal/testutil"
)

type hubFixture struct {
	*routerFixture
	hub *Hub
	url string
}

func newHubFixture(t *testing.T, token string) *hubFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rf := newRouterFixture(t, nil)
	rf.now = time.Now().UTC()
	rf.router.now = time.Now
	hub := NewHub(HubOptions{
		Registry:         rf.reg,
		Sessions:         rf.sup,
		Store:            rf.store,
		Token:            token,
		HeartbeatTimeout: 30 * time.Second,
		Metrics:          rf.metrics,
	})
	r := gin.New()
	r.GET("/v1/launchers/connect", hub.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &hubFixture{routerFixture: rf, hub: hub, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/launchers/connect"}
}

func (f *hubFixture) connect(t *testing.T, reg RegisterPayload) (*Link, Envelope) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	link := NewLink(conn)
	t.Cleanup(func() { _ = link.Close() })
	require.NoError(t, link.Send(TypeRegister, reg))
	env, err := link.Receive(2 * time.Second)
	require.NoError(t, err)
	return link, env
}

func (f *hubFixture) placeOn(t *testing.T, launcherID, sessionID string, link *Link) {
	t.Helper()
	req := spawnReq(sessionID)
	req.LauncherID = launcherID
	_, placement, err := f.router.Spawn(f.ctx, req)
	require.NoError(t, err)
	require.Equal(t, launcherID, placement.LauncherID)

	env, err := link.Receive(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, TypeLaunch, env.Type)
	var launch LaunchPayload
	require.NoError(t, env.Decode(&launch))
	require.Equal(t, sessionID, launch.SessionID)
}

func (f *hubFixture) status(id string) model.Status {
	rec, err := f.store.GetSession(f.ctx, id)
	if err != nil {
		return ""
	}
	return rec.Status
}

func TestHubAppliesLauncherReports(t *testing.T) {
	f := newHubFixture(t, "secret")
	link, env := f.connect(t, RegisterPayload{ID: "gpu-1", Name: "gpu box", Token: "secret", Capacity: 4})
	require.Equal(t, TypeRegistered, env.Type)
	var ack RegisteredPayload
	require.NoError(t, env.Decode(&ack))
	assert.Equal(t, "gpu-1", ack.LauncherID)
	assert.Equal(t, 30*time.Second, ack.HeartbeatTimeout)

	f.placeOn(t, "gpu-1", "s1", link)
	v := brokertest.NewViewer("v1")
	_, err := f.sup.Attach(f.ctx, "s1", v)
	require.NoError(t, err)

	require.NoError(t, link.Send(TypeSessionStarted, SessionStartedPayload{SessionID: "s1", PID: 99, MuxName: "s1"}))
	require.NoError(t, link.Send(TypeSessionOutput, SessionOutputPayload{SessionID: "s1", Seq: 1, Data: []byte("hello")}))
	require.NoError(t, link.Send(TypeSessionOutput, SessionOutputPayload{SessionID: "s1", Seq: 1, Data: []byte("hello")}))
	code := 0
	require.NoError(t, link.Send(TypeSessionEnded, SessionEndedPayload{SessionID: "s1", ExitCode: &code, Status: model.StatusCompleted}))

	require.Eventually(t, func() bool { return f.status("s1") == model.StatusCompleted }, 2*time.Second, 10*time.Millisecond)
	frames := v.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, "hello", string(frames[0].Data))
	assert.Equal(t, uint64(2), frames[1].Seq)

	rec, err := f.store.GetSession(f.ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 99, rec.PID)
	assert.Equal(t, "gpu-1", rec.LauncherID)
}

func TestHubRejectsWrongToken(t *testing.T) {
	f := newHubFixture(t, "secret")
	_, env := f.connect(t, RegisterPayload{ID: "gpu-1", Token: "guess"})
	require.Equal(t, TypeError, env.Type)
	var p ErrorPayload
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, model.ErrCodeUnauthorized, p.Code)

	_, ok := f.reg.Link("gpu-1")
	assert.False(t, ok)
}

func TestHubReleasesAndReadoptsSessions(t *testing.T) {
	f := newHubFixture(t, "")
	link, _ := f.connect(t, RegisterPayload{ID: "gpu-1"})
	f.placeOn(t, "gpu-1", "s1", link)
	require.NoError(t, link.Send(TypeSessionStarted, SessionStartedPayload{SessionID: "s1", PID: 7}))
	require.NoError(t, link.Send(TypeSessionOutput, SessionOutputPayload{SessionID: "s1", Seq: 1, Data: []byte("a")}))
	require.Eventually(t, func() bool { return f.status("s1") == model.StatusRunning }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, link.Close())
	require.Eventually(t, func() bool { return !f.sup.Tracked("s1") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.StatusRunning, f.status("s1"), "orphaned record stays running")

	// the launcher comes back still running s1
	again, env := f.connect(t, RegisterPayload{ID: "gpu-1", Sessions: []string{"s1"}})
	require.Equal(t, TypeRegistered, env.Type)
	require.Eventually(t, func() bool { return f.sup.Tracked("s1") }, 2*time.Second, 10*time.Millisecond)

	v := brokertest.NewViewer("v1")
	hist, err := f.sup.Attach(f.ctx, "s1", v)
	require.NoError(t, err)
	before := hist.OutputSeq
	assert.GreaterOrEqual(t, before, uint64(1))

	require.NoError(t, again.Send(TypeSessionOutput, SessionOutputPayload{SessionID: "s1", Seq: 2, Data: []byte("b")}))
	require.Eventually(t, func() bool { return len(v.Frames()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Greater(t, v.Frames()[0].Seq, before)

	// kills go back over the new connection
	_, err = f.sup.Kill(f.ctx, "s1")
	require.NoError(t, err)
	kill, err := again.Receive(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, TypeKill, kill.Type)
}

func TestHubSweepDropsSilentLauncher(t *testing.T) {
	f := newHubFixture(t, "")
	link, _ := f.connect(t, RegisterPayload{ID: "gpu-1"})
	f.placeOn(t, "gpu-1", "s1", link)

	removed := f.hub.Sweep(time.Now().Add(time.Hour))
	assert.Equal(t, []string{"gpu-1"}, removed)
	assert.False(t, f.sup.Tracked("s1"))

	_, err := link.Receive(2 * time.Second)
	require.Error(t, err)

	// placements now stay local
	req := spawnReq("s2")
	req.LauncherID = "gpu-1"
	_, placement, err := f.router.Spawn(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, placement.Local())
}
