package supervisor_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/agtbroker/internal/api"
	"github.com/g960059/agtbroker/internal/model"
	"github.com/g960059/agtbroker/internal/mux"
	"github.com/g960059/agtbroker/internal/supervisor"
	"github.com/g960059/agtbroker/internal/testutil"
)

// remoteProc stands in for the launcher connection proxy.
func remoteProc(t *testing.T, h *harness) *testutil.FakeProcess {
	t.Helper()
	p, err := h.starter.Start(mux.Command{}, mux.Callbacks{})
	require.NoError(t, err)
	return p.(*testutil.FakeProcess)
}

func TestRemoteSessionLifecycle(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	proxy := remoteProc(t, h)

	rec, err := h.sup.PlaceRemote(h.ctx, supervisor.SpawnRequest{SessionID: "r1", Profile: model.ProfileAuto}, "gpu-1", proxy)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.Equal(t, "gpu-1", rec.LauncherID)
	assert.Empty(t, rec.MuxName)

	v := testutil.NewViewer("v")
	_, err = h.sup.Attach(h.ctx, "r1", v)
	require.NoError(t, err)

	require.NoError(t, h.sup.RemoteStarted(h.ctx, "r1", 77, "r1"))
	stored := h.record(t, "r1")
	assert.Equal(t, model.StatusRunning, stored.Status)
	assert.Equal(t, 77, stored.PID)

	h.sup.RemoteOutput("r1", 1, []byte("a"))
	h.sup.RemoteOutput("r1", 1, []byte("a"))
	h.sup.RemoteOutput("r1", 2, []byte("b"))
	frames := v.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, "a", string(frames[0].Data))
	assert.Equal(t, "b", string(frames[1].Data))

	require.NoError(t, h.sup.Write(h.ctx, "r1", []byte("y\r")))
	require.Eventually(t, func() bool { return proxy.WriteCount() == 1 }, time.Second, 5*time.Millisecond)

	code := 0
	h.sup.RemoteExited(h.ctx, "r1", &code, "", "")
	final := h.record(t, "r1")
	assert.Equal(t, model.StatusCompleted, final.Status)
	last, _ := v.LastFrame()
	assert.Equal(t, api.FrameExit, last.Kind)
	assert.Equal(t, uint64(3), last.Seq)
}

func TestRemoteKillForwardsToLauncher(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	proxy := remoteProc(t, h)
	_, err := h.sup.PlaceRemote(h.ctx, supervisor.SpawnRequest{SessionID: "r2"}, "gpu-1", proxy)
	require.NoError(t, err)
	require.NoError(t, h.sup.RemoteStarted(h.ctx, "r2", 1, "r2"))

	ok, err := h.sup.Kill(h.ctx, "r2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, proxy.Kills())
	assert.Equal(t, model.StatusKilled, h.record(t, "r2").Status)

	// a late report from the launcher does not overwrite the kill
	code := 137
	h.sup.RemoteExited(h.ctx, "r2", &code, model.StatusFailed, model.FailExitNonZero)
	assert.Equal(t, model.StatusKilled, h.record(t, "r2").Status)
}

func TestReleaseLauncherOrphansRecords(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	proxy := remoteProc(t, h)
	_, err := h.sup.PlaceRemote(h.ctx, supervisor.SpawnRequest{SessionID: "r3"}, "gpu-1", proxy)
	require.NoError(t, err)
	require.NoError(t, h.sup.RemoteStarted(h.ctx, "r3", 1, "r3"))
	h.sup.RemoteOutput("r3", 1, []byte("before"))

	v := testutil.NewViewer("v")
	_, err = h.sup.Attach(h.ctx, "r3", v)
	require.NoError(t, err)

	assert.Equal(t, []string{"r3"}, h.sup.ReleaseLauncher("gpu-1"))
	assert.False(t, h.sup.Tracked("r3"))
	rec := h.record(t, "r3")
	assert.Equal(t, model.StatusRunning, rec.Status)
	assert.Equal(t, "before", string(rec.OutputTail))

	_, err = h.sup.Attach(h.ctx, "r3", testutil.NewViewer("late"))
	assert.ErrorIs(t, err, supervisor.ErrUntracked)

	assert.True(t, h.sup.AdoptRemote(h.ctx, rec, proxy))
	assert.False(t, h.sup.AdoptRemote(h.ctx, rec, proxy))
	assert.Equal(t, []string{"r3"}, h.sup.RemoteSessions("gpu-1"))

	h.sup.RemoteOutput("r3", 1, []byte("after"))
	last, ok := v.LastFrame()
	require.True(t, ok)
	assert.Equal(t, "after", string(last.Data))
	assert.Greater(t, last.Seq, uint64(1))
}

func TestAbandonedRemotePlacementSpawnsLocally(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	proxy := remoteProc(t, h)
	_, err := h.sup.PlaceRemote(h.ctx, supervisor.SpawnRequest{SessionID: "r4", Profile: model.ProfilePlain}, "gpu-1", proxy)
	require.NoError(t, err)

	h.sup.AbandonRemote("r4")
	assert.False(t, h.sup.Tracked("r4"))

	rec, err := h.sup.Spawn(h.ctx, supervisor.SpawnRequest{SessionID: "r4", Profile: model.ProfilePlain})
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, rec.Status)
	assert.Empty(t, rec.LauncherID)
	assert.Empty(t, h.record(t, "r4").LauncherID)
}
