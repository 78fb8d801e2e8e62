package supervisor_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/agtbroker/internal/api"
	"github.com/g960059/agtbroker/internal/config"
	"github.com/g960059/agtbroker/internal/db"
	"github.com/g960059/agtbroker/internal/model"
	"github.com/g960059/agtbroker/internal/mux"
	"github.com/g960059/agtbroker/internal/supervisor"
	"github.com/g960059/agtbroker/internal/testutil"
)

type harness struct {
	ctx     context.Context
	store   *db.Store
	starter *testutil.FakeStarter
	bridge  *mux.MemoryBridge
	sup     *supervisor.Supervisor
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Shell = "/bin/sh"
	cfg.AgentBinary = "claude"
	cfg.FlushInterval = 0
	cfg.HealthCheckDelay = 0
	cfg.IdleAfter = 0
	cfg.BufferRetainAfterExit = 0
	return cfg
}

func newHarness(t *testing.T, cfg config.Config, withBridge bool) *harness {
	t.Helper()
	store, ctx := testutil.NewStore(t)
	h := &harness{ctx: ctx, store: store, starter: &testutil.FakeStarter{}}
	opts := supervisor.Options{Config: cfg, Store: store, Starter: h.starter}
	if withBridge {
		h.bridge = mux.NewMemoryBridge(h.starter)
		opts.Bridge = h.bridge
	}
	h.sup = supervisor.New(opts)
	t.Cleanup(func() {
		_ = h.sup.Shutdown(context.Background())
	})
	return h
}

func (h *harness) spawn(t *testing.T, req supervisor.SpawnRequest) *testutil.FakeProcess {
	t.Helper()
	_, err := h.sup.Spawn(h.ctx, req)
	require.NoError(t, err)
	proc := h.starter.Last()
	require.NotNil(t, proc)
	return proc
}

func (h *harness) record(t *testing.T, id string) model.Session {
	t.Helper()
	rec, err := h.store.GetSession(h.ctx, id)
	require.NoError(t, err)
	return rec
}

// status is safe to call from Eventually conditions.
func (h *harness) status(id string) model.Status {
	rec, err := h.store.GetSession(h.ctx, id)
	if err != nil {
		return ""
	}
	return rec.Status
}

func frameSeqs(frames []api.Frame) []uint64 {
	out := make([]uint64, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Seq)
	}
	return out
}

func TestSpawnPlainCommandCompletes(t *testing.T) {
	h := newHarness(t, testConfig(), false)

	rec, err := h.sup.Spawn(h.ctx, supervisor.SpawnRequest{
		SessionID: "s1",
		Command:   "echo hi",
		Cwd:       t.TempDir(),
		Profile:   model.ProfilePlain,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, rec.Status)
	assert.Equal(t, model.StatusRunning, h.record(t, "s1").Status)
	assert.Empty(t, rec.MuxName)

	proc := h.starter.Last()
	require.NotNil(t, proc)
	assert.Equal(t, "/bin/sh", proc.Command().Path)
	assert.Equal(t, []string{"-c", "echo hi"}, proc.Command().Args)
	assert.Contains(t, proc.Command().Env, supervisor.SessionEnvVar+"=s1")

	v := testutil.NewViewer("v1")
	_, err = h.sup.Attach(h.ctx, "s1", v)
	require.NoError(t, err)

	proc.Emit("hi\r\n")
	proc.Exit(0)

	final := h.record(t, "s1")
	assert.Equal(t, model.StatusCompleted, final.Status)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 0, *final.ExitCode)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, "hi\r\n", string(final.OutputTail))
	assert.Equal(t, uint64(2), final.OutputSeq)

	last, ok := v.LastFrame()
	require.True(t, ok)
	assert.Equal(t, api.FrameExit, last.Kind)
	assert.Equal(t, model.StatusCompleted, last.Status)
	require.NotNil(t, last.ExitCode)
	assert.Equal(t, 0, *last.ExitCode)
	assert.Equal(t, []uint64{1, 2}, frameSeqs(v.Frames()))
	assert.False(t, h.sup.Tracked("s1"))
}

func TestNonZeroExitFails(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	proc := h.spawn(t, supervisor.SpawnRequest{SessionID: "s1", Profile: model.ProfilePlain})

	proc.Exit(3)

	rec := h.record(t, "s1")
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, model.FailExitNonZero, rec.FailReason)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 3, *rec.ExitCode)
}

func TestStartupHealthCheckKillsSilentAgent(t *testing.T) {
	for _, withBridge := range []bool{false, true} {
		t.Run(fmt.Sprintf("bridge=%v", withBridge), func(t *testing.T) {
			cfg := testConfig()
			cfg.HealthCheckDelay = 30 * time.Millisecond
			h := newHarness(t, cfg, withBridge)

			proc := h.spawn(t, supervisor.SpawnRequest{SessionID: "s2", Command: "fix the bug", Profile: model.ProfileAuto})
			assert.Equal(t, "claude", proc.Command().Path)
			assert.Equal(t, []string{"--permission-mode", "acceptEdits", "fix the bug"}, proc.Command().Args)

			require.Eventually(t, func() bool {
				return h.status("s2") == model.StatusFailed
			}, 2*time.Second, 10*time.Millisecond)

			rec := h.record(t, "s2")
			assert.Equal(t, model.FailHealthCheck, rec.FailReason)
			assert.Equal(t, 1, proc.Kills())

			time.Sleep(50 * time.Millisecond)
			assert.Equal(t, 1, proc.Kills())
			assert.Equal(t, model.StatusFailed, h.record(t, "s2").Status)
		})
	}
}

func TestStartupHealthCheckPassesOnPrompt(t *testing.T) {
	cfg := testConfig()
	cfg.HealthCheckDelay = 20 * time.Millisecond
	h := newHarness(t, cfg, false)

	proc := h.spawn(t, supervisor.SpawnRequest{SessionID: "s2", Profile: model.ProfileYolo})
	assert.Equal(t, []string{"--dangerously-skip-permissions"}, proc.Command().Args)
	proc.Emit("? for shortcuts")

	require.Eventually(t, func() bool {
		st, err := h.sup.Status(h.ctx, "s2")
		return err == nil && st.Healthy != nil
	}, 2*time.Second, 10*time.Millisecond)

	st, err := h.sup.Status(h.ctx, "s2")
	require.NoError(t, err)
	assert.True(t, *st.Healthy)
	assert.Equal(t, model.StatusRunning, st.Status)
	assert.Equal(t, 0, proc.Kills())
}

func TestKillSucceedsWhenMultiplexerHandleIsGone(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	h.bridge.KillErr = errors.New("can't find session: s4")

	proc := h.spawn(t, supervisor.SpawnRequest{SessionID: "s4", Profile: model.ProfileInteractive})
	assert.Equal(t, "s4", h.record(t, "s4").MuxName)

	ok, err := h.sup.Kill(h.ctx, "s4")
	require.NoError(t, err)
	assert.True(t, ok)

	rec := h.record(t, "s4")
	assert.Equal(t, model.StatusKilled, rec.Status)
	assert.NotNil(t, rec.CompletedAt)
	assert.Equal(t, 1, proc.Kills())
}

func TestKillIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	proc := h.spawn(t, supervisor.SpawnRequest{SessionID: "s4", Profile: model.ProfilePlain})
	v := testutil.NewViewer("v1")
	_, err := h.sup.Attach(h.ctx, "s4", v)
	require.NoError(t, err)

	ok, err := h.sup.Kill(h.ctx, "s4")
	require.NoError(t, err)
	assert.True(t, ok)
	frames := len(v.Frames())

	ok, err = h.sup.Kill(h.ctx, "s4")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, proc.Kills())
	assert.Len(t, v.Frames(), frames)
	assert.Equal(t, model.StatusKilled, h.record(t, "s4").Status)

	_, err = h.sup.Kill(h.ctx, "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestKillUntrackedRecord(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	testutil.SeedRunning(t, h.store, h.ctx, "orphan", 10, "old")

	ok, err := h.sup.Kill(h.ctx, "orphan")
	require.NoError(t, err)
	assert.True(t, ok)
	rec := h.record(t, "orphan")
	assert.Equal(t, model.StatusKilled, rec.Status)
	assert.Equal(t, uint64(11), rec.OutputSeq)
}

func TestSequencedInputAppliedOnce(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	proc := h.spawn(t, supervisor.SpawnRequest{SessionID: "s5", Profile: model.ProfileInteractive})

	apply := func(seq uint64, in supervisor.Input) api.InputResult {
		t.Helper()
		res, err := h.sup.ApplyInput(h.ctx, "s5", seq, in)
		require.NoError(t, err)
		return res
	}
	write := func(s string) supervisor.Input {
		return supervisor.Input{Kind: api.InputWrite, Data: []byte(s)}
	}

	assert.Equal(t, api.InputApplied, apply(1, write("ls\r")))
	assert.Equal(t, api.InputDuplicate, apply(1, write("ls\r")))
	assert.Equal(t, api.InputApplied, apply(2, write("pwd\r")))
	assert.Equal(t, api.InputDuplicate, apply(2, write("pwd\r")))
	assert.Equal(t, api.InputDuplicate, apply(1, write("ls\r")))

	require.Eventually(t, func() bool { return proc.WriteCount() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	writes := proc.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, "ls\r", string(writes[0]))
	assert.Equal(t, "pwd\r", string(writes[1]))

	assert.Equal(t, api.InputApplied, apply(3, supervisor.Input{Kind: api.InputResize, Cols: 100, Rows: 30}))
	require.Eventually(t, func() bool { return len(proc.Resizes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [2]uint16{100, 30}, proc.Resizes()[0])

	assert.Equal(t, api.InputApplied, apply(4, supervisor.Input{Kind: api.InputKill}))
	assert.Equal(t, model.StatusKilled, h.record(t, "s5").Status)
	assert.Equal(t, api.InputNotRunning, apply(5, write("x")))

	_, err := h.sup.ApplyInput(h.ctx, "missing", 1, write("x"))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestViewersSeeIdenticalSequence(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	proc := h.spawn(t, supervisor.SpawnRequest{SessionID: "s3", Profile: model.ProfilePlain})

	v1 := testutil.NewViewer("v1")
	hist, err := h.sup.Attach(h.ctx, "s3", v1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, hist.Status)
	proc.Emit("a")

	v2 := testutil.NewViewer("v2")
	hist, err = h.sup.Attach(h.ctx, "s3", v2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), hist.OutputSeq)
	assert.Equal(t, "a", string(hist.Data))

	proc.Emit("b")
	proc.Emit("c")

	assert.Equal(t, api.MsgHistory, v1.Messages()[0].Type)
	assert.Equal(t, api.MsgHistory, v2.Messages()[0].Type)
	assert.Equal(t, []uint64{1, 2, 3}, frameSeqs(v1.Frames()))
	assert.Equal(t, []uint64{2, 3}, frameSeqs(v2.Frames()))
}

func TestFailingViewerIsDroppedAlone(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	proc := h.spawn(t, supervisor.SpawnRequest{SessionID: "s3", Profile: model.ProfilePlain})

	good := testutil.NewViewer("good")
	bad := testutil.NewViewer("bad")
	_, err := h.sup.Attach(h.ctx, "s3", good)
	require.NoError(t, err)
	_, err = h.sup.Attach(h.ctx, "s3", bad)
	require.NoError(t, err)

	bad.SetFail(true)
	proc.Emit("x")
	bad.SetFail(false)
	proc.Emit("y")

	assert.Equal(t, []uint64{1, 2}, frameSeqs(good.Frames()))
	assert.Empty(t, bad.Frames())
	assert.Len(t, h.sup.Replay("s3", 0), 2)
}

func TestOutputTailKeepsNewestBytes(t *testing.T) {
	cfg := testConfig()
	cfg.OutputTailBytes = 8
	h := newHarness(t, cfg, false)
	proc := h.spawn(t, supervisor.SpawnRequest{SessionID: "s6", Profile: model.ProfilePlain})

	proc.Emit("abcdef")
	proc.Emit("ghijkl")

	v := testutil.NewViewer("v")
	hist, err := h.sup.Attach(h.ctx, "s6", v)
	require.NoError(t, err)
	assert.Equal(t, "efghijkl", string(hist.Data))

	st, err := h.sup.Status(h.ctx, "s6")
	require.NoError(t, err)
	assert.Equal(t, int64(12), st.TotalBytes)

	proc.Emit("0123456789ab")
	proc.Exit(0)
	assert.Equal(t, "456789ab", string(h.record(t, "s6").OutputTail))
}

func TestWriteToInactiveSessionIsNoop(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	proc := h.spawn(t, supervisor.SpawnRequest{SessionID: "s1", Profile: model.ProfilePlain})
	proc.Exit(0)

	require.NoError(t, h.sup.Write(h.ctx, "s1", []byte("late")))
	require.NoError(t, h.sup.Resize(h.ctx, "s1", 80, 24))
	assert.Zero(t, proc.WriteCount())

	assert.ErrorIs(t, h.sup.Write(h.ctx, "unknown", []byte("x")), model.ErrNotFound)
	assert.ErrorIs(t, h.sup.Resize(h.ctx, "s1", 0, 24), model.ErrInvalidRequest)
}

func TestInputStateTransitions(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	h.spawn(t, supervisor.SpawnRequest{SessionID: "s8", Cwd: "/work", Profile: model.ProfileInteractive})
	v := testutil.NewViewer("v")
	_, err := h.sup.Attach(h.ctx, "s8", v)
	require.NoError(t, err)

	require.NoError(t, h.sup.SetInputState(h.ctx, "s8", model.InputWaiting))
	last, ok := v.LastFrame()
	require.True(t, ok)
	assert.Equal(t, api.FrameInputState, last.Kind)
	assert.Equal(t, model.InputWaiting, last.InputState)

	waiting := h.sup.Waiting(h.ctx)
	require.Contains(t, waiting, "s8")
	assert.Equal(t, model.InputWaiting, waiting["s8"].InputState)
	assert.Equal(t, "s8", waiting["s8"].PaneTitle)
	assert.Equal(t, "/work", waiting["s8"].PanePath)

	require.NoError(t, h.sup.Write(h.ctx, "s8", []byte("\x1b[A")))
	assert.Len(t, v.Frames(), 1)

	require.NoError(t, h.sup.Write(h.ctx, "s8", []byte("y")))
	last, _ = v.LastFrame()
	assert.Equal(t, model.InputActive, last.InputState)
	assert.Empty(t, h.sup.Waiting(h.ctx))

	assert.ErrorIs(t, h.sup.SetInputState(h.ctx, "s8", "bored"), model.ErrInvalidRequest)
	assert.ErrorIs(t, h.sup.SetInputState(h.ctx, "nope", model.InputWaiting), model.ErrNotFound)
}

func TestQuietSessionGoesIdle(t *testing.T) {
	cfg := testConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	cfg.IdleAfter = 30 * time.Millisecond
	h := newHarness(t, cfg, false)
	proc := h.spawn(t, supervisor.SpawnRequest{SessionID: "s9", Profile: model.ProfilePlain})

	require.Eventually(t, func() bool {
		st, err := h.sup.Status(h.ctx, "s9")
		return err == nil && st.InputState == model.InputIdle
	}, 2*time.Second, 10*time.Millisecond)

	proc.Emit("working")
	st, err := h.sup.Status(h.ctx, "s9")
	require.NoError(t, err)
	assert.Equal(t, model.InputActive, st.InputState)
}

func TestProgressFlushedPeriodically(t *testing.T) {
	cfg := testConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	h := newHarness(t, cfg, false)
	proc := h.spawn(t, supervisor.SpawnRequest{SessionID: "s10", Profile: model.ProfilePlain})

	proc.Emit("hello")
	require.Eventually(t, func() bool {
		rec, err := h.store.GetSession(h.ctx, "s10")
		return err == nil && string(rec.OutputTail) == "hello"
	}, 2*time.Second, 10*time.Millisecond)

	rec := h.record(t, "s10")
	assert.Equal(t, int64(5), rec.TotalBytes)
	// the durable counter runs ahead of what viewers have seen
	assert.Greater(t, rec.OutputSeq, uint64(1))
}

func TestReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	proc := h.spawn(t, supervisor.SpawnRequest{SessionID: "s11", Profile: model.ProfilePlain})
	for _, chunk := range []string{"a", "b", "c", "d"} {
		proc.Emit(chunk)
	}

	first := h.sup.Replay("s11", 1)
	second := h.sup.Replay("s11", 1)
	require.Len(t, first, 3)
	assert.Equal(t, first, second)
	assert.Equal(t, uint64(2), first[0].Seq)

	assert.Equal(t, 2, h.sup.Ack("s11", 2))
	assert.Len(t, h.sup.Replay("s11", 0), 2)
}

func TestRespawnContinuesSequence(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	proc := h.spawn(t, supervisor.SpawnRequest{SessionID: "s12", Profile: model.ProfilePlain})
	proc.Emit("one")
	proc.Exit(0)

	v := testutil.NewViewer("v")
	hist, err := h.sup.Attach(h.ctx, "s12", v)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, hist.Status)
	assert.Equal(t, uint64(2), hist.OutputSeq)

	proc = h.spawn(t, supervisor.SpawnRequest{SessionID: "s12", Profile: model.ProfilePlain})
	proc.Emit("two")

	assert.Equal(t, []uint64{3}, frameSeqs(v.Frames()))
	assert.Equal(t, model.StatusRunning, h.record(t, "s12").Status)
}

func TestSpawnRejectsRunningSession(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	h.spawn(t, supervisor.SpawnRequest{SessionID: "s13", Profile: model.ProfilePlain})

	_, err := h.sup.Spawn(h.ctx, supervisor.SpawnRequest{SessionID: "s13", Profile: model.ProfilePlain})
	assert.ErrorIs(t, err, model.ErrAlreadyRunning)

	testutil.SeedRunning(t, h.store, h.ctx, "s14", 5, "")
	_, err = h.sup.Spawn(h.ctx, supervisor.SpawnRequest{SessionID: "s14", Profile: model.ProfilePlain})
	assert.ErrorIs(t, err, model.ErrAlreadyRunning)

	_, err = h.sup.Spawn(h.ctx, supervisor.SpawnRequest{SessionID: "s15", Profile: "root"})
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
}

func TestSpawnFailureNotifiesPendingViewers(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	proc := h.spawn(t, supervisor.SpawnRequest{SessionID: "s16", Profile: model.ProfilePlain})
	proc.Exit(0)

	v := testutil.NewViewer("v")
	_, err := h.sup.Attach(h.ctx, "s16", v)
	require.NoError(t, err)

	h.starter.Err = errors.New("fork/exec: no such file")
	_, err = h.sup.Spawn(h.ctx, supervisor.SpawnRequest{SessionID: "s16", Profile: model.ProfilePlain})
	require.ErrorIs(t, err, model.ErrSpawnFailure)

	last, ok := v.LastFrame()
	require.True(t, ok)
	assert.Equal(t, api.FrameExit, last.Kind)
	assert.Equal(t, model.StatusFailed, last.Status)

	rec := h.record(t, "s16")
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, model.FailSpawn, rec.FailReason)
}

func TestAttachUntrackedRunningSession(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	testutil.SeedRunning(t, h.store, h.ctx, "ghost", 3, "")

	_, err := h.sup.Attach(h.ctx, "ghost", testutil.NewViewer("v"))
	assert.ErrorIs(t, err, supervisor.ErrUntracked)

	_, err = h.sup.Attach(h.ctx, "missing", testutil.NewViewer("v"))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestShutdownDetachesMultiplexerSessions(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	h.spawn(t, supervisor.SpawnRequest{SessionID: "kept", Profile: model.ProfilePlain})

	require.NoError(t, h.sup.Shutdown(h.ctx))

	assert.Equal(t, model.StatusRunning, h.record(t, "kept").Status)
	alive, err := h.bridge.Exists(h.ctx, "kept")
	require.NoError(t, err)
	assert.True(t, alive)

	_, err = h.sup.Spawn(h.ctx, supervisor.SpawnRequest{SessionID: "late", Profile: model.ProfilePlain})
	assert.ErrorIs(t, err, supervisor.ErrClosed)
}

func TestShutdownKillsDirectSessions(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	proc := h.spawn(t, supervisor.SpawnRequest{SessionID: "direct", Profile: model.ProfilePlain})

	require.NoError(t, h.sup.Shutdown(h.ctx))

	assert.Equal(t, model.StatusKilled, h.record(t, "direct").Status)
	assert.Equal(t, 1, proc.Kills())
}

func TestHealthReportsActiveSessions(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	h.spawn(t, supervisor.SpawnRequest{SessionID: "b", Profile: model.ProfilePlain})
	h.spawn(t, supervisor.SpawnRequest{SessionID: "a", Profile: model.ProfilePlain})

	health := h.sup.Health()
	assert.True(t, health.MultiplexerAvailable)
	assert.Equal(t, []string{"a", "b"}, health.ActiveSessionIDs)
}

func TestReattachDetachesStaleClient(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	testutil.SeedRunning(t, h.store, h.ctx, "s1", 5, "prior")

	// an attach client left behind by a broker that died
	var stale []mux.ExitStatus
	_, err := h.bridge.SpawnUnder(h.ctx, "s1", mux.Command{Path: "claude"}, mux.Callbacks{
		OnExit: func(st mux.ExitStatus) { stale = append(stale, st) },
	})
	require.NoError(t, err)
	proc := h.starter.Last()

	rec := h.record(t, "s1")
	require.NoError(t, h.sup.Reattach(h.ctx, rec))
	assert.Equal(t, []mux.ExitStatus{{Detached: true}}, stale)
	assert.True(t, h.bridge.Attached("s1"))
	assert.True(t, h.sup.Tracked("s1"))

	require.NoError(t, h.sup.Write(h.ctx, "s1", []byte("ls\r")))
	require.Eventually(t, func() bool { return proc.WriteCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}
