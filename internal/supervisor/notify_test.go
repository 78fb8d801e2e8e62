package supervisor_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/agtbroker/internal/model"
	"github.com/g960059/agtbroker/internal/supervisor"
	"github.com/g960059/agtbroker/internal/testutil"
)

func TestExitOutcomeIsPostedToDispatch(t *testing.T) {
	got := make(chan supervisor.Outcome, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var o supervisor.Outcome
		if assert.NoError(t, json.NewDecoder(r.Body).Decode(&o)) {
			got <- o
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store, ctx := testutil.NewStore(t)
	starter := &testutil.FakeStarter{}
	sup := supervisor.New(supervisor.Options{
		Config:   testConfig(),
		Store:    store,
		Starter:  starter,
		Notifier: supervisor.NewHTTPNotifier(srv.URL),
	})
	t.Cleanup(func() { _ = sup.Shutdown(context.Background()) })

	_, err := sup.Spawn(ctx, supervisor.SpawnRequest{SessionID: "job-1", Profile: model.ProfilePlain})
	require.NoError(t, err)
	starter.Last().Exit(3)

	select {
	case o := <-got:
		assert.Equal(t, "job-1", o.SessionID)
		assert.Equal(t, model.StatusFailed, o.Status)
		require.NotNil(t, o.ExitCode)
		assert.Equal(t, 3, *o.ExitCode)
		assert.False(t, o.CompletedAt.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome posted")
	}
}

func TestHTTPNotifierReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := supervisor.NewHTTPNotifier(srv.URL).Notify(context.Background(), supervisor.Outcome{
		SessionID: "job-1",
		Status:    model.StatusCompleted,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}
