package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/taskpulse/internal/clock"
	"github.com/ent0n29/taskpulse/internal/config"
	"github.com/ent0n29/taskpulse/internal/credential"
	"github.com/ent0n29/taskpulse/internal/protocol"
	"github.com/ent0n29/taskpulse/internal/tasks"
)

// upstream fakes the task server: one websocket endpoint that pushes frames
// from a channel and one history endpoint.
type upstream struct {
	ws      *httptest.Server
	history *httptest.Server
	frames  chan protocol.TaskStatus
}

func newUpstream(t *testing.T, recent []protocol.TaskStatus) *upstream {
	t.Helper()
	u := &upstream{frames: make(chan protocol.TaskStatus, 16)}

	upgrader := websocket.Upgrader{}
	u.ws = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for {
			select {
			case <-closed:
				return
			case ev := <-u.frames:
				msg := protocol.TaskStatusMessage{Type: protocol.TypeTaskStatus, Payload: ev}
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(u.ws.Close)

	r := chi.NewRouter()
	r.Get("/task-status", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(recent)
	})
	u.history = httptest.NewServer(r)
	t.Cleanup(u.history.Close)
	return u
}

func testConfig(u *upstream) config.Config {
	return config.Config{
		WSURL:                  u.ws.URL,
		HistoryURL:             u.history.URL,
		HistoryLookback:        24 * time.Hour,
		HistoryLimit:           100,
		Token:                  "tok",
		ReconnectBaseDelay:     time.Second,
		ReconnectMaxAttempts:   5,
		ReconnectFallbackDelay: 30 * time.Second,
		HandshakeTimeout:       5 * time.Second,
		AutoDismiss:            10 * time.Second,
		CapacityActive:         20,
		CapacityCompleted:      100,
		CapacityFailed:         50,
		OrphanQueueMaxTasks:    16,
		OrphanQueuePerTask:     8,
		OrphanQueueTTL:         time.Minute,
		ShutdownTimeout:        5 * time.Second,
		MetricsNamespace:       "test_app",
	}
}

func TestBuildWiresEventsIntoStore(t *testing.T) {
	now := float64(time.Now().Unix())
	u := newUpstream(t, []protocol.TaskStatus{
		{TaskID: "old", Operation: "email_tips", Status: "completed", CreatedAt: now - 60, UpdatedAt: now - 30},
	})

	a, err := Build(context.Background(), testConfig(u), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, func() bool { return a.Store.Snapshot().Connected }, 5*time.Second, 10*time.Millisecond)

	snap := a.Store.Snapshot()
	assert.Equal(t, 1, snap.History.Count)
	_, ok := snap.Get("old")
	assert.True(t, ok)
	assert.False(t, snap.IsVisible("old"), "history must not raise notifications")

	// A per-task listener registered late still sees the queued event.
	u.frames <- protocol.TaskStatus{TaskID: "live", Operation: "daily_sales", Status: "processing", CreatedAt: now, UpdatedAt: now}
	require.Eventually(t, func() bool {
		_, ok := a.Store.Snapshot().Get("live")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	got := make(chan protocol.TaskStatus, 1)
	unsub := a.Subscriptions.Subscribe("live", func(ev protocol.TaskStatus) { got <- ev })
	defer unsub()
	select {
	case ev := <-got:
		assert.Equal(t, "processing", ev.Status)
	case <-time.After(time.Second):
		t.Fatal("queued event was not replayed to the late subscriber")
	}

	rec, _ := a.Store.Snapshot().Get("live")
	assert.Equal(t, tasks.StatusProcessing, rec.Status)
	assert.True(t, a.Store.Snapshot().IsVisible("live"))
}

func TestBuildServesLocalAPI(t *testing.T) {
	u := newUpstream(t, nil)
	a, err := Build(context.Background(), testConfig(u), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	ts := httptest.NewServer(a.API.Router())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/v1/tasks", "application/json", strings.NewReader(`{"task_id":"x","operation":"invoice_sync"}`))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusCreated, res.StatusCode)

	res, err = http.Post(ts.URL+"/v1/history/refresh", "application/json", nil)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestStartReturnsCredentialErrors(t *testing.T) {
	u := newUpstream(t, nil)
	cfg := testConfig(u)
	cfg.Token = ""

	a, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	err = a.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, credential.ErrNoCredential), "got %v", err)
	assert.False(t, a.Connection.Connected())
}

func TestRunStopsOnCancel(t *testing.T) {
	u := newUpstream(t, nil)
	cfg := testConfig(u)
	cfg.BindAddr = "127.0.0.1:0"

	a, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, a.Connection.Connected, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, a.Connection.Connected())
	_, err = a.Store.HandleEvent(protocol.TaskStatus{TaskID: "late", Status: "started"})
	assert.ErrorIs(t, err, tasks.ErrStoreClosed)
}

func TestBuildUsesInjectedClock(t *testing.T) {
	u := newUpstream(t, nil)
	clk := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	a, err := Build(context.Background(), testConfig(u), nil,
		WithClock(clk),
		WithDialer(&websocket.Dialer{HandshakeTimeout: 2 * time.Second}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, a.Connection.Connected, 5*time.Second, 10*time.Millisecond)

	at := float64(clk.Now().Unix())
	u.frames <- protocol.TaskStatus{TaskID: "done", Operation: "invoice_sync", Status: "completed", CreatedAt: at - 5, UpdatedAt: at}
	require.Eventually(t, func() bool { return a.Store.Snapshot().IsVisible("done") }, 5*time.Second, 10*time.Millisecond)

	// Auto-dismiss runs on the injected clock, not wall time.
	clk.Advance(9 * time.Second)
	assert.True(t, a.Store.Snapshot().IsVisible("done"))
	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return !a.Store.Snapshot().IsVisible("done") }, 5*time.Second, 10*time.Millisecond)

	_, ok := a.Store.Snapshot().Get("done")
	assert.True(t, ok, "dismissing hides the notification but keeps the record")
}
