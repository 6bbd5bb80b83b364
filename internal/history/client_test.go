package history

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/taskpulse/internal/credential"
	"github.com/ent0n29/taskpulse/internal/protocol"
	"github.com/ent0n29/taskpulse/internal/tasks"
)

func newTestServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/task-status", h)
	r.Get("/task-status/{taskID}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(protocol.TaskStatus{
			TaskID:    chi.URLParam(r, "taskID"),
			Operation: "get_mpvs",
			Status:    "processing",
		})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestRecentTasksSendsWindowAndBearer(t *testing.T) {
	var gotQuery, gotAuth string
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"task_id":"t1","operation":"daily_sales","status":"completed","created_at":100,"updated_at":200,"result":{"success":true}}]`))
	})

	c := NewClient(srv.URL+"/", credential.NewStatic("secret"))
	got, err := c.RecentTasks(context.Background(), tasks.HistoryWindow{Lookback: 6 * time.Hour, Limit: 25})
	require.NoError(t, err)

	assert.Equal(t, "hours=6&limit=25&recent=true", gotQuery)
	assert.Equal(t, "Bearer secret", gotAuth)
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].TaskID)
	assert.Equal(t, float64(200), got[0].UpdatedAt)
	assert.JSONEq(t, `{"success":true}`, string(got[0].Result))
}

func TestRecentTasksDefaultsLimit(t *testing.T) {
	var gotQuery string
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`[]`))
	})

	_, err := NewClient(srv.URL, credential.NewStatic("secret")).RecentTasks(context.Background(), tasks.HistoryWindow{Lookback: 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, "hours=24&limit=100&recent=true", gotQuery)
}

func TestRecentTasksNon2xx(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	_, err := NewClient(srv.URL, credential.NewStatic("secret"), WithRetry(0, 0)).RecentTasks(context.Background(), tasks.DefaultHistoryWindow())
	require.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.Contains(t, err.Error(), "boom")
}

func TestRecentTasksRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode([]protocol.TaskStatus{{TaskID: "r1", Status: "completed"}})
	})

	got, err := NewClient(srv.URL, credential.NewStatic("secret"), WithRetry(2, time.Millisecond)).
		RecentTasks(context.Background(), tasks.DefaultHistoryWindow())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRecentTasksGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "busy", http.StatusTooManyRequests)
	})

	_, err := NewClient(srv.URL, credential.NewStatic("secret"), WithRetry(1, time.Millisecond)).
		RecentTasks(context.Background(), tasks.DefaultHistoryWindow())
	require.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRecentTasksDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusBadRequest)
	})

	_, err := NewClient(srv.URL, credential.NewStatic("secret"), WithRetry(3, time.Millisecond)).
		RecentTasks(context.Background(), tasks.DefaultHistoryWindow())
	require.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRecentTasksUnauthorizedNeedsInteraction(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := NewClient(srv.URL, credential.NewStatic("secret")).RecentTasks(context.Background(), tasks.DefaultHistoryWindow())
	assert.ErrorIs(t, err, credential.ErrInteractionRequired)
}

func TestCredentialFailureSkipsRequest(t *testing.T) {
	called := false
	srv := newTestServer(t, func(http.ResponseWriter, *http.Request) { called = true })

	_, err := NewClient(srv.URL, credential.NewStatic("")).RecentTasks(context.Background(), tasks.DefaultHistoryWindow())
	assert.ErrorIs(t, err, credential.ErrNoCredential)
	assert.False(t, called)
}

func TestTaskAndByOperation(t *testing.T) {
	var gotQuery string
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`[]`))
	})
	c := NewClient(srv.URL, credential.NewStatic("secret"))

	got, err := c.Task(context.Background(), "abc-123")
	require.NoError(t, err)
	assert.Equal(t, "abc-123", got.TaskID)

	_, err = c.ByOperation(context.Background(), tasks.OperationInvoiceSync)
	require.NoError(t, err)
	assert.Equal(t, "operation=invoice_sync", gotQuery)

	_, err = c.AllTasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, gotQuery)
}
