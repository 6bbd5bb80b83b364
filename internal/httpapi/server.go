package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/taskpulse/internal/clock"
	"github.com/ent0n29/taskpulse/internal/connection"
	"github.com/ent0n29/taskpulse/internal/credential"
	"github.com/ent0n29/taskpulse/internal/observability"
	"github.com/ent0n29/taskpulse/internal/subscription"
	"github.com/ent0n29/taskpulse/internal/tasks"
)

// Connection is the part of the connection manager the API drives.
type Connection interface {
	Status() connection.Status
	Reconnect(ctx context.Context) error
}

// Deps wires the server to the running client core.
type Deps struct {
	Store      *tasks.Store
	Registry   *subscription.Registry
	Connection Connection
	// RefreshHistory reloads the history window into the store. Nil disables
	// POST /v1/history/refresh.
	RefreshHistory func(ctx context.Context) error
	Metrics        *observability.Metrics
	Gatherer       prometheus.Gatherer
	Clock          clock.Clock
	Logger         *slog.Logger
	AllowAnyOrigin bool
}

type Server struct {
	deps     Deps
	logger   *slog.Logger
	clock    clock.Clock
	upgrader websocket.Upgrader
}

func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	allowAny := deps.AllowAnyOrigin
	return &Server{
		deps:   deps,
		logger: logger.With("component", "httpapi"),
		clock:  clk,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browser streams are only accepted from the same origin.
				if allowAny {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler(s.deps.Gatherer).ServeHTTP(w, r)
	})

	r.Get("/v1/connection", s.handleConnectionStatus)
	r.Post("/v1/connection/reconnect", s.handleReconnect)

	r.Get("/v1/tasks", s.handleListTasks)
	r.Post("/v1/tasks", s.handleCreateTask)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Get("/v1/tasks/{id}/stream", s.handleTaskStream)

	r.Get("/v1/notifications", s.handleListNotifications)
	r.Post("/v1/notifications/{id}/dismiss", s.handleDismissNotification)
	r.Delete("/v1/notifications", s.handleClearNotifications)

	r.Post("/v1/history/refresh", s.handleRefreshHistory)
	r.Get("/v1/stats", s.handleStats)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.deps.Store.Snapshot()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"connected": snap.Connected,
		"tasks":     snap.Partitions.Total(),
	})
}

func (s *Server) handleConnectionStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Connection == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "connection manager not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Connection.Status())
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if s.deps.Connection == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "connection manager not configured")
		return
	}
	if err := s.deps.Connection.Reconnect(r.Context()); err != nil {
		switch {
		case errors.Is(err, credential.ErrInteractionRequired), errors.Is(err, credential.ErrNoCredential):
			respondError(w, http.StatusUnauthorized, "credential_required", err.Error())
		case errors.Is(err, connection.ErrClosed):
			respondError(w, http.StatusServiceUnavailable, "connection_closed", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "reconnect_failed", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusAccepted, s.deps.Connection.Status())
}

func (s *Server) handleRefreshHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.RefreshHistory == nil {
		respondError(w, http.StatusNotImplemented, "history_disabled", "no history source configured")
		return
	}
	if err := s.deps.RefreshHistory(r.Context()); err != nil {
		if errors.Is(err, tasks.ErrStoreClosed) {
			respondStoreClosed(w)
			return
		}
		respondError(w, http.StatusBadGateway, "history_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Store.Snapshot().History)
}

type statsResponse struct {
	Version    uint64                        `json:"version"`
	Connected  bool                          `json:"connected"`
	Partitions map[tasks.Partition]int       `json:"partitions"`
	Visible    int                           `json:"visible_notifications"`
	History    tasks.HistoryState            `json:"history"`
	Latency    observability.LatencySnapshot `json:"latency"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	snap := s.deps.Store.Snapshot()
	sizes := make(map[tasks.Partition]int, len(tasks.AllPartitions))
	for _, p := range tasks.AllPartitions {
		sizes[p] = snap.Partitions.Len(p)
	}
	respondJSON(w, http.StatusOK, statsResponse{
		Version:    snap.Version,
		Connected:  snap.Connected,
		Partitions: sizes,
		Visible:    len(snap.Visible),
		History:    snap.History,
		Latency:    s.deps.Metrics.Latency(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func respondStoreClosed(w http.ResponseWriter) {
	respondError(w, http.StatusServiceUnavailable, "store_closed", tasks.ErrStoreClosed.Error())
}
