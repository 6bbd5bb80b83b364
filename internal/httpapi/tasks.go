package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ent0n29/taskpulse/internal/tasks"
)

type createTaskRequest struct {
	TaskID    string `json:"task_id"`
	Operation string `json:"operation"`
}

type createTaskResponse struct {
	TaskID  string       `json:"task_id"`
	Created bool         `json:"created"`
	Task    tasks.Record `json:"task"`
}

type taskFilter struct {
	operation tasks.OperationKind
	status    tasks.Status
	from      time.Time
	to        time.Time
	limit     int
}

func parseTaskFilter(r *http.Request) (taskFilter, error) {
	q := r.URL.Query()
	f := taskFilter{
		operation: tasks.OperationKind(strings.TrimSpace(q.Get("operation"))),
		status:    tasks.Status(strings.TrimSpace(q.Get("status"))),
	}
	if f.status != "" && !f.status.Valid() {
		return f, errors.New("unknown status " + strconv.Quote(string(f.status)))
	}
	var err error
	if raw := strings.TrimSpace(q.Get("from")); raw != "" {
		if f.from, err = time.Parse(time.RFC3339, raw); err != nil {
			return f, errors.New("from must be an RFC3339 timestamp")
		}
	}
	if raw := strings.TrimSpace(q.Get("to")); raw != "" {
		if f.to, err = time.Parse(time.RFC3339, raw); err != nil {
			return f, errors.New("to must be an RFC3339 timestamp")
		}
	}
	if !f.from.IsZero() && !f.to.IsZero() && f.to.Before(f.from) {
		return f, errors.New("to must not be before from")
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return f, errors.New("limit must be a positive integer")
		}
		f.limit = n
	}
	return f, nil
}

func (f taskFilter) keep(rec tasks.Record) bool {
	if f.operation != "" && rec.Operation != f.operation {
		return false
	}
	if f.status != "" && rec.Status != f.status {
		return false
	}
	if !f.from.IsZero() && rec.UpdatedAt.Before(f.from) {
		return false
	}
	if !f.to.IsZero() && rec.UpdatedAt.After(f.to) {
		return false
	}
	return true
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter, err := parseTaskFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	snap := s.deps.Store.Snapshot()
	out := make([]tasks.Record, 0, snap.Partitions.Total())
	for _, rec := range snap.All() {
		if !filter.keep(rec) {
			continue
		}
		out = append(out, rec)
		if filter.limit > 0 && len(out) == filter.limit {
			break
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"version":   snap.Version,
		"connected": snap.Connected,
		"tasks":     out,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	snap := s.deps.Store.Snapshot()
	rec, ok := snap.Get(taskID)
	if !ok {
		respondError(w, http.StatusNotFound, "task_not_found", "task "+strconv.Quote(taskID)+" not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"task":    rec,
		"visible": snap.IsVisible(taskID),
	})
}

// handleCreateTask inserts an optimistic placeholder for a task the caller
// has just submitted, so it shows up before the first server frame.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.TaskID = strings.TrimSpace(req.TaskID)
	req.Operation = strings.TrimSpace(req.Operation)
	if req.Operation == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "operation is required")
		return
	}
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}

	created, err := s.deps.Store.CreateImmediateTask(req.TaskID, tasks.OperationKind(req.Operation))
	if err != nil {
		respondStoreClosed(w)
		return
	}
	rec, _ := s.deps.Store.Snapshot().Get(req.TaskID)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, createTaskResponse{
		TaskID:  req.TaskID,
		Created: created,
		Task:    rec,
	})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, _ *http.Request) {
	snap := s.deps.Store.Snapshot()
	respondJSON(w, http.StatusOK, map[string]any{
		"version":       snap.Version,
		"notifications": snap.Notifications(),
	})
}

func (s *Server) handleDismissNotification(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	if err := s.deps.Store.DismissNotification(taskID); err != nil {
		respondStoreClosed(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearNotifications(w http.ResponseWriter, _ *http.Request) {
	if err := s.deps.Store.ClearAllNotifications(); err != nil {
		respondStoreClosed(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
