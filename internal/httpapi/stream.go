package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/taskpulse/internal/protocol"
)

const (
	streamBuffer       = 128
	streamWriteTimeout = 10 * time.Second
	streamIdleTimeout  = 120 * time.Second
)

// handleTaskStream relays every event for one task id to a websocket client,
// using the same frame shape the upstream server sends. Events that arrived
// before the client subscribed are replayed first from the orphan queue.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	if s.deps.Registry == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "subscription registry not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	logger := s.logger.With("task_id", taskID, "remote", r.RemoteAddr)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan protocol.TaskStatus, streamBuffer)
	// Handlers run on the registry's delivery path and must not block.
	unsubscribe := s.deps.Registry.Subscribe(taskID, func(ev protocol.TaskStatus) {
		select {
		case outbound <- ev:
		default:
			logger.Warn("task stream backlog full, dropping event", "status", ev.Status)
		}
	})
	defer unsubscribe()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-outbound:
				_ = conn.SetWriteDeadline(s.clock.Now().Add(streamWriteTimeout))
				msg := protocol.TaskStatusMessage{Type: protocol.TypeTaskStatus, Payload: ev}
				if err := conn.WriteJSON(msg); err != nil {
					logger.Debug("task stream write failed", "error", err)
					cancel()
					return
				}
			}
		}
	}()

	// The client never sends anything meaningful; reading only detects close.
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(streamIdleTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(streamIdleTimeout))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("task stream closed", "error", err)
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamIdleTimeout))
	}

	cancel()
	<-writerDone
}
