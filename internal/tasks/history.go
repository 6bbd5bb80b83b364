package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/ent0n29/taskpulse/internal/protocol"
)

// HistoryWindow bounds a history fetch.
type HistoryWindow struct {
	Lookback time.Duration
	Limit    int
}

func DefaultHistoryWindow() HistoryWindow {
	return HistoryWindow{Lookback: 24 * time.Hour, Limit: 100}
}

// Hours rounds the lookback up to whole hours, with a minimum of one.
func (w HistoryWindow) Hours() int {
	h := int((w.Lookback + time.Hour - 1) / time.Hour)
	if h < 1 {
		return 1
	}
	return h
}

// HistorySource fetches recent task records, newest first.
type HistorySource interface {
	RecentTasks(ctx context.Context, window HistoryWindow) ([]protocol.TaskStatus, error)
}

type HistorySourceFunc func(ctx context.Context, window HistoryWindow) ([]protocol.TaskStatus, error)

func (f HistorySourceFunc) RecentTasks(ctx context.Context, window HistoryWindow) ([]protocol.TaskStatus, error) {
	return f(ctx, window)
}

// LoadHistory fetches from src and hydrates the store. The fetch runs on the
// caller's goroutine so the loop stays free while it is in flight.
func (s *Store) LoadHistory(ctx context.Context, src HistorySource, window HistoryWindow) error {
	if src == nil {
		return fmt.Errorf("load history: no history source configured")
	}
	if err := s.setHistory(func(h *HistoryState) {
		h.Loading = true
		h.Error = ""
	}); err != nil {
		return err
	}

	payloads, fetchErr := src.RecentTasks(ctx, window)
	if fetchErr != nil {
		s.logger.Error("failed to load task history", "error", fetchErr)
		if err := s.setHistory(func(h *HistoryState) {
			h.Loading = false
			h.Error = fetchErr.Error()
		}); err != nil {
			return err
		}
		return fmt.Errorf("load history: %w", fetchErr)
	}

	records := make([]Record, 0, len(payloads))
	for _, p := range payloads {
		if err := p.Validate(); err != nil {
			s.logger.Warn("skipping invalid history record", "task_id", p.TaskID, "error", err)
			continue
		}
		records = append(records, NewRecord(p))
	}

	var applied int
	err := s.do(func() {
		applied = s.hydrate(records)
		cur := s.snap.Load()
		s.commit(cur.Partitions, cur.Visible, func(next *Snapshot) {
			next.History = HistoryState{
				LoadedAt: s.clock.Now(),
				Count:    applied,
			}
		})
	})
	if err != nil {
		return err
	}
	s.logger.Debug("loaded task history", "fetched", len(payloads), "applied", applied)
	return nil
}

func (s *Store) setHistory(mutate func(*HistoryState)) error {
	return s.do(func() {
		cur := s.snap.Load()
		s.commit(cur.Partitions, cur.Visible, func(next *Snapshot) {
			mutate(&next.History)
		})
	})
}
