package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/taskpulse/internal/protocol"
	"github.com/ent0n29/taskpulse/internal/tasks"
)

const recentTasksQuery = `SELECT task_id, operation, status, progress, result, error, created_at, updated_at
	   FROM task_states
	  WHERE updated_at >= $1
	  ORDER BY updated_at DESC
	  LIMIT $2`

// PostgresSource reads the server's task_states table directly. It never
// writes.
type PostgresSource struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresSource(ctx context.Context, databaseURL string) (*PostgresSource, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresSource{pool: pool, now: time.Now}, nil
}

func (s *PostgresSource) RecentTasks(ctx context.Context, window tasks.HistoryWindow) ([]protocol.TaskStatus, error) {
	if window.Limit <= 0 {
		window.Limit = tasks.DefaultHistoryWindow().Limit
	}
	cutoff := float64(s.now().Add(-time.Duration(window.Hours())*time.Hour).Unix())

	rows, err := s.pool.Query(ctx, recentTasksQuery, cutoff, window.Limit)
	if err != nil {
		return nil, fmt.Errorf("query recent tasks: %w", err)
	}
	defer rows.Close()

	out := make([]protocol.TaskStatus, 0, window.Limit)
	for rows.Next() {
		ts, err := scanTaskState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task state: %w", err)
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task states: %w", err)
	}
	return out, nil
}

func (s *PostgresSource) Close() error {
	s.pool.Close()
	return nil
}

func scanTaskState(row pgx.Row) (protocol.TaskStatus, error) {
	var (
		ts       protocol.TaskStatus
		progress []byte
		result   []byte
		errText  *string
	)
	if err := row.Scan(
		&ts.TaskID,
		&ts.Operation,
		&ts.Status,
		&progress,
		&result,
		&errText,
		&ts.CreatedAt,
		&ts.UpdatedAt,
	); err != nil {
		return protocol.TaskStatus{}, err
	}
	if len(progress) > 0 && string(progress) != "null" {
		var p protocol.Progress
		if err := json.Unmarshal(progress, &p); err != nil {
			return protocol.TaskStatus{}, fmt.Errorf("decode progress for %s: %w", ts.TaskID, err)
		}
		ts.Progress = &p
	}
	if len(result) > 0 && string(result) != "null" {
		ts.Result = json.RawMessage(result)
	}
	if errText != nil {
		ts.Error = *errText
	}
	return ts, nil
}
