// Package history fetches recently finished and in-flight tasks so the
// store can be hydrated at startup or on refresh.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/ent0n29/taskpulse/internal/credential"
	"github.com/ent0n29/taskpulse/internal/protocol"
	"github.com/ent0n29/taskpulse/internal/reliability"
	"github.com/ent0n29/taskpulse/internal/tasks"
)

var ErrUnexpectedStatus = errors.New("unexpected history response status")

// Client calls the task-status REST endpoint with a bearer token.
type Client struct {
	baseURL string
	creds   credential.Provider
	client  *http.Client
	logger  *slog.Logger

	retries   uint64
	retryBase time.Duration
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.client = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// WithRetry retries 429 and 5xx responses up to n times with exponential
// backoff starting at base.
func WithRetry(n uint64, base time.Duration) Option {
	return func(cl *Client) {
		cl.retries = n
		if base > 0 {
			cl.retryBase = base
		}
	}
}

func NewClient(baseURL string, creds credential.Provider, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		creds:   creds,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),

		retries:   2,
		retryBase: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "history_client")
	return c
}

// RecentTasks implements tasks.HistorySource.
func (c *Client) RecentTasks(ctx context.Context, window tasks.HistoryWindow) ([]protocol.TaskStatus, error) {
	if window.Limit <= 0 {
		window.Limit = tasks.DefaultHistoryWindow().Limit
	}
	q := url.Values{}
	q.Set("recent", "true")
	q.Set("hours", strconv.Itoa(window.Hours()))
	q.Set("limit", strconv.Itoa(window.Limit))

	var out []protocol.TaskStatus
	if err := c.get(ctx, "/task-status", q, &out); err != nil {
		return nil, fmt.Errorf("fetch recent tasks: %w", err)
	}
	return out, nil
}

// AllTasks lists every task the server still holds, without a time window.
func (c *Client) AllTasks(ctx context.Context) ([]protocol.TaskStatus, error) {
	var out []protocol.TaskStatus
	if err := c.get(ctx, "/task-status", nil, &out); err != nil {
		return nil, fmt.Errorf("fetch all tasks: %w", err)
	}
	return out, nil
}

// ByOperation lists every stored task for one operation kind.
func (c *Client) ByOperation(ctx context.Context, op tasks.OperationKind) ([]protocol.TaskStatus, error) {
	q := url.Values{}
	q.Set("operation", string(op))

	var out []protocol.TaskStatus
	if err := c.get(ctx, "/task-status", q, &out); err != nil {
		return nil, fmt.Errorf("fetch %s tasks: %w", op, err)
	}
	return out, nil
}

// Task fetches the current status of a single task.
func (c *Client) Task(ctx context.Context, taskID string) (protocol.TaskStatus, error) {
	var out protocol.TaskStatus
	if err := c.get(ctx, "/task-status/"+url.PathEscape(taskID), nil, &out); err != nil {
		return protocol.TaskStatus{}, fmt.Errorf("fetch task %s: %w", taskID, err)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, dst any) error {
	if c.baseURL == "" {
		return errors.New("history url is not configured")
	}
	token, err := c.creds.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquire token: %w", err)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	backoff := retry.WithMaxRetries(c.retries, retry.NewExponential(c.retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		status, err := c.do(ctx, endpoint, path, token, dst)
		if err != nil && reliability.IsRetryableHTTPStatus(status) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) do(ctx context.Context, endpoint, path, token string, dst any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		c.logger.Warn("history request failed", "status", res.StatusCode, "path", path)
		if res.StatusCode == http.StatusUnauthorized {
			return res.StatusCode, fmt.Errorf("status %d: %w", res.StatusCode, credential.ErrInteractionRequired)
		}
		return res.StatusCode, fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, res.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(res.Body).Decode(dst); err != nil {
		return res.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return res.StatusCode, nil
}
