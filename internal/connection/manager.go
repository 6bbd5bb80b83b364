// Package connection keeps a single authenticated websocket to the task
// status service open, reconnecting with backoff when it drops.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/ent0n29/taskpulse/internal/clock"
	"github.com/ent0n29/taskpulse/internal/credential"
	"github.com/ent0n29/taskpulse/internal/protocol"
)

var ErrClosed = errors.New("connection manager closed")

const (
	defaultBaseDelay     = time.Second
	defaultMaxAttempts   = 5
	defaultFallbackDelay = 30 * time.Second
	closeWriteTimeout    = time.Second
)

// Recorder receives connection metrics. observability.Metrics satisfies it.
type Recorder interface {
	ConnectionState(up bool)
	ReconnectScheduled(delay time.Duration)
	Frame(result string)
}

type nopRecorder struct{}

func (nopRecorder) ConnectionState(bool)              {}
func (nopRecorder) ReconnectScheduled(time.Duration) {}
func (nopRecorder) Frame(string)                      {}

type Config struct {
	URL         string
	Credentials credential.Provider
	// Sink receives every well-formed event, on the socket's read
	// goroutine, in arrival order.
	Sink    func(protocol.TaskStatus)
	Dialer  *websocket.Dialer
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics Recorder

	BaseDelay     time.Duration
	MaxAttempts   int
	FallbackDelay time.Duration
}

// Status is a point-in-time view of the manager.
type Status struct {
	Connected    bool   `json:"connected"`
	Reconnecting bool   `json:"reconnecting"`
	Attempts     int    `json:"attempts"`
	ConnectionID string `json:"connection_id,omitempty"`
}

type Manager struct {
	cfg    Config
	url    *url.URL
	dialer *websocket.Dialer
	clock  clock.Clock
	logger *slog.Logger

	// ctx bounds dials and is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	malformedLog rate.Sometimes

	notifyMu sync.Mutex

	mu           sync.Mutex
	connected    bool
	reconnecting bool
	closed       bool
	gen          uint64
	conn         *websocket.Conn
	connID       string
	readerDone   chan struct{}
	backoff      retry.Backoff
	attempts     int
	timer        clock.Timer
	timerSeq     uint64
	listeners    map[int]func(bool)
	nextListener int
}

func New(cfg Config) (*Manager, error) {
	u, err := normalizeURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Credentials == nil {
		return nil, errors.New("connection: credentials provider is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("connection: sink is required")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopRecorder{}
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.FallbackDelay <= 0 {
		cfg.FallbackDelay = defaultFallbackDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:          cfg,
		url:          u,
		dialer:       cfg.Dialer,
		clock:        cfg.Clock,
		logger:       cfg.Logger.With("component", "connection"),
		ctx:          ctx,
		cancel:       cancel,
		malformedLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
		listeners:    make(map[int]func(bool)),
	}
	m.backoff = m.newBackoff()
	return m, nil
}

func normalizeURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("connection: url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported websocket url scheme %q", u.Scheme)
	}
	return u, nil
}

// newBackoff yields BaseDelay doubling for MaxAttempts steps, then stops.
func (m *Manager) newBackoff() retry.Backoff {
	return retry.WithMaxRetries(uint64(m.cfg.MaxAttempts), retry.NewExponential(m.cfg.BaseDelay))
}

// Connect resolves a token and opens the socket. Only credential failures
// are returned; transport failures are logged and retried in the background.
// It is a no-op while connected or while another attempt is in flight.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.reconnecting || m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	m.reconnecting = true
	m.mu.Unlock()

	return m.attempt(ctx)
}

// Reconnect drops the current socket and connects again immediately with a
// fresh backoff sequence. It is a no-op while an attempt is in flight.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.reconnecting {
		m.mu.Unlock()
		return nil
	}
	m.reconnecting = true
	m.backoff = m.newBackoff()
	m.attempts = 0
	m.stopTimerLocked()
	old := m.detachLocked()
	m.mu.Unlock()

	if old != nil {
		m.logger.Info("dropping connection for manual reconnect")
		closeConn(old)
	}
	m.setConnected(false)
	return m.attempt(ctx)
}

func (m *Manager) attempt(ctx context.Context) error {
	token, err := m.cfg.Credentials.Token(ctx)
	if err != nil {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
		m.setConnected(false)
		return fmt.Errorf("acquire token: %w", err)
	}

	dialCtx, cancel := mergeCancel(ctx, m.ctx)
	defer cancel()
	conn, resp, err := m.dialer.DialContext(dialCtx, m.uriWithToken(token), nil)
	if err != nil {
		if resp != nil {
			m.logger.Warn("websocket dial failed", "status", resp.Status, "error", err)
		} else {
			m.logger.Warn("websocket dial failed", "error", err)
		}
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
		m.setConnected(false)
		m.scheduleReconnect()
		return nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		closeConn(conn)
		return nil
	}
	m.gen++
	gen := m.gen
	m.conn = conn
	m.connID = uuid.NewString()
	m.reconnecting = false
	m.attempts = 0
	m.backoff = m.newBackoff()
	done := make(chan struct{})
	m.readerDone = done
	connID := m.connID
	m.mu.Unlock()

	m.logger.Info("websocket connected", "connection_id", connID)
	m.setConnected(true)
	go m.readLoop(conn, gen, connID, done)
	return nil
}

// mergeCancel returns a context that ends when either parent does.
func mergeCancel(ctx, lifetime context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(lifetime, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

func (m *Manager) uriWithToken(token string) string {
	u := *m.url
	q := u.Query()
	q.Set("Authorization", "Bearer "+token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (m *Manager) readLoop(conn *websocket.Conn, gen uint64, connID string, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleDrop(gen, connID, err)
			return
		}
		ev, err := protocol.ParseServerMessage(data)
		if err != nil {
			m.cfg.Metrics.Frame("malformed")
			m.malformedLog.Do(func() {
				m.logger.Warn("dropping malformed frame", "connection_id", connID, "error", err)
			})
			continue
		}
		m.cfg.Metrics.Frame("ok")
		m.cfg.Sink(ev)
	}
}

// handleDrop runs when a socket's reader stops. Sockets this manager closed
// on purpose carry a stale generation and are ignored.
func (m *Manager) handleDrop(gen uint64, connID string, err error) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		_ = m.conn.Close()
	}
	m.conn = nil
	m.connID = ""
	m.mu.Unlock()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		m.logger.Info("websocket closed by server", "connection_id", connID)
	} else {
		m.logger.Warn("websocket dropped", "connection_id", connID, "error", err)
	}
	m.setConnected(false)
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.timer != nil {
		return
	}
	delay, stop := m.backoff.Next()
	if stop {
		delay = m.cfg.FallbackDelay
	} else {
		m.attempts++
	}
	m.timerSeq++
	seq := m.timerSeq
	m.timer = m.clock.AfterFunc(delay, func() { m.fireReconnect(seq) })
	m.cfg.Metrics.ReconnectScheduled(delay)
	m.logger.Info("reconnect scheduled", "attempt", m.attempts, "max_attempts", m.cfg.MaxAttempts, "delay", delay)
}

func (m *Manager) fireReconnect(seq uint64) {
	m.mu.Lock()
	if m.closed || seq != m.timerSeq || m.timer == nil {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	if m.reconnecting || m.conn != nil {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()

	if err := m.attempt(m.ctx); err != nil {
		// Credentials need a human; wait for Connect or Reconnect.
		m.logger.Error("reconnect stopped", "error", err)
	}
}

func (m *Manager) stopTimerLocked() {
	m.timerSeq++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// detachLocked forgets the current socket so its reader's exit is treated
// as deliberate.
func (m *Manager) detachLocked() *websocket.Conn {
	m.gen++
	old := m.conn
	m.conn = nil
	m.connID = ""
	return old
}

func closeConn(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
	_ = conn.Close()
}

// OnConnectionChange calls fn with the current state right away and then on
// every change. The returned func unregisters it. Calls to fn never overlap
// and fn must not register another listener.
func (m *Manager) OnConnectionChange(fn func(connected bool)) func() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	current := m.connected
	m.mu.Unlock()

	fn(current)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Manager) setConnected(up bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.connected == up {
		m.mu.Unlock()
		return
	}
	m.connected = up
	listeners := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	m.cfg.Metrics.ConnectionState(up)
	for _, fn := range listeners {
		fn(up)
	}
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Connected:    m.connected,
		Reconnecting: m.reconnecting,
		Attempts:     m.attempts,
		ConnectionID: m.connID,
	}
}

// Close tears the connection down without scheduling a reconnect. It waits
// for the read goroutine, so it must not be called from the Sink.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.stopTimerLocked()
	old := m.detachLocked()
	done := m.readerDone
	m.mu.Unlock()

	m.cancel()
	if old != nil {
		closeConn(old)
	}
	if done != nil {
		<-done
	}
	m.setConnected(false)

	m.mu.Lock()
	m.listeners = make(map[int]func(bool))
	m.mu.Unlock()
	m.logger.Info("connection manager closed")
	return nil
}
