// Package logging sets up the process logger: slog to stderr or a file, with
// error records forwarded to Sentry when a DSN is configured.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

type Config struct {
	Level     slog.Level
	Format    string // "text" or "json"
	SentryDSN string
	Env       string
	Version   string
	LogFile   string
}

var (
	mu       sync.Mutex
	current  *slog.Logger
	sentryOn bool
	logFile  *os.File
)

// Init builds the process logger and installs it as the slog default.
func Init(cfg Config) (*slog.Logger, error) {
	mu.Lock()
	defer mu.Unlock()

	enabled := false
	if dsn := strings.TrimSpace(cfg.SentryDSN); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: cfg.Env,
			Release:     cfg.Version,
		}); err != nil {
			return nil, fmt.Errorf("sentry init: %w", err)
		}
		enabled = true
	}

	var out io.Writer = os.Stderr
	var file *os.File
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		file = f
	}

	logger := slog.New(&sentryHandler{
		Handler: newHandler(out, cfg),
		enabled: enabled,
	})
	current = logger
	sentryOn = enabled
	logFile = file
	slog.SetDefault(logger)
	return logger, nil
}

func newHandler(out io.Writer, cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{Level: cfg.Level, AddSource: cfg.Level <= slog.LevelDebug}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.NewJSONHandler(out, opts)
	}
	return slog.NewTextHandler(out, opts)
}

// Flush drains pending Sentry events and closes the log file.
func Flush(timeout time.Duration) {
	mu.Lock()
	defer mu.Unlock()
	if sentryOn {
		sentry.Flush(timeout)
	}
	if logFile != nil {
		_ = logFile.Sync()
		_ = logFile.Close()
		logFile = nil
	}
}

// Default returns the logger from Init, or slog's default before Init runs.
func Default() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return slog.Default()
	}
	return current
}

// ParseLevel accepts debug, info, warn or error; anything else is info.
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// CaptureError reports err to Sentry with key/value context and logs it.
func CaptureError(err error, kv ...any) {
	mu.Lock()
	enabled := sentryOn
	mu.Unlock()
	if enabled {
		sentry.WithScope(func(scope *sentry.Scope) {
			for i := 0; i+1 < len(kv); i += 2 {
				if key, ok := kv[i].(string); ok {
					scope.SetExtra(key, kv[i+1])
				}
			}
			sentry.CaptureException(err)
		})
	}
	Default().Error("captured error", append([]any{"error", err}, kv...)...)
}

type sentryHandler struct {
	slog.Handler
	enabled bool
	attrs   []slog.Attr
}

func (h *sentryHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.Handler.Handle(ctx, r); err != nil {
		return err
	}
	if h.enabled && r.Level >= slog.LevelError {
		sentry.CaptureEvent(h.event(r))
	}
	return nil
}

func (h *sentryHandler) event(r slog.Record) *sentry.Event {
	ev := sentry.NewEvent()
	ev.Level = sentryLevel(r.Level)
	ev.Message, _ = RedactSecrets(r.Message)
	ev.Timestamp = r.Time
	for _, a := range h.attrs {
		ev.Extra[a.Key] = redactValue(a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		ev.Extra[a.Key] = redactValue(a.Value)
		return true
	})
	if r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		ev.Exception = []sentry.Exception{{
			Type:  "LogError",
			Value: ev.Message,
			Stacktrace: &sentry.Stacktrace{Frames: []sentry.Frame{{
				Filename: frame.File,
				Function: frame.Function,
				Lineno:   frame.Line,
			}}},
		}}
	}
	return ev
}

func (h *sentryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &sentryHandler{
		Handler: h.Handler.WithAttrs(attrs),
		enabled: h.enabled,
		attrs:   append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
}

func (h *sentryHandler) WithGroup(name string) slog.Handler {
	return &sentryHandler{Handler: h.Handler.WithGroup(name), enabled: h.enabled, attrs: h.attrs}
}

func sentryLevel(level slog.Level) sentry.Level {
	switch {
	case level >= slog.LevelError:
		return sentry.LevelError
	case level >= slog.LevelWarn:
		return sentry.LevelWarning
	case level >= slog.LevelInfo:
		return sentry.LevelInfo
	default:
		return sentry.LevelDebug
	}
}
