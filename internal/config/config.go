package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/ent0n29/taskpulse/internal/tasks"
)

const envPrefix = "TASKPULSE"

// Config contains all runtime settings for the task status client.
type Config struct {
	WSURL              string        `mapstructure:"ws_url" validate:"required,url"`
	HistoryURL         string        `mapstructure:"history_url" validate:"omitempty,url"`
	HistoryDatabaseURL string        `mapstructure:"history_database_url"`
	HistoryLookback    time.Duration `mapstructure:"history_lookback" validate:"gte=1h"`
	HistoryLimit       int           `mapstructure:"history_limit" validate:"gte=1,lte=1000"`

	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token_file"`

	ReconnectBaseDelay     time.Duration `mapstructure:"reconnect_base_delay" validate:"gte=10ms"`
	ReconnectMaxAttempts   int           `mapstructure:"reconnect_max_attempts" validate:"gte=1,lte=30"`
	ReconnectFallbackDelay time.Duration `mapstructure:"reconnect_fallback_delay" validate:"gte=1s"`
	HandshakeTimeout       time.Duration `mapstructure:"handshake_timeout" validate:"gte=1s"`

	AutoDismiss         time.Duration `mapstructure:"auto_dismiss" validate:"gte=100ms"`
	CapacityActive      int           `mapstructure:"capacity_active" validate:"gte=1"`
	CapacityCompleted   int           `mapstructure:"capacity_completed" validate:"gte=1"`
	CapacityFailed      int           `mapstructure:"capacity_failed" validate:"gte=1"`
	OrphanQueueMaxTasks int           `mapstructure:"orphan_queue_max_tasks" validate:"gte=1"`
	OrphanQueuePerTask  int           `mapstructure:"orphan_queue_per_task" validate:"gte=1"`
	OrphanQueueTTL      time.Duration `mapstructure:"orphan_queue_ttl" validate:"gte=1s"`

	BindAddr         string        `mapstructure:"bind_addr"`
	AllowAnyOrigin   bool          `mapstructure:"allow_any_origin"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout" validate:"gte=1s"`
	MetricsNamespace string        `mapstructure:"metrics_namespace" validate:"required"`

	LogLevel  string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=text json"`
	LogFile   string `mapstructure:"log_file"`
	SentryDSN string `mapstructure:"sentry_dsn" validate:"omitempty,url"`
	Env       string `mapstructure:"env"`
}

var defaults = map[string]any{
	"ws_url":                   "",
	"history_url":              "",
	"history_database_url":     "",
	"history_lookback":         24 * time.Hour,
	"history_limit":            100,
	"token":                    "",
	"token_file":               "",
	"reconnect_base_delay":     time.Second,
	"reconnect_max_attempts":   5,
	"reconnect_fallback_delay": 30 * time.Second,
	"handshake_timeout":        10 * time.Second,
	"auto_dismiss":             10 * time.Second,
	"capacity_active":          20,
	"capacity_completed":       100,
	"capacity_failed":          50,
	"orphan_queue_max_tasks":   256,
	"orphan_queue_per_task":    64,
	"orphan_queue_ttl":         10 * time.Minute,
	"bind_addr":                ":8090",
	"allow_any_origin":         false,
	"shutdown_timeout":         10 * time.Second,
	"metrics_namespace":        "taskpulse",
	"log_level":                "info",
	"log_format":               "text",
	"log_file":                 "",
	"sentry_dsn":               "",
	"env":                      "development",
}

// Load reads TASKPULSE_* environment variables over an optional config file
// over defaults. An empty path searches ./taskpulse.yaml and
// $HOME/.config/taskpulse/taskpulse.yaml; a missing file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("taskpulse")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/taskpulse")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.WSURL = strings.TrimSpace(c.WSURL)
	c.HistoryURL = strings.TrimRight(strings.TrimSpace(c.HistoryURL), "/")
	c.HistoryDatabaseURL = strings.TrimSpace(c.HistoryDatabaseURL)
	c.Token = strings.TrimSpace(c.Token)
	c.TokenFile = strings.TrimSpace(c.TokenFile)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
}

// Validate checks field constraints and reports each failure by its
// environment variable name.
func (c Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", envName(fe.StructField()), describe(fe)))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

var fieldEnv = map[string]string{}

func init() {
	for key := range defaults {
		fieldEnv[strings.ReplaceAll(key, "_", "")] = envPrefix + "_" + strings.ToUpper(key)
	}
}

func envName(field string) string {
	if name, ok := fieldEnv[strings.ToLower(field)]; ok {
		return name
	}
	return field
}

func (c Config) Capacities() tasks.Capacities {
	return tasks.Capacities{
		Active:    c.CapacityActive,
		Completed: c.CapacityCompleted,
		Failed:    c.CapacityFailed,
	}
}

func (c Config) HistoryWindow() tasks.HistoryWindow {
	return tasks.HistoryWindow{Lookback: c.HistoryLookback, Limit: c.HistoryLimit}
}
