// Package config loads the server configuration from the environment and
// builds the loggers it describes.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every setting of the download server.
type Config struct {
	// --- Tenants and downloads ---

	// Tenant spec, "user:token:outdir:uid:gid" entries separated by ";"
	Users string
	// Preset used for unknown or missing preset tokens
	DefaultPreset string
	// File name template, e.g. "{title} [{id}]"
	OutputTemplate string
	// Extractor download archive, empty to disable
	ArchiveFile string
	// Install or update the extractor at startup
	UpdateOnStart bool
	// Minimum time between two progress log lines of one job
	ProgressInterval time.Duration

	// --- Server ---

	Host string
	Port int
	// Directory served under /static/
	StaticDir string
	// Delay applied to every failed authorization
	AuthDelay time.Duration

	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration
	// Time allowed for HTTP drain and for the in-flight download at shutdown
	ShutdownTimeout time.Duration

	// --- Logging ---

	// Server log file, empty for stdout only
	LogFile string
	// Download worker log file, empty for stdout only
	DownloadLogFile string
	LogLevel        slog.Level
	// json or text
	LogFormat string

	// --- History ---

	// PostgreSQL URL; empty disables job history
	DatabaseURL string
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	cfg.Users = getEnvDefault("YDL_USERS", "youtube-dl:testing:./")
	cfg.DefaultPreset = getEnvDefault("YDL_DEFAULT_PRESET", "normalmp4")
	cfg.OutputTemplate = getEnvDefault("YDL_OUTPUT_TEMPLATE", "{title} [{id}]")
	cfg.ArchiveFile = os.Getenv("YDL_ARCHIVE_FILE")

	cfg.UpdateOnStart, err = getEnvBool("YDL_UPDATE_ON_START", true)
	if err != nil {
		return nil, fmt.Errorf("YDL_UPDATE_ON_START: %w", err)
	}

	cfg.ProgressInterval, err = getEnvDuration("YDL_PROGRESS_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("YDL_PROGRESS_INTERVAL: %w", err)
	}

	cfg.Host = getEnvDefault("YDL_SERVER_HOST", "0.0.0.0")
	cfg.Port, err = getEnvInt("YDL_SERVER_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("YDL_SERVER_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("YDL_SERVER_PORT: port %d out of range 1-65535", cfg.Port)
	}

	cfg.StaticDir = getEnvDefault("YDL_STATIC_DIR", "./static")

	cfg.AuthDelay, err = getEnvDuration("YDL_AUTH_DELAY", time.Second)
	if err != nil {
		return nil, fmt.Errorf("YDL_AUTH_DELAY: %w", err)
	}

	cfg.HTTPReadTimeout, err = getEnvDuration("YDL_HTTP_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("YDL_HTTP_READ_TIMEOUT: %w", err)
	}
	cfg.HTTPIdleTimeout, err = getEnvDuration("YDL_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("YDL_HTTP_IDLE_TIMEOUT: %w", err)
	}
	cfg.ShutdownTimeout, err = getEnvDuration("YDL_SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("YDL_SHUTDOWN_TIMEOUT: %w", err)
	}

	cfg.LogFile = getEnvDefault("YDL_LOGFILE", "youtube-dl-server.log")
	cfg.DownloadLogFile = getEnvDefault("YDL_DL_LOGFILE", "youtube-dl.log")

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("YDL_LOGLEVEL", "INFO"))
	if err != nil {
		return nil, fmt.Errorf("YDL_LOGLEVEL: %w", err)
	}

	cfg.LogFormat = strings.ToLower(getEnvDefault("YDL_LOG_FORMAT", "text"))
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("YDL_LOG_FORMAT: invalid format %q, allowed: json, text", cfg.LogFormat)
	}

	cfg.DatabaseURL = os.Getenv("YDL_DATABASE_URL")

	return cfg, nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Verbose reports whether the extractor should print debug output.
func (c *Config) Verbose() bool {
	return c.LogLevel <= slog.LevelDebug
}

// NewHandler builds a log handler writing to w in the configured format
// and level.
func (c *Config) NewHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Logs holds the server and download loggers and their open files.
type Logs struct {
	Server   *slog.Logger
	Download *slog.Logger
	// DownloadWriter is the destination of Download, shared with per-job
	// loggers.
	DownloadWriter io.Writer

	files []*os.File
}

// SetupLoggers opens the configured log files and builds loggers that
// write to stdout and to their file. The server logger becomes the slog
// default.
func SetupLoggers(cfg *Config) (*Logs, error) {
	logs := &Logs{}

	serverOut, err := logs.open(cfg.LogFile)
	if err != nil {
		return nil, err
	}
	downloadOut, err := logs.open(cfg.DownloadLogFile)
	if err != nil {
		logs.Close()
		return nil, err
	}

	logs.Server = slog.New(cfg.NewHandler(serverOut)).With(slog.String("logger", "youtubedl-server"))
	logs.Download = slog.New(cfg.NewHandler(downloadOut)).With(slog.String("logger", "youtubedl"))
	logs.DownloadWriter = downloadOut

	slog.SetDefault(logs.Server)
	return logs, nil
}

func (l *Logs) open(path string) (io.Writer, error) {
	if path == "" {
		return os.Stdout, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	l.files = append(l.files, f)
	return io.MultiWriter(os.Stdout, f), nil
}

// Close closes the log files.
func (l *Logs) Close() error {
	var errs []error
	for _, f := range l.files {
		errs = append(errs, f.Close())
	}
	l.files = nil
	return errors.Join(errs...)
}

// getEnvDefault returns the variable's value or defaultVal when unset.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %q", val)
	}
	return n, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %q (use Go format: 30s, 1h, 15m)", val)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must not be negative: %q", val)
	}
	return d, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("invalid boolean: %q (allowed: true, false, 1, 0)", val)
	}
	return b, nil
}

// parseLogLevel accepts slog level names and the Python-style names the
// server has always used (WARNING, CRITICAL).
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "critical":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid level %q, allowed: debug, info, warn, error", level)
	}
}
