package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var allKeys = []string{
	"YDL_USERS", "YDL_DEFAULT_PRESET", "YDL_OUTPUT_TEMPLATE", "YDL_ARCHIVE_FILE",
	"YDL_UPDATE_ON_START", "YDL_PROGRESS_INTERVAL", "YDL_SERVER_HOST", "YDL_SERVER_PORT",
	"YDL_STATIC_DIR", "YDL_AUTH_DELAY", "YDL_HTTP_READ_TIMEOUT", "YDL_HTTP_IDLE_TIMEOUT",
	"YDL_SHUTDOWN_TIMEOUT", "YDL_LOGFILE", "YDL_DL_LOGFILE", "YDL_LOGLEVEL",
	"YDL_LOG_FORMAT", "YDL_DATABASE_URL",
}

// setEnvVars clears every YDL_* variable, then sets vars for the duration
// of the test.
func setEnvVars(t *testing.T, vars map[string]string) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func TestLoadDefaults(t *testing.T) {
	setEnvVars(t, nil)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Users != "youtube-dl:testing:./" {
		t.Errorf("Users = %q", cfg.Users)
	}
	if cfg.DefaultPreset != "normalmp4" {
		t.Errorf("DefaultPreset = %q", cfg.DefaultPreset)
	}
	if cfg.OutputTemplate != "{title} [{id}]" {
		t.Errorf("OutputTemplate = %q", cfg.OutputTemplate)
	}
	if cfg.Addr() != "0.0.0.0:8080" {
		t.Errorf("Addr = %q", cfg.Addr())
	}
	if cfg.LogFile != "youtube-dl-server.log" || cfg.DownloadLogFile != "youtube-dl.log" {
		t.Errorf("Unexpected log files %q %q", cfg.LogFile, cfg.DownloadLogFile)
	}
	if cfg.LogLevel != slog.LevelInfo || cfg.LogFormat != "text" {
		t.Errorf("Unexpected logging %v %q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.AuthDelay != time.Second {
		t.Errorf("AuthDelay = %v", cfg.AuthDelay)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
	if !cfg.UpdateOnStart {
		t.Error("Expected UpdateOnStart by default")
	}
	if cfg.DatabaseURL != "" || cfg.ArchiveFile != "" {
		t.Error("Expected history and archive to be disabled")
	}
	if cfg.Verbose() {
		t.Error("Expected non-verbose at info level")
	}
}

func TestLoadOverrides(t *testing.T) {
	setEnvVars(t, map[string]string{
		"YDL_USERS":           "alice:secret:/data/alice:1000",
		"YDL_DEFAULT_PRESET":  "mp3",
		"YDL_SERVER_HOST":     "127.0.0.1",
		"YDL_SERVER_PORT":     "9000",
		"YDL_LOGLEVEL":        "DEBUG",
		"YDL_LOG_FORMAT":      "JSON",
		"YDL_AUTH_DELAY":      "250ms",
		"YDL_UPDATE_ON_START": "false",
		"YDL_DATABASE_URL":    "postgres://ydl@db/ydl",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Users != "alice:secret:/data/alice:1000" || cfg.DefaultPreset != "mp3" {
		t.Errorf("Unexpected tenant settings %+v", cfg)
	}
	if cfg.Addr() != "127.0.0.1:9000" {
		t.Errorf("Addr = %q", cfg.Addr())
	}
	if cfg.LogLevel != slog.LevelDebug || !cfg.Verbose() {
		t.Errorf("Expected debug level, got %v", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q", cfg.LogFormat)
	}
	if cfg.AuthDelay != 250*time.Millisecond {
		t.Errorf("AuthDelay = %v", cfg.AuthDelay)
	}
	if cfg.UpdateOnStart {
		t.Error("Expected UpdateOnStart=false")
	}
	if cfg.DatabaseURL != "postgres://ydl@db/ydl" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
		want string
	}{
		{"bad port", map[string]string{"YDL_SERVER_PORT": "http"}, "YDL_SERVER_PORT"},
		{"port out of range", map[string]string{"YDL_SERVER_PORT": "70000"}, "YDL_SERVER_PORT"},
		{"bad level", map[string]string{"YDL_LOGLEVEL": "LOUD"}, "YDL_LOGLEVEL"},
		{"bad format", map[string]string{"YDL_LOG_FORMAT": "xml"}, "YDL_LOG_FORMAT"},
		{"bad delay", map[string]string{"YDL_AUTH_DELAY": "soon"}, "YDL_AUTH_DELAY"},
		{"negative delay", map[string]string{"YDL_AUTH_DELAY": "-1s"}, "YDL_AUTH_DELAY"},
		{"bad bool", map[string]string{"YDL_UPDATE_ON_START": "maybe"}, "YDL_UPDATE_ON_START"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnvVars(t, tt.vars)
			_, err := Load()
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error to mention %s, got %v", tt.want, err)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":    slog.LevelDebug,
		"INFO":     slog.LevelInfo,
		"Warning":  slog.LevelWarn,
		"warn":     slog.LevelWarn,
		"ERROR":    slog.LevelError,
		"CRITICAL": slog.LevelError,
	}
	for in, want := range tests {
		got, err := parseLogLevel(in)
		if err != nil || got != want {
			t.Errorf("parseLogLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}

func TestNewHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{LogFormat: "json", LogLevel: slog.LevelInfo}
	logger := slog.New(cfg.NewHandler(&buf))
	logger.Debug("hidden")
	logger.Info("shown", slog.String("k", "v"))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Expected debug line to be filtered: %s", out)
	}
	if !strings.HasPrefix(out, "{") || !strings.Contains(out, `"k":"v"`) {
		t.Errorf("Expected JSON output, got %s", out)
	}
}

func TestSetupLoggersWritesFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		LogFile:         filepath.Join(dir, "server.log"),
		DownloadLogFile: filepath.Join(dir, "download.log"),
		LogLevel:        slog.LevelInfo,
		LogFormat:       "text",
	}

	defaultLogger := slog.Default()
	t.Cleanup(func() { slog.SetDefault(defaultLogger) })

	logs, err := SetupLoggers(cfg)
	if err != nil {
		t.Fatalf("SetupLoggers: %v", err)
	}
	logs.Server.Info("server line")
	logs.Download.Info("download line")
	if err := logs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	server, _ := os.ReadFile(cfg.LogFile)
	download, _ := os.ReadFile(cfg.DownloadLogFile)
	if !strings.Contains(string(server), "server line") || strings.Contains(string(server), "download line") {
		t.Errorf("Unexpected server log: %s", server)
	}
	if !strings.Contains(string(download), "download line") || !strings.Contains(string(download), "logger=youtubedl") {
		t.Errorf("Unexpected download log: %s", download)
	}
}

func TestSetupLoggersBadPath(t *testing.T) {
	cfg := &Config{LogFile: filepath.Join(t.TempDir(), "missing", "server.log"), LogFormat: "text"}
	if _, err := SetupLoggers(cfg); err == nil {
		t.Error("Expected error for unwritable log path")
	}
}
