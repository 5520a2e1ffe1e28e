package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// allKeys — все переменные окружения, которые читает Load.
var allKeys = []string{
	"DE_ENV_FILE", "DE_PORT", "DE_DATA_DIR", "DE_STORE_DSN", "DE_JOURNAL_DIR",
	"DE_INBOX_DIR", "DE_INBOX_RESCAN_INTERVAL", "DE_PROGRESS_INTERVAL",
	"DE_STALL_TIMEOUT", "DE_STALL_CHECK_INTERVAL", "DE_TRANSFER_TIMEOUT",
	"DE_ORIGIN_CA_CERT", "DE_JWKS_URL", "DE_JWKS_CA_CERT", "DE_JWKS_REFRESH_INTERVAL",
	"DE_JWT_LEEWAY", "DE_SESSION_TOKEN", "DE_API_AUTH", "DE_SINK_CACHE_SIZE",
	"DE_SINK_CACHE_TTL", "DE_AMQP_URL", "DE_AMQP_EXCHANGE", "DE_RECONCILE_INTERVAL",
	"DE_RECONCILE_VERIFY_CHECKSUMS", "DE_LEGACY_IMPORT_PATH", "DE_LOG_LEVEL",
	"DE_LOG_FORMAT", "DE_DEPHEALTH_CHECK_INTERVAL", "DE_DEPHEALTH_GROUP",
	"DEPHEALTH_NAME", "DE_HTTP_READ_TIMEOUT", "DE_HTTP_WRITE_TIMEOUT",
	"DE_HTTP_IDLE_TIMEOUT", "DE_SHUTDOWN_TIMEOUT",
}

// setEnv очищает все DE_* переменные и устанавливает vars.
// Пустое значение Load трактует как незаданное.
func setEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	setEnv(t, map[string]string{"DE_DATA_DIR": "/data"})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8030 {
		t.Errorf("Port = %d, ожидалось 8030", cfg.Port)
	}
	if cfg.StoreDSN != "file://"+filepath.Join("/data", "records") {
		t.Errorf("StoreDSN = %q", cfg.StoreDSN)
	}
	if cfg.JournalDir != filepath.Join("/data", "journal") {
		t.Errorf("JournalDir = %q", cfg.JournalDir)
	}
	if cfg.InboxDir != "" {
		t.Errorf("InboxDir = %q, ожидалась пустая строка", cfg.InboxDir)
	}

	durations := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"ProgressInterval", cfg.ProgressInterval, 500 * time.Millisecond},
		{"StallTimeout", cfg.StallTimeout, 5 * time.Minute},
		{"StallCheckInterval", cfg.StallCheckInterval, 15 * time.Second},
		{"TransferTimeout", cfg.TransferTimeout, 0},
		{"JWTLeeway", cfg.JWTLeeway, 30 * time.Second},
		{"SinkCacheTTL", cfg.SinkCacheTTL, time.Hour},
		{"ReconcileInterval", cfg.ReconcileInterval, 10 * time.Minute},
		{"DephealthCheckInterval", cfg.DephealthCheckInterval, 15 * time.Second},
		{"HTTPWriteTimeout", cfg.HTTPWriteTimeout, 0},
		{"ShutdownTimeout", cfg.ShutdownTimeout, 5 * time.Second},
	}
	for _, d := range durations {
		if d.got != d.want {
			t.Errorf("%s = %v, ожидалось %v", d.name, d.got, d.want)
		}
	}

	if cfg.SinkCacheSize != 256 {
		t.Errorf("SinkCacheSize = %d, ожидалось 256", cfg.SinkCacheSize)
	}
	if cfg.AMQPExchange != "download.live" {
		t.Errorf("AMQPExchange = %q", cfg.AMQPExchange)
	}
	if cfg.APIAuth || cfg.ReconcileVerifyChecksums {
		t.Error("булевы параметры по умолчанию должны быть false")
	}
	if cfg.LogLevel != slog.LevelInfo || cfg.LogFormat != "json" {
		t.Errorf("логирование: level=%v format=%q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.DephealthGroup != "download-engine" {
		t.Errorf("DephealthGroup = %q", cfg.DephealthGroup)
	}
}

func TestLoad_AllCustomValues(t *testing.T) {
	setEnv(t, map[string]string{
		"DE_PORT":                       "9000",
		"DE_DATA_DIR":                   "/var/lib/de",
		"DE_STORE_DSN":                  "postgres://de:secret@db:5432/de",
		"DE_JOURNAL_DIR":                "/var/lib/de-journal",
		"DE_INBOX_DIR":                  "/var/spool/de",
		"DE_STALL_TIMEOUT":              "0",
		"DE_TRANSFER_TIMEOUT":           "2h",
		"DE_JWKS_URL":                   "https://auth/certs",
		"DE_API_AUTH":                   "true",
		"DE_SINK_CACHE_SIZE":            "16",
		"DE_AMQP_URL":                   "amqp://guest:guest@mq:5672/",
		"DE_RECONCILE_VERIFY_CHECKSUMS": "1",
		"DE_LOG_LEVEL":                  "debug",
		"DE_LOG_FORMAT":                 "text",
		"DEPHEALTH_NAME":                "de-0",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9000 || cfg.DataDir != "/var/lib/de" || cfg.JournalDir != "/var/lib/de-journal" {
		t.Errorf("неожиданные значения: %+v", cfg)
	}
	if cfg.StoreDSN != "postgres://de:secret@db:5432/de" {
		t.Errorf("StoreDSN = %q", cfg.StoreDSN)
	}
	if cfg.StallTimeout != 0 || cfg.TransferTimeout != 2*time.Hour {
		t.Errorf("StallTimeout=%v TransferTimeout=%v", cfg.StallTimeout, cfg.TransferTimeout)
	}
	if !cfg.APIAuth || !cfg.ReconcileVerifyChecksums {
		t.Error("булевы параметры не применены")
	}
	if cfg.SinkCacheSize != 16 || cfg.LogLevel != slog.LevelDebug || cfg.LogFormat != "text" {
		t.Errorf("неожиданные значения: %+v", cfg)
	}
	if cfg.DephealthName != "de-0" {
		t.Errorf("DephealthName = %q", cfg.DephealthName)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		vars    map[string]string
		wantKey string
	}{
		{"нет DATA_DIR", map[string]string{}, "DE_DATA_DIR"},
		{"порт не число", map[string]string{"DE_PORT": "abc"}, "DE_PORT"},
		{"порт вне диапазона", map[string]string{"DE_PORT": "70000"}, "DE_PORT"},
		{"схема DSN", map[string]string{"DE_STORE_DSN": "mysql://x"}, "DE_STORE_DSN"},
		{"длительность", map[string]string{"DE_PROGRESS_INTERVAL": "быстро"}, "DE_PROGRESS_INTERVAL"},
		{"нулевой интервал", map[string]string{"DE_STALL_CHECK_INTERVAL": "0"}, "DE_STALL_CHECK_INTERVAL"},
		{"отрицательный таймаут", map[string]string{"DE_STALL_TIMEOUT": "-1s"}, "DE_STALL_TIMEOUT"},
		{"API auth без JWKS", map[string]string{"DE_API_AUTH": "true"}, "DE_API_AUTH"},
		{"bool", map[string]string{"DE_API_AUTH": "да"}, "DE_API_AUTH"},
		{"размер кэша", map[string]string{"DE_SINK_CACHE_SIZE": "0"}, "DE_SINK_CACHE_SIZE"},
		{"уровень логов", map[string]string{"DE_LOG_LEVEL": "trace"}, "DE_LOG_LEVEL"},
		{"формат логов", map[string]string{"DE_LOG_FORMAT": "xml"}, "DE_LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vars := map[string]string{"DE_DATA_DIR": "/data"}
			if tt.wantKey == "DE_DATA_DIR" {
				vars = map[string]string{}
			}
			for k, v := range tt.vars {
				vars[k] = v
			}
			setEnv(t, vars)

			_, err := Load()
			if err == nil {
				t.Fatal("ожидалась ошибка")
			}
			if !strings.HasPrefix(err.Error(), tt.wantKey) {
				t.Errorf("ошибка должна начинаться с %s: %v", tt.wantKey, err)
			}
		})
	}
}

func TestLoad_ValidLogLevels(t *testing.T) {
	levels := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range levels {
		t.Run(in, func(t *testing.T) {
			setEnv(t, map[string]string{"DE_DATA_DIR": "/data", "DE_LOG_LEVEL": in})
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.LogLevel != want {
				t.Errorf("LogLevel = %v, ожидалось %v", cfg.LogLevel, want)
			}
		})
	}
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "de.env")
	content := "DE_DATA_DIR=/from-file\nDE_PORT=8099\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	// Переменная окружения имеет приоритет над .env
	setEnv(t, map[string]string{"DE_ENV_FILE": path, "DE_PORT": "8040"})
	// godotenv не перезаписывает заданные переменные, а пустые t.Setenv считаются заданными
	os.Unsetenv("DE_DATA_DIR")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/from-file" {
		t.Errorf("DataDir = %q, ожидалось значение из файла", cfg.DataDir)
	}
	if cfg.Port != 8040 {
		t.Errorf("Port = %d, ожидалось значение из окружения", cfg.Port)
	}
}

func TestLoad_EnvFileMissing(t *testing.T) {
	setEnv(t, map[string]string{"DE_DATA_DIR": "/data", "DE_ENV_FILE": "/nonexistent/de.env"})
	if _, err := Load(); err == nil || !strings.HasPrefix(err.Error(), "DE_ENV_FILE") {
		t.Errorf("ожидалась ошибка DE_ENV_FILE, получено %v", err)
	}
}

func TestSetupLogger(t *testing.T) {
	for _, format := range []string{"json", "text"} {
		t.Run(format, func(t *testing.T) {
			logger := SetupLogger(&Config{LogLevel: slog.LevelWarn, LogFormat: format})
			if logger == nil {
				t.Fatal("SetupLogger вернул nil")
			}
			if logger.Enabled(t.Context(), slog.LevelInfo) {
				t.Error("уровень Info не должен быть включён при LevelWarn")
			}
		})
	}
}
