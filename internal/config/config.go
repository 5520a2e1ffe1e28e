// Пакет config — загрузка и валидация конфигурации Download Engine
// из переменных окружения (DE_*) и необязательного .env файла.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Download Engine.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Корневая директория данных (payload, записи, журнал)
	DataDir string
	// DSN хранилища записей: file://, memory:, postgres://
	StoreDSN string
	// Директория журнала передач (resume-токены)
	JournalDir string
	// Директория входящих уведомлений (пусто — не отслеживается)
	InboxDir string
	// Интервал полного пересканирования inbox
	InboxRescanInterval time.Duration

	// Минимальный интервал между событиями прогресса
	ProgressInterval time.Duration
	// Таймаут неактивности передачи (0 — без ограничения)
	StallTimeout time.Duration
	// Интервал проверки зависших передач
	StallCheckInterval time.Duration
	// Общий таймаут HTTP-клиента передач (0 — без ограничения)
	TransferTimeout time.Duration
	// CA-сертификат сервера-источника (опционально)
	OriginCACert string

	// URL JWKS для проверки токена сессии и токенов API
	JWKSURL string
	// CA-сертификат JWKS endpoint (опционально)
	JWKSCACert string
	// Интервал обновления ключей JWKS
	JWKSRefreshInterval time.Duration
	// Допуск часов при проверке exp
	JWTLeeway time.Duration
	// Начальный токен сессии (опционально)
	SessionToken string
	// JWT-аутентификация запросов к API
	APIAuth bool

	// Размер кэша отображаемых полей Live Progress Sink
	SinkCacheSize int
	// Время жизни записи кэша sink
	SinkCacheTTL time.Duration
	// URL брокера AMQP (пусто — поверхность AMQP выключена)
	AMQPURL string
	// Exchange для обновлений live-потока
	AMQPExchange string

	// Интервал сверки хранилища записей и диска
	ReconcileInterval time.Duration
	// Проверять SHA-256 payload при сверке
	ReconcileVerifyChecksums bool
	// Путь к legacy-базе для однократного импорта (опционально)
	LegacyImportPath string

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Имя владельца пода для метки name в topologymetrics (DEPHEALTH_NAME)
	DephealthName string

	// Таймауты HTTP-сервера
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	// Таймаут graceful shutdown
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
// Перед разбором подгружается .env (DE_ENV_FILE или ./.env, если есть);
// уже заданные переменные окружения не перезаписываются.
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	var err error

	// DE_PORT — порт HTTP-сервера (по умолчанию 8030)
	cfg.Port, err = getEnvInt("DE_PORT", 8030)
	if err != nil {
		return nil, fmt.Errorf("DE_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("DE_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// DE_DATA_DIR — обязательный
	cfg.DataDir, err = getEnvRequired("DE_DATA_DIR")
	if err != nil {
		return nil, err
	}

	cfg.StoreDSN = getEnvDefault("DE_STORE_DSN", "file://"+filepath.Join(cfg.DataDir, "records"))
	if !validStoreDSN(cfg.StoreDSN) {
		return nil, fmt.Errorf("DE_STORE_DSN: неподдерживаемая схема %q, допустимые: file://, memory:, postgres://", cfg.StoreDSN)
	}
	cfg.JournalDir = getEnvDefault("DE_JOURNAL_DIR", filepath.Join(cfg.DataDir, "journal"))
	cfg.InboxDir = getEnvDefault("DE_INBOX_DIR", "")

	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
		// allowZero — 0 означает «без ограничения»
		allowZero bool
	}{
		{"DE_INBOX_RESCAN_INTERVAL", &cfg.InboxRescanInterval, time.Minute, false},
		{"DE_PROGRESS_INTERVAL", &cfg.ProgressInterval, 500 * time.Millisecond, false},
		{"DE_STALL_TIMEOUT", &cfg.StallTimeout, 5 * time.Minute, true},
		{"DE_STALL_CHECK_INTERVAL", &cfg.StallCheckInterval, 15 * time.Second, false},
		{"DE_TRANSFER_TIMEOUT", &cfg.TransferTimeout, 0, true},
		{"DE_JWKS_REFRESH_INTERVAL", &cfg.JWKSRefreshInterval, 15 * time.Minute, false},
		{"DE_JWT_LEEWAY", &cfg.JWTLeeway, 30 * time.Second, true},
		{"DE_SINK_CACHE_TTL", &cfg.SinkCacheTTL, time.Hour, false},
		{"DE_RECONCILE_INTERVAL", &cfg.ReconcileInterval, 10 * time.Minute, false},
		{"DE_DEPHEALTH_CHECK_INTERVAL", &cfg.DephealthCheckInterval, 15 * time.Second, false},
		{"DE_HTTP_READ_TIMEOUT", &cfg.HTTPReadTimeout, 30 * time.Second, false},
		{"DE_HTTP_WRITE_TIMEOUT", &cfg.HTTPWriteTimeout, 0, true},
		{"DE_HTTP_IDLE_TIMEOUT", &cfg.HTTPIdleTimeout, 120 * time.Second, false},
		{"DE_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout, 5 * time.Second, false},
	}
	for _, d := range durations {
		v, err := getEnvDuration(d.key, d.def)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		if v < 0 || (v == 0 && !d.allowZero) {
			return nil, fmt.Errorf("%s: значение должно быть положительным, получено %s", d.key, v)
		}
		*d.dst = v
	}

	cfg.OriginCACert = getEnvDefault("DE_ORIGIN_CA_CERT", "")
	cfg.JWKSURL = getEnvDefault("DE_JWKS_URL", "")
	cfg.JWKSCACert = getEnvDefault("DE_JWKS_CA_CERT", "")
	cfg.SessionToken = getEnvDefault("DE_SESSION_TOKEN", "")

	// DE_API_AUTH — JWT для API; ключи берутся из того же JWKS
	cfg.APIAuth, err = getEnvBool("DE_API_AUTH", false)
	if err != nil {
		return nil, fmt.Errorf("DE_API_AUTH: %w", err)
	}
	if cfg.APIAuth && cfg.JWKSURL == "" {
		return nil, fmt.Errorf("DE_API_AUTH: требует DE_JWKS_URL")
	}

	// DE_SINK_CACHE_SIZE — количество fileId в кэше sink (по умолчанию 256)
	cfg.SinkCacheSize, err = getEnvInt("DE_SINK_CACHE_SIZE", 256)
	if err != nil {
		return nil, fmt.Errorf("DE_SINK_CACHE_SIZE: %w", err)
	}
	if cfg.SinkCacheSize <= 0 {
		return nil, fmt.Errorf("DE_SINK_CACHE_SIZE: значение должно быть положительным, получено %d", cfg.SinkCacheSize)
	}

	cfg.AMQPURL = getEnvDefault("DE_AMQP_URL", "")
	cfg.AMQPExchange = getEnvDefault("DE_AMQP_EXCHANGE", "download.live")

	cfg.ReconcileVerifyChecksums, err = getEnvBool("DE_RECONCILE_VERIFY_CHECKSUMS", false)
	if err != nil {
		return nil, fmt.Errorf("DE_RECONCILE_VERIFY_CHECKSUMS: %w", err)
	}
	cfg.LegacyImportPath = getEnvDefault("DE_LEGACY_IMPORT_PATH", "")

	// DE_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("DE_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("DE_LOG_LEVEL: %w", err)
	}

	// DE_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("DE_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("DE_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.DephealthGroup = getEnvDefault("DE_DEPHEALTH_GROUP", "download-engine")
	// DEPHEALTH_NAME — имя владельца пода (без префикса модуля)
	cfg.DephealthName = getEnvDefault("DEPHEALTH_NAME", "")

	return cfg, nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// loadEnvFile загружает DE_ENV_FILE (обязан существовать) или ./.env (если есть).
func loadEnvFile() error {
	if path := os.Getenv("DE_ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("DE_ENV_FILE: не удалось загрузить %q: %w", path, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("не удалось загрузить .env: %w", err)
	}
	return nil
}

// validStoreDSN проверяет схему DSN хранилища записей.
func validStoreDSN(dsn string) bool {
	for _, prefix := range []string{"file:", "memory:", "postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return true
		}
	}
	return false
}

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 500ms, 30s, 5m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
