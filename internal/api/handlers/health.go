// health.go — обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bigkaa/download-engine/internal/config"
)

const (
	serviceName = "download-engine"
	// statusFail — строковая константа для статуса "fail" в health checks.
	statusFail = "fail"
	// pingTimeout — таймаут проверки хранилища записей.
	pingTimeout = 2 * time.Second
)

// StorePinger — проверка доступности хранилища записей.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler реализует health endpoints: /health/live, /health/ready.
type HealthHandler struct {
	version string
	// dataDir — директория payload (проверка FS)
	dataDir string
	// journalDir — директория журнала передач
	journalDir string
	store      StorePinger
}

// NewHealthHandler создаёт обработчик health endpoints.
// Пустые пути отключают соответствующие проверки.
func NewHealthHandler(dataDir, journalDir string, store StorePinger) *HealthHandler {
	return &HealthHandler{
		version:    config.Version,
		dataDir:    dataDir,
		journalDir: journalDir,
		store:      store,
	}
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Не проверяет зависимости.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   serviceName,
	})
}

// HealthReady обрабатывает GET /health/ready.
// Проверяет: хранилище записей, директорию payload, директорию журнала.
// Недоступный журнал — degraded: скачивания работают, но без продолжения после рестарта.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	overallStatus := "ok"
	httpStatus := http.StatusOK

	storeCheck := h.checkStore(r.Context())
	if storeCheck["status"] != "ok" {
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	fsCheck := checkWritable(h.dataDir, "Директория данных")
	if fsCheck["status"] != "ok" {
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	journalCheck := checkWritable(h.journalDir, "Директория журнала")
	if journalCheck["status"] != "ok" && overallStatus != statusFail {
		overallStatus = "degraded"
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   serviceName,
		"checks": map[string]any{
			"store":      storeCheck,
			"filesystem": fsCheck,
			"journal":    journalCheck,
		},
	})
}

// checkStore проверяет доступность хранилища записей.
func (h *HealthHandler) checkStore(ctx context.Context) map[string]any {
	if h.store == nil {
		return map[string]any{"status": "ok", "message": "Проверка не настроена"}
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "Хранилище записей недоступно: " + err.Error(),
		}
	}
	return map[string]any{"status": "ok"}
}

// checkWritable проверяет доступность директории на запись.
func checkWritable(dir, title string) map[string]any {
	if dir == "" {
		return map[string]any{
			"status":  "ok",
			"message": "Проверка не настроена",
		}
	}

	testFile := filepath.Join(dir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": title + " недоступна для записи: " + err.Error(),
		}
	}
	_ = os.Remove(testFile)

	return map[string]any{"status": "ok"}
}
