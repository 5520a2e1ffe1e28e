// metrics.go — Prometheus HTTP метрики Download Engine.
// Регистрирует метрики: download_engine_http_requests_total,
// download_engine_http_request_duration_seconds.
// Метрики движка (переходы, передачи, sink) регистрируются в своих пакетах.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "download_engine_http_requests_total",
			Help: "Общее количество HTTP-запросов к Download Engine",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "download_engine_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Download Engine в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// OperationsTotal — операции API над файлами (serve, delete, retry, purge, notify).
var OperationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "download_engine_operations_total",
		Help: "Общее количество операций API над файлами",
	},
	[]string{"operation", "result"},
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
// Записывает количество запросов и длительность для каждого endpoint.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Нормализуем путь для лейблов метрик
			// (заменяем file_id на {id} для предотвращения кардинальности)
			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.statusCode)

			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(duration)
		})
	}
}

// normalizePath заменяет сегмент file_id на {id}.
// /api/v1/files/abc123/content → /api/v1/files/{id}/content
func normalizePath(path string) string {
	const filesPrefix = "/api/v1/files/"

	switch path {
	case "/health/live", "/health/ready", "/metrics",
		"/api/v1/files", "/api/v1/notifications", "/api/v1/session",
		"/api/v1/live", "/api/v1/info", "/api/v1/maintenance/reconcile":
		return path
	}

	if rest, ok := strings.CutPrefix(path, filesPrefix); ok && rest != "" {
		_, suffix, found := strings.Cut(rest, "/")
		switch {
		case !found:
			return filesPrefix + "{id}"
		case suffix == "content" || suffix == "retry":
			return filesPrefix + "{id}/" + suffix
		}
	}
	return "other"
}
