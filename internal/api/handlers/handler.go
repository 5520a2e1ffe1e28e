// handler.go — APIHandler собирает доменные handlers и регистрирует
// маршруты API в chi-роутере.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/download-engine/internal/api/middleware"
)

// APIHandler — единая точка регистрации всех endpoints.
type APIHandler struct {
	files         *FilesHandler
	notifications *NotificationsHandler
	session       *SessionHandler
	system        *SystemHandler
	maintenance   *MaintenanceHandler
	health        *HealthHandler
	live          http.Handler
	metrics       http.Handler
}

// NewAPIHandler создаёт единый handler для всех endpoints.
// live — WebSocket live-потока (sink.Hub).
func NewAPIHandler(
	files *FilesHandler,
	notifications *NotificationsHandler,
	sess *SessionHandler,
	system *SystemHandler,
	maintenance *MaintenanceHandler,
	health *HealthHandler,
	live http.Handler,
) *APIHandler {
	return &APIHandler{
		files:         files,
		notifications: notifications,
		session:       sess,
		system:        system,
		maintenance:   maintenance,
		health:        health,
		live:          live,
		metrics:       promhttp.Handler(),
	}
}

// Routes регистрирует маршруты в router.
// auth == nil — API без аутентификации. Иначе /api/v1 (кроме /info)
// требует JWT и scope: чтение — downloads:read, изменение — downloads:write.
func (h *APIHandler) Routes(router chi.Router, auth func(http.Handler) http.Handler) {
	// Публичные endpoints
	router.Get("/health/live", h.health.HealthLive)
	router.Get("/health/ready", h.health.HealthReady)
	router.Method(http.MethodGet, "/metrics", h.metrics)

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/info", h.system.GetInfo)

		r.Group(func(r chi.Router) {
			if auth != nil {
				r.Use(auth)
			}
			h.protectedRoutes(r, auth != nil)
		})
	})
}

func (h *APIHandler) protectedRoutes(r chi.Router, scoped bool) {
	r.Group(func(r chi.Router) {
		if scoped {
			r.Use(middleware.RequireScope(middleware.ScopeRead))
		}
		r.Get("/files", h.files.ListFiles)
		r.Get("/files/{fileID}", h.files.GetFile)
		r.Get("/files/{fileID}/content", h.files.FileContent)
		r.Get("/session", h.session.GetSession)
		r.Method(http.MethodGet, "/live", h.live)
	})

	r.Group(func(r chi.Router) {
		if scoped {
			r.Use(middleware.RequireScope(middleware.ScopeWrite))
		}
		r.Post("/notifications", h.notifications.Receive)
		r.Delete("/files", h.files.PurgeFiles)
		r.Delete("/files/{fileID}", h.files.DeleteFile)
		r.Post("/files/{fileID}/retry", h.files.RetryFile)
		r.Put("/session", h.session.PutSession)
		r.Delete("/session", h.session.DeleteSession)
		r.Post("/maintenance/reconcile", h.maintenance.Reconcile)
	})
}
