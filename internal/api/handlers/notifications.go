// notifications.go — приём push-уведомлений сервера по HTTP.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	apierrors "github.com/bigkaa/download-engine/internal/api/errors"
	"github.com/bigkaa/download-engine/internal/api/middleware"
	"github.com/bigkaa/download-engine/internal/notification"
)

// maxNotificationBytes — ограничение размера тела уведомления.
const maxNotificationBytes = 1 << 20

// NotificationSink — приёмник уведомлений (engine.Engine).
type NotificationSink interface {
	HandleNotification(ctx context.Context, payload map[string]any) error
}

// NotificationsHandler — обработчик POST /api/v1/notifications.
type NotificationsHandler struct {
	sink NotificationSink
}

// NewNotificationsHandler создаёт обработчик уведомлений.
func NewNotificationsHandler(sink NotificationSink) *NotificationsHandler {
	return &NotificationsHandler{sink: sink}
}

// Receive обрабатывает POST /api/v1/notifications.
// Тело — JSON-объект уведомления. Ответ 204 означает, что событие
// обработано и запись сохранена. Ошибка формата — 400, хранилища — 503.
func (h *NotificationsHandler) Receive(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNotificationBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierrors.ValidationError(w, "Тело уведомления слишком большое")
			return
		}
		apierrors.ValidationError(w, "Ошибка чтения тела запроса")
		return
	}

	payload, err := notification.DecodeJSON(data)
	if err == nil {
		err = h.sink.HandleNotification(r.Context(), payload)
	}
	if err != nil {
		middleware.OperationsTotal.WithLabelValues("notify", "error").Inc()
		writeEngineError(w, err)
		return
	}

	middleware.OperationsTotal.WithLabelValues("notify", "success").Inc()
	w.WriteHeader(http.StatusNoContent)
}
