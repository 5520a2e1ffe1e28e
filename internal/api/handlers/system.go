// system.go — обработчик GET /api/v1/info (состояние Download Engine).
// Публичный endpoint (без аутентификации) для мониторинга.
package handlers

import (
	"net/http"

	"github.com/bigkaa/download-engine/internal/config"
)

// TransferStats — состояние координатора передач.
type TransferStats interface {
	ActiveCount() int
	Paused() bool
}

// SessionState — валидность сессии.
type SessionState interface {
	Valid() bool
}

// SubscriberCounter — количество подписчиков live-потока (sink.Hub).
type SubscriberCounter interface {
	Subscribers() int
}

// DiskUsageFunc — ёмкость диска директории данных: total, used, available в байтах.
type DiskUsageFunc func() (total, used, available int64, err error)

// SystemHandler — обработчик системных endpoints.
type SystemHandler struct {
	storeBackend string
	transfers    TransferStats
	session      SessionState
	live         SubscriberCounter
	diskUsage    DiskUsageFunc
}

// NewSystemHandler создаёт обработчик системных endpoints.
// diskUsage может быть nil — блок disk в ответе не выводится.
func NewSystemHandler(storeBackend string, transfers TransferStats, sess SessionState, live SubscriberCounter, diskUsage DiskUsageFunc) *SystemHandler {
	return &SystemHandler{
		storeBackend: storeBackend,
		transfers:    transfers,
		session:      sess,
		live:         live,
		diskUsage:    diskUsage,
	}
}

// diskInfo — ёмкость диска директории данных.
type diskInfo struct {
	TotalBytes     int64 `json:"total_bytes"`
	UsedBytes      int64 `json:"used_bytes"`
	AvailableBytes int64 `json:"available_bytes"`
}

// infoResponse — ответ GET /api/v1/info.
type infoResponse struct {
	Service         string    `json:"service"`
	Version         string    `json:"version"`
	StoreBackend    string    `json:"store_backend"`
	SessionValid    bool      `json:"session_valid"`
	ActiveTransfers int       `json:"active_transfers"`
	TransfersPaused bool      `json:"transfers_paused"`
	LiveSubscribers int       `json:"live_subscribers"`
	Disk            *diskInfo `json:"disk,omitempty"`
}

// GetInfo обрабатывает GET /api/v1/info.
func (h *SystemHandler) GetInfo(w http.ResponseWriter, _ *http.Request) {
	resp := infoResponse{
		Service:         serviceName,
		Version:         config.Version,
		StoreBackend:    h.storeBackend,
		SessionValid:    h.session.Valid(),
		ActiveTransfers: h.transfers.ActiveCount(),
		TransfersPaused: h.transfers.Paused(),
		LiveSubscribers: h.live.Subscribers(),
	}
	// Ошибка statfs не критична: информация о диске просто не выводится
	if h.diskUsage != nil {
		if total, used, available, err := h.diskUsage(); err == nil {
			resp.Disk = &diskInfo{TotalBytes: total, UsedBytes: used, AvailableBytes: available}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
