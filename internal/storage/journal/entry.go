// Пакет journal — журнал незавершённых передач.
// Каждая активная передача — отдельный файл {file_id}.transfer.json
// в DE_JOURNAL_DIR. Запись создаётся до первого HTTP-запроса,
// обновляется на каждом тике прогресса и удаляется при терминальном
// исходе. При рестарте оставшиеся записи возобновляются.
package journal

import (
	"time"
)

// Entry — запись журнала передачи.
type Entry struct {
	// TransferID — идентификатор передачи (UUID v4)
	TransferID string `json:"transfer_id"`

	// FileID — идентификатор файла
	FileID string `json:"file_id"`

	// URL — источник данных
	URL string `json:"url"`

	// Ext — расширение постоянного файла payload
	Ext string `json:"ext,omitempty"`

	// PartialPath — путь к частично скачанному файлу
	PartialPath string `json:"partial_path"`

	// BytesReceived — размер данных, зафиксированных в PartialPath
	BytesReceived int64 `json:"bytes_received"`

	// BytesExpected — ожидаемый размер (0 — неизвестен)
	BytesExpected int64 `json:"bytes_expected"`

	// Validator — ETag или Last-Modified ответа источника для If-Range
	Validator string `json:"validator,omitempty"`

	// Paused — передача остановлена из-за невалидной сессии
	Paused bool `json:"paused,omitempty"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResumeToken возвращает валидатор и смещение для продолжения передачи.
func (e *Entry) ResumeToken() (validator string, offset int64) {
	return e.Validator, e.BytesReceived
}

// entrySuffix — суффикс файла записи журнала.
const entrySuffix = ".transfer.json"
