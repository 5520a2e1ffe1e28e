package model

import "time"

// FailureKind — класс ошибки передачи.
type FailureKind string

const (
	// FailureTransient — временная ошибка, допустим внешний повтор
	FailureTransient FailureKind = "transient"
	// FailurePermanent — постоянная ошибка, повтор бессмыслен
	FailurePermanent FailureKind = "permanent"
)

// FailureReason — машиночитаемая причина ошибки.
type FailureReason string

const (
	ReasonNetwork          FailureReason = "network"
	ReasonTimeout          FailureReason = "timeout"
	ReasonHTTPStatus       FailureReason = "http_status"
	ReasonNotFound         FailureReason = "not_found"
	ReasonCanceled         FailureReason = "canceled"
	ReasonSession          FailureReason = "session"
	ReasonStorage          FailureReason = "storage"
	ReasonSizeMismatch     FailureReason = "size_mismatch"
	ReasonServerProcessing FailureReason = "server_processing"
)

// Failure — описание ошибки передачи или обработки файла.
type Failure struct {
	Kind    FailureKind   `json:"kind"`
	Reason  FailureReason `json:"reason"`
	Message string        `json:"message,omitempty"`
}

// IsTransient проверяет, допускает ли ошибка внешний повтор.
func (f Failure) IsTransient() bool {
	return f.Kind == FailureTransient
}

// Transfer — состояние активной передачи.
// Принадлежит Transfer Coordinator; наружу отдаётся копией.
type Transfer struct {
	// ID — уникальный идентификатор передачи (UUID v4)
	ID     string `json:"id"`
	FileID string `json:"file_id"`
	URL    string `json:"url"`

	BytesReceived int64 `json:"bytes_received"`
	BytesExpected int64 `json:"bytes_expected"`

	// ResumeToken — валидатор источника (ETag или Last-Modified)
	// для продолжения после рестарта процесса
	ResumeToken string `json:"resume_token,omitempty"`

	StartedAt time.Time `json:"started_at"`

	// Paused — передача приостановлена из-за невалидной сессии
	Paused bool `json:"paused"`
}

// Percent возвращает прогресс передачи в процентах (0..100).
func (t *Transfer) Percent() int {
	if t.BytesExpected <= 0 {
		return 0
	}
	p := int(t.BytesReceived * 100 / t.BytesExpected)
	if p > 100 {
		p = 100
	}
	if p < 0 {
		p = 0
	}
	return p
}
