// Пакет errors — конструкторы стандартных ошибок API.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors //nolint:revive // конфликт имени со stdlib

import (
	"encoding/json"
	"net/http"

	"github.com/bigkaa/download-engine/internal/domain/model"
)

// Коды ошибок.
const (
	CodeValidationError       = "VALIDATION_ERROR"
	CodeMalformedNotification = string(model.KindMalformedNotification)
	CodeNotFound              = "NOT_FOUND"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeForbidden             = "FORBIDDEN"
	CodeStorageError          = string(model.KindStorage)
	CodeTransferConflict      = string(model.KindTransferConflict)
	CodeNotRetryable          = "NOT_RETRYABLE"
	CodeNotDownloaded         = "NOT_DOWNLOADED"
	CodeUnavailable           = "SERVICE_UNAVAILABLE"
	CodeReconcileInProgress   = "RECONCILE_IN_PROGRESS"
	CodeInternalError         = string(model.KindInternal)
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// FromError записывает ответ по таксономии ошибок движка.
// Ошибки вне таксономии дают 500.
func FromError(w http.ResponseWriter, err error) {
	switch model.Classify(err) {
	case model.KindMalformedNotification:
		WriteError(w, http.StatusBadRequest, CodeMalformedNotification, err.Error())
	case model.KindStorage:
		WriteError(w, http.StatusServiceUnavailable, CodeStorageError, err.Error())
	case model.KindTransferConflict:
		WriteError(w, http.StatusConflict, CodeTransferConflict, err.Error())
	default:
		InternalError(w, err.Error())
	}
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// NotRetryable — 409 повтор скачивания недоступен.
func NotRetryable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeNotRetryable, message)
}

// ReconcileInProgress — 409 сверка уже выполняется.
func ReconcileInProgress(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeReconcileInProgress, message)
}

// Unavailable — 503 сервис временно недоступен.
func Unavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, CodeUnavailable, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
