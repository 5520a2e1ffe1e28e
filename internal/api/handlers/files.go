// files.go — HTTP handlers записей о файлах.
// List, Get, Delete, Purge, Retry, отдача payload.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/download-engine/internal/api/errors"
	"github.com/bigkaa/download-engine/internal/api/middleware"
	"github.com/bigkaa/download-engine/internal/domain/model"
	"github.com/bigkaa/download-engine/internal/engine"
	"github.com/bigkaa/download-engine/internal/service"
	"github.com/bigkaa/download-engine/internal/storage/recordstore"
)

// FileOps — операции движка над записями (engine.Engine).
type FileOps interface {
	Get(ctx context.Context, fileID string) (*model.FileRecord, error)
	List(ctx context.Context) ([]*model.FileRecord, error)
	Delete(ctx context.Context, fileID string) error
	PurgeAll(ctx context.Context) error
	Retry(ctx context.Context, fileID string) (*model.FileRecord, error)
}

// FilesHandler — обработчик файловых endpoints.
type FilesHandler struct {
	files       FileOps
	downloadSvc *service.DownloadService
}

// NewFilesHandler создаёт обработчик файловых endpoints.
func NewFilesHandler(files FileOps, downloadSvc *service.DownloadService) *FilesHandler {
	return &FilesHandler{
		files:       files,
		downloadSvc: downloadSvc,
	}
}

// fileListResponse — ответ GET /api/v1/files.
type fileListResponse struct {
	Items []*model.FileRecord `json:"items"`
	Total int                 `json:"total"`
}

// ListFiles обрабатывает GET /api/v1/files.
// Записи отсортированы по publish_date (новые первые). Фильтр: status.
func (h *FilesHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	var statusFilter model.FileStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st, err := model.ParseStatus(s)
		if err != nil {
			apierrors.ValidationError(w, err.Error())
			return
		}
		statusFilter = st
	}

	records, err := h.files.List(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	items := records
	if statusFilter != "" {
		items = make([]*model.FileRecord, 0, len(records))
		for _, rec := range records {
			if rec.Status == statusFilter {
				items = append(items, rec)
			}
		}
	}
	if items == nil {
		items = []*model.FileRecord{}
	}

	writeJSON(w, http.StatusOK, fileListResponse{Items: items, Total: len(items)})
}

// GetFile обрабатывает GET /api/v1/files/{file_id}.
func (h *FilesHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileID")
	rec, err := h.files.Get(r.Context(), fileID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// FileContent обрабатывает GET /api/v1/files/{file_id}/content.
// Поддерживает Range requests (206) и ETag (If-None-Match → 304).
func (h *FilesHandler) FileContent(w http.ResponseWriter, r *http.Request) {
	if derr := h.downloadSvc.Serve(w, r, chi.URLParam(r, "fileID")); derr != nil {
		middleware.OperationsTotal.WithLabelValues("serve", "error").Inc()
		apierrors.WriteError(w, derr.StatusCode, derr.Code, derr.Message)
	}
}

// DeleteFile обрабатывает DELETE /api/v1/files/{file_id}.
// Отменяет передачу, удаляет payload и запись. Отсутствие записи — не ошибка.
func (h *FilesHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	if err := h.files.Delete(r.Context(), chi.URLParam(r, "fileID")); err != nil {
		middleware.OperationsTotal.WithLabelValues("delete", "error").Inc()
		writeEngineError(w, err)
		return
	}
	middleware.OperationsTotal.WithLabelValues("delete", "success").Inc()
	w.WriteHeader(http.StatusNoContent)
}

// PurgeFiles обрабатывает DELETE /api/v1/files.
// Удаляет все записи, payload и журнал передач.
func (h *FilesHandler) PurgeFiles(w http.ResponseWriter, r *http.Request) {
	if err := h.files.PurgeAll(r.Context()); err != nil {
		middleware.OperationsTotal.WithLabelValues("purge", "error").Inc()
		writeEngineError(w, err)
		return
	}
	middleware.OperationsTotal.WithLabelValues("purge", "success").Inc()
	w.WriteHeader(http.StatusNoContent)
}

// RetryFile обрабатывает POST /api/v1/files/{file_id}/retry.
// Повторяет скачивание Failed-файла по сохранённой ссылке.
func (h *FilesHandler) RetryFile(w http.ResponseWriter, r *http.Request) {
	rec, err := h.files.Retry(r.Context(), chi.URLParam(r, "fileID"))
	if err != nil {
		middleware.OperationsTotal.WithLabelValues("retry", "error").Inc()
		writeEngineError(w, err)
		return
	}
	middleware.OperationsTotal.WithLabelValues("retry", "success").Inc()
	writeJSON(w, http.StatusAccepted, rec)
}

// writeEngineError переводит ошибку движка в HTTP-ответ.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, recordstore.ErrNotFound):
		apierrors.NotFound(w, "Файл не найден")
	case errors.Is(err, engine.ErrNotRetryable):
		apierrors.NotRetryable(w, err.Error())
	case errors.Is(err, engine.ErrClosed):
		apierrors.Unavailable(w, "Движок останавливается")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		apierrors.Unavailable(w, fmt.Sprintf("Запрос прерван: %s", err.Error()))
	default:
		apierrors.FromError(w, err)
	}
}

// writeJSON записывает JSON-ответ.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
