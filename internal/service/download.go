// download.go — отдача скачанного payload клиенту (локальное воспроизведение).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	apierrors "github.com/bigkaa/download-engine/internal/api/errors"
	"github.com/bigkaa/download-engine/internal/api/middleware"
	"github.com/bigkaa/download-engine/internal/domain/model"
	"github.com/bigkaa/download-engine/internal/storage/recordstore"
)

// RecordReader — чтение записей (engine.Engine).
type RecordReader interface {
	Get(ctx context.Context, fileID string) (*model.FileRecord, error)
}

// PayloadOwner — проверка принадлежности пути хранилищу payload.
type PayloadOwner interface {
	Owns(fullPath string) bool
}

// DownloadService — сервис отдачи скачанных файлов.
type DownloadService struct {
	records RecordReader
	files   PayloadOwner
	logger  *slog.Logger
}

// NewDownloadService создаёт сервис отдачи файлов.
func NewDownloadService(records RecordReader, files PayloadOwner, logger *slog.Logger) *DownloadService {
	return &DownloadService{
		records: records,
		files:   files,
		logger:  logger.With(slog.String("component", "download_service")),
	}
}

// DownloadError — ошибка отдачи с HTTP-кодом.
type DownloadError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Serve отдаёт payload Downloaded-файла через http.ServeContent.
// Поддерживает Range requests (206 Partial Content) и ETag (If-None-Match).
func (s *DownloadService) Serve(w http.ResponseWriter, r *http.Request, fileID string) *DownloadError {
	// 1. Ищем запись
	rec, err := s.records.Get(r.Context(), fileID)
	if errors.Is(err, recordstore.ErrNotFound) {
		return &DownloadError{
			StatusCode: http.StatusNotFound,
			Code:       apierrors.CodeNotFound,
			Message:    fmt.Sprintf("Файл %s не найден", fileID),
		}
	}
	if err != nil {
		return &DownloadError{
			StatusCode: http.StatusServiceUnavailable,
			Code:       apierrors.CodeStorageError,
			Message:    err.Error(),
		}
	}

	// 2. Проверяем статус
	if rec.Status != model.StatusDownloaded {
		return &DownloadError{
			StatusCode: http.StatusConflict,
			Code:       apierrors.CodeNotDownloaded,
			Message:    fmt.Sprintf("Файл %s имеет статус %s, отдача недоступна", fileID, rec.Status),
		}
	}
	if !s.files.Owns(rec.LocalPath) {
		s.logger.Error("Путь payload вне директории данных",
			slog.String("file_id", fileID),
			slog.String("path", rec.LocalPath),
		)
		return &DownloadError{
			StatusCode: http.StatusInternalServerError,
			Code:       apierrors.CodeInternalError,
			Message:    "Некорректный путь файла",
		}
	}

	// 3. Открываем файл
	file, err := os.Open(rec.LocalPath)
	if err != nil {
		s.logger.Error("Файл не найден на диске",
			slog.String("file_id", fileID),
			slog.String("path", rec.LocalPath),
			slog.String("error", err.Error()),
		)
		return &DownloadError{
			StatusCode: http.StatusNotFound,
			Code:       apierrors.CodeNotFound,
			Message:    fmt.Sprintf("Файл %s не найден на диске", fileID),
		}
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return &DownloadError{
			StatusCode: http.StatusInternalServerError,
			Code:       apierrors.CodeInternalError,
			Message:    "Ошибка чтения файла",
		}
	}

	// 4. Заголовки
	name := filepath.Base(rec.LocalPath)
	contentType := rec.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(name))
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": name}))
	if rec.Checksum != "" {
		w.Header().Set("ETag", fmt.Sprintf("\"%s\"", rec.Checksum))
	}
	w.Header().Set("Accept-Ranges", "bytes")

	http.ServeContent(w, r, name, stat.ModTime(), file)

	middleware.OperationsTotal.WithLabelValues("serve", "success").Inc()
	s.logger.Debug("Файл отдан",
		slog.String("file_id", fileID),
		slog.Int64("size", stat.Size()),
	)
	return nil
}
