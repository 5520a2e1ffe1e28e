// Пакет recordstore — долговременное хранилище FileRecord.
//
// Все изменения выполняются как merge-upsert: присутствующие поля патча
// перезаписывают значения, отсутствующие сохраняются. Каждая мутация
// фиксируется на носителе до возврата из метода.
//
// Бэкенды выбираются по схеме DSN:
//   - file:///path — JSON-файл на запись + in-memory индекс
//   - postgres://... — таблица files в PostgreSQL (pgx)
//   - memory: — без сохранения, для тестов
package recordstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/download-engine/internal/domain/model"
)

// ErrNotFound — запись не найдена.
var ErrNotFound = errors.New("запись не найдена")

// Store — хранилище записей о файлах.
type Store interface {
	// Upsert сливает патч с существующей записью (или создаёт новую
	// со статусом Queued) и возвращает результат слияния.
	Upsert(ctx context.Context, patch *model.FilePatch) (*model.FileRecord, error)
	// Get возвращает запись или ErrNotFound.
	Get(ctx context.Context, fileID string) (*model.FileRecord, error)
	// List возвращает все записи, отсортированные по publishDate (новые первые).
	List(ctx context.Context) ([]*model.FileRecord, error)
	// Delete удаляет запись. Отсутствие записи не является ошибкой.
	Delete(ctx context.Context, fileID string) error
	// PurgeAll удаляет все записи.
	PurgeAll(ctx context.Context) error
	// Ping проверяет доступность хранилища (readiness).
	Ping(ctx context.Context) error
	// Close освобождает ресурсы.
	Close() error
}

var storeOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "download_engine_store_op_duration_seconds",
	Help:    "Длительность операций хранилища записей",
	Buckets: prometheus.DefBuckets,
}, []string{"backend", "op", "result"})

// observe записывает длительность операции хранилища.
func observe(backend, op string, started time.Time, err error) {
	result := "ok"
	if err != nil && !errors.Is(err, ErrNotFound) {
		result = "error"
	}
	storeOpDuration.WithLabelValues(backend, op, result).Observe(time.Since(started).Seconds())
}

// storageErr оборачивает ошибку бэкенда в *model.StorageError.
func storageErr(op, fileID string, err error) error {
	if err == nil {
		return nil
	}
	var se *model.StorageError
	if errors.As(err, &se) {
		return err
	}
	return &model.StorageError{Op: op, FileID: fileID, Err: err}
}

// Open создаёт хранилище по DSN.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (Store, error) {
	switch {
	case dsn == "memory:" || dsn == "memory://":
		return NewMemoryStore(), nil
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(ctx, dsn, logger)
	case strings.HasPrefix(dsn, "file://"):
		u, err := url.Parse(dsn)
		if err != nil {
			return nil, fmt.Errorf("некорректный DSN хранилища: %w", err)
		}
		if u.Path == "" {
			return nil, fmt.Errorf("в DSN %q не указан путь", dsn)
		}
		return OpenFileStore(u.Path, logger)
	case strings.HasPrefix(dsn, "file:"):
		return OpenFileStore(strings.TrimPrefix(dsn, "file:"), logger)
	default:
		return nil, fmt.Errorf("неподдерживаемая схема DSN хранилища: %q", dsn)
	}
}

// Backend возвращает имя бэкенда по DSN (для логов и метрик).
func Backend(dsn string) string {
	if i := strings.Index(dsn, ":"); i > 0 {
		scheme := dsn[:i]
		if scheme == "postgresql" {
			return "postgres"
		}
		return scheme
	}
	return "unknown"
}

// sortRecords сортирует записи: publishDate по убыванию, записи без даты
// в конце, при равенстве — createdAt по убыванию, затем fileId.
func sortRecords(records []*model.FileRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		switch {
		case a.PublishDate != nil && b.PublishDate == nil:
			return true
		case a.PublishDate == nil && b.PublishDate != nil:
			return false
		case a.PublishDate != nil && b.PublishDate != nil && !a.PublishDate.Equal(*b.PublishDate):
			return a.PublishDate.After(*b.PublishDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.FileID < b.FileID
	})
}

// validatePatch проверяет обязательные поля патча.
func validatePatch(p *model.FilePatch) error {
	if p == nil || p.FileID == "" {
		return errors.New("пустой file_id")
	}
	if p.Status != nil {
		if _, err := model.ParseStatus(string(*p.Status)); err != nil {
			return err
		}
	}
	return nil
}
