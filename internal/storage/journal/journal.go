package journal

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bigkaa/download-engine/internal/storage/jsonfile"
)

// ErrNotFound — записи журнала для файла нет.
var ErrNotFound = errors.New("запись журнала не найдена")

// Journal — файловый журнал передач.
type Journal struct {
	// dir — директория хранения записей (DE_JOURNAL_DIR)
	dir string
	// mu — мьютекс для потокобезопасности
	mu     sync.Mutex
	now    func() time.Time
	logger *slog.Logger
}

// New создаёт журнал. Проверяет и создаёт директорию
// если она не существует. Возвращает ошибку при проблемах с FS.
func New(dir string, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию журнала %s: %w", dir, err)
	}

	// Проверяем доступность на запись через temp файл
	testFile := filepath.Join(dir, ".journal_write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o640); err != nil {
		return nil, fmt.Errorf("директория журнала %s недоступна для записи: %w", dir, err)
	}
	os.Remove(testFile)

	return &Journal{
		dir:    dir,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "journal")),
	}, nil
}

// Put атомарно записывает запись журнала (создание или обновление).
func (j *Journal) Put(entry *Entry) error {
	if entry.FileID == "" {
		return errors.New("запись журнала без file_id")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	e := *entry
	if e.StartedAt.IsZero() {
		e.StartedAt = j.now()
	}
	e.UpdatedAt = j.now()

	if err := jsonfile.Write(j.path(e.FileID), &e); err != nil {
		return fmt.Errorf("не удалось записать журнал передачи %s: %w", e.FileID, err)
	}
	return nil
}

// Get читает запись журнала по file_id.
func (j *Journal) Get(fileID string) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var e Entry
	if err := jsonfile.Read(j.path(fileID), &e); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// Remove удаляет запись журнала. Отсутствие записи не является ошибкой.
func (j *Journal) Remove(fileID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := jsonfile.Delete(j.path(fileID)); err != nil {
		return err
	}

	j.logger.Debug("Запись журнала удалена", slog.String("file_id", fileID))
	return nil
}

// RecoverPending возвращает все записи журнала.
// Вызывается при старте для возобновления прерванных передач.
func (j *Journal) RecoverPending() ([]*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	paths, err := jsonfile.Glob(j.dir, entrySuffix)
	if err != nil {
		return nil, fmt.Errorf("не удалось сканировать директорию журнала: %w", err)
	}

	var pending []*Entry
	for _, path := range paths {
		var e Entry
		if err := jsonfile.Read(path, &e); err != nil || e.FileID == "" {
			j.logger.Warn("Не удалось прочитать запись журнала при восстановлении",
				slog.String("path", path),
				slog.Any("error", err),
			)
			continue
		}
		pending = append(pending, &e)
		j.logger.Warn("Обнаружена незавершённая передача",
			slog.String("transfer_id", e.TransferID),
			slog.String("file_id", e.FileID),
			slog.Int64("bytes_received", e.BytesReceived),
			slog.Time("started_at", e.StartedAt),
		)
	}

	return pending, nil
}

// Purge удаляет все записи журнала.
func (j *Journal) Purge() (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	paths, err := jsonfile.Glob(j.dir, entrySuffix)
	if err != nil {
		return 0, fmt.Errorf("не удалось сканировать директорию журнала: %w", err)
	}

	cleaned := 0
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			j.logger.Warn("Не удалось удалить запись журнала",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		j.logger.Info("Журнал передач очищен", slog.Int("cleaned", cleaned))
	}
	return cleaned, jsonfile.SyncDir(j.dir)
}

func (j *Journal) path(fileID string) string {
	return filepath.Join(j.dir, jsonfile.FileName(fileID, entrySuffix))
}

// Dir возвращает путь к директории журнала.
func (j *Journal) Dir() string {
	return j.dir
}
