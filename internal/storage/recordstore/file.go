package recordstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bigkaa/download-engine/internal/domain/model"
	"github.com/bigkaa/download-engine/internal/storage/jsonfile"
)

// RecordSuffix — суффикс файла записи.
const RecordSuffix = ".record.json"

// FileStore — файловое хранилище записей.
//
// Каждая запись — отдельный {file_id}.record.json, который является
// единственным источником истины. In-memory индекс строится при открытии
// и обновляется только после успешной записи на диск.
type FileStore struct {
	dir string

	// writeMu сериализует read-modify-write, mu защищает индекс
	writeMu sync.Mutex
	mu      sync.RWMutex
	records map[string]*model.FileRecord

	now    func() time.Time
	logger *slog.Logger
}

// OpenFileStore открывает файловое хранилище и строит индекс из dir.
func OpenFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию записей %s: %w", dir, err)
	}

	s := &FileStore{
		dir:     dir,
		records: make(map[string]*model.FileRecord),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With(slog.String("component", "recordstore"), slog.String("backend", "file")),
	}
	if err := s.buildIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// buildIndex сканирует директорию и заполняет индекс.
// Невалидные файлы пропускаются с предупреждением.
func (s *FileStore) buildIndex() error {
	paths, err := jsonfile.Glob(s.dir, RecordSuffix)
	if err != nil {
		return err
	}

	records := make(map[string]*model.FileRecord, len(paths))
	for _, path := range paths {
		var rec model.FileRecord
		if err := jsonfile.Read(path, &rec); err != nil {
			s.logger.Warn("Пропущен невалидный файл записи",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		if rec.FileID == "" {
			s.logger.Warn("Пропущен файл записи без file_id", slog.String("path", path))
			continue
		}
		records[rec.FileID] = &rec
	}

	s.mu.Lock()
	s.records = records
	s.mu.Unlock()

	s.logger.Info("Индекс записей построен",
		slog.Int("records", len(records)),
		slog.String("dir", s.dir),
	)
	return nil
}

func (s *FileStore) path(fileID string) string {
	return filepath.Join(s.dir, jsonfile.FileName(fileID, RecordSuffix))
}

func (s *FileStore) Upsert(_ context.Context, patch *model.FilePatch) (rec *model.FileRecord, err error) {
	defer func(started time.Time) { observe("file", "upsert", started, err) }(time.Now())

	if err := validatePatch(patch); err != nil {
		return nil, storageErr("upsert", patchID(patch), err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now()
	s.mu.RLock()
	current, ok := s.records[patch.FileID]
	s.mu.RUnlock()

	var merged *model.FileRecord
	if ok {
		merged = current.Clone()
		merged.Apply(patch, now)
	} else {
		merged = model.NewRecord(patch, now)
	}

	if err := jsonfile.Write(s.path(patch.FileID), merged); err != nil {
		return nil, storageErr("upsert", patch.FileID, err)
	}

	s.mu.Lock()
	s.records[patch.FileID] = merged
	s.mu.Unlock()

	return merged.Clone(), nil
}

func (s *FileStore) Get(_ context.Context, fileID string) (*model.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[fileID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *FileStore) List(_ context.Context) ([]*model.FileRecord, error) {
	s.mu.RLock()
	out := make([]*model.FileRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()

	sortRecords(out)
	return out, nil
}

func (s *FileStore) Delete(_ context.Context, fileID string) (err error) {
	defer func(started time.Time) { observe("file", "delete", started, err) }(time.Now())

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := jsonfile.Delete(s.path(fileID)); err != nil {
		return storageErr("delete", fileID, err)
	}

	s.mu.Lock()
	delete(s.records, fileID)
	s.mu.Unlock()
	return nil
}

func (s *FileStore) PurgeAll(_ context.Context) (err error) {
	defer func(started time.Time) { observe("file", "purge", started, err) }(time.Now())

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	paths, err := jsonfile.Glob(s.dir, RecordSuffix)
	if err != nil {
		return storageErr("purge", "", err)
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return storageErr("purge", "", err)
		}
	}
	if err := jsonfile.SyncDir(s.dir); err != nil {
		return storageErr("purge", "", err)
	}

	s.mu.Lock()
	s.records = make(map[string]*model.FileRecord)
	s.mu.Unlock()

	s.logger.Info("Все записи удалены", slog.Int("files", len(paths)))
	return nil
}

// Ping проверяет, что директория записей доступна на запись.
func (s *FileStore) Ping(context.Context) error {
	probe := filepath.Join(s.dir, ".write_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o640); err != nil {
		return fmt.Errorf("директория записей %s недоступна для записи: %w", s.dir, err)
	}
	os.Remove(probe)
	return nil
}

func (s *FileStore) Close() error { return nil }

// Dir возвращает директорию записей.
func (s *FileStore) Dir() string {
	return s.dir
}
