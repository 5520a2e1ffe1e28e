package recordstore

import (
	"context"
	"sync"
	"time"

	"github.com/bigkaa/download-engine/internal/domain/model"
)

// MemoryStore — хранилище без сохранения на диск.
// Используется в тестах и для эфемерных запусков.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*model.FileRecord
	now     func() time.Time
}

// NewMemoryStore создаёт пустое хранилище в памяти.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*model.FileRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Upsert(_ context.Context, patch *model.FilePatch) (*model.FileRecord, error) {
	if err := validatePatch(patch); err != nil {
		return nil, storageErr("upsert", patchID(patch), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, ok := s.records[patch.FileID]
	if !ok {
		rec = model.NewRecord(patch, now)
		s.records[patch.FileID] = rec
	} else {
		rec.Apply(patch, now)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, fileID string) (*model.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[fileID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]*model.FileRecord, error) {
	s.mu.RLock()
	out := make([]*model.FileRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()

	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, fileID string) error {
	s.mu.Lock()
	delete(s.records, fileID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PurgeAll(_ context.Context) error {
	s.mu.Lock()
	s.records = make(map[string]*model.FileRecord)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func patchID(p *model.FilePatch) string {
	if p == nil {
		return ""
	}
	return p.FileID
}
