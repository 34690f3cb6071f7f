package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"background-fetch-service/internal/models"
)

// Store persists task run records across process restarts. Save upserts by
// task identifier.
type Store interface {
	Load(ctx context.Context) ([]models.TaskRunRecord, error)
	Save(ctx context.Context, records []models.TaskRunRecord) error
}

// StorageError wraps any I/O failure of a Store.
type StorageError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s store: %s failed: %v", e.Backend, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err is, or wraps, a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func sortRecords(records []models.TaskRunRecord) {
	sort.Slice(records, func(i, j int) bool {
		return models.TaskKey(records[i].TaskID) < models.TaskKey(records[j].TaskID)
	})
}

// MemoryStore keeps records for the process lifetime only.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]models.TaskRunRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]models.TaskRunRecord)}
}

func (m *MemoryStore) Load(ctx context.Context) ([]models.TaskRunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.TaskRunRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

func (m *MemoryStore) Save(ctx context.Context, records []models.TaskRunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.records[models.TaskKey(r.TaskID)] = r
	}
	return nil
}
