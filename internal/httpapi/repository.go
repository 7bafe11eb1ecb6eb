package httpapi

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/evcscavalcante/labsync/internal/labsync"
)

var collectionPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]{0,62}$`)

// Repository is the storage behind the records API. Records are ordered by id; the cursor
// is the last id of the previous page and an empty next cursor ends the listing.
type Repository interface {
	List(ctx context.Context, collection, cursor string, limit int) ([]labsync.Record, string, error)
	Get(ctx context.Context, collection, id string) (labsync.Record, error)
	Upsert(ctx context.Context, collection string, record labsync.Record) error
	// Delete is idempotent: removing a missing record is not an error.
	Delete(ctx context.Context, collection, id string) error
}

func validCollection(collection string) bool {
	return collectionPattern.MatchString(collection)
}

type MemoryRepository struct {
	mu          sync.RWMutex
	collections map[string]map[string]labsync.Record
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{collections: map[string]map[string]labsync.Record{}}
}

func (m *MemoryRepository) List(_ context.Context, collection, cursor string, limit int) ([]labsync.Record, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := m.collections[collection]
	ids := make([]string, 0, len(records))
	for id := range records {
		if id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	next := ""
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
		next = ids[limit-1]
	}
	out := make([]labsync.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneRecord(records[id]))
	}
	return out, next, nil
}

func (m *MemoryRepository) Get(_ context.Context, collection, id string) (labsync.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.collections[collection][id]
	if !ok {
		return labsync.Record{}, labsync.ErrNotFound
	}
	return cloneRecord(record), nil
}

func (m *MemoryRepository) Upsert(_ context.Context, collection string, record labsync.Record) error {
	if strings.TrimSpace(record.ID) == "" {
		return labsync.ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	records, ok := m.collections[collection]
	if !ok {
		records = map[string]labsync.Record{}
		m.collections[collection] = records
	}
	records[record.ID] = cloneRecord(record)
	return nil
}

func (m *MemoryRepository) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections[collection], id)
	return nil
}

func cloneRecord(record labsync.Record) labsync.Record {
	if record.Payload != nil {
		payload := make(map[string]any, len(record.Payload))
		for k, v := range record.Payload {
			payload[k] = v
		}
		record.Payload = payload
	}
	return record
}
