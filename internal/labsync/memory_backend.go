package labsync

import (
	"context"
	"strings"
	"sync"
)

// MemoryBackend is an in-process remote store used by tests and the memory:// profile.
// When partitioned, records live under the owner passed to each call.
type MemoryBackend struct {
	name        BackendName
	partitioned bool

	mu   sync.RWMutex
	data map[string]map[string]Record
}

func NewMemoryBackend(name BackendName, partitioned bool) *MemoryBackend {
	return &MemoryBackend{
		name:        name,
		partitioned: partitioned,
		data:        map[string]map[string]Record{},
	}
}

func (b *MemoryBackend) Name() BackendName {
	return b.name
}

func (b *MemoryBackend) Create(ctx context.Context, owner string, record Record) error {
	return b.put(ctx, owner, record)
}

func (b *MemoryBackend) Update(ctx context.Context, owner string, record Record) error {
	return b.put(ctx, owner, record)
}

func (b *MemoryBackend) Delete(ctx context.Context, owner, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data[b.partition(owner)], id)
	return nil
}

func (b *MemoryBackend) Get(ctx context.Context, owner, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	record, ok := b.data[b.partition(owner)][id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return record.clone(), nil
}

func (b *MemoryBackend) List(ctx context.Context, owner string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Record, 0, len(b.data[b.partition(owner)]))
	for _, record := range b.data[b.partition(owner)] {
		out = append(out, record.clone())
	}
	sortRecords(out)
	return out, nil
}

func (b *MemoryBackend) put(ctx context.Context, owner string, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(record.ID) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := b.partition(owner)
	if b.data[key] == nil {
		b.data[key] = map[string]Record{}
	}
	b.data[key][record.ID] = record.clone()
	return nil
}

func (b *MemoryBackend) partition(owner string) string {
	if !b.partitioned {
		return ""
	}
	return owner
}
