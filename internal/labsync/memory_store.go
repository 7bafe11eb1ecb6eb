package labsync

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore keeps records and operations in process memory. It satisfies both
// LocalCache and OperationLog and is meant for tests and throwaway profiles.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	ops     map[string]SyncOperation
	dead    []DeadLetter
	seq     uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: map[string]Record{},
		ops:     map[string]SyncOperation{},
	}
}

func (s *MemoryStore) Put(ctx context.Context, record Record) error {
	if strings.TrimSpace(record.ID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = record.clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return record.clone(), nil
}

func (s *MemoryStore) GetAll(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record.clone())
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Enqueue(ctx context.Context, op SyncOperation) (SyncOperation, error) {
	if strings.TrimSpace(op.OperationID) == "" {
		return SyncOperation{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	op = op.clone()
	op.Seq = s.seq
	s.ops[op.OperationID] = op
	return op.clone(), nil
}

func (s *MemoryStore) ListPending(ctx context.Context) ([]SyncOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SyncOperation, 0, len(s.ops))
	for _, op := range s.ops {
		out = append(out, op.clone())
	}
	sortOperations(out)
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, op SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[op.OperationID]; !ok {
		return ErrNotFound
	}
	s.ops[op.OperationID] = op.clone()
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, operationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ops, operationID)
	return nil
}

func (s *MemoryStore) DeadLetter(ctx context.Context, item DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ops, item.Operation.OperationID)
	item.Operation = item.Operation.clone()
	s.dead = append(s.dead, item)
	if len(s.dead) > maxDeadLetters {
		s.dead = append([]DeadLetter(nil), s.dead[len(s.dead)-maxDeadLetters:]...)
	}
	return nil
}

func (s *MemoryStore) ListDeadLetters(ctx context.Context) ([]DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeadLetter, 0, len(s.dead))
	for _, item := range s.dead {
		item.Operation = item.Operation.clone()
		out = append(out, item)
	}
	sortDeadLetters(out)
	return out, nil
}

func (s *MemoryStore) DeleteDeadLetter(ctx context.Context, operationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, item := range s.dead {
		if item.Operation.OperationID == operationID {
			s.dead = append(s.dead[:i], s.dead[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}
