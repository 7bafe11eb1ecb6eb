package labsync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	fileStoreRecordsDir = "records"
	fileStoreOpsDir     = "ops"
	fileStoreDeadDir    = "dead"
)

// FileStore keeps one JSON file per record, operation and dead letter under a root
// directory. Each write lands in a temp file that is renamed into place, so a crash
// leaves either the previous or the next version on disk.
type FileStore struct {
	root  string
	locks keyedMutex
	seq   atomic.Uint64
	// deadMu serializes dead-letter retention trimming.
	deadMu sync.Mutex
}

func NewFileStore(root string) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	s := &FileStore{root: root}
	for _, dir := range []string{fileStoreRecordsDir, fileStoreOpsDir, fileStoreDeadDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, err
		}
	}
	ops, err := s.ListPending(context.Background())
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		if op.Seq > s.seq.Load() {
			s.seq.Store(op.Seq)
		}
	}
	return s, nil
}

func (s *FileStore) Put(ctx context.Context, record Record) error {
	if strings.TrimSpace(record.ID) == "" {
		return ErrInvalidInput
	}
	return s.writeEntry(fileStoreRecordsDir, record.ID, record)
}

func (s *FileStore) Get(ctx context.Context, id string) (Record, error) {
	var record Record
	if err := s.readEntry(fileStoreRecordsDir, id, &record); err != nil {
		return Record{}, err
	}
	return record, nil
}

func (s *FileStore) GetAll(ctx context.Context) ([]Record, error) {
	out := []Record{}
	err := s.scan(fileStoreRecordsDir, func(data []byte) error {
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		out = append(out, record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	return s.removeEntry(fileStoreRecordsDir, id)
}

func (s *FileStore) Enqueue(ctx context.Context, op SyncOperation) (SyncOperation, error) {
	if strings.TrimSpace(op.OperationID) == "" {
		return SyncOperation{}, ErrInvalidInput
	}
	op = op.clone()
	op.Seq = s.seq.Add(1)
	if err := s.writeEntry(fileStoreOpsDir, op.OperationID, op); err != nil {
		return SyncOperation{}, err
	}
	return op, nil
}

func (s *FileStore) ListPending(ctx context.Context) ([]SyncOperation, error) {
	out := []SyncOperation{}
	err := s.scan(fileStoreOpsDir, func(data []byte) error {
		var op SyncOperation
		if err := json.Unmarshal(data, &op); err != nil {
			return err
		}
		out = append(out, op.clone())
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortOperations(out)
	return out, nil
}

func (s *FileStore) Update(ctx context.Context, op SyncOperation) error {
	unlock := s.locks.lock(fileStoreOpsDir + "/" + op.OperationID)
	defer unlock()
	if _, err := os.Stat(s.entryPath(fileStoreOpsDir, op.OperationID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return s.writeEntryLocked(fileStoreOpsDir, op.OperationID, op)
}

func (s *FileStore) Remove(ctx context.Context, operationID string) error {
	return s.removeEntry(fileStoreOpsDir, operationID)
}

func (s *FileStore) DeadLetter(ctx context.Context, item DeadLetter) error {
	if err := s.writeEntry(fileStoreDeadDir, item.Operation.OperationID, item); err != nil {
		return err
	}
	if err := s.removeEntry(fileStoreOpsDir, item.Operation.OperationID); err != nil {
		return err
	}
	return s.trimDeadLetters()
}

func (s *FileStore) ListDeadLetters(ctx context.Context) ([]DeadLetter, error) {
	out := []DeadLetter{}
	err := s.scan(fileStoreDeadDir, func(data []byte) error {
		var item DeadLetter
		if err := json.Unmarshal(data, &item); err != nil {
			return err
		}
		out = append(out, item)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortDeadLetters(out)
	return out, nil
}

func (s *FileStore) DeleteDeadLetter(ctx context.Context, operationID string) error {
	if _, err := os.Stat(s.entryPath(fileStoreDeadDir, operationID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return s.removeEntry(fileStoreDeadDir, operationID)
}

func (s *FileStore) trimDeadLetters() error {
	s.deadMu.Lock()
	defer s.deadMu.Unlock()
	items, err := s.ListDeadLetters(context.Background())
	if err != nil {
		return err
	}
	for len(items) > maxDeadLetters {
		if err := s.removeEntry(fileStoreDeadDir, items[0].Operation.OperationID); err != nil {
			return err
		}
		items = items[1:]
	}
	return nil
}

func (s *FileStore) entryPath(dir, key string) string {
	return filepath.Join(s.root, dir, base64.RawURLEncoding.EncodeToString([]byte(key))+".json")
}

func (s *FileStore) writeEntry(dir, key string, value any) error {
	unlock := s.locks.lock(dir + "/" + key)
	defer unlock()
	return s.writeEntryLocked(dir, key, value)
}

func (s *FileStore) writeEntryLocked(dir, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.entryPath(dir, key), data, 0o644)
}

func (s *FileStore) readEntry(dir, key string, dst any) error {
	data, err := os.ReadFile(s.entryPath(dir, key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(data, dst)
}

func (s *FileStore) removeEntry(dir, key string) error {
	unlock := s.locks.lock(dir + "/" + key)
	defer unlock()
	err := os.Remove(s.entryPath(dir, key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) scan(dir string, fn func(data []byte) error) error {
	entries, err := os.ReadDir(filepath.Join(s.root, dir))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, dir, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		if err := fn(data); err != nil {
			return err
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

// keyedMutex hands out one lock per key so writers of different keys never wait on each other.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*keyedLock{}
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
