package labsync

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// LocalCache is the per-process durable record store. It never depends on the network.
type LocalCache interface {
	Put(ctx context.Context, record Record) error
	Get(ctx context.Context, id string) (Record, error)
	GetAll(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, id string) error
}

// OperationLog is the durable queue of pending mutations. Every write is individually
// durable; ListPending returns operations oldest first.
type OperationLog interface {
	Enqueue(ctx context.Context, op SyncOperation) (SyncOperation, error)
	ListPending(ctx context.Context) ([]SyncOperation, error)
	Update(ctx context.Context, op SyncOperation) error
	Remove(ctx context.Context, operationID string) error
	DeadLetter(ctx context.Context, item DeadLetter) error
	ListDeadLetters(ctx context.Context) ([]DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, operationID string) error
}

// maxDeadLetters bounds the dead-letter history kept by every substrate.
const maxDeadLetters = 100

// Storage pairs a cache and an operation log opened on the same substrate.
type Storage struct {
	Cache  LocalCache
	Log    OperationLog
	closer func() error
}

func NewStorage(cache LocalCache, log OperationLog, closer func() error) *Storage {
	return &Storage{Cache: cache, Log: log, closer: closer}
}

func (s *Storage) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer()
}

// OpenStorage builds a storage substrate from a DSN such as memory://, file:///var/lib/labsync,
// badger:///var/lib/labsync/kv or sqlite:///var/lib/labsync/cache.db.
func OpenStorage(dsn string) (*Storage, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty storage dsn", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupStorageFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		store := NewMemoryStore()
		return NewStorage(store, store, nil), nil
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		store, err := NewFileStore(path)
		if err != nil {
			return nil, err
		}
		return NewStorage(store, store, nil), nil
	case "badger":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		store, err := OpenBadgerStore(path)
		if err != nil {
			return nil, err
		}
		return NewStorage(store, store, store.Close), nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		store, err := OpenSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return NewStorage(store, store, store.Close), nil
	case "indexeddb", "leveldb", "bolt":
		return nil, fmt.Errorf("%w: storage backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("%w: unsupported storage scheme: %s", ErrNotImplemented, scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	} else if host := strings.TrimSpace(parsed.Host); host != "" {
		// badger://data/kv style relative paths
		path = host + path
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
