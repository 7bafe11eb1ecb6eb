package labsync

import (
	"context"
	"errors"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	badgerRecordPrefix = []byte("rec/")
	badgerOpPrefix     = []byte("op/")
	badgerDeadPrefix   = []byte("dlq/")
	badgerSeqKey       = []byte("meta/seq")
)

const badgerTxnRetries = 16

// BadgerStore keeps records, operations and dead letters in one badger database,
// values encoded with msgpack. Each mutation runs in its own transaction.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

func OpenBadgerStore(path string) (*BadgerStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	seq, err := db.GetSequence(badgerSeqKey, 64)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

func (s *BadgerStore) Close() error {
	var errs []error
	if s.seq != nil {
		errs = append(errs, s.seq.Release())
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}

func (s *BadgerStore) Put(ctx context.Context, record Record) error {
	if strings.TrimSpace(record.ID) == "" {
		return ErrInvalidInput
	}
	return s.set(badgerKey(badgerRecordPrefix, record.ID), record)
}

func (s *BadgerStore) Get(ctx context.Context, id string) (Record, error) {
	var record Record
	if err := s.get(badgerKey(badgerRecordPrefix, id), &record); err != nil {
		return Record{}, err
	}
	return normalizeRecord(record), nil
}

func (s *BadgerStore) GetAll(ctx context.Context) ([]Record, error) {
	out := []Record{}
	err := s.scan(badgerRecordPrefix, func(val []byte) error {
		var record Record
		if err := msgpack.Unmarshal(val, &record); err != nil {
			return err
		}
		out = append(out, normalizeRecord(record))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	return s.update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(badgerRecordPrefix, id))
	})
}

func (s *BadgerStore) Enqueue(ctx context.Context, op SyncOperation) (SyncOperation, error) {
	if strings.TrimSpace(op.OperationID) == "" {
		return SyncOperation{}, ErrInvalidInput
	}
	next, err := s.seq.Next()
	if err != nil {
		return SyncOperation{}, err
	}
	op = op.clone()
	op.Seq = next + 1
	if err := s.set(badgerKey(badgerOpPrefix, op.OperationID), op); err != nil {
		return SyncOperation{}, err
	}
	return op, nil
}

func (s *BadgerStore) ListPending(ctx context.Context) ([]SyncOperation, error) {
	out := []SyncOperation{}
	err := s.scan(badgerOpPrefix, func(val []byte) error {
		var op SyncOperation
		if err := msgpack.Unmarshal(val, &op); err != nil {
			return err
		}
		out = append(out, normalizeOperation(op))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortOperations(out)
	return out, nil
}

func (s *BadgerStore) Update(ctx context.Context, op SyncOperation) error {
	data, err := msgpack.Marshal(op)
	if err != nil {
		return err
	}
	key := badgerKey(badgerOpPrefix, op.OperationID)
	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Set(key, data)
	})
}

func (s *BadgerStore) Remove(ctx context.Context, operationID string) error {
	return s.update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(badgerOpPrefix, operationID))
	})
}

func (s *BadgerStore) DeadLetter(ctx context.Context, item DeadLetter) error {
	data, err := msgpack.Marshal(item)
	if err != nil {
		return err
	}
	if err := s.update(func(txn *badger.Txn) error {
		if err := txn.Delete(badgerKey(badgerOpPrefix, item.Operation.OperationID)); err != nil {
			return err
		}
		return txn.Set(badgerKey(badgerDeadPrefix, item.Operation.OperationID), data)
	}); err != nil {
		return err
	}
	items, err := s.ListDeadLetters(ctx)
	if err != nil {
		return err
	}
	for len(items) > maxDeadLetters {
		if err := s.DeleteDeadLetter(ctx, items[0].Operation.OperationID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		items = items[1:]
	}
	return nil
}

func (s *BadgerStore) ListDeadLetters(ctx context.Context) ([]DeadLetter, error) {
	out := []DeadLetter{}
	err := s.scan(badgerDeadPrefix, func(val []byte) error {
		var item DeadLetter
		if err := msgpack.Unmarshal(val, &item); err != nil {
			return err
		}
		item.Operation = normalizeOperation(item.Operation)
		item.At = item.At.UTC()
		out = append(out, item)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortDeadLetters(out)
	return out, nil
}

func (s *BadgerStore) DeleteDeadLetter(ctx context.Context, operationID string) error {
	key := badgerKey(badgerDeadPrefix, operationID)
	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
}

func (s *BadgerStore) set(key []byte, value any) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (s *BadgerStore) get(key []byte, dst any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, dst)
		})
	})
}

func (s *BadgerStore) scan(prefix []byte, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

// update retries transactions that lost an optimistic conflict.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < badgerTxnRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func badgerKey(prefix []byte, id string) []byte {
	key := make([]byte, 0, len(prefix)+len(id))
	key = append(key, prefix...)
	return append(key, id...)
}

func normalizeRecord(record Record) Record {
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record
}

func normalizeOperation(op SyncOperation) SyncOperation {
	op = op.clone()
	op.EnqueuedAt = op.EnqueuedAt.UTC()
	if op.Payload != nil {
		payload := normalizeRecord(*op.Payload)
		op.Payload = &payload
	}
	return op
}
