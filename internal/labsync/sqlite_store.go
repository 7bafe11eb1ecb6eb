package labsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	id TEXT PRIMARY KEY,
	updated_at INTEGER NOT NULL,
	body TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sync_operations (
	operation_id TEXT PRIMARY KEY,
	record_id TEXT NOT NULL,
	enqueued_at INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	body TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS sync_operations_order ON sync_operations (enqueued_at, seq);
CREATE TABLE IF NOT EXISTS dead_letters (
	operation_id TEXT PRIMARY KEY,
	at INTEGER NOT NULL,
	body TEXT NOT NULL
);
`

// SQLiteStore keeps records, operations and dead letters in one SQLite file in WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Put(ctx context.Context, record Record) error {
	if strings.TrimSpace(record.ID) == "" {
		return ErrInvalidInput
	}
	body, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (id, updated_at, body) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET updated_at = excluded.updated_at, body = excluded.body
	`, record.ID, record.UpdatedAt.UnixNano(), string(body))
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM records WHERE id = ?`, id).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	var record Record
	if err := json.Unmarshal([]byte(body), &record); err != nil {
		return Record{}, err
	}
	return record, nil
}

func (s *SQLiteStore) GetAll(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM records ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var record Record
		if err := json.Unmarshal([]byte(body), &record); err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) Enqueue(ctx context.Context, op SyncOperation) (SyncOperation, error) {
	if strings.TrimSpace(op.OperationID) == "" {
		return SyncOperation{}, ErrInvalidInput
	}
	op = op.clone()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SyncOperation{}, err
	}
	defer func() { _ = tx.Rollback() }()
	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM sync_operations`).Scan(&maxSeq); err != nil {
		return SyncOperation{}, err
	}
	op.Seq = uint64(maxSeq.Int64) + 1
	body, err := json.Marshal(op)
	if err != nil {
		return SyncOperation{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_operations (operation_id, record_id, enqueued_at, seq, body) VALUES (?, ?, ?, ?, ?)
	`, op.OperationID, op.RecordID, op.EnqueuedAt.UnixNano(), int64(op.Seq), string(body)); err != nil {
		return SyncOperation{}, err
	}
	if err := tx.Commit(); err != nil {
		return SyncOperation{}, err
	}
	return op, nil
}

func (s *SQLiteStore) ListPending(ctx context.Context) ([]SyncOperation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM sync_operations ORDER BY enqueued_at, seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []SyncOperation{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var op SyncOperation
		if err := json.Unmarshal([]byte(body), &op); err != nil {
			return nil, err
		}
		out = append(out, op.clone())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortOperations(out)
	return out, nil
}

func (s *SQLiteStore) Update(ctx context.Context, op SyncOperation) error {
	body, err := json.Marshal(op)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sync_operations SET body = ? WHERE operation_id = ?`, string(body), op.OperationID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, operationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_operations WHERE operation_id = ?`, operationID)
	return err
}

func (s *SQLiteStore) DeadLetter(ctx context.Context, item DeadLetter) error {
	body, err := json.Marshal(item)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_operations WHERE operation_id = ?`, item.Operation.OperationID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (operation_id, at, body) VALUES (?, ?, ?)
		ON CONFLICT (operation_id) DO UPDATE SET at = excluded.at, body = excluded.body
	`, item.Operation.OperationID, item.At.UnixNano(), string(body)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM dead_letters WHERE operation_id NOT IN (
			SELECT operation_id FROM dead_letters ORDER BY at DESC, operation_id DESC LIMIT ?
		)
	`, maxDeadLetters); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM dead_letters ORDER BY at, operation_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []DeadLetter{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var item DeadLetter
		if err := json.Unmarshal([]byte(body), &item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteDeadLetter(ctx context.Context, operationID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE operation_id = ?`, operationID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
