package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/evcscavalcante/labsync/internal/labsync"
)

const (
	postgresRecordsTableName = "labsync_records"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresRepository keeps every collection in one table keyed by (collection, id). The
// table is created on first use.
type PostgresRepository struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

var _ Repository = (*PostgresRepository)(nil)

func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, labsync.ErrInvalidInput
	}
	return &PostgresRepository{
		dsn:       dsn,
		tableName: postgresRecordsTableName,
		openDB:    sql.Open,
	}, nil
}

func (p *PostgresRepository) List(ctx context.Context, collection, cursor string, limit int) ([]labsync.Record, string, error) {
	if err := p.ensureReady(); err != nil {
		return nil, "", err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, owner_id, payload, updated_at
		FROM %s
		WHERE collection = $1 AND id > $2
		ORDER BY id
		LIMIT $3`, postgresQuoteIdentifier(p.tableName))
	// one extra row tells whether another page exists
	rows, err := p.db.QueryContext(ctx, query, collection, cursor, limit+1)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	out := []labsync.Record{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[limit-1].ID
	}
	return out, next, nil
}

func (p *PostgresRepository) Get(ctx context.Context, collection, id string) (labsync.Record, error) {
	if err := p.ensureReady(); err != nil {
		return labsync.Record{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, owner_id, payload, updated_at
		FROM %s
		WHERE collection = $1 AND id = $2`, postgresQuoteIdentifier(p.tableName))
	record, err := scanRecord(p.db.QueryRowContext(ctx, query, collection, id))
	if errors.Is(err, sql.ErrNoRows) {
		return labsync.Record{}, labsync.ErrNotFound
	}
	return record, err
}

func (p *PostgresRepository) Upsert(ctx context.Context, collection string, record labsync.Record) error {
	if strings.TrimSpace(record.ID) == "" {
		return labsync.ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(record.Payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (collection, id, owner_id, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (collection, id)
		DO UPDATE SET owner_id = EXCLUDED.owner_id, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		postgresQuoteIdentifier(p.tableName))
	_, err = p.db.ExecContext(ctx, query, collection, record.ID, record.OwnerID, string(payload), record.UpdatedAt.UTC())
	return err
}

func (p *PostgresRepository) Delete(ctx context.Context, collection, id string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE collection = $1 AND id = $2", postgresQuoteIdentifier(p.tableName))
	_, err := p.db.ExecContext(ctx, query, collection, id)
	return err
}

func (p *PostgresRepository) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *PostgresRepository) ensureReady() error {
	if p == nil {
		return labsync.ErrInvalidInput
	}
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				collection TEXT NOT NULL,
				id TEXT NOT NULL,
				owner_id TEXT NOT NULL DEFAULT '',
				payload JSONB,
				updated_at TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (collection, id)
			)`, postgresQuoteIdentifier(p.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (labsync.Record, error) {
	var (
		record  labsync.Record
		payload sql.NullString
	)
	if err := row.Scan(&record.ID, &record.OwnerID, &payload, &record.UpdatedAt); err != nil {
		return labsync.Record{}, err
	}
	record.UpdatedAt = record.UpdatedAt.UTC()
	if payload.Valid && payload.String != "" && payload.String != "null" {
		if err := json.Unmarshal([]byte(payload.String), &record.Payload); err != nil {
			return labsync.Record{}, fmt.Errorf("decode payload of %s: %w", record.ID, err)
		}
	}
	return record, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
