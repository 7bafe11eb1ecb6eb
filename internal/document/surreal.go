package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	surrealdb "github.com/surrealdb/surrealdb.go"

	"github.com/evcscavalcante/labsync/internal/labsync"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const (
	upsertStatement = `UPSERT type::thing($tb, [$owner, $id]) CONTENT $content RETURN NONE`
	deleteStatement = `DELETE type::thing($tb, [$owner, $id]) RETURN NONE`
	selectStatement = `SELECT record_id, owner_id, payload, updated_at_ms FROM type::thing($tb, [$owner, $id])`
	listStatement   = `SELECT record_id, owner_id, payload, updated_at_ms FROM type::table($tb) WHERE owner_id = $owner ORDER BY record_id`
)

// row is the stored document. The payload is kept as JSON text so nested values and
// numbers come back exactly as they were written.
type row struct {
	RecordID    string `json:"record_id"`
	OwnerID     string `json:"owner_id"`
	Payload     string `json:"payload"`
	UpdatedAtMS int64  `json:"updated_at_ms"`
}

type queryFunc func(ctx context.Context, statement string, vars map[string]any) ([]row, error)

type Options struct {
	// URL is the SurrealDB endpoint, e.g. ws://localhost:8000/rpc.
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
	// Collection names the table; it defaults to labsync.DefaultCollection.
	Collection string
}

// SurrealBackend stores records in SurrealDB, one document per (owner, id) pair.
type SurrealBackend struct {
	table string
	query queryFunc
	close func(ctx context.Context) error
}

var _ labsync.Backend = (*SurrealBackend)(nil)

func Open(ctx context.Context, opts Options) (*SurrealBackend, error) {
	table, err := tableName(opts.Collection)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("%w: surrealdb url is required", labsync.ErrInvalidInput)
	}
	db, err := surrealdb.FromEndpointURLString(ctx, opts.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to surrealdb: %w", err)
	}
	if opts.Username != "" {
		if _, err := db.SignIn(ctx, surrealdb.Auth{
			Username: opts.Username,
			Password: opts.Password,
		}); err != nil {
			_ = db.Close(ctx)
			return nil, fmt.Errorf("sign in to surrealdb: %w", err)
		}
	}
	if err := db.Use(ctx, defaultString(opts.Namespace, "labsync"), defaultString(opts.Database, "labsync")); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("select surrealdb namespace: %w", err)
	}

	query := func(ctx context.Context, statement string, vars map[string]any) ([]row, error) {
		results, err := surrealdb.Query[[]row](ctx, db, statement, vars)
		if err != nil {
			return nil, err
		}
		if results == nil || len(*results) == 0 {
			return nil, nil
		}
		first := (*results)[0]
		if first.Status != "" && first.Status != "OK" {
			return nil, fmt.Errorf("surrealdb statement status %s", first.Status)
		}
		return first.Result, nil
	}
	return newSurrealBackend(table, query, db.Close), nil
}

func newSurrealBackend(table string, query queryFunc, closeFn func(ctx context.Context) error) *SurrealBackend {
	return &SurrealBackend{table: table, query: query, close: closeFn}
}

func (b *SurrealBackend) Name() labsync.BackendName {
	return labsync.BackendDocument
}

func (b *SurrealBackend) Close(ctx context.Context) error {
	if b.close == nil {
		return nil
	}
	return b.close(ctx)
}

func (b *SurrealBackend) Create(ctx context.Context, owner string, record labsync.Record) error {
	return b.upsert(ctx, owner, record)
}

func (b *SurrealBackend) Update(ctx context.Context, owner string, record labsync.Record) error {
	return b.upsert(ctx, owner, record)
}

func (b *SurrealBackend) Delete(ctx context.Context, owner, id string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	_, err := b.query(ctx, deleteStatement, map[string]any{"tb": b.table, "owner": owner, "id": id})
	return err
}

func (b *SurrealBackend) Get(ctx context.Context, owner, id string) (labsync.Record, error) {
	if err := requireOwner(owner); err != nil {
		return labsync.Record{}, err
	}
	rows, err := b.query(ctx, selectStatement, map[string]any{"tb": b.table, "owner": owner, "id": id})
	if err != nil {
		return labsync.Record{}, err
	}
	if len(rows) == 0 {
		return labsync.Record{}, labsync.ErrNotFound
	}
	return rows[0].record()
}

func (b *SurrealBackend) List(ctx context.Context, owner string) ([]labsync.Record, error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	rows, err := b.query(ctx, listStatement, map[string]any{"tb": b.table, "owner": owner})
	if err != nil {
		return nil, err
	}
	out := make([]labsync.Record, 0, len(rows))
	for _, r := range rows {
		record, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func (b *SurrealBackend) upsert(ctx context.Context, owner string, record labsync.Record) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	if strings.TrimSpace(record.ID) == "" {
		return labsync.ErrInvalidInput
	}
	payload, err := json.Marshal(record.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	content := row{
		RecordID:    record.ID,
		OwnerID:     owner,
		Payload:     string(payload),
		UpdatedAtMS: record.UpdatedAt.UnixMilli(),
	}
	_, err = b.query(ctx, upsertStatement, map[string]any{
		"tb":      b.table,
		"owner":   owner,
		"id":      record.ID,
		"content": content,
	})
	return err
}

func (r row) record() (labsync.Record, error) {
	record := labsync.Record{
		ID:        r.RecordID,
		OwnerID:   r.OwnerID,
		UpdatedAt: time.UnixMilli(r.UpdatedAtMS).UTC(),
	}
	if r.Payload != "" && r.Payload != "null" {
		if err := json.Unmarshal([]byte(r.Payload), &record.Payload); err != nil {
			return labsync.Record{}, fmt.Errorf("decode payload of %s: %w", r.RecordID, err)
		}
	}
	return record, nil
}

func requireOwner(owner string) error {
	if strings.TrimSpace(owner) == "" {
		return fmt.Errorf("%w: document store calls need an owner", labsync.ErrInvalidInput)
	}
	return nil
}

func tableName(collection string) (string, error) {
	collection = defaultString(strings.TrimSpace(collection), labsync.DefaultCollection)
	if !tableNamePattern.MatchString(collection) {
		return "", fmt.Errorf("%w: collection %q is not a valid table name", labsync.ErrInvalidInput, collection)
	}
	return collection, nil
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// OpenBackend builds the document backend from a DSN. memory:// keeps documents in
// process; ws, wss, http and https DSNs connect to SurrealDB, reading credentials from
// the user info and the namespace and database from the ns and db query parameters.
func OpenBackend(ctx context.Context, dsn, collection string) (labsync.Backend, func(context.Context) error, error) {
	dsn = strings.TrimSpace(dsn)
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return labsync.NewMemoryBackend(labsync.BackendDocument, true), func(context.Context) error { return nil }, nil
	case "ws", "wss", "http", "https":
		opts := Options{
			Namespace:  parsed.Query().Get("ns"),
			Database:   parsed.Query().Get("db"),
			Collection: collection,
		}
		if parsed.User != nil {
			opts.Username = parsed.User.Username()
			opts.Password, _ = parsed.User.Password()
		}
		endpoint := *parsed
		endpoint.User = nil
		endpoint.RawQuery = ""
		opts.URL = endpoint.String()
		backend, err := Open(ctx, opts)
		if err != nil {
			return nil, nil, err
		}
		return backend, backend.Close, nil
	case "":
		return nil, nil, errors.New("document dsn needs a scheme")
	default:
		return nil, nil, fmt.Errorf("%w: unsupported document scheme: %s", labsync.ErrNotImplemented, parsed.Scheme)
	}
}
