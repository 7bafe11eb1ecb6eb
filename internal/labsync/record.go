package labsync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrLocalStorage   = errors.New("local storage failure")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("closed")
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

type BackendName string

const (
	BackendRelational BackendName = "relational"
	BackendDocument   BackendName = "document"
)

// Backends lists the remote stores in the order they are attempted.
var Backends = []BackendName{BackendRelational, BackendDocument}

// Record is one domain entity. UpdatedAt is stamped by the writer and never by a backend.
type Record struct {
	ID        string         `json:"id" msgpack:"id"`
	Payload   map[string]any `json:"payload,omitempty" msgpack:"payload,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt" msgpack:"updatedAt"`
	OwnerID   string         `json:"ownerId,omitempty" msgpack:"ownerId,omitempty"`
}

// NewerThan reports whether r was written strictly after other.
func (r Record) NewerThan(other Record) bool {
	return r.UpdatedAt.After(other.UpdatedAt)
}

type SyncOperation struct {
	OperationID string                 `json:"operationId" msgpack:"operationId"`
	RecordID    string                 `json:"recordId" msgpack:"recordId"`
	Action      Action                 `json:"action" msgpack:"action"`
	Payload     *Record                `json:"payload,omitempty" msgpack:"payload,omitempty"`
	OwnerID     string                 `json:"ownerId,omitempty" msgpack:"ownerId,omitempty"`
	EnqueuedAt  time.Time              `json:"enqueuedAt" msgpack:"enqueuedAt"`
	Seq         uint64                 `json:"seq" msgpack:"seq"`
	AckState    map[BackendName]bool   `json:"ackState" msgpack:"ackState"`
	Attempts    map[BackendName]int    `json:"attempts" msgpack:"attempts"`
	LastError   map[BackendName]string `json:"lastError,omitempty" msgpack:"lastError,omitempty"`
}

// Acked reports whether every backend acknowledged the operation.
func (op SyncOperation) Acked() bool {
	for _, backend := range Backends {
		if !op.AckState[backend] {
			return false
		}
	}
	return true
}

// Exhausted reports whether every unacknowledged backend reached maxAttempts. Deferred
// backends are left out of the check, but at least one backend must have reached the cap.
// A fully acknowledged operation is never exhausted.
func (op SyncOperation) Exhausted(maxAttempts int, deferred ...BackendName) bool {
	exhausted := false
	for _, backend := range Backends {
		if op.AckState[backend] || slices.Contains(deferred, backend) {
			continue
		}
		if op.Attempts[backend] < maxAttempts {
			return false
		}
		exhausted = true
	}
	return exhausted
}

func (op SyncOperation) clone() SyncOperation {
	out := op
	if op.Payload != nil {
		payload := op.Payload.clone()
		out.Payload = &payload
	}
	out.AckState = make(map[BackendName]bool, len(Backends))
	out.Attempts = make(map[BackendName]int, len(Backends))
	out.LastError = make(map[BackendName]string, len(op.LastError))
	for _, backend := range Backends {
		out.AckState[backend] = op.AckState[backend]
		out.Attempts[backend] = op.Attempts[backend]
	}
	for backend, msg := range op.LastError {
		if msg != "" {
			out.LastError[backend] = msg
		}
	}
	return out
}

func (r Record) clone() Record {
	out := r
	if r.Payload != nil {
		out.Payload = cloneMap(r.Payload)
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// DeadLetter is an operation removed after exhausting its attempts.
type DeadLetter struct {
	Operation SyncOperation `json:"operation" msgpack:"operation"`
	Reason    string        `json:"reason" msgpack:"reason"`
	At        time.Time     `json:"at" msgpack:"at"`
}

// BackendError wraps a failed remote attempt.
type BackendError struct {
	Backend BackendName
	Action  Action
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Action, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Backend is a remote store. owner selects the partition on stores that are partitioned
// by user; stores that are not ignore it. Update and Delete of a missing id must not fail.
type Backend interface {
	Name() BackendName
	Create(ctx context.Context, owner string, record Record) error
	Update(ctx context.Context, owner string, record Record) error
	Delete(ctx context.Context, owner, id string) error
	Get(ctx context.Context, owner, id string) (Record, error)
	List(ctx context.Context, owner string) ([]Record, error)
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].ID < records[j].ID
	})
}

func sortOperations(ops []SyncOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if !ops[i].EnqueuedAt.Equal(ops[j].EnqueuedAt) {
			return ops[i].EnqueuedAt.Before(ops[j].EnqueuedAt)
		}
		if ops[i].Seq != ops[j].Seq {
			return ops[i].Seq < ops[j].Seq
		}
		return ops[i].OperationID < ops[j].OperationID
	})
}

func sortDeadLetters(items []DeadLetter) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].At.Equal(items[j].At) {
			return items[i].At.Before(items[j].At)
		}
		return items[i].Operation.OperationID < items[j].Operation.OperationID
	})
}

func localStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrLocalStorage) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrLocalStorage, op, err)
}
