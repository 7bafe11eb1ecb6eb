package labsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	skipOffline    = "offline"
	skipNoIdentity = "no user identity bound"
	skipBlocked    = "waiting for an earlier operation on the same record"
)

// Submit writes the record to the local cache, then propagates it to both backends and
// enqueues whatever they did not acknowledge. Only a local storage failure is returned;
// remote failures end up in the returned operation's LastError.
func (e *Engine) Submit(ctx context.Context, action Action, record Record) (Outcome, error) {
	saved, owner, err := e.persistLocal(ctx, action, record)
	if err != nil {
		return Outcome{}, err
	}
	return e.propagate(ctx, action, saved, owner)
}

// SubmitDetached returns as soon as the record is in the local cache. The outcome of
// remote propagation is delivered on the returned channel, which is closed afterwards.
func (e *Engine) SubmitDetached(ctx context.Context, action Action, record Record) (Record, <-chan Outcome, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Record{}, nil, ErrClosed
	}
	e.detached.Add(1)
	e.mu.Unlock()

	saved, owner, err := e.persistLocal(ctx, action, record)
	if err != nil {
		e.detached.Done()
		return Record{}, nil, err
	}
	ch := make(chan Outcome, 1)
	go func() {
		defer e.detached.Done()
		defer close(ch)
		outcome, err := e.propagate(context.WithoutCancel(ctx), action, saved, owner)
		if err != nil {
			e.logger.Error().Err(err).Str("record_id", saved.ID).Msg("detached propagation failed")
			return
		}
		ch <- outcome
	}()
	return saved, ch, nil
}

// persistLocal is step one: the only step whose failure fails the submit.
func (e *Engine) persistLocal(ctx context.Context, action Action, record Record) (Record, string, error) {
	if !action.Valid() {
		return Record{}, "", fmt.Errorf("%w: unknown action %q", ErrInvalidInput, action)
	}
	record = record.clone()
	record.ID = strings.TrimSpace(record.ID)
	if record.ID == "" {
		if action != ActionCreate {
			return Record{}, "", fmt.Errorf("%w: %s requires a record id", ErrInvalidInput, action)
		}
		record.ID = e.newID()
	}

	var prev *Record
	cached, err := e.cache.Get(ctx, record.ID)
	switch {
	case err == nil:
		prev = &cached
	case errors.Is(err, ErrNotFound):
	default:
		return Record{}, "", localStorageError("read cached record", err)
	}

	owner := e.identity.CurrentUserID()
	// The caller's UpdatedAt is ignored; only the cached copy bounds the stamp.
	var prevUpdated time.Time
	if prev != nil {
		prevUpdated = prev.UpdatedAt
	}
	record.UpdatedAt = e.stamp(prevUpdated)
	if owner != "" {
		record.OwnerID = owner
	} else if record.OwnerID == "" && prev != nil {
		record.OwnerID = prev.OwnerID
	}

	if action == ActionDelete {
		if err := e.cache.Delete(ctx, record.ID); err != nil {
			return Record{}, "", localStorageError("delete cached record", err)
		}
		return Record{ID: record.ID, UpdatedAt: record.UpdatedAt, OwnerID: record.OwnerID}, owner, nil
	}
	if err := e.cache.Put(ctx, record); err != nil {
		return Record{}, "", localStorageError("write cached record", err)
	}
	return record, owner, nil
}

type attemptResult struct {
	backend BackendName
	err     error
}

// propagate is steps two and three.
func (e *Engine) propagate(ctx context.Context, action Action, record Record, owner string) (Outcome, error) {
	op := SyncOperation{
		OperationID: e.newID(),
		RecordID:    record.ID,
		Action:      action,
		OwnerID:     owner,
		EnqueuedAt:  e.now().UTC(),
		AckState:    map[BackendName]bool{},
		Attempts:    map[BackendName]int{},
		LastError:   map[BackendName]string{},
	}
	if action == ActionDelete {
		op.Payload = &Record{ID: record.ID}
	} else {
		snapshot := record.clone()
		op.Payload = &snapshot
	}
	for _, backend := range Backends {
		op.AckState[backend] = false
		op.Attempts[backend] = 0
	}

	blocked, err := e.blockedBackends(ctx, record.ID)
	if err != nil {
		return Outcome{}, err
	}
	online := e.monitor.Online()

	results := make([]attemptResult, len(Backends))
	var wg sync.WaitGroup
	for i, backend := range Backends {
		results[i].backend = backend
		if reason := e.skipReason(backend, online, owner, blocked); reason != "" {
			results[i].err = errors.New(reason)
			continue
		}
		wg.Add(1)
		go func(i int, backend BackendName) {
			defer wg.Done()
			results[i].err = e.apply(ctx, backend, op, owner)
		}(i, backend)
	}
	wg.Wait()

	for _, result := range results {
		if result.err == nil {
			op.AckState[result.backend] = true
			continue
		}
		op.LastError[result.backend] = result.err.Error()
		e.logger.Warn().
			Err(result.err).
			Str("record_id", record.ID).
			Str("backend", string(result.backend)).
			Str("action", string(action)).
			Msg("propagation deferred to reconciliation")
	}

	if op.Acked() {
		return Outcome{Record: record, Operation: op}, nil
	}
	stored, err := e.log.Enqueue(context.WithoutCancel(ctx), op)
	if err != nil {
		return Outcome{}, localStorageError("enqueue operation", err)
	}
	e.logger.Debug().
		Str("operation_id", stored.OperationID).
		Str("record_id", record.ID).
		Bool("relational_ack", stored.AckState[BackendRelational]).
		Bool("document_ack", stored.AckState[BackendDocument]).
		Msg("operation enqueued")
	return Outcome{Record: record, Operation: stored, Enqueued: true}, nil
}

// blockedBackends lists backends that still owe an earlier operation on recordID.
// Writing to them directly would overtake that operation.
func (e *Engine) blockedBackends(ctx context.Context, recordID string) (map[BackendName]bool, error) {
	pending, err := e.log.ListPending(ctx)
	if err != nil {
		return nil, localStorageError("list pending operations", err)
	}
	blocked := map[BackendName]bool{}
	for _, op := range pending {
		if op.RecordID != recordID {
			continue
		}
		for _, backend := range Backends {
			if !op.AckState[backend] {
				blocked[backend] = true
			}
		}
	}
	return blocked, nil
}

func (e *Engine) skipReason(backend BackendName, online bool, owner string, blocked map[BackendName]bool) string {
	if !online {
		return skipOffline
	}
	if backend == BackendDocument && owner == "" {
		return skipNoIdentity
	}
	if blocked[backend] {
		return skipBlocked
	}
	return ""
}
