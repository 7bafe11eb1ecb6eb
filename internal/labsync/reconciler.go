package labsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	ErrOffline      = errors.New("offline")
	ErrPassInFlight = errors.New("reconciliation pass already in flight")
)

type PassResult struct {
	Pending      int `json:"pending"`
	Acknowledged int `json:"acknowledged"`
	Failed       int `json:"failed"`
	Completed    int `json:"completed"`
	DeadLettered int `json:"deadLettered"`
	Deferred     int `json:"deferred"`
	Remaining    int `json:"remaining"`
}

// Reconciler retries pending operations on a timer, on demand, and whenever
// connectivity comes back.
type Reconciler struct {
	e       *Engine
	running atomic.Bool
	kick    chan struct{}

	mu         sync.Mutex
	lastPassAt time.Time
	lastPass   PassResult
}

func newReconciler(e *Engine) *Reconciler {
	return &Reconciler{
		e:    e,
		kick: make(chan struct{}, 1),
	}
}

// Trigger asks the running loop for an extra pass. Triggers that arrive while one is
// already queued coalesce.
func (r *Reconciler) Trigger() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run drives passes until ctx is done. A pass that is running when ctx ends finishes
// its backend attempts before Run returns.
func (r *Reconciler) Run(ctx context.Context) error {
	cfg := r.e.cfg
	timer := time.NewTimer(jitteredInterval(cfg.TickInterval, cfg.TickJitter))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			r.runLogged(ctx, "tick")
			timer.Reset(jitteredInterval(cfg.TickInterval, cfg.TickJitter))
		case <-r.kick:
			r.runLogged(ctx, "trigger")
		}
	}
}

func (r *Reconciler) runLogged(ctx context.Context, reason string) {
	result, err := r.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrOffline), errors.Is(err, ErrPassInFlight):
		r.e.logger.Debug().Str("reason", reason).Err(err).Msg("reconciliation pass skipped")
	case err != nil:
		r.e.logger.Error().Str("reason", reason).Err(err).Msg("reconciliation pass failed")
	case result.Pending > 0:
		r.e.logger.Info().
			Str("reason", reason).
			Int("pending", result.Pending).
			Int("completed", result.Completed).
			Int("dead_lettered", result.DeadLettered).
			Int("remaining", result.Remaining).
			Msg("reconciliation pass finished")
	}
}

// RunOnce runs a single pass. It is skipped with ErrOffline while offline and with
// ErrPassInFlight while another pass is running.
func (r *Reconciler) RunOnce(ctx context.Context) (PassResult, error) {
	if !r.e.monitor.Online() {
		return PassResult{}, ErrOffline
	}
	if !r.running.CompareAndSwap(false, true) {
		return PassResult{}, ErrPassInFlight
	}
	defer r.running.Store(false)

	result, err := r.pass(context.WithoutCancel(ctx))
	r.mu.Lock()
	r.lastPassAt = r.e.now().UTC()
	r.lastPass = result
	r.mu.Unlock()
	return result, err
}

func (r *Reconciler) LastPass() (time.Time, PassResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPassAt, r.lastPass
}

type passTally struct {
	mu     sync.Mutex
	result PassResult
}

func (t *passTally) add(fn func(*PassResult)) {
	t.mu.Lock()
	fn(&t.result)
	t.mu.Unlock()
}

func (r *Reconciler) pass(ctx context.Context) (PassResult, error) {
	ops, err := r.e.log.ListPending(ctx)
	if err != nil {
		return PassResult{}, localStorageError("list pending operations", err)
	}
	tally := &passTally{result: PassResult{Pending: len(ops)}}

	order := []string{}
	byRecord := map[string][]SyncOperation{}
	for _, op := range ops {
		if _, ok := byRecord[op.RecordID]; !ok {
			order = append(order, op.RecordID)
		}
		byRecord[op.RecordID] = append(byRecord[op.RecordID], op)
	}

	var g errgroup.Group
	g.SetLimit(r.e.cfg.Concurrency)
	for _, recordID := range order {
		recordOps := byRecord[recordID]
		g.Go(func() error {
			return r.reconcileRecord(ctx, recordOps, tally)
		})
	}
	err = g.Wait()
	return tally.result, err
}

// reconcileRecord replays the operations of one record in enqueue order. Once an
// operation is left unacknowledged on a backend, later ones wait for it on that backend.
func (r *Reconciler) reconcileRecord(ctx context.Context, ops []SyncOperation, tally *passTally) error {
	blocked := map[BackendName]bool{}
	for _, op := range ops {
		if err := r.reconcileOperation(ctx, op, blocked, tally); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) reconcileOperation(ctx context.Context, op SyncOperation, blocked map[BackendName]bool, tally *passTally) error {
	e := r.e
	logger := e.logger.With().Str("operation_id", op.OperationID).Str("record_id", op.RecordID).Logger()
	changed := false
	var deferred []BackendName

	for _, backend := range Backends {
		if op.AckState[backend] || blocked[backend] || op.Attempts[backend] >= e.cfg.MaxAttempts {
			continue
		}
		owner := op.OwnerID
		if backend == BackendDocument && owner == "" {
			owner = e.identity.CurrentUserID()
			if owner == "" {
				deferred = append(deferred, backend)
				tally.add(func(p *PassResult) { p.Deferred++ })
				continue
			}
			op.OwnerID = owner
			changed = true
		}

		changed = true
		if err := e.apply(ctx, backend, op, owner); err != nil {
			op.Attempts[backend]++
			op.LastError[backend] = err.Error()
			tally.add(func(p *PassResult) { p.Failed++ })
			logger.Warn().
				Err(err).
				Str("backend", string(backend)).
				Int("attempts", op.Attempts[backend]).
				Msg("backend attempt failed")
			continue
		}
		op.AckState[backend] = true
		delete(op.LastError, backend)
		tally.add(func(p *PassResult) { p.Acknowledged++ })
	}

	switch {
	case op.Acked():
		if err := e.log.Remove(ctx, op.OperationID); err != nil {
			return localStorageError("remove operation", err)
		}
		tally.add(func(p *PassResult) { p.Completed++ })
		logger.Debug().Msg("operation acknowledged by every backend")
		return nil
	case op.Exhausted(e.cfg.MaxAttempts, deferred...):
		item := DeadLetter{
			Operation: op,
			Reason:    deadLetterReason(op),
			At:        e.now().UTC(),
		}
		if err := e.log.DeadLetter(ctx, item); err != nil {
			return localStorageError("dead-letter operation", err)
		}
		tally.add(func(p *PassResult) { p.DeadLettered++ })
		logger.Warn().
			Str("action", string(op.Action)).
			Str("reason", item.Reason).
			Int("max_attempts", e.cfg.MaxAttempts).
			Msg("operation dead-lettered after exhausting attempts")
		e.recordDeadLetter(item)
		return nil
	}

	if changed {
		if err := e.log.Update(ctx, op); err != nil {
			return localStorageError("update operation", err)
		}
	}
	for _, backend := range Backends {
		if !op.AckState[backend] {
			blocked[backend] = true
		}
	}
	tally.add(func(p *PassResult) { p.Remaining++ })
	return nil
}

func deadLetterReason(op SyncOperation) string {
	parts := make([]string, 0, len(op.LastError))
	for backend, msg := range op.LastError {
		if op.AckState[backend] || msg == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", backend, msg))
	}
	sort.Strings(parts)
	if len(parts) == 0 {
		return "attempts exhausted"
	}
	return strings.Join(parts, "; ")
}
