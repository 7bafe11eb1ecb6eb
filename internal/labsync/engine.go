package labsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Options carries the collaborators of an Engine. Cache, Log, Relational and Document
// are required.
type Options struct {
	Cache      LocalCache
	Log        OperationLog
	Relational Backend
	Document   Backend
	// Monitor defaults to a monitor that starts online.
	Monitor *Monitor
	// Identity defaults to an unauthenticated hub.
	Identity IdentityBinder
	Logger   *zerolog.Logger
	// OnDeadLetter is called once for every operation removed after exhausting its attempts.
	OnDeadLetter func(DeadLetter)
	Now          func() time.Time
	NewID        func() string
}

// Engine keeps one record collection consistent across the local cache and the two
// remote backends.
type Engine struct {
	cfg        Config
	cache      LocalCache
	log        OperationLog
	relational Backend
	document   Backend
	monitor    *Monitor
	identity   IdentityBinder
	logger     zerolog.Logger
	now        func() time.Time
	newID      func() string

	onDeadLetter func(DeadLetter)
	reconciler   *Reconciler
	reads        singleflight.Group

	mu             sync.Mutex
	lastDeadLetter *DeadLetter
	unsubscribe    []func()
	cancelRun      context.CancelFunc
	loopDone       chan struct{}
	detached       sync.WaitGroup
	closed         bool
}

type Outcome struct {
	Record    Record        `json:"record"`
	Operation SyncOperation `json:"operation"`
	// Enqueued is false when both backends acknowledged during submit.
	Enqueued bool `json:"enqueued"`
}

type Status struct {
	Collection     string      `json:"collection"`
	Online         bool        `json:"online"`
	UserID         string      `json:"userId,omitempty"`
	Pending        int         `json:"pending"`
	DeadLetters    int         `json:"deadLetters"`
	LastDeadLetter *DeadLetter `json:"lastDeadLetter,omitempty"`
	LastPassAt     time.Time   `json:"lastPassAt,omitempty"`
	LastPass       PassResult  `json:"lastPass"`
}

func New(cfg Config, opts Options) (*Engine, error) {
	if opts.Cache == nil || opts.Log == nil {
		return nil, fmt.Errorf("%w: cache and operation log are required", ErrInvalidInput)
	}
	if opts.Relational == nil || opts.Document == nil {
		return nil, fmt.Errorf("%w: relational and document backends are required", ErrInvalidInput)
	}
	e := &Engine{
		cfg:          cfg.withDefaults(),
		cache:        opts.Cache,
		log:          opts.Log,
		relational:   opts.Relational,
		document:     opts.Document,
		monitor:      opts.Monitor,
		identity:     opts.Identity,
		now:          opts.Now,
		newID:        opts.NewID,
		onDeadLetter: opts.OnDeadLetter,
	}
	if e.monitor == nil {
		e.monitor = NewMonitor(true)
	}
	if e.identity == nil {
		e.identity = NewIdentityHub("")
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if opts.Logger != nil {
		e.logger = opts.Logger.With().Str("collection", e.cfg.Collection).Logger()
	} else {
		e.logger = zerolog.Nop()
	}
	e.reconciler = newReconciler(e)

	e.unsubscribe = append(e.unsubscribe, e.monitor.Subscribe(func(online bool) {
		if online {
			e.logger.Info().Msg("connectivity restored, scheduling reconciliation")
			e.reconciler.Trigger()
		}
	}))
	e.unsubscribe = append(e.unsubscribe, e.identity.Subscribe(func(userID string) {
		if userID != "" {
			e.logger.Info().Str("user_id", userID).Msg("identity bound, scheduling reconciliation")
			e.reconciler.Trigger()
		}
	}))
	return e, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Monitor() *Monitor {
	return e.monitor
}

func (e *Engine) Reconciler() *Reconciler {
	return e.reconciler
}

// Start runs the reconciliation loop in the background until Close.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.cancelRun != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancelRun = cancel
	e.loopDone = make(chan struct{})
	go func() {
		defer close(e.loopDone)
		_ = e.reconciler.Run(runCtx)
	}()
	return nil
}

// Close stops the loop, waits for the pass and detached propagations in flight and
// drops the connectivity and identity subscriptions. It does not close the storage.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancelRun
	done := e.loopDone
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	if cancel != nil {
		cancel()
		<-done
	}
	e.detached.Wait()
	return nil
}

// Reconcile runs one pass now. It returns ErrOffline or ErrPassInFlight when skipped.
func (e *Engine) Reconcile(ctx context.Context) (PassResult, error) {
	return e.reconciler.RunOnce(ctx)
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	pending, err := e.log.ListPending(ctx)
	if err != nil {
		return Status{}, localStorageError("list pending operations", err)
	}
	dead, err := e.log.ListDeadLetters(ctx)
	if err != nil {
		return Status{}, localStorageError("list dead letters", err)
	}
	status := Status{
		Collection:  e.cfg.Collection,
		Online:      e.monitor.Online(),
		UserID:      e.identity.CurrentUserID(),
		Pending:     len(pending),
		DeadLetters: len(dead),
	}
	if len(dead) > 0 {
		last := dead[len(dead)-1]
		status.LastDeadLetter = &last
	}
	status.LastPassAt, status.LastPass = e.reconciler.LastPass()
	return status, nil
}

func (e *Engine) Pending(ctx context.Context) ([]SyncOperation, error) {
	ops, err := e.log.ListPending(ctx)
	if err != nil {
		return nil, localStorageError("list pending operations", err)
	}
	return ops, nil
}

func (e *Engine) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	items, err := e.log.ListDeadLetters(ctx)
	if err != nil {
		return nil, localStorageError("list dead letters", err)
	}
	return items, nil
}

// LastDeadLetter returns the most recent dead letter seen by this process, if any.
func (e *Engine) LastDeadLetter() *DeadLetter {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastDeadLetter == nil {
		return nil
	}
	out := *e.lastDeadLetter
	return &out
}

// RequeueDeadLetter puts a dead-lettered operation back in the log with fresh attempt
// counters. Backends that had acknowledged it stay acknowledged. The newest cached
// snapshot of the record replaces the dead-lettered one.
func (e *Engine) RequeueDeadLetter(ctx context.Context, operationID string) (SyncOperation, error) {
	items, err := e.log.ListDeadLetters(ctx)
	if err != nil {
		return SyncOperation{}, localStorageError("list dead letters", err)
	}
	var found *DeadLetter
	for i := range items {
		if items[i].Operation.OperationID == operationID {
			found = &items[i]
			break
		}
	}
	if found == nil {
		return SyncOperation{}, ErrNotFound
	}

	op := found.Operation.clone()
	op.OperationID = e.newID()
	op.EnqueuedAt = e.now().UTC()
	op.Seq = 0
	for _, backend := range Backends {
		if !op.AckState[backend] {
			op.Attempts[backend] = 0
		}
	}
	op.LastError = map[BackendName]string{}
	if op.Action != ActionDelete {
		cached, err := e.cache.Get(ctx, op.RecordID)
		switch {
		case err == nil:
			if op.Payload == nil || !op.Payload.NewerThan(cached) {
				op.Payload = &cached
			}
		case errors.Is(err, ErrNotFound):
		default:
			return SyncOperation{}, localStorageError("read cached record", err)
		}
	}

	stored, err := e.log.Enqueue(ctx, op)
	if err != nil {
		return SyncOperation{}, localStorageError("enqueue operation", err)
	}
	if err := e.log.DeleteDeadLetter(ctx, operationID); err != nil && !errors.Is(err, ErrNotFound) {
		return SyncOperation{}, localStorageError("delete dead letter", err)
	}
	e.logger.Info().
		Str("operation_id", stored.OperationID).
		Str("requeued_from", operationID).
		Str("record_id", stored.RecordID).
		Msg("dead letter requeued")
	e.reconciler.Trigger()
	return stored, nil
}

func (e *Engine) DiscardDeadLetter(ctx context.Context, operationID string) error {
	if err := e.log.DeleteDeadLetter(ctx, operationID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return localStorageError("delete dead letter", err)
	}
	return nil
}

func (e *Engine) backend(name BackendName) Backend {
	if name == BackendDocument {
		return e.document
	}
	return e.relational
}

// apply runs one operation against one backend under the per-backend timeout.
func (e *Engine) apply(ctx context.Context, name BackendName, op SyncOperation, owner string) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PerBackendTimeout)
	defer cancel()

	backend := e.backend(name)
	var err error
	switch op.Action {
	case ActionCreate, ActionUpdate:
		if op.Payload == nil {
			err = fmt.Errorf("%w: operation has no payload", ErrInvalidInput)
			break
		}
		record := op.Payload.clone()
		if name == BackendDocument && record.OwnerID == "" {
			record.OwnerID = owner
		}
		if op.Action == ActionCreate {
			err = backend.Create(ctx, owner, record)
		} else {
			err = backend.Update(ctx, owner, record)
		}
	case ActionDelete:
		err = backend.Delete(ctx, owner, op.RecordID)
	default:
		err = fmt.Errorf("%w: unknown action %q", ErrInvalidInput, op.Action)
	}
	if err != nil {
		return &BackendError{Backend: name, Action: op.Action, Err: err}
	}
	return nil
}

func (e *Engine) recordDeadLetter(item DeadLetter) {
	e.mu.Lock()
	last := item
	e.lastDeadLetter = &last
	e.mu.Unlock()
	if e.onDeadLetter != nil {
		e.onDeadLetter(item)
	}
}

// stamp returns the write time for a record whose cached copy was written at prev.
func (e *Engine) stamp(prev time.Time) time.Time {
	now := e.now().UTC().Truncate(time.Millisecond)
	if !prev.IsZero() && !now.After(prev) {
		return prev.UTC().Truncate(time.Millisecond).Add(time.Millisecond)
	}
	return now
}
