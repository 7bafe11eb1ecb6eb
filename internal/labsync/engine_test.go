package labsync

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitCreateWithBothBackendsReachable(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	out, err := h.engine.Submit(ctx, ActionCreate, equipment("eq-1", "Balança analítica"))
	require.NoError(t, err)

	assert.False(t, out.Enqueued)
	assert.True(t, out.Operation.AckState[BackendRelational])
	assert.True(t, out.Operation.AckState[BackendDocument])
	assert.Empty(t, h.pending(t))

	cached, err := h.store.Get(ctx, "eq-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", cached.OwnerID)
	assert.True(t, cached.UpdatedAt.Equal(h.clock.Now()))

	_, err = h.relational.MemoryBackend.Get(ctx, "", "eq-1")
	require.NoError(t, err)
	doc, err := h.document.MemoryBackend.Get(ctx, "user-1", "eq-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", doc.OwnerID)
	_, err = h.document.MemoryBackend.Get(ctx, "user-2", "eq-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubmitCreateAssignsID(t *testing.T) {
	h := newHarness(t, Config{})

	out, err := h.engine.Submit(context.Background(), ActionCreate, Record{Payload: map[string]any{"name": "Estufa"}})
	require.NoError(t, err)
	assert.NotEmpty(t, out.Record.ID)
	assert.Equal(t, out.Record.ID, out.Operation.RecordID)
}

func TestSubmitRejectsMissingIDForUpdateAndDelete(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, ActionUpdate, Record{})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.engine.Submit(ctx, ActionDelete, Record{ID: "  "})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.engine.Submit(ctx, Action("archive"), Record{ID: "eq-1"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSubmitIsDurableWhenBothBackendsAreDown(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.relational.down.Store(true)
	h.document.down.Store(true)

	out, err := h.engine.Submit(ctx, ActionCreate, equipment("eq-2", "Peneira"))
	require.NoError(t, err)
	assert.True(t, out.Enqueued)

	cached, err := h.store.Get(ctx, "eq-2")
	require.NoError(t, err)
	assert.Equal(t, "Peneira", cached.Payload["name"])

	ops := h.pending(t)
	require.Len(t, ops, 1)
	assert.Equal(t, 0, ops[0].Attempts[BackendRelational])
	assert.Equal(t, 0, ops[0].Attempts[BackendDocument])
	assert.Contains(t, ops[0].LastError[BackendRelational], errUnreachable.Error())
	assert.Contains(t, ops[0].LastError[BackendDocument], errUnreachable.Error())
}

func TestSubmitFailsWhenCacheIsUnavailable(t *testing.T) {
	engine, err := New(Config{}, Options{
		Cache:      failingCache{},
		Log:        NewMemoryStore(),
		Relational: NewMemoryBackend(BackendRelational, false),
		Document:   NewMemoryBackend(BackendDocument, true),
	})
	require.NoError(t, err)
	defer engine.Close()

	_, err = engine.Submit(context.Background(), ActionCreate, equipment("eq-1", "Prensa"))
	assert.ErrorIs(t, err, ErrLocalStorage)
	_, err = engine.LoadAll(context.Background())
	assert.ErrorIs(t, err, ErrLocalStorage)
}

func TestSubmitUpdateWithDocumentDownIsReconciled(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, ActionCreate, equipment("eq-1", "Balança"))
	require.NoError(t, err)

	h.document.down.Store(true)
	out, err := h.engine.Submit(ctx, ActionUpdate, equipment("eq-1", "Balança calibrada"))
	require.NoError(t, err)
	require.True(t, out.Enqueued)
	assert.True(t, out.Operation.AckState[BackendRelational])
	assert.False(t, out.Operation.AckState[BackendDocument])

	ops := h.pending(t)
	require.Len(t, ops, 1)
	assert.Equal(t, 0, ops[0].Attempts[BackendDocument])

	h.document.down.Store(false)
	first, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Completed)
	assert.Equal(t, 0, first.Failed)
	for i := 0; i < 2; i++ {
		_, err := h.engine.Reconcile(ctx)
		require.NoError(t, err)
	}
	assert.Empty(t, h.pending(t))

	doc, err := h.document.MemoryBackend.Get(ctx, "user-1", "eq-1")
	require.NoError(t, err)
	assert.Equal(t, "Balança calibrada", doc.Payload["name"])
}

func TestReconcileDeadLettersAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 3})
	ctx := context.Background()
	h.document.down.Store(true)

	_, err := h.engine.Submit(ctx, ActionCreate, equipment("eq-1", "Molde"))
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		result, err := h.engine.Reconcile(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Remaining)
		ops := h.pending(t)
		require.Len(t, ops, 1)
		assert.Equal(t, i, ops[0].Attempts[BackendDocument])
	}

	result, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeadLettered)
	assert.Empty(t, h.pending(t))
	require.Len(t, h.dead.Items(), 1)

	_, err = h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Len(t, h.dead.Items(), 1)

	status, err := h.engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Pending)
	assert.Equal(t, 1, status.DeadLetters)
	require.NotNil(t, status.LastDeadLetter)
	assert.Equal(t, "eq-1", status.LastDeadLetter.Operation.RecordID)
	assert.Contains(t, status.LastDeadLetter.Reason, "document")
	require.NotNil(t, h.engine.LastDeadLetter())

	cached, err := h.store.Get(ctx, "eq-1")
	require.NoError(t, err)
	assert.Equal(t, "Molde", cached.Payload["name"])
}

func TestReconcileWhileOfflineIsNoop(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.monitor.SetOnline(false)

	out, err := h.engine.Submit(ctx, ActionCreate, equipment("eq-1", "Cápsula"))
	require.NoError(t, err)
	assert.Equal(t, skipOffline, out.Operation.LastError[BackendRelational])

	_, err = h.engine.Reconcile(ctx)
	assert.ErrorIs(t, err, ErrOffline)
	assert.Empty(t, h.relational.Calls())

	ops := h.pending(t)
	require.Len(t, ops, 1)
	assert.Equal(t, 0, ops[0].Attempts[BackendRelational])
}

func TestReconnectRunsImmediatePass(t *testing.T) {
	h := newHarness(t, Config{TickInterval: time.Hour})
	ctx := context.Background()
	h.monitor.SetOnline(false)

	_, err := h.engine.Submit(ctx, ActionCreate, equipment("eq-1", "Termômetro"))
	require.NoError(t, err)
	require.NoError(t, h.engine.Start(ctx))

	h.monitor.SetOnline(true)
	require.Eventually(t, func() bool {
		ops, err := h.store.ListPending(ctx)
		return err == nil && len(ops) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconcileSkipsOverlappingPass(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.monitor.SetOnline(false)
	_, err := h.engine.Submit(ctx, ActionCreate, equipment("eq-1", "Picnômetro"))
	require.NoError(t, err)
	h.monitor.SetOnline(true)

	h.relational.block = make(chan struct{})
	h.relational.entered = make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Reconcile(ctx)
		done <- err
	}()

	select {
	case <-h.relational.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first pass never reached the backend")
	}
	_, err = h.engine.Reconcile(ctx)
	assert.ErrorIs(t, err, ErrPassInFlight)

	close(h.relational.block)
	require.NoError(t, <-done)
	assert.Empty(t, h.pending(t))
}

func TestReconcileReplaysRecordOperationsInOrder(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.monitor.SetOnline(false)

	_, err := h.engine.Submit(ctx, ActionCreate, equipment("eq-1", "v1"))
	require.NoError(t, err)
	_, err = h.engine.Submit(ctx, ActionCreate, equipment("eq-2", "other"))
	require.NoError(t, err)
	_, err = h.engine.Submit(ctx, ActionUpdate, equipment("eq-1", "v2"))
	require.NoError(t, err)
	_, err = h.engine.Submit(ctx, ActionDelete, Record{ID: "eq-1"})
	require.NoError(t, err)

	h.monitor.SetOnline(true)
	_, err = h.engine.Reconcile(ctx)
	require.NoError(t, err)

	var eq1 []string
	for _, call := range h.relational.Calls() {
		if strings.HasSuffix(call, " eq-1") {
			eq1 = append(eq1, call)
		}
	}
	assert.Equal(t, []string{"create eq-1", "update eq-1", "delete eq-1"}, eq1)
	assert.Empty(t, h.pending(t))
	_, err = h.relational.MemoryBackend.Get(ctx, "", "eq-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLaterOperationsWaitForEarlierFailure(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.monitor.SetOnline(false)
	_, err := h.engine.Submit(ctx, ActionCreate, equipment("eq-1", "v1"))
	require.NoError(t, err)
	_, err = h.engine.Submit(ctx, ActionUpdate, equipment("eq-1", "v2"))
	require.NoError(t, err)
	h.monitor.SetOnline(true)

	h.relational.down.Store(true)
	_, err = h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"create eq-1"}, h.relational.Calls())

	ops := h.pending(t)
	require.Len(t, ops, 2)
	assert.Equal(t, 1, ops[0].Attempts[BackendRelational])
	assert.Equal(t, 0, ops[1].Attempts[BackendRelational])
	assert.True(t, ops[1].AckState[BackendDocument])

	h.relational.down.Store(false)
	out, err := h.engine.Submit(ctx, ActionUpdate, equipment("eq-1", "v3"))
	require.NoError(t, err)
	assert.Equal(t, skipBlocked, out.Operation.LastError[BackendRelational])
	assert.True(t, out.Operation.AckState[BackendDocument])

	_, err = h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, h.pending(t))
	rel, err := h.relational.MemoryBackend.Get(ctx, "", "eq-1")
	require.NoError(t, err)
	assert.Equal(t, "v3", rel.Payload["name"])
}

func TestReplayOfAppliedOperationIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.relational.applyThenFail.Store(true)
	out, err := h.engine.Submit(ctx, ActionCreate, equipment("eq-1", "Cilindro"))
	require.NoError(t, err)
	require.True(t, out.Enqueued)
	h.relational.applyThenFail.Store(false)

	result, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Completed)

	records, err := h.relational.MemoryBackend.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, records, 1)

	out, err = h.engine.Submit(ctx, ActionDelete, Record{ID: "never-created"})
	require.NoError(t, err)
	assert.False(t, out.Enqueued)
}

func TestPerBackendTimeoutCountsAsFailure(t *testing.T) {
	h := newHarness(t, Config{PerBackendTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	h.monitor.SetOnline(false)
	_, err := h.engine.Submit(ctx, ActionCreate, equipment("eq-1", "Anel"))
	require.NoError(t, err)
	h.monitor.SetOnline(true)

	h.document.block = make(chan struct{})
	result, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	ops := h.pending(t)
	require.Len(t, ops, 1)
	assert.True(t, ops[0].AckState[BackendRelational])
	assert.Equal(t, 1, ops[0].Attempts[BackendDocument])
	assert.Contains(t, ops[0].LastError[BackendDocument], "deadline exceeded")
}

func TestLoginUnlocksDocumentOperations(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.identity.Unbind()

	out, err := h.engine.Submit(ctx, ActionCreate, equipment("eq-1", "Funil"))
	require.NoError(t, err)
	assert.True(t, out.Operation.AckState[BackendRelational])
	assert.Equal(t, skipNoIdentity, out.Operation.LastError[BackendDocument])
	assert.Empty(t, out.Record.OwnerID)

	result, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deferred)
	assert.Equal(t, 0, h.pending(t)[0].Attempts[BackendDocument])

	h.identity.Bind("user-7")
	result, err = h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Completed)

	doc, err := h.document.MemoryBackend.Get(ctx, "user-7", "eq-1")
	require.NoError(t, err)
	assert.Equal(t, "user-7", doc.OwnerID)
}

func TestSubmitAdvancesUpdatedAtMonotonically(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	first, err := h.engine.Submit(ctx, ActionCreate, equipment("eq-1", "a"))
	require.NoError(t, err)
	second, err := h.engine.Submit(ctx, ActionUpdate, equipment("eq-1", "b"))
	require.NoError(t, err)
	assert.True(t, second.Record.UpdatedAt.Equal(first.Record.UpdatedAt.Add(time.Millisecond)))

	h.clock.Advance(time.Second)
	third, err := h.engine.Submit(ctx, ActionUpdate, equipment("eq-1", "c"))
	require.NoError(t, err)
	assert.True(t, third.Record.UpdatedAt.Equal(h.clock.Now()))
}

func TestSubmitDetachedReturnsAfterLocalWrite(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.relational.block = make(chan struct{})

	saved, outcomes, err := h.engine.SubmitDetached(ctx, ActionCreate, equipment("eq-1", "Béquer"))
	require.NoError(t, err)
	cached, err := h.store.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "Béquer", cached.Payload["name"])

	close(h.relational.block)
	select {
	case outcome := <-outcomes:
		assert.False(t, outcome.Enqueued)
	case <-time.After(2 * time.Second):
		t.Fatal("detached propagation did not finish")
	}
}

func TestRequeueDeadLetter(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 1})
	ctx := context.Background()
	h.document.down.Store(true)

	_, err := h.engine.Submit(ctx, ActionCreate, equipment("eq-1", "Estufa"))
	require.NoError(t, err)
	result, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.DeadLettered)

	items, err := h.engine.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)

	h.document.down.Store(false)
	op, err := h.engine.RequeueDeadLetter(ctx, items[0].Operation.OperationID)
	require.NoError(t, err)
	assert.True(t, op.AckState[BackendRelational])
	assert.Equal(t, 0, op.Attempts[BackendDocument])
	assert.NotEqual(t, items[0].Operation.OperationID, op.OperationID)

	items, err = h.engine.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	result, err = h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Completed)
	_, err = h.document.MemoryBackend.Get(ctx, "user-1", "eq-1")
	require.NoError(t, err)

	_, err = h.engine.RequeueDeadLetter(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Options{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	store := NewMemoryStore()
	_, err = New(Config{}, Options{Cache: store, Log: store})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultCollection, cfg.Collection)
	assert.Equal(t, DefaultTickInterval, cfg.TickInterval)
	assert.Equal(t, DefaultMaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, DefaultPerBackendTimeout, cfg.PerBackendTimeout)
	assert.Equal(t, DefaultConcurrency, cfg.Concurrency)

	cfg = Config{TickJitter: 3, MaxAttempts: 10}.withDefaults()
	assert.Equal(t, 1.0, cfg.TickJitter)
	assert.Equal(t, 10, cfg.MaxAttempts)
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 20 * time.Second
	cases := []struct {
		ratio, sample float64
		want          time.Duration
	}{
		{0, 0.9, base},
		{0.25, 0, 15 * time.Second},
		{0.25, 0.5, base},
		{0.25, 1, 25 * time.Second},
		{0.25, 7, 25 * time.Second},
	}
	for _, tc := range cases {
		if got := jitteredIntervalWithSample(base, tc.ratio, tc.sample); got != tc.want {
			t.Fatalf("ratio %.2f sample %.2f: expected %s, got %s", tc.ratio, tc.sample, tc.want, got)
		}
	}
	if got := jitteredIntervalWithSample(0, 0.25, 0.5); got != time.Second {
		t.Fatalf("expected fallback interval for zero base, got %s", got)
	}
}

func TestRelationalFailureWithoutIdentityIsBounded(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 3})
	ctx := context.Background()
	h.identity.Unbind()
	h.relational.down.Store(true)

	_, err := h.engine.Submit(ctx, ActionCreate, equipment("eq-1", "Picnômetro"))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := h.engine.Reconcile(ctx)
		require.NoError(t, err)
	}

	assert.Empty(t, h.pending(t))
	items, err := h.engine.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 3, items[0].Operation.Attempts[BackendRelational])
	assert.Equal(t, 0, items[0].Operation.Attempts[BackendDocument])
	assert.Contains(t, items[0].Reason, "relational")
	assert.Len(t, h.relational.Calls(), 4, "one submit attempt plus three reconcile attempts")
	assert.Len(t, h.dead.Items(), 1)
}

func TestCappedBackendIsNotRetried(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 3})
	ctx := context.Background()
	h.document.down.Store(true)

	record := equipment("eq-1", "Peneira")
	record.UpdatedAt = h.clock.Now()
	record.OwnerID = "user-1"
	_, err := h.store.Enqueue(ctx, SyncOperation{
		OperationID: "op-capped",
		RecordID:    "eq-1",
		Action:      ActionCreate,
		Payload:     &record,
		OwnerID:     "user-1",
		EnqueuedAt:  h.clock.Now(),
		AckState:    map[BackendName]bool{},
		Attempts:    map[BackendName]int{BackendRelational: 3},
		LastError:   map[BackendName]string{BackendRelational: "boom"},
	})
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		result, err := h.engine.Reconcile(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Remaining)
		ops := h.pending(t)
		require.Len(t, ops, 1)
		assert.Equal(t, 3, ops[0].Attempts[BackendRelational])
		assert.Equal(t, i, ops[0].Attempts[BackendDocument])
	}
	result, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeadLettered)
	assert.Empty(t, h.relational.Calls())
	assert.Len(t, h.document.Calls(), 3)
}

func TestSubmitIgnoresCallerUpdatedAt(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	record := equipment("eq-1", "Balança")
	record.UpdatedAt = h.clock.Now().Add(365 * 24 * time.Hour)
	out, err := h.engine.Submit(ctx, ActionCreate, record)
	require.NoError(t, err)
	assert.True(t, out.Record.UpdatedAt.Equal(h.clock.Now()))

	h.clock.Advance(time.Second)
	update := equipment("eq-1", "Balança aferida")
	update.UpdatedAt = time.Time{}.Add(time.Hour)
	out, err = h.engine.Submit(ctx, ActionUpdate, update)
	require.NoError(t, err)
	assert.True(t, out.Record.UpdatedAt.Equal(h.clock.Now()))
}
