package labsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errUnreachable = errors.New("backend unreachable")

// fakeBackend wraps a MemoryBackend with switchable failure modes and a call journal.
type fakeBackend struct {
	*MemoryBackend

	down          atomic.Bool
	applyThenFail atomic.Bool
	block         chan struct{}
	entered       chan struct{}

	mu    sync.Mutex
	calls []string
}

func newFakeBackend(name BackendName, partitioned bool) *fakeBackend {
	return &fakeBackend{MemoryBackend: NewMemoryBackend(name, partitioned)}
}

func (b *fakeBackend) journal(entry string) error {
	b.mu.Lock()
	b.calls = append(b.calls, entry)
	b.mu.Unlock()
	if b.down.Load() {
		return errUnreachable
	}
	return nil
}

func (b *fakeBackend) wait(ctx context.Context) error {
	if b.block == nil {
		return nil
	}
	if b.entered != nil {
		select {
		case b.entered <- struct{}{}:
		default:
		}
	}
	select {
	case <-b.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *fakeBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBackend) Create(ctx context.Context, owner string, record Record) error {
	if err := b.journal("create " + record.ID); err != nil {
		return err
	}
	if err := b.wait(ctx); err != nil {
		return err
	}
	if err := b.MemoryBackend.Create(ctx, owner, record); err != nil {
		return err
	}
	if b.applyThenFail.Load() {
		return errUnreachable
	}
	return nil
}

func (b *fakeBackend) Update(ctx context.Context, owner string, record Record) error {
	if err := b.journal("update " + record.ID); err != nil {
		return err
	}
	if err := b.wait(ctx); err != nil {
		return err
	}
	if err := b.MemoryBackend.Update(ctx, owner, record); err != nil {
		return err
	}
	if b.applyThenFail.Load() {
		return errUnreachable
	}
	return nil
}

func (b *fakeBackend) Delete(ctx context.Context, owner, id string) error {
	if err := b.journal("delete " + id); err != nil {
		return err
	}
	if err := b.wait(ctx); err != nil {
		return err
	}
	return b.MemoryBackend.Delete(ctx, owner, id)
}

func (b *fakeBackend) Get(ctx context.Context, owner, id string) (Record, error) {
	if b.down.Load() {
		return Record{}, errUnreachable
	}
	return b.MemoryBackend.Get(ctx, owner, id)
}

func (b *fakeBackend) List(ctx context.Context, owner string) ([]Record, error) {
	if b.down.Load() {
		return nil, errUnreachable
	}
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	return b.MemoryBackend.List(ctx, owner)
}

// failingCache rejects every call.
type failingCache struct{}

func (failingCache) Put(context.Context, Record) error { return errors.New("disk full") }
func (failingCache) Get(context.Context, string) (Record, error) { return Record{}, errors.New("disk full") }
func (failingCache) GetAll(context.Context) ([]Record, error) { return nil, errors.New("disk full") }
func (failingCache) Delete(context.Context, string) error { return errors.New("disk full") }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	engine     *Engine
	store      *MemoryStore
	relational *fakeBackend
	document   *fakeBackend
	monitor    *Monitor
	identity   *IdentityHub
	clock      *fakeClock
	dead       *deadLetterSink
}

type deadLetterSink struct {
	mu    sync.Mutex
	items []DeadLetter
}

func (s *deadLetterSink) add(item DeadLetter) {
	s.mu.Lock()
	s.items = append(s.items, item)
	s.mu.Unlock()
}

func (s *deadLetterSink) Items() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeadLetter(nil), s.items...)
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:      NewMemoryStore(),
		relational: newFakeBackend(BackendRelational, false),
		document:   newFakeBackend(BackendDocument, true),
		monitor:    NewMonitor(true),
		identity:   NewIdentityHub("user-1"),
		clock:      newFakeClock(),
		dead:       &deadLetterSink{},
	}
	var ids atomic.Int64
	engine, err := New(cfg, Options{
		Cache:        h.store,
		Log:          h.store,
		Relational:   h.relational,
		Document:     h.document,
		Monitor:      h.monitor,
		Identity:     h.identity,
		Now:          h.clock.Now,
		OnDeadLetter: h.dead.add,
		NewID: func() string {
			return fmt.Sprintf("id-%03d", ids.Add(1))
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	h.engine = engine
	return h
}

func (h *harness) pending(t *testing.T) []SyncOperation {
	t.Helper()
	ops, err := h.store.ListPending(context.Background())
	require.NoError(t, err)
	return ops
}

func equipment(id, name string) Record {
	return Record{ID: id, Payload: map[string]any{"name": name, "kind": "balance"}}
}
