package labsync

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// LoadAll returns the merged view of the collection. The relational result is the
// baseline, strictly newer document copies win, and the local cache is returned as is
// when no remote answered. Concurrent calls share one load.
func (e *Engine) LoadAll(ctx context.Context) ([]Record, error) {
	v, err := e.sharedRead(ctx, "all", func(ctx context.Context) (any, error) {
		return e.loadAll(ctx)
	})
	if err != nil {
		return nil, err
	}
	records := v.([]Record)
	out := make([]Record, len(records))
	for i, record := range records {
		out[i] = record.clone()
	}
	return out, nil
}

// LoadByID applies the LoadAll precedence to one record, querying both backends in
// parallel. It returns nil when the record exists nowhere.
func (e *Engine) LoadByID(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, ErrInvalidInput
	}
	v, err := e.sharedRead(ctx, "id:"+id, func(ctx context.Context) (any, error) {
		return e.loadByID(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	record, _ := v.(*Record)
	if record == nil {
		return nil, nil
	}
	out := record.clone()
	return &out, nil
}

// sharedRead runs fn once per key for all concurrent callers. The shared load does not
// inherit any caller's cancellation; each caller stops waiting when its own ctx is done.
func (e *Engine) sharedRead(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	detached := context.WithoutCancel(ctx)
	ch := e.reads.DoChan(key, func() (any, error) {
		return fn(detached)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) loadAll(ctx context.Context) ([]Record, error) {
	cachedList, err := e.cache.GetAll(ctx)
	if err != nil {
		return nil, localStorageError("read cached records", err)
	}
	if !e.monitor.Online() {
		return cachedList, nil
	}
	user := e.identity.CurrentUserID()

	merged := map[string]Record{}
	haveBaseline := false
	if records, err := e.listRemote(ctx, BackendRelational, user); err == nil {
		haveBaseline = true
		for _, record := range records {
			merged[record.ID] = record
		}
	}
	if user != "" {
		if records, err := e.listRemote(ctx, BackendDocument, user); err == nil {
			haveBaseline = true
			for _, record := range records {
				if current, ok := merged[record.ID]; !ok || record.NewerThan(current) {
					merged[record.ID] = record
				}
			}
		}
	}
	if !haveBaseline {
		return cachedList, nil
	}

	cached := make(map[string]Record, len(cachedList))
	for _, record := range cachedList {
		cached[record.ID] = record
	}
	if err := e.overlayPending(ctx, merged, cached, ""); err != nil {
		return nil, err
	}
	if err := e.populateCache(ctx, merged, cached); err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(merged))
	for _, record := range merged {
		out = append(out, record)
	}
	sortRecords(out)
	return out, nil
}

func (e *Engine) loadByID(ctx context.Context, id string) (*Record, error) {
	cached := map[string]Record{}
	if record, err := e.cache.Get(ctx, id); err == nil {
		cached[id] = record
	} else if !errors.Is(err, ErrNotFound) {
		return nil, localStorageError("read cached record", err)
	}
	fromCache := func() *Record {
		if record, ok := cached[id]; ok {
			return &record
		}
		return nil
	}
	if !e.monitor.Online() {
		return fromCache(), nil
	}
	user := e.identity.CurrentUserID()

	type lookup struct {
		record Record
		found  bool
		err    error
	}
	var relational, document lookup
	document.err = errors.New(skipNoIdentity)

	var g errgroup.Group
	g.Go(func() error {
		relational.record, relational.found, relational.err = e.getRemote(ctx, BackendRelational, user, id)
		return nil
	})
	if user != "" {
		g.Go(func() error {
			document.record, document.found, document.err = e.getRemote(ctx, BackendDocument, user, id)
			return nil
		})
	}
	_ = g.Wait()

	if relational.err != nil && document.err != nil {
		return fromCache(), nil
	}
	merged := map[string]Record{}
	for _, candidate := range []lookup{relational, document} {
		if candidate.err != nil || !candidate.found {
			continue
		}
		if current, ok := merged[id]; !ok || candidate.record.NewerThan(current) {
			merged[id] = candidate.record
		}
	}
	if err := e.overlayPending(ctx, merged, cached, id); err != nil {
		return nil, err
	}
	if err := e.populateCache(ctx, merged, cached); err != nil {
		return nil, err
	}
	record, ok := merged[id]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

// overlayPending makes local writes that have not reached every backend visible in
// merged results. When only is set, operations on other records are ignored.
func (e *Engine) overlayPending(ctx context.Context, merged, cached map[string]Record, only string) error {
	pending, err := e.log.ListPending(ctx)
	if err != nil {
		return localStorageError("list pending operations", err)
	}
	for _, op := range pending {
		if only != "" && op.RecordID != only {
			continue
		}
		if op.Action == ActionDelete {
			delete(merged, op.RecordID)
			continue
		}
		local, ok := cached[op.RecordID]
		if !ok {
			continue
		}
		if current, ok := merged[op.RecordID]; !ok || local.NewerThan(current) {
			merged[op.RecordID] = local
		}
	}
	return nil
}

// populateCache stores remote winners the cache does not have yet. A cached copy that
// is at least as new is kept.
func (e *Engine) populateCache(ctx context.Context, merged, cached map[string]Record) error {
	for id, record := range merged {
		if current, ok := cached[id]; ok && !record.NewerThan(current) {
			continue
		}
		if err := e.cache.Put(ctx, record); err != nil {
			return localStorageError("populate cache", err)
		}
	}
	return nil
}

func (e *Engine) listRemote(ctx context.Context, name BackendName, owner string) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PerBackendTimeout)
	defer cancel()
	records, err := e.backend(name).List(ctx, owner)
	if err != nil {
		e.logger.Warn().Err(err).Str("backend", string(name)).Msg("remote list failed, skipping backend")
		return nil, err
	}
	return records, nil
}

func (e *Engine) getRemote(ctx context.Context, name BackendName, owner, id string) (Record, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PerBackendTimeout)
	defer cancel()
	record, err := e.backend(name).Get(ctx, owner, id)
	switch {
	case err == nil:
		return record, true, nil
	case errors.Is(err, ErrNotFound):
		return Record{}, false, nil
	default:
		e.logger.Warn().Err(err).Str("backend", string(name)).Str("record_id", id).Msg("remote get failed, skipping backend")
		return Record{}, false, err
	}
}
