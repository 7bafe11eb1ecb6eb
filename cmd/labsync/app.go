package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/evcscavalcante/labsync/internal/document"
	"github.com/evcscavalcante/labsync/internal/labsync"
	"github.com/evcscavalcante/labsync/internal/netstate"
	"github.com/evcscavalcante/labsync/internal/relational"
	"github.com/evcscavalcante/labsync/internal/session"
)

// app is the composition root: one engine with its storage, backends and signal sources.
type app struct {
	cfg     Config
	logger  zerolog.Logger
	storage *labsync.Storage
	engine  *labsync.Engine
	source  labsync.SignalSource
	binder  *session.FileBinder

	closeDocument func(context.Context) error
}

func openApp(ctx context.Context, cfg Config, userID string, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close(context.WithoutCancel(ctx))
		}
	}()

	storage, err := labsync.OpenStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.storage = storage

	var relationalBackend labsync.Backend
	var client *relational.Client
	if cfg.RelationalURL != "" {
		client = relational.NewClient(cfg.RelationalURL, cfg.Engine.Collection, cfg.RelationalToken, &http.Client{Timeout: cfg.Engine.PerBackendTimeout})
		relationalBackend = client
	} else {
		logger.Warn().Msg("no relational_url configured, relational writes stay in process")
		relationalBackend = labsync.NewMemoryBackend(labsync.BackendRelational, false)
	}

	documentBackend, closeDocument, err := document.OpenBackend(ctx, cfg.DocumentDSN, cfg.Engine.Collection)
	if err != nil {
		return nil, err
	}
	a.closeDocument = closeDocument

	switch cfg.Connectivity {
	case connectivityProbe:
		a.source = netstate.NewProbe(client, cfg.ProbeInterval, 0, &logger)
	case connectivityPresence:
		endpoint, err := netstate.PresenceURL(cfg.RelationalURL)
		if err != nil {
			return nil, err
		}
		a.source = netstate.NewPresence(endpoint, netstate.PresenceOptions{Token: cfg.RelationalToken, Logger: &logger})
	case connectivityOffline:
		a.source = netstate.Always(false)
	default:
		a.source = netstate.Always(true)
	}
	monitor := labsync.NewMonitor(a.source.Reachable(ctx))

	var identity labsync.IdentityBinder
	if userID != "" {
		identity = labsync.NewIdentityHub(userID)
	} else {
		binder, err := session.NewFileBinder(cfg.SessionFile, &logger)
		if err != nil {
			return nil, err
		}
		a.binder = binder
		identity = binder
	}

	engine, err := labsync.New(cfg.Engine, labsync.Options{
		Cache:      storage.Cache,
		Log:        storage.Log,
		Relational: relationalBackend,
		Document:   documentBackend,
		Monitor:    monitor,
		Identity:   identity,
		Logger:     &logger,
		OnDeadLetter: func(item labsync.DeadLetter) {
			logger.Warn().
				Str("operation_id", item.Operation.OperationID).
				Str("record_id", item.Operation.RecordID).
				Str("reason", item.Reason).
				Msg("operation moved to dead letters")
		},
	})
	if err != nil {
		return nil, err
	}
	a.engine = engine
	ok = true
	return a, nil
}

// run follows connectivity and the session file and reconciles until ctx is done.
func (a *app) run(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(a.engine.Monitor().Follow(gctx, a.source))
	})
	if a.binder != nil {
		g.Go(func() error {
			return ignoreCanceled(a.binder.Watch(gctx))
		})
	}
	a.logger.Info().
		Str("collection", a.cfg.Engine.Collection).
		Str("connectivity", a.cfg.Connectivity).
		Bool("online", a.engine.Monitor().Online()).
		Msg("labsync running")
	return g.Wait()
}

func (a *app) close(ctx context.Context) {
	if a.engine != nil {
		_ = a.engine.Close()
	}
	if a.closeDocument != nil {
		if err := a.closeDocument(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("close document backend")
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close storage")
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
