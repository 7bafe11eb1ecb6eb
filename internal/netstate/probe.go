// Package netstate provides connectivity signal sources for labsync.Monitor.
package netstate

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/evcscavalcante/labsync/internal/labsync"
)

const (
	DefaultProbeInterval = 10 * time.Second
	DefaultProbeTimeout  = 3 * time.Second
)

// HealthChecker is satisfied by relational.Client.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Probe polls a health endpoint. A single failed check reports offline.
type Probe struct {
	checker  HealthChecker
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger

	mu    sync.Mutex
	known bool
	last  bool
}

var _ labsync.SignalSource = (*Probe)(nil)

func NewProbe(checker HealthChecker, interval, timeout time.Duration, logger *zerolog.Logger) *Probe {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Probe{
		checker:  checker,
		interval: interval,
		timeout:  timeout,
		logger:   l.With().Str("component", "probe").Logger(),
	}
}

func (p *Probe) Reachable(ctx context.Context) bool {
	online, _ := p.check(ctx)
	return online
}

func (p *Probe) Watch(ctx context.Context, emit func(online bool)) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if online, changed := p.check(ctx); changed {
			emit(online)
		}
	}
}

// check runs one health call and reports whether the result differs from the previous one.
func (p *Probe) check(ctx context.Context) (online, changed bool) {
	checkCtx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.checker.Health(checkCtx)
	cancel()
	online = err == nil
	if err != nil && ctx.Err() == nil {
		p.logger.Debug().Err(err).Msg("health check failed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	changed = !p.known || p.last != online
	p.known = true
	p.last = online
	return online, changed
}

// Always is a fixed source for profiles without a relational endpoint to watch.
type Always bool

func (a Always) Reachable(context.Context) bool {
	return bool(a)
}

func (a Always) Watch(ctx context.Context, _ func(bool)) error {
	<-ctx.Done()
	return ctx.Err()
}
