package netstate

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/evcscavalcante/labsync/internal/labsync"
)

type PresenceOptions struct {
	// Token is sent as a bearer credential during the handshake.
	Token string
	// StaleAfter is how long the link may stay silent before it counts as lost. Once a
	// heartbeat announces its interval, three intervals are used instead.
	StaleAfter time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// Presence holds a websocket to /v1/presence. It reports online while heartbeats
// arrive and redials with capped exponential backoff after the link drops.
type Presence struct {
	url    string
	opts   PresenceOptions
	logger zerolog.Logger

	mu    sync.Mutex
	known bool
	last  bool
}

var _ labsync.SignalSource = (*Presence)(nil)

type heartbeat struct {
	Type       string `json:"type"`
	IntervalMS int64  `json:"intervalMs"`
}

func NewPresence(endpoint string, opts PresenceOptions) *Presence {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Second
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	l := zerolog.Nop()
	if opts.Logger != nil {
		l = *opts.Logger
	}
	return &Presence{
		url:    endpoint,
		opts:   opts,
		logger: l.With().Str("component", "presence").Logger(),
	}
}

// PresenceURL turns a relational API base URL into its presence websocket URL.
func PresenceURL(baseURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: presence needs an http or ws url, got %q", labsync.ErrInvalidInput, baseURL)
	}
	parsed.Path += "/v1/presence"
	return parsed.String(), nil
}

func (p *Presence) Reachable(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, p.opts.StaleAfter)
	defer cancel()
	conn, err := p.dial(dialCtx)
	if err != nil {
		p.observe(false)
		return false
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	p.observe(true)
	return true
}

func (p *Presence) Watch(ctx context.Context, emit func(online bool)) error {
	backoff := p.opts.MinBackoff
	for {
		conn, err := p.dial(ctx)
		if err == nil {
			backoff = p.opts.MinBackoff
			p.report(true, emit)
			err = p.follow(ctx, conn)
			_ = conn.CloseNow()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Debug().Err(err).Dur("backoff", backoff).Msg("presence link down")
		p.report(false, emit)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, p.opts.MaxBackoff)
	}
}

// follow reads heartbeats until one is late or the connection fails.
func (p *Presence) follow(ctx context.Context, conn *websocket.Conn) error {
	stale := p.opts.StaleAfter
	for {
		readCtx, cancel := context.WithTimeout(ctx, stale)
		var beat heartbeat
		err := wsjson.Read(readCtx, conn, &beat)
		cancel()
		if err != nil {
			return err
		}
		if beat.IntervalMS > 0 {
			stale = 3 * time.Duration(beat.IntervalMS) * time.Millisecond
		}
	}
}

func (p *Presence) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("X-Correlation-Id", fmt.Sprintf("labsync_presence_%d", time.Now().UnixNano()))
	if p.opts.Token != "" {
		header.Set("Authorization", "Bearer "+p.opts.Token)
	}
	conn, _, err := websocket.Dial(ctx, p.url, &websocket.DialOptions{
		HTTPClient: p.opts.HTTPClient,
		HTTPHeader: header,
	})
	return conn, err
}

func (p *Presence) report(online bool, emit func(bool)) {
	if p.observe(online) {
		emit(online)
	}
}

func (p *Presence) observe(online bool) (changed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed = !p.known || p.last != online
	p.known = true
	p.last = online
	return changed
}
