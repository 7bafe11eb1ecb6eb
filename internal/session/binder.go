// Package session binds the signed-in user from a session file written by the app shell.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/evcscavalcante/labsync/internal/labsync"
)

// Session is the on-disk form: {"userId": "...", "expiresAt": "..."}. A zero ExpiresAt
// never expires.
type Session struct {
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

func (s Session) activeAt(now time.Time) bool {
	if strings.TrimSpace(s.UserID) == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// FileBinder is a labsync.IdentityBinder backed by a session file. A missing, unreadable
// or expired file means nobody is signed in.
type FileBinder struct {
	*labsync.IdentityHub

	path   string
	now    func() time.Time
	logger zerolog.Logger

	mu        sync.Mutex
	expiresAt time.Time
}

var _ labsync.IdentityBinder = (*FileBinder)(nil)

func NewFileBinder(path string, logger *zerolog.Logger) (*FileBinder, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: session path is required", labsync.ErrInvalidInput)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	b := &FileBinder{
		IdentityHub: labsync.NewIdentityHub(""),
		path:        abs,
		now:         time.Now,
		logger:      l.With().Str("component", "session").Logger(),
	}
	b.Reload()
	return b, nil
}

func (b *FileBinder) Path() string {
	return b.path
}

// Reload re-reads the session file and rebinds the hub.
func (b *FileBinder) Reload() {
	s, err := ReadSession(b.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		b.logger.Warn().Err(err).Str("path", b.path).Msg("session file unreadable")
	}
	b.mu.Lock()
	b.expiresAt = s.ExpiresAt
	b.mu.Unlock()
	if err == nil && s.activeAt(b.now()) {
		b.Bind(s.UserID)
		return
	}
	b.Unbind()
}

// Watch follows the session file until ctx is done. The parent directory is watched so
// atomic replacements and deletions are seen.
func (b *FileBinder) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(b.path)); err != nil {
		return fmt.Errorf("watch session dir: %w", err)
	}
	b.Reload()

	for {
		expiry, stop := b.expiryTimer()
		select {
		case <-ctx.Done():
			stop()
			return ctx.Err()
		case event, ok := <-watcher.Events:
			stop()
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != b.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				b.Reload()
			}
		case err, ok := <-watcher.Errors:
			stop()
			if !ok {
				return nil
			}
			b.logger.Warn().Err(err).Msg("session watcher error")
		case <-expiry:
			b.Reload()
		}
	}
}

func (b *FileBinder) expiryTimer() (<-chan time.Time, func()) {
	b.mu.Lock()
	expiresAt := b.expiresAt
	b.mu.Unlock()
	if expiresAt.IsZero() || b.CurrentUserID() == "" {
		return nil, func() {}
	}
	timer := time.NewTimer(max(time.Until(expiresAt), 0))
	return timer.C, func() { timer.Stop() }
}

func ReadSession(path string) (Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return s, nil
}

// WriteSession replaces the session file atomically.
func WriteSession(path string, s Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ClearSession removes the session file; a missing file is not an error.
func ClearSession(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
