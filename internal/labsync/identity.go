package labsync

import (
	"strings"
	"sync"
)

// IdentityBinder supplies the authenticated user that partitions document-store data.
type IdentityBinder interface {
	// CurrentUserID returns "" when nobody is signed in.
	CurrentUserID() string
	Subscribe(fn func(userID string)) (unsubscribe func())
}

// IdentityHub is an in-process IdentityBinder. Other binders embed it to fan out changes.
type IdentityHub struct {
	mu     sync.Mutex
	userID string
	subs   map[int]func(string)
	order  []int
	nextID int
}

func NewIdentityHub(userID string) *IdentityHub {
	return &IdentityHub{userID: strings.TrimSpace(userID), subs: map[int]func(string){}}
}

func (h *IdentityHub) CurrentUserID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.userID
}

func (h *IdentityHub) Subscribe(fn func(userID string)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = map[int]func(string){}
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = fn
	h.order = append(h.order, id)
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

// Bind switches the current user and notifies subscribers when it changed.
func (h *IdentityHub) Bind(userID string) {
	userID = strings.TrimSpace(userID)
	h.mu.Lock()
	if h.userID == userID {
		h.mu.Unlock()
		return
	}
	h.userID = userID
	fns := make([]func(string), 0, len(h.subs))
	live := h.order[:0]
	for _, id := range h.order {
		if fn, ok := h.subs[id]; ok {
			fns = append(fns, fn)
			live = append(live, id)
		}
	}
	h.order = live
	h.mu.Unlock()
	for _, fn := range fns {
		fn(userID)
	}
}

func (h *IdentityHub) Unbind() {
	h.Bind("")
}
