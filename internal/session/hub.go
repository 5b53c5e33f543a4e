package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/bryan-buckman/nearby/internal/model"
)

// Hub owns the mounted sessions, one per view, sharing one cron and cache.
type Hub struct {
	ctx  context.Context
	deps Deps
	feed Options
	chat Options

	mu       sync.Mutex
	sessions map[model.ViewKey]*Session
}

// NewHub returns a hub. feed and chat are templates whose View is set per session.
func NewHub(ctx context.Context, deps Deps, feed, chat Options) *Hub {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Hub{
		ctx:      ctx,
		deps:     deps,
		feed:     feed,
		chat:     chat,
		sessions: make(map[model.ViewKey]*Session),
	}
}

// Open returns the mounted session for view, starting one if needed.
func (h *Hub) Open(view model.ViewKey) (*Session, error) {
	if !view.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownView, view)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[view]; ok {
		return s, nil
	}
	opts := h.chat
	if view.IsFeed() {
		opts = h.feed
	}
	opts.View = view
	s := New(opts, h.deps)
	s.Start(h.ctx)
	h.sessions[view] = s
	h.deps.Log.Info("view mounted", zap.String("view", string(view)))
	return s, nil
}

// Get returns the session for view if it is mounted.
func (h *Hub) Get(view model.ViewKey) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[view]
	return s, ok
}

// Close unmounts the session for view. It reports whether one was mounted.
func (h *Hub) Close(view model.ViewKey) bool {
	h.mu.Lock()
	s, ok := h.sessions[view]
	delete(h.sessions, view)
	h.mu.Unlock()
	if ok {
		s.Unmount()
		h.deps.Log.Info("view unmounted", zap.String("view", string(view)))
	}
	return ok
}

// Location returns the feed viewer's location, if the feed is mounted and located.
func (h *Hub) Location() *model.Location {
	s, ok := h.Get(model.FeedView)
	if !ok {
		return nil
	}
	return s.Location()
}

// Shutdown unmounts every session.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	all := h.sessions
	h.sessions = make(map[model.ViewKey]*Session)
	h.mu.Unlock()
	for _, s := range all {
		s.Unmount()
	}
}
