// Package session composes the cache, ranking, pager, watcher, scheduler and
// optimistic coordinator into one synchronized view.
package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/bryan-buckman/nearby/internal/cache"
	"github.com/bryan-buckman/nearby/internal/codec"
	"github.com/bryan-buckman/nearby/internal/geo"
	"github.com/bryan-buckman/nearby/internal/model"
	"github.com/bryan-buckman/nearby/internal/optimistic"
	"github.com/bryan-buckman/nearby/internal/pager"
	"github.com/bryan-buckman/nearby/internal/poll"
	"github.com/bryan-buckman/nearby/internal/ranking"
	"github.com/bryan-buckman/nearby/internal/watcher"
)

var (
	// ErrUnmounted is returned for operations on a session that was unmounted.
	ErrUnmounted = errors.New("session: not mounted")
	// ErrUnknownView is returned for view keys that name neither the feed nor a conversation.
	ErrUnknownView = errors.New("session: unknown view")
)

// Notices shown when the server rejects a submit.
const (
	NoticePostFailed    = "Your post could not be published. Please try again."
	NoticeMessageFailed = "Your message could not be sent. Please try again."
)

// Remote is the collaborator the session synchronizes against.
type Remote interface {
	FetchPage(ctx context.Context, view model.ViewKey, q model.Query) ([]model.Item, error)
	FetchDeltaCount(ctx context.Context, view model.ViewKey, sinceID int64) (int, error)
	SubmitMutation(ctx context.Context, view model.ViewKey, p model.Payload, key string) (model.Item, error)
	RegisterDeviceToken(ctx context.Context, token string, loc *model.Location) error
	ResolveSession(ctx context.Context) (model.Identity, error)
}

// Options configures one view.
type Options struct {
	View         model.ViewKey
	PageSize     int
	CachePages   int
	PollInterval time.Duration
	Geo          geo.Options
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Remote  Remote
	Cache   *cache.LocalCache
	Cron    *cron.Cron
	Locator geo.Locator
	Log     *zap.Logger
}

// PollState is what a poll tick reads before doing anything.
type PollState struct {
	LastKnownMaxID   int64 `json:"last_known_max_id"`
	Suspended        bool  `json:"suspended"`
	MutationInFlight bool  `json:"mutation_in_flight"`
}

// Session is one synchronized view: the nearby feed or a conversation.
type Session struct {
	opts   Options
	remote Remote
	cache  *cache.LocalCache
	loc    geo.Locator
	log    *zap.Logger
	now    func() time.Time

	pager   *pager.Pager
	watcher *watcher.Watcher
	coord   *optimistic.Coordinator
	sched   *poll.Scheduler

	mu       sync.Mutex
	mounted  bool
	prepared bool
	hidden   bool
	items    []model.Item
	viewer   model.Viewer
	identity model.Identity
	inFlight int
	// epoch changes on every submit; a tick that saw another epoch is stale.
	epoch    uint64
	lastHash [32]byte
	hasHash  bool
	notices  []string
	cancel   context.CancelFunc
}

// New builds a session. It does nothing until Mount or Start.
func New(opts Options, deps Deps) *Session {
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if opts.CachePages <= 0 {
		opts.CachePages = 2
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	c := deps.Cron
	if c == nil {
		c = cron.New()
	}
	s := &Session{
		opts:     opts,
		remote:   deps.Remote,
		cache:    deps.Cache,
		loc:      deps.Locator,
		log:      log.With(zap.String("view", string(opts.View))),
		now:      time.Now,
		pager:    pager.New(opts.PageSize),
		identity: model.Anonymous,
	}
	if opts.View.IsFeed() {
		s.watcher = watcher.New(func(ctx context.Context, sinceID int64) (int, error) {
			return s.remote.FetchDeltaCount(ctx, s.opts.View, sinceID)
		})
	}
	s.coord = optimistic.New(target{s}, func(ctx context.Context, p model.Payload, key string) (model.Item, error) {
		return s.remote.SubmitMutation(ctx, s.opts.View, p, key)
	}, s.log)
	s.sched = poll.New(c, opts.PollInterval, s.tick, s.log)
	return s
}

// View returns the session's view key.
func (s *Session) View() model.ViewKey {
	return s.opts.View
}

// Start hydrates from the cache, then resolves the session, fetches page 1
// and starts polling in the background.
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.Mount()
	go func() {
		if err := s.Bootstrap(ctx); err != nil && !errors.Is(err, ErrUnmounted) {
			s.log.Warn("initial fetch failed; serving cached items", zap.Error(err))
		}
	}()
}

// Mount hydrates the view from the local cache. It performs no network I/O.
func (s *Session) Mount() {
	snap := s.cache.Load(s.opts.View)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mounted = true
	s.items = s.order(snap.Items)
	s.log.Debug("hydrated from cache", zap.Int("items", len(snap.Items)))
}

// Bootstrap resolves the identity and location once, fetches page 1 and
// starts the poll scheduler whether or not the fetch succeeded.
func (s *Session) Bootstrap(ctx context.Context) error {
	s.prepare(ctx)
	err := s.Refresh(ctx)
	if errors.Is(err, ErrUnmounted) {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mounted {
		return ErrUnmounted
	}
	s.sched.Start(ctx)
	return err
}

func (s *Session) prepare(ctx context.Context) {
	s.mu.Lock()
	if s.prepared {
		s.mu.Unlock()
		return
	}
	s.prepared = true
	s.mu.Unlock()

	identity, err := s.remote.ResolveSession(ctx)
	if err != nil {
		s.log.Warn("resolve session failed; continuing anonymously", zap.Error(err))
		identity = model.Anonymous
	}
	var here *model.Location
	if s.opts.View.IsFeed() {
		here = geo.Acquire(ctx, s.loc, s.opts.Geo)
		if here == nil {
			s.log.Info("location unavailable; ranking by recency")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = identity
	s.viewer.Role = identity.Role
	if here != nil {
		s.viewer.Location = here
	}
}

// Refresh fetches page 1 and replaces the visible list with it. Pending
// provisional items are kept, and so are items confirmed by a submit that
// resolved while the page was in flight.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return ErrUnmounted
	}
	epoch := s.epoch
	q := s.queryLocked(1)
	s.mu.Unlock()

	items, err := s.remote.FetchPage(ctx, s.opts.View, q)
	if err != nil {
		s.log.Warn("refresh failed", zap.Error(err))
		return fmt.Errorf("refresh %s: %w", s.opts.View, err)
	}
	hash, hashErr := codec.Hash(items)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mounted {
		return ErrUnmounted
	}
	fresh := pager.MergeByID(nil, items)
	if s.epoch != epoch {
		fresh = pager.MergeByID(s.newerThanLocked(maxID(items)), fresh)
	}
	s.items = s.order(append(fresh, s.provisionalLocked()...))
	s.pager.Reset(len(items))
	s.lastHash, s.hasHash = hash, hashErr == nil
	s.saveLocked()
	return nil
}

// LoadMore appends the next page. It reports false when no load was started
// because one is in flight or the list is exhausted.
func (s *Session) LoadMore(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return false, ErrUnmounted
	}
	q := s.queryLocked(0)
	s.mu.Unlock()

	tk, ok := s.pager.Next()
	if !ok {
		return false, nil
	}
	q.Page = tk.Page
	items, err := s.remote.FetchPage(ctx, s.opts.View, q)

	// Done and Refresh's Reset both run under the session lock, so a page
	// reserved before a refresh is never merged after it.
	s.mu.Lock()
	defer s.mu.Unlock()
	applied := s.pager.Done(tk, len(items), err)
	if err != nil {
		s.log.Warn("load more failed", zap.Error(err))
		return true, fmt.Errorf("load more %s: %w", s.opts.View, err)
	}
	if !s.mounted {
		return true, ErrUnmounted
	}
	if !applied {
		s.log.Debug("discarding page loaded before a refresh", zap.Int("page", tk.Page))
		return true, nil
	}
	s.items = s.order(pager.MergeByID(s.items, items))
	s.saveLocked()
	return true, nil
}

// AcceptNew is the user accepting the "N new" affordance: page 1 replaces the
// list, the cursor returns to 1 and the watcher re-arms.
func (s *Session) AcceptNew(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		return err
	}
	if s.watcher != nil {
		s.watcher.Accept()
	}
	s.sched.Release()
	return nil
}

// SetVisible reacts to the host view being shown or hidden.
func (s *Session) SetVisible(visible bool) {
	s.mu.Lock()
	s.hidden = !visible
	s.mu.Unlock()
	if visible {
		s.sched.Resume()
		return
	}
	s.sched.Suspend()
}

// SetFilters replaces the active filters and refetches page 1.
func (s *Session) SetFilters(ctx context.Context, f model.Filters) error {
	s.mu.Lock()
	s.viewer.Filters = f
	s.mu.Unlock()
	return s.Refresh(ctx)
}

// SetLocation replaces the viewer location and refetches page 1. A nil
// location switches ranking to recency.
func (s *Session) SetLocation(ctx context.Context, loc *model.Location) error {
	s.mu.Lock()
	s.viewer.Location = loc
	s.mu.Unlock()
	return s.Refresh(ctx)
}

// Location returns the viewer's current location, if known.
func (s *Session) Location() *model.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.viewer.Location == nil {
		return nil
	}
	loc := *s.viewer.Location
	return &loc
}

// Submit publishes a post or sends a message optimistically.
func (s *Session) Submit(ctx context.Context, p model.Payload) (model.Item, error) {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return model.Item{}, ErrUnmounted
	}
	if id, ok := s.opts.View.ConversationID(); ok {
		p.ConversationID = id
	} else if p.Location == nil && s.viewer.Location != nil {
		loc := *s.viewer.Location
		p.Location = &loc
	}
	s.mu.Unlock()
	return s.coord.Submit(ctx, p)
}

// Items returns the visible list in display order.
func (s *Session) Items() []model.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.View.IsFeed() {
		return ranking.Rank(s.items, s.viewer, s.now())
	}
	return slices.Clone(s.items)
}

// PollState returns the state poll ticks act on.
func (s *Session) PollState() PollState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollStateLocked()
}

// Status summarizes the session for the host.
type Status struct {
	View      model.ViewKey `json:"view"`
	Poll      PollState     `json:"poll"`
	Scheduler string        `json:"scheduler"`
	Cursor    int           `json:"cursor"`
	Exhausted bool          `json:"exhausted"`
	NewCount  int           `json:"new_count"`
	NewLabel  string        `json:"new_label,omitempty"`
	Role      string        `json:"role,omitempty"`
	Anonymous bool          `json:"anonymous"`
	Located   bool          `json:"located"`
	ItemCount int           `json:"item_count"`
	Filters   model.Filters `json:"filters"`
	Pending   int           `json:"pending"`
	Mounted   bool          `json:"mounted"`
}

// Status returns a point-in-time summary.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		View:      s.opts.View,
		Poll:      s.pollStateLocked(),
		Role:      s.identity.Role,
		Anonymous: s.identity.Anonymous,
		Located:   s.viewer.Location != nil,
		ItemCount: len(s.items),
		Filters:   s.viewer.Filters,
		Mounted:   s.mounted,
	}
	s.mu.Unlock()

	st.Scheduler = s.sched.State().String()
	st.Cursor = s.pager.Cursor()
	st.Exhausted = s.pager.Exhausted()
	st.Pending = len(s.coord.Pending())
	if s.watcher != nil {
		r := s.watcher.Pending()
		st.NewCount = r.Count
		st.NewLabel = r.Label()
	}
	return st
}

// TakeNotices returns and clears the user-visible failure notices.
func (s *Session) TakeNotices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.notices
	s.notices = nil
	return out
}

// Unmount stops polling and discards every response still in flight.
func (s *Session) Unmount() {
	s.mu.Lock()
	s.mounted = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	s.sched.Stop()
	s.coord.Discard()
}

// tick is the scheduled poll: a delta probe for the feed, a full refetch for
// a conversation. Both return early while a mutation is in flight.
func (s *Session) tick(ctx context.Context) {
	if s.opts.View.IsFeed() {
		s.probe(ctx)
		return
	}
	s.refetch(ctx)
}

func (s *Session) probe(ctx context.Context) {
	s.mu.Lock()
	if !s.mounted || s.inFlight > 0 {
		s.mu.Unlock()
		return
	}
	since := s.maxIDLocked()
	s.mu.Unlock()

	res, err := s.watcher.Check(ctx, since)
	if err != nil {
		s.log.Warn("delta probe failed", zap.Error(err))
		return
	}
	if res.HasNewer {
		s.log.Info("new items available", zap.Int("count", res.Count), zap.Int64("since_id", since))
		s.sched.Halt()
	}
}

func (s *Session) refetch(ctx context.Context) {
	s.mu.Lock()
	if !s.mounted || s.inFlight > 0 {
		s.mu.Unlock()
		return
	}
	epoch := s.epoch
	q := s.queryLocked(1)
	s.mu.Unlock()

	items, err := s.remote.FetchPage(ctx, s.opts.View, q)
	if err != nil {
		s.log.Warn("conversation poll failed", zap.Error(err))
		return
	}
	hash, hashErr := codec.Hash(items)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mounted || s.inFlight > 0 || s.epoch != epoch {
		s.log.Debug("discarding poll result that raced a mutation")
		return
	}
	if hashErr == nil && s.hasHash && hash == s.lastHash {
		return
	}
	merged := replaceByID(s.confirmedLocked(), items)
	s.items = s.order(append(merged, s.provisionalLocked()...))
	s.lastHash, s.hasHash = hash, hashErr == nil
	s.saveLocked()
}

func (s *Session) queryLocked(page int) model.Query {
	q := model.Query{Page: page, Size: s.opts.PageSize}
	if s.opts.View.IsFeed() {
		q.Filters = s.viewer.Filters
		q.Location = s.viewer.Location
	}
	return q
}

func (s *Session) pollStateLocked() PollState {
	return PollState{
		LastKnownMaxID:   s.maxIDLocked(),
		Suspended:        s.hidden,
		MutationInFlight: s.inFlight > 0,
	}
}

func (s *Session) maxIDLocked() int64 {
	return maxID(s.items)
}

// newerThanLocked returns the confirmed items whose id is above id.
func (s *Session) newerThanLocked(id int64) []model.Item {
	var out []model.Item
	for _, it := range s.items {
		if it.ID > id {
			out = append(out, it)
		}
	}
	return out
}

func maxID(items []model.Item) int64 {
	var hi int64
	for _, it := range items {
		if it.ID > hi {
			hi = it.ID
		}
	}
	return hi
}

func (s *Session) provisionalLocked() []model.Item {
	var out []model.Item
	for _, it := range s.items {
		if it.Provisional() {
			out = append(out, it)
		}
	}
	return out
}

func (s *Session) confirmedLocked() []model.Item {
	out := make([]model.Item, 0, len(s.items))
	for _, it := range s.items {
		if !it.Provisional() {
			out = append(out, it)
		}
	}
	return out
}

// order puts a conversation in chronological order with provisional messages
// last. Feed order is derived by ranking on read, so the feed keeps arrival order.
func (s *Session) order(items []model.Item) []model.Item {
	if s.opts.View.IsFeed() {
		return items
	}
	slices.SortStableFunc(items, func(a, b model.Item) int {
		if a.Provisional() != b.Provisional() {
			if a.Provisional() {
				return 1
			}
			return -1
		}
		if a.Provisional() {
			return 0
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return items
}

// saveLocked persists the bounded prefix a later mount should show first:
// the first pages of the feed, the latest messages of a conversation.
func (s *Session) saveLocked() {
	limit := s.opts.PageSize * s.opts.CachePages
	items := s.confirmedLocked()
	if !s.opts.View.IsFeed() && len(items) > limit {
		items = items[len(items)-limit:]
	}
	s.cache.Save(s.opts.View, items, limit)
}

// replaceByID returns existing with every item whose id appears in fresh
// replaced wholesale, plus the fresh items not yet present.
func replaceByID(existing, fresh []model.Item) []model.Item {
	byID := make(map[int64]model.Item, len(fresh))
	for _, it := range fresh {
		byID[it.ID] = it
	}
	out := make([]model.Item, 0, len(existing)+len(fresh))
	for _, it := range existing {
		if f, ok := byID[it.ID]; ok {
			out = append(out, f)
			delete(byID, it.ID)
			continue
		}
		out = append(out, it)
	}
	for _, it := range fresh {
		if _, ok := byID[it.ID]; ok {
			out = append(out, it)
			delete(byID, it.ID)
		}
	}
	return out
}

var hashtagPattern = regexp.MustCompile(`#([\p{L}\p{N}_]+)`)

func extractHashtags(content string, explicit []string) []string {
	var tags []string
	seen := map[string]bool{}
	add := func(t string) {
		if n := model.NormalizeTag(t); n != "" && !seen[n] {
			seen[n] = true
			tags = append(tags, n)
		}
	}
	for _, t := range explicit {
		add(t)
	}
	for _, m := range hashtagPattern.FindAllStringSubmatch(content, -1) {
		add(m[1])
	}
	return tags
}
