package session

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bryan-buckman/nearby/internal/cache"
	"github.com/bryan-buckman/nearby/internal/database"
	"github.com/bryan-buckman/nearby/internal/geo"
	"github.com/bryan-buckman/nearby/internal/model"
	"github.com/bryan-buckman/nearby/internal/optimistic"
	"github.com/bryan-buckman/nearby/internal/poll"
)

// fakeRemote serves pages from a function and counts every call.
type fakeRemote struct {
	mu       sync.Mutex
	pages    func(view model.ViewKey, q model.Query) ([]model.Item, error)
	delta    int
	submit   func(p model.Payload, key string) (model.Item, error)
	identity model.Identity
	queries  []model.Query

	fetches int32
	probes  int32
}

func (f *fakeRemote) FetchPage(_ context.Context, view model.ViewKey, q model.Query) ([]model.Item, error) {
	atomic.AddInt32(&f.fetches, 1)
	f.mu.Lock()
	f.queries = append(f.queries, q)
	pages := f.pages
	f.mu.Unlock()
	return pages(view, q)
}

func (f *fakeRemote) FetchDeltaCount(context.Context, model.ViewKey, int64) (int, error) {
	atomic.AddInt32(&f.probes, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delta, nil
}

func (f *fakeRemote) SubmitMutation(_ context.Context, _ model.ViewKey, p model.Payload, key string) (model.Item, error) {
	return f.submit(p, key)
}

func (f *fakeRemote) RegisterDeviceToken(context.Context, string, *model.Location) error {
	return nil
}

func (f *fakeRemote) ResolveSession(context.Context) (model.Identity, error) {
	return f.identity, nil
}

func (f *fakeRemote) lastQuery() model.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[len(f.queries)-1]
}

var base = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

func messages(ids ...int64) []model.Item {
	out := make([]model.Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Item{
			ID:             id,
			Kind:           model.KindMessage,
			ConversationID: 7,
			Content:        "m",
			CreatedAt:      base.Add(time.Duration(id) * time.Minute),
		})
	}
	return out
}

func posts(ids ...int64) []model.Item {
	out := make([]model.Item, 0, len(ids))
	for _, id := range ids {
		lat, lon := 26.9, 75.8
		out = append(out, model.Item{
			ID:        id,
			Kind:      model.KindPost,
			Content:   "p",
			Latitude:  &lat,
			Longitude: &lon,
			CreatedAt: base.Add(time.Duration(id) * time.Minute),
		})
	}
	return out
}

func newCache(t *testing.T, version string) (*cache.LocalCache, database.Store) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "nearby.db"))
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return cache.New(db, version, nil), db
}

func newSession(t *testing.T, view model.ViewKey, remote *fakeRemote) (*Session, *cache.LocalCache) {
	t.Helper()
	lc, _ := newCache(t, "v1.1")
	s := New(Options{View: view, PageSize: 20, PollInterval: 5 * time.Second}, Deps{
		Remote:  remote,
		Cache:   lc,
		Cron:    cron.New(),
		Locator: geo.Static(model.Location{Latitude: 26.9, Longitude: 75.8}),
	})
	s.Mount()
	t.Cleanup(s.Unmount)
	return s, lc
}

func ids(items []model.Item) []int64 {
	out := make([]int64, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func TestPollDuringMutationLeavesListAlone(t *testing.T) {
	view := model.ConversationView(7)
	release := make(chan struct{})
	remote := &fakeRemote{
		identity: model.Identity{UserID: 3, Role: "resident"},
		pages: func(model.ViewKey, model.Query) ([]model.Item, error) {
			return messages(1, 2, 3), nil
		},
		submit: func(p model.Payload, _ string) (model.Item, error) {
			<-release
			return model.Item{ID: 10, Kind: model.KindMessage, ConversationID: p.ConversationID, SenderID: 3, Content: p.Content, CreatedAt: base.Add(time.Hour)}, nil
		},
	}
	s, _ := newSession(t, view, remote)
	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), model.Payload{Content: "on my way"})
		done <- err
	}()
	waitFor(t, func() bool { return s.PollState().MutationInFlight })

	before := atomic.LoadInt32(&remote.fetches)
	s.tick(context.Background())
	if got := atomic.LoadInt32(&remote.fetches); got != before {
		t.Fatalf("tick fetched during a mutation: %d -> %d", before, got)
	}
	if n := len(s.Items()); n != 4 {
		t.Fatalf("expected 3 messages plus the provisional one, got %d", n)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := ids(s.Items())
	want := []int64{1, 2, 3, 10}
	if len(got) != len(want) {
		t.Fatalf("items = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("items = %v, want %v", got, want)
		}
	}
	if s.PollState().MutationInFlight {
		t.Fatalf("mutation still marked in flight")
	}
}

func TestStalePollResultIsDiscarded(t *testing.T) {
	view := model.ConversationView(7)
	var polling atomic.Bool
	fetchStarted := make(chan struct{})
	fetchRelease := make(chan struct{})
	remote := &fakeRemote{
		pages: func(model.ViewKey, model.Query) ([]model.Item, error) {
			if polling.Load() {
				close(fetchStarted)
				<-fetchRelease
				// Server state read before the submit landed.
				return messages(1, 2, 3, 4), nil
			}
			return messages(1, 2, 3), nil
		},
		submit: func(p model.Payload, _ string) (model.Item, error) {
			return model.Item{ID: 10, Kind: model.KindMessage, ConversationID: 7, Content: p.Content, CreatedAt: base.Add(time.Hour)}, nil
		},
	}
	s, _ := newSession(t, view, remote)
	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	polling.Store(true)
	tickDone := make(chan struct{})
	go func() {
		s.tick(context.Background())
		close(tickDone)
	}()
	<-fetchStarted

	if _, err := s.Submit(context.Background(), model.Payload{Content: "hello"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	close(fetchRelease)
	<-tickDone

	got := ids(s.Items())
	if len(got) != 4 || got[3] != 10 {
		t.Fatalf("stale poll result was applied: %v", got)
	}
}

func TestRejectedSubmitRollsBack(t *testing.T) {
	remote := &fakeRemote{
		pages: func(model.ViewKey, model.Query) ([]model.Item, error) {
			return messages(1, 2), nil
		},
		submit: func(model.Payload, string) (model.Item, error) {
			return model.Item{}, errors.New("503 service unavailable")
		},
	}
	s, _ := newSession(t, model.ConversationView(7), remote)
	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	_, err := s.Submit(context.Background(), model.Payload{Content: "hi"})
	if !errors.Is(err, optimistic.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if got := ids(s.Items()); len(got) != 2 {
		t.Fatalf("provisional item left behind: %v", got)
	}
	notices := s.TakeNotices()
	if len(notices) != 1 || notices[0] != NoticeMessageFailed {
		t.Fatalf("notices = %v", notices)
	}
	if len(s.TakeNotices()) != 0 {
		t.Fatalf("notices not cleared")
	}
}

func TestAcceptNewRefetchesFirstPage(t *testing.T) {
	remote := &fakeRemote{
		identity: model.Identity{UserID: 1, Role: "resident"},
		pages: func(_ model.ViewKey, q model.Query) ([]model.Item, error) {
			if q.Page == 1 {
				var page []int64
				for id := int64(70); id > 50; id-- {
					page = append(page, id)
				}
				return posts(page...), nil
			}
			return posts(30, 29), nil
		},
	}
	s, _ := newSession(t, model.FeedView, remote)
	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if _, err := s.LoadMore(context.Background()); err != nil {
		t.Fatalf("LoadMore: %v", err)
	}
	if c := s.Status().Cursor; c != 2 {
		t.Fatalf("cursor after LoadMore = %d, want 2", c)
	}

	remote.mu.Lock()
	remote.delta = 3
	remote.mu.Unlock()
	s.tick(context.Background())

	st := s.Status()
	if st.NewLabel != "Load 3 new" {
		t.Fatalf("label = %q", st.NewLabel)
	}
	if st.Scheduler != poll.Halted.String() {
		t.Fatalf("scheduler = %s, want halted", st.Scheduler)
	}
	probes := atomic.LoadInt32(&remote.probes)
	s.sched.Fire()
	if atomic.LoadInt32(&remote.probes) != probes {
		t.Fatalf("halted scheduler kept probing")
	}

	if err := s.AcceptNew(context.Background()); err != nil {
		t.Fatalf("AcceptNew: %v", err)
	}
	if q := remote.lastQuery(); q.Page != 1 {
		t.Fatalf("AcceptNew fetched page %d", q.Page)
	}
	st = s.Status()
	if st.Cursor != 1 || st.NewLabel != "" || st.Scheduler != poll.Active.String() {
		t.Fatalf("after accept: %+v", st)
	}
	if n := len(s.Items()); n != 20 {
		t.Fatalf("page 1 must replace the list, got %d items", n)
	}
}

func TestFeedQueryCarriesViewerContext(t *testing.T) {
	remote := &fakeRemote{
		pages: func(model.ViewKey, model.Query) ([]model.Item, error) { return posts(1), nil },
	}
	s, _ := newSession(t, model.FeedView, remote)
	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	q := remote.lastQuery()
	if q.Location == nil || q.Location.Latitude != 26.9 {
		t.Fatalf("page query missing location: %+v", q)
	}

	f := model.Filters{MaxDistanceKm: 5, Hashtags: []string{"water"}}
	if err := s.SetFilters(context.Background(), f); err != nil {
		t.Fatalf("SetFilters: %v", err)
	}
	q = remote.lastQuery()
	if q.Page != 1 || q.Filters.MaxDistanceKm != 5 {
		t.Fatalf("filters not forwarded: %+v", q)
	}

	if err := s.SetLocation(context.Background(), nil); err != nil {
		t.Fatalf("SetLocation: %v", err)
	}
	if s.Status().Located {
		t.Fatalf("location should be cleared")
	}
}

func TestOutdatedCacheStartsEmpty(t *testing.T) {
	lcOld, store := newCache(t, "v0.9")
	lcOld.Save(model.FeedView, posts(5, 4, 3), 40)

	var seen int32
	remote := &fakeRemote{
		pages: func(model.ViewKey, model.Query) ([]model.Item, error) {
			atomic.AddInt32(&seen, 1)
			return posts(9, 8), nil
		},
	}
	s := New(Options{View: model.FeedView}, Deps{
		Remote: remote,
		Cache:  cache.New(store, "v1.1", nil),
		Cron:   cron.New(),
	})
	s.Mount()
	defer s.Unmount()

	if n := len(s.Items()); n != 0 {
		t.Fatalf("outdated cache must not hydrate, got %d items", n)
	}
	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if atomic.LoadInt32(&seen) != 1 {
		t.Fatalf("expected one page-1 fetch")
	}
	if got := ids(s.Items()); len(got) != 2 || got[0] != 9 {
		t.Fatalf("items = %v", got)
	}
}

func TestCachedViewHydratesBeforeNetwork(t *testing.T) {
	lc, _ := newCache(t, "v1.1")
	lc.Save(model.ConversationView(7), messages(1, 2), 40)

	s := New(Options{View: model.ConversationView(7)}, Deps{Remote: &fakeRemote{}, Cache: lc, Cron: cron.New()})
	s.Mount()
	defer s.Unmount()
	if got := ids(s.Items()); len(got) != 2 || got[0] != 1 {
		t.Fatalf("hydrated items = %v", got)
	}
}

func TestUnmountDropsLateConfirmation(t *testing.T) {
	release := make(chan struct{})
	remote := &fakeRemote{
		pages: func(model.ViewKey, model.Query) ([]model.Item, error) { return messages(1), nil },
		submit: func(p model.Payload, _ string) (model.Item, error) {
			<-release
			return model.Item{ID: 10, Kind: model.KindMessage, ConversationID: 7, Content: p.Content, CreatedAt: base.Add(time.Hour)}, nil
		},
	}
	s, lc := newSession(t, model.ConversationView(7), remote)
	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Submit(context.Background(), model.Payload{Content: "late"})
		close(done)
	}()
	waitFor(t, func() bool { return s.PollState().MutationInFlight })
	s.Unmount()
	close(release)
	<-done

	for _, it := range lc.Load(model.ConversationView(7)).Items {
		if it.ID == 10 {
			t.Fatalf("late confirmation was applied after unmount")
		}
	}
	if _, err := s.LoadMore(context.Background()); !errors.Is(err, ErrUnmounted) {
		t.Fatalf("LoadMore after unmount: %v", err)
	}
}

func TestLoadMoreDropsDuplicates(t *testing.T) {
	remote := &fakeRemote{
		pages: func(_ model.ViewKey, q model.Query) ([]model.Item, error) {
			if q.Page == 1 {
				var page []int64
				for id := int64(40); id > 20; id-- {
					page = append(page, id)
				}
				return posts(page...), nil
			}
			// A new post shifted page 2 by one.
			return posts(21, 20, 19), nil
		},
	}
	s, _ := newSession(t, model.FeedView, remote)
	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	started, err := s.LoadMore(context.Background())
	if err != nil || !started {
		t.Fatalf("LoadMore: started=%v err=%v", started, err)
	}
	if n := len(s.Items()); n != 22 {
		t.Fatalf("expected 22 unique items, got %d", n)
	}
	if !s.Status().Exhausted {
		t.Fatalf("short page must exhaust the pager")
	}
	if started, _ := s.LoadMore(context.Background()); started {
		t.Fatalf("exhausted pager started a load")
	}
}

func TestRefreshKeepsItemConfirmedDuringFetch(t *testing.T) {
	var refreshing atomic.Bool
	fetchStarted := make(chan struct{})
	fetchRelease := make(chan struct{})
	remote := &fakeRemote{
		identity: model.Identity{UserID: 4, Role: "resident"},
		pages: func(model.ViewKey, model.Query) ([]model.Item, error) {
			if refreshing.Load() {
				close(fetchStarted)
				<-fetchRelease
			}
			// Read before the new post landed on the server.
			return posts(10, 9), nil
		},
		submit: func(model.Payload, string) (model.Item, error) {
			return posts(11)[0], nil
		},
	}
	s, _ := newSession(t, model.FeedView, remote)
	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	refreshing.Store(true)
	refreshDone := make(chan error, 1)
	go func() { refreshDone <- s.Refresh(context.Background()) }()
	<-fetchStarted

	if _, err := s.Submit(context.Background(), model.Payload{Content: "water tanker at gate 2"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	close(fetchRelease)
	if err := <-refreshDone; err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	got := ids(s.Items())
	if len(got) != 3 || !slices.Contains(got, 11) {
		t.Fatalf("confirmed post dropped by refresh: %v", got)
	}
	if m := s.PollState().LastKnownMaxID; m != 11 {
		t.Fatalf("LastKnownMaxID = %d, want 11", m)
	}
}

func TestRefreshDiscardsPageReservedBeforeIt(t *testing.T) {
	var holdPage2 atomic.Bool
	holdPage2.Store(true)
	fetchStarted := make(chan struct{})
	fetchRelease := make(chan struct{})
	remote := &fakeRemote{
		pages: func(_ model.ViewKey, q model.Query) ([]model.Item, error) {
			if q.Page == 1 {
				var page []int64
				for id := int64(200); id > 180; id-- {
					page = append(page, id)
				}
				return posts(page...), nil
			}
			if holdPage2.Load() {
				close(fetchStarted)
				<-fetchRelease
			}
			return posts(80, 79, 78), nil
		},
	}
	s, _ := newSession(t, model.FeedView, remote)
	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	type result struct {
		started bool
		err     error
	}
	loadDone := make(chan result, 1)
	go func() {
		started, err := s.LoadMore(context.Background())
		loadDone <- result{started, err}
	}()
	<-fetchStarted

	if err := s.AcceptNew(context.Background()); err != nil {
		t.Fatalf("AcceptNew: %v", err)
	}
	holdPage2.Store(false)
	close(fetchRelease)
	r := <-loadDone
	if !r.started || r.err != nil {
		t.Fatalf("LoadMore: started=%v err=%v", r.started, r.err)
	}

	st := s.Status()
	if st.Cursor != 1 || st.Exhausted {
		t.Fatalf("stale page moved the pager: %+v", st)
	}
	got := ids(s.Items())
	if len(got) != 20 {
		t.Fatalf("expected page 1 only, got %d items", len(got))
	}
	for _, id := range []int64{78, 79, 80} {
		if slices.Contains(got, id) {
			t.Fatalf("stale page item %d merged after refresh", id)
		}
	}
}

func TestConversationRefetchSkipsUnchangedPage(t *testing.T) {
	view := model.ConversationView(7)
	var page atomic.Pointer[[]model.Item]
	first := messages(1, 2, 3)
	page.Store(&first)
	remote := &fakeRemote{
		pages: func(model.ViewKey, model.Query) ([]model.Item, error) {
			return *page.Load(), nil
		},
	}
	s, lc := newSession(t, view, remote)
	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	saved := lc.Load(view).CapturedAt

	fetches := atomic.LoadInt32(&remote.fetches)
	s.refetch(context.Background())
	if atomic.LoadInt32(&remote.fetches) != fetches+1 {
		t.Fatalf("refetch did not hit the network")
	}
	if at := lc.Load(view).CapturedAt; !at.Equal(saved) {
		t.Fatalf("unchanged page was written again: %v -> %v", saved, at)
	}

	edited := messages(1, 2, 3)
	edited[2].Content = "running late"
	page.Store(&edited)
	time.Sleep(2 * time.Millisecond)
	s.refetch(context.Background())

	items := s.Items()
	if len(items) != 3 || items[2].Content != "running late" {
		t.Fatalf("changed page not applied: %+v", items)
	}
	snap := lc.Load(view)
	if !snap.CapturedAt.After(saved) {
		t.Fatalf("changed page not cached: captured %v, before %v", snap.CapturedAt, saved)
	}
	if snap.Items[2].Content != "running late" {
		t.Fatalf("cached content = %q", snap.Items[2].Content)
	}
}

func TestHubOpensOneSessionPerView(t *testing.T) {
	lc, _ := newCache(t, "v1.1")
	remote := &fakeRemote{
		pages: func(model.ViewKey, model.Query) ([]model.Item, error) { return nil, nil },
	}
	h := NewHub(context.Background(), Deps{Remote: remote, Cache: lc, Cron: cron.New()}, Options{}, Options{})
	defer h.Shutdown()

	a, err := h.Open(model.ConversationView(7))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, _ := h.Open(model.ConversationView(7))
	if a != b {
		t.Fatalf("Open returned two sessions for one view")
	}
	if _, err := h.Open("chat"); !errors.Is(err, ErrUnknownView) {
		t.Fatalf("expected ErrUnknownView, got %v", err)
	}
	if !h.Close(model.ConversationView(7)) {
		t.Fatalf("Close reported nothing mounted")
	}
	if _, ok := h.Get(model.ConversationView(7)); ok {
		t.Fatalf("closed view still mounted")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
