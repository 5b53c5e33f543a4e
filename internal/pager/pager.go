// Package pager tracks the page cursor of an infinite-scroll list.
package pager

import (
	"sync"

	"github.com/bryan-buckman/nearby/internal/model"
)

// Pager hands out page numbers for "load more" requests. A page that returns
// fewer than PageSize items marks the list exhausted.
type Pager struct {
	mu        sync.Mutex
	pageSize  int
	cursor    int
	loading   bool
	exhausted bool
	gen       uint64
}

// New returns a pager with no pages loaded.
func New(pageSize int) *Pager {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Pager{pageSize: pageSize}
}

// PageSize returns the configured page size.
func (p *Pager) PageSize() int {
	return p.pageSize
}

// Cursor returns the last loaded page (0 before the first load).
func (p *Pager) Cursor() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Exhausted reports whether the previous page came back short.
func (p *Pager) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exhausted
}

// Loading reports whether a page is being fetched.
func (p *Pager) Loading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loading
}

// Ticket is a page reservation handed out by Next.
type Ticket struct {
	Page int
	gen  uint64
}

// Next reserves the next page. It returns false while a load is in flight or
// once the list is exhausted.
func (p *Pager) Next() (Ticket, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loading || p.exhausted {
		return Ticket{}, false
	}
	p.loading = true
	return Ticket{Page: p.cursor + 1, gen: p.gen}, true
}

// Done releases a reservation made by Next and reports whether the page may
// be applied. A ticket issued before the last Reset is stale: it changes
// nothing and Done returns false. On error the cursor is unchanged.
func (p *Pager) Done(t Ticket, n int, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.gen != p.gen {
		return false
	}
	p.loading = false
	if err != nil {
		return false
	}
	p.cursor = t.Page
	p.exhausted = n < p.pageSize
	return true
}

// Reset records a fresh page-1 load of n items. Later pages are discarded and
// any outstanding ticket goes stale.
func (p *Pager) Reset(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	p.cursor = 1
	p.loading = false
	p.exhausted = n < p.pageSize
}

// MergeByID appends the incoming items whose ids are not already present.
// Existing items keep their slot; duplicates inside incoming are dropped too.
func MergeByID(existing, incoming []model.Item) []model.Item {
	seen := make(map[int64]struct{}, len(existing)+len(incoming))
	out := make([]model.Item, 0, len(existing)+len(incoming))
	for _, it := range existing {
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		out = append(out, it)
	}
	for _, it := range incoming {
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		out = append(out, it)
	}
	return out
}
