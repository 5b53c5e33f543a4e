// Package watcher runs the cheap "anything newer than X" probe behind the
// feed's "N new" affordance.
package watcher

import (
	"context"
	"fmt"
	"sync"
)

// ProbeFunc returns how many items are newer than sinceID.
type ProbeFunc func(ctx context.Context, sinceID int64) (int, error)

// Result is the outcome of one probe.
type Result struct {
	HasNewer bool
	Count    int
}

// Label renders the affordance text, or "" when there is nothing new.
func (r Result) Label() string {
	if !r.HasNewer {
		return ""
	}
	return fmt.Sprintf("Load %d new", r.Count)
}

// Watcher deactivates itself after a positive probe until Accept is called,
// so the same delta is announced once.
type Watcher struct {
	probe ProbeFunc

	mu      sync.Mutex
	active  bool
	pending Result
}

// New returns an active watcher.
func New(probe ProbeFunc) *Watcher {
	return &Watcher{probe: probe, active: true}
}

// Active reports whether Check will probe.
func (w *Watcher) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// Pending returns the last positive result awaiting acceptance.
func (w *Watcher) Pending() Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// Check probes for items newer than sinceID. An inactive watcher returns the
// pending result without probing.
func (w *Watcher) Check(ctx context.Context, sinceID int64) (Result, error) {
	w.mu.Lock()
	if !w.active {
		r := w.pending
		w.mu.Unlock()
		return r, nil
	}
	w.mu.Unlock()

	n, err := w.probe(ctx, sinceID)
	if err != nil {
		return Result{}, fmt.Errorf("probe since %d: %w", sinceID, err)
	}
	r := Result{HasNewer: n > 0, Count: n}
	if !r.HasNewer {
		return r, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.active {
		// A concurrent probe already announced a delta.
		return w.pending, nil
	}
	w.active = false
	w.pending = r
	return r, nil
}

// Accept clears the pending delta and reactivates the watcher.
func (w *Watcher) Accept() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active = true
	w.pending = Result{}
}
