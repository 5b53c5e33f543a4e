// Package optimistic shows user-submitted content before the server confirms
// it, then swaps in the confirmed item or rolls the provisional one back.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bryan-buckman/nearby/internal/model"
)

var (
	// ErrRejected wraps the collaborator's error when a submit fails.
	ErrRejected = errors.New("mutation rejected")
	// ErrEmpty is returned for a payload with no content; nothing is inserted.
	ErrEmpty = errors.New("mutation has no content")
)

// PendingMutation is a submitted payload awaiting the server's answer.
type PendingMutation struct {
	ProvisionalID int64
	Key           string
	Payload       model.Payload
	SubmittedAt   time.Time
}

// SubmitFunc sends payload to the collaborator. key identifies the mutation for
// server-side de-duplication.
type SubmitFunc func(ctx context.Context, p model.Payload, key string) (model.Item, error)

// Target is the visible list a coordinator mutates.
type Target interface {
	// Synthesize builds the provisional item shown while the mutation is pending.
	Synthesize(provisionalID int64, p model.Payload, at time.Time) model.Item
	// Begin inserts the provisional item and marks a mutation in flight,
	// atomically with respect to poll ticks.
	Begin(item model.Item)
	// Confirm swaps the provisional item for the confirmed one in place.
	Confirm(provisionalID int64, confirmed model.Item)
	// Rollback removes the provisional item and surfaces err to the user.
	Rollback(provisionalID int64, err error)
	// End clears the in-flight mark set by Begin.
	End()
}

// Coordinator runs optimistic mutations against one Target.
type Coordinator struct {
	target Target
	submit SubmitFunc
	log    *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	lastID  int64
	pending map[int64]PendingMutation
}

// New returns a coordinator for target.
func New(target Target, submit SubmitFunc, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		target:  target,
		submit:  submit,
		log:     log,
		now:     time.Now,
		pending: make(map[int64]PendingMutation),
	}
}

// Submit inserts a provisional item, sends p, and resolves the item exactly
// once. The returned item is the server-confirmed one.
func (c *Coordinator) Submit(ctx context.Context, p model.Payload) (model.Item, error) {
	if strings.TrimSpace(p.Content) == "" {
		return model.Item{}, ErrEmpty
	}
	m := c.reserve(p)

	c.target.Begin(c.target.Synthesize(m.ProvisionalID, p, m.SubmittedAt))
	defer c.target.End()

	confirmed, err := c.submit(ctx, p, m.Key)
	if !c.resolve(m.ProvisionalID) {
		c.log.Debug("mutation already resolved", zap.Int64("provisional_id", m.ProvisionalID))
		if err != nil {
			return model.Item{}, fmt.Errorf("%w: %w", ErrRejected, err)
		}
		return confirmed, nil
	}
	if err != nil {
		c.log.Warn("mutation rejected",
			zap.Int64("provisional_id", m.ProvisionalID),
			zap.String("key", m.Key),
			zap.Error(err))
		c.target.Rollback(m.ProvisionalID, err)
		return model.Item{}, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	c.log.Debug("mutation confirmed",
		zap.Int64("provisional_id", m.ProvisionalID),
		zap.Int64("id", confirmed.ID))
	c.target.Confirm(m.ProvisionalID, confirmed)
	return confirmed, nil
}

// InFlight reports whether any mutation awaits resolution.
func (c *Coordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) > 0
}

// Pending returns the unresolved mutations, oldest first.
func (c *Coordinator) Pending() []PendingMutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingMutation, 0, len(c.pending))
	for _, m := range c.pending {
		out = append(out, m)
	}
	// Provisional ids decrease with submission order.
	slices.SortFunc(out, func(a, b PendingMutation) int {
		switch {
		case a.ProvisionalID > b.ProvisionalID:
			return -1
		case a.ProvisionalID < b.ProvisionalID:
			return 1
		}
		return 0
	})
	return out
}

// Discard forgets every pending mutation so that late responses are not
// applied.
func (c *Coordinator) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.pending)
}

// reserve allocates the next provisional id. Ids count down from -1 so they
// never collide with server ids.
func (c *Coordinator) reserve(p model.Payload) PendingMutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastID--
	m := PendingMutation{
		ProvisionalID: c.lastID,
		Key:           uuid.NewString(),
		Payload:       p,
		SubmittedAt:   c.now(),
	}
	c.pending[m.ProvisionalID] = m
	return m
}

func (c *Coordinator) resolve(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}
