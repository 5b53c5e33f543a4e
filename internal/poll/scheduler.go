// Package poll owns the timers that keep a view fresh: a delta probe for the
// feed or a full refetch for a conversation.
package poll

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// State is the scheduler's lifecycle state.
type State int

const (
	Stopped State = iota
	Active
	Suspended
	Halted
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Active:
		return "active"
	case Suspended:
		return "suspended"
	case Halted:
		return "halted"
	}
	return "unknown"
}

// TickFunc performs one poll. It must return without touching the list when a
// mutation is in flight.
type TickFunc func(ctx context.Context)

// Scheduler drives a TickFunc from a cron entry. Leaving Active removes the
// entry; a tick that is already running is allowed to finish.
type Scheduler struct {
	cron     *cron.Cron
	interval time.Duration
	tick     TickFunc
	log      *zap.Logger

	mu          sync.Mutex
	state       State
	ctx         context.Context
	entry       cron.EntryID
	scheduled   bool
	hidden      bool
	haltedAside bool
	closed      bool
}

// New returns a stopped scheduler that will tick every interval on c.
func New(c *cron.Cron, interval time.Duration, tick TickFunc, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{cron: c, interval: interval, tick: tick, log: log, ctx: context.Background()}
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start leaves Stopped once the first fetch has completed. A view that went
// hidden before that starts Suspended.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Stopped || s.closed {
		return
	}
	s.ctx = ctx
	if s.hidden {
		s.state = Suspended
		return
	}
	s.state = Active
	s.schedule()
}

// Suspend clears the timer because the host view was hidden.
func (s *Scheduler) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hidden = true
	switch s.state {
	case Active:
		s.haltedAside = false
	case Halted:
		s.haltedAside = true
	default:
		return
	}
	s.unschedule()
	s.state = Suspended
	s.log.Debug("poll suspended")
}

// Resume reacts to the view becoming visible: one immediate tick, then the
// interval. A scheduler halted before it was hidden goes back to Halted.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.hidden = false
	if s.state != Suspended {
		s.mu.Unlock()
		return
	}
	if s.haltedAside {
		s.state = Halted
		s.mu.Unlock()
		return
	}
	s.state = Active
	s.schedule()
	ctx := s.ctx
	s.mu.Unlock()

	s.log.Debug("poll resumed")
	s.tick(ctx)
}

// Halt stops polling until the user accepts the announced delta.
func (s *Scheduler) Halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return
	}
	s.unschedule()
	s.state = Halted
	s.log.Debug("poll halted pending input")
}

// Release resumes polling after Halt.
func (s *Scheduler) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Halted:
		s.state = Active
		s.schedule()
	case Suspended:
		s.haltedAside = false
	}
}

// Stop clears the timer for good. A stopped scheduler ignores Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unschedule()
	s.state = Stopped
	s.closed = true
}

// Scheduled reports whether a timer entry exists.
func (s *Scheduler) Scheduled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduled
}

// Fire runs one tick if the scheduler is Active. Cron entries call it.
func (s *Scheduler) Fire() {
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()
	s.tick(ctx)
}

func (s *Scheduler) schedule() {
	if s.scheduled {
		return
	}
	s.entry = s.cron.Schedule(cron.Every(s.interval), cron.FuncJob(s.Fire))
	s.scheduled = true
}

func (s *Scheduler) unschedule() {
	if !s.scheduled {
		return
	}
	s.cron.Remove(s.entry)
	s.scheduled = false
}
