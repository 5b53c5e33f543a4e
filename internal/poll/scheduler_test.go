package poll

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
)

// newTestScheduler uses a cron that is never started, so only explicit
// Fire/Resume calls tick.
func newTestScheduler(t *testing.T) (*Scheduler, *cron.Cron, *int32) {
	t.Helper()
	var ticks int32
	c := cron.New()
	s := New(c, 30*time.Second, func(context.Context) { atomic.AddInt32(&ticks, 1) }, nil)
	return s, c, &ticks
}

func TestLifecycle(t *testing.T) {
	s, c, ticks := newTestScheduler(t)
	if s.State() != Stopped || len(c.Entries()) != 0 {
		t.Fatalf("new scheduler must be stopped with no timer")
	}

	s.Start(context.Background())
	if s.State() != Active || len(c.Entries()) != 1 {
		t.Fatalf("Start: state=%v entries=%d", s.State(), len(c.Entries()))
	}

	s.Suspend()
	if s.State() != Suspended || len(c.Entries()) != 0 {
		t.Fatalf("Suspend must clear the timer: state=%v entries=%d", s.State(), len(c.Entries()))
	}
	s.Fire()
	if atomic.LoadInt32(ticks) != 0 {
		t.Fatalf("suspended scheduler ticked")
	}

	s.Resume()
	if s.State() != Active || len(c.Entries()) != 1 {
		t.Fatalf("Resume: state=%v entries=%d", s.State(), len(c.Entries()))
	}
	if atomic.LoadInt32(ticks) != 1 {
		t.Fatalf("Resume must tick once immediately, ticks=%d", atomic.LoadInt32(ticks))
	}

	s.Stop()
	if s.State() != Stopped || len(c.Entries()) != 0 {
		t.Fatalf("Stop: state=%v entries=%d", s.State(), len(c.Entries()))
	}
}

func TestStartAfterStopIsIgnored(t *testing.T) {
	s, c, ticks := newTestScheduler(t)
	s.Start(context.Background())
	s.Stop()

	s.Start(context.Background())
	if s.State() != Stopped || len(c.Entries()) != 0 {
		t.Fatalf("stopped scheduler re-armed: state=%v entries=%d", s.State(), len(c.Entries()))
	}
	s.Resume()
	s.Fire()
	if atomic.LoadInt32(ticks) != 0 {
		t.Fatalf("stopped scheduler ticked %d times", atomic.LoadInt32(ticks))
	}
}

func TestHaltAndRelease(t *testing.T) {
	s, c, ticks := newTestScheduler(t)
	s.Start(context.Background())

	s.Halt()
	if s.State() != Halted || len(c.Entries()) != 0 {
		t.Fatalf("Halt: state=%v entries=%d", s.State(), len(c.Entries()))
	}
	s.Fire()
	if atomic.LoadInt32(ticks) != 0 {
		t.Fatalf("halted scheduler ticked")
	}

	// Hidden and shown again while halted: still waiting for the user.
	s.Suspend()
	s.Resume()
	if s.State() != Halted || atomic.LoadInt32(ticks) != 0 {
		t.Fatalf("resume from halted: state=%v ticks=%d", s.State(), atomic.LoadInt32(ticks))
	}

	s.Release()
	if s.State() != Active || len(c.Entries()) != 1 {
		t.Fatalf("Release: state=%v entries=%d", s.State(), len(c.Entries()))
	}
	s.Fire()
	if atomic.LoadInt32(ticks) != 1 {
		t.Fatalf("active scheduler must tick on Fire")
	}
}

func TestHiddenBeforeStartStartsSuspended(t *testing.T) {
	s, c, ticks := newTestScheduler(t)
	s.Suspend()
	s.Start(context.Background())
	if s.State() != Suspended || len(c.Entries()) != 0 {
		t.Fatalf("state=%v entries=%d", s.State(), len(c.Entries()))
	}
	s.Resume()
	if s.State() != Active || atomic.LoadInt32(ticks) != 1 {
		t.Fatalf("state=%v ticks=%d", s.State(), atomic.LoadInt32(ticks))
	}
}

func TestCronDrivesTicks(t *testing.T) {
	var ticks int32
	c := cron.New()
	c.Start()
	defer c.Stop()
	s := New(c, time.Second, func(context.Context) { atomic.AddInt32(&ticks, 1) }, nil)
	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&ticks) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("cron never fired the tick")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
