// Package geo provides great-circle distance and bounded location acquisition.
package geo

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/bryan-buckman/nearby/internal/model"
)

// EarthRadiusKm is the mean Earth radius used for haversine distances.
const EarthRadiusKm = 6371.0

// ErrUnavailable is returned by a Locator that cannot produce a fix.
var ErrUnavailable = errors.New("geo: location unavailable")

// DistanceKm returns the haversine distance between a and b in kilometres.
func DistanceKm(a, b model.Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// ItemDistanceKm returns the distance from viewer to it, or +Inf when the item
// has no coordinates.
func ItemDistanceKm(viewer model.Location, it model.Item) float64 {
	pos, ok := it.Position()
	if !ok {
		return math.Inf(1)
	}
	return DistanceKm(viewer, pos)
}

// Options are the hints passed to a Locator.
type Options struct {
	HighAccuracy bool
	// MaximumAge is how old a reused fix may be. Zero demands a fresh fix.
	MaximumAge time.Duration
	Timeout    time.Duration
}

// Locator produces the device's current position.
type Locator interface {
	Locate(ctx context.Context, opts Options) (model.Location, error)
}

// Acquire asks loc for a position, bounded by opts.Timeout. It returns nil when
// no locator is configured, the locator fails, or the timeout elapses.
func Acquire(ctx context.Context, loc Locator, opts Options) *model.Location {
	if loc == nil {
		return nil
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	pos, err := loc.Locate(ctx, opts)
	if err != nil {
		return nil
	}
	return &pos
}

// Static always reports the same position.
type Static model.Location

// Locate implements Locator.
func (s Static) Locate(context.Context, Options) (model.Location, error) {
	return model.Location(s), nil
}

// HostLocator receives fixes pushed by the host bridge. Locate waits for a fix
// that arrives after the call unless opts.MaximumAge allows the last one.
type HostLocator struct {
	mu      sync.Mutex
	last    *model.Location
	lastAt  time.Time
	waiters []chan model.Location
	now     func() time.Time
}

// NewHostLocator returns a locator with no known position.
func NewHostLocator() *HostLocator {
	return &HostLocator{now: time.Now}
}

// Offer records a fix from the host and wakes pending Locate calls.
func (h *HostLocator) Offer(pos model.Location) {
	h.mu.Lock()
	h.last = &pos
	h.lastAt = h.now()
	waiters := h.waiters
	h.waiters = nil
	h.mu.Unlock()

	for _, w := range waiters {
		w <- pos
	}
}

// Last returns the most recent fix, if any.
func (h *HostLocator) Last() *model.Location {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		return nil
	}
	pos := *h.last
	return &pos
}

// Locate implements Locator.
func (h *HostLocator) Locate(ctx context.Context, opts Options) (model.Location, error) {
	h.mu.Lock()
	if h.last != nil && opts.MaximumAge > 0 && h.now().Sub(h.lastAt) <= opts.MaximumAge {
		pos := *h.last
		h.mu.Unlock()
		return pos, nil
	}
	w := make(chan model.Location, 1)
	h.waiters = append(h.waiters, w)
	h.mu.Unlock()

	select {
	case pos := <-w:
		return pos, nil
	case <-ctx.Done():
		h.drop(w)
		return model.Location{}, ErrUnavailable
	}
}

func (h *HostLocator) drop(w chan model.Location) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, c := range h.waiters {
		if c == w {
			h.waiters = append(h.waiters[:i], h.waiters[i+1:]...)
			return
		}
	}
}
