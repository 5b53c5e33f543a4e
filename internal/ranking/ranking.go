// Package ranking orders and filters feed items for a viewer. It performs no I/O.
package ranking

import (
	"math"
	"slices"
	"time"

	"github.com/bryan-buckman/nearby/internal/geo"
	"github.com/bryan-buckman/nearby/internal/model"
)

const (
	// NearbyPrivilegedKm bounds the bucket of peer-privileged posts shown first
	// to a privileged viewer. The bound is exclusive.
	NearbyPrivilegedKm = 20.0
	// TieKm is the distance difference below which recency decides order.
	TieKm = 0.1
	// FreshWindow is the age under which a post outranks older posts for
	// default viewers.
	FreshWindow = 24 * time.Hour
)

type scored struct {
	item   model.Item
	distKm float64
	bucket int
}

// Rank returns the items visible to v in display order. The input is not modified.
func Rank(items []model.Item, v model.Viewer, now time.Time) []model.Item {
	list := make([]scored, 0, len(items))
	tags := tagSet(v.Filters.Hashtags)
	for _, it := range items {
		s := scored{item: it, distKm: math.Inf(1)}
		if v.Location != nil {
			s.distKm = geo.ItemDistanceKm(*v.Location, it)
			if !v.Filters.AnyDistance() && !(s.distKm <= v.Filters.MaxDistanceKm) {
				continue
			}
		}
		if len(tags) > 0 && !matchesTags(it, tags) {
			continue
		}
		list = append(list, s)
	}

	switch {
	case v.Location == nil:
		slices.SortStableFunc(list, func(a, b scored) int { return newestFirst(a.item, b.item) })
	case v.Privileged():
		for i := range list {
			list[i].bucket = privilegedBucket(list[i])
		}
		slices.SortStableFunc(list, func(a, b scored) int {
			if a.bucket != b.bucket {
				return a.bucket - b.bucket
			}
			if a.bucket < 2 {
				return newestFirst(a.item, b.item)
			}
			return nearestFirst(a, b)
		})
	default:
		for i := range list {
			if now.Sub(list[i].item.CreatedAt) > FreshWindow {
				list[i].bucket = 1
			}
		}
		slices.SortStableFunc(list, func(a, b scored) int {
			if a.bucket != b.bucket {
				return a.bucket - b.bucket
			}
			return nearestFirst(a, b)
		})
	}

	out := make([]model.Item, len(list))
	for i, s := range list {
		out[i] = s.item
	}
	return out
}

// NearbyPrivileged reports whether a privileged post at distKm belongs to the
// first bucket of a privileged viewer's feed.
func NearbyPrivileged(distKm float64) bool {
	return distKm < NearbyPrivilegedKm
}

func privilegedBucket(s scored) int {
	if !model.IsPrivileged(s.item.AuthorRole) {
		return 2
	}
	if NearbyPrivileged(s.distKm) {
		return 0
	}
	return 1
}

func nearestFirst(a, b scored) int {
	if sameDistance(a.distKm, b.distKm) {
		return newestFirst(a.item, b.item)
	}
	if a.distKm < b.distKm {
		return -1
	}
	return 1
}

func sameDistance(a, b float64) bool {
	if math.IsInf(a, 1) && math.IsInf(b, 1) {
		return true
	}
	return math.Abs(a-b) < TieKm
}

func newestFirst(a, b model.Item) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.ID > b.ID:
		return -1
	case a.ID < b.ID:
		return 1
	}
	return 0
}

func tagSet(tags []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if n := model.NormalizeTag(t); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

func matchesTags(it model.Item, want map[string]struct{}) bool {
	for _, t := range it.Hashtags {
		if _, ok := want[model.NormalizeTag(t)]; ok {
			return true
		}
	}
	return false
}
