package remote

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"

	"github.com/bryan-buckman/nearby/internal/model"
)

// GeoRSS reads the public nearby feed published as RSS/Atom with georss:point
// coordinates. It serves anonymous viewers and accepts no mutations.
type GeoRSS struct {
	url    string
	parser *gofeed.Parser
	now    func() time.Time
}

// NewGeoRSS returns a source for the feed at feedURL.
func NewGeoRSS(feedURL string) *GeoRSS {
	return &GeoRSS{url: feedURL, parser: gofeed.NewParser(), now: time.Now}
}

// FetchPage returns one page of the feed, newest id first.
func (g *GeoRSS) FetchPage(ctx context.Context, view model.ViewKey, q model.Query) ([]model.Item, error) {
	items, err := g.fetch(ctx, view)
	if err != nil {
		return nil, err
	}
	size := q.Size
	if size <= 0 {
		size = len(items)
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size
	if start >= len(items) {
		return []model.Item{}, nil
	}
	end := min(start+size, len(items))
	return items[start:end], nil
}

// FetchDeltaCount counts feed entries with an id above sinceID.
func (g *GeoRSS) FetchDeltaCount(ctx context.Context, view model.ViewKey, sinceID int64) (int, error) {
	items, err := g.fetch(ctx, view)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range items {
		if it.ID > sinceID {
			n++
		}
	}
	return n, nil
}

func (g *GeoRSS) fetch(ctx context.Context, view model.ViewKey) ([]model.Item, error) {
	if !view.IsFeed() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownView, view)
	}
	feed, err := g.parser.ParseURLWithContext(g.url, ctx)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", g.url, err)
	}
	return convertFeed(feed, g.now()), nil
}

// convertFeed maps entries to posts. Entries without a numeric guid are
// skipped since item identity is the server id.
func convertFeed(feed *gofeed.Feed, now time.Time) []model.Item {
	items := make([]model.Item, 0, len(feed.Items))
	for _, entry := range feed.Items {
		id, ok := entryID(entry)
		if !ok {
			continue
		}
		it := model.Item{
			ID:        id,
			Kind:      model.KindPost,
			Content:   entryContent(entry),
			CreatedAt: now,
		}
		if entry.PublishedParsed != nil {
			it.CreatedAt = *entry.PublishedParsed
		} else if entry.UpdatedParsed != nil {
			it.CreatedAt = *entry.UpdatedParsed
		}
		if lat, lon, ok := georssPoint(entry.Extensions); ok {
			it.Latitude = &lat
			it.Longitude = &lon
		}
		if role := extValue(entry.Extensions, "nearby", "role"); role != "" {
			it.AuthorRole = role
		}
		if likes, err := strconv.Atoi(extValue(entry.Extensions, "nearby", "likes")); err == nil {
			it.LikeCount = likes
		}
		for _, c := range entry.Categories {
			if tag := model.NormalizeTag(c); tag != "" {
				it.Hashtags = append(it.Hashtags, tag)
			}
		}
		items = append(items, it)
	}
	slices.SortFunc(items, func(a, b model.Item) int {
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	return items
}

func entryID(entry *gofeed.Item) (int64, bool) {
	for _, candidate := range []string{entry.GUID, entry.Link} {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		// Accept "123" as well as ".../posts/123".
		if i := strings.LastIndexAny(candidate, "/:#="); i >= 0 {
			candidate = candidate[i+1:]
		}
		if id, err := strconv.ParseInt(candidate, 10, 64); err == nil && id > 0 {
			return id, true
		}
	}
	return 0, false
}

func entryContent(entry *gofeed.Item) string {
	switch {
	case entry.Content != "":
		return entry.Content
	case entry.Description != "":
		return entry.Description
	}
	return entry.Title
}

// georssPoint parses <georss:point>lat lon</georss:point>.
func georssPoint(exts ext.Extensions) (float64, float64, bool) {
	fields := strings.Fields(extValue(exts, "georss", "point"))
	if len(fields) != 2 {
		return 0, 0, false
	}
	lat, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, false
	}
	lon, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, 0, false
	}
	return lat, lon, true
}

func extValue(exts ext.Extensions, space, name string) string {
	if exts == nil {
		return ""
	}
	values := exts[space][name]
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0].Value)
}
