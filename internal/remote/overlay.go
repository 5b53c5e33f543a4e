package remote

import (
	"context"

	"github.com/bryan-buckman/nearby/internal/model"
)

// FeedReader is a read-only source of feed pages and delta counts.
type FeedReader interface {
	FetchPage(ctx context.Context, view model.ViewKey, q model.Query) ([]model.Item, error)
	FetchDeltaCount(ctx context.Context, view model.ViewKey, sinceID int64) (int, error)
}

// Overlay serves feed reads from Feed and everything else from the embedded
// Client.
type Overlay struct {
	*Client
	Feed FeedReader
}

// FetchPage implements the page contract.
func (o Overlay) FetchPage(ctx context.Context, view model.ViewKey, q model.Query) ([]model.Item, error) {
	if view.IsFeed() && o.Feed != nil {
		return o.Feed.FetchPage(ctx, view, q)
	}
	return o.Client.FetchPage(ctx, view, q)
}

// FetchDeltaCount implements the probe contract.
func (o Overlay) FetchDeltaCount(ctx context.Context, view model.ViewKey, sinceID int64) (int, error) {
	if view.IsFeed() && o.Feed != nil {
		return o.Feed.FetchDeltaCount(ctx, view, sinceID)
	}
	return o.Client.FetchDeltaCount(ctx, view, sinceID)
}
