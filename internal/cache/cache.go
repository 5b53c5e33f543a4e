// Package cache is the versioned local snapshot store that lets a view render
// before the first network response arrives.
package cache

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bryan-buckman/nearby/internal/codec"
	"github.com/bryan-buckman/nearby/internal/database"
	"github.com/bryan-buckman/nearby/internal/model"
)

// LocalCache persists one snapshot per view key. Loads never fail and writes
// are best-effort.
type LocalCache struct {
	store   database.Store
	version string
	log     *zap.Logger
	now     func() time.Time
}

// New returns a cache that trusts only snapshots written with version.
func New(store database.Store, version string, log *zap.Logger) *LocalCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &LocalCache{store: store, version: version, log: log, now: time.Now}
}

// Version returns the schema version snapshots must carry to be trusted.
func (c *LocalCache) Version() string {
	return c.version
}

// Load returns the snapshot of view, or an empty snapshot when there is none,
// it cannot be decoded, or it was written by another schema version.
func (c *LocalCache) Load(view model.ViewKey) model.Snapshot {
	empty := model.Snapshot{Version: c.version}

	rec, err := c.store.GetSnapshot(string(view))
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			c.log.Warn("cache load failed", zap.String("view", string(view)), zap.Error(err))
		}
		return empty
	}
	if rec.SchemaVersion != c.version {
		c.log.Info("discarding snapshot with stale schema",
			zap.String("view", string(view)),
			zap.String("found", rec.SchemaVersion),
			zap.String("want", c.version))
		if err := c.store.DeleteSnapshot(string(view)); err != nil {
			c.log.Warn("cache delete failed", zap.String("view", string(view)), zap.Error(err))
		}
		return empty
	}

	captured, err := time.Parse(time.RFC3339Nano, rec.CapturedAt)
	if err != nil {
		c.log.Warn("cache snapshot has bad timestamp", zap.String("view", string(view)), zap.Error(err))
		return empty
	}
	var items []model.Item
	if err := codec.Unmarshal(rec.Items, &items); err != nil {
		c.log.Warn("cache snapshot is corrupt", zap.String("view", string(view)), zap.Error(err))
		return empty
	}
	return model.Snapshot{Version: rec.SchemaVersion, CapturedAt: captured, Items: items}
}

// Save persists at most limit confirmed items of view (limit <= 0 keeps all).
// Provisional items are never persisted. Failures are logged and swallowed.
func (c *LocalCache) Save(view model.ViewKey, items []model.Item, limit int) {
	kept := make([]model.Item, 0, len(items))
	for _, it := range items {
		if it.Provisional() {
			continue
		}
		if limit > 0 && len(kept) == limit {
			break
		}
		kept = append(kept, it)
	}

	b, err := codec.Marshal(kept)
	if err != nil {
		c.log.Warn("cache encode failed", zap.String("view", string(view)), zap.Error(err))
		return
	}
	rec := database.SnapshotRecord{
		ViewKey:       string(view),
		SchemaVersion: c.version,
		CapturedAt:    c.now().UTC().Format(time.RFC3339Nano),
		Items:         b,
	}
	if err := c.store.PutSnapshot(rec); err != nil {
		c.log.Warn("cache save failed", zap.String("view", string(view)), zap.Error(err))
		return
	}
	c.log.Debug("cache saved", zap.String("view", string(view)), zap.Int("items", len(kept)))
}

// Forget drops the snapshot of view.
func (c *LocalCache) Forget(view model.ViewKey) {
	if err := c.store.DeleteSnapshot(string(view)); err != nil {
		c.log.Warn("cache delete failed", zap.String("view", string(view)), zap.Error(err))
	}
}

// Sweep drops snapshots of unknown views and of other schema versions, and
// returns the views left with a usable snapshot.
func (c *LocalCache) Sweep() ([]model.ViewKey, error) {
	keys, err := c.store.ListSnapshotKeys()
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var kept []model.ViewKey
	for _, k := range keys {
		view := model.ViewKey(k)
		if !view.Valid() {
			c.Forget(view)
			continue
		}
		// Load deletes a stale record as a side effect.
		if snap := c.Load(view); !snap.Empty() {
			kept = append(kept, view)
		}
	}
	return kept, nil
}
