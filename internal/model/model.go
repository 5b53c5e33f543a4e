// Package model defines shared data structures.
package model

import (
	"strconv"
	"strings"
	"time"
)

// Kind distinguishes the two kinds of synchronized content.
type Kind string

const (
	KindPost    Kind = "post"
	KindMessage Kind = "message"
)

// RolePrivileged is the session role whose feed ranks peer-authored posts first.
const RolePrivileged = "Gorakshak"

// Item is a single synchronized unit: a nearby post or a conversation message.
// Confirmed items carry the server id; provisional items carry a negative id.
type Item struct {
	ID             int64     `json:"id"`
	Kind           Kind      `json:"kind"`
	AuthorID       *int64    `json:"author_id,omitempty"` // nil for anonymous posts
	AuthorRole     string    `json:"author_role,omitempty"`
	ConversationID int64     `json:"conversation_id,omitempty"`
	SenderID       int64     `json:"sender_id,omitempty"`
	Content        string    `json:"content"`
	Latitude       *float64  `json:"latitude,omitempty"`
	Longitude      *float64  `json:"longitude,omitempty"`
	Hashtags       []string  `json:"hashtags,omitempty"`
	LikeCount      int       `json:"like_count,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Provisional reports whether the item is a local optimistic insert.
func (it Item) Provisional() bool {
	return it.ID < 0
}

// Position returns the item's coordinates, if it has any.
func (it Item) Position() (Location, bool) {
	if it.Latitude == nil || it.Longitude == nil {
		return Location{}, false
	}
	return Location{Latitude: *it.Latitude, Longitude: *it.Longitude}, true
}

// Location is a WGS84 coordinate pair in degrees.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Filters narrows the feed. MaxDistanceKm <= 0 means any distance.
type Filters struct {
	MaxDistanceKm float64  `json:"max_distance_km"`
	Hashtags      []string `json:"hashtags,omitempty"`
}

// AnyDistance reports whether the distance filter is disabled.
func (f Filters) AnyDistance() bool {
	return f.MaxDistanceKm <= 0
}

// Viewer is the ephemeral context a feed is ranked for. It is never persisted.
type Viewer struct {
	Location *Location
	Role     string
	Filters  Filters
}

// Privileged reports whether the viewer holds the privileged role.
func (v Viewer) Privileged() bool {
	return IsPrivileged(v.Role)
}

// IsPrivileged reports whether role names the privileged role.
func IsPrivileged(role string) bool {
	return strings.EqualFold(strings.TrimSpace(role), RolePrivileged)
}

// Identity is what the collaborator resolves the current session to.
type Identity struct {
	UserID    int64  `json:"user_id"`
	Role      string `json:"role"`
	Anonymous bool   `json:"anonymous"`
}

// Anonymous is the identity used when no session could be resolved.
var Anonymous = Identity{Anonymous: true}

// Payload is user-submitted content for a post or a message.
type Payload struct {
	Content        string    `json:"content"`
	Hashtags       []string  `json:"hashtags,omitempty"`
	Location       *Location `json:"location,omitempty"`
	ConversationID int64     `json:"conversation_id,omitempty"`
}

// Query describes one page request against the collaborator.
type Query struct {
	Page     int
	Size     int
	Filters  Filters
	Location *Location
}

// Snapshot is the persisted local copy of one view.
type Snapshot struct {
	Version    string
	CapturedAt time.Time
	Items      []Item
}

// Empty reports whether the snapshot holds nothing usable.
func (s Snapshot) Empty() bool {
	return len(s.Items) == 0
}

// ViewKey identifies a synchronized view ("feed" or "conversation:<id>").
type ViewKey string

// FeedView is the key of the nearby-post feed.
const FeedView ViewKey = "feed"

const conversationPrefix = "conversation:"

// ConversationView returns the key of the given conversation.
func ConversationView(id int64) ViewKey {
	return ViewKey(conversationPrefix + strconv.FormatInt(id, 10))
}

// ConversationID extracts the conversation id from a conversation key.
func (k ViewKey) ConversationID() (int64, bool) {
	s, ok := strings.CutPrefix(string(k), conversationPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// IsFeed reports whether k is the feed view.
func (k ViewKey) IsFeed() bool {
	return k == FeedView
}

// Valid reports whether k names a known view.
func (k ViewKey) Valid() bool {
	if k.IsFeed() {
		return true
	}
	_, ok := k.ConversationID()
	return ok
}

// NormalizeTag lowercases a hashtag and strips its leading '#'.
func NormalizeTag(tag string) string {
	return strings.ToLower(strings.TrimLeft(strings.TrimSpace(tag), "#"))
}

// Settings key constants.
const (
	SettingNotificationState = "notification_state"
	SettingDeviceToken       = "device_token"
	SettingInstallID         = "install_id"
)
