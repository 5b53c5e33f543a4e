package session

import (
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/bryan-buckman/nearby/internal/model"
)

// target applies optimistic mutations to the session's list.
type target struct {
	s *Session
}

func (t target) Synthesize(id int64, p model.Payload, at time.Time) model.Item {
	s := t.s
	s.mu.Lock()
	identity := s.identity
	s.mu.Unlock()

	if cid, ok := s.opts.View.ConversationID(); ok {
		return model.Item{
			ID:             id,
			Kind:           model.KindMessage,
			ConversationID: cid,
			SenderID:       identity.UserID,
			Content:        p.Content,
			CreatedAt:      at,
		}
	}
	it := model.Item{
		ID:         id,
		Kind:       model.KindPost,
		AuthorRole: identity.Role,
		Content:    p.Content,
		Hashtags:   extractHashtags(p.Content, p.Hashtags),
		CreatedAt:  at,
	}
	if !identity.Anonymous {
		uid := identity.UserID
		it.AuthorID = &uid
	}
	if p.Location != nil {
		lat, lon := p.Location.Latitude, p.Location.Longitude
		it.Latitude, it.Longitude = &lat, &lon
	}
	return it
}

func (t target) Begin(item model.Item) {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight++
	s.epoch++
	if !s.mounted {
		return
	}
	s.items = s.order(append(s.items, item))
}

func (t target) Confirm(id int64, confirmed model.Item) {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mounted {
		return
	}
	out := make([]model.Item, 0, len(s.items))
	placed := false
	for _, it := range s.items {
		switch it.ID {
		case id:
			out = append(out, confirmed)
			placed = true
		case confirmed.ID:
			// Already fetched while the submit was in flight.
		default:
			out = append(out, it)
		}
	}
	if !placed {
		out = append(out, confirmed)
	}
	s.items = s.order(out)
	s.saveLocked()
}

func (t target) Rollback(id int64, err error) {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mounted {
		return
	}
	s.items = slices.DeleteFunc(s.items, func(it model.Item) bool { return it.ID == id })
	notice := NoticePostFailed
	if !s.opts.View.IsFeed() {
		notice = NoticeMessageFailed
	}
	s.notices = append(s.notices, notice)
	s.log.Info("rolled back provisional item", zap.Int64("provisional_id", id), zap.Error(err))
}

func (t target) End() {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight > 0 {
		s.inFlight--
	}
}
