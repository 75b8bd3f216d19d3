// Package watch fans session snapshots out to UI subscribers.
package watch

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/AvatarStream/internal/core"
)

const DefaultBuffer = 8

type subscriber struct {
	id string
	ch chan core.SessionSnapshot
}

// Hub keeps the last snapshot and never blocks the publisher.
type Hub struct {
	policy Policy
	buffer int

	mu   sync.Mutex
	last *core.SessionSnapshot
	subs map[string]*subscriber
}

func NewHub(policy Policy, buffer int) *Hub {
	if policy == nil {
		policy = SimplePolicy{Action: ReplaceStale}
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{policy: policy, buffer: buffer, subs: make(map[string]*subscriber)}
}

// Subscribe registers id and delivers the last snapshot right away. A second
// subscription with the same id replaces the first. The channel is closed on
// Unsubscribe or when the policy kicks the subscriber.
func (h *Hub) Subscribe(id string) <-chan core.SessionSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.subs[id]; ok {
		close(old.ch)
	}
	s := &subscriber{id: id, ch: make(chan core.SessionSnapshot, h.buffer)}
	if h.last != nil {
		s.ch <- *h.last
	}
	h.subs[id] = s
	log.Debug().Str("module", "app.watch").Str("sid", id).Msg("subscribed")
	return s.ch
}

func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		close(s.ch)
		delete(h.subs, id)
		log.Debug().Str("module", "app.watch").Str("sid", id).Msg("unsubscribed")
	}
}

func (h *Hub) Last() (core.SessionSnapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		return core.SessionSnapshot{}, false
	}
	return *h.last, true
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Publish(snap core.SessionSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = &snap
	for id, s := range h.subs {
		select {
		case s.ch <- snap:
			continue
		default:
		}
		action := h.policy.OnBackPressure(id)
		log.Warn().Str("module", "app.watch").Str("sid", id).Str("action", action.String()).Msg("subscriber backpressure")
		switch action {
		case ReplaceStale:
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- snap:
			default:
			}
		case KickSubscriber:
			close(s.ch)
			delete(h.subs, id)
		}
	}
}
