// Package sfu forwards the avatar's incoming media to browser viewers.
package sfu

import (
	"context"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/AvatarStream/internal/core"
)

// Source describes a relayed provider track.
type Source struct {
	Kind  string
	Codec webrtc.RTPCodecParameters
}

// RelayManager keeps at most one relay per track kind.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[string]*Relay
}

var _ core.MediaSink = (*RelayManager)(nil)

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[string]*Relay),
	}
}

// Publish starts relaying track, replacing any previous relay of its kind.
func (m *RelayManager) Publish(ctx context.Context, track core.RemoteTrack) {
	kind := track.Kind().String()
	logger := log.With().
		Str("module", "relay").
		Str("kind", kind).
		Str("track_id", track.ID()).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(track, cancel)

	m.mu.Lock()
	if old, ok := m.relays[kind]; ok {
		logger.Info().Msg("replacing existing relay")
		old.stop()
	}
	m.relays[kind] = relay
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")
	go relay.loop(relayCtx, &logger)
}

// Reset stops every relay.
func (m *RelayManager) Reset() {
	m.mu.Lock()
	relays := m.relays
	m.relays = make(map[string]*Relay)
	m.mu.Unlock()

	for _, r := range relays {
		r.stop()
	}
	if len(relays) > 0 {
		log.Info().Str("module", "relay").Int("relays", len(relays)).Msg("relays reset")
	}
}

// AddSubscriber attaches w to the relay of kind. It reports false when no
// such relay is running.
func (m *RelayManager) AddSubscriber(kind string, viewer core.SessionID, w RTPWriter) bool {
	m.mu.RLock()
	relay, ok := m.relays[kind]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	relay.AddOutTrack(viewer, NewOutTrack(w))
	return true
}

// RemoveSubscriber marks every out-track of viewer for deletion.
func (m *RelayManager) RemoveSubscriber(viewer core.SessionID) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.relays {
		r.markDelete(viewer)
	}
}

// Sources lists running relays ordered by kind.
func (m *RelayManager) Sources() []Source {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Source, 0, len(m.relays))
	for kind, r := range m.relays {
		out = append(out, Source{Kind: kind, Codec: r.Src.Codec()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Subscribers counts live out-tracks of the relay of kind.
func (m *RelayManager) Subscribers(kind string) int {
	m.mu.RLock()
	relay, ok := m.relays[kind]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return relay.subscribers()
}
