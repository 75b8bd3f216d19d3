package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/AvatarStream/internal/core"
	"github.com/dkeye/AvatarStream/internal/domain"
)

// peerConnection is the subset of *webrtc.PeerConnection the Manager drives.
type peerConnection interface {
	OnICEGatheringStateChange(func(webrtc.ICEGatheringState))
	OnICECandidate(func(*webrtc.ICECandidate))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnSignalingStateChange(func(webrtc.SignalingState))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	SetRemoteDescription(webrtc.SessionDescription) error
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	Close() error
}

type peerFactory func(webrtc.Configuration) (peerConnection, error)

// handle is one open peer connection generation.
type handle struct {
	gen      uint64
	pc       peerConnection
	queue    *candidateQueue
	handlers core.PeerHandlers
}

// Manager owns the single peer connection towards the avatar provider.
// Every listener carries the generation it was registered for; once the
// handle is closed its events are dropped.
type Manager struct {
	newPeer peerFactory

	// deliverMu pairs each snapshot change with its OnSnapshot call. Taken before mu.
	deliverMu sync.Mutex

	mu   sync.Mutex
	gen  uint64
	h    *handle
	snap core.ConnectionSnapshot
}

var _ core.PeerManager = (*Manager)(nil)

func NewManager(api *webrtc.API) *Manager {
	return newManager(func(cfg webrtc.Configuration) (peerConnection, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return pc, nil
	})
}

func newManager(f peerFactory) *Manager {
	return &Manager{newPeer: f, snap: idleSnapshot()}
}

func idleSnapshot() core.ConnectionSnapshot {
	return core.ConnectionSnapshot{
		ICEGathering:   webrtc.ICEGatheringStateNew.String(),
		ICEConnection:  webrtc.ICEConnectionStateNew.String(),
		PeerConnection: webrtc.PeerConnectionStateNew.String(),
		Signaling:      webrtc.SignalingStateStable.String(),
	}
}

func closedSnapshot(prev core.ConnectionSnapshot) core.ConnectionSnapshot {
	return core.ConnectionSnapshot{
		ICEGathering:   prev.ICEGathering,
		ICEConnection:  webrtc.ICEConnectionStateClosed.String(),
		PeerConnection: webrtc.PeerConnectionStateClosed.String(),
		Signaling:      webrtc.SignalingStateClosed.String(),
	}
}

// Open creates the peer connection, applies offer and returns the local answer
// after it has been set as the local description.
func (m *Manager) Open(ctx context.Context, offer webrtc.SessionDescription, iceServers []webrtc.ICEServer, handlers core.PeerHandlers) (webrtc.SessionDescription, error) {
	if err := validateOffer(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	m.mu.Lock()
	if m.h != nil {
		m.mu.Unlock()
		return webrtc.SessionDescription{}, &domain.PrerequisiteError{Op: "open peer connection", Reason: domain.ErrPeerOpen}
	}
	pc, err := m.newPeer(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		m.mu.Unlock()
		return webrtc.SessionDescription{}, &domain.SignalingError{Op: "new peer connection", Err: err}
	}
	m.gen++
	h := &handle{gen: m.gen, pc: pc, queue: newCandidateQueue(), handlers: handlers}
	m.h = h
	m.snap = idleSnapshot()
	m.mu.Unlock()

	logger := log.With().Str("module", "rtc").Uint64("gen", h.gen).Logger()
	m.bind(h)
	go h.queue.run(func(c webrtc.ICECandidateInit) {
		if handlers.OnCandidate != nil {
			handlers.OnCandidate(c)
		}
	})

	fail := func(op string, err error) (webrtc.SessionDescription, error) {
		logger.Error().Err(err).Str("op", op).Msg("negotiation failed")
		m.Close()
		return webrtc.SessionDescription{}, &domain.SignalingError{Op: op, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail("open", err)
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fail("set remote description", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail("create answer", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail("set local description", err)
	}
	if local := pc.LocalDescription(); local != nil {
		answer = *local
	}
	logger.Info().Msg("answer ready")
	return answer, nil
}

func validateOffer(offer webrtc.SessionDescription) error {
	if offer.Type != webrtc.SDPTypeOffer {
		return &domain.SignalingError{Op: "validate offer", Err: errors.New("not an offer: " + offer.Type.String())}
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(offer.SDP)); err != nil {
		return &domain.SignalingError{Op: "validate offer", Err: err}
	}
	if len(parsed.MediaDescriptions) == 0 {
		return &domain.SignalingError{Op: "validate offer", Err: errors.New("offer has no media sections")}
	}
	return nil
}

// bind registers all listeners of h.
func (m *Manager) bind(h *handle) {
	gen := h.gen
	h.pc.OnICEGatheringStateChange(func(s webrtc.ICEGatheringState) {
		m.update(gen, func(snap *core.ConnectionSnapshot) { snap.ICEGathering = s.String() })
	})
	h.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Uint64("gen", gen).Str("ice_state", s.String()).Msg("ICE state")
		m.update(gen, func(snap *core.ConnectionSnapshot) { snap.ICEConnection = s.String() })
	})
	h.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Uint64("gen", gen).Str("peer_connection_state", s.String()).Msg("Peer state")
		if m.update(gen, func(snap *core.ConnectionSnapshot) { snap.PeerConnection = s.String() }) &&
			h.handlers.OnConnectionState != nil {
			h.handlers.OnConnectionState(s)
		}
	})
	h.pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		m.update(gen, func(snap *core.ConnectionSnapshot) { snap.Signaling = s.String() })
	})
	h.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		m.enqueueCandidate(gen, c.ToJSON())
	})
	h.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.handleTrack(gen, track)
	})
}

// update applies mutate if gen is still current and republishes the snapshot.
// OnSnapshot runs under deliverMu and must not call back into the Manager.
func (m *Manager) update(gen uint64, mutate func(*core.ConnectionSnapshot)) bool {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if m.h == nil || m.h.gen != gen {
		m.mu.Unlock()
		return false
	}
	mutate(&m.snap)
	snap := m.snap
	onSnapshot := m.h.handlers.OnSnapshot
	m.mu.Unlock()

	if onSnapshot != nil {
		onSnapshot(snap)
	}
	return true
}

func (m *Manager) enqueueCandidate(gen uint64, c webrtc.ICECandidateInit) {
	m.mu.Lock()
	h := m.h
	m.mu.Unlock()
	if h == nil || h.gen != gen {
		return
	}
	if !h.queue.push(c) {
		log.Debug().Str("module", "rtc").Uint64("gen", gen).Msg("candidate after close dropped")
	}
}

func (m *Manager) handleTrack(gen uint64, track core.RemoteTrack) {
	log.Info().
		Str("module", "rtc").
		Uint64("gen", gen).
		Str("kind", track.Kind().String()).
		Str("track_id", track.ID()).
		Str("stream_id", track.StreamID()).
		Msg("OnTrack received")

	current := true
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		current = m.update(gen, func(snap *core.ConnectionSnapshot) {
			snap.Media = &core.MediaStream{
				StreamID: track.StreamID(),
				TrackID:  track.ID(),
				Kind:     track.Kind().String(),
				Live:     true,
			}
		})
	}

	m.mu.Lock()
	h := m.h
	m.mu.Unlock()
	if !current || h == nil || h.gen != gen {
		return
	}
	if h.handlers.OnTrack != nil {
		h.handlers.OnTrack(track)
	}
}

// Close closes the current peer connection. Closing with nothing open is a no-op.
func (m *Manager) Close() {
	m.deliverMu.Lock()
	m.mu.Lock()
	h := m.h
	if h == nil {
		m.mu.Unlock()
		m.deliverMu.Unlock()
		return
	}
	m.h = nil
	m.gen++
	m.snap = closedSnapshot(m.snap)
	snap := m.snap
	m.mu.Unlock()
	if h.handlers.OnSnapshot != nil {
		h.handlers.OnSnapshot(snap)
	}
	m.deliverMu.Unlock()

	h.queue.close()
	// pion may run state callbacks from inside Close; they see a stale gen.
	if err := h.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Uint64("gen", h.gen).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Uint64("gen", h.gen).Msg("closed")
	}
}

func (m *Manager) Snapshot() core.ConnectionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snap
	if snap.Media != nil {
		media := *snap.Media
		snap.Media = &media
	}
	return snap
}

// IsOpen reports whether a peer connection is currently held.
func (m *Manager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.h != nil
}
