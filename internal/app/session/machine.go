// Package session drives the avatar session lifecycle: it creates the remote
// session, negotiates the peer connection through core.PeerManager, and keeps a
// single read-only snapshot for the UI.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/AvatarStream/internal/core"
	"github.com/dkeye/AvatarStream/internal/domain"
)

// deleteTimeout bounds the best-effort remote delete.
const deleteTimeout = 5 * time.Second

// Publisher receives every snapshot change.
type Publisher interface {
	Publish(core.SessionSnapshot)
}

// Options carries what the machine sends to the provider on every session.
type Options struct {
	SourceURL string
	DriverURL string
	Voice     core.VoiceConfig
	Streaming map[string]any
}

// Machine is the session state machine. Connect, Destroy and connection-loss
// handling are serialised by opMu; mu guards the snapshot.
type Machine struct {
	remote core.RemoteSessions
	peers  core.PeerManager
	chat   core.UtteranceGenerator
	media  core.MediaSink
	pub    Publisher
	opts   Options

	opMu sync.Mutex

	mu        sync.Mutex
	gen       uint64
	session   domain.Session
	streaming domain.StreamingStatus
	conn      core.ConnectionSnapshot
	cancel    context.CancelFunc
}

func NewMachine(remote core.RemoteSessions, peers core.PeerManager, chat core.UtteranceGenerator, media core.MediaSink, pub Publisher, opts Options) *Machine {
	return &Machine{
		remote:  remote,
		peers:   peers,
		chat:    chat,
		media:   media,
		pub:     pub,
		opts:    opts,
		session: domain.Session{State: domain.StateIdle},
		conn:    peers.Snapshot(),
	}
}

// Snapshot returns the current public view.
func (m *Machine) Snapshot() core.SessionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() core.SessionSnapshot {
	return core.SessionSnapshot{Session: m.session, Streaming: m.streaming, Connection: m.conn}
}

// publishLocked must be called with mu held.
func (m *Machine) publishLocked() {
	if m.pub != nil {
		m.pub.Publish(m.snapshotLocked())
	}
}

func (m *Machine) logger() *zerolog.Logger {
	l := log.With().Str("module", "session").Logger()
	return &l
}

// Connect creates a provider session and negotiates its peer connection.
// Any failure tears the partial session down and leaves the machine Failed.
func (m *Machine) Connect(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.session.State.Active() {
		m.mu.Unlock()
		return &domain.PrerequisiteError{Op: "connect", Reason: domain.ErrSessionActive}
	}
	m.gen++
	gen := m.gen
	m.streaming = domain.StreamingNone
	m.mu.Unlock()

	logger := m.logger()
	created, err := m.remote.CreateSession(ctx, m.opts.SourceURL)
	if err != nil {
		logger.Error().Err(err).Msg("create session failed")
		m.fail(ctx, gen, "", "")
		return err
	}
	streamID, sessionID := created.StreamID, created.SessionID

	sessCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.session = domain.Session{SessionID: sessionID, StreamID: streamID, State: domain.StateConnecting}
	m.cancel = cancel
	m.publishLocked()
	m.mu.Unlock()

	logger.Info().Str("stream_id", streamID).Msg("connecting")

	answer, err := m.peers.Open(ctx, created.Offer, created.ICEServers, m.handlers(sessCtx, gen, streamID, sessionID))
	if err != nil {
		logger.Error().Err(err).Str("stream_id", streamID).Msg("peer negotiation failed")
		m.fail(ctx, gen, streamID, sessionID)
		return err
	}

	if err := m.remote.SubmitAnswer(ctx, streamID, sessionID, answer); err != nil {
		logger.Error().Err(err).Str("stream_id", streamID).Msg("submit answer failed")
		m.fail(ctx, gen, streamID, sessionID)
		return err
	}

	m.mu.Lock()
	if m.gen == gen && m.session.State == domain.StateConnecting {
		m.session.State = domain.StateConnected
		m.publishLocked()
	}
	m.mu.Unlock()
	logger.Info().Str("stream_id", streamID).Msg("connected")
	return nil
}

// handlers binds peer events to this session generation.
func (m *Machine) handlers(ctx context.Context, gen uint64, streamID, sessionID string) core.PeerHandlers {
	return core.PeerHandlers{
		OnCandidate: func(c webrtc.ICECandidateInit) {
			if ctx.Err() != nil {
				return
			}
			if err := m.remote.SubmitICECandidate(ctx, streamID, sessionID, c); err != nil {
				log.Warn().Err(err).Str("module", "session").Str("stream_id", streamID).Msg("ice candidate not delivered")
			}
		},
		OnSnapshot: func(snap core.ConnectionSnapshot) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.gen != gen {
				return
			}
			m.conn = snap
			m.publishLocked()
		},
		OnConnectionState: func(s webrtc.PeerConnectionState) {
			if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
				go m.connectionLost(gen, s)
			}
		},
		OnTrack: func(track core.RemoteTrack) {
			if m.media != nil && ctx.Err() == nil {
				m.media.Publish(ctx, track)
			}
		},
	}
}

// fail tears down a connect attempt and leaves the machine Failed.
func (m *Machine) fail(ctx context.Context, gen uint64, streamID, sessionID string) {
	if streamID != "" && sessionID != "" {
		m.deleteRemote(ctx, streamID, sessionID)
	}
	m.teardownLocal()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	m.session = domain.Session{State: domain.StateFailed}
	m.publishLocked()
}

// Destroy ends the current session. It is a no-op without one.
func (m *Machine) Destroy(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	switch m.session.State {
	case domain.StateIdle:
		m.mu.Unlock()
		return nil
	case domain.StateFailed:
		m.session = domain.Session{State: domain.StateIdle}
		m.publishLocked()
		m.mu.Unlock()
		return nil
	}
	streamID, sessionID := m.session.StreamID, m.session.SessionID
	m.session.State = domain.StateDestroying
	m.publishLocked()
	m.mu.Unlock()

	m.logger().Info().Str("stream_id", streamID).Msg("destroying")
	m.deleteRemote(ctx, streamID, sessionID)
	m.teardownLocal()

	m.mu.Lock()
	m.session = domain.Session{State: domain.StateIdle}
	m.streaming = domain.StreamingDestroyed
	m.publishLocked()
	m.mu.Unlock()
	return nil
}

// connectionLost handles a peer connection that failed or closed on its own.
func (m *Machine) connectionLost(gen uint64, s webrtc.PeerConnectionState) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.gen != gen || (m.session.State != domain.StateConnected && m.session.State != domain.StateSpeaking) {
		m.mu.Unlock()
		return
	}
	streamID, sessionID := m.session.StreamID, m.session.SessionID
	m.mu.Unlock()

	m.logger().Warn().Str("stream_id", streamID).Str("peer_connection_state", s.String()).Msg("connection lost")
	m.deleteRemote(context.Background(), streamID, sessionID)
	m.teardownLocal()

	m.mu.Lock()
	defer m.mu.Unlock()
	next := domain.StateIdle
	if s == webrtc.PeerConnectionStateFailed {
		next = domain.StateFailed
	}
	m.session = domain.Session{State: next}
	m.publishLocked()
}

// deleteRemote survives cancellation of ctx but keeps its deadline, capped at
// deleteTimeout.
func (m *Machine) deleteRemote(ctx context.Context, streamID, sessionID string) {
	base := context.WithoutCancel(ctx)
	if dl, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		base, cancelDeadline = context.WithDeadline(base, dl)
		defer cancelDeadline()
	}
	ctx, cancel := context.WithTimeout(base, deleteTimeout)
	defer cancel()
	if err := m.remote.DeleteSession(ctx, streamID, sessionID); err != nil {
		log.Warn().Err(err).Str("module", "session").Str("stream_id", streamID).Msg("remote delete failed")
	}
}

func (m *Machine) teardownLocal() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.peers.Close()
	if m.media != nil {
		m.media.Reset()
	}
}

// Speak makes the avatar say text. A failed utterance leaves the session Connected.
func (m *Machine) Speak(ctx context.Context, text string) error {
	if text == "" {
		return &domain.PrerequisiteError{Op: "speak", Reason: domain.ErrEmptyText}
	}

	m.mu.Lock()
	if err := m.speakableLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	gen := m.gen
	streamID, sessionID := m.session.StreamID, m.session.SessionID
	m.session.State = domain.StateSpeaking
	m.publishLocked()
	m.mu.Unlock()

	err := m.remote.StartSpeech(ctx, streamID, sessionID, core.SpeechRequest{
		Text:      text,
		Voice:     m.opts.Voice,
		DriverURL: m.opts.DriverURL,
		Config:    m.opts.Streaming,
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen == gen && m.session.State == domain.StateSpeaking {
		m.session.State = domain.StateConnected
		if err != nil {
			m.streaming = domain.StreamingError
		} else {
			m.streaming = domain.StreamingActive
		}
		m.publishLocked()
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Str("stream_id", streamID).Msg("speech failed")
		return err
	}
	return nil
}

// Ask generates an utterance for prompt and speaks it.
func (m *Machine) Ask(ctx context.Context, prompt string) error {
	if prompt == "" {
		return &domain.PrerequisiteError{Op: "ask", Reason: domain.ErrEmptyText}
	}
	m.mu.Lock()
	err := m.speakableLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	text, err := m.chat.GenerateUtterance(ctx, prompt)
	if err != nil {
		return fmt.Errorf("generate utterance: %w", err)
	}
	return m.Speak(ctx, text)
}

func (m *Machine) speakableLocked() error {
	switch m.session.State {
	case domain.StateConnected:
		return nil
	case domain.StateSpeaking:
		return &domain.PrerequisiteError{Op: "speak", Reason: domain.ErrSpeechInProgress}
	default:
		return &domain.PrerequisiteError{Op: "speak", Reason: domain.ErrNoSession}
	}
}
