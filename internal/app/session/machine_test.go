package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/AvatarStream/internal/core"
	"github.com/dkeye/AvatarStream/internal/domain"
)

var (
	offerO  = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "O"}
	answerA = webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "A"}
)

type fakeRemote struct {
	mu         sync.Mutex
	calls      []string
	answerErr  error
	speechErr  error
	createErr  error
	answerGate chan struct{}
	answerSeen chan struct{}
	gotAnswer  webrtc.SessionDescription
	speech     []core.SpeechRequest
	candidates []webrtc.ICECandidateInit

	// state of the delete context at call time
	deleteErr      error
	deleteDeadline time.Time
}

func (f *fakeRemote) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRemote) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeRemote) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRemote) CreateSession(ctx context.Context, sourceURL string) (*core.CreatedSession, error) {
	f.record("create")
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &core.CreatedSession{
		StreamID:   "s1",
		SessionID:  "sess1",
		Offer:      offerO,
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}},
	}, nil
}

func (f *fakeRemote) SubmitAnswer(ctx context.Context, streamID, sessionID string, answer webrtc.SessionDescription) error {
	f.record("answer")
	if f.answerSeen != nil {
		close(f.answerSeen)
	}
	if f.answerGate != nil {
		<-f.answerGate
	}
	f.mu.Lock()
	f.gotAnswer = answer
	f.mu.Unlock()
	return f.answerErr
}

func (f *fakeRemote) SubmitICECandidate(ctx context.Context, streamID, sessionID string, c webrtc.ICECandidateInit) error {
	f.record("ice")
	f.mu.Lock()
	f.candidates = append(f.candidates, c)
	f.mu.Unlock()
	return nil
}

func (f *fakeRemote) StartSpeech(ctx context.Context, streamID, sessionID string, req core.SpeechRequest) error {
	f.record("speech")
	f.mu.Lock()
	f.speech = append(f.speech, req)
	f.mu.Unlock()
	return f.speechErr
}

func (f *fakeRemote) DeleteSession(ctx context.Context, streamID, sessionID string) error {
	f.mu.Lock()
	f.deleteErr = ctx.Err()
	f.deleteDeadline, _ = ctx.Deadline()
	f.mu.Unlock()
	f.record("delete")
	return nil
}

type fakePeers struct {
	mu       sync.Mutex
	open     bool
	opens    int
	closes   int
	openErr  error
	handlers core.PeerHandlers
}

func (p *fakePeers) Open(ctx context.Context, offer webrtc.SessionDescription, ice []webrtc.ICEServer, h core.PeerHandlers) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens++
	if p.openErr != nil {
		return webrtc.SessionDescription{}, p.openErr
	}
	p.open = true
	p.handlers = h
	return answerA, nil
}

func (p *fakePeers) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		p.closes++
	}
	p.open = false
}

func (p *fakePeers) Snapshot() core.ConnectionSnapshot {
	return core.ConnectionSnapshot{PeerConnection: "new"}
}

func (p *fakePeers) isOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

func (p *fakePeers) current() core.PeerHandlers {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers
}

type fakeChat struct {
	reply string
	err   error
	got   []string
}

func (c *fakeChat) GenerateUtterance(ctx context.Context, prompt string) (string, error) {
	c.got = append(c.got, prompt)
	return c.reply, c.err
}

type fakeSink struct {
	mu     sync.Mutex
	tracks int
	resets int
}

func (s *fakeSink) Publish(ctx context.Context, t core.RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks++
}

func (s *fakeSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

type recorder struct {
	mu    sync.Mutex
	snaps []core.SessionSnapshot
}

func (r *recorder) Publish(s core.SessionSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) states() []domain.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.SessionState
	for _, s := range r.snaps {
		if len(out) == 0 || out[len(out)-1] != s.Session.State {
			out = append(out, s.Session.State)
		}
	}
	return out
}

type fixture struct {
	m      *Machine
	remote *fakeRemote
	peers  *fakePeers
	chat   *fakeChat
	sink   *fakeSink
	rec    *recorder
}

func newFixture() *fixture {
	f := &fixture{
		remote: &fakeRemote{},
		peers:  &fakePeers{},
		chat:   &fakeChat{reply: "hi there"},
		sink:   &fakeSink{},
		rec:    &recorder{},
	}
	f.m = NewMachine(f.remote, f.peers, f.chat, f.sink, f.rec, Options{
		SourceURL: "https://example.org/alice.jpg",
		DriverURL: "bank://fun/",
		Voice:     core.VoiceConfig{Provider: "microsoft", VoiceID: "en-US-ChristopherNeural"},
		Streaming: map[string]any{"stitch": true},
	})
	return f
}

func (f *fixture) connected(t *testing.T) {
	t.Helper()
	require.NoError(t, f.m.Connect(context.Background()))
	require.Equal(t, domain.StateConnected, f.m.Snapshot().Session.State)
}

func TestConnect_EndToEnd(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.m.Connect(context.Background()))

	snap := f.m.Snapshot()
	assert.Equal(t, domain.StateConnected, snap.Session.State)
	assert.Equal(t, "s1", snap.Session.StreamID)
	assert.Equal(t, "sess1", snap.Session.SessionID)
	assert.Equal(t, answerA, f.remote.gotAnswer)
	assert.Equal(t, []domain.SessionState{domain.StateConnecting, domain.StateConnected}, f.rec.states())
}

func TestConnect_WhileActive(t *testing.T) {
	f := newFixture()
	f.connected(t)

	err := f.m.Connect(context.Background())
	var pe *domain.PrerequisiteError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, domain.ErrSessionActive)
	assert.Equal(t, 1, f.remote.count("create"))
}

func TestConnect_SubmitAnswerFails(t *testing.T) {
	f := newFixture()
	f.remote.answerErr = &domain.RemoteError{Op: "submit answer", StatusCode: 400}

	err := f.m.Connect(context.Background())
	var re *domain.RemoteError
	require.ErrorAs(t, err, &re)

	snap := f.m.Snapshot()
	assert.Equal(t, domain.StateFailed, snap.Session.State)
	assert.Empty(t, snap.Session.StreamID)
	assert.Empty(t, snap.Session.SessionID)
	assert.Equal(t, 1, f.remote.count("delete"))
	assert.False(t, f.peers.isOpen())
	assert.Equal(t, 1, f.peers.closes)
	assert.Equal(t, 1, f.sink.resets)
}

func TestConnect_CreateFailsNoDelete(t *testing.T) {
	f := newFixture()
	f.remote.createErr = &domain.RemoteError{Op: "create session", StatusCode: 500}

	require.Error(t, f.m.Connect(context.Background()))
	assert.Equal(t, domain.StateFailed, f.m.Snapshot().Session.State)
	assert.Equal(t, 0, f.remote.count("delete"))
	assert.Equal(t, 0, f.peers.opens)
}

func TestConnect_CreateFailsAfterDestroyResetsStreaming(t *testing.T) {
	f := newFixture()
	f.connected(t)
	require.NoError(t, f.m.Destroy(context.Background()))
	require.Equal(t, domain.StreamingDestroyed, f.m.Snapshot().Streaming)

	f.remote.createErr = &domain.RemoteError{Op: "create session", StatusCode: 503}
	require.Error(t, f.m.Connect(context.Background()))

	snap := f.m.Snapshot()
	assert.Equal(t, domain.StateFailed, snap.Session.State)
	assert.Equal(t, domain.StreamingNone, snap.Streaming)
}

func TestConnect_NegotiationFails(t *testing.T) {
	f := newFixture()
	f.peers.openErr = &domain.SignalingError{Op: "set remote description", Err: errors.New("bad sdp")}

	err := f.m.Connect(context.Background())
	var se *domain.SignalingError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.StateFailed, f.m.Snapshot().Session.State)
	assert.Equal(t, 1, f.remote.count("delete"))
	assert.Equal(t, 0, f.remote.count("answer"))
}

func TestConnect_FromFailed(t *testing.T) {
	f := newFixture()
	f.remote.answerErr = errors.New("boom")
	require.Error(t, f.m.Connect(context.Background()))

	f.remote.answerErr = nil
	f.connected(t)
	assert.Equal(t, 2, f.remote.count("create"))
}

func TestDestroy_DuringConnect(t *testing.T) {
	f := newFixture()
	f.remote.answerGate = make(chan struct{})
	f.remote.answerSeen = make(chan struct{})

	connectErr := make(chan error, 1)
	go func() { connectErr <- f.m.Connect(context.Background()) }()
	<-f.remote.answerSeen

	destroyErr := make(chan error, 1)
	go func() { destroyErr <- f.m.Destroy(context.Background()) }()

	// Destroy must wait for the in-flight answer.
	select {
	case <-destroyErr:
		t.Fatal("destroy returned before connect settled")
	case <-time.After(20 * time.Millisecond):
	}
	close(f.remote.answerGate)

	require.NoError(t, <-connectErr)
	require.NoError(t, <-destroyErr)

	snap := f.m.Snapshot()
	assert.Equal(t, domain.StateIdle, snap.Session.State)
	assert.Equal(t, domain.StreamingDestroyed, snap.Streaming)
	assert.False(t, f.peers.isOpen())
	assert.Equal(t, 1, f.remote.count("delete"))
}

func TestDestroy_Twice(t *testing.T) {
	f := newFixture()
	f.connected(t)

	require.NoError(t, f.m.Destroy(context.Background()))
	require.NoError(t, f.m.Destroy(context.Background()))

	assert.Equal(t, domain.StateIdle, f.m.Snapshot().Session.State)
	assert.Equal(t, 1, f.remote.count("delete"))
	assert.Equal(t, 1, f.peers.closes)
}

func TestDestroy_DeleteUsesCallerDeadline(t *testing.T) {
	f := newFixture()
	f.connected(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.m.Destroy(ctx))

	f.remote.mu.Lock()
	got := f.remote.deleteDeadline
	f.remote.mu.Unlock()
	want, _ := ctx.Deadline()
	require.False(t, got.IsZero())
	assert.False(t, got.After(want))
}

func TestDestroy_DeleteBoundedWithoutDeadline(t *testing.T) {
	f := newFixture()
	f.connected(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.m.Destroy(ctx))

	f.remote.mu.Lock()
	deleteErr, got := f.remote.deleteErr, f.remote.deleteDeadline
	f.remote.mu.Unlock()
	// a cancelled caller still gets the delete sent
	assert.NoError(t, deleteErr)
	require.False(t, got.IsZero())
	assert.WithinDuration(t, time.Now().Add(deleteTimeout), got, time.Second)
}

func TestDestroy_IdleNoNetwork(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.m.Destroy(context.Background()))
	assert.Equal(t, 0, f.remote.total())
}

func TestDestroy_FromFailed(t *testing.T) {
	f := newFixture()
	f.remote.answerErr = errors.New("boom")
	require.Error(t, f.m.Connect(context.Background()))
	deletes := f.remote.count("delete")

	require.NoError(t, f.m.Destroy(context.Background()))
	assert.Equal(t, domain.StateIdle, f.m.Snapshot().Session.State)
	assert.Equal(t, deletes, f.remote.count("delete"))
}

func TestSpeak_IdleNoNetwork(t *testing.T) {
	f := newFixture()

	err := f.m.Speak(context.Background(), "hello")
	var pe *domain.PrerequisiteError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, domain.ErrNoSession)
	assert.Equal(t, 0, f.remote.total())
}

func TestSpeak_EmptyText(t *testing.T) {
	f := newFixture()
	f.connected(t)

	err := f.m.Speak(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrEmptyText)
	assert.Equal(t, 0, f.remote.count("speech"))
}

func TestSpeak_StreamingThenError(t *testing.T) {
	f := newFixture()
	f.connected(t)

	require.NoError(t, f.m.Speak(context.Background(), "hello"))
	snap := f.m.Snapshot()
	assert.Equal(t, domain.StreamingActive, snap.Streaming)
	assert.Equal(t, domain.StateConnected, snap.Session.State)

	req := f.remote.speech[0]
	assert.Equal(t, "hello", req.Text)
	assert.Equal(t, "bank://fun/", req.DriverURL)
	assert.Equal(t, "microsoft", req.Voice.Provider)
	assert.Equal(t, true, req.Config["stitch"])

	f.remote.speechErr = &domain.RemoteError{Op: "start speech", StatusCode: 500}
	err := f.m.Speak(context.Background(), "again")
	var re *domain.RemoteError
	require.ErrorAs(t, err, &re)

	snap = f.m.Snapshot()
	assert.Equal(t, domain.StreamingError, snap.Streaming)
	assert.Equal(t, domain.StateConnected, snap.Session.State)
}

func TestSpeak_WhileSpeaking(t *testing.T) {
	f := newFixture()
	f.connected(t)

	// Put the machine into Speaking directly to avoid racing a blocking fake.
	f.m.mu.Lock()
	f.m.session.State = domain.StateSpeaking
	f.m.mu.Unlock()

	err := f.m.Speak(context.Background(), "hello")
	assert.ErrorIs(t, err, domain.ErrSpeechInProgress)
	assert.Equal(t, 0, f.remote.count("speech"))
}

func TestAsk(t *testing.T) {
	f := newFixture()

	err := f.m.Ask(context.Background(), "tell a joke")
	assert.ErrorIs(t, err, domain.ErrNoSession)
	assert.Empty(t, f.chat.got)

	f.connected(t)
	require.NoError(t, f.m.Ask(context.Background(), "tell a joke"))
	assert.Equal(t, []string{"tell a joke"}, f.chat.got)
	require.Len(t, f.remote.speech, 1)
	assert.Equal(t, "hi there", f.remote.speech[0].Text)
}

func TestAsk_GeneratorFails(t *testing.T) {
	f := newFixture()
	f.connected(t)
	f.chat.err = errors.New("quota")

	require.Error(t, f.m.Ask(context.Background(), "x"))
	assert.Equal(t, 0, f.remote.count("speech"))
	assert.Equal(t, domain.StateConnected, f.m.Snapshot().Session.State)
}

func TestConnectionLost(t *testing.T) {
	cases := []struct {
		state webrtc.PeerConnectionState
		want  domain.SessionState
	}{
		{webrtc.PeerConnectionStateFailed, domain.StateFailed},
		{webrtc.PeerConnectionStateClosed, domain.StateIdle},
	}
	for _, tc := range cases {
		t.Run(tc.state.String(), func(t *testing.T) {
			f := newFixture()
			f.connected(t)

			f.peers.current().OnConnectionState(tc.state)

			require.Eventually(t, func() bool {
				return f.m.Snapshot().Session.State == tc.want
			}, time.Second, 5*time.Millisecond)
			snap := f.m.Snapshot()
			assert.Empty(t, snap.Session.StreamID)
			assert.Equal(t, 1, f.remote.count("delete"))
			assert.False(t, f.peers.isOpen())
		})
	}
}

func TestConnectionLost_StaleGeneration(t *testing.T) {
	f := newFixture()
	f.connected(t)
	old := f.peers.current()
	require.NoError(t, f.m.Destroy(context.Background()))
	f.connected(t)

	f.m.connectionLost(1, webrtc.PeerConnectionStateFailed)
	old.OnSnapshot(core.ConnectionSnapshot{PeerConnection: "failed"})

	snap := f.m.Snapshot()
	assert.Equal(t, domain.StateConnected, snap.Session.State)
	assert.NotEqual(t, "failed", snap.Connection.PeerConnection)
	assert.Equal(t, 1, f.remote.count("delete"))
}

func TestHandlers_CandidatesAndTracks(t *testing.T) {
	f := newFixture()
	f.connected(t)
	h := f.peers.current()

	h.OnCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1"})
	h.OnTrack(nil)
	assert.Equal(t, 1, f.remote.count("ice"))
	assert.Equal(t, 1, f.sink.tracks)

	h.OnSnapshot(core.ConnectionSnapshot{PeerConnection: "connected"})
	assert.Equal(t, "connected", f.m.Snapshot().Connection.PeerConnection)

	require.NoError(t, f.m.Destroy(context.Background()))
	h.OnCandidate(webrtc.ICECandidateInit{Candidate: "candidate:2"})
	assert.Equal(t, 1, f.remote.count("ice"))
}
