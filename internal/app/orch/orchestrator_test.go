package orch

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/AvatarStream/internal/app"
	"github.com/dkeye/AvatarStream/internal/app/sfu"
	"github.com/dkeye/AvatarStream/internal/core"
)

type fakeSignal struct{}

func (fakeSignal) TrySend(core.Frame) error { return nil }
func (fakeSignal) Close()                   {}

type fakeMedia struct {
	mu         sync.Mutex
	closed     bool
	tracks     int
	candidates []webrtc.ICECandidateInit
	applyErr   error
	onClosed   func()
}

func (m *fakeMedia) Start(context.Context) error { return nil }

func (m *fakeMedia) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	fn := m.onClosed
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (m *fakeMedia) AddICECandidate(c webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append(m.candidates, c)
	return nil
}

func (m *fakeMedia) ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if m.applyErr != nil {
		return nil, m.applyErr
	}
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (m *fakeMedia) OnICECandidate(func(webrtc.ICECandidateInit)) {}

func (m *fakeMedia) AddLocalTrack(*webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks++
	return nil, nil
}

func (m *fakeMedia) OnClosed(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClosed = fn
}

func (m *fakeMedia) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type idleTrack struct {
	kind webrtc.RTPCodecType
	stop chan struct{}
}

func (t idleTrack) ID() string                { return "t" }
func (t idleTrack) StreamID() string          { return "s" }
func (t idleTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t idleTrack) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
	}
}

func (t idleTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	<-t.stop
	return nil, nil, io.EOF
}

type harness struct {
	o      *Orchestrator
	medias []*fakeMedia
	next   func() *fakeMedia
}

func newHarness(t *testing.T) *harness {
	h := &harness{next: func() *fakeMedia { return &fakeMedia{} }}
	h.o = &Orchestrator{
		Registry: app.NewRegistry(),
		Relays:   sfu.NewRelayManager(),
		NewMedia: func(core.SessionID) (core.MediaConnection, error) {
			m := h.next()
			h.medias = append(h.medias, m)
			return m, nil
		},
	}
	t.Cleanup(h.o.Relays.Reset)
	return h
}

func (h *harness) publish(t *testing.T, kind webrtc.RTPCodecType) {
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	h.o.Relays.Publish(context.Background(), idleTrack{kind: kind, stop: stop})
}

var offer = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}

func TestOpenViewer_SubscribesToRelays(t *testing.T) {
	h := newHarness(t)
	h.publish(t, webrtc.RTPCodecTypeVideo)
	h.publish(t, webrtc.RTPCodecTypeAudio)
	sig := fakeSignal{}
	h.o.AttachViewer("v1", sig, func() {})

	answer, err := h.o.OpenViewer(context.Background(), "v1", offer, nil)
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.SDP)
	assert.Equal(t, 2, h.medias[0].tracks)
	assert.Equal(t, 1, h.o.Relays.Subscribers("video"))
	assert.Equal(t, 1, h.o.Relays.Subscribers("audio"))

	require.NoError(t, h.o.AddCandidate("v1", webrtc.ICECandidateInit{Candidate: "c"}))
	assert.Len(t, h.medias[0].candidates, 1)

	h.o.DetachViewer("v1", sig)
	assert.True(t, h.medias[0].isClosed())
	assert.Equal(t, 0, h.o.Relays.Subscribers("video"))
	assert.Equal(t, 0, h.o.Registry.Len())
}

func TestOpenViewer_UnknownViewer(t *testing.T) {
	h := newHarness(t)
	_, err := h.o.OpenViewer(context.Background(), "ghost", offer, nil)
	assert.ErrorIs(t, err, ErrUnknownViewer)
	assert.Empty(t, h.medias)
	assert.ErrorIs(t, h.o.AddCandidate("ghost", webrtc.ICECandidateInit{}), ErrNoMedia)
}

func TestOpenViewer_ReofferReplacesMedia(t *testing.T) {
	h := newHarness(t)
	h.publish(t, webrtc.RTPCodecTypeVideo)
	h.o.AttachViewer("v1", fakeSignal{}, func() {})

	_, err := h.o.OpenViewer(context.Background(), "v1", offer, nil)
	require.NoError(t, err)
	_, err = h.o.OpenViewer(context.Background(), "v1", offer, nil)
	require.NoError(t, err)

	require.Len(t, h.medias, 2)
	assert.True(t, h.medias[0].isClosed())
	assert.False(t, h.medias[1].isClosed())
	assert.Equal(t, 1, h.o.Relays.Subscribers("video"))
	mc, ok := h.o.Registry.Media("v1")
	require.True(t, ok)
	assert.Same(t, h.medias[1], mc)
}

func TestOpenViewer_ApplyFails(t *testing.T) {
	h := newHarness(t)
	h.next = func() *fakeMedia { return &fakeMedia{applyErr: errors.New("bad offer")} }
	h.o.AttachViewer("v1", fakeSignal{}, func() {})

	_, err := h.o.OpenViewer(context.Background(), "v1", offer, nil)
	require.Error(t, err)
	assert.True(t, h.medias[0].isClosed())
	_, ok := h.o.Registry.Media("v1")
	assert.False(t, ok)
}

func TestMediaClosedRemovesSubscription(t *testing.T) {
	h := newHarness(t)
	h.publish(t, webrtc.RTPCodecTypeVideo)
	h.o.AttachViewer("v1", fakeSignal{}, func() {})
	_, err := h.o.OpenViewer(context.Background(), "v1", offer, nil)
	require.NoError(t, err)

	h.medias[0].Close()
	assert.Equal(t, 0, h.o.Relays.Subscribers("video"))
	_, ok := h.o.Registry.Media("v1")
	assert.False(t, ok)
	assert.Equal(t, 1, h.o.Registry.Len())
}

func TestAttachViewer_CancelsPrevious(t *testing.T) {
	h := newHarness(t)
	canceled := false
	first := &fakeSignalID{id: 1}
	h.o.AttachViewer("v1", first, func() { canceled = true })
	h.o.AttachViewer("v1", &fakeSignalID{id: 2}, func() {})
	assert.True(t, canceled)

	// The stale connection must not remove the new one.
	h.o.DetachViewer("v1", first)
	assert.Equal(t, 1, h.o.Registry.Len())
}

type fakeSignalID struct{ id int }

func (*fakeSignalID) TrySend(core.Frame) error { return nil }
func (*fakeSignalID) Close()                   {}
