package core

import (
	"context"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RemoteTrack is the inbound side of a media track. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// MediaStream describes the single remote video stream shown to viewers.
type MediaStream struct {
	StreamID string `json:"stream_id"`
	TrackID  string `json:"track_id"`
	Kind     string `json:"kind"`
	Live     bool   `json:"live"`
}

// ConnectionSnapshot holds the raw pion substates, verbatim.
type ConnectionSnapshot struct {
	ICEGathering   string       `json:"ice_gathering"`
	ICEConnection  string       `json:"ice_connection"`
	PeerConnection string       `json:"peer_connection"`
	Signaling      string       `json:"signaling"`
	Media          *MediaStream `json:"media,omitempty"`
}

// PeerHandlers receives events of one peer connection generation.
// Events of a closed generation are never delivered.
type PeerHandlers struct {
	OnCandidate       func(webrtc.ICECandidateInit)
	OnSnapshot        func(ConnectionSnapshot)
	OnConnectionState func(webrtc.PeerConnectionState)
	OnTrack           func(RemoteTrack)
}

// PeerManager owns the one peer connection towards the avatar provider.
type PeerManager interface {
	// Open negotiates a new connection and returns the local answer once it is set.
	Open(ctx context.Context, offer webrtc.SessionDescription, iceServers []webrtc.ICEServer, h PeerHandlers) (webrtc.SessionDescription, error)
	// Close is idempotent.
	Close()
	Snapshot() ConnectionSnapshot
}

// MediaSink receives inbound avatar tracks for redistribution.
type MediaSink interface {
	Publish(ctx context.Context, track RemoteTrack)
	Reset()
}

// MediaConnection is a viewer-side peer connection.
type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources.
	Close()
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// AddLocalTrack attaches a local static RTP track to the underlying PeerConnection.
	AddLocalTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error)
	// OnClosed sets a callback for cleanup media session.
	OnClosed(func())
}
