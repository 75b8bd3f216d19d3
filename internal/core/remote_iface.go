package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// CreatedSession is the provider's answer to a create-session call.
type CreatedSession struct {
	StreamID   string
	SessionID  string
	Offer      webrtc.SessionDescription
	ICEServers []webrtc.ICEServer
}

// VoiceConfig selects the provider-side text-to-speech voice.
type VoiceConfig struct {
	Provider string `json:"type" mapstructure:"provider"`
	VoiceID  string `json:"voice_id" mapstructure:"voice_id"`
}

// SpeechRequest is one utterance for the avatar to speak.
type SpeechRequest struct {
	Text      string
	Voice     VoiceConfig
	DriverURL string
	Config    map[string]any
}

// RemoteSessions is the avatar provider's session API.
type RemoteSessions interface {
	CreateSession(ctx context.Context, sourceURL string) (*CreatedSession, error)
	SubmitAnswer(ctx context.Context, streamID, sessionID string, answer webrtc.SessionDescription) error
	SubmitICECandidate(ctx context.Context, streamID, sessionID string, c webrtc.ICECandidateInit) error
	StartSpeech(ctx context.Context, streamID, sessionID string, req SpeechRequest) error
	DeleteSession(ctx context.Context, streamID, sessionID string) error
}

// UtteranceGenerator turns user input into the text the avatar speaks.
type UtteranceGenerator interface {
	GenerateUtterance(ctx context.Context, prompt string) (string, error)
}
