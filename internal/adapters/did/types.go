package did

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

type createSessionRequest struct {
	SourceURL string `json:"source_url"`
}

type createSessionResponse struct {
	ID         string                    `json:"id"`
	SessionID  string                    `json:"session_id"`
	Offer      webrtc.SessionDescription `json:"offer"`
	ICEServers []iceServer               `json:"ice_servers"`
}

// iceServer accepts "urls" as either a string or a list.
type iceServer struct {
	URLs       json.RawMessage `json:"urls"`
	Username   string          `json:"username,omitempty"`
	Credential string          `json:"credential,omitempty"`
}

func (s iceServer) toWebRTC() (webrtc.ICEServer, error) {
	out := webrtc.ICEServer{Username: s.Username}
	if s.Credential != "" {
		out.Credential = s.Credential
	}
	if len(s.URLs) == 0 {
		return out, nil
	}
	var one string
	if err := json.Unmarshal(s.URLs, &one); err == nil {
		out.URLs = []string{one}
		return out, nil
	}
	if err := json.Unmarshal(s.URLs, &out.URLs); err != nil {
		return out, err
	}
	return out, nil
}

type submitAnswerRequest struct {
	Answer    webrtc.SessionDescription `json:"answer"`
	SessionID string                    `json:"session_id"`
}

type submitICERequest struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	SessionID     string  `json:"session_id"`
}

type speechProvider struct {
	Type    string `json:"type"`
	VoiceID string `json:"voice_id,omitempty"`
}

type speechScript struct {
	Type      string         `json:"type"`
	Subtitles string         `json:"subtitles"`
	Provider  speechProvider `json:"provider"`
	SSML      bool           `json:"ssml"`
	Input     string         `json:"input"`
}

type startSpeechRequest struct {
	Script    speechScript   `json:"script"`
	Config    map[string]any `json:"config,omitempty"`
	DriverURL string         `json:"driver_url,omitempty"`
	SessionID string         `json:"session_id"`
}

type deleteSessionRequest struct {
	SessionID string `json:"session_id"`
}
