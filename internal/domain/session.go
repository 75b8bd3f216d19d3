// Package domain contains entity without logic, just meta-data
package domain

// SessionState is the lifecycle position of the avatar session.
type SessionState string

const (
	StateIdle       SessionState = "idle"
	StateConnecting SessionState = "connecting"
	StateConnected  SessionState = "connected"
	StateSpeaking   SessionState = "speaking"
	StateDestroying SessionState = "destroying"
	StateFailed     SessionState = "failed"
)

// Active reports whether the state carries a live provider session.
func (s SessionState) Active() bool {
	switch s {
	case StateConnecting, StateConnected, StateSpeaking, StateDestroying:
		return true
	}
	return false
}

// StreamingStatus is the outcome of the last speech request.
type StreamingStatus string

const (
	StreamingNone      StreamingStatus = ""
	StreamingActive    StreamingStatus = "streaming"
	StreamingError     StreamingStatus = "error"
	StreamingDestroyed StreamingStatus = "destroyed"
)

// Session identifies the provider-side avatar stream.
// SessionID and StreamID are empty unless State is Active.
type Session struct {
	SessionID string       `json:"session_id,omitempty"`
	StreamID  string       `json:"stream_id,omitempty"`
	State     SessionState `json:"state"`
}
