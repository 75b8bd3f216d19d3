package core

import "github.com/dkeye/AvatarStream/internal/domain"

// SessionID identifies a UI client (cookie token), not a provider session.
type SessionID string

// SessionSnapshot is the read-only view of the avatar session published to dependents.
type SessionSnapshot struct {
	Session    domain.Session         `json:"session"`
	Streaming  domain.StreamingStatus `json:"streaming"`
	Connection ConnectionSnapshot     `json:"connection"`
}
