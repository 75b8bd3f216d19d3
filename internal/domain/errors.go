package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSessionActive    = errors.New("session already active")
	ErrNoSession        = errors.New("no active session")
	ErrSpeechInProgress = errors.New("speech already in progress")
	ErrPeerOpen         = errors.New("peer connection already open")
	ErrEmptyText        = errors.New("empty text")
)

// RemoteError is a failed or malformed exchange with the avatar provider.
type RemoteError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *RemoteError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op + ": remote error"
}

func (e *RemoteError) Unwrap() error { return e.Err }

// SignalingError is a peer-connection negotiation failure.
type SignalingError struct {
	Op  string
	Err error
}

func (e *SignalingError) Error() string { return fmt.Sprintf("signaling %s: %v", e.Op, e.Err) }

func (e *SignalingError) Unwrap() error { return e.Err }

// PrerequisiteError is an operation invoked in a state that does not allow it.
type PrerequisiteError struct {
	Op     string
	Reason error
}

func (e *PrerequisiteError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Reason) }

func (e *PrerequisiteError) Unwrap() error { return e.Reason }
