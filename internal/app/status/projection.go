// Package status turns a session snapshot into the rows the UI renders.
package status

import (
	"strings"

	"github.com/dkeye/AvatarStream/internal/core"
)

type Class string

const (
	ClassNew     Class = "new"
	ClassPending Class = "pending"
	ClassOK      Class = "ok"
	ClassDown    Class = "down"
	ClassIdle    Class = "idle"
)

// Empty is shown for a subsystem that has not reported yet.
const Empty = "empty"

type Row struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Class Class  `json:"class"`
}

type Report struct {
	State     string `json:"state"`
	StreamID  string `json:"stream_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Rows      []Row  `json:"rows"`
	Live      bool   `json:"live"`
}

// Project is pure; the same snapshot always yields the same report.
func Project(s core.SessionSnapshot) Report {
	c := s.Connection
	return Report{
		State:     string(s.Session.State),
		StreamID:  s.Session.StreamID,
		SessionID: s.Session.SessionID,
		Rows: []Row{
			row("ice_gathering", c.ICEGathering),
			row("ice_connection", c.ICEConnection),
			row("peer_connection", c.PeerConnection),
			row("signaling", c.Signaling),
			row("streaming", string(s.Streaming)),
			row("session", string(s.Session.State)),
		},
		Live: c.Media != nil && c.Media.Live,
	}
}

func row(name, value string) Row {
	if value == "" {
		value = Empty
	}
	return Row{Name: name, Value: value, Class: Classify(value)}
}

func Classify(value string) Class {
	switch value {
	case "new":
		return ClassNew
	case "checking", "gathering", "connecting":
		return ClassPending
	case "connected", "completed", "complete", "stable", "streaming", "speaking":
		return ClassOK
	case "disconnected", "closed", "failed":
		return ClassDown
	}
	if strings.HasPrefix(value, "have-") {
		return ClassPending
	}
	return ClassIdle
}
