package sfu

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateDelete
)

// RTPWriter is satisfied by *webrtc.TrackLocalStaticRTP.
type RTPWriter interface {
	WriteRTP(*rtp.Packet) error
}

// OutTrack is the avatar media copy sent to one viewer.
type OutTrack struct {
	Track RTPWriter
	state atomic.Int32
}

func NewOutTrack(track RTPWriter) *OutTrack {
	return &OutTrack{Track: track}
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
