package sfu

import (
	"context"
	"maps"
	"sync"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/dkeye/AvatarStream/internal/core"
)

// Relay copies packets of one provider track to every viewer out-track.
type Relay struct {
	Src core.RemoteTrack

	mu        sync.RWMutex
	outTracks map[core.SessionID]*OutTrack

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(src core.RemoteTrack, cancel context.CancelFunc) *Relay {
	return &Relay{
		Src:       src,
		outTracks: make(map[core.SessionID]*OutTrack),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("relay source ended")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.outTracks)
	r.mu.RUnlock()

	var dirty []core.SessionID
	for viewer, ot := range snapshot {
		if ot.GetState() == TrackStateDelete {
			dirty = append(dirty, viewer)
			continue
		}
		if err := ot.Track.WriteRTP(pkt); err != nil {
			logger.Warn().
				Err(err).
				Str("viewer", string(viewer)).
				Msg("relay write RTP error, marking outtrack as delete")
			ot.MarkDelete()
			dirty = append(dirty, viewer)
		}
	}

	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, viewer := range dirty {
		if ot, ok := r.outTracks[viewer]; ok && ot.GetState() == TrackStateDelete {
			delete(r.outTracks, viewer)
		}
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

func (r *Relay) AddOutTrack(viewer core.SessionID, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[viewer] = ot
}

func (r *Relay) markDelete(viewer core.SessionID) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ot, ok := r.outTracks[viewer]; ok {
		ot.MarkDelete()
	}
}

func (r *Relay) subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ot := range r.outTracks {
		if ot.GetState() == TrackStateOk {
			n++
		}
	}
	return n
}

func (r *Relay) stop() {
	r.markAllDelete()
	if r.cancel != nil {
		r.cancel()
	}
}
