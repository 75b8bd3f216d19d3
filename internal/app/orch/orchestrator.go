// Package orch wires browser viewers to the avatar media relays.
package orch

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/AvatarStream/internal/app"
	"github.com/dkeye/AvatarStream/internal/app/sfu"
	"github.com/dkeye/AvatarStream/internal/core"
)

var (
	ErrUnknownViewer = errors.New("unknown viewer")
	ErrNoMedia       = errors.New("no media connection")
)

// MediaFactory creates the send-only peer connection of one viewer.
type MediaFactory func(sid core.SessionID) (core.MediaConnection, error)

type Orchestrator struct {
	Registry *app.Registry
	Relays   *sfu.RelayManager
	NewMedia MediaFactory
}

// AttachViewer registers the signal connection of sid, ending any earlier one.
func (o *Orchestrator) AttachViewer(sid core.SessionID, sig core.SignalConnection, cancel context.CancelFunc) {
	if prev := o.Registry.BindSignal(sid, sig, cancel); prev != nil {
		log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("replacing previous viewer connection")
		prev()
	}
}

// DetachViewer drops sid if sig is still its connection, closing its media.
func (o *Orchestrator) DetachViewer(sid core.SessionID, sig core.SignalConnection) {
	mc, ok := o.Registry.Unbind(sid, sig)
	if !ok {
		return
	}
	o.Relays.RemoveSubscriber(sid)
	if mc != nil {
		mc.Close()
	}
}

// OpenViewer answers a viewer offer with one local track per running relay.
func (o *Orchestrator) OpenViewer(
	ctx context.Context,
	sid core.SessionID,
	offer webrtc.SessionDescription,
	onCandidate func(webrtc.ICECandidateInit),
) (*webrtc.SessionDescription, error) {
	if _, ok := o.Registry.Signal(sid); !ok {
		return nil, ErrUnknownViewer
	}
	if old, ok := o.Registry.Media(sid); ok {
		o.Registry.DetachMedia(sid, old)
		o.Relays.RemoveSubscriber(sid)
		old.Close()
	}

	mc, err := o.NewMedia(sid)
	if err != nil {
		return nil, err
	}
	mc.OnICECandidate(onCandidate)
	mc.OnClosed(func() { o.onMediaClosed(sid, mc) })
	if err := mc.Start(ctx); err != nil {
		mc.Close()
		return nil, err
	}

	type pending struct {
		kind  string
		track *webrtc.TrackLocalStaticRTP
	}
	var subs []pending
	for _, src := range o.Relays.Sources() {
		track, err := webrtc.NewTrackLocalStaticRTP(src.Codec.RTPCodecCapability, src.Kind, "avatar")
		if err != nil {
			mc.Close()
			return nil, err
		}
		if _, err := mc.AddLocalTrack(track); err != nil {
			mc.Close()
			return nil, err
		}
		subs = append(subs, pending{kind: src.Kind, track: track})
	}

	answer, err := mc.ApplyOfferAndCreateAnswer(offer)
	if err != nil {
		mc.Close()
		return nil, err
	}
	if _, ok := o.Registry.AttachMedia(sid, mc); !ok {
		mc.Close()
		return nil, ErrUnknownViewer
	}
	for _, s := range subs {
		o.Relays.AddSubscriber(s.kind, sid, s.track)
	}
	log.Info().Str("module", "orch").Str("sid", string(sid)).Int("tracks", len(subs)).Msg("viewer media ready")
	return answer, nil
}

// AddCandidate applies a remote candidate to the viewer's media connection.
func (o *Orchestrator) AddCandidate(sid core.SessionID, c webrtc.ICECandidateInit) error {
	mc, ok := o.Registry.Media(sid)
	if !ok {
		return ErrNoMedia
	}
	return mc.AddICECandidate(c)
}

func (o *Orchestrator) onMediaClosed(sid core.SessionID, mc core.MediaConnection) {
	if o.Registry.DetachMedia(sid, mc) {
		o.Relays.RemoveSubscriber(sid)
		log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("viewer media closed")
	}
}
