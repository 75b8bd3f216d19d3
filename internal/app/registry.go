// Package app holds the in-memory state of connected browser viewers.
package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/AvatarStream/internal/core"
)

type viewerEntry struct {
	Signal core.SignalConnection
	Media  core.MediaConnection
	Cancel context.CancelFunc
}

// Registry maps client tokens to their signal and media connections.
type Registry struct {
	mu      sync.RWMutex
	viewers map[core.SessionID]*viewerEntry
}

func NewRegistry() *Registry {
	return &Registry{
		viewers: make(map[core.SessionID]*viewerEntry),
	}
}

// BindSignal registers a new signal connection for sid and returns the
// previous entry's cancel func, if any, so the caller can end it.
func (r *Registry) BindSignal(sid core.SessionID, sig core.SignalConnection, cancel context.CancelFunc) context.CancelFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	var prev context.CancelFunc
	if old, ok := r.viewers[sid]; ok {
		prev = old.Cancel
	}
	r.viewers[sid] = &viewerEntry{Signal: sig, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("bound signal")
	return prev
}

// AttachMedia stores mc for sid and returns the connection it replaced.
func (r *Registry) AttachMedia(sid core.SessionID, mc core.MediaConnection) (core.MediaConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.viewers[sid]
	if !ok {
		return nil, false
	}
	old := e.Media
	e.Media = mc
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("attached media")
	return old, true
}

// DetachMedia clears mc if it is still the current media of sid.
func (r *Registry) DetachMedia(sid core.SessionID, mc core.MediaConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.viewers[sid]
	if !ok || e.Media != mc {
		return false
	}
	e.Media = nil
	return true
}

func (r *Registry) Media(sid core.SessionID) (core.MediaConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.viewers[sid]; ok && e.Media != nil {
		return e.Media, true
	}
	return nil, false
}

func (r *Registry) Signal(sid core.SessionID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.viewers[sid]; ok {
		return e.Signal, true
	}
	return nil, false
}

// Unbind removes sid only while sig is still its signal connection and
// returns the media connection that was attached.
func (r *Registry) Unbind(sid core.SessionID, sig core.SignalConnection) (core.MediaConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.viewers[sid]
	if !ok || e.Signal != sig {
		return nil, false
	}
	delete(r.viewers, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind viewer")
	return e.Media, true
}

func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.viewers[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled viewer")
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers)
}
