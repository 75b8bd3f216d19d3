package signal

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/AvatarStream/internal/app/status"
	"github.com/dkeye/AvatarStream/internal/core"
)

type statusMessage struct {
	Type string `json:"type"`
	status.Report
}

func newStatusMessage(s core.SessionSnapshot) statusMessage {
	return statusMessage{Type: "status", Report: status.Project(s)}
}

func (ctl *SignalWSController) handlePing(c core.SignalConnection) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: "pong",
	}
	sendJSON(c, resp)
}

func (ctl *SignalWSController) handleStatus(c core.SignalConnection) {
	sendJSON(c, newStatusMessage(ctl.Session.Snapshot()))
}

// statusPump forwards hub snapshots until the hub or ctx ends the stream.
func (ctl *SignalWSController) statusPump(ctx context.Context, c core.SignalConnection, updates <-chan core.SessionSnapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				log.Info().Str("module", "signal").Msg("status stream ended")
				c.Close()
				return
			}
			sendJSON(c, newStatusMessage(snap))
		}
	}
}
