// Package signal serves the viewer WebSocket: session status out, viewer
// WebRTC negotiation in both directions.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/AvatarStream/internal/app/orch"
	"github.com/dkeye/AvatarStream/internal/app/watch"
	"github.com/dkeye/AvatarStream/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

// Snapshotter exposes the current session view.
type Snapshotter interface {
	Snapshot() core.SessionSnapshot
}

type SignalWSController struct {
	Orch       *orch.Orchestrator
	Hub        *watch.Hub
	Session    Snapshotter
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewSignalWSController(o *orch.Orchestrator, hub *watch.Hub, s Snapshotter, readLimit int64, pingPeriod time.Duration) *SignalWSController {
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	return &SignalWSController{
		Orch:       o,
		Hub:        hub,
		Session:    s,
		ReadLimit:  readLimit,
		PingPeriod: pingPeriod,
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

var _ core.SignalConnection = (*WsSignalConn)(nil)

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(c.GetString("client_token"))
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.AttachViewer(sid, conn, cancel)

	watchID := string(sid) + "/" + uuid.NewString()
	updates := ctl.Hub.Subscribe(watchID)

	go ctl.writePump(ctx, conn)
	go ctl.statusPump(ctx, conn, updates)
	go func() {
		ctl.readPump(ctx, sid, conn)
		cancel()
		ctl.Hub.Unsubscribe(watchID)
		ctl.Orch.DetachViewer(sid, conn)
	}()
}
