package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/AvatarStream/internal/app/status"
	"github.com/dkeye/AvatarStream/internal/core"
	"github.com/dkeye/AvatarStream/internal/domain"
)

// SessionController is the avatar session as seen by the HTTP surface.
type SessionController interface {
	Connect(ctx context.Context) error
	Speak(ctx context.Context, text string) error
	Ask(ctx context.Context, prompt string) error
	Destroy(ctx context.Context) error
	Snapshot() core.SessionSnapshot
}

type sessionHandlers struct {
	ctl     SessionController
	limiter *RateLimiter
}

type speakRequest struct {
	Text string `json:"text" binding:"required"`
}

type askRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

type response struct {
	Error  string        `json:"error,omitempty"`
	Status status.Report `json:"status"`
}

func (h *sessionHandlers) status(c *gin.Context) {
	c.JSON(http.StatusOK, response{Status: status.Project(h.ctl.Snapshot())})
}

func (h *sessionHandlers) connect(c *gin.Context) {
	h.reply(c, "connect", h.ctl.Connect(c.Request.Context()))
}

func (h *sessionHandlers) destroy(c *gin.Context) {
	h.reply(c, "destroy", h.ctl.Destroy(c.Request.Context()))
}

func (h *sessionHandlers) speak(c *gin.Context) {
	var req speakRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, "bad_request")
		return
	}
	h.reply(c, "speak", h.ctl.Speak(c.Request.Context(), req.Text))
}

func (h *sessionHandlers) ask(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, "bad_request")
		return
	}
	if h.limiter != nil && !h.limiter.Allow(c.GetString(clientTokenKey)) {
		h.fail(c, http.StatusTooManyRequests, "rate_limited")
		return
	}
	h.reply(c, "ask", h.ctl.Ask(c.Request.Context(), req.Prompt))
}

func (h *sessionHandlers) reply(c *gin.Context, op string, err error) {
	if err == nil {
		c.JSON(http.StatusOK, response{Status: status.Project(h.ctl.Snapshot())})
		return
	}
	code, kind := classify(err)
	log.Warn().
		Err(err).
		Str("module", "adapters.http").
		Str("sid", c.GetString(clientTokenKey)).
		Str("op", op).
		Int("code", code).
		Msg("session operation failed")
	h.fail(c, code, kind)
}

func (h *sessionHandlers) fail(c *gin.Context, code int, kind string) {
	c.JSON(code, response{Error: kind, Status: status.Project(h.ctl.Snapshot())})
}

// classify maps an error to an HTTP status and a stable error kind.
func classify(err error) (int, string) {
	var (
		pe *domain.PrerequisiteError
		re *domain.RemoteError
		se *domain.SignalingError
	)
	switch {
	case errors.As(err, &pe):
		return http.StatusConflict, "prerequisite"
	case errors.As(err, &re):
		return http.StatusBadGateway, "remote"
	case errors.As(err, &se):
		return http.StatusBadGateway, "signaling"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
