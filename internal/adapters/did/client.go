// Package did talks to the D-ID talks/streams API: it creates avatar sessions,
// completes their WebRTC signaling and drives speech.
package did

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/AvatarStream/internal/core"
	"github.com/dkeye/AvatarStream/internal/domain"
)

const (
	DefaultBaseURL = "https://api.d-id.com"

	maxErrorBody = 2048
)

// Config holds the provider credential and endpoint.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// Client implements core.RemoteSessions.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

var _ core.RemoteSessions = (*Client)(nil)

func NewClient(cfg Config, opts ...Option) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	c := &Client{
		apiKey:  strings.TrimSpace(cfg.APIKey),
		baseURL: base,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) CreateSession(ctx context.Context, sourceURL string) (*core.CreatedSession, error) {
	const op = "create session"
	var resp createSessionResponse
	if err := c.do(ctx, op, http.MethodPost, "/talks/streams", createSessionRequest{SourceURL: sourceURL}, &resp); err != nil {
		return nil, err
	}
	switch {
	case resp.ID == "":
		return nil, &domain.RemoteError{Op: op, Err: errors.New("response without stream id")}
	case resp.SessionID == "":
		return nil, &domain.RemoteError{Op: op, Err: errors.New("response without session id")}
	case resp.Offer.SDP == "":
		return nil, &domain.RemoteError{Op: op, Err: errors.New("response without offer")}
	}
	if resp.Offer.Type == 0 {
		resp.Offer.Type = webrtc.SDPTypeOffer
	}

	servers := make([]webrtc.ICEServer, 0, len(resp.ICEServers))
	for i, s := range resp.ICEServers {
		ws, err := s.toWebRTC()
		if err != nil {
			return nil, &domain.RemoteError{Op: op, Err: errors.Wrapf(err, "ice_servers[%d]", i)}
		}
		servers = append(servers, ws)
	}

	log.Info().Str("module", "did").Str("stream_id", resp.ID).Int("ice_servers", len(servers)).Msg("session created")
	return &core.CreatedSession{
		StreamID:   resp.ID,
		SessionID:  resp.SessionID,
		Offer:      resp.Offer,
		ICEServers: servers,
	}, nil
}

func (c *Client) SubmitAnswer(ctx context.Context, streamID, sessionID string, answer webrtc.SessionDescription) error {
	const op = "submit answer"
	if err := requireIDs(op, streamID, sessionID); err != nil {
		return err
	}
	body := submitAnswerRequest{Answer: answer, SessionID: sessionID}
	return c.do(ctx, op, http.MethodPost, streamPath(streamID, "sdp"), body, nil)
}

func (c *Client) SubmitICECandidate(ctx context.Context, streamID, sessionID string, cand webrtc.ICECandidateInit) error {
	const op = "submit ice candidate"
	if err := requireIDs(op, streamID, sessionID); err != nil {
		return err
	}
	body := submitICERequest{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
		SessionID:     sessionID,
	}
	return c.do(ctx, op, http.MethodPost, streamPath(streamID, "ice"), body, nil)
}

func (c *Client) StartSpeech(ctx context.Context, streamID, sessionID string, req core.SpeechRequest) error {
	const op = "start speech"
	if err := requireIDs(op, streamID, sessionID); err != nil {
		return err
	}
	body := startSpeechRequest{
		Script: speechScript{
			Type:      "text",
			Subtitles: "false",
			Provider:  speechProvider{Type: req.Voice.Provider, VoiceID: req.Voice.VoiceID},
			SSML:      false,
			Input:     req.Text,
		},
		Config:    req.Config,
		DriverURL: req.DriverURL,
		SessionID: sessionID,
	}
	return c.do(ctx, op, http.MethodPost, streamPath(streamID, ""), body, nil)
}

func (c *Client) DeleteSession(ctx context.Context, streamID, sessionID string) error {
	const op = "delete session"
	if err := requireIDs(op, streamID, sessionID); err != nil {
		return err
	}
	return c.do(ctx, op, http.MethodDelete, streamPath(streamID, ""), deleteSessionRequest{SessionID: sessionID}, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return &domain.RemoteError{Op: op, Err: errors.Wrap(err, "encode request")}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &domain.RemoteError{Op: op, Err: errors.Wrap(err, "build request")}
	}
	req.Header.Set("Authorization", "Basic "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.RemoteError{Op: op, Err: errors.Wrap(err, "send request")}
	}
	defer resp.Body.Close()

	log.Debug().Str("module", "did").Str("op", op).Int("status", resp.StatusCode).Msg("provider response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &domain.RemoteError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.RemoteError{Op: op, StatusCode: resp.StatusCode, Err: errors.Wrap(err, "decode response")}
	}
	return nil
}

func streamPath(streamID, suffix string) string {
	p := "/talks/streams/" + url.PathEscape(streamID)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func requireIDs(op, streamID, sessionID string) error {
	if streamID == "" || sessionID == "" {
		return &domain.PrerequisiteError{Op: op, Reason: domain.ErrNoSession}
	}
	return nil
}
