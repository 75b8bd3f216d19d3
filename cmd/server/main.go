package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/AvatarStream/internal/adapters/chat"
	"github.com/dkeye/AvatarStream/internal/adapters/did"
	router "github.com/dkeye/AvatarStream/internal/adapters/http"
	"github.com/dkeye/AvatarStream/internal/adapters/rtc"
	wssignal "github.com/dkeye/AvatarStream/internal/adapters/signal"
	"github.com/dkeye/AvatarStream/internal/app"
	"github.com/dkeye/AvatarStream/internal/app/orch"
	"github.com/dkeye/AvatarStream/internal/app/session"
	"github.com/dkeye/AvatarStream/internal/app/sfu"
	"github.com/dkeye/AvatarStream/internal/app/watch"
	"github.com/dkeye/AvatarStream/internal/config"
	"github.com/dkeye/AvatarStream/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(parseLevel(cfg.LogLevel, zerolog.InfoLevel))

	api, err := rtc.NewAPI(rtc.NewLoggerFactory(parseLevel(cfg.RTC.PionLevel, zerolog.WarnLevel)))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build webrtc api")
	}

	remote := did.NewClient(did.Config{
		APIKey:  cfg.DID.APIKey,
		BaseURL: cfg.DID.BaseURL,
		Timeout: cfg.DID.Timeout,
	})
	generator := chat.NewGenerator(chat.Config{
		APIKey:       cfg.OpenAI.APIKey,
		BaseURL:      cfg.OpenAI.BaseURL,
		Model:        cfg.OpenAI.Model,
		SystemPrompt: cfg.OpenAI.SystemPrompt,
		MaxTokens:    cfg.OpenAI.MaxTokens,
	}, nil)

	relays := sfu.NewRelayManager()
	hub := watch.NewHub(policyFor(cfg.Watch.Policy), cfg.Watch.Buffer)
	machine := session.NewMachine(remote, rtc.NewManager(api), generator, relays, hub, session.Options{
		SourceURL: cfg.DID.SourceURL,
		DriverURL: cfg.DID.DriverURL,
		Voice:     core.VoiceConfig{Provider: cfg.DID.Voice.Provider, VoiceID: cfg.DID.Voice.VoiceID},
		Streaming: cfg.DID.Streaming,
	})
	hub.Publish(machine.Snapshot())

	viewerCfg := rtc.DefaultWebRTCConfig(cfg.RTC.ICEServers)
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Relays:   relays,
		NewMedia: func(sid core.SessionID) (core.MediaConnection, error) {
			wc, err := rtc.NewWebRTCConnection(api, viewerCfg, sid)
			if err != nil {
				return nil, err
			}
			return wc, nil
		},
	}
	ws := wssignal.NewSignalWSController(o, hub, machine, cfg.ReadLimit, cfg.PingPeriod)

	r := router.SetupRouter(ctx, cfg, machine, ws, router.NewRateLimiter(cfg.Ask.Limit, cfg.Ask.Interval))
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("AvatarStream server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := machine.Destroy(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("session teardown")
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func parseLevel(s string, fallback zerolog.Level) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return fallback
	}
	return lvl
}

func policyFor(name string) watch.Policy {
	switch name {
	case "drop":
		return watch.SimplePolicy{Action: watch.DropFrame}
	case "kick":
		return watch.SimplePolicy{Action: watch.KickSubscriber}
	default:
		return watch.SimplePolicy{Action: watch.ReplaceStale}
	}
}
