package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/voicebridge/internal/audit"
	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/gateway"
	"github.com/ent0n29/voicebridge/internal/httpapi"
	"github.com/ent0n29/voicebridge/internal/logging"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/realtime"
	"github.com/ent0n29/voicebridge/internal/session"
	"github.com/ent0n29/voicebridge/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config error: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	if cfg.OpenAIAPIKey == "" {
		logger.Warn("OPENAI_API_KEY is not set; upstream calls will be rejected")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	events, err := audit.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("audit store init failed")
	}

	agents, err := supervisor.LoadAgents(cfg.AgentProfilesPath)
	if err != nil {
		logger.WithError(err).Fatal("agent profiles init failed")
	}
	if _, err := agents.Lookup(cfg.DefaultAgent); err != nil {
		logger.WithError(err).Fatal("DEFAULT_AGENT is not a known agent")
	}

	client := supervisor.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
	completer, err := supervisor.NewOpenAICompleter(client, cfg.SupervisorModel)
	if err != nil {
		logger.WithError(err).Fatal("supervisor completer init failed")
	}
	transcriber, err := supervisor.NewOpenAITranscriber(client, cfg.WhisperModel)
	if err != nil {
		logger.WithError(err).Fatal("transcriber init failed")
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout, cfg.DefaultAgent)

	orchestrator := supervisor.NewOrchestrator(supervisor.Options{
		Sessions:      sessions,
		Completer:     completer,
		Transcriber:   transcriber,
		Agents:        agents,
		MaxToolRounds: cfg.SupervisorMaxToolRounds,
		TurnTimeout:   cfg.SupervisorTimeout,
		Language:      cfg.TranscriptionLanguage,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err := orchestrator.CheckProfiles(); err != nil {
		logger.WithError(err).Fatal("agent profiles reference unknown tools")
	}

	relay := gateway.New(gateway.Options{
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Audit:        events,
		Metrics:      metrics,
		Logger:       logger,
		TextMode:     cfg.TextMode,
		Upstream: realtime.Options{
			URL:                cfg.RealtimeURL,
			APIKey:             cfg.OpenAIAPIKey,
			Model:              cfg.RealtimeModel,
			Voice:              cfg.RealtimeVoice,
			TranscriptionModel: cfg.RealtimeTranscriptionModel,
			HandshakeTimeout:   cfg.UpstreamHandshakeTimeout,
			ConnectAttempts:    cfg.UpstreamConnectAttempts,
		},
	})

	bootstrap := realtime.NewBootstrapper(client, cfg.RealtimeModel, cfg.RealtimeVoice)
	api := httpapi.New(cfg, sessions, relay, metrics, events, bootstrap, logger)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	sessions.StartJanitor(runCtx, cfg.SessionSweepInterval)

	go func() {
		logger.WithFields(logrus.Fields{
			"addr":      cfg.BindAddr,
			"text_mode": cfg.TextMode,
			"agent":     cfg.DefaultAgent,
		}).Info("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	var result *multierror.Error
	if err := relay.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, err)
		_ = httpServer.Close()
	}
	if err := events.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		logger.WithError(err).Warn("graceful shutdown incomplete")
	}
	logger.Info("shutdown complete")
}
