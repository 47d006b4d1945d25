package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ent0n29/voicerelay/internal/agents"
	"github.com/ent0n29/voicerelay/internal/config"
	"github.com/ent0n29/voicerelay/internal/crm"
	"github.com/ent0n29/voicerelay/internal/httpapi"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/relay"
	"github.com/ent0n29/voicerelay/internal/store"
	"github.com/ent0n29/voicerelay/internal/tools"
	"github.com/ent0n29/voicerelay/internal/upstream"
	"github.com/ent0n29/voicerelay/internal/usage"
)

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Relay   *relay.Manager
	Store   store.Store
	Metrics *observability.Metrics
	Tools   []string

	// Cleanup should be called after the relay has drained to release the store.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	st, err := store.New(ctx, cfg.StoreDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}
	if cfg.AgentsFile != "" {
		seed, err := agents.LoadSeedFile(cfg.AgentsFile)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		if err := st.Seed(ctx, seed); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("seed store: %w", err)
		}
		logger.Info("agents seeded", "file", cfg.AgentsFile, "agents", len(seed.Agents), "documents", len(seed.Knowledge))
	}

	var pusher tools.ContactPusher
	if client := crm.NewClient(cfg.CRMBaseURL, crm.StaticTokenSource(cfg.CRMToken)); client.Configured() {
		pusher = client
	}
	registry, err := tools.NewRegistry(
		tools.NewQueryKB(st),
		tools.NewPushToCRM(pusher),
		tools.NewGenerateImage(cfg.ImagePlaceholderURL),
	)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	dispatcher := tools.NewDispatcher(registry, tools.DispatcherConfig{
		Timeout: cfg.ToolTimeout,
		Logger:  logger.With("component", "tools"),
		Metrics: metrics,
	})

	gemini := upstream.NewGemini(upstream.Config{
		URL:              cfg.GeminiWSURL,
		APIKey:           cfg.GeminiAPIKey,
		Model:            cfg.GeminiModel,
		DefaultVoice:     cfg.GeminiDefaultVoice,
		ResponseModality: cfg.GeminiResponseModality,
		Transcription:    cfg.GeminiTranscription,
	}, dispatcher)

	recorder := usage.NewRecorder(st, usage.RecorderConfig{
		Provider:    cfg.UsageProvider,
		ServiceType: cfg.UsageServiceType,
		Logger:      logger.With("component", "usage"),
		OnError:     metrics.ObserveUsageWriteError,
	})

	overflow, err := relay.ParseOverflowPolicy(cfg.PendingOverflow)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	manager, err := relay.NewManager(relay.Options{
		Mode:             relay.Mode(cfg.RelayMode),
		Agents:           st,
		Upstream:         gemini,
		Tools:            dispatcher,
		Usage:            recorder,
		Metrics:          metrics,
		Logger:           logger.With("component", "relay"),
		LookupTimeout:    cfg.LookupTimeout,
		SetupGrace:       cfg.SetupGrace,
		WriteTimeout:     cfg.WriteTimeout,
		MaxPendingFrames: cfg.MaxPendingFrames,
		MaxPendingBytes:  cfg.MaxPendingBytes,
		Overflow:         overflow,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	api := httpapi.New(cfg, manager, metrics)

	return &BuildResult{
		Config:  cfg,
		API:     api,
		Relay:   manager,
		Store:   st,
		Metrics: metrics,
		Tools:   registry.Names(),
		Cleanup: st.Close,
	}, nil
}
