package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/improdead/esprit/config"
	"github.com/improdead/esprit/credential"
	"github.com/improdead/esprit/dispatch"
	"github.com/improdead/esprit/logger"
	"github.com/improdead/esprit/observability"
	"github.com/improdead/esprit/pricing"
	"github.com/improdead/esprit/provider"
	"github.com/improdead/esprit/redisclient"
	"github.com/improdead/esprit/router"
	"github.com/improdead/esprit/telemetry"
	"github.com/improdead/esprit/tracer"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("esprit dispatch core starting")

	// Redis is an optional shared cache: multiple esprit processes can
	// share one remote-pricing fetch instead of each hitting RemoteURL.
	var pricingCache pricing.RemoteCache
	if cfg.RedisURL != "" {
		rc, err := redisclient.New(cfg)
		if err != nil {
			log.Warn().Err(err).Msg("redis init failed, pricing refresh will hit the remote source directly")
		} else if err := rc.Ping(); err != nil {
			log.Warn().Err(err).Msg("redis ping failed, pricing refresh will hit the remote source directly")
		} else {
			log.Info().Msg("redis connected")
			pricingCache = rc
		}
	}

	catalog := pricing.NewCatalog()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		catalog.Refresh(ctx, log, pricingCache)
	}()
	usage := pricing.NewUsageStore(cfg.EspritHome)
	log.Info().Float64("lifetime_cost", usage.GetLifetimeCost()).Msg("usage store loaded")

	store := credential.NewStore(cfg.EspritHome)
	accounts := credential.NewAccountPool(cfg.EspritHome)

	pool := provider.NewConnectionPool()
	registry := provider.NewRegistry()
	registerProviders(registry, pool, cfg, log)

	refresher := provider.NewRefresher(registry, store, accounts, 90*time.Second, log)
	refresherCtx, refresherCancel := context.WithCancel(context.Background())
	refresher.Start(refresherCtx)

	tr := tracer.New(runID(), runName())
	metrics := observability.NewMetrics(log)

	dispatcher := dispatch.New(registry, pool, catalog, store, accounts, tr, cfg.MaxRetries, metrics, log)
	_ = dispatcher // held ready for the embedding agent runtime (out of scope here)

	settings := config.NewSettingsStore(cfg.EspritHome)
	defaultModel := settings.DefaultModel()
	if defaultModel == "" {
		defaultModel = cfg.DefaultModel
	}

	hub := telemetry.NewHub(tr, catalog, cfg.FanOutInterval, cfg.HeartbeatInterval, defaultModel, metrics, log)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	r := router.NewRouter(cfg, log, hub, tr, metrics)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.DefaultTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("control surface listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	refresherCancel()
	refresher.Stop()
	hubCancel()
	pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("esprit dispatch core stopped gracefully")
	}
}

// registerProviders wires every provider family whose configuration is
// present in the environment. A family with no env vars set is simply
// absent from the registry, the dispatch core treats an unregistered family as "no
// adapter for this model" and surfaces a clear dispatch error.
func registerProviders(registry *provider.Registry, pool *provider.ConnectionPool, cfg *config.Config, log zerolog.Logger) {
	if clientID := os.Getenv("ANTHROPIC_OAUTH_CLIENT_ID"); clientID != "" || os.Getenv("ANTHROPIC_API_KEY") != "" {
		client := pool.GetClient(provider.FamilyAnthropic, cfg.ProviderTimeout("anthropic"))
		adapter := provider.NewAnthropicAdapter(client, os.Getenv("ANTHROPIC_BASE_URL"), os.Getenv("ANTHROPIC_TOKEN_URL"), clientID)
		registry.Register(adapter)
		log.Info().Msg("registered anthropic adapter")
	}

	if clientID := os.Getenv("OPENAI_OAUTH_CLIENT_ID"); clientID != "" || os.Getenv("OPENAI_API_KEY") != "" {
		client := pool.GetClient(provider.FamilyOpenAI, cfg.ProviderTimeout("openai"))
		adapter := provider.NewOpenAIAdapter(client, os.Getenv("OPENAI_BASE_URL"), os.Getenv("OPENAI_TOKEN_URL"), clientID)
		registry.Register(adapter)
		log.Info().Msg("registered openai adapter")
	}

	if clientID := os.Getenv("GITHUB_COPILOT_OAUTH_CLIENT_ID"); clientID != "" {
		client := pool.GetClient(provider.FamilyCopilot, cfg.ProviderTimeout("github-copilot"))
		adapter := provider.NewGitHubCopilotAdapter(client, os.Getenv("GITHUB_COPILOT_BASE_URL"), os.Getenv("GITHUB_COPILOT_TOKEN_URL"), clientID)
		registry.Register(adapter)
		log.Info().Msg("registered github-copilot adapter")
	}

	if clientID := os.Getenv("CLOUDCODE_OAUTH_CLIENT_ID"); clientID != "" {
		client := pool.GetClient(provider.FamilyGoogle, cfg.ProviderTimeout("cloudcode"))
		adapter := provider.NewCloudCodeAdapter(client, os.Getenv("CLOUDCODE_HOST"), os.Getenv("CLOUDCODE_TOKEN_URL"), clientID)
		registry.Register(adapter)
		log.Info().Msg("registered google cloud-code adapter")
	}

	log.Info().Int("providers", len(registry.List())).Msg("provider registration complete")
}

func runID() string {
	if v := os.Getenv("ESPRIT_RUN_ID"); v != "" {
		return v
	}
	return time.Now().UTC().Format("20060102T150405Z")
}

func runName() string {
	if v := os.Getenv("ESPRIT_RUN_NAME"); v != "" {
		return v
	}
	return "esprit-run"
}
