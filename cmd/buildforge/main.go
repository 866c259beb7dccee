// Command buildforge wires the three core subsystems (Stage Registry,
// Model Router, Pipeline Orchestrator), the Event Stream Fabric, and the
// Metrics & Audit Collector into one process and serves the HTTP + WebSocket
// surface described in spec §6, grounded on the teacher's
// core/cmd/example/main.go construction order (config -> logger -> agent ->
// Start/graceful Stop).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/apex-build/buildforge/internal/api"
	"github.com/apex-build/buildforge/internal/auditmetrics"
	"github.com/apex-build/buildforge/internal/corelib"
	"github.com/apex-build/buildforge/internal/eventstream"
	"github.com/apex-build/buildforge/internal/orchestrator"
	"github.com/apex-build/buildforge/internal/registry"
	"github.com/apex-build/buildforge/internal/router"
	"github.com/apex-build/buildforge/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "buildforge:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := corelib.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := corelib.NewLogger(cfg.Logging, "buildforge")

	reg := registry.New(log)
	if err := reg.LoadBuiltins(); err != nil {
		return fmt.Errorf("loading built-in stage definitions: %w", err)
	}
	if err := reg.LoadCustomStages(cfg.StageDefinitionsPath); err != nil {
		log.Warn("custom stage definitions rejected, continuing with built-ins only", map[string]interface{}{"error": err.Error()})
	}
	stopWatch := make(chan struct{})
	if cfg.StageDefinitionsPath != "" {
		if err := reg.WatchCustomStages(cfg.StageDefinitionsPath, stopWatch); err != nil {
			log.Warn("failed to start custom stage watcher", map[string]interface{}{"error": err.Error()})
		}
	}
	defer close(stopWatch)

	rtr := router.New(log)
	registerProviders(rtr, cfg, log)

	var storeProvider storage.Provider
	if cfg.RedisAddr != "" {
		storeProvider = storage.NewRedisProvider(cfg.RedisAddr)
		log.Info("storage backed by redis", map[string]interface{}{"addr": cfg.RedisAddr})
	} else {
		storeProvider = storage.NewMemoryProvider(100_000)
		log.Info("storage backed by in-memory provider (no REDIS_ADDR set)", nil)
	}
	store := storage.New(storeProvider, log)

	tp, mp, err := auditmetrics.NewTelemetry("buildforge")
	if err != nil {
		return fmt.Errorf("building telemetry providers: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
		_ = mp.Shutdown(shutdownCtx)
	}()

	collector := auditmetrics.New(log, auditmetrics.AlertThresholds{
		FailureRateWindow:     cfg.FailureRateWindow,
		FailureRateThreshold:  cfg.FailureRateThreshold,
		DailyCostThresholdUSD: cfg.DailyCostThresholdUSD,
	}, tp, mp)
	rtr.OnCall(collector.ObserveProviderCall)

	fabric := eventstream.New(cfg.EventReplayBufferSize, cfg.EventReplayOnSubscribe, log)
	sink := eventstream.NewFanOut(fabric, collector)

	orch := orchestrator.New(reg, rtr, store, sink, cfg, log)
	orchestrator.RegisterBuiltinHandlers(orch)

	wsHandler := eventstream.NewHandler(fabric, eventstream.AllowAllTokens, func(buildID string) bool {
		_, err := store.GetBuild(context.Background(), buildID)
		return err == nil
	}, log)

	server := api.New(orch, store, wsHandler, cfg.MaxConcurrentBuilds, log)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket and streamed responses outlive a fixed write deadline
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("buildforge listening", map[string]interface{}{"addr": cfg.HTTPAddr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// registerProviders enables one Provider per entry in ENABLED_PROVIDERS that
// has a configured API key (spec §6 "PROVIDER_<NAME>_API_KEY ... absence
// disables that provider"), plus the built-in demo provider per DEMO_MODE
// (spec §4.2 "built-in demo provider ... used as the last-resort fallback
// and for auto-detected 'no real keys' mode").
func registerProviders(rtr *router.Router, cfg *corelib.Config, log corelib.ComponentLogger) {
	rl := router.RateLimiterConfig{MaxRequests: 50, Window: time.Minute}
	cb := router.DefaultCircuitBreakerConfig()

	for _, name := range cfg.EnabledProviders {
		key, ok := cfg.ProviderAPIKeys[name]
		if !ok {
			log.Warn("provider enabled but no API key configured, skipping", map[string]interface{}{"provider": name})
			continue
		}
		switch name {
		case "anthropic":
			rtr.Register(router.NewAnthropicProvider(key, "", log.WithComponent("provider.anthropic")), rl, cb)
		case "openai":
			rtr.Register(router.NewOpenAIProvider(key, "", log.WithComponent("provider.openai")), rl, cb)
		case "gemini":
			rtr.Register(router.NewGeminiProvider(key, "", log.WithComponent("provider.gemini")), rl, cb)
		case "bedrock":
			awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
			if err != nil {
				log.Warn("bedrock enabled but AWS config could not be resolved, skipping", map[string]interface{}{"error": err.Error()})
				continue
			}
			client := bedrockruntime.NewFromConfig(awsCfg)
			rtr.Register(router.NewBedrockProvider(client, router.BedrockModelClaudeSonnet, log.WithComponent("provider.bedrock")), rl, cb)
		default:
			log.Warn("unknown provider name in ENABLED_PROVIDERS, skipping", map[string]interface{}{"provider": name})
		}
	}

	switch cfg.DemoMode {
	case "enabled":
		rtr.Register(router.NewDemoProvider(), router.RateLimiterConfig{MaxRequests: 1000, Window: time.Minute}, router.DefaultCircuitBreakerConfig())
	case "disabled":
	default: // "auto"
		if !cfg.HasRealProviders() {
			log.Info("no real provider keys configured, enabling demo provider (DEMO_MODE=auto)", nil)
			rtr.Register(router.NewDemoProvider(), router.RateLimiterConfig{MaxRequests: 1000, Window: time.Minute}, router.DefaultCircuitBreakerConfig())
		}
	}
}
