package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/token-monitor/token-monitor/internal/adapter/anthropic"
	"github.com/token-monitor/token-monitor/internal/adapter/browserext"
	"github.com/token-monitor/token-monitor/internal/adapter/claudecode"
	"github.com/token-monitor/token-monitor/internal/adapter/copilot"
	"github.com/token-monitor/token-monitor/internal/adapter/gemini"
	"github.com/token-monitor/token-monitor/internal/adapter/openai"
	"github.com/token-monitor/token-monitor/internal/adapter/openclaw"
	"github.com/token-monitor/token-monitor/internal/adapter/openrouter"
	"github.com/token-monitor/token-monitor/internal/api"
	"github.com/token-monitor/token-monitor/internal/bridge"
	"github.com/token-monitor/token-monitor/internal/config"
	"github.com/token-monitor/token-monitor/internal/engine"
	"github.com/token-monitor/token-monitor/internal/logging"
	"github.com/token-monitor/token-monitor/internal/proxy"
	"github.com/token-monitor/token-monitor/internal/secrets"
	"github.com/token-monitor/token-monitor/internal/storage"
	"github.com/token-monitor/token-monitor/pkg/models"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logger.Info("starting token monitor",
		slog.Int("api_port", cfg.API.Port),
		slog.Int("proxy_port", cfg.Proxy.Port),
		slog.Int("bridge_port", cfg.Bridge.Port))

	db, err := storage.New(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	usageStore := storage.NewUsageStore(db)
	providerStore := storage.NewProviderStore(db)
	budgetStore := storage.NewBudgetStore(db)

	key := cfg.Secrets.Key
	if key == "" {
		key, err = secrets.GenerateKey()
		if err != nil {
			logger.Error("failed to generate secrets key", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Warn("SECRETS_KEY not set, using an ephemeral key; stored provider configs will not survive a restart")
	}
	box, err := secrets.New(key)
	if err != nil {
		logger.Error("invalid secrets key", slog.String("error", err.Error()))
		os.Exit(1)
	}

	eng := engine.New(usageStore, providerStore, budgetStore, engine.WithLogger(logger))

	proxySrv := proxy.New(
		proxy.WithLogger(logger),
		proxy.WithHost(cfg.Proxy.Host),
		proxy.WithPort(cfg.Proxy.Port))

	if err := wireAdapters(ctx, cfg, eng, proxySrv, logger); err != nil {
		logger.Error("failed to wire adapters", slog.String("error", err.Error()))
		os.Exit(1)
	}

	extID, err := ensureProvider(ctx, eng, models.ProviderClaudeConsumer, "Browser Extension")
	if err != nil {
		logger.Error("failed to register bridge provider", slog.String("error", err.Error()))
		os.Exit(1)
	}
	ext := browserext.New(extID, eng, browserext.WithLogger(logger))

	bridgeSrv := bridge.New(cfg.Bridge.PairingToken, ext,
		bridge.WithLogger(logger),
		bridge.WithHost(cfg.Bridge.Host),
		bridge.WithPort(cfg.Bridge.Port),
		bridge.WithRateLimit(cfg.Bridge.MaxMessagesPerSec),
		bridge.WithSweepInterval(cfg.Bridge.SweepInterval),
		bridge.WithHeartbeatTimeout(cfg.Bridge.HeartbeatTimeout))

	apiSrv := api.New(eng, providerStore, usageStore, budgetStore, box,
		api.WithLogger(logger),
		api.WithHost(cfg.API.Host),
		api.WithPort(cfg.API.Port))

	eng.StartAdapters(ctx)

	serve := func(name string, start func() error) {
		go func() {
			if err := start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(name+" server error", slog.String("error", err.Error()))
				os.Exit(1)
			}
		}()
	}
	serve("proxy", proxySrv.Start)
	serve("bridge", bridgeSrv.Start)
	serve("api", apiSrv.Start)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Stop ingestion before the servers so no event lands mid-teardown
	eng.StopAll()

	if err := bridgeSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("bridge shutdown error", slog.String("error", err.Error()))
	}
	if err := proxySrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("proxy shutdown error", slog.String("error", err.Error()))
	}
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown error", slog.String("error", err.Error()))
	}
}

// wireAdapters builds an adapter for every enabled provider, registers it
// with the engine and hooks the proxy capture path up to the API adapters.
func wireAdapters(
	ctx context.Context,
	cfg *config.Config,
	eng *engine.Engine,
	proxySrv *proxy.Server,
	logger *slog.Logger,
) error {
	if cfg.Providers.Anthropic.Enabled {
		id, err := ensureProvider(ctx, eng, models.ProviderAnthropicAPI, "Anthropic API")
		if err != nil {
			return err
		}
		a := anthropic.New(id, cfg.Providers.Anthropic.APIKey, eng, anthropic.WithLogger(logger))
		eng.RegisterAdapter(id, a)
		eng.RegisterTester(models.ProviderAnthropicAPI, a)
		proxySrv.RegisterProcessor("anthropic", a)
	}

	if cfg.Providers.OpenAI.Enabled {
		id, err := ensureProvider(ctx, eng, models.ProviderOpenAIAPI, "OpenAI API")
		if err != nil {
			return err
		}
		a := openai.New(id, cfg.Providers.OpenAI.APIKey, eng, openai.WithLogger(logger))
		eng.RegisterAdapter(id, a)
		eng.RegisterTester(models.ProviderOpenAIAPI, a)
		proxySrv.RegisterProcessor("openai", a)
	}

	if cfg.Providers.Gemini.Enabled {
		id, err := ensureProvider(ctx, eng, models.ProviderGeminiAPI, "Gemini API")
		if err != nil {
			return err
		}
		a := gemini.New(id, cfg.Providers.Gemini.APIKey, eng, gemini.WithLogger(logger))
		eng.RegisterAdapter(id, a)
		eng.RegisterTester(models.ProviderGeminiAPI, a)
		proxySrv.RegisterProcessor("gemini", a)
	}

	if cfg.Providers.OpenRouter.Enabled {
		id, err := ensureProvider(ctx, eng, models.ProviderOpenRouter, "OpenRouter")
		if err != nil {
			return err
		}
		a := openrouter.New(id, cfg.Providers.OpenRouter.APIKey, eng,
			openrouter.WithLogger(logger),
			openrouter.WithPollInterval(cfg.Providers.OpenRouter.PollInterval))
		eng.RegisterAdapter(id, a)
		eng.RegisterTester(models.ProviderOpenRouter, a)
		proxySrv.RegisterProcessor("openrouter", a)
	}

	if cfg.Providers.Copilot.Enabled {
		id, err := ensureProvider(ctx, eng, models.ProviderCopilot, "GitHub Copilot")
		if err != nil {
			return err
		}
		a := copilot.New(id, cfg.Providers.Copilot.OAuthToken, eng,
			copilot.WithLogger(logger),
			copilot.WithPollInterval(cfg.Providers.Copilot.PollInterval))
		eng.RegisterAdapter(id, a)
		eng.RegisterTester(models.ProviderCopilot, a)
	}

	if cfg.Providers.ClaudeCode.Enabled {
		id, err := ensureProvider(ctx, eng, models.ProviderClaudeCode, "Claude Code")
		if err != nil {
			return err
		}
		opts := []claudecode.Option{claudecode.WithLogger(logger)}
		if cfg.Providers.ClaudeCode.Dir != "" {
			opts = append(opts, claudecode.WithDir(cfg.Providers.ClaudeCode.Dir))
		}
		a := claudecode.New(id, eng, opts...)
		eng.RegisterAdapter(id, a)
		eng.RegisterTester(models.ProviderClaudeCode, a)
	}

	// The webhook channel is always on; it only receives what is pushed to it
	id, err := ensureProvider(ctx, eng, models.ProviderOpenClaw, "OpenClaw Skill")
	if err != nil {
		return err
	}
	ocl := openclaw.New(id, eng, openclaw.WithLogger(logger))
	eng.RegisterAdapter(id, ocl)
	eng.RegisterTester(models.ProviderOpenClaw, ocl)
	proxySrv.SetWebhookSink(ocl)

	return nil
}

// ensureProvider finds the registered provider of the given type or creates
// one, so restarts keep attributing usage to the same provider id.
func ensureProvider(
	ctx context.Context,
	eng *engine.Engine,
	t models.ProviderType,
	name string,
) (string, error) {
	existing, err := eng.ListProviders(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range existing {
		if p.Type == t {
			return p.ID, nil
		}
	}

	p := &models.Provider{Type: t, Name: name}
	if err := eng.AddProvider(ctx, p); err != nil {
		return "", err
	}
	return p.ID, nil
}
