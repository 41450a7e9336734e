package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tomatos-dev/nekobot/internal/config"
	"github.com/tomatos-dev/nekobot/internal/engine"
	"github.com/tomatos-dev/nekobot/internal/memory"
	"github.com/tomatos-dev/nekobot/internal/observability"
	"github.com/tomatos-dev/nekobot/internal/prompt"
	"github.com/tomatos-dev/nekobot/internal/providers"
	"github.com/tomatos-dev/nekobot/internal/ratelimit"
	"github.com/tomatos-dev/nekobot/internal/router"
	"github.com/tomatos-dev/nekobot/internal/sessions"
	"github.com/tomatos-dev/nekobot/internal/tools"
	"github.com/tomatos-dev/nekobot/internal/tools/quota"
)

// runtime bundles the wired subsystems behind the CLI commands.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	store    *sessions.Store
	engine   *engine.Engine
	router   *router.Router
	closers  []func() error
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("cleanup failed", "error", err)
		}
	}
}

// buildRuntime loads config and wires every subsystem. A missing config
// file falls back to defaults so the REPL works out of the box.
func buildRuntime(configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		defaults := config.Default()
		cfg = &defaults
	}

	logger := observability.NewLogger(cfg.Logging, os.Stderr)
	promRegistry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promRegistry)

	catalog, err := buildCatalog(cfg, logger)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.NewLimiter()
	for _, m := range cfg.Models {
		limiter.Register(m.Name, m.RPM)
	}

	var limits []quota.Limit
	for _, q := range cfg.Quota.Limits {
		limits = append(limits, quota.Limit{Provider: q.Provider, Counter: q.Counter, Max: q.Limit})
	}
	ledger, err := quota.NewLedger(cfg.Quota.Path, limits, logger)
	if err != nil {
		return nil, err
	}

	toolRegistry := tools.NewRegistry(ledger, metrics, logger)
	if err := toolRegistry.Register(tools.TimeTool()); err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, logger: logger, registry: promRegistry}

	if cfg.Memory.Enabled {
		diary, err := memory.OpenDiary(cfg.Memory.Path, logger)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, diary.Close)
		if err := memory.RegisterTools(toolRegistry, diary); err != nil {
			return nil, err
		}
	}

	transports, err := buildTransports(cfg, logger)
	if err != nil {
		return nil, err
	}

	store := sessions.NewStore(cfg.History.MaxMessages, metrics)
	assembler := prompt.NewAssembler(cfg.Templates, cfg.Bot.Name, cfg.Bot.Aliases, logger)

	eng, err := engine.New(engine.Options{
		Store:         store,
		Catalog:       catalog,
		Registry:      toolRegistry,
		Assembler:     assembler,
		Limiter:       limiter,
		Transports:    transports,
		Metrics:       metrics,
		Logger:        logger,
		MaxIterations: cfg.Engine.MaxToolIterations,
		WindowTurns:   cfg.Engine.WindowTurns,
		CallTimeout:   time.Duration(cfg.Engine.CallTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	rtr := router.New(cfg.Router.Prefixes, logger)
	if err := router.RegisterBuiltins(rtr, eng, catalog, store); err != nil {
		return nil, err
	}

	rt.store = store
	rt.engine = eng
	rt.router = rtr
	return rt, nil
}

func buildCatalog(cfg *config.Config, logger *slog.Logger) (*providers.Catalog, error) {
	profiles := make([]providers.Profile, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		caps := make([]providers.Capability, 0, len(m.Capabilities))
		for _, c := range m.Capabilities {
			caps = append(caps, providers.Capability(c))
		}
		profiles = append(profiles, providers.Profile{
			Name:            m.Name,
			Provider:        m.Provider,
			Model:           m.Model,
			BaseURL:         m.BaseURL,
			APIKey:          m.ResolveAPIKey(),
			Capabilities:    caps,
			MaxTokens:       m.MaxTokens,
			Temperature:     m.Temperature,
			RPM:             m.RPM,
			SupportsTools:   m.SupportsTools,
			ThinkingPattern: m.ThinkingPattern,
		})
	}

	defaults := make(map[providers.Capability]string, len(cfg.Defaults))
	for capability, name := range cfg.Defaults {
		defaults[providers.Capability(capability)] = name
	}
	return providers.NewCatalog(profiles, defaults, logger)
}

// buildTransports creates one transport per model profile so each profile
// can point at its own endpoint with its own key.
func buildTransports(cfg *config.Config, logger *slog.Logger) ([]providers.Transport, error) {
	var out []providers.Transport
	for _, m := range cfg.Models {
		key := m.ResolveAPIKey()
		switch m.Provider {
		case "openai":
			out = append(out, providers.NewOpenAITransport(providers.OpenAIOptions{
				APIKey:  key,
				BaseURL: m.BaseURL,
				Name:    m.Name,
				Logger:  logger,
			}))
		case "anthropic":
			if key == "" {
				logger.Warn("skipping profile without api key", "profile", m.Name)
				continue
			}
			t, err := providers.NewAnthropicTransport(providers.AnthropicOptions{
				APIKey:  key,
				BaseURL: m.BaseURL,
				Name:    m.Name,
				Logger:  logger,
			})
			if err != nil {
				return nil, fmt.Errorf("profile %s: %w", m.Name, err)
			}
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		// No configured models; keep the engine constructible so the
		// REPL can still serve commands like /help.
		out = append(out, providers.NewOpenAITransport(providers.OpenAIOptions{Logger: logger}))
	}
	return out, nil
}
