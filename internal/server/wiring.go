package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/Davincible/chat-gateway/internal/config"
	"github.com/Davincible/chat-gateway/internal/conversation"
	"github.com/Davincible/chat-gateway/internal/dispatch"
	"github.com/Davincible/chat-gateway/internal/gateway"
	"github.com/Davincible/chat-gateway/internal/guardrails"
	"github.com/Davincible/chat-gateway/internal/memory"
	"github.com/Davincible/chat-gateway/internal/providers"
	"github.com/Davincible/chat-gateway/internal/tools"
)

// app is the gateway and everything it was built from.
type app struct {
	cfg      *config.Config
	registry *providers.Registry
	gateway  *gateway.Gateway
	store    conversation.Store
}

// build wires the gateway from a validated config.
func build(cfg *config.Config, logger *slog.Logger) (*app, error) {
	registry, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	validator := guardrails.Validator(guardrails.Noop{})
	if len(cfg.Guardrails.BlockedPatterns) > 0 {
		pv, err := guardrails.NewPatternValidator(cfg.Guardrails.BlockedPatterns)
		if err != nil {
			return nil, fmt.Errorf("guardrails: %w", err)
		}
		validator = pv
	}

	toolRegistry := tools.NewRegistry()
	toolRegistry.Register(tools.CurrentTime(time.Now))
	if cfg.Tools.Endpoint != "" {
		toolRegistry.SetFallback(tools.NewHTTPExecutor(cfg.Tools.Endpoint, cfg.Tools.Definitions, nil))
	}

	retry := dispatch.DefaultRetryConfig()
	if cfg.Retry.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.BaseBackoffMS > 0 {
		retry.BaseBackoff = cfg.Retry.BaseBackoff()
	}
	if cfg.Retry.MaxBackoffMS > 0 {
		retry.MaxBackoff = cfg.Retry.MaxBackoff()
	}

	gw := gateway.New(gateway.Deps{
		Invoker:    dispatch.NewDispatcher(logger, dispatch.WithRetry(retry)),
		Store:      store,
		Guardrails: validator,
		Tools:      toolRegistry,
		Memory:     memory.NewPatternExtractor(),
	}, gateway.Config{
		MaxSteps:      cfg.Gateway.MaxSteps,
		MemoryEnabled: cfg.Gateway.MemoryEnabled,
		BufferLimit:   cfg.Gateway.BufferLimit,
		BufferKeep:    cfg.Gateway.BufferKeep,
	}, logger)

	return &app{cfg: cfg, registry: registry, gateway: gw, store: store}, nil
}

// buildRegistry creates one provider per configured entry. An openai entry
// whose API base is a known non-OpenAI host takes that host's format.
func buildRegistry(cfg *config.Config) (*providers.Registry, error) {
	builtin := providers.NewRegistry()
	builtin.Initialize()

	registry := providers.NewRegistry()
	for _, pc := range cfg.Providers {
		kind := providers.Kind(pc.Kind)
		if pc.APIBase != "" {
			if known, err := builtin.GetByDomain(pc.APIBase); err == nil && known.Kind() != kind && kind == providers.KindOpenAI {
				kind = known.Kind()
			}
		}

		p, err := providers.New(kind, pc.Name, pc.APIBase, pc.APIKey)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		registry.Register(p)
	}

	return registry, nil
}

func buildStore(sc config.StoreConfig) (conversation.Store, error) {
	switch sc.Driver {
	case "redis":
		store, err := conversation.NewRedisStore(conversation.RedisConfig{
			Addr:       sc.RedisAddr,
			URL:        sc.RedisURL,
			Password:   sc.RedisPassword,
			DB:         sc.RedisDB,
			KeyPrefix:  sc.KeyPrefix,
			TokenLimit: sc.TokenLimit,
			TTL:        time.Duration(sc.TTLHours) * time.Hour,
		})
		if err != nil {
			return nil, fmt.Errorf("conversation store: %w", err)
		}
		return store, nil
	default:
		return conversation.NewMemoryStore(sc.TokenLimit), nil
	}
}

// Resolve maps a route to a registered provider.
func (a *app) Resolve(route string) (gateway.Target, error) {
	pc, model, err := a.cfg.Route(route)
	if err != nil {
		return gateway.Target{}, err
	}

	p, ok := a.registry.Get(pc.Name)
	if !ok {
		return gateway.Target{}, fmt.Errorf("%w: provider %q not registered", config.ErrNoRoute, pc.Name)
	}

	return gateway.Target{Provider: p, Model: model}, nil
}

func (a *app) Close() error {
	if c, ok := a.store.(interface{ Close() error }); ok {
		return c.Close()
	}

	return nil
}
