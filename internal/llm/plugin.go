// Package llm wires an OpenAI-compatible provider into the plugin system.
// The triage pipeline uses it to generate advisory alert rationales.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/epiwatch/epiwatch/internal/llm/openai"
	pkgllm "github.com/epiwatch/epiwatch/pkg/llm"
	"github.com/epiwatch/epiwatch/pkg/plugin"
	"github.com/epiwatch/epiwatch/pkg/roles"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
	_ plugin.HTTPProvider  = (*Module)(nil)
	_ roles.LLMProvider    = (*Module)(nil)
)

// Module implements the LLM plugin, wrapping an OpenAI-compatible provider.
type Module struct {
	logger   *zap.Logger
	provider pkgllm.Provider
	cfg      openai.Config
}

// New creates a new LLM plugin instance.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "llm",
		Version:     "0.1.0",
		Description: "LLM provider integration for advisory rationale generation",
		Roles:       []string{roles.RoleLLM},
		Required:    false,
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	m.cfg = openai.DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal llm config: %w", err)
		}
	}

	provider, err := openai.New(m.cfg, m.logger)
	if err != nil {
		return fmt.Errorf("create llm provider: %w", err)
	}
	m.provider = provider

	m.logger.Info("llm plugin initialized",
		zap.String("url", m.cfg.BaseURL),
		zap.String("model", m.cfg.Model),
	)
	return nil
}

func (m *Module) Start(ctx context.Context) error {
	hr, ok := m.provider.(pkgllm.HealthReporter)
	if !ok {
		return nil
	}

	if err := hr.Heartbeat(ctx); err != nil {
		m.logger.Warn("llm provider not reachable; rationale generation will be unavailable until it comes online",
			zap.String("url", m.cfg.BaseURL),
			zap.Error(err),
		)
		return nil
	}

	models, err := hr.ListModels(ctx)
	if err != nil {
		m.logger.Warn("failed to list models", zap.Error(err))
		return nil
	}

	m.logger.Info("llm provider connected",
		zap.String("url", m.cfg.BaseURL),
		zap.Strings("models", models),
	)
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	m.logger.Info("llm plugin stopped")
	return nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(ctx context.Context) plugin.HealthStatus {
	hr, ok := m.provider.(pkgllm.HealthReporter)
	if !ok {
		return plugin.HealthStatus{Status: "healthy", Message: "no health reporter"}
	}

	if err := hr.Heartbeat(ctx); err != nil {
		return plugin.HealthStatus{
			Status:  "unhealthy",
			Message: err.Error(),
		}
	}
	return plugin.HealthStatus{Status: "healthy"}
}

// Provider implements roles.LLMProvider.
func (m *Module) Provider() pkgllm.Provider {
	return m.provider
}

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/config", Handler: m.handleGetConfig},
		{Method: "POST", Path: "/test", Handler: m.handleTestConnection},
	}
}

// handleGetConfig returns the active LLM configuration with the key redacted.
//
//	@Summary		LLM configuration
//	@Description	Returns the active LLM provider configuration.
//	@Tags			llm
//	@Produce		json
//	@Success		200	{object}	map[string]string
//	@Router			/llm/config [get]
func (m *Module) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	apiKey := ""
	if m.cfg.APIKey != "" {
		apiKey = "********"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"url":     m.cfg.BaseURL,
		"model":   m.cfg.Model,
		"api_key": apiKey,
		"timeout": m.cfg.Timeout.String(),
	})
}

// handleTestConnection runs a heartbeat against the provider.
//
//	@Summary		Test LLM connection
//	@Description	Checks that the configured LLM provider is reachable.
//	@Tags			llm
//	@Produce		json
//	@Success		200	{object}	map[string]any
//	@Router			/llm/test [post]
func (m *Module) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	hr, ok := m.provider.(pkgllm.HealthReporter)
	if !ok {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
		return
	}

	if err := hr.Heartbeat(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": err.Error()})
		return
	}

	models, _ := hr.ListModels(r.Context())
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "models": models})
}
