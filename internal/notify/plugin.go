// Package notify delivers escalated alerts to configured channels:
// HMAC-signed webhooks, plus email and SMS stubs. Delivery is driven by
// alert events on the bus; at least one success marks the alert notified.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/epiwatch/epiwatch/internal/alert"
	"github.com/epiwatch/epiwatch/pkg/outbreak"
	"github.com/epiwatch/epiwatch/pkg/plugin"
	"github.com/epiwatch/epiwatch/pkg/roles"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin          = (*Module)(nil)
	_ plugin.HTTPProvider    = (*Module)(nil)
	_ plugin.HealthChecker   = (*Module)(nil)
	_ plugin.EventSubscriber = (*Module)(nil)
)

// Module implements the notify plugin.
type Module struct {
	logger     *zap.Logger
	cfg        Config
	store      *ChannelStore
	dispatcher *Dispatcher
	resolver   plugin.PluginResolver
}

// New creates a new notify plugin instance.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "notify",
		Version:      "0.1.0",
		Description:  "Alert notification delivery over webhooks, email, and SMS",
		Dependencies: []string{"alert"},
		Roles:        []string{roles.RoleNotification},
		APIVersion:   plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal notify config: %w", err)
		}
	}

	if deps.Store == nil {
		return fmt.Errorf("notify requires a store")
	}
	if err := deps.Store.Migrate(context.Background(), "notify", migrations()); err != nil {
		return fmt.Errorf("notify migrations: %w", err)
	}
	m.store = NewChannelStore(deps.Store.DB())
	m.resolver = deps.Plugins
	m.dispatcher = NewDispatcher(m.cfg, m.store, nil, m.logger)

	m.logger.Info("notify module initialized",
		zap.Int("max_attempts", m.cfg.MaxAttempts))
	return nil
}

func (m *Module) Start(_ context.Context) error {
	if alerts, ok := resolveRole[roles.AlertManager](m.resolver, roles.RoleAlerting); ok {
		m.dispatcher.alerts = alerts
	} else {
		m.logger.Warn("no alert manager; delivered alerts will not be marked notified")
	}
	m.logger.Info("notify module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	m.logger.Info("notify module stopped")
	return nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(ctx context.Context) plugin.HealthStatus {
	if m.store == nil {
		return plugin.HealthStatus{Status: "unhealthy", Message: "store not initialized"}
	}
	return plugin.HealthStatus{Status: "healthy"}
}

// Subscriptions implements plugin.EventSubscriber. New alerts and severity
// raises both trigger delivery; plain status changes do not.
func (m *Module) Subscriptions() []plugin.Subscription {
	return []plugin.Subscription{
		{Topic: alert.TopicTriggered, Handler: m.onAlert("escalated")},
		{Topic: alert.TopicSeverityRaised, Handler: m.onAlert("severity_raised")},
	}
}

func (m *Module) onAlert(reason string) plugin.EventHandler {
	return func(ctx context.Context, event plugin.Event) {
		a, ok := event.Payload.(*outbreak.Alert)
		if !ok {
			m.logger.Warn("unexpected alert event payload",
				zap.String("topic", event.Topic))
			return
		}
		m.dispatcher.Dispatch(ctx, a, reason)
	}
}

// resolveRole finds the first plugin filling a role that implements T.
func resolveRole[T any](resolver plugin.PluginResolver, role string) (T, bool) {
	var zero T
	if resolver == nil {
		return zero, false
	}
	for _, p := range resolver.ResolveByRole(role) {
		if t, ok := p.(T); ok {
			return t, true
		}
	}
	return zero, false
}
