// Package roles defines typed contracts for plugin roles.
// Plugins that fill a role (declared via PluginInfo.Roles) should implement
// the corresponding interface so callers can use type-safe access via
// PluginResolver.ResolveByRole followed by a type assertion.
package roles

import (
	"context"
	"time"

	"github.com/epiwatch/epiwatch/pkg/llm"
	"github.com/epiwatch/epiwatch/pkg/outbreak"
)

// Role name constants match the strings used in PluginInfo.Roles.
const (
	RoleIngest       = "ingest"
	RoleDetection    = "detection"
	RoleTriage       = "triage"
	RoleAlerting     = "alerting"
	RoleNotification = "notification"
	RoleLLM          = "llm"
)

// IngestProvider is implemented by plugins that own the MetricCell store.
type IngestProvider interface {
	// PendingCells returns cells ingested after the given watermark,
	// ordered by ingestion time.
	PendingCells(ctx context.Context, since time.Time) ([]outbreak.MetricCell, error)

	// History returns up to days prior cells for a location, oldest first,
	// strictly before the given day.
	History(ctx context.Context, locationID string, before time.Time, days int) ([]outbreak.MetricCell, error)
}

// TriageProvider is implemented by plugins that run the validation pipeline.
// Resolve via PluginResolver.ResolveByRole(RoleTriage) then type-assert.
type TriageProvider interface {
	// ProcessAnomaly runs a fusion result through the validation pipeline
	// and returns the Case's terminal disposition.
	ProcessAnomaly(ctx context.Context, fusion *outbreak.FusionResult, cell *outbreak.MetricCell, baseline outbreak.BaselineStats) (*TriageResult, error)

	// Reevaluate re-runs deferred cases that were parked awaiting more data.
	Reevaluate(ctx context.Context, runID string) (*DeferredSummary, error)
}

// TriageResult is the validation pipeline's disposition for one Case.
type TriageResult struct {
	Outcome outbreak.Outcome `json:"outcome"`
	Case    *outbreak.Case   `json:"case,omitempty"`
	Alert   *outbreak.Alert  `json:"alert,omitempty"` // Set when Outcome is escalate
}

// DeferredSummary reports the dispositions of re-evaluated deferred cases.
type DeferredSummary struct {
	Reevaluated int `json:"reevaluated"`
	Escalated   int `json:"escalated"`
	Suppressed  int `json:"suppressed"`
	Deferred    int `json:"deferred"`
}

// AlertManager is implemented by plugins that own alert identity, status
// transitions, and deduplication.
type AlertManager interface {
	// Materialize converts an escalated Case into an Alert, deduplicating
	// against existing non-resolved alerts for overlapping windows.
	// The boolean reports whether a new alert was created (false = merged).
	Materialize(ctx context.Context, c *outbreak.Case) (*outbreak.Alert, bool, error)

	// Transition applies a status change, enforcing the alert state machine.
	Transition(ctx context.Context, alertID string, status outbreak.AlertStatus) (*outbreak.Alert, error)

	// MarkNotified sets the notified flag. Idempotent.
	MarkNotified(ctx context.Context, alertID string) error
}

// LLMProvider is implemented by plugins that provide LLM capabilities.
// Resolve via PluginResolver.ResolveByRole(RoleLLM) then type-assert.
type LLMProvider interface {
	// Provider returns the underlying LLM provider interface.
	Provider() llm.Provider
}
