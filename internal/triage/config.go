package triage

import "time"

// Config holds the triage module configuration.
type Config struct {
	// EscalationThreshold is the composite score below which cases are
	// screened out immediately.
	EscalationThreshold float64 `mapstructure:"escalation_threshold"`

	// MinValidDetectors is the detector coverage floor for the data
	// integrity stage; cases fused from fewer valid detectors are
	// structurally too thin and are suppressed.
	MinValidDetectors int `mapstructure:"min_valid_detectors"`

	// MinTotalEvents is the sample-volume floor for the data integrity
	// stage. Below it the case is deferred, not suppressed: the period is
	// too early to judge.
	MinTotalEvents int `mapstructure:"min_total_events"`

	// MinConfidence is the final confidence floor applied at escalation.
	// SingleSourceOverride bypasses it (and the cross-source corroboration
	// requirement) for extreme composite scores.
	MinConfidence        float64 `mapstructure:"min_confidence"`
	SingleSourceOverride float64 `mapstructure:"single_source_override"`

	// AllowEnvSuppress lets the environmental risk stage suppress an
	// environment-driven case whose measured risk falls below
	// EnvContradictionBelow. Off by default: the stage is advisory.
	AllowEnvSuppress      bool    `mapstructure:"allow_env_suppress"`
	EnvContradictionBelow float64 `mapstructure:"env_contradiction_below"`

	// MaxDeferCycles bounds how many runs a case may wait for corroborating
	// data before being suppressed.
	MaxDeferCycles int `mapstructure:"max_defer_cycles"`

	// RationaleTimeout bounds the advisory LLM annotation call.
	RationaleTimeout time.Duration `mapstructure:"rationale_timeout"`
}

// DefaultConfig returns the default triage configuration.
func DefaultConfig() Config {
	return Config{
		EscalationThreshold:   0.4,
		MinValidDetectors:     2,
		MinTotalEvents:        5,
		MinConfidence:         0.6,
		SingleSourceOverride:  0.92,
		AllowEnvSuppress:      false,
		EnvContradictionBelow: 2.0,
		MaxDeferCycles:        3,
		RationaleTimeout:      10 * time.Second,
	}
}

// Validation stage constants not exposed through configuration.
const (
	// corroborationBoostPerSource is added to confidence for each signaling
	// source category beyond the first, capped at corroborationBoostCap.
	corroborationBoostPerSource = 0.1
	corroborationBoostCap       = 0.3

	// envSignalRisk is the environmental risk index at which the
	// environment category counts as an anomaly signal of its own.
	envSignalRisk = 5.0

	// envRiskBoost is added to confidence when the environmental risk
	// assessment comes back high or critical.
	envRiskBoost = 0.15
)
