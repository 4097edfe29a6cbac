package detect

import (
	"time"

	"github.com/epiwatch/epiwatch/pkg/outbreak"
)

// Config holds the detect module configuration.
type Config struct {
	RunInterval time.Duration `mapstructure:"run_interval"`
	MaxWorkers  int           `mapstructure:"max_workers"`
	HistoryDays int           `mapstructure:"history_days"`

	// AnomalyThreshold is the composite score at which a fusion result is
	// handed to the triage pipeline.
	AnomalyThreshold float64 `mapstructure:"anomaly_threshold"`

	ZScoreMinHistory   int     `mapstructure:"zscore_min_history"`
	CUSUMMinHistory    int     `mapstructure:"cusum_min_history"`
	CUSUMDrift         float64 `mapstructure:"cusum_drift"`
	EWMAAlpha          float64 `mapstructure:"ewma_alpha"`
	EWMAMinHistory     int     `mapstructure:"ewma_min_history"`
	ForecastMinHistory int     `mapstructure:"forecast_min_history"`

	Weights map[string]float64 `mapstructure:"weights"`
}

// DefaultConfig returns the default detect configuration, including the
// nominal fusion weights.
func DefaultConfig() Config {
	return Config{
		RunInterval:        10 * time.Minute,
		MaxWorkers:         8,
		HistoryDays:        30,
		AnomalyThreshold:   0.4,
		ZScoreMinHistory:   7,
		CUSUMMinHistory:    5,
		CUSUMDrift:         0.5,
		EWMAAlpha:          0.3,
		EWMAMinHistory:     3,
		ForecastMinHistory: 5,
		Weights:            NominalWeights(),
	}
}

// NominalWeights returns the default per-detector fusion weights.
// They sum to 1.0; runtime redistribution keeps that invariant when
// detectors drop out.
func NominalWeights() map[string]float64 {
	return map[string]float64{
		string(outbreak.DetectorZScore):          0.15,
		string(outbreak.DetectorCUSUM):           0.15,
		string(outbreak.DetectorEWMA):            0.10,
		string(outbreak.DetectorIsolationForest): 0.20,
		string(outbreak.DetectorLSTMAutoencoder): 0.25,
		string(outbreak.DetectorProphetResidual): 0.15,
	}
}

// weights returns the configured weights keyed by DetectorID, falling back
// to nominal weights for detectors missing from the config.
func (c Config) weights() map[outbreak.DetectorID]float64 {
	nominal := NominalWeights()
	out := make(map[outbreak.DetectorID]float64, len(nominal))
	for name, w := range nominal {
		out[outbreak.DetectorID(name)] = w
	}
	for name, w := range c.Weights {
		if w >= 0 {
			out[outbreak.DetectorID(name)] = w
		}
	}
	return out
}
