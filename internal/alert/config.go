package alert

import "time"

// Config holds the alert module configuration.
type Config struct {
	// DedupWindow is how close (by day) two escalations for the same
	// location must be to merge into one alert.
	DedupWindow time.Duration `mapstructure:"dedup_window"`

	// RetentionPeriod bounds how long resolved alerts are kept.
	RetentionPeriod     time.Duration `mapstructure:"retention_period"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
}

// DefaultConfig returns the default alert configuration.
func DefaultConfig() Config {
	return Config{
		DedupWindow:         48 * time.Hour,
		RetentionPeriod:     90 * 24 * time.Hour,
		MaintenanceInterval: time.Hour,
	}
}
