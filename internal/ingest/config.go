package ingest

import "time"

// Config holds the ingest module configuration.
type Config struct {
	MaxBatchSize        int           `mapstructure:"max_batch_size"`
	RetentionPeriod     time.Duration `mapstructure:"retention_period"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
}

// DefaultConfig returns the default ingest configuration.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:        500,
		RetentionPeriod:     90 * 24 * time.Hour,
		MaintenanceInterval: time.Hour,
	}
}
