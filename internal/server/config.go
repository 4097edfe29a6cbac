package server

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds the server configuration.
type Config struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	DataDir string `mapstructure:"data_dir"`
	DevMode bool   `mapstructure:"dev_mode"`
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadConfig reads configuration from file and environment variables.
func LoadConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.data_dir", "./data")
	v.SetDefault("server.dev_mode", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/epiwatch.db")

	// Plugin defaults
	v.SetDefault("plugins.ingest.enabled", true)
	v.SetDefault("plugins.ingest.max_batch_size", 500)
	v.SetDefault("plugins.ingest.retention_period", "2160h")
	v.SetDefault("plugins.ingest.maintenance_interval", "1h")

	v.SetDefault("plugins.detect.enabled", true)
	v.SetDefault("plugins.detect.run_interval", "10m")
	v.SetDefault("plugins.detect.max_workers", 8)
	v.SetDefault("plugins.detect.history_days", 30)
	v.SetDefault("plugins.detect.anomaly_threshold", 0.4)
	v.SetDefault("plugins.detect.zscore_min_history", 7)
	v.SetDefault("plugins.detect.cusum_min_history", 5)
	v.SetDefault("plugins.detect.cusum_drift", 0.5)
	v.SetDefault("plugins.detect.ewma_alpha", 0.3)
	v.SetDefault("plugins.detect.ewma_min_history", 3)
	v.SetDefault("plugins.detect.forecast_min_history", 5)
	v.SetDefault("plugins.detect.weights.z_score", 0.15)
	v.SetDefault("plugins.detect.weights.cusum", 0.15)
	v.SetDefault("plugins.detect.weights.ewma", 0.10)
	v.SetDefault("plugins.detect.weights.isolation_forest", 0.20)
	v.SetDefault("plugins.detect.weights.lstm_autoencoder", 0.25)
	v.SetDefault("plugins.detect.weights.prophet_residual", 0.15)

	v.SetDefault("plugins.triage.enabled", true)
	v.SetDefault("plugins.triage.min_valid_detectors", 2)
	v.SetDefault("plugins.triage.min_confidence", 0.6)
	v.SetDefault("plugins.triage.allow_env_suppress", false)
	v.SetDefault("plugins.triage.env_contradiction_below", 2.0)
	v.SetDefault("plugins.triage.single_source_override", 0.92)
	v.SetDefault("plugins.triage.max_defer_cycles", 3)
	v.SetDefault("plugins.triage.escalation_threshold", 0.4)
	v.SetDefault("plugins.triage.min_total_events", 5)
	v.SetDefault("plugins.triage.rationale_timeout", "10s")

	v.SetDefault("plugins.alert.enabled", true)
	v.SetDefault("plugins.alert.dedup_window", "48h")
	v.SetDefault("plugins.alert.retention_period", "2160h")
	v.SetDefault("plugins.alert.maintenance_interval", "1h")

	v.SetDefault("plugins.notify.enabled", true)
	v.SetDefault("plugins.notify.webhook_timeout", "10s")
	v.SetDefault("plugins.notify.max_attempts", 3)

	v.SetDefault("plugins.llm.enabled", true)
	v.SetDefault("plugins.llm.url", "http://localhost:11434/v1")
	v.SetDefault("plugins.llm.model", "qwen2.5:32b")
	v.SetDefault("plugins.llm.timeout", "5m")

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.token_ttl", "12h")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("epiwatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/epiwatch")
	}

	// Environment variable support: EW_SERVER_PORT=9090
	v.SetEnvPrefix("EW")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine -- use defaults
	}

	return v, nil
}
