package notify

import "time"

// Config holds the notify module configuration.
type Config struct {
	// WebhookTimeout bounds each webhook delivery attempt.
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`

	// MaxAttempts bounds delivery retries per channel.
	MaxAttempts int `mapstructure:"max_attempts"`
}

// DefaultConfig returns the default notify configuration.
func DefaultConfig() Config {
	return Config{
		WebhookTimeout: 10 * time.Second,
		MaxAttempts:    3,
	}
}
