package openai

import "time"

// Config holds OpenAI-compatible provider settings. BaseURL may point at
// any server speaking the chat completions API (hosted or local).
type Config struct {
	BaseURL string        `mapstructure:"url"`
	Model   string        `mapstructure:"model"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns defaults targeting a local OpenAI-compatible runtime.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:11434/v1",
		Model:   "qwen2.5:32b",
		Timeout: 5 * time.Minute,
	}
}
