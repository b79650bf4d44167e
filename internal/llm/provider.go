package llm

import (
	"fmt"
	"time"
)

// Config selects and configures a provider.
type Config struct {
	Provider          string
	BaseURL           string
	Model             string
	APIKey            string
	Timeout           time.Duration
	RequestsPerMinute float64
	Burst             int
}

// New builds the configured provider behind the process-wide limiter.
func New(cfg Config) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("model API key is empty")
	}

	var c Client
	switch cfg.Provider {
	case "", "anthropic":
		c = NewAnthropic(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Timeout)
	case "openai":
		c = NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
	return NewLimited(c, cfg.RequestsPerMinute, cfg.Burst), nil
}
