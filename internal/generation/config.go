package generation

import "time"

// Known provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGLM       = "glm"
)

// DefaultTimeout bounds a single provider request.
const DefaultTimeout = 60 * time.Second

// ProviderConfig configures one OpenAI-compatible endpoint.
type ProviderConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// Config selects the default provider and holds per-provider settings.
type Config struct {
	Default   string                    `mapstructure:"default"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Breaker   BreakerConfig             `mapstructure:"breaker"`
}

// DefaultConfig returns the built-in providers without API keys.
func DefaultConfig() Config {
	return Config{
		Default: ProviderAnthropic,
		Breaker: DefaultBreakerConfig(),
		Providers: map[string]ProviderConfig{
			ProviderAnthropic: {
				Model:      "claude-3-5-sonnet-20241022",
				BaseURL:    "https://api.anthropic.com/v1/",
				Timeout:    DefaultTimeout,
				MaxRetries: 2,
			},
			ProviderOpenAI: {
				Model:      "gpt-4o",
				Timeout:    DefaultTimeout,
				MaxRetries: 2,
			},
			ProviderGLM: {
				Model:      "glm-4.7",
				BaseURL:    "https://open.bigmodel.cn/api/paas/v4/",
				Timeout:    DefaultTimeout,
				MaxRetries: 2,
			},
		},
	}
}

// withDefaults fills zero fields of pc from the built-in entry for name.
func (pc ProviderConfig) withDefaults(name string) ProviderConfig {
	def, ok := DefaultConfig().Providers[name]
	if !ok {
		def = ProviderConfig{Timeout: DefaultTimeout}
	}
	if pc.Model == "" {
		pc.Model = def.Model
	}
	if pc.BaseURL == "" {
		pc.BaseURL = def.BaseURL
	}
	if pc.Timeout <= 0 {
		pc.Timeout = def.Timeout
	}
	if pc.MaxRetries < 0 {
		pc.MaxRetries = 0
	}
	return pc
}
