package generation

import (
	"context"

	"github.com/rendis/agentchain/pkg/schema"
)

// Defaults applied when a caller leaves an option unset.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 4096
)

// Options tunes a single generation call. Nil fields take the defaults.
type Options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// EffectiveTemperature returns the temperature the call will use.
func (o Options) EffectiveTemperature() float64 {
	if o.Temperature != nil {
		return *o.Temperature
	}
	return DefaultTemperature
}

// EffectiveMaxTokens returns the token budget the call will use.
func (o Options) EffectiveMaxTokens() int {
	if o.MaxTokens != nil {
		return *o.MaxTokens
	}
	return DefaultMaxTokens
}

// Adapter performs text generation against one provider.
// Implementations must be safe for concurrent use.
type Adapter interface {
	Provider() string
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
	// GenerateStructured asks for a JSON document and returns it decoded into
	// the output variant owned by stage. Output that does not match the
	// stage's schema is an ADAPTER_ERROR.
	GenerateStructured(ctx context.Context, prompt string, stage schema.Stage, opts Options) (schema.StageOutput, error)
}
