package generation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/rendis/agentchain/internal/validation"
	"github.com/rendis/agentchain/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the per-provider circuit breaker. A zero
// FailureThreshold disables it.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// DefaultBreakerConfig opens after five consecutive failures for thirty seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

// BreakerAdapter fails fast while its provider keeps failing. Only
// transport-level failures count; a response that does not match the
// output schema says nothing about provider health.
type BreakerAdapter struct {
	Adapter
	cfg   BreakerConfig
	clock clock.PassiveClock

	mu          sync.Mutex
	state       CircuitState
	failures    int
	lastFailure time.Time
	probing     bool
}

// WithBreaker wraps a in a circuit breaker. It returns a unchanged when the
// breaker is disabled.
func WithBreaker(a Adapter, cfg BreakerConfig, clk clock.PassiveClock) Adapter {
	if cfg.FailureThreshold <= 0 {
		return a
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &BreakerAdapter{Adapter: a, cfg: cfg, clock: clk}
}

func (b *BreakerAdapter) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	if err := b.allow(); err != nil {
		return "", err
	}
	out, err := b.Adapter.Generate(ctx, prompt, opts)
	b.record(err)
	return out, err
}

func (b *BreakerAdapter) GenerateStructured(ctx context.Context, prompt string, stage schema.Stage, opts Options) (schema.StageOutput, error) {
	if err := b.allow(); err != nil {
		var sErr *schema.Error
		if errors.As(err, &sErr) {
			sErr.WithStage(stage)
		}
		return nil, err
	}
	out, err := b.Adapter.GenerateStructured(ctx, prompt, stage, opts)
	b.record(err)
	return out, err
}

// State returns the current circuit state.
func (b *BreakerAdapter) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.clock.Since(b.lastFailure) >= b.cfg.Cooldown {
		return CircuitHalfOpen
	}
	return b.state
}

func (b *BreakerAdapter) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if b.clock.Since(b.lastFailure) < b.cfg.Cooldown {
			return b.openError()
		}
		b.state = CircuitHalfOpen
		b.probing = true
		return nil
	case CircuitHalfOpen:
		if b.probing {
			return b.openError()
		}
		b.probing = true
	}
	return nil
}

func (b *BreakerAdapter) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false

	if err == nil || !countsAsFailure(err) {
		b.failures = 0
		b.state = CircuitClosed
		return
	}
	b.failures++
	b.lastFailure = b.clock.Now()
	if b.state == CircuitHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.state = CircuitOpen
	}
}

func (b *BreakerAdapter) openError() error {
	remaining := b.cfg.Cooldown - b.clock.Since(b.lastFailure)
	if remaining < 0 {
		remaining = 0
	}
	return schema.NewErrorf(schema.ErrCodeAdapter,
		"%s is unavailable after %d consecutive failures", b.Provider(), b.failures).
		WithDetails(map[string]any{
			"provider":             b.Provider(),
			"circuit":              CircuitOpen.String(),
			"consecutive_failures": b.failures,
			"cooldown_remaining":   remaining.String(),
		})
}

// countsAsFailure excludes caller-side cancellation and malformed output.
// The provider answered in those cases, so they say nothing about its health.
func countsAsFailure(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrNoJSON),
		errors.Is(err, ErrMalformedJSON),
		errors.Is(err, validation.ErrInvalidJSON):
		return false
	}
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false
	}
	var sErr *schema.Error
	if errors.As(err, &sErr) {
		if _, ok := sErr.Details["violations"]; ok {
			return false
		}
	}
	return true
}
