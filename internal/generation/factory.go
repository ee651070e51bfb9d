package generation

import (
	"sort"
	"strings"
	"sync"

	"github.com/rendis/agentchain/internal/validation"
	"github.com/rendis/agentchain/pkg/schema"
)

// Constructor builds an adapter for a named provider.
type Constructor func(name string, cfg ProviderConfig) (Adapter, error)

// Factory resolves provider names to adapters. Adapters are built lazily and
// reused. It is safe for concurrent use.
type Factory struct {
	defaultName string
	breaker     BreakerConfig

	mu       sync.Mutex
	configs  map[string]ProviderConfig
	ctors    map[string]Constructor
	adapters map[string]Adapter
}

// NewFactory registers an OpenAI-compatible adapter for every configured
// provider. Output documents are checked with v.
func NewFactory(cfg Config, v validation.Validator) *Factory {
	f := &Factory{
		defaultName: strings.ToLower(cfg.Default),
		breaker:     cfg.Breaker,
		configs:     make(map[string]ProviderConfig),
		ctors:       make(map[string]Constructor),
		adapters:    make(map[string]Adapter),
	}
	if f.defaultName == "" {
		f.defaultName = ProviderAnthropic
	}
	openAICompatible := func(name string, pc ProviderConfig) (Adapter, error) {
		return NewOpenAIAdapter(name, pc, v), nil
	}
	for name, pc := range cfg.Providers {
		f.Register(name, pc, openAICompatible)
	}
	return f
}

// Register adds or replaces a provider.
func (f *Factory) Register(name string, cfg ProviderConfig, ctor Constructor) {
	name = strings.ToLower(name)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[name] = cfg.withDefaults(name)
	f.ctors[name] = ctor
	delete(f.adapters, name)
}

// Create returns the adapter for provider. An empty name selects the default.
// Adapters are wrapped in a circuit breaker when one is configured.
func (f *Factory) Create(provider string) (Adapter, error) {
	name := f.Resolve(provider)

	f.mu.Lock()
	defer f.mu.Unlock()

	if a, ok := f.adapters[name]; ok {
		return a, nil
	}
	ctor, ok := f.ctors[name]
	if !ok {
		return nil, f.unknownLocked(name)
	}
	a, err := ctor(name, f.configs[name])
	if err != nil {
		return nil, err
	}
	a = WithBreaker(a, f.breaker, nil)
	f.adapters[name] = a
	return a, nil
}

// Has reports whether provider resolves to a registered adapter.
func (f *Factory) Has(provider string) bool {
	name := f.Resolve(provider)
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.ctors[name]
	return ok
}

// Check returns UNKNOWN_PROVIDER when provider does not resolve.
func (f *Factory) Check(provider string) error {
	if f.Has(provider) {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unknownLocked(f.Resolve(provider))
}

// Providers returns the registered provider names, sorted.
func (f *Factory) Providers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.namesLocked()
}

// Default returns the provider used when none is requested.
func (f *Factory) Default() string {
	return f.defaultName
}

// Resolve normalizes a provider name, mapping "" to the default.
func (f *Factory) Resolve(provider string) string {
	name := strings.ToLower(strings.TrimSpace(provider))
	if name == "" {
		return f.defaultName
	}
	return name
}

func (f *Factory) namesLocked() []string {
	names := make([]string, 0, len(f.ctors))
	for n := range f.ctors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (f *Factory) unknownLocked(name string) error {
	names := f.namesLocked()
	return schema.NewErrorf(schema.ErrCodeUnknownProvider,
		"unknown provider: %s. Available providers: %s", name, strings.Join(names, ", ")).
		WithDetails(map[string]any{"available": names})
}
