package generation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentchain/pkg/schema"
)

type stubAdapter struct{ name string }

func (s *stubAdapter) Provider() string { return s.name }
func (s *stubAdapter) Generate(context.Context, string, Options) (string, error) {
	return "ok", nil
}
func (s *stubAdapter) GenerateStructured(context.Context, string, schema.Stage, Options) (schema.StageOutput, error) {
	return &schema.ArchitectOutput{}, nil
}

func TestFactory_DefaultProviders(t *testing.T) {
	f := NewFactory(DefaultConfig(), nil)

	assert.Equal(t, []string{"anthropic", "glm", "openai"}, f.Providers())
	assert.Equal(t, ProviderAnthropic, f.Default())
	assert.True(t, f.Has(""))
	assert.True(t, f.Has("GLM"))
	assert.False(t, f.Has("mistral"))

	a, err := f.Create("")
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, a.Provider())

	ba, ok := a.(*BreakerAdapter)
	require.True(t, ok, "default config wraps adapters in a breaker")
	oa, ok := ba.Adapter.(*OpenAIAdapter)
	require.True(t, ok)
	assert.Equal(t, "claude-3-5-sonnet-20241022", oa.Model())
	assert.Equal(t, DefaultTimeout, oa.cfg.Timeout)
}

func TestFactory_CreateReusesAdapter(t *testing.T) {
	f := NewFactory(DefaultConfig(), nil)
	a1, err := f.Create("openai")
	require.NoError(t, err)
	a2, err := f.Create("OpenAI")
	require.NoError(t, err)
	assert.Same(t, a1, a2)
}

func TestFactory_UnknownProvider(t *testing.T) {
	f := NewFactory(DefaultConfig(), nil)

	_, err := f.Create("mistral")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnknownProvider))
	assert.Contains(t, err.Error(), "anthropic, glm, openai")

	assert.True(t, schema.IsCode(f.Check("mistral"), schema.ErrCodeUnknownProvider))
	assert.NoError(t, f.Check("glm"))
}

func TestFactory_Register(t *testing.T) {
	f := NewFactory(Config{Default: "stub"}, nil)
	assert.Empty(t, f.Providers())
	assert.False(t, f.Has(""))

	var got ProviderConfig
	f.Register("stub", ProviderConfig{Model: "m1"}, func(name string, cfg ProviderConfig) (Adapter, error) {
		got = cfg
		return &stubAdapter{name: name}, nil
	})

	a, err := f.Create("")
	require.NoError(t, err)
	assert.Equal(t, "stub", a.Provider())
	assert.Equal(t, "m1", got.Model)
	assert.Equal(t, DefaultTimeout, got.Timeout, "unknown providers still get a timeout")
}

func TestFactory_ConstructorError(t *testing.T) {
	f := NewFactory(Config{}, nil)
	boom := errors.New("boom")
	f.Register("broken", ProviderConfig{}, func(string, ProviderConfig) (Adapter, error) { return nil, boom })

	_, err := f.Create("broken")
	assert.ErrorIs(t, err, boom)
}

func TestProviderConfigWithDefaults(t *testing.T) {
	pc := ProviderConfig{APIKey: "k", MaxRetries: -1}.withDefaults(ProviderGLM)
	assert.Equal(t, "glm-4.7", pc.Model)
	assert.Equal(t, "https://open.bigmodel.cn/api/paas/v4/", pc.BaseURL)
	assert.Equal(t, 60*time.Second, pc.Timeout)
	assert.Equal(t, 0, pc.MaxRetries)

	pc = ProviderConfig{Model: "gpt-4o-mini", Timeout: time.Second}.withDefaults(ProviderOpenAI)
	assert.Equal(t, "gpt-4o-mini", pc.Model)
	assert.Equal(t, time.Second, pc.Timeout)
	assert.Empty(t, pc.BaseURL)
}

func TestOptionsEffective(t *testing.T) {
	var o Options
	assert.Equal(t, DefaultTemperature, o.EffectiveTemperature())
	assert.Equal(t, DefaultMaxTokens, o.EffectiveMaxTokens())

	temp, tokens := 0.1, 256
	o = Options{Temperature: &temp, MaxTokens: &tokens}
	assert.Equal(t, 0.1, o.EffectiveTemperature())
	assert.Equal(t, 256, o.EffectiveMaxTokens())
}
