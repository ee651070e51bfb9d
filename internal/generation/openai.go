package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/rendis/agentchain/internal/validation"
	"github.com/rendis/agentchain/pkg/schema"
)

// OpenAIAdapter talks to any OpenAI-compatible chat completions endpoint.
// The anthropic, openai and glm providers all go through it with different
// base URLs and models.
type OpenAIAdapter struct {
	name      string
	cfg       ProviderConfig
	validator validation.Validator
	client    openai.Client
}

// NewOpenAIAdapter builds an adapter for the named provider. A missing API
// key is reported when a call is made, not here.
func NewOpenAIAdapter(name string, cfg ProviderConfig, v validation.Validator) *OpenAIAdapter {
	cfg = cfg.withDefaults(name)
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIAdapter{
		name:      name,
		cfg:       cfg,
		validator: v,
		client:    openai.NewClient(opts...),
	}
}

// Provider returns the provider name.
func (a *OpenAIAdapter) Provider() string { return a.name }

// Model returns the configured model name.
func (a *OpenAIAdapter) Model() string { return a.cfg.Model }

// Generate sends prompt as a single user message and returns the reply text.
func (a *OpenAIAdapter) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	return a.complete(ctx, prompt, opts, false)
}

// GenerateStructured requests a JSON object shaped by the stage's schema,
// validates it and decodes it into the stage's output type.
func (a *OpenAIAdapter) GenerateStructured(ctx context.Context, prompt string, stage schema.Stage, opts Options) (schema.StageOutput, error) {
	src := validation.OutputSchema(stage)
	if src == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown stage %q", stage)
	}
	full := prompt + "\n\nRespond with a single JSON object and nothing else. It must conform to this JSON Schema:\n" + src

	text, err := a.complete(ctx, full, opts, true)
	if err != nil {
		var sErr *schema.Error
		if errors.As(err, &sErr) {
			sErr.WithStage(stage)
		}
		return nil, err
	}

	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAdapter, "%s: %s", a.name, err.Error()).
			WithStage(stage).
			WithCause(err)
	}
	if a.validator != nil {
		if err := a.validator.ValidateOutput(stage, raw); err != nil {
			return nil, err
		}
	}
	return schema.DecodeStageOutput(stage, raw)
}

func (a *OpenAIAdapter) complete(ctx context.Context, prompt string, opts Options, jsonMode bool) (string, error) {
	if a.cfg.APIKey == "" {
		return "", schema.NewErrorf(schema.ErrCodeAdapter, "%s API key not configured", a.name)
	}

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(a.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Opt(opts.EffectiveTemperature()),
		MaxTokens:   openai.Opt(int64(opts.EffectiveMaxTokens())),
	}
	if jsonMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", a.classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", schema.NewErrorf(schema.ErrCodeAdapter, "%s returned no choices", a.name)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", schema.NewErrorf(schema.ErrCodeAdapter, "%s returned an empty message", a.name)
	}
	return content, nil
}

// classify maps transport failures onto TIMEOUT_ERROR or ADAPTER_ERROR.
func (a *OpenAIAdapter) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewErrorf(schema.ErrCodeTimeout, "%s request timed out", a.name).WithCause(err)
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return schema.NewErrorf(schema.ErrCodeAdapter, "%s API error (status %d): %s",
			a.name, apiErr.StatusCode, apiErr.Message).
			WithCause(err).
			WithDetails(map[string]any{"status_code": apiErr.StatusCode})
	}
	return schema.NewError(schema.ErrCodeAdapter, fmt.Sprintf("%s request failed: %v", a.name, err)).WithCause(err)
}
