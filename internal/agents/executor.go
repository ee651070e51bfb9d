package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/agentchain/internal/generation"
	"github.com/rendis/agentchain/internal/logging"
	"github.com/rendis/agentchain/pkg/schema"
)

// Input carries everything a stage may draw on. Document fields accept a
// schema.StageOutput, a string, or any JSON-serializable value.
type Input struct {
	Requirements   string `json:"requirements,omitempty"`
	Context        string `json:"context,omitempty"`
	Architecture   any    `json:"architecture,omitempty"`
	Implementation any    `json:"implementation,omitempty"`
	Review         any    `json:"review,omitempty"`
}

// Result is the outcome of one stage run.
type Result struct {
	Output   schema.StageOutput
	Prompt   string
	Response string
}

// Executor runs a single stage through a generation adapter.
type Executor struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewExecutor creates an executor. A positive timeout bounds every adapter call.
func NewExecutor(timeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{timeout: timeout, logger: logger}
}

// Run builds the stage prompt, calls the adapter and returns the decoded output.
// Errors are *schema.Error carrying the stage: VALIDATION_ERROR for missing
// input, TIMEOUT_ERROR when the deadline passes, ADAPTER_ERROR otherwise.
func (e *Executor) Run(ctx context.Context, adapter generation.Adapter, stage schema.Stage, in Input, opts generation.Options) (*Result, error) {
	prompt, err := BuildPrompt(stage, in)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithProvider(logging.WithStage(ctx, string(stage)), adapter.Provider())
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	e.logger.DebugContext(ctx, "stage started", slog.Int("prompt_bytes", len(prompt)))

	out, err := adapter.GenerateStructured(ctx, prompt, stage, opts)
	if err != nil {
		err = classify(ctx, stage, err)
		e.logger.WarnContext(ctx, "stage failed",
			slog.Duration("elapsed", time.Since(start)), slog.String("error", err.Error()))
		return nil, err
	}
	if out == nil || out.Stage() != stage {
		return nil, schema.NewErrorf(schema.ErrCodeAdapter, "adapter returned the wrong output type").WithStage(stage)
	}

	e.logger.DebugContext(ctx, "stage completed", slog.Duration("elapsed", time.Since(start)))
	return &Result{Output: out, Prompt: prompt, Response: schema.MustJSON(out)}, nil
}

func classify(ctx context.Context, stage schema.Stage, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return schema.NewErrorf(schema.ErrCodeTimeout, "%s timed out", stage).WithStage(stage).WithCause(err)
	}
	var sErr *schema.Error
	if errors.As(err, &sErr) {
		if sErr.Stage == "" {
			sErr.WithStage(stage)
		}
		return sErr
	}
	return schema.NewError(schema.ErrCodeAdapter, err.Error()).WithStage(stage).WithCause(err)
}

// BuildPrompt assembles the system prompt, the stage request and any
// optional reference sections.
func BuildPrompt(stage schema.Stage, in Input) (string, error) {
	system := SystemPrompt(stage)
	if system == "" {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown stage %q", stage)
	}

	var b strings.Builder
	b.WriteString(system)
	b.WriteString("\n\n")

	missing := func(field string) error {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s requires %s", stage, field).WithStage(stage)
	}

	switch stage {
	case schema.StageArchitect:
		if strings.TrimSpace(in.Requirements) == "" {
			return "", missing("requirements")
		}
		b.WriteString("Design the architecture for the following requirements:\n\n")
		b.WriteString(in.Requirements)
		section(&b, "Additional Context", in.Context)

	case schema.StageImplement:
		arch := render(in.Architecture)
		if arch == "" {
			return "", missing("an architecture")
		}
		b.WriteString("Implement the following architecture:\n\n")
		b.WriteString(arch)
		section(&b, "Original Requirements", in.Requirements)
		section(&b, "Additional Context", in.Context)

	case schema.StageReviewer, schema.StageTester:
		impl := render(in.Implementation)
		if impl == "" {
			return "", missing("an implementation")
		}
		if stage == schema.StageReviewer {
			b.WriteString("Review the following implementation:\n\n")
		} else {
			b.WriteString("Write tests for the following implementation:\n\n")
		}
		b.WriteString(impl)
		section(&b, "Reference Architecture", render(in.Architecture))
		section(&b, "Original Requirements", in.Requirements)
		if stage == schema.StageTester {
			section(&b, "Review Findings", render(in.Review))
		}
	}
	return b.String(), nil
}

func section(b *strings.Builder, title, body string) {
	if strings.TrimSpace(body) == "" {
		return
	}
	fmt.Fprintf(b, "\n\n%s:\n%s", title, body)
}

// render turns a document input into prompt text.
func render(v any) string {
	switch d := v.(type) {
	case nil:
		return ""
	case string:
		return d
	case schema.StageOutput:
		if s := schema.MustJSON(d); s != "null" {
			return s
		}
		return ""
	case json.RawMessage:
		if len(d) == 0 || string(d) == "null" {
			return ""
		}
		return string(d)
	default:
		data, err := json.MarshalIndent(d, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", d)
		}
		return string(data)
	}
}
