package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rendis/agentchain/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrInvalidJSON marks a stage document that is not JSON at all.
var ErrInvalidJSON = errors.New("document is not valid JSON")

// JSONSchemaValidator implements Validator with schemas compiled once at
// construction. It is safe for concurrent use.
type JSONSchemaValidator struct {
	outputs  map[schema.Stage]*jsonschema.Schema
	requests map[RequestKind]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles every stage output and request schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	v := &JSONSchemaValidator{
		outputs:  make(map[schema.Stage]*jsonschema.Schema, len(outputSchemas)),
		requests: make(map[RequestKind]*jsonschema.Schema, len(requestSchemas)),
	}

	for stage, src := range outputSchemas {
		compiled, err := compile(c, "output/"+string(stage)+".json", src)
		if err != nil {
			return nil, fmt.Errorf("%s output schema: %w", stage, err)
		}
		v.outputs[stage] = compiled
	}
	for kind, src := range requestSchemas {
		compiled, err := compile(c, "request/"+string(kind)+".json", src)
		if err != nil {
			return nil, fmt.Errorf("%s request schema: %w", kind, err)
		}
		v.requests[kind] = compiled
	}
	return v, nil
}

// ValidateOutput checks a raw stage document against the stage's schema.
// Failures are ADAPTER_ERROR: the generation call produced the wrong shape.
func (v *JSONSchemaValidator) ValidateOutput(stage schema.Stage, raw []byte) error {
	compiled, ok := v.outputs[stage]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown stage %q", stage)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeAdapter, "%s output is not valid JSON", stage).
			WithStage(stage).
			WithCause(fmt.Errorf("%w: %w", ErrInvalidJSON, err))
	}
	if err := compiled.Validate(doc); err != nil {
		return toSchemaError(schema.ErrCodeAdapter, err).WithStage(stage)
	}
	return nil
}

// ValidateRequest checks req, serialized as JSON, against the schema for kind.
func (v *JSONSchemaValidator) ValidateRequest(kind RequestKind, req any) error {
	compiled, ok := v.requests[kind]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown request kind %q", kind)
	}
	if req == nil {
		return schema.NewError(schema.ErrCodeValidation, "request is nil")
	}
	doc, err := toJSONValue(req)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize request").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toSchemaError(schema.ErrCodeValidation, err)
	}
	return nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

func compile(c *jsonschema.Compiler, name, src string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := schemaBase + name
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// toSchemaError converts a jsonschema.ValidationError into a coded error
// listing each violation with its instance location.
func toSchemaError(code string, err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(code, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(code, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(code, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	msg := fmt.Sprintf("validation failed with %d errors: %s", len(violations), violations[0])
	return schema.NewError(code, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and returns the leaf messages.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
