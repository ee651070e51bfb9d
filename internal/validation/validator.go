package validation

import "github.com/rendis/agentchain/pkg/schema"

// Validator checks stage outputs and request bodies.
// Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateOutput(stage schema.Stage, raw []byte) error
	ValidateRequest(kind RequestKind, req any) error
}
