package validation

import "github.com/rendis/agentchain/pkg/schema"

const schemaBase = "https://agentchain.dev/schemas/"

const architectSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tech_stack", "module_breakdown", "architecture_diagram", "design_decisions", "data_models", "api_endpoints", "dependencies"],
  "properties": {
    "tech_stack": { "type": "object", "additionalProperties": { "type": "string" } },
    "module_breakdown": { "type": "array", "items": { "$ref": "#/$defs/string_map" } },
    "architecture_diagram": { "type": "string" },
    "design_decisions": { "$ref": "#/$defs/string_list" },
    "data_models": { "type": "array", "items": { "type": "object" } },
    "api_endpoints": { "type": "array", "items": { "$ref": "#/$defs/string_map" } },
    "dependencies": { "$ref": "#/$defs/string_list" }
  },
  "$defs": {
    "string_list": { "type": "array", "items": { "type": "string" } },
    "string_map": { "type": "object", "additionalProperties": { "type": "string" } }
  }
}`

const implementSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["implementation_plan", "files", "dependencies", "setup_instructions", "notes"],
  "properties": {
    "implementation_plan": { "$ref": "#/$defs/string_list" },
    "files": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["path", "content", "language", "description"],
        "properties": {
          "path": { "type": "string", "minLength": 1 },
          "content": { "type": "string" },
          "language": { "type": "string" },
          "description": { "type": "string" }
        }
      }
    },
    "dependencies": { "$ref": "#/$defs/string_list" },
    "setup_instructions": { "$ref": "#/$defs/string_list" },
    "notes": { "$ref": "#/$defs/string_list" }
  },
  "$defs": {
    "string_list": { "type": "array", "items": { "type": "string" } }
  }
}`

const reviewerSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["overall_assessment", "issues", "strengths", "security_concerns", "performance_issues", "code_quality_score", "recommendations"],
  "properties": {
    "overall_assessment": { "type": "string" },
    "issues": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "severity", "file", "description", "suggestion"],
        "properties": {
          "type": { "type": "string" },
          "severity": { "type": "string" },
          "file": { "type": "string" },
          "line": { "type": ["integer", "null"] },
          "description": { "type": "string" },
          "suggestion": { "type": "string" }
        }
      }
    },
    "strengths": { "$ref": "#/$defs/string_list" },
    "security_concerns": { "$ref": "#/$defs/string_list" },
    "performance_issues": { "$ref": "#/$defs/string_list" },
    "code_quality_score": { "type": "integer", "minimum": 1, "maximum": 10 },
    "recommendations": { "$ref": "#/$defs/string_list" }
  },
  "$defs": {
    "string_list": { "type": "array", "items": { "type": "string" } }
  }
}`

const testerSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["test_plan", "test_cases", "test_suite"],
  "properties": {
    "test_plan": { "$ref": "#/$defs/string_list" },
    "test_cases": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "type", "content"],
        "properties": {
          "name": { "type": "string", "minLength": 1 },
          "description": { "type": "string" },
          "type": { "type": "string" },
          "file": { "type": "string" },
          "content": { "type": "string" },
          "edge_case": { "type": "boolean" }
        }
      }
    },
    "edge_cases": { "$ref": "#/$defs/string_list" },
    "integration_tests": { "$ref": "#/$defs/string_list" },
    "test_suite": {
      "type": "object",
      "required": ["framework"],
      "properties": {
        "framework": { "type": "string" },
        "test_files": { "$ref": "#/$defs/string_list" },
        "setup_required": { "type": "boolean" },
        "setup_instructions": { "$ref": "#/$defs/string_list" }
      }
    },
    "coverage_recommendations": { "$ref": "#/$defs/string_list" },
    "mock_requirements": {
      "type": "array",
      "items": { "type": "object", "additionalProperties": { "type": "string" } }
    }
  },
  "$defs": {
    "string_list": { "type": "array", "items": { "type": "string" } }
  }
}`

// generationProps are the option fields shared by every request.
const generationProps = `
    "provider": { "type": ["string", "null"] },
    "temperature": { "type": ["number", "null"], "minimum": 0, "maximum": 1 },
    "max_tokens": { "type": ["integer", "null"], "minimum": 1 }`

const startRequestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["requirements"],
  "properties": {
    "requirements": { "type": "string", "minLength": 10 },
    "context": { "type": ["string", "null"] },` + generationProps + `
  }
}`

const architectRequestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["requirements"],
  "properties": {
    "requirements": { "type": "string", "minLength": 10 },
    "context": { "type": ["string", "null"] },` + generationProps + `
  }
}`

const implementRequestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["architecture"],
  "properties": {
    "architecture": { "type": ["object", "string"], "minLength": 1 },
    "requirements": { "type": ["string", "null"] },
    "context": { "type": ["string", "null"] },` + generationProps + `
  }
}`

const reviewRequestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["implementation"],
  "properties": {
    "implementation": { "type": ["object", "string"], "minLength": 1 },
    "architecture": { "type": ["object", "string", "null"] },
    "requirements": { "type": ["string", "null"] },
    "review": { "type": ["object", "string", "null"] },` + generationProps + `
  }
}`

// outputSchemas maps each stage to its output document schema.
var outputSchemas = map[schema.Stage]string{
	schema.StageArchitect: architectSchemaJSON,
	schema.StageImplement: implementSchemaJSON,
	schema.StageReviewer:  reviewerSchemaJSON,
	schema.StageTester:    testerSchemaJSON,
}

// RequestKind names a validated request body.
type RequestKind string

const (
	RequestStart     RequestKind = "start"
	RequestArchitect RequestKind = "architect"
	RequestImplement RequestKind = "implement"
	RequestReviewer  RequestKind = "reviewer"
	RequestTester    RequestKind = "tester"
)

var requestSchemas = map[RequestKind]string{
	RequestStart:     startRequestSchemaJSON,
	RequestArchitect: architectRequestSchemaJSON,
	RequestImplement: implementRequestSchemaJSON,
	RequestReviewer:  reviewRequestSchemaJSON,
	RequestTester:    reviewRequestSchemaJSON,
}

// StageRequestKind returns the request kind for a single-stage call.
func StageRequestKind(stage schema.Stage) RequestKind {
	return RequestKind(stage)
}

// OutputSchema returns the JSON Schema source for stage, or "" for unknown stages.
func OutputSchema(stage schema.Stage) string {
	return outputSchemas[stage]
}
