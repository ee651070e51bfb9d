package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderMermaidPipeline(t *testing.T) {
	output := RenderMermaid(Build(nil))

	assert.Contains(t, output, "graph TD")
	assert.Contains(t, output, `architect["architect"]`)
	assert.Contains(t, output, `implement["implement"]`)
	// Optional stages use the stadium shape.
	assert.Contains(t, output, `reviewer(["reviewer (optional)"])`)
	assert.Contains(t, output, `tester(["tester (optional)"])`)
	assert.Contains(t, output, "__start__((")
	assert.Contains(t, output, "__end__((")
	assert.Contains(t, output, "__start__ --> architect")
	assert.Contains(t, output, "tester --> __end__")
	assert.Contains(t, output, "classDef completed")
	assert.NotContains(t, output, "class architect")
}

func TestRenderMermaidWithStatus(t *testing.T) {
	output := RenderMermaid(Build(failedWorkflow()))

	assert.Contains(t, output, "%% workflow wf-42")
	assert.Contains(t, output, "class architect completed")
	assert.Contains(t, output, "class implement failed")
	assert.Contains(t, output, "class reviewer skipped")
	assert.Contains(t, output, "class __end__ failed")
}

func TestMermaidStatusClass(t *testing.T) {
	tests := map[string]string{
		"completed":   "completed",
		"failed":      "failed",
		"in_progress": "running",
		"running":     "running",
		"pending":     "pending",
		"skipped":     "skipped",
		"unknown":     "",
	}
	for in, want := range tests {
		assert.Equal(t, want, mermaidStatusClass(in), in)
	}
}
