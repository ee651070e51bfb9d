package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderASCIIPipeline(t *testing.T) {
	output := RenderASCII(Build(nil))

	assert.Contains(t, output, "=== agentchain pipeline ===")
	assert.Contains(t, output, "┌")
	assert.Contains(t, output, "┘")
	assert.Contains(t, output, "▼")
	for _, label := range []string{"Start", "architect", "implement", "reviewer (optional)", "tester (optional)", "End"} {
		assert.Contains(t, output, label)
	}
	// Five connectors between six boxes.
	assert.Equal(t, 5, strings.Count(output, "▼"))
}

func TestRenderASCIIWithStatus(t *testing.T) {
	output := RenderASCII(Build(failedWorkflow()))

	assert.Contains(t, output, "[OK]")
	assert.Contains(t, output, "1500ms")
	assert.Contains(t, output, "[FAIL]")
	assert.Contains(t, output, "error: provider down")
	assert.Contains(t, output, "[SKIP]")
}

func TestMakeBoxAlignsRows(t *testing.T) {
	lines := makeBox(&Node{ID: "x", Label: "architect", Kind: NodeKindStage, Status: &StatusOverlay{Status: "completed"}})
	width := len([]rune(lines[0]))
	for _, line := range lines {
		assert.Equal(t, width, len([]rune(line)), line)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
