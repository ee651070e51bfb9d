package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentchain/internal/engine"
	"github.com/rendis/agentchain/internal/store"
	"github.com/rendis/agentchain/pkg/schema"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	clearEnv(t)
	dbPath := filepath.Join(t.TempDir(), "agentchain.db")
	cfg, err := loadConfig(writeConfig(t, "settings.yaml", "store:\n  path: "+dbPath+"\n"))
	require.NoError(t, err)

	a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { a.shutdown(5 * time.Second) })
	return a
}

func seedRunning(t *testing.T, st store.Store) string {
	t.Helper()
	ctx := context.Background()
	wf := &store.Workflow{ID: uuid.NewString(), Requirements: "Build a REST API", Provider: "openai"}
	require.NoError(t, st.CreateWorkflow(ctx, wf))
	running := schema.WorkflowStatusRunning
	require.NoError(t, st.UpdateWorkflow(ctx, wf.ID, store.WorkflowUpdate{Status: &running}))
	require.NoError(t, st.UpdateStep(ctx, wf.ID, schema.StageArchitect, store.StepUpdate{Status: schema.StepStatusInProgress}))
	return wf.ID
}

func TestNewApp_DoesNotSweep(t *testing.T) {
	a := newTestApp(t)
	id := seedRunning(t, a.store)

	// A second app on the same database, as an mcp process would build.
	second, err := newApp(context.Background(), a.cfg, a.logger)
	require.NoError(t, err)
	second.shutdown(5 * time.Second)

	wf, err := a.store.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusRunning, wf.Status)
	assert.Equal(t, schema.StepStatusInProgress, wf.Step(schema.StageArchitect).Status)
}

func TestApp_RecoverInterrupted(t *testing.T) {
	a := newTestApp(t)
	id := seedRunning(t, a.store)

	a.recoverInterrupted(context.Background())

	wf, err := a.store.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusFailed, wf.Status)
	assert.Equal(t, engine.InterruptedError, wf.Error)
	assert.Equal(t, schema.StepStatusFailed, wf.Step(schema.StageArchitect).Status)
}
