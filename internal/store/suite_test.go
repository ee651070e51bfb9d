package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentchain/pkg/schema"
)

// runStoreSuite exercises the Store contract against any implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateDuplicate", testCreateDuplicate},
		{"GetNotFound", testGetNotFound},
		{"UpdateWorkflowPartial", testUpdateWorkflowPartial},
		{"UpdateWorkflowNotFound", testUpdateWorkflowNotFound},
		{"UpdateStep", testUpdateStep},
		{"UpdateStepNotFound", testUpdateStepNotFound},
		{"TerminalWorkflowIsFinal", testTerminalWorkflowIsFinal},
		{"TerminalStepIsFinal", testTerminalStepIsFinal},
		{"ListOrderingAndPaging", testListOrderingAndPaging},
		{"ListOrderingSubSecond", testListOrderingSubSecond},
		{"ListStatusFilter", testListStatusFilter},
		{"ListCurrentStep", testListCurrentStep},
		{"DeleteCascades", testDeleteCascades},
		{"MessagesOrdered", testMessagesOrdered},
		{"MessagesOrderedSubSecond", testMessagesOrderedSubSecond},
		{"Stats", testStats},
		{"ConcurrentWriters", testConcurrentWriters},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func seedWorkflow(t *testing.T, s Store, createdAt time.Time) *Workflow {
	t.Helper()
	wf := &Workflow{
		ID:           uuid.NewString(),
		Requirements: "Build a REST API for user management",
		Provider:     "openai",
		CreatedAt:    createdAt,
	}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	return wf
}

func testCreateAndGet(t *testing.T, s Store) {
	ctx := context.Background()
	temp := 0.3
	maxTokens := 2048
	wf := &Workflow{
		ID:           uuid.NewString(),
		Requirements: "Build a REST API for user management",
		Context:      "Go service",
		Provider:     "glm",
		Temperature:  &temp,
		MaxTokens:    &maxTokens,
	}
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, got.ID)
	assert.Equal(t, schema.WorkflowStatusPending, got.Status)
	assert.Equal(t, "Go service", got.Context)
	assert.Equal(t, "glm", got.Provider)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.3, *got.Temperature, 1e-9)
	require.NotNil(t, got.MaxTokens)
	assert.Equal(t, 2048, *got.MaxTokens)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	require.Len(t, got.Steps, 4)
	for i, st := range got.Steps {
		assert.Equal(t, schema.Stages[i], st.Stage)
		assert.Equal(t, schema.StepStatusPending, st.Status)
		assert.Nil(t, st.Result)
	}
}

func testCreateDuplicate(t *testing.T, s Store) {
	wf := seedWorkflow(t, s, time.Time{})
	err := s.CreateWorkflow(context.Background(), &Workflow{ID: wf.ID, Requirements: "again and again", Provider: "openai"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeAlreadyExists))
}

func testGetNotFound(t *testing.T, s Store) {
	_, err := s.GetWorkflow(context.Background(), "nonexistent")
	require.Error(t, err)
	stErr, ok := err.(*schema.Error)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, stErr.Code)
}

func testUpdateWorkflowPartial(t *testing.T, s Store) {
	ctx := context.Background()
	wf := seedWorkflow(t, s, time.Time{})

	running := schema.WorkflowStatusRunning
	started := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.UpdateWorkflow(ctx, wf.ID, WorkflowUpdate{Status: &running, StartedAt: &started}))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.WithinDuration(t, started, *got.StartedAt, time.Second)
	assert.Nil(t, got.CompletedAt)
	assert.Empty(t, got.Error)

	failed := schema.WorkflowStatusFailed
	msg := "architect failed"
	require.NoError(t, s.UpdateWorkflow(ctx, wf.ID, WorkflowUpdate{Status: &failed, Error: &msg}))

	got, err = s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusFailed, got.Status)
	assert.Equal(t, "architect failed", got.Error)
	require.NotNil(t, got.StartedAt, "unset fields stay unchanged")

	// Empty update is a no-op.
	require.NoError(t, s.UpdateWorkflow(ctx, wf.ID, WorkflowUpdate{}))
}

func testUpdateWorkflowNotFound(t *testing.T, s Store) {
	running := schema.WorkflowStatusRunning
	err := s.UpdateWorkflow(context.Background(), "missing", WorkflowUpdate{Status: &running})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func testUpdateStep(t *testing.T, s Store) {
	ctx := context.Background()
	wf := seedWorkflow(t, s, time.Time{})
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.UpdateStep(ctx, wf.ID, schema.StageArchitect, StepUpdate{
		Status:    schema.StepStatusInProgress,
		StartedAt: &now,
	}))
	done := now.Add(2 * time.Second)
	require.NoError(t, s.UpdateStep(ctx, wf.ID, schema.StageArchitect, StepUpdate{
		Status:      schema.StepStatusCompleted,
		Result:      json.RawMessage(`{"tech_stack":{"backend":"go"}}`),
		CompletedAt: &done,
	}))
	errMsg := "rate limited"
	require.NoError(t, s.UpdateStep(ctx, wf.ID, schema.StageReviewer, StepUpdate{
		Status: schema.StepStatusFailed,
		Error:  &errMsg,
	}))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)

	arch := got.Step(schema.StageArchitect)
	require.NotNil(t, arch)
	assert.Equal(t, schema.StepStatusCompleted, arch.Status)
	assert.JSONEq(t, `{"tech_stack":{"backend":"go"}}`, string(arch.Result))
	require.NotNil(t, arch.StartedAt)
	require.NotNil(t, arch.CompletedAt)
	assert.False(t, arch.CompletedAt.Before(*arch.StartedAt))

	rev := got.Step(schema.StageReviewer)
	require.NotNil(t, rev)
	assert.Equal(t, schema.StepStatusFailed, rev.Status)
	assert.Equal(t, "rate limited", rev.Error)

	assert.Equal(t, schema.StepStatusPending, got.Step(schema.StageImplement).Status)
}

func testUpdateStepNotFound(t *testing.T, s Store) {
	err := s.UpdateStep(context.Background(), "missing", schema.StageArchitect, StepUpdate{Status: schema.StepStatusInProgress})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func testTerminalWorkflowIsFinal(t *testing.T, s Store) {
	ctx := context.Background()
	wf := seedWorkflow(t, s, time.Time{})

	failed := schema.WorkflowStatusFailed
	msg := "interrupted by restart"
	require.NoError(t, s.UpdateWorkflow(ctx, wf.ID, WorkflowUpdate{Status: &failed, Error: &msg}))

	completed := schema.WorkflowStatusCompleted
	now := time.Now().UTC()
	err := s.UpdateWorkflow(ctx, wf.ID, WorkflowUpdate{Status: &completed, CompletedAt: &now})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusFailed, got.Status)
	assert.Equal(t, "interrupted by restart", got.Error)
	assert.Nil(t, got.CompletedAt)
}

func testTerminalStepIsFinal(t *testing.T, s Store) {
	ctx := context.Background()
	wf := seedWorkflow(t, s, time.Time{})

	msg := "interrupted by restart"
	require.NoError(t, s.UpdateStep(ctx, wf.ID, schema.StageArchitect, StepUpdate{Status: schema.StepStatusFailed, Error: &msg}))
	require.NoError(t, s.UpdateStep(ctx, wf.ID, schema.StageImplement, StepUpdate{Status: schema.StepStatusSkipped}))

	err := s.UpdateStep(ctx, wf.ID, schema.StageArchitect, StepUpdate{
		Status: schema.StepStatusCompleted,
		Result: json.RawMessage(`{"tech_stack":{}}`),
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
	err = s.UpdateStep(ctx, wf.ID, schema.StageImplement, StepUpdate{Status: schema.StepStatusInProgress})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusFailed, got.Step(schema.StageArchitect).Status)
	assert.Empty(t, got.Step(schema.StageArchitect).Result)
	assert.Equal(t, schema.StepStatusSkipped, got.Step(schema.StageImplement).Status)
}

func testListOrderingAndPaging(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 5; i++ {
		wf := seedWorkflow(t, s, base.Add(time.Duration(i)*time.Minute))
		ids = append(ids, wf.ID)
	}

	all, err := s.ListWorkflows(ctx, WorkflowFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 0; i < 5; i++ {
		assert.Equal(t, ids[4-i], all[i].ID, "newest first")
	}

	page, err := s.ListWorkflows(ctx, WorkflowFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[3], page[0].ID)
	assert.Equal(t, ids[2], page[1].ID)

	tail, err := s.ListWorkflows(ctx, WorkflowFilter{Limit: 10, Offset: 4})
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, ids[0], tail[0].ID)

	none, err := s.ListWorkflows(ctx, WorkflowFilter{Limit: 10, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testListOrderingSubSecond(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	// Whole second, then .1s, then .12s: oldest to newest.
	oldest := seedWorkflow(t, s, base)
	middle := seedWorkflow(t, s, base.Add(100*time.Millisecond))
	newest := seedWorkflow(t, s, base.Add(120*time.Millisecond))

	list, err := s.ListWorkflows(ctx, WorkflowFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{newest.ID, middle.ID, oldest.ID}, []string{list[0].ID, list[1].ID, list[2].ID})
}

func testListStatusFilter(t *testing.T, s Store) {
	ctx := context.Background()
	a := seedWorkflow(t, s, time.Time{})
	seedWorkflow(t, s, time.Time{})

	completed := schema.WorkflowStatusCompleted
	require.NoError(t, s.UpdateWorkflow(ctx, a.ID, WorkflowUpdate{Status: &completed}))

	got, err := s.ListWorkflows(ctx, WorkflowFilter{Status: &completed, Limit: 50})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)
	assert.Equal(t, schema.WorkflowStatusCompleted, got[0].Status)

	empty := schema.WorkflowStatus("")
	all, err := s.ListWorkflows(ctx, WorkflowFilter{Status: &empty, Limit: 50})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testListCurrentStep(t *testing.T, s Store) {
	ctx := context.Background()
	wf := seedWorkflow(t, s, time.Time{})
	require.NoError(t, s.UpdateStep(ctx, wf.ID, schema.StageArchitect, StepUpdate{Status: schema.StepStatusCompleted}))
	require.NoError(t, s.UpdateStep(ctx, wf.ID, schema.StageImplement, StepUpdate{Status: schema.StepStatusInProgress}))

	got, err := s.ListWorkflows(ctx, WorkflowFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].CurrentStep)
	assert.Equal(t, schema.StageImplement, *got[0].CurrentStep)
	assert.Equal(t, schema.StepStatusCompleted, got[0].Steps[schema.StageArchitect])
	assert.Equal(t, schema.StepStatusPending, got[0].Steps[schema.StageTester])
}

func testDeleteCascades(t *testing.T, s Store) {
	ctx := context.Background()
	wf := seedWorkflow(t, s, time.Time{})
	keep := seedWorkflow(t, s, time.Time{})

	require.NoError(t, s.AppendMessage(ctx, &Message{WorkflowID: wf.ID, Stage: schema.StageSystem, Role: schema.RoleUser, Content: "hello"}))
	require.NoError(t, s.AppendMessage(ctx, &Message{WorkflowID: keep.ID, Stage: schema.StageSystem, Role: schema.RoleUser, Content: "keep"}))

	deleted, err := s.DeleteWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.GetWorkflow(ctx, wf.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	msgs, err := s.ListMessages(ctx, wf.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	list, err := s.ListWorkflows(ctx, WorkflowFilter{Limit: 50})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, keep.ID, list[0].ID)

	kept, err := s.ListMessages(ctx, keep.ID)
	require.NoError(t, err)
	assert.Len(t, kept, 1)

	deleted, err = s.DeleteWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func testMessagesOrdered(t *testing.T, s Store) {
	ctx := context.Background()
	wf := seedWorkflow(t, s, time.Time{})
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	entries := []struct {
		stage schema.Stage
		role  schema.Role
		text  string
	}{
		{schema.StageSystem, schema.RoleUser, "requirements"},
		{schema.StageArchitect, schema.RoleUser, "architect prompt"},
		{schema.StageArchitect, schema.RoleAssistant, `{"tech_stack":{}}`},
	}
	for i, e := range entries {
		msg := &Message{WorkflowID: wf.ID, Stage: e.stage, Role: e.role, Content: e.text, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, s.AppendMessage(ctx, msg))
		assert.NotZero(t, msg.ID)
	}

	msgs, err := s.ListMessages(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, e := range entries {
		assert.Equal(t, e.stage, msgs[i].Stage)
		assert.Equal(t, e.role, msgs[i].Role)
		assert.Equal(t, e.text, msgs[i].Content)
	}
	assert.Less(t, msgs[0].ID, msgs[1].ID)
}

func testMessagesOrderedSubSecond(t *testing.T, s Store) {
	ctx := context.Background()
	wf := seedWorkflow(t, s, time.Time{})
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// Appended out of order so the id tiebreak cannot mask a bad sort.
	for _, e := range []struct {
		at   time.Duration
		text string
	}{
		{120 * time.Millisecond, "third"},
		{100 * time.Millisecond, "second"},
		{0, "first"},
	} {
		require.NoError(t, s.AppendMessage(ctx, &Message{
			WorkflowID: wf.ID, Stage: schema.StageArchitect, Role: schema.RoleUser, Content: e.text, CreatedAt: base.Add(e.at),
		}))
	}

	msgs, err := s.ListMessages(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{msgs[0].Content, msgs[1].Content, msgs[2].Content})
	assert.True(t, msgs[0].CreatedAt.Equal(base))
}

func testStats(t *testing.T, s Store) {
	ctx := context.Background()
	statuses := []schema.WorkflowStatus{
		schema.WorkflowStatusPending,
		schema.WorkflowStatusRunning,
		schema.WorkflowStatusCompleted,
		schema.WorkflowStatusCompleted,
		schema.WorkflowStatusFailed,
	}
	for _, st := range statuses {
		wf := seedWorkflow(t, s, time.Time{})
		status := st
		require.NoError(t, s.UpdateWorkflow(ctx, wf.ID, WorkflowUpdate{Status: &status}))
	}

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 5, Pending: 1, Running: 1, Completed: 2, Failed: 1}, *stats)
}

func testConcurrentWriters(t *testing.T, s Store) {
	ctx := context.Background()
	const n = 8

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wf := &Workflow{ID: uuid.NewString(), Requirements: fmt.Sprintf("requirements number %d", i), Provider: "openai"}
			if err := s.CreateWorkflow(ctx, wf); err != nil {
				errs <- err
				return
			}
			if err := s.UpdateStep(ctx, wf.ID, schema.StageArchitect, StepUpdate{Status: schema.StepStatusInProgress}); err != nil {
				errs <- err
				return
			}
			errs <- s.AppendMessage(ctx, &Message{WorkflowID: wf.ID, Stage: schema.StageSystem, Role: schema.RoleUser, Content: wf.Requirements})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, stats.Total)
}
