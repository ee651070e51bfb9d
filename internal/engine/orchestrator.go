package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/rendis/agentchain/internal/agents"
	"github.com/rendis/agentchain/internal/generation"
	"github.com/rendis/agentchain/internal/logging"
	"github.com/rendis/agentchain/internal/store"
	"github.com/rendis/agentchain/internal/streaming"
	"github.com/rendis/agentchain/internal/validation"
	"github.com/rendis/agentchain/pkg/schema"
)

// InterruptedError is recorded on workflows failed by the recovery sweep.
const InterruptedError = "interrupted by restart"

// AdapterFactory resolves provider names to generation adapters.
type AdapterFactory interface {
	Create(provider string) (generation.Adapter, error)
	Check(provider string) error
	Resolve(provider string) string
}

// StartRequest is the input of StartWorkflow.
type StartRequest struct {
	Requirements string   `json:"requirements"`
	Context      string   `json:"context,omitempty"`
	Provider     string   `json:"provider,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`

	// OnCreated, when set, runs once the record is persisted and before
	// execution is scheduled. Subscribers set up here see every event.
	OnCreated func(id string) `json:"-"`
}

// Config tunes an Orchestrator. Zero values take defaults.
type Config struct {
	StepTimeout time.Duration
	Clock       clock.PassiveClock
	Logger      *slog.Logger
	Metrics     *Metrics
	// BaseContext is handed to every execution task. Cancelling it is the
	// hook for whole-workflow cancellation; nothing cancels it today.
	BaseContext context.Context
}

// Orchestrator schedules workflows and drives each one through the stages.
type Orchestrator struct {
	store     store.Store
	hub       streaming.Hub
	factory   AdapterFactory
	validator validation.Validator
	executor  *agents.Executor
	tasks     *TaskGroup
	clock     clock.PassiveClock
	logger    *slog.Logger
	metrics   *Metrics

	mu      sync.Mutex
	running map[string]*WorkflowState
}

// NewOrchestrator wires the orchestrator to its collaborators.
func NewOrchestrator(st store.Store, hub streaming.Hub, factory AdapterFactory, v validation.Validator, cfg Config) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	o := &Orchestrator{
		store:     st,
		hub:       hub,
		factory:   factory,
		validator: v,
		executor:  agents.NewExecutor(cfg.StepTimeout, cfg.Logger),
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		running:   make(map[string]*WorkflowState),
	}
	o.tasks = NewTaskGroup(cfg.BaseContext, o.recoverTask)
	return o
}

// StartWorkflow validates and persists a new workflow, schedules its
// execution and returns its ID without waiting for it.
func (o *Orchestrator) StartWorkflow(ctx context.Context, req StartRequest) (string, error) {
	if o.validator != nil {
		if err := o.validator.ValidateRequest(validation.RequestStart, req); err != nil {
			return "", err
		}
	}
	if err := o.factory.Check(req.Provider); err != nil {
		return "", err
	}

	wf := &store.Workflow{
		ID:           uuid.NewString(),
		Status:       schema.WorkflowStatusPending,
		Requirements: req.Requirements,
		Context:      req.Context,
		Provider:     o.factory.Resolve(req.Provider),
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		CreatedAt:    o.clock.Now().UTC(),
	}
	if err := o.store.CreateWorkflow(ctx, wf); err != nil {
		return "", err
	}
	if req.OnCreated != nil {
		req.OnCreated(wf.ID)
	}

	o.mu.Lock()
	o.running[wf.ID] = newWorkflowState(wf)
	o.mu.Unlock()
	o.metrics.WorkflowsStarted.Inc()
	o.metrics.WorkflowsRunning.Inc()

	id := wf.ID
	if err := o.tasks.Go(id, func(ctx context.Context) { o.execute(ctx, id) }); err != nil {
		o.failWorkflow(context.WithoutCancel(ctx), id, err)
		return "", schema.NewError(schema.ErrCodeStore, "orchestrator is shutting down").WithCause(err)
	}

	o.logger.InfoContext(logging.WithWorkflowID(ctx, id), "workflow started", slog.String("provider", wf.Provider))
	return id, nil
}

// execute runs the pipeline for one workflow.
func (o *Orchestrator) execute(ctx context.Context, id string) {
	ctx = logging.WithWorkflowID(ctx, id)

	st, ok := o.transitionWorkflow(ctx, id, schema.WorkflowStatusRunning, "")
	if !ok {
		return
	}
	ctx = logging.WithProvider(ctx, st.Provider)

	o.appendMessage(ctx, id, schema.StageSystem, schema.RoleUser, st.Requirements)

	adapter, err := o.factory.Create(st.Provider)
	if err != nil {
		o.startStep(ctx, id, schema.StageArchitect)
		o.failStep(ctx, id, schema.StageArchitect, err)
		o.failWorkflow(ctx, id, err)
		return
	}

	results := make(map[schema.Stage]schema.StageOutput, len(schema.Stages))
	for _, stage := range schema.Stages {
		if !o.holds(id) {
			return
		}
		out, err := o.runStage(ctx, id, adapter, stage, stageInput(st, stage, results), st.Options)
		if err != nil {
			if !o.holds(id) {
				return
			}
			if stage.Fatal() {
				o.failWorkflow(ctx, id, err)
				return
			}
			continue
		}
		results[stage] = out
	}

	o.completeWorkflow(ctx, id)
}

// stageInput assembles the documents a stage draws on. A failed reviewer
// leaves the tester without review findings.
func stageInput(st *WorkflowState, stage schema.Stage, results map[schema.Stage]schema.StageOutput) agents.Input {
	in := agents.Input{Requirements: st.Requirements}
	doc := func(s schema.Stage) any {
		if out, ok := results[s]; ok {
			return out
		}
		return nil
	}
	switch stage {
	case schema.StageArchitect:
		in.Context = st.Context
	case schema.StageImplement:
		in.Context = st.Context
		in.Architecture = doc(schema.StageArchitect)
	case schema.StageReviewer:
		in.Implementation = doc(schema.StageImplement)
		in.Architecture = doc(schema.StageArchitect)
	case schema.StageTester:
		in.Implementation = doc(schema.StageImplement)
		in.Architecture = doc(schema.StageArchitect)
		in.Review = doc(schema.StageReviewer)
	}
	return in
}

// runStage moves one stage through in_progress to completed or failed,
// persisting and broadcasting each transition.
func (o *Orchestrator) runStage(ctx context.Context, id string, adapter generation.Adapter, stage schema.Stage, in agents.Input, opts generation.Options) (schema.StageOutput, error) {
	ctx = logging.WithStage(ctx, string(stage))
	if !o.startStep(ctx, id, stage) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "stage %s could not start", stage).WithStage(stage)
	}

	start := o.clock.Now()
	res, err := o.executor.Run(ctx, adapter, stage, in, opts)
	elapsed := o.clock.Since(start).Seconds()
	if err != nil {
		o.metrics.StageDuration.WithLabelValues(string(stage), string(schema.StepStatusFailed)).Observe(elapsed)
		o.failStep(ctx, id, stage, err)
		return nil, err
	}
	o.metrics.StageDuration.WithLabelValues(string(stage), string(schema.StepStatusCompleted)).Observe(elapsed)

	o.completeStep(ctx, id, stage, res.Output)
	o.appendMessage(ctx, id, stage, schema.RoleUser, res.Prompt)
	o.appendMessage(ctx, id, stage, schema.RoleAssistant, res.Response)
	return res.Output, nil
}

func (o *Orchestrator) startStep(ctx context.Context, id string, stage schema.Stage) bool {
	step, status, ok := o.transitionStep(ctx, id, stage, schema.StepStatusInProgress, nil, "")
	if !ok {
		return false
	}
	if !o.persistStep(ctx, id, stage, store.StepUpdate{Status: step.Status, StartedAt: step.StartedAt}) {
		return false
	}
	o.publish(ctx, id, status, &stage, map[string]any{"step_status": step.Status})
	return true
}

func (o *Orchestrator) completeStep(ctx context.Context, id string, stage schema.Stage, out schema.StageOutput) {
	step, status, ok := o.transitionStep(ctx, id, stage, schema.StepStatusCompleted, out, "")
	if !ok {
		return
	}
	raw, err := json.Marshal(out)
	if err != nil {
		o.logger.ErrorContext(ctx, "encode stage result", slog.String("error", err.Error()))
	}
	if !o.persistStep(ctx, id, stage, store.StepUpdate{Status: step.Status, Result: raw, CompletedAt: step.CompletedAt}) {
		return
	}
	o.publish(ctx, id, status, &stage, map[string]any{"step_status": step.Status, "result_available": true})
}

func (o *Orchestrator) failStep(ctx context.Context, id string, stage schema.Stage, cause error) {
	msg := errorMessage(cause)
	step, status, ok := o.transitionStep(ctx, id, stage, schema.StepStatusFailed, nil, msg)
	if !ok {
		return
	}
	if !o.persistStep(ctx, id, stage, store.StepUpdate{Status: step.Status, Error: &msg, CompletedAt: step.CompletedAt}) {
		return
	}
	o.publish(ctx, id, status, &stage, map[string]any{"step_status": step.Status, "error": msg})
}

// failWorkflow marks every unattempted step skipped and then the workflow failed.
func (o *Orchestrator) failWorkflow(ctx context.Context, id string, cause error) {
	o.mu.Lock()
	var skip []schema.Stage
	if st, ok := o.running[id]; ok {
		skip = st.SkippableSteps()
	}
	o.mu.Unlock()

	for _, stage := range skip {
		step, status, ok := o.transitionStep(ctx, id, stage, schema.StepStatusSkipped, nil, "")
		if !ok {
			continue
		}
		if !o.persistStep(ctx, id, stage, store.StepUpdate{Status: step.Status}) {
			return
		}
		o.publish(ctx, id, status, &stage, map[string]any{"step_status": step.Status})
	}

	msg := errorMessage(cause)
	if _, ok := o.transitionWorkflow(ctx, id, schema.WorkflowStatusFailed, msg); ok {
		o.logger.WarnContext(ctx, "workflow failed", slog.String("error", msg))
	}
}

// completeWorkflow finishes a workflow that did not fail.
func (o *Orchestrator) completeWorkflow(ctx context.Context, id string) {
	o.mu.Lock()
	st, ok := o.running[id]
	failed := ok && st.Status == schema.WorkflowStatusFailed
	o.mu.Unlock()
	if !ok || failed {
		return
	}
	if _, ok := o.transitionWorkflow(ctx, id, schema.WorkflowStatusCompleted, ""); ok {
		o.logger.InfoContext(ctx, "workflow completed")
	}
}

// transitionWorkflow applies a workflow transition in memory, then persists
// and broadcasts it. Terminal states drop the in-memory entry. It returns a
// snapshot of the state after the transition.
func (o *Orchestrator) transitionWorkflow(ctx context.Context, id string, to schema.WorkflowStatus, errMsg string) (*WorkflowState, bool) {
	now := o.clock.Now().UTC()

	o.mu.Lock()
	st, ok := o.running[id]
	if !ok {
		o.mu.Unlock()
		o.logger.WarnContext(ctx, "workflow not held by orchestrator", slog.String("to", string(to)))
		return nil, false
	}
	if err := st.Transition(to, now, errMsg); err != nil {
		o.mu.Unlock()
		o.logger.ErrorContext(ctx, "workflow transition rejected", slog.String("error", err.Error()))
		return nil, false
	}
	snap := st.Snapshot()
	if to.Terminal() {
		delete(o.running, id)
	}
	o.mu.Unlock()

	upd := store.WorkflowUpdate{Status: &to, StartedAt: snap.StartedAt, CompletedAt: snap.CompletedAt}
	if to == schema.WorkflowStatusFailed {
		upd.Error = &errMsg
	}
	if err := o.store.UpdateWorkflow(ctx, id, upd); err != nil {
		if schema.IsCode(err, schema.ErrCodeInvalidTransition) {
			o.abandon(ctx, id, err)
			if to.Terminal() {
				o.metrics.WorkflowsRunning.Dec()
			}
			return nil, false
		}
		o.logger.ErrorContext(ctx, "persist workflow transition", slog.String("to", string(to)), slog.String("error", err.Error()))
	}

	var data map[string]any
	if errMsg != "" {
		data = map[string]any{"error": errMsg}
	}
	o.publish(ctx, id, to, nil, data)

	if to.Terminal() {
		o.metrics.WorkflowsRunning.Dec()
		o.metrics.WorkflowsFinished.WithLabelValues(string(to)).Inc()
	}
	return snap, true
}

// transitionStep applies a step transition in memory and returns a copy of
// the step along with the workflow status.
func (o *Orchestrator) transitionStep(ctx context.Context, id string, stage schema.Stage, to schema.StepStatus, out schema.StageOutput, errMsg string) (StepState, schema.WorkflowStatus, bool) {
	now := o.clock.Now().UTC()

	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.running[id]
	if !ok {
		return StepState{}, "", false
	}
	step, err := st.TransitionStep(stage, to, now)
	if err != nil {
		o.logger.ErrorContext(ctx, "step transition rejected", slog.String("error", err.Error()))
		return StepState{}, "", false
	}
	live := st.Step(stage)
	if out != nil {
		live.Result = out
		step.Result = out
	}
	if errMsg != "" {
		live.Error = errMsg
		step.Error = errMsg
	}
	return step, st.Status, true
}

// persistStep writes a step transition. It returns false when the stored
// record is already final, in which case the run has been abandoned.
func (o *Orchestrator) persistStep(ctx context.Context, id string, stage schema.Stage, upd store.StepUpdate) bool {
	err := o.store.UpdateStep(ctx, id, stage, upd)
	if err == nil {
		return true
	}
	if schema.IsCode(err, schema.ErrCodeInvalidTransition) {
		o.abandon(ctx, id, err)
		return false
	}
	o.logger.ErrorContext(ctx, "persist step transition",
		slog.String("stage", string(stage)), slog.String("status", string(upd.Status)), slog.String("error", err.Error()))
	return true
}

// abandon drops a run whose stored record was finished by someone else,
// such as a recovery sweep in another process. Nothing more is persisted
// or broadcast for it.
func (o *Orchestrator) abandon(ctx context.Context, id string, cause error) {
	o.mu.Lock()
	_, held := o.running[id]
	delete(o.running, id)
	o.mu.Unlock()
	if held {
		o.metrics.WorkflowsRunning.Dec()
	}
	o.logger.WarnContext(ctx, "workflow finished elsewhere, abandoning run", slog.String("error", cause.Error()))
}

func (o *Orchestrator) holds(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[id]
	return ok
}

func (o *Orchestrator) appendMessage(ctx context.Context, id string, stage schema.Stage, role schema.Role, content string) {
	msg := &store.Message{WorkflowID: id, Stage: stage, Role: role, Content: content, CreatedAt: o.clock.Now().UTC()}
	if err := o.store.AppendMessage(ctx, msg); err != nil {
		o.logger.ErrorContext(ctx, "append conversation message", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) publish(ctx context.Context, id string, status schema.WorkflowStatus, current *schema.Stage, data map[string]any) {
	if o.hub == nil {
		return
	}
	o.hub.Broadcast(ctx, streaming.NewWorkflowUpdate(id, status, current, data))
}

// recoverTask fails a workflow whose task panicked.
func (o *Orchestrator) recoverTask(id string, r any) {
	o.metrics.TaskPanics.Inc()
	ctx := logging.WithWorkflowID(context.Background(), id)
	o.logger.ErrorContext(ctx, "workflow task panicked", slog.Any("panic", r))

	o.mu.Lock()
	st, ok := o.running[id]
	var current *schema.Stage
	if ok {
		current = st.CurrentStep()
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	err := fmt.Errorf("internal error: %v", r)
	if current != nil {
		o.failStep(ctx, id, *current, err)
	}
	o.failWorkflow(ctx, id, err)
}

// RunStage runs one stage synchronously without persisting anything.
func (o *Orchestrator) RunStage(ctx context.Context, stage schema.Stage, in agents.Input, provider string, opts generation.Options) (schema.StageOutput, error) {
	if !stage.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown stage %q", stage)
	}
	adapter, err := o.factory.Create(provider)
	if err != nil {
		return nil, err
	}
	start := o.clock.Now()
	res, err := o.executor.Run(ctx, adapter, stage, in, opts)
	status := schema.StepStatusCompleted
	if err != nil {
		status = schema.StepStatusFailed
	}
	o.metrics.StageDuration.WithLabelValues(string(stage), string(status)).Observe(o.clock.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return res.Output, nil
}

// ActiveCount returns the number of workflows held in memory.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}

// Executions reports the counters of the goroutines running workflows.
func (o *Orchestrator) Executions() PoolMetrics {
	return o.tasks.Metrics()
}

// Shutdown stops accepting workflows and waits for running ones.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.tasks.Shutdown(ctx)
}

// RecoverInterrupted fails workflows left pending or running by a previous
// process. The step in progress is failed and unattempted steps skipped. It
// returns the number of workflows recovered.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	var ids []string
	for _, status := range []schema.WorkflowStatus{schema.WorkflowStatusRunning, schema.WorkflowStatusPending} {
		for offset := 0; ; offset += recoverPage {
			page, err := o.store.ListWorkflows(ctx, store.WorkflowFilter{Status: &status, Limit: recoverPage, Offset: offset})
			if err != nil {
				return 0, err
			}
			for _, sum := range page {
				ids = append(ids, sum.ID)
			}
			if len(page) < recoverPage {
				break
			}
		}
	}

	recovered := 0
	var errs []string
	for _, id := range ids {
		o.mu.Lock()
		_, held := o.running[id]
		o.mu.Unlock()
		if held {
			continue
		}
		if err := o.recoverOne(ctx, id); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		recovered++
	}
	if len(errs) > 0 {
		return recovered, errors.New("recover workflows: " + strings.Join(errs, "; "))
	}
	return recovered, nil
}

const recoverPage = 100

func (o *Orchestrator) recoverOne(ctx context.Context, id string) error {
	wf, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if !isValidWorkflowTransition(wf.Status, schema.WorkflowStatusFailed) {
		return nil
	}
	now := o.clock.Now().UTC()
	msg := InterruptedError

	for _, step := range wf.Steps {
		var upd store.StepUpdate
		switch step.Status {
		case schema.StepStatusInProgress:
			upd = store.StepUpdate{Status: schema.StepStatusFailed, Error: &msg, CompletedAt: &now}
		case schema.StepStatusPending:
			upd = store.StepUpdate{Status: schema.StepStatusSkipped}
		default:
			continue
		}
		if err := o.store.UpdateStep(ctx, id, step.Stage, upd); err != nil {
			return err
		}
	}

	failed := schema.WorkflowStatusFailed
	if err := o.store.UpdateWorkflow(ctx, id, store.WorkflowUpdate{Status: &failed, Error: &msg, CompletedAt: &now}); err != nil {
		return err
	}
	o.metrics.WorkflowsFinished.WithLabelValues(string(failed)).Inc()
	o.publish(ctx, id, failed, nil, map[string]any{"error": msg})
	o.logger.WarnContext(logging.WithWorkflowID(ctx, id), "recovered interrupted workflow")
	return nil
}

// errorMessage is the human-readable part of err.
func errorMessage(err error) string {
	var sErr *schema.Error
	if errors.As(err, &sErr) && sErr.Message != "" {
		return sErr.Message
	}
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
