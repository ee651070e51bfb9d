package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/agentchain/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM workflows WHERE id = ?`, wf.ID).Scan(&exists)
	if err == nil {
		return storeAlreadyExists("workflow", wf.ID)
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("check workflow: %w", err)
	}

	if wf.Status == "" {
		wf.Status = schema.WorkflowStatusPending
	}
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = wf.CreatedAt
	wf.Steps = newSteps()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (id, status, requirements, context, provider, temperature, max_tokens, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, string(wf.Status), wf.Requirements, nullStr(wf.Context), wf.Provider,
		nullFloat(wf.Temperature), nullInt(wf.MaxTokens), nullStr(wf.Error),
		dbTime(wf.CreatedAt), nullTime(wf.StartedAt), nullTime(wf.CompletedAt), dbTime(wf.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}

	for i, step := range wf.Steps {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_steps (workflow_id, stage, position, status) VALUES (?, ?, ?, ?)`,
			wf.ID, string(step.Stage), i, string(step.Status),
		); err != nil {
			return fmt.Errorf("insert step %s: %w", step.Stage, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit workflow: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}

	steps, err := s.loadSteps(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	wf.Steps = steps[id]
	return wf, nil
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, dbTime(*update.StartedAt))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, dbTime(*update.CompletedAt))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, dbTime(time.Now()), id)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ? AND status NOT IN %s",
		strings.Join(sets, ", "), terminalWorkflowStatuses)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM workflows WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return storeNotFound("workflow", id)
	}
	if err != nil {
		return err
	}
	return storeFinal("workflow", id, status)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowSummary, error) {
	var where []string
	var args []any

	if filter.Status != nil && *filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := "SELECT " + workflowColumns + " FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	workflows, err := s.queryWorkflows(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(workflows) == 0 {
		return []*WorkflowSummary{}, nil
	}

	ids := make([]string, len(workflows))
	for i, wf := range workflows {
		ids[i] = wf.ID
	}
	steps, err := s.loadSteps(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]*WorkflowSummary, 0, len(workflows))
	for _, wf := range workflows {
		wf.Steps = steps[wf.ID]
		out = append(out, summarize(wf))
	}
	return out, nil
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Children first so deletion does not depend on the foreign_keys pragma.
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_messages WHERE workflow_id = ?`, id); err != nil {
		return false, fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_steps WHERE workflow_id = ?`, id); err != nil {
		return false, fmt.Errorf("delete steps: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete: %w", err)
	}
	return n > 0, nil
}

func (s *LibSQLStore) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM workflows GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.add(schema.WorkflowStatus(status), n)
	}
	return stats, rows.Err()
}

// --- Steps ---

func (s *LibSQLStore) UpdateStep(ctx context.Context, id string, stage schema.Stage, update StepUpdate) error {
	sets := []string{"status = ?"}
	args := []any{string(update.Status)}

	if update.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(update.Result))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, dbTime(*update.StartedAt))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, dbTime(*update.CompletedAt))
	}
	args = append(args, id, string(stage))

	query := fmt.Sprintf("UPDATE workflow_steps SET %s WHERE workflow_id = ? AND stage = ? AND status NOT IN %s",
		strings.Join(sets, ", "), terminalStepStatuses)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	key := id + "/" + string(stage)
	var status string
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM workflow_steps WHERE workflow_id = ? AND stage = ?`, id, string(stage),
	).Scan(&status)
	if err == sql.ErrNoRows {
		return storeNotFound("step", key)
	}
	if err != nil {
		return err
	}
	return storeFinal("step", key, status)
}

// loadSteps returns the steps of the given workflows keyed by workflow ID, in pipeline order.
func (s *LibSQLStore) loadSteps(ctx context.Context, ids []string) (map[string][]*Step, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, stage, status, result, error, started_at, completed_at
		 FROM workflow_steps WHERE workflow_id IN (`+placeholders+`) ORDER BY workflow_id, position`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]*Step, len(ids))
	for rows.Next() {
		st := &Step{}
		var (
			workflowID, stage, status string
			result, errMsg            sql.NullString
			startedAt, completedAt    sql.NullTime
		)
		if err := rows.Scan(&workflowID, &stage, &status, &result, &errMsg, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		st.Stage = schema.Stage(stage)
		st.Status = schema.StepStatus(status)
		st.Result = rawOrNil(result)
		st.Error = errMsg.String
		st.StartedAt = timePtr(startedAt)
		st.CompletedAt = timePtr(completedAt)
		out[workflowID] = append(out[workflowID], st)
	}
	for _, steps := range out {
		sort.SliceStable(steps, func(i, j int) bool {
			return stageIndex(steps[i].Stage) < stageIndex(steps[j].Stage)
		})
	}
	return out, rows.Err()
}

// --- Conversation log ---

func (s *LibSQLStore) AppendMessage(ctx context.Context, msg *Message) error {
	msg.CreatedAt = timeOrNow(msg.CreatedAt)
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO conversation_messages (workflow_id, stage, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`,
		msg.WorkflowID, string(msg.Stage), string(msg.Role), msg.Content, dbTime(msg.CreatedAt),
	).Scan(&msg.ID)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListMessages(ctx context.Context, workflowID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, stage, role, content, created_at
		 FROM conversation_messages WHERE workflow_id = ? ORDER BY created_at ASC, id ASC`,
		workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []*Message{}
	for rows.Next() {
		m := &Message{}
		var stage, role string
		if err := rows.Scan(&m.ID, &m.WorkflowID, &stage, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Stage = schema.Stage(stage)
		m.Role = schema.Role(role)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- Scanning ---

const workflowColumns = `id, status, requirements, context, provider, temperature, max_tokens, error, created_at, started_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	var (
		status                 string
		wfContext, errMsg      sql.NullString
		temperature            sql.NullFloat64
		maxTokens              sql.NullInt64
		startedAt, completedAt sql.NullTime
	)
	if err := row.Scan(&wf.ID, &status, &wf.Requirements, &wfContext, &wf.Provider, &temperature, &maxTokens,
		&errMsg, &wf.CreatedAt, &startedAt, &completedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Status = schema.WorkflowStatus(status)
	wf.Context = wfContext.String
	wf.Error = errMsg.String
	if temperature.Valid {
		t := temperature.Float64
		wf.Temperature = &t
	}
	if maxTokens.Valid {
		n := int(maxTokens.Int64)
		wf.MaxTokens = &n
	}
	wf.StartedAt = timePtr(startedAt)
	wf.CompletedAt = timePtr(completedAt)
	return wf, nil
}

func (s *LibSQLStore) queryWorkflows(ctx context.Context, query string, args ...any) ([]*Workflow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeAlreadyExists(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeAlreadyExists, "%s %q already exists", resource, id)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// timeLayout keeps stored timestamps fixed-width so they sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func dbTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return dbTime(*t)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return int64(*n)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
