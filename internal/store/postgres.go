package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendis/agentchain/pkg/schema"
)

const pgUniqueViolation = "23505"

// PostgresStore implements the Store interface on PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database described by dsn.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreFromPool wraps an existing pool. The store takes ownership of it.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate runs all pending database migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMPTZ DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range pending(postgresMigrations, current) {
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			for _, stmt := range splitStatements(m.SQL) {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
				}
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_version (version, name) VALUES ($1, $2)`, m.Version, m.Name)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Vacuum reclaims storage and refreshes planner statistics.
func (s *PostgresStore) Vacuum(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "VACUUM ANALYZE")
	return err
}

// --- Workflows ---

func (s *PostgresStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	if wf.Status == "" {
		wf.Status = schema.WorkflowStatusPending
	}
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = wf.CreatedAt
	wf.Steps = newSteps()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO workflows (id, status, requirements, context, provider, temperature, max_tokens, error, created_at, started_at, completed_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			wf.ID, string(wf.Status), wf.Requirements, nullStr(wf.Context), wf.Provider,
			wf.Temperature, wf.MaxTokens, nullStr(wf.Error),
			wf.CreatedAt, wf.StartedAt, wf.CompletedAt, wf.UpdatedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return storeAlreadyExists("workflow", wf.ID)
			}
			return fmt.Errorf("insert workflow: %w", err)
		}

		batch := &pgx.Batch{}
		for i, step := range wf.Steps {
			batch.Queue(`INSERT INTO workflow_steps (workflow_id, stage, position, status) VALUES ($1, $2, $3, $4)`,
				wf.ID, string(step.Stage), i, string(step.Status))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert steps: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf, err := scanPgWorkflow(s.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if update.Status != nil {
		sets = append(sets, "status = "+arg(string(*update.Status)))
	}
	if update.Error != nil {
		sets = append(sets, "error = "+arg(*update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = "+arg(*update.StartedAt))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = "+arg(*update.CompletedAt))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = "+arg(time.Now().UTC()))

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = %s AND status NOT IN %s",
		strings.Join(sets, ", "), arg(id), terminalWorkflowStatuses)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM workflows WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return storeNotFound("workflow", id)
	}
	if err != nil {
		return err
	}
	return storeFinal("workflow", id, status)
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowSummary, error) {
	query := "SELECT " + workflowColumns + " FROM workflows"
	var args []any
	if filter.Status != nil && *filter.Status != "" {
		args = append(args, string(*filter.Status))
		query += " WHERE status = $1"
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanPgWorkflow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
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

func (s *PostgresStore) DeleteWorkflow(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete workflow: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM workflows GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.add(schema.WorkflowStatus(status), int(n))
	}
	return stats, rows.Err()
}

// --- Steps ---

func (s *PostgresStore) UpdateStep(ctx context.Context, id string, stage schema.Stage, update StepUpdate) error {
	args := []any{string(update.Status)}
	sets := []string{"status = $1"}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if update.Result != nil {
		sets = append(sets, "result = "+arg(string(update.Result)))
	}
	if update.Error != nil {
		sets = append(sets, "error = "+arg(*update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = "+arg(*update.StartedAt))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = "+arg(*update.CompletedAt))
	}

	query := fmt.Sprintf("UPDATE workflow_steps SET %s WHERE workflow_id = %s AND stage = %s AND status NOT IN %s",
		strings.Join(sets, ", "), arg(id), arg(string(stage)), terminalStepStatuses)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	key := id + "/" + string(stage)
	var status string
	err = s.pool.QueryRow(ctx,
		`SELECT status FROM workflow_steps WHERE workflow_id = $1 AND stage = $2`, id, string(stage),
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return storeNotFound("step", key)
	}
	if err != nil {
		return err
	}
	return storeFinal("step", key, status)
}

func (s *PostgresStore) loadSteps(ctx context.Context, ids []string) (map[string][]*Step, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT workflow_id, stage, status, result, error, started_at, completed_at
		 FROM workflow_steps WHERE workflow_id = ANY($1) ORDER BY workflow_id, position`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]*Step, len(ids))
	for rows.Next() {
		st := &Step{}
		var (
			workflowID, stage, status string
			result                    []byte
			errMsg                    *string
		)
		if err := rows.Scan(&workflowID, &stage, &status, &result, &errMsg, &st.StartedAt, &st.CompletedAt); err != nil {
			return nil, err
		}
		st.Stage = schema.Stage(stage)
		st.Status = schema.StepStatus(status)
		if len(result) > 0 {
			st.Result = result
		}
		if errMsg != nil {
			st.Error = *errMsg
		}
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

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *Message) error {
	msg.CreatedAt = timeOrNow(msg.CreatedAt)
	err := s.pool.QueryRow(ctx,
		`INSERT INTO conversation_messages (workflow_id, stage, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		msg.WorkflowID, string(msg.Stage), string(msg.Role), msg.Content, msg.CreatedAt,
	).Scan(&msg.ID)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, workflowID string) ([]*Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, workflow_id, stage, role, content, created_at
		 FROM conversation_messages WHERE workflow_id = $1 ORDER BY created_at ASC, id ASC`, workflowID)
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

func scanPgWorkflow(row pgx.Row) (*Workflow, error) {
	wf := &Workflow{}
	var (
		status            string
		wfContext, errMsg *string
	)
	if err := row.Scan(&wf.ID, &status, &wf.Requirements, &wfContext, &wf.Provider, &wf.Temperature, &wf.MaxTokens,
		&errMsg, &wf.CreatedAt, &wf.StartedAt, &wf.CompletedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Status = schema.WorkflowStatus(status)
	if wfContext != nil {
		wf.Context = *wfContext
	}
	if errMsg != nil {
		wf.Error = *errMsg
	}
	return wf, nil
}
