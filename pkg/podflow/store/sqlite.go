package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/podflow/podflow/pkg/podflow/model"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore implements Store on SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS pods (
	id TEXT PRIMARY KEY,
	flow_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT '',
	last_execution_id TEXT NOT NULL DEFAULT '',
	pos_x REAL NOT NULL DEFAULT 0,
	pos_y REAL NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pods_flow ON pods(flow_id);

CREATE TABLE IF NOT EXISTS edges (
	id TEXT PRIMARY KEY,
	flow_id TEXT NOT NULL,
	source_pod_id TEXT NOT NULL,
	target_pod_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_edges_flow ON edges(flow_id);

CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	pod_id TEXT NOT NULL,
	flow_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	provider TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	reasoning_tokens INTEGER NOT NULL DEFAULT 0,
	cached_tokens INTEGER NOT NULL DEFAULT 0,
	cost TEXT NOT NULL DEFAULT '0',
	charge TEXT NOT NULL DEFAULT '0',
	credits INTEGER NOT NULL DEFAULT 0,
	request BLOB,
	response BLOB,
	error_message TEXT NOT NULL DEFAULT '',
	error_code TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	completed_at TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_executions_pod_status ON executions(pod_id, status);

CREATE TABLE IF NOT EXISTS credentials (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	ciphertext TEXT NOT NULL,
	key_id TEXT NOT NULL DEFAULT '',
	custom_endpoint TEXT NOT NULL DEFAULT '',
	request_count INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	total_cost TEXT NOT NULL DEFAULT '0',
	last_used_at TEXT NOT NULL DEFAULT '',
	last_error_at TEXT NOT NULL DEFAULT '',
	UNIQUE(workspace_id, provider)
);

CREATE TABLE IF NOT EXISTS pricing_tiers (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	input_per_million TEXT NOT NULL,
	output_per_million TEXT NOT NULL,
	reasoning_per_million TEXT NOT NULL DEFAULT '0',
	is_reasoning INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	effective_date TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pricing_lookup ON pricing_tiers(provider, model, effective_date);

CREATE TABLE IF NOT EXISTS usage_metrics (
	workspace_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	day TEXT NOT NULL,
	requests INTEGER NOT NULL DEFAULT 0,
	tokens INTEGER NOT NULL DEFAULT 0,
	cost TEXT NOT NULL DEFAULT '0',
	PRIMARY KEY (workspace_id, provider, day)
);
`

// NewSQLiteStore opens (or creates) the database at path.
// Use ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) guard() error {
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

func parseDecimal(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// placeholders returns "?, ?, ..." for n parameters.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// --- PodStore ---

// GetPod implements PodStore.
func (s *SQLiteStore) GetPod(ctx context.Context, id string) (*model.Pod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, flow_id, workspace_id, name, type, status, last_execution_id,
		       pos_x, pos_y, created_at, updated_at
		FROM pods WHERE id = ?
	`, id)
	return scanPod(row)
}

func scanPod(row *sql.Row) (*model.Pod, error) {
	var p model.Pod
	var created, updated string
	err := row.Scan(&p.ID, &p.FlowID, &p.WorkspaceID, &p.Name, (*string)(&p.Type),
		&p.Status, &p.LastExecutionID, &p.PositionX, &p.PositionY, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pod: %w", err)
	}
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

// ListFlowPods implements PodStore.
func (s *SQLiteStore) ListFlowPods(ctx context.Context, flowID string) ([]model.Pod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, flow_id, workspace_id, name, type, status, last_execution_id,
		       pos_x, pos_y, created_at, updated_at
		FROM pods WHERE flow_id = ?
	`, flowID)
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}
	defer rows.Close()

	var pods []model.Pod
	for rows.Next() {
		var p model.Pod
		var created, updated string
		if err := rows.Scan(&p.ID, &p.FlowID, &p.WorkspaceID, &p.Name, (*string)(&p.Type),
			&p.Status, &p.LastExecutionID, &p.PositionX, &p.PositionY, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan pod: %w", err)
		}
		p.CreatedAt = parseTime(created)
		p.UpdatedAt = parseTime(updated)
		pods = append(pods, p)
	}
	return pods, rows.Err()
}

// ListFlowEdges implements PodStore.
func (s *SQLiteStore) ListFlowEdges(ctx context.Context, flowID string) ([]model.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, flow_id, source_pod_id, target_pod_id
		FROM edges WHERE flow_id = ?
	`, flowID)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	var edges []model.Edge
	for rows.Next() {
		var e model.Edge
		if err := rows.Scan(&e.ID, &e.FlowID, &e.SourcePodID, &e.TargetPodID); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// PutPod implements PodStore.
func (s *SQLiteStore) PutPod(ctx context.Context, pod *model.Pod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if pod.CreatedAt.IsZero() {
		pod.CreatedAt = now
	}
	pod.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO pods
		(id, flow_id, workspace_id, name, type, status, last_execution_id, pos_x, pos_y, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, pod.ID, pod.FlowID, pod.WorkspaceID, pod.Name, string(pod.Type), pod.Status,
		pod.LastExecutionID, pod.PositionX, pod.PositionY, formatTime(pod.CreatedAt), formatTime(pod.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put pod: %w", err)
	}
	return nil
}

// PutEdge implements PodStore.
func (s *SQLiteStore) PutEdge(ctx context.Context, edge *model.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO edges (id, flow_id, source_pod_id, target_pod_id)
		VALUES (?, ?, ?, ?)
	`, edge.ID, edge.FlowID, edge.SourcePodID, edge.TargetPodID)
	if err != nil {
		return fmt.Errorf("put edge: %w", err)
	}
	return nil
}

// UpdatePodExecution implements PodStore.
func (s *SQLiteStore) UpdatePodExecution(ctx context.Context, podID, status, lastExecutionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE pods SET status = ?, last_execution_id = ?, updated_at = ?
		WHERE id = ?
	`, status, lastExecutionID, formatTime(time.Now()), podID)
	if err != nil {
		return fmt.Errorf("update pod execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- ExecutionStore ---

const executionCols = `id, pod_id, flow_id, workspace_id, user_id, status, provider, model,
	prompt_tokens, completion_tokens, reasoning_tokens, cached_tokens, cost, charge, credits,
	request, response, error_message, error_code, started_at, completed_at`

// qualifiedExecutionCols is executionCols with every column prefixed for
// queries that join executions against a derived table.
const qualifiedExecutionCols = `e.id, e.pod_id, e.flow_id, e.workspace_id, e.user_id, e.status, e.provider, e.model,
	e.prompt_tokens, e.completion_tokens, e.reasoning_tokens, e.cached_tokens, e.cost, e.charge, e.credits,
	e.request, e.response, e.error_message, e.error_code, e.started_at, e.completed_at`

func scanExecution(scan func(dest ...any) error) (*model.Execution, error) {
	var e model.Execution
	var cost, charge, started, completed string
	// request/response are NULL until the terminal write lands; scan
	// through []byte so NULL maps to nil instead of failing.
	var request, response []byte
	err := scan(&e.ID, &e.PodID, &e.FlowID, &e.WorkspaceID, &e.UserID,
		(*string)(&e.Status), (*string)(&e.Provider), &e.Model,
		&e.PromptTokens, &e.CompletionTokens, &e.ReasoningTokens, &e.CachedTokens,
		&cost, &charge, &e.Credits, &request, &response,
		&e.ErrorMessage, &e.ErrorCode, &started, &completed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	e.Cost = parseDecimal(cost)
	e.Charge = parseDecimal(charge)
	e.Request = request
	e.Response = response
	e.StartedAt = parseTime(started)
	e.CompletedAt = parseTime(completed)
	return &e, nil
}

// CreateExecution implements ExecutionStore.
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (`+executionCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.PodID, exec.FlowID, exec.WorkspaceID, exec.UserID,
		string(exec.Status), string(exec.Provider), exec.Model,
		exec.PromptTokens, exec.CompletionTokens, exec.ReasoningTokens, exec.CachedTokens,
		exec.Cost.String(), exec.Charge.String(), exec.Credits, []byte(exec.Request), []byte(exec.Response),
		exec.ErrorMessage, exec.ErrorCode, formatTime(exec.StartedAt), formatTime(exec.CompletedAt))
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// GetExecution implements ExecutionStore.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+executionCols+` FROM executions WHERE id = ?`, id)
	return scanExecution(row.Scan)
}

// GetCompletedByIDs implements ExecutionStore.
func (s *SQLiteStore) GetCompletedByIDs(ctx context.Context, ids []string) ([]model.Execution, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionCols+` FROM executions
		WHERE status = 'COMPLETED' AND id IN (`+placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("get executions by ids: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// LatestCompletedByPods implements ExecutionStore.
// Execution ids are ULIDs, so MAX(id) per pod is the most recent row.
func (s *SQLiteStore) LatestCompletedByPods(ctx context.Context, podIDs []string) (map[string]model.Execution, error) {
	if len(podIDs) == 0 {
		return map[string]model.Execution{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	args := make([]any, 0, len(podIDs))
	for _, id := range podIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+qualifiedExecutionCols+` FROM executions e
		JOIN (
			SELECT pod_id, MAX(id) AS max_id FROM executions
			WHERE status = 'COMPLETED' AND pod_id IN (`+placeholders(len(podIDs))+`)
			GROUP BY pod_id
		) latest ON e.id = latest.max_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("latest executions by pods: %w", err)
	}
	defer rows.Close()

	execs, err := collectExecutions(rows)
	if err != nil {
		return nil, err
	}

	byPod := make(map[string]model.Execution, len(execs))
	for _, e := range execs {
		byPod[e.PodID] = e
	}
	return byPod, nil
}

// ListRecentCompleted implements ExecutionStore.
func (s *SQLiteStore) ListRecentCompleted(ctx context.Context, podID string, limit int) ([]model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionCols+` FROM executions
		WHERE pod_id = ? AND status = 'COMPLETED'
		ORDER BY id DESC LIMIT ?
	`, podID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent executions: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

func collectExecutions(rows *sql.Rows) ([]model.Execution, error) {
	var execs []model.Execution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		execs = append(execs, *e)
	}
	return execs, rows.Err()
}

// MarkRunning implements ExecutionStore.
func (s *SQLiteStore) MarkRunning(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = 'RUNNING', started_at = ?
		WHERE id = ? AND status = 'QUEUED'
	`, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCompleted implements ExecutionStore.
func (s *SQLiteStore) MarkCompleted(ctx context.Context, exec *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	// Terminal rows are never rewritten; the status guard enforces it.
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET
			status = 'COMPLETED',
			prompt_tokens = ?, completion_tokens = ?, reasoning_tokens = ?, cached_tokens = ?,
			cost = ?, charge = ?, credits = ?, response = ?, completed_at = ?
		WHERE id = ? AND status IN ('QUEUED', 'RUNNING')
	`, exec.PromptTokens, exec.CompletionTokens, exec.ReasoningTokens, exec.CachedTokens,
		exec.Cost.String(), exec.Charge.String(), exec.Credits, []byte(exec.Response), formatTime(time.Now()),
		exec.ID)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkError implements ExecutionStore.
func (s *SQLiteStore) MarkError(ctx context.Context, id, message, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = 'ERROR', error_message = ?, error_code = ?, completed_at = ?
		WHERE id = ? AND status IN ('QUEUED', 'RUNNING')
	`, message, code, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCancelled implements ExecutionStore.
func (s *SQLiteStore) MarkCancelled(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = 'CANCELLED', completed_at = ?
		WHERE id = ? AND status = 'QUEUED'
	`, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- CredentialStore ---

// GetCredential implements CredentialStore.
func (s *SQLiteStore) GetCredential(ctx context.Context, workspaceID string, provider model.Provider) (*model.ProviderCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	var c model.ProviderCredential
	var cost, used, errored string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, provider, ciphertext, key_id, custom_endpoint,
		       request_count, total_tokens, total_cost, last_used_at, last_error_at
		FROM credentials WHERE workspace_id = ? AND provider = ?
	`, workspaceID, string(provider)).Scan(
		&c.ID, &c.WorkspaceID, (*string)(&c.Provider), &c.Ciphertext, &c.KeyID, &c.CustomEndpoint,
		&c.RequestCount, &c.TotalTokens, &cost, &used, &errored)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	c.TotalCost = parseDecimal(cost)
	c.LastUsedAt = parseTime(used)
	c.LastErrorAt = parseTime(errored)
	return &c, nil
}

// PutCredential implements CredentialStore.
func (s *SQLiteStore) PutCredential(ctx context.Context, cred *model.ProviderCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO credentials
		(id, workspace_id, provider, ciphertext, key_id, custom_endpoint,
		 request_count, total_tokens, total_cost, last_used_at, last_error_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cred.ID, cred.WorkspaceID, string(cred.Provider), cred.Ciphertext, cred.KeyID,
		cred.CustomEndpoint, cred.RequestCount, cred.TotalTokens, cred.TotalCost.String(),
		formatTime(cred.LastUsedAt), formatTime(cred.LastErrorAt))
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

// RecordUsage implements CredentialStore.
// Cost is stored as decimal text, so the increment is read-modify-write
// inside one transaction.
func (s *SQLiteStore) RecordUsage(ctx context.Context, credentialID string, tokens int64, cost decimal.Decimal, errored bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage tx: %w", err)
	}
	defer tx.Rollback()

	var prior string
	if err := tx.QueryRowContext(ctx, `SELECT total_cost FROM credentials WHERE id = ?`, credentialID).Scan(&prior); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("read credential cost: %w", err)
	}
	total := parseDecimal(prior).Add(cost)

	now := formatTime(time.Now())
	stampCol := "last_used_at"
	if errored {
		stampCol = "last_error_at"
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credentials SET
			request_count = request_count + 1,
			total_tokens = total_tokens + ?,
			total_cost = ?,
			`+stampCol+` = ?
		WHERE id = ?
	`, tokens, total.String(), now, credentialID); err != nil {
		return fmt.Errorf("update credential usage: %w", err)
	}

	return tx.Commit()
}

// --- PricingStore ---

// ActiveTier implements PricingStore.
func (s *SQLiteStore) ActiveTier(ctx context.Context, provider model.Provider, m string, now time.Time) (*model.PricingTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	var t model.PricingTier
	var input, output, reasoning, effective string
	var isReasoning, active int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, provider, model, input_per_million, output_per_million, reasoning_per_million,
		       is_reasoning, active, effective_date
		FROM pricing_tiers
		WHERE provider = ? AND model = ? AND active = 1 AND effective_date <= ?
		ORDER BY effective_date DESC LIMIT 1
	`, string(provider), m, formatTime(now)).Scan(
		&t.ID, (*string)(&t.Provider), &t.Model, &input, &output, &reasoning,
		&isReasoning, &active, &effective)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup pricing tier: %w", err)
	}
	t.InputPerMillion = parseDecimal(input)
	t.OutputPerMillion = parseDecimal(output)
	t.ReasoningPerMillion = parseDecimal(reasoning)
	t.IsReasoningModel = isReasoning != 0
	t.Active = active != 0
	t.EffectiveDate = parseTime(effective)
	return &t, nil
}

// PutTier implements PricingStore.
func (s *SQLiteStore) PutTier(ctx context.Context, tier *model.PricingTier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	isReasoning, active := 0, 0
	if tier.IsReasoningModel {
		isReasoning = 1
	}
	if tier.Active {
		active = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO pricing_tiers
		(id, provider, model, input_per_million, output_per_million, reasoning_per_million,
		 is_reasoning, active, effective_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tier.ID, string(tier.Provider), tier.Model, tier.InputPerMillion.String(),
		tier.OutputPerMillion.String(), tier.ReasoningPerMillion.String(),
		isReasoning, active, formatTime(tier.EffectiveDate))
	if err != nil {
		return fmt.Errorf("put pricing tier: %w", err)
	}
	return nil
}

// --- UsageStore ---

// UpsertDaily implements UsageStore.
func (s *SQLiteStore) UpsertDaily(ctx context.Context, m *model.UsageMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metric tx: %w", err)
	}
	defer tx.Rollback()

	var priorCost string
	err = tx.QueryRowContext(ctx, `
		SELECT cost FROM usage_metrics WHERE workspace_id = ? AND provider = ? AND day = ?
	`, m.WorkspaceID, string(m.Provider), m.Day).Scan(&priorCost)

	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO usage_metrics (workspace_id, provider, day, requests, tokens, cost)
			VALUES (?, ?, ?, ?, ?, ?)
		`, m.WorkspaceID, string(m.Provider), m.Day, m.Requests, m.Tokens, m.Cost.String()); err != nil {
			return fmt.Errorf("insert usage metric: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read usage metric: %w", err)
	default:
		total := parseDecimal(priorCost).Add(m.Cost)
		if _, err := tx.ExecContext(ctx, `
			UPDATE usage_metrics SET requests = requests + ?, tokens = tokens + ?, cost = ?
			WHERE workspace_id = ? AND provider = ? AND day = ?
		`, m.Requests, m.Tokens, total.String(), m.WorkspaceID, string(m.Provider), m.Day); err != nil {
			return fmt.Errorf("update usage metric: %w", err)
		}
	}

	return tx.Commit()
}
