package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/spiral/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/spiral.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

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

type rowScanner interface {
	Scan(dest ...any) error
}

// --- Workflows ---

const workflowColumns = `id, definition, version, enabled, execution_count, success_count, failure_count, cancelled_count, avg_duration_ms, last_run_at, created_at, updated_at`

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	now := s.now()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	def, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	var lastRun any
	if wf.Stats.LastRunAt != nil {
		lastRun = *wf.Stats.LastRunAt
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, version, enabled, trigger_kind, owner, definition,
		   execution_count, success_count, failure_count, cancelled_count, avg_duration_ms, last_run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, version=excluded.version, enabled=excluded.enabled,
		   trigger_kind=excluded.trigger_kind, owner=excluded.owner, definition=excluded.definition, updated_at=excluded.updated_at`,
		wf.ID, wf.Name, wf.Version, boolInt(wf.Enabled), string(wf.Trigger.Kind), nullStr(wf.Owner), string(def),
		wf.Stats.ExecutionCount, wf.Stats.SuccessCount, wf.Stats.FailureCount, wf.Stats.CancelledCount,
		wf.Stats.AvgDurationMS, lastRun, wf.CreatedAt, wf.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow name %q already in use", wf.Name)
	}
	return wrapStoreErr(err, "save workflow")
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) GetWorkflowByName(ctx context.Context, name string) (*schema.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE name = ?`, name)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", name)
	}
	return wf, err
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.TriggerKind != "" {
		where = append(where, "trigger_kind = ?")
		args = append(args, string(filter.TriggerKind))
	}
	if filter.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, filter.Owner)
	}

	query := "SELECT " + workflowColumns + " FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreErr(err, "list workflows")
	}
	defer rows.Close()

	var workflows []*schema.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return wrapStoreErr(err, "delete workflow")
	}
	return checkRowsAffected(res, "workflow", id)
}

func scanWorkflow(row rowScanner) (*schema.Workflow, error) {
	var (
		id, defJSON string
		version     int
		enabled     int
		stats       schema.WorkflowStats
		lastRun     sql.NullTime
		created     time.Time
		updated     time.Time
	)
	if err := row.Scan(&id, &defJSON, &version, &enabled,
		&stats.ExecutionCount, &stats.SuccessCount, &stats.FailureCount, &stats.CancelledCount,
		&stats.AvgDurationMS, &lastRun, &created, &updated); err != nil {
		return nil, err
	}
	wf := &schema.Workflow{}
	if err := json.Unmarshal([]byte(defJSON), wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow %s: %w", id, err)
	}
	if lastRun.Valid {
		t := lastRun.Time
		stats.LastRunAt = &t
	}
	wf.ID = id
	wf.Version = version
	wf.Enabled = enabled != 0
	wf.Stats = stats
	wf.CreatedAt = created
	wf.UpdatedAt = updated
	return wf, nil
}

// --- Execution history ---

// AppendExecutionHistory inserts or updates a run record. A record that is
// already terminal is never overwritten: the write fails with
// INVALID_TRANSITION.
func (s *LibSQLStore) AppendExecutionHistory(ctx context.Context, rec *schema.RunRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_history (run_id, workflow_id, parent_run_id, status, record, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET status=excluded.status, record=excluded.record,
		   completed_at=excluded.completed_at, duration_ms=excluded.duration_ms
		 WHERE execution_history.status NOT IN ('completed', 'failed', 'cancelled')`,
		rec.RunID, rec.WorkflowID, nullStr(rec.ParentRunID), string(rec.Status), string(data),
		timeOrNow(rec.StartedAt), nullTime(rec.CompletedAt), rec.DurationMS,
	)
	if err != nil {
		return wrapStoreErr(err, "append execution history")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return TerminalRunError(rec.RunID)
	}
	return nil
}

// TerminalRunError reports a write to a run record that is already terminal.
func TerminalRunError(runID string) *schema.SpiralError {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is already terminal", runID)
}

func (s *LibSQLStore) GetExecutionHistory(ctx context.Context, runID string) (*schema.RunRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM execution_history WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", runID)
	}
	if err != nil {
		return nil, wrapStoreErr(err, "get execution history")
	}
	rec := &schema.RunRecord{}
	if err := json.Unmarshal([]byte(data), rec); err != nil {
		return nil, fmt.Errorf("unmarshal run record %s: %w", runID, err)
	}
	return rec, nil
}

func (s *LibSQLStore) ListExecutionHistory(ctx context.Context, filter HistoryFilter) ([]*schema.RunRecord, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT record FROM execution_history"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreErr(err, "list execution history")
	}
	defer rows.Close()

	var records []*schema.RunRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		rec := &schema.RunRecord{}
		if err := json.Unmarshal([]byte(data), rec); err != nil {
			return nil, fmt.Errorf("unmarshal run record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *LibSQLStore) RecordRunOutcome(ctx context.Context, workflowID string, status schema.RunStatus, durationMS float64, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var stats schema.WorkflowStats
	err = tx.QueryRowContext(ctx,
		`SELECT execution_count, success_count, failure_count, cancelled_count, avg_duration_ms FROM workflows WHERE id = ?`, workflowID,
	).Scan(&stats.ExecutionCount, &stats.SuccessCount, &stats.FailureCount, &stats.CancelledCount, &stats.AvgDurationMS)
	if errors.Is(err, sql.ErrNoRows) {
		return storeNotFound("workflow", workflowID)
	}
	if err != nil {
		return wrapStoreErr(err, "read workflow stats")
	}

	stats.Record(status, durationMS, at)

	_, err = tx.ExecContext(ctx,
		`UPDATE workflows SET execution_count = ?, success_count = ?, failure_count = ?, cancelled_count = ?,
		   avg_duration_ms = ?, last_run_at = ? WHERE id = ?`,
		stats.ExecutionCount, stats.SuccessCount, stats.FailureCount, stats.CancelledCount,
		stats.AvgDurationMS, at, workflowID,
	)
	if err != nil {
		return wrapStoreErr(err, "write workflow stats")
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit stats: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetStatistics(ctx context.Context) (*schema.Statistics, error) {
	out := &schema.Statistics{
		RunsByStatus: make(map[schema.RunStatus]int64),
		PerWorkflow:  make(map[string]schema.WorkflowStats),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, enabled, execution_count, success_count, failure_count, cancelled_count, avg_duration_ms, last_run_at FROM workflows`)
	if err != nil {
		return nil, wrapStoreErr(err, "read statistics")
	}
	for rows.Next() {
		var (
			id      string
			enabled int
			st      schema.WorkflowStats
			lastRun sql.NullTime
		)
		if err := rows.Scan(&id, &enabled, &st.ExecutionCount, &st.SuccessCount, &st.FailureCount,
			&st.CancelledCount, &st.AvgDurationMS, &lastRun); err != nil {
			rows.Close()
			return nil, err
		}
		if lastRun.Valid {
			t := lastRun.Time
			st.LastRunAt = &t
		}
		out.Workflows++
		if enabled != 0 {
			out.EnabledWorkflows++
		}
		out.TotalExecutions += st.ExecutionCount
		out.TotalSuccesses += st.SuccessCount
		out.TotalFailures += st.FailureCount
		out.TotalCancelled += st.CancelledCount
		out.PerWorkflow[id] = st
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	statusRows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM execution_history GROUP BY status`)
	if err != nil {
		return nil, wrapStoreErr(err, "count runs")
	}
	defer statusRows.Close()
	for statusRows.Next() {
		var status string
		var n int64
		if err := statusRows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out.RunsByStatus[schema.RunStatus(status)] = n
	}
	return out, statusRows.Err()
}

// --- Key-value ---

func (s *LibSQLStore) PutValue(ctx context.Context, entry *KVEntry) error {
	if entry.Key == "" {
		return schema.ValidationError("kv key is required")
	}
	var meta any
	if len(entry.Metadata) > 0 {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal kv metadata: %w", err)
		}
		meta = string(b)
	}
	value := entry.Value
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_store (key, value, metadata, expires_at, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, metadata=excluded.metadata,
		   expires_at=excluded.expires_at, updated_at=excluded.updated_at`,
		entry.Key, string(value), meta, nullTime(entry.ExpiresAt), now, now,
	)
	return wrapStoreErr(err, "put value")
}

func (s *LibSQLStore) GetValue(ctx context.Context, key string) (*KVEntry, error) {
	e := &KVEntry{Key: key}
	var (
		value   string
		meta    sql.NullString
		expires sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, metadata, expires_at, created_at, updated_at FROM kv_store WHERE key = ?`, key,
	).Scan(&value, &meta, &expires, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("key", key)
	}
	if err != nil {
		return nil, wrapStoreErr(err, "get value")
	}
	if expires.Valid {
		t := expires.Time
		e.ExpiresAt = &t
	}
	if e.Expired(s.now()) {
		return nil, storeNotFound("key", key)
	}
	e.Value = json.RawMessage(value)
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &e.Metadata)
	}
	return e, nil
}

func (s *LibSQLStore) DeleteValue(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key)
	if err != nil {
		return wrapStoreErr(err, "delete value")
	}
	return checkRowsAffected(res, "key", key)
}

// PurgeExpired removes every expired key and returns how many were dropped.
func (s *LibSQLStore) PurgeExpired(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, expires_at FROM kv_store WHERE expires_at IS NOT NULL`)
	if err != nil {
		return 0, wrapStoreErr(err, "scan expired keys")
	}
	now := s.now()
	var expired []string
	for rows.Next() {
		var key string
		var at time.Time
		if err := rows.Scan(&key, &at); err != nil {
			rows.Close()
			return 0, err
		}
		if !now.Before(at) {
			expired = append(expired, key)
		}
	}
	rows.Close()

	for _, key := range expired {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key); err != nil {
			return 0, wrapStoreErr(err, "purge key")
		}
	}
	return len(expired), nil
}

// --- Webhook subscriptions ---

const subscriptionColumns = `id, owner, url, events, secret, filter, status, timeout_seconds, max_retries, retry_backoff_seconds,
	total_deliveries, successful_deliveries, failed_deliveries, last_delivery_at, last_success_at, last_failure_at, created_at, updated_at`

func (s *LibSQLStore) CreateSubscription(ctx context.Context, sub *schema.WebhookSubscription) error {
	events, err := json.Marshal(sub.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	now := s.now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhook_subscriptions (id, owner, url, events, secret, filter, status, timeout_seconds, max_retries,
		   retry_backoff_seconds, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, nullStr(sub.Owner), sub.URL, string(events), sub.Secret, nullStr(sub.Filter), string(sub.Status),
		sub.TimeoutSeconds, sub.MaxRetries, sub.RetryBackoffSeconds, sub.CreatedAt, sub.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "subscription %q already exists", sub.ID)
	}
	return wrapStoreErr(err, "create subscription")
}

func (s *LibSQLStore) GetSubscription(ctx context.Context, id string) (*schema.WebhookSubscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("subscription", id)
	}
	return sub, err
}

func (s *LibSQLStore) ListSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]*schema.WebhookSubscription, error) {
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, filter.Owner)
	}

	query := "SELECT " + subscriptionColumns + " FROM webhook_subscriptions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreErr(err, "list subscriptions")
	}
	defer rows.Close()

	var subs []*schema.WebhookSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		if filter.Event != "" && !sub.Subscribes(filter.Event) {
			continue
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *LibSQLStore) UpdateSubscription(ctx context.Context, sub *schema.WebhookSubscription) error {
	events, err := json.Marshal(sub.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	sub.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_subscriptions SET owner = ?, url = ?, events = ?, secret = ?, filter = ?, status = ?,
		   timeout_seconds = ?, max_retries = ?, retry_backoff_seconds = ?, updated_at = ? WHERE id = ?`,
		nullStr(sub.Owner), sub.URL, string(events), sub.Secret, nullStr(sub.Filter), string(sub.Status),
		sub.TimeoutSeconds, sub.MaxRetries, sub.RetryBackoffSeconds, sub.UpdatedAt, sub.ID,
	)
	if err != nil {
		return wrapStoreErr(err, "update subscription")
	}
	return checkRowsAffected(res, "subscription", sub.ID)
}

func (s *LibSQLStore) RecordDeliveryOutcome(ctx context.Context, subscriptionID string, success bool, at time.Time) error {
	query := `UPDATE webhook_subscriptions SET total_deliveries = total_deliveries + 1,
		successful_deliveries = successful_deliveries + 1, last_delivery_at = ?, last_success_at = ?, updated_at = ? WHERE id = ?`
	if !success {
		query = `UPDATE webhook_subscriptions SET total_deliveries = total_deliveries + 1,
		failed_deliveries = failed_deliveries + 1, last_delivery_at = ?, last_failure_at = ?, updated_at = ? WHERE id = ?`
	}
	res, err := s.db.ExecContext(ctx, query, at, at, s.now(), subscriptionID)
	if err != nil {
		return wrapStoreErr(err, "record delivery outcome")
	}
	return checkRowsAffected(res, "subscription", subscriptionID)
}

func (s *LibSQLStore) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = ?`, id)
	if err != nil {
		return wrapStoreErr(err, "delete subscription")
	}
	return checkRowsAffected(res, "subscription", id)
}

func scanSubscription(row rowScanner) (*schema.WebhookSubscription, error) {
	sub := &schema.WebhookSubscription{}
	var (
		owner, filter                       sql.NullString
		events, status                      string
		lastDelivery, lastSuccess, lastFail sql.NullTime
	)
	if err := row.Scan(&sub.ID, &owner, &sub.URL, &events, &sub.Secret, &filter, &status,
		&sub.TimeoutSeconds, &sub.MaxRetries, &sub.RetryBackoffSeconds,
		&sub.TotalDeliveries, &sub.SuccessfulDeliveries, &sub.FailedDeliveries,
		&lastDelivery, &lastSuccess, &lastFail, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(events), &sub.Events); err != nil {
		return nil, fmt.Errorf("unmarshal events of %s: %w", sub.ID, err)
	}
	sub.Owner = owner.String
	sub.Filter = filter.String
	sub.Status = schema.SubscriptionStatus(status)
	sub.LastDeliveryAt = timePtr(lastDelivery)
	sub.LastSuccessAt = timePtr(lastSuccess)
	sub.LastFailureAt = timePtr(lastFail)
	return sub, nil
}

// --- Webhook deliveries ---

const deliveryColumns = `id, subscription_id, event_kind, payload, signature, status, attempts, max_attempts,
	last_status_code, last_response, last_latency_ms, next_retry_at, error, created_at, updated_at, completed_at`

func (s *LibSQLStore) CreateDelivery(ctx context.Context, d *schema.WebhookDelivery) error {
	now := s.now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (id, subscription_id, event_kind, payload, signature, status, attempts, max_attempts,
		   last_status_code, last_response, last_latency_ms, next_retry_at, error, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SubscriptionID, d.EventKind, string(d.Payload), d.Signature, string(d.Status), d.Attempts, d.MaxAttempts,
		nullInt(d.LastStatusCode), nullStr(d.LastResponse), nullInt64(d.LastLatencyMS), nullTime(d.NextRetryAt),
		nullStr(d.Error), d.CreatedAt, d.UpdatedAt, nullTime(d.CompletedAt),
	)
	return wrapStoreErr(err, "create delivery")
}

func (s *LibSQLStore) UpdateDelivery(ctx context.Context, d *schema.WebhookDelivery) error {
	d.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_deliveries SET status = ?, attempts = ?, max_attempts = ?, last_status_code = ?, last_response = ?,
		   last_latency_ms = ?, next_retry_at = ?, error = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
		string(d.Status), d.Attempts, d.MaxAttempts, nullInt(d.LastStatusCode), nullStr(d.LastResponse),
		nullInt64(d.LastLatencyMS), nullTime(d.NextRetryAt), nullStr(d.Error), d.UpdatedAt, nullTime(d.CompletedAt), d.ID,
	)
	if err != nil {
		return wrapStoreErr(err, "update delivery")
	}
	return checkRowsAffected(res, "delivery", d.ID)
}

func (s *LibSQLStore) GetDelivery(ctx context.Context, id string) (*schema.WebhookDelivery, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = ?`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("delivery", id)
	}
	return d, err
}

func (s *LibSQLStore) ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]*schema.WebhookDelivery, error) {
	var where []string
	var args []any

	if filter.SubscriptionID != "" {
		where = append(where, "subscription_id = ?")
		args = append(args, filter.SubscriptionID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := "SELECT " + deliveryColumns + " FROM webhook_deliveries"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreErr(err, "list deliveries")
	}
	defer rows.Close()

	var out []*schema.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDelivery(row rowScanner) (*schema.WebhookDelivery, error) {
	d := &schema.WebhookDelivery{}
	var (
		payload, status      string
		statusCode, latency  sql.NullInt64
		response, errMsg     sql.NullString
		nextRetry, completed sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.SubscriptionID, &d.EventKind, &payload, &d.Signature, &status, &d.Attempts, &d.MaxAttempts,
		&statusCode, &response, &latency, &nextRetry, &errMsg, &d.CreatedAt, &d.UpdatedAt, &completed); err != nil {
		return nil, err
	}
	d.Payload = json.RawMessage(payload)
	d.Status = schema.DeliveryStatus(status)
	d.LastStatusCode = int(statusCode.Int64)
	d.LastResponse = response.String
	d.LastLatencyMS = latency.Int64
	d.NextRetryAt = timePtr(nextRetry)
	d.Error = errMsg.String
	d.CompletedAt = timePtr(completed)
	return d, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.SpiralError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func wrapStoreErr(err error, op string) error {
	if err == nil {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
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

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullInt64(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
