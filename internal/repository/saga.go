// Package repository 数据访问层
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/internal/saga"
)

const executionColumns = `
	saga_id, saga_type, status, steps_total, steps_completed,
	metadata, rollback_steps,
	COALESCE(failed_step, ''), COALESCE(failure_reason, ''),
	COALESCE(resolved_by, ''), COALESCE(resolution_data, ''),
	initiated_at_ms, completed_at_ms, failed_at_ms, compensated_at_ms, resolved_at_ms`

// SagaRepository saga 执行记录仓储，实现 saga.Repository
type SagaRepository struct {
	db *sql.DB
}

// NewSagaRepository 创建仓储
func NewSagaRepository(db *sql.DB) *SagaRepository {
	return &SagaRepository{db: db}
}

// EnsureSchema 初始化表结构（幂等）
func (r *SagaRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, CreateTableSQL); err != nil {
		return fmt.Errorf("ensure saga schema: %w", err)
	}
	return nil
}

// Create 插入新记录
func (r *SagaRepository) Create(ctx context.Context, exec *saga.Execution) error {
	md, err := json.Marshal(exec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	rb, err := marshalRollbackSteps(exec.RollbackSteps)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO payment_saga.saga_executions
		(saga_id, saga_type, status, steps_total, steps_completed, metadata, rollback_steps, initiated_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.db.ExecContext(ctx, query,
		exec.SagaID, exec.SagaType, string(exec.Status),
		exec.StepsTotal, exec.StepsCompleted, md, rb, exec.InitiatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert saga: %w", err)
	}
	return nil
}

// Get 按 saga_id 查询
func (r *SagaRepository) Get(ctx context.Context, sagaID string) (*saga.Execution, error) {
	query := `SELECT ` + executionColumns + `
		FROM payment_saga.saga_executions
		WHERE saga_id = $1`
	exec, err := scanExecution(r.db.QueryRowContext(ctx, query, sagaID))
	if err == sql.ErrNoRows {
		return nil, saga.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query saga: %w", err)
	}
	return exec, nil
}

// AppendStep 持久化一步完成后的 metadata，仅在 processing 状态下生效
func (r *SagaRepository) AppendStep(ctx context.Context, sagaID string, md saga.Metadata) error {
	raw, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	query := `
		UPDATE payment_saga.saga_executions
		SET metadata = $2, steps_completed = steps_completed + 1
		WHERE saga_id = $1 AND status = 'processing'
	`
	return r.conditionalExec(ctx, "append step", query, sagaID, raw)
}

// MarkCompleted processing -> completed
func (r *SagaRepository) MarkCompleted(ctx context.Context, sagaID string, at int64) error {
	query := `
		UPDATE payment_saga.saga_executions
		SET status = 'completed', completed_at_ms = $2
		WHERE saga_id = $1 AND status = 'processing'
	`
	return r.conditionalExec(ctx, "mark completed", query, sagaID, at)
}

// MarkFailed processing -> failed
func (r *SagaRepository) MarkFailed(ctx context.Context, sagaID, failedStep, reason string, at int64) error {
	query := `
		UPDATE payment_saga.saga_executions
		SET status = 'failed', failed_step = $2, failure_reason = $3, failed_at_ms = $4
		WHERE saga_id = $1 AND status = 'processing'
	`
	return r.conditionalExec(ctx, "mark failed", query, sagaID, failedStep, reason, at)
}

// MarkCompensating failed|compensation_failed -> compensating
func (r *SagaRepository) MarkCompensating(ctx context.Context, sagaID string) error {
	query := `
		UPDATE payment_saga.saga_executions
		SET status = 'compensating'
		WHERE saga_id = $1 AND status IN ('failed', 'compensation_failed')
	`
	return r.conditionalExec(ctx, "mark compensating", query, sagaID)
}

// SaveRollbackSteps 覆盖写入补偿尝试日志
func (r *SagaRepository) SaveRollbackSteps(ctx context.Context, sagaID string, steps []saga.RollbackStep) error {
	raw, err := marshalRollbackSteps(steps)
	if err != nil {
		return err
	}
	query := `
		UPDATE payment_saga.saga_executions
		SET rollback_steps = $2
		WHERE saga_id = $1
	`
	return r.conditionalExec(ctx, "save rollback steps", query, sagaID, raw)
}

// MarkCompensated compensating -> compensated
func (r *SagaRepository) MarkCompensated(ctx context.Context, sagaID string, at int64) error {
	query := `
		UPDATE payment_saga.saga_executions
		SET status = 'compensated', compensated_at_ms = $2
		WHERE saga_id = $1 AND status = 'compensating'
	`
	return r.conditionalExec(ctx, "mark compensated", query, sagaID, at)
}

// MarkCompensationFailed compensating -> compensation_failed
func (r *SagaRepository) MarkCompensationFailed(ctx context.Context, sagaID string) error {
	query := `
		UPDATE payment_saga.saga_executions
		SET status = 'compensation_failed'
		WHERE saga_id = $1 AND status = 'compensating'
	`
	return r.conditionalExec(ctx, "mark compensation failed", query, sagaID)
}

// MarkManualResolutionRequired compensation_failed -> requires_manual_resolution
func (r *SagaRepository) MarkManualResolutionRequired(ctx context.Context, sagaID string) error {
	query := `
		UPDATE payment_saga.saga_executions
		SET status = 'requires_manual_resolution'
		WHERE saga_id = $1 AND status = 'compensation_failed'
	`
	return r.conditionalExec(ctx, "mark manual resolution", query, sagaID)
}

// Resolve 人工关闭，终态记录不可再关闭
func (r *SagaRepository) Resolve(ctx context.Context, sagaID, resolvedBy, resolutionData string, at int64) error {
	query := `
		UPDATE payment_saga.saga_executions
		SET status = 'manually_resolved', resolved_by = $2, resolution_data = $3, resolved_at_ms = $4
		WHERE saga_id = $1 AND status NOT IN ('completed', 'compensated', 'manually_resolved')
	`
	return r.conditionalExec(ctx, "resolve", query, sagaID, resolvedBy, resolutionData, at)
}

// AnnotateRetry 在原记录 metadata 上标注重试产生的新 saga_id
func (r *SagaRepository) AnnotateRetry(ctx context.Context, sagaID, retrySagaID string) error {
	query := `
		UPDATE payment_saga.saga_executions
		SET metadata = jsonb_set(metadata, '{retrySagaId}', to_jsonb($2::text), true)
		WHERE saga_id = $1
	`
	return r.conditionalExec(ctx, "annotate retry", query, sagaID, retrySagaID)
}

// ClaimOrphan 条件认领孤儿记录：processing -> failed。
// 未命中说明记录已被执行器或并发扫描推进，返回 claimed=false。
func (r *SagaRepository) ClaimOrphan(ctx context.Context, sagaID, reason string, at int64) (bool, error) {
	query := `
		UPDATE payment_saga.saga_executions
		SET status = 'failed', failure_reason = $2, failed_at_ms = $3
		WHERE saga_id = $1 AND status = 'processing'
	`
	result, err := r.db.ExecContext(ctx, query, sagaID, reason, at)
	if err != nil {
		return false, fmt.Errorf("claim orphan: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim orphan rows affected: %w", err)
	}
	return rows > 0, nil
}

// ListStuckProcessing 返回发起时间早于 cutoff 且仍在 processing 的记录
func (r *SagaRepository) ListStuckProcessing(ctx context.Context, cutoff int64) ([]*saga.Execution, error) {
	query := `SELECT ` + executionColumns + `
		FROM payment_saga.saga_executions
		WHERE status = 'processing' AND initiated_at_ms < $1
		ORDER BY initiated_at_ms ASC`
	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stuck sagas: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// List 条件查询，按发起时间倒序
func (r *SagaRepository) List(ctx context.Context, filter saga.Filter) ([]*saga.Execution, error) {
	query := `SELECT ` + executionColumns + `
		FROM payment_saga.saga_executions
		WHERE 1=1`
	var args []interface{}

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	} else if filter.NeedsAttention {
		query += " AND status IN ('failed', 'compensation_failed', 'requires_manual_resolution')"
	}
	if filter.InitiatedFrom > 0 {
		args = append(args, filter.InitiatedFrom)
		query += fmt.Sprintf(" AND initiated_at_ms >= $%d", len(args))
	}
	if filter.InitiatedTo > 0 {
		args = append(args, filter.InitiatedTo)
		query += fmt.Sprintf(" AND initiated_at_ms <= $%d", len(args))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		pattern := len(args)
		args = append(args, filter.Search)
		exact := len(args)
		query += fmt.Sprintf(
			" AND (saga_id ILIKE $%d OR metadata->>'paymentId' ILIKE $%d OR metadata->>'userId' = $%d)",
			pattern, pattern, exact)
	}

	query += " ORDER BY initiated_at_ms DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sagas: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// Stats 聚合统计：全量按状态计数 + 窗口内成功率
func (r *SagaRepository) Stats(ctx context.Context, windowStart int64) (*saga.Stats, error) {
	stats := &saga.Stats{}

	query := `
		SELECT status, COUNT(*)
		FROM payment_saga.saga_executions
		GROUP BY status
		ORDER BY status
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sc saga.StatusCount
		var status string
		if err := rows.Scan(&status, &sc.Count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		sc.Status = saga.Status(status)
		stats.ByStatus = append(stats.ByStatus, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	windowQuery := `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'completed')
		FROM payment_saga.saga_executions
		WHERE initiated_at_ms >= $1
	`
	err = r.db.QueryRowContext(ctx, windowQuery, windowStart).
		Scan(&stats.WindowTotal, &stats.WindowCompleted)
	if err != nil {
		return nil, fmt.Errorf("query window stats: %w", err)
	}
	return stats, nil
}

// conditionalExec 执行条件更新，未命中任何行返回 saga.ErrStatusConflict
func (r *SagaRepository) conditionalExec(ctx context.Context, op, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if rows == 0 {
		return saga.ErrStatusConflict
	}
	return nil
}

func marshalRollbackSteps(steps []saga.RollbackStep) ([]byte, error) {
	if steps == nil {
		steps = []saga.RollbackStep{}
	}
	raw, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("marshal rollback steps: %w", err)
	}
	return raw, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*saga.Execution, error) {
	var exec saga.Execution
	var status string
	var md, rb []byte
	err := row.Scan(
		&exec.SagaID, &exec.SagaType, &status, &exec.StepsTotal, &exec.StepsCompleted,
		&md, &rb,
		&exec.FailedStep, &exec.FailureReason,
		&exec.ResolvedBy, &exec.ResolutionData,
		&exec.InitiatedAt, &exec.CompletedAt, &exec.FailedAt, &exec.CompensatedAt, &exec.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	exec.Status = saga.Status(status)
	if len(md) > 0 {
		if err := json.Unmarshal(md, &exec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(rb) > 0 {
		if err := json.Unmarshal(rb, &exec.RollbackSteps); err != nil {
			return nil, fmt.Errorf("unmarshal rollback steps: %w", err)
		}
	}
	return &exec, nil
}

func scanExecutions(rows *sql.Rows) ([]*saga.Execution, error) {
	var execs []*saga.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saga: %w", err)
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sagas: %w", err)
	}
	return execs, nil
}

// CreateTableSQL 提供 saga_executions 表结构（可用于初始化/迁移）。
const CreateTableSQL = `
CREATE SCHEMA IF NOT EXISTS payment_saga;
CREATE TABLE IF NOT EXISTS payment_saga.saga_executions (
	saga_id            TEXT PRIMARY KEY,
	saga_type          TEXT NOT NULL,
	status             TEXT NOT NULL,
	steps_total        INT NOT NULL DEFAULT 0,
	steps_completed    INT NOT NULL DEFAULT 0,
	metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
	rollback_steps     JSONB NOT NULL DEFAULT '[]'::jsonb,
	failed_step        TEXT,
	failure_reason     TEXT,
	resolved_by        TEXT,
	resolution_data    TEXT,
	initiated_at_ms    BIGINT NOT NULL,
	completed_at_ms    BIGINT NOT NULL DEFAULT 0,
	failed_at_ms       BIGINT NOT NULL DEFAULT 0,
	compensated_at_ms  BIGINT NOT NULL DEFAULT 0,
	resolved_at_ms     BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_saga_executions_status
	ON payment_saga.saga_executions (status, initiated_at_ms);
CREATE INDEX IF NOT EXISTS idx_saga_executions_payment
	ON payment_saga.saga_executions ((metadata->>'paymentId'));
`
