package saga

import (
	"context"
	"errors"
)

var (
	// ErrNotFound saga 不存在
	ErrNotFound = errors.New("saga not found")
	// ErrStatusConflict 条件状态更新未命中（已被其他方推进）
	ErrStatusConflict = errors.New("saga status conflict")
)

// Filter 列表查询条件
type Filter struct {
	Status Status
	// NeedsAttention 只返回需要运营介入的记录（failed / compensation_failed /
	// requires_manual_resolution），与 Status 互斥，Status 优先。
	NeedsAttention bool
	// InitiatedFrom/InitiatedTo 发起时间窗口（Unix 毫秒，0 表示不限制）
	InitiatedFrom int64
	InitiatedTo   int64
	// Search 按 saga_id / payment_id / user_id 模糊匹配
	Search string
	Limit  int
	Offset int
}

// StatusCount 按状态聚合计数
type StatusCount struct {
	Status Status
	Count  int64
}

// Stats 聚合统计
type Stats struct {
	ByStatus []StatusCount
	// WindowTotal/WindowCompleted 统计窗口内发起的 saga 总数与成功数
	WindowTotal     int64
	WindowCompleted int64
}

// SuccessRate 窗口成功率，无样本时返回 0
func (s *Stats) SuccessRate() float64 {
	if s.WindowTotal == 0 {
		return 0
	}
	return float64(s.WindowCompleted) / float64(s.WindowTotal)
}

// Repository saga 记录存储。实现见 internal/repository。
//
// 同一 saga_id 的记录只会被 Executor、其派生的 Compensator 或 Sweeper
// （经 ClaimOrphan 认领后）之一修改，实现无须跨 saga 加锁。
type Repository interface {
	Create(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, sagaID string) (*Execution, error)

	// AppendStep 持久化一步完成后的 metadata 并递增 steps_completed。
	// 仅在 status=processing 时生效，否则返回 ErrStatusConflict。
	AppendStep(ctx context.Context, sagaID string, md Metadata) error

	// MarkCompleted processing -> completed
	MarkCompleted(ctx context.Context, sagaID string, at int64) error
	// MarkFailed processing -> failed
	MarkFailed(ctx context.Context, sagaID, failedStep, reason string, at int64) error
	// MarkCompensating failed|compensation_failed -> compensating
	MarkCompensating(ctx context.Context, sagaID string) error
	// SaveRollbackSteps 覆盖写入补偿尝试日志
	SaveRollbackSteps(ctx context.Context, sagaID string, steps []RollbackStep) error
	// MarkCompensated compensating -> compensated
	MarkCompensated(ctx context.Context, sagaID string, at int64) error
	// MarkCompensationFailed compensating -> compensation_failed
	MarkCompensationFailed(ctx context.Context, sagaID string) error
	// MarkManualResolutionRequired compensation_failed -> requires_manual_resolution
	MarkManualResolutionRequired(ctx context.Context, sagaID string) error

	// Resolve 人工关闭，非终态 -> manually_resolved
	Resolve(ctx context.Context, sagaID, resolvedBy, resolutionData string, at int64) error
	// AnnotateRetry 在原记录 metadata 上标注重试产生的新 saga_id
	AnnotateRetry(ctx context.Context, sagaID, retrySagaID string) error

	// ClaimOrphan 条件认领孤儿记录：processing -> failed。
	// 未命中（已被执行器或其他 sweep 推进）返回 claimed=false，不报错。
	ClaimOrphan(ctx context.Context, sagaID, reason string, at int64) (claimed bool, err error)
	// ListStuckProcessing 返回发起时间早于 cutoff 且仍为 processing 的记录
	ListStuckProcessing(ctx context.Context, cutoff int64) ([]*Execution, error)

	List(ctx context.Context, filter Filter) ([]*Execution, error)
	Stats(ctx context.Context, windowStart int64) (*Stats, error)
}
