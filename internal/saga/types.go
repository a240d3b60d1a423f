// Package saga 支付分账 saga 编排核心：执行、补偿、恢复。
package saga

import (
	"encoding/json"
	"time"
)

// Type 已注册的 saga 类型
const (
	TypePaymentAllocation = "payment_allocation"
)

// Status saga 生命周期状态
type Status string

const (
	StatusPending                  Status = "pending"
	StatusProcessing               Status = "processing"
	StatusCompleted                Status = "completed"
	StatusFailed                   Status = "failed"
	StatusCompensating             Status = "compensating"
	StatusCompensated              Status = "compensated"
	StatusCompensationFailed       Status = "compensation_failed"
	StatusRequiresManualResolution Status = "requires_manual_resolution"
	StatusManuallyResolved         Status = "manually_resolved"
)

// Terminal 是否终态（自动流程与人工都不再推进）
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusManuallyResolved:
		return true
	default:
		return false
	}
}

// NeedsAttention 是否需要运营介入
func (s Status) NeedsAttention() bool {
	switch s {
	case StatusFailed, StatusCompensationFailed, StatusRequiresManualResolution:
		return true
	default:
		return false
	}
}

// Valid 是否为已知状态值
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed,
		StatusCompensating, StatusCompensated, StatusCompensationFailed,
		StatusRequiresManualResolution, StatusManuallyResolved:
		return true
	default:
		return false
	}
}

// StepRecord 已完成正向步骤的记录，metadata.steps 中按完成顺序追加。
// 补偿顺序以该序列的逆序为准，而非注册顺序。
type StepRecord struct {
	Step        string          `json:"step"`
	Result      json.RawMessage `json:"result,omitempty"`
	CompletedAt int64           `json:"completedAt"`
}

// RollbackStep 一次补偿尝试的记录，失败的尝试同样保留。
type RollbackStep struct {
	Step         string `json:"step"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	RolledBackAt int64  `json:"rolledBackAt"`
}

// Metadata saga 关联上下文与步骤完成日志。
// Steps 是补偿决策的唯一事实来源。
type Metadata struct {
	PaymentID   string            `json:"paymentId"`
	UserID      int64             `json:"userId"`
	Amount      int64             `json:"amount"`
	Extra       map[string]string `json:"extra,omitempty"`
	Steps       []StepRecord      `json:"steps,omitempty"`
	RetrySagaID string            `json:"retrySagaId,omitempty"`
	RetriedFrom string            `json:"retriedFrom,omitempty"`
}

// Execution 一次 saga 执行的持久化记录。审计凭证，永不物理删除。
type Execution struct {
	SagaID         string
	SagaType       string
	Status         Status
	StepsTotal     int
	StepsCompleted int
	Metadata       Metadata
	RollbackSteps  []RollbackStep

	FailedStep    string
	FailureReason string

	ResolvedBy     string
	ResolutionData string

	// 生命周期时间戳（Unix 毫秒，0 表示未设置，每项只设置一次）
	InitiatedAt   int64
	CompletedAt   int64
	FailedAt      int64
	CompensatedAt int64
	ResolvedAt    int64
}

// ProgressPercentage 正向进度百分比
func (e *Execution) ProgressPercentage() int {
	if e.StepsTotal <= 0 {
		return 0
	}
	p := e.StepsCompleted * 100 / e.StepsTotal
	if p > 100 {
		p = 100
	}
	return p
}

// CanRollback 是否可以触发（再次）补偿
func (e *Execution) CanRollback() bool {
	if e.Status != StatusFailed && e.Status != StatusCompensationFailed {
		return false
	}
	return len(e.Metadata.Steps) > 0
}

// DurationMs 从发起到最近一个终止时间戳的耗时；仍在途时按当前时间计算。
func (e *Execution) DurationMs() int64 {
	if e.InitiatedAt == 0 {
		return 0
	}
	end := e.CompletedAt
	for _, ts := range []int64{e.FailedAt, e.CompensatedAt, e.ResolvedAt} {
		if ts > end {
			end = ts
		}
	}
	if end == 0 {
		end = time.Now().UnixMilli()
	}
	if end < e.InitiatedAt {
		return 0
	}
	return end - e.InitiatedAt
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
