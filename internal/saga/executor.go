package saga

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/internal/metrics"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/pkg/logger"
)

// Trigger 支付结算事件携带的 saga 关联上下文
type Trigger struct {
	PaymentID string
	UserID    int64
	Amount    int64
	Extra     map[string]string
	// RetriedFrom 由 Resolution Surface 的 retry 设置，标注来源 saga
	RetriedFrom string
}

// Executor 按注册顺序执行 saga 正向步骤，每步完成后持久化进度，
// 首个失败步骤触发补偿。
type Executor struct {
	repo    Repository
	reg     *Registry
	comp    *Compensator
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewExecutor 创建执行器
func NewExecutor(repo Repository, reg *Registry, log *logger.Logger) *Executor {
	return &Executor{
		repo: repo,
		reg:  reg,
		comp: NewCompensator(repo, reg, log),
		log:  log,
	}
}

// SetMetrics 注入指标采集
func (e *Executor) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
	e.comp.SetMetrics(m)
}

// Compensator 返回执行器使用的补偿器（Resolution Surface 复用同一实例）
func (e *Executor) Compensator() *Compensator {
	return e.comp
}

// Execute 同步执行一次 saga。步骤抛出的业务错误不会向上传播：
// 调用方只通过返回记录的状态观察结果。返回 error 仅表示存储层故障。
func (e *Executor) Execute(ctx context.Context, sagaType string, trig Trigger) (*Execution, error) {
	steps, err := e.reg.Resolve(sagaType)
	if err != nil {
		return nil, err
	}

	now := nowMs()
	exec := &Execution{
		SagaID:     uuid.NewString(),
		SagaType:   sagaType,
		Status:     StatusProcessing,
		StepsTotal: len(steps),
		Metadata: Metadata{
			PaymentID:   trig.PaymentID,
			UserID:      trig.UserID,
			Amount:      trig.Amount,
			Extra:       trig.Extra,
			RetriedFrom: trig.RetriedFrom,
		},
		InitiatedAt: now,
	}

	if err := e.repo.Create(ctx, exec); err != nil {
		return nil, err
	}

	log := e.log.WithSaga(exec.SagaID, sagaType)
	log.Infof("saga started", map[string]interface{}{
		"paymentId":  trig.PaymentID,
		"userId":     trig.UserID,
		"stepsTotal": len(steps),
	})

	sc := &StepContext{
		SagaID:    exec.SagaID,
		SagaType:  sagaType,
		PaymentID: trig.PaymentID,
		UserID:    trig.UserID,
		Amount:    trig.Amount,
		Extra:     trig.Extra,
	}

	started := time.Now()
	for _, step := range steps {
		result, stepErr := step.Forward(ctx, sc)
		if stepErr != nil {
			// 统一处理：不区分瞬时/永久失败，重试与人工处理交给运营
			log.WithError(stepErr).Errorf("saga step failed", map[string]interface{}{
				"step": step.Name,
			})
			if e.metrics != nil {
				e.metrics.IncStepFailure(sagaType, step.Name)
			}

			failedAt := nowMs()
			if err := e.repo.MarkFailed(ctx, exec.SagaID, step.Name, stepErr.Error(), failedAt); err != nil {
				return nil, err
			}
			exec.Status = StatusFailed
			exec.FailedStep = step.Name
			exec.FailureReason = stepErr.Error()
			exec.FailedAt = failedAt

			// 失败与补偿对调用方是一个逻辑操作，两个状态均已落库可见
			if _, compErr := e.comp.Compensate(ctx, exec); compErr != nil {
				log.WithError(compErr).Error("saga compensation error")
			}
			e.observeOutcome(exec, started)
			return exec, nil
		}

		rec := StepRecord{Step: step.Name, Result: result, CompletedAt: nowMs()}
		exec.Metadata.Steps = append(exec.Metadata.Steps, rec)
		exec.StepsCompleted++
		sc.setResult(step.Name, result)

		if err := e.repo.AppendStep(ctx, exec.SagaID, exec.Metadata); err != nil {
			return nil, err
		}
	}

	completedAt := nowMs()
	if err := e.repo.MarkCompleted(ctx, exec.SagaID, completedAt); err != nil {
		return nil, err
	}
	exec.Status = StatusCompleted
	exec.CompletedAt = completedAt

	log.Infof("saga completed", map[string]interface{}{
		"stepsCompleted": exec.StepsCompleted,
	})
	e.observeOutcome(exec, started)
	return exec, nil
}

func (e *Executor) observeOutcome(exec *Execution, started time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.IncSagaOutcome(exec.SagaType, string(exec.Status))
	e.metrics.ObserveSagaDuration(exec.SagaType, time.Since(started))
}
