package saga

import (
	"context"

	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/internal/metrics"
	commonerrors "github.com/ahshaikh/PreIPOsip2Gemini-sub007/pkg/errors"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/pkg/logger"
)

// Compensator 按完成顺序的严格逆序撤销已完成步骤。
// 补偿是尽力而为的扫荡而非原子操作：单步补偿失败不会中止
// 对更早步骤的补偿，每次尝试（含失败）都会记入 rollback_steps。
type Compensator struct {
	repo    Repository
	reg     *Registry
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewCompensator 创建补偿器
func NewCompensator(repo Repository, reg *Registry, log *logger.Logger) *Compensator {
	return &Compensator{repo: repo, reg: reg, log: log}
}

// SetMetrics 注入指标采集
func (c *Compensator) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// Compensate 对 status ∈ {failed, compensation_failed} 的记录执行补偿。
// 已补偿完成的记录返回 ALREADY_COMPENSATED，其余状态返回 INVALID_SAGA_STATUS，
// 均不产生任何状态变更。传入的 exec 会同步更新为落库后的最终状态。
func (c *Compensator) Compensate(ctx context.Context, exec *Execution) (*Execution, error) {
	switch exec.Status {
	case StatusFailed, StatusCompensationFailed:
	case StatusCompensated:
		return nil, commonerrors.ErrAlreadyCompensated
	default:
		return nil, commonerrors.Newf(commonerrors.CodeInvalidSagaStatus,
			"cannot compensate saga in status %s", exec.Status)
	}

	log := c.log.WithSaga(exec.SagaID, exec.SagaType)

	if err := c.repo.MarkCompensating(ctx, exec.SagaID); err != nil {
		return nil, err
	}
	exec.Status = StatusCompensating

	// 此前已成功补偿的步骤不再重复撤销（compensation_failed 重入场景）
	rolledBack := make(map[string]bool, len(exec.RollbackSteps))
	for _, rb := range exec.RollbackSteps {
		if rb.Success {
			rolledBack[rb.Step] = true
		}
	}

	sc := stepContextFor(exec)
	allOK := true

	// 严格按实际完成顺序的逆序：最后完成的步骤最先撤销
	for i := len(exec.Metadata.Steps) - 1; i >= 0; i-- {
		rec := exec.Metadata.Steps[i]
		if rolledBack[rec.Step] {
			continue
		}

		var compErr error
		def, known := c.reg.Step(exec.SagaType, rec.Step)
		switch {
		case !known:
			// 记录中的步骤必须能对应到注册表，否则视为补偿失败交人工处理
			compErr = commonerrors.Newf(commonerrors.CodeUnknownStep,
				"completed step %s not registered for saga type %s", rec.Step, exec.SagaType)
		case def.Compensate == nil:
			// 声明为不补偿的步骤（如通知）记一条成功的空操作
		default:
			compErr = def.Compensate(ctx, sc, rec.Result)
		}

		rb := RollbackStep{
			Step:         rec.Step,
			Success:      compErr == nil,
			RolledBackAt: nowMs(),
		}
		if compErr != nil {
			rb.Error = compErr.Error()
			allOK = false
			log.WithError(compErr).Errorf("compensation step failed", map[string]interface{}{
				"step": rec.Step,
			})
			if c.metrics != nil {
				c.metrics.IncCompensationFailure(exec.SagaType, rec.Step)
			}
		} else {
			log.Infof("compensation step succeeded", map[string]interface{}{
				"step": rec.Step,
			})
		}

		exec.RollbackSteps = append(exec.RollbackSteps, rb)
		if err := c.repo.SaveRollbackSteps(ctx, exec.SagaID, exec.RollbackSteps); err != nil {
			return nil, err
		}
	}

	if allOK {
		at := nowMs()
		if err := c.repo.MarkCompensated(ctx, exec.SagaID, at); err != nil {
			return nil, err
		}
		exec.Status = StatusCompensated
		exec.CompensatedAt = at
		log.Info("saga compensated")
		return exec, nil
	}

	// 补偿失败不可静默放过也不可盲目重试：外部状态已不一致，升级人工处理
	if err := c.repo.MarkCompensationFailed(ctx, exec.SagaID); err != nil {
		return nil, err
	}
	exec.Status = StatusCompensationFailed
	if err := c.repo.MarkManualResolutionRequired(ctx, exec.SagaID); err != nil {
		return nil, err
	}
	exec.Status = StatusRequiresManualResolution
	log.Warn("saga requires manual resolution")
	return exec, nil
}
