package saga

import (
	"context"
	"time"

	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/internal/metrics"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/pkg/logger"
)

// OrphanReason 写入被认领孤儿记录的 failure_reason
const OrphanReason = "recovery: orphaned in-flight saga"

// SweepReport 一次恢复扫描的结果汇总
type SweepReport struct {
	// Scanned 超时仍处于 processing 的候选数
	Scanned int
	// Claimed 成功认领（processing -> failed）的数量
	Claimed int
	// Skipped 认领未命中的数量（已被执行器或并发扫描推进）
	Skipped int
	// Compensated / ManualResolution / FailedOnly 认领后各去向的数量，
	// FailedOnly 指无已完成步骤、无需补偿的记录。
	Compensated      int
	ManualResolution int
	FailedOnly       int
	// Errors 存储层错误数（单条记录的错误不中止整轮扫描）
	Errors int
}

// Sweeper 恢复扫描器：认领崩溃遗留的在途 saga 并触发补偿。
// 认领走条件状态更新，多实例并发扫描同一记录时只有一方胜出，
// 落败方静默跳过，不会出现双重补偿。
type Sweeper struct {
	repo    Repository
	comp    *Compensator
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewSweeper 创建扫描器
func NewSweeper(repo Repository, comp *Compensator, log *logger.Logger) *Sweeper {
	return &Sweeper{repo: repo, comp: comp, log: log}
}

// SetMetrics 注入指标采集
func (s *Sweeper) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Sweep 扫描发起时间早于 now-timeout 且仍为 processing 的记录。
// 每条记录独立处理，失败只计入 Report.Errors。
func (s *Sweeper) Sweep(ctx context.Context, timeout time.Duration) (*SweepReport, error) {
	cutoff := time.Now().Add(-timeout).UnixMilli()
	candidates, err := s.repo.ListStuckProcessing(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{Scanned: len(candidates)}
	for _, exec := range candidates {
		s.sweepOne(ctx, exec, report)
	}

	s.log.Infof("recovery sweep finished", map[string]interface{}{
		"scanned":          report.Scanned,
		"claimed":          report.Claimed,
		"skipped":          report.Skipped,
		"compensated":      report.Compensated,
		"manualResolution": report.ManualResolution,
		"errors":           report.Errors,
	})
	if s.metrics != nil {
		s.metrics.ObserveSweep(report.Scanned, report.Claimed)
	}
	return report, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, exec *Execution, report *SweepReport) {
	log := s.log.WithSaga(exec.SagaID, exec.SagaType)

	at := nowMs()
	claimed, err := s.repo.ClaimOrphan(ctx, exec.SagaID, OrphanReason, at)
	if err != nil {
		report.Errors++
		log.WithError(err).Error("recovery claim error")
		return
	}
	if !claimed {
		// 执行器仍在推进或另一轮扫描已认领
		report.Skipped++
		return
	}
	report.Claimed++
	exec.Status = StatusFailed
	exec.FailureReason = OrphanReason
	exec.FailedAt = at
	log.Warnf("orphaned saga claimed", map[string]interface{}{
		"initiatedAt":    exec.InitiatedAt,
		"stepsCompleted": exec.StepsCompleted,
	})

	// 没有已完成步骤就没有可撤销的副作用，保持 failed 待运营确认
	if len(exec.Metadata.Steps) == 0 {
		report.FailedOnly++
		log.Info("orphaned saga has no completed steps, left as failed")
		return
	}

	final, err := s.comp.Compensate(ctx, exec)
	if err != nil {
		report.Errors++
		log.WithError(err).Error("recovery compensation error")
		return
	}
	switch final.Status {
	case StatusCompensated:
		report.Compensated++
	case StatusRequiresManualResolution:
		report.ManualResolution++
	}
}
