// Package service implements the operator-facing resolution surface for
// allocation sagas: inspection, retry, forced compensation and manual close.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/internal/metrics"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/internal/saga"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/pkg/audit"
	commonerrors "github.com/ahshaikh/PreIPOsip2Gemini-sub007/pkg/errors"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/pkg/logger"
)

// SagaView is the operator-facing projection of a saga execution,
// with the computed fields the console renders.
type SagaView struct {
	SagaID         string              `json:"sagaId"`
	SagaType       string              `json:"sagaType"`
	Status         saga.Status         `json:"status"`
	StepsTotal     int                 `json:"stepsTotal"`
	StepsCompleted int                 `json:"stepsCompleted"`
	Progress       int                 `json:"progressPercentage"`
	CanRollback    bool                `json:"canRollback"`
	DurationMs     int64               `json:"durationMs"`
	Metadata       saga.Metadata       `json:"metadata"`
	RollbackSteps  []saga.RollbackStep `json:"rollbackSteps"`
	FailedStep     string              `json:"failedStep,omitempty"`
	FailureReason  string              `json:"failureReason,omitempty"`
	ResolvedBy     string              `json:"resolvedBy,omitempty"`
	ResolutionData string              `json:"resolutionData,omitempty"`
	InitiatedAt    int64               `json:"initiatedAt"`
	CompletedAt    int64               `json:"completedAt,omitempty"`
	FailedAt       int64               `json:"failedAt,omitempty"`
	CompensatedAt  int64               `json:"compensatedAt,omitempty"`
	ResolvedAt     int64               `json:"resolvedAt,omitempty"`
}

func toView(exec *saga.Execution) *SagaView {
	return &SagaView{
		SagaID:         exec.SagaID,
		SagaType:       exec.SagaType,
		Status:         exec.Status,
		StepsTotal:     exec.StepsTotal,
		StepsCompleted: exec.StepsCompleted,
		Progress:       exec.ProgressPercentage(),
		CanRollback:    exec.CanRollback(),
		DurationMs:     exec.DurationMs(),
		Metadata:       exec.Metadata,
		RollbackSteps:  exec.RollbackSteps,
		FailedStep:     exec.FailedStep,
		FailureReason:  exec.FailureReason,
		ResolvedBy:     exec.ResolvedBy,
		ResolutionData: exec.ResolutionData,
		InitiatedAt:    exec.InitiatedAt,
		CompletedAt:    exec.CompletedAt,
		FailedAt:       exec.FailedAt,
		CompensatedAt:  exec.CompensatedAt,
		ResolvedAt:     exec.ResolvedAt,
	}
}

// ResolutionService exposes manual resolution operations. Every mutating
// operation records an audit entry before touching the saga.
type ResolutionService struct {
	repo     saga.Repository
	executor *saga.Executor
	comp     *saga.Compensator
	sweeper  *saga.Sweeper
	audit    audit.Sink
	log      *logger.Logger
	metrics  *metrics.Metrics
}

// NewResolutionService creates the service. The compensator is shared with
// the executor so retry/force-compensate and automatic failure handling
// follow the same path.
func NewResolutionService(repo saga.Repository, executor *saga.Executor, sweeper *saga.Sweeper, sink audit.Sink, log *logger.Logger) *ResolutionService {
	return &ResolutionService{
		repo:     repo,
		executor: executor,
		comp:     executor.Compensator(),
		sweeper:  sweeper,
		audit:    sink,
		log:      log,
	}
}

// SetMetrics attaches metrics collection.
func (s *ResolutionService) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Get returns a single saga with computed fields.
func (s *ResolutionService) Get(ctx context.Context, sagaID string) (*SagaView, error) {
	exec, err := s.repo.Get(ctx, sagaID)
	if err != nil {
		if errors.Is(err, saga.ErrNotFound) {
			return nil, commonerrors.ErrSagaNotFound
		}
		return nil, err
	}
	return toView(exec), nil
}

// List returns sagas matching the filter, newest first.
func (s *ResolutionService) List(ctx context.Context, filter saga.Filter) ([]*SagaView, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, commonerrors.Newf(commonerrors.CodeInvalidParam, "unknown status: %s", filter.Status)
	}
	execs, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]*SagaView, 0, len(execs))
	for _, exec := range execs {
		views = append(views, toView(exec))
	}
	return views, nil
}

// Stats returns status counts plus the success rate over the given window.
func (s *ResolutionService) Stats(ctx context.Context, window time.Duration) (*saga.Stats, error) {
	windowStart := time.Now().Add(-window).UnixMilli()
	return s.repo.Stats(ctx, windowStart)
}

// Retry starts a fresh saga execution for the same payment. The original
// record is left untouched apart from a metadata annotation pointing at the
// new saga; the new execution runs every step from the beginning under a
// new saga id.
func (s *ResolutionService) Retry(ctx context.Context, sagaID, actor, requestID string) (*SagaView, error) {
	exec, err := s.repo.Get(ctx, sagaID)
	if err != nil {
		if errors.Is(err, saga.ErrNotFound) {
			return nil, commonerrors.ErrSagaNotFound
		}
		return nil, err
	}

	// In-flight sagas are owned by their executor; completed work must not
	// be re-run.
	switch exec.Status {
	case saga.StatusFailed, saga.StatusCompensated, saga.StatusCompensationFailed,
		saga.StatusRequiresManualResolution:
	default:
		return nil, commonerrors.Newf(commonerrors.CodeInvalidSagaStatus,
			"cannot retry saga in status %s", exec.Status)
	}

	s.recordAudit(ctx, audit.ActionSagaRetry, actor, exec, requestID,
		fmt.Sprintf("retrying payment %s", exec.Metadata.PaymentID))

	retried, err := s.executor.Execute(ctx, exec.SagaType, saga.Trigger{
		PaymentID:   exec.Metadata.PaymentID,
		UserID:      exec.Metadata.UserID,
		Amount:      exec.Metadata.Amount,
		Extra:       exec.Metadata.Extra,
		RetriedFrom: exec.SagaID,
	})
	if err != nil {
		return nil, err
	}

	if err := s.repo.AnnotateRetry(ctx, exec.SagaID, retried.SagaID); err != nil {
		// The new saga already ran; losing the back-reference is not worth
		// failing the request over.
		s.log.WithSaga(exec.SagaID, exec.SagaType).WithError(err).Error("annotate retry failed")
	}

	if s.metrics != nil {
		s.metrics.IncResolutionAction(string(audit.ActionSagaRetry))
	}
	return toView(retried), nil
}

// ForceCompensate triggers compensation for a failed or partially
// compensated saga. Steps already rolled back are skipped.
func (s *ResolutionService) ForceCompensate(ctx context.Context, sagaID, actor, requestID string) (*SagaView, error) {
	exec, err := s.repo.Get(ctx, sagaID)
	if err != nil {
		if errors.Is(err, saga.ErrNotFound) {
			return nil, commonerrors.ErrSagaNotFound
		}
		return nil, err
	}

	s.recordAudit(ctx, audit.ActionSagaForceCompensate, actor, exec, requestID, "")

	final, err := s.comp.Compensate(ctx, exec)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.IncResolutionAction(string(audit.ActionSagaForceCompensate))
	}
	return toView(final), nil
}

// Resolve closes a saga as manually resolved after out-of-band cleanup.
// Terminal sagas cannot be resolved again.
func (s *ResolutionService) Resolve(ctx context.Context, sagaID, actor, resolutionData, requestID string) (*SagaView, error) {
	exec, err := s.repo.Get(ctx, sagaID)
	if err != nil {
		if errors.Is(err, saga.ErrNotFound) {
			return nil, commonerrors.ErrSagaNotFound
		}
		return nil, err
	}
	if exec.Status == saga.StatusManuallyResolved {
		return nil, commonerrors.New(commonerrors.CodeSagaAlreadyResolved, "saga already resolved")
	}
	if exec.Status.Terminal() {
		return nil, commonerrors.Newf(commonerrors.CodeInvalidSagaStatus,
			"cannot resolve saga in terminal status %s", exec.Status)
	}

	s.recordAudit(ctx, audit.ActionSagaManualResolve, actor, exec, requestID, resolutionData)

	at := time.Now().UnixMilli()
	if err := s.repo.Resolve(ctx, sagaID, actor, resolutionData, at); err != nil {
		if errors.Is(err, saga.ErrStatusConflict) {
			return nil, commonerrors.New(commonerrors.CodeSagaAlreadyResolved, "saga already resolved")
		}
		return nil, err
	}

	exec.Status = saga.StatusManuallyResolved
	exec.ResolvedBy = actor
	exec.ResolutionData = resolutionData
	exec.ResolvedAt = at
	if s.metrics != nil {
		s.metrics.IncResolutionAction(string(audit.ActionSagaManualResolve))
	}
	return toView(exec), nil
}

// RunRecovery executes one recovery sweep for sagas stuck in processing
// longer than timeout, and records the sweep outcome in the audit log.
func (s *ResolutionService) RunRecovery(ctx context.Context, timeout time.Duration) (*saga.SweepReport, error) {
	report, err := s.sweeper.Sweep(ctx, timeout)
	if err != nil {
		return nil, err
	}
	if report.Claimed > 0 && s.audit != nil {
		entry := audit.NewEntry(audit.ActionSagaRecoverySweep, "system", "", "",
			fmt.Sprintf("claimed=%d compensated=%d manual=%d skipped=%d errors=%d",
				report.Claimed, report.Compensated, report.ManualResolution,
				report.Skipped, report.Errors))
		if err := s.audit.Record(ctx, entry); err != nil {
			s.log.WithError(err).Error("record sweep audit failed")
		}
	}
	return report, nil
}

// AuditTrail returns audit entries for a saga, newest first.
func (s *ResolutionService) AuditTrail(ctx context.Context, sagaID string, limit int) ([]*audit.Entry, error) {
	if s.audit == nil {
		return nil, nil
	}
	return s.audit.Query(ctx, &audit.QueryFilter{SagaID: sagaID, Limit: limit})
}

func (s *ResolutionService) recordAudit(ctx context.Context, action audit.Action, actor string, exec *saga.Execution, requestID, notes string) {
	if s.audit == nil {
		return
	}
	entry := audit.NewEntry(action, actor, exec.SagaID, string(exec.Status), notes)
	entry.RequestID = requestID
	if err := s.audit.Record(ctx, entry); err != nil {
		s.log.WithSaga(exec.SagaID, exec.SagaType).WithError(err).Error("record audit failed")
	}
}
