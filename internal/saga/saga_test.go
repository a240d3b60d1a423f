package saga

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/pkg/logger"
)

// fakeRepo 内存实现，状态迁移语义与 Postgres 仓储一致。
type fakeRepo struct {
	mu    sync.Mutex
	execs map[string]*Execution

	// beforeClaim 在 ClaimOrphan 检查前调用，用于模拟并发推进
	beforeClaim func(sagaID string)

	failCreate error
	failAppend error
	failSave   error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{execs: make(map[string]*Execution)}
}

func cloneExecution(exec *Execution) *Execution {
	copied := *exec
	copied.Metadata.Steps = append([]StepRecord(nil), exec.Metadata.Steps...)
	copied.RollbackSteps = append([]RollbackStep(nil), exec.RollbackSteps...)
	if exec.Metadata.Extra != nil {
		copied.Metadata.Extra = make(map[string]string, len(exec.Metadata.Extra))
		for k, v := range exec.Metadata.Extra {
			copied.Metadata.Extra[k] = v
		}
	}
	return &copied
}

func (r *fakeRepo) Create(_ context.Context, exec *Execution) error {
	if r.failCreate != nil {
		return r.failCreate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.execs[exec.SagaID]; exists {
		return fmt.Errorf("duplicate saga %s", exec.SagaID)
	}
	r.execs[exec.SagaID] = cloneExecution(exec)
	return nil
}

func (r *fakeRepo) Get(_ context.Context, sagaID string) (*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.execs[sagaID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneExecution(exec), nil
}

func (r *fakeRepo) AppendStep(_ context.Context, sagaID string, md Metadata) error {
	if r.failAppend != nil {
		return r.failAppend
	}
	return r.transition(sagaID, []Status{StatusProcessing}, func(exec *Execution) {
		exec.Metadata = md
		exec.Metadata.Steps = append([]StepRecord(nil), md.Steps...)
		exec.StepsCompleted++
	})
}

func (r *fakeRepo) MarkCompleted(_ context.Context, sagaID string, at int64) error {
	return r.transition(sagaID, []Status{StatusProcessing}, func(exec *Execution) {
		exec.Status = StatusCompleted
		exec.CompletedAt = at
	})
}

func (r *fakeRepo) MarkFailed(_ context.Context, sagaID, failedStep, reason string, at int64) error {
	return r.transition(sagaID, []Status{StatusProcessing}, func(exec *Execution) {
		exec.Status = StatusFailed
		exec.FailedStep = failedStep
		exec.FailureReason = reason
		exec.FailedAt = at
	})
}

func (r *fakeRepo) MarkCompensating(_ context.Context, sagaID string) error {
	return r.transition(sagaID, []Status{StatusFailed, StatusCompensationFailed}, func(exec *Execution) {
		exec.Status = StatusCompensating
	})
}

func (r *fakeRepo) SaveRollbackSteps(_ context.Context, sagaID string, steps []RollbackStep) error {
	if r.failSave != nil {
		return r.failSave
	}
	return r.transition(sagaID, nil, func(exec *Execution) {
		exec.RollbackSteps = append([]RollbackStep(nil), steps...)
	})
}

func (r *fakeRepo) MarkCompensated(_ context.Context, sagaID string, at int64) error {
	return r.transition(sagaID, []Status{StatusCompensating}, func(exec *Execution) {
		exec.Status = StatusCompensated
		exec.CompensatedAt = at
	})
}

func (r *fakeRepo) MarkCompensationFailed(_ context.Context, sagaID string) error {
	return r.transition(sagaID, []Status{StatusCompensating}, func(exec *Execution) {
		exec.Status = StatusCompensationFailed
	})
}

func (r *fakeRepo) MarkManualResolutionRequired(_ context.Context, sagaID string) error {
	return r.transition(sagaID, []Status{StatusCompensationFailed}, func(exec *Execution) {
		exec.Status = StatusRequiresManualResolution
	})
}

func (r *fakeRepo) Resolve(_ context.Context, sagaID, resolvedBy, resolutionData string, at int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.execs[sagaID]
	if !ok {
		return ErrStatusConflict
	}
	if exec.Status.Terminal() {
		return ErrStatusConflict
	}
	exec.Status = StatusManuallyResolved
	exec.ResolvedBy = resolvedBy
	exec.ResolutionData = resolutionData
	exec.ResolvedAt = at
	return nil
}

func (r *fakeRepo) AnnotateRetry(_ context.Context, sagaID, retrySagaID string) error {
	return r.transition(sagaID, nil, func(exec *Execution) {
		exec.Metadata.RetrySagaID = retrySagaID
	})
}

func (r *fakeRepo) ClaimOrphan(_ context.Context, sagaID, reason string, at int64) (bool, error) {
	if r.beforeClaim != nil {
		r.beforeClaim(sagaID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.execs[sagaID]
	if !ok || exec.Status != StatusProcessing {
		return false, nil
	}
	exec.Status = StatusFailed
	exec.FailureReason = reason
	exec.FailedAt = at
	return true, nil
}

func (r *fakeRepo) ListStuckProcessing(_ context.Context, cutoff int64) ([]*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Execution
	for _, exec := range r.execs {
		if exec.Status == StatusProcessing && exec.InitiatedAt < cutoff {
			out = append(out, cloneExecution(exec))
		}
	}
	return out, nil
}

func (r *fakeRepo) List(_ context.Context, filter Filter) ([]*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Execution
	for _, exec := range r.execs {
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		if filter.Status == "" && filter.NeedsAttention && !exec.Status.NeedsAttention() {
			continue
		}
		out = append(out, cloneExecution(exec))
	}
	return out, nil
}

func (r *fakeRepo) Stats(_ context.Context, windowStart int64) (*Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[Status]int64)
	stats := &Stats{}
	for _, exec := range r.execs {
		counts[exec.Status]++
		if exec.InitiatedAt >= windowStart {
			stats.WindowTotal++
			if exec.Status == StatusCompleted {
				stats.WindowCompleted++
			}
		}
	}
	for status, count := range counts {
		stats.ByStatus = append(stats.ByStatus, StatusCount{Status: status, Count: count})
	}
	return stats, nil
}

func (r *fakeRepo) transition(sagaID string, from []Status, apply func(*Execution)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.execs[sagaID]
	if !ok {
		return ErrStatusConflict
	}
	if len(from) > 0 {
		matched := false
		for _, status := range from {
			if exec.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return ErrStatusConflict
		}
	}
	apply(exec)
	return nil
}

func (r *fakeRepo) mustGet(sagaID string) *Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.execs[sagaID]
	if !ok {
		panic("saga not found: " + sagaID)
	}
	return cloneExecution(exec)
}

func testLogger() *logger.Logger {
	return logger.New("test", io.Discard)
}
