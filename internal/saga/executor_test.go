package saga

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type callLog struct {
	forward    []string
	compensate []string
}

func okStep(name string, log *callLog) StepDefinition {
	return StepDefinition{
		Name: name,
		Forward: func(_ context.Context, sc *StepContext) (json.RawMessage, error) {
			log.forward = append(log.forward, name)
			return json.RawMessage(`{"step":"` + name + `"}`), nil
		},
		Compensate: func(_ context.Context, sc *StepContext, _ json.RawMessage) error {
			log.compensate = append(log.compensate, name)
			return nil
		},
	}
}

func failingStep(name string, log *callLog, err error) StepDefinition {
	return StepDefinition{
		Name: name,
		Forward: func(_ context.Context, sc *StepContext) (json.RawMessage, error) {
			log.forward = append(log.forward, name)
			return nil, err
		},
		Compensate: func(_ context.Context, sc *StepContext, _ json.RawMessage) error {
			log.compensate = append(log.compensate, name)
			return nil
		},
	}
}

func newTestExecutor(t *testing.T, repo Repository, steps []StepDefinition) *Executor {
	t.Helper()
	reg := NewRegistry()
	if err := reg.Register("test_saga", steps); err != nil {
		t.Fatalf("register steps: %v", err)
	}
	return NewExecutor(repo, reg, testLogger())
}

func TestExecuteAllStepsSucceed(t *testing.T) {
	repo := newFakeRepo()
	log := &callLog{}
	executor := newTestExecutor(t, repo, []StepDefinition{
		okStep("step_a", log), okStep("step_b", log), okStep("step_c", log),
	})

	exec, err := executor.Execute(context.Background(), "test_saga", Trigger{
		PaymentID: "pay-1", UserID: 7, Amount: 5000,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.SagaID == "" {
		t.Fatal("expected saga id to be assigned")
	}
	if exec.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", exec.Status, StatusCompleted)
	}
	if exec.StepsCompleted != 3 || exec.StepsTotal != 3 {
		t.Fatalf("progress = %d/%d, want 3/3", exec.StepsCompleted, exec.StepsTotal)
	}
	if exec.CompletedAt == 0 {
		t.Fatal("expected completed timestamp")
	}
	if len(log.compensate) != 0 {
		t.Fatalf("unexpected compensations: %v", log.compensate)
	}

	stored := repo.mustGet(exec.SagaID)
	if stored.Status != StatusCompleted {
		t.Fatalf("stored status = %s, want %s", stored.Status, StatusCompleted)
	}
	if len(stored.Metadata.Steps) != 3 {
		t.Fatalf("stored steps = %d, want 3", len(stored.Metadata.Steps))
	}
	for i, name := range []string{"step_a", "step_b", "step_c"} {
		rec := stored.Metadata.Steps[i]
		if rec.Step != name {
			t.Fatalf("step[%d] = %s, want %s", i, rec.Step, name)
		}
		if rec.CompletedAt == 0 {
			t.Fatalf("step[%d] has no completion timestamp", i)
		}
		if string(rec.Result) != `{"step":"`+name+`"}` {
			t.Fatalf("step[%d] result = %s", i, rec.Result)
		}
	}
}

func TestExecuteFailureCompensatesCompletedSteps(t *testing.T) {
	repo := newFakeRepo()
	log := &callLog{}
	stepErr := errors.New("insufficient balance")
	executor := newTestExecutor(t, repo, []StepDefinition{
		okStep("step_a", log), okStep("step_b", log), failingStep("step_c", log, stepErr),
	})

	exec, err := executor.Execute(context.Background(), "test_saga", Trigger{
		PaymentID: "pay-2", UserID: 7, Amount: 5000,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != StatusCompensated {
		t.Fatalf("status = %s, want %s", exec.Status, StatusCompensated)
	}
	if exec.FailedStep != "step_c" {
		t.Fatalf("failed step = %s, want step_c", exec.FailedStep)
	}
	if exec.FailureReason != stepErr.Error() {
		t.Fatalf("failure reason = %q", exec.FailureReason)
	}

	// 补偿按完成顺序的逆序执行
	want := []string{"step_b", "step_a"}
	if len(log.compensate) != len(want) {
		t.Fatalf("compensations = %v, want %v", log.compensate, want)
	}
	for i := range want {
		if log.compensate[i] != want[i] {
			t.Fatalf("compensations = %v, want %v", log.compensate, want)
		}
	}

	stored := repo.mustGet(exec.SagaID)
	if len(stored.RollbackSteps) != 2 {
		t.Fatalf("rollback entries = %d, want 2", len(stored.RollbackSteps))
	}
	for _, rb := range stored.RollbackSteps {
		if !rb.Success {
			t.Fatalf("rollback %s marked failed", rb.Step)
		}
	}
}

func TestExecuteFirstStepFailureCompensatesNothing(t *testing.T) {
	repo := newFakeRepo()
	log := &callLog{}
	executor := newTestExecutor(t, repo, []StepDefinition{
		failingStep("step_a", log, errors.New("boom")), okStep("step_b", log),
	})

	exec, err := executor.Execute(context.Background(), "test_saga", Trigger{PaymentID: "pay-3", UserID: 1, Amount: 10})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	// 没有已完成步骤，补偿空执行后直接进入 compensated
	if exec.Status != StatusCompensated {
		t.Fatalf("status = %s, want %s", exec.Status, StatusCompensated)
	}
	if len(log.compensate) != 0 {
		t.Fatalf("unexpected compensations: %v", log.compensate)
	}
	if got := len(repo.mustGet(exec.SagaID).RollbackSteps); got != 0 {
		t.Fatalf("rollback entries = %d, want 0", got)
	}
}

func TestExecuteUnknownSagaType(t *testing.T) {
	repo := newFakeRepo()
	executor := newTestExecutor(t, repo, []StepDefinition{okStep("step_a", &callLog{})})

	if _, err := executor.Execute(context.Background(), "missing", Trigger{PaymentID: "p"}); err == nil {
		t.Fatal("expected error for unknown saga type")
	}
}

func TestExecuteStepSeesEarlierResults(t *testing.T) {
	repo := newFakeRepo()
	var seen json.RawMessage
	steps := []StepDefinition{
		{
			Name: "first",
			Forward: func(_ context.Context, _ *StepContext) (json.RawMessage, error) {
				return json.RawMessage(`{"txId":42}`), nil
			},
		},
		{
			Name: "second",
			Forward: func(_ context.Context, sc *StepContext) (json.RawMessage, error) {
				seen, _ = sc.Result("first")
				return nil, nil
			},
		},
	}
	executor := newTestExecutor(t, repo, steps)

	exec, err := executor.Execute(context.Background(), "test_saga", Trigger{PaymentID: "pay-4", UserID: 1, Amount: 1})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != StatusCompleted {
		t.Fatalf("status = %s", exec.Status)
	}
	if string(seen) != `{"txId":42}` {
		t.Fatalf("second step saw %q", seen)
	}
}

func TestExecuteStorageFailurePropagates(t *testing.T) {
	repo := newFakeRepo()
	repo.failCreate = errors.New("db down")
	executor := newTestExecutor(t, repo, []StepDefinition{okStep("step_a", &callLog{})})

	if _, err := executor.Execute(context.Background(), "test_saga", Trigger{PaymentID: "p"}); err == nil {
		t.Fatal("expected storage error")
	}
}

func TestExecuteRecordsRetriedFrom(t *testing.T) {
	repo := newFakeRepo()
	executor := newTestExecutor(t, repo, []StepDefinition{okStep("step_a", &callLog{})})

	exec, err := executor.Execute(context.Background(), "test_saga", Trigger{
		PaymentID: "pay-5", UserID: 2, Amount: 100, RetriedFrom: "orig-saga",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := repo.mustGet(exec.SagaID).Metadata.RetriedFrom; got != "orig-saga" {
		t.Fatalf("retriedFrom = %q, want orig-saga", got)
	}
}
