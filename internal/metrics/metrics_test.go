package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCountersAndHistogram(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveSagaDuration("payment_allocation", 1500*time.Millisecond)
	m.IncSagaOutcome("payment_allocation", "completed")
	m.IncStepFailure("payment_allocation", "debit_wallet")
	m.IncCompensationFailure("payment_allocation", "debit_wallet")
	m.ObserveSweep(5, 2)
	m.IncResolutionAction("SAGA_RETRY")

	if got := testutil.ToFloat64(m.SagaOutcomes.WithLabelValues("payment_allocation", "completed")); got != 1 {
		t.Fatalf("expected saga outcome counter 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.StepFailures.WithLabelValues("payment_allocation", "debit_wallet")); got != 1 {
		t.Fatalf("expected step failure counter 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.CompensationFailures.WithLabelValues("payment_allocation", "debit_wallet")); got != 1 {
		t.Fatalf("expected compensation failure counter 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.SweepScanned); got != 5 {
		t.Fatalf("expected sweep scanned counter 5, got %v", got)
	}
	if got := testutil.ToFloat64(m.SweepClaimed); got != 2 {
		t.Fatalf("expected sweep claimed counter 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.ResolutionActions.WithLabelValues("SAGA_RETRY")); got != 1 {
		t.Fatalf("expected resolution action counter 1, got %v", got)
	}
	if got := testutil.CollectAndCount(m.SagaDuration); got != 1 {
		t.Fatalf("expected saga duration histogram collect count 1, got %v", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.IncSagaOutcome("payment_allocation", "compensated")
	m.ObserveSweep(1, 1)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "saga_outcomes_total") {
		t.Fatalf("expected saga_outcomes_total in response")
	}
	if !strings.Contains(body, "saga_sweep_scanned_total") {
		t.Fatalf("expected saga_sweep_scanned_total in response")
	}
	if !strings.Contains(body, "saga_sweep_claimed_total") {
		t.Fatalf("expected saga_sweep_claimed_total in response")
	}
}

func TestNewWithNilRegistryIsIsolated(t *testing.T) {
	a := New(nil)
	b := New(nil)

	a.IncSagaOutcome("payment_allocation", "failed")
	if got := testutil.ToFloat64(b.SagaOutcomes.WithLabelValues("payment_allocation", "failed")); got != 0 {
		t.Fatalf("expected isolated registries, got %v", got)
	}
	if a.Handler() == nil {
		t.Fatal("expected handler")
	}
}
