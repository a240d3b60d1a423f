package steps

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/internal/client"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/internal/notify"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/internal/saga"
)

type fakeWallet struct {
	debits  []*client.DebitRequest
	refunds []*client.RefundRequest
}

func (w *fakeWallet) Debit(_ context.Context, req *client.DebitRequest) (json.RawMessage, error) {
	w.debits = append(w.debits, req)
	return json.RawMessage(`{"txId":"tx-1"}`), nil
}

func (w *fakeWallet) Refund(_ context.Context, req *client.RefundRequest) error {
	w.refunds = append(w.refunds, req)
	return nil
}

type fakeInvest struct {
	activations   []*client.ActivateSubscriptionRequest
	deactivations []*client.DeactivateSubscriptionRequest
	allocations   []*client.AllocateUnitsRequest
	releases      []*client.ReleaseUnitsRequest
}

func (i *fakeInvest) ActivateSubscription(_ context.Context, req *client.ActivateSubscriptionRequest) (json.RawMessage, error) {
	i.activations = append(i.activations, req)
	return json.RawMessage(`{"subscriptionId":"sub-1"}`), nil
}

func (i *fakeInvest) DeactivateSubscription(_ context.Context, req *client.DeactivateSubscriptionRequest) error {
	i.deactivations = append(i.deactivations, req)
	return nil
}

func (i *fakeInvest) AllocateUnits(_ context.Context, req *client.AllocateUnitsRequest) (json.RawMessage, error) {
	i.allocations = append(i.allocations, req)
	return json.RawMessage(`{"units":12}`), nil
}

func (i *fakeInvest) ReleaseUnits(_ context.Context, req *client.ReleaseUnitsRequest) error {
	i.releases = append(i.releases, req)
	return nil
}

type fakeBonus struct {
	credits []*client.CreditBonusRequest
	revokes []*client.RevokeBonusRequest
}

func (b *fakeBonus) CreditBonus(_ context.Context, req *client.CreditBonusRequest) (json.RawMessage, error) {
	b.credits = append(b.credits, req)
	return json.RawMessage(`{"skipped":true}`), nil
}

func (b *fakeBonus) RevokeBonus(_ context.Context, req *client.RevokeBonusRequest) error {
	b.revokes = append(b.revokes, req)
	return nil
}

type fakeLedger struct {
	posts    []*client.PostEntryRequest
	reverses []*client.ReverseEntryRequest
}

func (l *fakeLedger) PostEntry(_ context.Context, req *client.PostEntryRequest) (json.RawMessage, error) {
	l.posts = append(l.posts, req)
	return json.RawMessage(`{"entryId":"e-1"}`), nil
}

func (l *fakeLedger) ReverseEntry(_ context.Context, req *client.ReverseEntryRequest) error {
	l.reverses = append(l.reverses, req)
	return nil
}

type fakeNotifier struct {
	userIDs []int64
	events  []notify.AllocationEvent
}

func (n *fakeNotifier) PublishAllocationCompleted(_ context.Context, userID int64, event notify.AllocationEvent) error {
	n.userIDs = append(n.userIDs, userID)
	n.events = append(n.events, event)
	return nil
}

type fixture struct {
	reg      *saga.Registry
	wallet   *fakeWallet
	invest   *fakeInvest
	bonus    *fakeBonus
	ledger   *fakeLedger
	notifier *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		reg:      saga.NewRegistry(),
		wallet:   &fakeWallet{},
		invest:   &fakeInvest{},
		bonus:    &fakeBonus{},
		ledger:   &fakeLedger{},
		notifier: &fakeNotifier{},
	}
	err := RegisterPaymentAllocation(f.reg, Deps{
		Wallet:   f.wallet,
		Invest:   f.invest,
		Bonus:    f.bonus,
		Ledger:   f.ledger,
		Notifier: f.notifier,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return f
}

func testStepContext() *saga.StepContext {
	return &saga.StepContext{
		SagaID:    "saga-77",
		PaymentID: "pay-77",
		UserID:    42,
		Amount:    5000,
	}
}

func TestRegisterStepOrder(t *testing.T) {
	f := newFixture(t)

	defs, err := f.reg.Resolve(saga.TypePaymentAllocation)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	want := []string{
		StepDebitWallet, StepActivateSubscription, StepAllocateUnits,
		StepCreditReferralBonus, StepPostLedger, StepSendNotification,
	}
	if len(defs) != len(want) {
		t.Fatalf("steps = %d, want %d", len(defs), len(want))
	}
	for i, name := range want {
		if defs[i].Name != name {
			t.Errorf("step[%d] = %s, want %s", i, defs[i].Name, name)
		}
	}
	if defs[len(defs)-1].Compensate != nil {
		t.Error("send_notification must not have a compensation action")
	}
	for _, def := range defs[:len(defs)-1] {
		if def.Compensate == nil {
			t.Errorf("step %s missing compensation action", def.Name)
		}
	}
}

func TestForwardRequestsCarryIdempotencyKeys(t *testing.T) {
	f := newFixture(t)
	sc := testStepContext()

	defs, _ := f.reg.Resolve(saga.TypePaymentAllocation)
	for _, def := range defs {
		if _, err := def.Forward(context.Background(), sc); err != nil {
			t.Fatalf("forward %s: %v", def.Name, err)
		}
	}

	debit := f.wallet.debits[0]
	if debit.IdempotencyKey != "saga-77:debit_wallet" {
		t.Errorf("debit key = %q", debit.IdempotencyKey)
	}
	if debit.UserID != 42 || debit.Amount != 5000 || debit.PaymentID != "pay-77" {
		t.Errorf("debit request = %+v", debit)
	}

	if key := f.invest.activations[0].IdempotencyKey; key != "saga-77:activate_subscription" {
		t.Errorf("activation key = %q", key)
	}
	if key := f.invest.allocations[0].IdempotencyKey; key != "saga-77:allocate_units" {
		t.Errorf("allocation key = %q", key)
	}
	if key := f.bonus.credits[0].IdempotencyKey; key != "saga-77:credit_referral_bonus" {
		t.Errorf("bonus key = %q", key)
	}

	post := f.ledger.posts[0]
	if post.IdempotencyKey != "saga-77:post_ledger" {
		t.Errorf("ledger key = %q", post.IdempotencyKey)
	}
	if post.RefType != saga.TypePaymentAllocation || post.RefID != "saga-77" {
		t.Errorf("ledger ref = %s/%s", post.RefType, post.RefID)
	}

	if len(f.notifier.events) != 1 || f.notifier.userIDs[0] != 42 {
		t.Fatalf("notifications = %+v", f.notifier.events)
	}
	event := f.notifier.events[0]
	if event.SagaID != "saga-77" || event.PaymentID != "pay-77" || event.Status != "completed" {
		t.Errorf("event = %+v", event)
	}
}

func TestCompensationRequestsUseRollbackSuffix(t *testing.T) {
	f := newFixture(t)
	sc := testStepContext()

	defs, _ := f.reg.Resolve(saga.TypePaymentAllocation)
	for _, def := range defs {
		if def.Compensate == nil {
			continue
		}
		if err := def.Compensate(context.Background(), sc, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("compensate %s: %v", def.Name, err)
		}
	}

	refund := f.wallet.refunds[0]
	if refund.IdempotencyKey != "saga-77:debit_wallet:rollback" {
		t.Errorf("refund key = %q", refund.IdempotencyKey)
	}
	if refund.Amount != 5000 || refund.UserID != 42 {
		t.Errorf("refund request = %+v", refund)
	}

	if key := f.invest.deactivations[0].IdempotencyKey; key != "saga-77:activate_subscription:rollback" {
		t.Errorf("deactivation key = %q", key)
	}
	if key := f.invest.releases[0].IdempotencyKey; key != "saga-77:allocate_units:rollback" {
		t.Errorf("release key = %q", key)
	}
	if key := f.bonus.revokes[0].IdempotencyKey; key != "saga-77:credit_referral_bonus:rollback" {
		t.Errorf("revoke key = %q", key)
	}

	reverse := f.ledger.reverses[0]
	if reverse.IdempotencyKey != "saga-77:post_ledger:rollback" {
		t.Errorf("reverse key = %q", reverse.IdempotencyKey)
	}
	if reverse.RefID != "saga-77" {
		t.Errorf("reverse ref = %q", reverse.RefID)
	}
}
