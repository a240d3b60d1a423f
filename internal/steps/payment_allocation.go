// Package steps wires concrete forward/compensate actions into the saga registry.
package steps

import (
	"context"
	"encoding/json"

	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/internal/client"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/internal/notify"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/internal/saga"
)

// Step names for the payment_allocation saga, in forward execution order.
const (
	StepDebitWallet          = "debit_wallet"
	StepActivateSubscription = "activate_subscription"
	StepAllocateUnits        = "allocate_units"
	StepCreditReferralBonus  = "credit_referral_bonus"
	StepPostLedger           = "post_ledger"
	StepSendNotification     = "send_notification"
)

// WalletAPI is the wallet service surface the saga needs.
type WalletAPI interface {
	Debit(ctx context.Context, req *client.DebitRequest) (json.RawMessage, error)
	Refund(ctx context.Context, req *client.RefundRequest) error
}

// InvestAPI is the investment service surface the saga needs.
type InvestAPI interface {
	ActivateSubscription(ctx context.Context, req *client.ActivateSubscriptionRequest) (json.RawMessage, error)
	DeactivateSubscription(ctx context.Context, req *client.DeactivateSubscriptionRequest) error
	AllocateUnits(ctx context.Context, req *client.AllocateUnitsRequest) (json.RawMessage, error)
	ReleaseUnits(ctx context.Context, req *client.ReleaseUnitsRequest) error
}

// BonusAPI is the referral bonus service surface the saga needs.
type BonusAPI interface {
	CreditBonus(ctx context.Context, req *client.CreditBonusRequest) (json.RawMessage, error)
	RevokeBonus(ctx context.Context, req *client.RevokeBonusRequest) error
}

// LedgerAPI is the ledger service surface the saga needs.
type LedgerAPI interface {
	PostEntry(ctx context.Context, req *client.PostEntryRequest) (json.RawMessage, error)
	ReverseEntry(ctx context.Context, req *client.ReverseEntryRequest) error
}

// Notifier publishes allocation outcome events to the user.
type Notifier interface {
	PublishAllocationCompleted(ctx context.Context, userID int64, event notify.AllocationEvent) error
}

// Deps bundles the downstream dependencies of the payment_allocation saga.
type Deps struct {
	Wallet   WalletAPI
	Invest   InvestAPI
	Bonus    BonusAPI
	Ledger   LedgerAPI
	Notifier Notifier
}

// RegisterPaymentAllocation registers the payment_allocation step table.
// Compensation requests reuse the step idempotency key with a ":rollback"
// suffix so a repeated compensation attempt is ignored downstream.
func RegisterPaymentAllocation(reg *saga.Registry, deps Deps) error {
	steps := []saga.StepDefinition{
		{
			Name: StepDebitWallet,
			Forward: func(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
				return deps.Wallet.Debit(ctx, &client.DebitRequest{
					IdempotencyKey: sc.IdempotencyKey(StepDebitWallet),
					UserID:         sc.UserID,
					Amount:         sc.Amount,
					PaymentID:      sc.PaymentID,
				})
			},
			Compensate: func(ctx context.Context, sc *saga.StepContext, _ json.RawMessage) error {
				return deps.Wallet.Refund(ctx, &client.RefundRequest{
					IdempotencyKey: rollbackKey(sc, StepDebitWallet),
					UserID:         sc.UserID,
					Amount:         sc.Amount,
					PaymentID:      sc.PaymentID,
				})
			},
		},
		{
			Name: StepActivateSubscription,
			Forward: func(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
				return deps.Invest.ActivateSubscription(ctx, &client.ActivateSubscriptionRequest{
					IdempotencyKey: sc.IdempotencyKey(StepActivateSubscription),
					UserID:         sc.UserID,
					PaymentID:      sc.PaymentID,
					Amount:         sc.Amount,
				})
			},
			Compensate: func(ctx context.Context, sc *saga.StepContext, _ json.RawMessage) error {
				return deps.Invest.DeactivateSubscription(ctx, &client.DeactivateSubscriptionRequest{
					IdempotencyKey: rollbackKey(sc, StepActivateSubscription),
					UserID:         sc.UserID,
					PaymentID:      sc.PaymentID,
				})
			},
		},
		{
			Name: StepAllocateUnits,
			Forward: func(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
				return deps.Invest.AllocateUnits(ctx, &client.AllocateUnitsRequest{
					IdempotencyKey: sc.IdempotencyKey(StepAllocateUnits),
					UserID:         sc.UserID,
					PaymentID:      sc.PaymentID,
					Amount:         sc.Amount,
				})
			},
			Compensate: func(ctx context.Context, sc *saga.StepContext, _ json.RawMessage) error {
				return deps.Invest.ReleaseUnits(ctx, &client.ReleaseUnitsRequest{
					IdempotencyKey: rollbackKey(sc, StepAllocateUnits),
					UserID:         sc.UserID,
					PaymentID:      sc.PaymentID,
				})
			},
		},
		{
			Name: StepCreditReferralBonus,
			Forward: func(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
				return deps.Bonus.CreditBonus(ctx, &client.CreditBonusRequest{
					IdempotencyKey: sc.IdempotencyKey(StepCreditReferralBonus),
					UserID:         sc.UserID,
					PaymentID:      sc.PaymentID,
					Amount:         sc.Amount,
				})
			},
			Compensate: func(ctx context.Context, sc *saga.StepContext, _ json.RawMessage) error {
				return deps.Bonus.RevokeBonus(ctx, &client.RevokeBonusRequest{
					IdempotencyKey: rollbackKey(sc, StepCreditReferralBonus),
					UserID:         sc.UserID,
					PaymentID:      sc.PaymentID,
				})
			},
		},
		{
			Name: StepPostLedger,
			Forward: func(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
				return deps.Ledger.PostEntry(ctx, &client.PostEntryRequest{
					IdempotencyKey: sc.IdempotencyKey(StepPostLedger),
					UserID:         sc.UserID,
					PaymentID:      sc.PaymentID,
					Amount:         sc.Amount,
					RefType:        saga.TypePaymentAllocation,
					RefID:          sc.SagaID,
				})
			},
			Compensate: func(ctx context.Context, sc *saga.StepContext, _ json.RawMessage) error {
				return deps.Ledger.ReverseEntry(ctx, &client.ReverseEntryRequest{
					IdempotencyKey: rollbackKey(sc, StepPostLedger),
					UserID:         sc.UserID,
					PaymentID:      sc.PaymentID,
					RefID:          sc.SagaID,
				})
			},
		},
		{
			Name: StepSendNotification,
			Forward: func(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
				err := deps.Notifier.PublishAllocationCompleted(ctx, sc.UserID, notify.AllocationEvent{
					SagaID:    sc.SagaID,
					PaymentID: sc.PaymentID,
					Amount:    sc.Amount,
					Status:    string(saga.StatusCompleted),
				})
				return nil, err
			},
			// Notifications are fire-and-forget, nothing to undo.
			Compensate: nil,
		},
	}
	return reg.Register(saga.TypePaymentAllocation, steps)
}

func rollbackKey(sc *saga.StepContext, step string) string {
	return sc.IdempotencyKey(step) + ":rollback"
}
