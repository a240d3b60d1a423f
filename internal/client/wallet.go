package client

import (
	"context"
	"encoding/json"
)

// WalletClient 钱包服务客户端
type WalletClient struct {
	internalClient
}

// NewWalletClient 创建客户端
func NewWalletClient(baseURL, internalToken string) *WalletClient {
	return &WalletClient{internalClient: newInternalClient(baseURL, internalToken)}
}

type DebitRequest struct {
	IdempotencyKey string `json:"IdempotencyKey"`
	UserID         int64  `json:"UserID"`
	Amount         int64  `json:"Amount"`
	PaymentID      string `json:"PaymentID"`
}

// Debit 扣减钱包余额
func (c *WalletClient) Debit(ctx context.Context, req *DebitRequest) (json.RawMessage, error) {
	return c.post(ctx, "/internal/wallet/debit", req)
}

type RefundRequest struct {
	IdempotencyKey string `json:"IdempotencyKey"`
	UserID         int64  `json:"UserID"`
	Amount         int64  `json:"Amount"`
	PaymentID      string `json:"PaymentID"`
}

// Refund 退回扣减的金额（补偿）
func (c *WalletClient) Refund(ctx context.Context, req *RefundRequest) error {
	_, err := c.post(ctx, "/internal/wallet/refund", req)
	return err
}
