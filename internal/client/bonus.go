package client

import (
	"context"
	"encoding/json"
)

// BonusClient 推荐奖励服务客户端
type BonusClient struct {
	internalClient
}

// NewBonusClient 创建客户端
func NewBonusClient(baseURL, internalToken string) *BonusClient {
	return &BonusClient{internalClient: newInternalClient(baseURL, internalToken)}
}

type CreditBonusRequest struct {
	IdempotencyKey string `json:"IdempotencyKey"`
	UserID         int64  `json:"UserID"`
	PaymentID      string `json:"PaymentID"`
	Amount         int64  `json:"Amount"`
}

// CreditBonus 为推荐人发放奖励。无可归属推荐人时下游返回
// 成功并在 Data 中标注 skipped。
func (c *BonusClient) CreditBonus(ctx context.Context, req *CreditBonusRequest) (json.RawMessage, error) {
	return c.post(ctx, "/internal/bonus/credit", req)
}

type RevokeBonusRequest struct {
	IdempotencyKey string `json:"IdempotencyKey"`
	UserID         int64  `json:"UserID"`
	PaymentID      string `json:"PaymentID"`
}

// RevokeBonus 撤回已发放的奖励（补偿）
func (c *BonusClient) RevokeBonus(ctx context.Context, req *RevokeBonusRequest) error {
	_, err := c.post(ctx, "/internal/bonus/revoke", req)
	return err
}
