package client

import (
	"context"
	"encoding/json"
)

// InvestClient 投资服务客户端（订阅激活与份额分配）
type InvestClient struct {
	internalClient
}

// NewInvestClient 创建客户端
func NewInvestClient(baseURL, internalToken string) *InvestClient {
	return &InvestClient{internalClient: newInternalClient(baseURL, internalToken)}
}

type ActivateSubscriptionRequest struct {
	IdempotencyKey string `json:"IdempotencyKey"`
	UserID         int64  `json:"UserID"`
	PaymentID      string `json:"PaymentID"`
	Amount         int64  `json:"Amount"`
}

// ActivateSubscription 激活定投订阅周期
func (c *InvestClient) ActivateSubscription(ctx context.Context, req *ActivateSubscriptionRequest) (json.RawMessage, error) {
	return c.post(ctx, "/internal/subscription/activate", req)
}

type DeactivateSubscriptionRequest struct {
	IdempotencyKey string `json:"IdempotencyKey"`
	UserID         int64  `json:"UserID"`
	PaymentID      string `json:"PaymentID"`
}

// DeactivateSubscription 回退订阅激活（补偿）
func (c *InvestClient) DeactivateSubscription(ctx context.Context, req *DeactivateSubscriptionRequest) error {
	_, err := c.post(ctx, "/internal/subscription/deactivate", req)
	return err
}

type AllocateUnitsRequest struct {
	IdempotencyKey string `json:"IdempotencyKey"`
	UserID         int64  `json:"UserID"`
	PaymentID      string `json:"PaymentID"`
	Amount         int64  `json:"Amount"`
}

// AllocateUnits 按本期金额分配份额
func (c *InvestClient) AllocateUnits(ctx context.Context, req *AllocateUnitsRequest) (json.RawMessage, error) {
	return c.post(ctx, "/internal/units/allocate", req)
}

type ReleaseUnitsRequest struct {
	IdempotencyKey string `json:"IdempotencyKey"`
	UserID         int64  `json:"UserID"`
	PaymentID      string `json:"PaymentID"`
}

// ReleaseUnits 释放已分配份额（补偿）
func (c *InvestClient) ReleaseUnits(ctx context.Context, req *ReleaseUnitsRequest) error {
	_, err := c.post(ctx, "/internal/units/release", req)
	return err
}
