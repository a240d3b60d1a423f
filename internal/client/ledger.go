package client

import (
	"context"
	"encoding/json"
)

// LedgerClient 账务服务客户端
type LedgerClient struct {
	internalClient
}

// NewLedgerClient 创建客户端
func NewLedgerClient(baseURL, internalToken string) *LedgerClient {
	return &LedgerClient{internalClient: newInternalClient(baseURL, internalToken)}
}

type PostEntryRequest struct {
	IdempotencyKey string `json:"IdempotencyKey"`
	UserID         int64  `json:"UserID"`
	PaymentID      string `json:"PaymentID"`
	Amount         int64  `json:"Amount"`
	RefType        string `json:"RefType"`
	RefID          string `json:"RefID"`
}

// PostEntry 登记账务流水
func (c *LedgerClient) PostEntry(ctx context.Context, req *PostEntryRequest) (json.RawMessage, error) {
	return c.post(ctx, "/internal/ledger/entries", req)
}

type ReverseEntryRequest struct {
	IdempotencyKey string `json:"IdempotencyKey"`
	UserID         int64  `json:"UserID"`
	PaymentID      string `json:"PaymentID"`
	RefID          string `json:"RefID"`
}

// ReverseEntry 写入冲正流水（补偿）。账本只追加，冲正而非删除。
func (c *LedgerClient) ReverseEntry(ctx context.Context, req *ReverseEntryRequest) error {
	_, err := c.post(ctx, "/internal/ledger/reverse", req)
	return err
}
