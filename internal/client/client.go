// Package client 下游内部服务的 HTTP 客户端。
// 所有写操作都携带幂等键，下游据此忽略重复请求。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type internalClient struct {
	baseURL       string
	internalToken string
	client        *http.Client
}

func newInternalClient(baseURL, internalToken string) internalClient {
	return internalClient{
		baseURL:       baseURL,
		internalToken: internalToken,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// post 发送内部调用并返回业务数据。非 200、Success=false 都按错误处理。
func (c *internalClient) post(ctx context.Context, path string, body interface{}) (json.RawMessage, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.internalToken != "" {
		req.Header.Set("X-Internal-Token", c.internalToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status code: %d", resp.StatusCode)
	}

	var result struct {
		Success   bool            `json:"Success"`
		ErrorCode string          `json:"ErrorCode"`
		Data      json.RawMessage `json:"Data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if !result.Success {
		return nil, fmt.Errorf("downstream error: %s", result.ErrorCode)
	}

	return result.Data, nil
}
