// Package redis Redis Streams 封装
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamClient Redis Streams 客户端
type StreamClient struct {
	client *redis.Client
}

// NewStreamClient 创建客户端
func NewStreamClient(client *redis.Client) *StreamClient {
	return &StreamClient{client: client}
}

// Publish 发布消息到 Stream
func (c *StreamClient) Publish(ctx context.Context, stream string, msg interface{}) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	id, err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}

	return id, nil
}

// EnsureGroup 创建消费者组（已存在时忽略）
func (c *StreamClient) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

// Message 消息
type Message struct {
	ID     string
	Stream string
	Data   []byte
}

// MessageHandler 消息处理函数
type MessageHandler func(ctx context.Context, msg *Message) error

// ConsumerOptions 消费者选项
type ConsumerOptions struct {
	BatchSize  int           // 每次读取的消息数
	BlockTime  time.Duration // 阻塞等待时间
	MaxRetries int           // 最大重试次数，超过后写入死信流
}

// DefaultConsumerOptions 默认选项
var DefaultConsumerOptions = ConsumerOptions{
	BatchSize:  10,
	BlockTime:  5 * time.Second,
	MaxRetries: 3,
}

// Consumer 消费者
type Consumer struct {
	client   *StreamClient
	group    string
	consumer string
	stream   string
	handler  MessageHandler
	opts     ConsumerOptions

	// OnTick 每轮读取后回调（用于健康检查），可为 nil
	OnTick func()
}

// NewConsumer 创建消费者
func NewConsumer(client *StreamClient, group, consumer, stream string, handler MessageHandler, opts *ConsumerOptions) *Consumer {
	if opts == nil {
		opts = &DefaultConsumerOptions
	}
	return &Consumer{
		client:   client,
		group:    group,
		consumer: consumer,
		stream:   stream,
		handler:  handler,
		opts:     *opts,
	}
}

// Start 启动消费，阻塞直到 ctx 取消
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.client.EnsureGroup(ctx, c.stream, c.group); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		results, err := c.client.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    int64(c.opts.BatchSize),
			Block:    c.opts.BlockTime,
		}).Result()
		if c.OnTick != nil {
			c.OnTick()
		}
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, result := range results {
			for _, m := range result.Messages {
				if err := c.processMessage(ctx, m); err != nil && ctx.Err() == nil {
					fmt.Printf("process message error: %v\n", err)
				}
			}
		}
	}
}

// processMessage 处理单条消息
func (c *Consumer) processMessage(ctx context.Context, m redis.XMessage) error {
	data, ok := m.Values["data"].(string)
	if !ok {
		// 无效消息，直接 ACK
		return c.client.client.XAck(ctx, c.stream, c.group, m.ID).Err()
	}

	msg := &Message{
		ID:     m.ID,
		Stream: c.stream,
		Data:   []byte(data),
	}

	if err := c.handler(ctx, msg); err != nil {
		// 超过最大重试，写入死信流并 ACK
		if c.opts.MaxRetries > 0 {
			pending, pErr := c.client.client.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: c.stream,
				Group:  c.group,
				Start:  m.ID,
				End:    m.ID,
				Count:  1,
			}).Result()
			if pErr == nil && len(pending) == 1 && pending[0].RetryCount > int64(c.opts.MaxRetries) {
				if dlqErr := c.sendToDLQ(ctx, &m, err.Error()); dlqErr == nil {
					return c.client.client.XAck(ctx, c.stream, c.group, m.ID).Err()
				}
			}
		}
		return err
	}

	return c.client.client.XAck(ctx, c.stream, c.group, m.ID).Err()
}

func (c *Consumer) sendToDLQ(ctx context.Context, m *redis.XMessage, reason string) error {
	values := map[string]interface{}{
		"stream":   c.stream,
		"msgId":    m.ID,
		"reason":   reason,
		"data":     m.Values["data"],
		"tsMs":     time.Now().UnixMilli(),
		"group":    c.group,
		"consumer": c.consumer,
	}
	_, err := c.client.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.stream + ":dlq",
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd dlq: %w", err)
	}
	return nil
}
