// Package notify publishes allocation outcome events to Redis.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const privateUserEventChannelTemplate = "private:user:{userId}:events"

// Publisher publishes per-user allocation events.
type Publisher struct {
	client        *redis.Client
	channelFormat string
	hasUserID     bool
}

// NewPublisher creates a publisher.
func NewPublisher(client *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = privateUserEventChannelTemplate
	}
	format, hasUserID := normalizeUserChannelFormat(channel)
	return &Publisher{
		client:        client,
		channelFormat: format,
		hasUserID:     hasUserID,
	}
}

// AllocationEvent represents an allocation outcome payload.
type AllocationEvent struct {
	SagaID    string `json:"sagaId"`
	PaymentID string `json:"paymentId"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

// PublishAllocationCompleted publishes a completed allocation event for the user.
func (p *Publisher) PublishAllocationCompleted(ctx context.Context, userID int64, event AllocationEvent) error {
	return p.publish(ctx, userID, "allocation_completed", event)
}

// PublishAllocationReversed publishes a reversal event after compensation.
func (p *Publisher) PublishAllocationReversed(ctx context.Context, userID int64, event AllocationEvent) error {
	return p.publish(ctx, userID, "allocation_reversed", event)
}

func (p *Publisher) publish(ctx context.Context, userID int64, event string, data interface{}) error {
	payload := map[string]interface{}{
		"channel": "allocation",
		"event":   event,
		"data":    data,
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	targetChannel := p.channelFormat
	if p.hasUserID {
		targetChannel = fmt.Sprintf(p.channelFormat, userID)
	}
	return p.client.Publish(ctx, targetChannel, raw).Err()
}

func normalizeUserChannelFormat(template string) (string, bool) {
	if strings.Contains(template, "{userId}") {
		return strings.ReplaceAll(template, "{userId}", "%d"), true
	}
	return template, false
}
