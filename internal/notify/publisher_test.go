package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestPublisher(t *testing.T, channel string) (*Publisher, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewPublisher(client, channel), client
}

func subscribe(t *testing.T, client *redis.Client, channel string) *redis.PubSub {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sub := client.Subscribe(ctx, channel)
	t.Cleanup(func() { sub.Close() })
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return sub
}

func receive(t *testing.T, sub *redis.PubSub) *redis.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	return msg
}

func TestPublishAllocationCompleted(t *testing.T) {
	pub, client := newTestPublisher(t, "")
	sub := subscribe(t, client, "private:user:42:events")

	err := pub.PublishAllocationCompleted(context.Background(), 42, AllocationEvent{
		SagaID:    "saga-1",
		PaymentID: "pay-1",
		Amount:    2500,
		Status:    "completed",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg := receive(t, sub)
	if msg.Channel != "private:user:42:events" {
		t.Fatalf("channel = %s", msg.Channel)
	}

	var payload struct {
		Channel string          `json:"channel"`
		Event   string          `json:"event"`
		Data    AllocationEvent `json:"data"`
	}
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Channel != "allocation" || payload.Event != "allocation_completed" {
		t.Fatalf("envelope = %+v", payload)
	}
	if payload.Data.SagaID != "saga-1" || payload.Data.Amount != 2500 {
		t.Fatalf("data = %+v", payload.Data)
	}
}

func TestPublishAllocationReversed(t *testing.T) {
	pub, client := newTestPublisher(t, "")
	sub := subscribe(t, client, "private:user:7:events")

	err := pub.PublishAllocationReversed(context.Background(), 7, AllocationEvent{
		SagaID: "saga-2", PaymentID: "pay-2", Amount: 900, Status: "compensated",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg := receive(t, sub)
	var payload struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Event != "allocation_reversed" {
		t.Fatalf("event = %s", payload.Event)
	}
}

func TestPublishStaticChannel(t *testing.T) {
	pub, client := newTestPublisher(t, "allocation:events")
	sub := subscribe(t, client, "allocation:events")

	err := pub.PublishAllocationCompleted(context.Background(), 99, AllocationEvent{SagaID: "s"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if msg := receive(t, sub); msg.Channel != "allocation:events" {
		t.Fatalf("channel = %s", msg.Channel)
	}
}

func TestNormalizeUserChannelFormat(t *testing.T) {
	format, hasUserID := normalizeUserChannelFormat("private:user:{userId}:events")
	if format != "private:user:%d:events" || !hasUserID {
		t.Fatalf("format = %q, hasUserID = %v", format, hasUserID)
	}

	format, hasUserID = normalizeUserChannelFormat("global:events")
	if format != "global:events" || hasUserID {
		t.Fatalf("format = %q, hasUserID = %v", format, hasUserID)
	}
}
