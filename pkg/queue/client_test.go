package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewClient(rdb)
}

func TestEnqueue_ZeroDelayGoesStraightToReady(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	msg := DispatchMessage{DeliveryID: "d1", InstanceID: "i1", DispatchAttempt: 1}
	if err := c.Enqueue(ctx, msg, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got, err := c.PopReady(ctx)
	if err != nil {
		t.Fatalf("PopReady: %v", err)
	}
	if got == nil || got.DeliveryID != "d1" {
		t.Fatalf("PopReady = %+v, want delivery d1", got)
	}
}

func TestEnqueue_DelayedGoesToZSETUntilPromoted(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	msg := DispatchMessage{DeliveryID: "d2", InstanceID: "i2", DispatchAttempt: 1}
	if err := c.Enqueue(ctx, msg, 60); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	n, err := c.PromoteDue(ctx, time.Now())
	if err != nil {
		t.Fatalf("PromoteDue (not yet due): %v", err)
	}
	if n != 0 {
		t.Fatalf("PromoteDue promoted %d messages, want 0 (not due yet)", n)
	}

	n, err = c.PromoteDue(ctx, time.Now().Add(61*time.Second))
	if err != nil {
		t.Fatalf("PromoteDue (due): %v", err)
	}
	if n != 1 {
		t.Fatalf("PromoteDue promoted %d messages, want 1", n)
	}

	got, err := c.PopReady(ctx)
	if err != nil {
		t.Fatalf("PopReady: %v", err)
	}
	if got == nil || got.DeliveryID != "d2" {
		t.Fatalf("PopReady = %+v, want delivery d2", got)
	}
}

func TestPopReady_EmptyReturnsNilWithoutError(t *testing.T) {
	c := newTestClient(t)
	got, err := c.PopReady(context.Background())
	if err != nil {
		t.Fatalf("PopReady on empty queue: %v", err)
	}
	if got != nil {
		t.Fatalf("PopReady = %+v, want nil", got)
	}
}

func TestMarkDead_PushesToDLQ(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	msg := DispatchMessage{DeliveryID: "d3", InstanceID: "i3"}
	if err := c.MarkDead(ctx, msg); err != nil {
		t.Fatalf("MarkDead: %v", err)
	}

	got, err := c.PopDLQ(ctx)
	if err != nil {
		t.Fatalf("PopDLQ: %v", err)
	}
	if got == nil || got.DeliveryID != "d3" {
		t.Fatalf("PopDLQ = %+v, want delivery d3", got)
	}
}
