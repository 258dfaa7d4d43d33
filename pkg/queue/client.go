// Package queue implements a delayed-dispatch queue on top of Redis: a
// ready list consumers pop from, a delayed sorted set promoted into the
// ready list as messages come due, and a dead-letter list that is filled
// only through Client.MarkDead and drained by the consumer's DLQ loop.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInvalidMessage is returned when a popped queue entry isn't a valid
// DispatchMessage; callers should ACK and drop it.
var ErrInvalidMessage = errors.New("invalid dispatch message")

const (
	readyKey   = "npcloud:dispatch:ready"
	delayedKey = "npcloud:dispatch:delayed"
	dlqKey     = "npcloud:dispatch:dlq"

	// popTimeout bounds each BLPop call so consumer loops stay responsive
	// to context cancellation.
	popTimeout = 2 * time.Second
)

// Client wraps a *redis.Client with the three-structure delayed-queue
// design: ready list, delayed ZSET, and DLQ list.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a queue Client over an existing Redis connection.
func NewClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Enqueue pushes msg onto the ready list immediately when delaySeconds is
// zero or negative, otherwise schedules it onto the delayed set to become
// ready delaySeconds from now.
func (c *Client) Enqueue(ctx context.Context, msg DispatchMessage, delaySeconds int) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshalling dispatch message: %w", err)
	}

	if delaySeconds <= 0 {
		if err := c.rdb.LPush(ctx, readyKey, body).Err(); err != nil {
			return fmt.Errorf("pushing to ready queue: %w", err)
		}
		return nil
	}

	readyAt := time.Now().Add(time.Duration(delaySeconds) * time.Second).Unix()
	if err := c.rdb.ZAdd(ctx, delayedKey, redis.Z{Score: float64(readyAt), Member: body}).Err(); err != nil {
		return fmt.Errorf("scheduling delayed dispatch message: %w", err)
	}
	return nil
}

// PromoteDue moves members of the delayed set whose score has elapsed into
// the ready list. In worker mode it is driven by a one-second ticker.
func (c *Client) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	due, err := c.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scanning delayed queue: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	pipe := c.rdb.Pipeline()
	for _, member := range due {
		pipe.LPush(ctx, readyKey, member)
		pipe.ZRem(ctx, delayedKey, member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("promoting due dispatch messages: %w", err)
	}
	return len(due), nil
}

// PopReady blocks up to its internal timeout waiting for a ready message.
// A nil message with a nil error means the wait elapsed with nothing ready.
func (c *Client) PopReady(ctx context.Context) (*DispatchMessage, error) {
	return c.pop(ctx, readyKey)
}

// PopDLQ blocks up to its internal timeout waiting for a dead-lettered
// message.
func (c *Client) PopDLQ(ctx context.Context) (*DispatchMessage, error) {
	return c.pop(ctx, dlqKey)
}

func (c *Client) pop(ctx context.Context, key string) (*DispatchMessage, error) {
	result, err := c.rdb.BLPop(ctx, popTimeout, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("popping from %s: %w", key, err)
	}

	// BLPop returns [key, value].
	var msg DispatchMessage
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return &msg, nil
}

// MarkDead pushes msg directly onto the dead-letter list, bypassing the
// main dispatch path entirely.
func (c *Client) MarkDead(ctx context.Context, msg DispatchMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshalling dead-lettered message: %w", err)
	}
	if err := c.rdb.LPush(ctx, dlqKey, body).Err(); err != nil {
		return fmt.Errorf("pushing to dead-letter queue: %w", err)
	}
	return nil
}
