// Package cache keeps recent delivery receipts for quick lookup.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shohag/remindrelay/internal/platform"
)

type Receipts interface {
	StoreReceipt(ctx context.Context, scheduleID string, r platform.Receipt) error
	// Receipt returns nil without error when nothing is cached.
	Receipt(ctx context.Context, scheduleID string) (*platform.Receipt, error)
}

type Nop struct{}

func (Nop) StoreReceipt(context.Context, string, platform.Receipt) error { return nil }
func (Nop) Receipt(context.Context, string) (*platform.Receipt, error)   { return nil, nil }

type RedisReceipts struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisReceipts(rdb *redis.Client, ttl time.Duration) *RedisReceipts {
	return &RedisReceipts{rdb: rdb, ttl: ttl}
}

func receiptKey(scheduleID string) string {
	return "receipt:" + scheduleID
}

func (c *RedisReceipts) StoreReceipt(ctx context.Context, scheduleID string, r platform.Receipt) error {
	r.SentAt = r.SentAt.UTC()
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, receiptKey(scheduleID), b, c.ttl).Err()
}

func (c *RedisReceipts) Receipt(ctx context.Context, scheduleID string) (*platform.Receipt, error) {
	b, err := c.rdb.Get(ctx, receiptKey(scheduleID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r platform.Receipt
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
