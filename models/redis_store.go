package models

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisTxRetries = 10

// ErrWindowContention is returned when a key stays contended past all retries.
var ErrWindowContention = errors.New("rate limit window contended")

// RedisWindowStore shares rate limit windows between instances. Each window is a
// hash that expires at its reset time, so Redis does the sweeping.
type RedisWindowStore struct {
	client *redis.Client
	prefix string
}

func NewRedisWindowStore(client *redis.Client, prefix string) *RedisWindowStore {
	return &RedisWindowStore{client: client, prefix: prefix}
}

func (s *RedisWindowStore) Update(ctx context.Context, key string, fn func(w Window, ok bool) Window) (Window, error) {
	key = s.prefix + key
	var result Window
	txf := func(tx *redis.Tx) error {
		w, ok, err := readWindow(ctx, tx, key)
		if err != nil {
			return err
		}
		result = fn(w, ok)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "count", result.Count, "reset", result.ResetAt.UnixMilli())
			pipe.PExpireAt(ctx, key, result.ResetAt)
			return nil
		})
		return err
	}

	for i := 0; i < redisTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Window{}, fmt.Errorf("redis window update: %w", err)
	}
	return Window{}, ErrWindowContention
}

func (s *RedisWindowStore) Get(ctx context.Context, key string) (Window, bool, error) {
	return readWindow(ctx, s.client, s.prefix+key)
}

func (s *RedisWindowStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// Sweep is a no-op; keys expire on their own.
func (s *RedisWindowStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd
}

func readWindow(ctx context.Context, c hashReader, key string) (Window, bool, error) {
	vals, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return Window{}, false, err
	}
	if len(vals) == 0 {
		return Window{}, false, nil
	}
	count, err := strconv.Atoi(vals["count"])
	if err != nil {
		return Window{}, false, fmt.Errorf("corrupt window count for %s: %w", key, err)
	}
	resetMs, err := strconv.ParseInt(vals["reset"], 10, 64)
	if err != nil {
		return Window{}, false, fmt.Errorf("corrupt window reset for %s: %w", key, err)
	}
	return Window{Count: count, ResetAt: time.UnixMilli(resetMs).UTC()}, true, nil
}
