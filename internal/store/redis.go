package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisSlot keeps each slot under <prefix><key> in Redis.
type RedisSlot struct {
	client *redis.Client
	prefix string
}

var _ Slot = &RedisSlot{}

// NewRedisSlot connects lazily; the first command surfaces dial errors.
func NewRedisSlot(addr, prefix string, dialTimeout time.Duration) *RedisSlot {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  dialTimeout,
		ReadTimeout:  dialTimeout,
		WriteTimeout: dialTimeout,
		MaxRetries:   1,
	})
	return &RedisSlot{client: client, prefix: prefix}
}

func (s *RedisSlot) redisKey(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	return s.prefix + key, nil
}

// Get implements Slot.
func (s *RedisSlot) Get(ctx context.Context, key string) ([]byte, error) {
	k, err := s.redisKey(key)
	if err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSlotEmpty
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis slot: get")
	}
	return data, nil
}

// Put implements Slot.
func (s *RedisSlot) Put(ctx context.Context, key string, data []byte) error {
	k, err := s.redisKey(key)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, k, data, 0).Err(); err != nil {
		return errors.Wrap(err, "redis slot: put")
	}
	return nil
}

// Delete implements Slot.
func (s *RedisSlot) Delete(ctx context.Context, key string) error {
	k, err := s.redisKey(key)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, k).Err(); err != nil {
		return errors.Wrap(err, "redis slot: delete")
	}
	return nil
}

// Close closes the client.
func (s *RedisSlot) Close() error {
	return s.client.Close()
}
