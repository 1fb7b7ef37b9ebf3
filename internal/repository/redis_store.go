package repository

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisStore 用一个 string key 保存快照，SET 本身是原子的（last-writer-wins）。
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Save(ctx context.Context, key string, blob []byte) error {
	if s.client == nil {
		return errors.New("redis client is nil")
	}
	return s.client.Set(ctx, s.prefix+key, blob, 0).Err()
}

func (s *RedisStore) Load(ctx context.Context, key string) ([]byte, error) {
	if s.client == nil {
		return nil, errors.New("redis client is nil")
	}
	blob, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return blob, err
}
