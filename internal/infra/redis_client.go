package infra

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述快照存储使用的 Redis 连接：
//
//	IM_REDIS_ADDR     例：localhost:6379
//	IM_REDIS_PASS     例：password，可为空
//	IM_REDIS_DB       例：0（整数）
//	IM_REDIS_PREFIX   快照 key 前缀
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func LoadRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     envString("IM_REDIS_ADDR", "localhost:6379"),
		Password: envString("IM_REDIS_PASS", ""),
		DB:       envInt("IM_REDIS_DB", 0),
		Prefix:   envString("IM_REDIS_PREFIX", "im:client:"),
	}
}

// KeyPrefix 为某个身份生成快照 key 前缀，多个身份共用一个 Redis 时互不覆盖。
func (c RedisConfig) KeyPrefix(userID string) string {
	return c.Prefix + userID + ":"
}

func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		DialTimeout:  2 * time.Second,
	})
}

// PingRedis 用于启动阶段验证连接；若 client 为 nil 则直接返回 nil。
func PingRedis(ctx context.Context, client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Ping(ctx).Err()
}
