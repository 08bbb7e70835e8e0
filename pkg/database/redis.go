package database

import (
	"context"
	"omni-agent-go/internal/config"
	"omni-agent-go/pkg/log"
	"time"

	"github.com/go-redis/redis/v8"
)

var RDB *redis.Client

// InitRedis 连接 Redis，保存租户当前会话指针和 Kafka 消息的重试计数。
func InitRedis(cfg config.RedisConfig) {
	RDB = redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := RDB.Ping(ctx).Err(); err != nil {
		log.Fatal("[Database] 连接 Redis 失败", err)
	}
	log.Infof("[Database] Redis 已连接: %s/%d", cfg.Addr, cfg.DB)
}
