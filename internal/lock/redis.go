package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"swing-trader/internal/config"
)

// 只删除自己持有的锁。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard 基于 SET NX PX 的跨进程互斥，值为 owner|token，释放时校验 token。
type RedisGuard struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

var _ Guard = (*RedisGuard)(nil)

// NewRedisGuard 创建 Redis 锁，ttl 为锁的最长持有时间。
func NewRedisGuard(client redis.UniversalClient, cfg config.LockConfig, logger *zap.Logger) *RedisGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "swing-trader:"
	}
	return &RedisGuard{client: client, key: prefix + "pass", ttl: ttl, logger: logger}
}

// NewRedisClient 根据配置创建客户端。
func NewRedisClient(cfg config.LockConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:       cfg.RedisAddr,
		Password:   cfg.Password,
		DB:         cfg.RedisDB,
		MaxRetries: 3,
	})
}

func (g *RedisGuard) TryAcquire(ctx context.Context, owner string) (ReleaseFunc, error) {
	if owner == "" {
		owner = "anonymous"
	}
	value := owner + "|" + uuid.NewString()
	ok, err := g.client.SetNX(ctx, g.key, value, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: 加锁失败: %w", err)
	}
	if !ok {
		holder, _ := g.Holder(ctx)
		return nil, fmt.Errorf("%w: %s", ErrHeld, holder)
	}

	return func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, g.client, []string{g.key}, value).Int64()
		if err != nil {
			return fmt.Errorf("lock: 释放锁失败: %w", err)
		}
		if n == 0 {
			g.logger.Warn("锁已过期或被他人持有", zap.String("key", g.key), zap.String("owner", owner))
		}
		return nil
	}, nil
}

func (g *RedisGuard) Holder(ctx context.Context) (string, error) {
	value, err := g.client.Get(ctx, g.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lock: 查询锁失败: %w", err)
	}
	owner, _, _ := strings.Cut(value, "|")
	return owner, nil
}
