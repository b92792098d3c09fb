package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swing-trader/internal/config"
)

func exerciseGuard(t *testing.T, g Guard) {
	t.Helper()
	ctx := context.Background()

	release, err := g.TryAcquire(ctx, "entry")
	require.NoError(t, err)

	holder, err := g.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "entry", holder)

	_, err = g.TryAcquire(ctx, "monitor")
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, release(ctx))
	holder, err = g.Holder(ctx)
	require.NoError(t, err)
	assert.Empty(t, holder)

	again, err := g.TryAcquire(ctx, "monitor")
	require.NoError(t, err)
	// 旧的释放函数不能释放新持有者的锁
	require.NoError(t, release(ctx))
	holder, err = g.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "monitor", holder)
	require.NoError(t, again(ctx))
}

func TestLocalGuard(t *testing.T) {
	exerciseGuard(t, NewLocalGuard())
}

func TestRedisGuard(t *testing.T) {
	addr := os.Getenv("SWING_REDIS_ADDR")
	if addr == "" {
		t.Skip("未设置 SWING_REDIS_ADDR，跳过测试")
	}
	cfg := config.LockConfig{RedisAddr: addr, KeyPrefix: "swing-trader-test:", TTL: time.Minute}
	client := NewRedisClient(cfg)
	defer client.Close()
	require.NoError(t, client.Ping(context.Background()).Err())

	exerciseGuard(t, NewRedisGuard(client, cfg, nil))
}
