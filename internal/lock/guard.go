package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrHeld 表示已有任务持有锁。
var ErrHeld = errors.New("lock: 已有任务在运行")

// ReleaseFunc 释放已获得的锁，可重复调用。
type ReleaseFunc func(ctx context.Context) error

// Guard 保证同一时刻只有一个任务在运行。
type Guard interface {
	// TryAcquire 立即尝试加锁，被占用时返回 ErrHeld。
	TryAcquire(ctx context.Context, owner string) (ReleaseFunc, error)
	// Holder 返回当前持有者，空闲时为空字符串。
	Holder(ctx context.Context) (string, error)
}

// LocalGuard 为进程内互斥。
type LocalGuard struct {
	mu     sync.Mutex
	holder string
	seq    uint64
}

var _ Guard = (*LocalGuard)(nil)

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{}
}

func (g *LocalGuard) TryAcquire(_ context.Context, owner string) (ReleaseFunc, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holder != "" {
		return nil, fmt.Errorf("%w: %s", ErrHeld, g.holder)
	}
	if owner == "" {
		owner = "anonymous"
	}
	g.holder = owner
	g.seq++
	seq := g.seq

	return func(context.Context) error {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.seq == seq {
			g.holder = ""
		}
		return nil
	}, nil
}

func (g *LocalGuard) Holder(context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder, nil
}
