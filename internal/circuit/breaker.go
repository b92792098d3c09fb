package circuit

import (
	"fmt"
	"sync"
)

// State 为熔断器状态。
type State string

const (
	StateClosed State = "closed" // 正常下单
	StateOpen   State = "open"   // 本轮停止下单
)

// Breaker 统计单轮入场中连续的下单失败，达到阈值后跳闸，本轮剩余信号不再尝试。
// 每轮开始时调用 Reset。
type Breaker struct {
	threshold int

	mu          sync.Mutex
	state       State
	consecutive int
	lastErr     error
	onTrip      func(reason string)
}

// NewBreaker 创建熔断器，threshold 小于 1 时按 3 处理。
func NewBreaker(threshold int) *Breaker {
	if threshold < 1 {
		threshold = 3
	}
	return &Breaker{threshold: threshold, state: StateClosed}
}

// OnTrip 设置跳闸回调，在持锁之外调用。
func (b *Breaker) OnTrip(handler func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = handler
}

// Allow 判断是否还能继续下单。
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateClosed
}

// RecordSuccess 清零连续失败计数。
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
}

// RecordFailure 累加连续失败，达到阈值时跳闸并返回 true。
func (b *Breaker) RecordFailure(err error) bool {
	b.mu.Lock()
	b.consecutive++
	b.lastErr = err
	if b.state == StateOpen || b.consecutive < b.threshold {
		b.mu.Unlock()
		return false
	}
	b.state = StateOpen
	reason := fmt.Sprintf("连续 %d 次下单失败", b.consecutive)
	if err != nil {
		reason += ": " + err.Error()
	}
	handler := b.onTrip
	b.mu.Unlock()

	if handler != nil {
		handler(reason)
	}
	return true
}

// Reset 恢复到初始状态。
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutive = 0
	b.lastErr = nil
}

// State 返回当前状态。
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Consecutive 返回当前连续失败次数。
func (b *Breaker) Consecutive() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive
}
