package service

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ReconnectOptions 控制自动重连；零值字段使用默认值。
type ReconnectOptions struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// ReconnectScheduler 决定非主动断开后是否、何时重连。
// 同一时刻最多一个待触发的定时器；成功连接后由调用方 Reset 计数。
type ReconnectScheduler struct {
	clock       clock.Clock
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu       sync.Mutex
	attempts int
	timer    *clock.Timer
	// gen 在 Cancel 时递增，避免已触发但尚未执行的回调继续重连
	gen uint64
}

func NewReconnectScheduler(clk clock.Clock, opts ReconnectOptions) *ReconnectScheduler {
	if clk == nil {
		clk = clock.New()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 6
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 5 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return &ReconnectScheduler{
		clock:       clk,
		maxAttempts: opts.MaxAttempts,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
	}
}

// Delay 返回第 attempt 次（从 1 开始）重连前的等待时间：min(cap, base*2^(attempt-1))。
func (r *ReconnectScheduler) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := r.baseBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= r.maxBackoff {
			return r.maxBackoff
		}
	}
	if backoff > r.maxBackoff {
		backoff = r.maxBackoff
	}
	return backoff
}

// Schedule 安排一次重连。已有定时器或次数耗尽时返回 false。
func (r *ReconnectScheduler) Schedule(fn func()) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil || r.attempts >= r.maxAttempts {
		return 0, false
	}
	r.attempts++
	delay := r.Delay(r.attempts)
	gen := r.gen
	r.timer = r.clock.AfterFunc(delay, func() {
		r.mu.Lock()
		if r.gen != gen {
			r.mu.Unlock()
			return
		}
		r.timer = nil
		r.mu.Unlock()
		fn()
	})
	return delay, true
}

// Reset 在连接成功后把计数清零。
func (r *ReconnectScheduler) Reset() {
	r.mu.Lock()
	r.attempts = 0
	r.mu.Unlock()
}

// Cancel 取消待触发的定时器并清零计数，用于主动断开。
func (r *ReconnectScheduler) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.gen++
	r.attempts = 0
}

func (r *ReconnectScheduler) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Pending 表示当前是否有等待触发的重连。
func (r *ReconnectScheduler) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

// Exhausted 表示已达到最大次数，只能由调用方显式 Connect。
func (r *ReconnectScheduler) Exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts >= r.maxAttempts
}
