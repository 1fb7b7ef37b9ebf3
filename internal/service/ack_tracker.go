package service

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"go-im-client/internal/model"
)

// StatusFunc 接收某条消息的状态变化。
type StatusFunc func(id string, status model.Status)

type pendingAck struct {
	onStatus     StatusFunc
	timer        *clock.Timer
	registeredAt time.Time
}

// AckTracker 维护 msgId -> {回调, 超时定时器} 的注册表。
//   - Arm 在写入传输层之前启动超时，超时报告 failed 并移除
//   - 收到 server-ack 报告 success 并移除，重复 ack 被忽略
//   - 写入失败时 Fail 撤销定时器并报告 failed，保留注册以便重发时继续回调
type AckTracker struct {
	clock   clock.Clock
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingAck
	// epoch 在 Reset 时递增，已废弃的定时器回调据此直接返回
	epoch uint64
}

func NewAckTracker(clk clock.Clock, timeout time.Duration) *AckTracker {
	if clk == nil {
		clk = clock.New()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AckTracker{
		clock:   clk,
		timeout: timeout,
		pending: make(map[string]*pendingAck),
	}
}

// Track 注册回调；已存在的注册会被替换（手动重试同一 ID）。
func (t *AckTracker) Track(id string, onStatus StatusFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.pending[id]; ok && old.timer != nil {
		old.timer.Stop()
	}
	t.pending[id] = &pendingAck{onStatus: onStatus, registeredAt: t.clock.Now()}
}

// Arm 必须在写入传输层之前调用：报告 sending 并（重新）启动超时定时器，
// 这样无论 server-ack 来得多快，Ack 都能找到处于 sending 的注册。
func (t *AckTracker) Arm(id string) {
	t.mu.Lock()
	p, ok := t.pending[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	epoch := t.epoch
	p.timer = t.clock.AfterFunc(t.timeout, func() { t.expire(id, p, epoch) })
	cb := p.onStatus
	t.mu.Unlock()

	if cb != nil {
		cb(id, model.StatusSending)
	}
}

func (t *AckTracker) expire(id string, p *pendingAck, epoch uint64) {
	t.mu.Lock()
	if t.epoch != epoch || t.pending[id] != p {
		t.mu.Unlock()
		return
	}
	delete(t.pending, id)
	t.mu.Unlock()

	if p.onStatus != nil {
		p.onStatus(id, model.StatusFailed)
	}
}

// Ack 处理 server-ack。返回 false 表示 ID 未注册或已结束（重复 ack）。
func (t *AckTracker) Ack(id string) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(t.pending, id)
	t.mu.Unlock()

	if p.onStatus != nil {
		p.onStatus(id, model.StatusSuccess)
	}
	return true
}

// Fail 处理传输层立即失败：报告 failed，不启动定时器，保留注册。
func (t *AckTracker) Fail(id string) {
	t.mu.Lock()
	p, ok := t.pending[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	cb := p.onStatus
	t.mu.Unlock()

	if cb != nil {
		cb(id, model.StatusFailed)
	}
}

// Sweep 清理早于 maxAge 且没有运行中定时器的注册（永远不会再发送的消息），返回清理数量。
func (t *AckTracker) Sweep(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock.Now().Add(-maxAge)
	n := 0
	for id, p := range t.pending {
		if p.timer == nil && p.registeredAt.Before(cutoff) {
			delete(t.pending, id)
			n++
		}
	}
	return n
}

// Forget 移除单个注册而不回调。
func (t *AckTracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.pending[id]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(t.pending, id)
	}
}

// Reset 放弃所有定时器，已注册的回调不会再被调用。
func (t *AckTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	t.pending = make(map[string]*pendingAck)
	t.epoch++
}

// Pending 判断 id 是否仍在等待结果。
func (t *AckTracker) Pending(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

func (t *AckTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
