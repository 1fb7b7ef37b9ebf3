package service

import (
	"sync"

	"go-im-client/internal/model"
)

// ReadTracker 记录已被用户看到、但尚未成功上报已读的入站消息 ID。
// 已读回执不做持久化：丢失的回执会在下次看到同样的未读消息时重新产生。
type ReadTracker struct {
	identity string

	mu      sync.Mutex
	order   []string
	pending map[string]struct{}
}

func NewReadTracker() *ReadTracker {
	return &ReadTracker{pending: make(map[string]struct{})}
}

// SetIdentity 在登录身份确定后设置，自己发出的消息不需要已读确认。
func (r *ReadTracker) SetIdentity(identity string) {
	r.mu.Lock()
	r.identity = identity
	r.mu.Unlock()
}

// MarkSeen 登记被看到的入站消息，返回新登记的数量。
func (r *ReadTracker) MarkSeen(msgs ...model.Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range msgs {
		if m.ID == "" || m.From == r.identity {
			continue
		}
		if _, ok := r.pending[m.ID]; ok {
			continue
		}
		r.pending[m.ID] = struct{}{}
		r.order = append(r.order, m.ID)
		n++
	}
	return n
}

// Outstanding 按登记顺序返回待上报的 ID。
func (r *ReadTracker) Outstanding() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Clear 移除已成功上报的 ID。
func (r *ReadTracker) Clear(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.pending, id)
	}
	kept := r.order[:0]
	for _, id := range r.order {
		if _, ok := r.pending[id]; ok {
			kept = append(kept, id)
		}
	}
	r.order = kept
}
