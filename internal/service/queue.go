package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go-im-client/internal/model"
	"go-im-client/internal/repository"
)

// QueueKey 是出站队列快照在存储中的 key。
const QueueKey = "socket_message_queue"

// ErrQueueFull 在设置了 MaxSize 且队列已满时返回，消息不会入队。
var ErrQueueFull = errors.New("outbound queue full")

// HeadPolicy 决定队头发送失败后 drain 的行为。
type HeadPolicy int

const (
	// HeadBlock 失败即停止本轮 drain，队头留在原位等待下次 drain。
	HeadBlock HeadPolicy = iota
	// HeadSkip 失败的消息保持相对顺序留在队列中，drain 继续尝试后面的消息。
	HeadSkip
)

// ParseHeadPolicy 解析 "block" / "skip"，其他值回退为 HeadBlock。
func ParseHeadPolicy(s string) HeadPolicy {
	if s == "skip" {
		return HeadSkip
	}
	return HeadBlock
}

// DurableQueue 是有序的出站消息缓冲，每次变更（push / pop / replace）都同步写入存储。
type DurableQueue struct {
	store   repository.SnapshotStore
	key     string
	maxSize int

	mu    sync.Mutex
	items []model.Message
}

// NewDurableQueue 创建队列；maxSize <= 0 表示不限长度。
func NewDurableQueue(store repository.SnapshotStore, maxSize int) *DurableQueue {
	return &DurableQueue{store: store, key: QueueKey, maxSize: maxSize}
}

// Restore 从存储恢复队列，必须在任何发送之前调用。
func (q *DurableQueue) Restore(ctx context.Context) error {
	blob, err := q.store.Load(ctx, q.key)
	if err != nil {
		return fmt.Errorf("load queue snapshot: %w", err)
	}
	var items []model.Message
	if len(blob) > 0 {
		if err := json.Unmarshal(blob, &items); err != nil {
			return fmt.Errorf("decode queue snapshot: %w", err)
		}
	}
	q.mu.Lock()
	q.items = items
	q.mu.Unlock()
	return nil
}

// Enqueue 追加到队尾并在返回前落盘；落盘失败时回滚内存状态。
func (q *DurableQueue) Enqueue(ctx context.Context, msg model.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		return ErrQueueFull
	}
	next := append(cloneMessages(q.items), msg)
	if err := q.persistLocked(ctx, next); err != nil {
		return err
	}
	q.items = next
	return nil
}

// Peek 返回队头但不移除。
func (q *DurableQueue) Peek() (model.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return model.Message{}, false
	}
	return q.items[0], true
}

// Pop 移除 ID 为 id 的队头并落盘。队头已变化时不做任何事。
func (q *DurableQueue) Pop(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || q.items[0].ID != id {
		return nil
	}
	next := cloneMessages(q.items[1:])
	if err := q.persistLocked(ctx, next); err != nil {
		return err
	}
	q.items = next
	return nil
}

// Remove 按 ID 删除任意位置的条目，用于 HeadSkip 策略下的中间成功项。
func (q *DurableQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := -1
	for i, m := range q.items {
		if m.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	next := make([]model.Message, 0, len(q.items)-1)
	next = append(next, q.items[:idx]...)
	next = append(next, q.items[idx+1:]...)
	if err := q.persistLocked(ctx, next); err != nil {
		return err
	}
	q.items = next
	return nil
}

// Replace 整体替换队列内容。
func (q *DurableQueue) Replace(ctx context.Context, msgs []model.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	next := cloneMessages(msgs)
	if err := q.persistLocked(ctx, next); err != nil {
		return err
	}
	q.items = next
	return nil
}

// Contains 判断队列中是否已有该 ID。
func (q *DurableQueue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.items {
		if m.ID == id {
			return true
		}
	}
	return false
}

// Snapshot 返回队列内容的拷贝。
func (q *DurableQueue) Snapshot() []model.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneMessages(q.items)
}

func (q *DurableQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *DurableQueue) persistLocked(ctx context.Context, items []model.Message) error {
	if items == nil {
		items = []model.Message{}
	}
	blob, err := json.Marshal(items)
	if err != nil {
		return err
	}
	if err := q.store.Save(ctx, q.key, blob); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

func cloneMessages(in []model.Message) []model.Message {
	out := make([]model.Message, len(in))
	copy(out, in)
	return out
}
