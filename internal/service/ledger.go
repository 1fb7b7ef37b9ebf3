package service

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"go-im-client/internal/model"
)

type ledgerEntry struct {
	msg      model.Message
	onStatus StatusFunc
}

// Ledger 保存本地发出的消息及其当前状态，供已读回执、按 ID 查询与重试使用。
// 容量有限，最旧的条目会被淘汰。
type Ledger struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *ledgerEntry]
}

func NewLedger(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = 4096
	}
	cache, err := lru.New[string, *ledgerEntry](capacity)
	if err != nil {
		// 只有 capacity <= 0 才会出错，上面已处理
		panic(err)
	}
	return &Ledger{entries: cache}
}

// Put 记录或更新一条消息；onStatus 为 nil 时保留原有回调。
func (l *Ledger) Put(msg model.Message, onStatus StatusFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries.Get(msg.ID); ok {
		e.msg = msg
		if onStatus != nil {
			e.onStatus = onStatus
		}
		return
	}
	l.entries.Add(msg.ID, &ledgerEntry{msg: msg, onStatus: onStatus})
}

func (l *Ledger) Get(id string) (model.Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries.Get(id)
	if !ok {
		return model.Message{}, false
	}
	return e.msg, true
}

// callback 返回登记的回调。
func (l *Ledger) callback(id string) StatusFunc {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries.Peek(id); ok {
		return e.onStatus
	}
	return nil
}

// Transition 在允许的前提下更新状态，返回是否发生了变化以及对应回调。
func (l *Ledger) Transition(id string, next model.Status) (StatusFunc, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries.Peek(id)
	if !ok {
		return nil, false
	}
	if !e.msg.Status.CanTransition(next) {
		return nil, false
	}
	e.msg.Status = next
	return e.onStatus, true
}

// MarkRead 把 owner 拥有且处于 success 的消息迁移到 read，返回实际迁移的条目。
// 已是 read 的条目不重复回调；sending / failed / queued 不受影响。
func (l *Ledger) MarkRead(owner string, ids []string) []ledgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var changed []ledgerEntry
	for _, id := range ids {
		e, ok := l.entries.Peek(id)
		if !ok || e.msg.From != owner || e.msg.Status != model.StatusSuccess {
			continue
		}
		e.msg.Status = model.StatusRead
		changed = append(changed, *e)
	}
	return changed
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.Len()
}
