package service

import (
	"context"
	"reflect"
	"sync"
	"time"

	"go.uber.org/multierr"

	"go-im-client/internal/model"
)

// EventType 区分推送给本地订阅者和 MQ 的事件。
type EventType string

const (
	EventMessage EventType = "message" // 收到的普通消息
	EventStatus  EventType = "status"  // 出站消息状态变化
)

// Event 是对外发布的统一事件。
type Event struct {
	Type     EventType       `json:"type"`
	MsgID    string          `json:"msg_id,omitempty"`
	Status   model.Status    `json:"status,omitempty"`
	Messages []model.Message `json:"messages,omitempty"`
	At       int64           `json:"at"`
}

func StatusEvent(id string, status model.Status, at time.Time) Event {
	return Event{Type: EventStatus, MsgID: id, Status: status, At: at.UnixMilli()}
}

func MessageEvent(msgs []model.Message, at time.Time) Event {
	return Event{Type: EventMessage, Messages: msgs, At: at.UnixMilli()}
}

// EventSink 接收事件，EventHub 与 EventPublisher 都实现它。
type EventSink interface {
	Publish(ctx context.Context, evt Event) error
}

// Sinks 依次投递到多个 sink，错误合并返回。
type Sinks []EventSink

func (s Sinks) Publish(ctx context.Context, evt Event) error {
	var err error
	for _, sink := range s {
		if sink == nil {
			continue
		}
		err = multierr.Append(err, sink.Publish(ctx, evt))
	}
	return err
}

// ConnWriter 抽象 WebSocket 连接的 JSON 写入能力，便于测试替换。
type ConnWriter interface {
	WriteJSON(v interface{}) error
}

// EventHub 把事件推送给本地订阅的连接（控制 API 的 /events）。
type EventHub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]ConnWriter
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[uint64]ConnWriter)}
}

// Subscribe 注册连接，返回取消订阅函数。
func (h *EventHub) Subscribe(w ConnWriter) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = w
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func (h *EventHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish 最佳努力推送给所有订阅者，写失败时继续其他连接，返回首个错误。
func (h *EventHub) Publish(ctx context.Context, evt Event) error {
	h.mu.RLock()
	targets := make([]ConnWriter, 0, len(h.subs))
	for _, w := range h.subs {
		targets = append(targets, w)
	}
	h.mu.RUnlock()

	var err error
	for _, conn := range targets {
		if conn == nil {
			continue
		}
		// 处理“带类型的 nil”场景（接口非 nil，但底层指针为 nil）
		if rv := reflect.ValueOf(conn); rv.Kind() == reflect.Ptr && rv.IsNil() {
			continue
		}
		if curErr := conn.WriteJSON(evt); curErr != nil && err == nil {
			err = curErr
		}
	}
	return err
}
