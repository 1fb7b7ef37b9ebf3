package model

import (
	"time"

	"github.com/google/uuid"
)

// Kind 区分单聊与群聊。
type Kind string

const (
	KindDirect Kind = "private"
	KindGroup  Kind = "group"
)

// Status 是一条出站消息的投递状态。
type Status string

const (
	StatusQueued  Status = "queued"
	StatusSending Status = "sending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusRead    Status = "read"
)

// Terminal 表示该状态会结束一次 ACK 等待。
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// CanTransition 描述允许的状态迁移：
//   - read 只能由 success 到达（read -> read 视为幂等，不算迁移）
//   - failed 可由任何未完成状态到达
//   - 重试（重新入队 / 重新发送）允许 failed -> queued / sending
func (s Status) CanTransition(next Status) bool {
	switch next {
	case StatusRead:
		return s == StatusSuccess
	case StatusSuccess:
		return s == StatusSending
	case StatusFailed:
		return s == StatusQueued || s == StatusSending || s == StatusFailed
	case StatusSending:
		return s == StatusQueued || s == StatusFailed || s == StatusSending
	case StatusQueued:
		return s == StatusFailed || s == StatusSending || s == ""
	}
	return false
}

// Message 是用户产生的一条消息，ID 是重试时的幂等键。
type Message struct {
	ID        string    `json:"msgId"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Kind      Kind      `json:"type"`
	Body      string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
	Status    Status    `json:"status,omitempty"`
}

// Prepare 补齐缺省字段：ID 只在缺失时生成，CreatedAt 只设置一次。
func (m *Message) Prepare(now time.Time) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.Kind == "" {
		m.Kind = KindDirect
	}
	if m.Status == "" {
		m.Status = StatusQueued
	}
}
