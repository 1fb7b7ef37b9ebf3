package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// CmdType 是线上帧的命令号，与服务端约定保持一致。
type CmdType int

const (
	CmdServerAck   CmdType = -1  // 服务端确认收到 msgId
	CmdLogin       CmdType = 1   // 登录，绑定连接与身份
	CmdDirect      CmdType = 2   // 单聊消息
	CmdGroup       CmdType = 3   // 群聊消息
	CmdAppAck      CmdType = 99  // 客户端确认收到入站消息
	CmdReadAck     CmdType = 100 // 客户端上报已读
	CmdReadReceipt CmdType = 101 // 服务端转发的已读回执
)

// Packet 是 JSON 帧的统一结构，出入站共用。
type Packet struct {
	Cmd       CmdType  `json:"cmd"`
	Type      Kind     `json:"type,omitempty"`
	From      string   `json:"from,omitempty"`
	To        string   `json:"to,omitempty"`
	Message   string   `json:"message,omitempty"`
	Text      string   `json:"text,omitempty"` // 兼容别名
	Msg       string   `json:"msg,omitempty"`  // 兼容别名
	Timestamp int64    `json:"timestamp,omitempty"`
	MsgID     string   `json:"msgId,omitempty"`
	MsgIDs    []string `json:"msgIds,omitempty"`
	Read      *bool    `json:"read,omitempty"`
}

func (p Packet) body() string {
	switch {
	case p.Message != "":
		return p.Message
	case p.Text != "":
		return p.Text
	}
	return p.Msg
}

// ErrMalformedFrame 表示传输层噪声：空帧、非 JSON、"null"/"undefined" 等，调用方丢弃即可。
var ErrMalformedFrame = errors.New("malformed frame")

// Frame 是入口处解码一次后的帧，具体类型为 ServerAck / ReadReceipt / Inbound 之一。
type Frame interface {
	frame()
}

// ServerAck 携带单个被服务端接收的消息 ID。
type ServerAck struct {
	ID string
}

// ReadReceipt 表示 From 已读了 IDs 中的消息。
type ReadReceipt struct {
	IDs  []string
	From string
}

// Inbound 是普通入站消息，Batch 为 true 时来自离线消息回放（JSON 数组）。
type Inbound struct {
	Messages []Message
	Batch    bool
}

func (ServerAck) frame()   {}
func (ReadReceipt) frame() {}
func (Inbound) frame()     {}

// DecodeFrame 按优先级分类：server-ack > 已读回执 > 普通消息（单条或批量）。
func DecodeFrame(data []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" || string(trimmed) == "undefined" {
		return nil, ErrMalformedFrame
	}

	switch trimmed[0] {
	case '[':
		var packets []Packet
		if err := json.Unmarshal(trimmed, &packets); err != nil {
			return nil, ErrMalformedFrame
		}
		msgs := make([]Message, 0, len(packets))
		for _, p := range packets {
			if p.Cmd == CmdServerAck || p.Cmd == CmdReadAck || p.Cmd == CmdReadReceipt {
				continue
			}
			msgs = append(msgs, p.ToMessage())
		}
		if len(msgs) == 0 {
			return nil, ErrMalformedFrame
		}
		return Inbound{Messages: msgs, Batch: true}, nil
	case '{':
		var p Packet
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return nil, ErrMalformedFrame
		}
		return classify(p)
	}
	return nil, ErrMalformedFrame
}

func classify(p Packet) (Frame, error) {
	switch p.Cmd {
	case CmdServerAck:
		if p.MsgID == "" {
			return nil, ErrMalformedFrame
		}
		return ServerAck{ID: p.MsgID}, nil
	case CmdReadAck, CmdReadReceipt:
		if len(p.MsgIDs) == 0 {
			return nil, ErrMalformedFrame
		}
		return ReadReceipt{IDs: p.MsgIDs, From: p.From}, nil
	case CmdDirect, CmdGroup:
		return Inbound{Messages: []Message{p.ToMessage()}}, nil
	}
	// 系统通知等没有 cmd 的消息只要带正文也交给业务层
	if p.body() == "" {
		return nil, ErrMalformedFrame
	}
	return Inbound{Messages: []Message{p.ToMessage()}}, nil
}

// ToMessage 把线上帧转换为 Message。
func (p Packet) ToMessage() Message {
	kind := p.Type
	if kind == "" {
		kind = KindDirect
		if p.Cmd == CmdGroup {
			kind = KindGroup
		}
	}
	m := Message{
		ID:   p.MsgID,
		From: p.From,
		To:   p.To,
		Kind: kind,
		Body: p.body(),
	}
	if p.Timestamp > 0 {
		m.CreatedAt = time.UnixMilli(p.Timestamp)
	}
	return m
}

// MessagePacket 构造单聊/群聊出站帧。
func MessagePacket(m Message) Packet {
	cmd := CmdDirect
	if m.Kind == KindGroup {
		cmd = CmdGroup
	}
	return Packet{
		Cmd:       cmd,
		Type:      m.Kind,
		From:      m.From,
		To:        m.To,
		Message:   m.Body,
		Timestamp: m.CreatedAt.UnixMilli(),
		MsgID:     m.ID,
	}
}

func LoginPacket(identity string) Packet {
	return Packet{Cmd: CmdLogin, From: identity}
}

func AppAckPacket(id string) Packet {
	return Packet{Cmd: CmdAppAck, MsgID: id}
}

func ReadAckPacket(identity string, ids []string) Packet {
	return Packet{Cmd: CmdReadAck, From: identity, MsgIDs: ids}
}
