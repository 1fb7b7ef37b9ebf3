// Package transport 抽象客户端到聊天服务器的双向 socket。
package transport

import (
	"context"
	"errors"
)

// Conn 是一条已建立的连接。Send 返回 nil 即视为传输层发送成功。
// Receive 阻塞直到收到一帧或连接关闭；Close 之后 Receive 必须返回错误。
type Conn interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer 为某个身份建立连接。
type Dialer interface {
	Dial(ctx context.Context, identity string) (Conn, error)
}

// ErrClosed 表示连接已被本端关闭。
var ErrClosed = errors.New("transport closed")
