package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	defaultWriteTimeout = 10 * time.Second // 写超时防止阻塞
	defaultReadLimit    = int64(64 << 10)
	defaultPingInterval = 30 * time.Second
)

// WebSocketOptions 为零值字段提供默认值。
type WebSocketOptions struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	ReadLimit        int64
}

// WebSocketDialer 通过 gorilla/websocket 连接服务端，身份放在 ?name= 参数里完成握手绑定。
type WebSocketDialer struct {
	URL  string
	opts WebSocketOptions
}

func NewWebSocketDialer(rawURL string, opts WebSocketOptions) *WebSocketDialer {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	return &WebSocketDialer{URL: rawURL, opts: opts}
}

func (d *WebSocketDialer) Dial(ctx context.Context, identity string) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("name", identity)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: d.opts.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(ws, d.opts), nil
}

type wsConn struct {
	ws   *websocket.Conn
	opts WebSocketOptions

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(ws *websocket.Conn, opts WebSocketOptions) *wsConn {
	c := &wsConn{ws: ws, opts: opts, done: make(chan struct{})}
	// 允许心跳丢 2-3 次
	readDeadline := 3 * opts.PingInterval
	ws.SetReadLimit(opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(readDeadline))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readDeadline))
	})
	go c.pingLoop()
	return c
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				logrus.WithError(err).Debug("websocket ping failed")
				return
			}
		}
	}
}

// Send 统一设置写超时，gorilla 连接只允许一个并发写者。
func (c *wsConn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Receive() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil, ErrClosed
			default:
			}
			return nil, err
		}
		// 服务端只发文本帧，二进制帧忽略
		if mt == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
