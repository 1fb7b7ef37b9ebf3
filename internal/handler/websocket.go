package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"go-im-client/internal/service"
)

const (
	readDeadline = 90 * time.Second // 允许心跳丢 2-3 次（30s/跳）
	writeTimeout = 10 * time.Second // 写超时防止阻塞
	readLimit    = int64(4 << 10)   // 订阅端只会发控制帧
)

// eventConn 为订阅连接加写锁和写超时。
type eventConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

var _ service.ConnWriter = (*eventConn)(nil)

func (c *eventConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// HandleEvents 把连接注册到 EventHub，推送入站消息与状态事件，直到对端断开。
func (h *Handler) HandleEvents(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("upgrade event stream failed")
		return
	}

	unsubscribe := h.hub.Subscribe(&eventConn{conn: conn})
	h.log.WithField("remote", c.Request.RemoteAddr).Info("event subscriber connected")

	// 独立 goroutine 读控制帧，避免阻塞握手返回
	go h.readLoop(conn, unsubscribe)
}

// readLoop 只用来感知关闭与刷新超时，订阅端发来的数据被忽略。
func (h *Handler) readLoop(conn *websocket.Conn, unsubscribe func()) {
	defer func() {
		unsubscribe()
		_ = conn.Close()
		h.log.Info("event subscriber closed")
	}()

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.WithError(err).Debug("event subscriber read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	}
}

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		// 控制 API 只监听本地地址
		CheckOrigin: func(r *http.Request) bool { return true },
	}
}
