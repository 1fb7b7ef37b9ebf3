// Package handler 提供本地控制 API：查询与驱动 Session，并以 WebSocket 推送事件。
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"go-im-client/internal/metrics"
	"go-im-client/internal/model"
	"go-im-client/internal/service"
)

// Handler 持有控制 API 依赖。
type Handler struct {
	session   *service.Session
	hub       *service.EventHub
	metrics   *metrics.Metrics
	onMessage service.MessageHandler
	upgrader  websocket.Upgrader
	log       *logrus.Entry
}

// NewHandler 创建 Handler；onMessage 是 /connect 时交给 Session 的入站消息回调。
func NewHandler(session *service.Session, hub *service.EventHub, m *metrics.Metrics, onMessage service.MessageHandler) *Handler {
	return &Handler{
		session:   session,
		hub:       hub,
		metrics:   m,
		onMessage: onMessage,
		upgrader:  newUpgrader(),
		log:       logrus.WithField("component", "control_api"),
	}
}

// Register 挂载全部路由。
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/status", h.Status)
	r.POST("/connect", h.Connect)
	r.POST("/disconnect", h.Disconnect)
	r.POST("/messages", h.SendMessage)
	r.GET("/messages/:id", h.GetMessage)
	r.POST("/messages/:id/retry", h.RetryMessage)
	r.POST("/seen", h.MarkSeen)
	r.POST("/read-acks", h.SendReadAcks)
	r.GET("/events", h.HandleEvents)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.metrics.Registry, promhttp.HandlerOpts{})))
	}
}

func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.session.Stats())
}

type connectRequest struct {
	UserID string `json:"user_id"`
}

// Connect 省略 user_id 时使用当前身份。
func (h *Handler) Connect(c *gin.Context) {
	var req connectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	identity := req.UserID
	if identity == "" {
		identity = h.session.Identity()
	}
	if identity == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id 不能为空"})
		return
	}
	h.session.Connect(identity, h.onMessage)
	c.JSON(http.StatusAccepted, h.session.Stats())
}

func (h *Handler) Disconnect(c *gin.Context) {
	h.session.Disconnect()
	c.JSON(http.StatusAccepted, h.session.Stats())
}

type sendRequest struct {
	MsgID string     `json:"msg_id"`
	To    string     `json:"to" binding:"required"`
	Kind  model.Kind `json:"type"`
	Body  string     `json:"message"`
}

// SendMessage 离线时同样返回 202：消息已入队，状态为 failed，重连后自动重发。
func (h *Handler) SendMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := h.session.Send(model.Message{ID: req.MsgID, To: req.To, Kind: req.Kind, Body: req.Body}, nil)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondMessage(c, http.StatusAccepted, msg.ID)
}

func (h *Handler) GetMessage(c *gin.Context) {
	h.respondMessage(c, http.StatusOK, c.Param("id"))
}

func (h *Handler) RetryMessage(c *gin.Context) {
	msg, err := h.session.RetryByID(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondMessage(c, http.StatusAccepted, msg.ID)
}

type seenRequest struct {
	Messages []model.Message `json:"messages" binding:"required"`
}

// MarkSeen 登记看到的入站消息并尝试立即上报。
func (h *Handler) MarkSeen(c *gin.Context) {
	var req seenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	marked := h.session.MarkSeen(req.Messages...)
	flushed := h.session.FlushReadAcks()
	c.JSON(http.StatusOK, gin.H{"marked": marked, "flushed": flushed})
}

type readAckRequest struct {
	MsgIDs []string `json:"msg_ids" binding:"required,min=1"`
}

// SendReadAcks 直接发送已读回执；未连接时回执被丢弃并返回 409。
func (h *Handler) SendReadAcks(c *gin.Context) {
	var req readAckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !h.session.SendReadAck(req.MsgIDs) {
		h.writeError(c, service.ErrNotConnected)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": len(req.MsgIDs)})
}

func (h *Handler) respondMessage(c *gin.Context, code int, id string) {
	msg, ok := h.session.Lookup(id)
	if !ok {
		h.writeError(c, service.ErrUnknownMessage)
		return
	}
	c.JSON(code, msg)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrEmptyRecipient), errors.Is(err, service.ErrMissingID):
		code = http.StatusBadRequest
	case errors.Is(err, service.ErrUnknownMessage):
		code = http.StatusNotFound
	case errors.Is(err, service.ErrNotConnected):
		code = http.StatusConflict
	case errors.Is(err, service.ErrQueueFull):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		h.log.WithError(err).Error("control request failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
