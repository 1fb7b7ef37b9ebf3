package service

import (
	"context"
	"encoding/json"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"go-im-client/internal/model"
)

// SendRequest 是 MQ 中的出站发送请求。
type SendRequest struct {
	MsgID string     `json:"msg_id"`
	To    string     `json:"to"`
	Kind  model.Kind `json:"type"`
	Body  string     `json:"message"`
}

// MessageSender 由 Session 实现。
type MessageSender interface {
	Send(msg model.Message, onStatus StatusFunc) (model.Message, error)
}

// AMQPConsumer 是 *amqp.Channel 的消费子集。
type AMQPConsumer interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// SendConsumer 消费 MQ 中的发送请求并交给 Session。
// Session 接受消息（包括离线入队）后才 ack；请求不合法直接丢弃，队列满时重新入队。
type SendConsumer struct {
	ch     AMQPConsumer
	queue  string
	sender MessageSender
	log    *logrus.Entry
}

func NewSendConsumer(ch AMQPConsumer, queue string, sender MessageSender) *SendConsumer {
	return &SendConsumer{
		ch:     ch,
		queue:  queue,
		sender: sender,
		log:    logrus.WithFields(logrus.Fields{"component": "send_consumer", "queue": queue}),
	}
}

// Start 启动消费循环（非阻塞），ctx 取消或 channel 关闭后退出，返回的 channel 随之关闭。
func (c *SendConsumer) Start(ctx context.Context) (<-chan struct{}, error) {
	deliveries, err := c.ch.Consume(
		c.queue,
		"",
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					c.log.Warn("delivery channel closed")
					return
				}
				c.handleDelivery(d)
			}
		}
	}()
	return done, nil
}

func (c *SendConsumer) handleDelivery(d amqp.Delivery) {
	var req SendRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		c.log.WithError(err).Warn("decode send request")
		_ = d.Nack(false, false) // 丢弃坏消息
		return
	}

	msg, err := c.sender.Send(model.Message{ID: req.MsgID, To: req.To, Kind: req.Kind, Body: req.Body}, nil)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, ErrQueueFull):
		c.log.WithField("msg_id", msg.ID).Warn("queue full, requeue send request")
		_ = d.Nack(false, true)
	case errors.Is(err, ErrEmptyRecipient):
		c.log.Warn("send request without recipient dropped")
		_ = d.Nack(false, false)
	default:
		// 存储失败等，交给 broker 重投
		c.log.WithError(err).WithField("msg_id", msg.ID).Error("send request failed")
		_ = d.Nack(false, true)
	}
}
