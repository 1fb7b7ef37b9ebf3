package service

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPPublisher 是 *amqp.Channel 的发布子集，便于测试替换。
type AMQPPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// EventPublisher 把入站消息与状态变化发布到 RabbitMQ 的 topic exchange。
// routing key 形如 "<prefix>.message" / "<prefix>.status"。
type EventPublisher struct {
	ch       AMQPPublisher
	exchange string
	prefix   string
}

func NewEventPublisher(ch AMQPPublisher, exchange, prefix string) *EventPublisher {
	if prefix == "" {
		prefix = "im.client"
	}
	return &EventPublisher{
		ch:       ch,
		exchange: exchange,
		prefix:   prefix,
	}
}

// Publish 使用持久化消息发布事件。
func (p *EventPublisher) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx,
		p.exchange,
		p.prefix+"."+string(evt.Type),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.UnixMilli(evt.At),
			MessageId:    evt.MsgID,
			Type:         string(evt.Type),
		})
}
