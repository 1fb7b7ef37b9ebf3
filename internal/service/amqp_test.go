package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-im-client/internal/model"
)

type publishCall struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	published  []publishCall
	deliveries chan amqp.Delivery
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishCall{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

// fakeAcknowledger 记录 delivery 的最终处理结果。
type fakeAcknowledger struct {
	mu      sync.Mutex
	results []string
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.record("ack")
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	if requeue {
		a.record("requeue")
	} else {
		a.record("drop")
	}
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) record(r string) {
	a.mu.Lock()
	a.results = append(a.results, r)
	a.mu.Unlock()
}

func (a *fakeAcknowledger) get() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.results...)
}

type senderFunc func(msg model.Message, onStatus StatusFunc) (model.Message, error)

func (f senderFunc) Send(msg model.Message, onStatus StatusFunc) (model.Message, error) {
	return f(msg, onStatus)
}

func TestEventPublisherRoutingKey(t *testing.T) {
	ch := &fakeChannel{}
	p := NewEventPublisher(ch, "im.client.events", "")

	evt := StatusEvent("m1", model.StatusFailed, time.UnixMilli(1700000000000))
	require.NoError(t, p.Publish(context.Background(), evt))

	require.Len(t, ch.published, 1)
	call := ch.published[0]
	assert.Equal(t, "im.client.events", call.exchange)
	assert.Equal(t, "im.client.status", call.key)
	assert.Equal(t, "m1", call.msg.MessageId)
	assert.Equal(t, amqp.Persistent, call.msg.DeliveryMode)

	var decoded Event
	require.NoError(t, json.Unmarshal(call.msg.Body, &decoded))
	assert.Equal(t, model.StatusFailed, decoded.Status)
}

func TestSendConsumerAcksAcceptedRequests(t *testing.T) {
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 8)}
	var mu sync.Mutex
	var sent []model.Message
	sender := senderFunc(func(msg model.Message, onStatus StatusFunc) (model.Message, error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case msg.To == "":
			return msg, ErrEmptyRecipient
		case msg.Body == "full":
			return msg, ErrQueueFull
		case msg.Body == "broken":
			return msg, errors.New("store unavailable")
		}
		sent = append(sent, msg)
		return msg, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done, err := NewSendConsumer(ch, "im.client.send", sender).Start(ctx)
	require.NoError(t, err)

	ack := &fakeAcknowledger{}
	for _, body := range []string{
		`{"msg_id":"m1","to":"u2","message":"hi"}`,
		`not json`,
		`{"message":"nobody"}`,
		`{"to":"u2","message":"full"}`,
		`{"to":"u2","message":"broken"}`,
	} {
		ch.deliveries <- amqp.Delivery{Acknowledger: ack, Body: []byte(body)}
	}
	require.Eventually(t, func() bool { return len(ack.get()) == 5 }, waitFor, tick)
	assert.Equal(t, []string{"ack", "drop", "drop", "requeue", "requeue"}, ack.get())

	mu.Lock()
	require.Len(t, sent, 1)
	assert.Equal(t, "m1", sent[0].ID)
	mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("consumer did not stop")
	}
}
