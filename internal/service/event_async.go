package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrEventBufferFull 表示异步缓冲已满，事件被丢弃。
	ErrEventBufferFull = errors.New("event buffer full")
	ErrSinkStopped     = errors.New("event sink stopped")
)

// AsyncSink 把事件放进内存缓冲，由后台 worker 投递到下游 sink。
// 状态回调运行在读循环和定时器上，下游（MQ、WebSocket 订阅者）变慢不能拖住它们。
//   - 不阻塞调用方（缓冲满会丢弃并打日志）
//   - 每次下游投递使用独立超时
type AsyncSink struct {
	next    EventSink
	timeout time.Duration
	log     *logrus.Entry

	queue    chan Event
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// AsyncSinkOptions 零值字段使用默认值。
type AsyncSinkOptions struct {
	BufferSize int
	Timeout    time.Duration
}

func NewAsyncSink(next EventSink, opts AsyncSinkOptions) *AsyncSink {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	s := &AsyncSink{
		next:    next,
		timeout: opts.Timeout,
		log:     logrus.WithField("component", "event_sink"),
		queue:   make(chan Event, opts.BufferSize),
		stop:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Publish 只入缓冲，不等待下游。
func (s *AsyncSink) Publish(ctx context.Context, evt Event) error {
	select {
	case <-s.stop:
		return ErrSinkStopped
	default:
	}
	select {
	case s.queue <- evt:
		return nil
	default:
		s.log.WithFields(logrus.Fields{"event": evt.Type, "msg_id": evt.MsgID}).Warn("event buffer full, drop event")
		return ErrEventBufferFull
	}
}

// Stop 投递完已缓冲的事件后退出。
func (s *AsyncSink) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *AsyncSink) loop() {
	defer s.wg.Done()
	for {
		select {
		case evt := <-s.queue:
			s.deliver(evt)
		case <-s.stop:
			for {
				select {
				case evt := <-s.queue:
					s.deliver(evt)
				default:
					return
				}
			}
		}
	}
}

func (s *AsyncSink) deliver(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.next.Publish(ctx, evt); err != nil {
		s.log.WithError(err).WithField("event", evt.Type).Warn("publish event failed")
	}
}
