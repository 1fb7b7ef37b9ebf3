package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-im-client/internal/model"
)

// blockingSink 在 release 关闭之前阻塞每一次投递。
type blockingSink struct {
	release chan struct{}

	mu  sync.Mutex
	got []string
}

func (b *blockingSink) Publish(ctx context.Context, evt Event) error {
	<-b.release
	b.mu.Lock()
	b.got = append(b.got, evt.MsgID)
	b.mu.Unlock()
	return nil
}

func (b *blockingSink) delivered() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.got...)
}

func TestAsyncSinkDoesNotBlockOnSlowDownstream(t *testing.T) {
	downstream := &blockingSink{release: make(chan struct{})}
	sink := NewAsyncSink(downstream, AsyncSinkOptions{BufferSize: 2})

	now := time.UnixMilli(1700000000000)
	start := time.Now()
	// 第一条被 worker 取走并阻塞，随后两条填满缓冲
	require.NoError(t, sink.Publish(context.Background(), StatusEvent("a", model.StatusSending, now)))
	require.Eventually(t, func() bool { return len(sink.queue) == 0 }, waitFor, tick)
	require.NoError(t, sink.Publish(context.Background(), StatusEvent("b", model.StatusSending, now)))
	require.NoError(t, sink.Publish(context.Background(), StatusEvent("c", model.StatusSending, now)))
	err := sink.Publish(context.Background(), StatusEvent("d", model.StatusSending, now))
	assert.ErrorIs(t, err, ErrEventBufferFull)
	assert.Less(t, time.Since(start), time.Second)

	close(downstream.release)
	sink.Stop()
	assert.Equal(t, []string{"a", "b", "c"}, downstream.delivered())
	assert.ErrorIs(t, sink.Publish(context.Background(), StatusEvent("e", model.StatusSending, now)), ErrSinkStopped)
}

func TestSessionStatusCallbacksSurviveSlowObserver(t *testing.T) {
	downstream := &blockingSink{release: make(chan struct{})}
	sink := NewAsyncSink(downstream, AsyncSinkOptions{})
	h := newHarness(t, func(o *SessionOptions) {
		withIdentity(o)
		o.StatusObserver = func(id string, status model.Status) {
			_ = sink.Publish(context.Background(), StatusEvent(id, status, time.Now()))
		}
	})
	conn := h.connect(t)

	m := h.send(t, "u2", "hello")
	conn.push(ackFrame(m.ID))
	// 下游一直阻塞，读循环仍能处理 ack
	h.barrier(t, conn)
	assert.Equal(t, statuses(model.StatusSending, model.StatusSuccess), h.status.get(m.ID))

	close(downstream.release)
	sink.Stop()
	assert.Equal(t, []string{m.ID, m.ID}, downstream.delivered())
}
