package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"go-im-client/internal/model"
	"go-im-client/internal/repository"
	"go-im-client/internal/transport"
)

// fakeConn 是内存中的连接：测试通过 push 注入服务器帧，通过 packets 检查客户端发出的帧。
type fakeConn struct {
	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	failSend func(p model.Packet) error
	sent     []model.Packet
}

func newFakeConn(failSend func(model.Packet) error) *fakeConn {
	return &fakeConn{
		inbox:    make(chan []byte, 64),
		closed:   make(chan struct{}),
		failSend: failSend,
	}
}

func (c *fakeConn) Send(data []byte) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	var p model.Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	c.mu.Lock()
	hook := c.failSend
	c.mu.Unlock()
	if hook != nil {
		if err := hook(p); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.sent = append(c.sent, p)
	c.mu.Unlock()
	return nil
}

// setSendHook 替换写入钩子，钩子返回错误时这一帧视为写入失败。
func (c *fakeConn) setSendHook(hook func(model.Packet) error) {
	c.mu.Lock()
	c.failSend = hook
	c.mu.Unlock()
}

func (c *fakeConn) Receive() ([]byte, error) {
	select {
	case data := <-c.inbox:
		return data, nil
	case <-c.closed:
		return nil, transport.ErrClosed
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(raw string) {
	c.inbox <- []byte(raw)
}

func (c *fakeConn) packets() []model.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Packet, len(c.sent))
	copy(out, c.sent)
	return out
}

// messageIDs 返回按发送顺序排列的普通消息 ID。
func (c *fakeConn) messageIDs() []string {
	var ids []string
	for _, p := range c.packets() {
		if p.Cmd == model.CmdDirect || p.Cmd == model.CmdGroup {
			ids = append(ids, p.MsgID)
		}
	}
	return ids
}

func (c *fakeConn) packetsWith(cmd model.CmdType) []model.Packet {
	var out []model.Packet
	for _, p := range c.packets() {
		if p.Cmd == cmd {
			out = append(out, p)
		}
	}
	return out
}

type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	dials    int
	failures int
	failSend func(model.Packet) error
}

func (d *fakeDialer) Dial(ctx context.Context, identity string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}
	c := newFakeConn(d.failSend)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) setFailures(n int) {
	d.mu.Lock()
	d.failures = n
	d.mu.Unlock()
}

// statusLog 按消息 ID 记录收到的状态序列。
type statusLog struct {
	mu  sync.Mutex
	seq map[string][]model.Status
}

func newStatusLog() *statusLog {
	return &statusLog{seq: make(map[string][]model.Status)}
}

func (l *statusLog) record(id string, status model.Status) {
	l.mu.Lock()
	l.seq[id] = append(l.seq[id], status)
	l.mu.Unlock()
}

func (l *statusLog) get(id string) []model.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Status, len(l.seq[id]))
	copy(out, l.seq[id])
	return out
}

type inboxLog struct {
	mu      sync.Mutex
	batches [][]model.Message
}

func (l *inboxLog) handle(msgs []model.Message) {
	l.mu.Lock()
	l.batches = append(l.batches, msgs)
	l.mu.Unlock()
}

func (l *inboxLog) all() [][]model.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]model.Message, len(l.batches))
	copy(out, l.batches)
	return out
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	session *Session
	dialer  *fakeDialer
	clock   *clock.Mock
	store   *repository.MemoryStore
	queue   *DurableQueue
	status  *statusLog
	inbox   *inboxLog
}

func newHarness(t *testing.T, mutate func(*SessionOptions)) *harness {
	t.Helper()
	h := &harness{
		dialer: &fakeDialer{},
		clock:  clock.NewMock(),
		store:  repository.NewMemoryStore(),
		status: newStatusLog(),
		inbox:  &inboxLog{},
	}
	h.queue = NewDurableQueue(h.store, 0)
	opts := SessionOptions{Clock: h.clock}
	if mutate != nil {
		mutate(&opts)
	}
	h.session = NewSession(h.dialer, h.queue, opts)
	require.NoError(t, h.session.Restore(context.Background()))
	t.Cleanup(func() { h.session.Disconnect() })
	return h
}

func (h *harness) connect(t *testing.T) *fakeConn {
	t.Helper()
	before := h.dialer.Dials()
	h.session.Connect("u1", h.inbox.handle)
	require.Eventually(t, func() bool {
		return h.session.State() == Connected && h.dialer.Dials() > before
	}, waitFor, tick)
	return h.dialer.last()
}

func (h *harness) send(t *testing.T, to, body string) model.Message {
	t.Helper()
	m, err := h.session.Send(model.Message{To: to, Body: body}, h.status.record)
	require.NoError(t, err)
	return m
}

// pump 推进 drain 的节奏定时器直到 cond 成立。
func (h *harness) pump(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		h.clock.Add(10 * time.Millisecond)
		return cond()
	}, waitFor, tick)
}

func statuses(s ...model.Status) []model.Status { return s }
