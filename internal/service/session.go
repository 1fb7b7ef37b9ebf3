package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"go-im-client/internal/metrics"
	"go-im-client/internal/model"
	"go-im-client/internal/transport"
)

// State 是连接状态，每个 Session 独立持有一份。
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

var (
	ErrEmptyRecipient = errors.New("message recipient required")
	ErrMissingID      = errors.New("retry requires a message id")
	ErrUnknownMessage = errors.New("message not found")
	ErrNotConnected   = errors.New("session not connected")
)

// MessageHandler 接收普通入站消息（单条或离线回放的一批），不能阻塞。
type MessageHandler func(msgs []model.Message)

// SessionOptions 零值字段使用默认值。
type SessionOptions struct {
	// Identity 是 Connect 之前使用的默认身份，离线发送的消息以它作为 From。
	Identity       string
	Clock          clock.Clock
	Logger         *logrus.Entry
	Metrics        *metrics.Metrics
	AckTimeout     time.Duration
	DialTimeout    time.Duration
	DrainPacing    time.Duration
	HeadPolicy     HeadPolicy
	Reconnect      ReconnectOptions
	LedgerCapacity int
	// StatusObserver 在每个状态回调之后被调用，用于事件发布。
	StatusObserver StatusFunc
}

// Session 持有一条逻辑连接：socket、连接状态机、登录握手与入站帧分发。
// 多个身份需要多个 Session 实例，互不共享状态。
type Session struct {
	dialer    transport.Dialer
	queue     *DurableQueue
	tracker   *AckTracker
	scheduler *ReconnectScheduler
	ledger    *Ledger
	reads     *ReadTracker

	clock   clock.Clock
	log     *logrus.Entry
	metrics *metrics.Metrics
	opts    SessionOptions

	mu         sync.Mutex
	state      State
	identity   string
	onMessage  MessageHandler
	conn       transport.Conn
	connDone   chan struct{}
	gen        uint64
	draining   bool
	drainAgain bool
}

func NewSession(dialer transport.Dialer, queue *DurableQueue, opts SessionOptions) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "session")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.DrainPacing <= 0 {
		opts.DrainPacing = 50 * time.Millisecond
	}
	s := &Session{
		dialer:    dialer,
		queue:     queue,
		tracker:   NewAckTracker(opts.Clock, opts.AckTimeout),
		scheduler: NewReconnectScheduler(opts.Clock, opts.Reconnect),
		ledger:    NewLedger(opts.LedgerCapacity),
		reads:     NewReadTracker(),
		clock:     opts.Clock,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		opts:      opts,
		identity:  opts.Identity,
	}
	s.reads.SetIdentity(opts.Identity)
	return s
}

// Restore 从存储恢复出站队列，必须在第一次 Connect / Send 之前调用。
func (s *Session) Restore(ctx context.Context) error {
	if err := s.queue.Restore(ctx); err != nil {
		return err
	}
	for _, m := range s.queue.Snapshot() {
		s.ledger.Put(m, nil)
	}
	s.metrics.QueueLength(s.queue.Len())
	s.log.WithField("queue_len", s.queue.Len()).Info("outbound queue restored")
	return nil
}

// Connect 建立连接。Connecting / Connected 状态下直接返回；
// 自动重连次数耗尽后，由调用方显式 Connect 重新开始退避。
func (s *Session) Connect(identity string, onMessage MessageHandler) {
	if s.scheduler.Exhausted() {
		s.scheduler.Reset()
	}
	s.connect(identity, onMessage)
}

func (s *Session) connect(identity string, onMessage MessageHandler) {
	s.mu.Lock()
	if s.state != Disconnected {
		s.mu.Unlock()
		s.log.WithField("user_id", identity).Warn("already connected or connecting, skip")
		return
	}
	s.state = Connecting
	s.identity = identity
	s.onMessage = onMessage
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.reads.SetIdentity(identity)
	s.metrics.State(int(Connecting))
	s.log.WithField("user_id", identity).Info("connecting")
	go s.dial(gen, identity)
}

func (s *Session) dial(gen uint64, identity string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.DialTimeout)
	conn, err := s.dialer.Dial(ctx, identity)
	cancel()
	if err == nil {
		err = s.writePacket(conn, model.LoginPacket(identity))
		if err != nil {
			conn.Close()
		}
	}

	s.mu.Lock()
	if s.gen != gen {
		// 期间被 Disconnect，丢弃这次结果
		s.mu.Unlock()
		if err == nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		s.state = Disconnected
		s.mu.Unlock()
		s.metrics.State(int(Disconnected))
		s.log.WithError(err).WithField("user_id", identity).Warn("connect failed")
		s.scheduleReconnect()
		return
	}
	s.conn = conn
	s.connDone = make(chan struct{})
	s.state = Connected
	s.mu.Unlock()

	s.scheduler.Reset()
	s.metrics.State(int(Connected))
	s.log.WithField("user_id", identity).Info("connected")

	go s.readLoop(gen, conn)
	s.reconcileReadReceipts(identity)
	s.Flush()
}

func (s *Session) readLoop(gen uint64, conn transport.Conn) {
	for {
		data, err := conn.Receive()
		if err != nil {
			s.connectionLost(gen, conn, err)
			return
		}
		s.dispatch(data)
	}
}

// connectionLost 处理关闭或错误：非当前连接的事件直接忽略。
func (s *Session) connectionLost(gen uint64, conn transport.Conn, cause error) {
	s.mu.Lock()
	if s.gen != gen || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = Disconnected
	if s.connDone != nil {
		close(s.connDone)
		s.connDone = nil
	}
	s.mu.Unlock()

	conn.Close()
	s.metrics.State(int(Disconnected))
	s.log.WithError(cause).Warn("connection lost")
	s.scheduleReconnect()
}

func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	identity, handler := s.identity, s.onMessage
	s.mu.Unlock()

	delay, ok := s.scheduler.Schedule(func() { s.connect(identity, handler) })
	if !ok {
		if s.scheduler.Exhausted() {
			s.log.WithField("attempts", s.scheduler.Attempts()).Warn("reconnect attempts exhausted, waiting for explicit connect")
		}
		return
	}
	s.metrics.Reconnect()
	s.log.WithFields(logrus.Fields{
		"attempt": s.scheduler.Attempts(),
		"delay":   delay,
	}).Info("reconnect scheduled")
}

// Disconnect 主动断开：关闭传输、取消重连、清零计数，放弃所有 ACK 定时器（不再回调）。
func (s *Session) Disconnect() {
	if err := s.disconnect(); err != nil {
		s.log.WithError(err).Debug("close transport")
	}
	s.log.Info("disconnected by caller")
}

func (s *Session) disconnect() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.state = Disconnected
	s.gen++
	if s.connDone != nil {
		close(s.connDone)
		s.connDone = nil
	}
	s.mu.Unlock()

	s.scheduler.Cancel()
	s.tracker.Reset()
	s.metrics.State(int(Disconnected))
	s.metrics.PendingAcks(0)
	if conn == nil {
		return nil
	}
	return ignoreClosed(conn.Close())
}

// Close 断开连接并释放队列存储（如果它实现了 io.Closer）。
func (s *Session) Close() error {
	err := s.disconnect()
	if c, ok := s.queue.store.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return err
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) activeConn() (transport.Conn, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected || s.conn == nil {
		return nil, s.identity, false
	}
	return s.conn, s.identity, true
}

func (s *Session) writePacket(conn transport.Conn, p model.Packet) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return conn.Send(data)
}

// dispatch 入站帧分类：server-ack、已读回执、普通消息；噪声直接丢弃。
func (s *Session) dispatch(data []byte) {
	frame, err := model.DecodeFrame(data)
	if err != nil {
		s.metrics.Frame("malformed")
		s.log.WithField("payload", truncate(data, 128)).Debug("discard malformed frame")
		return
	}

	switch f := frame.(type) {
	case model.ServerAck:
		s.metrics.Frame("server_ack")
		if !s.tracker.Ack(f.ID) {
			s.log.WithField("msg_id", f.ID).Debug("ack for unknown or resolved message")
		}
		s.metrics.PendingAcks(s.tracker.Len())
	case model.ReadReceipt:
		s.metrics.Frame("read_receipt")
		identity := s.Identity()
		if f.From != identity {
			s.log.WithFields(logrus.Fields{"from": f.From, "user_id": identity}).Debug("drop read receipt for another identity")
			return
		}
		s.applyReadReceipt(identity, f.IDs)
	case model.Inbound:
		s.metrics.Frame("message")
		s.mu.Lock()
		handler := s.onMessage
		s.mu.Unlock()
		if handler != nil {
			handler(f.Messages)
		}
		conn, _, ok := s.activeConn()
		if !ok {
			return
		}
		for _, m := range f.Messages {
			if m.ID == "" {
				continue
			}
			if err := s.writePacket(conn, model.AppAckPacket(m.ID)); err != nil {
				s.log.WithError(err).WithField("msg_id", m.ID).Warn("app ack failed")
			}
		}
	}
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
