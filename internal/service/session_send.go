package service

import (
	"context"
	"errors"
	"time"

	"go-im-client/internal/model"
	"go-im-client/internal/transport"
)

const storeTimeout = 3 * time.Second

// Send 发送一条消息：缺省 ID 时生成，ID 此后不再变化。
// 未连接时消息入队并立即报告 failed；连接后由 drain 重新发送。
// 已连接但队列中还有更早的消息时排到队尾并报告 queued。
func (s *Session) Send(msg model.Message, onStatus StatusFunc) (model.Message, error) {
	if msg.To == "" {
		return msg, ErrEmptyRecipient
	}
	if msg.From == "" {
		msg.From = s.Identity()
	}
	msg.Prepare(s.clock.Now())
	msg.Status = model.StatusQueued

	s.ledger.Put(msg, onStatus)
	s.tracker.Track(msg.ID, s.relay(s.ledger.callback(msg.ID)))
	return msg, s.transmit(msg)
}

// Retry 由调用方手动重发一条失败的消息，必须保留原 ID。
// 消息仍在队列中时只更新回调并触发 drain，避免重复发送。
func (s *Session) Retry(msg model.Message, onStatus StatusFunc) (model.Message, error) {
	if msg.ID == "" {
		return msg, ErrMissingID
	}
	if s.queue.Contains(msg.ID) {
		s.ledger.Put(msg, onStatus)
		s.tracker.Track(msg.ID, s.relay(s.ledger.callback(msg.ID)))
		s.Flush()
		return msg, nil
	}
	s.log.WithField("msg_id", msg.ID).Info("retry send")
	return s.Send(msg, onStatus)
}

// RetryByID 按 ID 从本地记录中取出消息重发，保留原有回调。
func (s *Session) RetryByID(id string) (model.Message, error) {
	msg, ok := s.ledger.Get(id)
	if !ok {
		return model.Message{}, ErrUnknownMessage
	}
	return s.Retry(msg, nil)
}

// Lookup 返回本地记录的消息及其当前状态。
func (s *Session) Lookup(id string) (model.Message, bool) {
	return s.ledger.Get(id)
}

func (s *Session) transmit(msg model.Message) error {
	conn, _, connected := s.activeConn()
	if !connected {
		s.log.WithField("msg_id", msg.ID).Warn("not connected, message queued")
		return s.queueAndFail(msg)
	}
	// 队列里还有更早的消息时排到队尾并报告 queued，保持 FIFO
	// 正在运行的 drain 可能立即取走这条消息，queued 必须先于入队报告
	if s.queue.Len() > 0 {
		s.relay(s.ledger.callback(msg.ID))(msg.ID, model.StatusQueued)
		if err := s.enqueue(msg); err != nil {
			s.tracker.Fail(msg.ID)
			s.tracker.Forget(msg.ID)
			return err
		}
		s.Flush()
		return nil
	}
	s.tracker.Arm(msg.ID)
	s.metrics.PendingAcks(s.tracker.Len())
	if err := s.writePacket(conn, model.MessagePacket(msg)); err != nil {
		s.log.WithError(err).WithField("msg_id", msg.ID).Warn("send failed, message queued")
		return s.queueAndFail(msg)
	}
	return nil
}

// queueAndFail 把消息放入持久队列并报告 failed；队列写入失败时不再等待重发。
func (s *Session) queueAndFail(msg model.Message) error {
	err := s.enqueue(msg)
	s.tracker.Fail(msg.ID)
	if err != nil {
		s.tracker.Forget(msg.ID)
	}
	return err
}

func (s *Session) enqueue(msg model.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err := s.queue.Enqueue(ctx, msg)
	if err != nil {
		s.log.WithError(err).WithField("msg_id", msg.ID).Error("enqueue failed")
	}
	s.metrics.QueueLength(s.queue.Len())
	return err
}

// relay 包装调用方回调：更新本地记录、指标与观察者后再通知调用方。
func (s *Session) relay(onStatus StatusFunc) StatusFunc {
	return func(id string, status model.Status) {
		s.ledger.Transition(id, status)
		s.metrics.Status(string(status))
		if s.opts.StatusObserver != nil {
			s.opts.StatusObserver(id, status)
		}
		if onStatus != nil {
			onStatus(id, status)
		}
	}
}

// ensureTracked 在重发前补齐 ACK 注册（重启恢复、主动断开或清扫之后注册可能已不存在）。
func (s *Session) ensureTracked(msg model.Message) {
	if s.tracker.Pending(msg.ID) {
		return
	}
	if _, ok := s.ledger.Get(msg.ID); !ok {
		s.ledger.Put(msg, nil)
	}
	s.tracker.Track(msg.ID, s.relay(s.ledger.callback(msg.ID)))
}

// Flush 触发一次队列 drain；仅在已连接时生效，同一时刻只有一个 drain 在跑。
func (s *Session) Flush() {
	s.mu.Lock()
	if s.state != Connected || s.conn == nil {
		s.mu.Unlock()
		return
	}
	if s.draining {
		s.drainAgain = true
		s.mu.Unlock()
		return
	}
	s.draining = true
	conn, done := s.conn, s.connDone
	s.mu.Unlock()

	go s.drain(conn, done)
}

func (s *Session) drain(conn transport.Conn, done <-chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.draining = false
		again := s.drainAgain
		s.drainAgain = false
		s.mu.Unlock()
		if again {
			s.Flush()
		}
	}()

	if s.opts.HeadPolicy == HeadSkip {
		s.drainSkipping(conn, done)
		return
	}

	for {
		msg, ok := s.queue.Peek()
		if !ok {
			s.log.Debug("drain complete, queue empty")
			return
		}
		if !s.drainOne(conn, msg) {
			s.log.WithField("msg_id", msg.ID).Warn("drain halted at queue head")
			return
		}
		if err := s.popHead(msg.ID); err != nil {
			return
		}
		if !s.pace(done) {
			return
		}
	}
}

// drainSkipping 每个条目本轮最多尝试一次，失败的保持相对顺序留在队列中。
func (s *Session) drainSkipping(conn transport.Conn, done <-chan struct{}) {
	failed := 0
	for _, msg := range s.queue.Snapshot() {
		select {
		case <-done:
			return
		default:
		}
		if !s.drainOne(conn, msg) {
			failed++
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		err := s.queue.Remove(ctx, msg.ID)
		cancel()
		if err != nil {
			s.log.WithError(err).WithField("msg_id", msg.ID).Error("persist queue after send")
			return
		}
		s.metrics.QueueLength(s.queue.Len())
		if !s.pace(done) {
			return
		}
	}
	if failed > 0 {
		s.log.WithField("failed", failed).Warn("drain pass finished with failures")
	}
}

// drainOne 发送一条队列消息；写入失败时撤销 Arm 并报告 failed。
func (s *Session) drainOne(conn transport.Conn, msg model.Message) bool {
	s.ensureTracked(msg)
	s.tracker.Arm(msg.ID)
	s.metrics.PendingAcks(s.tracker.Len())
	if err := s.writePacket(conn, model.MessagePacket(msg)); err != nil {
		s.log.WithError(err).WithField("msg_id", msg.ID).Warn("drain send failed")
		s.tracker.Fail(msg.ID)
		return false
	}
	return true
}

func (s *Session) popHead(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.queue.Pop(ctx, id); err != nil {
		s.log.WithError(err).WithField("msg_id", id).Error("persist queue after send")
		return err
	}
	s.metrics.QueueLength(s.queue.Len())
	return nil
}

// pace 在两条消息之间等待一小段时间，避免刚建立的连接被突发写满。
func (s *Session) pace(done <-chan struct{}) bool {
	t := s.clock.Timer(s.opts.DrainPacing)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-done:
		return false
	}
}

// MarkSeen 登记被用户看到的入站消息（自己发的除外），等待 FlushReadAcks 上报。
func (s *Session) MarkSeen(msgs ...model.Message) int {
	return s.reads.MarkSeen(msgs...)
}

// FlushReadAcks 上报所有已看到但未确认的消息，成功后清空。
func (s *Session) FlushReadAcks() bool {
	ids := s.reads.Outstanding()
	if !s.SendReadAck(ids) {
		return false
	}
	s.reads.Clear(ids)
	return true
}

// SendReadAck 仅在已连接时发送已读回执，否则直接丢弃（不持久化）。
func (s *Session) SendReadAck(ids []string) bool {
	if len(ids) == 0 {
		return false
	}
	conn, identity, ok := s.activeConn()
	if !ok {
		s.log.WithField("count", len(ids)).Debug("not connected, drop read ack")
		return false
	}
	if err := s.writePacket(conn, model.ReadAckPacket(identity, ids)); err != nil {
		s.log.WithError(err).Warn("send read ack failed")
		return false
	}
	return true
}

// reconcileReadReceipts 重连后把队列中来自他人的消息和待上报的已读 ID 合并成一批发送。
func (s *Session) reconcileReadReceipts(identity string) {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if _, ok := seen[id]; ok || id == "" {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, m := range s.queue.Snapshot() {
		if m.From != "" && m.From != identity {
			add(m.ID)
		}
	}
	outstanding := s.reads.Outstanding()
	for _, id := range outstanding {
		add(id)
	}
	if len(ids) == 0 {
		return
	}
	if s.SendReadAck(ids) {
		s.reads.Clear(outstanding)
		s.log.WithField("count", len(ids)).Info("read receipts reconciled")
	}
}

// applyReadReceipt 把本人发出且已 success 的消息迁移到 read，重复回执幂等。
func (s *Session) applyReadReceipt(identity string, ids []string) {
	for _, e := range s.ledger.MarkRead(identity, ids) {
		s.metrics.Status(string(model.StatusRead))
		if s.opts.StatusObserver != nil {
			s.opts.StatusObserver(e.msg.ID, model.StatusRead)
		}
		if e.onStatus != nil {
			e.onStatus(e.msg.ID, model.StatusRead)
		}
	}
}

// SweepAcks 清理长期不会再发送的 ACK 注册。
func (s *Session) SweepAcks(maxAge time.Duration) int {
	n := s.tracker.Sweep(maxAge)
	if n > 0 {
		s.log.WithField("evicted", n).Debug("ack registry swept")
	}
	s.metrics.PendingAcks(s.tracker.Len())
	return n
}

// Stats 是 Session 的只读快照。
type Stats struct {
	State             string `json:"state"`
	Identity          string `json:"identity"`
	QueueLength       int    `json:"queue_length"`
	PendingAcks       int    `json:"pending_acks"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	ReconnectPending  bool   `json:"reconnect_pending"`
	LedgerSize        int    `json:"ledger_size"`
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	state, identity := s.state, s.identity
	s.mu.Unlock()
	return Stats{
		State:             state.String(),
		Identity:          identity,
		QueueLength:       s.queue.Len(),
		PendingAcks:       s.tracker.Len(),
		ReconnectAttempts: s.scheduler.Attempts(),
		ReconnectPending:  s.scheduler.Pending(),
		LedgerSize:        s.ledger.Len(),
	}
}

// IsQueueFull 便于调用方区分队列满与其他错误。
func IsQueueFull(err error) bool {
	return errors.Is(err, ErrQueueFull)
}
