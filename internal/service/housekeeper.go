package service

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// HousekeeperOptions 零值字段使用默认值。
type HousekeeperOptions struct {
	Clock    clock.Clock
	Interval time.Duration
	// AckMaxAge 之前注册、且没有运行中定时器的 ACK 注册会被清理
	AckMaxAge time.Duration
}

// Housekeeper 在后台周期性地清理 ACK 注册表并补发积压的已读回执。
type Housekeeper struct {
	session  *Session
	clock    clock.Clock
	interval time.Duration
	maxAge   time.Duration
	log      *logrus.Entry

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewHousekeeper(session *Session, opts HousekeeperOptions) *Housekeeper {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.AckMaxAge <= 0 {
		opts.AckMaxAge = 10 * time.Minute
	}
	h := &Housekeeper{
		session:  session,
		clock:    opts.Clock,
		interval: opts.Interval,
		maxAge:   opts.AckMaxAge,
		log:      logrus.WithField("component", "housekeeper"),
		stop:     make(chan struct{}),
	}
	h.wg.Add(1)
	go h.loop()
	return h
}

func (h *Housekeeper) Stop() {
	if h == nil {
		return
	}
	h.stopOnce.Do(func() { close(h.stop) })
	h.wg.Wait()
}

func (h *Housekeeper) loop() {
	defer h.wg.Done()
	ticker := h.clock.Ticker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.runOnce()
		}
	}
}

func (h *Housekeeper) runOnce() {
	evicted := h.session.SweepAcks(h.maxAge)
	flushed := h.session.FlushReadAcks()
	if evicted > 0 || flushed {
		h.log.WithFields(logrus.Fields{"evicted": evicted, "read_acks_flushed": flushed}).Debug("housekeeping pass")
	}
}
