// Package metrics 暴露客户端投递链路的 Prometheus 指标。所有方法对 nil 接收者安全。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Registry *prometheus.Registry

	statuses   *prometheus.CounterVec
	frames     *prometheus.CounterVec
	reconnects prometheus.Counter
	queueLen   prometheus.Gauge
	pending    prometheus.Gauge
	state      prometheus.Gauge
}

// New 在独立的 registry 上注册全部指标。
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		statuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "im_client",
			Name:      "message_status_total",
			Help:      "Status callbacks delivered, by status.",
		}, []string{"status"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "im_client",
			Name:      "inbound_frames_total",
			Help:      "Inbound frames by classification.",
		}, []string{"kind"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "im_client",
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled automatic reconnect attempts.",
		}),
		queueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "im_client",
			Name:      "queue_length",
			Help:      "Messages waiting in the durable queue.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "im_client",
			Name:      "pending_acks",
			Help:      "Messages waiting for a server ack.",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "im_client",
			Name:      "connection_state",
			Help:      "0=disconnected 1=connecting 2=connected.",
		}),
	}
	m.Registry.MustRegister(m.statuses, m.frames, m.reconnects, m.queueLen, m.pending, m.state)
	return m
}

func (m *Metrics) Status(status string) {
	if m == nil {
		return
	}
	m.statuses.WithLabelValues(status).Inc()
}

func (m *Metrics) Frame(kind string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(kind).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) QueueLength(n int) {
	if m == nil {
		return
	}
	m.queueLen.Set(float64(n))
}

func (m *Metrics) PendingAcks(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) State(v int) {
	if m == nil {
		return
	}
	m.state.Set(float64(v))
}
