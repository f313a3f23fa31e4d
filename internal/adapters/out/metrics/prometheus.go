package metrics

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/EthanQC/IM/services/realtime_service/internal/ports/out"
)

const namespace = "realtime"

// Prometheus out.Metrics 的 prometheus 实现
type Prometheus struct {
	onlineUsers   prometheus.Gauge
	activeCalls   prometheus.Gauge
	framesRouted  *prometheus.CounterVec
	framesDropped *prometheus.CounterVec
	callsFinished *prometheus.CounterVec
	notifications *prometheus.CounterVec

	// /stats 直接读总数，不走 Gather
	routedTotal  atomic.Uint64
	droppedTotal atomic.Uint64
}

var _ out.Metrics = (*Prometheus)(nil)

// NewPrometheus 创建并注册到 reg
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	m := &Prometheus{
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Users with a live connection on this node.",
		}),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Call sessions in requested or accepted state.",
		}),
		framesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_routed_total",
			Help:      "Inbound frames handled, by type.",
		}, []string{"type"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped, by reason.",
		}, []string{"reason"}),
		callsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_finished_total",
			Help:      "Call sessions reaching a terminal state.",
		}, []string{"state", "reason"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_pushed_total",
			Help:      "Server-originated notifications, by kind and delivery.",
		}, []string{"kind", "delivered"}),
	}
	reg.MustRegister(m.onlineUsers, m.activeCalls, m.framesRouted, m.framesDropped, m.callsFinished, m.notifications)
	return m
}

func (m *Prometheus) OnlineUsers(n int) { m.onlineUsers.Set(float64(n)) }

func (m *Prometheus) ActiveCalls(n int) { m.activeCalls.Set(float64(n)) }

func (m *Prometheus) FrameRouted(frameType string) {
	m.framesRouted.WithLabelValues(frameType).Inc()
	m.routedTotal.Add(1)
}

func (m *Prometheus) FrameDropped(reason string) {
	m.framesDropped.WithLabelValues(reason).Inc()
	m.droppedTotal.Add(1)
}

func (m *Prometheus) CallFinished(state, reason string) {
	m.callsFinished.WithLabelValues(state, reason).Inc()
}

func (m *Prometheus) NotificationPushed(kind string, delivered bool) {
	m.notifications.WithLabelValues(kind, strconv.FormatBool(delivered)).Inc()
}

// Frames 自启动以来路由和丢弃的帧数
func (m *Prometheus) Frames() (routed, dropped uint64) {
	return m.routedTotal.Load(), m.droppedTotal.Load()
}
