package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery kinds used as the "kind" label.
const (
	deliveryRoom     = "room"
	deliveryTargeted = "targeted"
)

// Metrics holds the realtime collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connections  prometheus.Gauge
	onlineUsers  prometheus.Gauge
	deliveries   *prometheus.CounterVec
	recipients   *prometheus.CounterVec
	dropped      prometheus.Counter
	typingEvents prometheus.Counter
	seenEvents   prometheus.Counter
}

// NewMetrics registers the realtime collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "marketchat",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Live WebSocket sessions.",
		}),
		onlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "marketchat",
			Subsystem: "ws",
			Name:      "online_users",
			Help:      "Distinct users with at least one live session.",
		}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "delivery",
			Name:      "frames_total",
			Help:      "new_message frames enqueued, by kind (room|targeted).",
		}, []string{"kind"}),
		recipients: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "delivery",
			Name:      "recipients_total",
			Help:      "Message recipients by routing outcome (active|targeted|offline).",
		}, []string{"outcome"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "ws",
			Name:      "dropped_frames_total",
			Help:      "Frames dropped because a session queue was full or closing.",
		}),
		typingEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "typing",
			Name:      "events_total",
			Help:      "user_typing frames emitted.",
		}),
		seenEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "seen",
			Name:      "events_total",
			Help:      "messages_seen events broadcast.",
		}),
	}
}

func (m *Metrics) setConnections(sessions, users int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(sessions))
	m.onlineUsers.Set(float64(users))
}

func (m *Metrics) delivered(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.deliveries.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) recipient(outcome string) {
	if m == nil {
		return
	}
	m.recipients.WithLabelValues(outcome).Inc()
}

func (m *Metrics) droppedFrame() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) typing(n int) {
	if m == nil || n == 0 {
		return
	}
	m.typingEvents.Add(float64(n))
}

func (m *Metrics) seen() {
	if m == nil {
		return
	}
	m.seenEvents.Inc()
}
