package notify

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Hooks observes dispatcher activity. Nil funcs are skipped.
type Hooks struct {
	OnQueued   func(depth int)
	OnDropped  func()
	OnDelivery func(sink, result string, duration float64)
}

func (h Hooks) queued(depth int) {
	if h.OnQueued != nil {
		h.OnQueued(depth)
	}
}

func (h Hooks) dropped() {
	if h.OnDropped != nil {
		h.OnDropped()
	}
}

func (h Hooks) delivered(sink, result string, duration float64) {
	if h.OnDelivery != nil {
		h.OnDelivery(sink, result, duration)
	}
}

// Metrics holds Prometheus metrics for notification delivery.
type Metrics struct {
	QueueDepth       prometheus.Gauge
	DroppedTotal     prometheus.Counter
	DeliveriesTotal  *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec
}

// NewMetrics registers and returns delivery metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_notify_queue_depth",
			Help: "Notifications waiting for a delivery worker.",
		}),
		DroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_notify_dropped_total",
			Help: "Notifications dropped before delivery.",
		}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_notify_deliveries_total",
			Help: "Notification deliveries by sink and result.",
		}, []string{"sink", "result"}),
		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_notify_delivery_duration_seconds",
			Help:    "Time spent delivering one notification to one sink, retries included.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}, []string{"sink"}),
	}

	reg.MustRegister(
		m.QueueDepth,
		m.DroppedTotal,
		m.DeliveriesTotal,
		m.DeliveryDuration,
	)

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnQueued: func(depth int) {
			m.QueueDepth.Set(float64(depth))
		},
		OnDropped: func() {
			m.DroppedTotal.Inc()
		},
		OnDelivery: func(sink, result string, duration float64) {
			m.DeliveriesTotal.WithLabelValues(sink, result).Inc()
			m.DeliveryDuration.WithLabelValues(sink).Observe(duration)
		},
	}
}
