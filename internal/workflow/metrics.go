package workflow

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/warden/internal/alert"
)

// EngineHooks lets callers observe engine activity without the engine
// depending on a metrics backend. Nil funcs are skipped.
type EngineHooks struct {
	OnCommand      func(command, outcome string, duration float64)
	OnTransition   func(from, to alert.State)
	OnNotification func(typ alert.NotificationType, handedOff bool)
	OnSweep        func(r *SweepReport, duration float64)
}

func (h EngineHooks) command(command, outcome string, duration float64) {
	if h.OnCommand != nil {
		h.OnCommand(command, outcome, duration)
	}
}

func (h EngineHooks) transition(from, to alert.State) {
	if h.OnTransition != nil {
		h.OnTransition(from, to)
	}
}

func (h EngineHooks) notification(typ alert.NotificationType, handedOff bool) {
	if h.OnNotification != nil {
		h.OnNotification(typ, handedOff)
	}
}

func (h EngineHooks) sweep(r *SweepReport, duration float64) {
	if h.OnSweep != nil {
		h.OnSweep(r, duration)
	}
}

// Metrics holds Prometheus metrics for the workflow engine.
type Metrics struct {
	CommandsTotal       *prometheus.CounterVec
	CommandDuration     *prometheus.HistogramVec
	TransitionsTotal    *prometheus.CounterVec
	NotificationsTotal  *prometheus.CounterVec
	SweepAlertsTotal    *prometheus.CounterVec
	SweepDuration       prometheus.Histogram
	SweepLastOverdueSet prometheus.Gauge
}

// NewMetrics registers and returns workflow metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_commands_total",
			Help: "Workflow commands by command and outcome.",
		}, []string{"command", "outcome"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_command_duration_seconds",
			Help:    "Duration of workflow commands in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		}, []string{"command"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_state_transitions_total",
			Help: "Committed alert state transitions.",
		}, []string{"from", "to"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_notifications_total",
			Help: "Committed notifications by type and whether delivery accepted them.",
		}, []string{"type", "handed_off"}),
		SweepAlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_sla_sweep_alerts_total",
			Help: "Alerts visited by the SLA sweep by result.",
		}, []string{"result"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_sla_sweep_duration_seconds",
			Help:    "Duration of SLA sweeps in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}),
		SweepLastOverdueSet: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_sla_sweep_last_updated",
			Help: "Alerts marked overdue by the most recent sweep.",
		}),
	}

	reg.MustRegister(
		m.CommandsTotal,
		m.CommandDuration,
		m.TransitionsTotal,
		m.NotificationsTotal,
		m.SweepAlertsTotal,
		m.SweepDuration,
		m.SweepLastOverdueSet,
	)

	return m
}

// Hooks returns EngineHooks that update the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnCommand: func(command, outcome string, duration float64) {
			m.CommandsTotal.WithLabelValues(command, outcome).Inc()
			m.CommandDuration.WithLabelValues(command).Observe(duration)
		},
		OnTransition: func(from, to alert.State) {
			m.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		},
		OnNotification: func(typ alert.NotificationType, handedOff bool) {
			label := "false"
			if handedOff {
				label = "true"
			}
			m.NotificationsTotal.WithLabelValues(string(typ), label).Inc()
		},
		OnSweep: func(r *SweepReport, duration float64) {
			m.SweepAlertsTotal.WithLabelValues("updated").Add(float64(r.Updated))
			m.SweepAlertsTotal.WithLabelValues("skipped").Add(float64(r.Skipped))
			m.SweepAlertsTotal.WithLabelValues("failed").Add(float64(r.Failed))
			m.SweepDuration.Observe(duration)
			m.SweepLastOverdueSet.Set(float64(r.Updated))
		},
	}
}
