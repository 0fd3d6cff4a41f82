// Package metrics owns the prometheus collectors of the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "unimatch"

// Metrics is safe to use as a nil pointer; every recorder becomes a no-op.
type Metrics struct {
	registry *prometheus.Registry

	decisions        *prometheus.CounterVec
	matchesCreated   prometheus.Counter
	matchesDissolved prometheus.Counter
	messages         prometheus.Counter
	quarantined      *prometheus.CounterVec
	deliveryEvents   *prometheus.CounterVec
	enqueued         prometheus.Counter
	evicted          prometheus.Counter
	relayed          *prometheus.CounterVec
	reordered        *prometheus.CounterVec
	liveSessions     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_decisions_total",
			Help:      "Swipe decisions recorded, by direction and whether the stored state changed.",
		}, []string{"direction", "changed"}),
		matchesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_matches_created_total",
			Help:      "Matches created by the match engine.",
		}),
		matchesDissolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_matches_dissolved_total",
			Help:      "Matches dissolved by unmatch or a like withdrawal.",
		}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_messages_appended_total",
			Help:      "Messages appended to match logs.",
		}),
		quarantined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_quarantined_keys_total",
			Help:      "Resource keys halted after an integrity violation.",
		}, []string{"component"}),
		deliveryEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_events_total",
			Help:      "Events handed to the dispatcher.",
		}, []string{"type", "origin"}),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_enqueued_total",
			Help:      "Frames queued on live sessions.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_evicted_total",
			Help:      "Sessions closed because their outbound buffer was full.",
		}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_relay_publish_total",
			Help:      "Relay publish attempts by result.",
		}, []string{"result"}),
		reordered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_reordered_messages_total",
			Help:      "Message events repaired on delivery: filled from the store or dropped as stale.",
		}, []string{"action"}),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_live_sessions",
			Help:      "Sessions currently attached to this instance.",
		}),
	}

	m.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.decisions,
		m.matchesCreated,
		m.matchesDissolved,
		m.messages,
		m.quarantined,
		m.deliveryEvents,
		m.enqueued,
		m.evicted,
		m.relayed,
		m.reordered,
		m.liveSessions,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) DecisionRecorded(direction string, changed bool) {
	if m == nil {
		return
	}
	label := "false"
	if changed {
		label = "true"
	}
	m.decisions.WithLabelValues(direction, label).Inc()
}

func (m *Metrics) MatchCreated() {
	if m == nil {
		return
	}
	m.matchesCreated.Inc()
}

func (m *Metrics) MatchDissolved() {
	if m == nil {
		return
	}
	m.matchesDissolved.Inc()
}

func (m *Metrics) MessageAppended() {
	if m == nil {
		return
	}
	m.messages.Inc()
}

func (m *Metrics) KeyQuarantined(component string) {
	if m == nil {
		return
	}
	m.quarantined.WithLabelValues(component).Inc()
}

func (m *Metrics) EventDispatched(eventType, origin string) {
	if m == nil {
		return
	}
	m.deliveryEvents.WithLabelValues(eventType, origin).Inc()
}

func (m *Metrics) FrameEnqueued() {
	if m == nil {
		return
	}
	m.enqueued.Inc()
}

func (m *Metrics) SessionEvicted() {
	if m == nil {
		return
	}
	m.evicted.Inc()
}

func (m *Metrics) RelayPublished(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.relayed.WithLabelValues("ok").Inc()
		return
	}
	m.relayed.WithLabelValues("error").Inc()
}

// MessagesReordered counts n message events handled out of order; action is "filled" or "stale".
func (m *Metrics) MessagesReordered(action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reordered.WithLabelValues(action).Add(float64(n))
}

func (m *Metrics) SetLiveSessions(n int) {
	if m == nil {
		return
	}
	m.liveSessions.Set(float64(n))
}
