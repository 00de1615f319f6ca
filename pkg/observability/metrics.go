package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TransportMetrics is the prometheus instrument set for the transport
// layer. All fields are safe for concurrent use; a nil *TransportMetrics
// is a valid no-op receiver so tests can skip registration.
type TransportMetrics struct {
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	SendAttempts    prometheus.Counter
	Retransmits     prometheus.Counter
	ChecksumErrors  prometheus.Counter
	AdapterErrors   prometheus.Counter
	LinkSwitches    prometheus.Counter
	EventsDropped   prometheus.Counter
	QueueDepth      prometheus.Gauge
	ActiveLinkState prometheus.Gauge
}

// NewTransportMetrics builds and registers the instrument set.
func NewTransportMetrics(reg prometheus.Registerer) *TransportMetrics {
	m := &TransportMetrics{
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wildcam", Subsystem: "transport", Name: "bytes_sent_total",
			Help: "Payload and framing bytes handed to link adapters.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wildcam", Subsystem: "transport", Name: "bytes_received_total",
			Help: "Frame bytes received from link adapters.",
		}),
		SendAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wildcam", Subsystem: "transport", Name: "send_attempts_total",
			Help: "Chunk send attempts, including retransmissions.",
		}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wildcam", Subsystem: "transport", Name: "retransmits_total",
			Help: "Chunks retransmitted after an ACK timeout.",
		}),
		ChecksumErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wildcam", Subsystem: "transport", Name: "checksum_errors_total",
			Help: "Inbound frames dropped for CRC mismatch.",
		}),
		AdapterErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wildcam", Subsystem: "transport", Name: "adapter_errors_total",
			Help: "Errors reported by link adapter polls.",
		}),
		LinkSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wildcam", Subsystem: "transport", Name: "link_switches_total",
			Help: "Completed active-link switches.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wildcam", Subsystem: "transport", Name: "events_dropped_total",
			Help: "Application events dropped on a full event channel.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wildcam", Subsystem: "transport", Name: "queue_depth",
			Help: "Transmissions waiting in the priority queue.",
		}),
		ActiveLinkState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wildcam", Subsystem: "transport", Name: "active_link",
			Help: "Active link kind (0 none, 1 wifi, 2 lora, 3 cellular, 4 satellite).",
		}),
	}
	reg.MustRegister(
		m.BytesSent, m.BytesReceived, m.SendAttempts, m.Retransmits,
		m.ChecksumErrors, m.AdapterErrors, m.LinkSwitches, m.EventsDropped,
		m.QueueDepth, m.ActiveLinkState,
	)
	return m
}

// The nil-safe helpers keep call sites free of guards.

func (m *TransportMetrics) AddBytesSent(n int) {
	if m != nil {
		m.BytesSent.Add(float64(n))
	}
}

func (m *TransportMetrics) AddBytesReceived(n int) {
	if m != nil {
		m.BytesReceived.Add(float64(n))
	}
}

func (m *TransportMetrics) IncSendAttempts() {
	if m != nil {
		m.SendAttempts.Inc()
	}
}

func (m *TransportMetrics) IncRetransmits() {
	if m != nil {
		m.Retransmits.Inc()
	}
}

func (m *TransportMetrics) IncChecksumErrors() {
	if m != nil {
		m.ChecksumErrors.Inc()
	}
}

func (m *TransportMetrics) IncAdapterErrors() {
	if m != nil {
		m.AdapterErrors.Inc()
	}
}

func (m *TransportMetrics) IncLinkSwitches() {
	if m != nil {
		m.LinkSwitches.Inc()
	}
}

func (m *TransportMetrics) IncEventsDropped() {
	if m != nil {
		m.EventsDropped.Inc()
	}
}

func (m *TransportMetrics) SetQueueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

func (m *TransportMetrics) SetActiveLink(kind int) {
	if m != nil {
		m.ActiveLinkState.Set(float64(kind))
	}
}
