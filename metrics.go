package tftpd

import "github.com/prometheus/client_golang/prometheus"

// metricsSet is the optional prometheus.Collector wiring, grounded on
// runZeroInc-sockstats/pkg/exporter's Collector shape. A Server with a
// nil metrics field (the default) skips every call below at no cost
// beyond a nil check, so embedding hosts that don't register a
// prometheus.Registerer pay nothing.
type metricsSet struct {
	active      prometheus.Gauge
	started     prometheus.Counter
	completed   *prometheus.CounterVec
	bytes       prometheus.Counter
	retransmits prometheus.Counter
}

func newMetricsSet() *metricsSet {
	return &metricsSet{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tftpd",
			Name:      "active_transfers",
			Help:      "Number of transfers currently in flight.",
		}),
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tftpd",
			Name:      "transfers_started_total",
			Help:      "Number of transfers accepted.",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tftpd",
			Name:      "transfers_completed_total",
			Help:      "Number of transfers that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tftpd",
			Name:      "bytes_transferred_total",
			Help:      "Total payload bytes sent or received across all transfers.",
		}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tftpd",
			Name:      "retransmits_total",
			Help:      "Number of DATA/ACK retransmissions due to timeout.",
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *metricsSet) Describe(ch chan<- *prometheus.Desc) {
	m.active.Describe(ch)
	m.started.Describe(ch)
	m.completed.Describe(ch)
	m.bytes.Describe(ch)
	m.retransmits.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *metricsSet) Collect(ch chan<- prometheus.Metric) {
	m.active.Collect(ch)
	m.started.Collect(ch)
	m.completed.Collect(ch)
	m.bytes.Collect(ch)
	m.retransmits.Collect(ch)
}

func (m *metricsSet) transferStarted() {
	if m == nil {
		return
	}
	m.started.Inc()
	m.active.Inc()
}

func (m *metricsSet) transferEnded(outcome string) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.completed.WithLabelValues(outcome).Inc()
}

func (m *metricsSet) addBytes(n int) {
	if m == nil {
		return
	}
	m.bytes.Add(float64(n))
}

func (m *metricsSet) retransmit() {
	if m == nil {
		return
	}
	m.retransmits.Inc()
}
