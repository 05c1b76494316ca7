package alert

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	log "github.com/sirupsen/logrus"
)

type Metrics struct {
	CachedUsers       prometheus.Gauge
	CachedAlerts      prometheus.Gauge
	LiveConnections   prometheus.Gauge
	QueuedAlerts      prometheus.Gauge
	AlertsEnqueued    prometheus.Counter
	AlertsPushed      prometheus.Counter
	PushFailures      prometheus.Counter
	ConnectionsPruned prometheus.Counter
	DigestsSent       prometheus.Counter
	DigestFailures    prometheus.Counter
	HistoryFailures   prometheus.Counter
}

// NewMetrics creates the dispatcher metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coalarm",
			Subsystem: "dispatch",
			Name:      name,
			Help:      help,
		})
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coalarm",
			Subsystem: "dispatch",
			Name:      name,
			Help:      help,
		})
	}

	m := &Metrics{
		CachedUsers:       gauge("cached_users", "The number of users with active alerts in the cache"),
		CachedAlerts:      gauge("cached_alerts", "The number of active alerts in the cache"),
		LiveConnections:   gauge("live_connections", "The number of live event stream connections"),
		QueuedAlerts:      gauge("queued_alerts", "The number of alerts waiting for delivery"),
		AlertsEnqueued:    counter("alerts_enqueued_total", "The total number of alerts that qualified and were queued"),
		AlertsPushed:      counter("alerts_pushed_total", "The total number of alerts pushed to at least one connection"),
		PushFailures:      counter("push_failures_total", "The total number of failed sends to a connection"),
		ConnectionsPruned: counter("connections_pruned_total", "The total number of connections pruned after a failed heartbeat"),
		DigestsSent:       counter("digests_sent_total", "The total number of digest messages handed to the webhook sender"),
		DigestFailures:    counter("digest_failures_total", "The total number of digest messages the webhook sender rejected"),
		HistoryFailures:   counter("history_write_failures_total", "The total number of delivery records that could not be written"),
	}

	reg.MustRegister(
		m.CachedUsers, m.CachedAlerts, m.LiveConnections, m.QueuedAlerts,
		m.AlertsEnqueued, m.AlertsPushed, m.PushFailures, m.ConnectionsPruned,
		m.DigestsSent, m.DigestFailures, m.HistoryFailures,
	)
	return m
}

// MetricValue reads the current value of a single counter or gauge
func MetricValue(metric prometheus.Collector) float64 {
	metricChan := make(chan prometheus.Metric, 1)
	metric.Collect(metricChan)
	close(metricChan)

	metricProto := &dto.Metric{}
	if err := (<-metricChan).Write(metricProto); err != nil {
		log.Printf("Failed to read metric value: %v", err)
		return 0
	}

	if metricProto.Counter != nil {
		return metricProto.Counter.GetValue()
	} else if metricProto.Gauge != nil {
		return metricProto.Gauge.GetValue()
	}
	return 0
}
