package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry        *prometheus.Registry
	syncRuns        *prometheus.CounterVec // total syncs
	syncDuration    prometheus.Histogram   // time to sync
	dnsActions      *prometheus.CounterVec // planned actions by outcome
	dnsRequests     *prometheus.CounterVec // dns provider requests
	dnsRetries      *prometheus.CounterVec // retry waits
	desiredRecords  *prometheus.GaugeVec   // records in the desired file
	journalRequests *prometheus.CounterVec // badgerdb requests
}

func (m *Metrics) IncSyncRun(success bool) {
	status := boolToResult(success)
	m.syncRuns.WithLabelValues(status).Inc()
}

func (m *Metrics) SetSyncDuration(duration time.Duration) {
	m.syncDuration.Observe(duration.Seconds())
}

// IncDNSAction counts a finished reconcile action. status is the action's
// terminal state, e.g. succeeded or failed_transient.
func (m *Metrics) IncDNSAction(action, zone, recordType, status string) {
	if !isValidAction(action) || zone == "" || recordType == "" || status == "" {
		return
	}
	m.dnsActions.WithLabelValues(action, zone, recordType, status).Inc()
}

func (m *Metrics) IncDNSRequest(backend, operation, zone string, success bool) {
	if !isValidOperation(operation) || backend == "" || zone == "" {
		return
	}
	status := boolToResult(success)
	m.dnsRequests.WithLabelValues(backend, operation, zone, status).Inc()
}

func (m *Metrics) IncRetry(action, kind string) {
	if !isValidOperation(action) || kind == "" {
		return
	}
	m.dnsRetries.WithLabelValues(action, kind).Inc()
}

func (m *Metrics) SetDesiredRecords(zone string, count int) {
	m.desiredRecords.WithLabelValues(zone).Set(float64(count))
}

func (m *Metrics) IncJournalRequest(operation string, success bool) {
	if !isValidOperation(operation) {
		return
	}
	status := boolToResult(success)
	m.journalRequests.WithLabelValues(operation, status).Inc()
}

// Validation helpers
func boolToResult(b bool) string {
	if b {
		return "success"
	}
	return "failure"
}

func isValidOperation(op string) bool {
	switch op {
	case "create", "read", "list", "update", "delete":
		return true
	}
	return false
}

func isValidAction(action string) bool {
	switch action {
	case "create", "update", "delete":
		return true
	}
	return false
}

func New(register bool) *Metrics {
	registry := prometheus.NewRegistry()
	namespace := "cloud_dns_sync"

	m := &Metrics{
		registry: registry,

		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Total number of synchronization runs",
		}, []string{"status"}),

		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of synchronization runs in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		dnsActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_actions_total",
			Help:      "Total reconcile actions by outcome",
		}, []string{"action", "zone", "type", "status"}),

		dnsRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_requests_total",
			Help:      "Total DNS provider requests",
		}, []string{"backend", "operation", "zone", "status"}),

		dnsRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_retries_total",
			Help:      "Total retried DNS provider calls",
		}, []string{"action", "kind"}),

		desiredRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "desired_records",
			Help:      "Records declared in the desired state per zone",
		}, []string{"zone"}),

		journalRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_requests_total",
			Help:      "Total run journal requests",
		}, []string{"operation", "status"}),
	}

	if register {
		registry.MustRegister(
			m.syncRuns,
			m.syncDuration,
			m.dnsActions,
			m.dnsRequests,
			m.dnsRetries,
			m.desiredRecords,
			m.journalRequests,
		)
	}
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
