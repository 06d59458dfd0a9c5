package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can build as many as they like.
// All recording methods are safe on a nil receiver.
type Metrics struct {
	registry        *prometheus.Registry
	messagesSent    *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	threadsArchived prometheus.Counter
	archiveFailures prometheus.Counter
	archiveRuns     *prometheus.CounterVec
	mentions        *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadline_messages_sent_total",
			Help: "Messages persisted, by kind (root or reply).",
		}, []string{"kind"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadline_notifications_total",
			Help: "Notification deliveries by event, channel and outcome.",
		}, []string{"event", "channel", "outcome"}),
		threadsArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadline_threads_archived_total",
			Help: "Threads archived by the inactivity sweep.",
		}),
		archiveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadline_archive_failures_total",
			Help: "Threads the inactivity sweep failed to archive.",
		}),
		archiveRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadline_archive_runs_total",
			Help: "Inactivity sweep runs by result.",
		}, []string{"result"}),
		mentions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadline_mentions_total",
			Help: "Mention handling results.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesSent,
		m.notifications,
		m.threadsArchived,
		m.archiveFailures,
		m.archiveRuns,
		m.mentions,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageSent(kind string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) Notification(event, channel, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(event, channel, outcome).Inc()
}

func (m *Metrics) ThreadArchived() {
	if m == nil {
		return
	}
	m.threadsArchived.Inc()
}

func (m *Metrics) ArchiveFailed() {
	if m == nil {
		return
	}
	m.archiveFailures.Inc()
}

func (m *Metrics) ArchiveRun(result string) {
	if m == nil {
		return
	}
	m.archiveRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) Mention(result string) {
	if m == nil {
		return
	}
	m.mentions.WithLabelValues(result).Inc()
}
