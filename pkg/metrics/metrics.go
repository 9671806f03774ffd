// Package metrics holds the Prometheus collectors of the broker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	MessagesIngested    *prometheus.CounterVec
	Recalls             *prometheus.CounterVec
	Broadcasts          *prometheus.CounterVec
	IdentityResolutions *prometheus.CounterVec
	WorkerTasks         *prometheus.CounterVec
	WebhookDuration     *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		MessagesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbroker_messages_ingested_total",
			Help: "Messages handled by the webhook pipeline.",
		}, []string{"direction", "outcome"}),
		Recalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbroker_recalls_total",
			Help: "Recall events processed.",
		}, []string{"applied"}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbroker_broadcasts_total",
			Help: "Calls made to the realtime sink.",
		}, []string{"event", "outcome"}),
		IdentityResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbroker_identity_resolutions_total",
			Help: "Identity resolutions by the strategy that answered.",
		}, []string{"kind", "source"}),
		WorkerTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbroker_worker_tasks_total",
			Help: "Background tasks by final outcome.",
		}, []string{"name", "outcome"}),
		WebhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatbroker_webhook_duration_seconds",
			Help:    "Time spent handling gateway webhooks.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.MessagesIngested,
		m.Recalls,
		m.Broadcasts,
		m.IdentityResolutions,
		m.WorkerTasks,
		m.WebhookDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
