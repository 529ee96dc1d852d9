// monitor/monitor.go
package monitor

import (
	"expvar"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	ActiveGames          prometheus.Gauge
	QueueDepth           prometheus.Gauge
	NotificationsSent    prometheus.Counter
	NotificationsDropped prometheus.Counter
	Failovers            prometheus.Counter
	Distributions        prometheus.Counter
	DistributionFailures prometheus.Counter
	Refunds              prometheus.Counter
	SendLatency          prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		ActiveGames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_games",
			Help:      "Number of active games",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notification_queue_depth",
			Help:      "Pending notifications in the delivery queue",
		}),
		NotificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_sent_total",
			Help:      "Total notifications delivered",
		}),
		NotificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Total notifications dropped or evicted",
		}),
		Failovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Total instance failovers",
		}),
		Distributions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "distributions_total",
			Help:      "Total prize distributions performed",
		}),
		DistributionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "distribution_failures_total",
			Help:      "Total failed prize transfers",
		}),
		Refunds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_total",
			Help:      "Total refunds processed",
		}),
		SendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_latency_seconds",
			Help:      "Transport send latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
	}

	prometheus.MustRegister(
		m.ActiveGames,
		m.QueueDepth,
		m.NotificationsSent,
		m.NotificationsDropped,
		m.Failovers,
		m.Distributions,
		m.DistributionFailures,
		m.Refunds,
		m.SendLatency,
	)

	return m
}

type Monitor struct {
	metrics   *Metrics
	startTime time.Time
	mutex     sync.Mutex
}

func NewMonitor(namespace string) *Monitor {
	return &Monitor{
		metrics:   NewMetrics(namespace),
		startTime: time.Now(),
	}
}

func (m *Monitor) StartServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	expvar.Publish("uptime", expvar.Func(func() interface{} {
		return time.Since(m.startTime).Seconds()
	}))
	mux.Handle("/debug/vars", expvar.Handler())

	go http.ListenAndServe(addr, mux)
}

func (m *Monitor) SetActiveGames(count int) {
	m.metrics.ActiveGames.Set(float64(count))
}

func (m *Monitor) SetQueueDepth(depth int) {
	m.metrics.QueueDepth.Set(float64(depth))
}

func (m *Monitor) IncNotificationsSent() {
	m.metrics.NotificationsSent.Inc()
}

func (m *Monitor) IncNotificationsDropped() {
	m.metrics.NotificationsDropped.Inc()
}

func (m *Monitor) IncFailovers() {
	m.metrics.Failovers.Inc()
}

func (m *Monitor) IncDistributions() {
	m.metrics.Distributions.Inc()
}

func (m *Monitor) IncDistributionFailures() {
	m.metrics.DistributionFailures.Inc()
}

func (m *Monitor) IncRefunds() {
	m.metrics.Refunds.Inc()
}

func (m *Monitor) ObserveSendLatency(duration time.Duration) {
	m.metrics.SendLatency.Observe(duration.Seconds())
}
