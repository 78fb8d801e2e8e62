package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the broker's Prometheus collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	SessionsActive    prometheus.Gauge
	Spawns            *prometheus.CounterVec
	Terminations      *prometheus.CounterVec
	FramesEmitted     prometheus.Counter
	ViewersAttached   prometheus.Gauge
	ViewerDrops       prometheus.Counter
	InputDuplicates   prometheus.Counter
	HealthCheckKills  prometheus.Counter
	Recoveries        *prometheus.CounterVec
	LaunchersOnline   prometheus.Gauge
	LauncherFallbacks prometheus.Counter
	ReportsDropped    prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	m := &Metrics{
		Registry: reg,
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agtbroker_http_requests_total",
			Help: "Control API requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agtbroker_http_request_duration_seconds",
			Help:    "Control API latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "agtbroker_sessions_active",
			Help: "Sessions with a live process handle.",
		}),
		Spawns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agtbroker_spawns_total",
			Help: "Spawn attempts by placement and result.",
		}, []string{"placement", "result"}),
		Terminations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agtbroker_sessions_terminated_total",
			Help: "Sessions reaching a terminal status.",
		}, []string{"status"}),
		FramesEmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "agtbroker_frames_emitted_total",
			Help: "Sequenced frames emitted.",
		}),
		ViewersAttached: f.NewGauge(prometheus.GaugeOpts{
			Name: "agtbroker_viewers_attached",
			Help: "Open viewer stream connections.",
		}),
		ViewerDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "agtbroker_viewer_drops_total",
			Help: "Viewers detached after a failed send.",
		}),
		InputDuplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "agtbroker_input_duplicates_total",
			Help: "Sequenced inputs acknowledged without re-applying.",
		}),
		HealthCheckKills: f.NewCounter(prometheus.CounterOpts{
			Name: "agtbroker_health_check_kills_total",
			Help: "Sessions killed by the startup health check.",
		}),
		Recoveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agtbroker_recoveries_total",
			Help: "Recovery attempts by result.",
		}, []string{"result"}),
		LaunchersOnline: f.NewGauge(prometheus.GaugeOpts{
			Name: "agtbroker_launchers_online",
			Help: "Registered launchers.",
		}),
		LauncherFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "agtbroker_launcher_fallbacks_total",
			Help: "Remote placements that fell back to local execution.",
		}),
		ReportsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "agtbroker_launcher_reports_dropped_total",
			Help: "Launcher reports discarded because the outbound queue was full.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency per route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.RequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
