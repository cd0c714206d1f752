// Package metrics exposes bridge activity as Prometheus metrics.
//
// Component metrics are derived from the lifecycle events on the event bus,
// so the workspace, container, agent and terminal packages stay unaware of
// Prometheus. HTTP metrics come from a gin middleware.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/constellation-dev/bridge/internal/events/bus"
)

const namespace = "bridge"

// Recorder owns the bridge's collectors.
type Recorder struct {
	registry *prometheus.Registry

	eventsTotal       *prometheus.CounterVec
	workspacesCreated prometheus.Counter
	containerOps      *prometheus.CounterVec
	containerCreate   prometheus.Histogram
	agentRuns         *prometheus.CounterVec
	agentDuration     prometheus.Histogram
	agentActive       prometheus.Gauge
	terminalsActive   prometheus.Gauge
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// NewRecorder creates a recorder with its own registry, including the Go
// runtime and process collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		eventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Lifecycle events observed on the event bus, by subject.",
		}, []string{"subject"}),
		workspacesCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workspaces_created_total",
			Help:      "Workspace directories created.",
		}),
		containerOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "container_operations_total",
			Help:      "Container operations by operation and outcome.",
		}, []string{"operation", "status"}),
		containerCreate: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "container_create_duration_seconds",
			Help:      "Time to create and start a container, including image pulls.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		agentRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_runs_total",
			Help:      "Agent runs by outcome.",
		}, []string{"status"}),
		agentDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_run_duration_seconds",
			Help:      "Wall time of agent runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}),
		agentActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_runs_active",
			Help:      "Agent runs in progress.",
		}),
		terminalsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "terminal_sessions_active",
			Help:      "Open terminal sessions.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency. Streaming routes include the full stream.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Subscribe feeds every bridge event into the recorder.
func (r *Recorder) Subscribe(b bus.EventBus) (bus.Subscription, error) {
	return b.Subscribe("bridge.>", func(_ context.Context, e *bus.Event) error {
		r.Observe(e)
		return nil
	})
}

// Observe updates metrics for a single event.
func (r *Recorder) Observe(e *bus.Event) {
	r.eventsTotal.WithLabelValues(e.Type).Inc()

	switch e.Type {
	case bus.SubjectWorkspaceCreated:
		r.workspacesCreated.Inc()

	case bus.SubjectContainerCreated:
		status := stringField(e.Data, "status", "success")
		r.containerOps.WithLabelValues("create", status).Inc()
		if ms, ok := numberField(e.Data, "duration_ms"); ok && status == "success" {
			r.containerCreate.Observe(ms / 1000)
		}

	case bus.SubjectContainerDestroyed:
		status := "absent"
		if destroyed, _ := e.Data["destroyed"].(bool); destroyed {
			status = "destroyed"
		}
		r.containerOps.WithLabelValues("destroy", status).Inc()

	case bus.SubjectContainerExec:
		status := "success"
		if code, ok := numberField(e.Data, "exit_code"); ok && code != 0 {
			status = "nonzero_exit"
		}
		r.containerOps.WithLabelValues("exec", status).Inc()

	case bus.SubjectAgentStarted:
		r.agentActive.Inc()

	case bus.SubjectAgentCompleted:
		r.agentActive.Dec()
		r.agentRuns.WithLabelValues(stringField(e.Data, "status", "unknown")).Inc()
		if ms, ok := numberField(e.Data, "duration_ms"); ok {
			r.agentDuration.Observe(ms / 1000)
		}

	case bus.SubjectTerminalOpened:
		r.terminalsActive.Inc()

	case bus.SubjectTerminalClosed:
		r.terminalsActive.Dec()
	}
}

// Middleware records request counts and latency keyed by the route pattern.
func (r *Recorder) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		r.httpRequests.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		r.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

func stringField(data map[string]any, key, fallback string) string {
	if s, ok := data[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

// numberField reads a numeric field. Events that crossed NATS arrive as
// float64 after JSON decoding; local events carry Go integers.
func numberField(data map[string]any, key string) (float64, bool) {
	switch v := data[key].(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
