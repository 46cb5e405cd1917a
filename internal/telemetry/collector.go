// Package telemetry exports service status as Prometheus metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/alucardeht/toolbridge/internal/monitor"
	"github.com/alucardeht/toolbridge/internal/service"
	"github.com/alucardeht/toolbridge/internal/transport"
)

const namespace = "toolbridge"

// StatusSource is satisfied by *service.Service.
type StatusSource interface {
	Status() service.Status
}

var healthStatuses = []monitor.Status{
	monitor.StatusUnknown,
	monitor.StatusHealthy,
	monitor.StatusSlow,
	monitor.StatusUnstable,
	monitor.StatusDegraded,
}

// Collector reads a status snapshot on every scrape, so nothing in the call
// path touches Prometheus types.
type Collector struct {
	source StatusSource

	up               *prometheus.Desc
	calls            *prometheus.Desc
	avgResponse      *prometheus.Desc
	errorRate        *prometheus.Desc
	degradationLevel *prometheus.Desc
	health           *prometheus.Desc
	activeCalls      *prometheus.Desc
	callLimit        *prometheus.Desc
	pending          *prometheus.Desc
	timeouts         *prometheus.Desc
	spawns           *prometheus.Desc
	malformed        *prometheus.Desc
	breakerOpen      *prometheus.Desc
	cacheLookups     *prometheus.Desc
	cacheEntries     *prometheus.Desc
}

func NewCollector(source StatusSource) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}

	return &Collector{
		source:           source,
		up:               desc("up", "Whether the tool host process is connected."),
		calls:            desc("calls_total", "Completed tool calls by result.", "result"),
		avgResponse:      desc("call_duration_avg_seconds", "Running mean of tool call duration."),
		errorRate:        desc("call_error_rate", "Failed calls divided by total calls."),
		degradationLevel: desc("degradation_level", "Current degradation level, 0 (full) to 3 (offline)."),
		health:           desc("health_status", "Health classification from the last probe.", "status"),
		activeCalls:      desc("active_calls", "Tool calls currently holding a concurrency slot."),
		callLimit:        desc("concurrency_limit", "Current concurrency limit."),
		pending:          desc("pending_requests", "Requests awaiting a response."),
		timeouts:         desc("request_timeouts_total", "Requests that timed out."),
		spawns:           desc("process_spawns_total", "Tool host processes started."),
		malformed:        desc("malformed_lines_total", "Output lines dropped as malformed."),
		breakerOpen:      desc("reconnect_breaker_open", "Whether the reconnect breaker refuses restarts."),
		cacheLookups:     desc("cache_lookups_total", "Fallback cache lookups by outcome.", "outcome"),
		cacheEntries:     desc("cache_entries", "Entries held in the in-memory fallback cache."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.up, c.calls, c.avgResponse, c.errorRate, c.degradationLevel, c.health,
		c.activeCalls, c.callLimit, c.pending, c.timeouts, c.spawns, c.malformed,
		c.breakerOpen, c.cacheLookups, c.cacheEntries,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.source.Status()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	gauge(c.up, boolValue(st.Connected))
	counter(c.calls, float64(st.Performance.SuccessfulCalls), "success")
	counter(c.calls, float64(st.Performance.FailedCalls), "failure")
	gauge(c.avgResponse, st.Performance.AverageResponseTime.Seconds())
	gauge(c.errorRate, st.Performance.ErrorRate)
	gauge(c.degradationLevel, float64(st.Degradation.Level))

	for _, s := range healthStatuses {
		gauge(c.health, boolValue(st.Health.Status == s), string(s))
	}

	gauge(c.activeCalls, float64(st.Concurrency.Active))
	gauge(c.callLimit, float64(st.Concurrency.Limit))
	gauge(c.pending, float64(st.Client.Pending))
	counter(c.timeouts, float64(st.Client.TimeoutCount))
	counter(c.spawns, float64(st.Client.Process.Spawns))
	counter(c.malformed, float64(st.Client.Process.Malformed))
	gauge(c.breakerOpen, boolValue(st.Client.Breaker.State == transport.BreakerOpen))
	counter(c.cacheLookups, float64(st.Cache.Hits), "hit")
	counter(c.cacheLookups, float64(st.Cache.Misses), "miss")
	gauge(c.cacheEntries, float64(st.Cache.Entries))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
