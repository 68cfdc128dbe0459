// Package health probes the process dependencies and reports queue depths.
package health

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/claimspipe/backend/internal/metrics"
	"github.com/claimspipe/backend/internal/queue"
)

// Overall and per-component statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Per-dependency soft latency thresholds; slower probes mark the component
// degraded.
const (
	dbSoftLatency      = 5 * time.Second
	queueSoftLatency   = 3 * time.Second
	limiterSoftLatency = 2 * time.Second

	memoryDegradedBytes  = 400 << 20
	memoryUnhealthyBytes = 800 << 20
)

// Pinger is the probe contract every dependency satisfies.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DegradablePinger additionally self-reports degraded operation (the rate
// limiter in fail-open mode).
type DegradablePinger interface {
	Pinger
	Healthy() bool
}

// Component is one probe result.
type Component struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Report is the /health response body.
type Report struct {
	Status     string               `json:"status"`
	Components map[string]Component `json:"components"`
	Timestamp  time.Time            `json:"timestamp"`
}

// Checker probes the database, the queue, and the rate limiter.
type Checker struct {
	db      Pinger
	q       queue.Queue
	limiter DegradablePinger
	logger  *log.Logger
}

func NewChecker(db Pinger, q queue.Queue, limiter DegradablePinger) *Checker {
	return &Checker{
		db:      db,
		q:       q,
		limiter: limiter,
		logger:  log.New(log.Writer(), "[HEALTH] ", log.LstdFlags),
	}
}

// Check probes every component and folds the worst status into the report.
func (c *Checker) Check(ctx context.Context) *Report {
	r := &Report{
		Status:     StatusHealthy,
		Components: make(map[string]Component),
		Timestamp:  time.Now().UTC(),
	}

	r.Components["database"] = probe(ctx, c.db.Ping, dbSoftLatency)
	r.Components["queue"] = probe(ctx, c.q.Ping, queueSoftLatency)

	limiter := probe(ctx, c.limiter.Ping, limiterSoftLatency)
	if limiter.Status == StatusHealthy && !c.limiter.Healthy() {
		limiter.Status = StatusDegraded
		limiter.Error = "fail-open fallback active"
	}
	r.Components["rate_limiter"] = limiter

	r.Components["memory"] = memoryComponent()

	for name, comp := range r.Components {
		switch comp.Status {
		case StatusUnhealthy:
			r.Status = StatusUnhealthy
			c.logger.Printf("component %s unhealthy: %s", name, comp.Error)
		case StatusDegraded:
			if r.Status == StatusHealthy {
				r.Status = StatusDegraded
			}
		}
	}
	return r
}

// Handler serves GET /health. Unhealthy maps to 503, everything else 200.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		report := c.Check(req.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(report)
	}
}

// QueuesHandler serves GET /queues with per-topic depth counts.
func (c *Checker) QueuesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		depths, err := c.q.Depths(req.Context())
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"topics":    depths,
			"timestamp": time.Now().UTC(),
		})
	}
}

// RunDepthExport mirrors queue depths into the Prometheus gauge until ctx
// is cancelled.
func (c *Checker) RunDepthExport(ctx context.Context, m *metrics.Metrics, interval time.Duration) {
	if m == nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		c.exportDepths(ctx, m)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (c *Checker) exportDepths(ctx context.Context, m *metrics.Metrics) {
	depths, err := c.q.Depths(ctx)
	if err != nil {
		c.logger.Printf("depth export: %v", err)
		return
	}
	for topic, d := range depths {
		m.QueueDepth.WithLabelValues(topic, "active").Set(float64(d.Active))
		m.QueueDepth.WithLabelValues(topic, "scheduled").Set(float64(d.Scheduled))
		m.QueueDepth.WithLabelValues(topic, "dead_letter").Set(float64(d.DeadLetter))
	}
}

func probe(ctx context.Context, ping func(context.Context) error, soft time.Duration) Component {
	start := time.Now()
	err := ping(ctx)
	elapsed := time.Since(start)

	comp := Component{LatencyMS: elapsed.Milliseconds()}
	switch {
	case err != nil:
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
	case elapsed > soft:
		comp.Status = StatusDegraded
	default:
		comp.Status = StatusHealthy
	}
	return comp
}

func memoryComponent() Component {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	comp := Component{}
	switch {
	case ms.HeapAlloc > memoryUnhealthyBytes:
		comp.Status = StatusUnhealthy
	case ms.HeapAlloc > memoryDegradedBytes:
		comp.Status = StatusDegraded
	default:
		comp.Status = StatusHealthy
	}
	return comp
}
