package api

import (
	"context"
	"math"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/iotflow/iotflow-core/internal/device"
)

// healthProbeTimeout bounds each backing-service probe. A hung backend
// must not hold the health endpoint past the load balancer's patience.
const healthProbeTimeout = 2 * time.Second

// healthCheck is one backing service's probe result.
type healthCheck struct {
	Healthy        bool    `json:"healthy"`
	ResponseTimeMS float64 `json:"response_time_ms"`
	Note           string  `json:"note,omitempty"`
}

// healthReport is the composite health answer.
type healthReport struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Version   string                 `json:"version"`
	Checks    map[string]healthCheck `json:"checks"`
	Details   *healthDetails         `json:"details,omitempty"`
}

// healthDetails is the deep-mode supplement.
type healthDetails struct {
	TotalDevices      int                        `json:"total_devices"`
	DevicesByStatus   map[device.AdminStatus]int `json:"devices_by_status"`
	TelemetryPoints1h int64                      `json:"telemetry_points_1h"`
	Goroutines        int                        `json:"goroutines"`
	MemoryAllocMB     float64                    `json:"memory_alloc_mb"`
}

// handleHealth reports composite service health.
//
// The four backing services are probed concurrently, each under its own
// timeout. Overall status is "down" only when the device store probe
// fails: credentials live there, so without it nothing can
// authenticate. Any other failing check degrades but does not down the
// service; telemetry buffers on the broker and liveness falls back to
// the store.
//
// Down answers 503 so load balancers and orchestration act on it;
// degraded stays 200 because the service is still doing useful work.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	targets := []struct {
		name   string
		target HealthChecker
	}{
		{"store", s.health.Store},
		{"ts", s.health.TimeSeries},
		{"cache", s.health.Cache},
		{"mqtt", s.health.Broker},
	}

	results := make([]healthCheck, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, target HealthChecker) {
			defer wg.Done()
			results[i] = probe(ctx, target)
		}(i, t.target)
	}
	wg.Wait()

	checks := make(map[string]healthCheck, len(targets))
	for i, t := range targets {
		checks[t.name] = results[i]
	}

	// MQTT switched off in config is absence, not failure.
	if !s.mqttCfg.Enabled {
		checks["mqtt"] = healthCheck{Healthy: true, Note: "disabled"}
	}

	status := "healthy"
	for _, c := range checks {
		if !c.Healthy {
			status = "degraded"
			break
		}
	}
	if !checks["store"].Healthy {
		status = "down"
	}

	report := healthReport{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   s.version,
		Checks:    checks,
	}

	if r.URL.Query().Get("detailed") == "true" {
		report.Details = s.collectHealthDetails(ctx)
	}

	code := http.StatusOK
	if status == "down" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

// probe runs one health check under its own deadline and times it.
func probe(ctx context.Context, target HealthChecker) healthCheck {
	if target == nil {
		return healthCheck{Note: "not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	start := time.Now()
	err := target.HealthCheck(ctx)
	ms := roundMS(time.Since(start))
	if err != nil {
		return healthCheck{ResponseTimeMS: ms, Note: err.Error()}
	}
	return healthCheck{Healthy: true, ResponseTimeMS: ms}
}

// collectHealthDetails gathers the deep-mode gauges. Collection is
// best-effort; a failing counter logs and reads zero rather than
// failing the health answer it decorates.
func (s *Server) collectHealthDetails(ctx context.Context) *healthDetails {
	details := &healthDetails{
		DevicesByStatus: make(map[device.AdminStatus]int),
		Goroutines:      runtime.NumGoroutine(),
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	details.MemoryAllocMB = roundMB(mem.Alloc)

	if counts, err := s.devices.CountByStatus(ctx); err == nil {
		details.DevicesByStatus = counts
		for _, n := range counts {
			details.TotalDevices += n
		}
	} else {
		s.log.Warn("device census failed during health check", "error", err)
	}

	if n, err := s.tsdb.CountSince(ctx, time.Now().Add(-time.Hour)); err == nil {
		details.TelemetryPoints1h = n
	} else {
		s.log.Warn("telemetry count failed during health check", "error", err)
	}

	return details
}

// roundMS renders a duration as milliseconds with two decimals.
func roundMS(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}

// roundMB renders bytes as megabytes with two decimals.
func roundMB(b uint64) float64 {
	return math.Round(float64(b)/1024/1024*100) / 100
}
