package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/iotflow/iotflow-core/internal/ingest"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	WebSocket     WSMetrics       `json:"websocket"`
	Ingest        *ingest.Stats   `json:"mqtt_ingest,omitempty"`
	Devices       DeviceMetrics   `json:"devices"`
	Database      DatabaseMetrics `json:"database"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// DeviceMetrics contains device store statistics.
type DeviceMetrics struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns comprehensive system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	// Collect runtime stats
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: roundMB(memStats.Alloc),
			MemoryTotalMB: roundMB(memStats.TotalAlloc),
			NumGC:         memStats.NumGC,
		},
	}

	if s.hub != nil {
		metrics.WebSocket = WSMetrics{ConnectedClients: s.hub.ClientCount()}
	}

	// MQTT ingress counters (if the ingress is running)
	if s.ingress != nil {
		stats := s.ingress.Stats()
		metrics.Ingest = &stats
	}

	// Device store census
	metrics.Devices = DeviceMetrics{ByStatus: make(map[string]int)}
	if counts, err := s.devices.CountByStatus(r.Context()); err == nil {
		for status, count := range counts {
			metrics.Devices.ByStatus[string(status)] = count
			metrics.Devices.Total += count
		}
	} else {
		s.log.Warn("device census failed during metrics collection", "error", err)
	}

	// Database pool stats (if available)
	if s.pool != nil {
		dbStats := s.pool.Stats()
		metrics.Database = DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
