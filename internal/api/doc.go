// Package api implements the HTTP REST API and WebSocket server for IoTFlow Core.
//
// This package provides:
//   - Device-facing endpoints for registration, heartbeat, config, and telemetry
//   - Admin endpoints for device CRUD, key rotation, and cache maintenance
//   - WebSocket streams carrying a device's telemetry as it is ingested
//   - Middleware stack (security headers, request ID, logging, recovery, CORS,
//     body cap, timeout, sanitization, rate limiting, auth)
//
// # Architecture
//
// The API server sits between field devices and the storage layer: device
// records in SQLite, telemetry points in InfluxDB, presence and rate-limit
// state in Redis. Handlers hold interfaces over those concerns, so tests
// run against in-memory stubs. Telemetry accepted by the pipeline fans out
// through the hub to WebSocket subscribers.
//
// # Security
//
// Devices authenticate with per-device API keys checked against a scope per
// route; administrators present the configured secret or a JWT minted from
// it. Rate limiting runs before authentication so credential probing spends
// limiter budget rather than store lookups. Request bodies pass through a
// conservative sanitizer before any handler sees them.
//
// # Graceful Degradation
//
// The server operates without Redis or MQTT: presence falls back to the
// store's last_seen column and ingest reporting is simply absent. Only the
// device store is load-bearing for health.
package api
