// Package influxdb provides the time-series store adapter for IoTFlow Core.
//
// It wraps the official influxdb-client-go v2 library with the
// connection management, type discipline and query surface the
// telemetry pipeline needs.
//
// # Data Layout
//
// Every device owns one measurement named device_{id}; each telemetry
// measurement the device reports becomes a field on it. The logical
// series path is therefore
//
//	root.iotflow.devices.device_{id}.{measurement}
//
// which keeps per-device deletes cheap (one measurement predicate) and
// keeps unrelated devices out of each other's schema.
//
// # Type Discipline
//
// The value type of a series is pinned by the first value written to
// it. Integers canonicalise to floats at pin time, so a series that
// starts with 21 accepts 21.5 later. Writes that conflict with the
// pinned type are rejected as permanent failures before they reach the
// store; the pipeline reports them back to the device instead of
// retrying. Pins are hydrated lazily from stored data after a restart.
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    URL:    "http://localhost:8086",
//	    Token:  "your-token",
//	    Org:    "iotflow",
//	    Bucket: "telemetry",
//	}
//
//	client, err := influxdb.Connect(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	rejected, err := client.WritePoints(ctx, points)
//
// # Error Handling
//
// Writes use the blocking write API so the pipeline observes the
// outcome of every batch. Use IsTransient to separate retriable
// failures (connection loss, timeouts, server pressure) from permanent
// ones (schema conflicts, malformed requests); WritePoints additionally
// returns per-point rejections for values that failed the type check.
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
package influxdb
