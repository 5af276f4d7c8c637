// Package redis provides Redis connectivity for IoTFlow Core.
//
// Redis backs the operational caches: device liveness status, rate limit
// counters, and the authentication cache. The wrapper embeds the go-redis
// client so callers use its command surface directly, while connection
// lifecycle and health checks follow the same shape as the other
// infrastructure clients.
//
// Availability:
//
// Redis is a non-essential dependency. Callers that consult it (rate
// limiting, liveness reads) degrade gracefully when it is unreachable;
// the policies live with those callers, not here.
//
// Usage:
//
//	client, err := redis.Connect(cfg.Redis)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.Set(ctx, "device:status:42", "online", 120*time.Second)
package redis
