// Package liveness tracks device presence and serves the other
// cache-shaped concerns that ride on Redis: credential resolutions and
// rate limit counters.
//
// # Keyspace
//
//	device:status:{id}    "online", expires after the heartbeat TTL
//	device:lastseen:{id}  RFC3339 contact time, kept ~24h
//	auth:key:{prefix8}    JSON {key_hash, device}, expires in seconds
//	ratelimit:{scope}:{k} fixed-window counter, expires with the window
//
// Presence is pure TTL mechanics: device contact rewrites the status
// key, silence lets it lapse, and "is it online" is a key existence
// check. Nothing sweeps, nothing compares timestamps on the read path.
//
// # Degradation
//
// Redis here is an accelerator over the SQLite store, never a system of
// record. Every reader has a downgrade path: liveness answers fall back
// to the store's last_seen column, credential lookups fall through to
// the store, and the rate limiter fails open. An unreachable cache
// makes the system slower and blunter, not broken.
package liveness
