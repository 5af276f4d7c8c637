// Package ingest is the MQTT ingress for device traffic.
//
// It owns three wildcard subscriptions over the device topic tree:
//
//	iotflow/devices/+/telemetry/#   sensors, events, metrics
//	iotflow/devices/+/status/#      heartbeat, online, offline
//	iotflow/devices/+/commands/#    loopback verification only
//
// Broker callbacks never run business logic. Every inbound message is
// copied into a bounded queue and a single dispatch worker drains it:
// decode, rate limit, authenticate, then hand telemetry to the
// pipeline and status to the liveness tracker. Queue order is dispatch
// order, so a device's messages are processed as they arrived.
//
// # Backpressure
//
// The queue bound is the only buffer between the broker and the
// stores. When it fills, the oldest non-telemetry message is evicted
// first; a queue full of nothing but telemetry refuses the newest
// message by withholding its QoS 1 acknowledgment, which parks it on
// the broker for re-delivery. A slow store therefore surfaces as
// broker-side queueing, not as silent loss.
//
// # Security
//
// Messages carry credentials in the api_key field of their JSON
// payload and pass the same checks as the HTTP ingress: rate limit
// first, then key authentication, then a cross-check that the key's
// device owns the topic it published on. MQTT has no response
// channel, so rejected messages are logged and counted rather than
// answered.
//
// The service also publishes outbound commands; see SendCommand.
package ingest
