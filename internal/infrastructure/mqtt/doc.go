// Package mqtt provides MQTT client connectivity for IoTFlow Core.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for crash detection
//   - Connection health monitoring
//
// # Architecture
//
// IoTFlow accepts telemetry over MQTT as a peer of the HTTP ingestion
// path. Field devices publish into the device topic tree; the ingress
// consumes it through a single persistent session and pushes decoded
// messages into the telemetry pipeline.
//
//	Field Devices → MQTT Broker → IoTFlow Ingress → Telemetry Pipeline
//
// The session uses clean_session=false so the broker queues QoS 1
// messages across ingress restarts, and the same stable client id must
// be used on every connection for the session to resume.
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Broker credentials are separate from device api_keys: devices
//     authenticate to IoTFlow via the api_key inside each JSON envelope
//   - Anonymous broker access is only for local development
//
// # Performance Characteristics
//
//   - Connection: <1 second to local broker
//   - Publish latency: <10ms for QoS 1 to local broker
//   - Reconnect: Exponential backoff from initial_delay to max_delay
//   - Message throughput: Broker-limited (typically 10K+ msg/sec)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to all device telemetry
//	err = client.Subscribe(mqtt.Topics{}.AllTelemetry(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish a command to a device
//	topic := mqtt.Topics{}.DeviceCommands(42)
//	client.Publish(topic, []byte(`{"command":"reboot","command_id":"..."}`), 1, false)
package mqtt
