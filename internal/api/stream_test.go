package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iotflow/iotflow-core/internal/device"
)

// newHubClient builds a client attached to the hub without a network
// connection, for exercising subscription logic directly.
func newHubClient(hub *Hub, deviceID int64) *WSClient {
	c := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
		deviceID:      deviceID,
		channel:       telemetryChannel(deviceID),
	}
	c.subscriptions[c.channel] = struct{}{}
	return c
}

// ─── Hub Tests ─────────────────────────────────────────────────────

func TestTelemetryChannel(t *testing.T) {
	if got := telemetryChannel(42); got != "telemetry.42" {
		t.Errorf("telemetryChannel(42) = %q, want telemetry.42", got)
	}
}

func TestHub_BroadcastRouting(t *testing.T) {
	hub := NewHub(testLogger())

	mine := newHubClient(hub, 1)
	theirs := newHubClient(hub, 2)
	hub.Register(mine)
	hub.Register(theirs)

	hub.Broadcast(telemetryChannel(1), map[string]any{"temperature": 21.5})

	select {
	case data := <-mine.send:
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type != WSTypeEvent {
			t.Errorf("type = %q, want %s", msg.Type, WSTypeEvent)
		}
		if msg.EventType != "telemetry.1" {
			t.Errorf("event_type = %q, want telemetry.1", msg.EventType)
		}
	default:
		t.Fatal("subscribed client received nothing")
	}

	select {
	case <-theirs.send:
		t.Error("client for another device received the broadcast")
	default:
	}
}

func TestHub_UnregisterIdempotent(t *testing.T) {
	hub := NewHub(testLogger())
	client := newHubClient(hub, 1)

	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Fatalf("count = %d, want 1", hub.ClientCount())
	}

	hub.Unregister(client)
	hub.Unregister(client) // second call must not panic on a closed channel

	if hub.ClientCount() != 0 {
		t.Errorf("count = %d, want 0", hub.ClientCount())
	}
	if _, open := <-client.send; open {
		t.Error("send channel should be closed after unregister")
	}
}

func TestHub_RunClosesClientsOnCancel(t *testing.T) {
	hub := NewHub(testLogger())
	client := newHubClient(hub, 1)
	hub.Register(client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if hub.ClientCount() != 0 {
		t.Errorf("count = %d, want 0 after shutdown", hub.ClientCount())
	}
	if _, open := <-client.send; open {
		t.Error("send channel should be closed after shutdown")
	}
}

// A client that stops draining its buffer loses messages instead of
// stalling the broadcast.
func TestHub_SlowClientSkipped(t *testing.T) {
	hub := NewHub(testLogger())
	client := newHubClient(hub, 1)
	client.send = make(chan []byte, 1)
	client.send <- []byte("stuck")
	hub.Register(client)

	// Must return rather than block on the full buffer.
	hub.Broadcast(telemetryChannel(1), map[string]any{"n": 1})

	if got := string(<-client.send); got != "stuck" {
		t.Errorf("buffered message = %q, want the original untouched", got)
	}
	select {
	case extra := <-client.send:
		t.Errorf("unexpected extra message %q", extra)
	default:
	}
}

// ─── Subscription Tests ────────────────────────────────────────────

func TestClient_RefusesForeignChannel(t *testing.T) {
	hub := NewHub(testLogger())
	client := newHubClient(hub, 1)
	hub.Register(client)

	raw, _ := json.Marshal(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: []string{telemetryChannel(2)}},
	})
	client.handleMessage(raw)

	var msg WSMessage
	if err := json.Unmarshal(<-client.send, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != WSTypeError {
		t.Errorf("type = %q, want %s", msg.Type, WSTypeError)
	}
	if msg.ID != "sub-1" {
		t.Errorf("id = %q, want sub-1", msg.ID)
	}
	if client.isSubscribed(telemetryChannel(2)) {
		t.Error("foreign channel must not be granted")
	}
}

func TestClient_UnsubscribeResubscribe(t *testing.T) {
	hub := NewHub(testLogger())
	client := newHubClient(hub, 1)
	hub.Register(client)

	if !client.isSubscribed(client.channel) {
		t.Fatal("new clients should start subscribed")
	}

	raw, _ := json.Marshal(WSMessage{
		Type:    WSTypeUnsubscribe,
		ID:      "unsub-1",
		Payload: WSSubscribePayload{Channels: []string{client.channel}},
	})
	client.handleMessage(raw)
	<-client.send // unsubscribe response

	if client.isSubscribed(client.channel) {
		t.Error("channel still subscribed after unsubscribe")
	}

	raw, _ = json.Marshal(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: []string{client.channel}},
	})
	client.handleMessage(raw)

	var msg WSMessage
	if err := json.Unmarshal(<-client.send, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != WSTypeResponse {
		t.Errorf("type = %q, want %s", msg.Type, WSTypeResponse)
	}
	if !client.isSubscribed(client.channel) {
		t.Error("channel not subscribed after resubscribe")
	}
}

// ─── Pre-Upgrade Auth Tests ────────────────────────────────────────

// The stream handler authenticates before upgrading, so refusals are
// ordinary HTTP responses.
func TestStream_AuthBeforeUpgrade(t *testing.T) {
	srv, deps := testServer(t)
	router := srv.buildRouter()

	seedDevice(t, deps, "streamer", "stream-key", device.StatusActive)
	seedDevice(t, deps, "serviced", "idle-key", device.StatusMaintenance)

	tests := []struct {
		name     string
		target   string
		key      string
		wantCode int
	}{
		{"missing key", "/api/v1/telemetry/1/stream", "", http.StatusUnauthorized},
		{"invalid key", "/api/v1/telemetry/1/stream", "no-such-key", http.StatusForbidden},
		{"scope denied in maintenance", "/api/v1/telemetry/2/stream", "idle-key", http.StatusForbidden},
		{"foreign device", "/api/v1/telemetry/2/stream", "stream-key", http.StatusForbidden},
		{"bad id", "/api/v1/telemetry/abc/stream", "stream-key", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.key != "" {
				r.Header.Set(headerAPIKey, tt.key)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, r)

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d; body: %s", w.Code, tt.wantCode, w.Body.String())
			}
		})
	}
}

// ─── End-to-End Stream Tests ───────────────────────────────────────

// streamTestServer starts a real listener and seeds one active device.
func streamTestServer(t *testing.T, port int) (*Server, *testDeps, string) {
	t.Helper()

	srv, deps := testServer(t)
	srv.cfg.Port = port

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(func() { srv.Close() })

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	return srv, deps, fmt.Sprintf("127.0.0.1:%d", port)
}

// dialStream opens the device's stream using the query fallback, the
// way a browser client would.
func dialStream(t *testing.T, addr string, deviceID int64, key string) *websocket.Conn {
	t.Helper()

	wsURL := fmt.Sprintf("ws://%s/api/v1/telemetry/%d/stream?api_key=%s", addr, deviceID, key)
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	return ws
}

func TestStream_EndToEnd(t *testing.T) {
	srv, deps, addr := streamTestServer(t, 19091)

	dev := seedDevice(t, deps, "live-feed", "live-key", device.StatusActive)

	ws := dialStream(t, addr, dev.ID, "live-key")
	defer ws.Close()

	// A ping round-trip proves the client is registered before we
	// broadcast.
	if err := ws.WriteJSON(WSMessage{Type: WSTypePing, ID: "ping-1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp WSMessage
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if resp.Type != WSTypePong || resp.ID != "ping-1" {
		t.Errorf("pong = %+v, want pong/ping-1", resp)
	}

	if srv.hub.ClientCount() != 1 {
		t.Errorf("hub client count = %d, want 1", srv.hub.ClientCount())
	}

	// New connections are already subscribed to their own channel.
	srv.hub.Broadcast(telemetryChannel(dev.ID), map[string]any{"temperature": 19.5})

	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if resp.Type != WSTypeEvent {
		t.Errorf("type = %q, want %s", resp.Type, WSTypeEvent)
	}
	if resp.EventType != telemetryChannel(dev.ID) {
		t.Errorf("event_type = %q, want %s", resp.EventType, telemetryChannel(dev.ID))
	}
}

func TestStream_UnsubscribePausesDelivery(t *testing.T) {
	srv, deps, addr := streamTestServer(t, 19092)

	dev := seedDevice(t, deps, "pausable", "pause-key", device.StatusActive)
	channel := telemetryChannel(dev.ID)

	ws := dialStream(t, addr, dev.ID, "pause-key")
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeUnsubscribe,
		ID:      "unsub-1",
		Payload: WSSubscribePayload{Channels: []string{channel}},
	}); err != nil {
		t.Fatalf("write unsubscribe: %v", err)
	}
	var resp WSMessage
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read unsubscribe response: %v", err)
	}
	if resp.Type != WSTypeResponse {
		t.Fatalf("unsubscribe response type = %q, want %s", resp.Type, WSTypeResponse)
	}

	// This broadcast lands while the client is unsubscribed.
	srv.hub.Broadcast(channel, map[string]any{"seq": 1})

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: []string{channel}},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read subscribe response: %v", err)
	}
	// The paused broadcast must not have queued ahead of the response.
	if resp.Type != WSTypeResponse {
		t.Fatalf("next message type = %q, want %s", resp.Type, WSTypeResponse)
	}

	srv.hub.Broadcast(channel, map[string]any{"seq": 2})
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read resumed broadcast: %v", err)
	}
	if resp.Type != WSTypeEvent {
		t.Errorf("type = %q, want %s", resp.Type, WSTypeEvent)
	}
}

func TestStream_DialRefusals(t *testing.T) {
	_, deps, addr := streamTestServer(t, 19093)

	seedDevice(t, deps, "first", "first-key", device.StatusActive)
	seedDevice(t, deps, "second", "second-key", device.StatusActive)

	tests := []struct {
		name     string
		url      string
		wantCode int
	}{
		{"no key", fmt.Sprintf("ws://%s/api/v1/telemetry/1/stream", addr), http.StatusUnauthorized},
		{"wrong key", fmt.Sprintf("ws://%s/api/v1/telemetry/1/stream?api_key=bogus", addr), http.StatusForbidden},
		{"foreign device", fmt.Sprintf("ws://%s/api/v1/telemetry/2/stream?api_key=first-key", addr), http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(tt.url, nil)
			if err == nil {
				t.Fatal("expected dial to be refused")
			}
			if resp == nil {
				t.Fatal("expected an HTTP response with the refusal")
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantCode {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
		})
	}
}
