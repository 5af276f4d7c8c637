package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/iotflow/iotflow-core/internal/device"
	"github.com/iotflow/iotflow-core/internal/liveness"
)

// ─── Security Header Tests ─────────────────────────────────────────

func TestSecurityHeaders(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	headers := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "no-referrer",
		"Content-Security-Policy": "default-src 'none'",
	}
	for name, want := range headers {
		if got := w.Header().Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
}

// ─── Request ID Tests ──────────────────────────────────────────────

func TestRequestID_Generated(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestRequestID_RegeneratesOversized(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	inbound := strings.Repeat("x", maxRequestIDLength+1)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", inbound)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	got := w.Header().Get("X-Request-ID")
	if got == inbound {
		t.Error("oversized client request id should be replaced")
	}
	if got == "" {
		t.Error("expected a generated request id")
	}
}

// ─── CORS Tests ────────────────────────────────────────────────────

func TestCORS_Preflight(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want %q", got, "http://localhost:3000")
	}
	allowed := w.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(allowed, "X-API-Key") {
		t.Errorf("Access-Control-Allow-Headers = %q, want X-API-Key included", allowed)
	}
}

func TestCORS_OriginNotAllowed(t *testing.T) {
	srv, _ := testServer(t)
	srv.cfg.CORS.AllowedOrigins = []string{"https://console.example.com"}
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("ACAO = %q, want empty for disallowed origin", got)
	}
}

// ─── Rate Limit Tests ──────────────────────────────────────────────

func TestRateLimit_Denied(t *testing.T) {
	srv, deps := testServer(t)
	router := srv.buildRouter()

	reset := time.Now().Add(42 * time.Second)
	deps.limits.decision = liveness.Decision{Allowed: false, Limit: 100, Remaining: 0, ResetAt: reset}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/register",
		strings.NewReader(`{"name":"probe","device_type":"sensor"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusTooManyRequests, w.Body.String())
	}
	if got := w.Header().Get("X-RateLimit-Limit"); got != "100" {
		t.Errorf("X-RateLimit-Limit = %q, want 100", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
	if w.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("expected X-RateLimit-Reset header")
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != KindRateLimited {
		t.Errorf("error = %v, want %s", body["error"], KindRateLimited)
	}
}

// A denied limiter answers 429 even when the credential is garbage:
// the limiter runs first, so probing keys cannot spend auth lookups.
func TestRateLimit_RunsBeforeAuth(t *testing.T) {
	srv, deps := testServer(t)
	router := srv.buildRouter()

	deps.limits.decision = liveness.Decision{Allowed: false, Limit: 10, ResetAt: time.Now().Add(time.Minute)}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/telemetry",
		strings.NewReader(`{"data":{"temp":21}}`))
	req.Header.Set("X-API-Key", "no-such-key")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
}

func TestRateLimit_HeadersOnSuccess(t *testing.T) {
	srv, deps := testServer(t)
	router := srv.buildRouter()

	deps.limits.decision = liveness.Decision{Allowed: true, Limit: 100, Remaining: 99, ResetAt: time.Now().Add(time.Minute)}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/register",
		strings.NewReader(`{"name":"fresh","device_type":"sensor"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "99" {
		t.Errorf("X-RateLimit-Remaining = %q, want 99", got)
	}
}

func TestRateLimit_ScopePerRoute(t *testing.T) {
	srv, deps := testServer(t)
	router := srv.buildRouter()

	dev := seedDevice(t, deps, "scoped", "scoped-key", device.StatusActive)
	_ = dev

	requests := []struct {
		method string
		path   string
		body   string
		scope  string
	}{
		{http.MethodPost, "/api/v1/devices/register", `{"name":"a","device_type":"sensor"}`, liveness.LimitRegistration},
		{http.MethodPost, "/api/v1/devices/heartbeat", "", liveness.LimitHeartbeat},
		{http.MethodPost, "/api/v1/devices/telemetry", `{"data":{"t":1}}`, liveness.LimitTelemetry},
		{http.MethodGet, "/api/v1/devices/status", "", liveness.LimitDefault},
	}

	for _, tc := range requests {
		var rd *strings.Reader
		if tc.body != "" {
			rd = strings.NewReader(tc.body)
		} else {
			rd = strings.NewReader("")
		}
		req := httptest.NewRequest(tc.method, tc.path, rd)
		req.Header.Set("X-API-Key", "scoped-key")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}

	seen := deps.limits.seenScopes()
	want := []string{
		liveness.LimitRegistration,
		liveness.LimitHeartbeat,
		liveness.LimitTelemetry,
		liveness.LimitDefault,
	}
	if len(seen) != len(want) {
		t.Fatalf("limiter consulted %d times, want %d: %v", len(seen), len(want), seen)
	}
	for i, scope := range want {
		if seen[i] != scope {
			t.Errorf("call %d scope = %q, want %q", i, seen[i], scope)
		}
	}
}

// ─── Device Auth Tests ─────────────────────────────────────────────

func TestDeviceAuth_MissingKey(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != KindAuthRequired {
		t.Errorf("error = %v, want %s", body["error"], KindAuthRequired)
	}
	if body["request_id"] == "" {
		t.Error("expected request_id in error envelope")
	}
}

func TestDeviceAuth_InvalidKey(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/status", nil)
	req.Header.Set("X-API-Key", "bogus")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != KindAuthFailed {
		t.Errorf("error = %v, want %s", body["error"], KindAuthFailed)
	}
}

// Maintenance grants heartbeats and reads but not telemetry, so the
// same key passes one route and fails the other.
func TestDeviceAuth_ScopeDenied(t *testing.T) {
	srv, deps := testServer(t)
	router := srv.buildRouter()

	seedDevice(t, deps, "under-repair", "maint-key", device.StatusMaintenance)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/telemetry",
		strings.NewReader(`{"data":{"temp":21}}`))
	req.Header.Set("X-API-Key", "maint-key")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("telemetry status = %d, want %d", w.Code, http.StatusForbidden)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/devices/heartbeat", nil)
	req.Header.Set("X-API-Key", "maint-key")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("heartbeat status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}
}

func TestDeviceAuth_InactiveDevice(t *testing.T) {
	srv, deps := testServer(t)
	router := srv.buildRouter()

	seedDevice(t, deps, "parked", "parked-key", device.StatusInactive)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/status", nil)
	req.Header.Set("X-API-Key", "parked-key")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

// ─── Admin Auth Tests ──────────────────────────────────────────────

func TestAdminAuth_MissingHeader(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/devices", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAdminAuth_WrongSecret(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/devices", nil)
	req.Header.Set("Authorization", "admin wrong-secret")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestAdminAuth_SecretAccepted(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/devices", nil)
	req.Header.Set("Authorization", "admin "+testAdminSecret)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}
}

func TestAdminAuth_BearerToken(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	// Mint a token with the secret
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/token", nil)
	req.Header.Set("Authorization", "admin "+testAdminSecret)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("mint status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var minted struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &minted); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if minted.Token == "" {
		t.Fatal("expected a non-empty token")
	}

	// Use it on an admin route
	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/devices", nil)
	req.Header.Set("Authorization", "Bearer "+minted.Token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("bearer status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}
}

func TestAdminAuth_UnsupportedScheme(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/devices", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

// ─── Body Cap Tests ────────────────────────────────────────────────

func TestBodyCap_OversizedBody(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	oversized := `{"name":"` + strings.Repeat("a", maxRequestBodySize+1) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/register", strings.NewReader(oversized))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if !strings.Contains(w.Body.String(), "1 MiB") {
		t.Errorf("expected body-size message, got: %s", w.Body.String())
	}
}

// ─── Routing Tests ─────────────────────────────────────────────────

func TestNotFound(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── Helper Tests ──────────────────────────────────────────────────

func TestSplitAuthorization(t *testing.T) {
	tests := []struct {
		header     string
		scheme     string
		credential string
	}{
		{"admin s3cret", "admin", "s3cret"},
		{"Admin s3cret", "admin", "s3cret"},
		{"Bearer abc.def.ghi", "bearer", "abc.def.ghi"},
		{"BEARER token", "bearer", "token"},
		{"", "", ""},
		{"lonely", "lonely", ""},
	}

	for _, tt := range tests {
		scheme, credential := splitAuthorization(tt.header)
		if scheme != tt.scheme || credential != tt.credential {
			t.Errorf("splitAuthorization(%q) = (%q, %q), want (%q, %q)",
				tt.header, scheme, credential, tt.scheme, tt.credential)
		}
	}
}

func TestLimitSubject_PrefersKey(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/status", nil)
	req.Header.Set("X-API-Key", "abcdefghijklmnop")
	keyed := srv.limitSubject(req)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/devices/status", nil)
	anon := srv.limitSubject(req)

	if keyed == anon {
		t.Errorf("keyed and anonymous subjects should differ: %q", keyed)
	}
	if !strings.HasPrefix(anon, "ip:") {
		t.Errorf("anonymous subject = %q, want ip: prefix", anon)
	}
	if strings.Contains(keyed, "abcdefghijklmnop") {
		t.Errorf("subject %q must not carry the whole credential", keyed)
	}
}
