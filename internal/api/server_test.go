package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iotflow/iotflow-core/internal/auth"
	"github.com/iotflow/iotflow-core/internal/device"
	"github.com/iotflow/iotflow-core/internal/infrastructure/config"
	"github.com/iotflow/iotflow-core/internal/infrastructure/influxdb"
	"github.com/iotflow/iotflow-core/internal/liveness"
	"github.com/iotflow/iotflow-core/internal/telemetry"
)

const testAdminSecret = "test-admin-secret-at-least-32-chars"

// errTest stands in for any backend failure a stub should surface.
var errTest = errors.New("injected failure")

// ─── Test Stubs ────────────────────────────────────────────────────

// stubRepo is an in-memory device.Repository with per-method error
// injection.
type stubRepo struct {
	mu      sync.Mutex
	devices map[int64]*device.Device
	nextID  int64

	registerErr error
	getErr      error
	listErr     error
	updateErr   error
	statusErr   error
	touchErr    error
	rotateErr   error
	deleteErr   error
	countErr    error
}

func newStubRepo() *stubRepo {
	return &stubRepo{devices: make(map[int64]*device.Device)}
}

func (m *stubRepo) Register(_ context.Context, profile device.Profile) (*device.RegistrationResult, error) {
	if m.registerErr != nil {
		return nil, m.registerErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.devices {
		if d.Name == profile.Name {
			return &device.RegistrationResult{NameTaken: true, ExistingID: d.ID}, nil
		}
	}

	m.nextID++
	now := time.Now().UTC()
	dev := &device.Device{
		ID:              m.nextID,
		Name:            profile.Name,
		DeviceType:      profile.DeviceType,
		Description:     profile.Description,
		Location:        profile.Location,
		FirmwareVersion: profile.FirmwareVersion,
		HardwareVersion: profile.HardwareVersion,
		APIKey:          fmt.Sprintf("testkey-%d", m.nextID),
		Status:          device.StatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.devices[dev.ID] = dev
	cp := *dev
	return &device.RegistrationResult{Device: &cp}, nil
}

func (m *stubRepo) GetByID(_ context.Context, id int64) (*device.Device, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, device.ErrDeviceNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *stubRepo) GetByAPIKey(_ context.Context, key string) (*device.Device, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.APIKey == key {
			cp := *d
			return &cp, nil
		}
	}
	return nil, device.ErrDeviceNotFound
}

func (m *stubRepo) List(_ context.Context, filter device.Filter) (*device.ListResult, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []device.Device
	for _, d := range m.devices {
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		if filter.DeviceType != "" && d.DeviceType != filter.DeviceType {
			continue
		}
		if filter.Search != "" && !strings.Contains(d.Name, filter.Search) {
			continue
		}
		matched = append(matched, *d)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	total := len(matched)
	if filter.Offset < len(matched) {
		matched = matched[filter.Offset:]
	} else {
		matched = nil
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	if matched == nil {
		matched = []device.Device{}
	}
	return &device.ListResult{Devices: matched, Total: total, Limit: limit, Offset: filter.Offset}, nil
}

func (m *stubRepo) UpdateConfig(_ context.Context, id int64, patch device.ConfigPatch) (*device.Device, error) {
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, device.ErrDeviceNotFound
	}
	if patch.Description != nil {
		d.Description = *patch.Description
	}
	if patch.Location != nil {
		d.Location = *patch.Location
	}
	if patch.FirmwareVersion != nil {
		d.FirmwareVersion = *patch.FirmwareVersion
	}
	if patch.HardwareVersion != nil {
		d.HardwareVersion = *patch.HardwareVersion
	}
	d.UpdatedAt = time.Now().UTC()
	cp := *d
	return &cp, nil
}

func (m *stubRepo) UpdateDevice(_ context.Context, id int64, update device.AdminUpdate) (*device.Device, error) {
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, device.ErrDeviceNotFound
	}
	if update.Name != nil {
		for _, other := range m.devices {
			if other.ID != id && other.Name == *update.Name {
				return nil, device.ErrNameExists
			}
		}
		d.Name = *update.Name
	}
	if update.DeviceType != nil {
		d.DeviceType = *update.DeviceType
	}
	if update.Description != nil {
		d.Description = *update.Description
	}
	if update.Location != nil {
		d.Location = *update.Location
	}
	if update.FirmwareVersion != nil {
		d.FirmwareVersion = *update.FirmwareVersion
	}
	if update.HardwareVersion != nil {
		d.HardwareVersion = *update.HardwareVersion
	}
	d.UpdatedAt = time.Now().UTC()
	cp := *d
	return &cp, nil
}

func (m *stubRepo) UpdateStatus(_ context.Context, id int64, status device.AdminStatus) error {
	if m.statusErr != nil {
		return m.statusErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return device.ErrDeviceNotFound
	}
	if !device.CanTransition(d.Status, status) {
		return device.ErrInvalidTransition
	}
	d.Status = status
	return nil
}

func (m *stubRepo) TouchLastSeen(_ context.Context, id int64, seenAt time.Time) error {
	if m.touchErr != nil {
		return m.touchErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return device.ErrDeviceNotFound
	}
	d.LastSeen = &seenAt
	return nil
}

func (m *stubRepo) RotateKey(_ context.Context, id int64) (string, error) {
	if m.rotateErr != nil {
		return "", m.rotateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return "", device.ErrDeviceNotFound
	}
	d.APIKey = fmt.Sprintf("rotated-%d", id)
	return d.APIKey, nil
}

func (m *stubRepo) Delete(_ context.Context, id int64) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[id]; !ok {
		return device.ErrDeviceNotFound
	}
	delete(m.devices, id)
	return nil
}

func (m *stubRepo) CountByStatus(_ context.Context) (map[device.AdminStatus]int, error) {
	if m.countErr != nil {
		return nil, m.countErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[device.AdminStatus]int)
	for _, s := range device.AllAdminStatuses() {
		counts[s] = 0
	}
	for _, d := range m.devices {
		counts[d.Status]++
	}
	return counts, nil
}

// stubAuthn resolves credentials against the stub repo and records
// invalidations.
type stubAuthn struct {
	repo *stubRepo

	mu          sync.Mutex
	invalidated []string
	authErr     error
}

func (a *stubAuthn) AuthenticateFor(ctx context.Context, apiKey string, scope auth.Scope) (*auth.Identity, error) {
	if a.authErr != nil {
		return nil, a.authErr
	}
	dev, err := a.repo.GetByAPIKey(ctx, apiKey)
	if err != nil {
		return nil, auth.ErrInvalidKey
	}
	if !auth.StatusAllows(dev.Status, scope) {
		return nil, auth.ErrForbidden
	}
	return &auth.Identity{Device: dev}, nil
}

func (a *stubAuthn) Invalidate(_ context.Context, apiKey string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.invalidated = append(a.invalidated, apiKey)
}

func (a *stubAuthn) invalidatedKeys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.invalidated...)
}

// stubLimiter returns a canned decision and records which scopes were
// consulted.
type stubLimiter struct {
	mu       sync.Mutex
	decision liveness.Decision
	scopes   []string
}

func (l *stubLimiter) Allow(_ context.Context, scope, _ string) liveness.Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scopes = append(l.scopes, scope)
	return l.decision
}

func (l *stubLimiter) seenScopes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.scopes...)
}

// stubPresence tracks SetOnline/Forget calls in memory.
type stubPresence struct {
	mu        sync.Mutex
	online    map[int64]time.Time
	forgotten []int64
	setErr    error
}

func newStubPresence() *stubPresence {
	return &stubPresence{online: make(map[int64]time.Time)}
}

func (p *stubPresence) Check(_ context.Context, dev *device.Device) *liveness.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seen, ok := p.online[dev.ID]; ok {
		return &liveness.Status{Online: true, LastSeen: &seen, Source: "cache"}
	}
	return &liveness.Status{Online: false, LastSeen: dev.LastSeen, Source: "store"}
}

func (p *stubPresence) SetOnline(_ context.Context, deviceID int64, seenAt time.Time) error {
	if p.setErr != nil {
		return p.setErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[deviceID] = seenAt
	return nil
}

func (p *stubPresence) Forget(_ context.Context, deviceID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.online, deviceID)
	p.forgotten = append(p.forgotten, deviceID)
	return nil
}

func (p *stubPresence) HeartbeatTTL() time.Duration { return 2 * time.Minute }

// stubSink accepts envelopes and answers with a canned report.
type stubSink struct {
	mu        sync.Mutex
	envelopes []*telemetry.Envelope
	report    *telemetry.Report
	err       error
}

func (s *stubSink) Submit(_ context.Context, _ *device.Device, env *telemetry.Envelope) (*telemetry.Report, error) {
	s.mu.Lock()
	s.envelopes = append(s.envelopes, env)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.report != nil {
		return s.report, nil
	}
	return &telemetry.Report{Written: len(env.Data), ReceivedAt: time.Now().UTC()}, nil
}

// stubTSDB answers telemetry queries from canned slices.
type stubTSDB struct {
	samples   []influxdb.Sample
	buckets   []influxdb.AggregateBucket
	count     int64
	queryErr  error
	deleteErr error

	mu        sync.Mutex
	deleted   []int64
	lastField string
	lastLimit int
	lastFn    string
}

func (s *stubTSDB) QueryLatest(_ context.Context, _ int64, field string) ([]influxdb.Sample, error) {
	s.mu.Lock()
	s.lastField = field
	s.mu.Unlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return s.samples, nil
}

func (s *stubTSDB) QueryRangeAll(_ context.Context, _ int64, field string, _, _ time.Time, limit int) ([]influxdb.Sample, error) {
	s.mu.Lock()
	s.lastField = field
	s.lastLimit = limit
	s.mu.Unlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return s.samples, nil
}

func (s *stubTSDB) QueryAggregate(_ context.Context, _ int64, field string, _, _ time.Time, _ time.Duration, fn string) ([]influxdb.AggregateBucket, error) {
	s.mu.Lock()
	s.lastField = field
	s.lastFn = fn
	s.mu.Unlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return s.buckets, nil
}

func (s *stubTSDB) CountSince(_ context.Context, _ time.Time) (int64, error) {
	if s.queryErr != nil {
		return 0, s.queryErr
	}
	return s.count, nil
}

func (s *stubTSDB) DeleteDevice(_ context.Context, deviceID int64) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, deviceID)
	return nil
}

// stubCacheAdmin answers cache census and flush requests.
type stubCacheAdmin struct {
	stats    *liveness.CacheStats
	statsErr error
	flushed  int64
	flushErr error
}

func (c *stubCacheAdmin) Stats(_ context.Context) (*liveness.CacheStats, error) {
	if c.statsErr != nil {
		return nil, c.statsErr
	}
	return c.stats, nil
}

func (c *stubCacheAdmin) Flush(_ context.Context) (int64, error) {
	if c.flushErr != nil {
		return 0, c.flushErr
	}
	return c.flushed, nil
}

// stubProbe is a HealthChecker with an injectable answer.
type stubProbe struct {
	err error
}

func (p *stubProbe) HealthCheck(_ context.Context) error { return p.err }

// ─── Test Server Construction ──────────────────────────────────────

// testDeps bundles the stubs behind a test server so individual tests
// can reach in and adjust behaviour.
type testDeps struct {
	repo     *stubRepo
	authn    *stubAuthn
	limits   *stubLimiter
	presence *stubPresence
	sink     *stubSink
	tsdb     *stubTSDB
	cache    *stubCacheAdmin

	storeProbe  *stubProbe
	tsProbe     *stubProbe
	cacheProbe  *stubProbe
	brokerProbe *stubProbe
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testServer creates a Server wired entirely to in-memory stubs.
func testServer(t *testing.T) (*Server, *testDeps) {
	t.Helper()

	repo := newStubRepo()
	d := &testDeps{
		repo:        repo,
		authn:       &stubAuthn{repo: repo},
		limits:      &stubLimiter{decision: liveness.Decision{Allowed: true}},
		presence:    newStubPresence(),
		sink:        &stubSink{},
		tsdb:        &stubTSDB{},
		cache:       &stubCacheAdmin{stats: &liveness.CacheStats{Connected: true}},
		storeProbe:  &stubProbe{},
		tsProbe:     &stubProbe{},
		cacheProbe:  &stubProbe{},
		brokerProbe: &stubProbe{},
	}

	log := testLogger()

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:    5,
				Write:   5,
				Idle:    5,
				Request: 5,
			},
		},
		MQTT: config.MQTTConfig{
			Enabled: true,
			Broker:  config.MQTTBrokerConfig{Host: "mqtt.test.local", Port: 8883},
		},
		Security: config.SecurityConfig{
			AdminSecret:   testAdminSecret,
			AdminTokenTTL: 15,
		},
		Log:      log,
		Devices:  repo,
		Authn:    d.authn,
		Limits:   d.limits,
		Presence: d.presence,
		Pipeline: d.sink,
		TSDB:     d.tsdb,
		Cache:    d.cache,
		Health: HealthTargets{
			Store:      d.storeProbe,
			TimeSeries: d.tsProbe,
			Cache:      d.cacheProbe,
			Broker:     d.brokerProbe,
		},
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv.hub = NewHub(log)
	go srv.hub.Run(ctx)
	srv.startedAt = time.Now()

	return srv, d
}

// seedDevice plants a device with a known credential directly in the
// stub repo.
func seedDevice(t *testing.T, d *testDeps, name, key string, status device.AdminStatus) *device.Device {
	t.Helper()

	d.repo.mu.Lock()
	defer d.repo.mu.Unlock()
	d.repo.nextID++
	now := time.Now().UTC()
	dev := &device.Device{
		ID:         d.repo.nextID,
		Name:       name,
		DeviceType: "sensor",
		APIKey:     key,
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	d.repo.devices[dev.ID] = dev
	cp := *dev
	return &cp
}

// ─── Constructor Tests ─────────────────────────────────────────────

func TestNew_RequiredDeps(t *testing.T) {
	repo := newStubRepo()
	base := Deps{
		Log:      testLogger(),
		Devices:  repo,
		Authn:    &stubAuthn{repo: repo},
		Limits:   &stubLimiter{decision: liveness.Decision{Allowed: true}},
		Presence: newStubPresence(),
		Pipeline: &stubSink{},
		TSDB:     &stubTSDB{},
	}

	if _, err := New(base); err != nil {
		t.Fatalf("New() with all required deps: %v", err)
	}

	tests := []struct {
		name string
		mut  func(*Deps)
	}{
		{"missing logger", func(d *Deps) { d.Log = nil }},
		{"missing devices", func(d *Deps) { d.Devices = nil }},
		{"missing authenticator", func(d *Deps) { d.Authn = nil }},
		{"missing limiter", func(d *Deps) { d.Limits = nil }},
		{"missing presence", func(d *Deps) { d.Presence = nil }},
		{"missing pipeline", func(d *Deps) { d.Pipeline = nil }},
		{"missing tsdb", func(d *Deps) { d.TSDB = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := base
			tt.mut(&deps)
			if _, err := New(deps); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestNew_ExternalHub(t *testing.T) {
	repo := newStubRepo()
	hub := NewHub(testLogger())

	srv, err := New(Deps{
		Log:         testLogger(),
		Devices:     repo,
		Authn:       &stubAuthn{repo: repo},
		Limits:      &stubLimiter{decision: liveness.Decision{Allowed: true}},
		Presence:    newStubPresence(),
		Pipeline:    &stubSink{},
		TSDB:        &stubTSDB{},
		ExternalHub: hub,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if srv.Hub() != hub {
		t.Error("expected server to adopt the injected hub")
	}
}

// ─── Lifecycle Tests ───────────────────────────────────────────────

func TestServer_StartAndClose(t *testing.T) {
	srv, _ := testServer(t)
	srv.cfg.Port = 19090

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// Wait for the listener to come up
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://127.0.0.1:19090/api/v1/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("health check status = %d, want 200", resp.StatusCode)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := http.Get("http://127.0.0.1:19090/api/v1/health"); err == nil {
		t.Error("server still responding after Close()")
	}
}

func TestServer_HealthCheck(t *testing.T) {
	srv, _ := testServer(t)

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("expected error before Start()")
	}

	srv.server = &http.Server{}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck after start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := srv.HealthCheck(ctx); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestServer_CloseBeforeStart(t *testing.T) {
	srv, _ := testServer(t)

	if err := srv.Close(); err != nil {
		t.Errorf("Close() before Start() should be a no-op, got: %v", err)
	}
}
