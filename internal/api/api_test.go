package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proximity-beacon/beacon-engine/internal/config"
	"github.com/proximity-beacon/beacon-engine/internal/engine"
	"github.com/proximity-beacon/beacon-engine/internal/models"
	"github.com/proximity-beacon/beacon-engine/internal/peer"
	"github.com/proximity-beacon/beacon-engine/internal/storage"
	"github.com/proximity-beacon/beacon-engine/pkg/crypto"
)

type fakeEngine struct {
	calls  []string
	status engine.Status
	peers  []peer.Snapshot
	err    error
}

func (f *fakeEngine) Start(source string) error {
	f.calls = append(f.calls, "start "+source)
	return f.err
}

func (f *fakeEngine) Stop(source string) error {
	f.calls = append(f.calls, "stop "+source)
	return f.err
}

func (f *fakeEngine) Trigger(source string) error {
	f.calls = append(f.calls, "trigger "+source)
	return f.err
}

func (f *fakeEngine) Status(context.Context) (engine.Status, error)  { return f.status, f.err }
func (f *fakeEngine) Peers(context.Context) ([]peer.Snapshot, error) { return f.peers, f.err }

type fakeStore struct {
	storage.Store
	filters models.DetectionFilters
	limit   int
	events  []*models.EventLog
}

func (f *fakeStore) ListDetections(_ context.Context, filters models.DetectionFilters, limit, _ int) ([]*models.Detection, int64, error) {
	f.filters = filters
	f.limit = limit
	return []*models.Detection{{Code: 5, RSSI: -40}}, 1, nil
}

func (f *fakeStore) CreateEventLog(_ context.Context, e *models.EventLog) error {
	f.events = append(f.events, e)
	return nil
}

func (f *fakeStore) ListEventLogs(context.Context, storage.EventLogFilters, int, int) ([]*models.EventLog, int64, error) {
	return f.events, int64(len(f.events)), nil
}

type fixture struct {
	srv    *RESTServer
	engine *fakeEngine
	store  *fakeStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hash, err := crypto.HashPassword("hunter2")
	require.NoError(t, err)

	cfg := &config.Config{
		Server: config.ServerConfig{Name: "beacon-engine", Version: "test"},
		JWT: config.JWTConfig{
			Secret:          "test-secret",
			AccessTokenTTL:  time.Minute,
			RefreshTokenTTL: time.Hour,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Operators: []config.OperatorConfig{
			{Username: "ops", PasswordHash: hash, Role: "admin"},
			{Username: "guest", PasswordHash: hash, Role: "viewer"},
		},
	}

	f := &fixture{engine: &fakeEngine{}, store: &fakeStore{}}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("beacon_detections_total 1\n"))
	})
	f.srv = NewRESTServer(cfg, f.engine, f.store, metrics)
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) login(t *testing.T, user string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": user, "password": "hunter2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.AccessToken
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestLoginRejectsBadPassword(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "ops", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginRequiresFields(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "ops"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/status", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	code := int64(77)
	f.engine.status = engine.Status{Running: true, RadioState: "poweredOn", Peers: 2, Code: &code}

	rec := f.do(t, http.MethodGet, "/api/v1/status", f.login(t, "guest"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got engine.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Running)
	assert.Equal(t, 2, got.Peers)
	assert.Equal(t, int64(77), *got.Code)
}

func TestListPeers(t *testing.T) {
	f := newFixture(t)
	f.engine.peers = []peer.Snapshot{{Handle: "A", Class: "notifyCapable"}}

	rec := f.do(t, http.MethodGet, "/api/v1/peers", f.login(t, "guest"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"handle":"A"`)
	assert.Contains(t, rec.Body.String(), `"total":1`)
}

func TestEngineControlRequiresAdmin(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/engine/start", f.login(t, "guest"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, f.engine.calls)
}

func TestEngineControl(t *testing.T) {
	f := newFixture(t)
	token := f.login(t, "ops")

	for _, action := range []string{"start", "trigger", "stop"} {
		rec := f.do(t, http.MethodPost, "/api/v1/engine/"+action, token, nil)
		assert.Equal(t, http.StatusAccepted, rec.Code)
	}

	assert.Equal(t, []string{"start api:ops", "trigger api:ops", "stop api:ops"}, f.engine.calls)
	require.Len(t, f.store.events, 3)
	assert.Equal(t, models.EventTypeAPICall, f.store.events[0].Type)
	assert.Equal(t, "ENGINE_start", f.store.events[0].Code)
}

func TestEngineShutDown(t *testing.T) {
	f := newFixture(t)
	token := f.login(t, "ops")
	f.engine.err = engine.ErrQueueClosed

	rec := f.do(t, http.MethodPost, "/api/v1/engine/trigger", token, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListDetectionsFilters(t *testing.T) {
	f := newFixture(t)
	token := f.login(t, "guest")

	rec := f.do(t, http.MethodGet, "/api/v1/detections?code=5&min_rssi=-70&limit=1000&start_time=2026-10-15T00:00:00Z", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.NotNil(t, f.store.filters.Code)
	assert.Equal(t, int64(5), *f.store.filters.Code)
	assert.Equal(t, -70, *f.store.filters.MinRSSI)
	require.NotNil(t, f.store.filters.StartTime)
	assert.Nil(t, f.store.filters.EndTime)
	assert.Equal(t, maxLimit, f.store.limit)
}

func TestListDetectionsBadQuery(t *testing.T) {
	f := newFixture(t)
	token := f.login(t, "guest")

	rec := f.do(t, http.MethodGet, "/api/v1/detections?code=abc", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/detections?end_time=yesterday", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsMounted(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "beacon_detections_total")
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "ops", "password": "hunter2"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		RefreshToken string `json:"refresh_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = f.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refresh_token": resp.RefreshToken})
	assert.Equal(t, http.StatusOK, rec.Code)
}
