package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/remindrelay/internal/config"
	"github.com/shohag/remindrelay/internal/delivery"
	"github.com/shohag/remindrelay/internal/metrics"
	"github.com/shohag/remindrelay/internal/models"
	"github.com/shohag/remindrelay/internal/platform"
	"github.com/shohag/remindrelay/internal/schedule"
	"github.com/shohag/remindrelay/internal/storage"
)

const testKey = "rk_test"

type stubHandler struct{ err error }

func (stubHandler) Platform() models.Platform { return models.PlatformWhatsApp }

func (h stubHandler) Send(ctx context.Context, recipient string, payload platform.Payload) (platform.Receipt, error) {
	if h.err != nil {
		return platform.Receipt{}, h.err
	}
	return platform.Receipt{Platform: models.PlatformWhatsApp, ProviderMessageID: "wamid.1"}, nil
}

type testServer struct {
	*httptest.Server
	collector *metrics.Collector
}

func newTestServer(t *testing.T, handler platform.Handler) *testServer {
	t.Helper()
	log := zerolog.Nop()

	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	collector := metrics.NewCollector(config.HealthConfig{MinSample: 2, MinSuccessRate: 0.9, MaxCategoryShare: 0.5, StoreErrorWindow: time.Minute, DurationWindow: 16})
	breakers := delivery.NewBreakers(config.BreakerConfig{Threshold: 5, ResetTimeout: time.Minute}, log)
	tracker := delivery.NewTracker(store, collector, nil, nil, log)
	dispatcher := delivery.NewDispatcher(delivery.DispatcherDeps{
		Store:     store,
		Tracker:   tracker,
		Registry:  platform.NewRegistry(handler),
		Breakers:  breakers,
		Retry:     delivery.NewRetryPolicy(config.DeliveryConfig{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: time.Hour}),
		Collector: collector,
	}, log)
	svc := schedule.NewService(schedule.Deps{
		Store:      store,
		Tracker:    tracker,
		Dispatcher: dispatcher,
		Breakers:   breakers,
		Collector:  collector,
	}, log)

	srv := NewServer(
		config.ServerConfig{APIKey: testKey},
		config.MetricsConfig{Enabled: true, Path: "/metrics"},
		svc, collector, log,
	)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, collector: collector}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func createBody(at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"platform":       "whatsapp",
		"recipient":      "+14155550123",
		"body":           "Your appointment is tomorrow",
		"scheduled_time": at.Format(time.RFC3339),
	}
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t, stubHandler{})

	resp, err := http.Get(ts.URL + "/api/v1/schedules")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/schedules", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("Authorization", testKey)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestScheduleLifecycle(t *testing.T) {
	ts := newTestServer(t, stubHandler{})

	resp, created := ts.do(t, http.MethodPost, "/api/v1/schedules", createBody(time.Now().Add(time.Hour)))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "pending", created["status"])

	resp, got := ts.do(t, http.MethodGet, "/api/v1/schedules/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "+14155550123", got["recipient"])

	resp, list := ts.do(t, http.MethodGet, "/api/v1/schedules?status=pending&platform=whatsapp", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), list["count"])

	resp, sent := ts.do(t, http.MethodPost, "/api/v1/schedules/"+id+"/send-now", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sent", sent["status"])

	resp, got = ts.do(t, http.MethodGet, "/api/v1/schedules/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sent", got["status"])

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/schedules/"+id+"/send-now", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/schedules/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancel(t *testing.T) {
	ts := newTestServer(t, stubHandler{})

	_, created := ts.do(t, http.MethodPost, "/api/v1/schedules", createBody(time.Now().Add(time.Hour)))
	id := created["id"].(string)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/schedules/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/schedules/sch_missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateValidation(t *testing.T) {
	ts := newTestServer(t, stubHandler{})

	body := createBody(time.Now().Add(-time.Hour))
	delete(body, "recipient")
	resp, out := ts.do(t, http.MethodPost, "/api/v1/schedules", body)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation failed", out["error"])
	fields, _ := out["fields"].(map[string]interface{})
	assert.Contains(t, fields, "recipient")
	assert.Contains(t, fields, "scheduled_time")

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/schedules", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+testKey)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/schedules?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndStats(t *testing.T) {
	ts := newTestServer(t, stubHandler{err: &platform.SendError{Platform: models.PlatformWhatsApp, StatusCode: 404, Description: "not found"}})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	for i := 0; i < 2; i++ {
		_, created := ts.do(t, http.MethodPost, "/api/v1/schedules", createBody(time.Now().Add(time.Hour)))
		resp, out := ts.do(t, http.MethodPost, "/api/v1/schedules/"+created["id"].(string)+"/send-now", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "failed", out["status"])
		assert.Equal(t, "permanent", out["error_category"])
	}

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", health["status"])

	resp, stats := ts.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	counts := stats["counts"].(map[string]interface{})
	assert.Equal(t, float64(2), counts["failed"])

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Contains(t, buf.String(), `remindrelay_delivery_failures_total{platform="whatsapp",category="permanent"} 2`)
}
