package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nshruti113/admission-guard/internal/bypass"
	"github.com/nshruti113/admission-guard/internal/detection"
	"github.com/nshruti113/admission-guard/internal/logging"
	"github.com/nshruti113/admission-guard/internal/metrics"
	"github.com/nshruti113/admission-guard/internal/models"
	"github.com/nshruti113/admission-guard/internal/monitoring"
	"github.com/nshruti113/admission-guard/internal/ratelimit"
	"github.com/nshruti113/admission-guard/internal/reputation"
	"github.com/nshruti113/admission-guard/internal/storage/storagetest"
)

const (
	testAdminKey = "test-admin-key"
	testIP       = "192.0.2.1"
	browserUA    = "Mozilla/5.0 (X11; Linux x86_64)"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	server *Server
	svc    Services
	mr     *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, mr := storagetest.NewRedis(t)
	logger := logging.Discard()
	m := metrics.New()

	scorer := reputation.NewScorer(store, nil, reputation.DefaultConfig(), logger)
	detector := detection.NewDetector(store, detection.DefaultThresholds(), logger)
	tokens := bypass.NewManager(store, bypass.DefaultConfig(), logger)
	alerter := monitoring.NewAlerter(monitoring.DefaultConfig(), nil, m, logger)
	hub := NewHub(logger)
	alerter.AddObserver(hub)

	cfg := ratelimit.DefaultConfig()
	cfg.Tiers[models.TierFree] = models.TierConfig{
		Tier:              models.TierFree,
		RequestsPerWindow: 2,
		Window:            time.Minute,
		BurstAllowance:    1,
	}
	limiter, err := ratelimit.NewLimiter(store, ratelimit.Deps{
		Bypass:     tokens,
		Detector:   detector,
		Reputation: scorer,
		Monitor:    alerter,
		Metrics:    m,
	}, cfg, logger)
	require.NoError(t, err)

	svc := Services{
		Limiter:    limiter,
		Detector:   detector,
		Reputation: scorer,
		Bypass:     tokens,
		Alerter:    alerter,
		Metrics:    m,
		Hub:        hub,
		Store:      store,
	}
	srv, err := New(svc, Options{AdminKey: testAdminKey, Abuse: ratelimit.DefaultAbuseConfig()}, logger)
	require.NoError(t, err)
	return &testEnv{server: srv, svc: svc, mr: mr}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = testIP + ":40000"
	req.Header.Set("User-Agent", browserUA)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) admin(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	return e.do(t, method, path, body, map[string]string{HeaderAdminKey: testAdminKey})
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestAdmission_QuotaBurstAndDeny(t *testing.T) {
	env := newTestEnv(t)
	user := map[string]string{HeaderUserID: "alice", HeaderUserTier: "free"}

	w := env.do(t, http.MethodGet, "/api/v1/resource/items", nil, user)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get(HeaderLimit))
	assert.Equal(t, "2", w.Header().Get(HeaderRemaining))
	assert.Equal(t, "free", w.Header().Get(HeaderTier))
	assert.NotEmpty(t, w.Header().Get(HeaderReset))

	w = env.do(t, http.MethodGet, "/api/v1/resource/items", nil, user)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/resource/items", nil, user)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get(HeaderBurst))

	w = env.do(t, http.MethodGet, "/api/v1/resource/items", nil, user)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get(HeaderRetryAfter))
	assert.Equal(t, "0", w.Header().Get(HeaderRemaining))

	var body map[string]interface{}
	decode(t, w, &body)
	assert.Equal(t, "rate limit exceeded", body["error"])
	assert.EqualValues(t, 60, body["retry_after"])
}

func TestAdmission_StoreDownFailsOpen(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Close()

	w := env.do(t, http.MethodGet, "/api/v1/resource/items", nil, map[string]string{HeaderUserID: "bob"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]string
	decode(t, w, &health)
	assert.Equal(t, "degraded", health["status"])
}

func TestEvaluateEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/evaluate", models.AdmissionRequest{
		Identity: "carol",
		Tier:     "enterprise",
		Endpoint: "/orders",
		Method:   http.MethodPost,
		IP:       "198.51.100.7",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp evaluateResponse
	decode(t, w, &resp)
	assert.True(t, resp.Allowed)
	assert.Equal(t, models.TierEnterprise, resp.Tier)
	assert.Equal(t, int64(10000), resp.Limit)
	assert.Equal(t, int64(10000+1000-1), resp.Remaining)

	w = env.do(t, http.MethodPost, "/api/v1/evaluate", "not an object", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminAuth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/admin/tiers", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/admin/tiers", nil, map[string]string{HeaderAdminKey: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.admin(t, http.MethodGet, "/api/v1/admin/tiers", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminAuth_EmptyKeyDisablesAdmin(t *testing.T) {
	env := newTestEnv(t)
	env.server.opts.AdminKey = ""

	w := env.do(t, http.MethodGet, "/api/v1/admin/tiers", nil, map[string]string{HeaderAdminKey: ""})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminTiers(t *testing.T) {
	env := newTestEnv(t)

	w := env.admin(t, http.MethodPut, "/api/v1/admin/tiers/standard",
		map[string]interface{}{"requests": 50, "window": "10m", "burst": 5})
	require.Equal(t, http.StatusOK, w.Code)
	var tc models.TierConfig
	decode(t, w, &tc)
	assert.Equal(t, int64(50), tc.RequestsPerWindow)
	assert.Equal(t, 10*time.Minute, tc.Window)

	tests := []struct {
		name string
		path string
		body map[string]interface{}
		code int
	}{
		{"unknown tier", "/api/v1/admin/tiers/platinum", map[string]interface{}{"requests": 5, "window": "1m"}, http.StatusNotFound},
		{"bad window", "/api/v1/admin/tiers/free", map[string]interface{}{"requests": 5, "window": "soon"}, http.StatusBadRequest},
		{"short window", "/api/v1/admin/tiers/free", map[string]interface{}{"requests": 5, "window": "10ms"}, http.StatusBadRequest},
		{"missing requests", "/api/v1/admin/tiers/free", map[string]interface{}{"window": "1m"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.admin(t, http.MethodPut, tt.path, tt.body)
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

func TestAdminUserStatusAndReset(t *testing.T) {
	env := newTestEnv(t)
	user := map[string]string{HeaderUserID: "dave"}
	env.do(t, http.MethodGet, "/api/v1/resource/a", nil, user)
	env.do(t, http.MethodGet, "/api/v1/resource/b", nil, user)

	w := env.admin(t, http.MethodGet, "/api/v1/admin/users/dave/status?tier=free", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status models.UserStatus
	decode(t, w, &status)
	assert.Equal(t, int64(2), status.WindowCount)

	w = env.admin(t, http.MethodDelete, "/api/v1/admin/users/dave/limits", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.admin(t, http.MethodGet, "/api/v1/admin/users/dave/status?tier=free", nil)
	decode(t, w, &status)
	assert.Equal(t, int64(0), status.WindowCount)
}

func TestBypassFlow(t *testing.T) {
	env := newTestEnv(t)

	w := env.admin(t, http.MethodPost, "/api/v1/admin/bypass", map[string]interface{}{
		"reason":     "incident 42",
		"created_by": "oncall",
		"duration":   "30m",
		"max_usage":  1,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var token models.BypassToken
	decode(t, w, &token)
	require.NotEmpty(t, token.Token)

	headers := map[string]string{HeaderUserID: "erin", HeaderBypassToken: token.Token}
	w = env.do(t, http.MethodGet, "/api/v1/resource/x", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEqual(t, "2", w.Header().Get(HeaderRemaining))

	w = env.admin(t, http.MethodGet, "/api/v1/admin/bypass/stats", nil)
	var stats models.TokenStats
	decode(t, w, &stats)
	assert.Equal(t, int64(1), stats.TotalUsage)

	w = env.admin(t, http.MethodGet, "/api/v1/admin/bypass?created_by=oncall", nil)
	var list struct {
		Tokens []models.BypassToken `json:"tokens"`
	}
	decode(t, w, &list)
	require.Len(t, list.Tokens, 1)
	assert.Empty(t, list.Tokens[0].Token)

	w = env.admin(t, http.MethodDelete, "/api/v1/admin/bypass/"+token.HashedToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.admin(t, http.MethodPost, "/api/v1/admin/bypass", map[string]interface{}{"reason": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.admin(t, http.MethodPost, "/api/v1/admin/bypass", map[string]interface{}{
		"reason": "x", "created_by": "y", "duration": "48h",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBlacklistBlocksAdmission(t *testing.T) {
	env := newTestEnv(t)

	w := env.admin(t, http.MethodPost, "/api/v1/admin/ip/"+testIP+"/blacklist",
		map[string]string{"reason": "credential stuffing"})
	require.Equal(t, http.StatusOK, w.Code)
	var rep models.IPReputationScore
	decode(t, w, &rep)
	assert.Equal(t, 90, rep.Score)
	assert.Equal(t, models.RiskCritical, rep.RiskLevel)

	w = env.do(t, http.MethodGet, "/api/v1/resource/x", nil, map[string]string{HeaderUserID: "frank"})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "3600", w.Header().Get(HeaderRetryAfter))

	w = env.admin(t, http.MethodGet, "/api/v1/admin/lists/blacklist", nil)
	var entries struct {
		Entries []models.ListEntry `json:"entries"`
	}
	decode(t, w, &entries)
	require.Len(t, entries.Entries, 1)
	assert.Equal(t, "admin", entries.Entries[0].AddedBy)

	w = env.admin(t, http.MethodDelete, "/api/v1/admin/ip/"+testIP+"/blacklist", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &rep)
	assert.Equal(t, 50, rep.Score)

	w = env.do(t, http.MethodGet, "/api/v1/resource/x", nil, map[string]string{HeaderUserID: "frank"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIPRoutesValidateAddress(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{
		"/api/v1/admin/ip/not-an-ip/reputation",
		"/api/v1/admin/ip/999.1.1.1/mitigation",
	} {
		w := env.admin(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}

	w := env.admin(t, http.MethodGet, "/api/v1/admin/lists/greylist", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTrafficIngestMitigatesAndUnblocks(t *testing.T) {
	env := newTestEnv(t)
	attacker := "203.0.113.9"

	var resp struct {
		Detection  models.DDoSDetectionResult `json:"detection"`
		Mitigation *models.MitigationAction   `json:"mitigation"`
	}
	// The per-minute thresholds trip after ~100 identical requests.
	for i := 0; i < 200 && !resp.Detection.IsAttack; i++ {
		w := env.do(t, http.MethodPost, "/api/v1/traffic", models.TrafficRequest{
			SourceIP:       attacker,
			Method:         http.MethodGet,
			Endpoint:       "/login",
			UserAgent:      browserUA,
			StatusCode:     http.StatusOK,
			ResponseTimeMs: 20,
		}, nil)
		require.Equal(t, http.StatusOK, w.Code)
		decode(t, w, &resp)
	}
	require.True(t, resp.Detection.IsAttack)
	require.NotNil(t, resp.Mitigation)

	w := env.admin(t, http.MethodGet, "/api/v1/admin/ip/"+attacker+"/mitigation", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.admin(t, http.MethodGet, "/api/v1/admin/attacks?since=10m", nil)
	var attacks struct {
		Attacks []models.DDoSDetectionResult `json:"attacks"`
	}
	decode(t, w, &attacks)
	assert.NotEmpty(t, attacks.Attacks)

	w = env.admin(t, http.MethodGet, "/api/v1/admin/mitigations", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.admin(t, http.MethodGet, "/api/v1/admin/mitigations?since=-1h", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.admin(t, http.MethodDelete, "/api/v1/admin/ip/"+attacker+"/block", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.admin(t, http.MethodGet, "/api/v1/admin/ip/"+attacker+"/mitigation", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAlertRoutes(t *testing.T) {
	env := newTestEnv(t)

	w := env.admin(t, http.MethodPost, "/api/v1/admin/alerts/test", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var alert models.Alert
	decode(t, w, &alert)
	assert.Equal(t, monitoring.AlertTest, alert.Type)

	w = env.admin(t, http.MethodGet, "/api/v1/admin/alerts?unresolved=true", nil)
	var list struct {
		Alerts []models.Alert `json:"alerts"`
	}
	decode(t, w, &list)
	require.Len(t, list.Alerts, 1)

	w = env.admin(t, http.MethodPost, "/api/v1/admin/alerts/"+alert.ID+"/resolve", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &alert)
	assert.True(t, alert.Resolved)

	w = env.admin(t, http.MethodPost, "/api/v1/admin/alerts/missing/resolve", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.admin(t, http.MethodGet, "/api/v1/admin/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"NORMAL"`)

	env.svc.Alerter.CollectMetrics()
	w = env.admin(t, http.MethodGet, "/api/v1/admin/metrics/history?minutes=5", nil)
	var history struct {
		Metrics []models.MetricsSnapshot `json:"metrics"`
	}
	decode(t, w, &history)
	assert.Len(t, history.Metrics, 1)

	w = env.admin(t, http.MethodGet, "/api/v1/admin/metrics/history?minutes=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAnalyzeAbuse(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()

	records := make([]models.TrafficRequest, 0, 60)
	for i := 0; i < 60; i++ {
		records = append(records, models.TrafficRequest{
			Timestamp: now.Add(-time.Duration(i) * time.Second),
			Endpoint:  "/search",
			UserAgent: "python-requests/2.31",
		})
	}

	w := env.admin(t, http.MethodPost, "/api/v1/admin/abuse/analyze", map[string]interface{}{
		"user_id": "mallory",
		"records": records,
	})
	require.Equal(t, http.StatusOK, w.Code)
	var report models.AbuseReport
	decode(t, w, &report)
	assert.True(t, report.IsAbusive)
	assert.Equal(t, "mallory", report.UserID)

	w = env.admin(t, http.MethodPost, "/api/v1/admin/abuse/analyze", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsAndCORS(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/api/v1/resource/x", nil, map[string]string{HeaderUserID: "gina"})

	w := env.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "admission_guard_decisions_total"))

	w = env.do(t, http.MethodOptions, "/api/v1/evaluate", nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
