package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nshruti113/admission-guard/internal/models"
	"github.com/nshruti113/admission-guard/internal/monitoring"
	"github.com/nshruti113/admission-guard/internal/ratelimit"
)

var (
	_ ratelimit.Recorder  = (*Metrics)(nil)
	_ monitoring.Recorder = (*Metrics)(nil)
	_ monitoring.Observer = (*Metrics)(nil)
)

func TestCounters(t *testing.T) {
	m := New()

	m.Decision(models.TierFree, ratelimit.OutcomeAllowed)
	m.Decision(models.TierFree, ratelimit.OutcomeAllowed)
	m.Decision(models.TierAdmin, ratelimit.OutcomeQuota)
	m.StoreFailure("ratelimit")
	m.AlertRaised(monitoring.AlertDDoSAttack, models.SeverityCritical)
	m.NotificationSent("webhook", false)
	m.NotificationSent("webhook", true)
	m.DispatchDropped()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.decisions.WithLabelValues("free", "allowed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("admin", "quota")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeFailures.WithLabelValues("ratelimit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alerts.WithLabelValues("ddos_attack", "critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("webhook", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchDropped))
}

func TestOnEvent(t *testing.T) {
	m := New()
	m.OnEvent(models.MetricsSnapshot{BlockedRate: 0.4, ActiveAlerts: 3, DDoSAttacks: 7})

	assert.Equal(t, 0.4, testutil.ToFloat64(m.blockedRate))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeAlerts))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.ddosAttacks))
}

func TestHandler(t *testing.T) {
	m := New()
	m.Decision(models.TierStandard, ratelimit.OutcomeBypassed)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `admission_guard_decisions_total{outcome="bypassed",tier="standard"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
