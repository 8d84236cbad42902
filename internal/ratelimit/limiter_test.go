package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nshruti113/admission-guard/internal/bypass"
	"github.com/nshruti113/admission-guard/internal/detection"
	"github.com/nshruti113/admission-guard/internal/logging"
	"github.com/nshruti113/admission-guard/internal/models"
	"github.com/nshruti113/admission-guard/internal/reputation"
	"github.com/nshruti113/admission-guard/internal/storage"
	"github.com/nshruti113/admission-guard/internal/storage/storagetest"
)

var testNow = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

type fakeBypass struct {
	validation models.TokenValidation
}

func (f *fakeBypass) ValidateAndUse(context.Context, string, string) models.TokenValidation {
	return f.validation
}

type fakeDetector struct {
	blocked  bool
	result   models.DDoSDetectionResult
	action   *models.MitigationAction
	factor   float64
	analyzed int
}

func (f *fakeDetector) IsIPBlocked(context.Context, string) bool { return f.blocked }

func (f *fakeDetector) Analyze(_ context.Context, req models.TrafficRequest) models.DDoSDetectionResult {
	f.analyzed++
	r := f.result
	r.IPAddress = req.SourceIP
	return r
}

func (f *fakeDetector) ApplyMitigation(context.Context, models.DDoSDetectionResult) *models.MitigationAction {
	return f.action
}

func (f *fakeDetector) RateLimitFactor(context.Context, string) float64 {
	if f.factor == 0 {
		return 1
	}
	return f.factor
}

type fakeReputation struct {
	mu         sync.Mutex
	decision   models.BlockDecision
	score      models.IPReputationScore
	activities []string
}

func (f *fakeReputation) GetReputation(context.Context, string) models.IPReputationScore {
	return f.score
}

func (f *fakeReputation) ShouldBlockIP(context.Context, string) models.BlockDecision {
	return f.decision
}

func (f *fakeReputation) UpdateReputation(_ context.Context, _ string, a models.Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = append(f.activities, a.Type)
	return nil
}

type fakeMonitor struct {
	mu         sync.Mutex
	events     []string
	detections int
	bypasses   int
}

func (f *fakeMonitor) RecordEvent(eventType, _ string, _ map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

func (f *fakeMonitor) RecordDDoSDetection(models.DDoSDetectionResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detections++
}

func (f *fakeMonitor) RecordBypassUsage(string, string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bypasses++
}

type fakeMetrics struct {
	outcomes []string
	failures int
}

func (f *fakeMetrics) Decision(_ models.Tier, outcome string) { f.outcomes = append(f.outcomes, outcome) }
func (f *fakeMetrics) StoreFailure(string) { f.failures++ }

func smallTiers() map[models.Tier]models.TierConfig {
	return map[models.Tier]models.TierConfig{
		models.TierFree:     {RequestsPerWindow: 5, Window: time.Hour, BurstAllowance: 2},
		models.TierStandard: {RequestsPerWindow: 4, Window: time.Minute, BurstAllowance: 0},
	}
}

func newTestLimiter(t *testing.T, store storage.CounterStore, deps Deps, mutate ...func(*Config)) *Limiter {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Tiers = smallTiers()
	for _, m := range mutate {
		m(&cfg)
	}
	l, err := NewLimiter(store, deps, cfg, logging.Discard())
	require.NoError(t, err)
	l.now = func() time.Time { return testNow }
	return l
}

func request(identity string, tier models.Tier) models.AdmissionRequest {
	return models.AdmissionRequest{
		Identity: identity,
		Tier:     tier,
		Endpoint: "/api/v1/leases",
		Method:   "GET",
		IP:       "198.51.100.20",
	}
}

func TestEvaluate_BurstAfterBaseQuota(t *testing.T) {
	store, _ := storagetest.NewRedis(t)
	l := newTestLimiter(t, store, Deps{})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		r := l.Evaluate(ctx, request("user-1", models.TierFree))
		require.True(t, r.Allowed, "request %d", i)
		assert.False(t, r.IsBurstUsed, "request %d", i)
		assert.Equal(t, int64(7-i), r.Remaining)
		assert.Equal(t, testNow.Add(time.Hour), r.ResetTime)
	}
	for i := 6; i <= 7; i++ {
		r := l.Evaluate(ctx, request("user-1", models.TierFree))
		require.True(t, r.Allowed, "request %d", i)
		assert.True(t, r.IsBurstUsed, "request %d", i)
	}
	for i := 8; i <= 10; i++ {
		r := l.Evaluate(ctx, request("user-1", models.TierFree))
		assert.False(t, r.Allowed, "request %d", i)
		assert.Equal(t, time.Hour, r.RetryAfter)
		assert.Zero(t, r.Remaining)
	}

	status, err := l.GetUserStatus(ctx, "user-1", models.TierFree)
	require.NoError(t, err)
	assert.Equal(t, int64(5), status.WindowCount)
	assert.Equal(t, int64(2), status.BurstCount)
	assert.Zero(t, status.Remaining)
}

func TestEvaluate_ConcurrentCallersNeverExceedQuota(t *testing.T) {
	store, _ := storagetest.NewRedis(t)
	l := newTestLimiter(t, store, Deps{})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Evaluate(context.Background(), request("user-2", models.TierFree)).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 7, allowed)
}

func TestEvaluate_UnknownTierFallsBackToFree(t *testing.T) {
	store, _ := storagetest.NewRedis(t)
	l := newTestLimiter(t, store, Deps{})

	r := l.Evaluate(context.Background(), request("user-3", models.Tier("platinum")))
	assert.True(t, r.Allowed)
	assert.Equal(t, models.TierFree, r.Tier)
	assert.Equal(t, int64(5), r.Limit)
}

func TestEvaluate_FailOpenOnStoreOutage(t *testing.T) {
	store := &storagetest.FailingStore{}
	metrics := &fakeMetrics{}
	monitor := &fakeMonitor{}
	l := newTestLimiter(t, store, Deps{Metrics: metrics, Monitor: monitor})

	r := l.Evaluate(context.Background(), request("user-4", models.TierFree))
	assert.True(t, r.Allowed)
	assert.Equal(t, int64(5), r.Remaining)
	assert.Equal(t, "quota store unavailable", r.Reason)
	assert.Equal(t, 1, metrics.failures)
	assert.Equal(t, []string{OutcomeFailOpen}, metrics.outcomes)
	assert.Contains(t, monitor.events, models.EventStoreFailure)
}

func TestEvaluate_FailOpenWithRealComponents(t *testing.T) {
	store := &storagetest.FailingStore{}
	logger := logging.Discard()
	l := newTestLimiter(t, store, Deps{
		Bypass:     bypass.NewManager(store, bypass.DefaultConfig(), logger),
		Detector:   detection.NewDetector(store, detection.DefaultThresholds(), logger),
		Reputation: reputation.NewScorer(store, nil, reputation.DefaultConfig(), logger),
	})

	req := request("user-5", models.TierFree)
	req.BypassToken = "bp_deadbeef"
	r := l.Evaluate(context.Background(), req)
	assert.True(t, r.Allowed)
	assert.False(t, r.Bypassed)
}

func TestEvaluate_BypassToken(t *testing.T) {
	store := &storagetest.FailingStore{}
	monitor := &fakeMonitor{}
	l := newTestLimiter(t, store, Deps{
		Bypass: &fakeBypass{validation: models.TokenValidation{
			IsValid: true,
			Token:   &models.BypassToken{HashedToken: "abc", Reason: "incident 42"},
		}},
		Detector: &fakeDetector{blocked: true},
		Monitor:  monitor,
	})

	req := request("user-6", models.TierFree)
	req.BypassToken = "bp_secret"
	r := l.Evaluate(context.Background(), req)
	assert.True(t, r.Allowed)
	assert.True(t, r.Bypassed)
	assert.Equal(t, int64(unlimited), r.Remaining)
	assert.Equal(t, 1, monitor.bypasses)
	assert.Zero(t, store.Calls)
}

func TestEvaluate_RejectedBypassContinues(t *testing.T) {
	store, _ := storagetest.NewRedis(t)
	monitor := &fakeMonitor{}
	l := newTestLimiter(t, store, Deps{
		Bypass:  &fakeBypass{validation: models.TokenValidation{Reason: bypass.ReasonExpired}},
		Monitor: monitor,
	})

	req := request("user-7", models.TierFree)
	req.BypassToken = "bp_old"
	r := l.Evaluate(context.Background(), req)
	assert.True(t, r.Allowed)
	assert.False(t, r.Bypassed)
	assert.Contains(t, monitor.events, models.EventBypassRejected)
}

func TestEvaluate_BlockedIP(t *testing.T) {
	store, _ := storagetest.NewRedis(t)
	det := &fakeDetector{blocked: true}
	l := newTestLimiter(t, store, Deps{Detector: det})

	r := l.Evaluate(context.Background(), request("user-8", models.TierFree))
	assert.False(t, r.Allowed)
	assert.Equal(t, 15*time.Minute, r.RetryAfter)
	assert.Zero(t, det.analyzed)
}

func TestEvaluate_AttackDenied(t *testing.T) {
	tests := []struct {
		name   string
		action *models.MitigationAction
		want   time.Duration
	}{
		{"mitigated", &models.MitigationAction{Type: models.MitigationBan, Duration: time.Hour}, time.Hour},
		{"no mitigation", nil, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := storagetest.NewRedis(t)
			rep := &fakeReputation{}
			monitor := &fakeMonitor{}
			l := newTestLimiter(t, store, Deps{
				Detector:   &fakeDetector{result: models.DDoSDetectionResult{IsAttack: true, RiskScore: 85}, action: tt.action},
				Reputation: rep,
				Monitor:    monitor,
			})

			r := l.Evaluate(context.Background(), request("user-9", models.TierFree))
			assert.False(t, r.Allowed)
			assert.Equal(t, tt.want, r.RetryAfter)
			assert.Equal(t, 1, monitor.detections)
			assert.Equal(t, []string{models.ActivitySuspicious}, rep.activities)
		})
	}
}

func TestEvaluate_ReputationBlock(t *testing.T) {
	store, _ := storagetest.NewRedis(t)
	l := newTestLimiter(t, store, Deps{
		Detector:   &fakeDetector{},
		Reputation: &fakeReputation{decision: models.BlockDecision{ShouldBlock: true, Reason: "IP reputation is critical (score 90)"}},
	})

	r := l.Evaluate(context.Background(), request("user-10", models.TierFree))
	assert.False(t, r.Allowed)
	assert.Equal(t, time.Hour, r.RetryAfter)
	assert.Equal(t, "IP reputation is critical (score 90)", r.Reason)
}

func TestEvaluate_RecordsActivity(t *testing.T) {
	store, _ := storagetest.NewRedis(t)
	rep := &fakeReputation{}
	l := newTestLimiter(t, store, Deps{Reputation: rep})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Evaluate(ctx, request("user-11", models.TierStandard))
	}
	assert.Equal(t, []string{
		models.ActivityRequest, models.ActivityRequest, models.ActivityRequest, models.ActivityRequest,
		models.ActivityRateLimitViolation,
	}, rep.activities)
}

func TestEvaluate_MitigationFactorReducesQuota(t *testing.T) {
	store, _ := storagetest.NewRedis(t)
	l := newTestLimiter(t, store, Deps{Detector: &fakeDetector{factor: 0.5}})
	ctx := context.Background()

	r := l.Evaluate(ctx, request("user-12", models.TierStandard))
	assert.Equal(t, int64(2), r.Limit)
	l.Evaluate(ctx, request("user-12", models.TierStandard))
	assert.False(t, l.Evaluate(ctx, request("user-12", models.TierStandard)).Allowed)
}

func TestEvaluate_ReputationMultiplier(t *testing.T) {
	store, _ := storagetest.NewRedis(t)
	rep := &fakeReputation{score: models.IPReputationScore{Score: 65, RiskLevel: models.RiskHigh}}

	off := newTestLimiter(t, store, Deps{Reputation: rep})
	assert.Equal(t, int64(5), off.Evaluate(context.Background(), request("user-13", models.TierFree)).Limit)

	on := newTestLimiter(t, store, Deps{Reputation: rep}, func(c *Config) { c.ApplyReputation = true })
	assert.Equal(t, int64(1), on.Evaluate(context.Background(), request("user-14", models.TierFree)).Limit)
}

func TestEvaluate_AnonymousIdentityUsesIP(t *testing.T) {
	store, _ := storagetest.NewRedis(t)
	l := newTestLimiter(t, store, Deps{})
	ctx := context.Background()

	l.Evaluate(ctx, request("", models.TierFree))

	status, err := l.GetUserStatus(ctx, "ip:198.51.100.20", models.TierFree)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.WindowCount)
}

func TestEvaluate_BypassTokenUsedOnce(t *testing.T) {
	store, _ := storagetest.NewRedis(t)
	logger := logging.Discard()
	tokens := bypass.NewManager(store, bypass.DefaultConfig(), logger)
	monitor := &fakeMonitor{}
	l := newTestLimiter(t, store, Deps{
		Bypass:     tokens,
		Detector:   detection.NewDetector(store, detection.DefaultThresholds(), logger),
		Reputation: reputation.NewScorer(store, nil, reputation.DefaultConfig(), logger),
		Monitor:    monitor,
	})
	ctx := context.Background()

	token, err := tokens.CreateToken(ctx, bypass.CreateRequest{Reason: "incident", CreatedBy: "ops", MaxUsage: 1})
	require.NoError(t, err)

	req := request("user-15", models.TierFree)
	req.BypassToken = token.Token
	assert.True(t, l.Evaluate(ctx, req).Bypassed)

	second := l.Evaluate(ctx, req)
	assert.False(t, second.Bypassed)
	assert.True(t, second.Allowed)
	assert.Equal(t, 1, monitor.bypasses)
}

func TestNewLimiter_RejectsInvalidTiers(t *testing.T) {
	store, _ := storagetest.NewRedis(t)

	cfg := DefaultConfig()
	cfg.Tiers = map[models.Tier]models.TierConfig{models.TierFree: {RequestsPerWindow: 0, Window: time.Hour}}
	_, err := NewLimiter(store, Deps{}, cfg, logging.Discard())
	assert.ErrorIs(t, err, ErrInvalidTierConfig)

	cfg.Tiers = map[models.Tier]models.TierConfig{"gold": {RequestsPerWindow: 1, Window: time.Hour}}
	_, err = NewLimiter(store, Deps{}, cfg, logging.Discard())
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestTierConfigAdmin(t *testing.T) {
	store, _ := storagetest.NewRedis(t)
	l := newTestLimiter(t, store, Deps{})

	configs := l.ListTierConfigs()
	require.Len(t, configs, 4)
	assert.Equal(t, models.TierStandard, configs[0].Tier)
	assert.Equal(t, models.TierAdmin, configs[3].Tier)

	err := l.UpdateTierConfig(models.TierEnterprise, models.TierConfig{RequestsPerWindow: 50, Window: time.Minute, BurstAllowance: 5})
	require.NoError(t, err)
	tc := l.GetTierConfig(models.TierEnterprise)
	assert.Equal(t, models.TierEnterprise, tc.Tier)
	assert.Equal(t, int64(50), tc.RequestsPerWindow)

	err = l.UpdateTierConfig(models.TierEnterprise, models.TierConfig{RequestsPerWindow: 10, Window: time.Minute, BurstAllowance: -1})
	assert.ErrorIs(t, err, ErrInvalidTierConfig)
	assert.Equal(t, int64(50), l.GetTierConfig(models.TierEnterprise).RequestsPerWindow)

	err = l.UpdateTierConfig("gold", models.TierConfig{RequestsPerWindow: 10, Window: time.Minute})
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestResetUserLimits(t *testing.T) {
	store, _ := storagetest.NewRedis(t)
	l := newTestLimiter(t, store, Deps{})
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		l.Evaluate(ctx, request("user-16", models.TierFree))
	}
	require.False(t, l.Evaluate(ctx, request("user-16", models.TierFree)).Allowed)

	require.NoError(t, l.ResetUserLimits(ctx, "user-16"))

	r := l.Evaluate(ctx, request("user-16", models.TierFree))
	assert.True(t, r.Allowed)
	assert.False(t, r.IsBurstUsed)
	assert.Equal(t, int64(6), r.Remaining)
}

func TestResetUserLimits_KeepsIdentitiesSharingPrefix(t *testing.T) {
	store, _ := storagetest.NewRedis(t)
	l := newTestLimiter(t, store, Deps{})
	ctx := context.Background()

	for _, identity := range []string{"burst", "ip", "ip:192.0.2.1", "user-17"} {
		for i := 0; i < 7; i++ {
			l.Evaluate(ctx, request(identity, models.TierFree))
		}
	}

	require.NoError(t, l.ResetUserLimits(ctx, "burst"))
	require.NoError(t, l.ResetUserLimits(ctx, "ip"))

	for _, identity := range []string{"burst", "ip"} {
		assert.Equal(t, int64(6), l.Evaluate(ctx, request(identity, models.TierFree)).Remaining, identity)
	}
	for _, identity := range []string{"ip:192.0.2.1", "user-17"} {
		assert.False(t, l.Evaluate(ctx, request(identity, models.TierFree)).Allowed, identity)
	}
}

func TestGetUserStatus_StoreFailure(t *testing.T) {
	l := newTestLimiter(t, &storagetest.FailingStore{}, Deps{})

	_, err := l.GetUserStatus(context.Background(), "user-17", models.TierFree)
	assert.ErrorIs(t, err, storagetest.ErrUnavailable)
	assert.Error(t, l.ResetUserLimits(context.Background(), "user-17"))
}
