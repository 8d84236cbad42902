// Package ratelimit makes the per-request admission decision: bypass tokens,
// attack mitigation, reputation blocks and tiered sliding-window quotas.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nshruti113/admission-guard/internal/models"
	"github.com/nshruti113/admission-guard/internal/reputation"
	"github.com/nshruti113/admission-guard/internal/storage"
)

var (
	ErrInvalidTierConfig = errors.New("ratelimit: invalid tier config")
	ErrUnknownTier       = errors.New("ratelimit: unknown tier")
)

// Decision outcomes reported to the metrics recorder.
const (
	OutcomeAllowed    = "allowed"
	OutcomeBypassed   = "bypassed"
	OutcomeBlockedIP  = "blocked_ip"
	OutcomeAttack     = "attack"
	OutcomeReputation = "reputation"
	OutcomeQuota      = "quota"
	OutcomeFailOpen   = "fail_open"
)

// unlimited is the remaining quota reported for bypassed requests.
const unlimited = math.MaxInt32

type BypassValidator interface {
	ValidateAndUse(ctx context.Context, token, ip string) models.TokenValidation
}

type AttackDetector interface {
	IsIPBlocked(ctx context.Context, ip string) bool
	Analyze(ctx context.Context, req models.TrafficRequest) models.DDoSDetectionResult
	ApplyMitigation(ctx context.Context, result models.DDoSDetectionResult) *models.MitigationAction
	RateLimitFactor(ctx context.Context, ip string) float64
}

type ReputationScorer interface {
	GetReputation(ctx context.Context, ip string) models.IPReputationScore
	ShouldBlockIP(ctx context.Context, ip string) models.BlockDecision
	UpdateReputation(ctx context.Context, ip string, activity models.Activity) error
}

// Monitor receives admission events.
type Monitor interface {
	RecordEvent(eventType, ip string, details map[string]interface{})
	RecordDDoSDetection(result models.DDoSDetectionResult)
	RecordBypassUsage(ip, tokenHash, reason string)
}

// Recorder receives decision metrics.
type Recorder interface {
	Decision(tier models.Tier, outcome string)
	StoreFailure(component string)
}

// Deps are the collaborators consulted by Evaluate. Nil members are skipped.
type Deps struct {
	Bypass     BypassValidator
	Detector   AttackDetector
	Reputation ReputationScorer
	Monitor    Monitor
	Metrics    Recorder
}

// Config holds tier quotas and the retry hints for non-quota denials.
type Config struct {
	Tiers                map[models.Tier]models.TierConfig
	ApplyReputation      bool
	BlockedRetryAfter    time.Duration
	AttackRetryAfter     time.Duration
	ReputationRetryAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		Tiers:                models.DefaultTierConfigs(),
		BlockedRetryAfter:    15 * time.Minute,
		AttackRetryAfter:     time.Minute,
		ReputationRetryAfter: time.Hour,
	}
}

// Limiter is safe for concurrent use. Quota correctness relies on the
// atomicity of the counter store; tier configs are the only local state.
type Limiter struct {
	store  storage.CounterStore
	deps   Deps
	cfg    Config
	logger logrus.FieldLogger
	now    func() time.Time

	mu    sync.RWMutex
	tiers map[models.Tier]models.TierConfig
}

func NewLimiter(store storage.CounterStore, deps Deps, cfg Config, logger logrus.FieldLogger) (*Limiter, error) {
	tiers := models.DefaultTierConfigs()
	for tier, tc := range cfg.Tiers {
		if _, ok := tiers[tier]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
		}
		tc.Tier = tier
		if err := ValidateTierConfig(tc); err != nil {
			return nil, err
		}
		tiers[tier] = tc
	}

	return &Limiter{
		store:  store,
		deps:   deps,
		cfg:    cfg,
		logger: logger.WithField("component", "ratelimit"),
		now:    time.Now,
		tiers:  tiers,
	}, nil
}

// ValidateTierConfig rejects non-positive quotas or windows and negative burst.
func ValidateTierConfig(tc models.TierConfig) error {
	switch {
	case tc.RequestsPerWindow <= 0:
		return fmt.Errorf("%w: %s requests must be positive", ErrInvalidTierConfig, tc.Tier)
	case tc.Window < time.Second:
		return fmt.Errorf("%w: %s window must be at least 1s", ErrInvalidTierConfig, tc.Tier)
	case tc.BurstAllowance < 0:
		return fmt.Errorf("%w: %s burst must not be negative", ErrInvalidTierConfig, tc.Tier)
	}
	return nil
}

// Evaluate decides whether one request is admitted. It never fails: store
// outages resolve to allowing the request.
func (l *Limiter) Evaluate(ctx context.Context, req models.AdmissionRequest) models.RateLimitResult {
	tier := models.ParseTier(string(req.Tier))
	tc := l.GetTierConfig(tier)
	identity := identityOf(req)
	now := l.now()

	logger := l.logger.WithFields(logrus.Fields{
		"identity": identity,
		"tier":     tier,
		"ip":       req.IP,
	})

	if req.BypassToken != "" && l.deps.Bypass != nil {
		v := l.deps.Bypass.ValidateAndUse(ctx, req.BypassToken, req.IP)
		if v.IsValid {
			l.bypassUsed(req.IP, v.Token)
			logger.WithField("reason", v.Token.Reason).Info("Request admitted with bypass token")
			return l.finish(tier, OutcomeBypassed, req.IP, models.RateLimitResult{
				Allowed:   true,
				Limit:     tc.RequestsPerWindow,
				Remaining: unlimited,
				ResetTime: now.Add(tc.Window),
				Tier:      tier,
				Bypassed:  true,
				Reason:    "bypass token",
			})
		}
		logger.WithField("reason", v.Reason).Warn("Bypass token rejected")
		l.event(models.EventBypassRejected, req.IP, map[string]interface{}{"reason": v.Reason})
	}

	factor := 1.0
	if req.IP != "" {
		if denied, ok := l.screen(ctx, req, tier, tc, now); ok {
			return denied
		}
		if l.deps.Detector != nil {
			factor = l.deps.Detector.RateLimitFactor(ctx, req.IP)
		}
		if l.cfg.ApplyReputation && l.deps.Reputation != nil {
			factor *= reputation.RateLimitMultiplier(l.deps.Reputation.GetReputation(ctx, req.IP))
		}
	}

	limit := effectiveLimit(tc.RequestsPerWindow, factor)
	outcome, err := l.store.SlidingWindowAcquire(ctx, storage.AcquireRequest{
		WindowKey: storage.RateLimitWindowKey(identity, tc.Window),
		BurstKey:  storage.RateLimitBurstKey(identity),
		Now:       now,
		Window:    tc.Window,
		Limit:     limit,
		Burst:     tc.BurstAllowance,
		Member:    uuid.New().String(),
	})
	if err != nil {
		logger.WithError(err).Error("Quota store unavailable, failing open")
		if l.deps.Metrics != nil {
			l.deps.Metrics.StoreFailure("ratelimit")
		}
		l.event(models.EventStoreFailure, req.IP, map[string]interface{}{"component": "ratelimit"})
		return l.finish(tier, OutcomeFailOpen, req.IP, models.RateLimitResult{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit,
			ResetTime: now.Add(tc.Window),
			Tier:      tier,
			Reason:    "quota store unavailable",
		})
	}

	consumed := outcome.WindowCount + outcome.BurstCount
	result := models.RateLimitResult{
		Allowed:     outcome.Allowed,
		Limit:       limit,
		Remaining:   max(0, limit+tc.BurstAllowance-consumed),
		ResetTime:   now.Add(tc.Window),
		Tier:        tier,
		IsBurstUsed: outcome.BurstUsed,
	}

	if !outcome.Allowed {
		result.RetryAfter = tc.Window
		result.Reason = "rate limit exceeded"
		l.recordActivity(ctx, req, models.ActivityRateLimitViolation)
		l.event(models.EventRateLimitExceeded, req.IP, map[string]interface{}{
			"identity": identity,
			"tier":     string(tier),
			"consumed": consumed,
		})
		return l.finish(tier, OutcomeQuota, req.IP, result)
	}

	l.recordActivity(ctx, req, models.ActivityRequest)
	return l.finish(tier, OutcomeAllowed, req.IP, result)
}

// screen runs the IP checks that precede quota accounting and returns the
// denial, if any.
func (l *Limiter) screen(ctx context.Context, req models.AdmissionRequest, tier models.Tier, tc models.TierConfig, now time.Time) (models.RateLimitResult, bool) {
	deny := func(outcome, reason string, retryAfter time.Duration) (models.RateLimitResult, bool) {
		return l.finish(tier, outcome, req.IP, models.RateLimitResult{
			Allowed:    false,
			Limit:      tc.RequestsPerWindow,
			Remaining:  0,
			ResetTime:  now.Add(retryAfter),
			RetryAfter: retryAfter,
			Tier:       tier,
			Reason:     reason,
		}), true
	}

	if d := l.deps.Detector; d != nil {
		if d.IsIPBlocked(ctx, req.IP) {
			l.event(models.EventIPBlocked, req.IP, nil)
			return deny(OutcomeBlockedIP, "IP temporarily blocked", l.cfg.BlockedRetryAfter)
		}

		result := d.Analyze(ctx, models.TrafficRequest{
			ID:        uuid.New().String(),
			Timestamp: now,
			UserID:    req.Identity,
			Tier:      tier,
			SourceIP:  req.IP,
			Method:    req.Method,
			Endpoint:  req.Endpoint,
			UserAgent: req.UserAgent,
		})
		if result.IsAttack {
			if l.deps.Monitor != nil {
				l.deps.Monitor.RecordDDoSDetection(result)
			}
			retryAfter := l.cfg.AttackRetryAfter
			if action := d.ApplyMitigation(ctx, result); action != nil {
				retryAfter = action.Duration
				l.event(models.EventAttackMitigated, req.IP, map[string]interface{}{
					"action":     action.Type,
					"risk_score": result.RiskScore,
				})
			}
			l.recordActivity(ctx, req, models.ActivitySuspicious)
			return deny(OutcomeAttack, "attack pattern detected", retryAfter)
		}
	}

	if r := l.deps.Reputation; r != nil {
		if decision := r.ShouldBlockIP(ctx, req.IP); decision.ShouldBlock {
			l.event(models.EventReputationBlocked, req.IP, map[string]interface{}{"reason": decision.Reason})
			return deny(OutcomeReputation, decision.Reason, l.cfg.ReputationRetryAfter)
		}
	}
	return models.RateLimitResult{}, false
}

func (l *Limiter) finish(tier models.Tier, outcome, ip string, result models.RateLimitResult) models.RateLimitResult {
	if l.deps.Metrics != nil {
		l.deps.Metrics.Decision(tier, outcome)
	}
	eventType := models.EventRequestAllowed
	if !result.Allowed {
		eventType = models.EventRequestBlocked
	}
	l.event(eventType, ip, map[string]interface{}{"outcome": outcome, "tier": string(tier)})
	return result
}

func (l *Limiter) event(eventType, ip string, details map[string]interface{}) {
	if l.deps.Monitor != nil {
		l.deps.Monitor.RecordEvent(eventType, ip, details)
	}
}

func (l *Limiter) bypassUsed(ip string, token *models.BypassToken) {
	if l.deps.Monitor == nil || token == nil {
		return
	}
	l.deps.Monitor.RecordBypassUsage(ip, token.HashedToken, token.Reason)
}

func (l *Limiter) recordActivity(ctx context.Context, req models.AdmissionRequest, kind string) {
	if req.IP == "" || l.deps.Reputation == nil {
		return
	}
	err := l.deps.Reputation.UpdateReputation(ctx, req.IP, models.Activity{
		Type:      kind,
		Endpoint:  req.Endpoint,
		Details:   req.Method,
		Timestamp: l.now(),
	})
	if err != nil {
		l.logger.WithField("ip", req.IP).WithError(err).Warn("Failed to record reputation activity")
	}
}

func identityOf(req models.AdmissionRequest) string {
	if req.Identity != "" {
		return req.Identity
	}
	if req.IP != "" {
		return "ip:" + req.IP
	}
	return "anonymous"
}

func effectiveLimit(limit int64, factor float64) int64 {
	if factor <= 0 || factor >= 1 {
		return limit
	}
	return max(1, int64(float64(limit)*factor))
}

// GetTierConfig returns the config of tier, or of free for unknown tiers.
func (l *Limiter) GetTierConfig(tier models.Tier) models.TierConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if tc, ok := l.tiers[tier]; ok {
		return tc
	}
	return l.tiers[models.TierFree]
}

// ListTierConfigs returns every tier config in ascending order of quota.
func (l *Limiter) ListTierConfigs() []models.TierConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	configs := make([]models.TierConfig, 0, len(l.tiers))
	for _, tc := range l.tiers {
		configs = append(configs, tc)
	}
	sort.Slice(configs, func(i, j int) bool {
		return configs[i].RequestsPerWindow < configs[j].RequestsPerWindow
	})
	return configs
}

// UpdateTierConfig overrides the in-memory config of a known tier.
func (l *Limiter) UpdateTierConfig(tier models.Tier, tc models.TierConfig) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.tiers[tier]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	tc.Tier = tier
	if err := ValidateTierConfig(tc); err != nil {
		return err
	}
	l.tiers[tier] = tc
	l.logger.WithFields(logrus.Fields{
		"tier":     tier,
		"requests": tc.RequestsPerWindow,
		"window":   tc.Window,
		"burst":    tc.BurstAllowance,
	}).Info("Tier config updated")
	return nil
}

// ResetUserLimits deletes every quota counter of identity.
func (l *Limiter) ResetUserLimits(ctx context.Context, identity string) error {
	matched, err := l.store.ListKeysByPrefix(ctx, storage.RateLimitIdentityPrefix(identity))
	if err != nil {
		return fmt.Errorf("ratelimit: reset %s: %w", identity, err)
	}
	// The prefix also matches identities such as "ip:<addr>" under "ip".
	keys := []string{storage.RateLimitBurstKey(identity)}
	for _, key := range matched {
		if storage.IsRateLimitWindowKey(key, identity) {
			keys = append(keys, key)
		}
	}
	if err := l.store.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("ratelimit: reset %s: %w", identity, err)
	}
	l.logger.WithField("identity", identity).Info("User limits reset")
	return nil
}

// GetUserStatus returns a read-only quota snapshot for identity.
func (l *Limiter) GetUserStatus(ctx context.Context, identity string, tier models.Tier) (models.UserStatus, error) {
	tier = models.ParseTier(string(tier))
	tc := l.GetTierConfig(tier)
	now := l.now()

	count, err := l.store.CountInRange(ctx, storage.RateLimitWindowKey(identity, tc.Window), now.Add(-tc.Window), now)
	if err != nil {
		return models.UserStatus{}, fmt.Errorf("ratelimit: status %s: %w", identity, err)
	}

	var burst int64
	data, err := l.store.Get(ctx, storage.RateLimitBurstKey(identity))
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return models.UserStatus{}, fmt.Errorf("ratelimit: status %s: %w", identity, err)
	default:
		burst, _ = strconv.ParseInt(string(data), 10, 64)
	}

	return models.UserStatus{
		Identity:       identity,
		Tier:           tier,
		Limit:          tc.RequestsPerWindow,
		BurstAllowance: tc.BurstAllowance,
		WindowCount:    count,
		BurstCount:     burst,
		Remaining:      max(0, tc.RequestsPerWindow+tc.BurstAllowance-count-burst),
		ResetTime:      now.Add(tc.Window),
	}, nil
}
