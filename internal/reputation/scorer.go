// Package reputation computes and caches a 0-100 risk score per IP
// (higher is worse) from threat intelligence, manual lists and recorded
// behavior.
package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/nshruti113/admission-guard/internal/models"
	"github.com/nshruti113/admission-guard/internal/storage"
)

const neutralScore = 50

// IntelProvider supplies external reputation factors for an IP.
type IntelProvider interface {
	Lookup(ctx context.Context, ip string) []models.ReputationFactor
}

// Config holds scoring windows and list impacts.
type Config struct {
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	ActivityRetention time.Duration `mapstructure:"activity_retention"`
	BehaviorWindow    time.Duration `mapstructure:"behavior_window"`
	WhitelistImpact   int           `mapstructure:"whitelist_impact"`
	BlacklistImpact   int           `mapstructure:"blacklist_impact"`
	// ApplyMultiplier scales quotas by reputation in the rate limiter.
	ApplyMultiplier bool `mapstructure:"apply_multiplier"`
}

func DefaultConfig() Config {
	return Config{
		CacheTTL:          time.Hour,
		ActivityRetention: 24 * time.Hour,
		BehaviorWindow:    time.Hour,
		WhitelistImpact:   -30,
		BlacklistImpact:   40,
	}
}

// Scorer is safe for concurrent use; concurrent cache misses for the same IP
// share one recomputation. Every invalidation bumps a per-IP version, and a
// computation only caches its result while the version it started from is
// current.
type Scorer struct {
	store  storage.CounterStore
	intel  IntelProvider
	cfg    Config
	logger logrus.FieldLogger
	group  singleflight.Group
	now    func() time.Time
}

// NewScorer creates a scorer. intel may be nil.
func NewScorer(store storage.CounterStore, intel IntelProvider, cfg Config, logger logrus.FieldLogger) *Scorer {
	return &Scorer{
		store:  store,
		intel:  intel,
		cfg:    cfg,
		logger: logger.WithField("component", "reputation"),
		now:    time.Now,
	}
}

func (s *Scorer) neutral(ip string) models.IPReputationScore {
	now := s.now()
	return models.IPReputationScore{
		IPAddress:   ip,
		Score:       neutralScore,
		RiskLevel:   models.RiskMedium,
		Factors:     []models.ReputationFactor{},
		LastUpdated: now,
		FirstSeen:   now,
	}
}

// GetReputation returns the cached score while it is fresh, recomputing it
// otherwise. Store failures yield the neutral score.
func (s *Scorer) GetReputation(ctx context.Context, ip string) models.IPReputationScore {
	cached, err := s.cached(ctx, ip)
	if err == nil && s.now().Sub(cached.LastUpdated) < s.cfg.CacheTTL {
		return *cached
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.WithField("ip", ip).WithError(err).Warn("Reputation cache read failed")
		return s.neutral(ip)
	}

	v, err, _ := s.group.Do(ip, func() (interface{}, error) {
		return s.compute(ctx, ip, cached)
	})
	if err != nil {
		s.logger.WithField("ip", ip).WithError(err).Warn("Reputation computation failed, using neutral score")
		return s.neutral(ip)
	}
	return v.(models.IPReputationScore)
}

func (s *Scorer) cached(ctx context.Context, ip string) (*models.IPReputationScore, error) {
	data, err := s.store.Get(ctx, storage.ReputationKey(ip))
	if err != nil {
		return nil, err
	}
	var score models.IPReputationScore
	if err := json.Unmarshal(data, &score); err != nil {
		// Corrupt entries are treated as a miss.
		return nil, storage.ErrNotFound
	}
	return &score, nil
}

func (s *Scorer) version(ctx context.Context, ip string) (int64, error) {
	data, err := s.store.Get(ctx, storage.ReputationVersionKey(ip))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(data), 10, 64)
}

func (s *Scorer) compute(ctx context.Context, ip string, previous *models.IPReputationScore) (models.IPReputationScore, error) {
	// Read before any input so a concurrent list edit supersedes this result.
	version, err := s.version(ctx, ip)
	if err != nil {
		return models.IPReputationScore{}, err
	}

	now := s.now()
	var factors []models.ReputationFactor

	whitelisted, err := s.listEntry(ctx, storage.WhitelistKey(ip))
	if err != nil {
		return models.IPReputationScore{}, err
	}

	activity, err := s.activitySince(ctx, ip, now.Add(-s.cfg.ActivityRetention))
	if err != nil {
		return models.IPReputationScore{}, err
	}

	if whitelisted != nil {
		// A whitelist entry is authoritative over every other signal.
		factors = append(factors, models.ReputationFactor{
			Type:        "whitelist",
			Source:      "manual",
			Impact:      s.cfg.WhitelistImpact,
			Description: "Whitelisted by " + whitelisted.AddedBy + ": " + whitelisted.Reason,
			Timestamp:   whitelisted.AddedAt,
		})
	} else {
		if s.intel != nil {
			factors = append(factors, s.intel.Lookup(ctx, ip)...)
		}

		blacklisted, err := s.listEntry(ctx, storage.BlacklistKey(ip))
		if err != nil {
			return models.IPReputationScore{}, err
		}
		if blacklisted != nil {
			factors = append(factors, models.ReputationFactor{
				Type:        "blacklist",
				Source:      "manual",
				Impact:      s.cfg.BlacklistImpact,
				Description: "Blacklisted by " + blacklisted.AddedBy + ": " + blacklisted.Reason,
				Timestamp:   blacklisted.AddedAt,
			})
		}

		factors = append(factors, s.behaviorFactors(activity, now)...)
	}

	total := neutralScore
	for _, f := range factors {
		total += f.Impact
	}
	score := clamp(total, 0, 100)

	firstSeen := now
	if previous != nil && !previous.FirstSeen.IsZero() {
		firstSeen = previous.FirstSeen
	}
	if len(activity) > 0 && activity[0].Timestamp.Before(firstSeen) {
		firstSeen = activity[0].Timestamp
	}

	if factors == nil {
		factors = []models.ReputationFactor{}
	}
	result := models.IPReputationScore{
		IPAddress:   ip,
		Score:       score,
		RiskLevel:   models.RiskLevelFor(score),
		Factors:     factors,
		LastUpdated: now,
		FirstSeen:   firstSeen,
	}

	data, err := json.Marshal(result)
	if err != nil {
		return models.IPReputationScore{}, err
	}
	stored, err := s.store.SetIfVersion(ctx, storage.ReputationKey(ip), data, s.cfg.CacheTTL,
		storage.ReputationVersionKey(ip), version)
	switch {
	case err != nil:
		// Serve the computed score even though it could not be cached.
		s.logger.WithField("ip", ip).WithError(err).Warn("Failed to cache reputation")
	case !stored:
		s.logger.WithField("ip", ip).Debug("Reputation changed during computation, not caching")
	}
	return result, nil
}

func (s *Scorer) behaviorFactors(activity []models.Activity, now time.Time) []models.ReputationFactor {
	since := now.Add(-s.cfg.BehaviorWindow)
	var authFailures, violations, suspicious int
	for _, a := range activity {
		if a.Timestamp.Before(since) {
			continue
		}
		switch a.Type {
		case models.ActivityAuthFailure:
			authFailures++
		case models.ActivityRateLimitViolation:
			violations++
		case models.ActivitySuspicious:
			suspicious++
		}
	}

	var factors []models.ReputationFactor
	if authFailures > 0 {
		factors = append(factors, models.ReputationFactor{
			Type:        "auth_failures",
			Source:      "behavior",
			Impact:      min(25, authFailures*2),
			Description: fmt.Sprintf("%d authentication failures in the last hour", authFailures),
			Timestamp:   now,
		})
	}
	if violations > 0 {
		factors = append(factors, models.ReputationFactor{
			Type:        "rate_limit_violations",
			Source:      "behavior",
			Impact:      min(20, violations*3),
			Description: fmt.Sprintf("%d rate limit violations in the last hour", violations),
			Timestamp:   now,
		})
	}
	if suspicious > 0 {
		factors = append(factors, models.ReputationFactor{
			Type:        "suspicious_activity",
			Source:      "behavior",
			Impact:      min(15, suspicious*5),
			Description: fmt.Sprintf("%d suspicious requests in the last hour", suspicious),
			Timestamp:   now,
		})
	}
	return factors
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (s *Scorer) activitySince(ctx context.Context, ip string, since time.Time) ([]models.Activity, error) {
	members, err := s.store.RangeInWindow(ctx, storage.ActivityKey(ip), since, s.now())
	if err != nil {
		return nil, err
	}
	activity := make([]models.Activity, 0, len(members))
	for _, m := range members {
		var a models.Activity
		if err := json.Unmarshal([]byte(m), &a); err != nil {
			continue
		}
		activity = append(activity, a)
	}
	return activity, nil
}

// GetActivity returns the recorded activity of an IP within the retention window.
func (s *Scorer) GetActivity(ctx context.Context, ip string) []models.Activity {
	activity, err := s.activitySince(ctx, ip, s.now().Add(-s.cfg.ActivityRetention))
	if err != nil {
		s.logger.WithField("ip", ip).WithError(err).Warn("Failed to read activity")
		return []models.Activity{}
	}
	return activity
}

// UpdateReputation records activity for an IP and invalidates its cached
// score when the activity type contributes to it.
func (s *Scorer) UpdateReputation(ctx context.Context, ip string, activity models.Activity) error {
	if activity.ID == "" {
		activity.ID = uuid.New().String()
	}
	if activity.Timestamp.IsZero() {
		activity.Timestamp = s.now()
	}

	data, err := json.Marshal(activity)
	if err != nil {
		return err
	}

	key := storage.ActivityKey(ip)
	if err := s.store.AddToWindow(ctx, key, activity.Timestamp, string(data), s.cfg.ActivityRetention); err != nil {
		return fmt.Errorf("reputation: record activity: %w", err)
	}
	if err := s.store.PruneBefore(ctx, key, s.now().Add(-s.cfg.ActivityRetention)); err != nil {
		return fmt.Errorf("reputation: prune activity: %w", err)
	}
	if activity.Type == models.ActivityRequest {
		// Plain requests carry no score factor, so the cached score stays valid.
		return nil
	}
	return s.invalidate(ctx, ip)
}

func (s *Scorer) invalidate(ctx context.Context, ip string) error {
	if _, err := s.store.Increment(ctx, storage.ReputationVersionKey(ip), s.cfg.ActivityRetention); err != nil {
		return fmt.Errorf("reputation: invalidate cache: %w", err)
	}
	if err := s.store.Delete(ctx, storage.ReputationKey(ip)); err != nil {
		return fmt.Errorf("reputation: invalidate cache: %w", err)
	}
	return nil
}

// ShouldBlockIP blocks critical IPs and IPs with three or more factors of
// impact 20 or more.
func (s *Scorer) ShouldBlockIP(ctx context.Context, ip string) models.BlockDecision {
	rep := s.GetReputation(ctx, ip)

	if rep.RiskLevel == models.RiskCritical {
		return models.BlockDecision{
			ShouldBlock: true,
			Reason:      fmt.Sprintf("IP reputation is critical (score %d)", rep.Score),
		}
	}

	high := 0
	for _, f := range rep.Factors {
		if f.Impact >= 20 {
			high++
		}
	}
	if high >= 3 {
		return models.BlockDecision{
			ShouldBlock: true,
			Reason:      fmt.Sprintf("%d high-impact risk factors", high),
		}
	}
	return models.BlockDecision{}
}

// RateLimitMultiplier scales quota down for risky callers.
func RateLimitMultiplier(rep models.IPReputationScore) float64 {
	switch rep.RiskLevel {
	case models.RiskCritical:
		return 0.1
	case models.RiskHigh:
		return 0.3
	case models.RiskMedium:
		return 0.7
	default:
		return 1.0
	}
}

func (s *Scorer) listEntry(ctx context.Context, key string) (*models.ListEntry, error) {
	data, err := s.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry models.ListEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("reputation: corrupt list entry %s: %w", key, err)
	}
	return &entry, nil
}

// WhitelistIP adds or updates a whitelist entry, removes any blacklist entry
// and pushes the recomputed score into the cache.
func (s *Scorer) WhitelistIP(ctx context.Context, ip, reason, addedBy string) (models.IPReputationScore, error) {
	return s.setList(ctx, ip, storage.WhitelistKey(ip), storage.BlacklistKey(ip), reason, addedBy)
}

// BlacklistIP adds or updates a blacklist entry, removes any whitelist entry
// and pushes the recomputed score into the cache.
func (s *Scorer) BlacklistIP(ctx context.Context, ip, reason, addedBy string) (models.IPReputationScore, error) {
	return s.setList(ctx, ip, storage.BlacklistKey(ip), storage.WhitelistKey(ip), reason, addedBy)
}

func (s *Scorer) setList(ctx context.Context, ip, key, opposite, reason, addedBy string) (models.IPReputationScore, error) {
	if strings.TrimSpace(ip) == "" {
		return models.IPReputationScore{}, errors.New("reputation: ip is required")
	}
	data, err := json.Marshal(models.ListEntry{
		IPAddress: ip,
		Reason:    reason,
		AddedBy:   addedBy,
		AddedAt:   s.now(),
	})
	if err != nil {
		return models.IPReputationScore{}, err
	}

	if err := s.store.SetWithTTL(ctx, key, data, 0); err != nil {
		return models.IPReputationScore{}, fmt.Errorf("reputation: update list: %w", err)
	}
	if err := s.store.Delete(ctx, opposite); err != nil {
		return models.IPReputationScore{}, fmt.Errorf("reputation: update list: %w", err)
	}
	return s.refresh(ctx, ip)
}

// RemoveFromWhitelist deletes a whitelist entry.
func (s *Scorer) RemoveFromWhitelist(ctx context.Context, ip string) (models.IPReputationScore, error) {
	return s.removeList(ctx, ip, storage.WhitelistKey(ip))
}

// RemoveFromBlacklist deletes a blacklist entry.
func (s *Scorer) RemoveFromBlacklist(ctx context.Context, ip string) (models.IPReputationScore, error) {
	return s.removeList(ctx, ip, storage.BlacklistKey(ip))
}

func (s *Scorer) removeList(ctx context.Context, ip, key string) (models.IPReputationScore, error) {
	if err := s.store.Delete(ctx, key); err != nil {
		return models.IPReputationScore{}, fmt.Errorf("reputation: update list: %w", err)
	}
	return s.refresh(ctx, ip)
}

// refresh recomputes outside the singleflight group: an in-flight
// computation may have read the lists before the edit.
func (s *Scorer) refresh(ctx context.Context, ip string) (models.IPReputationScore, error) {
	previous, _ := s.cached(ctx, ip)
	if err := s.invalidate(ctx, ip); err != nil {
		return models.IPReputationScore{}, err
	}
	s.group.Forget(ip)

	rep, err := s.compute(ctx, ip, previous)
	if err != nil {
		s.logger.WithField("ip", ip).WithError(err).Warn("Reputation computation failed, using neutral score")
		return s.neutral(ip), nil
	}
	return rep, nil
}

// IsWhitelisted reports whether ip has a whitelist entry. Store errors report false.
func (s *Scorer) IsWhitelisted(ctx context.Context, ip string) bool {
	entry, err := s.listEntry(ctx, storage.WhitelistKey(ip))
	return err == nil && entry != nil
}

// IsBlacklisted reports whether ip has a blacklist entry. Store errors report false.
func (s *Scorer) IsBlacklisted(ctx context.Context, ip string) bool {
	entry, err := s.listEntry(ctx, storage.BlacklistKey(ip))
	return err == nil && entry != nil
}

// ListEntries returns every whitelist (blacklist=false) or blacklist entry.
func (s *Scorer) ListEntries(ctx context.Context, blacklist bool) ([]models.ListEntry, error) {
	prefix := storage.WhitelistPrefix
	if blacklist {
		prefix = storage.BlacklistPrefix
	}
	keys, err := s.store.ListKeysByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}

	entries := make([]models.ListEntry, 0, len(keys))
	for _, key := range keys {
		entry, err := s.listEntry(ctx, key)
		if err != nil || entry == nil {
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}
