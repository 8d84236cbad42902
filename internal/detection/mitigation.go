package detection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nshruti113/admission-guard/internal/models"
	"github.com/nshruti113/admission-guard/internal/storage"
)

const mitigationLogRetention = 24 * time.Hour

// ApplyMitigation persists the mitigation warranted by an attack result and
// returns it, or nil when the result calls for none.
func (d *Detector) ApplyMitigation(ctx context.Context, result models.DDoSDetectionResult) *models.MitigationAction {
	if !result.IsAttack {
		return nil
	}

	t := d.thresholds
	now := d.now()
	action := &models.MitigationAction{
		IPAddress: result.IPAddress,
		AppliedAt: now,
	}

	key := storage.DDoSBlockKey(result.IPAddress)
	switch {
	case result.RiskScore >= t.BanScore:
		action.Type = models.MitigationBan
		action.Duration = t.BanDuration
	case result.RiskScore >= t.BlockScore:
		action.Type = models.MitigationIPBlock
		action.Duration = t.BlockDuration
	case result.RiskScore >= t.RateLimitScore:
		action.Type = models.MitigationRateLimit
		action.Duration = t.RateLimitDuration
		action.Factor = t.RateLimitFactor
		key = storage.DDoSMitigationKey(result.IPAddress)
	default:
		return nil
	}
	action.ExpiresAt = now.Add(action.Duration)
	action.Reason = fmt.Sprintf("risk score %d with %d attack patterns", result.RiskScore, len(result.Patterns))

	logger := d.logger.WithFields(logrus.Fields{
		"ip":     result.IPAddress,
		"action": action.Type,
		"key":    key,
	})

	data, err := json.Marshal(action)
	if err != nil {
		logger.WithError(err).Error("Failed to encode mitigation")
		return action
	}
	if err := d.store.SetWithTTL(ctx, key, data, action.Duration); err != nil {
		logger.WithError(err).Error("Failed to persist mitigation")
		return action
	}
	if err := d.store.AddToWindow(ctx, storage.MitigationLogKey, now, string(data), mitigationLogRetention); err != nil {
		logger.WithError(err).Warn("Failed to log mitigation")
	} else if err := d.store.PruneBefore(ctx, storage.MitigationLogKey, now.Add(-mitigationLogRetention)); err != nil {
		logger.WithError(err).Warn("Failed to prune mitigation log")
	}

	logger.WithField("duration", action.Duration).Warn("Mitigation applied")
	return action
}

// IsIPBlocked reports whether a ban or IP block is in force. Store errors
// report false.
func (d *Detector) IsIPBlocked(ctx context.Context, ip string) bool {
	_, err := d.store.Get(ctx, storage.DDoSBlockKey(ip))
	if err == nil {
		return true
	}
	if !errors.Is(err, storage.ErrNotFound) {
		d.logger.WithField("ip", ip).WithError(err).Warn("Block lookup failed")
	}
	return false
}

// GetMitigation returns the active block, or failing that the active rate
// limit reduction, for ip.
func (d *Detector) GetMitigation(ctx context.Context, ip string) *models.MitigationAction {
	for _, key := range []string{storage.DDoSBlockKey(ip), storage.DDoSMitigationKey(ip)} {
		if action := d.loadAction(ctx, key); action != nil {
			return action
		}
	}
	return nil
}

// RateLimitFactor returns the quota multiplier in force for ip, 1 when none.
func (d *Detector) RateLimitFactor(ctx context.Context, ip string) float64 {
	action := d.loadAction(ctx, storage.DDoSMitigationKey(ip))
	if action == nil || action.Factor <= 0 {
		return 1
	}
	return action.Factor
}

func (d *Detector) loadAction(ctx context.Context, key string) *models.MitigationAction {
	data, err := d.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			d.logger.WithField("key", key).WithError(err).Warn("Mitigation lookup failed")
		}
		return nil
	}
	var action models.MitigationAction
	if err := json.Unmarshal(data, &action); err != nil {
		return nil
	}
	return &action
}

// UnblockIP lifts every mitigation in force for ip.
func (d *Detector) UnblockIP(ctx context.Context, ip string) error {
	if err := d.store.Delete(ctx, storage.DDoSBlockKey(ip), storage.DDoSMitigationKey(ip)); err != nil {
		return fmt.Errorf("detection: unblock %s: %w", ip, err)
	}
	d.logger.WithField("ip", ip).Info("Mitigation lifted")
	return nil
}

// MitigationHistory returns mitigations applied since the given time.
func (d *Detector) MitigationHistory(ctx context.Context, since time.Time) ([]models.MitigationAction, error) {
	members, err := d.store.RangeInWindow(ctx, storage.MitigationLogKey, since, d.now())
	if err != nil {
		return nil, err
	}
	actions := make([]models.MitigationAction, 0, len(members))
	for _, m := range members {
		var a models.MitigationAction
		if err := json.Unmarshal([]byte(m), &a); err != nil {
			continue
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// RecentAttacks returns stored attack detections since the given time.
func (d *Detector) RecentAttacks(ctx context.Context, since time.Time) ([]models.DDoSDetectionResult, error) {
	if d.history == nil {
		return []models.DDoSDetectionResult{}, nil
	}
	return d.history.RecentDetections(ctx, since)
}
