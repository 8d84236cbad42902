package monitoring

import (
	"fmt"

	"github.com/nshruti113/admission-guard/internal/models"
)

// AlertTemplate is the alert raised when a rule matches. Message is built
// from the evaluated snapshot.
type AlertTemplate struct {
	Type     string
	Severity string
	Title    string
	Message  func(models.MetricsSnapshot) string
}

// AlertRule raises its template whenever Condition holds, at most once per
// CooldownMinutes.
type AlertRule struct {
	ID              string
	Condition       func(models.MetricsSnapshot) bool
	Template        AlertTemplate
	CooldownMinutes int
	Enabled         bool
}

// DefaultRules are evaluated by every health check.
func DefaultRules(cfg Config) []AlertRule {
	return []AlertRule{
		{
			ID: "high_block_rate",
			Condition: func(s models.MetricsSnapshot) bool {
				return s.TotalRequests > 0 && s.BlockedRate >= cfg.BlockedRateThreshold
			},
			Template: AlertTemplate{
				Type:     AlertBlockedRate,
				Severity: models.SeverityHigh,
				Title:    "High blocked request rate",
				Message: func(s models.MetricsSnapshot) string {
					return fmt.Sprintf("%.1f%% of %d requests were blocked", s.BlockedRate*100, s.TotalRequests)
				},
			},
			CooldownMinutes: cfg.CooldownMinutes,
			Enabled:         true,
		},
		{
			ID: "ddos_volume",
			Condition: func(s models.MetricsSnapshot) bool {
				return s.DDoSAttacks >= cfg.DDoSAttackThreshold
			},
			Template: AlertTemplate{
				Type:     AlertDDoSVolume,
				Severity: models.SeverityCritical,
				Title:    "Sustained DDoS activity",
				Message: func(s models.MetricsSnapshot) string {
					return fmt.Sprintf("%d attack detections in the health check window", s.DDoSAttacks)
				},
			},
			CooldownMinutes: cfg.CooldownMinutes,
			Enabled:         true,
		},
		{
			ID: "bypass_usage",
			Condition: func(s models.MetricsSnapshot) bool {
				return s.BypassUsages >= cfg.BypassUsageThreshold
			},
			Template: AlertTemplate{
				Type:     AlertBypassUsage,
				Severity: models.SeverityMedium,
				Title:    "Heavy bypass token usage",
				Message: func(s models.MetricsSnapshot) string {
					return fmt.Sprintf("%d requests admitted with bypass tokens", s.BypassUsages)
				},
			},
			CooldownMinutes: cfg.CooldownMinutes,
			Enabled:         true,
		},
		{
			ID: "store_failures",
			Condition: func(s models.MetricsSnapshot) bool {
				return s.StoreFailures > 0
			},
			Template: AlertTemplate{
				Type:     AlertStoreFailure,
				Severity: models.SeverityHigh,
				Title:    "Counter store unavailable",
				Message: func(s models.MetricsSnapshot) string {
					return fmt.Sprintf("%d admission decisions failed open", s.StoreFailures)
				},
			},
			CooldownMinutes: cfg.CooldownMinutes,
			Enabled:         true,
		},
	}
}

// AddRule registers an additional rule.
func (a *Alerter) AddRule(rule AlertRule) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rules = append(a.rules, rule)
}

// SetRuleEnabled toggles a rule by ID and reports whether it exists.
func (a *Alerter) SetRuleEnabled(id string, enabled bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.rules {
		if a.rules[i].ID == id {
			a.rules[i].Enabled = enabled
			return true
		}
	}
	return false
}

// EvaluateRules raises the template of every enabled rule whose condition
// holds for the snapshot and returns the alerts created.
func (a *Alerter) EvaluateRules(snapshot models.MetricsSnapshot) []models.Alert {
	a.mu.Lock()
	rules := make([]AlertRule, len(a.rules))
	copy(rules, a.rules)
	a.mu.Unlock()

	var created []models.Alert
	for _, rule := range rules {
		if !rule.Enabled || rule.Condition == nil || !rule.Condition(snapshot) {
			continue
		}
		message := rule.Template.Title
		if rule.Template.Message != nil {
			message = rule.Template.Message(snapshot)
		}
		metadata := map[string]interface{}{
			"rule":           rule.ID,
			"total_requests": snapshot.TotalRequests,
			"blocked_rate":   snapshot.BlockedRate,
			"ddos_attacks":   snapshot.DDoSAttacks,
			"bypass_usages":  snapshot.BypassUsages,
		}
		if alert, ok := a.raise(rule.Template.Type, rule.Template.Severity, rule.Template.Title, message, metadata, rule.CooldownMinutes); ok {
			created = append(created, alert)
		}
	}
	return created
}
