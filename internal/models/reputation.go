package models

import "time"

// Risk levels
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Activity types recorded against an IP
const (
	ActivityRequest            = "request"
	ActivityAuthFailure        = "auth_failure"
	ActivityRateLimitViolation = "rate_limit_violation"
	ActivitySuspicious         = "suspicious"
)

// ReputationFactor is one signed contribution to a reputation score
type ReputationFactor struct {
	Type        string    `json:"type"`
	Source      string    `json:"source,omitempty"`
	Impact      int       `json:"impact"` // -50 to +50
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// IPReputationScore is the aggregate trust score of an IP, higher is worse
type IPReputationScore struct {
	IPAddress   string             `json:"ip_address"`
	Score       int                `json:"score"`
	RiskLevel   string             `json:"risk_level"`
	Factors     []ReputationFactor `json:"factors"`
	LastUpdated time.Time          `json:"last_updated"`
	FirstSeen   time.Time          `json:"first_seen"`
}

// RiskLevelFor maps a score onto a risk level.
func RiskLevelFor(score int) string {
	switch {
	case score >= 80:
		return RiskCritical
	case score >= 60:
		return RiskHigh
	case score >= 40:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Activity is one behavior record for an IP
type Activity struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ListEntry is a manual whitelist or blacklist entry
type ListEntry struct {
	IPAddress string    `json:"ip_address"`
	Reason    string    `json:"reason"`
	AddedBy   string    `json:"added_by"`
	AddedAt   time.Time `json:"added_at"`
}

// BlockDecision is the answer to "should this IP be blocked"
type BlockDecision struct {
	ShouldBlock bool   `json:"should_block"`
	Reason      string `json:"reason,omitempty"`
}
