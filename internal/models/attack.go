package models

import "time"

// Attack pattern types
const (
	PatternVolumetric  = "volumetric"
	PatternProtocol    = "protocol"
	PatternApplication = "application"
)

// Recommended actions
const (
	ActionMonitor  = "monitor"
	ActionThrottle = "throttle"
	ActionBlock    = "block"
	ActionBan      = "ban"
)

// Mitigation action types
const (
	MitigationRateLimit = "rate_limit"
	MitigationIPBlock   = "ip_block"
	MitigationBan       = "ban"
)

// AttackPattern is one classified attack vector
type AttackPattern struct {
	Type              string   `json:"type"`       // volumetric, protocol, application
	Severity          string   `json:"severity"`   // low, medium, high, critical
	Confidence        float64  `json:"confidence"` // 0.0 to 1.0
	Indicators        []string `json:"indicators"`
	RecommendedAction string   `json:"recommended_action"`
}

// DDoSDetectionResult is the outcome of analyzing one request
type DDoSDetectionResult struct {
	IPAddress string          `json:"ip_address"`
	Timestamp time.Time       `json:"timestamp"`
	Patterns  []AttackPattern `json:"patterns"`
	RiskScore int             `json:"risk_score"`
	IsAttack  bool            `json:"is_attack"`
}

// MitigationAction represents a response to an attack
type MitigationAction struct {
	Type      string        `json:"type"` // rate_limit, ip_block, ban
	IPAddress string        `json:"ip_address"`
	Duration  time.Duration `json:"duration"`
	Reason    string        `json:"reason"`
	Factor    float64       `json:"factor,omitempty"`
	AppliedAt time.Time     `json:"applied_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}
