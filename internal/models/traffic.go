package models

import "time"

// TrafficRequest represents a single request seen by the admission layer
type TrafficRequest struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	UserID         string    `json:"user_id"`
	Tier           Tier      `json:"tier"`
	SourceIP       string    `json:"source_ip"`
	Method         string    `json:"method"`
	Endpoint       string    `json:"endpoint"`
	UserAgent      string    `json:"user_agent"`
	StatusCode     int       `json:"status_code"`
	ResponseTimeMs int       `json:"response_time_ms"`
	AuthFailed     bool      `json:"auth_failed,omitempty"`
}

// AbuseCheck is one triggered heuristic inside an abuse report
type AbuseCheck struct {
	Name        string  `json:"name"`
	Risk        float64 `json:"risk"`
	Description string  `json:"description"`
}

// AbuseReport is the result of running abuse heuristics over a request window
type AbuseReport struct {
	UserID     string       `json:"user_id"`
	IsAbusive  bool         `json:"is_abusive"`
	RiskScore  float64      `json:"risk_score"`
	Severity   string       `json:"severity"` // low, medium, high, critical
	Action     string       `json:"action"`   // allow, warn, block, ban
	Checks     []AbuseCheck `json:"checks"`
	Multiplier float64      `json:"multiplier"`
	AnalyzedAt time.Time    `json:"analyzed_at"`
}
