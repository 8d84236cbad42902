package models

import "time"

// Alert severities
const (
	SeverityInfo     = "info"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Admission event types reported to the monitoring alerter
const (
	EventRequestAllowed    = "request_allowed"
	EventRequestBlocked    = "request_blocked"
	EventRateLimitExceeded = "rate_limit_exceeded"
	EventIPBlocked         = "ip_blocked"
	EventReputationBlocked = "reputation_blocked"
	EventAttackMitigated   = "attack_mitigated"
	EventBypassRejected    = "bypass_rejected"
	EventStoreFailure      = "store_failure"
)

// Alert represents a security alert
type Alert struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Severity   string                 `json:"severity"`
	Title      string                 `json:"title"`
	Message    string                 `json:"message"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Resolved   bool                   `json:"resolved"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
	Deliveries []Delivery             `json:"deliveries,omitempty"`
}

// Delivery records one notification attempt for an alert
type Delivery struct {
	Channel   string    `json:"channel"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MetricsSnapshot is a periodic aggregate of admission activity
type MetricsSnapshot struct {
	Timestamp       time.Time      `json:"timestamp"`
	TotalRequests   int64          `json:"total_requests"`
	AllowedRequests int64          `json:"allowed_requests"`
	BlockedRequests int64          `json:"blocked_requests"`
	BlockedRate     float64        `json:"blocked_rate"`
	DDoSAttacks     int64          `json:"ddos_attacks"`
	BypassUsages    int64          `json:"bypass_usages"`
	StoreFailures   int64          `json:"store_failures"`
	ActiveAlerts    int            `json:"active_alerts"`
	Events          map[string]int `json:"events,omitempty"`
	TopBlockedIPs   []IPCount      `json:"top_blocked_ips,omitempty"`
}

type IPCount struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
}
