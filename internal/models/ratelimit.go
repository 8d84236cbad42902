package models

import "time"

// Tier is a named quota class
type Tier string

const (
	TierFree       Tier = "free"
	TierStandard   Tier = "standard"
	TierEnterprise Tier = "enterprise"
	TierAdmin      Tier = "admin"
)

// Tiers lists every known tier in ascending order of quota
var Tiers = []Tier{TierFree, TierStandard, TierEnterprise, TierAdmin}

// ParseTier maps a raw tier name to a known tier, falling back to free.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierFree, TierStandard, TierEnterprise, TierAdmin:
		return Tier(s)
	}
	return TierFree
}

// TierConfig is the quota definition for a tier
type TierConfig struct {
	Tier              Tier          `json:"tier"`
	RequestsPerWindow int64         `json:"requests_per_window"`
	Window            time.Duration `json:"window"`
	BurstAllowance    int64         `json:"burst_allowance"`
}

// DefaultTierConfigs returns the built-in quota for every tier.
func DefaultTierConfigs() map[Tier]TierConfig {
	return map[Tier]TierConfig{
		TierFree:       {Tier: TierFree, RequestsPerWindow: 100, Window: time.Hour, BurstAllowance: 10},
		TierStandard:   {Tier: TierStandard, RequestsPerWindow: 1000, Window: time.Hour, BurstAllowance: 100},
		TierEnterprise: {Tier: TierEnterprise, RequestsPerWindow: 10000, Window: time.Hour, BurstAllowance: 1000},
		TierAdmin:      {Tier: TierAdmin, RequestsPerWindow: 100000, Window: time.Hour, BurstAllowance: 10000},
	}
}

// AdmissionRequest is everything the transport layer knows about a request
type AdmissionRequest struct {
	Identity    string `json:"identity"`
	Tier        Tier   `json:"tier"`
	Endpoint    string `json:"endpoint"`
	Method      string `json:"method"`
	IP          string `json:"ip,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	BypassToken string `json:"bypass_token,omitempty"`
}

// RateLimitResult is the admission decision for one request
type RateLimitResult struct {
	Allowed     bool          `json:"allowed"`
	Limit       int64         `json:"limit"`
	Remaining   int64         `json:"remaining"`
	ResetTime   time.Time     `json:"reset_time"`
	RetryAfter  time.Duration `json:"retry_after,omitempty"`
	Tier        Tier          `json:"tier"`
	IsBurstUsed bool          `json:"is_burst_used"`
	Reason      string        `json:"reason,omitempty"`
	Bypassed    bool          `json:"bypassed,omitempty"`
}

// QuotaOutcome is the raw result of one sliding-window acquisition
type QuotaOutcome struct {
	Allowed     bool
	WindowCount int64
	BurstCount  int64
	BurstUsed   bool
}

// UserStatus is a read-only snapshot of an identity's quota
type UserStatus struct {
	Identity       string    `json:"identity"`
	Tier           Tier      `json:"tier"`
	Limit          int64     `json:"limit"`
	BurstAllowance int64     `json:"burst_allowance"`
	WindowCount    int64     `json:"window_count"`
	BurstCount     int64     `json:"burst_count"`
	Remaining      int64     `json:"remaining"`
	ResetTime      time.Time `json:"reset_time"`
}
