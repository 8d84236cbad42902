package models

import "time"

// BypassToken is an emergency override credential. Token carries the raw
// secret only in the response to its creation.
type BypassToken struct {
	Token          string    `json:"token,omitempty"`
	HashedToken    string    `json:"hashed_token"`
	Reason         string    `json:"reason"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	MaxUsage       int64     `json:"max_usage"`
	UsageCount     int64     `json:"usage_count"`
	IPRestrictions []string  `json:"ip_restrictions,omitempty"`
}

// TokenValidation is the result of presenting a bypass token
type TokenValidation struct {
	IsValid bool         `json:"is_valid"`
	Reason  string       `json:"reason,omitempty"`
	Token   *BypassToken `json:"token,omitempty"`
}

// TokenStats summarizes stored bypass tokens
type TokenStats struct {
	Active     int   `json:"active"`
	Expired    int   `json:"expired"`
	TotalUsage int64 `json:"total_usage"`
}
