package storage

import (
	"fmt"
	"strings"
	"time"
)

// Key namespace of the counter store. TTLs are derived from the window or
// duration each key tracks, so none of these need explicit cleanup.
const (
	RateLimitPrefix         = "ratelimit:"
	DDoSPrefix              = "ddos:"
	ReputationPrefix        = "ip:reputation:"
	ReputationVersionPrefix = "ip:repversion:"
	WhitelistPrefix         = "ip:whitelist:"
	BlacklistPrefix         = "ip:blacklist:"
	ActivityPrefix          = "ip:activity:"
	BypassTokenPrefix       = "bypass:token:"
	BypassUsagePrefix       = "bypass:usage:"
	MitigationLogKey        = "ddos:mitigation:log"
	DetectionHistoryKey     = "ddos:history"
	AlertsChannel           = "alerts"
)

// RateLimitWindowKey returns the sliding window key for an identity.
// Example: ratelimit:user-1:3600
func RateLimitWindowKey(identity string, window time.Duration) string {
	return fmt.Sprintf("%s%s:%d", RateLimitPrefix, identity, int64(window.Seconds()))
}

// RateLimitIdentityPrefix matches every window key of an identity.
func RateLimitIdentityPrefix(identity string) string {
	return RateLimitPrefix + identity + ":"
}

// IsRateLimitWindowKey reports whether key is one of identity's window keys
// rather than a key of another identity that shares its prefix.
func IsRateLimitWindowKey(key, identity string) bool {
	seconds, ok := strings.CutPrefix(key, RateLimitIdentityPrefix(identity))
	if !ok || seconds == "" {
		return false
	}
	for _, c := range seconds {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// RateLimitBurstKey returns the burst counter key for an identity.
func RateLimitBurstKey(identity string) string {
	return RateLimitPrefix + "burst:" + identity
}

func DDoSRequestsKey(ip string) string {
	return DDoSPrefix + "requests:" + ip
}

func DDoSEndpointKey(ip, endpoint string) string {
	return DDoSPrefix + "endpoint:" + ip + ":" + endpoint
}

func DDoSBlockKey(ip string) string {
	return DDoSPrefix + "block:" + ip
}

// DDoSMitigationKey holds the rate-limit reduction applied to an IP.
func DDoSMitigationKey(ip string) string {
	return DDoSPrefix + "mitigation:" + ip
}

func ReputationKey(ip string) string {
	return ReputationPrefix + ip
}

// ReputationVersionKey counts invalidations of an IP's cached score.
func ReputationVersionKey(ip string) string {
	return ReputationVersionPrefix + ip
}

func WhitelistKey(ip string) string {
	return WhitelistPrefix + ip
}

func BlacklistKey(ip string) string {
	return BlacklistPrefix + ip
}

func ActivityKey(ip string) string {
	return ActivityPrefix + ip
}

func BypassTokenKey(hash string) string {
	return BypassTokenPrefix + hash
}

func BypassUsageKey(hash string) string {
	return BypassUsagePrefix + hash
}
