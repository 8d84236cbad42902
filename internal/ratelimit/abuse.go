package ratelimit

import (
	"fmt"
	"regexp"
	"time"

	"github.com/nshruti113/admission-guard/internal/models"
)

// AbuseConfig holds the DetectAbuse heuristic thresholds.
type AbuseConfig struct {
	EndpointFloodThreshold int           `mapstructure:"endpoint_flood_threshold"`
	ScatterThreshold       int           `mapstructure:"scatter_threshold"`
	ScatterWindow          time.Duration `mapstructure:"scatter_window"`
	AuthFailureRate        float64       `mapstructure:"auth_failure_rate"`
	AuthFailureMinRequests int           `mapstructure:"auth_failure_min_requests"`
	SlowResponseMs         int           `mapstructure:"slow_response_ms"`
	SlowResponseRate       float64       `mapstructure:"slow_response_rate"`
	OffHoursStart          int           `mapstructure:"off_hours_start"`
	OffHoursEnd            int           `mapstructure:"off_hours_end"`
	OffHoursMinVolume      int           `mapstructure:"off_hours_min_volume"`
	OffHoursMultiplier     float64       `mapstructure:"off_hours_multiplier"`
}

func DefaultAbuseConfig() AbuseConfig {
	return AbuseConfig{
		EndpointFloodThreshold: 50,
		ScatterThreshold:       20,
		ScatterWindow:          time.Minute,
		AuthFailureRate:        0.3,
		AuthFailureMinRequests: 5,
		SlowResponseMs:         5000,
		SlowResponseRate:       0.5,
		OffHoursStart:          0,
		OffHoursEnd:            6,
		OffHoursMinVolume:      50,
		OffHoursMultiplier:     1.5,
	}
}

// Abuse report actions
const (
	AbuseAllow = "allow"
	AbuseWarn  = "warn"
	AbuseBlock = "block"
	AbuseBan   = "ban"
)

var suspiciousAgents = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(curl|wget|httpie)/`),
	regexp.MustCompile(`(?i)python-(requests|urllib)|go-http-client|java/|okhttp|libwww-perl`),
	regexp.MustCompile(`(?i)(nikto|sqlmap|nmap|masscan|zgrab|nuclei|dirbuster|gobuster|wpscan)`),
	regexp.MustCompile(`(?i)(scrapy|headlesschrome|phantomjs|selenium|puppeteer)`),
}

// DetectAbuse scores one identity's recent requests against the abuse
// heuristics. Checks are additive; off-hours volume scales the total.
func DetectAbuse(userID string, records []models.TrafficRequest, cfg AbuseConfig, now time.Time) models.AbuseReport {
	report := models.AbuseReport{
		UserID:     userID,
		Checks:     []models.AbuseCheck{},
		Multiplier: 1,
		AnalyzedAt: now,
	}
	if len(records) == 0 {
		report.Severity, report.Action = classifyAbuse(0)
		return report
	}

	endpointCounts := make(map[string]int)
	recentEndpoints := make(map[string]struct{})
	var authFailures, slow, suspicious int
	var suspiciousUA string

	for _, r := range records {
		endpointCounts[r.Endpoint]++
		if now.Sub(r.Timestamp) <= cfg.ScatterWindow {
			recentEndpoints[r.Endpoint] = struct{}{}
		}
		if r.AuthFailed || r.StatusCode == 401 || r.StatusCode == 403 {
			authFailures++
		}
		if r.ResponseTimeMs > cfg.SlowResponseMs {
			slow++
		}
		if isSuspiciousAgent(r.UserAgent) {
			suspicious++
			if suspiciousUA == "" {
				suspiciousUA = r.UserAgent
			}
		}
	}

	add := func(name string, risk float64, description string) {
		report.Checks = append(report.Checks, models.AbuseCheck{Name: name, Risk: risk, Description: description})
		report.RiskScore += risk
	}

	topEndpoint, topCount := "", 0
	for endpoint, count := range endpointCounts {
		if count > topCount || (count == topCount && endpoint < topEndpoint) {
			topEndpoint, topCount = endpoint, count
		}
	}
	if topCount > cfg.EndpointFloodThreshold {
		add("endpoint_flooding", 0.4, fmt.Sprintf("%d requests to %s", topCount, topEndpoint))
	}
	if len(recentEndpoints) >= cfg.ScatterThreshold {
		add("scatter_requests", 0.3, fmt.Sprintf("%d distinct endpoints within %s", len(recentEndpoints), cfg.ScatterWindow))
	}
	if suspicious > 0 {
		add("suspicious_user_agent", 0.3, fmt.Sprintf("%d requests from %q", suspicious, truncate(suspiciousUA, 64)))
	}

	total := len(records)
	if total >= cfg.AuthFailureMinRequests {
		if rate := float64(authFailures) / float64(total); rate >= cfg.AuthFailureRate {
			add("auth_failure_rate", 0.4, fmt.Sprintf("%.0f%% of requests failed authentication", rate*100))
		}
	}
	if rate := float64(slow) / float64(total); slow > 0 && rate >= cfg.SlowResponseRate {
		add("slow_response_rate", 0.2, fmt.Sprintf("%.0f%% of requests exceeded %dms", rate*100, cfg.SlowResponseMs))
	}

	if inOffHours(now.Hour(), cfg.OffHoursStart, cfg.OffHoursEnd) && total >= cfg.OffHoursMinVolume {
		report.Multiplier = cfg.OffHoursMultiplier
		report.Checks = append(report.Checks, models.AbuseCheck{
			Name:        "off_hours_volume",
			Description: fmt.Sprintf("%d requests during off-hours", total),
		})
		report.RiskScore *= cfg.OffHoursMultiplier
	}

	report.RiskScore = float64(int(report.RiskScore*100+0.5)) / 100
	report.IsAbusive = report.RiskScore >= 0.3
	report.Severity, report.Action = classifyAbuse(report.RiskScore)
	return report
}

func classifyAbuse(score float64) (severity, action string) {
	switch {
	case score >= 1.5:
		return models.RiskCritical, AbuseBan
	case score >= 1.0:
		return models.RiskHigh, AbuseBlock
	case score >= 0.5:
		return models.RiskMedium, AbuseWarn
	}
	return models.RiskLow, AbuseAllow
}

func isSuspiciousAgent(ua string) bool {
	ua = truncate(ua, maxUserAgent)
	if ua == "" {
		return false
	}
	for _, re := range suspiciousAgents {
		if re.MatchString(ua) {
			return true
		}
	}
	return false
}

// maxUserAgent bounds regex input length.
const maxUserAgent = 512

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// inOffHours reports whether hour lies in [start, end), wrapping past midnight.
func inOffHours(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
