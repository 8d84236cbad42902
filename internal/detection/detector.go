// Package detection classifies per-request traffic from an IP into attack
// patterns and applies TTL-bound mitigations.
package detection

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nshruti113/admission-guard/internal/models"
	"github.com/nshruti113/admission-guard/internal/storage"
)

// History persists attack detections. storage.RedisStore implements it.
type History interface {
	StoreDetection(ctx context.Context, result models.DDoSDetectionResult) error
	RecentDetections(ctx context.Context, since time.Time) ([]models.DDoSDetectionResult, error)
}

type Detector struct {
	store      storage.CounterStore
	history    History
	thresholds Thresholds
	logger     logrus.FieldLogger
	now        func() time.Time
}

// Thresholds are the detection and mitigation policy constants.
type Thresholds struct {
	RequestsPerMinute         int64 `mapstructure:"requests_per_minute"`
	RequestsPerHour           int64 `mapstructure:"requests_per_hour"`
	EndpointRequestsPerMinute int64 `mapstructure:"endpoint_requests_per_minute"`
	SlowResponseMs            int   `mapstructure:"slow_response_ms"`

	VolumetricScore  int `mapstructure:"volumetric_score"`
	ProtocolScore    int `mapstructure:"protocol_score"`
	ApplicationScore int `mapstructure:"application_score"`
	BehavioralScore  int `mapstructure:"behavioral_score"`
	AttackScore      int `mapstructure:"attack_score"`

	BanScore          int           `mapstructure:"ban_score"`
	BlockScore        int           `mapstructure:"block_score"`
	RateLimitScore    int           `mapstructure:"rate_limit_score"`
	BanDuration       time.Duration `mapstructure:"ban_duration"`
	BlockDuration     time.Duration `mapstructure:"block_duration"`
	RateLimitDuration time.Duration `mapstructure:"rate_limit_duration"`
	RateLimitFactor   float64       `mapstructure:"rate_limit_factor"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		RequestsPerMinute:         100,
		RequestsPerHour:           1000,
		EndpointRequestsPerMinute: 50,
		SlowResponseMs:            5000,

		VolumetricScore:  30,
		ProtocolScore:    20,
		ApplicationScore: 25,
		BehavioralScore:  15,
		AttackScore:      50,

		BanScore:          80,
		BlockScore:        60,
		RateLimitScore:    40,
		BanDuration:       time.Hour,
		BlockDuration:     15 * time.Minute,
		RateLimitDuration: 5 * time.Minute,
		RateLimitFactor:   0.1,
	}
}

// Validate rejects thresholds that are non-positive or out of order.
func (t Thresholds) Validate() error {
	switch {
	case t.RequestsPerMinute <= 0 || t.RequestsPerHour <= 0 || t.EndpointRequestsPerMinute <= 0:
		return errors.New("detection: request thresholds must be positive")
	case t.RequestsPerHour < t.RequestsPerMinute:
		return errors.New("detection: requests_per_hour must not be below requests_per_minute")
	case t.SlowResponseMs <= 0:
		return errors.New("detection: slow_response_ms must be positive")
	case !(t.RateLimitScore <= t.BlockScore && t.BlockScore <= t.BanScore):
		return errors.New("detection: mitigation scores must satisfy rate_limit <= block <= ban")
	case t.BanDuration <= 0 || t.BlockDuration <= 0 || t.RateLimitDuration <= 0:
		return errors.New("detection: mitigation durations must be positive")
	case t.RateLimitFactor <= 0 || t.RateLimitFactor > 1:
		return errors.New("detection: rate_limit_factor must be in (0, 1]")
	}
	return nil
}

var (
	botAgents = []string{"bot", "crawler", "spider", "scraper"}

	scriptedClients = regexp.MustCompile(`(?i)(curl|wget|python-requests|python-urllib|httpie|go-http-client|java/|libwww-perl|okhttp|axios)`)
	automationTools = regexp.MustCompile(`(?i)(selenium|puppeteer|playwright|phantomjs|headlesschrome|scrapy|nikto|sqlmap|nmap|masscan|zgrab)`)
)

// maxUserAgent bounds the input handed to the regex matchers.
const maxUserAgent = 512

func NewDetector(store storage.CounterStore, thresholds Thresholds, logger logrus.FieldLogger) *Detector {
	d := &Detector{
		store:      store,
		thresholds: thresholds,
		logger:     logger.WithField("component", "detection"),
		now:        time.Now,
	}
	if h, ok := store.(History); ok {
		d.history = h
	}
	return d
}

// Analyze records the request and runs the volumetric, protocol, application
// and behavioral checks. Store errors yield a zero, non-attack result.
func (d *Detector) Analyze(ctx context.Context, req models.TrafficRequest) models.DDoSDetectionResult {
	now := d.now()
	result := models.DDoSDetectionResult{
		IPAddress: req.SourceIP,
		Timestamp: now,
		Patterns:  []models.AttackPattern{},
	}

	counts, err := d.count(ctx, req, now)
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"ip":  req.SourceIP,
			"key": storage.DDoSRequestsKey(req.SourceIP),
		}).WithError(err).Warn("Attack detection unavailable")
		return result
	}

	score := 0
	if p := d.detectVolumetric(counts); p != nil {
		result.Patterns = append(result.Patterns, *p)
		score += d.thresholds.VolumetricScore
	}
	if p := d.detectProtocol(req); p != nil {
		result.Patterns = append(result.Patterns, *p)
		score += d.thresholds.ProtocolScore
	}
	if p := d.detectApplication(req, counts); p != nil {
		result.Patterns = append(result.Patterns, *p)
		score += d.thresholds.ApplicationScore
	}
	if p := d.detectBehavioral(req); p != nil {
		result.Patterns = append(result.Patterns, *p)
		score += d.thresholds.BehavioralScore
	}

	result.RiskScore = min(score, 100)
	result.IsAttack = result.RiskScore >= d.thresholds.AttackScore || len(result.Patterns) >= 2

	if result.IsAttack && d.history != nil {
		if err := d.history.StoreDetection(ctx, result); err != nil {
			d.logger.WithField("ip", req.SourceIP).WithError(err).Warn("Failed to store detection")
		}
	}
	return result
}

type requestCounts struct {
	minute   int64
	hour     int64
	endpoint int64
}

func (d *Detector) count(ctx context.Context, req models.TrafficRequest, now time.Time) (requestCounts, error) {
	var c requestCounts
	member := uuid.New().String()

	key := storage.DDoSRequestsKey(req.SourceIP)
	hour, err := d.store.RecordAndCount(ctx, key, now, member, time.Hour)
	if err != nil {
		return c, err
	}
	minute, err := d.store.CountInRange(ctx, key, now.Add(-time.Minute), now)
	if err != nil {
		return c, err
	}
	endpoint, err := d.store.RecordAndCount(ctx, storage.DDoSEndpointKey(req.SourceIP, req.Endpoint), now, member, time.Minute)
	if err != nil {
		return c, err
	}

	c.hour, c.minute, c.endpoint = hour, minute, endpoint
	return c, nil
}

// detectVolumetric flags request rates above the per-minute or per-hour limit
func (d *Detector) detectVolumetric(c requestCounts) *models.AttackPattern {
	var indicators []string
	if c.minute > d.thresholds.RequestsPerMinute {
		indicators = append(indicators, fmt.Sprintf("requests_per_minute:%d", c.minute))
	}
	if c.hour > d.thresholds.RequestsPerHour {
		indicators = append(indicators, fmt.Sprintf("requests_per_hour:%d", c.hour))
	}
	if len(indicators) == 0 {
		return nil
	}

	return &models.AttackPattern{
		Type:              models.PatternVolumetric,
		Severity:          "high",
		Confidence:        0.9,
		Indicators:        indicators,
		RecommendedAction: models.ActionBlock,
	}
}

// detectProtocol scores malformed or bot-like request metadata
func (d *Detector) detectProtocol(req models.TrafficRequest) *models.AttackPattern {
	confidence := 0.0
	var indicators []string

	ua := strings.ToLower(strings.TrimSpace(req.UserAgent))
	if ua == "" {
		confidence += 0.3
		indicators = append(indicators, "missing_user_agent")
	} else {
		for _, bot := range botAgents {
			if strings.Contains(ua, bot) {
				confidence += 0.2
				indicators = append(indicators, "bot_user_agent:"+bot)
				break
			}
		}
	}
	if req.StatusCode >= 400 {
		confidence += 0.1
		indicators = append(indicators, fmt.Sprintf("error_status:%d", req.StatusCode))
	}

	return pattern(models.PatternProtocol, confidence, 0.4, indicators)
}

// detectApplication flags flooding of a single endpoint and degraded responses
func (d *Detector) detectApplication(req models.TrafficRequest, c requestCounts) *models.AttackPattern {
	confidence := 0.0
	var indicators []string

	if c.endpoint > d.thresholds.EndpointRequestsPerMinute {
		confidence += 0.4
		indicators = append(indicators, fmt.Sprintf("endpoint_flood:%s:%d", req.Endpoint, c.endpoint))
	}
	if req.ResponseTimeMs > d.thresholds.SlowResponseMs {
		confidence += 0.2
		indicators = append(indicators, fmt.Sprintf("slow_response:%dms", req.ResponseTimeMs))
	}
	if req.StatusCode >= 500 {
		confidence += 0.3
		indicators = append(indicators, fmt.Sprintf("server_error:%d", req.StatusCode))
	}

	return pattern(models.PatternApplication, confidence, 0.4, indicators)
}

// detectBehavioral matches scripted clients and automation tooling
func (d *Detector) detectBehavioral(req models.TrafficRequest) *models.AttackPattern {
	ua := req.UserAgent
	if len(ua) > maxUserAgent {
		ua = ua[:maxUserAgent]
	}

	confidence := 0.0
	var indicators []string
	if m := scriptedClients.FindString(ua); m != "" {
		confidence += 0.3
		indicators = append(indicators, "behavioral:scripted_client:"+strings.ToLower(m))
	}
	if m := automationTools.FindString(ua); m != "" {
		confidence += 0.4
		indicators = append(indicators, "behavioral:automation_tool:"+strings.ToLower(m))
	}

	return pattern(models.PatternApplication, confidence, 0.3, indicators)
}

func pattern(kind string, confidence, minConfidence float64, indicators []string) *models.AttackPattern {
	// Round away float noise from the additive scores.
	confidence = float64(int(confidence*100+0.5)) / 100
	if confidence < minConfidence {
		return nil
	}
	confidence = min(confidence, 1.0)
	return &models.AttackPattern{
		Type:              kind,
		Severity:          getSeverity(confidence),
		Confidence:        confidence,
		Indicators:        indicators,
		RecommendedAction: getAction(confidence),
	}
}

// getSeverity determines pattern severity based on confidence
func getSeverity(confidence float64) string {
	if confidence >= 0.9 {
		return "critical"
	} else if confidence >= 0.7 {
		return "high"
	} else if confidence >= 0.5 {
		return "medium"
	}
	return "low"
}

func getAction(confidence float64) string {
	if confidence >= 0.9 {
		return models.ActionBlock
	} else if confidence >= 0.5 {
		return models.ActionThrottle
	}
	return models.ActionMonitor
}
