// Package monitoring aggregates admission events into periodic metrics,
// evaluates alert rules against them and dispatches alerts to notifiers.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/nshruti113/admission-guard/internal/models"
)

// Alert types raised by the alerter
const (
	AlertDDoSAttack   = "ddos_attack"
	AlertBlockedRate  = "high_block_rate"
	AlertDDoSVolume   = "ddos_volume"
	AlertBypassUsage  = "bypass_usage"
	AlertStoreFailure = "store_failure"
	AlertTest         = "test"
)

var ErrAlertNotFound = errors.New("monitoring: alert not found")

// Observer is notified synchronously after every recorded action.
type Observer interface {
	OnEvent(snapshot models.MetricsSnapshot)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(models.MetricsSnapshot)

func (f ObserverFunc) OnEvent(s models.MetricsSnapshot) { f(s) }

// Recorder receives alerting metrics.
type Recorder interface {
	AlertRaised(alertType, severity string)
	NotificationSent(channel string, success bool)
	DispatchDropped()
}

// Config holds alerting and collection settings.
type Config struct {
	CooldownMinutes      int           `mapstructure:"cooldown_minutes"`
	MaxAlertsPerMinute   int           `mapstructure:"max_alerts_per_minute"`
	MetricsInterval      time.Duration `mapstructure:"metrics_interval"`
	HealthCheckInterval  time.Duration `mapstructure:"health_check_interval"`
	MetricsHistory       int           `mapstructure:"metrics_history"`
	MaxStoredAlerts      int           `mapstructure:"max_stored_alerts"`
	DispatchTimeout      time.Duration `mapstructure:"dispatch_timeout"`
	DDoSAlertScore       int           `mapstructure:"ddos_alert_score"`
	DDoSCriticalScore    int           `mapstructure:"ddos_critical_score"`
	BlockedRateThreshold float64       `mapstructure:"blocked_rate_threshold"`
	DDoSAttackThreshold  int64         `mapstructure:"ddos_attack_threshold"`
	BypassUsageThreshold int64         `mapstructure:"bypass_usage_threshold"`

	Webhook WebhookConfig `mapstructure:"webhook"`
	Email   EmailConfig   `mapstructure:"email"`
	SMS     SMSConfig     `mapstructure:"sms"`
}

func DefaultConfig() Config {
	return Config{
		CooldownMinutes:      15,
		MaxAlertsPerMinute:   10,
		MetricsInterval:      time.Minute,
		HealthCheckInterval:  5 * time.Minute,
		MetricsHistory:       1440,
		MaxStoredAlerts:      1000,
		DispatchTimeout:      10 * time.Second,
		DDoSAlertScore:       70,
		DDoSCriticalScore:    90,
		BlockedRateThreshold: 0.25,
		DDoSAttackThreshold:  10,
		BypassUsageThreshold: 100,
		Email:                EmailConfig{Port: 587},
	}
}

// counters accumulate between two metric collections.
type counters struct {
	total, allowed, blocked int64
	ddos, bypass, failures  int64
	events                  map[string]int
	blockedIPs              map[string]int
}

func newCounters() counters {
	return counters{events: make(map[string]int), blockedIPs: make(map[string]int)}
}

type Alerter struct {
	cfg       Config
	logger    logrus.FieldLogger
	recorder  Recorder
	notifiers []Notifier
	limiter   *rate.Limiter
	now       func() time.Time

	mu         sync.Mutex
	observers  []Observer
	rules      []AlertRule
	alerts     []models.Alert
	lastFired  map[string]time.Time
	current    counters
	history    []models.MetricsSnapshot
	suppressed int64
	dropped    int64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewAlerter creates an alerter with the default health rules. recorder may be nil.
func NewAlerter(cfg Config, notifiers []Notifier, recorder Recorder, logger logrus.FieldLogger) *Alerter {
	perMinute := cfg.MaxAlertsPerMinute
	if perMinute <= 0 {
		perMinute = 1
	}

	a := &Alerter{
		cfg:       cfg,
		logger:    logger.WithField("component", "monitoring"),
		recorder:  recorder,
		notifiers: notifiers,
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		now:       time.Now,
		lastFired: make(map[string]time.Time),
		current:   newCounters(),
	}
	a.rules = DefaultRules(cfg)
	return a
}

// AddObserver registers an observer for recorded actions.
func (a *Alerter) AddObserver(o Observer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, o)
}

// RecordEvent counts one admission event.
func (a *Alerter) RecordEvent(eventType, ip string, details map[string]interface{}) {
	a.mu.Lock()
	c := &a.current
	c.events[eventType]++
	switch eventType {
	case models.EventRequestAllowed:
		c.total++
		c.allowed++
	case models.EventRequestBlocked:
		c.total++
		c.blocked++
		if ip != "" {
			c.blockedIPs[ip]++
		}
	case models.EventStoreFailure:
		c.failures++
	}
	a.mu.Unlock()

	if eventType != models.EventRequestAllowed && eventType != models.EventRequestBlocked {
		a.logger.WithFields(logrus.Fields{"event": eventType, "ip": ip}).WithFields(details).Debug("Admission event")
	}
	a.notifyObservers()
}

// RecordDDoSDetection counts a detection and alerts on high risk scores.
func (a *Alerter) RecordDDoSDetection(result models.DDoSDetectionResult) {
	a.mu.Lock()
	if result.IsAttack {
		a.current.ddos++
	}
	a.mu.Unlock()

	if result.RiskScore >= a.cfg.DDoSAlertScore {
		severity := models.SeverityHigh
		if result.RiskScore >= a.cfg.DDoSCriticalScore {
			severity = models.SeverityCritical
		}
		patterns := make([]string, 0, len(result.Patterns))
		for _, p := range result.Patterns {
			patterns = append(patterns, p.Type)
		}
		a.CreateAlert(AlertDDoSAttack, severity,
			"DDoS attack detected from "+result.IPAddress,
			fmt.Sprintf("Risk score %d with patterns %v", result.RiskScore, patterns),
			map[string]interface{}{
				"ip_address": result.IPAddress,
				"risk_score": result.RiskScore,
				"patterns":   patterns,
			})
	}
	a.notifyObservers()
}

// RecordBypassUsage counts one admitted bypass token use.
func (a *Alerter) RecordBypassUsage(ip, tokenHash, reason string) {
	a.mu.Lock()
	a.current.bypass++
	a.current.events["bypass_used"]++
	a.mu.Unlock()

	short := tokenHash
	if len(short) > 12 {
		short = short[:12]
	}
	a.logger.WithFields(logrus.Fields{
		"ip":     ip,
		"token":  short,
		"reason": reason,
	}).Info("Bypass token used")
	a.notifyObservers()
}

func (a *Alerter) notifyObservers() {
	a.mu.Lock()
	if len(a.observers) == 0 {
		a.mu.Unlock()
		return
	}
	snapshot := a.snapshotLocked(false)
	observers := make([]Observer, len(a.observers))
	copy(observers, a.observers)
	a.mu.Unlock()

	for _, o := range observers {
		o.OnEvent(snapshot)
	}
}

func cooldownKey(alertType, severity, title string) string {
	return alertType + "|" + severity + "|" + title
}

// CreateAlert stores and dispatches an alert unless an identical alert fired
// within the cooldown. It reports whether the alert was created.
func (a *Alerter) CreateAlert(alertType, severity, title, message string, metadata map[string]interface{}) (models.Alert, bool) {
	return a.raise(alertType, severity, title, message, metadata, a.cfg.CooldownMinutes)
}

func (a *Alerter) raise(alertType, severity, title, message string, metadata map[string]interface{}, cooldownMinutes int) (models.Alert, bool) {
	now := a.now()
	key := cooldownKey(alertType, severity, title)
	cooldown := time.Duration(cooldownMinutes) * time.Minute

	a.mu.Lock()
	if last, ok := a.lastFired[key]; ok && now.Sub(last) < cooldown {
		a.suppressed++
		a.mu.Unlock()
		a.logger.WithFields(logrus.Fields{"type": alertType, "title": title}).Debug("Alert suppressed by cooldown")
		return models.Alert{}, false
	}
	a.lastFired[key] = now

	alert := models.Alert{
		ID:        uuid.New().String(),
		Type:      alertType,
		Severity:  severity,
		Title:     title,
		Message:   message,
		Metadata:  metadata,
		Timestamp: now,
	}
	a.alerts = append(a.alerts, alert)
	if limit := a.cfg.MaxStoredAlerts; limit > 0 && len(a.alerts) > limit {
		a.alerts = a.alerts[len(a.alerts)-limit:]
	}
	a.mu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"type":     alertType,
		"severity": severity,
		"id":       alert.ID,
	}).Warn(title)
	if a.recorder != nil {
		a.recorder.AlertRaised(alertType, severity)
	}

	if !a.limiter.Allow() {
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
		if a.recorder != nil {
			a.recorder.DispatchDropped()
		}
		a.logger.WithField("id", alert.ID).Warn("Alert dispatch rate limit reached, notification skipped")
		return alert, true
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.dispatch(alert)
	}()
	return alert, true
}

// dispatch sends an alert to every notifier. A failing channel does not
// stop the others; every attempt is recorded on the stored alert.
func (a *Alerter) dispatch(alert models.Alert) []models.Delivery {
	deliveries := make([]models.Delivery, 0, len(a.notifiers))
	for _, n := range a.notifiers {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DispatchTimeout)
		err := n.SendAlert(ctx, alert)
		cancel()

		d := models.Delivery{Channel: n.Name(), Success: err == nil, Timestamp: a.now()}
		if err != nil {
			d.Error = err.Error()
			a.logger.WithFields(logrus.Fields{
				"channel": n.Name(),
				"id":      alert.ID,
			}).WithError(err).Error("Failed to send alert")
		}
		if a.recorder != nil {
			a.recorder.NotificationSent(n.Name(), err == nil)
		}
		deliveries = append(deliveries, d)
	}

	a.mu.Lock()
	for i := range a.alerts {
		if a.alerts[i].ID == alert.ID {
			a.alerts[i].Deliveries = append(a.alerts[i].Deliveries, deliveries...)
			break
		}
	}
	a.mu.Unlock()
	return deliveries
}

// TestAlert raises an info alert outside cooldown and rate limits and
// delivers it synchronously.
func (a *Alerter) TestAlert() models.Alert {
	now := a.now()
	alert := models.Alert{
		ID:        uuid.New().String(),
		Type:      AlertTest,
		Severity:  models.SeverityInfo,
		Title:     "Test alert",
		Message:   "Test alert triggered at " + now.Format(time.RFC3339),
		Timestamp: now,
	}

	a.mu.Lock()
	a.alerts = append(a.alerts, alert)
	a.mu.Unlock()

	alert.Deliveries = a.dispatch(alert)
	return alert
}

// ResolveAlert marks an alert resolved. Resolving twice is a no-op.
func (a *Alerter) ResolveAlert(id string) (models.Alert, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.alerts {
		if a.alerts[i].ID != id {
			continue
		}
		if !a.alerts[i].Resolved {
			now := a.now()
			a.alerts[i].Resolved = true
			a.alerts[i].ResolvedAt = &now
		}
		return a.alerts[i], nil
	}
	return models.Alert{}, ErrAlertNotFound
}

// AlertFilter selects alerts. Zero fields match everything.
type AlertFilter struct {
	Type       string
	Severity   string
	Unresolved bool
	Limit      int
}

// GetAlerts returns matching alerts, newest first.
func (a *Alerter) GetAlerts(f AlertFilter) []models.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]models.Alert, 0)
	for i := len(a.alerts) - 1; i >= 0; i-- {
		al := a.alerts[i]
		if f.Type != "" && al.Type != f.Type {
			continue
		}
		if f.Severity != "" && al.Severity != f.Severity {
			continue
		}
		if f.Unresolved && al.Resolved {
			continue
		}
		out = append(out, al)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// Stats summarises stored alerts and the metrics collected so far.
type Stats struct {
	TotalAlerts       int                    `json:"total_alerts"`
	ActiveAlerts      int                    `json:"active_alerts"`
	BySeverity        map[string]int         `json:"by_severity"`
	ByType            map[string]int         `json:"by_type"`
	SuppressedAlerts  int64                  `json:"suppressed_alerts"`
	DroppedDispatches int64                  `json:"dropped_dispatches"`
	Current           models.MetricsSnapshot `json:"current"`
	Snapshots         int                    `json:"snapshots"`
}

func (a *Alerter) GetStats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Stats{
		TotalAlerts:       len(a.alerts),
		BySeverity:        make(map[string]int),
		ByType:            make(map[string]int),
		SuppressedAlerts:  a.suppressed,
		DroppedDispatches: a.dropped,
		Current:           a.snapshotLocked(true),
		Snapshots:         len(a.history),
	}
	for _, al := range a.alerts {
		s.BySeverity[al.Severity]++
		s.ByType[al.Type]++
		if !al.Resolved {
			s.ActiveAlerts++
		}
	}
	return s
}

func (a *Alerter) activeAlertsLocked() int {
	n := 0
	for _, al := range a.alerts {
		if !al.Resolved {
			n++
		}
	}
	return n
}

// snapshotLocked builds a snapshot of the in-progress counters.
func (a *Alerter) snapshotLocked(withTopIPs bool) models.MetricsSnapshot {
	c := a.current
	s := models.MetricsSnapshot{
		Timestamp:       a.now(),
		TotalRequests:   c.total,
		AllowedRequests: c.allowed,
		BlockedRequests: c.blocked,
		DDoSAttacks:     c.ddos,
		BypassUsages:    c.bypass,
		StoreFailures:   c.failures,
		ActiveAlerts:    a.activeAlertsLocked(),
		Events:          make(map[string]int, len(c.events)),
	}
	if c.total > 0 {
		s.BlockedRate = float64(c.blocked) / float64(c.total)
	}
	for k, v := range c.events {
		s.Events[k] = v
	}
	if withTopIPs {
		s.TopBlockedIPs = topIPs(c.blockedIPs, 10)
	}
	return s
}

// topIPs returns the top n IPs by count
func topIPs(counts map[string]int, n int) []models.IPCount {
	ips := make([]models.IPCount, 0, len(counts))
	for ip, count := range counts {
		ips = append(ips, models.IPCount{IP: ip, Count: count})
	}
	sort.Slice(ips, func(i, j int) bool {
		if ips[i].Count != ips[j].Count {
			return ips[i].Count > ips[j].Count
		}
		return ips[i].IP < ips[j].IP
	})
	if len(ips) > n {
		ips = ips[:n]
	}
	return ips
}
