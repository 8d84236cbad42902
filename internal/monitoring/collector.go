package monitoring

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nshruti113/admission-guard/internal/models"
)

// CollectMetrics closes the current collection interval: its counters are
// appended to the bounded history and reset.
func (a *Alerter) CollectMetrics() models.MetricsSnapshot {
	a.mu.Lock()
	snapshot := a.snapshotLocked(true)
	a.history = append(a.history, snapshot)
	if limit := a.cfg.MetricsHistory; limit > 0 && len(a.history) > limit {
		a.history = a.history[len(a.history)-limit:]
	}
	a.current = newCounters()
	a.mu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"total":   snapshot.TotalRequests,
		"blocked": snapshot.BlockedRequests,
		"ddos":    snapshot.DDoSAttacks,
	}).Debug("Metrics collected")
	return snapshot
}

// GetRecentMetrics returns the snapshots collected in the last windowMinutes.
func (a *Alerter) GetRecentMetrics(windowMinutes int) []models.MetricsSnapshot {
	since := a.now().Add(-time.Duration(windowMinutes) * time.Minute)

	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.MetricsSnapshot, 0)
	for _, s := range a.history {
		if !s.Timestamp.Before(since) {
			out = append(out, s)
		}
	}
	return out
}

// aggregate sums the snapshots of the last window with the in-progress counters.
func (a *Alerter) aggregate(window time.Duration) models.MetricsSnapshot {
	since := a.now().Add(-window)

	a.mu.Lock()
	agg := a.snapshotLocked(false)
	for _, s := range a.history {
		if s.Timestamp.Before(since) {
			continue
		}
		agg.TotalRequests += s.TotalRequests
		agg.AllowedRequests += s.AllowedRequests
		agg.BlockedRequests += s.BlockedRequests
		agg.DDoSAttacks += s.DDoSAttacks
		agg.BypassUsages += s.BypassUsages
		agg.StoreFailures += s.StoreFailures
		for k, v := range s.Events {
			agg.Events[k] += v
		}
	}
	a.mu.Unlock()

	agg.BlockedRate = 0
	if agg.TotalRequests > 0 {
		agg.BlockedRate = float64(agg.BlockedRequests) / float64(agg.TotalRequests)
	}
	return agg
}

// PerformHealthCheck evaluates the rules against the health check window.
func (a *Alerter) PerformHealthCheck() []models.Alert {
	window := a.cfg.HealthCheckInterval
	if window <= 0 {
		window = 5 * time.Minute
	}
	agg := a.aggregate(window)
	alerts := a.EvaluateRules(agg)
	a.logger.WithFields(logrus.Fields{
		"total":        agg.TotalRequests,
		"blocked_rate": agg.BlockedRate,
		"alerts":       len(alerts),
	}).Debug("Health check completed")
	return alerts
}

// Start runs metric collection and health checks until Stop or ctx is done.
// Calling Start on a running alerter does nothing.
func (a *Alerter) Start(ctx context.Context) {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	a.wg.Add(2)
	go a.every(ctx, a.cfg.MetricsInterval, func() { a.CollectMetrics() })
	go a.every(ctx, a.cfg.HealthCheckInterval, func() { a.PerformHealthCheck() })
	a.logger.WithFields(logrus.Fields{
		"metrics_interval":      a.cfg.MetricsInterval,
		"health_check_interval": a.cfg.HealthCheckInterval,
	}).Info("Monitoring started")
}

func (a *Alerter) every(ctx context.Context, interval time.Duration, fn func()) {
	defer a.wg.Done()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop halts the timers and waits for in-flight notifications.
func (a *Alerter) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
}
