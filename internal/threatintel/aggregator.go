// Package threatintel fans reputation lookups out to external intelligence
// sources and converts their answers into reputation factors.
package threatintel

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/nshruti113/admission-guard/internal/models"
)

// Source is one external intelligence provider.
type Source interface {
	Name() string
	Lookup(ctx context.Context, ip string) ([]models.ReputationFactor, error)
}

// Config holds aggregator and source settings.
type Config struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
	AbuseDB         AbuseDBConfig `mapstructure:"abuse_db"`
	GeoRisk         GeoRiskConfig `mapstructure:"geo_risk"`
	Feed            FeedConfig    `mapstructure:"feed"`
}

func DefaultConfig() Config {
	return Config{
		Timeout:         2 * time.Second,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
		AbuseDB:         AbuseDBConfig{MaxAgeDays: 90},
		GeoRisk:         GeoRiskConfig{HighRiskCountries: []string{}},
	}
}

type guardedSource struct {
	source  Source
	breaker *gobreaker.CircuitBreaker
}

// Aggregator queries every source concurrently. A failing or slow source is
// skipped; it never fails the lookup as a whole.
type Aggregator struct {
	sources []guardedSource
	timeout time.Duration
	logger  logrus.FieldLogger
}

func NewAggregator(cfg Config, logger logrus.FieldLogger, sources ...Source) *Aggregator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}

	guarded := make([]guardedSource, 0, len(sources))
	for _, s := range sources {
		failures := cfg.BreakerFailures
		guarded = append(guarded, guardedSource{
			source: s,
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        "threatintel-" + s.Name(),
				MaxRequests: 1,
				Timeout:     cfg.BreakerCooldown,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= failures
				},
			}),
		})
	}

	return &Aggregator{
		sources: guarded,
		timeout: cfg.Timeout,
		logger:  logger.WithField("component", "threatintel"),
	}
}

// Sources returns the configured source names.
func (a *Aggregator) Sources() []string {
	names := make([]string, len(a.sources))
	for i, s := range a.sources {
		names[i] = s.source.Name()
	}
	return names
}

// Lookup returns the factors reported by every source that answered, in
// source order, with impacts clamped to [-50, 50].
func (a *Aggregator) Lookup(ctx context.Context, ip string) []models.ReputationFactor {
	if len(a.sources) == 0 {
		return nil
	}

	results := make([][]models.ReputationFactor, len(a.sources))
	var g errgroup.Group

	for i, gs := range a.sources {
		i, gs := i, gs
		g.Go(func() error {
			lookupCtx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()

			out, err := gs.breaker.Execute(func() (interface{}, error) {
				return gs.source.Lookup(lookupCtx, ip)
			})
			if err != nil {
				a.logger.WithFields(logrus.Fields{
					"source": gs.source.Name(),
					"ip":     ip,
				}).WithError(err).Warn("Threat intel source failed")
				return nil
			}
			results[i], _ = out.([]models.ReputationFactor)
			return nil
		})
	}
	_ = g.Wait()

	now := time.Now()
	var factors []models.ReputationFactor
	for i, res := range results {
		for _, f := range res {
			f.Impact = clampImpact(f.Impact)
			if f.Source == "" {
				f.Source = a.sources[i].source.Name()
			}
			if f.Timestamp.IsZero() {
				f.Timestamp = now
			}
			factors = append(factors, f)
		}
	}
	return factors
}

func clampImpact(v int) int {
	if v > 50 {
		return 50
	}
	if v < -50 {
		return -50
	}
	return v
}

// BuildSources creates the sources enabled in cfg.
func BuildSources(cfg Config, logger logrus.FieldLogger) ([]Source, error) {
	var sources []Source

	if cfg.AbuseDB.Enabled {
		sources = append(sources, NewAbuseDBSource(cfg.AbuseDB, cfg.Timeout))
	}

	if cfg.GeoRisk.Enabled {
		if cfg.GeoRisk.ResolverURL == "" {
			return nil, fmt.Errorf("threatintel: geo_risk enabled without resolver_url")
		}
		resolver := NewHTTPGeoResolver(cfg.GeoRisk.ResolverURL, cfg.Timeout)
		sources = append(sources, NewGeoRiskSource(resolver, cfg.GeoRisk))
	}

	if cfg.Feed.Enabled {
		feed := NewFeedSource()
		if cfg.Feed.Path != "" {
			n, err := feed.LoadFile(cfg.Feed.Path)
			if err != nil {
				return nil, err
			}
			logger.WithField("entries", n).Info("Threat feed loaded")
		}
		sources = append(sources, feed)
	}

	return sources, nil
}
