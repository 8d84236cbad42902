// Package config loads the guard configuration from an optional YAML file
// and GUARD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nshruti113/admission-guard/internal/bypass"
	"github.com/nshruti113/admission-guard/internal/detection"
	"github.com/nshruti113/admission-guard/internal/models"
	"github.com/nshruti113/admission-guard/internal/monitoring"
	"github.com/nshruti113/admission-guard/internal/ratelimit"
	"github.com/nshruti113/admission-guard/internal/reputation"
	"github.com/nshruti113/admission-guard/internal/storage"
	"github.com/nshruti113/admission-guard/internal/threatintel"
)

// EnvPrefix prefixes every environment override, e.g. GUARD_REDIS_ADDR.
const EnvPrefix = "GUARD"

type Config struct {
	Server      ServerConfig          `mapstructure:"server"`
	Redis       RedisConfig           `mapstructure:"redis"`
	Logging     LoggingConfig         `mapstructure:"logging"`
	Tiers       map[string]TierConfig `mapstructure:"tiers"`
	RateLimit   RateLimitConfig       `mapstructure:"ratelimit"`
	Abuse       ratelimit.AbuseConfig `mapstructure:"abuse"`
	Detection   detection.Thresholds  `mapstructure:"detection"`
	Reputation  reputation.Config     `mapstructure:"reputation"`
	Bypass      bypass.Config         `mapstructure:"bypass"`
	Alerting    monitoring.Config     `mapstructure:"alerting"`
	ThreatIntel threatintel.Config    `mapstructure:"threat_intel"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	AdminKey        string        `mapstructure:"admin_key"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TrustedProxies  []string      `mapstructure:"trusted_proxies"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TierConfig struct {
	Requests int64         `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
	Burst    int64         `mapstructure:"burst"`
}

type RateLimitConfig struct {
	BlockedRetryAfter    time.Duration `mapstructure:"blocked_retry_after"`
	AttackRetryAfter     time.Duration `mapstructure:"attack_retry_after"`
	ReputationRetryAfter time.Duration `mapstructure:"reputation_retry_after"`
}

// Load reads configPath (or ./config.yaml, ./config/config.yaml when empty),
// applies environment overrides and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// The file is optional when defaults and env cover everything.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so that env overrides apply without a file.
func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", "8888")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.admin_key", "")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.trusted_proxies", []string{})

	// Redis
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 500*time.Millisecond)
	v.SetDefault("redis.write_timeout", 500*time.Millisecond)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Tiers
	for tier, tc := range models.DefaultTierConfigs() {
		prefix := "tiers." + string(tier) + "."
		v.SetDefault(prefix+"requests", tc.RequestsPerWindow)
		v.SetDefault(prefix+"window", tc.Window)
		v.SetDefault(prefix+"burst", tc.BurstAllowance)
	}

	rl := ratelimit.DefaultConfig()
	v.SetDefault("ratelimit.blocked_retry_after", rl.BlockedRetryAfter)
	v.SetDefault("ratelimit.attack_retry_after", rl.AttackRetryAfter)
	v.SetDefault("ratelimit.reputation_retry_after", rl.ReputationRetryAfter)

	ab := ratelimit.DefaultAbuseConfig()
	v.SetDefault("abuse.endpoint_flood_threshold", ab.EndpointFloodThreshold)
	v.SetDefault("abuse.scatter_threshold", ab.ScatterThreshold)
	v.SetDefault("abuse.scatter_window", ab.ScatterWindow)
	v.SetDefault("abuse.auth_failure_rate", ab.AuthFailureRate)
	v.SetDefault("abuse.auth_failure_min_requests", ab.AuthFailureMinRequests)
	v.SetDefault("abuse.slow_response_ms", ab.SlowResponseMs)
	v.SetDefault("abuse.slow_response_rate", ab.SlowResponseRate)
	v.SetDefault("abuse.off_hours_start", ab.OffHoursStart)
	v.SetDefault("abuse.off_hours_end", ab.OffHoursEnd)
	v.SetDefault("abuse.off_hours_min_volume", ab.OffHoursMinVolume)
	v.SetDefault("abuse.off_hours_multiplier", ab.OffHoursMultiplier)

	d := detection.DefaultThresholds()
	v.SetDefault("detection.requests_per_minute", d.RequestsPerMinute)
	v.SetDefault("detection.requests_per_hour", d.RequestsPerHour)
	v.SetDefault("detection.endpoint_requests_per_minute", d.EndpointRequestsPerMinute)
	v.SetDefault("detection.slow_response_ms", d.SlowResponseMs)
	v.SetDefault("detection.volumetric_score", d.VolumetricScore)
	v.SetDefault("detection.protocol_score", d.ProtocolScore)
	v.SetDefault("detection.application_score", d.ApplicationScore)
	v.SetDefault("detection.behavioral_score", d.BehavioralScore)
	v.SetDefault("detection.attack_score", d.AttackScore)
	v.SetDefault("detection.ban_score", d.BanScore)
	v.SetDefault("detection.block_score", d.BlockScore)
	v.SetDefault("detection.rate_limit_score", d.RateLimitScore)
	v.SetDefault("detection.ban_duration", d.BanDuration)
	v.SetDefault("detection.block_duration", d.BlockDuration)
	v.SetDefault("detection.rate_limit_duration", d.RateLimitDuration)
	v.SetDefault("detection.rate_limit_factor", d.RateLimitFactor)

	r := reputation.DefaultConfig()
	v.SetDefault("reputation.cache_ttl", r.CacheTTL)
	v.SetDefault("reputation.activity_retention", r.ActivityRetention)
	v.SetDefault("reputation.behavior_window", r.BehaviorWindow)
	v.SetDefault("reputation.whitelist_impact", r.WhitelistImpact)
	v.SetDefault("reputation.blacklist_impact", r.BlacklistImpact)
	v.SetDefault("reputation.apply_multiplier", r.ApplyMultiplier)

	b := bypass.DefaultConfig()
	v.SetDefault("bypass.default_duration", b.DefaultDuration)
	v.SetDefault("bypass.max_duration", b.MaxDuration)
	v.SetDefault("bypass.default_max_usage", b.DefaultMaxUsage)

	a := monitoring.DefaultConfig()
	v.SetDefault("alerting.cooldown_minutes", a.CooldownMinutes)
	v.SetDefault("alerting.max_alerts_per_minute", a.MaxAlertsPerMinute)
	v.SetDefault("alerting.metrics_interval", a.MetricsInterval)
	v.SetDefault("alerting.health_check_interval", a.HealthCheckInterval)
	v.SetDefault("alerting.metrics_history", a.MetricsHistory)
	v.SetDefault("alerting.max_stored_alerts", a.MaxStoredAlerts)
	v.SetDefault("alerting.dispatch_timeout", a.DispatchTimeout)
	v.SetDefault("alerting.ddos_alert_score", a.DDoSAlertScore)
	v.SetDefault("alerting.ddos_critical_score", a.DDoSCriticalScore)
	v.SetDefault("alerting.blocked_rate_threshold", a.BlockedRateThreshold)
	v.SetDefault("alerting.ddos_attack_threshold", a.DDoSAttackThreshold)
	v.SetDefault("alerting.bypass_usage_threshold", a.BypassUsageThreshold)
	v.SetDefault("alerting.webhook.enabled", false)
	v.SetDefault("alerting.webhook.urls", []string{})
	v.SetDefault("alerting.email.enabled", false)
	v.SetDefault("alerting.email.host", "")
	v.SetDefault("alerting.email.port", a.Email.Port)
	v.SetDefault("alerting.email.username", "")
	v.SetDefault("alerting.email.password", "")
	v.SetDefault("alerting.email.from", "")
	v.SetDefault("alerting.email.to", []string{})
	v.SetDefault("alerting.sms.enabled", false)
	v.SetDefault("alerting.sms.gateway_url", "")
	v.SetDefault("alerting.sms.api_key", "")
	v.SetDefault("alerting.sms.recipients", []string{})
	v.SetDefault("alerting.sms.min_severity", models.SeverityHigh)

	t := threatintel.DefaultConfig()
	v.SetDefault("threat_intel.timeout", t.Timeout)
	v.SetDefault("threat_intel.breaker_failures", t.BreakerFailures)
	v.SetDefault("threat_intel.breaker_cooldown", t.BreakerCooldown)
	v.SetDefault("threat_intel.abuse_db.enabled", false)
	v.SetDefault("threat_intel.abuse_db.url", "https://api.abuseipdb.com/api/v2/check")
	v.SetDefault("threat_intel.abuse_db.api_key", "")
	v.SetDefault("threat_intel.abuse_db.max_age_days", t.AbuseDB.MaxAgeDays)
	v.SetDefault("threat_intel.geo_risk.enabled", false)
	v.SetDefault("threat_intel.geo_risk.resolver_url", "")
	v.SetDefault("threat_intel.geo_risk.high_risk_countries", []string{})
	v.SetDefault("threat_intel.feed.enabled", false)
	v.SetDefault("threat_intel.feed.path", "")
}

// Validate rejects configs that would break admission or alerting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Port) == "" {
		return errors.New("server.port is required")
	}
	if c.Redis.Addr == "" {
		return errors.New("redis.addr is required")
	}
	if c.Redis.PoolSize < 0 {
		return errors.New("redis.pool_size must not be negative")
	}

	for name := range c.Tiers {
		if models.ParseTier(name) != models.Tier(name) {
			return fmt.Errorf("tiers.%s: %w", name, ratelimit.ErrUnknownTier)
		}
	}
	for tier, tc := range c.TierConfigs() {
		if err := ratelimit.ValidateTierConfig(tc); err != nil {
			return fmt.Errorf("tiers.%s: %w", tier, err)
		}
	}

	if err := c.Detection.Validate(); err != nil {
		return err
	}

	if c.Reputation.CacheTTL <= 0 || c.Reputation.BehaviorWindow <= 0 {
		return errors.New("reputation.cache_ttl and reputation.behavior_window must be positive")
	}
	if c.Reputation.ActivityRetention < c.Reputation.BehaviorWindow {
		return errors.New("reputation.activity_retention must cover reputation.behavior_window")
	}

	if c.Bypass.DefaultDuration <= 0 || c.Bypass.DefaultDuration > c.Bypass.MaxDuration {
		return errors.New("bypass.default_duration must be positive and within bypass.max_duration")
	}
	if c.Bypass.DefaultMaxUsage <= 0 {
		return errors.New("bypass.default_max_usage must be positive")
	}

	a := c.Alerting
	switch {
	case a.CooldownMinutes < 0:
		return errors.New("alerting.cooldown_minutes must not be negative")
	case a.MaxAlertsPerMinute <= 0:
		return errors.New("alerting.max_alerts_per_minute must be positive")
	case a.MetricsInterval <= 0 || a.HealthCheckInterval <= 0:
		return errors.New("alerting intervals must be positive")
	case a.MetricsHistory <= 0:
		return errors.New("alerting.metrics_history must be positive")
	case a.DDoSCriticalScore < a.DDoSAlertScore:
		return errors.New("alerting.ddos_critical_score must not be below alerting.ddos_alert_score")
	case a.BlockedRateThreshold <= 0 || a.BlockedRateThreshold > 1:
		return errors.New("alerting.blocked_rate_threshold must be in (0, 1]")
	}

	if c.Abuse.OffHoursStart < 0 || c.Abuse.OffHoursStart > 23 || c.Abuse.OffHoursEnd < 0 || c.Abuse.OffHoursEnd > 24 {
		return errors.New("abuse off-hours must be within 0-24")
	}
	return nil
}

// TierConfigs converts the tiers section, keeping defaults for missing tiers
// and missing fields.
func (c *Config) TierConfigs() map[models.Tier]models.TierConfig {
	tiers := models.DefaultTierConfigs()
	for name, tc := range c.Tiers {
		tier := models.Tier(name)
		current, ok := tiers[tier]
		if !ok {
			continue
		}
		if tc.Requests != 0 {
			current.RequestsPerWindow = tc.Requests
		}
		if tc.Window != 0 {
			current.Window = tc.Window
		}
		current.BurstAllowance = tc.Burst
		tiers[tier] = current
	}
	return tiers
}

// StorageConfig returns the Redis connection settings.
func (c *Config) StorageConfig() storage.Config {
	return storage.Config{
		Addr:         c.Redis.Addr,
		Password:     c.Redis.Password,
		DB:           c.Redis.DB,
		PoolSize:     c.Redis.PoolSize,
		DialTimeout:  c.Redis.DialTimeout,
		ReadTimeout:  c.Redis.ReadTimeout,
		WriteTimeout: c.Redis.WriteTimeout,
	}
}

// LimiterConfig returns the rate limiter settings.
func (c *Config) LimiterConfig() ratelimit.Config {
	return ratelimit.Config{
		Tiers:                c.TierConfigs(),
		ApplyReputation:      c.Reputation.ApplyMultiplier,
		BlockedRetryAfter:    c.RateLimit.BlockedRetryAfter,
		AttackRetryAfter:     c.RateLimit.AttackRetryAfter,
		ReputationRetryAfter: c.RateLimit.ReputationRetryAfter,
	}
}
