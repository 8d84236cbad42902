// Package bypass issues and validates emergency override credentials that let
// an operator skip rate limiting during an incident.
package bypass

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nshruti113/admission-guard/internal/models"
	"github.com/nshruti113/admission-guard/internal/storage"
)

// Rejection reasons returned by ValidateAndUse.
const (
	ReasonMissing        = "Token is required"
	ReasonInvalid        = "Invalid token"
	ReasonExpired        = "Token expired"
	ReasonUsageExceeded  = "Token usage limit exceeded"
	ReasonIPUnauthorized = "IP address not authorized for this token"
)

var (
	ErrInvalidDuration = errors.New("bypass: duration must be positive and within the configured maximum")
	ErrInvalidMaxUsage = errors.New("bypass: max usage must be positive")
	ErrMissingReason   = errors.New("bypass: reason and creator are required")
)

// Config holds token defaults and limits.
type Config struct {
	DefaultDuration time.Duration `mapstructure:"default_duration"`
	MaxDuration     time.Duration `mapstructure:"max_duration"`
	DefaultMaxUsage int64         `mapstructure:"default_max_usage"`
}

func DefaultConfig() Config {
	return Config{
		DefaultDuration: time.Hour,
		MaxDuration:     24 * time.Hour,
		DefaultMaxUsage: 100,
	}
}

// CreateRequest describes a token to issue. Zero Duration and MaxUsage take
// the configured defaults.
type CreateRequest struct {
	Reason         string        `json:"reason"`
	CreatedBy      string        `json:"created_by"`
	Duration       time.Duration `json:"duration"`
	MaxUsage       int64         `json:"max_usage"`
	IPRestrictions []string      `json:"ip_restrictions,omitempty"`
}

// Manager stores only token hashes; the raw secret is returned once at creation.
type Manager struct {
	store  storage.CounterStore
	cfg    Config
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewManager(store storage.CounterStore, cfg Config, logger logrus.FieldLogger) *Manager {
	return &Manager{
		store:  store,
		cfg:    cfg,
		logger: logger.WithField("component", "bypass"),
		now:    time.Now,
	}
}

// HashToken returns the storage hash of a raw token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("bypass: failed to generate token: %w", err)
	}
	return "bp_" + hex.EncodeToString(buf), nil
}

// CreateToken issues a new token. The returned value is the only place the
// raw secret appears.
func (m *Manager) CreateToken(ctx context.Context, req CreateRequest) (*models.BypassToken, error) {
	if strings.TrimSpace(req.Reason) == "" || strings.TrimSpace(req.CreatedBy) == "" {
		return nil, ErrMissingReason
	}

	duration := req.Duration
	if duration == 0 {
		duration = m.cfg.DefaultDuration
	}
	if duration <= 0 || duration > m.cfg.MaxDuration {
		return nil, ErrInvalidDuration
	}

	maxUsage := req.MaxUsage
	if maxUsage == 0 {
		maxUsage = m.cfg.DefaultMaxUsage
	}
	if maxUsage < 0 {
		return nil, ErrInvalidMaxUsage
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}

	now := m.now()
	token := models.BypassToken{
		HashedToken:    HashToken(secret),
		Reason:         req.Reason,
		CreatedBy:      req.CreatedBy,
		CreatedAt:      now,
		ExpiresAt:      now.Add(duration),
		MaxUsage:       maxUsage,
		IPRestrictions: req.IPRestrictions,
	}

	data, err := json.Marshal(token)
	if err != nil {
		return nil, err
	}
	if err := m.store.SetWithTTL(ctx, storage.BypassTokenKey(token.HashedToken), data, duration); err != nil {
		return nil, fmt.Errorf("bypass: failed to store token: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"created_by": req.CreatedBy,
		"expires_at": token.ExpiresAt,
		"max_usage":  maxUsage,
	}).Info("Bypass token created")

	token.Token = secret
	return &token, nil
}

func (m *Manager) load(ctx context.Context, hash string) (*models.BypassToken, error) {
	data, err := m.store.Get(ctx, storage.BypassTokenKey(hash))
	if err != nil {
		return nil, err
	}
	var token models.BypassToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("bypass: corrupt token record: %w", err)
	}

	usage, err := m.usage(ctx, hash)
	if err != nil {
		return nil, err
	}
	token.UsageCount = usage
	return &token, nil
}

func (m *Manager) usage(ctx context.Context, hash string) (int64, error) {
	raw, err := m.store.Get(ctx, storage.BypassUsageKey(hash))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bypass: invalid usage counter: %w", err)
	}
	return n, nil
}

// ValidateAndUse checks a presented token and, if it is usable from ip,
// consumes one use. Store failures resolve to an invalid token.
func (m *Manager) ValidateAndUse(ctx context.Context, token, ip string) models.TokenValidation {
	if strings.TrimSpace(token) == "" {
		return models.TokenValidation{Reason: ReasonMissing}
	}

	hash := HashToken(token)
	record, err := m.load(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return models.TokenValidation{Reason: ReasonInvalid}
	}
	if err != nil {
		m.logger.WithError(err).Warn("Bypass token lookup failed")
		return models.TokenValidation{Reason: ReasonInvalid}
	}

	now := m.now()
	if now.After(record.ExpiresAt) {
		return models.TokenValidation{Reason: ReasonExpired}
	}
	if record.UsageCount >= record.MaxUsage {
		return models.TokenValidation{Reason: ReasonUsageExceeded}
	}
	if len(record.IPRestrictions) > 0 && !containsIP(record.IPRestrictions, ip) {
		m.logger.WithField("ip", ip).Warn("Bypass token presented from unauthorized IP")
		return models.TokenValidation{Reason: ReasonIPUnauthorized}
	}

	// Concurrent uses race on the counter itself, which never passes MaxUsage.
	used, ok, err := m.store.IncrementBelow(ctx, storage.BypassUsageKey(hash), record.MaxUsage, record.ExpiresAt.Sub(now))
	if err != nil {
		m.logger.WithError(err).Warn("Bypass token usage increment failed")
		return models.TokenValidation{Reason: ReasonInvalid}
	}
	if !ok {
		return models.TokenValidation{Reason: ReasonUsageExceeded}
	}

	record.UsageCount = used
	return models.TokenValidation{IsValid: true, Token: record}
}

func containsIP(list []string, ip string) bool {
	for _, allowed := range list {
		if allowed == ip {
			return true
		}
	}
	return false
}

// RevokeToken deletes a token by its hash.
func (m *Manager) RevokeToken(ctx context.Context, hash string) error {
	if err := m.store.Delete(ctx, storage.BypassTokenKey(hash), storage.BypassUsageKey(hash)); err != nil {
		return fmt.Errorf("bypass: failed to revoke token: %w", err)
	}
	m.logger.WithField("token_hash", hash).Info("Bypass token revoked")
	return nil
}

func (m *Manager) all(ctx context.Context) ([]models.BypassToken, error) {
	keys, err := m.store.ListKeysByPrefix(ctx, storage.BypassTokenPrefix)
	if err != nil {
		return nil, err
	}

	tokens := make([]models.BypassToken, 0, len(keys))
	for _, key := range keys {
		token, err := m.load(ctx, strings.TrimPrefix(key, storage.BypassTokenPrefix))
		if err != nil {
			// Expired between SCAN and GET, or corrupt: skip.
			continue
		}
		tokens = append(tokens, *token)
	}
	return tokens, nil
}

// ListUserTokens lists unexpired tokens created by createdBy, or by anyone
// when createdBy is empty. Raw secrets are never included.
func (m *Manager) ListUserTokens(ctx context.Context, createdBy string) []models.BypassToken {
	tokens, err := m.all(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to list bypass tokens")
		return []models.BypassToken{}
	}

	now := m.now()
	result := make([]models.BypassToken, 0, len(tokens))
	for _, token := range tokens {
		if createdBy != "" && token.CreatedBy != createdBy {
			continue
		}
		if now.After(token.ExpiresAt) {
			continue
		}
		token.Token = ""
		result = append(result, token)
	}
	return result
}

// GetTokenStats counts active and expired tokens and their total usage. A
// token whose uses are exhausted counts as expired.
func (m *Manager) GetTokenStats(ctx context.Context) models.TokenStats {
	tokens, err := m.all(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to compute bypass token stats")
		return models.TokenStats{}
	}

	now := m.now()
	var stats models.TokenStats
	for _, token := range tokens {
		stats.TotalUsage += token.UsageCount
		if now.After(token.ExpiresAt) || token.UsageCount >= token.MaxUsage {
			stats.Expired++
		} else {
			stats.Active++
		}
	}
	return stats
}
