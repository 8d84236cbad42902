package threatintel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nshruti113/admission-guard/internal/models"
)

// AbuseDBConfig configures an AbuseIPDB-compatible check endpoint.
type AbuseDBConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	APIKey     string `mapstructure:"api_key"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// AbuseDBSource queries an abuse database over HTTP.
type AbuseDBSource struct {
	cfg    AbuseDBConfig
	client *http.Client
}

func NewAbuseDBSource(cfg AbuseDBConfig, timeout time.Duration) *AbuseDBSource {
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 90
	}
	return &AbuseDBSource{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *AbuseDBSource) Name() string {
	return "abuse_db"
}

type abuseDBResponse struct {
	Data struct {
		AbuseConfidenceScore int    `json:"abuseConfidenceScore"`
		TotalReports         int    `json:"totalReports"`
		IsWhitelisted        bool   `json:"isWhitelisted"`
		IsTor                bool   `json:"isTor"`
		CountryCode          string `json:"countryCode"`
		UsageType            string `json:"usageType"`
	} `json:"data"`
}

func (s *AbuseDBSource) Lookup(ctx context.Context, ip string) ([]models.ReputationFactor, error) {
	q := url.Values{}
	q.Set("ipAddress", ip)
	q.Set("maxAgeInDays", strconv.Itoa(s.cfg.MaxAgeDays))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Key", s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("abuse db returned status %d", resp.StatusCode)
	}

	var body abuseDBResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	d := body.Data
	var factors []models.ReputationFactor
	if d.IsWhitelisted {
		factors = append(factors, models.ReputationFactor{
			Type:        "abuse_db_whitelisted",
			Impact:      -20,
			Description: "Listed as trusted by abuse database",
		})
	}
	if d.AbuseConfidenceScore > 0 {
		factors = append(factors, models.ReputationFactor{
			Type:        "abuse_confidence",
			Impact:      d.AbuseConfidenceScore / 2,
			Description: fmt.Sprintf("Abuse confidence %d%% from %d reports", d.AbuseConfidenceScore, d.TotalReports),
		})
	}
	if d.IsTor {
		factors = append(factors, models.ReputationFactor{
			Type:        "tor_exit_node",
			Impact:      10,
			Description: "Tor exit node",
		})
	}
	return factors, nil
}
