package threatintel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nshruti113/admission-guard/internal/models"
)

// GeoInfo is the shape of a geo/IP-intelligence answer.
type GeoInfo struct {
	CountryCode string `json:"countryCode"`
	ASN         string `json:"as"`
	IsHosting   bool   `json:"hosting"`
	IsProxy     bool   `json:"proxy"`
}

// GeoResolver resolves an IP to its geo information.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) (GeoInfo, error)
}

// GeoRiskConfig lists the countries considered high risk.
type GeoRiskConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	ResolverURL       string   `mapstructure:"resolver_url"`
	HighRiskCountries []string `mapstructure:"high_risk_countries"`
}

// GeoRiskSource scores an IP by where it comes from and what network hosts it.
type GeoRiskSource struct {
	resolver GeoResolver
	highRisk map[string]bool
}

func NewGeoRiskSource(resolver GeoResolver, cfg GeoRiskConfig) *GeoRiskSource {
	highRisk := make(map[string]bool, len(cfg.HighRiskCountries))
	for _, c := range cfg.HighRiskCountries {
		highRisk[strings.ToUpper(c)] = true
	}
	return &GeoRiskSource{resolver: resolver, highRisk: highRisk}
}

func (s *GeoRiskSource) Name() string {
	return "geo_risk"
}

func (s *GeoRiskSource) Lookup(ctx context.Context, ip string) ([]models.ReputationFactor, error) {
	info, err := s.resolver.Resolve(ctx, ip)
	if err != nil {
		return nil, err
	}

	var factors []models.ReputationFactor
	if s.highRisk[strings.ToUpper(info.CountryCode)] {
		factors = append(factors, models.ReputationFactor{
			Type:        "high_risk_country",
			Impact:      15,
			Description: "Traffic from high-risk country " + info.CountryCode,
		})
	}
	if info.IsProxy {
		factors = append(factors, models.ReputationFactor{
			Type:        "proxy",
			Impact:      15,
			Description: "Anonymizing proxy or VPN",
		})
	}
	if info.IsHosting {
		factors = append(factors, models.ReputationFactor{
			Type:        "hosting_provider",
			Impact:      10,
			Description: "Hosting/datacenter network " + info.ASN,
		})
	}
	return factors, nil
}

// HTTPGeoResolver resolves through an ip-api style JSON endpoint; the IP is
// appended to the base URL path.
type HTTPGeoResolver struct {
	baseURL string
	client  *http.Client
}

func NewHTTPGeoResolver(baseURL string, timeout time.Duration) *HTTPGeoResolver {
	return &HTTPGeoResolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (r *HTTPGeoResolver) Resolve(ctx context.Context, ip string) (GeoInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.baseURL+"/"+ip+"?fields=countryCode,as,hosting,proxy", nil)
	if err != nil {
		return GeoInfo{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return GeoInfo{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return GeoInfo{}, fmt.Errorf("geo resolver returned status %d", resp.StatusCode)
	}

	var info GeoInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return GeoInfo{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return info, nil
}
