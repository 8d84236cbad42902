package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nshruti113/admission-guard/internal/logging"
	"github.com/nshruti113/admission-guard/internal/models"
)

const (
	attackHTTPFlood  = "HTTP_FLOOD"
	attackScanner    = "SCANNER"
	attackCredential = "CREDENTIAL_STUFFING"
	attackBypass     = "BYPASS"
)

var (
	userAgents = []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36",
		"Mozilla/5.0 (iPhone; CPU iPhone OS 14_6 like Mac OS X)",
	}

	paths = []string{
		"/", "/users", "/products", "/login", "/dashboard",
		"/profile", "/search", "/checkout", "/orders", "/help",
	}

	scannerAgents = []string{"sqlmap/1.7", "Nikto/2.5.0", "masscan/1.3", "zgrab/0.x"}

	tiers = []models.Tier{models.TierFree, models.TierFree, models.TierStandard, models.TierEnterprise}
)

type stats struct {
	sent, allowed, denied, failed atomic.Int64
}

type Simulator struct {
	serverURL  string
	adminKey   string
	normalRate int
	client     *http.Client
	logger     logrus.FieldLogger
	stats      stats
}

func NewSimulator(serverURL, adminKey string, normalRate int, logger logrus.FieldLogger) *Simulator {
	return &Simulator{
		serverURL:  serverURL,
		adminKey:   adminKey,
		normalRate: normalRate,
		client:     &http.Client{Timeout: 5 * time.Second},
		logger:     logger,
	}
}

// call is one admission-protected request made on behalf of a client.
type call struct {
	identity  string
	tier      models.Tier
	ip        string
	path      string
	userAgent string
	bypass    string
}

func randomIP() string {
	return fmt.Sprintf("%d.%d.%d.%d", rand.Intn(223)+1, rand.Intn(256), rand.Intn(256), rand.Intn(254)+1)
}

// generateBotnet returns size random source addresses.
func generateBotnet(size int) []string {
	ips := make([]string, size)
	for i := range ips {
		ips[i] = randomIP()
	}
	return ips
}

func (s *Simulator) normalCall() call {
	user := rand.Intn(500)
	return call{
		identity:  fmt.Sprintf("user-%d", user),
		tier:      tiers[user%len(tiers)],
		ip:        fmt.Sprintf("10.0.%d.%d", user/250, user%250+1),
		path:      paths[rand.Intn(len(paths))],
		userAgent: userAgents[user%len(userAgents)],
	}
}

// send issues one request against the protected resource. The client IP is
// carried in X-Forwarded-For, which the server honors for trusted proxies.
func (s *Simulator) send(ctx context.Context, c call) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.serverURL+"/api/v1/resource"+c.path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Forwarded-For", c.ip)
	if c.identity != "" {
		req.Header.Set("X-User-ID", c.identity)
	}
	req.Header.Set("X-User-Tier", string(c.tier))
	if c.bypass != "" {
		req.Header.Set("X-Bypass-Token", c.bypass)
	}

	s.stats.sent.Add(1)
	resp, err := s.client.Do(req)
	if err != nil {
		s.stats.failed.Add(1)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		s.stats.denied.Add(1)
	} else {
		s.stats.allowed.Add(1)
	}
	return nil
}

// report posts a completed request to the traffic analysis endpoint.
func (s *Simulator) report(ctx context.Context, tr models.TrafficRequest) error {
	data, err := json.Marshal(tr)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/api/v1/traffic", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (s *Simulator) httpFlood() []call {
	botnet := generateBotnet(20)
	targets := []string{"/search", "/login"}

	calls := make([]call, 0, 2000)
	for i := 0; i < cap(calls); i++ {
		calls = append(calls, call{
			tier:      models.TierFree,
			ip:        botnet[rand.Intn(len(botnet))],
			path:      targets[rand.Intn(len(targets))],
			userAgent: "curl/7.68.0",
		})
	}
	return calls
}

func (s *Simulator) scanner() []call {
	ip := randomIP()
	calls := make([]call, 0, 300)
	for i := 0; i < cap(calls); i++ {
		calls = append(calls, call{
			identity:  "scanner",
			tier:      models.TierFree,
			ip:        ip,
			path:      fmt.Sprintf("/admin/%d/.env", i),
			userAgent: scannerAgents[rand.Intn(len(scannerAgents))],
		})
	}
	return calls
}

// credentialStuffing reports failed logins; the detector sees them through
// the traffic endpoint.
func (s *Simulator) credentialStuffing() []models.TrafficRequest {
	ips := generateBotnet(3)
	reqs := make([]models.TrafficRequest, 0, 400)
	for i := 0; i < cap(reqs); i++ {
		reqs = append(reqs, models.TrafficRequest{
			ID:             uuid.New().String(),
			Timestamp:      time.Now(),
			UserID:         fmt.Sprintf("victim-%d", i%50),
			SourceIP:       ips[rand.Intn(len(ips))],
			Method:         http.MethodPost,
			Endpoint:       "/login",
			UserAgent:      "python-requests/2.31.0",
			StatusCode:     http.StatusUnauthorized,
			ResponseTimeMs: rand.Intn(50) + 10,
			AuthFailed:     true,
		})
	}
	return reqs
}

// bypassBurst issues an emergency token and drives a free-tier identity past
// its quota with it.
func (s *Simulator) bypassBurst(ctx context.Context) ([]call, error) {
	if s.adminKey == "" {
		return nil, fmt.Errorf("admin key required for %s", attackBypass)
	}
	body, _ := json.Marshal(map[string]interface{}{
		"reason":     "simulated incident",
		"created_by": "simulator",
		"duration":   "10m",
		"max_usage":  150,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/api/v1/admin/bypass", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Key", s.adminKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("create bypass token: status %d", resp.StatusCode)
	}
	var token models.BypassToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, err
	}

	calls := make([]call, 0, 200)
	for i := 0; i < cap(calls); i++ {
		calls = append(calls, call{
			identity:  "partner-batch",
			tier:      models.TierFree,
			ip:        "10.9.9.9",
			path:      "/orders",
			userAgent: userAgents[0],
			bypass:    token.Token,
		})
	}
	return calls, nil
}

func (s *Simulator) attack(ctx context.Context, g *errgroup.Group, kind string) {
	switch kind {
	case attackHTTPFlood:
		for _, c := range s.httpFlood() {
			g.Go(func() error { return s.send(ctx, c) })
		}
	case attackScanner:
		for _, c := range s.scanner() {
			g.Go(func() error { return s.send(ctx, c) })
		}
	case attackCredential:
		for _, tr := range s.credentialStuffing() {
			g.Go(func() error { return s.report(ctx, tr) })
		}
	case attackBypass:
		calls, err := s.bypassBurst(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("Skipping bypass scenario")
			return
		}
		for _, c := range calls {
			g.Go(func() error { return s.send(ctx, c) })
		}
	}
}

// Run cycles through the attack scenarios on top of steady normal traffic
// until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context, concurrency int) {
	s.logger.WithField("rate", s.normalRate).Info("Starting traffic simulator")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	attackTicker := time.NewTicker(10 * time.Second)
	defer attackTicker.Stop()

	sequence := []string{attackHTTPFlood, attackScanner, attackCredential, attackBypass}
	current, active := 0, true
	s.logger.WithField("attack", sequence[current]).Warn("Starting attack")

	for {
		select {
		case <-ctx.Done():
			s.logger.WithFields(logrus.Fields{
				"sent":    s.stats.sent.Load(),
				"allowed": s.stats.allowed.Load(),
				"denied":  s.stats.denied.Load(),
				"failed":  s.stats.failed.Load(),
			}).Info("Simulator stopped")
			return

		case <-ticker.C:
			var g errgroup.Group
			g.SetLimit(concurrency)
			for i := 0; i < s.normalRate; i++ {
				c := s.normalCall()
				g.Go(func() error { return s.send(ctx, c) })
			}
			if active {
				s.attack(ctx, &g, sequence[current])
			}
			if err := g.Wait(); err != nil {
				s.logger.WithError(err).Debug("Some requests failed")
			}
			s.logger.WithFields(logrus.Fields{
				"sent":    s.stats.sent.Load(),
				"allowed": s.stats.allowed.Load(),
				"denied":  s.stats.denied.Load(),
			}).Info("Traffic sent")

		case <-attackTicker.C:
			if active {
				s.logger.WithField("attack", sequence[current]).Info("Attack stopped")
				active = false
				continue
			}
			current = (current + 1) % len(sequence)
			active = true
			s.logger.WithField("attack", sequence[current]).Warn("Starting attack")
		}
	}
}

func main() {
	serverURL := flag.String("url", "http://localhost:8888", "admission guard base URL")
	adminKey := flag.String("admin-key", os.Getenv("GUARD_SERVER_ADMIN_KEY"), "admin key used to issue bypass tokens")
	rate := flag.Int("rate", 50, "normal requests per second")
	concurrency := flag.Int("concurrency", 32, "maximum in-flight requests")
	duration := flag.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	flag.Parse()

	logger := logging.New("INFO", "text")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	NewSimulator(*serverURL, *adminKey, *rate, logger).Run(ctx, *concurrency)
}
