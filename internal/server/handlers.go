package server

import (
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nshruti113/admission-guard/internal/bypass"
	"github.com/nshruti113/admission-guard/internal/models"
	"github.com/nshruti113/admission-guard/internal/monitoring"
	"github.com/nshruti113/admission-guard/internal/ratelimit"
)

type evaluateResponse struct {
	Allowed     bool        `json:"allowed"`
	Limit       int64       `json:"limit"`
	Remaining   int64       `json:"remaining"`
	ResetTime   time.Time   `json:"reset_time"`
	RetryAfter  int64       `json:"retry_after,omitempty"` // seconds
	Tier        models.Tier `json:"tier"`
	IsBurstUsed bool        `json:"is_burst_used"`
	Reason      string      `json:"reason,omitempty"`
	Bypassed    bool        `json:"bypassed,omitempty"`
}

func toEvaluateResponse(r models.RateLimitResult) evaluateResponse {
	return evaluateResponse{
		Allowed:     r.Allowed,
		Limit:       r.Limit,
		Remaining:   r.Remaining,
		ResetTime:   r.ResetTime,
		RetryAfter:  retryAfterSeconds(r.RetryAfter),
		Tier:        r.Tier,
		IsBurstUsed: r.IsBurstUsed,
		Reason:      r.Reason,
		Bypassed:    r.Bypassed,
	}
}

// evaluate answers an admission question for a caller that enforces it itself.
func (s *Server) evaluate(c *gin.Context) {
	var req models.AdmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Tier = models.ParseTier(string(req.Tier))

	result := s.svc.Limiter.Evaluate(c.Request.Context(), req)
	writeRateLimitHeaders(c, result)
	c.JSON(http.StatusOK, toEvaluateResponse(result))
}

// ingestTraffic analyzes a completed request reported after the fact, with
// its status code and response time.
func (s *Server) ingestTraffic(c *gin.Context) {
	var req models.TrafficRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.SourceIP == "" {
		req.SourceIP = c.ClientIP()
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = s.now()
	}

	ctx := c.Request.Context()
	result := s.svc.Detector.Analyze(ctx, req)

	var action *models.MitigationAction
	if result.IsAttack {
		if s.svc.Alerter != nil {
			s.svc.Alerter.RecordDDoSDetection(result)
		}
		action = s.svc.Detector.ApplyMitigation(ctx, result)
	}
	c.JSON(http.StatusOK, gin.H{"detection": result, "mitigation": action})
}

func (s *Server) listTiers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tiers": s.svc.Limiter.ListTierConfigs()})
}

type tierRequest struct {
	Requests int64  `json:"requests" binding:"required"`
	Window   string `json:"window" binding:"required"`
	Burst    int64  `json:"burst"`
}

func (s *Server) updateTier(c *gin.Context) {
	var body tierRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	window, err := time.ParseDuration(body.Window)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid window: " + err.Error()})
		return
	}

	tier := models.Tier(c.Param("tier"))
	err = s.svc.Limiter.UpdateTierConfig(tier, models.TierConfig{
		RequestsPerWindow: body.Requests,
		Window:            window,
		BurstAllowance:    body.Burst,
	})
	switch {
	case errors.Is(err, ratelimit.ErrUnknownTier):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.svc.Limiter.GetTierConfig(tier))
}

func (s *Server) userStatus(c *gin.Context) {
	tier := models.ParseTier(c.Query("tier"))
	status, err := s.svc.Limiter.GetUserStatus(c.Request.Context(), c.Param("id"), tier)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) resetUser(c *gin.Context) {
	if err := s.svc.Limiter.ResetUserLimits(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

type bypassRequest struct {
	Reason         string   `json:"reason"`
	CreatedBy      string   `json:"created_by"`
	Duration       string   `json:"duration"`
	MaxUsage       int64    `json:"max_usage"`
	IPRestrictions []string `json:"ip_restrictions"`
}

func (s *Server) createBypass(c *gin.Context) {
	var body bypassRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var duration time.Duration
	if body.Duration != "" {
		d, err := time.ParseDuration(body.Duration)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid duration: " + err.Error()})
			return
		}
		duration = d
	}

	token, err := s.svc.Bypass.CreateToken(c.Request.Context(), bypass.CreateRequest{
		Reason:         body.Reason,
		CreatedBy:      body.CreatedBy,
		Duration:       duration,
		MaxUsage:       body.MaxUsage,
		IPRestrictions: body.IPRestrictions,
	})
	switch {
	case errors.Is(err, bypass.ErrMissingReason),
		errors.Is(err, bypass.ErrInvalidDuration),
		errors.Is(err, bypass.ErrInvalidMaxUsage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, token)
}

func (s *Server) listBypass(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tokens": s.svc.Bypass.ListUserTokens(c.Request.Context(), c.Query("created_by"))})
}

func (s *Server) bypassStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Bypass.GetTokenStats(c.Request.Context()))
}

func (s *Server) revokeBypass(c *gin.Context) {
	if err := s.svc.Bypass.RevokeToken(c.Request.Context(), c.Param("hash")); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

// ipParam returns the normalized :ip path parameter, or answers 400.
func ipParam(c *gin.Context) (string, bool) {
	addr, err := netip.ParseAddr(c.Param("ip"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ip address"})
		return "", false
	}
	return addr.String(), true
}

func (s *Server) ipReputation(c *gin.Context) {
	ip, ok := ipParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	c.JSON(http.StatusOK, gin.H{
		"reputation":  s.svc.Reputation.GetReputation(ctx, ip),
		"decision":    s.svc.Reputation.ShouldBlockIP(ctx, ip),
		"activity":    s.svc.Reputation.GetActivity(ctx, ip),
		"whitelisted": s.svc.Reputation.IsWhitelisted(ctx, ip),
		"blacklisted": s.svc.Reputation.IsBlacklisted(ctx, ip),
		"blocked":     s.svc.Detector.IsIPBlocked(ctx, ip),
	})
}

type listRequest struct {
	Reason  string `json:"reason" binding:"required"`
	AddedBy string `json:"added_by"`
}

func (s *Server) whitelist(c *gin.Context) {
	s.addToList(c, false)
}

func (s *Server) blacklist(c *gin.Context) {
	s.addToList(c, true)
}

func (s *Server) addToList(c *gin.Context, blacklist bool) {
	ip, ok := ipParam(c)
	if !ok {
		return
	}
	var body listRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.AddedBy == "" {
		body.AddedBy = "admin"
	}

	add := s.svc.Reputation.WhitelistIP
	if blacklist {
		add = s.svc.Reputation.BlacklistIP
	}
	rep, err := add(c.Request.Context(), ip, body.Reason, body.AddedBy)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) removeWhitelist(c *gin.Context) {
	s.removeFromList(c, false)
}

func (s *Server) removeBlacklist(c *gin.Context) {
	s.removeFromList(c, true)
}

func (s *Server) removeFromList(c *gin.Context, blacklist bool) {
	ip, ok := ipParam(c)
	if !ok {
		return
	}
	remove := s.svc.Reputation.RemoveFromWhitelist
	if blacklist {
		remove = s.svc.Reputation.RemoveFromBlacklist
	}
	rep, err := remove(c.Request.Context(), ip)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) listEntries(c *gin.Context) {
	var blacklist bool
	switch c.Param("list") {
	case "whitelist":
	case "blacklist":
		blacklist = true
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown list"})
		return
	}
	entries, err := s.svc.Reputation.ListEntries(c.Request.Context(), blacklist)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) ipMitigation(c *gin.Context) {
	ip, ok := ipParam(c)
	if !ok {
		return
	}
	action := s.svc.Detector.GetMitigation(c.Request.Context(), ip)
	if action == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active mitigation"})
		return
	}
	c.JSON(http.StatusOK, action)
}

func (s *Server) unblock(c *gin.Context) {
	ip, ok := ipParam(c)
	if !ok {
		return
	}
	if err := s.svc.Detector.UnblockIP(c.Request.Context(), ip); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unblocked"})
}

// since reads the "since" query duration, defaulting to one hour.
func (s *Server) since(c *gin.Context) (time.Time, bool) {
	window := time.Hour
	if raw := c.Query("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since duration"})
			return time.Time{}, false
		}
		window = d
	}
	return s.now().Add(-window), true
}

func (s *Server) mitigations(c *gin.Context) {
	since, ok := s.since(c)
	if !ok {
		return
	}
	actions, err := s.svc.Detector.MitigationHistory(c.Request.Context(), since)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mitigations": actions})
}

func (s *Server) attacks(c *gin.Context) {
	since, ok := s.since(c)
	if !ok {
		return
	}
	attacks, err := s.svc.Detector.RecentAttacks(c.Request.Context(), since)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"attacks": attacks})
}

func (s *Server) stats(c *gin.Context) {
	stats := s.svc.Alerter.GetStats()

	status := "NORMAL"
	if stats.Current.DDoSAttacks > 0 {
		status = "UNDER_ATTACK"
	}
	resp := gin.H{
		"status":   status,
		"alerting": stats,
		"bypass":   s.svc.Bypass.GetTokenStats(c.Request.Context()),
	}
	if s.svc.Hub != nil {
		resp["live_clients"] = s.svc.Hub.Clients()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) alerts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	unresolved, _ := strconv.ParseBool(c.Query("unresolved"))
	c.JSON(http.StatusOK, gin.H{"alerts": s.svc.Alerter.GetAlerts(monitoring.AlertFilter{
		Type:       c.Query("type"),
		Severity:   c.Query("severity"),
		Unresolved: unresolved,
		Limit:      limit,
	})})
}

func (s *Server) resolveAlert(c *gin.Context) {
	alert, err := s.svc.Alerter.ResolveAlert(c.Param("id"))
	if errors.Is(err, monitoring.ErrAlertNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (s *Server) testAlert(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Alerter.TestAlert())
}

func (s *Server) metricsHistory(c *gin.Context) {
	minutes, err := strconv.Atoi(c.DefaultQuery("minutes", "60"))
	if err != nil || minutes <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid minutes"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"metrics": s.svc.Alerter.GetRecentMetrics(minutes)})
}

type abuseRequest struct {
	UserID  string                  `json:"user_id" binding:"required"`
	Records []models.TrafficRequest `json:"records"`
}

func (s *Server) analyzeAbuse(c *gin.Context) {
	var body abuseRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ratelimit.DetectAbuse(body.UserID, body.Records, s.opts.Abuse, s.now()))
}
