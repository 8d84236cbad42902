// Package server exposes the admission layer over HTTP: the admission
// middleware, an evaluate endpoint, the admin API and a live websocket feed.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/nshruti113/admission-guard/internal/bypass"
	"github.com/nshruti113/admission-guard/internal/detection"
	"github.com/nshruti113/admission-guard/internal/metrics"
	"github.com/nshruti113/admission-guard/internal/monitoring"
	"github.com/nshruti113/admission-guard/internal/ratelimit"
	"github.com/nshruti113/admission-guard/internal/reputation"
)

// Pinger reports whether the shared counter store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the components wired behind the routes.
type Services struct {
	Limiter    *ratelimit.Limiter
	Detector   *detection.Detector
	Reputation *reputation.Scorer
	Bypass     *bypass.Manager
	Alerter    *monitoring.Alerter
	Metrics    *metrics.Metrics
	Hub        *Hub
	Store      Pinger
}

type Options struct {
	Mode           string
	AdminKey       string
	TrustedProxies []string
	Abuse          ratelimit.AbuseConfig
}

type Server struct {
	svc    Services
	opts   Options
	logger logrus.FieldLogger
	router *gin.Engine
	now    func() time.Time
}

func New(svc Services, opts Options, logger logrus.FieldLogger) (*Server, error) {
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}

	router := gin.New()
	if err := router.SetTrustedProxies(opts.TrustedProxies); err != nil {
		return nil, err
	}
	router.Use(gin.Recovery(), requestLogger(logger), corsMiddleware())

	s := &Server{
		svc:    svc,
		opts:   opts,
		logger: logger.WithField("component", "http"),
		router: router,
		now:    time.Now,
	}
	s.setupRoutes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthz)
	if s.svc.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.svc.Metrics.Handler()))
	}
	if s.svc.Hub != nil {
		s.router.GET("/ws", gin.WrapH(s.svc.Hub))
	}

	api := s.router.Group("/api/v1")
	{
		api.POST("/evaluate", s.evaluate)
		api.POST("/traffic", s.ingestTraffic)

		// Sample protected resource, admitted through the middleware
		api.Any("/resource/*path", s.Admission(), s.resource)
	}

	admin := api.Group("/admin", s.adminAuth())
	{
		admin.GET("/tiers", s.listTiers)
		admin.PUT("/tiers/:tier", s.updateTier)

		admin.GET("/users/:id/status", s.userStatus)
		admin.DELETE("/users/:id/limits", s.resetUser)

		admin.POST("/bypass", s.createBypass)
		admin.GET("/bypass", s.listBypass)
		admin.GET("/bypass/stats", s.bypassStats)
		admin.DELETE("/bypass/:hash", s.revokeBypass)

		admin.GET("/ip/:ip/reputation", s.ipReputation)
		admin.POST("/ip/:ip/whitelist", s.whitelist)
		admin.DELETE("/ip/:ip/whitelist", s.removeWhitelist)
		admin.POST("/ip/:ip/blacklist", s.blacklist)
		admin.DELETE("/ip/:ip/blacklist", s.removeBlacklist)
		admin.GET("/ip/:ip/mitigation", s.ipMitigation)
		admin.DELETE("/ip/:ip/block", s.unblock)
		admin.GET("/lists/:list", s.listEntries)

		admin.GET("/mitigations", s.mitigations)
		admin.GET("/attacks", s.attacks)

		admin.GET("/stats", s.stats)
		admin.GET("/alerts", s.alerts)
		admin.POST("/alerts/test", s.testAlert)
		admin.POST("/alerts/:id/resolve", s.resolveAlert)
		admin.GET("/metrics/history", s.metricsHistory)

		admin.POST("/abuse/analyze", s.analyzeAbuse)
	}
}

func (s *Server) healthz(c *gin.Context) {
	status := gin.H{"status": "ok", "store": "ok"}
	if s.svc.Store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.svc.Store.Ping(ctx); err != nil {
			// Admission fails open, so the service stays up without the store.
			status["status"] = "degraded"
			status["store"] = err.Error()
		}
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) resource(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "path": c.Param("path")})
}
