package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/rawblock/chaintrace-engine/internal/alerts"
	"github.com/rawblock/chaintrace-engine/internal/config"
	"github.com/rawblock/chaintrace-engine/internal/db"
	"github.com/rawblock/chaintrace-engine/internal/run"
	"github.com/rawblock/chaintrace-engine/internal/telemetry"
)

// Server wires the investigation manager, alert system, and optional
// durable store behind the HTTP API.
type Server struct {
	runs      *run.Manager
	alertMgr  *alerts.Manager
	watchlist *alerts.Watchlist
	store     *db.PostgresStore // nil in memory-only mode
	hub       *Hub
	cfg       *config.Config
	log       zerolog.Logger
}

func NewServer(runs *run.Manager, alertMgr *alerts.Manager, watchlist *alerts.Watchlist,
	store *db.PostgresStore, cfg *config.Config, log zerolog.Logger) *Server {
	return &Server{
		runs:      runs,
		alertMgr:  alertMgr,
		watchlist: watchlist,
		store:     store,
		cfg:       cfg,
		hub:       NewHub(log),
		log:       log.With().Str("component", "api").Logger(),
	}
}

// Hub exposes the websocket hub so alert broadcast can be wired to it
func (s *Server) Hub() *Hub {
	return s.hub
}

// BroadcastAlert pushes one alert to connected websocket clients
func (s *Server) BroadcastAlert(alert alerts.Alert) {
	payload, err := json.Marshal(gin.H{"type": "alert", "alert": alert})
	if err != nil {
		return
	}
	s.hub.Broadcast(payload)
}

// Router assembles the gin engine with CORS, auth, and rate limiting.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.corsMiddleware())

	go s.hub.Run()

	limiter := NewRateLimiter(s.cfg.API.RateLimitPerMin, s.cfg.API.RateLimitBurst)

	api := r.Group("/api/v1")
	api.Use(limiter.Middleware())
	api.GET("/health", s.handleHealth)
	api.GET("/stream", s.hub.Subscribe)

	protected := api.Group("")
	protected.Use(AuthMiddleware(s.cfg.API.AuthToken, s.log))
	{
		protected.POST("/investigations", s.handleCreateInvestigation)
		protected.GET("/investigations", s.handleListInvestigations)
		protected.GET("/investigations/:id", s.handleGetInvestigation)
		protected.POST("/investigations/:id/observations", s.handleIngestObservation)
		protected.POST("/investigations/:id/recompute", s.handleRecompute)
		protected.POST("/investigations/:id/shadow", s.handleShadowCompare)
		protected.GET("/investigations/:id/clusters", s.handleGetClusters)
		protected.GET("/investigations/:id/holders", s.handleGetHolderFindings)
		protected.GET("/investigations/:id/clusters/:cid", s.handleGetCluster)
		protected.GET("/investigations/:id/claims", s.handleGetClaims)
		protected.GET("/investigations/:id/contradictions", s.handleGetContradictions)
		protected.POST("/investigations/:id/claims/:claimId/supersede", s.handleSupersede)
		protected.GET("/investigations/:id/timeline", s.handleGetTimeline)
		protected.GET("/investigations/:id/completeness", s.handleCompleteness)
		protected.POST("/investigations/:id/headlines", s.handleAddHeadline)
		protected.POST("/investigations/:id/unknown", s.handleMarkUnknown)

		protected.GET("/alerts", s.handleGetAlerts)
		protected.GET("/watchlist", s.handleGetWatchlist)
		protected.POST("/watchlist", s.handleAddWatch)
		protected.DELETE("/watchlist/:address", s.handleRemoveWatch)
	}

	r.GET("/metrics", gin.WrapH(telemetry.Handler()))
	return r
}

// corsMiddleware applies the configured origin allowlist. An empty
// allowlist reflects any origin, for local dashboards.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	allowed := s.cfg.API.AllowedOrigins
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowed == "" || allowed == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, a := range strings.Split(allowed, ",") {
				if strings.TrimSpace(a) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers",
			"Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// handleHealth returns engine status for service discovery
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "operational",
		"engine": "chaintrace evidence engine",
		"runs":   len(s.runs.List()),
		"capabilities": gin.H{
			"cluster_scoring":    true,
			"claim_resolution":   true,
			"completeness_gate":  true,
			"funding_traversal":  true,
			"threshold_buckets":  true,
			"websocket_stream":   true,
		},
		"dbConnected": s.store != nil,
	})
}

// handleGetAlerts returns recent alerts, optionally filtered by severity
func (s *Server) handleGetAlerts(c *gin.Context) {
	if sev := c.Query("severity"); sev != "" {
		c.JSON(http.StatusOK, gin.H{"alerts": s.alertMgr.BySeverity(sev)})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	c.JSON(http.StatusOK, gin.H{"alerts": s.alertMgr.History(limit)})
}

func (s *Server) handleGetWatchlist(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"addresses": s.watchlist.List(),
		"total":     s.watchlist.Size(),
	})
}

func (s *Server) handleAddWatch(c *gin.Context) {
	var req struct {
		Address    string `json:"address" binding:"required"`
		Category   string `json:"category" binding:"required"` // scammer/exchange/mixer/victim
		Label      string `json:"label"`
		CaseID     string `json:"caseId"`
		AlertLevel string `json:"alertLevel"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if req.AlertLevel == "" {
		req.AlertLevel = "medium"
	}
	s.watchlist.Add(req.Address, req.Category, req.Label, req.CaseID, req.AlertLevel)
	c.JSON(http.StatusCreated, gin.H{"status": "watching", "address": req.Address})
}

func (s *Server) handleRemoveWatch(c *gin.Context) {
	addr := c.Param("address")
	if !s.watchlist.Contains(addr) {
		c.JSON(http.StatusNotFound, gin.H{"error": "address not on watchlist"})
		return
	}
	s.watchlist.Remove(addr)
	c.JSON(http.StatusOK, gin.H{"status": "removed", "address": addr})
}
