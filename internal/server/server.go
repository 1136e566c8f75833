package server

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/verigate/api-gate/internal/config"
	"github.com/verigate/api-gate/internal/guard"
	"github.com/verigate/api-gate/internal/storage"
	"github.com/verigate/api-gate/internal/verify"
)

// Server represents the API server
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	router   *gin.Engine
	keys     *storage.KeyRegistry
	stats    *storage.UsageStats
	activity *storage.ActivityLog
	guard    *guard.Guard
	verifier verify.Runner
}

// New creates a new server instance. The store and verifier are injected
// so they live for the whole process and tests can substitute them.
func New(cfg *config.Config, logger *zap.Logger, store *storage.Store, verifier verify.Runner) (*Server, error) {
	gin.SetMode(cfg.Server.Mode)

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		router:   gin.New(),
		verifier: verifier,
	}

	s.keys = storage.NewKeyRegistry(store)
	s.stats = storage.NewUsageStats(store)
	s.activity = storage.NewActivityLog(store)
	s.guard = guard.New(s.keys, s.stats, s.activity, logger)

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// Router returns the gin engine
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggerMiddleware())

	if s.cfg.Security.EnableCORS {
		s.router.Use(s.corsMiddleware())
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/", func(c *gin.Context) {
		c.String(200, "ok")
	})

	s.router.GET("/health", s.healthCheck)
	s.router.GET("/ping", s.ping)

	// Gated verification API
	api := s.router.Group("/api")
	api.Use(s.keyGateMiddleware())
	{
		api.GET("/captcha", s.getChallenge)
		api.POST("/verify", s.verifyRecord)
	}

	// Admin API
	admin := s.router.Group("/admin")
	{
		admin.POST("/login", s.adminLogin)
		admin.POST("/logout", s.adminLogout)
		admin.GET("/verify", s.adminVerify)

		auth := admin.Group("/")
		auth.Use(s.adminAuthMiddleware())
		{
			auth.GET("/keys", s.listKeys)
			auth.POST("/keys", s.createKey)
			auth.PUT("/keys/:id", s.updateKey)
			auth.PATCH("/keys/:id/toggle", s.toggleKey)
			auth.DELETE("/keys/:id", s.deleteKey)

			auth.GET("/stats", s.getStats)
			auth.GET("/stats/dashboard", s.getDashboard)

			auth.GET("/activity", s.listActivity)
			auth.DELETE("/activity/:id", s.deleteActivity)
			auth.POST("/activity/delete", s.deleteActivities)

			auth.GET("/logs", s.getLogs)
			auth.DELETE("/logs", s.clearLogs)
		}
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

func (s *Server) ping(c *gin.Context) {
	c.JSON(200, gin.H{"message": "pong"})
}
