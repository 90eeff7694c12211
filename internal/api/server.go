// Package api exposes the read-only operations API: health, stream
// statistics, bot status and recent cycle summaries, plus the
// Prometheus metrics endpoint.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/perpcycle/internal/db"
	"github.com/ajitpratap0/perpcycle/internal/scheduler"
	"github.com/ajitpratap0/perpcycle/internal/stream"
)

// Engine is the scheduler surface the API reads from. Satisfied by
// *scheduler.Scheduler.
type Engine interface {
	StreamStats() map[int64]stream.Stats
	BotStatus(botID int64) (scheduler.BotStatus, bool)
	RecentCycles(limit int) []scheduler.CycleSummary
}

// Server represents the REST API server
type Server struct {
	router *gin.Engine
	db     *db.DB
	engine Engine
	addr   string
	server *http.Server
}

// Config contains server configuration
type Config struct {
	Host   string
	Port   int
	DB     *db.DB
	Engine Engine
}

// NewServer creates a new API server
func NewServer(config Config) *Server {
	// Set Gin to release mode for production
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)

	server := &Server{
		router: router,
		db:     config.DB,
		engine: config.Engine,
		addr:   addr,
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleRoot)
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/streams/stats", s.handleStreamStats)
		v1.GET("/cycles/recent", s.handleRecentCycles)

		bots := v1.Group("/bots")
		{
			bots.GET("/:id/status", s.handleBotStatus)
		}
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("component", "api").Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Str("component", "api").Msg("Stopping API server")

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}

	return nil
}

// LoggerMiddleware is a custom logging middleware for Gin
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		clientIP := c.ClientIP()
		method := c.Request.Method

		logEvent := log.Info().
			Str("method", method).
			Str("path", path).
			Str("query", query).
			Int("status", statusCode).
			Dur("latency", latency).
			Str("client_ip", clientIP)

		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}

		logEvent.Msg("API request")
	}
}
