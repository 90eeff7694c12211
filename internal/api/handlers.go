package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Root handler
func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "perpcycle API",
		"status":  "running",
		"time":    time.Now().UTC(),
	})
}

// handleHealth returns a simple health check (for load balancers). The
// database is the only hard dependency; a missing scheduler means the
// process runs API-only.
func (s *Server) handleHealth(c *gin.Context) {
	if s.db != nil {
		if err := s.db.Health(c.Request.Context()); err != nil {
			log.Warn().Str("component", "api").Err(err).Msg("Database health check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database unavailable",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().UTC(),
	})
}

// handleStreamStats returns websocket subscription counters per bot.
func (s *Server) handleStreamStats(c *gin.Context) {
	if s.engine == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "scheduler not running",
		})
		return
	}

	stats := s.engine.StreamStats()
	c.JSON(http.StatusOK, gin.H{
		"streams": stats,
		"total":   len(stats),
	})
}

// handleBotStatus returns the latest view of one running bot.
func (s *Server) handleBotStatus(c *gin.Context) {
	if s.engine == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "scheduler not running",
		})
		return
	}

	botID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid bot ID format",
		})
		return
	}

	status, ok := s.engine.BotStatus(botID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "bot not running",
		})
		return
	}

	c.JSON(http.StatusOK, status)
}

// handleRecentCycles returns the newest cycle summaries across bots.
func (s *Server) handleRecentCycles(c *gin.Context) {
	if s.engine == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "scheduler not running",
		})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	cycles := s.engine.RecentCycles(limit)
	c.JSON(http.StatusOK, gin.H{
		"cycles": cycles,
		"total":  len(cycles),
	})
}
