package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/useai-dev/useaid"
	"github.com/useai-dev/useaid/config"
	"github.com/useai-dev/useaid/query"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"version":          useaid.Version,
		"active_sessions":  s.chains.ActiveCount(),
		"open_connections": s.coordinator.OpenContexts(),
		"uptime_seconds":   int64(s.now().Sub(s.startedAt).Seconds()),
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	seals, err := s.query.Sessions(query.Filter{
		Client:   c.Query("client"),
		Project:  c.Query("project"),
		TaskType: c.Query("task_type"),
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, seals)
}

func (s *Server) handleMilestones(c *gin.Context) {
	entries, err := s.query.Milestones(c.Query("session_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []*useaid.Milestone{}
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.query.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.config())
}

// handlePostConfig overlays the request body on the current configuration,
// so a partial document only changes the fields it names.
func (s *Server) handlePostConfig(c *gin.Context) {
	cfg := *s.config()
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := config.Save(s.configDir, &cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if s.onConfigSaved != nil {
		s.onConfigSaved(&cfg)
	}
	s.logger.Info("configuration updated",
		"sync_enabled", cfg.SyncEnabled,
		"milestones_enabled", cfg.MilestonesEnabled,
		"evaluation_enabled", cfg.Evaluation.Enabled)
	c.JSON(http.StatusOK, &cfg)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.query.DeleteSession(id); err != nil {
		if errors.Is(err, useaid.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) handleDeleteConversation(c *gin.Context) {
	id := c.Param("id")
	deleted, err := s.query.DeleteConversation(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if deleted == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id, "sessions": deleted})
}

func (s *Server) handleDeleteMilestone(c *gin.Context) {
	id := c.Param("id")
	if err := s.query.DeleteMilestone(id); err != nil {
		if errors.Is(err, useaid.ErrMilestoneNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Milestone not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// handleSealActive seals every in-memory session that has records,
// synchronously. Assistants call this from shutdown hooks; their MCP
// connections stay valid for a later session_start.
func (s *Server) handleSealActive(c *gin.Context) {
	sealed := s.coordinator.SealActive()
	c.JSON(http.StatusOK, gin.H{"sealed": sealed})
}
