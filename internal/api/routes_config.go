package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/m3tac0de/x1proxy/internal/config"
	"github.com/m3tac0de/x1proxy/internal/db"
	"github.com/m3tac0de/x1proxy/internal/events"
)

// handleGetConfig returns the full current configuration.
func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"hub_data":         s.cfg.GetHubData(),
		"application_data": s.cfg.GetApplicationData(),
	})
}

// handleSetHubData updates hub and transport configuration.
func (s *Server) handleSetHubData(c *gin.Context) {
	var hubData config.HubData
	if err := c.ShouldBindJSON(&hubData); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.cfg.SetHubData(hubData)

	if result := config.Validate(s.cfg); !result.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "validation failed",
			"errors": result.Errors,
		})
		return
	}

	if err := s.cfg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	s.eventBus.Emit(c.Request.Context(), events.Event{
		Type:   events.EventConfigChanged,
		Source: "api",
		Payload: events.ConfigChangedPayload{
			Section: "hub_data",
		},
	})

	log.Info().Msg("API: hub data updated")

	c.JSON(http.StatusOK, gin.H{
		"status": "updated",
		"data":   s.cfg.GetHubData(),
	})
}

// handleSetAppData updates application configuration.
func (s *Server) handleSetAppData(c *gin.Context) {
	var appData config.ApplicationData
	if err := c.ShouldBindJSON(&appData); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.cfg.SetApplicationData(appData)

	if err := s.cfg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	s.eventBus.Emit(c.Request.Context(), events.Event{
		Type:   events.EventConfigChanged,
		Source: "api",
		Payload: events.ConfigChangedPayload{
			Section: "application_data",
		},
	})

	c.JSON(http.StatusOK, gin.H{
		"status": "updated",
	})
}

// handleGetMappings returns the persisted button overrides for an activity.
func (s *Server) handleGetMappings(c *gin.Context) {
	if s.mappings == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "mapping store not available"})
		return
	}

	id, err := parseEntityID(c, "activity_id")
	if err != nil {
		return
	}

	rows, err := s.mappings.ButtonMappings(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"activity_id": id,
		"mappings":    rows,
		"total":       len(rows),
	})
}

// handleSetMapping stores one button override.
func (s *Server) handleSetMapping(c *gin.Context) {
	if s.mappings == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "mapping store not available"})
		return
	}

	var body struct {
		ActivityID int    `json:"activity_id" binding:"min=0,max=255"`
		ButtonCode *int   `json:"button_code" binding:"required,min=0,max=255"`
		DeviceID   int    `json:"device_id" binding:"min=0,max=255"`
		CommandID  *int   `json:"command_id" binding:"required,min=0,max=255"`
		Label      string `json:"label"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m := db.ButtonMapping{
		ActivityID: body.ActivityID,
		ButtonCode: *body.ButtonCode,
		DeviceID:   body.DeviceID,
		CommandID:  *body.CommandID,
		Label:      body.Label,
	}
	if err := s.mappings.SetButtonMapping(m); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	log.Info().
		Int("activity", m.ActivityID).
		Int("button", m.ButtonCode).
		Msg("API: button mapping stored")

	c.JSON(http.StatusOK, gin.H{"status": "stored"})
}

// handleDeleteMapping removes one button override.
func (s *Server) handleDeleteMapping(c *gin.Context) {
	if s.mappings == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "mapping store not available"})
		return
	}

	id, err := parseEntityID(c, "activity_id")
	if err != nil {
		return
	}

	buttonStr := c.Param("button_code")
	button, err := strconv.ParseUint(buttonStr, 10, 8)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid button code"})
		return
	}

	if err := s.mappings.DeleteButtonMapping(id, int(button)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// handleClearMappings removes every button override on an activity.
func (s *Server) handleClearMappings(c *gin.Context) {
	if s.mappings == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "mapping store not available"})
		return
	}

	id, err := parseEntityID(c, "activity_id")
	if err != nil {
		return
	}

	removed, err := s.mappings.ClearActivityMappings(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "cleared",
		"removed": removed,
	})
}
