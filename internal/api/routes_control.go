package api

import (
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/m3tac0de/x1proxy/internal/db"
	"github.com/m3tac0de/x1proxy/internal/engine"
	"github.com/m3tac0de/x1proxy/internal/protocol"
)

// handleSendCommand issues a single key press against an activity or device.
func (s *Server) handleSendCommand(c *gin.Context) {
	var body struct {
		EntityID  int  `json:"entity_id" binding:"min=0,max=255"`
		CommandID *int `json:"command_id" binding:"required,min=0,max=255"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !s.engine.SendCommand(body.EntityID, byte(*body.CommandID)) {
		c.JSON(http.StatusConflict, gin.H{
			"error": "command refused: no hub connection or a client app owns the session",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "sent",
		"entity_id":  body.EntityID,
		"command_id": *body.CommandID,
	})
}

// handleActivate starts an activity by sending its POWER_ON key.
func (s *Server) handleActivate(c *gin.Context) {
	id, err := parseEntityID(c, "id")
	if err != nil {
		return
	}

	if _, ok := s.engine.Store().Activity(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "activity not found", "id": id})
		return
	}

	if !s.engine.SendCommand(id, protocol.ButtonPowerOn) {
		c.JSON(http.StatusConflict, gin.H{
			"error": "activation refused: no hub connection or a client app owns the session",
		})
		return
	}

	if s.mappings != nil {
		if err := s.mappings.RecordActivation(id, "api"); err != nil {
			log.Warn().Err(err).Int("activity", id).Msg("API: activation log write failed")
		}
	}

	log.Info().Int("activity", id).Msg("API: activity started")
	c.JSON(http.StatusOK, gin.H{
		"status": "activated",
		"id":     id,
	})
}

// handleFindRemote triggers the hub's remote-finder buzzer.
func (s *Server) handleFindRemote(c *gin.Context) {
	if !s.engine.FindRemote() {
		c.JSON(http.StatusConflict, gin.H{
			"error": "find remote refused: no hub connection or a client app owns the session",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "buzzing"})
}

// handleRefreshCatalog drops cached catalog sections and re-requests the
// top-level lists. Per-entity detail is refetched lazily on read.
func (s *Server) handleRefreshCatalog(c *gin.Context) {
	if !s.engine.CanIssueCommands() {
		c.JSON(http.StatusConflict, gin.H{
			"error": "refresh refused: no hub connection or a client app owns the session",
		})
		return
	}

	s.engine.RequestActivities()
	s.engine.RequestDevices()

	c.JSON(http.StatusOK, gin.H{"status": "refreshing"})
}

// handleAssignFavorite writes a device command into an activity favorite slot.
func (s *Server) handleAssignFavorite(c *gin.Context) {
	var body struct {
		ActivityID int  `json:"activity_id" binding:"min=0,max=255"`
		Slot       *int `json:"slot" binding:"required,min=0,max=255"`
		DeviceID   int  `json:"device_id" binding:"min=0,max=255"`
		CommandID  *int `json:"command_id" binding:"required,min=0,max=255"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !s.engine.CommandToFavorite(body.ActivityID, *body.Slot, body.DeviceID, byte(*body.CommandID)) {
		c.JSON(http.StatusConflict, gin.H{"error": "favorite write failed"})
		return
	}

	log.Info().
		Int("activity", body.ActivityID).
		Int("slot", *body.Slot).
		Int("device", body.DeviceID).
		Msg("API: favorite assigned")

	c.JSON(http.StatusOK, gin.H{"status": "assigned"})
}

// handleAssignButton maps a device command onto a physical remote button
// within an activity.
func (s *Server) handleAssignButton(c *gin.Context) {
	var body struct {
		ActivityID int  `json:"activity_id" binding:"min=0,max=255"`
		Button     *int `json:"button" binding:"required,min=0,max=255"`
		DeviceID   int  `json:"device_id" binding:"min=0,max=255"`
		CommandID  *int `json:"command_id" binding:"required,min=0,max=255"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !s.engine.CommandToButton(body.ActivityID, byte(*body.Button), body.DeviceID, byte(*body.CommandID)) {
		c.JSON(http.StatusConflict, gin.H{"error": "button write failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "assigned"})
}

// handleAddDeviceToActivity adds a device to an activity's member list.
func (s *Server) handleAddDeviceToActivity(c *gin.Context) {
	var body struct {
		ActivityID int `json:"activity_id" binding:"min=0,max=255"`
		DeviceID   int `json:"device_id" binding:"min=0,max=255"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !s.engine.AddDeviceToActivity(body.ActivityID, body.DeviceID) {
		c.JSON(http.StatusConflict, gin.H{"error": "activity membership write failed"})
		return
	}

	log.Info().
		Int("activity", body.ActivityID).
		Int("device", body.DeviceID).
		Msg("API: device added to activity")

	c.JSON(http.StatusOK, gin.H{"status": "added"})
}

// handleDeleteDevice removes a device from the hub.
func (s *Server) handleDeleteDevice(c *gin.Context) {
	id, err := parseEntityID(c, "id")
	if err != nil {
		return
	}

	if _, ok := s.engine.Store().Device(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found", "id": id})
		return
	}

	if !s.engine.DeleteDevice(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "device delete failed"})
		return
	}

	if s.mappings != nil {
		if err := s.mappings.DeleteDeviceIPCommands(id); err != nil {
			log.Warn().Err(err).Int("device", id).Msg("API: IP command cleanup failed")
		}
	}

	log.Info().Int("device", id).Msg("API: device deleted")
	c.JSON(http.StatusOK, gin.H{
		"status": "deleted",
		"id":     id,
	})
}

// handleCreateIPButton creates a new WiFi/IP device holding one HTTP button.
func (s *Server) handleCreateIPButton(c *gin.Context) {
	spec, ok := bindIPButtonSpec(c)
	if !ok {
		return
	}

	dev, err := s.engine.CreateIPButton(spec)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	s.persistIPCommand(int(dev.DeviceID), 1, spec)

	log.Info().
		Int("device", int(dev.DeviceID)).
		Str("name", dev.Name).
		Msg("API: IP device created")

	c.JSON(http.StatusOK, gin.H{
		"status":    "created",
		"device_id": int(dev.DeviceID),
		"name":      dev.Name,
	})
}

// handleAddIPButton adds an HTTP button to an existing WiFi/IP device.
func (s *Server) handleAddIPButton(c *gin.Context) {
	id, err := parseEntityID(c, "device_id")
	if err != nil {
		return
	}

	spec, ok := bindIPButtonSpec(c)
	if !ok {
		return
	}

	buttonID, err := s.engine.AddIPButtonToDevice(id, spec)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	s.persistIPCommand(id, buttonID, spec)

	c.JSON(http.StatusOK, gin.H{
		"status":    "added",
		"device_id": id,
		"button_id": buttonID,
	})
}

// handleEnableProxy resumes the proxy's hub claim loop and local requests.
func (s *Server) handleEnableProxy(c *gin.Context) {
	s.engine.SetProxyEnabled(true)
	if s.bridge != nil {
		s.bridge.Enable()
	}
	s.persistProxyEnabled(true)

	c.JSON(http.StatusOK, gin.H{"status": "enabled"})
}

// handleDisableProxy pauses the claim loop. A live hub session is kept
// until it drops on its own.
func (s *Server) handleDisableProxy(c *gin.Context) {
	s.engine.SetProxyEnabled(false)
	if s.bridge != nil {
		s.bridge.Disable()
	}
	s.persistProxyEnabled(false)

	c.JSON(http.StatusOK, gin.H{"status": "disabled"})
}

func (s *Server) persistProxyEnabled(enabled bool) {
	if err := s.cfg.UpdateHubField("proxy_enabled", enabled); err != nil {
		log.Warn().Err(err).Bool("enabled", enabled).Msg("API: failed to update proxy_enabled")
		return
	}
	if err := s.cfg.Save(); err != nil {
		log.Warn().Err(err).Msg("API: failed to persist proxy_enabled")
	}
}

// bindIPButtonSpec parses the shared request body for IP button creation.
func bindIPButtonSpec(c *gin.Context) (engine.IPButtonSpec, bool) {
	var body struct {
		DeviceName string            `json:"device_name"`
		ButtonName string            `json:"button_name" binding:"required"`
		Method     string            `json:"method" binding:"required,oneof=GET POST PUT DELETE"`
		URL        string            `json:"url" binding:"required,url"`
		Headers    map[string]string `json:"headers"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return engine.IPButtonSpec{}, false
	}

	return engine.IPButtonSpec{
		DeviceName: body.DeviceName,
		ButtonName: body.ButtonName,
		Method:     body.Method,
		URL:        body.URL,
		Headers:    body.Headers,
	}, true
}

// persistIPCommand mirrors a created IP button into the mapping store so
// definitions survive restarts.
func (s *Server) persistIPCommand(deviceID, buttonID int, spec engine.IPButtonSpec) {
	if s.mappings == nil {
		return
	}

	keys := make([]string, 0, len(spec.Headers))
	for k := range spec.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+": "+spec.Headers[k])
	}

	rec := db.IPCommandRecord{
		DeviceID: deviceID,
		ButtonID: buttonID,
		Name:     spec.ButtonName,
		Method:   spec.Method,
		URL:      spec.URL,
		Headers:  strings.Join(lines, "\n"),
	}
	if err := s.mappings.SaveIPCommand(rec); err != nil {
		log.Warn().Err(err).
			Int("device", deviceID).
			Int("button", buttonID).
			Msg("API: IP command persist failed")
	}
}
