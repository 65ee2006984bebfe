package api

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/m3tac0de/x1proxy/internal/util"
)

// handleGetStatus returns transport and session state.
func (s *Server) handleGetStatus(c *gin.Context) {
	store := s.engine.Store()
	sched := s.engine.Burst()

	status := gin.H{
		"proxy_enabled":      s.engine.ProxyEnabled(),
		"hub_connected":      s.engine.HubConnected(),
		"client_connected":   s.engine.ClientConnected(),
		"can_issue_commands": s.engine.CanIssueCommands(),
		"current_activity":   store.CurrentActivity(),
		"activity_name":      store.ActivityName(store.CurrentActivity()),
		"burst_active":       sched.Active(),
		"burst_kind":         sched.Kind(),
		"queued_commands":    sched.QueueLen(),
	}
	if s.bridge != nil {
		status["bridge_enabled"] = s.bridge.Enabled()
	}

	c.JSON(http.StatusOK, status)
}

// handleGetActivities returns the cached activity list.
func (s *Server) handleGetActivities(c *gin.Context) {
	activities, ok := s.engine.GetActivities()
	if !ok {
		c.JSON(http.StatusAccepted, gin.H{
			"status": "fetching",
			"detail": "activity list not cached yet, refresh requested",
		})
		return
	}

	current := s.engine.Store().CurrentActivity()
	out := make([]gin.H, 0, len(activities))
	for id, act := range activities {
		out = append(out, gin.H{
			"id":      int(id),
			"name":    act.Name,
			"active":  act.Active,
			"current": int(id) == current,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i]["id"].(int) < out[j]["id"].(int) })

	c.JSON(http.StatusOK, gin.H{
		"activities": out,
		"total":      len(out),
	})
}

// handleGetDevices returns the cached device list.
func (s *Server) handleGetDevices(c *gin.Context) {
	devices, ok := s.engine.GetDevices()
	if !ok {
		c.JSON(http.StatusAccepted, gin.H{
			"status": "fetching",
			"detail": "device list not cached yet, refresh requested",
		})
		return
	}

	out := make([]gin.H, 0, len(devices))
	for id, dev := range devices {
		out = append(out, gin.H{
			"id":    int(id),
			"name":  dev.Name,
			"brand": dev.Brand,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i]["id"].(int) < out[j]["id"].(int) })

	c.JSON(http.StatusOK, gin.H{
		"devices": out,
		"total":   len(out),
	})
}

// handleGetActivity returns one activity with its buttons, favorites,
// macros and member devices.
func (s *Server) handleGetActivity(c *gin.Context) {
	id, err := parseEntityID(c, "id")
	if err != nil {
		return
	}

	store := s.engine.Store()
	act, ok := store.Activity(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "activity not found", "id": id})
		return
	}

	buttons, _ := s.engine.GetButtonsForEntity(id, true)
	macros, _ := s.engine.GetMacrosForActivity(id, true)

	favorites := make([]gin.H, 0)
	for _, fav := range store.ActivityFavoriteLabels(id) {
		favorites = append(favorites, gin.H{
			"button_id":  int(fav.ButtonID),
			"device_id":  int(fav.DeviceID),
			"command_id": int(fav.CommandID),
			"label":      fav.Label,
		})
	}

	macroList := make([]gin.H, 0, len(macros))
	for _, m := range macros {
		macroList = append(macroList, gin.H{
			"command_id": int(m.CommandID),
			"label":      m.Label,
		})
	}

	members := make([]int, 0)
	for _, dev := range store.ActivityMembers(id) {
		members = append(members, int(dev))
	}

	buttonCodes := make([]int, 0, len(buttons))
	for _, b := range buttons {
		buttonCodes = append(buttonCodes, int(b))
	}

	c.JSON(http.StatusOK, gin.H{
		"id":        id,
		"name":      act.Name,
		"active":    act.Active,
		"buttons":   buttonCodes,
		"favorites": favorites,
		"macros":    macroList,
		"members":   members,
	})
}

// handleGetCommands returns the command labels known for a device.
func (s *Server) handleGetCommands(c *gin.Context) {
	id, err := parseEntityID(c, "device_id")
	if err != nil {
		return
	}

	commands, ok := s.engine.GetCommandsForEntity(id, true)
	if !ok {
		c.JSON(http.StatusAccepted, gin.H{
			"status": "fetching",
			"detail": "command list not cached yet, refresh requested",
			"id":     id,
		})
		return
	}

	out := make([]gin.H, 0, len(commands))
	for cmd, label := range commands {
		out = append(out, gin.H{
			"command_id": int(cmd),
			"label":      label,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i]["command_id"].(int) < out[j]["command_id"].(int)
	})

	c.JSON(http.StatusOK, gin.H{
		"device_id": id,
		"commands":  out,
		"total":     len(out),
	})
}

// handleGetAppActivations returns commands observed from the vendor app
// during this session.
func (s *Server) handleGetAppActivations(c *gin.Context) {
	activations := s.engine.Store().AppActivations()

	out := make([]gin.H, 0, len(activations))
	for _, a := range activations {
		out = append(out, gin.H{
			"timestamp":     a.Timestamp,
			"direction":     a.Direction,
			"entity_id":     int(a.EntityID),
			"entity_kind":   a.EntityKind,
			"entity_name":   a.EntityName,
			"command_id":    int(a.CommandID),
			"command_label": a.CommandLabel,
			"button_label":  a.ButtonLabel,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"activations": out,
		"total":       len(out),
	})
}

// handleGetActivationLog returns the persisted activation history.
func (s *Server) handleGetActivationLog(c *gin.Context) {
	if s.mappings == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "mapping store not available"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	records, err := s.mappings.RecentActivations(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"activations": records,
		"count":       len(records),
	})
}

// handleGetCPUUsage returns current system CPU usage.
func (s *Server) handleGetCPUUsage(c *gin.Context) {
	usage, err := util.GetCPUUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cpu_percent": usage,
	})
}

// handleGetMemoryUsage returns current system memory usage.
func (s *Server) handleGetMemoryUsage(c *gin.Context) {
	mem, err := util.GetMemoryUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total_mb":     mem.Total,
		"used_mb":      mem.Used,
		"available_mb": mem.Available,
		"used_percent": mem.UsedPercent,
	})
}

// parseEntityID extracts and validates a hub entity id URL parameter.
// Entity ids are single bytes on the wire.
func parseEntityID(c *gin.Context, name string) (int, error) {
	idStr := c.Param(name)
	id, err := strconv.ParseUint(idStr, 10, 8)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entity id"})
		return 0, err
	}
	return int(id), nil
}
