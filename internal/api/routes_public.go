package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/m3tac0de/x1proxy/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "x1proxy",
		"version": "1.0.0",
	})
}

// handleGetProxyInfo returns the proxy identity and host information.
func (s *Server) handleGetProxyInfo(c *gin.Context) {
	hubData := s.cfg.GetHubData()
	sysInfo := util.GetSystemInfo()

	c.JSON(http.StatusOK, gin.H{
		"proxy_name":      hubData.Name,
		"proxy_id":        hubData.ProxyID,
		"proxy_mac":       hubData.MAC,
		"hub_ip":          hubData.HubIP,
		"hub_version":     hubData.HubVersion,
		"platform":        sysInfo.Platform,
		"hostname":        sysInfo.Hostname,
		"cpu_model":       sysInfo.CPUModel,
		"cpu_cores":       sysInfo.CPUCores,
		"total_memory_mb": sysInfo.TotalMemory,
	})
}

// handleGetHubVersion returns the configured hub firmware generation.
func (s *Server) handleGetHubVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.cfg.GetHubData().HubVersion,
	})
}
