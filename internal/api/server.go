package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/m3tac0de/x1proxy/internal/config"
	"github.com/m3tac0de/x1proxy/internal/db"
	"github.com/m3tac0de/x1proxy/internal/engine"
	"github.com/m3tac0de/x1proxy/internal/events"
	intnet "github.com/m3tac0de/x1proxy/internal/network"
)

// Server is the REST API server for the proxy.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	engine   *engine.Engine

	// Dependencies
	bridge   *intnet.Bridge
	mappings *db.MappingsDatabase

	// HTTP server
	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, eventBus *events.EventBus, eng *engine.Engine) *Server {
	// Set Gin mode based on log level
	if cfg.ApplicationData.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:      cfg,
		eventBus: eventBus,
		engine:   eng,
	}
}

// SetDependencies injects runtime dependencies (called after all components are initialized).
func (s *Server) SetDependencies(bridge *intnet.Bridge, mappings *db.MappingsDatabase) {
	s.bridge = bridge
	s.mappings = mappings
}

// Start initializes and starts the API server.
func (s *Server) Start(ctx context.Context) error {
	s.router = s.buildRouter()

	addr := fmt.Sprintf(":%d", s.cfg.GetApplicationData().APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Create listener with SO_REUSEADDR for immediate rebinding after restart
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Msg("REST API server starting")

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}

	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	// CORS
	allowedOrigins := s.cfg.GetApplicationData().Security.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	// Rate limiting
	rateLimiter := NewRateLimiter(s.cfg.GetApplicationData().Security.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	// Auth middleware
	auth := NewAuthMiddleware(s.cfg)

	// ---- Public endpoints (no auth required) ----
	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/get_proxy_info", s.handleGetProxyInfo)
		public.GET("/get_hub_version", s.handleGetHubVersion)
	}

	// ---- Protected endpoints ----
	protected := router.Group("/api")
	protected.Use(auth.RequireAuth())

	// Monitor endpoints: read the mirrored catalog and transport status
	monitor := protected.Group("/monitor")
	{
		monitor.GET("/get_status", s.handleGetStatus)
		monitor.GET("/get_activities", s.handleGetActivities)
		monitor.GET("/get_devices", s.handleGetDevices)
		monitor.GET("/get_activity/:id", s.handleGetActivity)
		monitor.GET("/get_commands/:device_id", s.handleGetCommands)
		monitor.GET("/get_app_activations", s.handleGetAppActivations)
		monitor.GET("/get_activation_log", s.handleGetActivationLog)
		monitor.GET("/get_cpu_usage", s.handleGetCPUUsage)
		monitor.GET("/get_memory_usage", s.handleGetMemoryUsage)
	}

	// Control endpoints: issue commands and writes toward the hub
	control := protected.Group("/control")
	{
		control.POST("/send_command", s.handleSendCommand)
		control.POST("/activate/:id", s.handleActivate)
		control.POST("/find_remote", s.handleFindRemote)
		control.POST("/refresh_catalog", s.handleRefreshCatalog)
		control.POST("/assign_favorite", s.handleAssignFavorite)
		control.POST("/assign_button", s.handleAssignButton)
		control.POST("/add_device_to_activity", s.handleAddDeviceToActivity)
		control.POST("/delete_device/:id", s.handleDeleteDevice)
		control.POST("/create_ip_button", s.handleCreateIPButton)
		control.POST("/add_ip_button/:device_id", s.handleAddIPButton)
		control.POST("/enable_proxy", s.handleEnableProxy)
		control.POST("/disable_proxy", s.handleDisableProxy)
	}

	// Configure endpoints
	configure := protected.Group("/configure")
	{
		configure.GET("/get_config", s.handleGetConfig)
		configure.POST("/set_hub_data", s.handleSetHubData)
		configure.POST("/set_app_data", s.handleSetAppData)

		// Persisted button mapping overrides
		configure.GET("/mappings/:activity_id", s.handleGetMappings)
		configure.POST("/mappings", s.handleSetMapping)
		configure.DELETE("/mappings/:activity_id/:button_code", s.handleDeleteMapping)
		configure.DELETE("/mappings/:activity_id", s.handleClearMappings)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message": "x1proxy API is running",
		})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
