// Package config handles configuration loading, validation, and persistence
// for the X1 hub proxy.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultAPIPort    = 5000
	DefaultHubUDPPort = 8102
	DefaultListenBase = 8200
)

// Config is the root configuration structure for the proxy.
type Config struct {
	mu   sync.RWMutex
	path string

	HubData         HubData         `json:"hub_data"`
	ApplicationData ApplicationData `json:"application_data"`
}

// HubData contains hub and transport specific configuration.
type HubData struct {
	// Hub endpoint
	HubIP      string `json:"hub_ip"`
	HubUDPPort int    `json:"hub_udp_port"`

	// Proxy identity advertised over UDP rendezvous
	MAC        string `json:"proxy_mac"`
	Name       string `json:"proxy_name"`
	ProxyID    string `json:"proxy_id"`
	HubVersion string `json:"hub_version"`

	// TCP claim listener
	ListenBase int `json:"hub_listen_base"`

	// Keepalive tuning for the claimed hub session
	KeepAliveIdleSec     int `json:"keepalive_idle_sec"`
	KeepAliveIntervalSec int `json:"keepalive_interval_sec"`
	KeepAliveCount       int `json:"keepalive_count"`

	// Diagnostics
	ProxyEnabled bool `json:"proxy_enabled"`
	DiagDump     bool `json:"diag_dump"`
	DiagParse    bool `json:"diag_parse"`

	// Burst pacing
	BurstIdleThresholdMs int `json:"burst_idle_threshold_ms"`
	BurstResponseGraceMs int `json:"burst_response_grace_ms"`
}

// ApplicationData contains proxy application configuration.
type ApplicationData struct {
	Timers   TimerConfig    `json:"timers"`
	Database DatabaseConfig `json:"database"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Security SecurityConfig `json:"security"`
	Logging  LoggingConfig  `json:"logging"`
	APIPort  int            `json:"api_port"`
}

// TimerConfig holds background task interval settings.
type TimerConfig struct {
	CatalogRefreshInterval int `json:"catalog_refresh_interval_sec"`
	MappingSweepInterval   int `json:"mapping_sweep_interval_sec"`
	StatsPollingInterval   int `json:"stats_polling_interval_sec"`
}

// DatabaseConfig holds the mapping store settings.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url"`
	Port      int    `json:"port"`
	UseTLS    bool   `json:"use_tls"`
	CertFile  string `json:"cert_file"`
	KeyFile   string `json:"key_file"`
	CAFile    string `json:"ca_file"`
	ClientID  string `json:"client_id"`
	TopicBase string `json:"topic_base"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// SecurityConfig holds API security settings.
type SecurityConfig struct {
	AuthToken      string   `json:"auth_token"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	AuthDisabled   bool     `json:"auth_disabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HubData: HubData{
			HubUDPPort:           DefaultHubUDPPort,
			ListenBase:           DefaultListenBase,
			Name:                 "X1-HUB-PROXY",
			ProxyID:              "x1proxy",
			HubVersion:           "x1s",
			KeepAliveIdleSec:     30,
			KeepAliveIntervalSec: 10,
			KeepAliveCount:       3,
			ProxyEnabled:         true,
			DiagDump:             false,
			DiagParse:            true,
			BurstIdleThresholdMs: 150,
			BurstResponseGraceMs: 2000,
		},
		ApplicationData: ApplicationData{
			Timers: TimerConfig{
				CatalogRefreshInterval: 900,
				MappingSweepInterval:   3600,
				StatsPollingInterval:   10,
			},
			Database: DatabaseConfig{
				Path: "data/x1proxy.db",
			},
			MQTT: MQTTConfig{
				Enabled:   false,
				Port:      1883,
				TopicBase: "x1proxy",
			},
			Security: SecurityConfig{
				RateLimitRPS: 100,
				AuthDisabled: true,
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  10,
				MaxBackups: 5,
			},
			APIPort: DefaultAPIPort,
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save config to persist any new default fields added in code updates.
	// This ensures config.json always reflects the complete set of options.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Ensure config directory exists
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetHubData returns a copy of the hub configuration.
func (c *Config) GetHubData() HubData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.HubData
}

// SetHubData updates the hub configuration.
func (c *Config) SetHubData(data HubData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.HubData = data
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetApplicationData updates the application data configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = data
}

// UpdateHubField updates a specific field in hub data.
func (c *Config) UpdateHubField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, _ := json.Marshal(c.HubData)
	m := make(map[string]interface{})
	json.Unmarshal(data, &m)

	m[key] = value

	updated, _ := json.Marshal(m)
	if err := json.Unmarshal(updated, &c.HubData); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}

	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun returns true if the configuration needs initial setup.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.HubData.HubIP == ""
}

// ParsedMAC returns the configured proxy MAC as raw bytes. A blank or
// malformed value yields a locally administered placeholder address so the
// rendezvous frames stay well formed.
func (c *Config) ParsedMAC() [6]byte {
	c.mu.RLock()
	raw := c.HubData.MAC
	c.mu.RUnlock()

	var mac [6]byte
	hw, err := net.ParseMAC(raw)
	if err != nil || len(hw) != 6 {
		return [6]byte{0x02, 0x58, 0x31, 0x50, 0x52, 0x58}
	}
	copy(mac[:], hw)
	return mac
}
