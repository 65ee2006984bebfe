package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateHubData(&cfg.HubData, result)
	validateApplicationData(&cfg.ApplicationData, result)

	return result
}

func validateHubData(data *HubData, result *ValidationResult) {
	if strings.TrimSpace(data.HubIP) == "" {
		result.AddError("hub_data.hub_ip", "real hub IP address is required")
	} else if net.ParseIP(data.HubIP) == nil {
		result.AddError("hub_data.hub_ip",
			fmt.Sprintf("not a valid IP address: %s", data.HubIP))
	}

	if data.HubUDPPort < 1 || data.HubUDPPort > 65535 {
		result.AddError("hub_data.hub_udp_port", "must be between 1 and 65535")
	}

	if data.ListenBase < 1024 || data.ListenBase > 65000 {
		result.AddError("hub_data.hub_listen_base",
			"claim listener base port must be between 1024 and 65000")
	}

	if strings.TrimSpace(data.MAC) == "" {
		result.AddWarning("hub_data.proxy_mac",
			"no MAC configured, rendezvous frames will use a placeholder address")
	} else if _, err := net.ParseMAC(data.MAC); err != nil {
		result.AddError("hub_data.proxy_mac",
			fmt.Sprintf("not a valid MAC address: %s", data.MAC))
	}

	switch data.HubVersion {
	case "x1", "x1s", "x2":
	default:
		result.AddError("hub_data.hub_version",
			fmt.Sprintf("unknown hub version %q (expected x1, x1s or x2)", data.HubVersion))
	}

	if strings.TrimSpace(data.Name) == "" {
		result.AddError("hub_data.proxy_name", "advertised proxy name is required")
	} else if len(data.Name) > 14 {
		result.AddWarning("hub_data.proxy_name",
			"name longer than 14 bytes is truncated in NOTIFY advertisements")
	}

	if data.KeepAliveIdleSec < 1 {
		result.AddError("hub_data.keepalive_idle_sec", "must be at least 1 second")
	}
	if data.KeepAliveIntervalSec < 1 {
		result.AddError("hub_data.keepalive_interval_sec", "must be at least 1 second")
	}
	if data.KeepAliveCount < 1 {
		result.AddError("hub_data.keepalive_count", "must be at least 1 probe")
	}

	if data.BurstIdleThresholdMs < 50 {
		result.AddWarning("hub_data.burst_idle_threshold_ms",
			"under 50ms the scheduler may declare bursts finished mid-stream")
	}
	if data.BurstResponseGraceMs < data.BurstIdleThresholdMs {
		result.AddError("hub_data.burst_response_grace_ms",
			"response grace must not be shorter than the idle threshold")
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	if data.APIPort < 1 || data.APIPort > 65535 {
		result.AddError("application_data.api_port", "must be between 1 and 65535")
	}

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url",
				"broker URL is required when MQTT is enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "must be between 1 and 65535")
		}
		if data.MQTT.UseTLS && data.MQTT.CAFile == "" {
			result.AddWarning("application_data.mqtt.ca_file",
				"TLS enabled without a CA file, system roots will be used")
		}
	}

	if !data.Security.AuthDisabled && strings.TrimSpace(data.Security.AuthToken) == "" {
		result.AddError("application_data.security.auth_token",
			"auth token is required when auth is enabled")
	}
	if data.Security.RateLimitRPS < 1 {
		result.AddWarning("application_data.security.rate_limit_rps",
			"rate limiting disabled")
	}

	switch data.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "":
	default:
		result.AddError("application_data.logging.level",
			fmt.Sprintf("unknown log level %q", data.Logging.Level))
	}

	if strings.TrimSpace(data.Database.Path) == "" {
		result.AddError("application_data.database.path", "mapping store path is required")
	}

	if data.Timers.CatalogRefreshInterval != 0 && data.Timers.CatalogRefreshInterval < 60 {
		result.AddWarning("application_data.timers.catalog_refresh_interval_sec",
			"refreshing the catalog more than once a minute keeps the hub busy")
	}
}
