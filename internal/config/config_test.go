package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValidExceptHubIP(t *testing.T) {
	cfg := DefaultConfig()
	result := Validate(cfg)
	if result.IsValid() {
		t.Fatal("default config should fail validation without a hub IP")
	}
	cfg.HubData.HubIP = "192.168.2.10"
	if result := Validate(cfg); !result.IsValid() {
		t.Fatalf("unexpected errors: %+v", result.Errors)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad ip", func(c *Config) { c.HubData.HubIP = "not-an-ip" }, "hub_data.hub_ip"},
		{"bad mac", func(c *Config) { c.HubData.MAC = "zz:zz" }, "hub_data.proxy_mac"},
		{"bad version", func(c *Config) { c.HubData.HubVersion = "x9" }, "hub_data.hub_version"},
		{"low listen base", func(c *Config) { c.HubData.ListenBase = 80 }, "hub_data.hub_listen_base"},
		{"empty name", func(c *Config) { c.HubData.Name = " " }, "hub_data.proxy_name"},
		{"grace under threshold", func(c *Config) { c.HubData.BurstResponseGraceMs = 10 }, "hub_data.burst_response_grace_ms"},
		{"mqtt without broker", func(c *Config) { c.ApplicationData.MQTT.Enabled = true }, "application_data.mqtt.broker_url"},
		{"auth without token", func(c *Config) { c.ApplicationData.Security.AuthDisabled = false }, "application_data.security.auth_token"},
		{"bad log level", func(c *Config) { c.ApplicationData.Logging.Level = "verbose" }, "application_data.logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.HubData.HubIP = "192.168.2.10"
			tt.mutate(cfg)
			result := Validate(cfg)
			for _, e := range result.Errors {
				if e.Field == tt.field {
					return
				}
			}
			t.Fatalf("expected error on %s, got %+v", tt.field, result.Errors)
		})
	}
}

func TestParsedMAC(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HubData.MAC = "e2:6a:44:86:1b:45"
	if got := cfg.ParsedMAC(); got != [6]byte{0xE2, 0x6A, 0x44, 0x86, 0x1B, 0x45} {
		t.Fatalf("ParsedMAC = %x", got)
	}

	cfg.HubData.MAC = ""
	got := cfg.ParsedMAC()
	if got == ([6]byte{}) {
		t.Fatal("blank MAC should map to the placeholder, not zeros")
	}
	if got[0]&0x02 == 0 {
		t.Fatal("placeholder MAC should be locally administered")
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultConfigFile)); err != nil {
		t.Fatalf("default config not written: %v", err)
	}

	cfg.HubData.HubIP = "192.168.2.10"
	cfg.HubData.Name = "Souterrain hub"
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := Load(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.HubData.HubIP != "192.168.2.10" || reloaded.HubData.Name != "Souterrain hub" {
		t.Fatalf("round trip lost fields: %+v", reloaded.HubData)
	}
	// Defaults overlay: fields absent from the file keep their defaults.
	if reloaded.HubData.KeepAliveIdleSec != 30 {
		t.Fatalf("keepalive default lost: %d", reloaded.HubData.KeepAliveIdleSec)
	}
}
