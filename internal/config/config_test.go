// config_test.go — 配置加载默认值 + 环境变量覆盖测试。
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("DURANGO_RELAY_URL")
	os.Unsetenv("DURANGO_CODEX_APP_SERVER_URL")
	os.Unsetenv("LOG_LEVEL")

	cfg := Load()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"RelayURL", cfg.RelayURL, "wss://relay.durango.dev/ws"},
		{"WebURL", cfg.WebURL, "https://app.durango.dev"},
		{"CodexAppServerURL", cfg.CodexAppServerURL, "127.0.0.1:4598"},
		{"CodexBin", cfg.CodexBin, "codex"},
		{"ConfigDir", cfg.ConfigDir, ".durango"},
		{"LogLevel", cfg.LogLevel, "INFO"},
		{"RequestTimeoutSec", cfg.RequestTimeoutSec, 30},
		{"HeartbeatSec", cfg.HeartbeatSec, 20},
		{"BootstrapListLimit", cfg.BootstrapListLimit, 50},
		{"BootstrapMaxPages", cfg.BootstrapMaxPages, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DURANGO_RELAY_URL", "wss://relay.example.test/ws")
	t.Setenv("DURANGO_MACHINE_ID", "machine-123")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DURANGO_HEARTBEAT_SEC", "5")

	cfg := Load()

	if cfg.RelayURL != "wss://relay.example.test/ws" {
		t.Errorf("RelayURL = %q, want override", cfg.RelayURL)
	}
	if cfg.MachineID != "machine-123" {
		t.Errorf("MachineID = %q, want 'machine-123'", cfg.MachineID)
	}
	if cfg.LogLevel != "DEBUG" {
		t.Errorf("LogLevel = %q, want 'DEBUG'", cfg.LogLevel)
	}
	if cfg.HeartbeatSec != 5 {
		t.Errorf("HeartbeatSec = %d, want 5", cfg.HeartbeatSec)
	}
}

func TestLoadReturnsNonNil(t *testing.T) {
	cfg := Load()
	if cfg == nil {
		t.Fatal("Load() returned nil")
	}
}
