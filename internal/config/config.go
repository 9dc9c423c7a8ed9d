// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
package config

import (
	"github.com/durangohq/bridge/pkg/util"
)

// Config 是桥接进程的全局配置，字段名与环境变量一一对应。
type Config struct {
	// 身份
	MachineID    string `env:"DURANGO_MACHINE_ID"`
	UserID       string `env:"DURANGO_USER_ID"`
	RelayToken   string `env:"DURANGO_RELAY_TOKEN"`

	// Relay / Web
	RelayURL string `env:"DURANGO_RELAY_URL" default:"wss://relay.durango.dev/ws"`
	WebURL   string `env:"DURANGO_WEB_URL" default:"https://app.durango.dev"`

	// Codex agent
	CodexAppServerURL string `env:"DURANGO_CODEX_APP_SERVER_URL" default:"127.0.0.1:4598"`
	CodexBin          string `env:"DURANGO_CODEX_BIN" default:"codex"`
	ConfigDir         string `env:"DURANGO_CONFIG_DIR" default:".durango"`
	CodexVersion      string `env:"CODEX_VERSION"`

	// 运行时
	LogLevel string `env:"LOG_LEVEL" default:"INFO"`

	// 超时 (秒)
	RequestTimeoutSec int `env:"DURANGO_REQUEST_TIMEOUT_SEC" default:"30" min:"1"`
	HeartbeatSec      int `env:"DURANGO_HEARTBEAT_SEC" default:"20" min:"1"`

	// Sync Bootstrap
	BootstrapListLimit    int `env:"DURANGO_BOOTSTRAP_LIST_LIMIT" default:"50" min:"1"`
	BootstrapMaxPages     int `env:"DURANGO_BOOTSTRAP_MAX_PAGES" default:"20" min:"1"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}
