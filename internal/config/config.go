package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Database DatabaseConfig
	LiteLLM  LiteLLMConfig
	Redis    RedisConfig
	Billing  BillingConfig
	Trace    TraceConfig
	Sandbox  SandboxConfig
	Server   ServerConfig
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type LiteLLMConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	MasterKey    string `mapstructure:"master_key"`
	DefaultModel string `mapstructure:"default_model"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type BillingConfig struct {
	CreditsPerUSD int64 `mapstructure:"credits_per_usd"`
	// BalanceFloorSet gates BalanceFloor; a floor of 0 is meaningful
	// (refuse any charge that would drive the balance negative).
	BalanceFloorSet bool  `mapstructure:"balance_floor_set"`
	BalanceFloor    int64 `mapstructure:"balance_floor"`
}

type TraceConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	LangfuseHost   string `mapstructure:"langfuse_host"`
	LangfusePublic string `mapstructure:"langfuse_public_key"`
	LangfuseSecret string `mapstructure:"langfuse_secret_key"`
}

type SandboxConfig struct {
	Image           string `mapstructure:"image"`
	ProxyImage      string `mapstructure:"proxy_image"`
	ProxyNetwork    string `mapstructure:"proxy_network"`
	RuntimeLimitSec int64  `mapstructure:"runtime_limit_sec"`
	MemoryMB        int64  `mapstructure:"memory_mb"`
	PidsLimit       int64  `mapstructure:"pids_limit"`
	WorkspaceRoot   string `mapstructure:"workspace_root"`
}

type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Sandbox runtime limits are clamped to this window regardless of config.
const (
	MinRuntimeLimit = 120 * time.Second
	MaxRuntimeLimit = 600 * time.Second
)

// RuntimeLimit returns the configured sandbox wall clock, clamped.
func (c SandboxConfig) RuntimeLimit() time.Duration {
	d := time.Duration(c.RuntimeLimitSec) * time.Second
	if d < MinRuntimeLimit {
		return MinRuntimeLimit
	}
	if d > MaxRuntimeLimit {
		return MaxRuntimeLimit
	}
	return d
}

// SandboxEnabled reports whether the sandbox provider can be wired; both
// images are required for it.
func (c *Config) SandboxEnabled() bool {
	return c.Sandbox.Image != "" && c.Sandbox.ProxyImage != ""
}

// Floor returns the optional post-call balance floor.
func (c BillingConfig) Floor() *int64 {
	if !c.BalanceFloorSet {
		return nil
	}
	f := c.BalanceFloor
	return &f
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("billing.credits_per_usd", 1000)
	v.SetDefault("litellm.default_model", "gpt-4o-mini")
	v.SetDefault("trace.service_name", "graphcore")
	v.SetDefault("sandbox.proxy_network", "graphcore-proxy")
	v.SetDefault("sandbox.runtime_limit_sec", 300)
	v.SetDefault("sandbox.memory_mb", 1024)
	v.SetDefault("sandbox.pids_limit", 256)
	v.SetDefault("sandbox.workspace_root", "/var/lib/graphcore/runs")

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"database.url":              "DATABASE_URL",
		"litellm.base_url":          "LITELLM_BASE_URL",
		"litellm.master_key":        "LITELLM_MASTER_KEY",
		"litellm.default_model":     "LITELLM_DEFAULT_MODEL",
		"redis.addr":                "REDIS_ADDR",
		"redis.password":            "REDIS_PASSWORD",
		"billing.credits_per_usd":   "CREDITS_PER_USD",
		"billing.balance_floor":     "BALANCE_FLOOR",
		"trace.service_name":        "OTEL_SERVICE_NAME",
		"trace.otlp_endpoint":       "OTEL_EXPORTER_OTLP_ENDPOINT",
		"trace.langfuse_host":       "LANGFUSE_HOST",
		"trace.langfuse_public_key": "LANGFUSE_PUBLIC_KEY",
		"trace.langfuse_secret_key": "LANGFUSE_SECRET_KEY",
		"sandbox.image":             "SANDBOX_IMAGE",
		"sandbox.proxy_image":       "SANDBOX_PROXY_IMAGE",
		"sandbox.proxy_network":     "SANDBOX_PROXY_NETWORK",
		"sandbox.runtime_limit_sec": "SANDBOX_RUNTIME_LIMIT",
		"sandbox.memory_mb":         "SANDBOX_MEMORY_MB",
		"sandbox.pids_limit":        "SANDBOX_PIDS_LIMIT",
		"sandbox.workspace_root":    "SANDBOX_WORKSPACE_ROOT",
		"server.listen_addr":        "LISTEN_ADDR",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Billing.BalanceFloorSet = v.IsSet("billing.balance_floor")

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Database.URL, "DATABASE_URL"},
		{c.LiteLLM.BaseURL, "LITELLM_BASE_URL"},
		{c.LiteLLM.MasterKey, "LITELLM_MASTER_KEY"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	// The sandbox provider needs both images or neither.
	if (c.Sandbox.Image == "") != (c.Sandbox.ProxyImage == "") {
		return fmt.Errorf("SANDBOX_IMAGE and SANDBOX_PROXY_IMAGE must be set together")
	}
	return nil
}
