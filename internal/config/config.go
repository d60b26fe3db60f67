package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"subgraph-lag-monitor/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig              `mapstructure:"app"`
	Logging   logging.Config         `mapstructure:"logging"`
	Scheduler SchedulerConfig        `mapstructure:"scheduler"`
	History   HistoryConfig          `mapstructure:"history"`
	Redis     RedisConfig            `mapstructure:"redis"`
	Database  DatabaseConfig         `mapstructure:"database"`
	Graph     GraphConfig            `mapstructure:"graph"`
	Collector CollectorConfig        `mapstructure:"collector"`
	Chains    map[string]ChainConfig `mapstructure:"chains"`
	Groups    []GroupConfig          `mapstructure:"groups"`
	Server    ServerConfig           `mapstructure:"server"`
	Alerting  AlertingConfig         `mapstructure:"alerting"`
	Telemetry TelemetryConfig        `mapstructure:"telemetry"`
	Export    ExportConfig           `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// SchedulerConfig governs collection cadence.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
	RunOnStart    bool          `mapstructure:"run_on_start"`
}

// HistoryConfig selects the durable store and series cap.
type HistoryConfig struct {
	Backend    string `mapstructure:"backend"`
	Path       string `mapstructure:"path"`
	MaxEntries int    `mapstructure:"max_entries"`
}

// RedisConfig configures the redis history backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// DatabaseConfig encapsulates the optional PostgreSQL mirror.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// GraphConfig covers gateway and network subgraph access.
type GraphConfig struct {
	GatewayURL         string        `mapstructure:"gateway_url"`
	NetworkSubgraphURL string        `mapstructure:"network_subgraph_url"`
	APIKeyPrimary      string        `mapstructure:"api_key_primary"`
	APIKeySecondary    string        `mapstructure:"api_key_secondary"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	UserAgent          string        `mapstructure:"user_agent"`
}

// CollectorConfig tunes per-tick fan-out.
type CollectorConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	RPCTimeout  time.Duration `mapstructure:"rpc_timeout"`
}

// ChainConfig points at a chain's JSON-RPC endpoint.
type ChainConfig struct {
	RPCURL string `mapstructure:"rpc_url"`
}

// GroupConfig describes one monitored subgraph.
type GroupConfig struct {
	Name           string         `mapstructure:"name"`
	Chain          string         `mapstructure:"chain"`
	Gateway        *GatewayConfig `mapstructure:"gateway"`
	FallbackURL    string         `mapstructure:"fallback_url"`
	AlertThreshold uint64         `mapstructure:"alert_threshold"`
}

// GatewayConfig identifies the published subgraph and its deployment.
type GatewayConfig struct {
	SubgraphID   string `mapstructure:"subgraph_id"`
	DeploymentID string `mapstructure:"deployment_id"`
}

// ServerConfig configures the read-only HTTP interface.
type ServerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AlertingConfig defines lag alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram alert parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	TraceMode   string  `mapstructure:"trace_mode"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// FatalConfigError marks configuration that prevents the collector from starting.
type FatalConfigError struct {
	Field  string
	Reason string
}

func (e *FatalConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

func fatal(field, format string, args ...any) error {
	return &FatalConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SUBGRAPHLAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyRPCEnv(&cfg, os.LookupEnv)
	applyAPIKeyEnv(&cfg, os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "subgraph-lag")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", true)

	v.SetDefault("history.backend", "file")
	v.SetDefault("history.path", "subgraphs_delay.json")
	v.SetDefault("history.max_entries", 168)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", "subgraph-lag:history")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("graph.gateway_url", "https://gateway.thegraph.com")
	v.SetDefault("graph.network_subgraph_url", "")
	v.SetDefault("graph.api_key_primary", "")
	v.SetDefault("graph.api_key_secondary", "")
	v.SetDefault("graph.request_timeout", "15s")
	v.SetDefault("graph.user_agent", "")

	v.SetDefault("collector.concurrency", 8)
	v.SetDefault("collector.rpc_timeout", "10s")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.read_timeout", "10s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "subgraph-lag")
	v.SetDefault("telemetry.trace_mode", "sampled")
	v.SetDefault("telemetry.sample_ratio", 0.1)

	v.SetDefault("export.max_data_points", 168)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// applyRPCEnv fills missing chain endpoints from RPC_<CHAIN> variables.
func applyRPCEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg.Chains == nil {
		cfg.Chains = make(map[string]ChainConfig)
	}
	for _, group := range cfg.Groups {
		chain := strings.ToLower(strings.TrimSpace(group.Chain))
		if chain == "" || cfg.Chains[chain].RPCURL != "" {
			continue
		}
		if value, ok := lookup("RPC_" + strings.ToUpper(chain)); ok && strings.TrimSpace(value) != "" {
			cfg.Chains[chain] = ChainConfig{RPCURL: strings.TrimSpace(value)}
		}
	}
}

// applyAPIKeyEnv reads GRAPH_API_KEY1 and GRAPH_API_KEY2 when the gateway keys are unset.
func applyAPIKeyEnv(cfg *Config, lookup func(string) (string, bool)) {
	fill := func(dst *string, name string) {
		if strings.TrimSpace(*dst) != "" {
			return
		}
		if value, ok := lookup(name); ok {
			*dst = strings.TrimSpace(value)
		}
	}
	fill(&cfg.Graph.APIKeyPrimary, "GRAPH_API_KEY1")
	fill(&cfg.Graph.APIKeySecondary, "GRAPH_API_KEY2")
}

// Validate performs sanity checks; every failure is a *FatalConfigError.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fatal("scheduler.interval", "must be greater than zero")
	}
	if c.History.MaxEntries <= 0 {
		return fatal("history.max_entries", "must be greater than zero")
	}
	switch c.History.Backend {
	case "file":
		if strings.TrimSpace(c.History.Path) == "" {
			return fatal("history.path", "required for the file backend")
		}
	case "redis":
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return fatal("redis.addr", "required for the redis backend")
		}
	default:
		return fatal("history.backend", "unsupported backend %q", c.History.Backend)
	}
	if c.Export.MaxDataPoints <= 0 {
		return fatal("export.max_data_points", "must be greater than zero")
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fatal("server.port", "must be between 1 and 65535")
	}

	if len(c.Groups) == 0 {
		return fatal("groups", "at least one group must be configured")
	}

	seen := make(map[string]struct{}, len(c.Groups))
	needsKey := false
	for i, group := range c.Groups {
		field := fmt.Sprintf("groups[%d]", i)
		if strings.TrimSpace(group.Name) == "" {
			return fatal(field+".name", "required")
		}
		if _, dup := seen[group.Name]; dup {
			return fatal(field+".name", "duplicate group %q", group.Name)
		}
		seen[group.Name] = struct{}{}

		chain := strings.ToLower(strings.TrimSpace(group.Chain))
		if chain == "" {
			return fatal(field+".chain", "required")
		}
		if c.Chains[chain].RPCURL == "" {
			return fatal("chains."+chain+".rpc_url", "missing rpc endpoint for group %q (set it or RPC_%s)", group.Name, strings.ToUpper(chain))
		}

		if group.Gateway == nil && strings.TrimSpace(group.FallbackURL) == "" {
			return fatal(field, "group %q needs a gateway or a fallback_url", group.Name)
		}
		if group.Gateway != nil {
			if group.Gateway.SubgraphID == "" {
				return fatal(field+".gateway.subgraph_id", "required")
			}
			if group.Gateway.DeploymentID == "" {
				return fatal(field+".gateway.deployment_id", "required")
			}
			needsKey = true
		}
	}

	if needsKey && strings.TrimSpace(c.Graph.APIKeyPrimary) == "" {
		return fatal("graph.api_key_primary", "required when any group uses the gateway")
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fatal("alerting.telegram.bot_token", "required when telegram alerts are enabled")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fatal("alerting.telegram.chat_id", "required when telegram alerts are enabled")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// Group finds a configured group by name.
func (c *Config) Group(name string) (GroupConfig, bool) {
	for _, group := range c.Groups {
		if group.Name == name {
			return group, true
		}
	}
	return GroupConfig{}, false
}
