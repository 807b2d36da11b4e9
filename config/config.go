// Package config loads daemon and worker settings from an optional YAML file
// plus environment overrides. Env names follow the relay convention
// (RELAY_SOCKET, RELAY_AGENT_NAME, WORKSPACE_ID, ...) rather than a viper
// prefix because workers are launched by external spawners that only know
// those names.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	Daemon       DaemonConfig       `mapstructure:"daemon"`
	Delivery     DeliveryConfig     `mapstructure:"delivery"`
	Storage      StorageConfig      `mapstructure:"storage"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug | info | warn | error
	Format string `mapstructure:"format"` // text | json
}

type DaemonConfig struct {
	SocketPath         string        `mapstructure:"socket_path"`
	WorkspaceID        string        `mapstructure:"workspace_id"`
	StateDir           string        `mapstructure:"state_dir"`
	MaxAgents          int           `mapstructure:"max_agents"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	StateWriteInterval time.Duration `mapstructure:"state_write_interval"`
	CloudSyncDebounce  time.Duration `mapstructure:"cloud_sync_debounce"`
}

type DeliveryConfig struct {
	AckTimeout  time.Duration `mapstructure:"ack_timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	TTL         time.Duration `mapstructure:"ttl"`
	MaxInflight int           `mapstructure:"max_inflight"`
}

type StorageConfig struct {
	Backend  string `mapstructure:"backend"` // memory | badger
	Path     string `mapstructure:"path"`
	Capacity int    `mapstructure:"capacity"`
}

type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type OrchestratorConfig struct {
	AgentName        string        `mapstructure:"agent_name"`
	SpawnerURL       string        `mapstructure:"spawner_url"`
	PTYBinary        string        `mapstructure:"pty_binary"`
	PipesFallback    bool          `mapstructure:"pipes_fallback"`
	IdleBeforeInject time.Duration `mapstructure:"idle_before_inject"`
	DebugSpawn       bool          `mapstructure:"debug_spawn"`
}

// DefaultSocketPath is used when neither config nor RELAY_SOCKET set one.
const DefaultSocketPath = "/tmp/agent-relay.sock"

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("daemon.socket_path", DefaultSocketPath)
	v.SetDefault("daemon.state_dir", "/tmp/agent-relay-state")
	v.SetDefault("daemon.max_agents", 0) // 0 = unlimited
	v.SetDefault("daemon.handshake_timeout", 5*time.Second)
	v.SetDefault("daemon.heartbeat_interval", 30*time.Second)
	v.SetDefault("daemon.state_write_interval", 500*time.Millisecond)
	v.SetDefault("daemon.cloud_sync_debounce", time.Second)

	v.SetDefault("delivery.ack_timeout", 10*time.Second)
	v.SetDefault("delivery.max_attempts", 3)
	v.SetDefault("delivery.ttl", 60*time.Second)
	v.SetDefault("delivery.max_inflight", 256)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.capacity", 10000)

	v.SetDefault("http.enabled", false)
	v.SetDefault("http.addr", "127.0.0.1:9464")

	v.SetDefault("orchestrator.idle_before_inject", 1500*time.Millisecond)
}

// bindEnv maps the documented worker-facing env names onto config keys.
func bindEnv(v *viper.Viper) {
	pairs := map[string]string{
		"daemon.socket_path":       "RELAY_SOCKET",
		"daemon.workspace_id":      "WORKSPACE_ID",
		"daemon.max_agents":        "MAX_AGENTS",
		"orchestrator.agent_name":  "RELAY_AGENT_NAME",
		"orchestrator.spawner_url": "AGENT_RELAY_SPAWNER",
		"orchestrator.debug_spawn": "DEBUG_SPAWN",
		"log.level":                "RELAY_LOG_LEVEL",
	}
	for key, env := range pairs {
		_ = v.BindEnv(key, env)
	}
}

// LoadConfig reads the optional file at path (empty path skips the file) and
// applies env overrides on top of defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Daemon.SocketPath == "" {
		return fmt.Errorf("config: daemon.socket_path must not be empty")
	}
	switch c.Storage.Backend {
	case "memory", "badger":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "badger" && c.Storage.Path == "" {
		return fmt.Errorf("config: storage.path required for badger backend")
	}
	if c.Delivery.MaxInflight <= 0 {
		return fmt.Errorf("config: delivery.max_inflight must be positive")
	}
	return nil
}
