package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is everything an opscoord node needs to run
type Config struct {
	Node    NodeConfig    `mapstructure:"node"`
	Tick    TickConfig    `mapstructure:"tick"`
	Board   BoardConfig   `mapstructure:"board"`
	Raft    RaftConfig    `mapstructure:"raft"`
	ZK      ZKConfig      `mapstructure:"zookeeper"`
	S3      S3Config      `mapstructure:"s3"`
	State   StateConfig   `mapstructure:"state"`
	Restart RestartConfig `mapstructure:"restart"`
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

type NodeConfig struct {
	// generated on first start and kept in data_dir when empty
	ID      string `mapstructure:"id"`
	DataDir string `mapstructure:"data_dir"`
}

type TickConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	WithdrawGrace     time.Duration `mapstructure:"withdraw_grace"`
	ReleaseUnconsumed bool          `mapstructure:"release_unconsumed"`
}

// BoardConfig picks the bulletin board backend
type BoardConfig struct {
	Backend string `mapstructure:"backend"` // raft, zookeeper, s3
	Key     string `mapstructure:"key"`
	// leadership for backends without an election of their own
	Leader bool `mapstructure:"leader"`
}

type RaftConfig struct {
	BindAddr  string `mapstructure:"bind_addr"`
	Bootstrap bool   `mapstructure:"bootstrap"`
	// http address of any cluster member to join through
	Join string `mapstructure:"join"`
}

type ZKConfig struct {
	Servers        []string      `mapstructure:"servers"`
	Prefix         string        `mapstructure:"prefix"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
}

type S3Config struct {
	Endpoint       string `mapstructure:"endpoint"`
	Region         string `mapstructure:"region"`
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	AccessKey      string `mapstructure:"access_key"`
	SecretKey      string `mapstructure:"secret_key"`
	Insecure       bool   `mapstructure:"insecure"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// StateConfig picks where the coordinator persists its state
type StateConfig struct {
	Backend string `mapstructure:"backend"` // bolt, sqlite
	Path    string `mapstructure:"path"`
}

type RestartConfig struct {
	Systemctl string `mapstructure:"systemctl"`
}

type ServerConfig struct {
	// http listener for non raft boards, raft nodes listen one port above
	// the raft address
	HTTPAddr   string `mapstructure:"http_addr"`
	HealthAddr string `mapstructure:"health_addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console, json
}

type TracingConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

const envPrefix = "OPSCOORD"

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.id", "")
	v.SetDefault("node.data_dir", "./data")

	v.SetDefault("tick.interval", 10*time.Second)
	v.SetDefault("tick.withdraw_grace", time.Duration(0))
	v.SetDefault("tick.release_unconsumed", false)

	v.SetDefault("board.backend", "raft")
	v.SetDefault("board.key", "opscoord.coordinator")
	v.SetDefault("board.leader", false)

	v.SetDefault("raft.bind_addr", "127.0.0.1:7000")
	v.SetDefault("raft.bootstrap", false)
	v.SetDefault("raft.join", "")

	v.SetDefault("zookeeper.servers", []string{"127.0.0.1:2181"})
	v.SetDefault("zookeeper.prefix", "/opscoord")
	v.SetDefault("zookeeper.session_timeout", 10*time.Second)

	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.prefix", "opscoord")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.insecure", false)
	v.SetDefault("s3.force_path_style", true)

	v.SetDefault("state.backend", "bolt")
	v.SetDefault("state.path", "")

	v.SetDefault("restart.systemctl", "systemctl")

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.health_addr", ":9000")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("tracing.endpoint", "")
}

// Load reads configuration from defaults, an optional YAML file, the
// environment (OPSCOORD_TICK_INTERVAL and so on) and flags, lowest to
// highest precedence. Flags are matched by their full key, e.g.
// "raft.bind_addr".
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the fields the selected backends depend on
func (c *Config) Validate() error {
	if c.Tick.Interval <= 0 {
		return fmt.Errorf("tick.interval must be greater than 0")
	}
	if c.Tick.WithdrawGrace < 0 {
		return fmt.Errorf("tick.withdraw_grace must not be negative")
	}
	if c.Board.Key == "" {
		return fmt.Errorf("board.key is required")
	}

	switch c.Board.Backend {
	case "raft":
		if c.Raft.BindAddr == "" {
			return fmt.Errorf("raft.bind_addr is required for the raft board")
		}
	case "zookeeper":
		if len(c.ZK.Servers) == 0 {
			return fmt.Errorf("zookeeper.servers is required for the zookeeper board")
		}
	case "s3":
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required for the s3 board")
		}
	default:
		return fmt.Errorf("unknown board.backend %q (want raft, zookeeper or s3)", c.Board.Backend)
	}

	switch c.State.Backend {
	case "bolt", "sqlite":
	default:
		return fmt.Errorf("unknown state.backend %q (want bolt or sqlite)", c.State.Backend)
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	return nil
}
