// Package config loads node bootstrap settings: a layered viper load
// (file + environment), unmarshaled into a struct tagged with
// mapstructure. The CLI that would invoke this loader lives elsewhere,
// but loading configuration is an ambient concern every node binary
// needs regardless.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified bootstrap configuration for a memo node.
type Config struct {
	Node struct {
		ID         string `mapstructure:"id" json:"id"`
		ListenTCP  string `mapstructure:"listen_tcp" json:"listen_tcp"`
		ListenUTP  string `mapstructure:"listen_utp" json:"listen_utp"`
		SiloRoot   string `mapstructure:"silo_root" json:"silo_root"`
		PrivateKey string `mapstructure:"private_key_path" json:"private_key_path"`
		Passport   string `mapstructure:"passport_path" json:"passport_path"`
	} `mapstructure:"node" json:"node"`

	Network struct {
		Name              string   `mapstructure:"name" json:"name"`
		ReplicationFactor int      `mapstructure:"replication_factor" json:"replication_factor"`
		Overlay           string   `mapstructure:"overlay" json:"overlay"` // "kalimero" | "stonehenge" | "koordinate"
		Peers             []string `mapstructure:"peers" json:"peers"`     // Stonehenge static peer endpoints, host:port
		DiscoveryTag      string   `mapstructure:"discovery_tag" json:"discovery_tag"`
	} `mapstructure:"network" json:"network"`

	Consensus struct {
		RebalanceAutoExpand bool          `mapstructure:"rebalance_auto_expand" json:"rebalance_auto_expand"`
		CacheCapacity       int           `mapstructure:"cache_capacity" json:"cache_capacity"`
		CacheTTL            time.Duration `mapstructure:"cache_ttl" json:"cache_ttl"`
		AsyncJournalDir     string        `mapstructure:"async_journal_dir" json:"async_journal_dir"`
		AsyncMaxSquash      int           `mapstructure:"async_max_squash" json:"async_max_squash"`
	} `mapstructure:"consensus" json:"consensus"`

	Timeouts struct {
		Connect      time.Duration `mapstructure:"connect" json:"connect"`
		SoftFail     time.Duration `mapstructure:"soft_fail" json:"soft_fail"`
		TCPHeartbeat time.Duration `mapstructure:"tcp_heartbeat" json:"tcp_heartbeat"`
	} `mapstructure:"timeouts" json:"timeouts"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

func setDefaults() {
	viper.SetDefault("network.replication_factor", 3)
	viper.SetDefault("consensus.cache_capacity", 256)
	viper.SetDefault("consensus.async_max_squash", 64)
	viper.SetDefault("timeouts.connect", 5*time.Second)
	viper.SetDefault("timeouts.soft_fail", 30*time.Second)
	viper.SetDefault("timeouts.tcp_heartbeat", 10*time.Second)
	viper.SetDefault("logging.level", "info")
}

// Load reads "memo.yaml" from the current directory or /etc/memo and, if
// env is non-empty, merges "memo.<env>.yaml" over it. It loads a .env file
// into the process environment if present, applies automatic
// environment-variable overrides (MEMO_*), and unmarshals the result.
func Load(env string) (*Config, error) {
	_ = godotenv.Load() // optional; absence is not an error

	setDefaults()
	viper.SetConfigName("memo")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/memo")
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read config: %w", err)
	}
	if env != "" {
		viper.SetConfigName("memo." + env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("config: merge %s config: %w", env, err)
		}
	}

	viper.SetEnvPrefix("MEMO")
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// LoadFromEnv loads configuration using the MEMO_ENV environment
// variable to select an overlay file.
func LoadFromEnv() (*Config, error) {
	return Load(os.Getenv("MEMO_ENV"))
}
