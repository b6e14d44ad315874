package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Device      string          `mapstructure:"device"`
	Socket      string          `mapstructure:"socket"`
	QuerySocket string          `mapstructure:"query_socket"`
	DataDir     string          `mapstructure:"data_dir"`
	LogLevel    string          `mapstructure:"log_level"`
	Filter      FilterConfig    `mapstructure:"filter"`
	Blocklist   BlocklistConfig `mapstructure:"blocklist"`
}

type FilterConfig struct {
	Object string `mapstructure:"object"`
}

type BlocklistConfig struct {
	File     string `mapstructure:"file"`
	Resolver string `mapstructure:"resolver"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("socket", "/tmp/peerfence.sock")
	v.SetDefault("query_socket", "/tmp/peerfence_query.sock")
	v.SetDefault("log_level", "info")
	v.SetDefault("filter.object", "/usr/lib/peerfence/xdp_filter.o")
	v.SetDefault("blocklist.resolver", "8.8.8.8:53")

	v.SetEnvPrefix("PEERFENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the fields the daemon cannot start without. The device
// is usually supplied as a flag, so validation runs after flags are
// layered in.
func (c *Config) Validate() error {
	if c.Device == "" {
		return fmt.Errorf("device is required")
	}
	if c.Socket == "" {
		return fmt.Errorf("socket path is required")
	}
	if c.Socket == c.QuerySocket {
		return fmt.Errorf("socket and query_socket must differ")
	}
	return nil
}

func (c *Config) DBPath() string {
	if c.DataDir == "" {
		return ":memory:"
	}
	return c.DataDir + "/peerfence.db"
}
