package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lebinh/ngxtop/internal/query"
	"github.com/lebinh/ngxtop/internal/reporter"
)

const (
	defaultInterval = reporter.DefaultInterval
	defaultGroupBy  = query.DefaultGroupBy
	defaultHaving   = query.DefaultHaving
	defaultOrderBy  = query.DefaultOrderBy
	defaultLimit    = query.DefaultLimit
	defaultFormat   = "combined"
)

// appConfig is internal runtime configuration. It is package-private
// to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	AccessLog    string        `mapstructure:"access-log"`
	LogFormat    string        `mapstructure:"log-format"`
	NoFollow     bool          `mapstructure:"no-follow"`
	ReadExisting bool          `mapstructure:"read-existing"`
	Interval     time.Duration `mapstructure:"interval"`
	PollInterval time.Duration `mapstructure:"poll-interval"`
	GroupBy      string        `mapstructure:"group-by"`
	Having       string        `mapstructure:"having"`
	OrderBy      string        `mapstructure:"order-by"`
	Limit        int           `mapstructure:"limit"`
	Filter       string        `mapstructure:"filter"`
	PreFilter    string        `mapstructure:"pre-filter"`
	NginxConfig  string        `mapstructure:"nginx-config"`
	APIAddr      string        `mapstructure:"api-addr"`
	Plain        bool          `mapstructure:"plain"`
	Verbose      bool          `mapstructure:"verbose"`
	Debug        bool          `mapstructure:"debug"`

	Aggregations []string `mapstructure:"-"` // repeatable -a flag only
	ConfigPath   string   `mapstructure:"-"` // not from config file
}

// loadConfig resolves defaults, the optional YAML config file and
// NGXTOP_* environment variables into an appConfig. CLI flags are
// applied on top by the caller.
func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	v := viper.New()
	v.SetEnvPrefix("NGXTOP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("access-log", "")
	v.SetDefault("log-format", "")
	v.SetDefault("no-follow", false)
	v.SetDefault("read-existing", false)
	v.SetDefault("interval", defaultInterval)
	v.SetDefault("poll-interval", 0)
	v.SetDefault("group-by", defaultGroupBy)
	v.SetDefault("having", defaultHaving)
	v.SetDefault("order-by", defaultOrderBy)
	v.SetDefault("limit", defaultLimit)
	v.SetDefault("filter", "")
	v.SetDefault("pre-filter", "")
	v.SetDefault("nginx-config", "")
	v.SetDefault("api-addr", "")
	v.SetDefault("plain", false)
	v.SetDefault("verbose", false)
	v.SetDefault("debug", false)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.SetConfigFile(filepath.Join(home, ".config", "ngxtop", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()

	if cfg.Interval <= 0 {
		return cfg, fmt.Errorf("invalid interval: %s", cfg.Interval)
	}
	if cfg.Limit < 0 {
		return cfg, fmt.Errorf("invalid limit: %d", cfg.Limit)
	}
	return cfg, nil
}

// aggList collects repeatable -a flags.
type aggList []string

func (a *aggList) String() string { return strings.Join(*a, ", ") }

func (a *aggList) Set(value string) error {
	*a = append(*a, value)
	return nil
}
