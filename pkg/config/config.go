// Package config loads table-splitter settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const EnvPrefix = "TABLESPLITTER"

const (
	RoleProxy = "proxy"
	RoleAgent = "agent"
)

var (
	configMutex   sync.RWMutex
	currentConfig *AppConfig
	listeners     []func(*AppConfig)
)

// ServerConfig holds the HTTP listen addresses.
type ServerConfig struct {
	Listen      string `mapstructure:"listen"`
	AgentListen string `mapstructure:"agent_listen"`
}

// TableConfig controls how table requests are split. It is reloaded when
// the config file changes.
type TableConfig struct {
	DefaultSplitLimit  int  `mapstructure:"default_split_limit"`
	DefaultParallelism int  `mapstructure:"default_parallelism"`
	MaxParallelism     int  `mapstructure:"max_parallelism"`
	MaxCoordinates     int  `mapstructure:"max_coordinates"`
	StrictShapes       bool `mapstructure:"strict_shapes"`
}

// OSRMConfig describes the table service backends.
type OSRMConfig struct {
	Backends          []string      `mapstructure:"backends"`
	Profile           string        `mapstructure:"profile"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxInFlight       int64         `mapstructure:"max_in_flight"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// ClusterConfig configures mesh membership.
type ClusterConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	NodeRole         string        `mapstructure:"node_role"`
	MeshListen       string        `mapstructure:"mesh_listen"`
	StateListen      string        `mapstructure:"state_listen"`
	Password         string        `mapstructure:"password"`
	Channel          string        `mapstructure:"channel"`
	Peers            []string      `mapstructure:"peers"`
	AnnounceInterval time.Duration `mapstructure:"announce_interval"`
	// Backend is the OSRM address an agent advertises.
	Backend string    `mapstructure:"backend"`
	Probe   []float64 `mapstructure:"probe"` // lon, lat
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AppConfig holds the entire config.
type AppConfig struct {
	Server  ServerConfig  `mapstructure:"server"`
	Table   TableConfig   `mapstructure:"table"`
	OSRM    OSRMConfig    `mapstructure:"osrm"`
	Cluster ClusterConfig `mapstructure:"cluster"`
	Log     LogConfig     `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.agent_listen", ":8081")

	v.SetDefault("table.default_split_limit", 0)
	v.SetDefault("table.default_parallelism", 1)
	v.SetDefault("table.max_parallelism", 16)
	v.SetDefault("table.max_coordinates", 10000)
	v.SetDefault("table.strict_shapes", false)

	v.SetDefault("osrm.backends", []string{})
	v.SetDefault("osrm.profile", "driving")
	v.SetDefault("osrm.timeout", 30*time.Second)
	v.SetDefault("osrm.max_in_flight", 0)
	v.SetDefault("osrm.requests_per_second", 0)

	v.SetDefault("cluster.enabled", false)
	v.SetDefault("cluster.node_role", RoleProxy)
	v.SetDefault("cluster.mesh_listen", "0.0.0.0:6783")
	v.SetDefault("cluster.state_listen", ":8001")
	v.SetDefault("cluster.password", "")
	v.SetDefault("cluster.channel", "default")
	v.SetDefault("cluster.peers", []string{})
	v.SetDefault("cluster.announce_interval", 10*time.Second)
	v.SetDefault("cluster.backend", "")
	v.SetDefault("cluster.probe", []float64{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads path (if not empty), applies TABLESPLITTER_* environment
// overrides and starts watching the file for changes of the table section.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	configMutex.Lock()
	currentConfig = cfg
	configMutex.Unlock()

	if path != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			next, err := decode(v)
			if err != nil {
				return
			}
			configMutex.Lock()
			updated := *currentConfig
			updated.Table = next.Table
			currentConfig = &updated
			fns := append([]func(*AppConfig){}, listeners...)
			configMutex.Unlock()
			for _, fn := range fns {
				fn(&updated)
			}
		})
		v.WatchConfig()
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Table.DefaultSplitLimit < 0 {
		errs = append(errs, fmt.Errorf("table.default_split_limit must not be negative"))
	}
	if c.Table.DefaultParallelism < 1 {
		errs = append(errs, fmt.Errorf("table.default_parallelism must be at least 1"))
	}
	if c.Table.MaxParallelism < c.Table.DefaultParallelism {
		errs = append(errs, fmt.Errorf("table.max_parallelism must be at least table.default_parallelism"))
	}
	if c.Table.MaxCoordinates < 1 {
		errs = append(errs, fmt.Errorf("table.max_coordinates must be at least 1"))
	}
	switch c.Cluster.NodeRole {
	case RoleProxy, RoleAgent:
	default:
		errs = append(errs, fmt.Errorf("cluster.node_role %q is neither %q nor %q", c.Cluster.NodeRole, RoleProxy, RoleAgent))
	}
	if len(c.Cluster.Probe) != 0 && len(c.Cluster.Probe) != 2 {
		errs = append(errs, fmt.Errorf("cluster.probe must be [lon, lat]"))
	}
	return errors.Join(errs...)
}

// Current returns the latest loaded configuration.
func Current() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return currentConfig
}

// OnChange registers fn to be called after every successful reload.
func OnChange(fn func(*AppConfig)) {
	configMutex.Lock()
	defer configMutex.Unlock()
	listeners = append(listeners, fn)
}
