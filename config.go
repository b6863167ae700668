package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type BackendConfig struct {
	// URL is the default results server used for targets given as session/node.
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
}

type StorageConfig struct {
	// Root is the default results storage used for targets given as session/node
	// when no backend URL is configured.
	Root string `yaml:"root"`
}

type SourceCacheConfig struct {
	MaxSize int64         `yaml:"max_size"`
	TTL     time.Duration `yaml:"ttl"`
}

// ControlsConfig holds the defaults of the numeric tool controls.
type ControlsConfig struct {
	OffCPUScale             float64 `yaml:"off_cpu_scale"`
	RuntimeDiffThresholdPct float64 `yaml:"runtime_diff_threshold"`
	CompressionThresholdPct float64 `yaml:"compression_threshold"`
	TopN                    int     `yaml:"top_n"`
}

type PprofConfig struct {
	HTTPAddress string `yaml:"http_address"`
	// TempDir receives the pprof profiles exported from metric trees.
	TempDir string `yaml:"temp_dir"`
}

type Config struct {
	Backend     *BackendConfig     `yaml:"backend"`
	Storage     *StorageConfig     `yaml:"storage"`
	SourceCache *SourceCacheConfig `yaml:"source_cache"`
	Controls    *ControlsConfig    `yaml:"controls"`
	Pprof       *PprofConfig       `yaml:"pprof"`
}

func (c *Config) fillDefault() {
	if c.Backend == nil {
		c.Backend = &BackendConfig{}
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = time.Minute
	}
	if c.Backend.RetryCount == 0 {
		c.Backend.RetryCount = 3
	}

	if c.Storage == nil {
		c.Storage = &StorageConfig{}
	}

	if c.SourceCache == nil {
		c.SourceCache = &SourceCacheConfig{}
	}
	if c.SourceCache.MaxSize == 0 {
		c.SourceCache.MaxSize = 256
	}
	if c.SourceCache.TTL == 0 {
		c.SourceCache.TTL = time.Hour
	}

	if c.Controls == nil {
		c.Controls = &ControlsConfig{
			OffCPUScale:             1,
			RuntimeDiffThresholdPct: 50,
			CompressionThresholdPct: 1,
		}
	}
	if c.Controls.TopN <= 0 {
		c.Controls.TopN = 10
	}

	if c.Pprof == nil {
		c.Pprof = &PprofConfig{}
	}
	if c.Pprof.HTTPAddress == "" {
		c.Pprof.HTTPAddress = ":8081"
	}
	if c.Pprof.TempDir == "" {
		c.Pprof.TempDir = os.TempDir()
	}
}

// DefaultConfig is the configuration used when no config file is given.
func DefaultConfig() *Config {
	conf := &Config{}
	conf.fillDefault()
	return conf
}

func ParseConfig(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("can't open config file: %w", err)
	}
	defer file.Close()

	var conf Config

	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	err = dec.Decode(&conf)
	if err != nil {
		return nil, fmt.Errorf("can't parse config: %s, with error: %w", configPath, err)
	}

	conf.fillDefault()

	if conf.Backend.RetryCount < 0 {
		return nil, fmt.Errorf("backend retry count must not be negative")
	}
	if conf.Controls.OffCPUScale < 0 || conf.Controls.OffCPUScale > 1 {
		return nil, fmt.Errorf("off-CPU scale must be in [0, 1], got %v", conf.Controls.OffCPUScale)
	}

	return &conf, nil
}
