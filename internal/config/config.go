// Package config loads store configuration from YAML with sane
// defaults for anything left unset.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nconghau/avlkv/internal/lsm"
)

// Config mirrors the store's construction configuration plus the
// storage directory.
type Config struct {
	DataDir                 string  `yaml:"data_dir"`
	MemoryThreshold         int     `yaml:"memory_threshold"`
	SparseIndexInterval     int     `yaml:"sparse_index_interval"`
	FilterFalsePositiveRate float64 `yaml:"filter_false_positive_rate"`
	CompactionTrigger       int     `yaml:"compaction_trigger"`
	MaxFileEntries          int     `yaml:"max_file_entries"`
}

func Default() Config {
	o := lsm.DefaultOptions()
	return Config{
		DataDir:                 "data/avlkv",
		MemoryThreshold:         o.MemoryThreshold,
		SparseIndexInterval:     o.SparseIndexInterval,
		FilterFalsePositiveRate: o.FilterFalsePositiveRate,
		CompactionTrigger:       o.CompactionTrigger,
		MaxFileEntries:          o.MaxFileEntries,
	}
}

// Load reads a YAML config file over the defaults. A missing path is
// not an error: the defaults are returned as-is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Options converts the config into store options. Validation happens in
// lsm.Open, before anything touches disk.
func (c Config) Options() lsm.Options {
	return lsm.Options{
		MemoryThreshold:         c.MemoryThreshold,
		SparseIndexInterval:     c.SparseIndexInterval,
		FilterFalsePositiveRate: c.FilterFalsePositiveRate,
		CompactionTrigger:       c.CompactionTrigger,
		MaxFileEntries:          c.MaxFileEntries,
	}
}
