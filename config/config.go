// Package config loads the store's tunables — cache pressure thresholds,
// eviction batch size, transaction timeout, and default read/write
// policies — from a layered source: defaults, then an optional
// config file (TOML or YAML), then FLUXSTORE_-prefixed environment overrides.
//
// Grounded on internal/labelmutex/policy.go's "viper.New(); SetConfigFile;
// ReadInConfig; return nil,nil if absent" idiom, generalized here from a
// single YAML key lookup to a typed Config struct bound across the file
// and the environment.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ReadPolicy names one of spec.md §4.3's read policies.
type ReadPolicy string

const (
	ReadCacheOnly             ReadPolicy = "cacheOnly"
	ReadCacheFirst            ReadPolicy = "cacheFirst"
	ReadNetworkFirst          ReadPolicy = "networkFirst"
	ReadNetworkOnly           ReadPolicy = "networkOnly"
	ReadStaleWhileRevalidate  ReadPolicy = "staleWhileRevalidate"
)

// WritePolicy names one of spec.md §4.3's write policies.
type WritePolicy string

const (
	WriteThrough WritePolicy = "writeThrough"
	WriteBack    WritePolicy = "writeBack"
	WriteAround  WritePolicy = "writeAround"
)

// Config is the store's tunable configuration.
type Config struct {
	DefaultReadPolicy  ReadPolicy
	DefaultWritePolicy WritePolicy

	CacheModerateThreshold float64
	CacheCriticalThreshold float64
	CacheMaxBytes          *int64
	EvictionBatchSize      int

	TransactionTimeout time.Duration

	ConflictDefaultPolicy string // "server_wins" or "client_wins"
}

// Defaults matches the constants named throughout spec.md §4: 0.7/0.9
// pressure thresholds, a 100-entry eviction batch, and a 30s transaction
// timeout.
func Defaults() Config {
	return Config{
		DefaultReadPolicy:      ReadCacheFirst,
		DefaultWritePolicy:     WriteThrough,
		CacheModerateThreshold: 0.7,
		CacheCriticalThreshold: 0.9,
		EvictionBatchSize:      100,
		TransactionTimeout:     30 * time.Second,
		ConflictDefaultPolicy:  "server_wins",
	}
}

// Load builds a Config starting from Defaults(), then a config file at
// path (if it exists; .toml and .yaml/.yml are both recognized), then
// FLUXSTORE_-prefixed environment overrides. A missing path is not an
// error — callers may pass "" to skip the file layer entirely.
func Load(path string) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetEnvPrefix("FLUXSTORE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if strings.HasSuffix(path, ".toml") {
				v.SetConfigType("toml")
			} else {
				v.SetConfigType("yaml")
			}
			if err := v.ReadInConfig(); err != nil {
				return cfg, err
			}
		}
	}

	if v.IsSet("read_policy") {
		cfg.DefaultReadPolicy = ReadPolicy(v.GetString("read_policy"))
	}
	if v.IsSet("write_policy") {
		cfg.DefaultWritePolicy = WritePolicy(v.GetString("write_policy"))
	}
	if v.IsSet("cache.moderate_threshold") {
		cfg.CacheModerateThreshold = v.GetFloat64("cache.moderate_threshold")
	}
	if v.IsSet("cache.critical_threshold") {
		cfg.CacheCriticalThreshold = v.GetFloat64("cache.critical_threshold")
	}
	if v.IsSet("cache.max_bytes") {
		max := v.GetInt64("cache.max_bytes")
		cfg.CacheMaxBytes = &max
	}
	if v.IsSet("cache.eviction_batch_size") {
		cfg.EvictionBatchSize = v.GetInt("cache.eviction_batch_size")
	}
	if v.IsSet("transaction_timeout") {
		cfg.TransactionTimeout = v.GetDuration("transaction_timeout")
	}
	if v.IsSet("conflict.default_policy") {
		cfg.ConflictDefaultPolicy = v.GetString("conflict.default_policy")
	}

	return cfg, nil
}
