package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "device.id", typ: kString, env: "HYPERSYNC_DEVICE_ID",
		apply:   func(cfg *Config, v any) { cfg.Device.ID = v.(string) },
		extract: func(cfg Config) any { return cfg.Device.ID },
	},
	{
		key: "storage.data_dir", typ: kString, env: "HYPERSYNC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "index.dimension", typ: kInt, env: "HYPERSYNC_INDEX_DIMENSION",
		apply:   func(cfg *Config, v any) { cfg.Index.Dimension = v.(int) },
		extract: func(cfg Config) any { return cfg.Index.Dimension },
	},
	{
		key: "index.metric", typ: kString, env: "HYPERSYNC_INDEX_METRIC",
		apply:   func(cfg *Config, v any) { cfg.Index.Metric = v.(string) },
		extract: func(cfg Config) any { return cfg.Index.Metric },
	},
	{
		key: "index.compact_after", typ: kInt, env: "HYPERSYNC_INDEX_COMPACT_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Index.CompactAfter = v.(int) },
		extract: func(cfg Config) any { return cfg.Index.CompactAfter },
	},
	{
		key: "traversal.max_frontier", typ: kInt, env: "HYPERSYNC_TRAVERSAL_MAX_FRONTIER",
		apply:   func(cfg *Config, v any) { cfg.Traversal.MaxFrontier = v.(int) },
		extract: func(cfg Config) any { return cfg.Traversal.MaxFrontier },
	},
	{
		key: "sync.interval", typ: kDuration, env: "HYPERSYNC_SYNC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.Interval },
	},
	{
		key: "sync.exchange_timeout", typ: kDuration, env: "HYPERSYNC_SYNC_EXCHANGE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Sync.ExchangeTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.ExchangeTimeout },
	},
	{
		key: "sync.batch_size", typ: kInt, env: "HYPERSYNC_SYNC_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Sync.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.BatchSize },
	},
	{
		key: "sync.max_retries", typ: kInt, env: "HYPERSYNC_SYNC_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Sync.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.MaxRetries },
	},
	{
		key: "sync.token", typ: kString, env: "HYPERSYNC_SYNC_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Sync.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.Token },
	},
	{
		key: "server.port", typ: kInt, env: "HYPERSYNC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.rate_limit", typ: kFloat, env: "HYPERSYNC_SERVER_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Server.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Server.RateLimit },
	},
	{
		key: "compaction.interval", typ: kDuration, env: "HYPERSYNC_COMPACTION_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Compaction.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Compaction.Interval },
	},
	{
		key: "compaction.retention", typ: kDuration, env: "HYPERSYNC_COMPACTION_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Compaction.Retention = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Compaction.Retention },
	},
	{
		key: "log.level", typ: kString, env: "HYPERSYNC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parse converts a raw string for s.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat, kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if pv, err := s.parse(v); err == nil {
					s.apply(cfg, pv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
