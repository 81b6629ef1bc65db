package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	Device     DeviceConfig
	Storage    StorageConfig
	Index      IndexConfig
	Traversal  TraversalConfig
	Sync       SyncConfig
	Server     ServerConfig
	Compaction CompactionConfig
	Log        LogConfig
	Peers      []Peer
}

type DeviceConfig struct {
	ID string
}

type StorageConfig struct {
	DataDir string
}

type IndexConfig struct {
	Dimension int
	Metric    string
	// CompactAfter is how many removed vectors the index tolerates before
	// it is rebuilt.
	CompactAfter int
}

type TraversalConfig struct {
	MaxFrontier int
}

type SyncConfig struct {
	Interval        time.Duration
	ExchangeTimeout time.Duration
	BatchSize       int
	MaxRetries      int
	Token           string
}

type ServerConfig struct {
	Port      int
	RateLimit float64
}

type CompactionConfig struct {
	Interval  time.Duration
	Retention time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Index: IndexConfig{
			Dimension:    1536,
			Metric:       "cosine",
			CompactAfter: 1024,
		},
		Sync: SyncConfig{
			Interval:        30 * time.Second,
			ExchangeTimeout: 30 * time.Second,
			BatchSize:       500,
			MaxRetries:      3,
		},
		Server: ServerConfig{
			Port:      7420,
			RateLimit: 20,
		},
		Compaction: CompactionConfig{
			Interval:  time.Hour,
			Retention: 30 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, the platform secret store and the peers file.
//
// On macOS the backend is UserDefaults (domain: com.hypersync.app) and the
// sync token falls back to macOS Keychain.
// Elsewhere the backend is a YAML file at $XDG_CONFIG_HOME/hypersync/config.yaml
// and the sync token falls back to $XDG_DATA_HOME/hypersync/secrets.yaml.
//
// Environment variables (HYPERSYNC_*) override backend values on all
// platforms. A device id is generated and written back to the backend the
// first time Load runs.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{}, peersFilePath())
}

// ConfigBackend abstracts platform-specific config storage: UserDefaults on
// macOS, a JSON file elsewhere.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

const (
	keychainService = "hypersync"
	tokenAccount    = "sync_token"
)

func loadWith(b ConfigBackend, kc keychain, peersPath string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Sync.Token == "" {
		if tok, err := kc.Get(keychainService, tokenAccount); err == nil && strings.TrimSpace(tok) != "" {
			cfg.Sync.Token = strings.TrimSpace(tok)
		}
	}

	if strings.TrimSpace(cfg.Device.ID) == "" {
		cfg.Device.ID = uuid.NewString()
		if err := b.SetString("device.id", cfg.Device.ID); err != nil {
			return Config{}, fmt.Errorf("persisting device id: %w", err)
		}
	}

	peers, err := loadPeers(peersPath)
	if err != nil {
		return Config{}, err
	}
	cfg.Peers = peers

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c Config) Validate() error {
	if c.Index.Dimension <= 0 {
		return fmt.Errorf("index.dimension must be positive, got %d", c.Index.Dimension)
	}
	switch c.Index.Metric {
	case "cosine", "l2":
	default:
		return fmt.Errorf("index.metric must be cosine or l2, got %q", c.Index.Metric)
	}
	if c.Index.CompactAfter < 0 {
		return fmt.Errorf("index.compact_after must not be negative")
	}
	if c.Traversal.MaxFrontier < 0 {
		return fmt.Errorf("traversal.max_frontier must not be negative")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	for _, p := range c.Peers {
		if p.DeviceID == c.Device.ID {
			return fmt.Errorf("peer %s is this device", p.DeviceID)
		}
	}
	return nil
}

// RequireToken returns an error when no sync token is configured. Only the
// commands that talk to peers need one.
func (c Config) RequireToken() error {
	if c.Sync.Token != "" {
		return nil
	}
	return fmt.Errorf("missing required config: sync token. "+
		"Set it via environment variable HYPERSYNC_SYNC_TOKEN, `hypersync config set-token`%s", tokenHint())
}

// PeerToken returns the token to present to p.
func (c Config) PeerToken(p Peer) string {
	if p.Token != "" {
		return p.Token
	}
	return c.Sync.Token
}

// ParseLevel maps a log.level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
