package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	ErrNoConfig            = errors.New("config file not found")
	ErrInvalidYAML         = errors.New("invalid config YAML")
	ErrInvalidEnv          = errors.New("invalid NEWSGPT_* environment override")
	ErrInvalidBaseURL      = errors.New("base_url must be an absolute http(s) URL")
	ErrInvalidStoreBackend = errors.New("store.backend must be \"file\", \"sqlite\", or \"redis\"")
	ErrInvalidIDScheme     = errors.New("id_scheme must be \"time_random\" or \"ulid\"")
	ErrInvalidSession      = errors.New("bootstrap_session cannot be empty")
)

const (
	DefaultBaseURL          = "https://assignment-voosh-backend.vercel.app"
	DefaultBootstrapSession = "abc123"
	DefaultRequestTimeout   = 30 * time.Second
	DefaultStreamIdle       = 60 * time.Second
	DefaultRefreshDelay     = 500 * time.Millisecond
)

// Store backends.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Identifier schemes for message ids.
const (
	IDTimeRandom = "time_random"
	IDULID       = "ulid"
)

// StoreConfig selects where the transcript slot lives.
type StoreConfig struct {
	Backend     string `yaml:"backend" env:"BACKEND"`
	Dir         string `yaml:"dir" env:"DIR"`                   // file backend
	SQLitePath  string `yaml:"sqlite_path" env:"SQLITE_PATH"`   // sqlite backend
	RedisAddr   string `yaml:"redis_addr" env:"REDIS_ADDR"`     // redis backend
	RedisPrefix string `yaml:"redis_prefix" env:"REDIS_PREFIX"` // redis backend
}

// Config holds the newsgpt client configuration.
type Config struct {
	BaseURL           string        `yaml:"base_url" env:"NEWSGPT_BASE_URL"`
	BootstrapSession  string        `yaml:"bootstrap_session" env:"NEWSGPT_SESSION"`
	RequestTimeout    time.Duration `yaml:"request_timeout" env:"NEWSGPT_REQUEST_TIMEOUT"`
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout" env:"NEWSGPT_STREAM_IDLE_TIMEOUT"`
	RefreshDelay      time.Duration `yaml:"refresh_delay" env:"NEWSGPT_REFRESH_DELAY"` // deferred sidebar refresh after a send
	IDScheme          string        `yaml:"id_scheme" env:"NEWSGPT_ID_SCHEME"`
	MetricsAddr       string        `yaml:"metrics_addr" env:"NEWSGPT_METRICS_ADDR"`
	Store             StoreConfig   `yaml:"store" envPrefix:"NEWSGPT_STORE_"`
}

// Path returns ~/.config/newsgpt/config.yaml.
func Path() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "newsgpt", "config.yaml"), nil
}

// Load reads the config from ~/.config/newsgpt/config.yaml.
// A missing file is not an error: defaults plus environment overrides apply.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	cfg, err := LoadFrom(path)
	if errors.Is(err, ErrNoConfig) {
		return FromEnv()
	}
	return cfg, err
}

// FromEnv returns the defaults with environment overrides applied.
func FromEnv() (*Config, error) {
	var cfg Config
	return finish(&cfg)
}

// LoadFrom reads the config from a specific path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoConfig
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(ErrInvalidYAML, err.Error())
	}
	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(ErrInvalidEnv, err.Error())
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.BootstrapSession == "" {
		cfg.BootstrapSession = DefaultBootstrapSession
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.StreamIdleTimeout <= 0 {
		cfg.StreamIdleTimeout = DefaultStreamIdle
	}
	if cfg.RefreshDelay < 0 {
		cfg.RefreshDelay = 0
	} else if cfg.RefreshDelay == 0 {
		cfg.RefreshDelay = DefaultRefreshDelay
	}
	if cfg.IDScheme == "" {
		cfg.IDScheme = IDTimeRandom
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreFile
	}
	if cfg.Store.Dir == "" {
		cfg.Store.Dir = defaultDataDir()
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = filepath.Join(cfg.Store.Dir, "newsgpt.db")
	}
	if cfg.Store.RedisAddr == "" {
		cfg.Store.RedisAddr = "localhost:6379"
	}
	if cfg.Store.RedisPrefix == "" {
		cfg.Store.RedisPrefix = "newsgpt:"
	}
}

// Validate checks enumerations and the service URL.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrInvalidBaseURL
	}
	if strings.TrimSpace(c.BootstrapSession) == "" {
		return ErrInvalidSession
	}
	switch c.Store.Backend {
	case StoreFile, StoreSQLite, StoreRedis:
		// valid
	default:
		return ErrInvalidStoreBackend
	}
	switch c.IDScheme {
	case IDTimeRandom, IDULID:
		// valid
	default:
		return ErrInvalidIDScheme
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".newsgpt")
	}
	return filepath.Join(home, ".newsgpt")
}
