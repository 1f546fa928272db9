package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/worklens/agent/internal/scoring"
)

// Config holds all application configuration loaded from environment
// variables, optionally overlaid by a YAML file.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	ConfigFile  string `envconfig:"AGENT_CONFIG_FILE"`

	// Identity
	UserID   string `envconfig:"AGENT_USER_ID"`
	DeviceID string `envconfig:"AGENT_DEVICE_ID"`

	// Local database
	DBPath string `envconfig:"AGENT_DB_PATH" default:"agent.db"`

	// Input hook socket fed by the native capture helper. Empty disables
	// input capture and the agent runs degraded.
	HookSocket string `envconfig:"AGENT_HOOK_SOCKET" default:"/tmp/worklens-hook.sock"`

	// Remote sync endpoint. Optional; the agent runs fully offline without it.
	APIBaseURL string        `envconfig:"AGENT_API_BASE_URL"`
	APIToken   string        `envconfig:"AGENT_API_TOKEN"`
	APITimeout time.Duration `envconfig:"AGENT_API_TIMEOUT" default:"30s"`

	// Sync queue
	SyncInterval  time.Duration `envconfig:"AGENT_SYNC_INTERVAL" default:"30s"`
	SyncBatchSize int           `envconfig:"AGENT_SYNC_BATCH_SIZE" default:"100"`

	// Scoring
	ScoreBoostFactor float64 `envconfig:"AGENT_SCORE_BOOST_FACTOR"`

	// Ops API
	ListenAddr string `envconfig:"AGENT_LISTEN_ADDR" default:"127.0.0.1:8710"`
}

// duration decodes "30s"-style YAML strings.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = duration(parsed)
	return nil
}

// fileOverlay mirrors Config with pointer fields so a YAML file can override
// only the keys it sets.
type fileOverlay struct {
	Environment      *string   `yaml:"environment"`
	LogLevel         *string   `yaml:"logLevel"`
	UserID           *string   `yaml:"userId"`
	DeviceID         *string   `yaml:"deviceId"`
	DBPath           *string   `yaml:"dbPath"`
	APIBaseURL       *string   `yaml:"apiBaseUrl"`
	APIToken         *string   `yaml:"apiToken"`
	APITimeout       *duration `yaml:"apiTimeout"`
	SyncInterval     *duration `yaml:"syncInterval"`
	SyncBatchSize    *int      `yaml:"syncBatchSize"`
	ScoreBoostFactor *float64  `yaml:"scoreBoostFactor"`
	ListenAddr       *string   `yaml:"listenAddr"`
}

// SyncEnabled returns true if a remote endpoint is configured.
func (c *Config) SyncEnabled() bool {
	return c.APIBaseURL != ""
}

// BoostFactor returns the configured persistence boost, falling back to the
// audited default when unset.
func (c *Config) BoostFactor() float64 {
	if c.ScoreBoostFactor > 0 {
		return c.ScoreBoostFactor
	}
	return scoring.StorageBoost
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("AGENT_USER_ID is required")
	}
	if c.DeviceID == "" {
		return fmt.Errorf("AGENT_DEVICE_ID is required")
	}
	if c.SyncEnabled() && c.APIToken == "" {
		return fmt.Errorf("AGENT_API_TOKEN is required when AGENT_API_BASE_URL is set")
	}
	return nil
}

// Load reads configuration from environment variables, then applies the YAML
// overlay named by AGENT_CONFIG_FILE, if any. File values win over env.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.ConfigFile != "" {
		if err := applyFile(&cfg, cfg.ConfigFile); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	var o fileOverlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if o.Environment != nil {
		cfg.Environment = *o.Environment
	}
	if o.LogLevel != nil {
		cfg.LogLevel = *o.LogLevel
	}
	if o.UserID != nil {
		cfg.UserID = *o.UserID
	}
	if o.DeviceID != nil {
		cfg.DeviceID = *o.DeviceID
	}
	if o.DBPath != nil {
		cfg.DBPath = *o.DBPath
	}
	if o.APIBaseURL != nil {
		cfg.APIBaseURL = *o.APIBaseURL
	}
	if o.APIToken != nil {
		cfg.APIToken = *o.APIToken
	}
	if o.APITimeout != nil {
		cfg.APITimeout = time.Duration(*o.APITimeout)
	}
	if o.SyncInterval != nil {
		cfg.SyncInterval = time.Duration(*o.SyncInterval)
	}
	if o.SyncBatchSize != nil {
		cfg.SyncBatchSize = *o.SyncBatchSize
	}
	if o.ScoreBoostFactor != nil {
		cfg.ScoreBoostFactor = *o.ScoreBoostFactor
	}
	if o.ListenAddr != nil {
		cfg.ListenAddr = *o.ListenAddr
	}
	return nil
}
