package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultSyncInterval  = time.Minute
	defaultJournalPath   = "clouddnssync.db"
	defaultRecordsPath   = "records.yaml"
	defaultLogLevel      = "info"
	defaultLogEnv        = "prod"
	defaultMetricsAddr   = ":9090"
	defaultProvider      = "cloudflare"
	defaultLinodeBaseURL = "https://api.linode.com/v4"
	defaultLinodeTimeout = 5 * time.Second
	defaultConcurrency   = 8
	envPrefix            = "CLOUD_DNS_SYNC_"
)

var ErrUnknownProvider = errors.New("unknown dns provider")

type Config struct {
	SyncInterval time.Duration `yaml:"syncInterval"`
	JournalPath  string        `yaml:"journalPath"`
	RecordsPath  string        `yaml:"recordsPath"`
	Log          Log           `yaml:"log"`
	Metrics      Metrics       `yaml:"metrics"`
	DNS          DNS           `yaml:"dns"`
	Cloudflare   Cloudflare    `yaml:"cloudflare"`
	Route53      Route53       `yaml:"route53"`
	Linode       Linode        `yaml:"linode"`
	Reconcile    Reconcile     `yaml:"reconcile"`
	Retry        Retry         `yaml:"retry"`
}

type Log struct {
	Level string `yaml:"level"`
	Env   string `yaml:"env"`
}

type Metrics struct {
	Address string `yaml:"address"`
}

type DNS struct {
	Provider string `yaml:"provider"`
}

type Cloudflare struct {
	Token string   `yaml:"token"`
	Zones []string `yaml:"zones"`
}

type Route53 struct {
	Profile string `yaml:"profile"`
	Region  string `yaml:"region"`
}

type Linode struct {
	Token   string        `yaml:"token"`
	BaseURL string        `yaml:"baseUrl"`
	Timeout time.Duration `yaml:"timeout"`
}

type Reconcile struct {
	DryRun            bool     `yaml:"dryRun"`
	Concurrency       int      `yaml:"concurrency"`
	RequestsPerSecond float64  `yaml:"requestsPerSecond"`
	ProtectedRecords  []string `yaml:"protectedRecords"`
	ManagedTypes      []string `yaml:"managedTypes"`
}

// Retry fields left at zero fall back to the retry package defaults.
type Retry struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	MaxElapsed  time.Duration `yaml:"maxElapsed"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
}

func Load(path string) (*Config, error) {
	configFile := true
	_, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Default().Warn("fail find config file, proceeding", "path", path)
		configFile = false
	}

	var cfg Config
	if configFile {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}

		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			f.Close()
			return nil, err
		}
		if err := f.Close(); err != nil {
			slog.Default().Warn("fail close config file", "path", path, "error", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = defaultJournalPath
	}
	if cfg.RecordsPath == "" {
		cfg.RecordsPath = defaultRecordsPath
	}

	// Set log defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaultLogLevel
	}
	if cfg.Log.Env == "" {
		cfg.Log.Env = defaultLogEnv
	}

	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = defaultMetricsAddr
	}
	if cfg.DNS.Provider == "" {
		cfg.DNS.Provider = defaultProvider
	}
	cfg.DNS.Provider = strings.ToLower(cfg.DNS.Provider)

	if cfg.Linode.BaseURL == "" {
		cfg.Linode.BaseURL = defaultLinodeBaseURL
	}
	if cfg.Linode.Timeout == 0 {
		cfg.Linode.Timeout = defaultLinodeTimeout
	}
	if cfg.Reconcile.Concurrency <= 0 {
		cfg.Reconcile.Concurrency = defaultConcurrency
	}
}

// Validate checks the settings that cannot be defaulted.
func (cfg *Config) Validate() error {
	switch cfg.DNS.Provider {
	case "cloudflare", "route53", "linode":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.DNS.Provider)
	}
	if cfg.SyncInterval < 0 {
		return fmt.Errorf("sync interval must be positive, got %s", cfg.SyncInterval)
	}
	if cfg.Reconcile.RequestsPerSecond < 0 {
		return fmt.Errorf("requests per second must not be negative, got %v", cfg.Reconcile.RequestsPerSecond)
	}
	return nil
}

// Override from environment if set
func (cfg *Config) applyEnv() {
	if v := getenv("INTERVAL"); v != "" {
		if interval, err := time.ParseDuration(v); err == nil {
			cfg.SyncInterval = interval
		} else {
			slog.Default().Warn("fail parse sync interval to duration from string", "interval", v, "error", err)
		}
	}
	if v := getenv("JOURNAL_PATH"); v != "" {
		cfg.JournalPath = v
	}
	if v := getenv("RECORDS_PATH"); v != "" {
		cfg.RecordsPath = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := getenv("LOG_ENV"); v != "" {
		cfg.Log.Env = v
	}
	if v := getenv("METRICS_ADDRESS"); v != "" {
		cfg.Metrics.Address = v
	}
	if v := getenv("PROVIDER"); v != "" {
		cfg.DNS.Provider = v
	}
	if v := getenv("CLOUDFLARE_TOKEN"); v != "" {
		cfg.Cloudflare.Token = v
	}
	if v := getenv("CLOUDFLARE_ZONES"); v != "" {
		cfg.Cloudflare.Zones = splitList(v)
	}
	if v := getenv("ROUTE53_PROFILE"); v != "" {
		cfg.Route53.Profile = v
	}
	if v := getenv("ROUTE53_REGION"); v != "" {
		cfg.Route53.Region = v
	}
	if v := getenv("LINODE_TOKEN"); v != "" {
		cfg.Linode.Token = v
	}
	if v := getenv("LINODE_BASE_URL"); v != "" {
		cfg.Linode.BaseURL = v
	}
	if v := getenv("LINODE_TIMEOUT"); v != "" {
		if timeout, err := time.ParseDuration(v); err == nil {
			cfg.Linode.Timeout = timeout
		} else {
			slog.Default().Warn("fail parse linode timeout to duration from string", "timeout", v, "error", err)
		}
	}
	if v := getenv("DRYRUN"); v != "" {
		switch strings.ToLower(v) {
		case "true":
			cfg.Reconcile.DryRun = true
		case "false":
			cfg.Reconcile.DryRun = false
		default:
			slog.Default().Warn("fail parse dryrun to bool from string", "dryrun", v)
		}
	}
	if v := getenv("CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reconcile.Concurrency = n
		} else {
			slog.Default().Warn("fail parse concurrency to int from string", "concurrency", v, "error", err)
		}
	}
	if v := getenv("REQUESTS_PER_SECOND"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Reconcile.RequestsPerSecond = rps
		} else {
			slog.Default().Warn("fail parse requests per second to float from string", "rps", v, "error", err)
		}
	}
	if v := getenv("PROTECTED_RECORDS"); v != "" {
		cfg.Reconcile.ProtectedRecords = splitList(v)
	}
	if v := getenv("MANAGED_TYPES"); v != "" {
		cfg.Reconcile.ManagedTypes = splitList(v)
	}
	if v := getenv("RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxAttempts = n
		} else {
			slog.Default().Warn("fail parse retry attempts to int from string", "attempts", v, "error", err)
		}
	}
	if v := getenv("RETRY_MAX_ELAPSED"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retry.MaxElapsed = d
		} else {
			slog.Default().Warn("fail parse retry max elapsed to duration from string", "elapsed", v, "error", err)
		}
	}
}

func getenv(key string) string {
	return os.Getenv(envPrefix + key)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
