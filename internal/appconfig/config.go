package appconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type DatabaseConfig struct {
	Host             string `toml:"host"`
	Port             int    `toml:"port"`
	User             string `toml:"user"`
	Password         string `toml:"password"`
	ReadOnlyUser     string `toml:"readonly_user"`
	ReadOnlyPassword string `toml:"readonly_password"`
	BatchSize        int    `toml:"batch_size"`
	DialTimeoutS     int    `toml:"dial_timeout_s"`
}

type LoggingConfig struct {
	Verbosity int    `toml:"verbosity"`
	Format    string `toml:"format"`
	File      string `toml:"file"`
	MaxMB     int    `toml:"max_mb"`
}

type ScraperConfig struct {
	BaseURL         string `toml:"base_url"`
	Username        string `toml:"username"`
	Password        string `toml:"password"`
	FetchIntervalS  int    `toml:"fetch_interval_s"`
	RequestTimeoutS int    `toml:"request_timeout_s"`
	CacheDir        string `toml:"cache_dir"`
	SessionFile     string `toml:"session_file"`
	SessionTTLS     int    `toml:"session_ttl_s"`
	ReplayEvery     int    `toml:"replay_every"`
}

type IngestConfig struct {
	IncomingDirs  []string `toml:"incoming_dirs"`
	ExtractionDir string   `toml:"extraction_dir"`
	StagingDir    string   `toml:"staging_dir"`
	QuarantineDir string   `toml:"quarantine_dir"`
	RetryDir      string   `toml:"retry_dir"`
	Workers       int      `toml:"workers"`
	PollIntervalS int      `toml:"poll_interval_s"`
	RetryMax      int      `toml:"retry_max"`
}

type Destination struct {
	Name string `toml:"name"`
	User string `toml:"user"`
	Host string `toml:"host"`
	Path string `toml:"path"`
}

type ReflectorConfig struct {
	IncomingGlob       string        `toml:"incoming_glob"`
	SpoolDir           string        `toml:"spool_dir"`
	Destinations       []Destination `toml:"destinations"`
	SSHKeyFile         string        `toml:"ssh_key_file"`
	ScanIntervalS      int           `toml:"scan_interval_s"`
	TransferIntervalS  int           `toml:"transfer_interval_s"`
	BandwidthLimitKbps int           `toml:"bandwidth_limit_kbps"`
	TransferTimeoutS   int           `toml:"transfer_timeout_s"`
	RetryMax           int           `toml:"retry_max"`
}

type Config struct {
	RunDir    string          `toml:"run_dir"`
	Database  DatabaseConfig  `toml:"database"`
	Logging   LoggingConfig   `toml:"logging"`
	Scraper   ScraperConfig   `toml:"scraper"`
	Ingest    IngestConfig    `toml:"ingest"`
	Reflector ReflectorConfig `toml:"reflector"`
}

func Defaults() Config {
	return Config{
		RunDir: "/var/run/wsprdaemon",
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         9000,
			User:         "default",
			ReadOnlyUser: "wdread",
			BatchSize:    10000,
			DialTimeoutS: 10,
		},
		Logging: LoggingConfig{
			Verbosity: 1,
			Format:    "auto",
			MaxMB:     10,
		},
		Scraper: ScraperConfig{
			BaseURL:         "http://www.wsprnet.org",
			FetchIntervalS:  20,
			RequestTimeoutS: 30,
			CacheDir:        "/var/cache/wsprdaemon/scraper",
			SessionFile:     "/var/cache/wsprdaemon/scraper/session.json",
			SessionTTLS:     21600,
			ReplayEvery:     5,
		},
		Ingest: IngestConfig{
			IncomingDirs:  []string{"/var/spool/wsprdaemon/incoming"},
			ExtractionDir: "/var/spool/wsprdaemon/extract",
			StagingDir:    "/var/spool/wsprdaemon/staging",
			QuarantineDir: "/var/spool/wsprdaemon/quarantine",
			RetryDir:      "/var/spool/wsprdaemon/retry",
			Workers:       2,
			PollIntervalS: 10,
			RetryMax:      3,
		},
		Reflector: ReflectorConfig{
			IncomingGlob:      "/var/spool/wsprdaemon/incoming/*.tbz",
			SpoolDir:          "/var/spool/wsprdaemon/reflect",
			ScanIntervalS:     10,
			TransferIntervalS: 5,
			TransferTimeoutS:  300,
			RetryMax:          3,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv("WSPRSERVER_CONFIG")
	}
	if path == "" {
		path = findConfigFile()
	}

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func findConfigFile() string {
	candidates := []string{"wsprserver.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".wsprdaemon", "wsprserver.toml"))
	}
	candidates = append(candidates, "/etc/wsprdaemon/wsprserver.toml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("WSPRSERVER_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("WSPRSERVER_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("WSPRSERVER_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("WSPRSERVER_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("WSPRSERVER_UPSTREAM_USERNAME"); v != "" {
		cfg.Scraper.Username = v
	}
	if v := os.Getenv("WSPRSERVER_UPSTREAM_PASSWORD"); v != "" {
		cfg.Scraper.Password = v
	}
	if v := os.Getenv("WSPRSERVER_INCOMING_DIRS"); v != "" {
		var dirs []string
		for _, d := range strings.Split(v, ",") {
			if d = strings.TrimSpace(d); d != "" {
				dirs = append(dirs, d)
			}
		}
		if len(dirs) > 0 {
			cfg.Ingest.IncomingDirs = dirs
		}
	}
	if v := os.Getenv("WSPRSERVER_VERBOSITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Logging.Verbosity = n
		}
	}
	if v := os.Getenv("WSPRSERVER_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
}

func (d DatabaseConfig) validate() []error {
	var errs []error
	if d.Host == "" {
		errs = append(errs, errors.New("database host is required"))
	}
	if d.Port <= 0 || d.Port > 65535 {
		errs = append(errs, fmt.Errorf("database port %d is out of range", d.Port))
	}
	if d.User == "" {
		errs = append(errs, errors.New("database user is required"))
	}
	if d.BatchSize <= 0 {
		errs = append(errs, errors.New("database batch_size must be positive"))
	}
	return errs
}

// ValidateScraper checks the settings the scrape service depends on.
// A nil return means the service can start.
func (c *Config) ValidateScraper() error {
	errs := c.Database.validate()
	if c.Scraper.BaseURL == "" {
		errs = append(errs, errors.New("scraper base_url is required"))
	}
	if c.Scraper.Username == "" {
		errs = append(errs, errors.New("scraper username is required"))
	}
	if c.Scraper.Password == "" {
		errs = append(errs, errors.New("scraper password is required"))
	}
	if c.Scraper.FetchIntervalS <= 0 {
		errs = append(errs, errors.New("scraper fetch_interval_s must be positive"))
	}
	if c.Scraper.CacheDir == "" {
		errs = append(errs, errors.New("scraper cache_dir is required"))
	}
	if c.Scraper.SessionFile == "" {
		errs = append(errs, errors.New("scraper session_file is required"))
	}
	if c.Scraper.ReplayEvery <= 0 {
		errs = append(errs, errors.New("scraper replay_every must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) ValidateIngest() error {
	errs := c.Database.validate()
	if len(c.Ingest.IncomingDirs) == 0 {
		errs = append(errs, errors.New("ingest incoming_dirs is required"))
	}
	for _, d := range []struct{ name, val string }{
		{"extraction_dir", c.Ingest.ExtractionDir},
		{"staging_dir", c.Ingest.StagingDir},
		{"quarantine_dir", c.Ingest.QuarantineDir},
		{"retry_dir", c.Ingest.RetryDir},
	} {
		if d.val == "" {
			errs = append(errs, fmt.Errorf("ingest %s is required", d.name))
		}
	}
	if c.Ingest.Workers < 1 || c.Ingest.Workers > 4 {
		errs = append(errs, fmt.Errorf("ingest workers %d is out of range 1..4", c.Ingest.Workers))
	}
	if c.Ingest.PollIntervalS <= 0 {
		errs = append(errs, errors.New("ingest poll_interval_s must be positive"))
	}
	if c.Ingest.RetryMax < 1 {
		errs = append(errs, errors.New("ingest retry_max must be at least 1"))
	}
	return errors.Join(errs...)
}

func (c *Config) ValidateReflector() error {
	var errs []error
	if c.Reflector.IncomingGlob == "" {
		errs = append(errs, errors.New("reflector incoming_glob is required"))
	}
	if c.Reflector.SpoolDir == "" {
		errs = append(errs, errors.New("reflector spool_dir is required"))
	}
	if len(c.Reflector.Destinations) == 0 {
		errs = append(errs, errors.New("reflector destinations is required"))
	}
	seen := make(map[string]bool)
	for i, d := range c.Reflector.Destinations {
		if d.Name == "" || d.Host == "" || d.Path == "" {
			errs = append(errs, fmt.Errorf("reflector destination %d needs name, host and path", i))
			continue
		}
		if seen[d.Name] {
			errs = append(errs, fmt.Errorf("reflector destination name %q is duplicated", d.Name))
		}
		seen[d.Name] = true
	}
	if c.Reflector.ScanIntervalS <= 0 {
		errs = append(errs, errors.New("reflector scan_interval_s must be positive"))
	}
	if c.Reflector.TransferIntervalS <= 0 {
		errs = append(errs, errors.New("reflector transfer_interval_s must be positive"))
	}
	if c.Reflector.TransferTimeoutS <= 0 {
		errs = append(errs, errors.New("reflector transfer_timeout_s must be positive"))
	}
	if c.Reflector.RetryMax < 1 {
		errs = append(errs, errors.New("reflector retry_max must be at least 1"))
	}
	return errors.Join(errs...)
}

func (s ScraperConfig) FetchInterval() time.Duration {
	return time.Duration(s.FetchIntervalS) * time.Second
}

func (s ScraperConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutS) * time.Second
}

func (s ScraperConfig) SessionTTL() time.Duration { return time.Duration(s.SessionTTLS) * time.Second }

func (i IngestConfig) PollInterval() time.Duration { return time.Duration(i.PollIntervalS) * time.Second }

func (r ReflectorConfig) ScanInterval() time.Duration {
	return time.Duration(r.ScanIntervalS) * time.Second
}

func (r ReflectorConfig) TransferInterval() time.Duration {
	return time.Duration(r.TransferIntervalS) * time.Second
}

func (r ReflectorConfig) TransferTimeout() time.Duration {
	return time.Duration(r.TransferTimeoutS) * time.Second
}

func (d DatabaseConfig) DialTimeout() time.Duration { return time.Duration(d.DialTimeoutS) * time.Second }
