// Package config is the configuration of the stockexport service and CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"stockexport-backend/internal/admintotal"
	"stockexport-backend/internal/gauth"
	"stockexport-backend/internal/gdrive"
	"stockexport-backend/internal/task"
	"stockexport-backend/internal/warehouse"
	"stockexport-backend/pkg/configutil"

	"dario.cat/mergo"
)

type ServerConfig struct {
	Port int `json:"port"`
	// AccessToken, if set, is required as a bearer token on /trigger and /test-browser.
	AccessToken string `json:"access_token"`
	// KeepAliveCron is the schedule the access token is refreshed on, empty disables it.
	KeepAliveCron string `json:"keep_alive_cron"`
	// BrowserCheckUrl is the page /test-browser opens.
	BrowserCheckUrl string `json:"browser_check_url"`
}

type SiteConfig struct {
	Username string `json:"username"`
	Password string `json:"password"`
	// Headless is true when unset.
	Headless   *bool  `json:"headless"`
	ChromePath string `json:"chrome_path"`
	// Profile overrides individual fields of the default admintotal profile.
	Profile admintotal.Profile `json:"profile"`
}

type GoogleConfig struct {
	OAuth gauth.Config  `json:"oauth"`
	Drive gdrive.Config `json:"drive"`
}

type PathsConfig struct {
	DownloadDir    string `json:"download_dir"`
	OutputDir      string `json:"output_dir"`
	DiagnosticsDir string `json:"diagnostics_dir"`
	Database       string `json:"database"`
}

// Durations are strings accepted by time.ParseDuration (ex. "1m30s").
type TimingConfig struct {
	PollInterval    string `json:"poll_interval"`
	DownloadTimeout string `json:"download_timeout"`
	StepTimeout     string `json:"step_timeout"`
	RetryAttempts   int    `json:"retry_attempts"`
	RetryDelay      string `json:"retry_delay"`
	// SettleDelay is how long the export job gets before its download link is looked for, "0s"
	// looks right away.
	SettleDelay string   `json:"settle_delay"`
	InProgress  []string `json:"in_progress_suffixes"`
}

type Config struct {
	Server ServerConfig `json:"server"`
	Site   SiteConfig   `json:"site"`
	Google GoogleConfig `json:"google"`
	Paths  PathsConfig  `json:"paths"`
	Timing TimingConfig `json:"timing"`
	// Warehouses replaces the built-in warehouse table when non-empty.
	Warehouses []warehouse.Warehouse `json:"warehouses"`
	// Folders adds to (or replaces entries of) the built-in filename -> drive folder table.
	Folders map[string]string `json:"folders"`
	Verbose bool              `json:"verbose"`
}

// Default is the configuration used for anything config.json5 and the environment leave unset.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            3000,
			KeepAliveCron:   "@every 30m",
			BrowserCheckUrl: "https://example.com",
		},
		Site: SiteConfig{
			Profile: admintotal.DefaultProfile(),
		},
		Paths: PathsConfig{
			DownloadDir:    ".downloads",
			OutputDir:      "descargas-admintotal",
			DiagnosticsDir: ".diagnostics",
			Database:       "stockexport.db",
		},
		Timing: TimingConfig{
			PollInterval:    "1s",
			DownloadTimeout: "2m",
			StepTimeout:     "1m",
			RetryAttempts:   15,
			RetryDelay:      "3s",
			SettleDelay:     "15s",
			InProgress:      []string{".crdownload", ".tmp"},
		},
	}
}

// Load reads `path` (and its .local override) if it exists, fills the gaps with Default and
// applies the environment on top.
func Load(path string) (Config, error) {
	cfg, err := configutil.ReadConfig[Config](path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, err
	}

	err = mergo.Merge(&cfg, Default())
	if err != nil {
		return Config{}, err
	}
	cfg.ApplyEnv(os.Getenv)

	return cfg, cfg.Validate()
}

// ApplyEnv overrides secrets and the port with the environment variables the service has always
// been deployed with.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if value := getenv(key); value != "" {
			*dst = value
		}
	}
	set(&c.Google.OAuth.ClientId, "CLIENT_ID")
	set(&c.Google.OAuth.ClientSecret, "CLIENT_SECRET")
	set(&c.Google.OAuth.RedirectUri, "REDIRECT_URI")
	set(&c.Google.OAuth.RefreshToken, "REFRESH_TOKEN")
	set(&c.Site.Username, "USER_LOGIN")
	set(&c.Site.Password, "USER_PASS")
	set(&c.Server.AccessToken, "ACCESS_TOKEN")

	port := getenv("PORT")
	if port != "" {
		parsed, err := strconv.Atoi(port)
		if err == nil {
			c.Server.Port = parsed
		}
	}
}

func parseDuration(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("timing.%s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("timing.%s must be positive, got '%s'", name, value)
	}
	return d, nil
}

// Durations is TimingConfig parsed.
type Durations struct {
	PollInterval    time.Duration
	DownloadTimeout time.Duration
	StepTimeout     time.Duration
	RetryDelay      time.Duration
	SettleDelay     time.Duration
}

func (c Config) Durations() (Durations, error) {
	var d Durations
	var err error
	if d.PollInterval, err = parseDuration("poll_interval", c.Timing.PollInterval); err != nil {
		return Durations{}, err
	}
	if d.DownloadTimeout, err = parseDuration("download_timeout", c.Timing.DownloadTimeout); err != nil {
		return Durations{}, err
	}
	if d.StepTimeout, err = parseDuration("step_timeout", c.Timing.StepTimeout); err != nil {
		return Durations{}, err
	}
	if d.RetryDelay, err = parseDuration("retry_delay", c.Timing.RetryDelay); err != nil {
		return Durations{}, err
	}
	if d.SettleDelay, err = time.ParseDuration(c.Timing.SettleDelay); err != nil {
		return Durations{}, fmt.Errorf("timing.settle_delay: %w", err)
	}
	if d.SettleDelay < 0 {
		return Durations{}, fmt.Errorf("timing.settle_delay must not be negative, got '%s'", c.Timing.SettleDelay)
	}
	return d, nil
}

// Validate checks what can be checked without talking to anything.
func (c Config) Validate() error {
	_, err := c.Durations()
	if err != nil {
		return err
	}
	if c.Timing.RetryAttempts <= 0 {
		return fmt.Errorf("timing.retry_attempts must be positive, got %d", c.Timing.RetryAttempts)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port is out of range: %d", c.Server.Port)
	}
	return nil
}

// Task is the runner configuration.
func (c Config) Task() (task.Config, error) {
	d, err := c.Durations()
	if err != nil {
		return task.Config{}, err
	}
	return task.Config{
		Username:        c.Site.Username,
		Password:        c.Site.Password,
		DownloadDir:     c.Paths.DownloadDir,
		OutputDir:       c.Paths.OutputDir,
		DiagnosticsDir:  c.Paths.DiagnosticsDir,
		DownloadTimeout: d.DownloadTimeout,
		StepTimeout:     d.StepTimeout,
		SettleDelay:     d.SettleDelay,
	}, nil
}

// Headless reports whether chrome should run without a window.
func (c Config) Headless() bool {
	return c.Site.Headless == nil || *c.Site.Headless
}

// Catalog is the built-in warehouse catalog with the configured overrides.
func (c Config) Catalog() warehouse.Catalog {
	warehouses := c.Warehouses
	if len(warehouses) == 0 {
		warehouses = warehouse.DefaultWarehouses()
	}
	folders := warehouse.DefaultFolders()
	for filename, folder := range c.Folders {
		if folder == "" {
			delete(folders, filename)
			continue
		}
		folders[filename] = folder
	}
	return warehouse.NewCatalog(warehouses, folders)
}
