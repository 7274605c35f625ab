// Package config loads plannersync settings from defaults, an optional TOML
// file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/BurntSushi/toml"
)

const (
	ProviderGoogle = "google"
	ProviderCalDAV = "caldav"

	dateLayout = "2006-01-02"
)

type Config struct {
	Provider string `toml:"provider"`
	LogLevel string `toml:"log_level"`
	Timezone string `toml:"timezone"`

	Google   GoogleConfig   `toml:"google"`
	CalDAV   CalDAVConfig   `toml:"caldav"`
	Database DatabaseConfig `toml:"database"`
	Sync     SyncConfig     `toml:"sync"`
	Server   ServerConfig   `toml:"server"`

	// Location is resolved from Timezone by Load.
	Location *time.Location `toml:"-"`
}

type GoogleConfig struct {
	ClientID        string `toml:"client_id"`
	ClientSecret    string `toml:"client_secret"`
	CredentialsFile string `toml:"credentials_file"`
	TokenDir        string `toml:"token_dir"`
	Account         string `toml:"account"`
	// RequestsPerSecond throttles calls to the Calendar API; 0 disables it.
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

type CalDAVConfig struct {
	URL      string `toml:"url"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type DatabaseConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

type SyncConfig struct {
	UserID      int64    `toml:"user_id"`
	CalendarIDs []string `toml:"calendar_ids"`
	WindowStart string   `toml:"window_start"`
	WindowEnd   string   `toml:"window_end"`
	Cron        string   `toml:"cron"`

	BeforeFirstPage  time.Duration `toml:"before_first_page"`
	BetweenBatches   time.Duration `toml:"between_batches"`
	BetweenCalendars time.Duration `toml:"between_calendars"`
	RetryAttempts    int           `toml:"retry_attempts"`
	RetryDelay       time.Duration `toml:"retry_delay"`
}

type ServerConfig struct {
	Listen string `toml:"listen"`
	// SyncsPerMinute limits POST /api/v1/sync per user.
	SyncsPerMinute int `toml:"syncs_per_minute"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Provider: ProviderGoogle,
		LogLevel: "info",
		Timezone: "America/New_York",
		Google: GoogleConfig{
			CredentialsFile:   "credentials.json",
			TokenDir:          ".",
			Account:           "default",
			RequestsPerSecond: 5,
		},
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    "data/plannersync.db",
		},
		Sync: SyncConfig{
			UserID:           1,
			WindowStart:      "2015-01-01",
			WindowEnd:        "2030-12-31",
			Cron:             "*/30 * * * *",
			BeforeFirstPage:  time.Second,
			BetweenBatches:   500 * time.Millisecond,
			BetweenCalendars: 3 * time.Second,
			RetryAttempts:    3,
			RetryDelay:       2 * time.Second,
		},
		Server: ServerConfig{
			Listen:         ":8080",
			SyncsPerMinute: 6,
		},
	}
}

// Load builds the configuration. A missing file at path is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone '%s': %w", cfg.Timezone, err)
	}
	cfg.Location = loc

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Provider = getEnv("PROVIDER", c.Provider)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.Timezone = getEnv("PRIMARY_TIMEZONE", c.Timezone)

	c.Google.ClientID = getEnv("GOOGLE_CLIENT_ID", c.Google.ClientID)
	c.Google.ClientSecret = getEnv("GOOGLE_CLIENT_SECRET", c.Google.ClientSecret)
	c.Google.TokenDir = getEnv("GOOGLE_TOKEN_DIR", c.Google.TokenDir)
	c.Google.Account = getEnv("GOOGLE_ACCOUNT", c.Google.Account)
	if ids := os.Getenv("GOOGLE_CALENDAR_IDS"); ids != "" {
		c.Sync.CalendarIDs = splitList(ids)
	}

	c.CalDAV.URL = getEnv("CALDAV_URL", c.CalDAV.URL)
	c.CalDAV.Username = getEnv("ICLOUD_USERNAME", c.CalDAV.Username)
	c.CalDAV.Password = getEnv("ICLOUD_APP_SPECIFIC_PASSWORD", c.CalDAV.Password)

	c.Database.Driver = getEnv("DATABASE_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("DATABASE_DSN", c.Database.DSN)

	c.Sync.Cron = getEnv("SYNC_CRON", c.Sync.Cron)
	c.Server.Listen = getEnv("LISTEN", c.Server.Listen)

	if v := os.Getenv("SYNC_USER_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid SYNC_USER_ID %q: %w", v, err)
		}
		c.Sync.UserID = id
	}
	return nil
}

// Validate checks the values Load cannot fix up on its own.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderGoogle, ProviderCalDAV:
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	switch c.Database.Driver {
	case "sqlite3", "mysql":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is empty")
	}

	start, end, err := c.Window()
	if err != nil {
		return err
	}
	if !end.After(start) {
		return fmt.Errorf("sync window end %s is not after start %s", c.Sync.WindowEnd, c.Sync.WindowStart)
	}

	if c.Sync.RetryAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1, got %d", c.Sync.RetryAttempts)
	}
	if c.Sync.BeforeFirstPage < 0 || c.Sync.BetweenBatches < 0 || c.Sync.BetweenCalendars < 0 || c.Sync.RetryDelay < 0 {
		return errors.New("pacing delays must not be negative")
	}
	return nil
}

// Window returns the sync window in the reference location. The end date is
// inclusive.
func (c *Config) Window() (time.Time, time.Time, error) {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	start, err := time.ParseInLocation(dateLayout, c.Sync.WindowStart, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid window start %q: %w", c.Sync.WindowStart, err)
	}
	end, err := time.ParseInLocation(dateLayout, c.Sync.WindowEnd, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid window end %q: %w", c.Sync.WindowEnd, err)
	}
	return start, end.AddDate(0, 0, 1).Add(-time.Second), nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
