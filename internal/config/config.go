// Package config loads LastSignal configuration.
//
// Values are resolved in three layers: built-in defaults, an optional YAML
// file, then LASTSIGNAL_* environment variables. Later layers win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr     string `yaml:"addr"`
	BaseURL  string `yaml:"base_url"`
	LogLevel string `yaml:"log_level"`
	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format"`
	// OpsToken guards the /ops routes. Empty leaves them unmounted.
	OpsToken string `yaml:"ops_token"`

	Database  DatabaseConfig  `yaml:"database"`
	Email     EmailConfig     `yaml:"email"`
	Checkin   CheckinConfig   `yaml:"checkin"`
	Trusted   TrustedConfig   `yaml:"trusted_contact"`
	Tokens    TokenConfig     `yaml:"tokens"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Backup    BackupConfig    `yaml:"backup"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite or a connection URL for postgres.
	DSN string `yaml:"dsn"`
}

type EmailConfig struct {
	PostmarkToken string `yaml:"postmark_token"`
	FromEmail     string `yaml:"from_email"`
	AppName       string `yaml:"app_name"`
}

// CheckinConfig holds system defaults and the bounds for user overrides.
type CheckinConfig struct {
	DefaultInterval        time.Duration `yaml:"default_interval"`
	DefaultAttempts        int           `yaml:"default_attempts"`
	DefaultAttemptInterval time.Duration `yaml:"default_attempt_interval"`

	MinInterval        time.Duration `yaml:"min_interval"`
	MaxInterval        time.Duration `yaml:"max_interval"`
	MinAttempts        int           `yaml:"min_attempts"`
	MaxAttempts        int           `yaml:"max_attempts"`
	MinAttemptInterval time.Duration `yaml:"min_attempt_interval"`
	MaxAttemptInterval time.Duration `yaml:"max_attempt_interval"`

	// AllowConfirmAfterDelivery lets a check-in confirmation return a
	// delivered user to active.
	AllowConfirmAfterDelivery bool `yaml:"allow_confirm_after_delivery"`
}

type TrustedConfig struct {
	DefaultPauseDuration time.Duration `yaml:"default_pause_duration"`
	MinPauseDuration     time.Duration `yaml:"min_pause_duration"`
	MaxPauseDuration     time.Duration `yaml:"max_pause_duration"`
	TokenTTL             time.Duration `yaml:"token_ttl"`
}

type TokenConfig struct {
	MagicLinkTTL time.Duration `yaml:"magic_link_ttl"`
	InviteTTL    time.Duration `yaml:"invite_ttl"`
	// CheckinSlack extends check-in token expiry past the delivery due time
	// so a late scheduler run does not strand the user's last link.
	CheckinSlack time.Duration `yaml:"checkin_slack"`
}

type SchedulerConfig struct {
	Interval           time.Duration `yaml:"interval"`
	MaintenanceEvery   time.Duration `yaml:"maintenance_every"`
	AuditRetention     time.Duration `yaml:"audit_retention"`
	ExpiredTokenBuffer time.Duration `yaml:"expired_token_buffer"`
}

type BackupConfig struct {
	Endpoint      string `yaml:"endpoint"`
	Bucket        string `yaml:"bucket"`
	Region        string `yaml:"region"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	Passphrase    string `yaml:"passphrase"`
	ScheduleHour  int    `yaml:"schedule_hour"`
	RetentionDays int    `yaml:"retention_days"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:      ":8080",
		BaseURL:   "http://localhost:8080",
		LogLevel:  "info",
		LogFormat: "text",
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "lastsignal.db",
		},
		Email: EmailConfig{
			FromEmail: "noreply@lastsignal.app",
			AppName:   "LastSignal",
		},
		Checkin: CheckinConfig{
			DefaultInterval:           168 * time.Hour,
			DefaultAttempts:           3,
			DefaultAttemptInterval:    48 * time.Hour,
			MinInterval:               24 * time.Hour,
			MaxInterval:               90 * 24 * time.Hour,
			MinAttempts:               1,
			MaxAttempts:               10,
			MinAttemptInterval:        12 * time.Hour,
			MaxAttemptInterval:        14 * 24 * time.Hour,
			AllowConfirmAfterDelivery: true,
		},
		Trusted: TrustedConfig{
			DefaultPauseDuration: 15 * 24 * time.Hour,
			MinPauseDuration:     24 * time.Hour,
			MaxPauseDuration:     90 * 24 * time.Hour,
			TokenTTL:             7 * 24 * time.Hour,
		},
		Tokens: TokenConfig{
			MagicLinkTTL: 15 * time.Minute,
			InviteTTL:    7 * 24 * time.Hour,
			CheckinSlack: 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Interval:           5 * time.Minute,
			MaintenanceEvery:   time.Hour,
			AuditRetention:     365 * 24 * time.Hour,
			ExpiredTokenBuffer: 24 * time.Hour,
		},
		Backup: BackupConfig{
			Region:        "auto",
			ScheduleHour:  3,
			RetentionDays: 30,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (if non-empty),
// and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = getenv("LASTSIGNAL_ADDR", cfg.Addr)
	cfg.BaseURL = getenv("LASTSIGNAL_BASE_URL", cfg.BaseURL)
	cfg.LogLevel = getenv("LASTSIGNAL_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getenv("LASTSIGNAL_LOG_FORMAT", cfg.LogFormat)
	cfg.OpsToken = getenv("LASTSIGNAL_OPS_TOKEN", cfg.OpsToken)

	cfg.Database.Driver = getenv("LASTSIGNAL_DB_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = getenv("LASTSIGNAL_DB_DSN", cfg.Database.DSN)

	cfg.Email.PostmarkToken = getenv("LASTSIGNAL_POSTMARK_TOKEN", cfg.Email.PostmarkToken)
	cfg.Email.FromEmail = getenv("LASTSIGNAL_FROM_EMAIL", cfg.Email.FromEmail)
	cfg.Email.AppName = getenv("LASTSIGNAL_APP_NAME", cfg.Email.AppName)

	cfg.Checkin.DefaultInterval = getdur("LASTSIGNAL_CHECKIN_INTERVAL", cfg.Checkin.DefaultInterval)
	cfg.Checkin.DefaultAttempts = getint("LASTSIGNAL_CHECKIN_ATTEMPTS", cfg.Checkin.DefaultAttempts)
	cfg.Checkin.DefaultAttemptInterval = getdur("LASTSIGNAL_CHECKIN_ATTEMPT_INTERVAL", cfg.Checkin.DefaultAttemptInterval)
	cfg.Checkin.AllowConfirmAfterDelivery = getbool("LASTSIGNAL_ALLOW_CONFIRM_AFTER_DELIVERY", cfg.Checkin.AllowConfirmAfterDelivery)

	cfg.Trusted.DefaultPauseDuration = getdur("LASTSIGNAL_TRUSTED_PAUSE_DURATION", cfg.Trusted.DefaultPauseDuration)
	cfg.Trusted.TokenTTL = getdur("LASTSIGNAL_TRUSTED_TOKEN_TTL", cfg.Trusted.TokenTTL)

	cfg.Scheduler.Interval = getdur("LASTSIGNAL_SCHEDULER_INTERVAL", cfg.Scheduler.Interval)
	cfg.Scheduler.AuditRetention = getdur("LASTSIGNAL_AUDIT_RETENTION", cfg.Scheduler.AuditRetention)

	cfg.Backup.Endpoint = getenv("LASTSIGNAL_S3_ENDPOINT", cfg.Backup.Endpoint)
	cfg.Backup.Bucket = getenv("LASTSIGNAL_S3_BUCKET", cfg.Backup.Bucket)
	cfg.Backup.Region = getenv("LASTSIGNAL_S3_REGION", cfg.Backup.Region)
	cfg.Backup.AccessKey = getenv("LASTSIGNAL_S3_ACCESS_KEY", cfg.Backup.AccessKey)
	cfg.Backup.SecretKey = getenv("LASTSIGNAL_S3_SECRET_KEY", cfg.Backup.SecretKey)
	cfg.Backup.Passphrase = getenv("LASTSIGNAL_BACKUP_PASSPHRASE", cfg.Backup.Passphrase)
	cfg.Backup.ScheduleHour = getint("LASTSIGNAL_BACKUP_HOUR", cfg.Backup.ScheduleHour)
	cfg.Backup.RetentionDays = getint("LASTSIGNAL_BACKUP_RETENTION_DAYS", cfg.Backup.RetentionDays)
}

// Validate checks that defaults sit inside their own bounds.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	ck := c.Checkin
	if ck.DefaultInterval < ck.MinInterval || ck.DefaultInterval > ck.MaxInterval {
		return fmt.Errorf("checkin default interval %s outside [%s, %s]", ck.DefaultInterval, ck.MinInterval, ck.MaxInterval)
	}
	if ck.DefaultAttempts < ck.MinAttempts || ck.DefaultAttempts > ck.MaxAttempts {
		return fmt.Errorf("checkin default attempts %d outside [%d, %d]", ck.DefaultAttempts, ck.MinAttempts, ck.MaxAttempts)
	}
	if ck.DefaultAttemptInterval < ck.MinAttemptInterval || ck.DefaultAttemptInterval > ck.MaxAttemptInterval {
		return fmt.Errorf("checkin default attempt interval %s outside [%s, %s]", ck.DefaultAttemptInterval, ck.MinAttemptInterval, ck.MaxAttemptInterval)
	}

	tc := c.Trusted
	if tc.DefaultPauseDuration < tc.MinPauseDuration || tc.DefaultPauseDuration > tc.MaxPauseDuration {
		return fmt.Errorf("trusted contact pause %s outside [%s, %s]", tc.DefaultPauseDuration, tc.MinPauseDuration, tc.MaxPauseDuration)
	}

	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive")
	}
	if c.Backup.ScheduleHour < 0 || c.Backup.ScheduleHour > 23 {
		return fmt.Errorf("backup schedule hour %d outside [0, 23]", c.Backup.ScheduleHour)
	}
	return nil
}

// BackupEnabled reports whether S3 credentials and a passphrase are present.
func (c Config) BackupEnabled() bool {
	b := c.Backup
	return b.Bucket != "" && b.AccessKey != "" && b.SecretKey != "" && b.Passphrase != ""
}

func getenv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
