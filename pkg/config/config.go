package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/securevault/securevault/pkg/util"
)

// DefaultConfigFileName is the config file looked up when -config is not given.
const DefaultConfigFileName = "backup_config.json"

// DatabaseConfig describes one database server to dump.
type DatabaseConfig struct {
	Type     string `json:"type"` // "mysql" or "postgresql"
	User     string `json:"user"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
}

// SFTPConfig describes the remote destination for finished artifacts.
type SFTPConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	User      string `json:"user"`
	Password  string `json:"password"`
	KeyFile   string `json:"keyFile,omitempty"`
	RemoteDir string `json:"remoteDir"`
}

// Enabled reports whether enough fields are set to attempt a transfer.
func (c SFTPConfig) Enabled() bool {
	return c.Host != "" && c.User != ""
}

// TelegramConfig carries the bot credentials for outcome notifications.
type TelegramConfig struct {
	BotToken string `json:"botToken"`
	ChatID   string `json:"chatId"`
}

// Enabled reports whether the Telegram notifier can be constructed.
func (c TelegramConfig) Enabled() bool {
	return c.BotToken != "" && c.ChatID != ""
}

// EmailConfig carries the (simulated) email notification settings.
type EmailConfig struct {
	EmailTo    string `json:"emailTo"`
	SMTPServer string `json:"smtpServer"`
}

// Enabled reports whether the email notifier can be constructed.
func (c EmailConfig) Enabled() bool {
	return c.EmailTo != ""
}

// ScheduleConfig controls when the daemon wakes up.
// Cron, when set, takes precedence over the structured fields.
type ScheduleConfig struct {
	Type       string `json:"type"` // "daily", "weekly" or "monthly"
	Time       string `json:"time"` // "HH:MM:SS", local time
	DayOfWeek  string `json:"dayOfWeek,omitempty"`
	DayOfMonth int    `json:"dayOfMonth,omitempty"`
	Cron       string `json:"cron,omitempty"`
}

// Config is the full application configuration. Derived paths are computed in
// finalize() and never read from the file.
type Config struct {
	BackupBase        string           `json:"backupBase"`
	BackupDirs        []string         `json:"backupDirs"`
	ExcludeExtensions []string         `json:"excludeExtensions"`
	RetentionDays     int              `json:"retentionDays"`
	Owner             string           `json:"owner"`
	LogLevel          string           `json:"logLevel"`
	Compression       string           `json:"compression"` // "gzip" (default) or "zstd"
	Databases         []DatabaseConfig `json:"databases"`
	SFTP              SFTPConfig       `json:"sftp,omitempty"`
	Telegram          TelegramConfig   `json:"telegram,omitempty"`
	Email             EmailConfig      `json:"email,omitempty"`
	Schedule          ScheduleConfig   `json:"schedule"`

	// Derived at load time.
	SysBackupFolder string `json:"-"`
	DBBackupFolder  string `json:"-"`
	LogFile         string `json:"-"`
	ErrorLogFile    string `json:"-"`
	WatermarkFile   string `json:"-"`
}

// NewDefault creates a Config with sensible defaults. BackupDirs defaults to
// the platform's common web/db/system locations, matching long-standing
// behavior operators rely on when they ship an empty config.
func NewDefault() Config {
	cfg := Config{
		BackupBase:    "./backups/",
		BackupDirs:    DefaultBackupDirs(),
		RetentionDays: 7,
		Owner:         defaultOwner(),
		LogLevel:      "info",
		Compression:   "gzip",
		Schedule: ScheduleConfig{
			Type:       "daily",
			Time:       "15:25:00",
			DayOfWeek:  "monday",
			DayOfMonth: 1,
		},
	}
	cfg.finalize()
	return cfg
}

// Load reads the JSON config at path, layering it over the defaults.
func Load(path string) (Config, error) {
	expanded, err := util.ExpandPath(path)
	if err != nil {
		return Config{}, err
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		return Config{}, fmt.Errorf("failed to open config file %s: %w", path, err)
	}

	cfg := NewDefault()
	// A config that lists its own backup dirs fully replaces the defaults.
	cfg.BackupDirs = nil
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if len(cfg.BackupDirs) == 0 {
		cfg.BackupDirs = DefaultBackupDirs()
	}
	cfg.finalize()

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// finalize computes the derived paths under BackupBase.
func (c *Config) finalize() {
	c.SysBackupFolder = filepath.Join(c.BackupBase, "sys")
	c.DBBackupFolder = filepath.Join(c.BackupBase, "db")
	c.LogFile = filepath.Join(c.BackupBase, "backup.log")
	c.ErrorLogFile = filepath.Join(c.BackupBase, "errors.log")
	c.WatermarkFile = filepath.Join(c.BackupBase, "last_backup.txt")
}

func (c *Config) validate() error {
	switch c.Compression {
	case "", "gzip", "zstd":
	default:
		return fmt.Errorf("unsupported compression %q: use 'gzip' or 'zstd'", c.Compression)
	}
	for _, db := range c.Databases {
		switch db.Type {
		case "mysql", "postgresql":
		default:
			return fmt.Errorf("unsupported database type: %s", db.Type)
		}
	}
	return nil
}

func defaultOwner() string {
	if runtime.GOOS == "windows" {
		return "Administrator"
	}
	return "root"
}

// DefaultBackupDirs returns the platform's conventional set of directories
// worth backing up on a typical web server host.
func DefaultBackupDirs() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{
			"C:/inetpub/wwwroot/",
			"C:/nginx/conf/",
			"C:/nginx/logs/",
			"C:/Program Files/PostgreSQL/data/",
			"C:/Users/Administrator/",
		}
	case "darwin":
		return []string{
			"/Library/WebServer/Documents/",
			"/etc/apache2/",
			"/var/log/apache2/",
			"/usr/local/etc/nginx/",
			"/Library/PostgreSQL/data/",
		}
	default:
		return []string{
			"/var/www/",
			"/etc/apache2/",
			"/var/log/apache2/",
			"/etc/nginx/",
			"/var/log/nginx/",
			"/etc/postgresql/",
			"/var/log/postgresql/",
			"/etc/systemd/system/",
		}
	}
}
