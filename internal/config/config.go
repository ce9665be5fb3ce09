package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config represents the complete application configuration.
type Config struct {
	Version     string            `yaml:"version"`
	Logging     LoggingConfig     `yaml:"logging"`
	Storages    []StorageConfig   `yaml:"storages"`
	Owners      OwnersConfig      `yaml:"owners"`
	GPFS        GPFSConfig        `yaml:"gpfs"`
	AccountPage AccountPageConfig `yaml:"account_page"`
	Database    DatabaseConfig    `yaml:"database"`
	Cache       CacheConfig       `yaml:"cache"`
	Mail        MailConfig        `yaml:"mail"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Inodes      InodesConfig      `yaml:"inodes"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Server      ServerConfig      `yaml:"server"`
	LockFile    string            `yaml:"lock_file"`
}

// LoggingConfig selects the log level and line format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig describes one logical storage backed by a GPFS filesystem.
type StorageConfig struct {
	Name              string `yaml:"name"`
	Filesystem        string `yaml:"filesystem"`
	ReplicationFactor int64  `yaml:"replication_factor"`
	SharedSuffix      string `yaml:"shared_suffix"`
	// UserFileset is the name of the fileset holding personal directories,
	// reported to users next to prefix-matched filesets.
	UserFileset string `yaml:"user_fileset"`
}

// OwnersConfig controls how owners are classified.
type OwnersConfig struct {
	UserPrefix      string   `yaml:"user_prefix"`
	VOPrefix        string   `yaml:"vo_prefix"`
	ProjectPrefix   string   `yaml:"project_prefix"`
	IgnoredAccounts []string `yaml:"ignored_accounts"`
}

// GPFSConfig points at the GPFS administration commands.
type GPFSConfig struct {
	MMRepQuota  string `yaml:"mmrepquota"`
	MMLsFileset string `yaml:"mmlsfileset"`
	// SnapshotDir replays archived snapshots instead of running commands.
	SnapshotDir string `yaml:"snapshot_dir"`
}

// AccountPageConfig contains the usage and directory API settings.
type AccountPageConfig struct {
	URL       string        `yaml:"url"`
	Token     string        `yaml:"token"`
	Timeout   time.Duration `yaml:"timeout"`
	BatchSize int           `yaml:"batch_size"`
}

// DatabaseConfig locates the SQLite database holding run history and,
// with the sqlite backend, the notification caches.
type DatabaseConfig struct {
	Path          string        `yaml:"path"`
	RunsRetention time.Duration `yaml:"runs_retention"`
}

// CacheConfig configures the notification dedup caches.
type CacheConfig struct {
	Backend   string        `yaml:"backend"`
	Path      string        `yaml:"path"`
	Threshold time.Duration `yaml:"threshold"`
}

// MailConfig contains SMTP settings for user and admin mail.
type MailConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	StartTLS bool     `yaml:"starttls"`
	From     string   `yaml:"from"`
	ReplyTo  string   `yaml:"reply_to"`
	AdminTo  []string `yaml:"admin_to"`
}

// TelegramConfig contains the admin chat settings.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// InodesConfig configures the inode check.
type InodesConfig struct {
	Threshold  float64 `yaml:"threshold"`
	ArchiveDir string  `yaml:"archive_dir"`
}

// ArchiveConfig configures raw quota snapshots.
type ArchiveConfig struct {
	QuotaDir string `yaml:"quota_dir"`
	// Retention prunes quota and inode snapshots older than this. Zero
	// keeps them forever.
	Retention time.Duration `yaml:"retention"`
}

// MetricsConfig configures the node exporter textfile output.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// ServerConfig contains daemon mode settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	Schedule        string        `yaml:"schedule"`
	InodeSchedule   string        `yaml:"inode_schedule"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Validate validates the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	if len(c.Storages) == 0 {
		return fmt.Errorf("at least one storage is required")
	}
	seen := make(map[string]bool, len(c.Storages))
	for i := range c.Storages {
		if err := c.Storages[i].Validate(); err != nil {
			return fmt.Errorf("storages[%d]: %w", i, err)
		}
		if seen[c.Storages[i].Name] {
			return fmt.Errorf("storages[%d]: duplicate name %q", i, c.Storages[i].Name)
		}
		seen[c.Storages[i].Name] = true
	}

	c.Owners.applyDefaults()
	c.GPFS.applyDefaults()

	if err := c.AccountPage.Validate(); err != nil {
		return fmt.Errorf("account_page: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := c.Mail.Validate(); err != nil {
		return fmt.Errorf("mail: %w", err)
	}
	if err := c.Telegram.Validate(); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	if err := c.Inodes.Validate(); err != nil {
		return fmt.Errorf("inodes: %w", err)
	}
	if c.Archive.Retention < 0 {
		return fmt.Errorf("archive: retention must not be negative")
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if c.LockFile == "" {
		c.LockFile = "/var/run/quotawatch.lock"
	}
	return nil
}

// Validate validates logging configuration.
func (l *LoggingConfig) Validate() error {
	if l.Level == "" {
		l.Level = "info"
	}
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown level %q", l.Level)
	}
	if l.Format == "" {
		l.Format = "json"
	}
	if l.Format != "json" && l.Format != "text" {
		return fmt.Errorf("format must be json or text")
	}
	return nil
}

// Validate validates a storage and applies defaults.
func (s *StorageConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Filesystem == "" {
		return fmt.Errorf("filesystem is required")
	}
	if s.ReplicationFactor < 0 {
		return fmt.Errorf("replication_factor must not be negative")
	}
	if s.ReplicationFactor == 0 {
		s.ReplicationFactor = 1
	}
	if s.SharedSuffix == "" {
		s.SharedSuffix = "_SHARED"
	}
	return nil
}

func (o *OwnersConfig) applyDefaults() {
	if o.UserPrefix == "" {
		o.UserPrefix = "vsc4"
	}
	if o.VOPrefix == "" {
		o.VOPrefix = "gvo"
	}
	if o.ProjectPrefix == "" {
		o.ProjectPrefix = "gpr"
	}
}

func (g *GPFSConfig) applyDefaults() {
	if g.MMRepQuota == "" {
		g.MMRepQuota = "/usr/lpp/mmfs/bin/mmrepquota"
	}
	if g.MMLsFileset == "" {
		g.MMLsFileset = "/usr/lpp/mmfs/bin/mmlsfileset"
	}
}

// Validate validates account page configuration.
func (a *AccountPageConfig) Validate() error {
	if a.URL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(a.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("url %q is not absolute", a.URL)
	}
	if a.Timeout < 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if a.Timeout == 0 {
		a.Timeout = 30 * time.Second
	}
	if a.BatchSize < 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if a.BatchSize == 0 {
		a.BatchSize = 100
	}
	return nil
}

// Validate validates database configuration.
func (d *DatabaseConfig) Validate() error {
	if d.Path == "" {
		d.Path = "/var/lib/quotawatch/quotawatch.db"
	}
	if d.RunsRetention < 0 {
		return fmt.Errorf("runs_retention must be positive")
	}
	if d.RunsRetention == 0 {
		d.RunsRetention = 30 * 24 * time.Hour
	}
	return nil
}

// Validate validates cache configuration.
func (c *CacheConfig) Validate() error {
	if c.Backend == "" {
		c.Backend = "sqlite"
	}
	switch c.Backend {
	case "sqlite":
	case "file":
		if c.Path == "" {
			return fmt.Errorf("path is required for the file backend")
		}
	default:
		return fmt.Errorf("backend must be sqlite or file")
	}
	if c.Threshold < 0 {
		return fmt.Errorf("threshold must be positive")
	}
	if c.Threshold == 0 {
		c.Threshold = 7 * 24 * time.Hour
	}
	return nil
}

// Validate validates mail configuration.
func (m *MailConfig) Validate() error {
	if !m.Enabled {
		return nil
	}
	if m.Host == "" {
		return fmt.Errorf("host is required when mail is enabled")
	}
	if m.From == "" {
		return fmt.Errorf("from is required when mail is enabled")
	}
	if m.Port == 0 {
		m.Port = 25
	}
	if m.Port < 0 || m.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

// Validate validates Telegram configuration.
func (t *TelegramConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	if t.BotToken == "" {
		return fmt.Errorf("bot_token is required when telegram is enabled")
	}
	if t.ChatID == 0 {
		return fmt.Errorf("chat_id is required when telegram is enabled")
	}
	return nil
}

// Validate validates inode check configuration.
func (i *InodesConfig) Validate() error {
	if i.Threshold == 0 {
		i.Threshold = 0.9
	}
	if i.Threshold < 0 || i.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1")
	}
	return nil
}

// Validate validates server configuration.
func (s *ServerConfig) Validate() error {
	if s.Host == "" {
		s.Host = "127.0.0.1"
	}
	if s.HTTPPort == 0 {
		s.HTTPPort = 9318
	}
	if s.HTTPPort < 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535")
	}
	if s.Schedule == "" {
		s.Schedule = "@every 10m"
	}
	if _, err := cron.ParseStandard(s.Schedule); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	if s.InodeSchedule != "" {
		if _, err := cron.ParseStandard(s.InodeSchedule); err != nil {
			return fmt.Errorf("inode_schedule: %w", err)
		}
	}
	if s.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
	return nil
}

// Storage returns the storage named name.
func (c *Config) Storage(name string) (StorageConfig, bool) {
	for _, s := range c.Storages {
		if s.Name == name {
			return s, true
		}
	}
	return StorageConfig{}, false
}

// Filesystems returns the distinct filesystems of all storages in
// configuration order.
func (c *Config) Filesystems() []string {
	seen := make(map[string]bool, len(c.Storages))
	var out []string
	for _, s := range c.Storages {
		if !seen[s.Filesystem] {
			seen[s.Filesystem] = true
			out = append(out, s.Filesystem)
		}
	}
	return out
}
