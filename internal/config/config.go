// Package config loads and validates pagewatch configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/pagewatch/internal/logging"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	DB         DBConfig         `mapstructure:"db"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Mail       MailConfig       `mapstructure:"mail"`
	Lease      LeaseConfig      `mapstructure:"lease"`
	Logging    logging.Config   `mapstructure:"logging"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DBConfig controls access to the relational database. An empty DSN runs
// the process against the in-memory store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// StorageConfig sets where captured images live.
type StorageConfig struct {
	ImageDir  string `mapstructure:"image_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// HeadlessConfig configures the browser capture subsystem.
type HeadlessConfig struct {
	ChromePath               string `mapstructure:"chrome_path"`
	UserAgent                string `mapstructure:"user_agent"`
	EvasiveUserAgent         string `mapstructure:"evasive_user_agent"`
	ViewportWidth            int    `mapstructure:"viewport_width"`
	ViewportHeight           int    `mapstructure:"viewport_height"`
	NavTimeoutSeconds        int    `mapstructure:"nav_timeout_seconds"`
	EvasiveNavTimeoutSeconds int    `mapstructure:"evasive_nav_timeout_seconds"`
	NavRetries               int    `mapstructure:"nav_retries"`
	NavBackoffMs             int    `mapstructure:"nav_backoff_ms"`
	SettleMs                 int    `mapstructure:"settle_ms"`
	MinBytes                 int    `mapstructure:"min_bytes"`
	MaxWidth                 int    `mapstructure:"max_width"`
}

// ClassifierConfig describes the external analysis commands. Each command
// is split on whitespace; the image path is appended as the last argument.
type ClassifierConfig struct {
	PriceCommand        string `mapstructure:"price_command"`
	AvailabilityCommand string `mapstructure:"availability_command"`
	TimeoutSeconds      int    `mapstructure:"timeout_seconds"`
	MaxOutputBytes      int    `mapstructure:"max_output_bytes"`
}

// WorkerConfig governs the watch cycle.
type WorkerConfig struct {
	// Kinds names the watch kinds the scheduler processes.
	Kinds            []string `mapstructure:"kinds"`
	BatchSize        int      `mapstructure:"batch_size"`
	FailureThreshold int      `mapstructure:"failure_threshold"`
	DeleteOnFailure  bool     `mapstructure:"delete_on_failure"`
}

// ScheduleConfig holds the tick intervals.
type ScheduleConfig struct {
	CaptureInterval  time.Duration `mapstructure:"capture_interval"`
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	MaxAgeDays       int           `mapstructure:"max_age_days"`
}

// MailConfig selects and configures the alert transport.
type MailConfig struct {
	Transport string       `mapstructure:"transport"`
	From      string       `mapstructure:"from"`
	FromName  string       `mapstructure:"from_name"`
	SMTP      SMTPConfig   `mapstructure:"smtp"`
	PubSub    PubSubConfig `mapstructure:"pubsub"`
}

// SMTPConfig holds SMTP relay settings.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// PubSubConfig holds the topic an external mailer consumes.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LeaseConfig enables the Redis singleton lease when RedisAddr is set.
type LeaseConfig struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// Mail transports understood by the process.
const (
	TransportLog    = "log"
	TransportSMTP   = "smtp"
	TransportPubSub = "pubsub"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.migrate", true)
	v.SetDefault("storage.image_dir", "./screenshots")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "captures")
	v.SetDefault("headless.chrome_path", "")
	v.SetDefault("headless.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	v.SetDefault("headless.evasive_user_agent",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15")
	v.SetDefault("headless.viewport_width", 1366)
	v.SetDefault("headless.viewport_height", 768)
	v.SetDefault("headless.nav_timeout_seconds", 30)
	v.SetDefault("headless.evasive_nav_timeout_seconds", 60)
	v.SetDefault("headless.nav_retries", 3)
	v.SetDefault("headless.nav_backoff_ms", 2000)
	v.SetDefault("headless.settle_ms", 2000)
	v.SetDefault("headless.min_bytes", 50*1024)
	v.SetDefault("headless.max_width", 1024)
	v.SetDefault("classifier.price_command", "python3 analyze_image.py")
	v.SetDefault("classifier.availability_command", "python3 analyze_availability_image.py")
	v.SetDefault("classifier.timeout_seconds", 120)
	v.SetDefault("classifier.max_output_bytes", 1<<20)
	v.SetDefault("worker.kinds", []string{watch.AvailabilityKind.Name, watch.PriceKind.Name})
	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.failure_threshold", 3)
	v.SetDefault("worker.delete_on_failure", false)
	v.SetDefault("schedule.capture_interval", "5m")
	v.SetDefault("schedule.dispatch_interval", "10m")
	v.SetDefault("schedule.sweep_interval", "24h")
	v.SetDefault("schedule.max_age_days", 90)
	v.SetDefault("mail.transport", TransportLog)
	v.SetDefault("mail.from", "alerts@pagewatch.local")
	v.SetDefault("mail.from_name", "Pagewatch")
	v.SetDefault("mail.smtp.host", "")
	v.SetDefault("mail.smtp.port", 587)
	v.SetDefault("mail.smtp.username", "")
	v.SetDefault("mail.smtp.password", "")
	v.SetDefault("mail.pubsub.project_id", "")
	v.SetDefault("mail.pubsub.topic_name", "")
	v.SetDefault("lease.redis_addr", "")
	v.SetDefault("lease.password", "")
	v.SetDefault("lease.db", 0)
	v.SetDefault("lease.ttl", "15m")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.Storage.ImageDir) == "" {
		return fmt.Errorf("storage.image_dir is required")
	}
	if c.Headless.ViewportWidth <= 0 || c.Headless.ViewportHeight <= 0 {
		return fmt.Errorf("headless viewport must be positive")
	}
	if c.Headless.NavTimeoutSeconds <= 0 {
		return fmt.Errorf("headless.nav_timeout_seconds must be > 0")
	}
	if c.Headless.NavRetries <= 0 {
		return fmt.Errorf("headless.nav_retries must be > 0")
	}
	if c.Headless.MinBytes < 0 {
		return fmt.Errorf("headless.min_bytes must be >= 0")
	}
	if strings.TrimSpace(c.Classifier.PriceCommand) == "" || strings.TrimSpace(c.Classifier.AvailabilityCommand) == "" {
		return fmt.Errorf("classifier commands are required for every watch kind")
	}
	if c.Classifier.TimeoutSeconds <= 0 {
		return fmt.Errorf("classifier.timeout_seconds must be > 0")
	}
	if _, err := c.Worker.WatchKinds(); err != nil {
		return err
	}
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("worker.batch_size must be > 0")
	}
	if c.Worker.FailureThreshold <= 0 {
		return fmt.Errorf("worker.failure_threshold must be > 0")
	}
	if c.Schedule.CaptureInterval <= 0 || c.Schedule.DispatchInterval <= 0 || c.Schedule.SweepInterval <= 0 {
		return fmt.Errorf("schedule intervals must be > 0")
	}
	if c.Schedule.MaxAgeDays <= 0 {
		return fmt.Errorf("schedule.max_age_days must be > 0")
	}
	switch c.Mail.Transport {
	case TransportLog:
	case TransportSMTP:
		if c.Mail.SMTP.Host == "" || c.Mail.SMTP.Port <= 0 {
			return fmt.Errorf("mail.smtp.host and mail.smtp.port are required for the smtp transport")
		}
	case TransportPubSub:
		if c.Mail.PubSub.ProjectID == "" || c.Mail.PubSub.TopicName == "" {
			return fmt.Errorf("mail.pubsub.project_id and mail.pubsub.topic_name are required for the pubsub transport")
		}
	default:
		return fmt.Errorf("unknown mail.transport %q", c.Mail.Transport)
	}
	if c.Mail.From == "" {
		return fmt.Errorf("mail.from is required")
	}
	if c.Lease.RedisAddr != "" && c.Lease.TTL <= 0 {
		return fmt.Errorf("lease.ttl must be > 0 when lease.redis_addr is set")
	}
	return nil
}

// NavTimeout converts the navigation timeout to a duration.
func (h HeadlessConfig) NavTimeout() time.Duration {
	return time.Duration(h.NavTimeoutSeconds) * time.Second
}

// EvasiveNavTimeout converts the evasive navigation timeout to a duration,
// falling back to twice the normal timeout.
func (h HeadlessConfig) EvasiveNavTimeout() time.Duration {
	if h.EvasiveNavTimeoutSeconds <= 0 {
		return 2 * h.NavTimeout()
	}
	return time.Duration(h.EvasiveNavTimeoutSeconds) * time.Second
}

// Timeout converts the classifier timeout to a duration.
func (c ClassifierConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MaxAge converts the aging threshold to a duration.
func (s ScheduleConfig) MaxAge() time.Duration {
	return time.Duration(s.MaxAgeDays) * 24 * time.Hour
}

// WatchKinds resolves the configured kind names.
func (w WorkerConfig) WatchKinds() ([]watch.Kind, error) {
	if len(w.Kinds) == 0 {
		return nil, fmt.Errorf("worker.kinds must name at least one watch kind")
	}
	kinds := make([]watch.Kind, 0, len(w.Kinds))
	seen := make(map[string]bool, len(w.Kinds))
	for _, name := range w.Kinds {
		name = strings.ToLower(strings.TrimSpace(name))
		if seen[name] {
			continue
		}
		kind, err := watch.LookupKind(name)
		if err != nil {
			return nil, fmt.Errorf("worker.kinds: %w", err)
		}
		seen[name] = true
		kinds = append(kinds, kind)
	}
	return kinds, nil
}
