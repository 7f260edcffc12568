// Package config loads the daemon configuration from a YAML file, the
// environment and secret files, and validates it before startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "UNIFI_SCANNER_"

// Duration parses YAML durations given either as Go duration strings
// ("30s", "1h") or as plain seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs float64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// SMTPConfig configures the email delivery channel. An empty Host disables
// the channel.
type SMTPConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// Enabled reports whether the email channel is configured at all.
func (s SMTPConfig) Enabled() bool { return s.Host != "" }

// SSHFallbackConfig configures the gateway database fallback for IPS
// events.
type SSHFallbackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	KeyFile  string `yaml:"key_file"`
}

// ThreatFeedConfig configures the optional IP reputation integration.
type ThreatFeedConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// IntegrationsConfig groups optional enrichment sources.
type IntegrationsConfig struct {
	ThreatFeed ThreatFeedConfig `yaml:"threat_feed"`
}

// Config is the full daemon configuration.
type Config struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	VerifySSL *bool  `yaml:"verify_ssl"`

	ConnectTimeout Duration `yaml:"connect_timeout"`
	RequestTimeout Duration `yaml:"request_timeout"`
	MaxRetries     int      `yaml:"max_retries"`

	Site                 string   `yaml:"site"`
	InitialLookbackHours int      `yaml:"initial_lookback_hours"`
	PollInterval         Duration `yaml:"poll_interval"`
	DedupWindow          Duration `yaml:"dedup_window"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ReportsDir string `yaml:"reports_dir"`
	StateDir   string `yaml:"state_dir"`
	Timezone   string `yaml:"timezone"`
	HealthFile string `yaml:"health_file"`

	MetricsListen string `yaml:"metrics_listen"`

	IPSMinEventsPerIP int `yaml:"ips_min_events_per_ip"`

	SMTP         SMTPConfig         `yaml:"smtp"`
	SSHFallback  SSHFallbackConfig  `yaml:"ssh_fallback"`
	Integrations IntegrationsConfig `yaml:"integrations"`
}

// MaxLookbackHours caps the first-run lookback window.
const MaxLookbackHours = 720

// Load reads the configuration from path (optional), applies environment
// overrides and secret-file indirection, fills defaults and validates.
func Load(path string) (*Config, error) {
	// .env is a convenience for container deployments; absence is normal.
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			log.Warn().Str("path", path).Msg("Config file not found, using environment only")
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString(&c.Host, "HOST")
	envInt(&c.Port, "PORT")
	envString(&c.Username, "USERNAME")
	envSecret(&c.Password, "PASSWORD")
	envBoolPtr(&c.VerifySSL, "VERIFY_SSL")
	envDuration(&c.ConnectTimeout, "CONNECT_TIMEOUT")
	envDuration(&c.RequestTimeout, "REQUEST_TIMEOUT")
	envInt(&c.MaxRetries, "MAX_RETRIES")
	envString(&c.Site, "SITE")
	envInt(&c.InitialLookbackHours, "INITIAL_LOOKBACK_HOURS")
	envDuration(&c.PollInterval, "POLL_INTERVAL")
	envDuration(&c.DedupWindow, "DEDUP_WINDOW")
	envString(&c.LogLevel, "LOG_LEVEL")
	envString(&c.LogFormat, "LOG_FORMAT")
	envString(&c.ReportsDir, "REPORTS_DIR")
	envString(&c.StateDir, "STATE_DIR")
	envString(&c.Timezone, "TIMEZONE")
	envString(&c.HealthFile, "HEALTH_FILE")
	envString(&c.MetricsListen, "METRICS_LISTEN")
	envInt(&c.IPSMinEventsPerIP, "IPS_MIN_EVENTS_PER_IP")

	envString(&c.SMTP.Host, "SMTP_HOST")
	envInt(&c.SMTP.Port, "SMTP_PORT")
	envString(&c.SMTP.Username, "SMTP_USERNAME")
	envSecret(&c.SMTP.Password, "SMTP_PASSWORD")
	envString(&c.SMTP.From, "SMTP_FROM")
	if v := getenv("SMTP_TO"); v != "" {
		var to []string
		for _, addr := range strings.Split(v, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				to = append(to, addr)
			}
		}
		c.SMTP.To = to
	}

	envBool(&c.SSHFallback.Enabled, "SSH_FALLBACK_ENABLED")
	envString(&c.SSHFallback.Host, "SSH_FALLBACK_HOST")
	envInt(&c.SSHFallback.Port, "SSH_FALLBACK_PORT")
	envString(&c.SSHFallback.Username, "SSH_FALLBACK_USERNAME")
	envSecret(&c.SSHFallback.Password, "SSH_FALLBACK_PASSWORD")
	envString(&c.SSHFallback.KeyFile, "SSH_FALLBACK_KEY_FILE")

	envString(&c.Integrations.ThreatFeed.URL, "THREAT_FEED_URL")
	envSecret(&c.Integrations.ThreatFeed.Token, "THREAT_FEED_TOKEN")
}

func (c *Config) applyDefaults() {
	if c.VerifySSL == nil {
		v := true
		c.VerifySSL = &v
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = Duration(10 * time.Second)
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = Duration(30 * time.Second)
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.Site == "" {
		c.Site = "default"
	}
	if c.InitialLookbackHours <= 0 {
		c.InitialLookbackHours = 24
	}
	if c.PollInterval <= 0 {
		c.PollInterval = Duration(time.Hour)
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = Duration(time.Hour)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "auto"
	}
	if c.StateDir == "" {
		c.StateDir = c.ReportsDir
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.HealthFile == "" {
		c.HealthFile = "/tmp/unifi-scanner-health"
	}
	if c.IPSMinEventsPerIP <= 0 {
		c.IPSMinEventsPerIP = 10
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.SSHFallback.Port == 0 {
		c.SSHFallback.Port = 22
	}
}

// Validate checks every field and reports all failures at once so the
// operator fixes the config in a single pass.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Host == "" {
		add("host is required")
	}
	if c.Username == "" {
		add("username is required")
	}
	if c.Password == "" {
		add("password is required")
	}
	if c.ReportsDir == "" {
		add("reports_dir is required")
	} else if err := checkWritableDir(c.ReportsDir); err != nil {
		add("reports_dir: %v", err)
	}
	if c.StateDir != "" && c.StateDir != c.ReportsDir {
		if err := checkWritableDir(c.StateDir); err != nil {
			add("state_dir: %v", err)
		}
	}
	if c.InitialLookbackHours > MaxLookbackHours {
		add("initial_lookback_hours must be <= %d, got %d", MaxLookbackHours, c.InitialLookbackHours)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		add("timezone %q is not a valid IANA zone", c.Timezone)
	}
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		add("log_level %q is not one of trace, debug, info, warn, error", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "auto", "json", "console":
	default:
		add("log_format %q is not one of auto, json, console", c.LogFormat)
	}
	if c.SMTP.Enabled() {
		if c.SMTP.From == "" {
			add("smtp.from is required when smtp.host is set")
		}
		if len(c.SMTP.To) == 0 {
			add("smtp.to is required when smtp.host is set")
		}
	}
	if c.SSHFallback.Enabled {
		if c.SSHFallback.Host == "" {
			add("ssh_fallback.host is required when ssh_fallback.enabled is true")
		}
		if c.SSHFallback.Username == "" {
			add("ssh_fallback.username is required when ssh_fallback.enabled is true")
		}
		if c.SSHFallback.Password == "" && c.SSHFallback.KeyFile == "" {
			add("ssh_fallback needs a password or key_file")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// Location resolves the configured display timezone. Validate guarantees
// it parses.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// StatePath returns the checkpoint file location.
func (c *Config) StatePath() string {
	return filepath.Join(c.StateDir, ".last_run.json")
}

func checkWritableDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	probe, err := os.CreateTemp(dir, ".write-probe*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}

func getenv(name string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + name))
}

func envString(target *string, name string) {
	if v := getenv(name); v != "" {
		*target = v
	}
}

// envSecret resolves NAME, with NAME_FILE taking precedence so secrets can
// come from a mounted secrets manager file.
func envSecret(target *string, name string) {
	if path := getenv(name + "_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Error().Str("var", EnvPrefix+name+"_FILE").Err(err).Msg("Failed to read secret file")
			return
		}
		*target = strings.TrimSpace(string(data))
		return
	}
	envString(target, name)
}

func envInt(target *int, name string) {
	if v := getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		} else {
			log.Warn().Str("var", EnvPrefix+name).Str("value", v).Msg("Ignoring non-integer override")
		}
	}
}

func envBool(target *bool, name string) {
	if v := getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		} else {
			log.Warn().Str("var", EnvPrefix+name).Str("value", v).Msg("Ignoring non-boolean override")
		}
	}
}

func envBoolPtr(target **bool, name string) {
	if v := getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = &b
		} else {
			log.Warn().Str("var", EnvPrefix+name).Str("value", v).Msg("Ignoring non-boolean override")
		}
	}
}

func envDuration(target *Duration, name string) {
	if v := getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = Duration(d)
		} else {
			log.Warn().Str("var", EnvPrefix+name).Str("value", v).Msg("Ignoring non-duration override")
		}
	}
}
