package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/a8m/envsubst"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/streamchecker/streamchecker/pkg/types"
)

// Default values for the stream checker configuration.
const (
	DefaultHTTPPort         = 5000
	DefaultDatabaseBackend  = "sqlite"
	DefaultDatabasePath     = "streamcheck.db"
	DefaultRetention        = 24 * time.Hour
	DefaultMaxURLLength     = 2048
	DefaultMaxURLsPerMinute = 10

	DefaultConnectionTimeout = 30 * time.Second
	DefaultReadTimeout       = 60 * time.Second

	DefaultFFmpegPath           = "ffmpeg"
	DefaultPlayerSampleDuration = 5 * time.Second
	DefaultAudioSampleDuration  = 10 * time.Second
	DefaultSilenceThresholdDB   = -40.0
	DefaultSilenceMinDuration   = 2 * time.Second
	DefaultAdMonitoringDuration = 60 * time.Second
	DefaultAdCheckInterval      = 2 * time.Second
)

// DefaultCORSOrigins allows GitHub Pages front-ends and local development.
var DefaultCORSOrigins = []string{
	"https://*.github.io",
	"http://localhost:*",
	"http://127.0.0.1:*",
	"https://localhost:*",
}

// Config is the top-level stream checker configuration.
type Config struct {
	// LogLevel is one of debug | info | warn | error (default info).
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`

	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Security SecurityConfig `yaml:"security"`
	Checks   ChecksConfig   `yaml:"checks"`
	Alerts   AlertsConfig   `yaml:"alerts"`

	// Schedule lists streams re-checked on a cron schedule.
	Schedule []ScheduledCheck `yaml:"schedule" validate:"dive"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// HTTPPort is the port the REST API and WebSocket hub listen on (default 5000).
	HTTPPort int `yaml:"http_port" validate:"gte=1,lte=65535"`

	// CORSOrigins lists allowed browser origins. "*" matches any run of
	// characters, so "https://*.github.io" admits every Pages site.
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	// Backend is one of sqlite | postgres | memory.
	Backend string `yaml:"backend" validate:"oneof=sqlite postgres memory"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// DSNEnv names the environment variable holding the postgres DSN.
	DSNEnv string `yaml:"dsn_env"`

	// Retention is how long the memory backend keeps runs and request logs.
	Retention time.Duration `yaml:"retention" validate:"gte=0"`
}

// DSN returns the postgres DSN resolved from the environment.
func (d DatabaseConfig) DSN() string {
	if d.DSNEnv == "" {
		return ""
	}
	return os.Getenv(d.DSNEnv)
}

// SecurityConfig holds URL admission, rate limiting and network bounds.
type SecurityConfig struct {
	AllowedSchemes  []string `yaml:"allowed_schemes" validate:"min=1"`
	BlockPrivateIPs bool     `yaml:"block_private_ips"`
	MaxURLLength    int      `yaml:"max_url_length" validate:"gt=0"`

	// MaxURLsPerMinute is converted to an hourly allowance per client IP.
	MaxURLsPerMinute int `yaml:"max_urls_per_minute" validate:"gt=0"`

	ConnectionTimeout time.Duration `yaml:"connection_timeout" validate:"gt=0"`
	ReadTimeout       time.Duration `yaml:"read_timeout" validate:"gt=0"`
	VerifySSL         bool          `yaml:"verify_ssl"`
}

// MaxRequestsPerHour is the per-IP request allowance for a one hour window.
func (s SecurityConfig) MaxRequestsPerHour() int {
	return s.MaxURLsPerMinute * 60
}

// ChecksConfig holds checker defaults.
type ChecksConfig struct {
	// FFmpegPath is the ffmpeg binary used by the player and audio checkers.
	FFmpegPath string `yaml:"ffmpeg_path" validate:"required"`

	PlayerSampleDuration time.Duration `yaml:"player_sample_duration" validate:"gt=0"`
	AudioSampleDuration  time.Duration `yaml:"audio_sample_duration" validate:"gt=0"`
	SilenceThresholdDB   float64       `yaml:"silence_threshold_db" validate:"lte=0"`
	SilenceMinDuration   time.Duration `yaml:"silence_min_duration" validate:"gt=0"`
	AdMonitoringDuration time.Duration `yaml:"ad_monitoring_duration" validate:"gt=0"`
	AdCheckInterval      time.Duration `yaml:"ad_check_interval" validate:"gt=0"`
}

// CheckDefaults returns the process-wide checker configuration. The selector
// layers request parameters on top of it.
func (c *Config) CheckDefaults() types.CheckConfig {
	return types.CheckConfig{
		ConnectionTimeout:  c.Security.ConnectionTimeout,
		ReadTimeout:        c.Security.ReadTimeout,
		VerifySSL:          c.Security.VerifySSL,
		PlayerDuration:     c.Checks.PlayerSampleDuration,
		AudioDuration:      c.Checks.AudioSampleDuration,
		SilenceThresholdDB: c.Checks.SilenceThresholdDB,
		SilenceMinDuration: c.Checks.SilenceMinDuration,
		AdDuration:         c.Checks.AdMonitoringDuration,
		AdCheckInterval:    c.Checks.AdCheckInterval,
	}
}

// AlertsConfig holds alerting rules and webhook delivery targets.
type AlertsConfig struct {
	Rules    []AlertRule     `yaml:"rules" validate:"dive"`
	Webhooks []WebhookConfig `yaml:"webhooks" validate:"dive"`
}

// AlertRule defines one threshold-based alert condition evaluated against
// every finished check run.
type AlertRule struct {
	// Name is the human-readable alert identifier, used as the deduplication key.
	Name string `yaml:"name" validate:"required"`

	// Condition is a simple expression: "health_score < 60",
	// "silence_pct > 50", "cert_days_left < 14", "state == critical".
	Condition string `yaml:"condition" validate:"required"`

	// Severity is one of: critical | warning | info.
	Severity string `yaml:"severity" validate:"omitempty,oneof=critical warning info"`

	// Cooldown suppresses re-fires for this duration after an alert fires.
	// Defaults to 15 minutes if zero.
	Cooldown time.Duration `yaml:"cooldown"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | http.
	Type string `yaml:"type" validate:"oneof=teams slack http"`

	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// ScheduledCheck is one recurring check. Exactly the same selection inputs as
// the API are accepted: phase, tests, or neither for all stages.
type ScheduledCheck struct {
	Name  string                 `yaml:"name" validate:"required"`
	URL   string                 `yaml:"url" validate:"required"`
	Cron  string                 `yaml:"cron" validate:"required"`
	Phase int                    `yaml:"phase" validate:"gte=0"`
	Tests map[string]interface{} `yaml:"tests"`
}

// Load reads and parses the config file at path. Environment references in
// the file (${VAR}) are expanded first; missing fields are filled with
// defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	data, err := envsubst.Bytes(data)
	if err != nil {
		return nil, fmt.Errorf("config: expand env vars: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config pre-populated with default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			HTTPPort:    DefaultHTTPPort,
			CORSOrigins: append([]string(nil), DefaultCORSOrigins...),
		},
		Database: DatabaseConfig{
			Backend:   DefaultDatabaseBackend,
			Path:      DefaultDatabasePath,
			Retention: DefaultRetention,
		},
		Security: SecurityConfig{
			AllowedSchemes:    []string{"http", "https"},
			MaxURLLength:      DefaultMaxURLLength,
			MaxURLsPerMinute:  DefaultMaxURLsPerMinute,
			ConnectionTimeout: DefaultConnectionTimeout,
			ReadTimeout:       DefaultReadTimeout,
			VerifySSL:         true,
		},
		Checks: ChecksConfig{
			FFmpegPath:           DefaultFFmpegPath,
			PlayerSampleDuration: DefaultPlayerSampleDuration,
			AudioSampleDuration:  DefaultAudioSampleDuration,
			SilenceThresholdDB:   DefaultSilenceThresholdDB,
			SilenceMinDuration:   DefaultSilenceMinDuration,
			AdMonitoringDuration: DefaultAdMonitoringDuration,
			AdCheckInterval:      DefaultAdCheckInterval,
		},
	}
}

var structValidator = validator.New()

// validate checks struct-tag constraints, then the cross-field rules the tags
// cannot express.
func validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		return describe(err)
	}
	if cfg.Database.Backend == "postgres" && cfg.Database.DSNEnv == "" {
		return fmt.Errorf("database.dsn_env is required for the postgres backend")
	}
	if cfg.Database.Backend == "sqlite" && cfg.Database.Path == "" {
		return fmt.Errorf("database.path is required for the sqlite backend")
	}
	for _, s := range cfg.Security.AllowedSchemes {
		if s != strings.ToLower(s) || strings.Contains(s, ":") {
			return fmt.Errorf("security.allowed_schemes: %q must be a bare lowercase scheme", s)
		}
	}
	for i, sc := range cfg.Schedule {
		if _, err := cron.ParseStandard(sc.Cron); err != nil {
			return fmt.Errorf("schedule[%d] %q: invalid cron %q: %w", i, sc.Name, sc.Cron, err)
		}
		if sc.Phase > 4 {
			return fmt.Errorf("schedule[%d] %q: phase %d is out of range [1, 4]", i, sc.Name, sc.Phase)
		}
	}
	return nil
}

// describe turns validator errors into a single "field: rule" message using
// the yaml-ish namespace of the first failing field.
func describe(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	if fe.Param() != "" {
		return fmt.Errorf("%s fails %s=%s (got %v)", strings.ToLower(ns), fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Errorf("%s fails %s (got %v)", strings.ToLower(ns), fe.Tag(), fe.Value())
}
