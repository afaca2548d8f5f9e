package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

// Config holds all configuration for spgate
type Config struct {
	// Server configuration
	Listen   string `mapstructure:"listen"`
	LogLevel string `mapstructure:"log_level"`

	// TrustProxyHeaders applies X-Forwarded-For/X-Real-IP to the client
	// address; enable only behind a reverse proxy.
	TrustProxyHeaders bool `mapstructure:"trust_proxy_headers"`

	// TLS configuration
	EnableTLS bool   `mapstructure:"enable_tls"`
	CertFile  string `mapstructure:"cert_file"`
	KeyFile   string `mapstructure:"key_file"`

	// Inbound Basic-Auth
	Auth AuthConfig `mapstructure:"auth"`

	// Upstream Microsoft Graph access
	Graph GraphConfig `mapstructure:"graph"`

	// Bucket name -> SharePoint drive mapping
	Buckets map[string]BucketConfig `mapstructure:"buckets"`

	// Listing limits
	Listing ListingConfig `mapstructure:"listing"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Log format and remote log outputs
	Logging LoggingConfig `mapstructure:"logging"`
}

// AuthConfig defines the credential pair clients must present
type AuthConfig struct {
	EnableAuth bool   `mapstructure:"enable_auth"`
	Username   string `mapstructure:"username"`
	// Password is either the plain secret or a bcrypt hash ("$2a$...").
	Password string `mapstructure:"password"`

	// Failed attempts per client IP tolerated within LockoutWindow before
	// further attempts are refused. Zero disables the lockout.
	MaxFailedAttempts int           `mapstructure:"max_failed_attempts"`
	LockoutWindow     time.Duration `mapstructure:"lockout_window"`
}

// GraphConfig defines the upstream tenant, application credentials and
// the retry policy applied to every upstream call.
type GraphConfig struct {
	TenantID     string `mapstructure:"tenant_id"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	AuthorityURL string `mapstructure:"authority_url"`
	BaseURL      string `mapstructure:"base_url"`
	Scope        string `mapstructure:"scope"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseBackoff    time.Duration `mapstructure:"base_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`

	// Token lifetime handling
	TokenMargin   time.Duration `mapstructure:"token_margin"`
	TokenAttempts int           `mapstructure:"token_attempts"`

	// RateLimit caps outbound requests per second, 0 disables it
	RateLimit   float64 `mapstructure:"rate_limit"`
	PageSize    int     `mapstructure:"page_size"`
	SearchLimit int     `mapstructure:"search_limit"`
}

// BucketConfig maps one S3 bucket onto a SharePoint drive
type BucketConfig struct {
	SiteID  string `mapstructure:"site_id"`
	DriveID string `mapstructure:"drive_id"`

	// Include holds doublestar patterns matched against object keys;
	// empty exposes every file.
	Include []string `mapstructure:"include"`
}

// ListingConfig bounds ListObjectsV2 pages
type ListingConfig struct {
	DefaultMaxKeys int `mapstructure:"default_max_keys"`
	MaxKeysCeiling int `mapstructure:"max_keys_ceiling"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// LoggingConfig defines the log format and optional log shipping
type LoggingConfig struct {
	// Format is "json" or "text"
	Format string             `mapstructure:"format"`
	Syslog SyslogOutputConfig `mapstructure:"syslog"`
	HTTP   HTTPOutputConfig   `mapstructure:"http"`
}

// SyslogOutputConfig ships log entries to a syslog server
type SyslogOutputConfig struct {
	Enable   bool   `mapstructure:"enable"`
	Protocol string `mapstructure:"protocol"`
	Address  string `mapstructure:"address"`
	Tag      string `mapstructure:"tag"`
	Level    string `mapstructure:"level"`
}

// HTTPOutputConfig ships batches of log entries to an HTTP collector
type HTTPOutputConfig struct {
	Enable        bool          `mapstructure:"enable"`
	URL           string        `mapstructure:"url"`
	AuthToken     string        `mapstructure:"auth_token"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Level         string        `mapstructure:"level"`
}

// Load loads configuration from defaults, flags, config file and environment
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Bind command line flags
	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	// Read from config file if specified
	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Read from environment variables (SPGATE_GRAPH_CLIENT_SECRET, ...)
	v.SetEnvPrefix("SPGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("listen", ":3000")
	v.SetDefault("log_level", "info")

	v.SetDefault("trust_proxy_headers", false)

	// TLS defaults
	v.SetDefault("enable_tls", false)
	v.SetDefault("cert_file", "")
	v.SetDefault("key_file", "")

	// Auth defaults - credentials must be configured explicitly
	v.SetDefault("auth.enable_auth", true)
	v.SetDefault("auth.username", "")
	v.SetDefault("auth.password", "")
	v.SetDefault("auth.max_failed_attempts", 10)
	v.SetDefault("auth.lockout_window", 5*time.Minute)

	// Graph defaults; identity values are declared so env overrides bind
	v.SetDefault("graph.tenant_id", "")
	v.SetDefault("graph.client_id", "")
	v.SetDefault("graph.client_secret", "")
	v.SetDefault("graph.authority_url", "https://login.microsoftonline.com")
	v.SetDefault("graph.base_url", "https://graph.microsoft.com/v1.0")
	v.SetDefault("graph.scope", "https://graph.microsoft.com/.default")
	v.SetDefault("graph.request_timeout", 30*time.Second)
	v.SetDefault("graph.max_attempts", 4)
	v.SetDefault("graph.base_backoff", 500*time.Millisecond)
	v.SetDefault("graph.max_backoff", 30*time.Second)
	v.SetDefault("graph.token_margin", 5*time.Minute)
	v.SetDefault("graph.token_attempts", 3)
	v.SetDefault("graph.rate_limit", 0)
	v.SetDefault("graph.page_size", 200)
	v.SetDefault("graph.search_limit", 1000)

	// Listing defaults (S3 caps a page at 1000 keys)
	v.SetDefault("listing.default_max_keys", 1000)
	v.SetDefault("listing.max_keys_ceiling", 1000)

	// Metrics defaults
	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.syslog.enable", false)
	v.SetDefault("logging.syslog.protocol", "udp")
	v.SetDefault("logging.syslog.address", "")
	v.SetDefault("logging.syslog.tag", "spgate")
	v.SetDefault("logging.syslog.level", "info")
	v.SetDefault("logging.http.enable", false)
	v.SetDefault("logging.http.url", "")
	v.SetDefault("logging.http.auth_token", "")
	v.SetDefault("logging.http.batch_size", 100)
	v.SetDefault("logging.http.flush_interval", 5*time.Second)
	v.SetDefault("logging.http.level", "info")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"listen":     "listen",
		"log-level":  "log_level",
		"enable-tls": "enable_tls",
		"cert-file":  "cert_file",
		"key-file":   "key_file",
	}

	for flag, key := range flags {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}

	return nil
}

func validate(cfg *Config) error {
	// Upstream application credentials are mandatory
	if cfg.Graph.TenantID == "" || cfg.Graph.ClientID == "" || cfg.Graph.ClientSecret == "" {
		return fmt.Errorf("graph.tenant_id, graph.client_id and graph.client_secret are required")
	}

	if len(cfg.Buckets) == 0 {
		return fmt.Errorf("at least one bucket mapping is required")
	}
	for name, b := range cfg.Buckets {
		if err := ValidateBucketName(name); err != nil {
			return err
		}
		if b.SiteID == "" && b.DriveID == "" {
			return fmt.Errorf("bucket %q: site_id or drive_id is required", name)
		}
	}

	// Validate TLS configuration
	if cfg.EnableTLS {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return fmt.Errorf("TLS enabled but cert-file or key-file not specified")
		}
	}

	if cfg.Auth.EnableAuth {
		if cfg.Auth.Username == "" || cfg.Auth.Password == "" {
			return fmt.Errorf("auth enabled but auth.username or auth.password not specified")
		}
		if IsBcryptHash(cfg.Auth.Password) {
			if _, err := bcrypt.Cost([]byte(cfg.Auth.Password)); err != nil {
				return fmt.Errorf("auth.password looks like a bcrypt hash but is malformed: %w", err)
			}
		}
		if cfg.Auth.MaxFailedAttempts < 0 {
			return fmt.Errorf("auth.max_failed_attempts cannot be negative")
		}
		if cfg.Auth.MaxFailedAttempts > 0 && cfg.Auth.LockoutWindow <= 0 {
			return fmt.Errorf("auth.lockout_window must be positive when auth.max_failed_attempts is set")
		}
	} else {
		logrus.Warn("Inbound authentication is disabled")
	}

	if cfg.Graph.MaxAttempts < 1 {
		return fmt.Errorf("graph.max_attempts must be at least 1")
	}
	if cfg.Graph.TokenAttempts < 1 {
		return fmt.Errorf("graph.token_attempts must be at least 1")
	}
	if cfg.Graph.RateLimit < 0 {
		return fmt.Errorf("graph.rate_limit cannot be negative")
	}
	if cfg.Graph.PageSize < 1 || cfg.Graph.PageSize > 999 {
		return fmt.Errorf("graph.page_size must be between 1 and 999")
	}

	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be json or text")
	}
	if cfg.Logging.Syslog.Enable {
		if cfg.Logging.Syslog.Address == "" {
			return fmt.Errorf("logging.syslog.address is required when syslog output is enabled")
		}
		if cfg.Logging.Syslog.Protocol != "udp" && cfg.Logging.Syslog.Protocol != "tcp" {
			return fmt.Errorf("logging.syslog.protocol must be udp or tcp")
		}
	}
	if cfg.Logging.HTTP.Enable {
		if cfg.Logging.HTTP.URL == "" {
			return fmt.Errorf("logging.http.url is required when HTTP output is enabled")
		}
		if cfg.Logging.HTTP.BatchSize < 1 || cfg.Logging.HTTP.FlushInterval <= 0 {
			return fmt.Errorf("logging.http.batch_size and logging.http.flush_interval must be positive")
		}
	}

	if cfg.Listing.MaxKeysCeiling < 1 {
		return fmt.Errorf("listing.max_keys_ceiling must be positive")
	}
	if cfg.Listing.DefaultMaxKeys < 1 || cfg.Listing.DefaultMaxKeys > cfg.Listing.MaxKeysCeiling {
		cfg.Listing.DefaultMaxKeys = cfg.Listing.MaxKeysCeiling
	}

	cfg.Graph.BaseURL = strings.TrimSuffix(cfg.Graph.BaseURL, "/")
	cfg.Graph.AuthorityURL = strings.TrimSuffix(cfg.Graph.AuthorityURL, "/")

	return nil
}

// IsBcryptHash reports whether a configured password is a bcrypt hash
func IsBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
