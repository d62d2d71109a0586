// Package config loads runtime settings for the access service: defaults,
// then an optional YAML file, then ROLLCALL_* environment variables, then
// command-line flags.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the service reads.
const EnvPrefix = "ROLLCALL_"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config holds runtime settings.
type Config struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Storage. With no Postgres DSN and no Redis address, tokens and the
	// throttle live in memory.
	PostgresDSN    string        `yaml:"postgres_dsn"`
	RedisAddr      string        `yaml:"redis_addr"`
	RedisPassword  string        `yaml:"redis_password"`
	RedisDB        int           `yaml:"redis_db"`
	RedisPrefix    string        `yaml:"redis_prefix"`
	StorageTimeout time.Duration `yaml:"storage_timeout"`

	NATSURL           string `yaml:"nats_url"`
	NATSSubjectPrefix string `yaml:"nats_subject_prefix"`

	PolicyFile  string `yaml:"policy_file"`
	PolicyWatch bool   `yaml:"policy_watch"`

	SessionSecret string `yaml:"session_secret"`
	SessionIssuer string `yaml:"session_issuer"`

	TokenPepper      string        `yaml:"token_pepper"`
	EmailVerifyTTL   time.Duration `yaml:"email_verify_ttl"`
	PasswordResetTTL time.Duration `yaml:"password_reset_ttl"`
	ThrottleCeiling  int           `yaml:"throttle_ceiling"`
	ThrottleWindow   time.Duration `yaml:"throttle_window"`
	ThrottleCooldown time.Duration `yaml:"throttle_cooldown"`

	AuditQueueSize     int           `yaml:"audit_queue_size"`
	AuditWorkers       int           `yaml:"audit_workers"`
	AuditRetries       int           `yaml:"audit_retries"`
	AuditDenyThreshold int           `yaml:"audit_deny_threshold"`
	AuditDenyWindow    time.Duration `yaml:"audit_deny_window"`

	HTTPRateBurst  int      `yaml:"http_rate_burst"`
	HTTPRatePerSec int      `yaml:"http_rate_per_sec"`
	CORSOrigins    []string `yaml:"cors_origins"`
}

// LoadDefaults populates c with development defaults. Secrets stay empty
// and must be supplied.
func (c *Config) LoadDefaults() {
	c.HTTPAddr = ":8080"
	c.GRPCAddr = ":9090"
	c.LogLevel = "info"
	c.ShutdownTimeout = 15 * time.Second
	c.RedisPrefix = "rollcall:"
	c.StorageTimeout = 3 * time.Second
	c.NATSSubjectPrefix = "audit"
	c.PolicyFile = "configs/policy.yaml"
	c.PolicyWatch = true
	c.SessionIssuer = "rollcall"
	c.EmailVerifyTTL = 24 * time.Hour
	c.PasswordResetTTL = time.Hour
	c.ThrottleCeiling = 5
	c.ThrottleWindow = time.Hour
	c.ThrottleCooldown = 15 * time.Minute
	c.AuditQueueSize = 1024
	c.AuditWorkers = 2
	c.AuditRetries = 3
	c.AuditDenyThreshold = 5
	c.AuditDenyWindow = time.Minute
	c.HTTPRateBurst = 50
	c.HTTPRatePerSec = 20
}

// Load builds a Config from defaults, the YAML file named by -config or
// ROLLCALL_CONFIG, the environment and finally args.
func Load(args []string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := &Config{}
	cfg.LoadDefaults()

	fs, flags := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	path := getenv(EnvPrefix + "CONFIG")
	if flags.configFile != "" {
		path = flags.configFile
	}
	if path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.overlayEnv(getenv); err != nil {
		return nil, err
	}
	flags.apply(fs, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	return nil
}

func (c *Config) overlayEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"HTTP_ADDR":           &c.HTTPAddr,
		"GRPC_ADDR":           &c.GRPCAddr,
		"LOG_LEVEL":           &c.LogLevel,
		"PG_DSN":              &c.PostgresDSN,
		"REDIS_ADDR":          &c.RedisAddr,
		"REDIS_PASSWORD":      &c.RedisPassword,
		"REDIS_PREFIX":        &c.RedisPrefix,
		"NATS_URL":            &c.NATSURL,
		"NATS_SUBJECT_PREFIX": &c.NATSSubjectPrefix,
		"POLICY_FILE":         &c.PolicyFile,
		"SESSION_SECRET":      &c.SessionSecret,
		"SESSION_ISSUER":      &c.SessionIssuer,
		"TOKEN_PEPPER":        &c.TokenPepper,
	}
	for name, dst := range strs {
		if v := strings.TrimSpace(getenv(EnvPrefix + name)); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"REDIS_DB":             &c.RedisDB,
		"THROTTLE_CEILING":     &c.ThrottleCeiling,
		"AUDIT_QUEUE_SIZE":     &c.AuditQueueSize,
		"AUDIT_WORKERS":        &c.AuditWorkers,
		"AUDIT_RETRIES":        &c.AuditRetries,
		"AUDIT_DENY_THRESHOLD": &c.AuditDenyThreshold,
		"HTTP_RATE_BURST":      &c.HTTPRateBurst,
		"HTTP_RATE_PER_SEC":    &c.HTTPRatePerSec,
	}
	for name, dst := range ints {
		v := strings.TrimSpace(getenv(EnvPrefix + name))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s: %v", ErrInvalid, EnvPrefix, name, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"SHUTDOWN_TIMEOUT":   &c.ShutdownTimeout,
		"STORAGE_TIMEOUT":    &c.StorageTimeout,
		"EMAIL_VERIFY_TTL":   &c.EmailVerifyTTL,
		"PASSWORD_RESET_TTL": &c.PasswordResetTTL,
		"THROTTLE_WINDOW":    &c.ThrottleWindow,
		"THROTTLE_COOLDOWN":  &c.ThrottleCooldown,
		"AUDIT_DENY_WINDOW":  &c.AuditDenyWindow,
	}
	for name, dst := range durations {
		v := strings.TrimSpace(getenv(EnvPrefix + name))
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s: %v", ErrInvalid, EnvPrefix, name, err)
		}
		*dst = d
	}

	if v := strings.TrimSpace(getenv(EnvPrefix + "POLICY_WATCH")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %sPOLICY_WATCH: %v", ErrInvalid, EnvPrefix, err)
		}
		c.PolicyWatch = b
	}
	if v := strings.TrimSpace(getenv(EnvPrefix + "CORS_ORIGINS")); v != "" {
		c.CORSOrigins = splitList(v)
	}
	return nil
}

// Validate checks the settings the service cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.SessionSecret) == "" {
		errs = append(errs, fmt.Errorf("%w: session secret is required (%sSESSION_SECRET)", ErrInvalid, EnvPrefix))
	}
	if len(c.TokenPepper) < 16 {
		errs = append(errs, fmt.Errorf("%w: token pepper must be at least 16 bytes (%sTOKEN_PEPPER)", ErrInvalid, EnvPrefix))
	}
	if c.HTTPAddr == "" {
		errs = append(errs, fmt.Errorf("%w: http address is required", ErrInvalid))
	}
	if c.EmailVerifyTTL <= 0 || c.PasswordResetTTL <= 0 {
		errs = append(errs, fmt.Errorf("%w: token ttls must be positive", ErrInvalid))
	}
	if c.ThrottleCeiling <= 0 || c.ThrottleWindow <= 0 || c.ThrottleCooldown < 0 {
		errs = append(errs, fmt.Errorf("%w: throttle ceiling and window must be positive", ErrInvalid))
	}
	if c.StorageTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: storage timeout must be positive", ErrInvalid))
	}
	if c.AuditQueueSize <= 0 || c.AuditWorkers <= 0 || c.AuditRetries < 0 {
		errs = append(errs, fmt.Errorf("%w: audit queue size and workers must be positive", ErrInvalid))
	}
	return errors.Join(errs...)
}

type flagValues struct {
	configFile  string
	httpAddr    string
	grpcAddr    string
	logLevel    string
	pgDSN       string
	redisAddr   string
	natsURL     string
	policyFile  string
	policyWatch bool
}

func newFlagSet() (*flag.FlagSet, *flagValues) {
	v := &flagValues{}
	fs := flag.NewFlagSet("rollcall", flag.ContinueOnError)
	fs.StringVar(&v.configFile, "config", "", "path to a YAML config file")
	fs.StringVar(&v.httpAddr, "http", "", "HTTP listen address")
	fs.StringVar(&v.grpcAddr, "grpc", "", "gRPC listen address (empty disables)")
	fs.StringVar(&v.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&v.pgDSN, "pg-dsn", "", "PostgreSQL DSN")
	fs.StringVar(&v.redisAddr, "redis", "", "Redis address")
	fs.StringVar(&v.natsURL, "nats", "", "NATS URL for audit fan-out")
	fs.StringVar(&v.policyFile, "policy", "", "policy table YAML file")
	fs.BoolVar(&v.policyWatch, "policy-watch", true, "reload the policy table when the file changes")
	return fs, v
}

// apply copies only the flags that were set on the command line.
func (v *flagValues) apply(fs *flag.FlagSet, c *Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			c.HTTPAddr = v.httpAddr
		case "grpc":
			c.GRPCAddr = v.grpcAddr
		case "log-level":
			c.LogLevel = v.logLevel
		case "pg-dsn":
			c.PostgresDSN = v.pgDSN
		case "redis":
			c.RedisAddr = v.redisAddr
		case "nats":
			c.NATSURL = v.natsURL
		case "policy":
			c.PolicyFile = v.policyFile
		case "policy-watch":
			c.PolicyWatch = v.policyWatch
		}
	})
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
