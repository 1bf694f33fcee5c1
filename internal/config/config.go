// Package config handles loading and validation of Gatekeeper configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// GATEKEEPER_ prefix:
//
//	server.address → GATEKEEPER_SERVER_ADDRESS
//	rate_limit.refill_rate_per_second → GATEKEEPER_RATE_LIMIT_REFILL_RATE_PER_SECOND
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via GATEKEEPER_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/gatekeeper/config.yaml"

// minTokenSecretLen is the shortest HS256 secret accepted (256 bits).
const minTokenSecretLen = 32

// bcrypt cost bounds, mirrored from golang.org/x/crypto/bcrypt so the config
// package stays free of crypto imports.
const (
	minBcryptCost     = 4
	maxBcryptCost     = 31
	defaultBcryptCost = 10
)

// ---------------------------------------------------------------------------
// Enum types. All canonical forms are lowercase; Load() normalizes before
// validation.
// ---------------------------------------------------------------------------

// StoreBackend selects where rate-limit buckets live.
type StoreBackend string

const (
	StoreBackendMemory StoreBackend = "memory"
	StoreBackendRedis  StoreBackend = "redis"
)

func (b StoreBackend) Valid() bool {
	switch b {
	case StoreBackendMemory, StoreBackendRedis:
		return true
	}
	return false
}

// KeyStrategyType defines how the rate-limit key is derived from a request.
type KeyStrategyType string

const (
	// KeyStrategyMember prefers a verified bearer subject and falls back to
	// the anonymous origin fingerprint.
	KeyStrategyMember KeyStrategyType = "member"
	// KeyStrategyAnonymous always uses the origin fingerprint.
	KeyStrategyAnonymous KeyStrategyType = "anonymous"
)

func (k KeyStrategyType) Valid() bool {
	switch k {
	case KeyStrategyMember, KeyStrategyAnonymous:
		return true
	}
	return false
}

// CredentialBackend selects the credential lookup implementation.
type CredentialBackend string

const (
	CredentialBackendMemory CredentialBackend = "memory"
	CredentialBackendRedis  CredentialBackend = "redis"
)

func (b CredentialBackend) Valid() bool {
	switch b {
	case CredentialBackendMemory, CredentialBackendRedis:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// Config is the top-level Gatekeeper configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"     envPrefix:"SERVER_"`
	Admin     AdminConfig     `yaml:"admin"      envPrefix:"ADMIN_"`
	Backend   BackendConfig   `yaml:"backend"    envPrefix:"BACKEND_"`
	Auth      AuthConfig      `yaml:"auth"       envPrefix:"AUTH_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Redis     RedisConfig     `yaml:"redis"      envPrefix:"REDIS_"`
	Logging   LoggingConfig   `yaml:"logging"    envPrefix:"LOGGING_"`
	Tracing   TracingConfig   `yaml:"tracing"    envPrefix:"TRACING_"`
	Events    EventsConfig    `yaml:"events"     envPrefix:"EVENTS_"`
}

// ServerConfig holds the main listener settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// BackendConfig defines the business backend that admitted requests are
// proxied to. When URL is empty only the built-in routes are served.
type BackendConfig struct {
	URL             string          `yaml:"url"               env:"URL"`
	Timeout         string          `yaml:"timeout"           env:"TIMEOUT"`
	MaxIdleConns    int             `yaml:"max_idle_conns"    env:"MAX_IDLE_CONNS"`
	IdleConnTimeout string          `yaml:"idle_conn_timeout" env:"IDLE_CONN_TIMEOUT"`
	Transport       TransportConfig `yaml:"transport"         envPrefix:"TRANSPORT_"`
}

// TransportConfig holds low-level HTTP transport tuning for the proxy.
type TransportConfig struct {
	DialTimeout           string `yaml:"dial_timeout"            env:"DIAL_TIMEOUT"`
	DialKeepAlive         string `yaml:"dial_keep_alive"         env:"DIAL_KEEP_ALIVE"`
	TLSHandshakeTimeout   string `yaml:"tls_handshake_timeout"   env:"TLS_HANDSHAKE_TIMEOUT"`
	ExpectContinueTimeout string `yaml:"expect_continue_timeout" env:"EXPECT_CONTINUE_TIMEOUT"`
	H2ReadIdleTimeout     string `yaml:"h2_read_idle_timeout"    env:"H2_READ_IDLE_TIMEOUT"`
	H2PingTimeout         string `yaml:"h2_ping_timeout"         env:"H2_PING_TIMEOUT"`
}

// AuthConfig holds bearer-token and credential settings.
type AuthConfig struct {
	Token       TokenConfig       `yaml:"token"       envPrefix:"TOKEN_"`
	Credentials CredentialsConfig `yaml:"credentials" envPrefix:"CREDENTIALS_"`
}

// TokenConfig configures HS256 bearer token validation and issuance.
type TokenConfig struct {
	Secret RedactedString `yaml:"secret" env:"SECRET"`
	Issuer string         `yaml:"issuer" env:"ISSUER"`
	TTL    string         `yaml:"ttl"    env:"TTL"`

	// CacheEnabled memoizes successful validations until min(CacheTTL,
	// token expiry). Failed validations are never cached.
	CacheEnabled bool   `yaml:"cache_enabled" env:"CACHE_ENABLED"`
	CacheTTL     string `yaml:"cache_ttl"     env:"CACHE_TTL"`
}

// CredentialsConfig configures the credential lookup used by the login route.
type CredentialsConfig struct {
	Backend    CredentialBackend `yaml:"backend"     env:"BACKEND"`
	BcryptCost int               `yaml:"bcrypt_cost" env:"BCRYPT_COST"`
	KeyPrefix  string            `yaml:"key_prefix"  env:"KEY_PREFIX"`

	// Users seeds the in-memory backend. Not settable from the environment.
	Users []UserConfig `yaml:"users"`
}

// UserConfig is a single seeded credential record.
type UserConfig struct {
	Identifier string         `yaml:"identifier"`
	SubjectID  string         `yaml:"subject_id"`
	SecretHash RedactedString `yaml:"secret_hash"`
	Status     string         `yaml:"status"`
}

// RateLimitConfig holds the admission gate's token-bucket settings.
type RateLimitConfig struct {
	// Capacity is the maximum number of tokens per key (burst size).
	Capacity int64 `yaml:"capacity" env:"CAPACITY"`
	// RefillRatePerSecond may be fractional. 0 disables refill.
	RefillRatePerSecond float64 `yaml:"refill_rate_per_second" env:"REFILL_RATE_PER_SECOND"`
	// EvictionTTL removes buckets idle for longer than this. Empty computes
	// twice the time to refill from empty (minimum one minute).
	EvictionTTL   string `yaml:"eviction_ttl"   env:"EVICTION_TTL"`
	SweepInterval string `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	// MaxKeys caps the number of in-memory buckets. 0 means unbounded.
	MaxKeys int `yaml:"max_keys" env:"MAX_KEYS"`

	Backend      StoreBackend `yaml:"backend"       env:"BACKEND"`
	RedisTimeout string       `yaml:"redis_timeout" env:"REDIS_TIMEOUT"`
	KeyPrefix    string       `yaml:"key_prefix"    env:"KEY_PREFIX"`

	// FailureCode is returned when the gate fails closed on an internal
	// fault. Must be 429 or 503.
	FailureCode int `yaml:"failure_code" env:"FAILURE_CODE"`

	KeyStrategy KeyStrategyConfig `yaml:"key_strategy" envPrefix:"KEY_STRATEGY_"`
}

// KeyStrategyConfig defines how the per-client rate-limit key is extracted.
type KeyStrategyConfig struct {
	Type KeyStrategyType `yaml:"type" env:"TYPE"`

	// TrustedProxies is a list of CIDR ranges whose X-Forwarded-For header
	// is trusted. When empty, X-Forwarded-For is always honored.
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`
}

// RedisConfig holds Redis connection and topology settings.
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelUsername string         `yaml:"sentinel_username" env:"SENTINEL_USERNAME"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer and always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// EventsConfig configures the optional admission event webhook. Rejections
// and faults are batched and POSTed as JSON; delivery is best effort.
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled"        env:"ENABLED"`
	URL           string `yaml:"url"            env:"URL"`
	BatchSize     int    `yaml:"batch_size"     env:"BATCH_SIZE"`
	BufferSize    int    `yaml:"buffer_size"    env:"BUFFER_SIZE"`
	FlushInterval string `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	Timeout       string `yaml:"timeout"        env:"TIMEOUT"`
	// IncludeAllowed also emits admitted requests. High volume.
	IncludeAllowed bool `yaml:"include_allowed" env:"INCLUDE_ALLOWED"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  "30s",
			WriteTimeout: "30s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Backend: BackendConfig{
			Timeout:         "30s",
			MaxIdleConns:    100,
			IdleConnTimeout: "90s",
			Transport: TransportConfig{
				DialTimeout:           "30s",
				DialKeepAlive:         "30s",
				TLSHandshakeTimeout:   "10s",
				ExpectContinueTimeout: "1s",
				H2ReadIdleTimeout:     "30s",
				H2PingTimeout:         "15s",
			},
		},
		Auth: AuthConfig{
			Token: TokenConfig{
				TTL:      "1h",
				CacheTTL: "1m",
			},
			Credentials: CredentialsConfig{
				Backend:    CredentialBackendMemory,
				BcryptCost: defaultBcryptCost,
				KeyPrefix:  "cred:",
			},
		},
		RateLimit: RateLimitConfig{
			Capacity:            20,
			RefillRatePerSecond: 10,
			SweepInterval:       "30s",
			Backend:             StoreBackendMemory,
			RedisTimeout:        "50ms",
			KeyPrefix:           "rl:gatekeeper:",
			FailureCode:         503,
			KeyStrategy: KeyStrategyConfig{
				Type: KeyStrategyMember,
			},
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "gatekeeper",
			SampleRate:  0.1,
		},
		Events: EventsConfig{
			BatchSize:     100,
			BufferSize:    10000,
			FlushInterval: "5s",
			Timeout:       "10s",
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("GATEKEEPER_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from the default YAML file and overlays environment
// variable overrides.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// A missing file is fine: defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "GATEKEEPER_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "Redis" or
// env values like "MEMBER" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.RateLimit.Backend = StoreBackend(strings.ToLower(string(cfg.RateLimit.Backend)))
	cfg.RateLimit.KeyStrategy.Type = KeyStrategyType(strings.ToLower(string(cfg.RateLimit.KeyStrategy.Type)))
	cfg.Auth.Credentials.Backend = CredentialBackend(strings.ToLower(string(cfg.Auth.Credentials.Backend)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))
	for i := range cfg.Auth.Credentials.Users {
		u := &cfg.Auth.Credentials.Users[i]
		u.Status = strings.ToLower(strings.TrimSpace(u.Status))
	}
}

// normalizeTLSVersion maps the various accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateBackend(cfg); err != nil {
		return err
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateAuth(cfg); err != nil {
		return err
	}
	if err := validateRateLimit(cfg); err != nil {
		return err
	}
	if cfg.UsesRedis() {
		if err := validateRedisConfig(cfg.Redis, "redis"); err != nil {
			return err
		}
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	if err := validateEvents(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateBackend(cfg *Config) error {
	if cfg.Backend.URL == "" {
		return nil
	}
	normalized, err := normalizeURL(cfg.Backend.URL)
	if err != nil {
		return fmt.Errorf("invalid backend.url %q: %w", cfg.Backend.URL, err)
	}
	cfg.Backend.URL = normalized
	return nil
}

// normalizeURL parses a URL and ensures the host always has an explicit port.
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("scheme and host are required")
	}

	if u.Port() == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			u.Host += ":443"
		default:
			u.Host += ":80"
		}
	}

	return u.String(), nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"backend.timeout", cfg.Backend.Timeout},
		{"backend.idle_conn_timeout", cfg.Backend.IdleConnTimeout},
		{"backend.transport.dial_timeout", cfg.Backend.Transport.DialTimeout},
		{"backend.transport.dial_keep_alive", cfg.Backend.Transport.DialKeepAlive},
		{"backend.transport.tls_handshake_timeout", cfg.Backend.Transport.TLSHandshakeTimeout},
		{"backend.transport.expect_continue_timeout", cfg.Backend.Transport.ExpectContinueTimeout},
		{"backend.transport.h2_read_idle_timeout", cfg.Backend.Transport.H2ReadIdleTimeout},
		{"backend.transport.h2_ping_timeout", cfg.Backend.Transport.H2PingTimeout},
		{"auth.token.ttl", cfg.Auth.Token.TTL},
		{"auth.token.cache_ttl", cfg.Auth.Token.CacheTTL},
		{"rate_limit.eviction_ttl", cfg.RateLimit.EvictionTTL},
		{"rate_limit.sweep_interval", cfg.RateLimit.SweepInterval},
		{"rate_limit.redis_timeout", cfg.RateLimit.RedisTimeout},
		{"events.flush_interval", cfg.Events.FlushInterval},
		{"events.timeout", cfg.Events.Timeout},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
		if v < 0 {
			return fmt.Errorf("invalid %s %q: must not be negative", d.name, d.val)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled to be true (QUIC mandates TLS)")
	}
	if v := cfg.Server.TLS.MinVersion; v != "" && !v.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", v)
	}
	return nil
}

func validateAuth(cfg *Config) error {
	if len(cfg.Auth.Token.Secret.Value()) < minTokenSecretLen {
		return fmt.Errorf("auth.token.secret must be at least %d bytes", minTokenSecretLen)
	}

	creds := cfg.Auth.Credentials
	if creds.Backend == "" {
		cfg.Auth.Credentials.Backend = CredentialBackendMemory
	} else if !creds.Backend.Valid() {
		return fmt.Errorf("invalid auth.credentials.backend %q: must be memory or redis", creds.Backend)
	}
	if creds.BcryptCost == 0 {
		cfg.Auth.Credentials.BcryptCost = defaultBcryptCost
	} else if creds.BcryptCost < minBcryptCost || creds.BcryptCost > maxBcryptCost {
		return fmt.Errorf("invalid auth.credentials.bcrypt_cost %d: must be between %d and %d",
			creds.BcryptCost, minBcryptCost, maxBcryptCost)
	}

	seen := make(map[string]struct{}, len(creds.Users))
	for i, u := range creds.Users {
		if u.Identifier == "" || u.SubjectID == "" || u.SecretHash == "" {
			return fmt.Errorf("auth.credentials.users[%d]: identifier, subject_id and secret_hash are required", i)
		}
		if !ValidSubjectID(u.SubjectID) {
			return fmt.Errorf("auth.credentials.users[%d]: subject_id %q must be 1-%d characters of [A-Za-z0-9-_.:@]",
				i, u.SubjectID, maxSubjectIDLen)
		}
		if _, dup := seen[u.Identifier]; dup {
			return fmt.Errorf("auth.credentials.users[%d]: duplicate identifier", i)
		}
		seen[u.Identifier] = struct{}{}
		switch u.Status {
		case "", "active", "banned", "deleted":
		default:
			return fmt.Errorf("auth.credentials.users[%d]: invalid status %q", i, u.Status)
		}
	}
	return nil
}

const maxSubjectIDLen = 256

// ValidSubjectID reports whether s is 1-256 characters of [A-Za-z0-9-_.:@],
// the subject charset carried in bearer tokens.
func ValidSubjectID(s string) bool {
	if len(s) == 0 || len(s) > maxSubjectIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':', c == '@':
		default:
			return false
		}
	}
	return true
}

func validateRateLimit(cfg *Config) error {
	rl := &cfg.RateLimit
	if rl.Capacity < 1 {
		return fmt.Errorf("rate_limit.capacity must be >= 1")
	}
	if rl.RefillRatePerSecond < 0 {
		return fmt.Errorf("rate_limit.refill_rate_per_second must be >= 0")
	}
	if rl.MaxKeys < 0 {
		return fmt.Errorf("rate_limit.max_keys must be >= 0")
	}
	if rl.EvictionTTL != "" {
		if ttl, err := time.ParseDuration(rl.EvictionTTL); err == nil && ttl < time.Second {
			return fmt.Errorf("rate_limit.eviction_ttl %q must be at least 1s", rl.EvictionTTL)
		}
	}
	if rl.Backend == "" {
		rl.Backend = StoreBackendMemory
	} else if !rl.Backend.Valid() {
		return fmt.Errorf("invalid rate_limit.backend %q: must be memory or redis", rl.Backend)
	}
	switch rl.FailureCode {
	case 0:
		rl.FailureCode = 503
	case 429, 503:
	default:
		return fmt.Errorf("invalid rate_limit.failure_code %d: must be 429 or 503", rl.FailureCode)
	}
	return validateKeyStrategy(rl.KeyStrategy)
}

func validateKeyStrategy(ks KeyStrategyConfig) error {
	if ks.Type != "" && !ks.Type.Valid() {
		return fmt.Errorf("unknown rate_limit.key_strategy.type %q: must be member or anonymous", ks.Type)
	}
	for _, cidr := range ks.TrustedProxies {
		if _, _, err := net.ParseCIDR(strings.TrimSpace(cidr)); err != nil {
			return fmt.Errorf("invalid rate_limit.key_strategy.trusted_proxies entry %q: %w", cidr, err)
		}
	}
	return nil
}

func validateRedisConfig(rc RedisConfig, prefix string) error {
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid %s.mode %q", prefix, rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("%s.endpoints: at least one endpoint is required", prefix)
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("%s.endpoints: single mode requires exactly one endpoint, got %d", prefix, len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("%s.master_name is required for sentinel mode", prefix)
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateEvents(cfg *Config) error {
	ev := &cfg.Events
	if !ev.Enabled {
		return nil
	}
	if ev.URL == "" {
		return fmt.Errorf("events.url is required when events are enabled")
	}
	normalized, err := normalizeURL(ev.URL)
	if err != nil {
		return fmt.Errorf("invalid events.url %q: %w", ev.URL, err)
	}
	ev.URL = normalized
	if ev.BatchSize < 0 || ev.BufferSize < 0 {
		return fmt.Errorf("events.batch_size and events.buffer_size must not be negative")
	}
	if ev.BatchSize > 0 && ev.BufferSize > 0 && ev.BatchSize > ev.BufferSize {
		return fmt.Errorf("events.batch_size %d exceeds events.buffer_size %d", ev.BatchSize, ev.BufferSize)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// UsesRedis reports whether any component is configured with a Redis backend.
func (c *Config) UsesRedis() bool {
	return c.RateLimit.Backend == StoreBackendRedis || c.Auth.Credentials.Backend == CredentialBackendRedis
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Server.TLS.Enabled != old.Server.TLS.Enabled {
		fields = append(fields, "server.tls.enabled")
	}
	if c.Server.TLS.HTTP3Enabled != old.Server.TLS.HTTP3Enabled {
		fields = append(fields, "server.tls.http3_enabled")
	}
	if c.RateLimit.Backend != old.RateLimit.Backend {
		fields = append(fields, "rate_limit.backend")
	}
	if c.Auth.Credentials.Backend != old.Auth.Credentials.Backend {
		fields = append(fields, "auth.credentials.backend")
	}
	if c.Redis.Mode != old.Redis.Mode {
		fields = append(fields, "redis.mode")
	}
	if c.Backend.URL != old.Backend.URL {
		fields = append(fields, "backend.url")
	}
	if c.Events != old.Events {
		fields = append(fields, "events")
	}
	return fields
}
