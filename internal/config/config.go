package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kenneth/blobcrypt/internal/crypto"
)

// Config holds the complete application configuration.
type Config struct {
	ListenAddr string           `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel   string           `yaml:"log_level" env:"LOG_LEVEL"`
	Backend    BackendConfig    `yaml:"backend"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Logging    LoggingConfig    `yaml:"logging"`
	Audit      AuditConfig      `yaml:"audit"`
	Cache      CacheConfig      `yaml:"cache"`
	TLS        TLSConfig        `yaml:"tls"`
	Server     ServerConfig     `yaml:"server"`
	Tracing    TracingConfig    `yaml:"tracing"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`

	// Policies lists glob patterns of per-bucket policy files.
	Policies []string `yaml:"policies" env:"POLICIES"`
}

// BackendConfig holds the blob store configuration.
type BackendConfig struct {
	Endpoint     string `yaml:"endpoint" env:"BACKEND_ENDPOINT"`
	Region       string `yaml:"region" env:"BACKEND_REGION"`
	AccessKey    string `yaml:"access_key" env:"BACKEND_ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"BACKEND_SECRET_KEY"`
	Provider     string `yaml:"provider" env:"BACKEND_PROVIDER"` // aws, minio, wasabi, ...
	UsePathStyle bool   `yaml:"use_path_style" env:"BACKEND_USE_PATH_STYLE"`
	// InMemory replaces the S3 backend with a process-local store.
	InMemory bool `yaml:"in_memory" env:"BACKEND_IN_MEMORY"`
}

// EncryptionConfig holds client-side encryption settings.
type EncryptionConfig struct {
	Protocol          string `yaml:"protocol" env:"ENCRYPTION_PROTOCOL"`
	RegionLength      int64  `yaml:"region_length" env:"ENCRYPTION_REGION_LENGTH"`
	Concurrency       int    `yaml:"concurrency" env:"ENCRYPTION_CONCURRENCY"`
	RequireEncryption bool   `yaml:"require_encryption" env:"ENCRYPTION_REQUIRE"`

	// KeyID names the key that wraps new content keys. Exactly one of
	// KeyURI, Passphrase or RSAKeyFile supplies its material.
	KeyID            string `yaml:"key_id" env:"ENCRYPTION_KEY_ID"`
	KeyURI           string `yaml:"key_uri" env:"ENCRYPTION_KEY_URI"`
	Passphrase       string `yaml:"passphrase" env:"ENCRYPTION_PASSPHRASE"`
	RSAKeyFile       string `yaml:"rsa_key_file" env:"ENCRYPTION_RSA_KEY_FILE"`
	KeyWrapAlgorithm string `yaml:"key_wrap_algorithm" env:"ENCRYPTION_KEY_WRAP_ALGORITHM"`

	// ResolverKeys maps additional key ids to keeper URLs so blobs
	// written under older keys stay readable.
	ResolverKeys map[string]string `yaml:"resolver_keys" env:"ENCRYPTION_RESOLVER_KEYS"`
}

// LoggingConfig holds access log settings.
type LoggingConfig struct {
	AccessLogFormat string   `yaml:"access_log_format" env:"LOGGING_ACCESS_LOG_FORMAT"` // default, json, clf
	RedactHeaders   []string `yaml:"redact_headers" env:"LOGGING_REDACT_HEADERS"`
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
	// AllowedBuckets restricts requests to buckets matching these globs.
	// Empty allows every bucket.
	AllowedBuckets []string `yaml:"allowed_buckets" env:"SERVER_ALLOWED_BUCKETS"`
}

// RateLimitConfig holds per-client rate limiting settings.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	// Limit is the number of requests a client may make per Window.
	Limit  int           `yaml:"limit" env:"RATE_LIMIT_LIMIT"`
	Window time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // Max events to keep in memory
}

// CacheConfig holds the blob info cache configuration. The cache keeps
// plaintext lengths and metadata, never content or keys. Writes that bypass
// this process are only seen once an entry expires.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" env:"CACHE_ENABLED"`
	MaxItems   int           `yaml:"max_items" env:"CACHE_MAX_ITEMS"`     // Max number of items
	DefaultTTL time.Duration `yaml:"default_ttl" env:"CACHE_DEFAULT_TTL"` // Default TTL
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName     string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter        string  `yaml:"exporter" env:"TRACING_EXPORTER"`           // stdout, otlp
	OtlpEndpoint    string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"` // OTLP gRPC endpoint
	SamplingRatio   float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
	RedactSensitive bool    `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"`
}

// Defaults returns a configuration populated with default values.
func Defaults() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Backend: BackendConfig{
			Region: "us-east-1",
		},
		Encryption: EncryptionConfig{
			Protocol:     crypto.ProtocolV2_1,
			RegionLength: crypto.DefaultRegionLength,
			Concurrency:  crypto.DefaultConcurrency,
		},
		Cache: CacheConfig{
			Enabled:    false,
			MaxItems:   10000,
			DefaultTTL: time.Minute,
		},
		Logging: LoggingConfig{
			AccessLogFormat: "default",
			RedactHeaders:   []string{"authorization", "x-amz-security-token", "cookie"},
		},
		Server: ServerConfig{
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1MB
		},
		Audit: AuditConfig{
			Enabled:   false,
			MaxEvents: 10000,
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "blobcrypt",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
		RateLimit: RateLimitConfig{
			Limit:  100,
			Window: time.Minute,
		},
	}
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func envBool(v string) bool {
	return v == "true" || v == "1"
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		config.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("BACKEND_ENDPOINT"); v != "" {
		config.Backend.Endpoint = v
	}
	if v := os.Getenv("BACKEND_REGION"); v != "" {
		config.Backend.Region = v
	}
	if v := os.Getenv("BACKEND_ACCESS_KEY"); v != "" {
		config.Backend.AccessKey = v
	}
	if v := os.Getenv("BACKEND_SECRET_KEY"); v != "" {
		config.Backend.SecretKey = v
	}
	if v := os.Getenv("BACKEND_PROVIDER"); v != "" {
		config.Backend.Provider = v
	}
	if v := os.Getenv("BACKEND_USE_PATH_STYLE"); v != "" {
		config.Backend.UsePathStyle = envBool(v)
	}
	if v := os.Getenv("BACKEND_IN_MEMORY"); v != "" {
		config.Backend.InMemory = envBool(v)
	}

	if v := os.Getenv("ENCRYPTION_PROTOCOL"); v != "" {
		config.Encryption.Protocol = v
	}
	if v := os.Getenv("ENCRYPTION_REGION_LENGTH"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Encryption.RegionLength = n
		}
	}
	if v := os.Getenv("ENCRYPTION_CONCURRENCY"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			config.Encryption.Concurrency = n
		}
	}
	if v := os.Getenv("ENCRYPTION_REQUIRE"); v != "" {
		config.Encryption.RequireEncryption = envBool(v)
	}
	if v := os.Getenv("ENCRYPTION_KEY_ID"); v != "" {
		config.Encryption.KeyID = v
	}
	if v := os.Getenv("ENCRYPTION_KEY_URI"); v != "" {
		config.Encryption.KeyURI = v
	}
	if v := os.Getenv("ENCRYPTION_PASSPHRASE"); v != "" {
		config.Encryption.Passphrase = v
	}
	if v := os.Getenv("ENCRYPTION_RSA_KEY_FILE"); v != "" {
		config.Encryption.RSAKeyFile = v
	}
	if v := os.Getenv("ENCRYPTION_KEY_WRAP_ALGORITHM"); v != "" {
		config.Encryption.KeyWrapAlgorithm = v
	}
	if v := os.Getenv("ENCRYPTION_RESOLVER_KEYS"); v != "" {
		// Comma-separated id=uri pairs
		keys := make(map[string]string)
		for _, pair := range strings.Split(v, ",") {
			id, uri, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if ok && id != "" && uri != "" {
				keys[id] = uri
			}
		}
		config.Encryption.ResolverKeys = keys
	}

	if v := os.Getenv("POLICIES"); v != "" {
		config.Policies = strings.Split(v, ",")
		for i := range config.Policies {
			config.Policies[i] = strings.TrimSpace(config.Policies[i])
		}
	}

	if v := os.Getenv("LOGGING_ACCESS_LOG_FORMAT"); v != "" {
		config.Logging.AccessLogFormat = v
	}
	if v := os.Getenv("LOGGING_REDACT_HEADERS"); v != "" {
		config.Logging.RedactHeaders = strings.Split(v, ",")
		for i := range config.Logging.RedactHeaders {
			config.Logging.RedactHeaders[i] = strings.TrimSpace(config.Logging.RedactHeaders[i])
		}
	}

	if v := os.Getenv("TLS_ENABLED"); v != "" {
		config.TLS.Enabled = envBool(v)
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		config.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		config.TLS.KeyFile = v
	}

	if v := os.Getenv("SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.WriteTimeout = d
		}
	}
	if v := os.Getenv("SERVER_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.IdleTimeout = d
		}
	}
	if v := os.Getenv("SERVER_READ_HEADER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.ReadHeaderTimeout = d
		}
	}
	if v := os.Getenv("SERVER_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("SERVER_MAX_HEADER_BYTES"); v != "" {
		var maxBytes int
		if _, err := fmt.Sscanf(v, "%d", &maxBytes); err == nil && maxBytes > 0 {
			config.Server.MaxHeaderBytes = maxBytes
		}
	}

	if v := os.Getenv("SERVER_ALLOWED_BUCKETS"); v != "" {
		config.Server.AllowedBuckets = strings.Split(v, ",")
		for i := range config.Server.AllowedBuckets {
			config.Server.AllowedBuckets[i] = strings.TrimSpace(config.Server.AllowedBuckets[i])
		}
	}

	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		config.RateLimit.Enabled = envBool(v)
	}
	if v := os.Getenv("RATE_LIMIT_LIMIT"); v != "" {
		var limit int
		if _, err := fmt.Sscanf(v, "%d", &limit); err == nil && limit > 0 {
			config.RateLimit.Limit = limit
		}
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.RateLimit.Window = d
		}
	}

	if v := os.Getenv("CACHE_ENABLED"); v != "" {
		config.Cache.Enabled = envBool(v)
	}
	if v := os.Getenv("CACHE_MAX_ITEMS"); v != "" {
		var maxItems int
		if _, err := fmt.Sscanf(v, "%d", &maxItems); err == nil && maxItems > 0 {
			config.Cache.MaxItems = maxItems
		}
	}
	if v := os.Getenv("CACHE_DEFAULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Cache.DefaultTTL = d
		}
	}

	if v := os.Getenv("AUDIT_ENABLED"); v != "" {
		config.Audit.Enabled = envBool(v)
	}
	if v := os.Getenv("AUDIT_MAX_EVENTS"); v != "" {
		var maxEvents int
		if _, err := fmt.Sscanf(v, "%d", &maxEvents); err == nil && maxEvents > 0 {
			config.Audit.MaxEvents = maxEvents
		}
	}

	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		config.Tracing.Enabled = envBool(v)
	}
	if v := os.Getenv("TRACING_SERVICE_NAME"); v != "" {
		config.Tracing.ServiceName = v
	}
	if v := os.Getenv("TRACING_SERVICE_VERSION"); v != "" {
		config.Tracing.ServiceVersion = v
	}
	if v := os.Getenv("TRACING_EXPORTER"); v != "" {
		config.Tracing.Exporter = v
	}
	if v := os.Getenv("TRACING_OTLP_ENDPOINT"); v != "" {
		config.Tracing.OtlpEndpoint = v
	}
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	if v := os.Getenv("TRACING_REDACT_SENSITIVE"); v != "" {
		config.Tracing.RedactSensitive = envBool(v)
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	// Both or neither; neither falls back to the SDK default credential chain.
	if (c.Backend.AccessKey == "") != (c.Backend.SecretKey == "") {
		return fmt.Errorf("backend.access_key and backend.secret_key must be set together")
	}

	if err := c.Encryption.Validate(); err != nil {
		return err
	}

	switch c.Logging.AccessLogFormat {
	case "", "default", "json", "clf":
	default:
		return fmt.Errorf("invalid logging.access_log_format: %s (must be default, json, or clf)", c.Logging.AccessLogFormat)
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Limit <= 0 {
			return fmt.Errorf("rate_limit.limit must be positive when rate limiting is enabled")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate_limit.window must be positive when rate limiting is enabled")
		}
	}

	if c.Cache.Enabled {
		if c.Cache.MaxItems <= 0 {
			return fmt.Errorf("cache.max_items must be positive when the cache is enabled")
		}
		if c.Cache.DefaultTTL <= 0 {
			return fmt.Errorf("cache.default_ttl must be positive when the cache is enabled")
		}
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	return nil
}

// KeySourceKind reports which key material the encryption section names.
func (e *EncryptionConfig) KeySourceKind() string {
	switch {
	case e.KeyURI != "":
		return "keeper"
	case e.Passphrase != "":
		return "passphrase"
	case e.RSAKeyFile != "":
		return "rsa"
	}
	return ""
}

// WrapAlgorithm returns the configured key wrap algorithm or the default
// for the configured key source.
func (e *EncryptionConfig) WrapAlgorithm() string {
	if e.KeyWrapAlgorithm != "" {
		return e.KeyWrapAlgorithm
	}
	switch e.KeySourceKind() {
	case "passphrase":
		return crypto.WrapAlgorithmA256GCM
	case "rsa":
		return crypto.WrapAlgorithmRSAOAEP256
	}
	return crypto.WrapAlgorithmKMS
}

// Validate checks the encryption section.
func (e *EncryptionConfig) Validate() error {
	switch e.Protocol {
	case crypto.ProtocolV1, crypto.ProtocolV2, crypto.ProtocolV2_1:
	default:
		return fmt.Errorf("invalid encryption.protocol: %q (must be 1.0, 2.0, or 2.1)", e.Protocol)
	}

	if e.RegionLength != 0 {
		if e.RegionLength < crypto.MinRegionLength || e.RegionLength > crypto.MaxRegionLength {
			return fmt.Errorf("encryption.region_length must be between %d and %d", crypto.MinRegionLength, crypto.MaxRegionLength)
		}
		if e.Protocol == crypto.ProtocolV2 && e.RegionLength != crypto.DefaultRegionLength {
			return fmt.Errorf("encryption.region_length cannot be changed for protocol 2.0")
		}
	}
	if e.Concurrency < 0 {
		return fmt.Errorf("encryption.concurrency must not be negative")
	}

	sources := 0
	for _, v := range []string{e.KeyURI, e.Passphrase, e.RSAKeyFile} {
		if v != "" {
			sources++
		}
	}
	if sources != 1 {
		return fmt.Errorf("exactly one of encryption.key_uri, encryption.passphrase or encryption.rsa_key_file is required")
	}
	if e.KeyID == "" {
		return fmt.Errorf("encryption.key_id is required")
	}

	allowed := map[string][]string{
		"keeper":     {crypto.WrapAlgorithmKMS},
		"passphrase": {crypto.WrapAlgorithmA256GCM, crypto.WrapAlgorithmC20P},
		"rsa":        {crypto.WrapAlgorithmRSAOAEP, crypto.WrapAlgorithmRSAOAEP256},
	}
	kind := e.KeySourceKind()
	alg := e.WrapAlgorithm()
	ok := false
	for _, a := range allowed[kind] {
		if a == alg {
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("invalid encryption.key_wrap_algorithm %q for %s key (allowed: %s)", alg, kind, strings.Join(allowed[kind], ", "))
	}

	for id, uri := range e.ResolverKeys {
		if id == "" || uri == "" {
			return fmt.Errorf("encryption.resolver_keys entries need a key id and a keeper URL")
		}
	}

	return nil
}
