package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable read by Load.
const EnvPrefix = "KEYBROKER"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Discovery DiscoveryConfig `yaml:"discovery" envconfig:"DISCOVERY"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" validate:"gte=0"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
}

// LicenseConfig describes the key system endpoints and the credentials
// attached to every license request.
type LicenseConfig struct {
	CertificateURL     string        `yaml:"certificate_url" envconfig:"CERTIFICATE_URL" validate:"required,url"`
	TenantID           string        `yaml:"tenant_id" envconfig:"TENANT_ID" validate:"required"`
	UserToken          string        `yaml:"user_token" envconfig:"USER_TOKEN" validate:"required"`
	KeyScheme          string        `yaml:"key_scheme" envconfig:"KEY_SCHEME" validate:"required,alphanum"`
	ProtocolVersion    int           `yaml:"protocol_version" envconfig:"PROTOCOL_VERSION" validate:"min=1"`
	CertificateTimeout time.Duration `yaml:"certificate_timeout" envconfig:"CERTIFICATE_TIMEOUT" validate:"gt=0"`
	LicenseTimeout     time.Duration `yaml:"license_timeout" envconfig:"LICENSE_TIMEOUT" validate:"gt=0"`
	MaxResponseSize    int64         `yaml:"max_response_size" envconfig:"MAX_RESPONSE_SIZE" validate:"gt=0"`
	UserAgent          string        `yaml:"user_agent" envconfig:"USER_AGENT"`
	// PinnedKeys are "host=sha256" SPKI pins for the certificate and
	// license endpoints. Empty disables pinning.
	PinnedKeys         []string      `yaml:"pinned_keys" envconfig:"PINNED_KEYS"`
	// AllowedHosts are the license hosts that may receive credentials,
	// exact names or "*.suffix". Empty means the certificate URL's host and
	// its sibling subdomains.
	AllowedHosts       []string      `yaml:"allowed_hosts" envconfig:"ALLOWED_HOSTS"`
}

// LogValue keeps credentials out of log output.
func (c LicenseConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("certificate_url", redactQuery(c.CertificateURL)),
		slog.String("tenant_id", Mask(c.TenantID)),
		slog.String("user_token", Mask(c.UserToken)),
		slog.String("key_scheme", c.KeyScheme),
		slog.Int("protocol_version", c.ProtocolVersion),
		slog.Duration("certificate_timeout", c.CertificateTimeout),
		slog.Duration("license_timeout", c.LicenseTimeout),
		slog.Int("pinned_keys", len(c.PinnedKeys)),
		slog.Any("allowed_hosts", c.AllowedHosts),
	)
}

// DiscoveryConfig controls HLS key discovery.
type DiscoveryConfig struct {
	MaxDepth     int           `yaml:"max_depth" envconfig:"MAX_DEPTH" validate:"min=0,max=5"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" envconfig:"FETCH_TIMEOUT" validate:"gt=0"`
	Concurrency  int           `yaml:"concurrency" envconfig:"CONCURRENCY" validate:"min=1"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" validate:"min=1"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS"`
	MaxBodySize    int64           `yaml:"max_body_size" envconfig:"MAX_BODY_SIZE" validate:"gt=0"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	// AdminToken guards operator routes such as the certificate reset.
	// Empty disables them.
	AdminToken     string          `yaml:"admin_token" envconfig:"ADMIN_TOKEN"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" validate:"gt=0"`
	Burst   int     `yaml:"burst" envconfig:"BURST" validate:"min=1"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn warning error"`
	Format   string `yaml:"format" envconfig:"FORMAT"`
	Output   string `yaml:"output" envconfig:"OUTPUT" validate:"oneof=console file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" envconfig:"SERVICE_NAME" validate:"required"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" validate:"oneof=stdout none"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER" validate:"oneof=prometheus none"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO" validate:"gte=0,lte=1"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE" validate:"gt=0"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE" validate:"gt=0"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD" validate:"gt=0"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT" validate:"gtfield=PingPeriod"`
	MaxMessageSize  int64         `yaml:"max_message_size" envconfig:"MAX_MESSAGE_SIZE" validate:"gt=0"`
	MaxInFlight     int           `yaml:"max_in_flight" envconfig:"MAX_IN_FLIGHT" validate:"min=1"`
}

// Load builds the configuration from defaults, an optional YAML file, an
// optional .env file and the process environment, in increasing precedence.
func Load() (*Config, error) {
	return LoadFile(getConfigFilePath())
}

// LoadFile is Load with an explicit YAML path. An empty path skips the file.
func LoadFile(configFile string) (*Config, error) {
	cfg, err := loadUnvalidated(configFile)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadPartial loads configuration without validating it. Callers that
// overlay their own values (command line flags) call Validate afterwards.
func LoadPartial(configFile string) (*Config, error) {
	return loadUnvalidated(configFile)
}

func loadUnvalidated(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// Only variables that are present override; defaults come from Default.
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays YAML values on cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// loadDotEnv loads a .env file from the working directory when present.
// Variables already set in the environment are left untouched.
func loadDotEnv() error {
	path := os.Getenv(EnvPrefix + "_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return godotenv.Load(path)
}

var structValidator = validator.New()

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	switch strings.ToLower(c.License.KeyScheme) {
	case "http", "https":
		return fmt.Errorf("key scheme %q collides with the license transport scheme", c.License.KeyScheme)
	}

	if u, err := url.Parse(c.License.CertificateURL); err == nil && u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("certificate url must be http or https, got %q", u.Scheme)
	}

	// JSON is the only supported log format
	c.Logging.Format = "json"
	if c.Logging.Output != "console" && c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/keybroker.log"
	}

	return nil
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if path := os.Getenv(EnvPrefix + "_CONFIG_FILE"); path != "" {
		return path
	}

	locations := []string{
		"keybroker.yaml",
		"configs/keybroker.yaml",
		"../configs/keybroker.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return "" // No config file found, use env vars only
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		License: LicenseConfig{
			KeyScheme:          "skd",
			ProtocolVersion:    1,
			CertificateTimeout: 10 * time.Second,
			LicenseTimeout:     15 * time.Second,
			MaxResponseSize:    1 << 20,
			UserAgent:          AppName + "/" + AppVersion,
		},
		Discovery: DiscoveryConfig{
			MaxDepth:     2,
			FetchTimeout: 15 * time.Second,
			Concurrency:  4,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			EnableCORS:     true,
			MaxBodySize:    2 << 20,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     50,
				Burst:   100,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/keybroker.log",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    AppName,
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			PingPeriod:      30 * time.Second,
			PongWait:        60 * time.Second,
			MaxMessageSize:  1 << 20,
			MaxInFlight:     16,
		},
	}
}

// Mask shows the first and last four characters of a secret.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}

// redactQuery drops the query string, which may carry tenant identifiers.
func redactQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	u.RawQuery = "redacted"
	return u.String()
}
