package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix is the prefix for every environment override, e.g. SSP_SERVER_PORT.
const EnvPrefix = "SSP"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Paths     PathsConfig     `yaml:"paths" envconfig:"PATHS"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Remote    RemoteConfig    `yaml:"remote" envconfig:"REMOTE"`
	Packaged  PackagedConfig  `yaml:"packaged" envconfig:"PACKAGED"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig contains the loopback HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"HOST" validate:"required"`
	Port            int           `yaml:"port" envconfig:"PORT" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" validate:"gte=0"`
	Burst   int     `yaml:"burst" envconfig:"BURST" validate:"gte=0"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" validate:"omitempty,oneof=debug info warn warning error"`
	Output   string `yaml:"output" envconfig:"OUTPUT" validate:"omitempty,oneof=console file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// PathsConfig contains file system paths. An empty DataDir resolves to the
// XDG data home.
type PathsConfig struct {
	DataDir string `yaml:"data_dir" envconfig:"DATA_DIR"`
	LogsDir string `yaml:"logs_dir" envconfig:"LOGS_DIR"`
}

// LicenseConfig describes the build the engine is running in.
type LicenseConfig struct {
	// BuildTier locks activation to one product. "trial" builds cannot
	// activate; an empty value derives the tier from the key prefix.
	BuildTier          string            `yaml:"build_tier" envconfig:"BUILD_TIER" validate:"omitempty,oneof=trial standard pro_monthly pro_yearly enterprise"`
	ProductIDs         map[string]string `yaml:"product_ids" envconfig:"PRODUCT_IDS"`
	TrialDays          int               `yaml:"trial_days" envconfig:"TRIAL_DAYS" validate:"min=1"`
	TrialProjectsLimit int               `yaml:"trial_projects_limit" envconfig:"TRIAL_PROJECTS_LIMIT" validate:"min=1"`
	IntegritySecret    string            `yaml:"integrity_secret" envconfig:"INTEGRITY_SECRET" validate:"required"`
	ActivationRate     float64           `yaml:"activation_rate" envconfig:"ACTIVATION_RATE" validate:"gt=0"`
	ActivationBurst    int               `yaml:"activation_burst" envconfig:"ACTIVATION_BURST" validate:"min=1"`

	// DeveloperPasswordHash is an encoded scrypt hash installed as the
	// developer credential when none is stored yet
	DeveloperPasswordHash string `yaml:"developer_password_hash" envconfig:"DEVELOPER_PASSWORD_HASH"`
}

// RemoteConfig selects and configures the purchase verification service.
type RemoteConfig struct {
	Mode            string        `yaml:"mode" envconfig:"MODE" validate:"oneof=gumroad sheets none"`
	Endpoint        string        `yaml:"endpoint" envconfig:"ENDPOINT" validate:"omitempty,url"`
	Timeout         time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	SheetID         string        `yaml:"sheet_id" envconfig:"SHEET_ID"`
	SheetRange      string        `yaml:"sheet_range" envconfig:"SHEET_RANGE"`
	CredentialsFile string        `yaml:"credentials_file" envconfig:"CREDENTIALS_FILE"`
}

// PackagedConfig locates the packaged metadata shipped with tier-locked builds.
type PackagedConfig struct {
	Enabled       bool   `yaml:"enabled" envconfig:"ENABLED"`
	BlobFile      string `yaml:"blob_file" envconfig:"BLOB_FILE"`
	ChecksumFile  string `yaml:"checksum_file" envconfig:"CHECKSUM_FILE"`
	SignatureFile string `yaml:"signature_file" envconfig:"SIGNATURE_FILE"`
	AESKeyHex     string `yaml:"aes_key_hex" envconfig:"AES_KEY_HEX" validate:"omitempty,hexadecimal,len=64"`
	PublicKeyFile string `yaml:"public_key_file" envconfig:"PUBLIC_KEY_FILE"`
}

// TelemetryConfig contains OpenTelemetry exporter selection
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" envconfig:"SERVICE_NAME"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" validate:"oneof=stdout none"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER" validate:"oneof=prometheus none"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO" validate:"gte=0,lte=1"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE" validate:"gte=0"`
	WriteBufferSize int `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE" validate:"gte=0"`
}

// Default returns the built-in configuration. File and environment values
// are layered on top of it by Load.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8765,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://127.0.0.1:8765", "http://localhost:8765"},
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     50,
				Burst:   25,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "console",
		},
		License: LicenseConfig{
			BuildTier: "standard",
			ProductIDs: map[string]string{
				"standard":    "GUMROAD_PRODUCT_ID_STANDARD",
				"pro_monthly": "GUMROAD_PRODUCT_ID_PRO_MONTHLY",
				"pro_yearly":  "GUMROAD_PRODUCT_ID_PRO_YEARLY",
				"enterprise":  "GUMROAD_PRODUCT_ID_ENTERPRISE",
			},
			TrialDays:          7,
			TrialProjectsLimit: 2,
			IntegritySecret:    "ssp-license-integrity-v1",
			ActivationRate:     0.2,
			ActivationBurst:    3,
		},
		Remote: RemoteConfig{
			Mode:       "gumroad",
			Endpoint:   "https://gumroad.com/api/v2/licenses/verify",
			Timeout:    15 * time.Second,
			SheetRange: "Licenses!A2:C",
		},
		Packaged: PackagedConfig{
			BlobFile:      "meta.b64",
			ChecksumFile:  "meta.checksum",
			SignatureFile: "meta.sig",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "sspdesk",
			Environment:    "production",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// SSP_* environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	return LoadFile(getConfigFilePath())
}

// LoadFile is Load with an explicit config file path. A missing file is not
// an error.
func LoadFile(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			if err := loadFromFile(configFile, &cfg); err != nil {
				return nil, fmt.Errorf("failed to load config from file: %w", err)
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile overlays YAML values onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// getConfigFilePath returns SSP_CONFIG when set, otherwise config.yaml in
// the XDG config home.
func getConfigFilePath() string {
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		return p
	}
	return ConfigFile()
}

// validate runs the struct tag rules plus cross-field checks
func (c *Config) validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid %s: failed %q rule", verrs[0].Namespace(), verrs[0].Tag())
		}
		return err
	}

	switch c.Remote.Mode {
	case "gumroad":
		if c.Remote.Endpoint == "" {
			return errors.New("remote.endpoint is required for gumroad verification")
		}
	case "sheets":
		if c.Remote.SheetID == "" {
			return errors.New("remote.sheet_id is required for sheets verification")
		}
	}

	if c.Packaged.Enabled && (c.Packaged.AESKeyHex == "" || c.Packaged.PublicKeyFile == "") {
		return errors.New("packaged metadata requires aes_key_hex and public_key_file")
	}

	if c.License.BuildTier != "" && c.License.BuildTier != "trial" && c.Remote.Mode != "none" {
		if c.License.ProductIDs[c.License.BuildTier] == "" {
			return fmt.Errorf("no product id configured for build tier %q", c.License.BuildTier)
		}
	}

	return nil
}

// ProductID returns the product identifier for the build tier, or "" for
// trial and untiered builds.
func (c *Config) ProductID() string {
	if c.License.BuildTier == "" || c.License.BuildTier == "trial" {
		return ""
	}
	return c.License.ProductIDs[c.License.BuildTier]
}

// ResolveDataPath returns p unchanged when absolute, otherwise joined onto
// the data directory.
func (c *Config) ResolveDataPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Paths.DataDir, p)
}
