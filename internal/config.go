package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Scope kinds.
const (
	ScopeKindLocal = "local"
	ScopeKindS3    = "s3"
)

// Scope roles.
const (
	ScopeRoleNone     = ""
	ScopeRoleTrash    = "trash"
	ScopeRoleTemplate = "template"
)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	Scopes  []ScopeConfig     `yaml:"scopes"`
	Catalog CatalogConfig     `yaml:"catalog"`
	Auth    AuthConfig        `yaml:"auth"`
	Metrics MetricsConfig     `yaml:"metrics"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if len(c.Scopes) == 0 {
		return fmt.Errorf("scopes: at least one scope is required")
	}
	seen := make(map[string]bool, len(c.Scopes))
	roles := make(map[string]string)
	for i := range c.Scopes {
		sc := &c.Scopes[i]
		if err := sc.Validate(); err != nil {
			return fmt.Errorf("scopes[%d]: %w", i, err)
		}
		if seen[sc.ID] {
			return fmt.Errorf("scopes[%d]: duplicate id %q", i, sc.ID)
		}
		seen[sc.ID] = true
		if sc.Role != ScopeRoleNone {
			if prev, ok := roles[sc.Role]; ok {
				return fmt.Errorf("scopes[%d]: role %q already held by %q", i, sc.Role, prev)
			}
			roles[sc.Role] = sc.ID
		}
	}
	if err := c.Catalog.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// ScopeConfig describes one storage container.
//
// Local scopes are watched with fsnotify when Watch is set; S3 scopes are
// polled every PollInterval (zero disables polling).
type ScopeConfig struct {
	ID                string        `yaml:"id"`
	Name              string        `yaml:"name"`
	Kind              string        `yaml:"kind"`
	Role              string        `yaml:"role"`
	Path              string        `yaml:"path"`
	Watch             bool          `yaml:"watch"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	PackageExtensions []string      `yaml:"package_extensions"`
	S3                S3Config      `yaml:"s3"`
}

// DisplayName returns Name, or ID when Name is empty.
func (c *ScopeConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// Validate validates the scope configuration.
func (c *ScopeConfig) Validate() error {
	if c.Kind == "" {
		c.Kind = ScopeKindLocal
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.ID, validation.Required),
		validation.Field(&c.Kind, validation.Required, validation.In(ScopeKindLocal, ScopeKindS3)),
		validation.Field(&c.Role, validation.In(ScopeRoleTrash, ScopeRoleTemplate)),
		validation.Field(&c.PollInterval, validation.Min(time.Duration(0))),
	); err != nil {
		return err
	}
	switch c.Kind {
	case ScopeKindLocal:
		return validation.ValidateStruct(c, validation.Field(&c.Path, validation.Required))
	default:
		return c.S3.Validate()
	}
}

// S3Config holds S3/MinIO connection settings.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	CacheDir  string `yaml:"cache_dir"`
}

// Validate validates the S3 configuration.
func (c *S3Config) Validate() error {
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Bucket, validation.Required),
		validation.Field(&c.SecretKey, validation.When(c.AccessKey != "", validation.Required)),
	)
}

// CatalogConfig holds the SQLite catalog location. An empty path disables
// the catalog.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the catalog configuration.
func (c *CatalogConfig) Validate() error {
	return nil
}

// Enabled reports whether a catalog is configured.
func (c *CatalogConfig) Enabled() bool {
	return c.Path != ""
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Catalog: CatalogConfig{
			Path: "./docscope.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}
