// Package config loads and validates the application configuration from
// YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/peppolkit/smptrust/smp"
)

// Common errors
var (
	ErrConfigurationError   = errors.New("configuration error")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrInvalidOID           = errors.New("invalid OID")
	ErrInvalidEnvironment   = errors.New("invalid environment")
)

// OIDRegex matches OID strings like "1.2.3.4"
var OIDRegex = regexp.MustCompile(`^\d+(\.\d+)+$`)

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// TrustConfig contains the trust material configuration.
type TrustConfig struct {
	// AnchorFiles are paths to trust anchor certificate files (PEM, DER,
	// or PKCS#12 trust stores).
	AnchorFiles []string `yaml:"anchor-files" json:"anchor_files"`

	// P12Passphrase is the passphrase for PKCS#12 trust store files.
	P12Passphrase string `yaml:"p12-passphrase" json:"p12_passphrase,omitempty"`

	// KnownCANames are distinguished-name substrings that identify the
	// network's issuing CAs.
	KnownCANames []string `yaml:"known-ca-names" json:"known_ca_names,omitempty"`

	// PolicyOIDs are certificate policy OIDs accepted as proof of network
	// membership, matched exactly or as an arc prefix.
	PolicyOIDs []string `yaml:"policy-oids" json:"policy_oids,omitempty"`
}

// Validate validates the trust configuration.
func (c *TrustConfig) Validate() error {
	if len(c.AnchorFiles) == 0 {
		return NewConfigError("anchor-files", "at least one trust anchor file is required")
	}
	for _, oid := range c.PolicyOIDs {
		if !OIDRegex.MatchString(oid) {
			return &ConfigError{
				Field:   "policy-oids",
				Message: fmt.Sprintf("'%s' is not a valid OID", oid),
				Err:     ErrInvalidOID,
			}
		}
	}
	return nil
}

// RevocationConfig contains revocation checking configuration.
type RevocationConfig struct {
	// Timeout is the per-request timeout for OCSP and CRL queries.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`

	// MaxAttempts is the retry budget per revocation URL.
	MaxAttempts int `yaml:"max-attempts" json:"max_attempts,omitempty"`

	// CacheTTL is the lifetime of cached revocation responses.
	CacheTTL time.Duration `yaml:"cache-ttl" json:"cache_ttl,omitempty"`

	// Disabled turns off all revocation queries. Both channels then report
	// an indeterminate status.
	Disabled bool `yaml:"disabled" json:"disabled,omitempty"`
}

// SetDefaults sets default values for revocation configuration.
func (c *RevocationConfig) SetDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
}

// EndpointConfig contains endpoint checking configuration.
type EndpointConfig struct {
	// Timeout is the connect/probe timeout.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`

	// TestConnectivity enables the HTTP reachability probe.
	TestConnectivity bool `yaml:"test-connectivity" json:"test_connectivity,omitempty"`

	// MatchTLSCertificate enables comparing the served TLS certificate
	// against the advertised one.
	MatchTLSCertificate bool `yaml:"match-tls-certificate" json:"match_tls_certificate,omitempty"`
}

// SetDefaults sets default values for endpoint configuration.
func (c *EndpointConfig) SetDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// CacheConfig contains validation result cache configuration.
type CacheConfig struct {
	// TTL is the lifetime of cached validation results.
	TTL time.Duration `yaml:"ttl" json:"ttl,omitempty"`

	// MaxEntries bounds the cache size. Zero uses the default.
	MaxEntries int `yaml:"max-entries" json:"max_entries,omitempty"`

	// Disabled turns off result caching entirely.
	Disabled bool `yaml:"disabled" json:"disabled,omitempty"`
}

// SetDefaults sets default values for cache configuration.
func (c *CacheConfig) SetDefaults() {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Minute
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 1024
	}
}

// AppConfig contains the complete application configuration.
type AppConfig struct {
	// Environment selects the network environment ("production" or "test").
	Environment string `yaml:"environment" json:"environment,omitempty"`

	// Trust contains trust material configuration.
	Trust *TrustConfig `yaml:"trust" json:"trust"`

	// Revocation contains revocation checking configuration.
	Revocation *RevocationConfig `yaml:"revocation" json:"revocation,omitempty"`

	// Endpoint contains endpoint checking configuration.
	Endpoint *EndpointConfig `yaml:"endpoint" json:"endpoint,omitempty"`

	// Cache contains result cache configuration.
	Cache *CacheConfig `yaml:"cache" json:"cache,omitempty"`
}

// EnvironmentValue returns the configured environment as a typed value.
func (c *AppConfig) EnvironmentValue() (smp.Environment, error) {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "", "production":
		return smp.EnvironmentProduction, nil
	case "test":
		return smp.EnvironmentTest, nil
	default:
		return "", &ConfigError{
			Field:   "environment",
			Message: fmt.Sprintf("'%s' is not a valid environment (want production or test)", c.Environment),
			Err:     ErrInvalidEnvironment,
		}
	}
}

// Validate validates the complete configuration.
func (c *AppConfig) Validate() error {
	if c.Trust == nil {
		return NewConfigError("trust", "required section is missing")
	}
	if err := c.Trust.Validate(); err != nil {
		return err
	}
	if _, err := c.EnvironmentValue(); err != nil {
		return err
	}
	return nil
}

// SetDefaults fills in default values for all optional sections.
func (c *AppConfig) SetDefaults() {
	if c.Revocation == nil {
		c.Revocation = &RevocationConfig{}
	}
	c.Revocation.SetDefaults()
	if c.Endpoint == nil {
		c.Endpoint = &EndpointConfig{}
	}
	c.Endpoint.SetDefaults()
	if c.Cache == nil {
		c.Cache = &CacheConfig{}
	}
	c.Cache.SetDefaults()
}

// LoadAppConfig loads the application configuration from a YAML file,
// applies defaults, and validates it.
func LoadAppConfig(filename string) (*AppConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseAppConfig(data)
}

// ParseAppConfig parses configuration from YAML data, applies defaults,
// and validates it. Unknown fields are rejected.
func ParseAppConfig(data []byte) (*AppConfig, error) {
	var config AppConfig
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}
