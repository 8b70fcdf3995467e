package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ahmadzakiakmal/supplychain-provenance/connection"
	"github.com/ahmadzakiakmal/supplychain-provenance/contract"
	"github.com/ahmadzakiakmal/supplychain-provenance/eventsync"
	"github.com/spf13/viper"
)

const EnvPrefix = "SCCTL"

// Config keys
const (
	KeyLogLevel         = "log_level"
	KeyHTTPPort         = "http.port"
	KeyLegacyEndpoint   = "legacy.endpoint"
	KeyFallbackEndpoint = "fallback_endpoint"
	KeyDeployments      = "deployments"
	KeyTimeout          = "timeout"
	KeyMaxFailures      = "sync.max_failures"
	KeyInitialBackoff   = "sync.initial_backoff"
	KeyMaxBackoff       = "sync.max_backoff"
	KeyReplay           = "sync.replay"
	KeyDatabaseDSN      = "database.dsn"
	KeyDatabaseAttempts = "database.connect_attempts"
	KeyDatabaseDelay    = "database.retry_delay"
)

// Config holds all configuration of the client and its HTTP API
type Config struct {
	LogLevel string

	// Server Configuration
	HTTPPort string

	// Ledger Configuration
	LegacyEndpoint   string
	FallbackEndpoint string
	Deployments      map[string]string
	Timeout          time.Duration

	// Synchronizer Configuration
	MaxFailures    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Replay         bool

	// Database Configuration, the history mirror is disabled without a DSN
	DatabaseDSN      string
	DatabaseAttempts int
	DatabaseDelay    time.Duration

	v *viper.Viper
}

// LoadConfig reads the config file at path, or scctl.yaml from the working
// directory when path is empty. Environment variables prefixed with SCCTL
// override file values.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("scctl")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return FromViper(v)
}

// FromViper reads the configuration from v.
func FromViper(v *viper.Viper) (*Config, error) {
	deployments, err := readDeployments(v)
	if err != nil {
		return nil, err
	}
	return &Config{
		LogLevel:         v.GetString(KeyLogLevel),
		HTTPPort:         v.GetString(KeyHTTPPort),
		LegacyEndpoint:   v.GetString(KeyLegacyEndpoint),
		FallbackEndpoint: v.GetString(KeyFallbackEndpoint),
		Deployments:      deployments,
		Timeout:          v.GetDuration(KeyTimeout),
		MaxFailures:      v.GetInt(KeyMaxFailures),
		InitialBackoff:   v.GetDuration(KeyInitialBackoff),
		MaxBackoff:       v.GetDuration(KeyMaxBackoff),
		Replay:           v.GetBool(KeyReplay),
		DatabaseDSN:      v.GetString(KeyDatabaseDSN),
		DatabaseAttempts: v.GetInt(KeyDatabaseAttempts),
		DatabaseDelay:    v.GetDuration(KeyDatabaseDelay),
		v:                v,
	}, nil
}

// readDeployments keeps the deployment addresses as written. Values that
// YAML decoded as numbers are rejected.
func readDeployments(v *viper.Viper) (map[string]string, error) {
	raw := v.GetStringMap(KeyDeployments)
	out := make(map[string]string, len(raw))
	for network, value := range raw {
		s, ok := value.(string)
		if !ok {
			_, err := contract.ParseAddressValue(value)
			return nil, fmt.Errorf("%s.%s: %w", KeyDeployments, network, err)
		}
		out[network] = s
	}
	return out, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyHTTPPort, "5000")
	v.SetDefault(KeyFallbackEndpoint, "http://localhost:26657")
	v.SetDefault(KeyTimeout, connection.DefaultTimeout)
	v.SetDefault(KeyMaxFailures, eventsync.DefaultMaxFailures)
	v.SetDefault(KeyInitialBackoff, eventsync.DefaultInitialBackoff)
	v.SetDefault(KeyMaxBackoff, eventsync.DefaultMaxBackoff)
	v.SetDefault(KeyReplay, false)
	v.SetDefault(KeyDatabaseAttempts, 10)
	v.SetDefault(KeyDatabaseDelay, 2*time.Second)
}

// Viper returns the source of the configuration, used to watch the wallet
// section for account changes.
func (c *Config) Viper() *viper.Viper {
	return c.v
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.LogLevel == "" {
		return fmt.Errorf("%s is required", KeyLogLevel)
	}
	if c.HTTPPort == "" {
		return fmt.Errorf("%s is required", KeyHTTPPort)
	}
	if len(c.Deployments) == 0 {
		return fmt.Errorf("%s: at least one network deployment is required", KeyDeployments)
	}
	if _, err := c.deployments(); err != nil {
		return err
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%s must be positive", KeyTimeout)
	}
	if c.MaxFailures <= 0 {
		return fmt.Errorf("%s must be positive", KeyMaxFailures)
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("%s must be positive and not above %s", KeyInitialBackoff, KeyMaxBackoff)
	}
	if c.DatabaseDSN != "" && c.DatabaseAttempts <= 0 {
		return fmt.Errorf("%s must be positive", KeyDatabaseAttempts)
	}
	return nil
}

// Connection returns the connection manager settings.
func (c *Config) Connection() (connection.Config, error) {
	deployments, err := c.deployments()
	if err != nil {
		return connection.Config{}, err
	}
	return connection.Config{
		LegacyEndpoint:   c.LegacyEndpoint,
		FallbackEndpoint: c.FallbackEndpoint,
		Deployments:      deployments,
		Timeout:          c.Timeout,
	}, nil
}

// Sync returns the synchronizer settings. sink may be nil.
func (c *Config) Sync(sink eventsync.Sink) eventsync.Config {
	return eventsync.Config{
		MaxFailures:    c.MaxFailures,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		Replay:         c.Replay,
		Sink:           sink,
	}
}

func (c *Config) deployments() (map[string]contract.Address, error) {
	out := make(map[string]contract.Address, len(c.Deployments))
	for network, raw := range c.Deployments {
		addr, err := contract.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", KeyDeployments, network, err)
		}
		out[network] = addr
	}
	return out, nil
}
