package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the relay node runtime parameters.
type Config struct {
	ListenAddress       string         `mapstructure:"listen_address"`
	LogLevel            string         `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration  `mapstructure:"shutdown_grace_period"`
	HistoryLimit        int            `mapstructure:"history_limit"`
	AuthTimeout         time.Duration  `mapstructure:"auth_timeout"`
	TokenTTL            time.Duration  `mapstructure:"token_ttl"`
	UsersFile           string         `mapstructure:"users_file"`
	Admin               AdminConfig    `mapstructure:"admin"`
	Keystore            KeystoreConfig `mapstructure:"keystore"`
	Store               StoreConfig    `mapstructure:"store"`
}

// AdminConfig describes the metrics/health listener.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// KeystoreConfig describes how the keystore backend is initialized.
type KeystoreConfig struct {
	Path          string `mapstructure:"path"`
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

// StoreConfig selects the message store backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

const (
	defaultListenAddress       = "0.0.0.0:8080"
	defaultAdminAddress        = "127.0.0.1:9090"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultHistoryLimit        = 50
	defaultAuthTimeout         = 10 * time.Second
	defaultTokenTTL            = time.Hour
	defaultReadHeaderTimeout   = 5 * time.Second
	defaultPassphraseEnv       = "PARLEY_KEYSTORE_PASSPHRASE"
	defaultKeystorePath        = "data/keystore.json"
	defaultStoreDriver         = "memory"
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with PARLEY_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PARLEY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("history_limit", defaultHistoryLimit)
	v.SetDefault("auth_timeout", defaultAuthTimeout.String())
	v.SetDefault("token_ttl", defaultTokenTTL.String())
	v.SetDefault("admin.address", defaultAdminAddress)
	v.SetDefault("admin.read_header_timeout", defaultReadHeaderTimeout.String())
	v.SetDefault("keystore.path", defaultKeystorePath)
	v.SetDefault("keystore.passphrase_env", defaultPassphraseEnv)
	v.SetDefault("store.driver", defaultStoreDriver)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	durations := []struct {
		key  string
		dst  *time.Duration
		def  time.Duration
		name string
	}{
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod, defaultShutdownGracePeriod, "shutdown_grace_period"},
		{"auth_timeout", &cfg.AuthTimeout, defaultAuthTimeout, "auth_timeout"},
		{"token_ttl", &cfg.TokenTTL, defaultTokenTTL, "token_ttl"},
		{"admin.read_header_timeout", &cfg.Admin.ReadHeaderTimeout, defaultReadHeaderTimeout, "admin.read_header_timeout"},
	}
	for _, d := range durations {
		if !v.IsSet(d.key) {
			*d.dst = d.def
			continue
		}
		dur, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = dur
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.Keystore.PassphraseEnv == "" {
		cfg.Keystore.PassphraseEnv = defaultPassphraseEnv
	}
	if cfg.Keystore.Path == "" {
		cfg.Keystore.Path = defaultKeystorePath
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = defaultStoreDriver
	}
	switch cfg.Store.Driver {
	case "memory":
	case "postgres":
		if cfg.Store.DSN == "" {
			return Config{}, fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return Config{}, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}

	return cfg, nil
}

// Passphrase fetches the keystore passphrase from the configured environment variable.
func (c Config) Passphrase() (string, error) {
	env := c.Keystore.PassphraseEnv
	if env == "" {
		env = defaultPassphraseEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("keystore passphrase env %s is empty", env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
