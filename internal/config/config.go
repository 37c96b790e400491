// Package config loads the CLI's runtime settings with viper, generalizing
// the teacher pack's package-level cobra flag variables (cmd/pub.go in the
// example corpus) into a single bindable struct so defaults, a config file,
// and CORVIDMQ_-prefixed environment variables all resolve through one path.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// EngineConfig holds the settings a corvidmq CLI invocation needs to build
// an engine.Engine and issue a Connect.
type EngineConfig struct {
	ServerURI      string        `mapstructure:"server_uri"`
	ClientID       string        `mapstructure:"client_id"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	CleanSession   bool          `mapstructure:"clean_session"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`

	TLSEnabled    bool   `mapstructure:"tls_enabled"`
	TLSCertFile   string `mapstructure:"tls_cert_file"`
	TLSKeyFile    string `mapstructure:"tls_key_file"`
	TLSCAFile     string `mapstructure:"tls_ca_file"`
	TLSSkipVerify bool   `mapstructure:"tls_skip_verify"`

	PersistenceDir string `mapstructure:"persistence_dir"`
	LogLevel       string `mapstructure:"log_level"`
}

// Defaults sets the baseline values, applied before any config file or
// environment override is read.
func Defaults(v *viper.Viper) {
	v.SetDefault("server_uri", "tcp://localhost:1883")
	v.SetDefault("keep_alive", 30*time.Second)
	v.SetDefault("clean_session", true)
	v.SetDefault("connect_timeout", 30*time.Second)
	v.SetDefault("retry_interval", 20*time.Second)
	v.SetDefault("persistence_dir", "")
	v.SetDefault("log_level", "info")
}

// Load builds a viper instance from an optional explicit config file (empty
// string skips it), a CORVIDMQ_-prefixed environment lookup, and the
// package defaults, then decodes it into an EngineConfig.
func Load(configFile string) (*EngineConfig, error) {
	v := viper.New()
	Defaults(v)

	v.SetEnvPrefix("CORVIDMQ")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configFile, err)
		}
	}

	var cfg EngineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	return &cfg, nil
}
