// Package config loads the broker configuration from the environment, an
// optional .env file and command line flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
)

// Prefix of every environment variable read by Load.
const Prefix = "SE_BROKER"

// Config holds the runtime configuration.
type Config struct {
	Host string `envconfig:"HOST" default:"127.0.0.1"`
	Port int    `envconfig:"PORT" default:"32146"`

	// Readers limits the broker to the named PC/SC readers. Empty means
	// every reader.
	Readers []string `envconfig:"READERS"`

	// PolicyFile is the access rule file. Empty means policy.yaml in the
	// settings directory.
	PolicyFile string `envconfig:"POLICY_FILE"`

	// AllowedOrigins are the browser origins besides loopback that may use
	// the WebSocket session protocol. "*" allows every origin.
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`

	LogBuffer int    `envconfig:"LOG_BUFFER" default:"1000"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	Env       string `envconfig:"ENV" default:"production"`

	PresencePoll time.Duration `envconfig:"PRESENCE_POLL" default:"2s"`
}

// Load reads the configuration. Variables from dotenv are applied first
// without overriding the real environment; a missing file is ignored.
func Load(dotenv string) (*Config, error) {
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", dotenv, err)
		}
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, cfg.Validate()
}

// BindFlags registers flags overriding the loaded values.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Host, "host", c.Host, "Host to bind to")
	fs.IntVarP(&c.Port, "port", "p", c.Port, "Port to listen on")
	fs.StringSliceVarP(&c.Readers, "reader", "r", c.Readers, "Only use the named PC/SC reader (repeatable)")
	fs.StringVar(&c.PolicyFile, "policy", c.PolicyFile, "Access rule file (.yaml, .json or .cbor)")
	fs.StringSliceVar(&c.AllowedOrigins, "allow-origin", c.AllowedOrigins, "Browser origin allowed to open sessions (repeatable)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Minimum log level (debug, info, warn, error)")
	fs.DurationVar(&c.PresencePoll, "presence-poll", c.PresencePoll, "Card presence wait interval")
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.LogBuffer < 1 {
		return fmt.Errorf("invalid log buffer size %d", c.LogBuffer)
	}
	if c.PresencePoll <= 0 {
		return fmt.Errorf("invalid presence poll interval %s", c.PresencePoll)
	}
	return nil
}

// Address returns host:port for the HTTP listener.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Development reports whether the broker runs in development mode.
func (c *Config) Development() bool {
	return strings.EqualFold(c.Env, "development")
}

// WantsReader reports whether the reader called name should be brokered.
func (c *Config) WantsReader(name string) bool {
	if len(c.Readers) == 0 {
		return true
	}
	for _, r := range c.Readers {
		if strings.EqualFold(strings.TrimSpace(r), name) {
			return true
		}
	}
	return false
}
