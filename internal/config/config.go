// Package config holds the process configuration. It is read once at startup
// from the environment, overridden by command-line flags, validated, and then
// passed by value to every component; nothing mutates it afterwards.
package config

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

var (
	ErrMissingUpstream = errors.New("upstream url is required")
	ErrInvalidUpstream = errors.New("upstream url must use ws or wss")
	ErrInvalidSecret   = errors.New("secret path must start with /")
	ErrInvalidValue    = errors.New("invalid configuration value")
)

// Config holds all runtime configuration. The env tags name the variable
// read by FromEnv; envDefault is the value used when it is unset.
type Config struct {
	Port             int           `env:"PORT"              envDefault:"8080"`
	Upstream         string        `env:"UPSTREAM_URL"`
	SecretPath       string        `env:"SECRET_PATH"`
	StaticDir        string        `env:"STATIC_DIR"        envDefault:"public"`
	DefaultDocument  string        `env:"DEFAULT_DOCUMENT"  envDefault:"index.html"`
	HealthPath       string        `env:"HEALTH_PATH"       envDefault:"/health"`
	QueueCeiling     int           `env:"QUEUE_CEILING"     envDefault:"1048576"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
	WriteTimeout     time.Duration `env:"WRITE_TIMEOUT"     envDefault:"10s"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT"  envDefault:"15s"`
	ForwardClientIP  bool          `env:"FORWARD_CLIENT_IP"`
	UpgradeRate      int           `env:"UPGRADE_RATE"`
	UpgradeBurst     int           `env:"UPGRADE_BURST"     envDefault:"10"`
	MetricsAddr      string        `env:"METRICS_ADDR"`
	RedisAddr        string        `env:"REDIS_ADDR"`
	RedisPassword    string        `env:"REDIS_PASSWORD"`
	RedisDB          int           `env:"REDIS_DB"`
	Debug            bool          `env:"DEBUG"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	c, err := parse(map[string]string{})
	if err != nil {
		panic(err)
	}
	return c
}

// FromEnv reads the configuration from environ, given in the "KEY=value"
// form of os.Environ. Variables set to an empty string count as unset.
func FromEnv(environ []string) (Config, error) {
	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && v != "" {
			vars[k] = v
		}
	}
	return parse(vars)
}

func parse(vars map[string]string) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, env.Options{Environment: vars}); err != nil {
		return Config{}, errors.Wrap(ErrInvalidValue, err.Error())
	}
	return c, nil
}

// BindFlags registers one flag per field on fs, defaulting to the current value of c.
func BindFlags(fs *pflag.FlagSet, c *Config) {
	fs.IntVar(&c.Port, "port", c.Port, "port for the shared http/websocket listener")
	fs.StringVar(&c.Upstream, "upstream", c.Upstream, "upstream websocket url every session is relayed to (ws:// or wss://)")
	fs.StringVar(&c.SecretPath, "secret-path", c.SecretPath, "if set, only upgrades on exactly this path are accepted")
	fs.StringVar(&c.StaticDir, "static-dir", c.StaticDir, "directory served to plain http requests")
	fs.StringVar(&c.DefaultDocument, "default-document", c.DefaultDocument, "file served for unknown paths, relative to --static-dir")
	fs.StringVar(&c.HealthPath, "health-path", c.HealthPath, "path answering OK for health checks")
	fs.IntVar(&c.QueueCeiling, "queue-ceiling", c.QueueCeiling, "max bytes buffered per session while upstream is connecting")
	fs.DurationVar(&c.HandshakeTimeout, "handshake-timeout", c.HandshakeTimeout, "time limit for the upstream websocket handshake")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "time limit for a single frame write on either leg")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "time to wait for the listener to drain on shutdown")
	fs.BoolVar(&c.ForwardClientIP, "forward-client-ip", c.ForwardClientIP, "append X-Forwarded-For with the client address to the upstream handshake")
	fs.IntVar(&c.UpgradeRate, "upgrade-rate", c.UpgradeRate, "upgrades per second allowed per remote (0 disables)")
	fs.IntVar(&c.UpgradeBurst, "upgrade-burst", c.UpgradeBurst, "burst size for --upgrade-rate")
	fs.StringVar(&c.MetricsAddr, "metrics", c.MetricsAddr, "address for metrics, health and session endpoints (empty disables)")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis address for the shared session registry (empty keeps it in memory)")
	fs.StringVar(&c.RedisPassword, "redis-password", c.RedisPassword, "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "redis database number")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logs")
}

// Validate checks c and normalizes nothing; a valid Config is used as is.
func (c Config) Validate() error {
	if c.Upstream == "" {
		return ErrMissingUpstream
	}
	u, err := url.Parse(c.Upstream)
	if err != nil {
		return errors.Wrap(ErrInvalidUpstream, err.Error())
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return errors.Wrapf(ErrInvalidUpstream, "got %q", c.Upstream)
	}
	if c.SecretPath != "" && !strings.HasPrefix(c.SecretPath, "/") {
		return errors.Wrapf(ErrInvalidSecret, "got %q", c.SecretPath)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Wrapf(ErrInvalidValue, "port %d", c.Port)
	}
	if c.QueueCeiling <= 0 {
		return errors.Wrapf(ErrInvalidValue, "queue ceiling %d", c.QueueCeiling)
	}
	if c.HandshakeTimeout <= 0 {
		return errors.Wrapf(ErrInvalidValue, "handshake timeout %s", c.HandshakeTimeout)
	}
	if c.UpgradeRate < 0 {
		return errors.Wrapf(ErrInvalidValue, "upgrade rate %d", c.UpgradeRate)
	}
	if !strings.HasPrefix(c.HealthPath, "/") {
		return errors.Wrapf(ErrInvalidValue, "health path %q", c.HealthPath)
	}
	return nil
}

// ListenAddr is the address of the shared listener.
func (c Config) ListenAddr() string {
	return net.JoinHostPort("", strconv.Itoa(c.Port))
}
