package main

import (
	"time"

	"github.com/spf13/pflag"
)

// Config holds probe runtime configuration.
type Config struct {
	URL        string
	Protocols  []string
	Timeout    time.Duration
	Reconnect  bool
	RetryDelay time.Duration
	Debug      bool
}

func (c *Config) bindFlags(fs *pflag.FlagSet) {
	fs.StringSliceVar(&c.Protocols, "protocol", nil, "sub-protocol to request, repeatable or comma separated")
	fs.DurationVar(&c.Timeout, "timeout", 10*time.Second, "handshake timeout")
	fs.BoolVar(&c.Reconnect, "reconnect", true, "reconnect after the relay drops the connection")
	fs.DurationVar(&c.RetryDelay, "retry-delay", 2*time.Second, "wait between reconnect attempts")
	fs.BoolVar(&c.Debug, "debug", false, "enable debug logs")
}
