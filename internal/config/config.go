// Package config loads relay settings from the environment, after an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every runtime setting of the relay.
type Config struct {
	SenderHost string `env:"SENDER_HOST" envDefault:"0.0.0.0"`
	SenderPort int    `env:"SENDER_PORT" envDefault:"4444"`
	// UDPPort 0 disables the UDP fragment ingest.
	UDPPort    int    `env:"UDP_PORT" envDefault:"8081"`
	ClientHost string `env:"CLIENT_HOST" envDefault:"0.0.0.0"`
	ClientPort int    `env:"CLIENT_PORT" envDefault:"8080"`

	// Empty addresses disable the optional surfaces.
	APIAddr      string `env:"API_ADDR" envDefault:":8090"`
	SRTAddr      string `env:"SRT_ADDR"`
	SRTStreamKey string `env:"SRT_STREAM_KEY"`
	QUICAddr     string `env:"QUIC_ADDR"`
	PullAddr     string `env:"PULL_ADDR"`

	PullRetry     time.Duration `env:"PULL_RETRY" envDefault:"5s"`
	StatsInterval time.Duration `env:"STATS_INTERVAL" envDefault:"30s"`
	MaxBuffer     int           `env:"MAX_BUFFER" envDefault:"500000"`
	QueueSize     int           `env:"QUEUE_SIZE" envDefault:"16"`
	UDPTimeout    time.Duration `env:"UDP_TIMEOUT" envDefault:"500ms"`
	UDPMaxPending int           `env:"UDP_MAX_PENDING" envDefault:"3"`

	Debug string `env:"DEBUG"`
}

// Load reads the given .env files (".env" when none are named; a missing
// file is not an error), then parses the environment into a Config and
// validates it. Variables already set in the environment win over .env
// entries.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects out-of-range ports and non-positive sizes and intervals.
func (c Config) Validate() error {
	var errs []error
	checkPort := func(name string, port int, allowZero bool) {
		lo := 1
		if allowZero {
			lo = 0
		}
		if port < lo || port > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range", name, port))
		}
	}
	checkPort("SENDER_PORT", c.SenderPort, false)
	checkPort("UDP_PORT", c.UDPPort, true)
	checkPort("CLIENT_PORT", c.ClientPort, false)

	positive := []struct {
		name string
		v    int64
	}{
		{"MAX_BUFFER", int64(c.MaxBuffer)},
		{"QUEUE_SIZE", int64(c.QueueSize)},
		{"UDP_MAX_PENDING", int64(c.UDPMaxPending)},
		{"UDP_TIMEOUT", int64(c.UDPTimeout)},
		{"STATS_INTERVAL", int64(c.StatsInterval)},
		{"PULL_RETRY", int64(c.PullRetry)},
	}
	for _, p := range positive {
		if p.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", p.name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// SenderAddr is the TCP producer listen address.
func (c Config) SenderAddr() string {
	return net.JoinHostPort(c.SenderHost, strconv.Itoa(c.SenderPort))
}

// UDPAddr is the UDP fragment listen address, or empty when disabled.
func (c Config) UDPAddr() string {
	if c.UDPPort == 0 {
		return ""
	}
	return net.JoinHostPort(c.SenderHost, strconv.Itoa(c.UDPPort))
}

// ClientAddr is the TCP viewer listen address.
func (c Config) ClientAddr() string {
	return net.JoinHostPort(c.ClientHost, strconv.Itoa(c.ClientPort))
}

// DebugEnabled reports whether DEBUG is set to anything but a false value.
func (c Config) DebugEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(c.Debug)) {
	case "", "0", "false", "no", "off":
		return false
	}
	return true
}
