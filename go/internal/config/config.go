// Package config loads roundsync settings from a YAML file with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/mcdev12/roundsync/go/internal/round/game"
	"github.com/mcdev12/roundsync/go/internal/round/journal"
	"github.com/mcdev12/roundsync/go/internal/round/session"
	"github.com/mcdev12/roundsync/go/internal/round/statusapi"
	"github.com/mcdev12/roundsync/go/internal/round/transport"
)

var ErrMissingURL = errors.New("missing url")

type Config struct {
	LogLevel string `yaml:"log_level"`

	Round struct {
		GameID      string `yaml:"game_id"`
		Color       string `yaml:"color"`
		SocketURL   string `yaml:"socket_url"`
		SnapshotURL string `yaml:"snapshot_url"`
		SnapshotRPC string `yaml:"snapshot_rpc"` // connect base URL; the JSON URL is used when empty

		AckResend        time.Duration `yaml:"ack_resend"`
		AckMaxResend     int           `yaml:"ack_max_resend"`
		ResyncTimeout    time.Duration `yaml:"resync_timeout"`
		TransientTimeout time.Duration `yaml:"transient_timeout"`
		PingInterval     time.Duration `yaml:"ping_interval"`
		HTTPTimeout      time.Duration `yaml:"http_timeout"`
	} `yaml:"round"`

	Status struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"status"`

	Journal struct {
		Enabled       bool   `yaml:"enabled"`
		NATSURL       string `yaml:"nats_url"`
		Stream        string `yaml:"stream"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"journal"`

	Archive struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"archive"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	var c Config
	c.LogLevel = "info"

	sc := session.DefaultConfig()
	c.Round.Color = string(game.Sente)
	c.Round.AckResend = sc.Socket.AckResend
	c.Round.AckMaxResend = sc.Socket.AckMaxResend
	c.Round.ResyncTimeout = sc.Socket.ResyncTimeout
	c.Round.TransientTimeout = sc.Round.TransientTimeout
	c.Round.PingInterval = transport.DefaultConfig("").PingInterval
	c.Round.HTTPTimeout = 10 * time.Second

	c.Status.Enabled = true
	c.Status.Addr = statusapi.DefaultConfig().Addr

	jc := journal.DefaultConfig()
	c.Journal.NATSURL = jc.URL
	c.Journal.Stream = jc.StreamName
	c.Journal.SubjectPrefix = jc.SubjectPrefix
	return c
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.Round.GameID = getEnv("ROUND_GAME_ID", c.Round.GameID)
	c.Round.Color = getEnv("ROUND_COLOR", c.Round.Color)
	c.Round.SocketURL = getEnv("ROUND_SOCKET_URL", c.Round.SocketURL)
	c.Round.SnapshotURL = getEnv("ROUND_SNAPSHOT_URL", c.Round.SnapshotURL)
	c.Round.SnapshotRPC = getEnv("ROUND_SNAPSHOT_RPC", c.Round.SnapshotRPC)
	c.Round.AckMaxResend = getEnvAsInt("ROUND_ACK_MAX_RESEND", c.Round.AckMaxResend)
	c.Status.Enabled = getEnvAsBool("STATUS_ENABLED", c.Status.Enabled)
	c.Status.Addr = getEnv("STATUS_ADDR", c.Status.Addr)
	c.Journal.Enabled = getEnvAsBool("JOURNAL_ENABLED", c.Journal.Enabled)
	c.Journal.NATSURL = getEnv("NATS_URL", c.Journal.NATSURL)
	c.Archive.Enabled = getEnvAsBool("ARCHIVE_ENABLED", c.Archive.Enabled)
}

// Validate checks the settings a session cannot start without.
func (c *Config) Validate() error {
	if c.Round.SocketURL == "" {
		return fmt.Errorf("round socket: %w", ErrMissingURL)
	}
	if c.Round.SnapshotURL == "" && c.Round.SnapshotRPC == "" {
		return fmt.Errorf("round snapshot: %w", ErrMissingURL)
	}
	if c.Round.SnapshotRPC != "" && c.Round.GameID == "" {
		return errors.New("round snapshot: game_id is required with snapshot_rpc")
	}
	if !game.Color(c.Round.Color).Valid() {
		return fmt.Errorf("round color %q is not sente or gote", c.Round.Color)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	return nil
}

// Level is the parsed log level.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func (c *Config) SessionConfig() session.Config {
	sc := session.DefaultConfig()
	sc.Socket.AckResend = c.Round.AckResend
	sc.Socket.AckMaxResend = c.Round.AckMaxResend
	sc.Socket.ResyncTimeout = c.Round.ResyncTimeout
	sc.Round.TransientTimeout = c.Round.TransientTimeout
	return sc
}

func (c *Config) TransportConfig() transport.Config {
	tc := transport.DefaultConfig(c.Round.SocketURL)
	tc.PingInterval = c.Round.PingInterval
	return tc
}

func (c *Config) JournalConfig() journal.Config {
	jc := journal.DefaultConfig()
	jc.URL = c.Journal.NATSURL
	jc.StreamName = c.Journal.Stream
	jc.SubjectPrefix = c.Journal.SubjectPrefix
	return jc
}

func (c *Config) StatusConfig() statusapi.Config {
	sc := statusapi.DefaultConfig()
	sc.Addr = c.Status.Addr
	return sc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
