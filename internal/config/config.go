// Package config loads the lockstep server configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/lockstep/internal/logging"
	"github.com/roach88/lockstep/internal/transport"
)

// Archive backends.
const (
	ArchiveNone     = "none"
	ArchiveFile     = "file"
	ArchiveSQLite   = "sqlite"
	ArchivePostgres = "postgres"
)

// Broker kinds.
const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
)

// Config is the complete server configuration.
type Config struct {
	Listen string `yaml:"listen"`
	// Workers is the number of worker processes; 0 runs sessions in-process.
	Workers        int           `yaml:"workers"`
	SuppressStacks bool          `yaml:"suppress_stacks"`
	PollTimeout    time.Duration `yaml:"poll_timeout"`
	// Index is the path of the SQLite session index. Empty disables it.
	Index string `yaml:"index"`

	Log     Log     `yaml:"log"`
	Archive Archive `yaml:"archive"`
	Broker  Broker  `yaml:"broker"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Archive selects where session journals are kept.
type Archive struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`  // file
	Path    string `yaml:"path"` // sqlite
	DSN     string `yaml:"dsn"`  // postgres
}

// Enabled reports whether sessions are archived.
func (a Archive) Enabled() bool {
	return a.Backend != "" && a.Backend != ArchiveNone
}

type Broker struct {
	Kind      string `yaml:"kind"`
	RedisAddr string `yaml:"redis_addr"`
	Prefix    string `yaml:"prefix"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:      "127.0.0.1:8080",
		PollTimeout: transport.DefaultPollTimeout,
		Log:         Log{Level: "info", Format: "text"},
		Archive:     Archive{Backend: ArchiveNone},
		Broker:      Broker{Kind: BrokerMemory, Prefix: "lockstep"},
	}
}

// Load reads the file at path over the defaults. An empty path yields the
// defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks field values and the settings each backend requires.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen must not be empty"))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	if c.PollTimeout <= 0 {
		errs = append(errs, fmt.Errorf("poll_timeout must be positive, got %s", c.PollTimeout))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if !slices.Contains(logging.Formats, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log format %q must be one of %v", c.Log.Format, logging.Formats))
	}

	switch c.Archive.Backend {
	case "", ArchiveNone:
	case ArchiveFile:
		if c.Archive.Dir == "" {
			errs = append(errs, errors.New("archive.dir is required for the file backend"))
		}
	case ArchiveSQLite:
		if c.Archive.Path == "" {
			errs = append(errs, errors.New("archive.path is required for the sqlite backend"))
		}
	case ArchivePostgres:
		if c.Archive.DSN == "" {
			errs = append(errs, errors.New("archive.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown archive backend %q", c.Archive.Backend))
	}

	switch c.Broker.Kind {
	case BrokerMemory:
	case BrokerRedis:
		if c.Broker.RedisAddr == "" {
			errs = append(errs, errors.New("broker.redis_addr is required for the redis broker"))
		}
		if c.Workers > 0 {
			errs = append(errs, errors.New("the redis broker requires workers: 0"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown broker %q", c.Broker.Kind))
	}
	return errors.Join(errs...)
}
