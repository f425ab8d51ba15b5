package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.False(t, cfg.Archive.Enabled())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lockstep.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9000"
workers: 4
suppress_stacks: true
poll_timeout: 10s
index: /var/lib/lockstep/index.db
log:
  level: debug
  format: json
archive:
  backend: sqlite
  path: /var/lib/lockstep/archive.db
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 4, cfg.Workers)
	assert.True(t, cfg.SuppressStacks)
	assert.Equal(t, 10*time.Second, cfg.PollTimeout)
	assert.Equal(t, "/var/lib/lockstep/index.db", cfg.Index)
	assert.Equal(t, Log{Level: "debug", Format: "json"}, cfg.Log)
	assert.True(t, cfg.Archive.Enabled())
	assert.Equal(t, ArchiveSQLite, cfg.Archive.Backend)
	assert.Equal(t, BrokerMemory, cfg.Broker.Kind, "unset sections keep their defaults")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "failed to read config")
}

func TestParse_EmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("listen: ':1'\nworker: 2\n"))
	assert.ErrorContains(t, err, "failed to parse YAML")
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"negative workers", "workers: -1", "workers must not be negative"},
		{"zero poll timeout", "poll_timeout: 0s", "poll_timeout must be positive"},
		{"bad level", "log: {level: loud}", "unknown log level"},
		{"bad format", "log: {format: xml}", "log format"},
		{"file without dir", "archive: {backend: file}", "archive.dir is required"},
		{"sqlite without path", "archive: {backend: sqlite}", "archive.path is required"},
		{"postgres without dsn", "archive: {backend: postgres}", "archive.dsn is required"},
		{"unknown backend", "archive: {backend: s3}", "unknown archive backend"},
		{"redis without addr", "broker: {kind: redis}", "broker.redis_addr is required"},
		{"redis with workers", "workers: 2\nbroker: {kind: redis, redis_addr: 'localhost:6379'}", "requires workers: 0"},
		{"unknown broker", "broker: {kind: nats}", "unknown broker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_ReportsEveryProblem(t *testing.T) {
	_, err := Parse([]byte("workers: -1\nlisten: ''\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen must not be empty")
	assert.Contains(t, err.Error(), "workers must not be negative")
}
