package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/facescan/internal/engine"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, engine.KindCascade, cfg.EngineKind())
	assert.Equal(t, 3, cfg.Scan.Workers)
	assert.Equal(t, 500, cfg.Scan.TargetWidth)
	assert.False(t, cfg.Scan.AllowNetwork)
	assert.Equal(t, 30*time.Second, cfg.Engines.Remote.Timeout)
	assert.Equal(t, Default().Engines.Cascade.Command, cfg.Engines.Cascade.Command)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facescan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scan:
  engine: remote
  workers: 5
engines:
  remote:
    url: http://detector.local/v1/detect
    timeout: 2s
`), 0644))
	t.Setenv("FACESCAN_SCAN_WORKERS", "7")
	t.Setenv("FACESCAN_SCAN_ALLOW_NETWORK", "true")

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, engine.KindRemote, cfg.EngineKind())
	assert.Equal(t, 7, cfg.Scan.Workers, "environment wins over the file")
	assert.True(t, cfg.Scan.AllowNetwork)

	opts := cfg.RemoteOptions()
	assert.Equal(t, "http://detector.local/v1/detect", opts.URL)
	assert.Equal(t, 2*time.Second, opts.Timeout)
	assert.Equal(t, uint64(3), opts.MaxRetries)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		fields []string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "unknown engine", mutate: func(c *Config) { c.Scan.Engine = "vision" }, fields: []string{"scan.engine"}},
		{name: "no workers", mutate: func(c *Config) { c.Scan.Workers = 0 }, fields: []string{"scan.workers"}},
		{name: "remote without url", mutate: func(c *Config) { c.Scan.Engine = "remote" }, fields: []string{"engines.remote.url"}},
		{name: "bad url", mutate: func(c *Config) { c.Engines.Remote.URL = "ftp://x" }, fields: []string{"engines.remote.url"}},
		{
			name: "several problems",
			mutate: func(c *Config) {
				c.Logging.Level = "loud"
				c.Engines.Remote.Burst = 0
			},
			fields: []string{"engines.remote.burst", "logging.level"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := cfg.Validate()

			var fields []string
			for _, e := range errs {
				fields = append(fields, e.Field)
			}
			assert.Equal(t, tt.fields, fields)
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	assert.Empty(t, ValidationErrors(nil).Error())

	one := ValidationErrors{{Field: "scan.workers", Value: 0, Message: "must be at least 1"}}
	assert.Equal(t, "scan.workers: must be at least 1 (got: 0)", one.Error())

	two := append(one, ValidationError{Field: "logging.level", Value: "x", Message: "bad"})
	assert.Contains(t, two.Error(), "2 validation errors")

	var target ValidationErrors
	var err error = two
	assert.True(t, errors.As(err, &target))
}

func TestDatabaseURL(t *testing.T) {
	cfg := Default()
	t.Setenv("POSTGRES_HOST", "")
	t.Setenv("POSTGRES_PORT", "")
	assert.Equal(t, "postgres://localhost:5432/facescan", cfg.DatabaseURL())

	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "u")
	t.Setenv("POSTGRES_PASSWORD", "p")
	t.Setenv("POSTGRES_DB", "faces")
	assert.Equal(t, "postgres://u:p@db:5432/faces", cfg.DatabaseURL())

	cfg.Database.URL = "postgres://explicit/db"
	assert.Equal(t, "postgres://explicit/db", cfg.DatabaseURL())
}
