package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgehive/edgehive/pkg/errors"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := New("d0123", "bench-device")
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.SafeAppend)
	assert.Equal(t, CloudBackendGCS, cfg.Cloud.Backend)
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing device id", func(c *Config) { c.Device.ID = "" }},
		{"underscore in device id", func(c *Config) { c.Device.ID = "bad_id" }},
		{"missing dir", func(c *Config) { c.Dirs.Staging = "" }},
		{"unknown backend", func(c *Config) { c.Cloud.Backend = "ftp" }},
		{"local without root", func(c *Config) { c.Cloud.Backend = CloudBackendLocal; c.Cloud.LocalRoot = "" }},
		{"missing container", func(c *Config) { c.Cloud.JournalContainer = "" }},
		{"zero tick", func(c *Config) { c.Intervals.WorkerTick = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := New("d0123", "bench-device")
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
		})
	}
}

func TestValidateRules(t *testing.T) {
	cfg := New("d0123", "bench-device")
	called := false
	require.NoError(t, cfg.Validate(func(*Config) error {
		called = true
		return nil
	}))
	assert.True(t, called)

	err := cfg.Validate(func(*Config) error {
		return errors.New(errors.ErrorTypeConfig, "fleet inventory missing")
	})
	assert.Error(t, err)
}

func TestNewTest(t *testing.T) {
	root := t.TempDir()
	cfg := NewTest(root)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, CloudBackendLocal, cfg.Cloud.Backend)
	assert.Equal(t, filepath.Join(root, "cloud"), cfg.Cloud.LocalRoot)
	require.NoError(t, cfg.EnsureDirs())
	for _, dir := range cfg.Dirs.All() {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "edgehive.yaml")
	content := `
device:
  id: d0999
  name: loader-test
dirs:
  processing: ` + filepath.Join(dir, "p") + `
  upload: ` + filepath.Join(dir, "u") + `
  staging: ` + filepath.Join(dir, "s") + `
  tmp: ` + filepath.Join(dir, "t") + `
  flags: ` + filepath.Join(dir, "f") + `
cloud:
  backend: local
  local_root: ` + filepath.Join(dir, "cloud") + `
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "d0999", cfg.Device.ID)
	assert.Equal(t, CloudBackendLocal, cfg.Cloud.Backend)
	// Defaults survive partial files.
	assert.Equal(t, "edgehive-journals", cfg.Cloud.JournalContainer)

	_, err = LoadFile(filepath.Join(dir, "absent.yaml"))
	assert.Error(t, err)
}
