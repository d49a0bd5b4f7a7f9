package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/edgehive/edgehive/pkg/errors"
)

// LoadFile reads a YAML/JSON config file over the production defaults.
// Environment variables prefixed EDGEHIVE_ override file values, with
// dots replaced by underscores (EDGEHIVE_DEVICE_ID, EDGEHIVE_CLOUD_BACKEND).
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("EDGEHIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "read config file "+path)
	}

	cfg := New("", "")
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "parse config file "+path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
