// Package config provides the unified runtime configuration for
// edgehive. One Config is loaded at startup, validated once, and passed
// read-only to every component; nothing reads configuration globally.
//
// The configuration is organized into logical sections:
//   - Device: identity of this edge device and its fleet
//   - Dirs: local staging directories
//   - Cloud: backend selection and container names
//   - Intervals: every periodic tick in the system
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/edgehive/edgehive/pkg/errors"
)

// Kind of cloud backend.
const (
	CloudBackendGCS   = "gcs"
	CloudBackendLocal = "local"
)

// Config is the process-wide runtime configuration.
type Config struct {
	Device    DeviceConfig   `yaml:"device" json:"device" mapstructure:"device"`
	Dirs      DirsConfig     `yaml:"dirs" json:"dirs" mapstructure:"dirs"`
	Cloud     CloudConfig    `yaml:"cloud" json:"cloud" mapstructure:"cloud"`
	Intervals IntervalConfig `yaml:"intervals" json:"intervals" mapstructure:"intervals"`

	// SafeAppend enables the header read-back check before every
	// remote journal append.
	SafeAppend bool `yaml:"safe_append" json:"safe_append" mapstructure:"safe_append"`

	// MetricsAddr is the listen address of the Prometheus scrape
	// endpoint; empty disables it.
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr" mapstructure:"metrics_addr"`

	Log LogConfig `yaml:"log" json:"log" mapstructure:"log"`
}

// DeviceConfig identifies this device within its fleet.
type DeviceConfig struct {
	// ID is the stable device identifier embedded in every data_id.
	// It must not contain underscores.
	ID   string `yaml:"id" json:"id" mapstructure:"id"`
	Name string `yaml:"name" json:"name" mapstructure:"name"`
	// Fleet is free-form inventory metadata included in audit
	// snapshots.
	Fleet map[string]string `yaml:"fleet" json:"fleet" mapstructure:"fleet"`
}

// DirsConfig holds the local staging directories. Each directory has
// one role; files move between them by rename.
type DirsConfig struct {
	// Processing holds recordings awaiting a downstream transform.
	Processing string `yaml:"processing" json:"processing" mapstructure:"processing"`
	// Upload holds files awaiting the upload sweep or direct upload.
	Upload string `yaml:"upload" json:"upload" mapstructure:"upload"`
	// Staging holds journal scratch files awaiting cloud flush.
	Staging string `yaml:"staging" json:"staging" mapstructure:"staging"`
	// Tmp holds short-lived scratch files.
	Tmp string `yaml:"tmp" json:"tmp" mapstructure:"tmp"`
	// Flags holds the liveness and stop marker files.
	Flags string `yaml:"flags" json:"flags" mapstructure:"flags"`
}

// All returns every configured directory.
func (d DirsConfig) All() []string {
	return []string{d.Processing, d.Upload, d.Staging, d.Tmp, d.Flags}
}

// CloudConfig selects the storage backend and names the containers the
// pipeline writes to.
type CloudConfig struct {
	// Backend is "gcs" or "local".
	Backend string `yaml:"backend" json:"backend" mapstructure:"backend"`
	// LocalRoot is the emulation root when Backend is "local".
	LocalRoot string `yaml:"local_root" json:"local_root" mapstructure:"local_root"`
	// CredentialsFile is the service-account key path for GCS;
	// empty uses application default credentials.
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file" mapstructure:"credentials_file"`

	// JournalContainer receives appended CSV journals.
	JournalContainer string `yaml:"journal_container" json:"journal_container" mapstructure:"journal_container"`
	// UploadContainer receives staged recordings and sweep archives.
	UploadContainer string `yaml:"upload_container" json:"upload_container" mapstructure:"upload_container"`
	// AuditContainer receives configuration snapshots.
	AuditContainer string `yaml:"audit_container" json:"audit_container" mapstructure:"audit_container"`
	// SampleContainer is the default destination for sampled
	// recordings when a stream does not name its own.
	SampleContainer string `yaml:"sample_container" json:"sample_container" mapstructure:"sample_container"`
}

// IntervalConfig holds every periodic tick. Test configurations
// shorten these so suites run in seconds.
type IntervalConfig struct {
	WorkerTick        time.Duration `yaml:"worker_tick" json:"worker_tick" mapstructure:"worker_tick"`
	JournalSync       time.Duration `yaml:"journal_sync" json:"journal_sync" mapstructure:"journal_sync"`
	UploadSweep       time.Duration `yaml:"upload_sweep" json:"upload_sweep" mapstructure:"upload_sweep"`
	WatchdogTick      time.Duration `yaml:"watchdog_tick" json:"watchdog_tick" mapstructure:"watchdog_tick"`
	SensorStopTimeout time.Duration `yaml:"sensor_stop_timeout" json:"sensor_stop_timeout" mapstructure:"sensor_stop_timeout"`
	HealthTick        time.Duration `yaml:"health_tick" json:"health_tick" mapstructure:"health_tick"`
	// InFlightGuard excludes recently modified staged files from a
	// worker tick.
	InFlightGuard time.Duration `yaml:"in_flight_guard" json:"in_flight_guard" mapstructure:"in_flight_guard"`
	// SweepMinAge is how long a file must sit untouched in the
	// upload directory before the sweep archives it.
	SweepMinAge time.Duration `yaml:"sweep_min_age" json:"sweep_min_age" mapstructure:"sweep_min_age"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level       string `yaml:"level" json:"level" mapstructure:"level"`
	Development bool   `yaml:"development" json:"development" mapstructure:"development"`
	Encoding    string `yaml:"encoding" json:"encoding" mapstructure:"encoding"`
}

// New returns a Config with production defaults for the given device.
func New(deviceID, deviceName string) *Config {
	return &Config{
		Device: DeviceConfig{
			ID:   deviceID,
			Name: deviceName,
		},
		Dirs: DirsConfig{
			Processing: "/var/lib/edgehive/processing",
			Upload:     "/var/lib/edgehive/upload",
			Staging:    "/var/lib/edgehive/staging",
			Tmp:        "/var/lib/edgehive/tmp",
			Flags:      "/var/lib/edgehive/flags",
		},
		Cloud: CloudConfig{
			Backend:          CloudBackendGCS,
			JournalContainer: "edgehive-journals",
			UploadContainer:  "edgehive-upload",
			AuditContainer:   "edgehive-audit",
			SampleContainer:  "edgehive-samples",
		},
		Intervals: IntervalConfig{
			WorkerTick:        60 * time.Second,
			JournalSync:       180 * time.Second,
			UploadSweep:       30 * time.Minute,
			WatchdogTick:      time.Second,
			SensorStopTimeout: 180 * time.Second,
			HealthTick:        time.Hour,
			InFlightGuard:     5 * time.Second,
			SweepMinAge:       60 * time.Second,
		},
		SafeAppend: true,
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// NewTest returns a Config suitable for tests: local cloud emulation
// under root, all staging directories under root, and ticks shortened
// so suites observe several periods quickly.
func NewTest(root string) *Config {
	cfg := New("d0testdevice", "test-device")
	cfg.Dirs = DirsConfig{
		Processing: filepath.Join(root, "processing"),
		Upload:     filepath.Join(root, "upload"),
		Staging:    filepath.Join(root, "staging"),
		Tmp:        filepath.Join(root, "tmp"),
		Flags:      filepath.Join(root, "flags"),
	}
	cfg.Cloud.Backend = CloudBackendLocal
	cfg.Cloud.LocalRoot = filepath.Join(root, "cloud")
	cfg.Intervals = IntervalConfig{
		WorkerTick:        time.Second,
		JournalSync:       time.Second,
		UploadSweep:       2 * time.Second,
		WatchdogTick:      100 * time.Millisecond,
		SensorStopTimeout: 5 * time.Second,
		HealthTick:        time.Second,
		InFlightGuard:     0,
		SweepMinAge:       0,
	}
	cfg.Log.Level = "debug"
	cfg.Log.Encoding = "console"
	cfg.Log.Development = true
	return cfg
}

// Rule is a pluggable validation check run once at configure time.
type Rule func(*Config) error

// Validate checks structural invariants plus any extra rules.
func (c *Config) Validate(rules ...Rule) error {
	if c.Device.ID == "" {
		return errors.New(errors.ErrorTypeConfig, "device id is required")
	}
	for _, r := range c.Device.ID {
		if r == '_' {
			return errors.Newf(errors.ErrorTypeConfig,
				"device id %q must not contain underscores", c.Device.ID)
		}
	}
	for _, dir := range c.Dirs.All() {
		if dir == "" {
			return errors.New(errors.ErrorTypeConfig, "all staging directories must be set")
		}
	}
	switch c.Cloud.Backend {
	case CloudBackendGCS:
	case CloudBackendLocal:
		if c.Cloud.LocalRoot == "" {
			return errors.New(errors.ErrorTypeConfig, "local cloud backend requires local_root")
		}
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown cloud backend %q", c.Cloud.Backend)
	}
	if c.Cloud.JournalContainer == "" || c.Cloud.UploadContainer == "" {
		return errors.New(errors.ErrorTypeConfig, "journal and upload containers are required")
	}
	if c.Intervals.WorkerTick <= 0 || c.Intervals.JournalSync <= 0 || c.Intervals.WatchdogTick <= 0 {
		return errors.New(errors.ErrorTypeConfig, "intervals must be positive")
	}
	for _, rule := range rules {
		if err := rule(c); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "configuration rule failed")
		}
	}
	return nil
}

// EnsureDirs creates every staging directory.
func (c *Config) EnsureDirs() error {
	for _, dir := range c.Dirs.All() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, errors.ErrorTypeFile, "create directory "+dir)
		}
	}
	return nil
}
