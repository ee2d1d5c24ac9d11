// Package config loads beacon settings for the command line tools from an
// optional YAML file, an optional .env file and BEACON_* environment
// variables. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/velmie/beacon"
	"github.com/velmie/beacon/backend"
)

const (
	// EnvConfigFile names the YAML file to read when no path is given.
	EnvConfigFile = "BEACON_CONFIG"
	// EnvDotenvFile names the .env file; ".env" is tried when unset.
	EnvDotenvFile = "BEACON_ENV_FILE"

	defaultDotenv = ".env"
)

// StorageConfig selects the storage backend.
type StorageConfig struct {
	DSN          string `yaml:"dsn"`
	Table        string `yaml:"table"`
	CreateSchema bool   `yaml:"create_schema"`
	Compress     bool   `yaml:"compress"`
}

// LogConfig controls the zerolog output of the tools.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Pretty bool   `yaml:"pretty"` // console writer instead of JSON lines
}

// Config holds everything the tools need to build a beacon.Client.
type Config struct {
	AppKey            string `yaml:"app_key"`
	ServerURL         string `yaml:"server_url"`
	Salt              string `yaml:"salt"`
	DeviceID          string `yaml:"device_id"`
	TemporaryDeviceID bool   `yaml:"temporary_device_id"`

	QueueCapacity  int           `yaml:"queue_capacity"`
	EventThreshold int           `yaml:"event_threshold"`
	ForcePOST      bool          `yaml:"force_post"`
	POSTThreshold  int           `yaml:"post_threshold"`
	SendTimeout    time.Duration `yaml:"send_timeout"`
	TickInterval   time.Duration `yaml:"tick_interval"`

	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`

	// MetricsAddr is the listen address of the Prometheus endpoint; empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		QueueCapacity: beacon.DefaultQueueCapacity,
		TickInterval:  60 * time.Second,
		SendTimeout:   30 * time.Second,
		Storage:       StorageConfig{DSN: "file://./beacon-data"},
		Log:           LogConfig{Level: "info"},
	}
}

// Load reads the .env file, then the YAML file at path (BEACON_CONFIG when
// path is empty), then applies environment overrides and validates.
func Load(path string) (Config, error) {
	if err := loadDotenv(); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// MustLoad is Load that panics on error.
func MustLoad(path string) Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}

	return cfg
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.AppKey) == "" {
		errs = append(errs, errors.New("BEACON_APP_KEY must not be empty"))
	}
	if strings.TrimSpace(c.ServerURL) == "" {
		errs = append(errs, errors.New("BEACON_SERVER_URL must not be empty"))
	}
	if strings.TrimSpace(c.Storage.DSN) == "" {
		errs = append(errs, errors.New("BEACON_STORAGE_DSN must not be empty"))
	}
	if c.QueueCapacity < 1 {
		errs = append(errs, errors.New("BEACON_QUEUE_CAPACITY must be >= 1"))
	}
	if c.EventThreshold < 0 || c.POSTThreshold < 0 {
		errs = append(errs, errors.New("thresholds must be >= 0"))
	}
	if c.SendTimeout < 0 || c.TickInterval < 0 {
		errs = append(errs, errors.New("durations must be >= 0"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, errors.New("BEACON_LOG_LEVEL must be one of: debug, info, warn, error"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("beacon config: %w", err)
	}

	return nil
}

// ClientOptions converts the settings into beacon.New options.
func (c Config) ClientOptions() []beacon.Option {
	opts := []beacon.Option{
		beacon.WithAppKey(c.AppKey),
		beacon.WithServerURL(c.ServerURL),
		beacon.WithCapacity(c.QueueCapacity),
	}
	if c.Salt != "" {
		opts = append(opts, beacon.WithSalt(c.Salt))
	}
	if c.DeviceID != "" {
		opts = append(opts, beacon.WithDeviceID(c.DeviceID))
	}
	if c.TemporaryDeviceID {
		opts = append(opts, beacon.WithTemporaryDeviceID())
	}
	if c.EventThreshold > 0 {
		opts = append(opts, beacon.WithEventThreshold(c.EventThreshold))
	}
	if c.ForcePOST {
		opts = append(opts, beacon.WithForcePOST())
	}
	if c.POSTThreshold > 0 {
		opts = append(opts, beacon.WithPOSTThreshold(c.POSTThreshold))
	}
	if c.SendTimeout > 0 {
		opts = append(opts, beacon.WithClientSendTimeout(c.SendTimeout))
	}
	if c.TickInterval > 0 {
		opts = append(opts, beacon.WithClientTickInterval(c.TickInterval))
	}

	return opts
}

// BackendOptions converts the storage settings into backend.Open options.
func (c Config) BackendOptions() []backend.Option {
	var opts []backend.Option
	if c.Storage.Table != "" {
		opts = append(opts, backend.WithTable(c.Storage.Table))
	}
	if c.Storage.CreateSchema {
		opts = append(opts, backend.WithCreateSchema())
	}
	if c.Storage.Compress {
		opts = append(opts, backend.WithCompression())
	}

	return opts
}

func loadDotenv() error {
	path, explicit := os.LookupEnv(EnvDotenvFile)
	if !explicit || path == "" {
		path = defaultDotenv
	}
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		return nil
	}

	return fmt.Errorf("beacon config: load %s: %w", path, err)
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("beacon config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("beacon config: parse %s: %w", path, err)
	}

	return nil
}

func (c *Config) applyEnv() error {
	var env envReader

	env.str("BEACON_APP_KEY", &c.AppKey)
	env.str("BEACON_SERVER_URL", &c.ServerURL)
	env.str("BEACON_SALT", &c.Salt)
	env.str("BEACON_DEVICE_ID", &c.DeviceID)
	env.boolean("BEACON_TEMPORARY_DEVICE_ID", &c.TemporaryDeviceID)

	env.integer("BEACON_QUEUE_CAPACITY", &c.QueueCapacity)
	env.integer("BEACON_EVENT_THRESHOLD", &c.EventThreshold)
	env.boolean("BEACON_FORCE_POST", &c.ForcePOST)
	env.integer("BEACON_POST_THRESHOLD", &c.POSTThreshold)
	env.duration("BEACON_SEND_TIMEOUT", &c.SendTimeout)
	env.duration("BEACON_TICK_INTERVAL", &c.TickInterval)

	env.str("BEACON_STORAGE_DSN", &c.Storage.DSN)
	env.str("BEACON_STORAGE_TABLE", &c.Storage.Table)
	env.boolean("BEACON_STORAGE_CREATE_SCHEMA", &c.Storage.CreateSchema)
	env.boolean("BEACON_STORAGE_COMPRESS", &c.Storage.Compress)

	env.str("BEACON_LOG_LEVEL", &c.Log.Level)
	env.boolean("BEACON_LOG_PRETTY", &c.Log.Pretty)
	env.str("BEACON_METRICS_ADDR", &c.MetricsAddr)

	if err := errors.Join(env.errs...); err != nil {
		return fmt.Errorf("beacon config: %w", err)
	}

	return nil
}

func (c *Config) normalize() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Level == "warning" {
		c.Log.Level = "warn"
	}
	c.ServerURL = strings.TrimSpace(c.ServerURL)
	c.Storage.DSN = strings.TrimSpace(c.Storage.DSN)
}

// envReader overwrites settings with the variables that are set and non-empty.
type envReader struct {
	errs []error
}

func (r *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}

	return strings.TrimSpace(v), true
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.lookup(key); ok {
		*dst = v
	}
}

func (r *envReader) integer(key string, dst *int) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not an integer", key, v))

		return
	}
	*dst = n
}

func (r *envReader) boolean(key string, dst *bool) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		*dst = true
	case "0", "false", "no", "n", "off":
		*dst = false
	default:
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a boolean", key, v))
	}
}

func (r *envReader) duration(key string, dst *time.Duration) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a duration", key, v))

		return
	}
	*dst = d
}
