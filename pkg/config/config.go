package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. HEARTLINK_TRANSPORT_API_KEY.
const EnvPrefix = "HEARTLINK"

// Transport kinds.
const (
	TransportHTTP   = "http"
	TransportSerial = "serial"
)

// Backlog eviction policies.
const (
	EvictOldest = "drop_oldest"
	EvictNewest = "drop_newest"
)

// Config represents the application configuration.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Sensor      SensorConfig      `yaml:"sensor"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Upload      UploadConfig      `yaml:"upload"`
	Transport   TransportConfig   `yaml:"transport"`
	Control     ControlConfig     `yaml:"control"`
	Mock        MockConfig        `yaml:"mock"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level string `yaml:"level"`
}

// SensorConfig contains bus and sensor configuration.
type SensorConfig struct {
	Bus          string        `yaml:"bus"`     // I2C bus name, empty selects the first bus
	Address      uint16        `yaml:"address"` // 7-bit device address
	SpeedHz      int64         `yaml:"speed_hz"`
	RedCurrent   uint8         `yaml:"red_current"`
	IRCurrent    uint8         `yaml:"ir_current"`
	InitAttempts int           `yaml:"init_attempts"`
	InitDelay    time.Duration `yaml:"init_delay"`
}

// AcquisitionConfig contains sampling loop parameters.
type AcquisitionConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
	Jitter         time.Duration `yaml:"jitter"` // Random extra delay per cycle, 0 = disabled
	QueueSize      int           `yaml:"queue_size"`
	ErrorThreshold int           `yaml:"error_threshold"`
	RecoveryDelay  time.Duration `yaml:"recovery_delay"`
}

// UploadConfig contains batching and delivery parameters.
type UploadConfig struct {
	UserID        string        `yaml:"user_id"`
	DeviceID      string        `yaml:"device_id"`
	BatchSize     int           `yaml:"batch_size"`
	WarmUp        time.Duration `yaml:"warm_up"`
	PopTimeout    time.Duration `yaml:"pop_timeout"`
	BacklogSize   int           `yaml:"backlog_size"` // Undelivered batches kept for retry, 0 = drop
	Eviction      string        `yaml:"eviction"`
	LogVitals     bool          `yaml:"log_vitals"`
	ProgressEvery int           `yaml:"progress_every"`
}

// TransportConfig contains remote service configuration.
type TransportConfig struct {
	Kind            string        `yaml:"kind"`
	IngestURL       string        `yaml:"ingest_url"`
	ControlURL      string        `yaml:"control_url"`
	APIKey          string        `yaml:"api_key"`
	Timeout         time.Duration `yaml:"timeout"` // Per attempt
	RetryMax        int           `yaml:"retry_max"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"` // Multiplied by the attempt number
	MaxCommandBytes int           `yaml:"max_command_bytes"`
	Serial          SerialConfig  `yaml:"serial"`
}

// SerialConfig contains tethered gateway port configuration.
type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// ControlConfig contains command polling intervals.
type ControlConfig struct {
	RunningPoll time.Duration `yaml:"running_poll"`
	IdlePoll    time.Duration `yaml:"idle_poll"`
	Jitter      time.Duration `yaml:"jitter"`
}

// MockConfig contains simulated sensor configuration.
type MockConfig struct {
	SampleRate time.Duration `yaml:"sample_rate"` // Time between new FIFO entries, 0 = always ready
	HeartRate  float64       `yaml:"heart_rate"`  // Beats per minute
	IRLevel    float64       `yaml:"ir_level"`    // IR DC level (counts)
	RedLevel   float64       `yaml:"red_level"`   // Red DC level (counts)
	Perfusion  float64       `yaml:"perfusion"`   // AC/DC ratio of the IR channel
	RatioRedIR float64       `yaml:"ratio_red_ir"`
	NoiseLevel float64       `yaml:"noise_level"` // Relative noise amplitude
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Sensor: SensorConfig{
			Bus:          "",
			Address:      0x57,
			SpeedHz:      100000,
			RedCurrent:   0x24, // ~7 mA
			IRCurrent:    0x24,
			InitAttempts: 3,
			InitDelay:    200 * time.Millisecond,
		},
		Acquisition: AcquisitionConfig{
			SampleInterval: 10 * time.Millisecond, // 100 Hz
			Jitter:         0,
			QueueSize:      200,
			ErrorThreshold: 5,
			RecoveryDelay:  50 * time.Millisecond,
		},
		Upload: UploadConfig{
			UserID:        "user",
			DeviceID:      "heartlink",
			BatchSize:     400, // 4 s at 100 Hz
			WarmUp:        2 * time.Second,
			PopTimeout:    5 * time.Second,
			BacklogSize:   8,
			Eviction:      EvictOldest,
			LogVitals:     false,
			ProgressEvery: 100,
		},
		Transport: TransportConfig{
			Kind:            TransportHTTP,
			IngestURL:       "http://localhost:8080/ingest",
			ControlURL:      "http://localhost:8080/control",
			APIKey:          "",
			Timeout:         15 * time.Second,
			RetryMax:        3,
			RetryBackoff:    300 * time.Millisecond,
			MaxCommandBytes: 128,
			Serial: SerialConfig{
				Port: "/dev/ttyACM0",
				Baud: 115200,
			},
		},
		Control: ControlConfig{
			RunningPoll: 3 * time.Second,
			IdlePoll:    5 * time.Second,
			Jitter:      0,
		},
		Mock: MockConfig{
			SampleRate: 10 * time.Millisecond,
			HeartRate:  72,
			IRLevel:    60000,
			RedLevel:   45000,
			Perfusion:  0.02,
			RatioRedIR: 0.6,
			NoiseLevel: 0.001,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, return defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides fields from HEARTLINK_<SECTION>_<KEY> environment
// variables.
func (c *Config) ApplyEnv() error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	strs := map[string]*string{
		"log.level":             &c.Log.Level,
		"sensor.bus":            &c.Sensor.Bus,
		"upload.user_id":        &c.Upload.UserID,
		"upload.device_id":      &c.Upload.DeviceID,
		"upload.eviction":       &c.Upload.Eviction,
		"transport.kind":        &c.Transport.Kind,
		"transport.ingest_url":  &c.Transport.IngestURL,
		"transport.control_url": &c.Transport.ControlURL,
		"transport.api_key":     &c.Transport.APIKey,
		"transport.serial.port": &c.Transport.Serial.Port,
	}
	for key, dst := range strs {
		if s := v.GetString(key); s != "" {
			*dst = s
		}
	}

	ints := map[string]*int{
		"acquisition.queue_size":      &c.Acquisition.QueueSize,
		"acquisition.error_threshold": &c.Acquisition.ErrorThreshold,
		"upload.batch_size":           &c.Upload.BatchSize,
		"upload.backlog_size":         &c.Upload.BacklogSize,
		"transport.retry_max":         &c.Transport.RetryMax,
		"transport.serial.baud":       &c.Transport.Serial.Baud,
	}
	for key, dst := range ints {
		s := v.GetString(key)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("failed to apply %s: %w", envName(key), err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"acquisition.sample_interval": &c.Acquisition.SampleInterval,
		"acquisition.jitter":          &c.Acquisition.Jitter,
		"upload.warm_up":              &c.Upload.WarmUp,
		"transport.timeout":           &c.Transport.Timeout,
		"transport.retry_backoff":     &c.Transport.RetryBackoff,
		"control.running_poll":        &c.Control.RunningPoll,
		"control.idle_poll":           &c.Control.IdlePoll,
	}
	for key, dst := range durations {
		s := v.GetString(key)
		if s == "" {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("failed to apply %s: %w", envName(key), err)
		}
		*dst = d
	}

	if s := v.GetString("upload.log_vitals"); s != "" {
		c.Upload.LogVitals = v.GetBool("upload.log_vitals")
	}

	return nil
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Validate reports configuration values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Acquisition.SampleInterval <= 0 {
		errs = append(errs, errors.New("acquisition.sample_interval must be positive"))
	}
	if c.Acquisition.Jitter < 0 {
		errs = append(errs, errors.New("acquisition.jitter must not be negative"))
	}
	if c.Acquisition.QueueSize <= 0 {
		errs = append(errs, errors.New("acquisition.queue_size must be positive"))
	}
	if c.Acquisition.ErrorThreshold <= 0 {
		errs = append(errs, errors.New("acquisition.error_threshold must be positive"))
	}
	if c.Upload.BatchSize <= 0 {
		errs = append(errs, errors.New("upload.batch_size must be positive"))
	}
	if c.Upload.BacklogSize < 0 {
		errs = append(errs, errors.New("upload.backlog_size must not be negative"))
	}
	switch c.Upload.Eviction {
	case EvictOldest, EvictNewest:
	default:
		errs = append(errs, fmt.Errorf("upload.eviction: unknown policy %q", c.Upload.Eviction))
	}
	switch c.Transport.Kind {
	case TransportHTTP:
		if c.Transport.IngestURL == "" || c.Transport.ControlURL == "" {
			errs = append(errs, errors.New("transport: ingest_url and control_url are required"))
		}
	case TransportSerial:
		if c.Transport.Serial.Port == "" {
			errs = append(errs, errors.New("transport.serial.port is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("transport.kind: unknown transport %q", c.Transport.Kind))
	}
	if c.Transport.RetryMax <= 0 {
		errs = append(errs, errors.New("transport.retry_max must be positive"))
	}
	if c.Transport.MaxCommandBytes < 2 {
		errs = append(errs, errors.New("transport.max_command_bytes must be at least 2"))
	}

	return errors.Join(errs...)
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}

	if c.Sensor.Address == 0 {
		c.Sensor.Address = def.Sensor.Address
	}
	if c.Sensor.SpeedHz == 0 {
		c.Sensor.SpeedHz = def.Sensor.SpeedHz
	}
	if c.Sensor.InitAttempts == 0 {
		c.Sensor.InitAttempts = def.Sensor.InitAttempts
	}
	if c.Sensor.InitDelay == 0 {
		c.Sensor.InitDelay = def.Sensor.InitDelay
	}

	if c.Acquisition.SampleInterval == 0 {
		c.Acquisition.SampleInterval = def.Acquisition.SampleInterval
	}
	if c.Acquisition.QueueSize == 0 {
		c.Acquisition.QueueSize = def.Acquisition.QueueSize
	}
	if c.Acquisition.ErrorThreshold == 0 {
		c.Acquisition.ErrorThreshold = def.Acquisition.ErrorThreshold
	}
	if c.Acquisition.RecoveryDelay == 0 {
		c.Acquisition.RecoveryDelay = def.Acquisition.RecoveryDelay
	}

	if c.Upload.BatchSize == 0 {
		c.Upload.BatchSize = def.Upload.BatchSize
	}
	if c.Upload.PopTimeout == 0 {
		c.Upload.PopTimeout = def.Upload.PopTimeout
	}
	if c.Upload.Eviction == "" {
		c.Upload.Eviction = def.Upload.Eviction
	}
	if c.Upload.ProgressEvery == 0 {
		c.Upload.ProgressEvery = def.Upload.ProgressEvery
	}

	if c.Transport.Kind == "" {
		c.Transport.Kind = def.Transport.Kind
	}
	if c.Transport.Timeout == 0 {
		c.Transport.Timeout = def.Transport.Timeout
	}
	if c.Transport.RetryMax == 0 {
		c.Transport.RetryMax = def.Transport.RetryMax
	}
	if c.Transport.RetryBackoff == 0 {
		c.Transport.RetryBackoff = def.Transport.RetryBackoff
	}
	if c.Transport.MaxCommandBytes == 0 {
		c.Transport.MaxCommandBytes = def.Transport.MaxCommandBytes
	}
	if c.Transport.Serial.Baud == 0 {
		c.Transport.Serial.Baud = def.Transport.Serial.Baud
	}

	if c.Control.RunningPoll == 0 {
		c.Control.RunningPoll = def.Control.RunningPoll
	}
	if c.Control.IdlePoll == 0 {
		c.Control.IdlePoll = def.Control.IdlePoll
	}

	if c.Mock.HeartRate == 0 {
		c.Mock.HeartRate = def.Mock.HeartRate
	}
	if c.Mock.IRLevel == 0 {
		c.Mock.IRLevel = def.Mock.IRLevel
	}
	if c.Mock.RedLevel == 0 {
		c.Mock.RedLevel = def.Mock.RedLevel
	}
}
