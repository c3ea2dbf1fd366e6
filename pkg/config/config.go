package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/obdtrip/pkg/distance"
	"github.com/srg/obdtrip/pkg/obd"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. OBDTRIP_ADDRESS.
const EnvPrefix = "OBDTRIP_"

// Transports lists the accepted values of Config.Transport.
var Transports = []string{"bluez", "rfcomm", "serial", "ble", "emulator"}

// Config holds application configuration
type Config struct {
	LogLevel logrus.Level `yaml:"log_level"`

	Transport     string `yaml:"transport" default:"bluez"`
	Address       string `yaml:"address"`
	Adapter       string `yaml:"adapter" default:"hci0"`
	RFCOMMChannel int    `yaml:"rfcomm_channel" default:"1"`
	SerialPath    string `yaml:"serial_path"`
	SerialBaud    int    `yaml:"serial_baud" default:"38400"`

	BLEService string `yaml:"ble_service" default:"fff0"`
	BLEWrite   string `yaml:"ble_write" default:"fff2"`
	BLENotify  string `yaml:"ble_notify" default:"fff1"`

	AttemptTimeout   time.Duration `yaml:"attempt_timeout" default:"1s"`
	SettleDelay      time.Duration `yaml:"settle_delay" default:"4s"`
	PollInterval     time.Duration `yaml:"poll_interval" default:"200ms"`
	InitCommandDelay time.Duration `yaml:"init_command_delay" default:"500ms"`
	ResponseDelay    time.Duration `yaml:"response_delay" default:"200ms"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	InitCommands     []string      `yaml:"init_commands"`

	MaxDeltaTime time.Duration `yaml:"max_delta_time" default:"800ms"`
	Gate         string        `yaml:"gate" default:"strict"` // "legacy" for not-paused OR not-connected

	Listen string `yaml:"listen"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.LogLevel = logrus.InfoLevel
	return cfg
}

// Load builds a configuration from defaults, the optional YAML file at path,
// an optional .env file in the working directory and OBDTRIP_* variables, in
// that order of increasing precedence.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"TRANSPORT":   &c.Transport,
		"ADDRESS":     &c.Address,
		"ADAPTER":     &c.Adapter,
		"SERIAL_PATH": &c.SerialPath,
		"BLE_SERVICE": &c.BLEService,
		"BLE_WRITE":   &c.BLEWrite,
		"BLE_NOTIFY":  &c.BLENotify,
		"GATE":        &c.Gate,
		"LISTEN":      &c.Listen,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"RFCOMM_CHANNEL": &c.RFCOMMChannel,
		"SERIAL_BAUD":    &c.SerialBaud,
	}
	for key, dst := range ints {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"ATTEMPT_TIMEOUT": &c.AttemptTimeout,
		"SETTLE_DELAY":    &c.SettleDelay,
		"POLL_INTERVAL":   &c.PollInterval,
		"READ_TIMEOUT":    &c.ReadTimeout,
	}
	for key, dst := range durations {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
			}
			*dst = d
		}
	}

	if v, ok := os.LookupEnv(EnvPrefix + "LOG_LEVEL"); ok && v != "" {
		level, err := logrus.ParseLevel(v)
		if err != nil {
			return fmt.Errorf("invalid %sLOG_LEVEL: %w", EnvPrefix, err)
		}
		c.LogLevel = level
	}
	return nil
}

// Validate checks field ranges and enumerations.
func (c *Config) Validate() error {
	known := false
	for _, t := range Transports {
		if c.Transport == t {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("invalid transport: %s (must be one of %v)", c.Transport, Transports)
	}
	if c.Transport == "serial" && c.SerialPath == "" {
		return errors.New("serial transport requires serial_path")
	}
	if c.RFCOMMChannel < 1 || c.RFCOMMChannel > 30 {
		return fmt.Errorf("invalid rfcomm_channel: %d (must be 1-30)", c.RFCOMMChannel)
	}
	if c.SerialBaud <= 0 {
		return fmt.Errorf("invalid serial_baud: %d", c.SerialBaud)
	}
	if c.AttemptTimeout <= 0 || c.PollInterval <= 0 {
		return errors.New("attempt_timeout and poll_interval must be positive")
	}
	if c.MaxDeltaTime <= 0 {
		return fmt.Errorf("invalid max_delta_time: %s", c.MaxDeltaTime)
	}
	if _, err := distance.ParseGatePolicy(c.Gate); err != nil {
		return err
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// ManagerOptions maps the connection timings onto obd.Options.
func (c *Config) ManagerOptions() *obd.Options {
	opts := obd.DefaultOptions()
	opts.AttemptTimeout = c.AttemptTimeout
	opts.SettleDelay = c.SettleDelay
	opts.PollInterval = c.PollInterval
	opts.InitCommandDelay = c.InitCommandDelay
	opts.ResponseDelay = c.ResponseDelay
	opts.ReadTimeout = c.ReadTimeout
	if len(c.InitCommands) > 0 {
		opts.InitCommands = append([]string(nil), c.InitCommands...)
	}
	return opts
}

// AccumulatorOptions maps the integration settings onto distance.Options.
// Validate must have accepted the gate policy.
func (c *Config) AccumulatorOptions() *distance.Options {
	opts := distance.DefaultOptions()
	opts.MaxDeltaTime = c.MaxDeltaTime
	if gate, err := distance.ParseGatePolicy(c.Gate); err == nil {
		opts.Gate = gate
	}
	return opts
}
