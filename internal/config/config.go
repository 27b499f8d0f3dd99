package config

import (
	"os"

	"codeberg.org/mkrell/psumon/internal/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel = "info"

	defaultInterval         = 30
	defaultHistoryDepth     = 30
	defaultSequenceRollover = 255
	defaultPMBusPath        = "/sys/bus/i2c/devices/3-0068"
	defaultListenAddress    = "127.0.0.1:9140"
	defaultMetricsDB        = "/var/lib/psumon/metrics.db"
)

type Config struct {
	Interval         int    `mapstructure:"interval"`
	HistoryDepth     int    `mapstructure:"history_depth"`
	SequenceRollover int    `mapstructure:"sequence_rollover"`
	PMBusPath        string `mapstructure:"pmbus_path"`
	DeviceName       string `mapstructure:"device_name"`
	ListenAddress    string `mapstructure:"listen_address"`
	Metrics          bool   `mapstructure:"metrics"`
	MetricsDB        string `mapstructure:"metrics_db"`
	LogLevel         string `mapstructure:"log_level"`
	Monitor          bool   `mapstructure:"monitor"`
}

func Load() (*Config, error) {
	errFactory := errors.New()

	flags := pflag.NewFlagSet("psumon", pflag.ContinueOnError)
	flags.ParseErrorsWhitelist.UnknownFlags = true
	flags.Int("interval", defaultInterval, "Seconds between history polls")
	flags.Int("history-depth", defaultHistoryDepth, "Number of history records to keep")
	flags.Int("sequence-rollover", defaultSequenceRollover, "Last sequence ID before the supply wraps to 0")
	flags.String("pmbus-path", defaultPMBusPath, "PMBus device sysfs base path")
	flags.String("device-name", "", "Device debug directory name (optional)")
	flags.String("listen-address", defaultListenAddress, "HTTP API listen address")
	flags.Bool("metrics", false, "Enable the sqlite metrics store")
	flags.String("metrics-db", defaultMetricsDB, "Path to the metrics database")
	flags.String("log-level", DefaultLogLevel, "Log level (debug, info, warn, error)")
	flags.Bool("monitor", false, "Only log history updates, do not serve or persist")

	if err := flags.Parse(os.Args[1:]); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	v := viper.New()
	v.SetDefault("interval", defaultInterval)
	v.SetDefault("history_depth", defaultHistoryDepth)
	v.SetDefault("sequence_rollover", defaultSequenceRollover)
	v.SetDefault("pmbus_path", defaultPMBusPath)
	v.SetDefault("device_name", "")
	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("metrics", false)
	v.SetDefault("metrics_db", defaultMetricsDB)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("monitor", false)

	if path := os.Getenv("PSUMON_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("psumon")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, errFactory.WithMessage(errors.ErrReadConfig, "Failed to read config file").
				WithData(err.Error())
		}
	}

	// Command line flags override file values
	flags.Visit(func(f *pflag.Flag) {
		key := flagToKey(f.Name)
		v.Set(key, f.Value.String())
	})

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}

	if c.HistoryDepth <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "history_depth must be positive").
			WithData(c.HistoryDepth)
	}

	if c.SequenceRollover < 1 || c.SequenceRollover > 255 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "sequence_rollover must be in [1, 255]").
			WithData(c.SequenceRollover)
	}

	if c.PMBusPath == "" {
		return errFactory.WithMessage(errors.ErrMissingConfig, "pmbus_path is required")
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return errFactory.Wrap(errors.ErrInvalidLogLevel, err)
	}

	return nil
}

// flagToKey maps a dashed flag name to its config file key
func flagToKey(name string) string {
	switch name {
	case "history-depth":
		return "history_depth"
	case "sequence-rollover":
		return "sequence_rollover"
	case "pmbus-path":
		return "pmbus_path"
	case "device-name":
		return "device_name"
	case "listen-address":
		return "listen_address"
	case "metrics-db":
		return "metrics_db"
	case "log-level":
		return "log_level"
	default:
		return name
	}
}
