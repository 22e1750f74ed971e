package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/raaihank/beacon-dashboard/internal/ingest"
)

// EnvPrefix prefixes every environment override, e.g. BEACON_DATABASE_DATABASE_URL
const EnvPrefix = "BEACON"

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config, err := decode(v)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// Watch reloads the configuration file on change and hands every valid result to callback.
// Invalid edits are reported to onError and otherwise ignored.
func Watch(configPath string, callback func(*Config), onError func(error)) error {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		config, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		callback(config)
	})
	v.WatchConfig()

	return nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/beacon-dashboard/")
	v.AddConfigPath("$HOME/.beacon-dashboard/")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, reflect.TypeOf(Config{}), "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	return v
}

// bindEnvs registers every mapstructure key so AutomaticEnv also applies to keys absent from the file
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name := field.Tag.Get("mapstructure")
		if name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}

		if field.Type.Kind() == reflect.Struct {
			bindEnvs(v, field.Type, key)
			continue
		}
		_ = v.BindEnv(key)
	}
}

func decode(v *viper.Viper) (*Config, error) {
	config := GetDefaults()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	switch config.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	if config.Ingest.UploadPolicy != ingest.PolicyAppend && config.Ingest.UploadPolicy != ingest.PolicyReplace {
		return fmt.Errorf("invalid upload policy: %s (must be append or replace)", config.Ingest.UploadPolicy)
	}

	if config.Ingest.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid max upload size: %dMB", config.Ingest.MaxUploadMB)
	}

	for _, tz := range []string{config.Ingest.Timezone, config.Aggregate.Timezone} {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
	}

	agg := config.Aggregate
	if !validWindow(agg.HeatmapStart, agg.HeatmapEnd) {
		return fmt.Errorf("invalid heatmap window: %d-%d", agg.HeatmapStart, agg.HeatmapEnd)
	}
	if !validWindow(agg.DisplayStart, agg.DisplayEnd) {
		return fmt.Errorf("invalid display window: %d-%d", agg.DisplayStart, agg.DisplayEnd)
	}

	if config.MQTT.Enabled && config.MQTT.Broker == "" {
		return fmt.Errorf("mqtt broker is required when mqtt is enabled")
	}
	if config.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos: %d", config.MQTT.QoS)
	}

	return nil
}

func validWindow(start, end int) bool {
	return start >= 0 && end <= 23 && start <= end
}
