// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/YaganovValera/market-stream/internal/aggregator"
	"github.com/YaganovValera/market-stream/internal/poller"
	"github.com/YaganovValera/market-stream/internal/transport/stream"
	"github.com/YaganovValera/market-stream/pkg/httpserver"
	"github.com/YaganovValera/market-stream/pkg/kafka"
	"github.com/YaganovValera/market-stream/pkg/logger"
	"github.com/YaganovValera/market-stream/pkg/telemetry"
)

/*
   --------------------------------------------------------------------------
   СТРУКТУРЫ
   --------------------------------------------------------------------------
*/

// Config — все настройки сервиса.
type Config struct {
	ServiceName    string            `mapstructure:"service_name"`
	ServiceVersion string            `mapstructure:"service_version"`
	Symbols        []string          `mapstructure:"symbols"` // инструменты, подписываемые на старте
	Stream         stream.Config     `mapstructure:"stream"`
	Polling        poller.Config     `mapstructure:"polling"`
	Aggregator     aggregator.Config `mapstructure:"aggregator"`
	Kafka          KafkaConfig       `mapstructure:"kafka"`
	Telemetry      telemetry.Config  `mapstructure:"telemetry"`
	Logging        logger.Config     `mapstructure:"logging"`
	HTTP           httpserver.Config `mapstructure:"http"`
}

// KafkaConfig — опциональная публикация закрытых баров.
type KafkaConfig struct {
	Enabled  bool         `mapstructure:"enabled"`
	Topic    string       `mapstructure:"topic"`
	Producer kafka.Config `mapstructure:"producer"`
}

/*
   --------------------------------------------------------------------------
   LOADER
   --------------------------------------------------------------------------
*/

// Load загружает и валидирует конфиг. Если path пустой — читаются только ENV и defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	// ---------- 1) Defaults ----------
	v.SetDefault("service_name", "market-stream")
	v.SetDefault("service_version", "v1.0.0")
	v.SetDefault("symbols", []string{"NIFTY"})

	// Stream
	v.SetDefault("stream.ping_interval", "30s")
	v.SetDefault("stream.pong_timeout", "10s")
	v.SetDefault("stream.write_timeout", "5s")
	v.SetDefault("stream.buffer_size", 100)
	v.SetDefault("stream.backoff.initial_interval", "1s")
	v.SetDefault("stream.backoff.max_interval", "30s")
	v.SetDefault("stream.backoff.max_retries", 5)

	// Polling
	v.SetDefault("polling.interval", "30s")
	v.SetDefault("polling.request_timeout", "10s")
	v.SetDefault("polling.limit", 100)

	// Aggregator
	v.SetDefault("aggregator.timeframes", []string{"1m", "5m", "15m", "1h", "1d"})
	v.SetDefault("aggregator.retention", 500)

	// Kafka (выключено по умолчанию)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "marketstream.candles.closed")
	v.SetDefault("kafka.producer.acks", "all")
	v.SetDefault("kafka.producer.timeout", "15s")
	v.SetDefault("kafka.producer.compression", "none")
	v.SetDefault("kafka.producer.flush_frequency", "0s")
	v.SetDefault("kafka.producer.flush_messages", 0)

	// Telemetry
	v.SetDefault("telemetry.otel_endpoint", "otel-collector:4317")
	v.SetDefault("telemetry.insecure", false)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dev_mode", false)

	// HTTP
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("http.metrics_path", "/metrics")
	v.SetDefault("http.healthz_path", "/healthz")
	v.SetDefault("http.readyz_path", "/readyz")

	// ---------- 2) ENV ----------
	v.SetEnvPrefix("MARKETSTREAM")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ---------- 3) Optional file ----------
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", v.ConfigFileUsed(), err)
		}
	}

	// ---------- 4) Decode ----------
	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToBoolHook,
	)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:    "mapstructure",
		Result:     &cfg,
		DecodeHook: decodeHook,
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// ---------- 5) Validation ----------
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// stringToBoolHook разбирает true/false, иначе отдает исходные данные.
func stringToBoolHook(f, t reflect.Kind, data interface{}) (interface{}, error) {
	if f == reflect.String && t == reflect.Bool {
		return strconv.ParseBool(data.(string))
	}
	return data, nil
}

/*
   --------------------------------------------------------------------------
   VALIDATION
   --------------------------------------------------------------------------
*/

func (c *Config) Validate() error {
	// Service
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version is required")
	}

	// Stream
	if c.Stream.URL == "" {
		return fmt.Errorf("stream.url is required")
	}

	// Polling
	if c.Polling.BaseURL == "" {
		return fmt.Errorf("polling.base_url is required")
	}

	// Aggregator
	if len(c.Aggregator.Timeframes) == 0 {
		return fmt.Errorf("aggregator.timeframes must contain at least one entry")
	}
	for _, tf := range c.Aggregator.Timeframes {
		if _, err := aggregator.ParseTimeframe(tf); err != nil {
			return fmt.Errorf("aggregator.timeframes: %w", err)
		}
	}

	// Kafka — проверяем только при включённой публикации.
	if c.Kafka.Enabled {
		if len(c.Kafka.Producer.Brokers) == 0 {
			return fmt.Errorf("kafka.producer.brokers is required when kafka.enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required when kafka.enabled")
		}
	}

	// Telemetry
	if c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.otel_endpoint is required")
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error]")
	}

	// HTTP
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	paths := map[string]string{
		"http.metrics_path": c.HTTP.MetricsPath,
		"http.healthz_path": c.HTTP.HealthzPath,
		"http.readyz_path":  c.HTTP.ReadyzPath,
	}
	for k, p := range paths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with '/'", k)
		}
	}

	return nil
}

/*
   --------------------------------------------------------------------------
   DEBUG PRINT
   --------------------------------------------------------------------------
*/

// Print выводит текущий конфиг в JSON (удобно в DevMode).
func (c *Config) Print() {
	b, _ := json.MarshalIndent(c, "", "  ")
	fmt.Println("Loaded configuration:\n", string(b))
}
