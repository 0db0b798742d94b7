// Package config loads the settings of the bep-server command. Values come
// from defaults, then an optional YAML file, then environment variables, then
// command-line flags, each layer overriding the previous one.
//
// Environment variables:
//
//	BEP_CONFIG          - path of a YAML configuration file
//	BEP_ADDR            - listen address for gRPC and /view (default: ":8080")
//	BEP_QUEUE_SIZE      - acknowledgment queue capacity per stream (default: 500)
//	BEP_DEBUG           - enable debug logs and debug endpoints
//	BEP_SINK            - "log" or "pulse" (default: "log")
//	BEP_DECODE_PAYLOADS - decode bazel_event payloads with the Bazel schema (default: true)
//	BEP_ABORT_ON_ERROR  - end a stream at its first failed event
//	BEP_RATE_LIMIT      - events per second across all calls (0 disables)
//	BEP_RATE_BURST      - rate limiter burst (default: 100)
//	BEP_METRICS_NAMESPACE - prefix of Prometheus metric names (default: none)
//	REDIS_URL           - Redis address for the pulse sink (default: "localhost:6379")
//	REDIS_PASSWORD      - Redis password (optional)
//	BEP_STREAM_MAX_LEN  - entries kept per Pulse stream (0 uses the Pulse default)
//	BEP_PULSE_TIMEOUT   - timeout of a single Pulse write (default: "5s")
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Sink names.
const (
	SinkLog   = "log"
	SinkPulse = "pulse"
)

type (
	// Config is the bep-server configuration.
	Config struct {
		Addr             string  `yaml:"addr"`
		QueueSize        int     `yaml:"queue_size"`
		Debug            bool    `yaml:"debug"`
		Sink             string  `yaml:"sink"`
		DecodePayloads   bool    `yaml:"decode_payloads"`
		AbortOnError     bool    `yaml:"abort_on_error"`
		RateLimit        float64 `yaml:"rate_limit"`
		RateBurst        int     `yaml:"rate_burst"`
		MetricsNamespace string  `yaml:"metrics_namespace"`
		Redis            Redis   `yaml:"redis"`
	}

	// Redis configures the connection used by the pulse sink.
	Redis struct {
		URL          string        `yaml:"url"`
		Password     string        `yaml:"password"`
		StreamMaxLen int           `yaml:"stream_max_len"`
		Timeout      time.Duration `yaml:"timeout"`
	}
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:      ":8080",
		QueueSize: 500,
		Sink:      SinkLog,
		RateBurst: 100,

		DecodePayloads: true,
		Redis: Redis{
			URL:     "localhost:6379",
			Timeout: 5 * time.Second,
		},
	}
}

// Load returns the default configuration overridden by the YAML file at path
// (skipped when path is empty) and then by environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, fmt.Errorf("invalid environment: %w", err)
	}
	return cfg, nil
}

// Parse loads the configuration for a command invoked with args. The
// -config flag, or BEP_CONFIG, names the YAML file; the other flags override
// the file and the environment. The result is validated.
func Parse(name string, args []string) (Config, error) {
	var path string
	pre := flag.NewFlagSet(name, flag.ContinueOnError)
	pre.SetOutput(io.Discard)
	pre.StringVar(&path, "config", os.Getenv("BEP_CONFIG"), "")
	scratch := Default()
	scratch.RegisterFlags(pre)
	if err := pre.Parse(args); err != nil && !errors.Is(err, flag.ErrHelp) {
		return Config{}, err
	}

	cfg, err := Load(path)
	if err != nil {
		return Config{}, err
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.String("config", path, "Path to a YAML configuration file")
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// RegisterFlags defines flags on fs that override c when fs is parsed.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "Listen address for gRPC and /view")
	fs.IntVar(&c.QueueSize, "queue-size", c.QueueSize, "Acknowledgment queue capacity per stream")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "Enable debug logs and debug endpoints")
	fs.StringVar(&c.Sink, "sink", c.Sink, `Event sink ("log" or "pulse")`)
	fs.BoolVar(&c.DecodePayloads, "decode-payloads", c.DecodePayloads, "Decode bazel_event payloads with the Bazel schema")
	fs.BoolVar(&c.AbortOnError, "abort-on-error", c.AbortOnError, "End a stream at its first failed event")
	fs.Float64Var(&c.RateLimit, "rate-limit", c.RateLimit, "Events per second across all calls (0 disables)")
	fs.IntVar(&c.RateBurst, "rate-burst", c.RateBurst, "Rate limiter burst")
	fs.StringVar(&c.Redis.URL, "redis-url", c.Redis.URL, "Redis address for the pulse sink")
}

// Validate reports inconsistent settings.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("queue size must be positive, got %d", c.QueueSize))
	}
	switch c.Sink {
	case SinkLog:
	case SinkPulse:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("redis url is required by the pulse sink"))
		}
		if c.Redis.StreamMaxLen < 0 {
			errs = append(errs, fmt.Errorf("stream max len must not be negative, got %d", c.Redis.StreamMaxLen))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sink %q", c.Sink))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate limit must not be negative, got %v", c.RateLimit))
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("rate burst must be positive when rate limiting, got %d", c.RateBurst))
	}
	return errors.Join(errs...)
}

// applyEnv overrides c with the environment. Values that cannot be parsed
// are reported together and leave the corresponding setting unchanged.
func (c *Config) applyEnv() error {
	var errs []error
	c.Addr = envOr("BEP_ADDR", c.Addr)
	c.QueueSize = envIntOr("BEP_QUEUE_SIZE", c.QueueSize, &errs)
	c.Debug = envBoolOr("BEP_DEBUG", c.Debug, &errs)
	c.Sink = envOr("BEP_SINK", c.Sink)
	c.DecodePayloads = envBoolOr("BEP_DECODE_PAYLOADS", c.DecodePayloads, &errs)
	c.AbortOnError = envBoolOr("BEP_ABORT_ON_ERROR", c.AbortOnError, &errs)
	c.RateLimit = envFloatOr("BEP_RATE_LIMIT", c.RateLimit, &errs)
	c.RateBurst = envIntOr("BEP_RATE_BURST", c.RateBurst, &errs)
	c.MetricsNamespace = envOr("BEP_METRICS_NAMESPACE", c.MetricsNamespace)
	c.Redis.URL = envOr("REDIS_URL", c.Redis.URL)
	c.Redis.Password = envOr("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.StreamMaxLen = envIntOr("BEP_STREAM_MAX_LEN", c.Redis.StreamMaxLen, &errs)
	c.Redis.Timeout = envDurationOr("BEP_PULSE_TIMEOUT", c.Redis.Timeout, &errs)
	return errors.Join(errs...)
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int, errs *[]error) int {
	return envParse(key, defaultVal, strconv.Atoi, errs)
}

func envFloatOr(key string, defaultVal float64, errs *[]error) float64 {
	return envParse(key, defaultVal, func(v string) (float64, error) { return strconv.ParseFloat(v, 64) }, errs)
}

func envBoolOr(key string, defaultVal bool, errs *[]error) bool {
	return envParse(key, defaultVal, strconv.ParseBool, errs)
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration, errs *[]error) time.Duration {
	return envParse(key, defaultVal, time.ParseDuration, errs)
}

// envParse parses the environment variable key with parse. An unset variable
// yields defaultVal; an invalid one yields defaultVal and appends to errs.
func envParse[T any](key string, defaultVal T, parse func(string) (T, error), errs *[]error) T {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	out, err := parse(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s=%q: %w", key, v, err))
		return defaultVal
	}
	return out
}
