package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/skobkin/labtelemetry/internal/convert"
	"github.com/skobkin/labtelemetry/internal/correct"
	"github.com/skobkin/labtelemetry/internal/gauge"
	"github.com/skobkin/labtelemetry/internal/logbook"
	"github.com/skobkin/labtelemetry/internal/serialport"
)

// Config represents runtime configuration. Values come from defaults, an optional YAML
// file, an optional dotenv file and APP_* environment variables, in that order.
type Config struct {
	Log         LogConfig           `yaml:"log"`
	Stream      StreamConfig        `yaml:"stream"`
	Sampling    SamplingConfig      `yaml:"sampling"`
	Retry       RetryConfig         `yaml:"retry"`
	Gauge       GaugeConfig         `yaml:"gauge"`
	Calibration convert.Calibration `yaml:"calibration"`
	Logs        logbook.Layout      `yaml:"logs"`
	HTTP        HTTPConfig          `yaml:"http"`
	MQTT        MQTTConfig          `yaml:"mqtt"`
}

// LogConfig controls process logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StreamConfig describes the readout device.
type StreamConfig struct {
	Serial          serialport.Config `yaml:"serial"`
	ChunkCycles     int               `yaml:"chunk_cycles"`
	MaxReadAttempts int               `yaml:"max_read_attempts"`
}

// SamplingConfig tunes the acquisition cycle.
type SamplingConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Repeat    int           `yaml:"repeat"`
	Tolerance float64       `yaml:"tolerance"`
}

// RetryConfig governs failed cycles.
type RetryConfig struct {
	BackoffInitial         time.Duration `yaml:"backoff_initial"`
	BackoffMax             time.Duration `yaml:"backoff_max"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
}

// GaugeConfig describes the secondary gauge.
type GaugeConfig struct {
	Serial  serialport.Config `yaml:"serial"`
	Address string            `yaml:"address"`
	Timeout time.Duration     `yaml:"timeout"`
}

// HTTPConfig configures the optional status server.
type HTTPConfig struct {
	Enable           bool            `yaml:"enable"`
	ListenAddr       string          `yaml:"listen_addr"`
	AllowedOrigins   []string        `yaml:"allowed_origins"`
	EnablePrometheus bool            `yaml:"enable_prometheus"`
	EnablePprof      bool            `yaml:"enable_pprof"`
	WS               WebsocketConfig `yaml:"ws"`
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int           `yaml:"max_clients"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
}

// MQTTConfig configures optional publication of readings.
type MQTTConfig struct {
	Enable         bool          `yaml:"enable"`
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Topic          string        `yaml:"topic"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            int           `yaml:"qos"`
	Retain         bool          `yaml:"retain"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Stream: StreamConfig{
			Serial:          serialport.Config{Device: "/dev/ttyACM0", Baud: 9600, ReadTimeout: 5 * time.Second},
			ChunkCycles:     7,
			MaxReadAttempts: 200,
		},
		Sampling: SamplingConfig{
			Interval:  60 * time.Second,
			Repeat:    5,
			Tolerance: correct.DefaultTolerance,
		},
		Retry: RetryConfig{
			BackoffInitial: time.Second,
			BackoffMax:     time.Minute,
		},
		Gauge: GaugeConfig{
			Serial:  serialport.Config{Device: "/dev/ttyUSB0", Baud: 19200, ReadTimeout: 100 * time.Millisecond},
			Address: gauge.DefaultAddress,
			Timeout: 500 * time.Millisecond,
		},
		Calibration: convert.DefaultCalibration(),
		Logs:        logbook.DefaultLayout(),
		HTTP: HTTPConfig{
			ListenAddr:     ":8080",
			AllowedOrigins: []string{"*"},
			WS: WebsocketConfig{
				MaxClients:   64,
				WriteTimeout: 3 * time.Second,
				ReadTimeout:  30 * time.Second,
			},
		},
		MQTT: MQTTConfig{
			Broker:         "tcp://localhost:1883",
			ClientID:       "labtelemetry",
			Topic:          "lab/1041",
			ConnectTimeout: 10 * time.Second,
			PublishTimeout: 5 * time.Second,
		},
	}
}

// Load builds the configuration. Empty paths skip the corresponding file.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if envFile != "" {
		// Variables already set in the environment win over the file.
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var err error
	set := func(e error) {
		if err == nil {
			err = e
		}
	}

	envString("APP_LOG_LEVEL", &cfg.Log.Level)
	envString("APP_LOG_FORMAT", &cfg.Log.Format)

	envString("APP_STREAM_DEVICE", &cfg.Stream.Serial.Device)
	set(envPositiveInt("APP_STREAM_BAUD", &cfg.Stream.Serial.Baud))
	set(envDuration("APP_STREAM_READ_TIMEOUT", &cfg.Stream.Serial.ReadTimeout, true))
	set(envPositiveInt("APP_STREAM_CHUNK_CYCLES", &cfg.Stream.ChunkCycles))
	set(envNonNegativeInt("APP_STREAM_MAX_READ_ATTEMPTS", &cfg.Stream.MaxReadAttempts))

	set(envDuration("APP_SAMPLE_INTERVAL", &cfg.Sampling.Interval, false))
	set(envPositiveInt("APP_SAMPLE_REPEAT", &cfg.Sampling.Repeat))
	set(envFloat("APP_SAMPLE_TOLERANCE", &cfg.Sampling.Tolerance))

	set(envDuration("APP_RETRY_BACKOFF_INITIAL", &cfg.Retry.BackoffInitial, false))
	set(envDuration("APP_RETRY_BACKOFF_MAX", &cfg.Retry.BackoffMax, false))
	set(envNonNegativeInt("APP_RETRY_MAX_CONSECUTIVE_FAILURES", &cfg.Retry.MaxConsecutiveFailures))

	envString("APP_GAUGE_DEVICE", &cfg.Gauge.Serial.Device)
	set(envPositiveInt("APP_GAUGE_BAUD", &cfg.Gauge.Serial.Baud))
	envString("APP_GAUGE_ADDRESS", &cfg.Gauge.Address)
	set(envDuration("APP_GAUGE_TIMEOUT", &cfg.Gauge.Timeout, false))

	envString("APP_LOG_ROOT", &cfg.Logs.Root)

	set(envBool("APP_HTTP_ENABLE", &cfg.HTTP.Enable))
	envString("APP_LISTEN_ADDR", &cfg.HTTP.ListenAddr)
	if value := strings.TrimSpace(os.Getenv("APP_ALLOWED_ORIGINS")); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			set(fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty"))
		} else {
			cfg.HTTP.AllowedOrigins = origins
		}
	}
	set(envBool("APP_ENABLE_PROMETHEUS", &cfg.HTTP.EnablePrometheus))
	set(envBool("APP_ENABLE_PPROF", &cfg.HTTP.EnablePprof))
	set(envPositiveInt("APP_WS_MAX_CLIENTS", &cfg.HTTP.WS.MaxClients))
	set(envDuration("APP_WS_WRITE_TIMEOUT", &cfg.HTTP.WS.WriteTimeout, false))
	set(envDuration("APP_WS_READ_TIMEOUT", &cfg.HTTP.WS.ReadTimeout, false))

	set(envBool("APP_MQTT_ENABLE", &cfg.MQTT.Enable))
	envString("APP_MQTT_BROKER", &cfg.MQTT.Broker)
	envString("APP_MQTT_CLIENT_ID", &cfg.MQTT.ClientID)
	envString("APP_MQTT_TOPIC", &cfg.MQTT.Topic)
	envString("APP_MQTT_USERNAME", &cfg.MQTT.Username)
	envString("APP_MQTT_PASSWORD", &cfg.MQTT.Password)
	set(envNonNegativeInt("APP_MQTT_QOS", &cfg.MQTT.QoS))
	set(envBool("APP_MQTT_RETAIN", &cfg.MQTT.Retain))

	return err
}

// Validate checks every section regardless of where the values came from.
func (c Config) Validate() error {
	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json", "logfmt":
	default:
		return fmt.Errorf("log.format: unsupported format %q", c.Log.Format)
	}

	if err := c.Stream.Serial.Validate(); err != nil {
		return fmt.Errorf("stream.serial: %w", err)
	}
	if c.Stream.ChunkCycles <= 0 {
		return fmt.Errorf("stream.chunk_cycles must be > 0")
	}
	if c.Stream.MaxReadAttempts < 0 {
		return fmt.Errorf("stream.max_read_attempts must be >= 0")
	}

	if c.Sampling.Interval <= 0 {
		return fmt.Errorf("sampling.interval must be > 0")
	}
	if c.Sampling.Repeat <= 0 {
		return fmt.Errorf("sampling.repeat must be > 0")
	}
	if math.IsNaN(c.Sampling.Tolerance) || c.Sampling.Tolerance < 0 {
		return fmt.Errorf("sampling.tolerance must be >= 0")
	}

	if c.Retry.BackoffInitial <= 0 {
		return fmt.Errorf("retry.backoff_initial must be > 0")
	}
	if c.Retry.BackoffMax < c.Retry.BackoffInitial {
		return fmt.Errorf("retry.backoff_max must be >= retry.backoff_initial")
	}
	if c.Retry.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("retry.max_consecutive_failures must be >= 0")
	}

	if err := c.Gauge.Serial.Validate(); err != nil {
		return fmt.Errorf("gauge.serial: %w", err)
	}
	if len(c.Gauge.Address) != 2 {
		return fmt.Errorf("gauge.address must be two characters, got %q", c.Gauge.Address)
	}
	if c.Gauge.Timeout <= 0 {
		return fmt.Errorf("gauge.timeout must be > 0")
	}

	if err := c.Calibration.Validate(); err != nil {
		return fmt.Errorf("calibration: %w", err)
	}
	if err := c.Logs.Validate(); err != nil {
		return fmt.Errorf("logs: %w", err)
	}

	if c.HTTP.Enable {
		if c.HTTP.ListenAddr == "" {
			return fmt.Errorf("http.listen_addr must not be empty")
		}
		if len(c.HTTP.AllowedOrigins) == 0 {
			return fmt.Errorf("http.allowed_origins must not be empty")
		}
		if c.HTTP.WS.MaxClients <= 0 {
			return fmt.Errorf("http.ws.max_clients must be > 0")
		}
		if c.HTTP.WS.WriteTimeout <= 0 || c.HTTP.WS.ReadTimeout <= 0 {
			return fmt.Errorf("http.ws timeouts must be > 0")
		}
	}

	if c.MQTT.Enable {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker must not be empty")
		}
		if c.MQTT.Topic == "" || strings.ContainsAny(c.MQTT.Topic, "#+") {
			return fmt.Errorf("mqtt.topic must be a non-empty topic without wildcards")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
		if c.MQTT.ConnectTimeout <= 0 || c.MQTT.PublishTimeout <= 0 {
			return fmt.Errorf("mqtt timeouts must be > 0")
		}
	}
	return nil
}

// LogLevel returns the parsed log level. It assumes Validate has passed.
func (c LogConfig) LogLevel() slog.Level {
	level, _ := ParseLogLevel(c.Level)
	return level
}

func envString(key string, dst *string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*dst = value
	}
}

func envBool(key string, dst *bool) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = enabled
	return nil
}

func envDuration(key string, dst *time.Duration, allowZero bool) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 || (d == 0 && !allowZero) {
		return fmt.Errorf("%s must be > 0", key)
	}
	*dst = d
	return nil
}

func envPositiveInt(key string, dst *int) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if n <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	*dst = n
	return nil
}

func envNonNegativeInt(key string, dst *int) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if n < 0 {
		return fmt.Errorf("%s must be >= 0", key)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%s must be a non-negative number", key)
	}
	*dst = f
	return nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ParseLogLevel maps a level name to a slog level.
func ParseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
