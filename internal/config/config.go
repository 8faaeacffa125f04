// Package config loads consumer configuration from an optional TOML file
// and environment variables
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from TOML strings like "30s"
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config holds all consumer configuration
type Config struct {
	LogLevel   string         `toml:"log_level"`
	Dev        bool           `toml:"dev"`
	Queue      QueueConfig    `toml:"queue"`
	Engine     EngineConfig   `toml:"engine"`
	Dispatch   DispatchConfig `toml:"dispatch"`
	DeadLetter SinkConfig     `toml:"dead_letter"`
	Info       SinkConfig     `toml:"info"`
	HTTP       HTTPConfig     `toml:"http"`
	Secrets    SecretsConfig  `toml:"secrets"`
	Decoder    DecoderConfig  `toml:"decoder"`
	Warnings   WarningsConfig `toml:"warnings"`
}

// QueueConfig configures the SQS source queue
type QueueConfig struct {
	// URL accepts a queue URL or queue ARN
	URL string `toml:"url"`

	Region            string   `toml:"region"`
	Endpoint          string   `toml:"endpoint"`
	AccessKeyID       string   `toml:"access_key_id"`
	SecretAccessKey   string   `toml:"secret_access_key"`
	VisibilityTimeout Duration `toml:"visibility_timeout"`
	WaitTime          Duration `toml:"wait_time"`
	CallTimeout       Duration `toml:"call_timeout"`
	MaxAttempts       int      `toml:"max_attempts"`

	// MaxReceiveCount is the retry budget before dead-lettering
	MaxReceiveCount int `toml:"max_receive_count"`
}

// EngineConfig configures the resolution engine client
type EngineConfig struct {
	URL string `toml:"url"`

	// ConfigJSON is passed to the engine at startup
	ConfigJSON string `toml:"config_json"`

	// ConfigSecret is an aws-sm:// or vault:// reference resolved into ConfigJSON
	ConfigSecret string `toml:"config_secret"`

	InstanceName string   `toml:"instance_name"`
	CallTimeout  Duration `toml:"call_timeout"`
	WithInfo     bool     `toml:"with_info"`
	DebugTrace   bool     `toml:"debug_trace"`
}

// DispatchConfig configures the worker pool and visibility management
type DispatchConfig struct {
	Workers          int      `toml:"workers"`
	BatchSize        int      `toml:"batch_size"`
	RecordsPerSecond float64  `toml:"records_per_second"`
	LongRecord       Duration `toml:"long_record"`
	ExtendInterval   Duration `toml:"extend_interval"`
	ExtendFraction   float64  `toml:"extend_fraction"`
	ShutdownGrace    Duration `toml:"shutdown_grace"`
	StatsEvery       int      `toml:"stats_every"`
	StatsInterval    Duration `toml:"stats_interval"`
}

// SinkConfig selects and configures a dead-letter or info sink
type SinkConfig struct {
	// Type is one of none, log, sqs, redis, nats, mongo
	Type string `toml:"type"`

	// Discover uses the source queue's redrive policy when Type is sqs and
	// QueueURL is empty
	Discover bool `toml:"discover"`

	QueueURL string `toml:"queue_url"`

	// ForwardPermanent also forwards permanent failures
	ForwardPermanent bool `toml:"forward_permanent"`

	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisKey      string `toml:"redis_key"`
	RedisMaxLen   int64  `toml:"redis_max_len"`

	NATSURL     string `toml:"nats_url"`
	NATSSubject string `toml:"nats_subject"`

	MongoURI        string `toml:"mongo_uri"`
	MongoDatabase   string `toml:"mongo_database"`
	MongoCollection string `toml:"mongo_collection"`
}

// HTTPConfig configures the operations server
type HTTPConfig struct {
	Port int `toml:"port"`
}

// SecretsConfig configures secret backends
type SecretsConfig struct {
	VaultAddr  string `toml:"vault_addr"`
	VaultToken string `toml:"vault_token"`
	Region     string `toml:"region"`
}

// DecoderConfig configures message validation
type DecoderConfig struct {
	RequiredFields    []string `toml:"required_fields"`
	DefaultDataSource string   `toml:"default_data_source"`
	MaxBodyBytes      int      `toml:"max_body_bytes"`
}

// WarningsConfig bounds the in-memory warning store
type WarningsConfig struct {
	MaxWarnings int      `toml:"max_warnings"`
	MaxAge      Duration `toml:"max_age"`
}

// DefaultWorkers matches a thread pool sized from the CPU count
func DefaultWorkers() int {
	n := runtime.NumCPU() + 4
	if n > 32 {
		n = 32
	}
	return n
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Queue: QueueConfig{
			Region:            "us-east-1",
			VisibilityTimeout: Duration{10 * time.Minute},
			WaitTime:          Duration{20 * time.Second},
			CallTimeout:       Duration{10 * time.Second},
			MaxAttempts:       5,
			MaxReceiveCount:   5,
		},
		Engine: EngineConfig{
			URL:          "http://localhost:8250",
			InstanceName: "sz-sqs-consumer",
			CallTimeout:  Duration{10 * time.Minute},
		},
		Dispatch: DispatchConfig{
			Workers:        DefaultWorkers(),
			BatchSize:      10,
			LongRecord:     Duration{5 * time.Minute},
			ExtendInterval: Duration{10 * time.Second},
			ExtendFraction: 0.5,
			ShutdownGrace:  Duration{30 * time.Second},
			StatsEvery:     10000,
			StatsInterval:  Duration{10 * time.Minute},
		},
		DeadLetter: SinkConfig{Type: "sqs", Discover: true},
		Info:       SinkConfig{Type: "log"},
		HTTP:       HTTPConfig{Port: 8080},
		Decoder: DecoderConfig{
			RequiredFields: []string{"DATA_SOURCE", "RECORD_ID"},
			MaxBodyBytes:   256 * 1024,
		},
		Warnings: WarningsConfig{
			MaxWarnings: 1000,
			MaxAge:      Duration{24 * time.Hour},
		},
	}
}

// Load reads path (if not empty) over the defaults, then applies
// environment overrides
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown keys in config file %s: %s", path, strings.Join(keys, ", "))
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = strings.ToLower(getEnv("SENZING_LOG_LEVEL", c.LogLevel))
	c.Dev = getEnvBool("SENZING_DEV", c.Dev)
	c.HTTP.Port = getEnvInt("HTTP_PORT", c.HTTP.Port)

	c.Queue.URL = getEnv("SENZING_SQS_QUEUE_URL", c.Queue.URL)
	c.Queue.Region = getEnv("AWS_REGION", c.Queue.Region)
	c.Queue.Endpoint = getEnv("SQS_ENDPOINT", c.Queue.Endpoint)
	c.Queue.MaxReceiveCount = getEnvInt("SENZING_MAX_RECEIVE_COUNT", c.Queue.MaxReceiveCount)

	c.Engine.URL = getEnv("SENZING_ENGINE_URL", c.Engine.URL)
	c.Engine.ConfigJSON = getEnv("SENZING_ENGINE_CONFIGURATION_JSON", c.Engine.ConfigJSON)
	c.Engine.ConfigSecret = getEnv("SENZING_ENGINE_CONFIGURATION_SECRET", c.Engine.ConfigSecret)

	c.Dispatch.Workers = getEnvInt("SENZING_THREADS_PER_PROCESS", c.Dispatch.Workers)
	if v, ok := os.LookupEnv("LONG_RECORD"); ok {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.Dispatch.LongRecord = Duration{time.Duration(secs) * time.Second}
			c.Queue.VisibilityTimeout = Duration{2 * c.Dispatch.LongRecord.Duration}
		}
	}
	c.Dispatch.RecordsPerSecond = getEnvFloat("SENZING_RECORDS_PER_SECOND", c.Dispatch.RecordsPerSecond)
	c.Dispatch.ExtendFraction = getEnvFloat("SENZING_EXTEND_FRACTION", c.Dispatch.ExtendFraction)
	c.Dispatch.ShutdownGrace = Duration{getEnvDuration("SENZING_SHUTDOWN_GRACE", c.Dispatch.ShutdownGrace.Duration)}

	c.DeadLetter.Type = getEnv("SENZING_DEAD_LETTER_TYPE", c.DeadLetter.Type)
	c.DeadLetter.QueueURL = getEnv("SENZING_DEAD_LETTER_QUEUE_URL", c.DeadLetter.QueueURL)
	c.Info.Type = getEnv("SENZING_INFO_TYPE", c.Info.Type)
	c.Info.QueueURL = getEnv("SENZING_INFO_QUEUE_URL", c.Info.QueueURL)

	c.Secrets.VaultAddr = getEnv("VAULT_ADDR", c.Secrets.VaultAddr)
	c.Secrets.VaultToken = getEnv("VAULT_TOKEN", c.Secrets.VaultToken)
}

var sinkTypes = map[string]bool{"none": true, "log": true, "sqs": true, "redis": true, "nats": true, "mongo": true}

// Validate checks the configuration once secrets are resolved
func (c *Config) Validate() error {
	var errs []error

	if c.Queue.URL == "" {
		errs = append(errs, errors.New("queue url is required (-q or SENZING_SQS_QUEUE_URL)"))
	}
	if c.Engine.ConfigJSON == "" && c.Engine.ConfigSecret == "" {
		errs = append(errs, errors.New("SENZING_ENGINE_CONFIGURATION_JSON must be set with a proper JSON configuration"))
	}
	if c.Engine.ConfigJSON != "" && !json.Valid([]byte(c.Engine.ConfigJSON)) {
		errs = append(errs, errors.New("engine configuration is not valid JSON"))
	}
	if u, err := url.Parse(c.Engine.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid engine url %q", c.Engine.URL))
	}
	if c.Dispatch.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Dispatch.Workers))
	}
	if c.Dispatch.RecordsPerSecond < 0 {
		errs = append(errs, errors.New("records per second must not be negative"))
	}
	if c.Dispatch.ExtendFraction <= 0 || c.Dispatch.ExtendFraction >= 1 {
		errs = append(errs, fmt.Errorf("extend fraction must be between 0 and 1, got %g", c.Dispatch.ExtendFraction))
	}
	if c.Queue.MaxReceiveCount < 1 {
		errs = append(errs, fmt.Errorf("max receive count must be at least 1, got %d", c.Queue.MaxReceiveCount))
	}
	if c.Queue.VisibilityTimeout.Duration < time.Second {
		errs = append(errs, errors.New("visibility timeout must be at least 1s"))
	}
	for name, s := range map[string]SinkConfig{"dead_letter": c.DeadLetter, "info": c.Info} {
		if !sinkTypes[s.Type] {
			errs = append(errs, fmt.Errorf("%s: unknown sink type %q", name, s.Type))
		}
	}

	return errors.Join(errs...)
}

// Level maps LogLevel onto the names zerolog understands
func (c *Config) Level() string {
	switch c.LogLevel {
	case "warning":
		return "warn"
	case "critical", "fatal":
		return "fatal"
	default:
		return c.LogLevel
	}
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
