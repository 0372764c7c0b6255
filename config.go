package apexd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/sith-oath/apexd/service"
)

type ServerConfig struct {
	Host                  string `toml:"host"`
	Port                  int    `toml:"port"`
	MaxBodySizeBytes      int64  `toml:"max_body_size_bytes"`
	MaxConcurrentRequests int64  `toml:"max_concurrent_requests"`
	LogLevel              string `toml:"log_level"`

	// TimeoutSeconds bounds a single API request. Websocket connections are
	// not subject to it.
	TimeoutSeconds  int      `toml:"timeout_seconds"`
	AllowAllOrigins bool     `toml:"allow_all_origins"`
	AllowedOrigins  []string `toml:"allowed_origins"`
}

type SalesforceConfig struct {
	APIVersion string       `toml:"api_version"`
	Timeout    TOMLDuration `toml:"timeout"`
	MaxRetries int          `toml:"max_retries"`
	MaxRPS     int          `toml:"max_rps"`
}

type RedisConfig struct {
	URL              string `toml:"url"`
	ReadURL          string `toml:"read_url"`
	Namespace        string `toml:"namespace"`
	FallbackToMemory bool   `toml:"fallback_to_memory"`
	RedisCluster     bool   `toml:"redis_cluster"`
}

type CacheConfig struct {
	MemoryLimit   int          `toml:"memory_limit"`
	Compress      bool         `toml:"compress"`
	FieldNamesTTL TOMLDuration `toml:"field_names_ttl"`
	ClassesTTL    TOMLDuration `toml:"classes_ttl"`
	VersionsTTL   TOMLDuration `toml:"versions_ttl"`
}

type PollerConfig struct {
	Interval       TOMLDuration `toml:"interval"`
	MaxTickRetries int          `toml:"max_tick_retries"`
	MaxDuration    TOMLDuration `toml:"max_duration"`
}

type TraceFlagConfig struct {
	Expiration TOMLDuration `toml:"expiration"`
	LockExpiry TOMLDuration `toml:"lock_expiry"`
}

type ExtractConfig struct {
	Concurrency int `toml:"concurrency"`
	SeenLimit   int `toml:"seen_limit"`
}

const (
	SinkTypeLog      = "log"
	SinkTypePostgres = "postgres"
)

type SinkConfig struct {
	Type        string `toml:"type"`
	PostgresURI string `toml:"postgres_uri"`
	Migrate     bool   `toml:"migrate"`
}

type NotifyConfig struct {
	BufferSize   int          `toml:"buffer_size"`
	PingInterval TOMLDuration `toml:"ping_interval"`
	RelayChannel string       `toml:"relay_channel"`
}

type Config struct {
	Server     ServerConfig          `toml:"server"`
	Salesforce SalesforceConfig      `toml:"salesforce"`
	Redis      RedisConfig           `toml:"redis"`
	Cache      CacheConfig           `toml:"cache"`
	Poller     PollerConfig          `toml:"poller"`
	TraceFlag  TraceFlagConfig       `toml:"trace_flag"`
	Extract    ExtractConfig         `toml:"extract"`
	Sink       SinkConfig            `toml:"sink"`
	Notify     NotifyConfig          `toml:"notify"`
	Metrics    service.MetricsConfig `toml:"metrics"`
	Healthz    service.HealthzConfig `toml:"healthz"`
}

type TOMLDuration time.Duration

func (t *TOMLDuration) UnmarshalText(b []byte) error {
	d, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}

	*t = TOMLDuration(d)
	return nil
}

func (t TOMLDuration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(t).String()), nil
}

// LoadConfig decodes the TOML file at path. Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	config := new(Config)
	md, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return config, nil
}

// Validate checks the config and fills in defaults for anything left unset.
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Errorf("server port %d is out of range", c.Server.Port)
	}
	if c.Server.MaxBodySizeBytes == 0 {
		c.Server.MaxBodySizeBytes = 1024 * 1024
	}
	if c.Server.TimeoutSeconds == 0 {
		c.Server.TimeoutSeconds = 60
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.Salesforce.MaxRetries < 0 {
		return errors.New("salesforce max_retries must not be negative")
	}

	if c.Redis.ReadURL != "" && c.Redis.URL == "" {
		return errors.New("must specify a redis primary url, only read_url is set")
	}
	if c.Redis.Namespace == "" {
		c.Redis.Namespace = "apexd"
	}

	if c.Cache.FieldNamesTTL == 0 {
		c.Cache.FieldNamesTTL = TOMLDuration(12 * time.Hour)
	}
	if c.Cache.ClassesTTL == 0 {
		c.Cache.ClassesTTL = TOMLDuration(20 * time.Minute)
	}
	if c.Cache.VersionsTTL == 0 {
		c.Cache.VersionsTTL = TOMLDuration(24 * time.Hour)
	}

	if c.Poller.Interval == 0 {
		c.Poller.Interval = TOMLDuration(3 * time.Second)
	}
	if time.Duration(c.Poller.Interval) < 100*time.Millisecond {
		return errors.Errorf("poller interval %s is too short", time.Duration(c.Poller.Interval))
	}
	if c.Poller.MaxTickRetries < 0 {
		return errors.New("poller max_tick_retries must not be negative")
	}
	if c.Poller.MaxDuration < 0 {
		return errors.New("poller max_duration must not be negative")
	}

	if c.TraceFlag.LockExpiry != 0 && time.Duration(c.TraceFlag.LockExpiry) <= time.Duration(c.Poller.Interval) {
		return errors.Errorf("trace_flag lock_expiry must be longer than the poller interval %s", time.Duration(c.Poller.Interval))
	}

	if c.Extract.Concurrency < 0 {
		return errors.New("extract concurrency must not be negative")
	}

	switch c.Sink.Type {
	case "":
		c.Sink.Type = SinkTypeLog
	case SinkTypeLog:
	case SinkTypePostgres:
		if c.Sink.PostgresURI == "" {
			return errors.New("postgres sink requires postgres_uri")
		}
	default:
		return errors.Errorf("unknown sink type %q", c.Sink.Type)
	}

	if c.Notify.RelayChannel == "" {
		c.Notify.RelayChannel = c.Redis.Namespace + ":notifications"
	}

	if c.Metrics.Enabled {
		if c.Metrics.Host == "" || c.Metrics.Port == "" {
			return errors.New("metrics is enabled but host or port are missing")
		}
	}
	if c.Healthz.Enabled {
		if c.Healthz.Host == "" || c.Healthz.Port == "" {
			return errors.New("healthz is enabled but host or port are missing")
		}
	}
	return nil
}

// ReadFromEnvOrConfig resolves "$NAME" to the NAME environment variable. A
// leading backslash escapes a literal dollar sign.
func ReadFromEnvOrConfig(value string) (string, error) {
	if strings.HasPrefix(value, "$") {
		envValue := os.Getenv(strings.TrimPrefix(value, "$"))
		if envValue == "" {
			return "", fmt.Errorf("config env var %s not found", value)
		}
		return envValue, nil
	}

	if strings.HasPrefix(value, "\\") {
		return strings.TrimPrefix(value, "\\"), nil
	}

	return value, nil
}
