package libmux

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Default values for optional configuration fields.
const (
	DefaultServiceType    = "main"
	DefaultMaxRetries     = 5
	DefaultConnectTimeout = 5 * time.Second
	DefaultMaxQueueDepth  = 1024
	DefaultMaxInFlight    = 64
	DefaultBatchMaxSize   = 10
	DefaultBatchMaxWait   = 50 * time.Millisecond
	DefaultHealthInterval = 15 * time.Second
	DefaultHealthMissed   = 3
	DefaultProbeMethod    = "ping"
	DefaultBackoffMin     = 250 * time.Millisecond
	DefaultBackoffMax     = 30 * time.Second
	DefaultBackoffFactor  = 2.0
	DefaultRequestRetries = 2
)

const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

type (
	Config struct {
		URL         string `yaml:"url"`
		ServiceType string `yaml:"service_type"`
		Codec       string `yaml:"codec"`
		LogLevel    string `yaml:"log_level"`

		Connection ConnectionConfig `yaml:"connection"`
		Batch      BatchConfig      `yaml:"batch"`
		Health     HealthConfig     `yaml:"health"`
		Request    RequestConfig    `yaml:"request"`
		Legacy     LegacyConfig     `yaml:"legacy"`
	}

	ConnectionConfig struct {
		// AutoReconnect defaults to true when omitted.
		AutoReconnect *bool `yaml:"auto_reconnect"`
		// MaxRetries bounds reconnect attempts: omitted means the default,
		// 0 dials once and never reconnects, -1 means unlimited.
		MaxRetries     *int          `yaml:"max_retries"`
		Priority       string        `yaml:"priority"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		MaxQueueDepth  int           `yaml:"max_queue_depth"`
		MaxInFlight    int           `yaml:"max_in_flight"`
		Backoff        BackoffConfig `yaml:"backoff"`
	}

	BackoffConfig struct {
		Kind   string        `yaml:"kind"`
		Min    time.Duration `yaml:"min"`
		Max    time.Duration `yaml:"max"`
		Factor float64       `yaml:"factor"`
		Jitter float64       `yaml:"jitter"`
	}

	BatchConfig struct {
		MaxSize int           `yaml:"max_size"`
		MaxWait time.Duration `yaml:"max_wait"`
	}

	HealthConfig struct {
		Interval    time.Duration `yaml:"interval"`
		MaxMissed   int           `yaml:"max_missed"`
		ProbeMethod string        `yaml:"probe_method"`
	}

	RequestConfig struct {
		Timeout time.Duration `yaml:"timeout"`
		// Retries is the RequestTimeout retry budget of every call.
		Retries *int `yaml:"retries"`
	}

	LegacyConfig struct {
		Enabled bool              `yaml:"enabled"`
		BaseURL string            `yaml:"base_url"`
		Timeout time.Duration     `yaml:"timeout"`
		Headers map[string]string `yaml:"headers"`
	}
)

// LoadConfig reads a YAML file, expands ${VAR} references, applies
// defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config yaml")
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}
	return &cfg, nil
}

// DefaultConfig returns a config for rawURL with every default applied.
func DefaultConfig(rawURL string) *Config {
	cfg := &Config{URL: rawURL}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ServiceType == "" {
		c.ServiceType = DefaultServiceType
	}
	if c.Codec == "" {
		c.Codec = JSONCodec.Name()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	conn := &c.Connection
	if conn.AutoReconnect == nil {
		enabled := true
		conn.AutoReconnect = &enabled
	}
	if conn.MaxRetries == nil {
		retries := DefaultMaxRetries
		conn.MaxRetries = &retries
	}
	if conn.Priority == "" {
		conn.Priority = PriorityNormal.String()
	}
	if conn.ConnectTimeout == 0 {
		conn.ConnectTimeout = DefaultConnectTimeout
	}
	if conn.MaxQueueDepth == 0 {
		conn.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if conn.MaxInFlight == 0 {
		conn.MaxInFlight = DefaultMaxInFlight
	}
	if conn.Backoff.Kind == "" {
		conn.Backoff.Kind = BackoffExponential
	}
	if conn.Backoff.Min == 0 {
		conn.Backoff.Min = DefaultBackoffMin
	}
	if conn.Backoff.Max == 0 {
		conn.Backoff.Max = DefaultBackoffMax
	}
	if conn.Backoff.Factor == 0 {
		conn.Backoff.Factor = DefaultBackoffFactor
	}

	if c.Batch.MaxSize == 0 {
		c.Batch.MaxSize = DefaultBatchMaxSize
	}
	if c.Batch.MaxWait == 0 {
		c.Batch.MaxWait = DefaultBatchMaxWait
	}

	if c.Health.Interval == 0 {
		c.Health.Interval = DefaultHealthInterval
	}
	if c.Health.MaxMissed == 0 {
		c.Health.MaxMissed = DefaultHealthMissed
	}
	if c.Health.ProbeMethod == "" {
		c.Health.ProbeMethod = DefaultProbeMethod
	}

	if c.Request.Timeout == 0 {
		c.Request.Timeout = DefaultRequestTimeout
	}
	if c.Request.Retries == nil {
		retries := DefaultRequestRetries
		c.Request.Retries = &retries
	}

	if c.Legacy.Timeout == 0 {
		c.Legacy.Timeout = c.Request.Timeout
	}
}

// Validate checks that required fields are set and values are usable.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return errors.Wrap(err, "url")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.Errorf("url scheme must be ws or wss, got %q", u.Scheme)
	}

	if _, err := CodecByName(c.Codec); err != nil {
		return err
	}
	if _, err := ParsePriority(c.Connection.Priority); err != nil {
		return errors.Wrap(err, "connection.priority")
	}

	switch strings.ToLower(c.Connection.Backoff.Kind) {
	case BackoffExponential, BackoffFixed:
	default:
		return errors.Errorf("connection.backoff.kind must be %s or %s, got %q",
			BackoffExponential, BackoffFixed, c.Connection.Backoff.Kind)
	}
	if c.Connection.Backoff.Min > c.Connection.Backoff.Max {
		return errors.Errorf("connection.backoff.min (%s) cannot exceed max (%s)",
			c.Connection.Backoff.Min, c.Connection.Backoff.Max)
	}
	if c.Connection.Backoff.Jitter < 0 || c.Connection.Backoff.Jitter > 1 {
		return errors.New("connection.backoff.jitter must be between 0 and 1")
	}
	if c.Connection.MaxRetries != nil && *c.Connection.MaxRetries < -1 {
		return errors.New("connection.max_retries must be >= -1")
	}
	if c.Connection.ConnectTimeout < 0 {
		return errors.New("connection.connect_timeout must be positive")
	}
	if c.Connection.MaxQueueDepth < 1 {
		return errors.New("connection.max_queue_depth must be >= 1")
	}
	if c.Connection.MaxInFlight < 1 {
		return errors.New("connection.max_in_flight must be >= 1")
	}
	if c.Batch.MaxSize < 1 {
		return errors.New("batch.max_size must be >= 1")
	}
	if c.Health.MaxMissed < 1 {
		return errors.New("health.max_missed must be >= 1")
	}
	if c.Request.Retries != nil && *c.Request.Retries < 0 {
		return errors.New("request.retries must be >= 0")
	}

	if c.Legacy.Enabled {
		if c.Legacy.BaseURL == "" {
			return errors.New("legacy.base_url is required when legacy is enabled")
		}
		if _, err := url.Parse(c.Legacy.BaseURL); err != nil {
			return errors.Wrap(err, "legacy.base_url")
		}
	}
	return nil
}

// ConnectionOptions translates the config into runtime options. Logger
// and SessionID are left for the caller.
func (c *Config) ConnectionOptions() ConnectionOptions {
	opts := DefaultConnectionOptions()

	opts.ServiceType = c.ServiceType
	if c.Connection.AutoReconnect != nil {
		opts.AutoReconnect = *c.Connection.AutoReconnect
	}
	if c.Connection.MaxRetries != nil {
		opts.MaxRetries = *c.Connection.MaxRetries
	}
	if p, err := ParsePriority(c.Connection.Priority); err == nil {
		opts.Priority = p
	}
	opts.ConnectTimeout = c.Connection.ConnectTimeout
	opts.MaxQueueDepth = c.Connection.MaxQueueDepth
	opts.MaxInFlight = c.Connection.MaxInFlight

	if strings.EqualFold(c.Connection.Backoff.Kind, BackoffFixed) {
		opts.Backoff = FixedBackoff(c.Connection.Backoff.Min)
	} else {
		opts.Backoff = Backoff{
			Min:    c.Connection.Backoff.Min,
			Max:    c.Connection.Backoff.Max,
			Factor: c.Connection.Backoff.Factor,
			Jitter: c.Connection.Backoff.Jitter,
		}.Calculator()
	}

	opts.Batch = BatchOptions{MaxSize: c.Batch.MaxSize, MaxWait: c.Batch.MaxWait}
	opts.Health = HealthOptions{
		Interval:    c.Health.Interval,
		MaxMissed:   c.Health.MaxMissed,
		ProbeMethod: c.Health.ProbeMethod,
	}
	if codec, err := CodecByName(c.Codec); err == nil {
		opts.Codec = codec
	}
	return opts
}
