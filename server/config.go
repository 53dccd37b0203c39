package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RateLimitConfig caps inbound frames per connection. A zero Burst, the
// default, disables the limit.
type RateLimitConfig struct {
	Burst    int           `yaml:"burst"`
	Interval time.Duration `yaml:"interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type EventLogConfig struct {
	// Path of the SQLite file. Empty disables the event log.
	Path string `yaml:"path"`
}

type RedisConfig struct {
	// Addr of the Redis server. Empty disables the presence mirror.
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	TTL       time.Duration `yaml:"ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// Config is the server configuration. It is read from YAML, then
// overridden by CHATRELAY_* environment variables and finally by flags.
type Config struct {
	ListenAddr        string          `yaml:"listen_addr"`
	IdleTimeout       time.Duration   `yaml:"idle_timeout"`
	PollInterval      time.Duration   `yaml:"poll_interval"`
	SendBuffer        int             `yaml:"send_buffer"`
	MaxMessageSize    int64           `yaml:"max_message_size"`
	AllowedOrigins    []string        `yaml:"allowed_origins"`
	TrustProxyHeaders bool            `yaml:"trust_proxy_headers"`
	ShutdownTimeout   time.Duration   `yaml:"shutdown_timeout"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
	Log               LogConfig       `yaml:"log"`
	Metrics           MetricsConfig   `yaml:"metrics"`
	EventLog          EventLogConfig  `yaml:"event_log"`
	Redis             RedisConfig     `yaml:"redis"`
}

func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      ":8080",
		IdleTimeout:     defaultIdleTimeout,
		PollInterval:    defaultPollInterval,
		SendBuffer:      256,
		MaxMessageSize:  1024,
		AllowedOrigins:  []string{"*"},
		ShutdownTimeout: 5 * time.Second,
		RateLimit: RateLimitConfig{
			Interval: 100 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{Enabled: true},
		Redis: RedisConfig{
			TTL:       time.Minute,
			KeyPrefix: "chat:presence:",
		},
	}
}

// LoadConfig reads path. A missing file is created with the defaults so the
// operator has something to edit.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		cfg.sanitize()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := cfg.Save(path); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, errors.Wrapf(err, "read config %s", path)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}

	cfg.sanitize()
	return cfg, nil
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "write config %s", path)
	}
	return nil
}

// ApplyEnv overrides fields from CHATRELAY_* variables. Unparseable values
// are reported and leave the field unchanged.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var bad []string

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				bad = append(bad, key)
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				bad = append(bad, key)
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				bad = append(bad, key)
				return
			}
			*dst = b
		}
	}

	str("CHATRELAY_LISTEN_ADDR", &c.ListenAddr)
	dur("CHATRELAY_IDLE_TIMEOUT", &c.IdleTimeout)
	dur("CHATRELAY_POLL_INTERVAL", &c.PollInterval)
	num("CHATRELAY_SEND_BUFFER", &c.SendBuffer)
	if v, ok := lookup("CHATRELAY_ALLOWED_ORIGINS"); ok && v != "" {
		c.AllowedOrigins = strings.Split(v, ",")
	}
	flag("CHATRELAY_TRUST_PROXY_HEADERS", &c.TrustProxyHeaders)
	num("CHATRELAY_RATE_LIMIT_BURST", &c.RateLimit.Burst)
	dur("CHATRELAY_RATE_LIMIT_INTERVAL", &c.RateLimit.Interval)
	str("CHATRELAY_LOG_LEVEL", &c.Log.Level)
	str("CHATRELAY_LOG_FORMAT", &c.Log.Format)
	str("CHATRELAY_LOG_FILE", &c.Log.File)
	flag("CHATRELAY_METRICS", &c.Metrics.Enabled)
	str("CHATRELAY_EVENT_LOG", &c.EventLog.Path)
	str("CHATRELAY_REDIS_ADDR", &c.Redis.Addr)
	str("CHATRELAY_REDIS_PASSWORD", &c.Redis.Password)
	num("CHATRELAY_REDIS_DB", &c.Redis.DB)

	c.sanitize()
	if len(bad) > 0 {
		return errors.Errorf("invalid environment values: %s", strings.Join(bad, ", "))
	}
	return nil
}

// SetPort replaces the port of ListenAddr, keeping any host part.
func (c *Config) SetPort(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return errors.Errorf("invalid port %q", port)
	}
	host := ""
	if i := strings.LastIndex(c.ListenAddr, ":"); i >= 0 {
		host = c.ListenAddr[:i]
	}
	c.ListenAddr = host + ":" + strconv.Itoa(n)
	return nil
}

func (c *Config) sanitize() {
	def := DefaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.RateLimit.Interval <= 0 {
		c.RateLimit.Interval = def.RateLimit.Interval
	}
	if c.Redis.TTL <= 0 {
		c.Redis.TTL = def.Redis.TTL
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = def.Redis.KeyPrefix
	}
	origins := c.AllowedOrigins[:0]
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowedOrigins = origins
}
