package bridge

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ftlbridge/pkg/ftl"
)

// DefaultConfigPath is used when no -config flag is given.
const DefaultConfigPath = "configs/default.yaml"

type Config struct {
	FTL      FTLConfig      `yaml:"ftl"`
	Media    MediaConfig    `yaml:"media"`
	Service  ServiceConfig  `yaml:"service"`
	Registry RegistryConfig `yaml:"registry"`
	Relay    RelayConfig    `yaml:"relay"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type FTLConfig struct {
	Port                    int           `yaml:"port"`
	BindAddress             string        `yaml:"bind_address"`
	IngestServerName        string        `yaml:"ingest_server_name"`
	MediaPortMin            int           `yaml:"media_port_min"`
	MediaPortMax            int           `yaml:"media_port_max"`
	MediaBindAddress        string        `yaml:"media_bind_address"`
	MaxCommandLength        int           `yaml:"max_command_length"`
	HandshakeTimeout        time.Duration `yaml:"handshake_timeout"`
	WriteTimeout            time.Duration `yaml:"write_timeout"`
	KeepaliveInterval       time.Duration `yaml:"keepalive_interval"`
	KeepaliveMultiplier     int           `yaml:"keepalive_multiplier"`
	MetadataReportInterval  time.Duration `yaml:"metadata_report_interval"`
	RegistryRefreshInterval time.Duration `yaml:"registry_refresh_interval"`
	ServiceTimeout          time.Duration `yaml:"service_timeout"`
}

type MediaConfig struct {
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	ReorderWindow  int           `yaml:"reorder_window"`
	Nack           *bool         `yaml:"nack"`
	MaxNacksPerGap int           `yaml:"max_nacks_per_gap"`
	PingEcho       *bool         `yaml:"ping_echo"`
}

type ServiceConfig struct {
	Kind     string                `yaml:"kind"` // dummy, rest, postgres
	Dummy    DummyServiceConfig    `yaml:"dummy"`
	REST     RESTServiceConfig     `yaml:"rest"`
	Postgres PostgresServiceConfig `yaml:"postgres"`
}

type DummyServiceConfig struct {
	Secrets    map[uint32]string `yaml:"secrets"`
	DefaultKey string            `yaml:"default_key"`
}

type RESTServiceConfig struct {
	BaseURL       string        `yaml:"base_url"`
	AuthToken     string        `yaml:"auth_token"`
	Timeout       time.Duration `yaml:"timeout"`
	Attempts      int           `yaml:"attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type PostgresServiceConfig struct {
	DSN          string `yaml:"dsn"`
	EnsureSchema bool   `yaml:"ensure_schema"`
}

type RegistryConfig struct {
	Kind      string        `yaml:"kind"` // memory, redis
	TTL       time.Duration `yaml:"ttl"`
	RedisAddr string        `yaml:"redis_addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
}

type RelayConfig struct {
	ForwardAddress string `yaml:"forward_address"`
	BindAddress    string `yaml:"bind_address"`
}

type HTTPConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LoadConfig loads configuration from a yaml file
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	// 파일 존재 확인
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig decodes yaml, applies defaults and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// 기본값 설정 및 검증
	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.FTL.Port == 0 {
		c.FTL.Port = ftl.DefaultControlPort
	}
	if c.FTL.IngestServerName == "" {
		if host, err := os.Hostname(); err == nil {
			c.FTL.IngestServerName = host
		}
	}
	if c.FTL.MediaPortMin == 0 && c.FTL.MediaPortMax == 0 {
		c.FTL.MediaPortMin, c.FTL.MediaPortMax = 9000, 9999
	}
	if c.FTL.MaxCommandLength == 0 {
		c.FTL.MaxCommandLength = ftl.DefaultMaxCommandLength
	}
	if c.FTL.HandshakeTimeout == 0 {
		c.FTL.HandshakeTimeout = ftl.DefaultHandshakeTimeout
	}
	if c.FTL.WriteTimeout == 0 {
		c.FTL.WriteTimeout = ftl.DefaultWriteTimeout
	}
	if c.FTL.KeepaliveInterval == 0 {
		c.FTL.KeepaliveInterval = ftl.DefaultKeepaliveInterval
	}
	if c.FTL.KeepaliveMultiplier == 0 {
		c.FTL.KeepaliveMultiplier = ftl.DefaultKeepaliveMultiplier
	}
	if c.FTL.MetadataReportInterval == 0 {
		c.FTL.MetadataReportInterval = ftl.DefaultMetadataReportInterval
	}
	if c.FTL.RegistryRefreshInterval == 0 {
		c.FTL.RegistryRefreshInterval = ftl.DefaultRegistryRefreshInterval
	}
	if c.FTL.ServiceTimeout == 0 {
		c.FTL.ServiceTimeout = ftl.DefaultServiceTimeout
	}

	if c.Media.IdleTimeout == 0 {
		c.Media.IdleTimeout = ftl.DefaultIdleTimeout
	}
	if c.Media.ReorderWindow == 0 {
		c.Media.ReorderWindow = 512
	}
	if c.Media.Nack == nil {
		on := true
		c.Media.Nack = &on
	}
	if c.Media.MaxNacksPerGap == 0 {
		c.Media.MaxNacksPerGap = ftl.DefaultMaxNacksPerGap
	}
	if c.Media.PingEcho == nil {
		on := true
		c.Media.PingEcho = &on
	}

	if c.Service.Kind == "" {
		c.Service.Kind = "dummy"
	}
	if c.Registry.Kind == "" {
		c.Registry.Kind = "memory"
	}
	if c.Registry.TTL == 0 {
		// 갱신 주기의 3배
		c.Registry.TTL = 3 * c.FTL.RegistryRefreshInterval
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	if c.FTL.Port < 0 || c.FTL.Port > 65535 {
		return fmt.Errorf("invalid ftl port: %d (must be between 1-65535, or 0 for any)", c.FTL.Port)
	}
	if c.FTL.MediaPortMin <= 0 || c.FTL.MediaPortMax > 65535 || c.FTL.MediaPortMin > c.FTL.MediaPortMax {
		return fmt.Errorf("invalid media port range: %d-%d", c.FTL.MediaPortMin, c.FTL.MediaPortMax)
	}
	if c.FTL.MaxCommandLength < 64 {
		return fmt.Errorf("invalid max_command_length: %d (must be at least 64)", c.FTL.MaxCommandLength)
	}
	for name, d := range map[string]time.Duration{
		"handshake_timeout":         c.FTL.HandshakeTimeout,
		"write_timeout":             c.FTL.WriteTimeout,
		"keepalive_interval":        c.FTL.KeepaliveInterval,
		"metadata_report_interval":  c.FTL.MetadataReportInterval,
		"registry_refresh_interval": c.FTL.RegistryRefreshInterval,
		"service_timeout":           c.FTL.ServiceTimeout,
		"idle_timeout":              c.Media.IdleTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("invalid %s: %s (must be positive)", name, d)
		}
	}
	if c.FTL.KeepaliveMultiplier < 1 {
		return fmt.Errorf("invalid keepalive_multiplier: %d", c.FTL.KeepaliveMultiplier)
	}
	if c.Media.ReorderWindow < 1 || c.Media.ReorderWindow > 32768 {
		return fmt.Errorf("invalid reorder_window: %d (must be between 1-32768)", c.Media.ReorderWindow)
	}
	if c.Media.MaxNacksPerGap < 1 {
		return fmt.Errorf("invalid max_nacks_per_gap: %d", c.Media.MaxNacksPerGap)
	}

	switch c.Service.Kind {
	case "dummy":
		if len(c.Service.Dummy.Secrets) == 0 && c.Service.Dummy.DefaultKey == "" {
			return fmt.Errorf("dummy service needs secrets or a default_key")
		}
	case "rest":
		if c.Service.REST.BaseURL == "" {
			return fmt.Errorf("rest service needs base_url")
		}
	case "postgres":
		if c.Service.Postgres.DSN == "" {
			return fmt.Errorf("postgres service needs dsn")
		}
	default:
		return fmt.Errorf("invalid service kind: %s (must be one of: dummy, rest, postgres)", c.Service.Kind)
	}

	switch c.Registry.Kind {
	case "memory":
	case "redis":
		if c.Registry.RedisAddr == "" {
			return fmt.Errorf("redis registry needs redis_addr")
		}
	default:
		return fmt.Errorf("invalid registry kind: %s (must be one of: memory, redis)", c.Registry.Kind)
	}
	if c.Registry.TTL <= c.FTL.RegistryRefreshInterval {
		return fmt.Errorf("registry ttl %s must exceed registry_refresh_interval %s", c.Registry.TTL, c.FTL.RegistryRefreshInterval)
	}

	// 로그 레벨 검증
	validLevels := []string{"debug", "info", "warn", "error"}
	levelValid := false
	for _, level := range validLevels {
		if strings.ToLower(c.Logging.Level) == level {
			levelValid = true
			break
		}
	}
	if !levelValid {
		return fmt.Errorf("invalid log level: %s (must be one of: %v)", c.Logging.Level, validLevels)
	}

	return nil
}

// GetSlogLevel returns slog.Level from config
func (c *Config) GetSlogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo // 기본값
	}
}

// ServerConfig converts the yaml settings to the FTL server configuration.
func (c *Config) ServerConfig() ftl.Config {
	return ftl.Config{
		IngestServerName:        c.FTL.IngestServerName,
		MediaBindAddress:        c.FTL.MediaBindAddress,
		MaxCommandLength:        c.FTL.MaxCommandLength,
		HandshakeTimeout:        c.FTL.HandshakeTimeout,
		WriteTimeout:            c.FTL.WriteTimeout,
		KeepaliveInterval:       c.FTL.KeepaliveInterval,
		KeepaliveMultiplier:     c.FTL.KeepaliveMultiplier,
		MetadataReportInterval:  c.FTL.MetadataReportInterval,
		RegistryRefreshInterval: c.FTL.RegistryRefreshInterval,
		ServiceTimeout:          c.FTL.ServiceTimeout,
		Media: ftl.MediaConfig{
			IdleTimeout:    c.Media.IdleTimeout,
			ReorderWindow:  c.Media.ReorderWindow,
			NackEnabled:    *c.Media.Nack,
			MaxNacksPerGap: c.Media.MaxNacksPerGap,
			PingEcho:       *c.Media.PingEcho,
		},
	}
}
