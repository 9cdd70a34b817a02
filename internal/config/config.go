package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete recorder configuration.
// It is loaded once at startup and never mutated afterwards.
type Config struct {
	Group          string `yaml:"group" toml:"group"`
	ReceiveAddress string `yaml:"receive_address" toml:"receive_address"`
	AudioWritePath string `yaml:"audio_write_path" toml:"audio_write_path"`

	Server  ServerConfig  `yaml:"server" toml:"server"`
	Storage StorageConfig `yaml:"storage" toml:"storage"`
	Upload  UploadConfig  `yaml:"upload" toml:"upload"`
	HTTP    HTTPConfig    `yaml:"http" toml:"http"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// ServerConfig contains UDP receiver configuration
type ServerConfig struct {
	ReadBufferSize   int `yaml:"read_buffer_size" toml:"read_buffer_size"`     // bytes per datagram read
	SocketBufferSize int `yaml:"socket_buffer_size" toml:"socket_buffer_size"` // kernel receive buffer
}

// StorageConfig contains flush policy and output format
type StorageConfig struct {
	Format      string  `yaml:"format" toml:"format"` // "pcm" or "wav"
	SampleRate  int     `yaml:"sample_rate" toml:"sample_rate"`
	FileMode    uint32  `yaml:"file_mode" toml:"file_mode"`
	Sidecar     bool    `yaml:"sidecar" toml:"sidecar"`
	MinDuration float64 `yaml:"min_duration" toml:"min_duration"` // seconds, 0 disables
	MaxDuration float64 `yaml:"max_duration" toml:"max_duration"` // seconds, 0 disables
	SkipEmpty   bool    `yaml:"skip_empty" toml:"skip_empty"`
	QueueSize   int     `yaml:"queue_size" toml:"queue_size"` // 0 writes inline
	// DrainTimeout bounds how long shutdown waits for queued writes, in seconds
	DrainTimeout int `yaml:"drain_timeout" toml:"drain_timeout"`
}

// UploadConfig contains the optional HTTP upload sink configuration
type UploadConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	Endpoint   string `yaml:"endpoint" toml:"endpoint"`
	APIKey     string `yaml:"api_key" toml:"api_key"`
	Timeout    int    `yaml:"timeout" toml:"timeout"` // seconds
	MaxRetries int    `yaml:"max_retries" toml:"max_retries"`
}

// HTTPConfig contains HTTP monitoring API configuration
type HTTPConfig struct {
	Port    int    `yaml:"port" toml:"port"`
	Address string `yaml:"address" toml:"address"`
	Enabled bool   `yaml:"enabled" toml:"enabled"`

	// Event feed
	EventBuffer    int      `yaml:"event_buffer" toml:"event_buffer"`       // events queued per client
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"` // empty allows same-origin only
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	Output string `yaml:"output" toml:"output"`
}

// Default returns a configuration with every optional field set
func Default() *Config {
	return &Config{
		ReceiveAddress: "0.0.0.0:34001",
		AudioWritePath: "./audio",
		Server: ServerConfig{
			ReadBufferSize:   1024,
			SocketBufferSize: 65536,
		},
		Storage: StorageConfig{
			Format:       "pcm",
			SampleRate:   8000,
			FileMode:     0o600,
			DrainTimeout: 10,
		},
		Upload: UploadConfig{
			Timeout: 30,
		},
		HTTP: HTTPConfig{
			Port:        8080,
			Address:     "127.0.0.1",
			EventBuffer: 64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// A .env file and USRP_* environment variables override file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	if err := config.ApplyEnv(os.Getenv); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides fields from USRP_* variables looked up with getenv
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("USRP_GROUP"); v != "" {
		c.Group = v
	}
	if v := getenv("USRP_RECEIVE_ADDRESS"); v != "" {
		c.ReceiveAddress = v
	}
	if v := getenv("USRP_AUDIO_WRITE_PATH"); v != "" {
		c.AudioWritePath = v
	}
	if v := getenv("USRP_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := getenv("USRP_HTTP_ADDRESS"); v != "" {
		c.HTTP.Address = v
	}
	if v := getenv("USRP_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("USRP_HTTP_PORT: %w", err)
		}
		c.HTTP.Port = port
	}
	if v := getenv("USRP_UPLOAD_API_KEY"); v != "" {
		c.Upload.APIKey = v
	}
	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Group) == "" {
		return fmt.Errorf("group cannot be empty")
	}

	if strings.ContainsAny(c.Group, `/\`) {
		return fmt.Errorf("group must not contain path separators, got %q", c.Group)
	}

	if _, _, err := net.SplitHostPort(c.ReceiveAddress); err != nil {
		return fmt.Errorf("receive_address must be host:port, got %q: %w", c.ReceiveAddress, err)
	}

	if c.AudioWritePath == "" {
		return fmt.Errorf("audio_write_path cannot be empty")
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.Upload.Validate(); err != nil {
		return fmt.Errorf("upload config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.ReadBufferSize < 32 {
		return fmt.Errorf("read_buffer_size must hold at least a 32 byte header, got %d", s.ReadBufferSize)
	}

	if s.ReadBufferSize > 65535 {
		return fmt.Errorf("read_buffer_size cannot exceed 65535 bytes, got %d", s.ReadBufferSize)
	}

	if s.SocketBufferSize < 0 {
		return fmt.Errorf("socket_buffer_size cannot be negative, got %d", s.SocketBufferSize)
	}

	return nil
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	validFormats := map[string]bool{"pcm": true, "wav": true}
	if !validFormats[s.Format] {
		return fmt.Errorf("format must be 'pcm' or 'wav', got '%s'", s.Format)
	}

	if s.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", s.SampleRate)
	}

	if s.FileMode == 0 || s.FileMode > 0o777 {
		return fmt.Errorf("file_mode must be a permission mode between 0001 and 0777, got %o", s.FileMode)
	}

	if s.MinDuration < 0 || s.MaxDuration < 0 {
		return fmt.Errorf("min_duration and max_duration cannot be negative")
	}

	if s.MaxDuration > 0 && s.MaxDuration <= s.MinDuration {
		return fmt.Errorf("max_duration (%f) must be greater than min_duration (%f)",
			s.MaxDuration, s.MinDuration)
	}

	if s.QueueSize < 0 {
		return fmt.Errorf("queue_size cannot be negative, got %d", s.QueueSize)
	}

	if s.DrainTimeout < 0 {
		return fmt.Errorf("drain_timeout cannot be negative, got %d", s.DrainTimeout)
	}

	return nil
}

// Validate validates upload configuration
func (u *UploadConfig) Validate() error {
	if !u.Enabled {
		return nil
	}

	if u.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty when upload is enabled")
	}

	if u.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", u.Timeout)
	}

	if u.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", u.MaxRetries)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}

		if h.EventBuffer < 1 {
			return fmt.Errorf("event_buffer must be at least 1, got %d", h.EventBuffer)
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// any other output value is treated as a file path
	return nil
}

// GetMinDuration returns the minimum flushed duration as a time.Duration
func (s *StorageConfig) GetMinDuration() time.Duration {
	return time.Duration(s.MinDuration * float64(time.Second))
}

// GetMaxDuration returns the maximum flushed duration as a time.Duration
func (s *StorageConfig) GetMaxDuration() time.Duration {
	return time.Duration(s.MaxDuration * float64(time.Second))
}

// GetFileMode returns the permission bits for written audio files
func (s *StorageConfig) GetFileMode() os.FileMode {
	return os.FileMode(s.FileMode)
}

// GetDrainTimeout returns the shutdown wait for queued writes, zero meaning the receiver default
func (s *StorageConfig) GetDrainTimeout() time.Duration {
	return time.Duration(s.DrainTimeout) * time.Second
}

// GetTimeoutDuration returns the upload timeout as a time.Duration
func (u *UploadConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(u.Timeout) * time.Second
}

// HTTPListenAddress returns the host:port of the monitoring API
func (h *HTTPConfig) HTTPListenAddress() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.Port))
}
