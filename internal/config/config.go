package config

import "time"

// Config holds client configuration values.
type Config struct {
	ServerURL       string        `mapstructure:"server_url" yaml:"server_url"`
	StreamPath      string        `mapstructure:"stream_path" yaml:"stream_path"`
	SocketPath      string        `mapstructure:"socket_path" yaml:"socket_path"`
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"`
	LogFormat       string        `mapstructure:"log_format" yaml:"log_format"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	// EmitRate limits outbound socket emits per second; 0 disables the limit.
	EmitRate  float64 `mapstructure:"emit_rate" yaml:"emit_rate"`
	EmitBurst int     `mapstructure:"emit_burst" yaml:"emit_burst"`
	// MetricsAddr serves /metrics when set.
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	// HistorySize is how many recent messages of room "0" are loaded after login.
	HistorySize int `mapstructure:"history_size" yaml:"history_size"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		ServerURL:       "http://localhost:8000",
		StreamPath:      "/stream",
		SocketPath:      "/socket.io/",
		LogLevel:        "info",
		LogFormat:       "console",
		RequestTimeout:  10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		MaxMessageBytes: 1 << 20,
		EmitRate:        10,
		EmitBurst:       20,
		HistorySize:     15,
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.ServerURL != "" {
		c.ServerURL = other.ServerURL
	}
	if other.StreamPath != "" {
		c.StreamPath = other.StreamPath
	}
	if other.SocketPath != "" {
		c.SocketPath = other.SocketPath
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.LogFormat != "" {
		c.LogFormat = other.LogFormat
	}
	if other.RequestTimeout != 0 {
		c.RequestTimeout = other.RequestTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.MaxMessageBytes != 0 {
		c.MaxMessageBytes = other.MaxMessageBytes
	}
	if other.EmitRate != 0 {
		c.EmitRate = other.EmitRate
	}
	if other.EmitBurst != 0 {
		c.EmitBurst = other.EmitBurst
	}
	if other.MetricsAddr != "" {
		c.MetricsAddr = other.MetricsAddr
	}
	if other.HistorySize != 0 {
		c.HistorySize = other.HistorySize
	}
}
