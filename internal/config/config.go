package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Host        string        `mapstructure:"host"`
	TCPPort     int           `mapstructure:"tcp_port"`
	UDPPort     int           `mapstructure:"udp_port"`
	MaxPayload  int           `mapstructure:"max_payload"`
	SendQueue   int           `mapstructure:"send_queue"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	MaxSessions int           `mapstructure:"max_sessions"`
	JoinLimit   int           `mapstructure:"join_limit"`
	JoinWindow  time.Duration `mapstructure:"join_window"`
}

type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Mode    string `mapstructure:"mode"`
}

type Config struct {
	Server   ServerConfig `mapstructure:"server"`
	HTTP     HTTPConfig   `mapstructure:"http"`
	LogLevel string       `mapstructure:"log_level"`
}

// Load reads config/config.<env>.yaml selected by CONFIG_ENV. A missing
// file is not an error: the defaults are a complete configuration on a LAN.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	v.SetConfigFile(fmt.Sprintf("config/config.%s.yaml", env))

	setDefaults(v)
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration without touching the
// filesystem; tests and embedders start from this.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.tcp_port", 5000)
	v.SetDefault("server.udp_port", 5001)
	v.SetDefault("server.max_payload", 8<<20)
	v.SetDefault("server.send_queue", 256)
	v.SetDefault("server.idle_timeout", "5m")
	v.SetDefault("server.max_sessions", 0)
	v.SetDefault("server.join_limit", 16)
	v.SetDefault("server.join_window", "10s")
	v.SetDefault("http.enabled", true)
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.mode", "release")
	v.SetDefault("log_level", "info")
}
