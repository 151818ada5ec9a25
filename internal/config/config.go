package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Transport TransportConfig `mapstructure:"transport"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type TransportConfig struct {
	// Driver is "websocket" or "memory".
	Driver           string         `mapstructure:"driver"`
	URL              string         `mapstructure:"url"`
	HandshakeTimeout time.Duration  `mapstructure:"handshake_timeout"`
	Heartbeat        time.Duration  `mapstructure:"heartbeat"`
	SendBuffer       int            `mapstructure:"send_buffer"`
	ReconnectInitial time.Duration  `mapstructure:"reconnect_initial"`
	ReconnectMax     time.Duration  `mapstructure:"reconnect_max"`
	Simulate         SimulateConfig `mapstructure:"simulate"`
}

type SimulateConfig struct {
	Auth    bool `mapstructure:"auth"`
	Ack     bool `mapstructure:"ack"`
	Deliver bool `mapstructure:"deliver"`
	Read    bool `mapstructure:"read"`
}

type TrackerConfig struct {
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
	AuthGrace  time.Duration `mapstructure:"auth_grace"`
}

type NotifyConfig struct {
	DedupSize       int  `mapstructure:"dedup_size"`
	AutoAcknowledge bool `mapstructure:"auto_acknowledge"`
}

type AuthConfig struct {
	UserID   string        `mapstructure:"user_id"`
	Token    string        `mapstructure:"token"`
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var envKeyReplacer = strings.NewReplacer(".", "_")

func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("msgtrack")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/msgtrack")
	}

	setDefaults(v)

	v.SetEnvPrefix("MSGTRACK")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/msgtrack.db")

	v.SetDefault("transport.driver", "websocket")
	v.SetDefault("transport.url", "ws://localhost:8080/ws")
	v.SetDefault("transport.handshake_timeout", 10*time.Second)
	v.SetDefault("transport.heartbeat", 30*time.Second)
	v.SetDefault("transport.send_buffer", 256)
	v.SetDefault("transport.reconnect_initial", 1*time.Second)
	v.SetDefault("transport.reconnect_max", 30*time.Second)
	v.SetDefault("transport.simulate.auth", true)
	v.SetDefault("transport.simulate.ack", true)
	v.SetDefault("transport.simulate.deliver", true)
	v.SetDefault("transport.simulate.read", false)

	v.SetDefault("tracker.ack_timeout", 10*time.Second)
	v.SetDefault("tracker.auth_grace", 5*time.Second)

	v.SetDefault("notify.dedup_size", 10000)
	v.SetDefault("notify.auto_acknowledge", true)

	v.SetDefault("auth.user_id", "")
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.secret", "change-me")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
