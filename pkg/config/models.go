package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Redis     RedisConfig
	Mongo     MongoConfig
	LogLevel  string `mapstructure:"logLevel"`
}

type ServerConfig struct {
	Address string
	Auth    AuthConfig
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
	// Timeout bounds token verification plus the user lookup for one
	// connection. Expiry closes the connection like any other auth failure.
	Timeout time.Duration `mapstructure:"timeout"`
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

// RedisConfig configures the cross-node fan-out bus. When Enabled is false
// the process runs single-node and events reach local connections only.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	Channel  string `mapstructure:"channel"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}
