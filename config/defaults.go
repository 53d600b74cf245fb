package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:   DefaultServerConfig(),
		Database: DefaultDatabaseConfig(),
		Redis:    DefaultRedisConfig(),
		Router:   DefaultRouterConfig(),
		Log:      DefaultLogConfig(),
	}
}

// DefaultServerConfig returns the default HTTP server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultDatabaseConfig returns the default database configuration.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Name:            "keyrouter.db",
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Hour,
	}
}

// DefaultRedisConfig returns the default Redis configuration.
// The mirror is disabled until an address is configured.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultRouterConfig returns the default routing configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		ErrorThreshold: 5,
		Tasks:          make(map[string][]string),
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: false,
	}
}
