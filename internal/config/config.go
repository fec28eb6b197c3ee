package config

import "time"

type Config interface {
	EnvConfig
	APIConfig
	SessionConfig
	RealtimeConfig
	StoreConfig
	LogConfig
	MetricsConfig
}

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
}

type APIConfig interface {
	GetBaseURL() string
	GetAPIURL() string
	GetAuthURL() string
	GetHubURL() string
	GetRequestTimeout() time.Duration
}

type SessionConfig interface {
	GetExpirySafetyMargin() time.Duration
}

type RealtimeConfig interface {
	GetReconnectDelays() []time.Duration
	GetHandshakeTimeout() time.Duration
	GetKeepAliveInterval() time.Duration
	GetServerTimeout() time.Duration
}

type StoreConfig interface {
	GetStoreDriver() StoreDriver
	GetStorePath() string
	GetStorePassphrase() string
	GetRedisAddress() string
	GetRedisPassword() string
	GetRedisDB() int
	GetRedisPrefix() string
}

type LogConfig interface {
	GetLogLevel() string
	GetLogPretty() bool
}

type MetricsConfig interface {
	GetMetricsAddress() string
}

// StoreDriver selects the token store substrate.
type StoreDriver string

const (
	StoreDriverMemory StoreDriver = "memory"
	StoreDriverFile   StoreDriver = "file"
	StoreDriverRedis  StoreDriver = "redis"
)
