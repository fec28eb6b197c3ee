package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "CHAT"

type mainConfig struct {
	v *viper.Viper
}

var _ Config = mainConfig{}

// New returns a configuration built from defaults and CHAT_* environment
// variables only.
func New() Config {
	return mainConfig{v: newViper()}
}

// Load reads configName (yaml, without extension) from configPath, the working
// directory or ./config, layered over defaults and environment variables.
// A missing file is not an error.
func Load(configPath, configName string) (Config, error) {
	v := newViper()
	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return mainConfig{v: v}, nil
		}
		return nil, fmt.Errorf("[config Load] failed to read config: %w", err)
	}
	return mainConfig{v: v}, nil
}

// LoadFile reads an explicit yaml file.
func LoadFile(path string) (Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("[config LoadFile] failed to read %s: %w", path, err)
	}
	return mainConfig{v: v}, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "Go Chat Client")
	v.SetDefault("env", "DEV")

	v.SetDefault("api.base_url", "http://localhost:5042")
	v.SetDefault("api.path", "/api")
	v.SetDefault("api.auth_path", "/api/auth")
	v.SetDefault("api.hub_path", "/hubs/chat")
	v.SetDefault("api.request_timeout", "30s")

	v.SetDefault("session.expiry_safety_margin", "10s")

	v.SetDefault("realtime.reconnect_delays", []string{"0s", "2s", "10s", "30s"})
	v.SetDefault("realtime.handshake_timeout", "15s")
	v.SetDefault("realtime.keepalive_interval", "15s")
	v.SetDefault("realtime.server_timeout", "30s")

	v.SetDefault("store.driver", string(StoreDriverFile))
	v.SetDefault("store.path", defaultStorePath())
	v.SetDefault("store.passphrase", "")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "chat:session:")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)

	v.SetDefault("metrics.address", "")
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return "./data/session.yaml"
	}
	return dir + "/go-chat-client/session.yaml"
}

// GetEnv returns the environment variable value or defaultValue when unset.
func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}
