package config

import "strings"

func (c mainConfig) GetStoreDriver() StoreDriver {
	switch StoreDriver(strings.ToLower(c.v.GetString("store.driver"))) {
	case StoreDriverMemory:
		return StoreDriverMemory
	case StoreDriverRedis:
		return StoreDriverRedis
	default:
		return StoreDriverFile
	}
}

func (c mainConfig) GetStorePath() string {
	return c.v.GetString("store.path")
}

// GetStorePassphrase seals the file store when non-empty.
func (c mainConfig) GetStorePassphrase() string {
	return c.v.GetString("store.passphrase")
}

func (c mainConfig) GetRedisAddress() string {
	return c.v.GetString("redis.address")
}

func (c mainConfig) GetRedisPassword() string {
	return c.v.GetString("redis.password")
}

func (c mainConfig) GetRedisDB() int {
	return c.v.GetInt("redis.db")
}

func (c mainConfig) GetRedisPrefix() string {
	return c.v.GetString("redis.prefix")
}
