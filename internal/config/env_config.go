package config

import (
	"strings"
	"time"
)

func (c mainConfig) GetAppName() string {
	return c.v.GetString("app_name")
}

func (c mainConfig) GetEnv() string {
	env := c.v.GetString("env")
	if env == "" {
		return "DEV"
	}
	return strings.ToUpper(env)
}

func (c mainConfig) GetBaseURL() string {
	return strings.TrimRight(c.v.GetString("api.base_url"), "/")
}

// GetAPIURL returns the REST root, e.g. http://localhost:5042/api
func (c mainConfig) GetAPIURL() string {
	return c.GetBaseURL() + c.v.GetString("api.path")
}

// GetAuthURL returns the authentication endpoint root. Requests under this
// prefix are never authorized or retried by the session transport.
func (c mainConfig) GetAuthURL() string {
	return c.GetBaseURL() + c.v.GetString("api.auth_path")
}

func (c mainConfig) GetHubURL() string {
	return c.GetBaseURL() + c.v.GetString("api.hub_path")
}

func (c mainConfig) GetRequestTimeout() time.Duration {
	return c.positiveDuration("api.request_timeout", 30*time.Second)
}

func (c mainConfig) GetExpirySafetyMargin() time.Duration {
	return c.duration("session.expiry_safety_margin", 10*time.Second)
}

func (c mainConfig) GetLogLevel() string {
	return c.v.GetString("log.level")
}

func (c mainConfig) GetLogPretty() bool {
	return c.v.GetBool("log.pretty")
}

func (c mainConfig) GetMetricsAddress() string {
	return c.v.GetString("metrics.address")
}

func (c mainConfig) duration(key string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(c.v.GetString(key))
	if err != nil {
		return defaultVal
	}
	return d
}

// positiveDuration is duration for settings where zero or less would disable
// or break the feature.
func (c mainConfig) positiveDuration(key string, defaultVal time.Duration) time.Duration {
	if d := c.duration(key, defaultVal); d > 0 {
		return d
	}
	return defaultVal
}
