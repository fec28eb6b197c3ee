package config

import "time"

var defaultReconnectDelays = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

// GetReconnectDelays returns the wait before each reconnect attempt. The number
// of entries is the number of attempts made before giving up.
func (c mainConfig) GetReconnectDelays() []time.Duration {
	raw := c.v.GetStringSlice("realtime.reconnect_delays")
	if len(raw) == 0 {
		return append([]time.Duration(nil), defaultReconnectDelays...)
	}
	delays := make([]time.Duration, 0, len(raw))
	for _, s := range raw {
		d, err := time.ParseDuration(s)
		if err != nil {
			return append([]time.Duration(nil), defaultReconnectDelays...)
		}
		delays = append(delays, d)
	}
	return delays
}

func (c mainConfig) GetHandshakeTimeout() time.Duration {
	return c.positiveDuration("realtime.handshake_timeout", 15*time.Second)
}

func (c mainConfig) GetKeepAliveInterval() time.Duration {
	return c.positiveDuration("realtime.keepalive_interval", 15*time.Second)
}

func (c mainConfig) GetServerTimeout() time.Duration {
	return c.positiveDuration("realtime.server_timeout", 30*time.Second)
}
