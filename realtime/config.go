package realtime

import "time"

type ConnectivityConfig struct {
	// ProbeAddress is a host:port dialed to detect network loss. Empty disables
	// connectivity monitoring.
	ProbeAddress string        `mapstructure:"probe_address"`
	Interval     time.Duration `mapstructure:"interval" default:"5s"`
}

type Config struct {
	Endpoint            string             `mapstructure:"endpoint" validate:"omitempty,url"`
	StaleTimeout        time.Duration      `mapstructure:"stale_timeout" default:"300s"`
	LimitExceededWindow time.Duration      `mapstructure:"limit_exceeded_window" default:"150ms"`
	HandshakeTimeout    time.Duration      `mapstructure:"handshake_timeout" default:"10s"`
	Connectivity        ConnectivityConfig `mapstructure:"connectivity"`
}
