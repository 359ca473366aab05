package mqtt

import "time"

type LocalBrokerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address" default:"127.0.0.1:1883"`
}

type Config struct {
	ConnectTimeout time.Duration     `mapstructure:"connect_timeout" default:"10s"`
	Keepalive      time.Duration     `mapstructure:"keepalive" default:"30s"`
	QoS            byte              `mapstructure:"qos" default:"1" validate:"lte=2"`
	SubscribeDelay time.Duration     `mapstructure:"subscribe_delay" default:"1s"`
	Username       string            `mapstructure:"username"`
	Password       string            `mapstructure:"password"`
	CleanSession   bool              `mapstructure:"clean_session" default:"true"`
	LocalBroker    LocalBrokerConfig `mapstructure:"local_broker"`
}

func (c Config) ClientConfig() ClientConfig {
	return ClientConfig{
		Username:       c.Username,
		Password:       c.Password,
		CleanSession:   c.CleanSession,
		ConnectTimeout: c.ConnectTimeout,
		Keepalive:      c.Keepalive,
	}
}
