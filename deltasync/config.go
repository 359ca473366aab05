package deltasync

import "time"

const (
	BackendMemory = "memory"
	BackendSQL    = "sql"
	BackendRedis  = "redis"
	BackendDynamo = "dynamo"
)

type StoreConfig struct {
	Backend string       `mapstructure:"backend" default:"memory" validate:"oneof=memory sql redis dynamo"`
	SQL     SQLConfig    `mapstructure:"sql"`
	Redis   RedisConfig  `mapstructure:"redis"`
	Dynamo  DynamoConfig `mapstructure:"dynamo"`
}

type Config struct {
	RefreshInterval  time.Duration `mapstructure:"refresh_interval" default:"24h"`
	ClockSkew        time.Duration `mapstructure:"clock_skew" default:"2s"`
	SubscribeTimeout time.Duration `mapstructure:"subscribe_timeout" default:"30s"`
	Store            StoreConfig   `mapstructure:"store"`
}

// Options turns the config into watcher options sharing store.
func (c Config) Options(store LastSyncStore) []Option {
	return []Option{
		WithStore(store),
		WithRefreshInterval(c.RefreshInterval),
		WithClockSkew(c.ClockSkew),
		WithSubscribeTimeout(c.SubscribeTimeout),
	}
}
