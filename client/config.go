package client

import (
	"time"

	"github.com/bronystylecrazy/ultrasync/deltasync"
	uslog "github.com/bronystylecrazy/ultrasync/log"
	"github.com/bronystylecrazy/ultrasync/realtime"
	"github.com/bronystylecrazy/ultrasync/realtime/mqtt"
)

// Auth modes, named as the service names them.
const (
	AuthAPIKey    = "API_KEY"
	AuthUserPools = "AMAZON_COGNITO_USER_POOLS"
	AuthOIDC      = "OPENID_CONNECT"
	AuthLambda    = "AWS_LAMBDA"
	AuthIAM       = "AWS_IAM"
)

type AuthConfig struct {
	Type   string `mapstructure:"type" default:"API_KEY" validate:"oneof=API_KEY AMAZON_COGNITO_USER_POOLS OPENID_CONNECT AWS_LAMBDA AWS_IAM"`
	APIKey string `mapstructure:"api_key"`
	// Token is a static bearer token for the token modes.
	Token string `mapstructure:"token"`

	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
	Profile         string `mapstructure:"profile"`
}

type Config struct {
	Endpoint    string        `mapstructure:"endpoint" validate:"required,url"`
	Region      string        `mapstructure:"region" default:"us-east-1"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout" default:"30s"`
	Auth        AuthConfig    `mapstructure:"auth"`

	Realtime realtime.Config  `mapstructure:"realtime"`
	MQTT     mqtt.Config      `mapstructure:"mqtt"`
	Sync     deltasync.Config `mapstructure:"sync"`
	Log      uslog.Config     `mapstructure:"log"`
}

// RealtimeConfig is the realtime section with the GraphQL endpoint filled in
// when no realtime endpoint is set.
func (c Config) RealtimeConfig() realtime.Config {
	rc := c.Realtime
	if rc.Endpoint == "" {
		rc.Endpoint = c.Endpoint
	}
	return rc
}
