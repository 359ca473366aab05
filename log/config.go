package log

type Config struct {
	Level       string   `mapstructure:"level" default:"info" validate:"omitempty,oneof=debug info warn error fatal"`
	Development bool     `mapstructure:"development"`
	Redact      []string `mapstructure:"redact" default:"authorization,x-api-key,token,password"`
}
