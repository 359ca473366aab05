// Package cfg loads typed configuration sections from a YAML, TOML or JSON
// file through viper, with environment overrides, `default` struct tags and
// validator rules.
package cfg

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Option func(*options)

type options struct {
	source   string
	required bool
	env      bool
	prefix   string
	defaults map[string]any
	watch    time.Duration
}

func newOptions(opts []Option) options {
	o := options{env: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithSourceFile names the config file. A missing file yields defaults
// unless WithRequired is set.
func WithSourceFile(path string) Option {
	return func(o *options) { o.source = path }
}

func WithRequired() Option {
	return func(o *options) { o.required = true }
}

// WithEnvPrefix makes env overrides read PREFIX_SECTION_KEY.
func WithEnvPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithoutEnv disables environment overrides.
func WithoutEnv() Option {
	return func(o *options) { o.env = false }
}

func WithDefault(key string, value any) Option {
	return func(o *options) {
		if o.defaults == nil {
			o.defaults = map[string]any{}
		}
		o.defaults[key] = value
	}
}

// WithWatch makes Provide log edits to the section after debounce.
func WithWatch(debounce time.Duration) Option {
	return func(o *options) { o.watch = debounce }
}

// Load decodes the section key of the source file into T. An empty key
// decodes the whole file.
func Load[T any](key string, opts ...Option) (T, error) {
	var out T
	o := newOptions(opts)
	v, err := o.read()
	if err != nil {
		return out, err
	}
	if err := decode(v, key, &out, o.defaults); err != nil {
		return out, err
	}
	return out, validate(&out)
}

// Provide is Load as an fx constructor for T.
func Provide[T any](key string, opts ...Option) fx.Option {
	constructor := fx.Provide(func() (T, error) {
		return Load[T](key, opts...)
	})
	o := newOptions(opts)
	if o.watch <= 0 || o.source == "" {
		return constructor
	}
	return fx.Options(constructor, fx.Invoke(fx.Annotate(func(logger *zap.Logger) error {
		if logger == nil {
			logger = zap.NewNop()
		}
		return Watch(o.source, o.watch, logger, func(T) {
			logger.Info("config changed", zap.String("section", key))
		}, opts...)
	}, fx.ParamTags(`optional:"true"`))))
}

// Watch calls onChange with the freshly decoded file after each edit,
// debounced. Reloads that fail to decode or validate are logged and skipped.
func Watch[T any](path string, debounce time.Duration, logger *zap.Logger, onChange func(T), opts ...Option) error {
	o := newOptions(append(opts, WithSourceFile(path)))
	v, err := o.read()
	if err != nil {
		return err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
		last  = fmt.Sprint(v.AllSettings())
	)
	reload := func() {
		var out T
		if err := decode(v, "", &out, o.defaults); err != nil {
			logger.Warn("config reload failed", zap.Error(err))
			return
		}
		if err := validate(&out); err != nil {
			logger.Warn("config reload rejected", zap.Error(err))
			return
		}
		onChange(out)
	}
	v.OnConfigChange(func(fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()
		next := fmt.Sprint(v.AllSettings())
		if next == last {
			return
		}
		last = next
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, reload)
	})
	v.WatchConfig()
	return nil
}

func (o options) read() (*viper.Viper, error) {
	v := viper.New()
	if o.env {
		v.SetEnvPrefix(o.prefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		v.AutomaticEnv()
	}
	if o.source == "" {
		return v, nil
	}
	v.SetConfigFile(o.source)
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !o.required && (errors.As(err, &nf) || errors.Is(err, os.ErrNotExist)) {
			return v, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", o.source, err)
	}
	return v, nil
}

// decode fills out from v. defaults are applied after the `default` tags and
// take precedence over them.
func decode(v *viper.Viper, key string, out any, defaults map[string]any) error {
	t := reflect.TypeOf(out)
	if t == nil || t.Kind() != reflect.Pointer {
		return errors.New("config: target must be a pointer")
	}
	elem := t.Elem()
	if elem.Kind() != reflect.Struct {
		if key == "" {
			return v.Unmarshal(out)
		}
		return v.UnmarshalKey(key, out)
	}
	if err := registerDefaults(v, key, elem); err != nil {
		return err
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	// AllSettings resolves every registered leaf through env, file and
	// defaults; UnmarshalKey would only see the defaults map for nested keys.
	var input any = v.AllSettings()
	if key != "" {
		input = lookup(v.AllSettings(), key)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           out,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

func lookup(settings map[string]any, key string) any {
	var cur any = settings
	for _, part := range strings.Split(strings.ToLower(key), ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

var (
	durationType = reflect.TypeOf(time.Duration(0))
	timeType     = reflect.TypeOf(time.Time{})
)

// registerDefaults walks the mapstructure keys of t and registers every leaf
// with viper, using the `default` tag when present. Registered keys are also
// what lets AutomaticEnv resolve nested fields.
func registerDefaults(v *viper.Viper, prefix string, t reflect.Type) error {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = strings.ToLower(f.Name)
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}

		if f.Type.Kind() == reflect.Struct && f.Type != timeType {
			if err := registerDefaults(v, key, f.Type); err != nil {
				return err
			}
			continue
		}
		raw, ok := f.Tag.Lookup("default")
		if !ok {
			v.SetDefault(key, reflect.Zero(f.Type).Interface())
			continue
		}
		val, err := parseDefault(raw, f.Type)
		if err != nil {
			return fmt.Errorf("config: default for %s: %w", key, err)
		}
		v.SetDefault(key, val)
	}
	return nil
}

func parseDefault(raw string, t reflect.Type) (any, error) {
	if t == durationType {
		return time.ParseDuration(raw)
	}
	switch t.Kind() {
	case reflect.String:
		return raw, nil
	case reflect.Bool:
		return strconv.ParseBool(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.ParseInt(raw, 10, 64)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.ParseUint(raw, 10, 64)
	case reflect.Float32, reflect.Float64:
		return strconv.ParseFloat(raw, 64)
	case reflect.Slice:
		if raw == "" {
			return []string{}, nil
		}
		return strings.Split(raw, ","), nil
	default:
		return nil, fmt.Errorf("unsupported kind %s", t.Kind())
	}
}

var validate = func() func(any) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	return func(out any) error {
		t := reflect.TypeOf(out)
		if t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if t.Kind() != reflect.Struct {
			return nil
		}
		if err := v.Struct(out); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		return nil
	}
}()
