package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/peake100/icsconsole-go/session"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	// DefaultPath is where the console looks for its configuration document when no
	// path is given.
	DefaultPath = "./Lib/KSPEC.ini"
	// PathEnv overrides DefaultPath.
	PathEnv = "ICS_CONFIG"
	// EnvPrefix is the prefix of environment overrides, e.g. ICS_RABBITMQ_PWD.
	EnvPrefix = "ICS"
)

// Config holds console configuration.
type Config struct {
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Console  ConsoleConfig  `mapstructure:"console"`
}

// RabbitMQConfig holds broker settings. The first three keys are the ones the
// observatory's KSPEC document has always carried.
type RabbitMQConfig struct {
	// IPAddr is the broker host, optionally with a port.
	IPAddr string `mapstructure:"ip_addr"`
	// IDName is the broker username.
	IDName string `mapstructure:"idname"`
	// Pwd is the broker password.
	Pwd string `mapstructure:"pwd"`

	Port      int           `mapstructure:"port"`
	Vhost     string        `mapstructure:"vhost"`
	Exchange  string        `mapstructure:"exchange"`
	Queue     string        `mapstructure:"queue"`
	Heartbeat time.Duration `mapstructure:"heartbeat"`
}

// ConsoleConfig holds console behavior settings.
type ConsoleConfig struct {
	// LogLevel is a zerolog level name.
	LogLevel string `mapstructure:"log_level"`
	// RawDir is joined with the file name an exposure reports.
	RawDir string `mapstructure:"raw_dir"`
	// ResponseTimeout bounds how long an operator action waits for its response.
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	// AutoReconnect lets the response router redial after a dropped connection.
	AutoReconnect bool `mapstructure:"auto_reconnect"`
	// Correlate waits on echoed command IDs instead of the default reply channel.
	Correlate bool `mapstructure:"correlate"`
}

// MissingKeyError is returned by Validate for a required key with no value.
type MissingKeyError struct {
	Key string
}

// Error implements builtins.error.
func (err MissingKeyError) Error() string {
	return fmt.Sprintf(
		"missing required config key '%v' (env %v)", err.Key, EnvKey(err.Key),
	)
}

// EnvKey returns the environment variable that overrides key.
func EnvKey(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	// Required keys get empty defaults so environment overrides are seen by Unmarshal.
	v.SetDefault("rabbitmq.ip_addr", "")
	v.SetDefault("rabbitmq.idname", "")
	v.SetDefault("rabbitmq.pwd", "")

	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.exchange", "ics.ex")
	v.SetDefault("rabbitmq.queue", "ICS")
	v.SetDefault("rabbitmq.heartbeat", 10*time.Second)

	v.SetDefault("console.log_level", "info")
	v.SetDefault("console.raw_dir", "")
	v.SetDefault("console.response_timeout", 5*time.Minute)
	v.SetDefault("console.auto_reconnect", false)
	v.SetDefault("console.correlate", false)
}

// New returns a viper instance with defaults and ICS_ environment overrides set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the JSON document at path and applies environment overrides. If path is
// empty, ICS_CONFIG and then DefaultPath are tried, and a missing file is not an
// error. A missing file at an explicit path is.
func Load(path string) (Config, error) {
	return LoadViper(New(), path)
}

// LoadViper is Load with a caller-supplied viper instance, for callers that bind
// command line flags into it.
func LoadViper(v *viper.Viper, path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = os.Getenv(PathEnv)
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config '%v': %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c, viper.DecodeHook(decodeHook)); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// decodeHook extends viper's default hooks so a duration may also be written as a bare
// number of seconds, e.g. "response_timeout": 300 or ICS_CONSOLE_RESPONSE_TIMEOUT=300.
var decodeHook = mapstructure.ComposeDecodeHookFunc(
	mapstructure.DecodeHookFuncType(secondsToDurationHook),
	mapstructure.StringToTimeDurationHookFunc(),
	mapstructure.StringToSliceHookFunc(","),
)

var durationType = reflect.TypeOf(time.Duration(0))

func secondsToDurationHook(
	from reflect.Type, to reflect.Type, data interface{},
) (interface{}, error) {
	if to != durationType || from == durationType {
		return data, nil
	}

	var seconds float64
	switch value := data.(type) {
	case float64:
		seconds = value
	case float32:
		seconds = float64(value)
	case int:
		seconds = float64(value)
	case int64:
		seconds = float64(value)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			// Not a bare number: leave it to time.ParseDuration.
			return data, nil
		}
		seconds = parsed
	default:
		return data, nil
	}

	return time.Duration(seconds * float64(time.Second)), nil
}

// Validate checks required keys.
func (c Config) Validate() error {
	switch {
	case c.RabbitMQ.IPAddr == "":
		return MissingKeyError{Key: "rabbitmq.ip_addr"}
	case c.RabbitMQ.IDName == "":
		return MissingKeyError{Key: "rabbitmq.idname"}
	}

	if _, err := zerolog.ParseLevel(c.Console.LogLevel); err != nil {
		return fmt.Errorf("invalid console.log_level: %w", err)
	}

	switch {
	case c.RabbitMQ.Heartbeat < 0:
		return fmt.Errorf("invalid rabbitmq.heartbeat: %v is negative", c.RabbitMQ.Heartbeat)
	case c.Console.ResponseTimeout < 0:
		return fmt.Errorf(
			"invalid console.response_timeout: %v is negative", c.Console.ResponseTimeout,
		)
	}
	return nil
}

// Level returns the configured logging level, Info if it does not parse.
func (c ConsoleConfig) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// SessionOpts applies the broker settings to opts. If opts is nil, session defaults are
// used.
func (c RabbitMQConfig) SessionOpts(opts *session.Opts) (*session.Opts, error) {
	if opts == nil {
		opts = session.NewOpts()
	}

	// ip_addr may carry its own port, which wins over the port key.
	opts, err := opts.WithAddress("", c.Port).WithHostPort(c.IPAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid rabbitmq.ip_addr: %w", err)
	}

	opts = opts.
		WithCredentials(c.IDName, c.Pwd).
		WithVhost(c.Vhost).
		WithExchange(c.Exchange, "direct").
		WithQueue(c.Queue)

	if c.Heartbeat > 0 {
		opts = opts.WithHeartbeat(c.Heartbeat)
	}
	return opts, nil
}
