//revive:disable

package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/peake100/icsconsole-go/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir mirrors testing.T.Chdir (Go 1.24+): it changes the working
// directory and restores the previous one when the test finishes.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "KSPEC.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_KSPECDocument(t *testing.T) {
	path := writeConfig(t, `{
		"RabbitMQ": {"ip_addr": "10.0.0.1", "idname": "ics", "pwd": "secret"}
	}`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.1", cfg.RabbitMQ.IPAddr)
	assert.Equal(t, "ics", cfg.RabbitMQ.IDName)
	assert.Equal(t, "secret", cfg.RabbitMQ.Pwd)
	assert.Equal(t, 5672, cfg.RabbitMQ.Port)
	assert.Equal(t, "/", cfg.RabbitMQ.Vhost)
	assert.Equal(t, "ics.ex", cfg.RabbitMQ.Exchange)
	assert.Equal(t, "ICS", cfg.RabbitMQ.Queue)
	assert.Equal(t, 10*time.Second, cfg.RabbitMQ.Heartbeat)
	assert.Equal(t, zerolog.InfoLevel, cfg.Console.Level())
	assert.False(t, cfg.Console.AutoReconnect)

	opts, err := cfg.RabbitMQ.SessionOpts(nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:5672", opts.Addr())
	assert.Equal(t, "ics.ex", opts.Exchange())
	assert.Equal(t, "ICS", opts.Queue())
}

func TestLoad_Optional(t *testing.T) {
	path := writeConfig(t, `{
		"RabbitMQ": {
			"ip_addr": "broker.kspec:5673",
			"idname": "ics",
			"pwd": "secret",
			"exchange": "test.ex",
			"queue": "ICS_TEST",
			"heartbeat": "30s"
		},
		"Console": {"log_level": "debug", "raw_dir": "/data/raw", "auto_reconnect": true}
	}`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.RabbitMQ.Heartbeat)
	assert.Equal(t, zerolog.DebugLevel, cfg.Console.Level())
	assert.Equal(t, "/data/raw", cfg.Console.RawDir)
	assert.True(t, cfg.Console.AutoReconnect)

	opts, err := cfg.RabbitMQ.SessionOpts(nil)
	require.NoError(t, err)
	assert.Equal(t, "broker.kspec:5673", opts.Addr(), "port in ip_addr wins")
	assert.Equal(t, "test.ex", opts.Exchange())
	assert.Equal(t, "ICS_TEST", opts.Queue())
}

func TestLoad_DurationsAsSeconds(t *testing.T) {
	path := writeConfig(t, `{
		"RabbitMQ": {"ip_addr": "10.0.0.1", "idname": "ics", "heartbeat": 2.5},
		"Console": {"response_timeout": 300}
	}`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2500*time.Millisecond, cfg.RabbitMQ.Heartbeat)
	assert.Equal(t, 300*time.Second, cfg.Console.ResponseTimeout)
}

func TestLoad_DurationEnvSeconds(t *testing.T) {
	path := writeConfig(t, `{
		"RabbitMQ": {"ip_addr": "10.0.0.1", "idname": "ics"},
		"Console": {"response_timeout": "2m"}
	}`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Console.ResponseTimeout, "unit strings still parse")

	t.Setenv("ICS_CONSOLE_RESPONSE_TIMEOUT", "90")
	cfg, err = config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Console.ResponseTimeout)
}

func TestLoad_NegativeDuration(t *testing.T) {
	path := writeConfig(t, `{
		"RabbitMQ": {"ip_addr": "10.0.0.1", "idname": "ics"},
		"Console": {"response_timeout": -5}
	}`)

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `{
		"RabbitMQ": {"ip_addr": "10.0.0.1", "idname": "ics", "pwd": "from-file"}
	}`)

	t.Setenv("ICS_RABBITMQ_PWD", "from-env")
	t.Setenv("ICS_RABBITMQ_PORT", "5999")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.RabbitMQ.Pwd)
	assert.Equal(t, 5999, cfg.RabbitMQ.Port)
}

func TestLoad_EnvOnly(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv(config.PathEnv, "")
	t.Setenv("ICS_RABBITMQ_IP_ADDR", "10.0.0.9")
	t.Setenv("ICS_RABBITMQ_IDNAME", "ics")

	cfg, err := config.Load("")
	require.NoError(t, err, "missing default file is fine")
	assert.Equal(t, "10.0.0.9", cfg.RabbitMQ.IPAddr)
}

func TestLoad_PathEnv(t *testing.T) {
	path := writeConfig(t, `{"RabbitMQ": {"ip_addr": "10.0.0.2", "idname": "ics"}}`)
	t.Setenv(config.PathEnv, path)

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", cfg.RabbitMQ.IPAddr)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.ini"))
	assert.Error(t, err)
}

func TestLoad_InvalidJSON(t *testing.T) {
	_, err := config.Load(writeConfig(t, `{"RabbitMQ": `))
	assert.Error(t, err)
}

func TestLoad_MissingRequired(t *testing.T) {
	path := writeConfig(t, `{"RabbitMQ": {"idname": "ics", "pwd": "secret"}}`)

	_, err := config.Load(path)

	var missing config.MissingKeyError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "rabbitmq.ip_addr", missing.Key)
	assert.Contains(t, err.Error(), "ICS_RABBITMQ_IP_ADDR")
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `{
		"RabbitMQ": {"ip_addr": "10.0.0.1", "idname": "ics"},
		"Console": {"log_level": "chatty"}
	}`)

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestSessionOpts_InvalidAddress(t *testing.T) {
	cfg := config.RabbitMQConfig{IPAddr: "broker:amqp", Port: 5672}
	_, err := cfg.SessionOpts(nil)
	assert.Error(t, err)
}
