// Package agentmux runs the SSH agent multiplexer daemon: the listener,
// the per-connection dispatch loop, the upstream registry, and the
// ambient logging, metrics, and debug surfaces around them.
package agentmux

import (
	"fmt"
	"io/fs"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config contains the daemon's configuration. The env struct tag contains
// the environment variable name and the default value if missing, or empty
// (if not ?=). All string arrays are comma-separated.
type Config struct {
	// The Unix socket path to listen on for SSH agent connections.
	BindAddress string `env:"SSHAGMUX_BIND_ADDRESS"`

	// Permissions to chmod the listening socket to after binding.
	SocketChmod fs.FileMode `env:"SSHAGMUX_SOCKET_CHMOD=0600"`

	// Whether to adopt a socket passed via systemd socket activation
	// (LISTEN_FDS/LISTEN_PID) instead of binding BindAddress directly.
	Systemd bool `env:"SSHAGMUX_SYSTEMD"`

	// The minimum log level (e.g. trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"SSHAGMUX_LOG_LEVEL=debug"`

	// Whether to log to stdout.
	LogStdout bool `env:"SSHAGMUX_LOG_STDOUT=true"`

	// Whether to use pretty console-formatted logs.
	LogStdoutPretty bool `env:"SSHAGMUX_LOG_STDOUT_PRETTY=true"`

	// The minimum log level for stdout.
	LogStdoutLevel zerolog.Level `env:"SSHAGMUX_LOG_STDOUT_LEVEL=trace"`

	// The log file to output to, if provided. Reopened on SIGHUP.
	LogFile string `env:"SSHAGMUX_LOG_FILE"`

	// The minimum log level for the log file.
	LogFileLevel zerolog.Level `env:"SSHAGMUX_LOG_FILE_LEVEL=info"`

	// The address of the debug/metrics HTTP listener (e.g. 127.0.0.1:9191).
	// Empty disables it.
	MetricsAddr string `env:"SSHAGMUX_METRICS_ADDR"`

	// Shared secret gating /metrics and /debug/upstreams on MetricsAddr.
	MetricsSecret string `env:"SSHAGMUX_METRICS_SECRET"`

	// How long a client connection may stay idle before its read deadline
	// trips and it is closed.
	ConnIdleTimeout time.Duration `env:"SSHAGMUX_CONN_IDLE_TIMEOUT=10m"`

	// For sd-notify.
	NotifySocket string `env:"NOTIFY_SOCKET"`
}

// UnmarshalEnv unmarshals an array of environment variables into c, setting
// default values as appropriate. If incremental is true, default values
// will not be set for missing env vars, but only for empty ones.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "SSHAGMUX_") || strings.HasPrefix(e, "NOTIFY_SOCKET=") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}
	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		} else if incremental {
			continue
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case fs.FileMode:
			if val == "" {
				cvf.Set(reflect.ValueOf(fs.FileMode(0)))
			} else if v, err := strconv.ParseUint(val, 8, 32); err == nil {
				cvf.Set(reflect.ValueOf(fs.FileMode(v)))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}
