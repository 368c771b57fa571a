package agentmux

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestConfigDefaults(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv(nil, false); err != nil {
		t.Fatal(err)
	}
	if c.LogLevel != zerolog.DebugLevel {
		t.Fatalf("expected default log level debug, got %v", c.LogLevel)
	}
	if !c.LogStdout {
		t.Fatal("expected LogStdout to default true")
	}
	if c.SocketChmod != 0600 {
		t.Fatalf("expected default socket chmod 0600, got %o", c.SocketChmod)
	}
}

func TestConfigOverride(t *testing.T) {
	var c Config
	env := []string{
		"SSHAGMUX_BIND_ADDRESS=/tmp/agent.sock",
		"SSHAGMUX_SYSTEMD=true",
		"SSHAGMUX_LOG_LEVEL=warn",
	}
	if err := c.UnmarshalEnv(env, false); err != nil {
		t.Fatal(err)
	}
	if c.BindAddress != "/tmp/agent.sock" {
		t.Fatalf("unexpected bind address %q", c.BindAddress)
	}
	if !c.Systemd {
		t.Fatal("expected systemd to be enabled")
	}
	if c.LogLevel != zerolog.WarnLevel {
		t.Fatalf("expected warn level, got %v", c.LogLevel)
	}
}

func TestConfigUnknownEnvVarRejected(t *testing.T) {
	var c Config
	err := c.UnmarshalEnv([]string{"SSHAGMUX_NOT_A_REAL_OPTION=x"}, false)
	if err == nil {
		t.Fatal("expected an error for an unknown SSHAGMUX_ env var")
	}
}
