package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "maproxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
listeners:
  - address: "0.0.0.0:8443"
    target_host: "backend.internal"
    target_port: 8080
    inbound_tls:
      dev_self_signed: true
    outbound_tls:
      mode: default
    dial_timeout_seconds: 2.5
admin:
  address: "127.0.0.1:9000"
graceful_shutdown_seconds: 30
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Listeners, 1)

	l := cfg.Listeners[0]
	assert.Equal(t, "0.0.0.0:8443", l.Address)
	assert.Equal(t, "backend.internal", l.TargetHost)
	assert.EqualValues(t, 8080, l.TargetPort)
	require.NotNil(t, l.InboundTLS)
	assert.True(t, l.InboundTLS.DevSelfSigned)
	require.NotNil(t, l.OutboundTLS)
	assert.Equal(t, "default", l.OutboundTLS.Mode)
	assert.Equal(t, 2500*time.Millisecond, l.DialTimeout())

	require.NotNil(t, cfg.Admin)
	assert.Equal(t, "127.0.0.1:9000", cfg.Admin.Address)
	assert.Equal(t, float64(30), cfg.GracefulShutdownSeconds)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "listeners: [this is not valid")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadNoListeners(t *testing.T) {
	path := writeConfig(t, "listeners: []\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "at least one listener")
}

func TestLoadMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, `
listeners:
  - address: ""
    target_host: ""
    target_port: 0
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorContains(t, err, "address is required")
	assert.ErrorContains(t, err, "target_host is required")
	assert.ErrorContains(t, err, "target_port is required")
}

func TestLoadInboundTLSConflicts(t *testing.T) {
	path := writeConfig(t, `
listeners:
  - address: "0.0.0.0:8443"
    target_host: "backend"
    target_port: 80
    inbound_tls:
      cert_file: "/tmp/cert.pem"
      autocert_domain: "example.com"
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "cannot set both cert_file and autocert_domain")
}

func TestLoadBadOutboundMode(t *testing.T) {
	path := writeConfig(t, `
listeners:
  - address: "0.0.0.0:8443"
    target_host: "backend"
    target_port: 80
    outbound_tls:
      mode: bogus
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "outbound_tls.mode must be")
}

func TestDialTimeoutZeroWhenUnset(t *testing.T) {
	l := ListenerConfig{}
	assert.Equal(t, time.Duration(0), l.DialTimeout())
}
