package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 40, cfg.Room.RouterScaleSize)
	assert.Equal(t, 10*time.Second, cfg.Room.EmptyTimeout)
	assert.Equal(t, 20*time.Second, cfg.Signaling.RequestTimeout)
	assert.Equal(t, 3, cfg.Signaling.RequestRetries)
	assert.Equal(t, 100, cfg.Room.MaxChatHistory)
	require.Len(t, cfg.WebRtcTransport.ListenIPs, 1)
	assert.Equal(t, "0.0.0.0", cfg.WebRtcTransport.ListenIPs[0].IP)
	assert.Empty(t, cfg.Turn.URLs)

	roles, err := cfg.DefaultRoles()
	require.NoError(t, err)
	assert.Equal(t, domain.RolePublisher, roles)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
mode: debug
port: 9000
room:
  router_scale_size: 2
  reconnect_grace: 0s
turn:
  urls: ["turn:turn.example.com:3478"]
  static_secret: shh
webrtc_transport:
  listen_ips:
    - ip: 10.0.0.1
      announced_ip: 203.0.113.7
roles:
  default: [publisher, screen]
`)
	t.Setenv("HUDDLE_PORT", "9100")
	t.Setenv("HUDDLE_SIGNALING_REQUEST_TIMEOUT", "5s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.Signaling.RequestTimeout)
	assert.Equal(t, 2, cfg.Room.RouterScaleSize)
	assert.Zero(t, cfg.Room.ReconnectGrace)
	assert.Equal(t, []string{"turn:turn.example.com:3478"}, cfg.Turn.URLs)
	assert.Equal(t, "203.0.113.7", cfg.WebRtcTransport.ListenIPs[0].AnnouncedIP)

	roles, err := cfg.DefaultRoles()
	require.NoError(t, err)
	assert.Equal(t, domain.RolePublisher|domain.RoleScreen, roles)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"bad mode":          "mode: loud\n",
		"auth w/o secret":   "auth:\n  required: true\n",
		"unknown role":      "roles:\n  default: [wizard]\n",
		"turn w/o secret":   "turn:\n  urls: [\"turn:x\"]\n",
		"no workers":        "engine:\n  num_workers: 0\n",
		"port out of range": "port: 70000\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestPrintSummary(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	var buf bytes.Buffer
	cfg.PrintSummary(&buf)
	out := buf.String()
	assert.Contains(t, out, "router scale size")
	assert.Contains(t, out, "8080")
}
