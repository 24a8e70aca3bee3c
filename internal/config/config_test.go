package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "localhost", cfg.Device.Addr)
	require.Equal(t, 3, cfg.Send.ConnectAttempts)
	require.Equal(t, 5*time.Second, cfg.Send.RetryDelay)
	require.Equal(t, 30*time.Second, cfg.Send.ConnectTimeout)
	require.Equal(t, 10*time.Second, cfg.Send.ConfirmTimeout)
	require.Equal(t, 500*time.Millisecond, cfg.Send.AckPoll)
	require.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	require.Equal(t, 1, cfg.MQTT.QoS)
	require.Equal(t, "meshtastic", cfg.MQTT.TopicRoot)
	require.Equal(t, ":8080", cfg.API.ListenAddr)
	require.Equal(t, "http://localhost:1234/v1/chat/completions", cfg.Haiku.Endpoint)
	require.Equal(t, "openai/gpt-oss-20b", cfg.Haiku.Model)
	require.InDelta(t, 1.5, cfg.Haiku.Temperature, 1e-9)
	require.Equal(t, 10, cfg.Inference.ProfileWindow)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.yaml")
	body := `
device:
  addr: 192.168.86.39
send:
  confirm_timeout: 20s
  ack_poll: 250ms
mqtt:
  broker: tcp://broker.lan:1883
  qos: 2
log:
  level: debug
  file: /tmp/courier.log
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "192.168.86.39", cfg.Device.Addr)
	require.Equal(t, 20*time.Second, cfg.Send.ConfirmTimeout)
	require.Equal(t, 250*time.Millisecond, cfg.Send.AckPoll)
	require.Equal(t, "tcp://broker.lan:1883", cfg.MQTT.Broker)
	require.Equal(t, 2, cfg.MQTT.QoS)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "/tmp/courier.log", cfg.Log.File)
	// Untouched keys keep their defaults.
	require.Equal(t, 3, cfg.Send.ConnectAttempts)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device: [not: valid"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MESHCOURIER_DEVICE_ADDR", "10.0.0.7:4403")
	t.Setenv("MESHCOURIER_MQTT_QOS", "0")
	t.Setenv("MESHCOURIER_SEND_RETRY_DELAY", "1s")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.7:4403", cfg.Device.Addr)
	require.Equal(t, 0, cfg.MQTT.QoS)
	require.Equal(t, time.Second, cfg.Send.RetryDelay)
}

func TestValidation(t *testing.T) {
	t.Setenv("MESHCOURIER_MQTT_QOS", "5")
	_, err := Load("")
	require.ErrorContains(t, err, "mqtt.qos")

	t.Setenv("MESHCOURIER_MQTT_QOS", "1")
	t.Setenv("MESHCOURIER_LOG_LEVEL", "loud")
	_, err = Load("")
	require.ErrorContains(t, err, "log.level")
}
