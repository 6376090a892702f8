package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proximity-beacon/beacon-engine/pkg/beacon"
)

const sample = `
server:
  name: beacon-test
  version: 1.2.0
engine:
  rescan_interval: 5s
radio:
  adapter: none
  local_name: beacon
codes:
  secret: s3cret
  epoch: "2026-01-01"
nats:
  url: nats://localhost:4222
operators:
  - username: admin
    password_hash: "$2a$10$abcdefghijklmnopqrstuv"
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "beacon-test", cfg.Server.Name)
	assert.Equal(t, 5*time.Second, cfg.Engine.RescanInterval)
	assert.Equal(t, 3*time.Minute, cfg.Engine.ExpiryThreshold)
	assert.Equal(t, 256, cfg.Engine.QueueSize)
	assert.Equal(t, beacon.DefaultChainLength, cfg.Codes.ChainLength)
	assert.Equal(t, "beacon", cfg.NATS.SubjectPrefix)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, 8080, cfg.API.Port)

	profile, err := cfg.Profile()
	require.NoError(t, err)
	assert.Equal(t, beacon.DefaultProfile(), profile)

	epoch, err := cfg.CodeEpoch()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), epoch)

	assert.Equal(t, "beacon.detections", cfg.NATSSubject("detections"))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BEACON_SECRET", "from-env")
	t.Setenv("NATS_URL", "nats://other:4222")
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Codes.Secret)
	assert.Equal(t, "nats://other:4222", cfg.NATS.URL)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidationErrors(t *testing.T) {
	cases := map[string]string{
		"adapter":  "radio:\n  adapter: serial\n",
		"service":  "radio:\n  service_uuid: not-a-uuid\n",
		"epoch":    "codes:\n  epoch: 01/01/2026\n",
		"rescan":   "engine:\n  rescan_interval: 10ms\n",
		"webhook":  "http_forward:\n  enabled: true\n",
		"operator": "operators:\n  - username: admin\n",
		"mqtt qos": "mqtt:\n  qos: 3\n",
		"bad yaml": "engine: [",
		"chain":    "codes:\n  chain_length: -4\n",
		"prototag": "radio:\n  protocol_tag: \"00000000-0000-0000-0000-000000000000\"\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "none", cfg.Radio.Adapter)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
