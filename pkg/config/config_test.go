package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("robot:\n  id: arm-01\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "release", cfg.Server.Mode)
	assert.Equal(t, 20*time.Millisecond, cfg.Robot.ControlPeriod())
	assert.Equal(t, 16, cfg.Buffer.Capacity)
	assert.True(t, cfg.Safety.ManualReset())
	assert.Equal(t, time.Second, cfg.Safety.HeartbeatTimeout())
	assert.Equal(t, 5*time.Second, cfg.Inference.RequestTimeout())
	assert.Equal(t, "robofleet", cfg.MQTT.TopicPrefix)
	assert.Equal(t, "audit", cfg.Queue.Queue)
	require.Len(t, cfg.Deployment.DefaultStages, 4)
	assert.Equal(t, 1.0, cfg.Deployment.DefaultStages[3].Percentage)
	assert.Equal(t, 0.05, cfg.Deployment.DefaultThresholds.MaxErrorRate)
}

func TestParse_ExplicitValuesWin(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  port: 9090
safety:
  requires_manual_reset: false
buffer:
  capacity: 32
  low_threshold: 0.1
  prefetch_threshold: 0.8
deployment:
  default_stages:
    - percentage: 0.5
      duration_min: 5
    - percentage: 1.0
`))
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.False(t, cfg.Safety.ManualReset())
	assert.Equal(t, 32, cfg.Buffer.Capacity)
	assert.Len(t, cfg.Deployment.DefaultStages, 2)
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("ROBOFLEET_ROBOT_ID", "arm-42")
	t.Setenv("ROBOFLEET_SERVER_PORT", "7000")
	t.Setenv("ROBOFLEET_REDIS_ADDR", "redis:6379")

	cfg, err := Parse([]byte("robot:\n  id: arm-01\n"))
	require.NoError(t, err)
	assert.Equal(t, "arm-42", cfg.Robot.ID)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestParse_CollectsAllErrors(t *testing.T) {
	_, err := Parse([]byte(`
logger:
  output: file
buffer:
  low_threshold: 1.5
mqtt:
  enabled: true
kafka:
  enabled: true
`))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "logger.file.path")
	assert.Contains(t, msg, "buffer.low_threshold")
	assert.Contains(t, msg, "mqtt.broker")
	assert.Contains(t, msg, "kafka.brokers")
}

func TestParse_BadYAML(t *testing.T) {
	_, err := Parse([]byte("server: ["))
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "robotd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("robot:\n  id: arm-07\n  zone: cell-b\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "cell-b", cfg.Robot.Zone)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestResolvePath(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	assert.Equal(t, "config/config.yaml", ResolvePath(""))

	t.Setenv("CONFIG_PATH", "/etc/robofleet/fleetd.yaml")
	assert.Equal(t, "/etc/robofleet/fleetd.yaml", ResolvePath(""))
	assert.Equal(t, "local.yaml", ResolvePath("local.yaml"))
}

func TestValidateStages(t *testing.T) {
	assert.NoError(t, ValidateStages([]StageConfig{{Percentage: 1}}))
	assert.NoError(t, ValidateStages([]StageConfig{{Percentage: 0.1, DurationMin: 10}, {Percentage: 0.1}, {Percentage: 1}}))

	assert.ErrorContains(t, ValidateStages(nil), "at least one stage")
	assert.ErrorContains(t, ValidateStages([]StageConfig{{Percentage: 0.5}, {Percentage: 0.2}, {Percentage: 1}}), "lower than previous")
	assert.ErrorContains(t, ValidateStages([]StageConfig{{Percentage: 0.5}}), "must reach 100%")
	assert.ErrorContains(t, ValidateStages([]StageConfig{{Percentage: 1.2}}), "percentage must be in")
	assert.ErrorContains(t, ValidateStages([]StageConfig{{Percentage: 1, DurationMin: -1}}), "duration")
}
