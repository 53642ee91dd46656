package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_AppliesDocumentedDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 14, cfg.Behavior.BaselineWindowDays)

	assert.Equal(t, 0.30, cfg.Context.Weights.Device)
	assert.Equal(t, 0.25, cfg.Context.Weights.Network)
	assert.Equal(t, 0.20, cfg.Context.Weights.Time)
	assert.Equal(t, 0.25, cfg.Context.Weights.Location)

	assert.Equal(t, 0.30, cfg.Context.DeviceWeights.OSPatch)
	assert.Equal(t, 0.10, cfg.Context.DeviceWeights.Compliance)
	assert.Equal(t, 50.0, cfg.Context.StepUpThreshold)
	assert.Equal(t, 500.0, cfg.Context.ImpossibleSpeedKmh)

	assert.Equal(t, 10, cfg.Threat.BruteForceAttempts)
	assert.Equal(t, 0.70, cfg.Threat.EmitConfidence)
	assert.Equal(t, 0.80, cfg.Threat.AlertConfidence)

	assert.Equal(t, 1.5, cfg.Adaptive.PenaltyFactor)
	assert.Equal(t, 0.60, cfg.Adaptive.LowerBound)
	assert.Equal(t, 0.95, cfg.Adaptive.UpperBound)

	require.NoError(t, cfg.Validate())
}

func TestValidate_RejectsContextWeightsNotSummingToOne(t *testing.T) {
	cfg := Default()
	cfg.Context.Weights.Device = 0.50

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context weights")
}

func TestValidate_RejectsDeviceWeightsNotSummingToOne(t *testing.T) {
	cfg := Default()
	cfg.Context.DeviceWeights.Antivirus = 0.40

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device health weights")
}

func TestLoad_MergesFileValuesWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  port: "9090"
context:
  stepup_threshold: 60
threat:
  brute_force_attempts: 5
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 60.0, cfg.Context.StepUpThreshold)
	assert.Equal(t, 5, cfg.Threat.BruteForceAttempts)
	// Untouched sections still get defaults.
	assert.Equal(t, 14, cfg.Behavior.BaselineWindowDays)
	assert.Equal(t, 0.30, cfg.Context.Weights.Device)
}

func TestLoad_RejectsInvalidWeights(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
context:
  weights:
    device: 0.9
    network: 0.9
    time: 0.1
    location: 0.1
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
