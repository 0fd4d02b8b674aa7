package registration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfigYAML() string {
	return `registration:
  method: point_to_plane
  maxCorrespondenceDistance: 0.02
  dtype: float64
  device: CPU:0
  criteria:
    maxIterations: 50
    relativeFitness: 1.0e-7
    relativeRmse: 1.0e-7
  stages:
    - voxelSize: 0.05
      maxCorrespondenceDistance: 0.1
      criteria:
        maxIterations: 20
        relativeFitness: 1.0e-5
        relativeRmse: 1.0e-5
  searchWorkers: 4
mqtt:
  broker: tcp://localhost:1883
  publishPrefix: meshreg-test
http:
  port: 8080
`
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	return path
}

func TestLoadConfig_NotExists(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfigYAML()))
	require.NoError(t, err)

	r := cfg.Registration
	assert.Equal(t, MethodPointToPlane, r.Method)
	assert.Equal(t, 0.02, r.MaxCorrespondenceDistance)
	assert.Equal(t, Float64, r.ParsedDtype())
	assert.Equal(t, CPU(), r.ParsedDevice())
	assert.Equal(t, ICPConvergenceCriteria{MaxIterations: 50, RelativeFitness: 1e-7, RelativeRMSE: 1e-7}, r.Criteria)
	require.Len(t, r.Stages, 1)
	assert.Equal(t, 0.05, r.Stages[0].VoxelSize)
	assert.Equal(t, 20, r.Stages[0].Criteria.MaxIterations)
	assert.Equal(t, 4, r.SearchWorkers)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, "meshreg-test", cfg.MQTT.PublishPrefix)
	assert.Equal(t, 8080, cfg.HTTP.Port)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "registration: {}\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, MethodPointToPoint, cfg.Registration.Method)
	assert.Equal(t, DefaultICPConvergenceCriteria(), cfg.Registration.Criteria)
	assert.Equal(t, Float32, cfg.Registration.ParsedDtype())
	assert.Equal(t, "meshreg", cfg.MQTT.PublishPrefix)
	assert.Empty(t, cfg.MQTT.Broker)
	assert.Equal(t, 4040, cfg.HTTP.Port)
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown method", "registration:\n  method: generalized\n"},
		{"bad dtype", "registration:\n  dtype: float16\n"},
		{"bad device", "registration:\n  device: TPU:0\n"},
		{"negative iterations", "registration:\n  criteria:\n    maxIterations: -2\n"},
		{"stage voxel", "registration:\n  stages:\n    - voxelSize: -0.1\n      maxCorrespondenceDistance: 0.1\n"},
		{"negative workers", "registration:\n  searchWorkers: -1\n"},
		{"bad yaml", "registration: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tt.yaml)); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestLoadConfig_ExplicitZeros(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "registration:\n  maxCorrespondenceDistance: 0\n  criteria:\n    maxIterations: 0\n"))
	require.NoError(t, err)

	r := cfg.Registration
	assert.Equal(t, 0.0, r.MaxCorrespondenceDistance)
	assert.Equal(t, 0, r.Criteria.MaxIterations)
	assert.Equal(t, DefaultICPConvergenceCriteria().RelativeFitness, r.Criteria.RelativeFitness, "absent thresholds keep defaults")
	assert.Equal(t, DefaultICPConvergenceCriteria().RelativeRMSE, r.Criteria.RelativeRMSE)
}

func TestLoadConfig_NonPositiveDistances(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "registration:\n  maxCorrespondenceDistance: -1\n  stages:\n    - voxelSize: 0.1\n"))
	require.NoError(t, err)
	assert.Equal(t, -1.0, cfg.Registration.MaxCorrespondenceDistance)
	require.Len(t, cfg.Registration.Stages, 1)
	assert.Zero(t, cfg.Registration.Stages[0].MaxCorrespondenceDistance)
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfigYAML()))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestEffectiveStages(t *testing.T) {
	r := DefaultConfig().Registration
	stages := r.EffectiveStages(r.MaxCorrespondenceDistance)
	require.Len(t, stages, 3)
	assert.Equal(t, r.MaxCorrespondenceDistance, stages[2].MaxCorrespondenceDistance)

	stages = r.EffectiveStages(0)
	assert.Zero(t, stages[2].MaxCorrespondenceDistance)

	stages = r.EffectiveStages(0.5)
	assert.Equal(t, 0.5, stages[2].MaxCorrespondenceDistance)

	r.Stages = []ICPStage{{MaxCorrespondenceDistance: 1}}
	assert.Equal(t, r.Stages, r.EffectiveStages(0.5))
}
