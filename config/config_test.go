package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oncoscope/ml"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoadOverridesDefaults(t *testing.T) {
	c, err := Load(writeConfig(t, `
http:
  port: 9001
  timeout: 5s
models:
  enabled: [svm, l1_nn]
retrain:
  timeout: 90s
`))
	require.NoError(t, err)
	assert.Equal(t, 9001, c.Http.Port)
	assert.Equal(t, 5*time.Second, c.Http.Timeout)
	assert.Equal(t, 90*time.Second, c.Retrain.Timeout)
	assert.Equal(t, 0.2, c.Dataset.TestRatio)
	assert.Equal(t, "models", c.Models.Dir)

	ids, err := c.EnabledModels()
	require.NoError(t, err)
	assert.Equal(t, []ml.ModelID{ml.SVM, ml.KNNL1}, ids)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"bad port":      "http:\n  port: 70000\n",
		"bad ratio":     "dataset:\n  test_ratio: 1.5\n",
		"unknown model": "models:\n  enabled: [forest]\n",
		"not yaml":      "http: [",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestEnabledModelsCapability(t *testing.T) {
	c := Default()
	ids, err := c.EnabledModels()
	require.NoError(t, err)
	assert.NotContains(t, ids, ml.GRUSVM)
	assert.Len(t, ids, len(ml.ModelIDs())-1)

	c.Models.GRUSVMEnabled = true
	ids, err = c.EnabledModels()
	require.NoError(t, err)
	assert.Contains(t, ids, ml.GRUSVM)

	c.Models.GRUSVMEnabled = false
	c.Models.Enabled = []string{"gru_svm"}
	_, err = c.EnabledModels()
	assert.Error(t, err)
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvPath, "/etc/oncoscope.yaml")
	assert.Equal(t, "/etc/oncoscope.yaml", Path())
	t.Setenv(EnvPath, "")
	assert.Equal(t, DefaultPath, Path())
}

func TestRepositoryConfigIsValid(t *testing.T) {
	c, err := Load(filepath.Join("..", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8000, c.Http.Port)
}
