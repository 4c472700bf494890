package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/voxd.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/voxd.json", loader.configPath)
}

func TestLoaderLoad(t *testing.T) {
	t.Run("load default config when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "nonexistent.json")

		loader := NewLoader(configPath)
		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.NotNil(t, cfg)
		assert.Equal(t, "anthropic", cfg.Agent.Provider)
		assert.Equal(t, 25, cfg.Agent.MaxIterations)
		assert.Equal(t, 8391, cfg.Gateway.Port)
	})

	t.Run("load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "voxd.json")

		testConfig := `{
			"gateway": {
				"port": 9000,
				"shared_secret": "hush"
			},
			"agent": {
				"provider": "openai",
				"model": "gpt-4o",
				"credentials": [{"provider": "openai", "api_key": "sk-test"}]
			}
		}`
		err := os.WriteFile(configPath, []byte(testConfig), 0644)
		require.NoError(t, err)

		loader := NewLoader(configPath)
		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.Equal(t, 9000, cfg.Gateway.Port)
		assert.Equal(t, "hush", cfg.Gateway.SharedSecret)
		assert.Equal(t, "openai", cfg.Agent.Provider)
		assert.Equal(t, "gpt-4o", cfg.Agent.Model)
		require.Len(t, cfg.Agent.Credentials, 1)
		assert.Equal(t, "sk-test", cfg.Agent.Credentials[0].APIKey)
	})

	t.Run("set default paths", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "voxd.json")

		err := os.WriteFile(configPath, []byte(`{"data_dir": "`+tmpDir+`"}`), 0644)
		require.NoError(t, err)

		loader := NewLoader(configPath)
		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.Equal(t, tmpDir, cfg.DataDir)
		assert.Equal(t, filepath.Join(tmpDir, "servers.json"), cfg.ServersFile)
		assert.Equal(t, filepath.Join(tmpDir, "voxd.log"), cfg.Logging.File)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "invalid.json")

		err := os.WriteFile(configPath, []byte("invalid json"), 0644)
		require.NoError(t, err)

		loader := NewLoader(configPath)
		_, err = loader.Load()
		assert.Error(t, err)
	})
}

func TestLoaderSaveRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "voxd.json")

	cfg := DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Gateway.SharedSecret = "hush"
	cfg.Agent.Credentials = []CredentialConfig{{Provider: "anthropic", APIKey: "sk-test"}}

	loader := NewLoader(configPath)
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "hush", loaded.Gateway.SharedSecret)
	require.Len(t, loaded.Agent.Credentials, 1)
	assert.Equal(t, "anthropic", loaded.Agent.Credentials[0].Provider)
}

func TestGetConfigPath(t *testing.T) {
	loader := NewLoader("/custom/path.json")
	assert.Equal(t, "/custom/path.json", loader.GetConfigPath())

	loader = NewLoader("")
	assert.Contains(t, loader.GetConfigPath(), ".voxd")
}
