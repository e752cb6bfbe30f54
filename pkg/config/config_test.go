package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "genesis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
agent:
  name: assistant
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.Fabric.RedisAddr)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "working", cfg.Agent.Memory.Type)
	assert.Equal(t, "assistant", cfg.Agent.Name)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_GENESIS_KEY", "sk-from-env")
	path := writeConfig(t, `
agent:
  name: assistant
  provider:
    type: anthropic
    api_key: ${TEST_GENESIS_KEY}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.Agent.Provider.APIKey)
}

func TestLoadRejectsUnknownLevel(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: loud
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	path := writeConfig(t, `
agent:
  name: a
  provider:
    type: carrier-pigeon
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownMemoryType(t *testing.T) {
	path := writeConfig(t, `
agent:
  name: a
  memory:
    type: papyrus
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestAnthropicKeyFromEnvironment(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ambient")
	path := writeConfig(t, `
agent:
  name: a
  provider:
    type: anthropic
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-ambient", cfg.Agent.Provider.APIKey)
}
