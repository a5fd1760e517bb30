package setup

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterPreservesOtherEntries(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "client.json")
	existing := `{"theme":"dark","mcpServers":{"other":{"command":"/bin/other"}}}`
	require.NoError(t, os.WriteFile(configPath, []byte(existing), 0644))

	written, err := Register(Options{BinaryPath: "/opt/abid/mcp-server-lite", DataDir: "/data/abid", ConfigPath: configPath})
	require.NoError(t, err)
	assert.Equal(t, configPath, written)

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "dark", raw["theme"])

	config, err := LoadClientConfig(configPath)
	require.NoError(t, err)
	assert.Contains(t, config.MCPServers, "other")
	entry := config.MCPServers[ServerKey]
	assert.Equal(t, "/opt/abid/mcp-server-lite", entry.Command)
	assert.Equal(t, "/data/abid", entry.Env["ABID_DATA_DIR"])
}

func TestUnregister(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "client.json")

	removed, err := Unregister(configPath)
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = Register(Options{BinaryPath: "/bin/true", ConfigPath: configPath})
	require.NoError(t, err)

	removed, err = Unregister(configPath)
	require.NoError(t, err)
	assert.True(t, removed)

	config, err := LoadClientConfig(configPath)
	require.NoError(t, err)
	assert.NotContains(t, config.MCPServers, ServerKey)
}

func TestLoadClientConfigRejectsGarbage(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "client.json")
	require.NoError(t, os.WriteFile(configPath, []byte("{not json"), 0644))

	_, err := LoadClientConfig(configPath)
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "client.json")
	binary := filepath.Join(dir, "mcp-server-lite")
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\n"), 0755))
	dataDir := filepath.Join(dir, "data")

	st, err := GetStatus(configPath)
	require.NoError(t, err)
	assert.False(t, st.Registered)
	assert.False(t, st.Valid())

	_, err = Register(Options{BinaryPath: binary, DataDir: dataDir, ConfigPath: configPath})
	require.NoError(t, err)

	st, err = GetStatus(configPath)
	require.NoError(t, err)
	assert.True(t, st.Registered)
	assert.Equal(t, dataDir, st.DataDir)
	assert.False(t, st.ArchiveDB)
	assert.True(t, st.Valid(), st.Issues)

	require.NoError(t, os.MkdirAll(dataDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "workups.db"), nil, 0644))
	st, err = GetStatus(configPath)
	require.NoError(t, err)
	assert.True(t, st.ArchiveDB)
	assert.Empty(t, st.Issues)
}

func TestCommand(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "client.json")

	var out bytes.Buffer
	cmd := NewCommand("lite")
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"register", "--config", configPath, "--binary", "/bin/true"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Registered "+ServerKey)

	out.Reset()
	cmd = NewCommand("lite")
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"status", "--config", configPath})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Registered:    true")
}
