package conf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestWriteDefaultConfigProducesLoadableYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "procaudio.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), loaded)
}

func TestWriteDefaultConfigRefusesToOverwrite(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "procaudio.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	err := WriteDefaultConfig(path)
	assert.Error(t, err)
}

func TestWriteDefaultConfigMarshalsExpectedKeys(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "procaudio.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var node map[string]any
	require.NoError(t, yaml.Unmarshal(data, &node))

	capture, ok := node["capture"].(map[string]any)
	require.True(t, ok, "capture section must marshal as a mapping")
	assert.Contains(t, capture, "output_frames")
	assert.Contains(t, capture, "max_buffering_ticks")
}
