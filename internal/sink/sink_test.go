package sink

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nightwatch-av/procaudio/internal/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNullSinkDiscardsEverything(t *testing.T) {
	t.Parallel()
	var s NullSink
	err := s.Emit(context.Background(), audio.Frame{Frames: 128})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestWAVSinkWritesNonEmptyFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "out.wav")
	f, err := os.Create(path)
	require.NoError(t, err)

	s := NewWAVSink(f, 48000, 2)

	left := make([]float32, 256)
	right := make([]float32, 256)
	for i := range left {
		left[i] = 0.1
		right[i] = -0.1
	}
	frame := audio.Frame{
		Planes: audio.EncodeF32Planes([][]float32{left, right}),
		Frames: 256,
		Desc:   audio.Desc{SampleRate: 48000, Format: audio.FormatF32, Layout: audio.LayoutStereo},
	}

	require.NoError(t, s.Emit(context.Background(), frame))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("RIFF")))
	assert.Greater(t, len(data), 44) // header + at least some PCM payload
}

func TestWAVSinkEmitRespectsCanceledContext(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "out.wav"))
	require.NoError(t, err)
	defer f.Close()

	s := NewWAVSink(f, 48000, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = s.Emit(ctx, audio.Frame{Planes: audio.EncodeF32Planes([][]float32{{0.1}}), Frames: 1})
	assert.Error(t, err)
}
