package resample

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/nightwatch-av/procaudio/internal/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func float32Plane(samples []float32) []byte {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}

func TestNewRejectsInvalidDescriptors(t *testing.T) {
	t.Parallel()

	_, err := New(audio.Desc{SampleRate: 0, Format: audio.FormatF32, Layout: audio.LayoutStereo}, audio.Desc{SampleRate: 48000, Format: audio.FormatF32, Layout: audio.LayoutStereo})
	require.Error(t, err)

	_, err = New(audio.Desc{SampleRate: 48000, Format: audio.FormatF32, Layout: audio.LayoutUnknown}, audio.Desc{SampleRate: 48000, Format: audio.FormatF32, Layout: audio.LayoutStereo})
	require.Error(t, err)
}

func TestResampleSameRateIsIdentity(t *testing.T) {
	t.Parallel()

	in := audio.Desc{SampleRate: 48000, Format: audio.FormatF32, Layout: audio.LayoutStereo}
	out := audio.Desc{SampleRate: 48000, Format: audio.FormatF32, Layout: audio.LayoutStereo}
	r, err := New(in, out)
	require.NoError(t, err)

	left := []float32{0.1, 0.2, 0.3, 0.4}
	right := []float32{-0.1, -0.2, -0.3, -0.4}
	planes := [][]byte{float32Plane(left), float32Plane(right)}

	got, err := r.Resample(planes, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Frames)
	assert.InDeltaSlice(t, left, got.Planes[0], 1e-6)
	assert.InDeltaSlice(t, right, got.Planes[1], 1e-6)
	assert.Zero(t, r.Offset())
}

func TestResampleDownsampleProducesFewerFrames(t *testing.T) {
	t.Parallel()

	in := audio.Desc{SampleRate: 48000, Format: audio.FormatF32, Layout: audio.LayoutMono}
	out := audio.Desc{SampleRate: 24000, Format: audio.FormatF32, Layout: audio.LayoutMono}
	r, err := New(in, out)
	require.NoError(t, err)

	samples := make([]float32, 480)
	for i := range samples {
		samples[i] = float32(i) / 480
	}
	planes := [][]byte{float32Plane(samples)}

	got, err := r.Resample(planes, len(samples))
	require.NoError(t, err)
	assert.InDelta(t, 240, got.Frames, 2)
}

func TestResampleS16Decoding(t *testing.T) {
	t.Parallel()

	in := audio.Desc{SampleRate: 48000, Format: audio.FormatS16, Layout: audio.LayoutMono}
	out := audio.Desc{SampleRate: 48000, Format: audio.FormatF32, Layout: audio.LayoutMono}
	r, err := New(in, out)
	require.NoError(t, err)

	raw := make([]byte, 4)
	binary.LittleEndian.PutUint16(raw[0:], uint16(int16(16384)))  // ~0.5
	binary.LittleEndian.PutUint16(raw[2:], uint16(int16(-16384))) // ~-0.5

	got, err := r.Resample([][]byte{raw}, 2)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got.Planes[0][0], 1e-3)
	assert.InDelta(t, -0.5, got.Planes[0][1], 1e-3)
}

func TestChannelRemapUpmix(t *testing.T) {
	t.Parallel()

	in := audio.Desc{SampleRate: 48000, Format: audio.FormatF32, Layout: audio.LayoutMono}
	out := audio.Desc{SampleRate: 48000, Format: audio.FormatF32, Layout: audio.LayoutStereo}
	r, err := New(in, out)
	require.NoError(t, err)

	samples := []float32{0.25, 0.5}
	got, err := r.Resample([][]byte{float32Plane(samples)}, 2)
	require.NoError(t, err)
	require.Len(t, got.Planes, 2)
	assert.InDeltaSlice(t, samples, got.Planes[0], 1e-6)
	assert.InDeltaSlice(t, samples, got.Planes[1], 1e-6)
}

func TestPassthroughSkipsRateConversion(t *testing.T) {
	t.Parallel()

	in := audio.Desc{SampleRate: 44100, Format: audio.FormatS16, Layout: audio.LayoutStereo}
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint16(raw[0:], uint16(int16(1000)))
	binary.LittleEndian.PutUint16(raw[2:], uint16(int16(2000)))
	binary.LittleEndian.PutUint16(raw[4:], uint16(int16(3000)))
	binary.LittleEndian.PutUint16(raw[6:], uint16(int16(4000)))

	got, err := Passthrough([][]byte{raw}, 2, in, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Frames)
}
