// Package audio defines the shared frame and format types used across the
// capture, timing, and mixing packages.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// SampleFormat identifies the wire/PCM sample encoding of a frame, matching
// the "format" tag the shared-memory ring carries per record.
type SampleFormat uint32

const (
	FormatUnknown SampleFormat = iota
	FormatU8
	FormatS16
	FormatS24
	FormatS32
	FormatF32
)

// String implements fmt.Stringer.
func (f SampleFormat) String() string {
	switch f {
	case FormatU8:
		return "u8"
	case FormatS16:
		return "s16"
	case FormatS24:
		return "s24"
	case FormatS32:
		return "s32"
	case FormatF32:
		return "f32"
	default:
		return "unknown"
	}
}

// BytesPerSample returns the on-wire size of one sample in this format.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case FormatU8:
		return 1
	case FormatS16:
		return 2
	case FormatS24:
		return 3
	case FormatS32, FormatF32:
		return 4
	default:
		return 0
	}
}

// ChannelLayout identifies the speaker layout of a frame. Only the channel
// count is used by the timing/mixing math; the named layouts exist so
// callers and logs can refer to something more meaningful than a bare int.
type ChannelLayout uint32

const (
	LayoutUnknown ChannelLayout = iota
	LayoutMono
	LayoutStereo
	Layout2Point1
	LayoutQuad
	Layout4Point1
	Layout5Point1
	Layout7Point1
)

// MaxChannels bounds the largest layout this package represents, matching
// the upstream project's AUDIO_OUTPUT_FRAMES-adjacent MAX_AUDIO_CHANNELS.
const MaxChannels = 8

// Channels returns the channel count implied by the layout.
func (l ChannelLayout) Channels() int {
	switch l {
	case LayoutMono:
		return 1
	case LayoutStereo:
		return 2
	case Layout2Point1:
		return 3
	case LayoutQuad:
		return 4
	case Layout4Point1:
		return 5
	case Layout5Point1:
		return 6
	case Layout7Point1:
		return 8
	default:
		return 0
	}
}

// LayoutForChannels returns the canonical named layout for a channel count,
// or LayoutUnknown if there isn't a named layout for that many channels.
func LayoutForChannels(channels int) ChannelLayout {
	switch channels {
	case 1:
		return LayoutMono
	case 2:
		return LayoutStereo
	case 3:
		return Layout2Point1
	case 4:
		return LayoutQuad
	case 5:
		return Layout4Point1
	case 6:
		return Layout5Point1
	case 8:
		return Layout7Point1
	default:
		return LayoutUnknown
	}
}

// Desc describes the shape of an audio stream: its sample rate, on-wire
// format, and channel layout. Two Desc values compare equal with == since
// all fields are comparable, which the audio channel relies on to detect a
// format change cheaply on every ingest.
type Desc struct {
	SampleRate int
	Format     SampleFormat
	Layout     ChannelLayout
}

// Channels is a convenience accessor for d.Layout.Channels().
func (d Desc) Channels() int {
	return d.Layout.Channels()
}

// String implements fmt.Stringer.
func (d Desc) String() string {
	return fmt.Sprintf("%dHz/%s/%dch", d.SampleRate, d.Format, d.Channels())
}

// Frame is one chunk of audio as delivered by a producer or emitted by the
// mix engine: planar byte data (one slice per channel if the source is
// planar, or a single interleaved slice), a logical frame count, the
// stream's format descriptor, and a timestamp in the producer's monotonic
// clock domain (nanoseconds).
type Frame struct {
	Planes    [][]byte
	Frames    int
	Desc      Desc
	Timestamp int64 // ns, monotonic clock domain of the producer
}

// PlanarFloat32 is the host-format output of the resampler and the internal
// working format of the mix engine: one []float32 per channel, always
// planar regardless of the input's layout.
type PlanarFloat32 struct {
	Planes []([]float32)
	Frames int
}

// NewPlanarFloat32 allocates a PlanarFloat32 with the given channel count
// and frame capacity, all samples zeroed.
func NewPlanarFloat32(channels, frames int) PlanarFloat32 {
	planes := make([][]float32, channels)
	for i := range planes {
		planes[i] = make([]float32, frames)
	}
	return PlanarFloat32{Planes: planes, Frames: frames}
}

// EncodeF32Planes converts planar float32 samples into the raw
// little-endian byte planes a Frame carries, for handoff to a sink.
func EncodeF32Planes(planes [][]float32) [][]byte {
	out := make([][]byte, len(planes))
	for ch, samples := range planes {
		buf := make([]byte, len(samples)*4)
		for i, s := range samples {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
		}
		out[ch] = buf
	}
	return out
}

// DecodeF32Plane converts one raw little-endian float32 byte plane back
// into samples.
func DecodeF32Plane(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
