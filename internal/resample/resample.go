// Package resample converts frames between an input audio descriptor and a
// fixed output descriptor (sample rate, float format, channel layout),
// tracking the cumulative sample drift the conversion introduces so callers
// can compensate published timestamps.
//
// There is no verified third-party resampling library in the retrieved
// pack whose call shape could be grounded (a go.mod line with no reachable
// call site is not enough to build against), so this package implements a
// small linear-interpolation resampler directly — see DESIGN.md for the
// justification. It is deliberately treated as a replaceable primitive:
// callers only ever see Resampler's narrow interface.
package resample

import (
	"encoding/binary"
	"math"

	"github.com/nightwatch-av/procaudio/internal/audio"
	"github.com/nightwatch-av/procaudio/internal/errors"
)

// Resampler converts planar or interleaved PCM frames at an input
// descriptor into planar float32 frames at a fixed output descriptor,
// tracking the cumulative sample drift (Offset) introduced by rate
// conversion. It is not safe for concurrent use; the audio channel that
// owns one serializes access to it under its own mutex.
type Resampler struct {
	in  audio.Desc
	out audio.Desc

	// carry holds, per output channel, the last input sample decoded from
	// the previous Resample call, used as the left endpoint for linear
	// interpolation across call boundaries.
	carry []float32
	// fracPos is the fractional input-sample position carried across
	// calls, in units of input samples.
	fracPos float64

	// offset is the cumulative number of output samples this resampler
	// has produced beyond what an exact-rate conversion of the input would produce,
	// i.e. resample_offset translated to samples rather than nanoseconds.
	offset int64
}

// New constructs a Resampler converting from in to out. It returns an
// error only when the descriptors are unusable (zero rate or channel
// count); unlike a wrapped C library there is no native-side construction
// failure mode, but the error return is kept so callers exercise the same
// fallback-to-pass-through path spec'd for a real resampler backend.
func New(in, out audio.Desc) (*Resampler, error) {
	if in.SampleRate <= 0 || out.SampleRate <= 0 {
		return nil, errors.New(errors.NewStd("resampler: sample rate must be positive")).
			Category(errors.CategoryResample).
			Context("in_rate", in.SampleRate).
			Context("out_rate", out.SampleRate).
			Build()
	}
	if in.Channels() <= 0 || out.Channels() <= 0 {
		return nil, errors.New(errors.NewStd("resampler: channel count must be positive")).
			Category(errors.CategoryResample).
			Context("in_channels", in.Channels()).
			Context("out_channels", out.Channels()).
			Build()
	}

	return &Resampler{
		in:    in,
		out:   out,
		carry: make([]float32, out.Channels()),
	}, nil
}

// InDesc returns the descriptor this resampler was constructed to consume.
func (r *Resampler) InDesc() audio.Desc { return r.in }

// OutDesc returns the fixed descriptor this resampler produces.
func (r *Resampler) OutDesc() audio.Desc { return r.out }

// Offset returns the cumulative resample offset in output samples.
func (r *Resampler) Offset() int64 { return r.offset }

// OffsetNanos converts Offset into nanoseconds at the output sample rate,
// the form the audio channel subtracts from published timestamps.
func (r *Resampler) OffsetNanos() int64 {
	return int64(r.offset) * int64(1e9) / int64(r.out.SampleRate)
}

// Resample decodes frames of input PCM (planar if len(planes) == in
// channel count, interleaved if len(planes) == 1) and produces planar
// float32 output at r.out's rate and channel count.
func (r *Resampler) Resample(planes [][]byte, frames int) (audio.PlanarFloat32, error) {
	inChans := r.in.Channels()
	decoded, err := decodePlanes(planes, frames, inChans, r.in.Format)
	if err != nil {
		return audio.PlanarFloat32{}, errors.New(err).Category(errors.CategoryResample).Build()
	}

	outChans := r.out.Channels()
	remapped := remapChannels(decoded, outChans)

	if r.in.SampleRate == r.out.SampleRate {
		// No rate conversion needed; still run the input through the
		// channel remap above, and the offset never accumulates.
		return audio.PlanarFloat32{Planes: remapped, Frames: frames}, nil
	}

	outFrames, produced := r.linearResample(remapped, frames, outChans)
	// Track drift: in an exact-rate conversion, outFrames would equal
	// frames * out_rate / in_rate; any remainder carried in fracPos is the
	// sub-sample offset that has accumulated.
	expected := int64(frames) * int64(r.out.SampleRate) / int64(r.in.SampleRate)
	r.offset += int64(produced) - expected

	return outFrames, nil
}

// linearResample performs per-channel linear interpolation from r.in's
// rate to r.out's rate, carrying fractional position and the last sample
// of each channel across calls so that back-to-back Resample calls splice
// without a click at the boundary.
func (r *Resampler) linearResample(in [][]float32, inFrames, channels int) (audio.PlanarFloat32, int) {
	if inFrames == 0 {
		return audio.PlanarFloat32{Planes: make([][]float32, channels), Frames: 0}, 0
	}

	ratio := float64(r.in.SampleRate) / float64(r.out.SampleRate)
	outFrameEstimate := int(float64(inFrames)/ratio) + 2
	out := audio.NewPlanarFloat32(channels, outFrameEstimate)

	produced := 0
	pos := r.fracPos
	for {
		idx := int(pos)
		if idx >= inFrames-1 {
			break
		}
		frac := pos - float64(idx)
		for ch := 0; ch < channels; ch++ {
			var left float32
			if idx == 0 {
				left = r.carry[ch]
				if left == 0 && idx < len(in[ch]) {
					left = in[ch][0]
				}
			} else {
				left = in[ch][idx]
			}
			right := in[ch][idx+1]
			sample := left + float32(frac)*(right-left)
			if produced >= len(out.Planes[ch]) {
				out.Planes[ch] = append(out.Planes[ch], sample)
			} else {
				out.Planes[ch][produced] = sample
			}
		}
		produced++
		pos += ratio
	}

	for ch := range r.carry {
		if ch < len(in) && inFrames > 0 {
			r.carry[ch] = in[ch][inFrames-1]
		}
	}
	r.fracPos = pos - float64(inFrames)
	if r.fracPos < 0 {
		r.fracPos = 0
	}

	for ch := range out.Planes {
		out.Planes[ch] = out.Planes[ch][:produced]
	}
	out.Frames = produced
	return out, produced
}

// Passthrough decodes frames into planar float32 without any rate
// conversion, for use when a Resampler could not be constructed for the
// current input/output descriptor pair. It is the fallback path spec'd
// for resampler construction failure: audio keeps flowing, just without
// rate correction, rather than the channel going silent.
func Passthrough(planes [][]byte, frames int, in audio.Desc, outChannels int) (audio.PlanarFloat32, error) {
	decoded, err := decodePlanes(planes, frames, in.Channels(), in.Format)
	if err != nil {
		return audio.PlanarFloat32{}, errors.New(err).Category(errors.CategoryResample).Build()
	}
	return audio.PlanarFloat32{Planes: remapChannels(decoded, outChannels), Frames: frames}, nil
}

// remapChannels adapts a decoded planar buffer to the requested channel
// count: extra output channels replicate the last decoded channel, fewer
// output channels drop the trailing ones. This is a deliberately simple
// policy; true downmix/upmix matrices are out of scope for this spec.
func remapChannels(decoded [][]float32, outChans int) [][]float32 {
	if len(decoded) == outChans {
		return decoded
	}
	out := make([][]float32, outChans)
	for ch := 0; ch < outChans; ch++ {
		src := ch
		if src >= len(decoded) {
			src = len(decoded) - 1
		}
		out[ch] = decoded[src]
	}
	return out
}

// decodePlanes converts raw PCM bytes (planar or interleaved) into planar
// float32 samples in [-1, 1].
func decodePlanes(planes [][]byte, frames, channels int, format audio.SampleFormat) ([][]float32, error) {
	if len(planes) == channels {
		return decodePlanar(planes, frames, format)
	}
	if len(planes) == 1 {
		return decodeInterleaved(planes[0], frames, channels, format)
	}
	return nil, errors.NewStd("resampler: plane count matches neither planar nor interleaved layout")
}

func decodePlanar(planes [][]byte, frames int, format audio.SampleFormat) ([][]float32, error) {
	out := make([][]float32, len(planes))
	for ch, plane := range planes {
		samples, err := decodeSamples(plane, frames, format)
		if err != nil {
			return nil, err
		}
		out[ch] = samples
	}
	return out, nil
}

func decodeInterleaved(data []byte, frames, channels int, format audio.SampleFormat) ([][]float32, error) {
	bps := format.BytesPerSample()
	if bps == 0 {
		return nil, errors.NewStd("resampler: unknown sample format")
	}
	need := frames * channels * bps
	if len(data) < need {
		return nil, errors.NewStd("resampler: interleaved buffer shorter than frames*channels*bytesPerSample")
	}

	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, frames)
	}

	for f := 0; f < frames; f++ {
		for ch := 0; ch < channels; ch++ {
			off := (f*channels + ch) * bps
			out[ch][f] = decodeOne(data[off:off+bps], format)
		}
	}
	return out, nil
}

func decodeSamples(plane []byte, frames int, format audio.SampleFormat) ([]float32, error) {
	bps := format.BytesPerSample()
	if bps == 0 {
		return nil, errors.NewStd("resampler: unknown sample format")
	}
	if len(plane) < frames*bps {
		return nil, errors.NewStd("resampler: plane shorter than frames*bytesPerSample")
	}
	out := make([]float32, frames)
	for f := 0; f < frames; f++ {
		off := f * bps
		out[f] = decodeOne(plane[off:off+bps], format)
	}
	return out, nil
}

func decodeOne(b []byte, format audio.SampleFormat) float32 {
	switch format {
	case audio.FormatU8:
		return (float32(b[0]) - 128) / 128
	case audio.FormatS16:
		v := int16(binary.LittleEndian.Uint16(b))
		return float32(v) / 32768
	case audio.FormatS24:
		v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
		if v&0x800000 != 0 {
			v |= ^0xFFFFFF
		}
		return float32(v) / 8388608
	case audio.FormatS32:
		v := int32(binary.LittleEndian.Uint32(b))
		return float32(v) / 2147483648
	case audio.FormatF32:
		bits := binary.LittleEndian.Uint32(b)
		return math.Float32frombits(bits)
	default:
		return 0
	}
}
