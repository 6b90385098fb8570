// Package sink implements the downstream consumer interface the mix
// engine publishes finished frame-blocks to.
package sink

import (
	"context"
	"io"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/nightwatch-av/procaudio/internal/audio"
	"github.com/nightwatch-av/procaudio/internal/errors"
)

// Sink is the single downstream operation described for the mix engine's
// output: emit one planar float frame-block at the host's configured
// rate and layout.
type Sink interface {
	Emit(ctx context.Context, frame audio.Frame) error
	Close() error
}

// NullSink discards every frame. Useful for benchmarking the capture and
// mix path without an output file, and as the default when no sink is
// configured.
type NullSink struct{}

// Emit implements Sink.
func (NullSink) Emit(context.Context, audio.Frame) error { return nil }

// Close implements Sink.
func (NullSink) Close() error { return nil }

// wavBitDepth is the on-disk sample width WAVSink writes; the mixer's
// clamped float planar output is quantized down to this before encoding,
// matching the PCM16 convention the teacher's own clip-export path uses.
const wavBitDepth = 16

const wavFormatPCM = 1

// WAVSink writes every emitted frame-block as interleaved PCM16 to a
// single WAV file, via a go-audio/wav Encoder.
type WAVSink struct {
	mu  sync.Mutex
	w   io.Closer
	enc *wav.Encoder

	channels int
}

// writeSeekCloser is the subset of *os.File the wav encoder needs: it
// seeks back to patch the header's size fields on Close.
type writeSeekCloser interface {
	io.WriteSeeker
	io.Closer
}

// NewWAVSink constructs a WAVSink writing to w at the given sample rate
// and channel count. The caller retains ownership of w only insofar as
// WAVSink.Close() is responsible for closing it.
func NewWAVSink(w writeSeekCloser, sampleRate, channels int) *WAVSink {
	return &WAVSink{
		w:        w,
		enc:      wav.NewEncoder(w, sampleRate, wavBitDepth, channels, wavFormatPCM),
		channels: channels,
	}
}

// Emit implements Sink: it decodes the frame's planar float32 planes,
// interleaves and quantizes them to PCM16, and writes one encoder chunk.
func (s *WAVSink) Emit(ctx context.Context, frame audio.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	channels := len(frame.Planes)
	if channels == 0 {
		return nil
	}
	decoded := make([][]float32, channels)
	for ch, plane := range frame.Planes {
		decoded[ch] = audio.DecodeF32Plane(plane)
	}

	interleaved := make([]int, frame.Frames*channels)
	for f := 0; f < frame.Frames; f++ {
		for ch := 0; ch < channels; ch++ {
			sample := decoded[ch][f]
			interleaved[f*channels+ch] = int(sample * 32767)
		}
	}

	buf := &goaudio.IntBuffer{
		Data:           interleaved,
		Format:         &goaudio.Format{SampleRate: frame.Desc.SampleRate, NumChannels: channels},
		SourceBitDepth: wavBitDepth,
	}
	if err := s.enc.Write(buf); err != nil {
		return errors.New(err).Component("sink").Category(errors.CategorySink).Build()
	}
	return nil
}

// Close flushes the WAV header and closes the underlying writer.
func (s *WAVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Close(); err != nil {
		_ = s.w.Close()
		return errors.New(err).Component("sink").Category(errors.CategorySink).Build()
	}
	return s.w.Close()
}
