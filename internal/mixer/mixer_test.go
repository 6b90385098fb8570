package mixer

import (
	"context"
	"testing"

	"github.com/nightwatch-av/procaudio/internal/audio"
	"github.com/nightwatch-av/procaudio/internal/capturereader"
	"github.com/nightwatch-av/procaudio/internal/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	frames []audio.Frame
}

func (s *captureSink) Emit(_ context.Context, f audio.Frame) error {
	s.frames = append(s.frames, f)
	return nil
}
func (s *captureSink) Close() error { return nil }

func floats(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func f32bytes(samples []float32) []byte {
	return audio.EncodeF32Planes([][]float32{samples})[0]
}

func TestFetchAndEmitMixesSingleInWindowChannel(t *testing.T) {
	t.Parallel()

	out := audio.Desc{SampleRate: 48000, Format: audio.FormatF32, Layout: audio.LayoutMono}
	now := int64(1_000_000_000)
	clock := func() int64 { return now }

	channels := capturereader.NewChannelMap(out, 4, clock, nil)
	ch := channels.GetOrCreate(1)
	require.NoError(t, ch.Ingest([][]byte{f32bytes(floats(4, 1.5))}, 4, out, now))

	start := ch.AudioTS()
	blockNS := framesToNS(4, out.SampleRate)
	end := start + blockNS

	s := &captureSink{}
	e := New(Config{Channels: channels, Sink: s, Clock: clock, OutDesc: out, OutputFrames: 4})

	frame, ok, err := e.fetchAndEmit(start, end)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, frame.Frames)

	decoded := audio.DecodeF32Plane(frame.Planes[0])
	for _, s := range decoded {
		// 1.5 saturates to the clamp ceiling.
		assert.InDelta(t, 1.0, s, 1e-6)
	}

	// The channel's read cursor should have advanced to the window's end.
	assert.Equal(t, end, ch.AudioTS())
}

func TestFetchAndEmitSkipsOutOfWindowChannel(t *testing.T) {
	t.Parallel()

	out := audio.Desc{SampleRate: 48000, Format: audio.FormatF32, Layout: audio.LayoutMono}
	now := int64(5_000_000_000)
	clock := func() int64 { return now }

	channels := capturereader.NewChannelMap(out, 4, clock, nil)
	ch := channels.GetOrCreate(1)
	require.NoError(t, ch.Ingest([][]byte{f32bytes(floats(4, 0.5))}, 4, out, now))

	audioTS := ch.AudioTS()
	blockNS := framesToNS(4, out.SampleRate)
	// A window well before this channel's anchor simulates a stream that
	// hasn't started producing for this part of the timeline yet: the
	// channel is ahead of the window, not behind it, so no buffering
	// should be injected — it should just be skipped (silence) this tick.
	start := audioTS - 20*blockNS
	end := start + blockNS

	s := &captureSink{}
	e := New(Config{Channels: channels, Sink: s, Clock: clock, OutDesc: out, OutputFrames: 4})

	frame, ok, err := e.fetchAndEmit(start, end)
	require.NoError(t, err)
	require.True(t, ok)
	decoded := audio.DecodeF32Plane(frame.Planes[0])
	for _, v := range decoded {
		assert.Zero(t, v)
	}
}

func TestInjectBufferingSuppressesEmitUntilCaughtUp(t *testing.T) {
	t.Parallel()

	out := audio.Desc{SampleRate: 48000, Format: audio.FormatF32, Layout: audio.LayoutMono}
	now := int64(9_000_000_000)
	clock := func() int64 { return now }

	channels := capturereader.NewChannelMap(out, 4, clock, nil)
	ch := channels.GetOrCreate(1)
	require.NoError(t, ch.Ingest([][]byte{f32bytes(floats(4, 0.1))}, 4, out, now))

	blockNS := framesToNS(4, out.SampleRate)
	audioTS := ch.AudioTS()
	// This channel's data starts exactly one block before the window we're
	// about to request, so min_ts < ts.start by exactly one block and the
	// engine should inject exactly one buffering tick.
	start := audioTS + blockNS
	end := start + blockNS

	s := &captureSink{}
	e := New(Config{Channels: channels, Sink: s, Clock: clock, OutDesc: out, OutputFrames: 4})

	_, ok, err := e.fetchAndEmit(start, end)
	require.NoError(t, err)
	assert.False(t, ok, "a freshly injected buffering tick suppresses this tick's output")
	// The one injected tick was both armed and consumed within this same
	// call (it was also the channel's own catch-up window), so the wait
	// counter is back to zero once fetchAndEmit returns.
	assert.Zero(t, e.bufferingWaitTicks)
	assert.Equal(t, 1, e.totalBufferingTicks)
}

func TestMaxBufferingTicksCapIsRespected(t *testing.T) {
	t.Parallel()

	out := audio.Desc{SampleRate: 48000, Format: audio.FormatF32, Layout: audio.LayoutMono}
	now := int64(2_000_000_000)
	clock := func() int64 { return now }

	channels := capturereader.NewChannelMap(out, 4, clock, nil)
	e := New(Config{Channels: channels, Sink: &captureSink{}, Clock: clock, OutDesc: out, OutputFrames: 4, MaxBufferingTicks: 2})

	blockNS := framesToNS(4, out.SampleRate)
	ts := window{start: 10 * blockNS, end: 11 * blockNS}
	got := e.injectBuffering(ts, 10*blockNS-100*blockNS) // huge lag, would need 100 ticks

	assert.Equal(t, 2, e.totalBufferingTicks, "total must be clamped to the configured cap")
	assert.NotEqual(t, ts, got, "a new, earlier window is returned when ticks are injected")
}
