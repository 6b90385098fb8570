package hookcapture

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nightwatch-av/procaudio/internal/audio"
	"github.com/nightwatch-av/procaudio/internal/shmring"
)

var errFakeWrite = errors.New("fake producer write failed")

type fakeProducer struct {
	frames []frameWrite
	failAt int // index at which WriteFrame starts returning an error, -1 = never
	calls  int
}

type frameWrite struct {
	streamID uint64
	frame    audio.Frame
}

func (p *fakeProducer) WriteFrame(streamID uint64, f audio.Frame) error {
	p.calls++
	if p.failAt >= 0 && p.calls > p.failAt {
		return errFakeWrite
	}
	p.frames = append(p.frames, frameWrite{streamID: streamID, frame: f})
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func TestShmWriterProducerRoundTripsThroughRing(t *testing.T) {
	t.Parallel()

	ring := shmring.New(shmring.DefaultRegionSize)
	writer := shmring.NewWriter(ring)
	reader := shmring.NewReader(ring)

	p := NewShmWriterProducer(writer, nil, nil)

	desc := audio.Desc{SampleRate: 48000, Format: audio.FormatF32, Layout: audio.LayoutMono}
	samples := []float32{0.1, 0.2, 0.3, 0.4}
	f := audio.Frame{
		Planes:    audio.EncodeF32Planes([][]float32{samples}),
		Frames:    4,
		Desc:      desc,
		Timestamp: 123456,
	}

	require.NoError(t, p.WriteFrame(7, f))

	var got shmring.Record
	drained, err := reader.WaitAndDrain(context.Background(), func(rec shmring.Record) {
		got = rec
	})
	require.NoError(t, err)
	require.True(t, drained)

	assert.Equal(t, uint64(7), got.StreamID)
	assert.Equal(t, uint32(1), got.Channels)
	assert.Equal(t, uint32(48000), got.SampleRate)
	assert.Equal(t, uint32(audio.FormatF32), got.Format)
	assert.Equal(t, int64(123456), got.TimestampNS)
	assert.Equal(t, audio.DecodeF32Plane(f.Planes[0]), audio.DecodeF32Plane(got.Payload))
}

func TestShmWriterProducerRejectsFrameWithNoPlanes(t *testing.T) {
	t.Parallel()

	ring := shmring.New(shmring.DefaultRegionSize)
	p := NewShmWriterProducer(shmring.NewWriter(ring), nil, nil)

	err := p.WriteFrame(1, audio.Frame{Frames: 4})
	assert.Error(t, err)
}

func TestSimulatedProducerWritesOneFramePerStreamPerTick(t *testing.T) {
	t.Parallel()

	target := &fakeProducer{failAt: -1}
	desc := audio.Desc{SampleRate: 48000, Format: audio.FormatF32, Layout: audio.LayoutMono}
	now := int64(0)

	cfg := SimulatedConfig{
		Streams: []SimulatedStream{
			{StreamID: 1, Desc: desc, FrameCount: 16, ToneHz: 440},
			{StreamID: 2, Desc: desc, FrameCount: 16},
		},
		TickInterval: time.Millisecond,
		Clock:        func() int64 { return now },
		Rand:         rand.New(rand.NewSource(42)),
	}
	p := NewSimulatedProducer(target, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)

	assert.GreaterOrEqual(t, len(target.frames), 2, "both streams should have produced at least one frame")

	for _, fw := range target.frames {
		assert.Equal(t, 16, fw.frame.Frames)
		assert.Equal(t, audio.FormatF32, fw.frame.Desc.Format)
	}
}

func TestSimulatedProducerHonorsDropProbability(t *testing.T) {
	t.Parallel()

	target := &fakeProducer{failAt: -1}
	desc := audio.Desc{SampleRate: 48000, Format: audio.FormatF32, Layout: audio.LayoutMono}

	cfg := SimulatedConfig{
		Streams: []SimulatedStream{
			{StreamID: 1, Desc: desc, FrameCount: 8, DropProbability: 1.0},
		},
		TickInterval: time.Millisecond,
		Clock:        func() int64 { return 0 },
		Rand:         rand.New(rand.NewSource(7)),
	}
	p := NewSimulatedProducer(target, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)

	assert.Empty(t, target.frames, "a 100% drop probability means every tick is skipped")
}

func TestSimulatedProducerStopsOnContextCancellation(t *testing.T) {
	t.Parallel()
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("testing.(*T).Run"),
		goleak.IgnoreTopFunction("runtime.gopark"),
	)

	target := &fakeProducer{failAt: -1}
	cfg := SimulatedConfig{
		Streams:      []SimulatedStream{{StreamID: 1, Desc: audio.Desc{SampleRate: 48000, Layout: audio.LayoutMono}, FrameCount: 4}},
		TickInterval: time.Millisecond,
	}
	p := NewSimulatedProducer(target, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Run(ctx)
	assert.NoError(t, err)
}
