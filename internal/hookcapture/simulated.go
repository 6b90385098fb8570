package hookcapture

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/nightwatch-av/procaudio/internal/audio"
)

// SimulatedStream describes one synthetic source the SimulatedProducer
// generates: its wire shape, how much audio it hands off per tick, and
// the imperfections (jitter, drops) it should exhibit so the timing
// engine's reconciliation paths actually get exercised.
type SimulatedStream struct {
	StreamID        uint64
	Desc            audio.Desc
	FrameCount      int           // frames produced per tick
	ToneHz          float64       // 0 => silence
	DropProbability float64       // [0,1]: fraction of ticks silently skipped (1 skips every tick)
	MaxJitter       time.Duration // uniform timestamp jitter applied around the tick's nominal time
}

// SimulatedConfig configures a SimulatedProducer run.
type SimulatedConfig struct {
	Streams      []SimulatedStream
	TickInterval time.Duration
	Clock        func() int64 // ns, monotonic; defaults to ns elapsed since NewSimulatedProducer
	Rand         *rand.Rand   // defaults to a new per-producer source seeded with 1
}

// SimulatedProducer drives a target Producer with synthetic multi-stream
// audio so the ring -> capture reader -> audio channel -> mixer pipeline
// is exercisable without a real hooked process. It is the "external
// collaborator" stand-in this module sketches, not a reimplementation of
// the hook itself.
type SimulatedProducer struct {
	target Producer
	cfg    SimulatedConfig
	log    *slog.Logger

	phase map[uint64]float64
}

// NewSimulatedProducer constructs a SimulatedProducer writing into target.
func NewSimulatedProducer(target Producer, cfg SimulatedConfig, log *slog.Logger) *SimulatedProducer {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 20 * time.Millisecond
	}
	if cfg.Clock == nil {
		start := time.Now()
		cfg.Clock = func() int64 { return int64(time.Since(start)) }
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(1))
	}
	if log == nil {
		log = slog.Default()
	}
	return &SimulatedProducer{
		target: target,
		cfg:    cfg,
		log:    log,
		phase:  make(map[uint64]float64, len(cfg.Streams)),
	}
}

// Run generates frames for every configured stream, once per tick, until
// ctx is canceled.
func (p *SimulatedProducer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, st := range p.cfg.Streams {
				if p.cfg.Rand.Float64() < st.DropProbability {
					continue
				}
				f := p.synthesize(st)
				if err := p.target.WriteFrame(st.StreamID, f); err != nil {
					p.log.Warn("simulated producer write failed", "stream_id", st.StreamID, "error", err)
				}
			}
		}
	}
}

func (p *SimulatedProducer) synthesize(st SimulatedStream) audio.Frame {
	channels := st.Desc.Channels()
	if channels == 0 {
		channels = 1
	}
	samples := make([]float32, st.FrameCount*channels)
	if st.ToneHz > 0 {
		phase := p.phase[st.StreamID]
		step := 2 * math.Pi * st.ToneHz / float64(st.Desc.SampleRate)
		for i := 0; i < st.FrameCount; i++ {
			v := float32(0.2 * math.Sin(phase))
			phase += step
			for c := 0; c < channels; c++ {
				samples[i*channels+c] = v
			}
		}
		p.phase[st.StreamID] = math.Mod(phase, 2*math.Pi)
	}

	ts := p.cfg.Clock()
	if st.MaxJitter > 0 {
		jitter := p.cfg.Rand.Int63n(int64(st.MaxJitter)*2) - int64(st.MaxJitter)
		ts += jitter
	}

	planes := audio.EncodeF32Planes([][]float32{samples})
	return audio.Frame{
		Planes:    planes,
		Frames:    st.FrameCount,
		Desc:      audio.Desc{SampleRate: st.Desc.SampleRate, Format: audio.FormatF32, Layout: st.Desc.Layout},
		Timestamp: ts,
	}
}
