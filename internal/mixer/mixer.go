// Package mixer implements Component F: the periodic mix loop that
// collects the minimum timestamp across all active audio channels, adds
// buffering ticks when a source is running behind, mixes planar floats
// with saturation clamping, advances channel read cursors, and publishes
// one frame-block per emitted tick to a downstream sink.
package mixer

import (
	"context"
	"log/slog"
	"time"

	"github.com/nightwatch-av/procaudio/internal/audio"
	"github.com/nightwatch-av/procaudio/internal/audiochannel"
	"github.com/nightwatch-av/procaudio/internal/capturereader"
	"github.com/nightwatch-av/procaudio/internal/errors"
	"github.com/nightwatch-av/procaudio/internal/observability/metrics"
	"github.com/nightwatch-av/procaudio/internal/sink"
)

// window is one (start, end) ns range the mix engine is working on,
// spanning AUDIO_OUTPUT_FRAMES/out_rate seconds.
type window struct {
	start, end int64
}

// Engine is the mix loop's state: the buffered_timestamps FIFO, the
// buffering-tick budget, and the fixed output descriptor it publishes at.
type Engine struct {
	channels *capturereader.ChannelMap
	sink     sink.Sink
	metrics  *metrics.Metrics
	log      *slog.Logger
	clock    audiochannel.Clock

	outDesc      audio.Desc
	outputFrames int
	blockNS      int64
	maxBufferingTicks int

	buffered          []window // buffered_timestamps FIFO; front = index 0
	bufferingWaitTicks int
	totalBufferingTicks int
	bufferedTS          int64
}

// Config bundles Engine's construction parameters.
type Config struct {
	Channels          *capturereader.ChannelMap
	Sink              sink.Sink
	Metrics           *metrics.Metrics // optional; nil disables instrumentation
	Log               *slog.Logger
	Clock             audiochannel.Clock
	OutDesc           audio.Desc
	OutputFrames      int
	MaxBufferingTicks int
}

// New constructs an Engine from cfg, filling in defaults for Log, Clock and
// MaxBufferingTicks when unset; the other fields are used as given.
func New(cfg Config) *Engine {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = audiochannel.RealClock
	}
	maxTicks := cfg.MaxBufferingTicks
	if maxTicks <= 0 {
		maxTicks = 45
	}
	blockNS := framesToNS(cfg.OutputFrames, cfg.OutDesc.SampleRate)
	return &Engine{
		channels:          cfg.Channels,
		sink:              cfg.Sink,
		metrics:           cfg.Metrics,
		log:               log,
		clock:             clock,
		outDesc:           cfg.OutDesc,
		outputFrames:      cfg.OutputFrames,
		blockNS:           blockNS,
		maxBufferingTicks: maxTicks,
	}
}

func framesToNS(frames, sampleRate int) int64 {
	return int64(frames) * int64(time.Second) / int64(sampleRate)
}

func nsToFrames(ns int64, sampleRate int) int64 {
	if ns <= 0 {
		return 0
	}
	return ns * int64(sampleRate) / int64(time.Second)
}

// Run drives the fixed-period tick loop until ctx is canceled. Each
// period, the double loop inside one iteration lets the engine catch up
// after being descheduled: while the nominal audio_time has fallen
// behind os_now, it keeps calling fetchAndEmit, but each call still
// advances by exactly one block.
func (e *Engine) Run(ctx context.Context) error {
	startTime := e.clock()
	prevTime := startTime
	framesElapsed := int64(0)
	period := time.Duration(e.blockNS)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		osNow := e.clock()
		audioTime := startTime + framesToNS(int(framesElapsed), e.outDesc.SampleRate)
		for audioTime <= osNow {
			framesElapsed += int64(e.outputFrames)
			audioTime = startTime + framesToNS(int(framesElapsed), e.outDesc.SampleRate)
			if err := e.tick(ctx, prevTime, audioTime); err != nil {
				return err
			}
			prevTime = audioTime
		}
	}
}

func (e *Engine) tick(ctx context.Context, start, end int64) error {
	tickStart := time.Now()
	frame, ok, err := e.fetchAndEmit(start, end)
	if e.metrics != nil {
		e.metrics.ObserveMixTick(time.Since(tickStart).Seconds())
	}
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if e.metrics != nil {
		e.metrics.RecordMixTickEmitted()
	}
	if err := e.sink.Emit(ctx, frame); err != nil {
		return errors.New(err).Component("mixer").Category(errors.CategoryMixer).Build()
	}
	return nil
}

// fetchAndEmit implements one fetch_and_emit call: FIFO bookkeeping,
// per-channel pick, minimum-timestamp computation, buffering injection,
// mixing, discard, and (if not suppressed by outstanding buffering)
// clamping into a publishable Frame.
func (e *Engine) fetchAndEmit(start, end int64) (audio.Frame, bool, error) {
	e.buffered = append(e.buffered, window{start: start, end: end})
	ts := e.buffered[0]

	entries := e.channels.Snapshot()
	if e.metrics != nil {
		e.metrics.SetActiveChannels(len(entries))
	}

	for _, entry := range entries {
		entry.Channel.Pick(e.outputFrames)
	}

	minTS := e.minTimestamp(ts.start, entries)

	if minTS < ts.start {
		ts = e.injectBuffering(ts, minTS)
	}

	var mixOut audio.PlanarFloat32
	if e.bufferingWaitTicks == 0 {
		mixOut = e.mix(ts, entries)
	}

	for _, entry := range entries {
		e.discard(entry.Channel, ts)
	}

	// Pop front.
	e.buffered = e.buffered[1:]
	outTS := ts.start

	if e.bufferingWaitTicks > 0 {
		e.bufferingWaitTicks--
		return audio.Frame{}, false, nil
	}

	clamp(mixOut)
	frame := audio.Frame{
		Planes:    audio.EncodeF32Planes(mixOut.Planes),
		Frames:    e.outputFrames,
		Desc:      e.outDesc,
		Timestamp: outTS,
	}
	return frame, true, nil
}

// minTimestamp computes min_ts: starts at ts.start, minimizes over every
// non-pending, non-empty channel's audio_ts, then asks each channel's
// AudioBufferInsufficient and, if any newly latched pending, recomputes
// the minimum once more.
func (e *Engine) minTimestamp(tsStart int64, entries []capturereader.Entry) int64 {
	minTS := tsStart
	for _, entry := range entries {
		ts := entry.Channel.AudioTS()
		if entry.Channel.AudioPending() || ts == 0 {
			continue
		}
		if ts < minTS {
			minTS = ts
		}
	}

	anyNewlyPending := false
	for _, entry := range entries {
		if entry.Channel.AudioBufferInsufficient(minTS) {
			anyNewlyPending = true
		}
	}
	if !anyNewlyPending {
		return minTS
	}

	minTS = tsStart
	for _, entry := range entries {
		ts := entry.Channel.AudioTS()
		if entry.Channel.AudioPending() || ts == 0 {
			continue
		}
		if ts < minTS {
			minTS = ts
		}
	}
	return minTS
}

// injectBuffering implements the buffering-injection algorithm: it
// prepends whole extra ticks to buffered_timestamps and returns the
// earliest prepended range as the new working window.
func (e *Engine) injectBuffering(ts window, minTS int64) window {
	offset := ts.start - minTS
	frames := nsToFrames(offset, e.outDesc.SampleRate)
	ticks := int((frames + int64(e.outputFrames) - 1) / int64(e.outputFrames))
	if ticks <= 0 {
		return ts
	}

	if e.bufferingWaitTicks == 0 {
		e.bufferedTS = ts.start
	}

	e.totalBufferingTicks += ticks
	if e.totalBufferingTicks > e.maxBufferingTicks {
		overflow := e.totalBufferingTicks - e.maxBufferingTicks
		ticks -= overflow
		e.totalBufferingTicks = e.maxBufferingTicks
		e.log.Warn("buffering tick budget exceeded, truncating",
			"requested_overflow", overflow, "cap", e.maxBufferingTicks)
	}
	if ticks <= 0 {
		return ts
	}

	if e.metrics != nil {
		e.metrics.RecordBufferingTicksAdded(ticks, e.totalBufferingTicks)
	}

	newRange := ts
	for i := 0; i < ticks; i++ {
		e.bufferingWaitTicks++
		w := e.bufferingWaitTicks
		end := e.bufferedTS - int64(w-1)*e.blockNS
		start := e.bufferedTS - int64(w)*e.blockNS
		newRange = window{start: start, end: end}
		e.buffered = append([]window{newRange}, e.buffered...)
	}
	return newRange
}

// mix sums every in-window channel's picked samples into a fresh planar
// float output block.
func (e *Engine) mix(ts window, entries []capturereader.Entry) audio.PlanarFloat32 {
	out := audio.NewPlanarFloat32(e.outDesc.Channels(), e.outputFrames)

	for _, entry := range entries {
		ch := entry.Channel
		if ch.AudioPending() {
			continue
		}
		audioTS := ch.AudioTS()
		if audioTS == 0 || audioTS < ts.start || audioTS >= ts.end {
			continue
		}
		buf := ch.OutputBuf()
		if buf == nil {
			continue
		}

		startFrame := int(nsToFrames(audioTS-ts.start, e.outDesc.SampleRate))
		if startFrame >= e.outputFrames {
			continue
		}
		floatsToMix := e.outputFrames - startFrame

		for k := 0; k < len(out.Planes) && k < len(buf); k++ {
			src := buf[k]
			for i := 0; i < floatsToMix && i < len(src); i++ {
				out.Planes[k][startFrame+i] += src[i]
			}
		}
	}
	return out
}

// discard advances each channel's read cursor past this tick's window,
// handling stalled/lagging channels per the documented discard logic.
func (e *Engine) discard(ch *audiochannel.Channel, ts window) {
	oneFrame := int64(time.Second) / int64(e.outDesc.SampleRate)

	audioTS := ch.AudioTS()
	if ts.end <= audioTS {
		e.recordDiscard("skipped")
		return
	}

	if audioTS < ts.start-oneFrame {
		if ch.AudioPending() {
			if ch.BufferedBytes() < e.outputFrames*4 {
				handled := ch.DiscardIfStopped()
				if handled {
					e.recordDiscard("stalled")
					return
				}
			}
		}
		if e.totalBufferingTicks == e.maxBufferingTicks {
			ch.Ignore()
			if e.metrics != nil {
				e.metrics.RecordIgnore()
			}
			e.recordDiscard("ignored")
			return
		}
		e.recordDiscard("lagging")
		return
	}

	ch.DiscardAudio(ts.start, ts.end)
	e.recordDiscard("advanced")
}

func (e *Engine) recordDiscard(outcome string) {
	if e.metrics != nil {
		e.metrics.RecordDiscard(outcome)
	}
}

// clamp saturates every sample to [-1, 1] in place, matching the
// publish-time clamp documented for the mix engine's output.
func clamp(pf audio.PlanarFloat32) {
	for _, plane := range pf.Planes {
		for i, s := range plane {
			switch {
			case s > 1.0:
				plane[i] = 1.0
			case s < -1.0:
				plane[i] = -1.0
			}
		}
	}
}
