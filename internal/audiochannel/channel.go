// Package audiochannel implements the per-endpoint timing and buffering
// unit described as Component C: it owns one resampler, one circular
// buffer per output channel, and the timing state needed to place
// arbitrarily-timestamped, arbitrary-rate input frames into a steady,
// host-rate planar float stream.
package audiochannel

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/nightwatch-av/procaudio/internal/audio"
	"github.com/nightwatch-av/procaudio/internal/errors"
	"github.com/nightwatch-av/procaudio/internal/resample"
	"github.com/nightwatch-av/procaudio/internal/ringbuf"
)

const (
	// MaxTSVar is the threshold beyond which an incoming timestamp is
	// considered a discontinuity rather than jitter.
	MaxTSVar = 2 * time.Second

	// TSSmoothingThreshold is the window inside which a small timestamp
	// discrepancy is smoothed away rather than treated as a jump.
	TSSmoothingThreshold = 70 * time.Millisecond

	// JitterMargin is added to every placed/pushed timestamp as a safety
	// cushion against capture jitter in the producer.
	JitterMargin = 100 * time.Millisecond

	bytesPerSample = 4 // float32
)

// Clock returns the current monotonic time in nanoseconds. Channels take
// one as a constructor argument so tests can control time deterministically.
type Clock func() int64

// RealClock is the production Clock, backed by time.Now().
func RealClock() int64 {
	return time.Now().UnixNano()
}

// Channel is one per-endpoint timing and buffering unit. The zero value is
// not usable; construct with New.
type Channel struct {
	mu sync.Mutex

	streamID uint64
	clock    Clock
	log      *slog.Logger

	outDesc      audio.Desc
	outputFrames int
	maxBufSize   int // bytes, per plane

	inDesc        audio.Desc
	haveInDesc    bool
	resampler     *resample.Resampler
	passthrough   bool

	audioTS           int64 // 0 == empty/unset
	nextAudioTSMin    int64
	nextAudioSysTSMin int64
	timingAdjust      int64
	lastAudioTS       int64

	buffers          []ringbuf.Buffer // one per output channel
	lastInputBufSize int
	audioPending     bool
	pendingStop      bool

	outputBuf [][]float32 // scratch: last picked block, one slice per channel
}

// New constructs a Channel identified by streamID that resamples into
// outDesc and buffers up to 1000*outputFrames samples per plane (matching
// MAX_BUF_SIZE's definition in terms of AUDIO_OUTPUT_FRAMES). streamID is
// carried only for error context (StreamContext); it plays no role in the
// channel's timing or buffering logic.
func New(streamID uint64, outDesc audio.Desc, outputFrames int, clock Clock, log *slog.Logger) *Channel {
	if clock == nil {
		clock = RealClock
	}
	if log == nil {
		log = slog.Default()
	}
	channels := outDesc.Channels()
	buffers := make([]ringbuf.Buffer, channels)
	return &Channel{
		streamID:     streamID,
		clock:        clock,
		log:          log,
		outDesc:      outDesc,
		outputFrames: outputFrames,
		maxBufSize:   1000 * outputFrames * bytesPerSample,
		buffers:      buffers,
	}
}

// OutDesc returns the fixed output descriptor this channel resamples into.
func (c *Channel) OutDesc() audio.Desc { return c.outDesc }

// Ingest consumes one input frame chunk, resampling it into the output
// descriptor and reconciling its timestamp against wall-clock time and the
// channel's running prediction of the next frame's timestamp, then places
// the resulting samples into the per-plane buffers.
func (c *Channel) Ingest(planes [][]byte, frames int, inDesc audio.Desc, timestampNS int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.haveInDesc || inDesc != c.inDesc {
		c.rebuildResampler(inDesc)
	}

	pf, err := c.resampleLocked(planes, frames)
	if err != nil {
		return errors.New(err).
			Component("audiochannel").
			Category(errors.CategoryAudioChannel).
			Context("frames", frames).
			StreamContext(c.streamID, inDesc.SampleRate, inDesc.Channels()).
			Build()
	}
	if pf.Frames == 0 {
		return nil
	}

	ts := c.reconcileInputTiming(timestampNS, pf.Frames)
	ts, pushBack := c.reconcileSystemTiming(ts)

	if pushBack && c.audioTS != 0 {
		c.pushBackPlanes(pf)
	} else {
		c.placePlanes(pf, ts)
	}
	return nil
}

// rebuildResampler tears down any existing resampler and constructs a new
// one targeting c.outDesc whenever the input descriptor changes. If
// construction fails, the channel falls back to a pass-through decode for
// the duration — per the documented resampler-construction-failure path.
func (c *Channel) rebuildResampler(inDesc audio.Desc) {
	c.inDesc = inDesc
	c.haveInDesc = true
	c.resampler = nil
	c.passthrough = false

	r, err := resample.New(inDesc, c.outDesc)
	if err != nil {
		c.passthrough = true
		c.log.Warn("resampler construction failed, falling back to pass-through",
			"in_desc", inDesc.String(), "out_desc", c.outDesc.String(), "error", err)
		return
	}
	c.resampler = r
}

func (c *Channel) resampleLocked(planes [][]byte, frames int) (audio.PlanarFloat32, error) {
	if c.passthrough {
		return resample.Passthrough(planes, frames, c.inDesc, c.outDesc.Channels())
	}
	return c.resampler.Resample(planes, frames)
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}

func nsPerFrame(sampleRate int) int64 {
	return int64(time.Second) / int64(sampleRate)
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

// reconcileInputTiming implements the input-clock timing reconciliation:
// direct-timestamp detection, jump detection, and smoothing, followed by
// translation into the wall-clock domain via timing_adjust.
func (c *Channel) reconcileInputTiming(ts int64, frames int) int64 {
	osTime := c.clock()
	usingDirectTS := absDiff(ts, osTime) < int64(MaxTSVar)
	if usingDirectTS {
		c.timingAdjust = 0
	}

	if c.nextAudioTSMin != 0 {
		diff := absDiff(c.nextAudioTSMin, ts)
		switch {
		case diff > int64(MaxTSVar) && !usingDirectTS:
			c.timingAdjust = osTime - ts
		case diff < int64(TSSmoothingThreshold):
			ts = c.nextAudioTSMin
		}
	}

	c.lastAudioTS = ts
	c.nextAudioTSMin = ts + framesToNS(frames, c.outDesc.SampleRate)
	return ts + c.timingAdjust
}

// reconcileSystemTiming implements the system-clock reconciliation step:
// decides between the push_back and place placement strategies, applies
// the unconditional jitter margin and resample-offset compensation, and
// updates next_audio_sys_ts_min.
func (c *Channel) reconcileSystemTiming(ts int64) (outTS int64, pushBack bool) {
	// ts arrives already translated by timingAdjust; origTS is the
	// input-clock value before that translation.
	origTS := ts - c.timingAdjust
	osTime := c.clock()

	switch {
	case c.nextAudioSysTSMin == ts:
		pushBack = true
	case c.nextAudioSysTSMin != 0:
		diff := absDiff(c.nextAudioSysTSMin, ts)
		switch {
		case diff < int64(TSSmoothingThreshold):
			pushBack = true
		case diff > int64(MaxTSVar):
			c.timingAdjust = osTime - origTS
			ts = origTS + c.timingAdjust
		}
	}

	ts += int64(JitterMargin)
	if c.resampler != nil {
		ts -= c.resampler.OffsetNanos()
	}

	c.nextAudioSysTSMin = c.nextAudioTSMin + c.timingAdjust
	return ts, pushBack
}

func floatsToBytes(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

func bytesToFloats(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(b[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

// resetAudioData anchors the channel to a fresh timestamp, discarding any
// previously buffered samples: they describe audio at positions that are
// no longer consistent with the new anchor.
func (c *Channel) resetAudioData(ts int64) {
	for i := range c.buffers {
		c.buffers[i].Reset()
	}
	c.audioTS = ts
	c.lastInputBufSize = 0
	c.audioPending = false
	c.pendingStop = false
}

// placePlanes writes a resampled block at the buffer offset implied by its
// timestamp relative to the channel's anchor, growing/zero-filling via
// ringbuf.Place, and drops the write silently if it would exceed
// MAX_BUF_SIZE.
func (c *Channel) placePlanes(pf audio.PlanarFloat32, ts int64) {
	if c.audioTS == 0 || ts < c.audioTS {
		c.resetAudioData(ts)
	}

	offsetFrames := nsToFrames(ts-c.audioTS, c.outDesc.SampleRate)
	bufPlacement := int(offsetFrames) * bytesPerSample
	sizeBytes := pf.Frames * bytesPerSample

	if bufPlacement+sizeBytes > c.maxBufSize {
		c.log.Debug("dropping audio block: placement exceeds buffer capacity",
			"placement", bufPlacement, "size", sizeBytes, "max", c.maxBufSize)
		return
	}

	for k := range c.buffers {
		if k >= len(pf.Planes) {
			break
		}
		c.buffers[k].Place(bufPlacement, floatsToBytes(pf.Planes[k]))
		c.buffers[k].Truncate(bufPlacement + sizeBytes)
	}
	c.lastInputBufSize = 0
}

// pushBackPlanes appends a resampled block to the tail of each plane's
// buffer, used when the incoming block's timestamp lines up with the
// channel's running prediction. Drops silently on overflow, same as place.
func (c *Channel) pushBackPlanes(pf audio.PlanarFloat32) {
	sizeBytes := pf.Frames * bytesPerSample
	if len(c.buffers) > 0 && c.buffers[0].Len()+sizeBytes > c.maxBufSize {
		c.log.Debug("dropping audio block: push_back exceeds buffer capacity",
			"size", sizeBytes, "max", c.maxBufSize)
		return
	}
	for k := range c.buffers {
		if k >= len(pf.Planes) {
			break
		}
		c.buffers[k].PushBack(floatsToBytes(pf.Planes[k]))
	}
	c.lastInputBufSize = 0
}

// Pick attempts to fill the channel's scratch output block with exactly
// frameCount frames peeked (not consumed) from the front of each plane's
// buffer. If insufficient data is available it latches AudioPending and
// returns false without modifying the buffers.
func (c *Channel) Pick(frameCount int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pickLocked(frameCount)
}

func (c *Channel) pickLocked(frameCount int) bool {
	sizeBytes := frameCount * bytesPerSample
	if len(c.buffers) == 0 || c.buffers[0].Len() < sizeBytes {
		c.audioPending = true
		return false
	}

	if c.outputBuf == nil || len(c.outputBuf) != len(c.buffers) {
		c.outputBuf = make([][]float32, len(c.buffers))
	}
	for k := range c.buffers {
		peeked, ok := c.buffers[k].PeekFront(sizeBytes)
		if !ok {
			c.audioPending = true
			return false
		}
		c.outputBuf[k] = bytesToFloats(peeked)
	}
	c.audioPending = false
	return true
}

// AudioBufferInsufficient reports whether this channel will be unable to
// contribute a full frame-block starting at minTS, latching AudioPending
// if so. A channel whose buffered audio starts at or beyond the block's
// end is irrelevant to this tick and returns false without side effects.
func (c *Channel) AudioBufferInsufficient(minTS int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.audioPending || c.audioTS == 0 {
		return false
	}

	startFrames := int(nsToFrames(c.audioTS-minTS, c.outDesc.SampleRate))
	if startFrames >= c.outputFrames {
		return false
	}
	if startFrames < 0 {
		startFrames = 0
	}

	totalFrames := c.outputFrames - startFrames
	sizeBytes := totalFrames * bytesPerSample
	if len(c.buffers) == 0 || c.buffers[0].Len() < sizeBytes {
		c.audioPending = true
		return true
	}
	return false
}

// AudioTS returns the timestamp of the oldest buffered sample, or 0 if the
// channel is empty.
func (c *Channel) AudioTS() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioTS
}

// AudioPending reports whether the last pick attempt found insufficient data.
func (c *Channel) AudioPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioPending
}

// OutputBuf returns the block most recently filled by Pick.
func (c *Channel) OutputBuf() [][]float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputBuf
}

// BufferedBytes returns the number of bytes currently buffered in plane 0,
// used by the mixer to decide whether a stalled channel has any data left.
func (c *Channel) BufferedBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffers) == 0 {
		return 0
	}
	return c.buffers[0].Len()
}

// DiscardIfStopped implements the two-pass stall latch: the first time a
// channel's buffered size is observed unchanged across ticks, it arms
// PendingStop and reports handled=true without clearing anything; the
// second consecutive observation clears the channel back to empty and
// also reports handled=true. Any size change disarms the latch.
func (c *Channel) DiscardIfStopped() (handled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discardIfStoppedLocked()
}

func (c *Channel) discardIfStoppedLocked() (handled bool) {
	size := 0
	if len(c.buffers) > 0 {
		size = c.buffers[0].Len()
	}
	if size == 0 {
		return false
	}

	if c.lastInputBufSize == size {
		if !c.pendingStop {
			c.pendingStop = true
			return true
		}
		for i := range c.buffers {
			c.buffers[i].Reset()
		}
		c.pendingStop = false
		c.audioTS = 0
		c.lastInputBufSize = 0
		return true
	}

	c.pendingStop = false
	c.lastInputBufSize = size
	return false
}

// DiscardAudio advances the channel's read cursor to the end of the mix
// window [tsStart, tsEnd), popping whatever frames were consumed by this
// tick's mix (or, if the channel lagged or stalled, handling that via
// DiscardIfStopped or an advance-without-data skip).
func (c *Channel) DiscardAudio(tsStart, tsEnd int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tsEnd <= c.audioTS {
		return
	}

	oneFrame := nsPerFrame(c.outDesc.SampleRate)
	if c.audioTS < tsStart-oneFrame {
		if c.audioPending {
			c.discardIfStoppedLocked()
		}
		return
	}

	startFrames := 0
	if c.audioTS != tsStart && c.audioTS != tsStart-oneFrame {
		sf := int(nsToFrames(c.audioTS-tsStart, c.outDesc.SampleRate))
		if sf == c.outputFrames {
			return
		}
		startFrames = sf
	}

	totalFrames := c.outputFrames - startFrames
	sizeBytes := totalFrames * bytesPerSample
	if len(c.buffers) == 0 || c.buffers[0].Len() < sizeBytes {
		if !c.discardIfStoppedLocked() {
			c.audioTS = tsEnd
		}
		return
	}

	for k := range c.buffers {
		c.buffers[k].PopFront(sizeBytes)
	}
	c.lastInputBufSize = 0
	c.pendingStop = false
	c.audioTS = tsEnd
}

// Ignore drops every buffered byte without mixing it, advancing audio_ts
// by the equivalent duration. Used when the mixer's buffering-tick budget
// is exhausted and a lagging channel must be forced back into step.
func (c *Channel) Ignore() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffers) == 0 {
		return
	}
	numBytes := c.buffers[0].Len()
	numFloats := numBytes / bytesPerSample
	for k := range c.buffers {
		c.buffers[k].Reset()
	}
	c.audioTS += framesToNS(numFloats, c.outDesc.SampleRate)
}
