// Package capturereader implements Component E: it drains records from a
// shared-memory ring, demultiplexes them by stream identifier, and feeds
// each stream's payload into its own per-endpoint audio channel, creating
// a channel the first time a stream identifier is seen.
package capturereader

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nightwatch-av/procaudio/internal/audio"
	"github.com/nightwatch-av/procaudio/internal/audiochannel"
	"github.com/nightwatch-av/procaudio/internal/errors"
	"github.com/nightwatch-av/procaudio/internal/observability/metrics"
	"github.com/nightwatch-av/procaudio/internal/shmring"
)

// ChannelMap is the mapping from opaque stream identifier to Audio
// Channel, guarded by its own mutex in the outermost position of the
// lock order (acquired before any individual channel's mutex). Both the
// capture reader (creating channels on first sight) and the mix engine
// (snapshotting the channel list per tick) share one ChannelMap.
type ChannelMap struct {
	mu       sync.Mutex
	channels map[uint64]*audiochannel.Channel

	outDesc      audio.Desc
	outputFrames int
	clock        audiochannel.Clock
	log          *slog.Logger
}

// NewChannelMap constructs an empty ChannelMap. New channels are built
// lazily with the given fixed output descriptor, output block size,
// clock, and logger.
func NewChannelMap(outDesc audio.Desc, outputFrames int, clock audiochannel.Clock, log *slog.Logger) *ChannelMap {
	return &ChannelMap{
		channels:     make(map[uint64]*audiochannel.Channel),
		outDesc:      outDesc,
		outputFrames: outputFrames,
		clock:        clock,
		log:          log,
	}
}

// GetOrCreate returns the channel for streamID, constructing and
// registering one if this is the first time the identifier has been seen.
func (m *ChannelMap) GetOrCreate(streamID uint64) *audiochannel.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.channels[streamID]; ok {
		return ch
	}
	ch := audiochannel.New(streamID, m.outDesc, m.outputFrames, m.clock, m.log)
	m.channels[streamID] = ch
	return ch
}

// Entry pairs a stream identifier with its channel, as returned by Snapshot.
type Entry struct {
	StreamID uint64
	Channel  *audiochannel.Channel
}

// Snapshot returns the current set of (streamID, channel) pairs. The mix
// engine takes this snapshot once per tick and releases the map mutex
// before touching any individual channel — channels created after the
// snapshot is taken become visible only on the next tick.
func (m *ChannelMap) Snapshot() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.channels))
	for id, ch := range m.channels {
		out = append(out, Entry{StreamID: id, Channel: ch})
	}
	return out
}

// Remove deletes streamID from the map, used when a stream is known to
// have permanently closed.
func (m *ChannelMap) Remove(streamID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, streamID)
}

// Reader is the consumer half of the shared-memory ring: it repeatedly
// waits for and drains queued records, routing each one's payload to its
// stream's channel via Ingest.
type Reader struct {
	ring           *shmring.Reader
	byID           *ChannelMap
	log            *slog.Logger
	metrics        *metrics.Metrics
	ingestErrCount int
}

// New constructs a Reader draining ring into channels. m may be nil.
func New(ring *shmring.Reader, channels *ChannelMap, log *slog.Logger, m *metrics.Metrics) *Reader {
	if log == nil {
		log = slog.Default()
	}
	return &Reader{ring: ring, byID: channels, log: log, metrics: m}
}

// Run drains the ring in a loop until ctx is canceled. Each poll either
// dispatches zero or more records or times out with nothing queued; both
// are routine and Run simply loops again.
func (r *Reader) Run(ctx context.Context) error {
	for {
		_, err := r.ring.WaitAndDrain(ctx, r.dispatch)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.New(err).
				Component("capturereader").
				Category(errors.CategoryCaptureReader).
				Build()
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// dispatch routes one decoded record to its stream's channel, creating
// the channel if this is the first record seen for that stream.
func (r *Reader) dispatch(rec shmring.Record) {
	ch := r.byID.GetOrCreate(rec.StreamID)

	inDesc := audio.Desc{
		SampleRate: int(rec.SampleRate),
		Format:     audio.SampleFormat(rec.Format),
		Layout:     audio.LayoutForChannels(int(rec.Channels)),
	}
	if inDesc.Channels() == 0 || rec.BytesPerSample == 0 {
		built := errors.New(errors.NewStd("capturereader: record has unrecognized layout")).
			Component("capturereader").
			Category(errors.CategoryCaptureReader).
			Context("format", rec.Format).
			StreamContext(rec.StreamID, int(rec.SampleRate), int(rec.Channels)).
			Build()
		r.log.Warn(built.Error(), "stream_id", rec.StreamID, "channels", rec.Channels, "format", rec.Format)
		if r.metrics != nil {
			r.metrics.RecordRingDrop("unrecognized_layout")
		}
		return
	}

	frameSize := int(rec.Channels) * int(rec.BytesPerSample)
	if frameSize == 0 || len(rec.Payload)%frameSize != 0 {
		built := errors.New(errors.NewStd("capturereader: record payload is misaligned to its frame size")).
			Component("capturereader").
			Category(errors.CategoryCaptureReader).
			Context("payload_len", len(rec.Payload)).
			Context("frame_size", frameSize).
			StreamContext(rec.StreamID, int(rec.SampleRate), int(rec.Channels)).
			Build()
		r.log.Warn(built.Error(), "stream_id", rec.StreamID, "payload_len", len(rec.Payload), "frame_size", frameSize)
		if r.metrics != nil {
			r.metrics.RecordRingDrop("misaligned_payload")
		}
		return
	}
	frames := len(rec.Payload) / frameSize

	if err := ch.Ingest([][]byte{rec.Payload}, frames, inDesc, rec.TimestampNS); err != nil {
		r.ingestErrCount++
		r.log.Error("ingest failed", "stream_id", rec.StreamID, "error", err)
		if r.metrics != nil {
			r.metrics.RecordRingDrop("ingest_error")
		}
		return
	}
	if r.metrics != nil {
		r.metrics.RecordRingRead()
	}
}
