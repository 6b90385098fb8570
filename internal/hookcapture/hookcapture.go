// Package hookcapture sketches the producer side of the pipeline: the
// contract any future in-process, API-detour-hooked producer would write
// frames against, plus two concrete producers that let the rest of the
// pipeline be exercised without one. Neither producer here performs API
// detours, injects into a target process, or discovers vtable offsets —
// that mechanism remains an external collaborator, out of scope per the
// purpose/scope notes this module follows.
package hookcapture

import (
	"log/slog"

	"github.com/nightwatch-av/procaudio/internal/audio"
	"github.com/nightwatch-av/procaudio/internal/errors"
	"github.com/nightwatch-av/procaudio/internal/observability/metrics"
	"github.com/nightwatch-av/procaudio/internal/shmring"
)

// Producer is the contract a producer writes frames against: one stream's
// worth of audio at a time, tagged with the stream identifier the
// consumer side demultiplexes on.
type Producer interface {
	WriteFrame(streamID uint64, f audio.Frame) error
	Close() error
}

// ShmWriterProducer adapts a shmring.Writer to the Producer contract,
// framing each audio.Frame into a shmring.Record. This is the production
// path: whatever eventually sits in the hooked process writes frames
// through something shaped exactly like this.
type ShmWriterProducer struct {
	writer  *shmring.Writer
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewShmWriterProducer constructs a ShmWriterProducer writing into writer.
// metrics and log may be nil.
func NewShmWriterProducer(writer *shmring.Writer, m *metrics.Metrics, log *slog.Logger) *ShmWriterProducer {
	if log == nil {
		log = slog.Default()
	}
	return &ShmWriterProducer{writer: writer, metrics: m, log: log}
}

// WriteFrame encodes f as one shmring record carrying only plane 0
// (further planes are not written; frames carrying interleaved audio hand the whole
// interleaved buffer through plane 0, which is the only shape the ring's
// wire format and capturereader.dispatch currently expect). Non-blocking:
// a busy producer mutex or a full ring drops the frame, the same
// best-effort discipline documented on shmring.Writer.TryWrite.
func (p *ShmWriterProducer) WriteFrame(streamID uint64, f audio.Frame) error {
	if len(f.Planes) == 0 {
		return errors.New(errors.NewStd("hookcapture: frame has no planes")).
			Component("hookcapture").
			Category(errors.CategoryHookCapture).
			Context("stream_id", streamID).
			Build()
	}

	rec := shmring.Record{
		StreamID:       streamID,
		Channels:       uint32(f.Desc.Channels()),
		SampleRate:     uint32(f.Desc.SampleRate),
		Format:         uint32(f.Desc.Format),
		BytesPerSample: uint32(f.Desc.Format.BytesPerSample()),
		TimestampNS:    f.Timestamp,
		Payload:        f.Planes[0],
	}

	ok, err := p.writer.TryWrite(rec)
	if err != nil {
		if p.metrics != nil {
			p.metrics.RecordRingDrop("error")
		}
		return errors.New(err).
			Component("hookcapture").
			Category(errors.CategoryHookCapture).
			Context("stream_id", streamID).
			Build()
	}
	if !ok {
		if p.metrics != nil {
			p.metrics.RecordRingDrop("busy_or_full")
		}
		return nil
	}
	if p.metrics != nil {
		p.metrics.RecordRingWrite("ok")
	}
	return nil
}

// Close is a no-op: the Writer doesn't own the Ring's lifetime.
func (p *ShmWriterProducer) Close() error { return nil }
