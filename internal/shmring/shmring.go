// Package shmring implements the lock-protected, event-signaled queue of
// variable-length audio records between the hook-side producer and the
// capture-side consumer (Component D). Cross-process named kernel objects
// (a Win32 named mutex/event/file mapping) are out of scope — hook
// injection and cross-process transport are external collaborators per
// the purpose/scope notes this module follows — so the ring here is
// backed by an in-process []byte region guarded by a sync.Mutex and
// signaled with a buffered channel, the direct Go analogue of the same
// producer/consumer discipline.
package shmring

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nightwatch-av/procaudio/internal/errors"
)

// recordHeaderSize is the fixed portion of a record: length(4) + id(8) +
// channels(4) + sample_rate(4) + format(4) + bytes_per_sample(4) +
// timestamp(8).
const recordHeaderSize = 36

// DefaultRegionSize matches the audio_region_size design constant.
const DefaultRegionSize = 1 << 20 // 1 MiB

// Record is one framed audio record: an interleaved PCM payload tagged
// with the stream identifier, format, and capture timestamp it was
// produced with.
type Record struct {
	StreamID       uint64
	Channels       uint32
	SampleRate     uint32
	Format         uint32
	BytesPerSample uint32
	TimestampNS    int64
	Payload        []byte
}

// encodedLen returns nf, the total record length including the leading
// length field.
func (r Record) encodedLen() uint32 {
	return uint32(recordHeaderSize + len(r.Payload))
}

func encodeRecord(buf []byte, r Record) {
	nf := r.encodedLen()
	binary.LittleEndian.PutUint32(buf[0:4], nf)
	binary.LittleEndian.PutUint64(buf[4:12], r.StreamID)
	binary.LittleEndian.PutUint32(buf[12:16], r.Channels)
	binary.LittleEndian.PutUint32(buf[16:20], r.SampleRate)
	binary.LittleEndian.PutUint32(buf[20:24], r.Format)
	binary.LittleEndian.PutUint32(buf[24:28], r.BytesPerSample)
	binary.LittleEndian.PutUint64(buf[28:36], uint64(r.TimestampNS))
	copy(buf[recordHeaderSize:nf], r.Payload)
}

// decodeRecord parses one record starting at data[0], returning the
// record and the number of bytes consumed (nf). data must hold at least
// one complete record.
func decodeRecord(data []byte) (Record, uint32, error) {
	if len(data) < 4 {
		return Record{}, 0, errors.NewStd("shmring: truncated record length")
	}
	nf := binary.LittleEndian.Uint32(data[0:4])
	if nf < recordHeaderSize || int(nf) > len(data) {
		return Record{}, 0, errors.New(errors.NewStd("shmring: record length out of range")).
			Category(errors.CategoryShmRing).
			Context("nf", nf).
			Context("available", len(data)).
			Build()
	}
	r := Record{
		StreamID:       binary.LittleEndian.Uint64(data[4:12]),
		Channels:       binary.LittleEndian.Uint32(data[12:16]),
		SampleRate:     binary.LittleEndian.Uint32(data[16:20]),
		Format:         binary.LittleEndian.Uint32(data[20:24]),
		BytesPerSample: binary.LittleEndian.Uint32(data[24:28]),
		TimestampNS:    int64(binary.LittleEndian.Uint64(data[28:36])),
		Payload:        append([]byte(nil), data[recordHeaderSize:nf]...),
	}
	return r, nf, nil
}

// Header mirrors the ring's control fields: a consumer-visible atomic
// count of bytes currently queued, and the (fixed, for this in-process
// incarnation) region geometry.
type Header struct {
	availableAudioSize atomic.Uint32
	audioOffset        uint32
	bufferSize         uint32
}

// Ring is one producer/consumer audio queue. The zero value is not
// usable; construct with New.
type Ring struct {
	mu     sync.Mutex
	hdr    Header
	region []byte // ring's data area, length == hdr.bufferSize

	dataEvent chan struct{} // buffered(1): "data available" signal
}

// New constructs a Ring with the given region size (DefaultRegionSize if
// regionSize is zero or negative).
func New(regionSize int) *Ring {
	if regionSize <= 0 {
		regionSize = DefaultRegionSize
	}
	r := &Ring{
		region:    make([]byte, regionSize),
		dataEvent: make(chan struct{}, 1),
	}
	r.hdr.bufferSize = uint32(regionSize)
	return r
}

func (r *Ring) signal() {
	select {
	case r.dataEvent <- struct{}{}:
	default:
	}
}

// Writer is the hook-side producer handle onto a Ring.
type Writer struct {
	ring *Ring
}

// NewWriter returns a Writer bound to ring.
func NewWriter(ring *Ring) *Writer { return &Writer{ring: ring} }

// TryWrite implements the producer protocol: acquire the ring's mutex
// non-blocking (skip if busy), and if the record fits within the
// remaining buffer capacity, append it and signal the data event.
// Returns ok=false (not an error) when the mutex was busy or the ring is
// full — both are expected, routine conditions for a best-effort
// producer, matching the "skip-if-busy" design.
func (w *Writer) TryWrite(rec Record) (ok bool, err error) {
	if !w.ring.mu.TryLock() {
		return false, nil
	}
	defer w.ring.mu.Unlock()

	nf := rec.encodedLen()
	avail := w.ring.hdr.availableAudioSize.Load()
	if avail+nf > w.ring.hdr.bufferSize {
		return false, nil
	}

	encodeRecord(w.ring.region[avail:avail+nf], rec)
	w.ring.hdr.availableAudioSize.Store(avail + nf)
	w.ring.signal()
	return true, nil
}

// Reader is the capture-side consumer handle onto a Ring.
type Reader struct {
	ring *Ring
}

// NewReader returns a Reader bound to ring.
func NewReader(ring *Ring) *Reader { return &Reader{ring: ring} }

// mutexTimeout is how long WaitAndDrain waits to acquire the ring mutex once
// the data event has fired, matching the consumer protocol's 10ms
// mutex-acquire bound.
const mutexTimeout = 10 * time.Millisecond

// eventTimeout is how long WaitAndDrain waits for the data event before
// giving up for this poll, matching the consumer protocol's 100ms
// event-wait bound.
const eventTimeout = 100 * time.Millisecond

// WaitAndDrain waits up to the event-wait bound for the producer's data
// signal, then — if signaled — drains every complete record currently
// queued, invoking dispatch for each in order. It returns
// (drained=false, nil) on a plain timeout (nothing to do this poll), and
// propagates ctx cancellation as an error.
func (rd *Reader) WaitAndDrain(ctx context.Context, dispatch func(Record)) (drained bool, err error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-rd.ring.dataEvent:
	case <-time.After(eventTimeout):
		return false, nil
	}

	locked := rd.tryLockWithTimeout(mutexTimeout)
	if !locked {
		return false, nil
	}
	defer rd.ring.mu.Unlock()

	avail := rd.ring.hdr.availableAudioSize.Load()
	consumed := uint32(0)
	for consumed < avail {
		data := rd.ring.region[consumed:avail]
		rec, nf, err := decodeRecord(data)
		if err != nil {
			return drained, errors.New(err).Category(errors.CategoryShmRing).Build()
		}
		dispatch(rec)
		consumed += nf
		drained = true
	}

	// Compact: shift any unconsumed tail (there shouldn't normally be one,
	// since every record between 0 and avail is consumed in order) to the
	// front and shrink available_audio_size by what was consumed.
	remaining := avail - consumed
	if remaining > 0 {
		copy(rd.ring.region[0:remaining], rd.ring.region[consumed:avail])
	}
	rd.ring.hdr.availableAudioSize.Store(remaining)
	return drained, nil
}

func (rd *Reader) tryLockWithTimeout(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if rd.ring.mu.TryLock() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}
