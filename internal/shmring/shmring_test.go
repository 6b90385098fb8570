package shmring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(id uint64, payloadLen int) Record {
	payload := make([]byte, payloadLen)
	for i := range payload {
		payload[i] = byte(i)
	}
	return Record{
		StreamID:       id,
		Channels:       2,
		SampleRate:     48000,
		Format:         5, // arbitrary tag value for this test
		BytesPerSample: 4,
		TimestampNS:    123456789,
		Payload:        payload,
	}
}

func TestWriteThenDrainRoundTrip(t *testing.T) {
	t.Parallel()

	ring := New(4096)
	w := NewWriter(ring)
	rd := NewReader(ring)

	rec := sampleRecord(42, 64)
	ok, err := w.TryWrite(rec)
	require.NoError(t, err)
	require.True(t, ok)

	var got []Record
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	drained, err := rd.WaitAndDrain(ctx, func(r Record) { got = append(got, r) })
	require.NoError(t, err)
	assert.True(t, drained)
	require.Len(t, got, 1)
	assert.Equal(t, rec.StreamID, got[0].StreamID)
	assert.Equal(t, rec.SampleRate, got[0].SampleRate)
	assert.Equal(t, rec.TimestampNS, got[0].TimestampNS)
	assert.Equal(t, rec.Payload, got[0].Payload)
}

func TestDrainMultipleQueuedRecordsInOrder(t *testing.T) {
	t.Parallel()

	ring := New(4096)
	w := NewWriter(ring)
	rd := NewReader(ring)

	for i := uint64(1); i <= 3; i++ {
		ok, err := w.TryWrite(sampleRecord(i, 16))
		require.NoError(t, err)
		require.True(t, ok)
	}

	var ids []uint64
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := rd.WaitAndDrain(ctx, func(r Record) { ids = append(ids, r.StreamID) })
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, ids)
}

func TestTryWriteFailsWhenRecordExceedsCapacity(t *testing.T) {
	t.Parallel()

	ring := New(recordHeaderSize + 8) // just enough for one tiny record
	w := NewWriter(ring)

	ok, err := w.TryWrite(sampleRecord(1, 8))
	require.NoError(t, err)
	require.True(t, ok)

	// Second write has no room left.
	ok, err = w.TryWrite(sampleRecord(2, 8))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWaitAndDrainTimesOutWithNoData(t *testing.T) {
	t.Parallel()

	ring := New(4096)
	rd := NewReader(ring)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// eventTimeout (100ms) is longer than the context deadline here, so
	// WaitAndDrain should return via context cancellation, not a plain
	// timeout. Either way nothing should be drained.
	drained, _ := rd.WaitAndDrain(ctx, func(Record) { t.Fatal("dispatch should not be called") })
	assert.False(t, drained)
}

func TestTryWriteSkipsWhenMutexBusy(t *testing.T) {
	t.Parallel()

	ring := New(4096)
	w := NewWriter(ring)

	ring.mu.Lock()
	ok, err := w.TryWrite(sampleRecord(1, 8))
	ring.mu.Unlock()

	require.NoError(t, err)
	assert.False(t, ok, "a busy mutex must be skipped, not blocked on")
}

func TestCompactionAfterPartialRegionReuse(t *testing.T) {
	t.Parallel()

	ring := New(4096)
	w := NewWriter(ring)
	rd := NewReader(ring)

	require.True(t, mustWrite(t, w, sampleRecord(1, 32)))
	require.True(t, mustWrite(t, w, sampleRecord(2, 32)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := rd.WaitAndDrain(ctx, func(Record) {})
	require.NoError(t, err)

	assert.Zero(t, ring.hdr.availableAudioSize.Load())

	// The region should be reusable for a fresh write after a full drain.
	require.True(t, mustWrite(t, w, sampleRecord(3, 16)))
	var got []Record
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	_, err = rd.WaitAndDrain(ctx2, func(r Record) { got = append(got, r) })
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(3), got[0].StreamID)
}

func mustWrite(t *testing.T, w *Writer, rec Record) bool {
	t.Helper()
	ok, err := w.TryWrite(rec)
	require.NoError(t, err)
	return ok
}
