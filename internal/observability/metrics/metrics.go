// Package metrics exposes Prometheus instrumentation for the capture,
// timing, and mixing pipeline.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge this module records against one
// registry, following the NewXMetrics(registry) (*Metrics, error)
// constructor pattern used throughout this codebase's metrics packages.
type Metrics struct {
	ringRecordsWritten   *prometheus.CounterVec
	ringRecordsDropped   *prometheus.CounterVec
	ringRecordsRead      prometheus.Counter
	channelsActive       prometheus.Gauge
	bufferingTicksAdded  prometheus.Counter
	bufferingTicksTotal  prometheus.Gauge
	discardEvents        *prometheus.CounterVec
	ignoreEvents         prometheus.Counter
	mixTickDuration      prometheus.Histogram
	mixTicksEmitted      prometheus.Counter
	resamplerConstructed *prometheus.CounterVec
}

// NewMetrics constructs and registers every metric against registry.
func NewMetrics(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ringRecordsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procaudio",
			Subsystem: "shmring",
			Name:      "records_written_total",
			Help:      "Records the producer successfully wrote into the shared-memory ring.",
		}, []string{"result"}),
		ringRecordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procaudio",
			Subsystem: "shmring",
			Name:      "records_dropped_total",
			Help:      "Records dropped by the producer (mutex busy or ring full) or consumer (malformed).",
		}, []string{"reason"}),
		ringRecordsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "procaudio",
			Subsystem: "shmring",
			Name:      "records_read_total",
			Help:      "Records successfully drained and dispatched by the capture reader.",
		}),
		channelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "procaudio",
			Subsystem: "audiochannel",
			Name:      "active",
			Help:      "Number of distinct stream identifiers currently tracked.",
		}),
		bufferingTicksAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "procaudio",
			Subsystem: "mixer",
			Name:      "buffering_ticks_added_total",
			Help:      "Buffering ticks injected across all mix_engine fetch_and_emit calls.",
		}),
		bufferingTicksTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "procaudio",
			Subsystem: "mixer",
			Name:      "buffering_ticks_outstanding",
			Help:      "Cumulative buffering ticks currently counted toward the MAX_BUFFERING_TICKS cap.",
		}),
		discardEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procaudio",
			Subsystem: "mixer",
			Name:      "discard_events_total",
			Help:      "Per-channel discard outcomes observed during fetch_and_emit.",
		}, []string{"outcome"}),
		ignoreEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "procaudio",
			Subsystem: "mixer",
			Name:      "ignore_events_total",
			Help:      "Times a channel's buffered audio was dropped outright after exhausting the buffering-tick budget.",
		}),
		mixTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "procaudio",
			Subsystem: "mixer",
			Name:      "tick_duration_seconds",
			Help:      "Wall-clock duration of one fetch_and_emit call.",
			Buckets:   prometheus.DefBuckets,
		}),
		mixTicksEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "procaudio",
			Subsystem: "mixer",
			Name:      "ticks_emitted_total",
			Help:      "Mix ticks that published a frame-block to the downstream sink.",
		}),
		resamplerConstructed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procaudio",
			Subsystem: "audiochannel",
			Name:      "resampler_rebuilds_total",
			Help:      "Resampler (re)construction attempts triggered by an input descriptor change.",
		}, []string{"result"}),
	}

	collectors := []prometheus.Collector{
		m.ringRecordsWritten, m.ringRecordsDropped, m.ringRecordsRead,
		m.channelsActive, m.bufferingTicksAdded, m.bufferingTicksTotal,
		m.discardEvents, m.ignoreEvents, m.mixTickDuration, m.mixTicksEmitted,
		m.resamplerConstructed,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordRingWrite records one record the producer wrote, labeled by
// result; ShmWriterProducer passes "ok" and counts busy or full writes
// through RecordRingDrop instead.
func (m *Metrics) RecordRingWrite(result string) {
	m.ringRecordsWritten.WithLabelValues(result).Inc()
}

// RecordRingDrop records a dropped record and why.
func (m *Metrics) RecordRingDrop(reason string) {
	m.ringRecordsDropped.WithLabelValues(reason).Inc()
}

// RecordRingRead records one successfully dispatched record.
func (m *Metrics) RecordRingRead() {
	m.ringRecordsRead.Inc()
}

// SetActiveChannels sets the current count of tracked stream identifiers.
func (m *Metrics) SetActiveChannels(n int) {
	m.channelsActive.Set(float64(n))
}

// RecordBufferingTicksAdded records ticks injected by one buffering
// injection pass and updates the outstanding total.
func (m *Metrics) RecordBufferingTicksAdded(ticks int, totalOutstanding int) {
	m.bufferingTicksAdded.Add(float64(ticks))
	m.bufferingTicksTotal.Set(float64(totalOutstanding))
}

// RecordDiscard records one channel's discard outcome ("advanced",
// "stalled", "lagging", "ignored", "skipped").
func (m *Metrics) RecordDiscard(outcome string) {
	m.discardEvents.WithLabelValues(outcome).Inc()
}

// RecordIgnore records one forced channel-data drop.
func (m *Metrics) RecordIgnore() {
	m.ignoreEvents.Inc()
}

// ObserveMixTick records one fetch_and_emit call's wall-clock duration in
// seconds.
func (m *Metrics) ObserveMixTick(seconds float64) {
	m.mixTickDuration.Observe(seconds)
}

// RecordMixTickEmitted records one published frame-block.
func (m *Metrics) RecordMixTickEmitted() {
	m.mixTicksEmitted.Inc()
}

// RecordResamplerRebuild records a resampler (re)construction attempt's
// result ("ok" or "passthrough_fallback").
func (m *Metrics) RecordResamplerRebuild(result string) {
	m.resamplerConstructed.WithLabelValues(result).Inc()
}
