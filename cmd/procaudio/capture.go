package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/nightwatch-av/procaudio/internal/audio"
	"github.com/nightwatch-av/procaudio/internal/audiochannel"
	"github.com/nightwatch-av/procaudio/internal/capturereader"
	"github.com/nightwatch-av/procaudio/internal/conf"
	"github.com/nightwatch-av/procaudio/internal/hookcapture"
	"github.com/nightwatch-av/procaudio/internal/logging"
	"github.com/nightwatch-av/procaudio/internal/mixer"
	"github.com/nightwatch-av/procaudio/internal/observability/metrics"
	"github.com/nightwatch-av/procaudio/internal/shmring"
	"github.com/nightwatch-av/procaudio/internal/sink"
	"github.com/nightwatch-av/procaudio/internal/target"
)

var (
	simulate       bool
	loopback       bool
	loopbackDevice string
	outPath        string
)

// captureCommand wires a producer (simulated, host-loopback, or — once a
// real hook exists — one built on it) through the shared-memory ring, the
// capture reader, and the mix engine, to a downstream sink, and runs the
// whole pipeline until interrupted.
func captureCommand(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Run the capture, re-timing, and mix pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapture(cmd.Context(), settings)
		},
	}

	cmd.Flags().BoolVar(&simulate, "simulate", true, "drive the pipeline with a synthetic multi-stream producer instead of a real hook")
	cmd.Flags().BoolVar(&loopback, "loopback", false, "drive the pipeline by capturing the local host's default audio device instead of a simulated one")
	cmd.Flags().StringVar(&loopbackDevice, "loopback-device", "", "device name/ID for --loopback (empty uses the system default)")
	cmd.Flags().StringVar(&outPath, "out", "", "WAV file path to write mixed output to (empty discards output)")

	return cmd
}

func runCapture(ctx context.Context, settings *conf.Settings) error {
	log := logging.Structured()
	if log == nil {
		log = logging.HumanReadable()
	}
	runID := uuid.New().String()[:8]
	log = log.With("run_id", runID)

	resolvedTarget, err := resolveCaptureTarget(ctx, settings)
	if err != nil {
		return err
	}
	log.Info("resolved capture target", "target", resolvedTarget.String())

	reg := prometheus.NewRegistry()
	m, err := metrics.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	outDesc := audio.Desc{
		SampleRate: settings.Capture.SampleRate,
		Format:     audio.FormatF32,
		Layout:     audio.LayoutForChannels(settings.Capture.Channels),
	}

	s, err := buildSink(outDesc)
	if err != nil {
		return err
	}

	clock := func() int64 { return time.Now().UnixNano() }
	ring := shmring.New(shmring.DefaultRegionSize)
	writer := shmring.NewWriter(ring)
	reader := shmring.NewReader(ring)

	channels := capturereader.NewChannelMap(outDesc, settings.Capture.OutputFrames, audiochannel.Clock(clock), log)
	captureReader := capturereader.New(reader, channels, log, m)

	engine := mixer.New(mixer.Config{
		Channels:          channels,
		Sink:              s,
		Metrics:           m,
		Log:               log,
		Clock:             audiochannel.Clock(clock),
		OutDesc:           outDesc,
		OutputFrames:      settings.Capture.OutputFrames,
		MaxBufferingTicks: settings.Capture.MaxBufferingTicks,
	})

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := captureReader.Run(runCtx); err != nil {
			errCh <- fmt.Errorf("capture reader: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := engine.Run(runCtx); err != nil {
			errCh <- fmt.Errorf("mix engine: %w", err)
		}
	}()

	producer := hookcapture.NewShmWriterProducer(writer, m, log)
	stopProducer, err := startProducer(runCtx, &wg, errCh, producer)
	if err != nil {
		cancel()
		wg.Wait()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Error("pipeline error", "error", err)
	case <-ctx.Done():
	}

	cancel()
	if stopProducer != nil {
		stopProducer()
	}
	wg.Wait()
	return s.Close()
}

func resolveCaptureTarget(ctx context.Context, settings *conf.Settings) (target.Spec, error) {
	if settings.Capture.Target == "" {
		return target.Spec{}, nil
	}
	spec, err := target.Parse(settings.Capture.Target)
	if err != nil {
		return target.Spec{}, fmt.Errorf("parsing capture.target: %w", err)
	}
	return target.Resolve(ctx, spec)
}

func buildSink(outDesc audio.Desc) (sink.Sink, error) {
	if outPath == "" {
		return sink.NullSink{}, nil
	}
	f, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("creating output file %s: %w", outPath, err)
	}
	return sink.NewWAVSink(f, outDesc.SampleRate, outDesc.Channels()), nil
}

// startProducer launches whichever producer was selected. For --loopback
// it returns a function that stops the loopback producer. For --simulate
// it returns (nil, nil): the simulated producer runs on wg until ctx is
// canceled. With neither flag it also returns (nil, nil) (an external
// producer is expected to write into the ring directly).
func startProducer(ctx context.Context, wg *sync.WaitGroup, errCh chan<- error, producer hookcapture.Producer) (func(), error) {
	switch {
	case loopback:
		lp := hookcapture.NewLoopbackProducer(producer, hookcapture.LoopbackConfig{
			StreamID:   1,
			DeviceName: loopbackDevice,
		}, nil)
		if err := lp.Start(ctx); err != nil {
			return nil, fmt.Errorf("starting loopback producer: %w", err)
		}
		return func() { _ = lp.Stop() }, nil
	case simulate:
		sp := hookcapture.NewSimulatedProducer(producer, hookcapture.SimulatedConfig{
			Streams: []hookcapture.SimulatedStream{
				{StreamID: 1, Desc: audio.Desc{SampleRate: 48000, Layout: audio.LayoutStereo}, FrameCount: 480, ToneHz: 220},
				{StreamID: 2, Desc: audio.Desc{SampleRate: 44100, Layout: audio.LayoutMono}, FrameCount: 441, ToneHz: 440, MaxJitter: 5 * time.Millisecond},
			},
			TickInterval: 10 * time.Millisecond,
		}, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sp.Run(ctx); err != nil {
				errCh <- fmt.Errorf("simulated producer: %w", err)
			}
		}()
		return nil, nil
	default:
		return nil, nil
	}
}
