package hookcapture

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/nightwatch-av/procaudio/internal/audio"
	"github.com/nightwatch-av/procaudio/internal/errors"
)

// LoopbackConfig configures a LoopbackProducer.
type LoopbackConfig struct {
	StreamID   uint64
	SampleRate uint32
	Channels   uint32
	// DeviceName selects a capture device by name or ID; empty/"default"
	// picks the system default. On Linux this is how a caller points at
	// a PulseAudio/PipeWire ".monitor" source to capture desktop output
	// rather than a microphone.
	DeviceName string
}

// LoopbackProducer captures a local host device with malgo and frames
// each callback's buffer exactly like a hooked producer would, letting a
// developer exercise the downstream pipeline against real audio without
// a target process to hook. This is a standalone use of malgo's device
// capture, not a reimplementation of render-buffer hooking.
type LoopbackProducer struct {
	target Producer
	cfg    LoopbackConfig
	log    *slog.Logger

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	running atomic.Bool
}

// NewLoopbackProducer constructs a LoopbackProducer that forwards frames
// to target.
func NewLoopbackProducer(target Producer, cfg LoopbackConfig, log *slog.Logger) *LoopbackProducer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 48000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 2
	}
	if log == nil {
		log = slog.Default()
	}
	return &LoopbackProducer{target: target, cfg: cfg, log: log}
}

func backendForPlatform() malgo.Backend {
	switch runtime.GOOS {
	case "linux":
		return malgo.BackendAlsa
	case "windows":
		return malgo.BackendWasapi
	case "darwin":
		return malgo.BackendCoreaudio
	default:
		return malgo.BackendNull
	}
}

// Start initializes the device and begins forwarding captured buffers
// until ctx is canceled or Stop is called.
func (p *LoopbackProducer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return errors.New(errors.NewStd("hookcapture: loopback producer already running")).
			Component("hookcapture").
			Category(errors.CategoryHookCapture).
			Build()
	}

	malgoCtx, err := malgo.InitContext([]malgo.Backend{backendForPlatform()}, malgo.ContextConfig{}, nil)
	if err != nil {
		return errors.New(err).
			Component("hookcapture").
			Category(errors.CategoryHookCapture).
			Context("operation", "init_context").
			Build()
	}

	deviceInfo, err := p.findDevice(malgoCtx)
	if err != nil {
		_ = malgoCtx.Uninit()
		return err
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Channels = p.cfg.Channels
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.DeviceID = deviceInfo.ID.Pointer()
	deviceConfig.SampleRate = p.cfg.SampleRate
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: p.onData,
		Stop: p.onStop,
	})
	if err != nil {
		_ = malgoCtx.Uninit()
		return errors.New(err).
			Component("hookcapture").
			Category(errors.CategoryHookCapture).
			Context("operation", "init_device").
			Build()
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = malgoCtx.Uninit()
		return errors.New(err).
			Component("hookcapture").
			Category(errors.CategoryHookCapture).
			Context("operation", "start_device").
			Build()
	}

	p.ctx = malgoCtx
	p.device = device
	p.running.Store(true)

	go func() {
		<-ctx.Done()
		_ = p.Stop()
	}()

	return nil
}

// Stop halts capture and releases the device and context.
func (p *LoopbackProducer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running.Load() {
		return nil
	}

	if p.device != nil {
		_ = p.device.Stop()
		p.device.Uninit()
		p.device = nil
	}
	if p.ctx != nil {
		_ = p.ctx.Uninit()
		p.ctx = nil
	}
	p.running.Store(false)
	return p.target.Close()
}

func (p *LoopbackProducer) onData(_, samples []byte, frameCount uint32) {
	f := audio.Frame{
		Planes: [][]byte{samples},
		Frames: int(frameCount),
		Desc: audio.Desc{
			SampleRate: int(p.cfg.SampleRate),
			Format:     audio.FormatS16,
			Layout:     audio.LayoutForChannels(int(p.cfg.Channels)),
		},
		Timestamp: time.Now().UnixNano(),
	}
	if err := p.target.WriteFrame(p.cfg.StreamID, f); err != nil {
		p.log.Warn("loopback producer write failed", "stream_id", p.cfg.StreamID, "error", err)
	}
}

func (p *LoopbackProducer) onStop() {
	p.log.Warn("loopback capture device stopped unexpectedly", "stream_id", p.cfg.StreamID)
}

func (p *LoopbackProducer) findDevice(ctx *malgo.AllocatedContext) (*malgo.DeviceInfo, error) {
	devices, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, errors.New(err).
			Component("hookcapture").
			Category(errors.CategoryHookCapture).
			Context("operation", "enumerate_devices").
			Build()
	}
	if len(devices) == 0 {
		return nil, errors.New(errors.NewStd("hookcapture: no capture devices available")).
			Component("hookcapture").
			Category(errors.CategoryHookCapture).
			Build()
	}

	if p.cfg.DeviceName == "" || p.cfg.DeviceName == "default" {
		for i := range devices {
			if devices[i].IsDefault == 1 {
				return &devices[i], nil
			}
		}
		return &devices[0], nil
	}

	for i := range devices {
		if devices[i].Name() == p.cfg.DeviceName {
			return &devices[i], nil
		}
	}
	return nil, errors.New(errors.NewStd("hookcapture: no matching capture device")).
		Component("hookcapture").
		Category(errors.CategoryHookCapture).
		Context("device_name", p.cfg.DeviceName).
		Build()
}
