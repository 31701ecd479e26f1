package audio

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/chiku-ai/chiku-voice/pkg/logging"
)

const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1
)

type Config struct {
	SampleRate int
	Channels   int
}

// Device owns the microphone and the speaker. Capture delivers raw PCM to a
// single listener; playback consumes an append-only buffer and fires a mark
// callback once the bytes registered behind the mark have left the buffer.
// Both directions are linear16.
type Device struct {
	cfg          Config
	audioContext *malgo.AllocatedContext
	capture      *malgo.Device
	playback     *malgo.Device
	logger       *slog.Logger

	onAudio func([]byte)

	leftover []byte
	marks    []playbackMark

	mu      sync.Mutex
	audioMu sync.Mutex
}

type playbackMark struct {
	remaining int
	callback  func()
}

func NewDevice(cfg Config) (*Device, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Channels == 0 {
		cfg.Channels = DefaultChannels
	}

	d := &Device{
		cfg:    cfg,
		logger: logging.NewComponentLogger(slog.Default(), "audio_device"),
	}

	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {})
	if err != nil {
		return nil, err
	}
	d.audioContext = audioCtx

	if err := d.initCapture(); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.initPlayback(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Device) initCapture() error {
	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * d.cfg.Channels

	config := malgo.DefaultDeviceConfig(malgo.Capture)
	config.SampleRate = uint32(d.cfg.SampleRate)
	config.Capture.Format = format
	config.Capture.Channels = uint32(d.cfg.Channels)
	config.Alsa.NoMMap = 1
	config.PerformanceProfile = malgo.LowLatency
	config.PeriodSizeInFrames = 480
	config.Periods = 3

	device, err := malgo.InitDevice(d.audioContext.Context, config, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if len(pInput) < n || n == 0 {
				return
			}
			d.mu.Lock()
			listener := d.onAudio
			d.mu.Unlock()
			if listener != nil {
				listener(pInput[:n])
			}
		},
	})
	if err != nil {
		return err
	}
	d.capture = device
	return nil
}

func (d *Device) initPlayback() error {
	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * d.cfg.Channels

	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.SampleRate = uint32(d.cfg.SampleRate)
	config.Playback.Format = format
	config.Playback.Channels = uint32(d.cfg.Channels)
	config.Alsa.NoMMap = 1
	config.PeriodSizeInFrames = uint32(d.cfg.SampleRate / 10)
	config.Periods = 4

	device, err := malgo.InitDevice(d.audioContext.Context, config, malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, frameCount uint32) {
			d.feedPlayback(pOutput[:int(frameCount)*bytesPerFrame])
		},
	})
	if err != nil {
		return err
	}
	d.playback = device
	return nil
}

// StartCapture acquires the microphone and routes raw audio to onAudio.
func (d *Device) StartCapture(onAudio func([]byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.capture == nil {
		return errors.New("capture device not initialized")
	}
	d.onAudio = onAudio
	if d.capture.IsStarted() {
		return nil
	}
	return d.capture.Start()
}

// StopCapture releases the microphone. Safe to call when not capturing.
func (d *Device) StopCapture() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.capture == nil {
		return errors.New("capture device not initialized")
	}
	d.onAudio = nil
	if !d.capture.IsStarted() {
		return nil
	}
	return d.capture.Stop()
}

// Play appends one decoded segment to the output buffer and registers done
// to fire when the last of its bytes has been consumed by the device.
func (d *Device) Play(data []byte, done func()) error {
	d.mu.Lock()
	playback := d.playback
	d.mu.Unlock()
	if playback == nil {
		return errors.New("playback device not initialized")
	}
	if !playback.IsStarted() {
		if err := playback.Start(); err != nil {
			return err
		}
	}

	d.audioMu.Lock()
	d.leftover = append(d.leftover, data...)
	d.marks = append(d.marks, playbackMark{remaining: len(d.leftover), callback: done})
	d.audioMu.Unlock()
	return nil
}

// Stop halts playback immediately, discarding buffered audio and pending
// marks. Discarded marks never fire.
func (d *Device) Stop() error {
	d.audioMu.Lock()
	d.leftover = nil
	d.marks = nil
	d.audioMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.playback == nil {
		return errors.New("playback device not initialized")
	}
	if !d.playback.IsStarted() {
		return nil
	}
	return d.playback.Stop()
}

func (d *Device) Close() error {
	d.mu.Lock()
	if d.capture != nil {
		d.capture.Uninit()
		d.capture = nil
	}
	if d.playback != nil {
		d.playback.Uninit()
		d.playback = nil
	}
	d.onAudio = nil
	d.mu.Unlock()

	if d.audioContext != nil {
		if err := d.audioContext.Uninit(); err != nil {
			d.logger.Warn("audio context uninit failed", slog.String("error", err.Error()))
		}
		d.audioContext.Free()
		d.audioContext = nil
	}
	return nil
}

func (d *Device) SampleRate() int { return d.cfg.SampleRate }
func (d *Device) Channels() int   { return d.cfg.Channels }

func (d *Device) feedPlayback(pOutput []byte) {
	d.audioMu.Lock()
	n := copy(pOutput, d.leftover)
	d.leftover = d.leftover[n:]

	var fired []func()
	kept := d.marks[:0]
	for _, mark := range d.marks {
		mark.remaining -= n
		if mark.remaining <= 0 {
			fired = append(fired, mark.callback)
		} else {
			kept = append(kept, mark)
		}
	}
	d.marks = kept
	d.audioMu.Unlock()

	if len(fired) > 0 {
		go func() {
			for _, cb := range fired {
				if cb != nil {
					cb()
				}
			}
		}()
	}
}
