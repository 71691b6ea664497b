package audio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// Malgo captures from the default input device through miniaudio.
type Malgo struct {
	cfg Config

	mu  sync.Mutex
	ctx *malgo.AllocatedContext
	dev *malgo.Device
}

// NewMalgo creates a capture with cfg. No device is opened until Start.
func NewMalgo(cfg Config) *Malgo {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	return &Malgo{cfg: cfg}
}

func (m *Malgo) context() (*malgo.AllocatedContext, error) {
	if m.ctx != nil {
		return m.ctx, nil
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: init context: %w", err)
	}
	m.ctx = ctx
	return ctx, nil
}

// Available implements Capture.
func (m *Malgo) Available() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, err := m.context()
	if err != nil {
		return err
	}
	devices, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return fmt.Errorf("audio: list devices: %w", err)
	}
	if len(devices) == 0 {
		return ErrNoDevice
	}
	return nil
}

// Start implements Capture.
func (m *Malgo) Start(onData DataFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev != nil {
		return fmt.Errorf("audio: capture already running")
	}
	ctx, err := m.context()
	if err != nil {
		return err
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = m.cfg.Channels
	deviceConfig.SampleRate = m.cfg.SampleRate

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			// miniaudio reuses in after the callback returns.
			pcm := make([]byte, len(in))
			copy(pcm, in)
			onData(pcm)
		},
	}
	dev, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("audio: init device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("audio: start device: %w", err)
	}
	m.dev = dev
	return nil
}

// Stop implements Capture.
func (m *Malgo) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev == nil {
		return nil
	}
	err := m.dev.Stop()
	m.dev.Uninit()
	m.dev = nil
	if err != nil {
		return fmt.Errorf("audio: stop device: %w", err)
	}
	return nil
}

// Close releases the device and the miniaudio context.
func (m *Malgo) Close() {
	_ = m.Stop()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx != nil {
		_ = m.ctx.Uninit()
		m.ctx.Free()
		m.ctx = nil
	}
}
