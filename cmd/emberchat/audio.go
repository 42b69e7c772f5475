package main

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"

	"github.com/embervoice/ember-go/pkg/core"
	"github.com/embervoice/ember-go/pkg/core/audio"
)

// initAudio sets up microphone input and speaker output. Returns the
// recorder, the renderer, and a cleanup function.
func initAudio(cfg audio.Config, silenceFloor float64) (*micRecorder, *speakerRenderer, func(), error) {
	malgoConfig := malgo.ContextConfig{}
	malgoConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	malgoCtx, err := malgo.InitContext(nil, malgoConfig, nil)
	if err != nil {
		return nil, nil, nil, core.NewDeviceError("initializing audio context", err)
	}

	mic := &micRecorder{
		ctx:          malgoCtx.Context,
		cfg:          cfg,
		silenceFloor: silenceFloor,
	}

	otoOpts := &oto.NewContextOptions{
		SampleRate:   cfg.SampleRate,
		ChannelCount: cfg.Channels,
		Format:       oto.FormatSignedInt16LE,
		// ~100ms buffer keeps latency low without glitching.
		BufferSize: 100 * time.Millisecond,
	}
	otoCtx, ready, err := oto.NewContext(otoOpts)
	if err != nil {
		malgoCtx.Uninit()
		return nil, nil, nil, core.NewDeviceError("initializing speaker", err)
	}
	<-ready

	speaker := &speakerRenderer{otoCtx: otoCtx}

	cleanup := func() {
		mic.Stop()
		malgoCtx.Uninit()
	}
	return mic, speaker, cleanup, nil
}

// micRecorder captures PCM from the default input device. Frames whose
// RMS energy stays under the silence floor are discarded so dead air is
// never shipped to the voice service.
type micRecorder struct {
	ctx          malgo.Context
	cfg          audio.Config
	silenceFloor float64

	mu     sync.Mutex
	buf    []byte
	device *malgo.Device
}

func (m *micRecorder) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		return nil
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(m.cfg.Channels)
	deviceConfig.SampleRate = uint32(m.cfg.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, _ uint32) {
			m.mu.Lock()
			m.buf = append(m.buf, pInputSamples...)
			m.mu.Unlock()
		},
	}

	device, err := malgo.InitDevice(m.ctx, deviceConfig, callbacks)
	if err != nil {
		return err
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return err
	}
	m.device = device
	return nil
}

// Read drains everything captured since the last call. Slices quieter
// than the silence floor are dropped.
func (m *micRecorder) Read() []byte {
	m.mu.Lock()
	pcm := m.buf
	m.buf = nil
	m.mu.Unlock()

	if len(pcm) == 0 {
		return nil
	}
	if m.silenceFloor > 0 && audio.RMSEnergy(pcm) < m.silenceFloor {
		return nil
	}
	return pcm
}

func (m *micRecorder) Stop() error {
	m.mu.Lock()
	device := m.device
	m.device = nil
	m.buf = nil
	m.mu.Unlock()

	if device == nil {
		return nil
	}
	if err := device.Stop(); err != nil {
		device.Uninit()
		return err
	}
	device.Uninit()
	return nil
}

// speakerRenderer plays one unit at a time through the default output
// device. Cancellation stops the player mid-unit.
type speakerRenderer struct {
	otoCtx *oto.Context
}

func (s *speakerRenderer) Render(ctx context.Context, unit audio.PlaybackUnit) error {
	player := s.otoCtx.NewPlayer(bytes.NewReader(unit.PCM))
	player.Play()
	defer player.Close()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			player.Pause()
			return ctx.Err()
		case <-ticker.C:
			if !player.IsPlaying() {
				return nil
			}
		}
	}
}
