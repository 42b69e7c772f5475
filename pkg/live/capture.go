package live

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/embervoice/ember-go/pkg/core"
	"github.com/embervoice/ember-go/pkg/core/audio"
)

// Recorder is a microphone source. Read drains the PCM accumulated since
// the previous call; it returns an empty slice when nothing was captured.
type Recorder interface {
	Start() error
	Read() []byte
	Stop() error
}

// CaptureStream pulls PCM from a Recorder on a fixed interval, encodes
// each non-empty slice, and hands the chunk to a send function. Send
// failures are logged and skipped; the transport reconnects on its own,
// so dropping a slice of microphone audio is preferable to stalling
// capture.
type CaptureStream struct {
	recorder Recorder
	codec    *audio.Codec
	send     func(audio.Chunk) error
	interval time.Duration
	logger   *zap.Logger

	// mu serializes Start and Stop entirely, including Stop's wait for
	// the loop goroutine. The loop itself never takes mu, so holding it
	// across the wait cannot deadlock, and a Start racing a Stop always
	// observes a fully stopped stream.
	mu     sync.Mutex
	active bool
	stop   chan struct{}
	done   chan struct{}
}

// NewCaptureStream creates a stream. send is invoked from the capture
// goroutine, one chunk at a time.
func NewCaptureStream(recorder Recorder, codec *audio.Codec, interval time.Duration, send func(audio.Chunk) error, logger *zap.Logger) *CaptureStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &CaptureStream{
		recorder: recorder,
		codec:    codec,
		send:     send,
		interval: interval,
		logger:   logger,
	}
}

// Start begins capture. Calling Start on an active stream is a no-op.
// A recorder that fails to start surfaces as a device error and leaves
// the stream inactive.
func (s *CaptureStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return nil
	}
	if err := s.recorder.Start(); err != nil {
		return core.NewDeviceError("starting audio capture", err)
	}
	s.active = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)
	return nil
}

// Stop halts capture and the underlying recorder. It is idempotent and
// blocks until the capture goroutine has exited.
func (s *CaptureStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.active = false
	close(s.stop)
	<-s.done

	if err := s.recorder.Stop(); err != nil {
		s.logger.Warn("recorder stop failed", zap.Error(err))
	}
}

// Active reports whether capture is running.
func (s *CaptureStream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *CaptureStream) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		pcm := s.recorder.Read()
		if len(pcm) == 0 {
			continue
		}
		chunk := s.codec.Encode(pcm, time.Now())
		if err := s.send(chunk); err != nil {
			s.logger.Debug("audio chunk dropped", zap.Error(err), zap.Int("pcm_bytes", len(pcm)))
		}
	}
}
