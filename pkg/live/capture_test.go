package live

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/embervoice/ember-go/pkg/core"
	"github.com/embervoice/ember-go/pkg/core/audio"
)

type fakeRecorder struct {
	mu       sync.Mutex
	startErr error
	started  int
	stopped  int
	frames   [][]byte
}

func (r *fakeRecorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.started++
	return nil
}

func (r *fakeRecorder) Read() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return nil
	}
	frame := r.frames[0]
	r.frames = r.frames[1:]
	return frame
}

func (r *fakeRecorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped++
	return nil
}

func (r *fakeRecorder) push(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func TestCaptureStreamSendsNonEmptyFrames(t *testing.T) {
	rec := &fakeRecorder{}
	rec.push([]byte{1, 2, 3, 4})
	rec.push(nil) // silent tick, must be skipped
	rec.push([]byte{5, 6})

	var mu sync.Mutex
	var sent []audio.Chunk
	send := func(c audio.Chunk) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, c)
		return nil
	}

	s := NewCaptureStream(rec, audio.NewCodec(audio.DefaultConfig()), time.Millisecond, send, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) == 2
	}, "expected exactly the two non-empty frames to be sent")

	mu.Lock()
	defer mu.Unlock()
	for _, c := range sent {
		if c.Data == "" {
			t.Fatal("sent chunk has empty payload")
		}
	}
}

func TestCaptureStreamStartFailureIsDeviceError(t *testing.T) {
	rec := &fakeRecorder{startErr: errors.New("no input device")}
	s := NewCaptureStream(rec, audio.NewCodec(audio.DefaultConfig()), time.Millisecond, func(audio.Chunk) error { return nil }, nil)

	err := s.Start()
	if err == nil {
		t.Fatal("expected error from failing recorder")
	}
	if !core.IsKind(err, core.KindDevice) {
		t.Fatalf("expected device error, got %v", err)
	}
	if s.Active() {
		t.Fatal("stream reported active after failed start")
	}
}

func TestCaptureStreamStopIsIdempotent(t *testing.T) {
	rec := &fakeRecorder{}
	s := NewCaptureStream(rec, audio.NewCodec(audio.DefaultConfig()), time.Millisecond, func(audio.Chunk) error { return nil }, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s.Stop()
	s.Stop()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.stopped != 1 {
		t.Fatalf("recorder stopped %d times, want 1", rec.stopped)
	}
}

func TestCaptureStreamSendErrorDoesNotStopCapture(t *testing.T) {
	rec := &fakeRecorder{}
	rec.push([]byte{1})
	rec.push([]byte{2})

	var mu sync.Mutex
	calls := 0
	send := func(audio.Chunk) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("transport busy")
	}

	s := NewCaptureStream(rec, audio.NewCodec(audio.DefaultConfig()), time.Millisecond, send, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, "capture loop stalled after send error")
}

func TestCaptureStreamConcurrentStartStop(t *testing.T) {
	rec := &fakeRecorder{}
	s := NewCaptureStream(rec, audio.NewCodec(audio.DefaultConfig()), time.Millisecond, func(audio.Chunk) error { return nil }, nil)

	// Start and Stop racing from different goroutines must never leave a
	// loop goroutine behind, hang the stopper, or stop the recorder
	// underneath an active stream.
	for i := 0; i < 500; i++ {
		gate := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-gate
			if err := s.Start(); err != nil {
				t.Errorf("Start: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			<-gate
			s.Stop()
		}()
		close(gate)
		wg.Wait()

		s.Stop()
		if s.Active() {
			t.Fatal("stream active after final Stop")
		}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.started != rec.stopped {
		t.Fatalf("recorder starts (%d) and stops (%d) unbalanced", rec.started, rec.stopped)
	}
}

func TestCaptureStreamDoubleStartIsNoop(t *testing.T) {
	rec := &fakeRecorder{}
	s := NewCaptureStream(rec, audio.NewCodec(audio.DefaultConfig()), time.Millisecond, func(audio.Chunk) error { return nil }, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer s.Stop()
	if err := s.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if !s.Active() {
		t.Fatal("stream not active")
	}
}
