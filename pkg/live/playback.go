package live

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/embervoice/ember-go/pkg/core/audio"
	"github.com/embervoice/ember-go/pkg/metrics"
)

// Renderer plays one decoded unit of audio. Render blocks until the unit
// has fully played or ctx is cancelled, and must return promptly on
// cancellation.
type Renderer interface {
	Render(ctx context.Context, unit audio.PlaybackUnit) error
}

// RenderFunc adapts a function to the Renderer interface.
type RenderFunc func(ctx context.Context, unit audio.PlaybackUnit) error

// Render calls f(ctx, unit).
func (f RenderFunc) Render(ctx context.Context, unit audio.PlaybackUnit) error {
	return f(ctx, unit)
}

// PlaybackQueue serializes audio playback. Units are rendered strictly in
// arrival order by a single consumer goroutine, so two units never overlap.
// CancelAll stops the active render and discards everything queued behind
// it, which is how a user interruption cuts the assistant off mid-word.
type PlaybackQueue struct {
	renderer Renderer
	logger   *zap.Logger
	mets     *metrics.Metrics

	// onFinished, when set, observes every unit that stops rendering.
	onFinished func(unit audio.PlaybackUnit, cancelled bool)

	mu      sync.Mutex
	pending []audio.PlaybackUnit
	// cancelRender is non-nil exactly while a render is in flight. It is
	// registered under mu in the same critical section that pops the unit,
	// so CancelAll always reaches the active render.
	cancelRender context.CancelFunc
	// generation increments on every CancelAll. A unit popped under an
	// older generation is dropped instead of rendered.
	generation uint64
	closed     bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// PlaybackOption configures a PlaybackQueue.
type PlaybackOption func(*PlaybackQueue)

// WithPlaybackLogger sets the queue's logger.
func WithPlaybackLogger(logger *zap.Logger) PlaybackOption {
	return func(q *PlaybackQueue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithPlaybackMetrics sets the queue's metrics collector.
func WithPlaybackMetrics(m *metrics.Metrics) PlaybackOption {
	return func(q *PlaybackQueue) { q.mets = m }
}

// WithPlaybackObserver registers a callback invoked after every unit stops
// rendering, whether it completed or was cancelled.
func WithPlaybackObserver(fn func(unit audio.PlaybackUnit, cancelled bool)) PlaybackOption {
	return func(q *PlaybackQueue) { q.onFinished = fn }
}

// NewPlaybackQueue creates a queue and starts its consumer goroutine.
func NewPlaybackQueue(renderer Renderer, opts ...PlaybackOption) *PlaybackQueue {
	q := &PlaybackQueue{
		renderer: renderer,
		logger:   zap.NewNop(),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Enqueue appends a unit for playback and returns immediately. Units
// enqueued after Close are dropped.
func (q *PlaybackQueue) Enqueue(unit audio.PlaybackUnit) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, unit)
	depth := len(q.pending)
	q.mu.Unlock()

	if q.mets != nil {
		q.mets.RecordPlaybackEnqueued(depth)
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// CancelAll stops the active render, if any, and discards every queued
// unit. It is safe to call at any time, including concurrently with
// Enqueue and with a render in progress.
func (q *PlaybackQueue) CancelAll() {
	q.mu.Lock()
	q.generation++
	dropped := len(q.pending)
	q.pending = nil
	cancel := q.cancelRender
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if q.mets != nil {
		q.mets.RecordPlaybackCancel()
		q.mets.SetPlaybackQueueDepth(0)
	}
	q.logger.Debug("playback cancelled",
		zap.Int("dropped_units", dropped),
		zap.Bool("render_active", cancel != nil))
}

// Depth reports how many units are waiting behind the active render.
func (q *PlaybackQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Rendering reports whether a unit is currently being played.
func (q *PlaybackQueue) Rendering() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelRender != nil
}

// Close cancels any active render, drops the queue, and stops the
// consumer goroutine. It is idempotent and blocks until the consumer
// has exited.
func (q *PlaybackQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.wg.Wait()
		return
	}
	q.closed = true
	q.pending = nil
	cancel := q.cancelRender
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	close(q.done)
	q.wg.Wait()
}

func (q *PlaybackQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
		q.drain()
	}
}

// drain renders queued units one at a time until the queue is empty or
// the queue is closed.
func (q *PlaybackQueue) drain() {
	for {
		q.mu.Lock()
		if q.closed || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		unit := q.pending[0]
		q.pending = q.pending[1:]
		depth := len(q.pending)
		gen := q.generation
		ctx, cancel := context.WithCancel(context.Background())
		q.cancelRender = cancel
		q.mu.Unlock()

		if q.mets != nil {
			q.mets.SetPlaybackQueueDepth(depth)
		}

		err := q.renderer.Render(ctx, unit)
		cancelled := ctx.Err() != nil
		cancel()

		q.mu.Lock()
		q.cancelRender = nil
		// A CancelAll that raced the end of this render already counted
		// it; units staged under the old generation were discarded above.
		stale := q.generation != gen
		q.mu.Unlock()

		if err != nil && !cancelled {
			q.logger.Warn("render failed", zap.Error(err))
		}
		if q.onFinished != nil {
			q.onFinished(unit, cancelled || stale)
		}
	}
}
