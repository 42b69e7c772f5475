package live

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/embervoice/ember-go/pkg/core"
	"github.com/embervoice/ember-go/pkg/core/audio"
	"github.com/embervoice/ember-go/pkg/core/emotion"
	"github.com/embervoice/ember-go/pkg/live/protocol"
	"github.com/embervoice/ember-go/pkg/metrics"
)

// Invoker executes one named capability and returns its textual result.
// agent.Bridge satisfies this.
type Invoker interface {
	Invoke(ctx context.Context, name, argumentsJSON string) (string, error)
}

// Session is the conversation engine. It owns the transport channel, the
// playback queue, and the capture stream, and runs a single dispatch
// goroutine that applies every inbound frame in arrival order.
//
// Tool invocations are the one exception to serial processing: the
// dispatch loop must not stall behind a slow HTTP round trip, so each
// invocation runs on its own goroutine and resolves back through the
// write-serialized channel.
type Session struct {
	cfg     SessionConfig
	invoker Invoker
	sink    TranscriptSink
	codec   *audio.Codec
	logger  *zap.Logger
	mets    *metrics.Metrics

	channel *SessionChannel
	queue   *PlaybackQueue
	capture *CaptureStream

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       SessionState
	intent      Intent
	chatID      string
	chatGroupID string
	opened      bool
	playedMs    int64

	invMu      sync.Mutex
	invocation map[string]string // pending tool_call_id -> capability name

	sessionID string
	startedAt time.Time

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *zap.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the session metrics collector.
func WithMetrics(m *metrics.Metrics) SessionOption {
	return func(s *Session) { s.mets = m }
}

// WithTranscriptSink registers a sink for finalized transcript entries.
func WithTranscriptSink(sink TranscriptSink) SessionOption {
	return func(s *Session) { s.sink = sink }
}

// NewSession wires a session from its collaborators. renderer plays
// decoded audio; recorder feeds the capture stream; invoker executes
// tool calls. The session is idle until Connect.
func NewSession(cfg SessionConfig, renderer Renderer, recorder Recorder, invoker Invoker, opts ...SessionOption) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:        cfg,
		invoker:    invoker,
		codec:      audio.NewCodec(cfg.Audio),
		logger:     zap.NewNop(),
		events:     make(chan Event, cfg.EventBuffer),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateDisconnected,
		invocation: make(map[string]string),
		sessionID:  uuid.NewString(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("session_id", s.sessionID))

	s.queue = NewPlaybackQueue(renderer,
		WithPlaybackLogger(s.logger),
		WithPlaybackMetrics(s.mets),
		WithPlaybackObserver(s.onPlaybackFinished))
	s.capture = NewCaptureStream(recorder, s.codec, cfg.CaptureInterval, s.sendAudio, s.logger)
	return s
}

// ID returns the locally generated session identifier.
func (s *Session) ID() string { return s.sessionID }

// Events returns the session's notification stream. It is closed after
// the session has fully shut down.
func (s *Session) Events() <-chan Event { return s.events }

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ChatGroupID returns the resumable conversation identifier, once known.
func (s *Session) ChatGroupID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatGroupID
}

// PlayedMs returns the total milliseconds of assistant audio rendered to
// completion so far.
func (s *Session) PlayedMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playedMs
}

// Connect dials the voice service and starts the dispatch loop. Capture
// begins once the remote side confirms the conversation with
// chat_metadata.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected || s.channel != nil {
		s.mu.Unlock()
		return core.NewConnectionError("session already started", nil)
	}
	s.state = StateConnecting
	s.mu.Unlock()
	s.emit(StateChangedEvent{From: StateDisconnected, To: StateConnecting})

	ch, err := Dial(ctx, ChannelConfig{
		URL:                s.cfg.URL,
		ConfigID:           s.cfg.ConfigID,
		ResumedChatGroupID: s.cfg.ResumedChatGroupID,
		Tools:              s.cfg.Tools,
		Reconnect:          s.cfg.Reconnect,
		EventBuffer:        s.cfg.EventBuffer,
		Logger:             s.logger,
		Metrics:            s.mets,
	})
	if err != nil {
		s.transition(StateDisconnected)
		return err
	}

	s.mu.Lock()
	s.channel = ch
	s.startedAt = time.Now()
	s.mu.Unlock()

	if s.mets != nil {
		s.mets.RecordSessionStart()
	}
	s.wg.Add(1)
	go s.dispatchLoop(ch)
	return nil
}

// Close requests disconnect, stops capture and playback, and waits for
// the dispatch loop to drain. It is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.intent = IntentUserRequestedDisconnect
		ch := s.channel
		s.mu.Unlock()
		if s.State() != StateDisconnected {
			s.transition(StateClosing)
		}

		s.capture.Stop()
		s.queue.CancelAll()
		if ch != nil {
			if err := ch.Close(); err != nil {
				s.logger.Debug("channel close", zap.Error(err))
			}
		}
		s.cancel()
		s.wg.Wait()
		s.queue.Close()

		s.transition(StateDisconnected)
		s.mu.Lock()
		wasOpened := s.opened
		started := s.startedAt
		s.mu.Unlock()

		if s.mets != nil && wasOpened {
			s.mets.RecordSessionEnd(time.Since(started))
		}
		s.emit(ClosedEvent{Reason: "user requested disconnect"})
		close(s.events)
	})
}

// dispatchLoop applies inbound frames serially until the channel's event
// stream closes.
func (s *Session) dispatchLoop(ch *SessionChannel) {
	defer s.wg.Done()
	for msg := range ch.Events() {
		if s.mets != nil {
			s.mets.RecordEvent(protocol.ServerMessageName(msg))
		}
		s.handle(msg)
	}

	// The channel is permanently down: either the caller closed it or the
	// reconnect budget ran out.
	s.mu.Lock()
	userClose := s.intent == IntentUserRequestedDisconnect
	s.mu.Unlock()
	if !userClose {
		s.capture.Stop()
		s.queue.CancelAll()
		s.transition(StateDisconnected)
		s.emit(ErrorEvent{Err: core.NewConnectionError("transport lost and not recovered", nil)})
	}
}

func (s *Session) handle(msg protocol.ServerMessage) {
	switch m := msg.(type) {
	case protocol.ChatMetadata:
		s.handleChatMetadata(m)
	case protocol.TranscriptMessage:
		s.handleTranscript(m)
	case protocol.AudioOutput:
		s.handleAudioOutput(m)
	case protocol.ToolCall:
		s.handleToolCall(m)
	case protocol.UserInterruption:
		s.queue.CancelAll()
		s.emit(InterruptionEvent{})
	case protocol.ConnectionClosed:
		s.handleConnectionClosed(m)
	case protocol.UnknownServerMessage:
		s.logger.Debug("ignoring unknown frame", zap.String("frame_type", m.Type))
	default:
		s.logger.Debug("ignoring unhandled frame", zap.String("frame_type", protocol.ServerMessageName(msg)))
	}
}

func (s *Session) handleChatMetadata(m protocol.ChatMetadata) {
	s.mu.Lock()
	// A frame still buffered when the caller requests disconnect must not
	// reopen the session or restart the capture device.
	if s.intent == IntentUserRequestedDisconnect {
		s.mu.Unlock()
		return
	}
	reconnected := s.opened
	s.chatID = m.ChatID
	s.chatGroupID = m.ChatGroupID
	s.opened = true
	s.mu.Unlock()
	s.transition(StateOpen)

	// The channel replays this identifier in the next reconnect handshake.
	s.channel.SetChatGroupID(m.ChatGroupID)

	s.logger.Info("conversation open",
		zap.String("chat_id", m.ChatID),
		zap.String("chat_group_id", m.ChatGroupID),
		zap.Bool("resumed", reconnected))

	if err := s.capture.Start(); err != nil {
		s.logger.Error("capture unavailable", zap.Error(err))
		s.emit(ErrorEvent{Err: err})
	}
	if reconnected {
		s.emit(ReconnectedEvent{ChatGroupID: m.ChatGroupID})
	}
}

func (s *Session) handleTranscript(m protocol.TranscriptMessage) {
	scores, err := emotion.Top3FromJSON(m.Scores)
	if err != nil {
		s.logger.Warn("unreadable emotion scores", zap.Error(err))
		scores = nil
	}
	entry := TranscriptEntry{Role: m.Role, Content: m.Content, Emotions: scores}
	if s.sink != nil {
		s.sink.OnTranscript(entry)
	}
	s.emit(TranscriptEvent{Entry: entry})
}

func (s *Session) handleAudioOutput(m protocol.AudioOutput) {
	unit, err := s.codec.Decode(m.Data)
	if err != nil {
		s.logger.Warn("dropping undecodable audio", zap.Error(err))
		if s.mets != nil {
			s.mets.RecordFrameDrop("audio_decode")
		}
		return
	}
	if s.mets != nil {
		s.mets.RecordAudio("in", len(unit.PCM))
	}
	s.queue.Enqueue(unit)
}

func (s *Session) handleConnectionClosed(m protocol.ConnectionClosed) {
	s.mu.Lock()
	userClose := s.intent == IntentUserRequestedDisconnect
	s.mu.Unlock()
	if userClose {
		return
	}
	s.transition(StateConnecting)

	// Stop feeding a dead transport while the channel redials. Playback
	// continues; interruption semantics only apply to live conversation.
	s.capture.Stop()
	s.logger.Info("transport dropped, recovering", zap.String("reason", m.Reason))
}

// handleToolCall launches the invocation on its own goroutine. Distinct
// invocations may overlap, but each resolves exactly once.
func (s *Session) handleToolCall(m protocol.ToolCall) {
	s.invMu.Lock()
	if _, exists := s.invocation[m.ToolCallID]; exists {
		s.invMu.Unlock()
		s.logger.DPanic("duplicate tool call id", zap.String("tool_call_id", m.ToolCallID))
		return
	}
	s.invocation[m.ToolCallID] = m.Name
	s.invMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ToolTimeout)
		defer cancel()

		content, err := s.invoker.Invoke(ctx, m.Name, m.Parameters)
		if err != nil {
			s.resolveError(m, err)
			return
		}
		s.resolveSuccess(m, content)
	}()
}

// resolveSuccess sends tool_response for an invocation, at most once.
func (s *Session) resolveSuccess(m protocol.ToolCall, content string) {
	if !s.takeInvocation(m.ToolCallID) {
		return
	}
	err := s.channel.Send(protocol.ToolResponse{
		Type:       "tool_response",
		ToolCallID: m.ToolCallID,
		Content:    content,
	})
	if err != nil {
		s.logger.Warn("tool response lost", zap.String("tool_call_id", m.ToolCallID), zap.Error(err))
	}
	if s.mets != nil {
		s.mets.RecordToolInvocation("success")
	}
	s.emit(ToolResolvedEvent{ToolCallID: m.ToolCallID, Name: m.Name})
}

// resolveError sends tool_error for an invocation, at most once.
func (s *Session) resolveError(m protocol.ToolCall, cause error) {
	if !s.takeInvocation(m.ToolCallID) {
		return
	}
	s.logger.Warn("tool invocation failed",
		zap.String("tool_call_id", m.ToolCallID),
		zap.String("tool_name", m.Name),
		zap.Error(cause))
	err := s.channel.Send(protocol.ToolError{
		Type:       "tool_error",
		ToolCallID: m.ToolCallID,
		Error:      cause.Error(),
		Code:       "message_send_error",
		Level:      protocol.LevelWarn,
	})
	if err != nil {
		s.logger.Warn("tool error lost", zap.String("tool_call_id", m.ToolCallID), zap.Error(err))
	}
	if s.mets != nil {
		s.mets.RecordToolInvocation("error")
	}
	s.emit(ToolResolvedEvent{ToolCallID: m.ToolCallID, Name: m.Name, Failed: true})
}

// takeInvocation claims the pending invocation. A second claim for the
// same id reports false, which is how double resolution is prevented.
func (s *Session) takeInvocation(id string) bool {
	s.invMu.Lock()
	defer s.invMu.Unlock()
	if _, ok := s.invocation[id]; !ok {
		s.logger.DPanic("tool invocation resolved twice", zap.String("tool_call_id", id))
		return false
	}
	delete(s.invocation, id)
	return true
}

// sendAudio delivers one capture chunk to the remote side. It is the
// capture goroutine's send function.
func (s *Session) sendAudio(chunk audio.Chunk) error {
	if err := s.channel.Send(protocol.NewAudioInput(chunk.Data)); err != nil {
		return err
	}
	if s.mets != nil {
		s.mets.RecordAudio("out", len(chunk.Data))
	}
	return nil
}

// onPlaybackFinished accumulates rendered milliseconds and notifies the
// consumer. Cancelled units do not count toward played time.
func (s *Session) onPlaybackFinished(unit audio.PlaybackUnit, cancelled bool) {
	ms := unit.DurationMs()
	if !cancelled {
		s.mu.Lock()
		s.playedMs += int64(ms)
		s.mu.Unlock()
	}
	s.emit(PlaybackFinishedEvent{DurationMs: ms, Cancelled: cancelled})
}

// transition moves to next and emits a StateChangedEvent when the state
// actually changed.
func (s *Session) transition(next SessionState) {
	s.mu.Lock()
	prev := s.state
	changed := prev != next
	if changed {
		s.state = next
	}
	s.mu.Unlock()
	if changed {
		s.emit(StateChangedEvent{From: prev, To: next})
	}
}

// emit delivers an event without ever blocking the dispatch loop. When
// the consumer falls behind, the event is dropped and logged.
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("event dropped, consumer too slow", zap.String("event_type", ev.eventType()))
	}
}
