package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/embervoice/ember-go/pkg/core/audio"
	"github.com/embervoice/ember-go/pkg/live/protocol"
)

type fakeInvoker struct {
	mu     sync.Mutex
	result string
	err    error
	calls  []string
}

func (f *fakeInvoker) Invoke(ctx context.Context, name, argumentsJSON string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if f.err != nil {
		return "", f.err
	}
	return f.result, nil
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// scriptedSession spins up a session against a scripted server. outbound
// receives every post-handshake frame the session writes.
func scriptedSession(t *testing.T, serverFrames []string, invoker Invoker) (*Session, chan []byte, *fakeRecorder) {
	t.Helper()
	outbound := make(chan []byte, 32)
	vs := newVoiceServer(t, func(conn *websocket.Conn, _ int64) {
		for _, f := range serverFrames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			outbound <- data
		}
	})

	cfg := DefaultSessionConfig()
	cfg.URL = vs.wsURL()
	cfg.CaptureInterval = 5 * time.Millisecond
	cfg.Reconnect = ReconnectPolicy{} // keep failures terminal in tests

	rec := &fakeRecorder{}
	sess := NewSession(cfg, &recordingRenderer{}, rec, invoker)
	t.Cleanup(sess.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return sess, outbound, rec
}

func waitOutbound(t *testing.T, outbound chan []byte, frameType string) []byte {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case data := <-outbound:
			var envelope struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(data, &envelope); err != nil {
				t.Fatalf("unparseable outbound frame %q: %v", data, err)
			}
			if envelope.Type == frameType {
				return data
			}
		case <-deadline:
			t.Fatalf("session never sent a %s frame", frameType)
		}
	}
}

const metadataFrame = `{"type":"chat_metadata","chat_id":"chat-1","chat_group_id":"group-1"}`

func TestSessionOpensOnChatMetadata(t *testing.T) {
	sess, _, _ := scriptedSession(t, []string{metadataFrame}, &fakeInvoker{})

	waitFor(t, func() bool { return sess.State() == StateOpen }, "session never reached OPEN")
	if got := sess.ChatGroupID(); got != "group-1" {
		t.Fatalf("chat group id = %q", got)
	}
	waitFor(t, func() bool { return sess.capture.Active() }, "capture never started")
}

func TestSessionStreamsCaptureAudio(t *testing.T) {
	sess, outbound, rec := scriptedSession(t, []string{metadataFrame}, &fakeInvoker{})
	waitFor(t, func() bool { return sess.State() == StateOpen }, "session never reached OPEN")

	rec.push([]byte{1, 2, 3, 4})
	frame := waitOutbound(t, outbound, "audio_input")

	var ai protocol.AudioInput
	if err := json.Unmarshal(frame, &ai); err != nil {
		t.Fatalf("unmarshal audio_input: %v", err)
	}
	if ai.Data == "" {
		t.Fatal("audio_input frame has no payload")
	}
}

func TestSessionDeliversTranscriptWithTopEmotions(t *testing.T) {
	frames := []string{
		metadataFrame,
		`{"type":"user_message","content":"hello there","scores":{"joy":0.91,"calm":0.40,"anger":0.12,"sadness":0.05}}`,
	}

	var mu sync.Mutex
	var entries []TranscriptEntry
	sink := TranscriptFunc(func(e TranscriptEntry) {
		mu.Lock()
		entries = append(entries, e)
		mu.Unlock()
	})

	vs := newVoiceServer(t, func(conn *websocket.Conn, _ int64) {
		for _, f := range frames {
			conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	cfg := DefaultSessionConfig()
	cfg.URL = vs.wsURL()
	sess := NewSession(cfg, &recordingRenderer{}, &fakeRecorder{}, &fakeInvoker{}, WithTranscriptSink(sink))
	t.Cleanup(sess.Close)
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(entries) == 1
	}, "transcript entry never delivered")

	mu.Lock()
	defer mu.Unlock()
	e := entries[0]
	if e.Role != protocol.RoleUser {
		t.Fatalf("role = %q", e.Role)
	}
	if e.Content != "hello there" {
		t.Fatalf("content = %q", e.Content)
	}
	wantLabels := []string{"joy", "calm", "anger"}
	if len(e.Emotions) != len(wantLabels) {
		t.Fatalf("emotions = %+v", e.Emotions)
	}
	for i, want := range wantLabels {
		if e.Emotions[i].Label != want {
			t.Fatalf("emotion %d = %q, want %q", i, e.Emotions[i].Label, want)
		}
	}
}

func TestSessionRendersAudioOutput(t *testing.T) {
	// 10ms of silence at the default 16kHz mono 16-bit shape.
	pcm := make([]byte, audio.DefaultConfig().BytesForDurationMs(10))
	frames := []string{
		metadataFrame,
		`{"type":"audio_output","data":"` + base64.StdEncoding.EncodeToString(pcm) + `"}`,
	}
	renderer := &recordingRenderer{}

	vs := newVoiceServer(t, func(conn *websocket.Conn, _ int64) {
		for _, f := range frames {
			conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	cfg := DefaultSessionConfig()
	cfg.URL = vs.wsURL()
	sess := NewSession(cfg, renderer, &fakeRecorder{}, &fakeInvoker{})
	t.Cleanup(sess.Close)
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, func() bool { return renderer.playedCount() == 1 }, "audio never rendered")
	waitFor(t, func() bool { return sess.PlayedMs() > 0 }, "played time not accounted")
}

func TestSessionResolvesToolCallSuccess(t *testing.T) {
	frames := []string{
		metadataFrame,
		`{"type":"tool_call","tool_call_id":"tc-1","name":"send_message","parameters":"{\"message\":\"hi\"}"}`,
	}
	invoker := &fakeInvoker{result: `{"content":"ok"}`}
	_, outbound, _ := scriptedSession(t, frames, invoker)

	frame := waitOutbound(t, outbound, "tool_response")
	var resp protocol.ToolResponse
	if err := json.Unmarshal(frame, &resp); err != nil {
		t.Fatalf("unmarshal tool_response: %v", err)
	}
	if resp.ToolCallID != "tc-1" {
		t.Fatalf("tool_call_id = %q", resp.ToolCallID)
	}
	if resp.Content != `{"content":"ok"}` {
		t.Fatalf("content = %q", resp.Content)
	}
	if invoker.callCount() != 1 {
		t.Fatalf("invoker called %d times", invoker.callCount())
	}
}

func TestSessionResolvesToolCallFailure(t *testing.T) {
	frames := []string{
		metadataFrame,
		`{"type":"tool_call","tool_call_id":"tc-9","name":"send_message","parameters":"{}"}`,
	}
	invoker := &fakeInvoker{err: errors.New("agent unreachable")}
	_, outbound, _ := scriptedSession(t, frames, invoker)

	frame := waitOutbound(t, outbound, "tool_error")
	var te protocol.ToolError
	if err := json.Unmarshal(frame, &te); err != nil {
		t.Fatalf("unmarshal tool_error: %v", err)
	}
	if te.ToolCallID != "tc-9" {
		t.Fatalf("tool_call_id = %q", te.ToolCallID)
	}
	if te.Code != "message_send_error" {
		t.Fatalf("code = %q", te.Code)
	}
	if te.Level != protocol.LevelWarn {
		t.Fatalf("level = %q", te.Level)
	}
	if te.Error == "" {
		t.Fatal("tool_error carried no message")
	}
}

// gatedInvoker blocks every invocation until release is closed.
type gatedInvoker struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (g *gatedInvoker) Invoke(ctx context.Context, name, argumentsJSON string) (string, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	select {
	case <-g.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return `{"content":"ok"}`, nil
}

func (g *gatedInvoker) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func TestSessionRejectsDuplicateToolCall(t *testing.T) {
	frames := []string{
		metadataFrame,
		`{"type":"tool_call","tool_call_id":"tc-dup","name":"send_message","parameters":"{\"message\":\"hi\"}"}`,
		`{"type":"tool_call","tool_call_id":"tc-dup","name":"send_message","parameters":"{\"message\":\"hi\"}"}`,
		`{"type":"assistant_message","content":"both delivered"}`,
	}
	invoker := &gatedInvoker{release: make(chan struct{})}
	sess, outbound, _ := scriptedSession(t, frames, invoker)

	// The trailing transcript frame proves the dispatcher has processed
	// both tool_call frames before the invocation is allowed to finish.
	deadline := time.After(3 * time.Second)
	for marker := false; !marker; {
		select {
		case ev := <-sess.Events():
			if te, ok := ev.(TranscriptEvent); ok && te.Entry.Content == "both delivered" {
				marker = true
			}
		case <-deadline:
			t.Fatal("marker transcript never arrived")
		}
	}

	close(invoker.release)

	frame := waitOutbound(t, outbound, "tool_response")
	var resp protocol.ToolResponse
	if err := json.Unmarshal(frame, &resp); err != nil {
		t.Fatalf("unmarshal tool_response: %v", err)
	}
	if resp.ToolCallID != "tc-dup" {
		t.Fatalf("tool_call_id = %q", resp.ToolCallID)
	}

	// The duplicate frame must resolve nothing: no second response, no
	// tool_error, and no second invocation.
	select {
	case data := <-outbound:
		t.Fatalf("unexpected frame after resolution: %s", data)
	case <-time.After(200 * time.Millisecond):
	}
	if got := invoker.callCount(); got != 1 {
		t.Fatalf("invoker called %d times, want 1", got)
	}
}

func TestToolInvocationClaimIsSingleUse(t *testing.T) {
	sess := NewSession(DefaultSessionConfig(), &recordingRenderer{}, &fakeRecorder{}, &fakeInvoker{})
	t.Cleanup(sess.Close)

	sess.invocation["tc-1"] = "send_message"
	if !sess.takeInvocation("tc-1") {
		t.Fatal("first claim failed")
	}
	if sess.takeInvocation("tc-1") {
		t.Fatal("second claim succeeded; an invocation must resolve exactly once")
	}
}

func TestSessionCloseBlocksBufferedReopen(t *testing.T) {
	sinkGate := make(chan struct{})
	entered := make(chan struct{}, 4)
	sink := TranscriptFunc(func(TranscriptEntry) {
		entered <- struct{}{}
		<-sinkGate
	})

	sendRest := make(chan struct{})
	vs := newVoiceServer(t, func(conn *websocket.Conn, _ int64) {
		conn.WriteMessage(websocket.TextMessage, []byte(metadataFrame))
		<-sendRest
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"user_message","content":"stall"}`))
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"chat_metadata","chat_id":"c9","chat_group_id":"g9"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	cfg := DefaultSessionConfig()
	cfg.URL = vs.wsURL()
	sess := NewSession(cfg, &recordingRenderer{}, &fakeRecorder{}, &fakeInvoker{}, WithTranscriptSink(sink))
	t.Cleanup(sess.Close)
	t.Cleanup(func() {
		// Unblock a stalled sink so Close can drain if the test bailed early.
		select {
		case <-sinkGate:
		default:
			close(sinkGate)
		}
	})
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, func() bool { return sess.State() == StateOpen && sess.capture.Active() }, "session never opened")

	// Stall the dispatch loop in the sink so the second chat_metadata
	// stays buffered while Close runs.
	close(sendRest)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher never reached the sink")
	}
	time.Sleep(50 * time.Millisecond) // let the read loop buffer the second frame

	closeDone := make(chan struct{})
	go func() {
		sess.Close()
		close(closeDone)
	}()
	waitFor(t, func() bool { return !sess.capture.Active() }, "Close never stopped capture")

	close(sinkGate)
	select {
	case <-closeDone:
	case <-time.After(3 * time.Second):
		t.Fatal("Close hung while a buffered frame drained")
	}

	if sess.capture.Active() {
		t.Fatal("buffered chat_metadata restarted capture after Close")
	}
	if sess.State() != StateDisconnected {
		t.Fatalf("state after Close = %v", sess.State())
	}
}

func TestSessionInterruptionFlushesPlayback(t *testing.T) {
	rendering := make(chan struct{}, 4)
	cancelled := make(chan struct{}, 4)
	blocking := RenderFunc(func(ctx context.Context, _ audio.PlaybackUnit) error {
		rendering <- struct{}{}
		<-ctx.Done()
		cancelled <- struct{}{}
		return ctx.Err()
	})

	frames := []string{
		metadataFrame,
		`{"type":"audio_output","data":"AAEAAQ=="}`,
		`{"type":"audio_output","data":"AAEAAQ=="}`,
	}
	interrupt := make(chan struct{})
	vs := newVoiceServer(t, func(conn *websocket.Conn, _ int64) {
		for _, f := range frames {
			conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		<-interrupt
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"user_interruption"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	cfg := DefaultSessionConfig()
	cfg.URL = vs.wsURL()
	sess := NewSession(cfg, blocking, &fakeRecorder{}, &fakeInvoker{})
	t.Cleanup(sess.Close)
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-rendering:
	case <-time.After(2 * time.Second):
		t.Fatal("first unit never started rendering")
	}
	close(interrupt)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("interruption did not cancel the active render")
	}

	// The second queued unit must be gone, not merely delayed.
	select {
	case <-rendering:
		t.Fatal("a queued unit rendered after the interruption")
	case <-time.After(100 * time.Millisecond):
	}
	if got := sess.queue.Depth(); got != 0 {
		t.Fatalf("queue depth after interruption = %d", got)
	}
	if sess.PlayedMs() != 0 {
		t.Fatalf("cancelled audio counted as played: %d ms", sess.PlayedMs())
	}
}

func TestSessionCloseIsIdempotentAndFinal(t *testing.T) {
	sess, _, _ := scriptedSession(t, []string{metadataFrame}, &fakeInvoker{})
	waitFor(t, func() bool { return sess.State() == StateOpen }, "session never reached OPEN")

	sess.Close()
	sess.Close()

	if sess.State() != StateDisconnected {
		t.Fatalf("state after close = %v", sess.State())
	}

	sawClosed := false
	for ev := range sess.Events() {
		if _, ok := ev.(ClosedEvent); ok {
			sawClosed = true
		}
	}
	if !sawClosed {
		t.Fatal("no ClosedEvent before the event stream closed")
	}
}
