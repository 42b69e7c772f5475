package live

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/embervoice/ember-go/pkg/core"
	"github.com/embervoice/ember-go/pkg/live/protocol"
	"github.com/embervoice/ember-go/pkg/metrics"
)

// ChannelConfig configures a SessionChannel.
type ChannelConfig struct {
	// URL is the websocket endpoint.
	URL string
	// ConfigID selects the remote conversation configuration.
	ConfigID string
	// ResumedChatGroupID seeds the resumable identifier for the first
	// session_settings frame.
	ResumedChatGroupID string
	// Tools are advertised in every session_settings frame.
	Tools []protocol.ToolDeclaration
	// Reconnect bounds automatic reconnection after a transport drop.
	Reconnect ReconnectPolicy
	// Dialer overrides websocket.DefaultDialer, mainly for tests.
	Dialer *websocket.Dialer
	// EventBuffer sizes the inbound event channel.
	EventBuffer int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// SessionChannel is the duplex transport of a session. A single read
// goroutine decodes inbound frames onto Events; writes are serialized by
// a mutex so capture audio and tool resolutions from different goroutines
// never interleave mid-frame.
//
// When the peer drops the connection the channel emits a ConnectionClosed
// event and then redials on its own, replaying session_settings with the
// most recent chat group id so the remote side resumes the conversation.
// When the redial budget is exhausted, or after Close, the Events channel
// is closed.
type SessionChannel struct {
	cfg    ChannelConfig
	logger *zap.Logger
	mets   *metrics.Metrics

	events chan protocol.ServerMessage

	ctx    context.Context
	cancel context.CancelFunc

	// writeMu serializes frame writes and guards conn replacement.
	writeMu sync.Mutex
	conn    *websocket.Conn

	groupMu     sync.Mutex
	chatGroupID string

	closed    atomic.Bool
	closeOnce sync.Once
}

// Dial connects, sends the initial session_settings frame, and starts the
// read loop.
func Dial(ctx context.Context, cfg ChannelConfig) (*SessionChannel, error) {
	if cfg.URL == "" {
		return nil, core.NewConnectionError("channel URL is empty", nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 100
	}

	chCtx, cancel := context.WithCancel(context.Background())
	c := &SessionChannel{
		cfg:         cfg,
		logger:      cfg.Logger,
		mets:        cfg.Metrics,
		events:      make(chan protocol.ServerMessage, cfg.EventBuffer),
		ctx:         chCtx,
		cancel:      cancel,
		chatGroupID: cfg.ResumedChatGroupID,
	}

	conn, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, core.NewConnectionError("dialing voice service", err)
	}
	c.conn = conn
	go c.readLoop(conn)
	return c, nil
}

// Events returns the inbound frame stream. The channel is closed when the
// transport is permanently down.
func (c *SessionChannel) Events() <-chan protocol.ServerMessage {
	return c.events
}

// Send writes one frame. It fails with a connection error while a
// reconnect is in flight or after Close.
func (c *SessionChannel) Send(msg protocol.ClientMessage) error {
	if c.closed.Load() {
		return core.NewConnectionError("channel is closed", nil)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return core.NewConnectionError("channel is reconnecting", nil)
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return core.NewConnectionError("writing "+protocol.ClientMessageName(msg)+" frame", err)
	}
	return nil
}

// SetChatGroupID records the resumable identifier replayed on reconnect.
// The session owns this value and updates it from chat_metadata.
func (c *SessionChannel) SetChatGroupID(id string) {
	c.groupMu.Lock()
	c.chatGroupID = id
	c.groupMu.Unlock()
}

// ChatGroupID returns the currently stored resumable identifier.
func (c *SessionChannel) ChatGroupID() string {
	c.groupMu.Lock()
	defer c.groupMu.Unlock()
	return c.chatGroupID
}

// Close tears the transport down and suppresses reconnection. It is
// idempotent.
func (c *SessionChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.writeMu.Lock()
		if c.conn != nil {
			deadline := time.Now().Add(time.Second)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			err = c.conn.Close()
		}
		c.writeMu.Unlock()
	})
	return err
}

// dial opens a connection and sends session_settings on it.
func (c *SessionChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := c.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	settings := protocol.SessionSettings{
		Type:               "session_settings",
		ConfigID:           c.cfg.ConfigID,
		ResumedChatGroupID: c.ChatGroupID(),
		Tools:              c.cfg.Tools,
	}
	if err := conn.WriteJSON(settings); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *SessionChannel) readLoop(conn *websocket.Conn) {
	defer close(c.events)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			if c.closed.Load() {
				return
			}
			c.logger.Info("connection dropped", zap.Error(err))
			c.deliver(protocol.ConnectionClosed{Reason: err.Error()})

			next, rerr := c.reconnect()
			if rerr != nil {
				if !c.closed.Load() {
					c.logger.Warn("reconnect abandoned", zap.Error(rerr))
				}
				return
			}
			conn = next
			continue
		}

		msg, derr := protocol.DecodeServerMessage(data)
		if derr != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(derr))
			if c.mets != nil {
				c.mets.RecordFrameDrop("decode_error")
			}
			continue
		}
		c.deliver(msg)
	}
}

func (c *SessionChannel) deliver(msg protocol.ServerMessage) {
	select {
	case c.events <- msg:
	case <-c.ctx.Done():
	}
}

// reconnect redials with exponential backoff until it succeeds or the
// attempt budget runs out. The new connection replaces the old one under
// the write mutex, so Send fails cleanly in between.
func (c *SessionChannel) reconnect() (*websocket.Conn, error) {
	c.writeMu.Lock()
	c.conn = nil
	c.writeMu.Unlock()

	if c.cfg.Reconnect.MaxAttempts == 0 {
		return nil, core.NewConnectionError("reconnection disabled", nil)
	}
	initial := c.cfg.Reconnect.InitialBackoff
	if initial <= 0 {
		initial = 250 * time.Millisecond
	}
	backoff := retry.WithMaxRetries(c.cfg.Reconnect.MaxAttempts-1, retry.NewExponential(initial))

	var conn *websocket.Conn
	attempt := 0
	err := retry.Do(c.ctx, backoff, func(ctx context.Context) error {
		attempt++
		if c.mets != nil {
			c.mets.RecordReconnect()
		}
		nc, derr := c.dial(ctx)
		if derr != nil {
			c.logger.Info("reconnect attempt failed",
				zap.Int("attempt", attempt), zap.Error(derr))
			return retry.RetryableError(derr)
		}
		conn = nc
		return nil
	})
	if err != nil {
		return nil, core.NewConnectionError("reconnecting to voice service", err)
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	c.logger.Info("reconnected",
		zap.Int("attempts", attempt),
		zap.String("chat_group_id", c.ChatGroupID()))
	return conn, nil
}
