// Package agent bridges remote tool calls to the downstream agent HTTP
// endpoint. The bridge executes capabilities and returns results or errors;
// translating failures into protocol-level tool_error frames is the
// dispatcher's job, never the bridge's.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/embervoice/ember-go/pkg/core"
)

// CapabilitySendMessage is the single capability this bridge recognizes.
const CapabilitySendMessage = "send_message"

// Option configures a Bridge.
type Option func(*options)

type options struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// WithHTTPClient overrides the HTTP client used for capability calls.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithLogger sets the bridge logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Bridge executes named capabilities against the agent endpoint.
type Bridge struct {
	baseURL   string
	agentName string
	client    *http.Client
	logger    *zap.Logger
}

// NewBridge creates a bridge for the given agent.
func NewBridge(baseURL, agentName string, opts ...Option) *Bridge {
	o := &options{
		httpClient: http.DefaultClient,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Bridge{
		baseURL:   strings.TrimRight(baseURL, "/"),
		agentName: agentName,
		client:    o.httpClient,
		logger:    o.logger,
	}
}

// sendMessageArgs is the parameter shape of the send_message capability.
type sendMessageArgs struct {
	Message string `json:"message"`
}

// runResponse is the agent endpoint's success body.
type runResponse struct {
	Content string `json:"content"`
}

// Invoke executes the named capability with the given JSON arguments and
// returns its textual result. Unknown capability names and malformed
// arguments fail without touching the network.
func (b *Bridge) Invoke(ctx context.Context, name, argumentsJSON string) (string, error) {
	if name != CapabilitySendMessage {
		return "", core.NewInvocationError(fmt.Sprintf("unknown capability %q", name), nil)
	}

	var args sendMessageArgs
	if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return "", core.NewDecodeError("malformed tool arguments", err)
	}
	if strings.TrimSpace(args.Message) == "" {
		return "", core.NewDecodeError("tool arguments missing message", nil)
	}

	result, err := b.runAgent(ctx, args.Message)
	if err != nil {
		return "", err
	}

	b.logger.Debug("capability resolved",
		zap.String("capability", name),
		zap.Int("result_len", len(result)),
	)
	return result, nil
}

func (b *Bridge) runAgent(ctx context.Context, message string) (string, error) {
	endpoint := fmt.Sprintf("%s/agent/%s/run", b.baseURL, url.PathEscape(b.agentName))

	q := url.Values{}
	q.Set("message", message)
	q.Set("stream", "false")
	q.Set("monitor", "false")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", core.NewInvocationError("build agent request", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return "", core.NewInvocationError("agent request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", core.NewInvocationError("read agent response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", core.NewInvocationError(
			fmt.Sprintf("agent returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			nil,
		)
	}

	// The raw body is forwarded verbatim as the tool result; parsing only
	// validates that the agent produced the expected shape.
	var parsed runResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", core.NewInvocationError("malformed agent response body", err)
	}
	return strings.TrimSpace(string(body)), nil
}
