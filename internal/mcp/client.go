package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/robot-voice-lab/internal/logging"
)

// ErrToolFailed is returned when a tool reports an error result.
var ErrToolFailed = errors.New("mcp tool failed")

// ClientWrapper connects to the capture service's MCP endpoint and calls its
// tools.
type ClientWrapper struct {
	client  *sdk.Client
	session *sdk.ClientSession
	cancel  context.CancelFunc
}

func NewClientWrapper(name, version string) *ClientWrapper {
	return &ClientWrapper{client: sdk.NewClient(&sdk.Implementation{Name: name, Version: version}, nil)}
}

// ConnectWebSocket dials rawurl and starts a session. http(s) URLs are
// rewritten to ws(s).
func (w *ClientWrapper) ConnectWebSocket(ctx context.Context, rawurl string) error {
	u, err := url.Parse(rawurl)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("mcp: dial %s: %w", u, err)
	}
	sess, err := w.client.Connect(ctx, NewWebSocketTransport(conn, 0), nil)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("mcp: connect: %w", err)
	}
	w.session = sess

	pingCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				_ = sess.Ping(pingCtx, nil)
			}
		}
	}()
	logging.Debugw("mcp: client connected", "url", u.String())
	return nil
}

// CallTool invokes name and returns the concatenated text content.
func (w *ClientWrapper) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if w.session == nil {
		return "", errors.New("mcp: not connected")
	}
	res, err := w.session.CallTool(ctx, &sdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, c := range res.Content {
		if t, ok := c.(*sdk.TextContent); ok {
			sb.WriteString(t.Text)
		}
	}
	if res.IsError {
		return "", fmt.Errorf("%w: %s: %s", ErrToolFailed, name, sb.String())
	}
	return sb.String(), nil
}

// Status calls capture_status.
func (w *ClientWrapper) Status(ctx context.Context) (*Status, error) {
	text, err := w.CallTool(ctx, ToolCaptureStatus, map[string]any{})
	if err != nil {
		return nil, err
	}
	var st Status
	if err := json.Unmarshal([]byte(text), &st); err != nil {
		return nil, fmt.Errorf("mcp: decode %s: %w", ToolCaptureStatus, err)
	}
	return &st, nil
}

// Flush calls flush_channel.
func (w *ClientWrapper) Flush(ctx context.Context, channelID int) (*FlushResult, error) {
	text, err := w.CallTool(ctx, ToolFlushChannel, map[string]any{"channel_id": channelID})
	if err != nil {
		return nil, err
	}
	var fr FlushResult
	if err := json.Unmarshal([]byte(text), &fr); err != nil {
		return nil, fmt.Errorf("mcp: decode %s: %w", ToolFlushChannel, err)
	}
	return &fr, nil
}

func (w *ClientWrapper) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	if w.session != nil {
		return w.session.Close()
	}
	return nil
}
