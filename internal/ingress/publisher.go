package ingress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/robot-voice-lab/internal/capture"
)

// Publisher writes frames to a frame WebSocket. It is what a feed bridge or
// a replay tool uses on the sending side.
type Publisher struct {
	mu   sync.Mutex
	conn *websocket.Conn
	json bool
}

// Dial connects to url (ws:// or wss://). With asJSON frames are sent as
// text envelopes instead of the binary layout.
func Dial(ctx context.Context, url string, asJSON bool) (*Publisher, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ingress: dial %s: %w", url, err)
	}
	return &Publisher{conn: conn, json: asJSON}, nil
}

// Send writes one frame.
func (p *Publisher) Send(ctx context.Context, f capture.Frame) error {
	mt, data := websocket.BinaryMessage, EncodeBinary(f)
	if p.json {
		b, err := EncodeJSON(f)
		if err != nil {
			return err
		}
		mt, data = websocket.TextMessage, b
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = p.conn.SetWriteDeadline(dl)
		defer p.conn.SetWriteDeadline(time.Time{})
	}
	return p.conn.WriteMessage(mt, data)
}

// Close sends a normal close frame and closes the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return p.conn.Close()
}
