package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// DefaultReadLimit caps one inbound JSON-RPC message. Tool calls here carry a
// channel id at most.
const DefaultReadLimit = 64 << 10

const closeWait = time.Second

// socketTransport carries one JSON-RPC message per WebSocket text message.
// Both ends of the operator link use it.
type socketTransport struct {
	conn      *websocket.Conn
	readLimit int64
}

// NewWebSocketTransport wraps conn for sdk.Server.Connect or
// sdk.Client.Connect. A positive readLimit bounds inbound messages; a peer
// that exceeds it gets a 1009 close and the session ends.
func NewWebSocketTransport(conn *websocket.Conn, readLimit int64) sdk.Transport {
	return &socketTransport{conn: conn, readLimit: readLimit}
}

func (t *socketTransport) Connect(ctx context.Context) (sdk.Connection, error) {
	if t.readLimit > 0 {
		t.conn.SetReadLimit(t.readLimit)
	}
	return &socketConn{conn: t.conn, id: uuid.NewString(), readLimit: t.readLimit}, nil
}

type socketConn struct {
	conn      *websocket.Conn
	id        string
	readLimit int64

	// gorilla allows one concurrent writer; pings and tool results race.
	writeMu sync.Mutex
	once    sync.Once
}

func (c *socketConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if errors.Is(err, websocket.ErrReadLimit) {
			return nil, fmt.Errorf("mcp: message exceeds %d bytes: %w", c.readLimit, err)
		}
		return nil, err
	}
	return jsonrpc.DecodeMessage(data)
}

func (c *socketConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal close frame before dropping the socket. It is safe to
// call more than once.
func (c *socketConn) Close() error {
	var err error
	c.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		err = c.conn.Close()
	})
	return err
}

func (c *socketConn) SessionID() string { return c.id }
