// Package ingress bridges the sensor feed to the capture engine over
// WebSocket. Each connection is read by one goroutine, so frames from one
// connection reach the engine in arrival order.
package ingress

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/robot-voice-lab/internal/capture"
	"github.com/robot-voice-lab/internal/logging"
)

// FrameHandler consumes decoded frames. *capture.Engine satisfies it.
type FrameHandler interface {
	HandleFrame(capture.Frame) error
}

// Observer receives connection and drop events. *metrics.Metrics satisfies
// it.
type Observer interface {
	FrameDropped(reason string)
	SessionOpened()
	SessionClosed()
}

type nopObserver struct{}

func (nopObserver) FrameDropped(string) {}
func (nopObserver) SessionOpened()      {}
func (nopObserver) SessionClosed()      {}

type Option func(*Handler)

// WithObserver attaches metrics.
func WithObserver(o Observer) Option {
	return func(h *Handler) {
		if o != nil {
			h.obs = o
		}
	}
}

// WithMaxMessageSize caps a single WebSocket message.
func WithMaxMessageSize(n int64) Option {
	return func(h *Handler) { h.maxMessage = n }
}

// WithCheckOrigin overrides the upgrader's origin check.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = fn }
}

// Handler is the http.Handler for the frame WebSocket.
type Handler struct {
	sink       FrameHandler
	obs        Observer
	upgrader   websocket.Upgrader
	maxMessage int64

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

func NewHandler(sink FrameHandler, opts ...Option) *Handler {
	h := &Handler{
		sink:       sink,
		obs:        nopObserver{},
		maxMessage: 1 << 20,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("ingress: websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	if !h.track(conn) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	defer h.untrack(conn)

	h.obs.SessionOpened()
	defer h.obs.SessionClosed()
	logging.Infow("ingress: feed connected", "remote", r.RemoteAddr)

	frames, dropped := h.read(conn)
	logging.Infow("ingress: feed disconnected", "remote", r.RemoteAddr, "frames", frames, "dropped", dropped)
}

// read pumps messages until the connection fails.
func (h *Handler) read(conn *websocket.Conn) (frames, dropped int) {
	conn.SetReadLimit(h.maxMessage)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Debugw("ingress: read failed", "err", err)
			}
			return frames, dropped
		}
		f, err := Decode(mt, data)
		if err != nil {
			dropped++
			h.obs.FrameDropped("decode")
			logging.Warnw("ingress: dropping undecodable message", "bytes", len(data), "err", err)
			continue
		}
		if err := h.sink.HandleFrame(f); err != nil {
			dropped++
			if !errors.Is(err, capture.ErrMalformedFrame) {
				logging.Errorw("ingress: frame handler failed", "channel.id", f.ChannelID, "err", err)
			}
			continue
		}
		frames++
	}
}

func (h *Handler) track(c *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

func (h *Handler) untrack(c *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	_ = c.Close()
}

// Sessions returns the number of open feed connections.
func (h *Handler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close refuses new connections and closes the open ones. http.Server
// shutdown does not reach hijacked connections, so callers close the
// handler alongside the server.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline)
		_ = c.Close()
	}
	return nil
}
