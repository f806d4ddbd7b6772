// Package mcp exposes operator tools for the capture pipeline over the Model
// Context Protocol, carried on a WebSocket.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/robot-voice-lab/internal/capture"
	"github.com/robot-voice-lab/internal/logging"
)

const (
	ToolCaptureStatus = "capture_status"
	ToolFlushChannel  = "flush_channel"
)

// Capture is the part of the engine the tools drive. *capture.Engine
// satisfies it.
type Capture interface {
	Registry() *capture.Registry
	Flush(channelID int) (bool, error)
}

// Status is the capture_status payload.
type Status struct {
	Channels []capture.ChannelInfo `json:"channels"`
	// PendingDeliveries counts queued segments; -1 when no dispatcher is
	// attached.
	PendingDeliveries int `json:"pending_deliveries"`
}

// FlushArgs are the flush_channel arguments.
type FlushArgs struct {
	ChannelID int `json:"channel_id" jsonschema:"id of the microphone channel to finalize"`
}

// FlushResult is the flush_channel payload.
type FlushResult struct {
	ChannelID int  `json:"channel_id"`
	Emitted   bool `json:"emitted"`
}

type statusArgs struct{}

// Server serves the tools to WebSocket clients.
type Server struct {
	impl      *sdk.Server
	capture   Capture
	pending   func() int
	upgrader  websocket.Upgrader
	readLimit int64

	mu       sync.Mutex
	sessions map[*sdk.ServerSession]struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithReadLimit caps one inbound MCP message. Zero or less disables the cap.
func WithReadLimit(n int64) ServerOption {
	return func(s *Server) { s.readLimit = n }
}

// WithCheckOrigin overrides the upgrader's origin check. The default rejects
// browser requests whose Origin does not match the Host header.
func WithCheckOrigin(fn func(*http.Request) bool) ServerOption {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// NewServer registers the tools. pending may be nil.
func NewServer(c Capture, pending func() int, version string, opts ...ServerOption) *Server {
	s := &Server{
		impl:      sdk.NewServer(&sdk.Implementation{Name: "voicecapture", Version: version}, nil),
		capture:   c,
		pending:   pending,
		readLimit: DefaultReadLimit,
		sessions:  make(map[*sdk.ServerSession]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	sdk.AddTool(s.impl, &sdk.Tool{
		Name:        ToolCaptureStatus,
		Description: "List every microphone channel with its buffer size, recording flag, last activity and marker counts.",
	}, s.status)
	sdk.AddTool(s.impl, &sdk.Tool{
		Name:        ToolFlushChannel,
		Description: "Finalize a channel's buffered utterance now and hand it to delivery.",
	}, s.flush)
	return s
}

// Impl returns the underlying SDK server, for in-memory transports.
func (s *Server) Impl() *sdk.Server { return s.impl }

func (s *Server) status(ctx context.Context, req *sdk.CallToolRequest, _ statusArgs) (*sdk.CallToolResult, any, error) {
	st := Status{Channels: s.capture.Registry().Snapshot(), PendingDeliveries: -1}
	if s.pending != nil {
		st.PendingDeliveries = s.pending()
	}
	return jsonResult(st)
}

func (s *Server) flush(ctx context.Context, req *sdk.CallToolRequest, args FlushArgs) (*sdk.CallToolResult, any, error) {
	emitted, err := s.capture.Flush(args.ChannelID)
	if err != nil {
		if errors.Is(err, capture.ErrUnknownChannel) {
			return errorResult(fmt.Sprintf("channel %d is unknown", args.ChannelID)), nil, nil
		}
		return nil, nil, err
	}
	logging.Infow("mcp: channel flushed", "channel.id", args.ChannelID, "emitted", emitted)
	return jsonResult(FlushResult{ChannelID: args.ChannelID, Emitted: emitted})
}

func jsonResult(v any) (*sdk.CallToolResult, any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: string(b)}}}, nil, nil
}

func errorResult(msg string) *sdk.CallToolResult {
	return &sdk.CallToolResult{IsError: true, Content: []sdk.Content{&sdk.TextContent{Text: msg}}}
}

// ServeHTTP upgrades to WebSocket and runs one MCP session on it until the
// client goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("mcp: websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	go func() {
		session, err := s.impl.Connect(context.Background(), NewWebSocketTransport(conn, s.readLimit), nil)
		if err != nil {
			logging.Errorw("mcp: session connect failed", "err", err)
			_ = conn.Close()
			return
		}
		s.mu.Lock()
		s.sessions[session] = struct{}{}
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, session)
			s.mu.Unlock()
		}()

		logging.Debugw("mcp: session started", "remote", r.RemoteAddr, "session", session.ID())
		if err := session.Wait(); err != nil {
			logging.Debugw("mcp: session ended", "remote", r.RemoteAddr, "session", session.ID(), "err", err)
		}
	}()
}

// Close ends every open session.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	open := make([]*sdk.ServerSession, 0, len(s.sessions))
	for ss := range s.sessions {
		open = append(open, ss)
	}
	s.mu.Unlock()
	var errs []error
	for _, ss := range open {
		if err := ss.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
