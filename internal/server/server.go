// Package server mounts the service's HTTP surface: health, metrics, the
// frame ingress WebSocket, channel diagnostics and the MCP endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/robot-voice-lab/internal/capture"
	"github.com/robot-voice-lab/internal/logging"
)

// Closer is implemented by handlers that own hijacked connections.
type Closer interface {
	Close(ctx context.Context) error
}

// Options selects what is mounted. Nil handlers are left unmounted.
type Options struct {
	Addr            string
	ShutdownTimeout time.Duration
	Registry        *capture.Registry
	Metrics         http.Handler
	Frames          http.Handler
	MCP             http.Handler
}

type Server struct {
	opts Options
	http *http.Server
}

func New(opts Options) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{opts: opts}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}
	if s.opts.Frames != nil {
		mux.Handle("GET /ws/frames", s.opts.Frames)
	}
	if s.opts.MCP != nil {
		mux.Handle("GET /mcp/ws", s.opts.MCP)
	}
	if s.opts.Registry != nil {
		mux.HandleFunc("GET /debug/channels", s.handleChannels)
		mux.HandleFunc("GET /debug/channels/{id}", s.handleChannel)
	}
	return mux
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Registry.Snapshot())
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channel id must be an integer"})
		return
	}
	info, ok := s.opts.Registry.Info(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": capture.ErrUnknownChannel.Error()})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debugw("server: write response failed", "err", err)
	}
}

// Run listens on Options.Addr until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled. Open WebSocket feeds are closed
// during shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Infow("server: listening", "addr", ln.Addr().String())
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	for _, h := range []http.Handler{s.opts.Frames, s.opts.MCP} {
		if c, ok := h.(Closer); ok {
			_ = c.Close(shutdownCtx)
		}
	}
	err := s.http.Shutdown(shutdownCtx)
	<-errCh
	logging.Infow("server: stopped")
	return err
}
