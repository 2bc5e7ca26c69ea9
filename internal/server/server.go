// Package server exposes the Troupe HTTP surface: the /ws websocket endpoint
// that clients speak the conversation protocol over, health and readiness
// probes, and the Prometheus /metrics scrape endpoint.
//
// Each accepted websocket connection gets its own [session.Session]; the
// connection's read loop feeds the session and the session writes back
// through a per-connection Transport that serialises frames onto the socket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/troupelabs/troupe/internal/health"
	"github.com/troupelabs/troupe/internal/observe"
	"github.com/troupelabs/troupe/internal/pipeline"
	"github.com/troupelabs/troupe/internal/session"
)

// readLimit bounds a single inbound frame. Microphone PCM arrives in small
// chunks; anything larger is a misbehaving client.
const readLimit = 1 << 20

// Config carries the server's listen address and per-session collaborators.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// AllowedOrigins are the origin patterns accepted for websocket
	// upgrades. Empty means same-origin only.
	AllowedOrigins []string

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string

	// Session is the template configuration applied to every accepted
	// connection.
	Session session.Config

	// Checkers are evaluated by the /readyz endpoint.
	Checkers []health.Checker

	// Logger receives connection lifecycle logs. Nil selects slog.Default.
	Logger *slog.Logger

	// Metrics instruments the HTTP surface. Nil selects the global instance.
	Metrics *observe.Metrics
}

// Server serves the websocket and observability endpoints.
type Server struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	health  *health.Handler
}

// New builds a Server from cfg.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Server{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		health:  health.New(cfg.Checkers...),
	}
}

// Handler returns the full route table wrapped in the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", s.handleWS)
	return observe.Middleware(s.metrics)(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully within
// [pipeline.ShutdownGrace].
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", "addr", s.cfg.Addr, "tls", s.cfg.CertFile != "")
		if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
			errCh <- srv.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), pipeline.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// handleWS upgrades the connection and runs the session until either side
// goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	transport := newWSTransport(conn)
	sess := session.New(transport, s.cfg.Session)
	s.log.Info("client connected", "session_id", sess.ID(), "remote", r.RemoteAddr)

	// The session runs beside the read loop; a fatal worker error (a write
	// failing on a dead socket) cancels the read as well.
	go func() {
		defer cancel()
		if err := sess.Run(ctx); err != nil {
			s.log.Warn("session terminated", "session_id", sess.ID(), "error", err)
		}
	}()

	err = s.readLoop(ctx, conn, sess)
	cancel()

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		conn.Close(websocket.StatusNormalClosure, "")
	case websocket.CloseStatus(err) != -1:
		// Client closed; nothing to report.
	default:
		s.log.Warn("read loop ended", "session_id", sess.ID(), "error", err)
		conn.Close(websocket.StatusInternalError, "")
	}
	s.log.Info("client disconnected", "session_id", sess.ID())
}

// readLoop dispatches inbound frames until the connection or session ends.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageText:
			if err := sess.HandleMessage(ctx, data); err != nil {
				return fmt.Errorf("server: dispatch: %w", err)
			}
		case websocket.MessageBinary:
			if err := sess.HandleAudio(ctx, data); err != nil {
				return fmt.Errorf("server: audio dispatch: %w", err)
			}
		}
	}
}
