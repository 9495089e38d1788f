package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"logrelay/internal/auth"
	"logrelay/internal/config"
	"logrelay/internal/ingest"
	"logrelay/internal/inputs"
	"logrelay/internal/relay"
	"logrelay/internal/sink"
	"logrelay/internal/sysmon"
	"logrelay/internal/viewer"
	"logrelay/pkg/httperror"
)

const (
	maxLoggerBodySize = 15 << 20
	shutdownTimeout   = 5 * time.Second
)

type Server struct {
	cfg       config.Config
	registry  *inputs.Registry
	hub       *viewer.Hub
	router    *relay.Router
	listener  *relay.Listener
	forwarder *sink.Forwarder // nil when no sink host is configured
	ingestor  *ingest.Ingestor
	gate      *auth.Gate // nil when basic auth is disabled
}

func New(cfg config.Config) (*Server, error) {
	registry := inputs.NewRegistry()
	hub := viewer.NewHub(registry, cfg.Viewer.QueueSize)
	router := relay.NewRouter(registry, hub, cfg.Debug)

	s := &Server{
		cfg:      cfg,
		registry: registry,
		hub:      hub,
		router:   router,
		listener: relay.NewListener(router),
	}

	if cfg.Sink.Enabled() {
		s.forwarder = sink.New(sink.Config{
			Addr:         cfg.Sink.Addr(),
			DialTimeout:  cfg.Sink.DialTimeout,
			WriteTimeout: cfg.Sink.WriteTimeout,
			Tags:         cfg.Sink.Tags,
		})
		s.ingestor = ingest.New(router, s.forwarder, cfg.Sink.Application, cfg.Sink.Tags)
	} else {
		s.ingestor = ingest.New(router, nil, cfg.Sink.Application, cfg.Sink.Tags)
	}

	if cfg.BasicAuth.Enabled() {
		gate, err := auth.NewGate(cfg.BasicAuth.Realm, cfg.BasicAuth.Users)
		if err != nil {
			return nil, fmt.Errorf("failed to configure basic auth: %w", err)
		}
		s.gate = gate
	}

	return s, nil
}

// handlerFunc is the signature of the JSON and plain handlers
type handlerFunc func(context.Context, *http.Request) ([]byte, error)

// wrapHandler adapts a handlerFunc to http.HandlerFunc
func (s *Server) wrapHandler(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := h(r.Context(), r)
		if err != nil {
			if cte, ok := err.(*contentTypeError); ok {
				w.Header().Set("Content-Type", cte.contentType)
				_, _ = w.Write(cte.data)
				return
			}
			if he, ok := err.(httperror.HTTPError); ok {
				slog.Error("HTTP handler error",
					"method", r.Method,
					"path", r.URL.Path,
					"status", he.StatusCode,
					"error", he.Message)
				http.Error(w, he.Message, he.StatusCode)
				return
			}
			slog.Error("HTTP handler error",
				"method", r.Method,
				"path", r.URL.Path,
				"status", http.StatusInternalServerError,
				"error", err.Error())
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if len(data) > 0 {
			_, _ = w.Write(data)
		}
	}
}

// contentTypeError represents a response with a specific content type
type contentTypeError struct {
	contentType string
	data        []byte
}

func (e *contentTypeError) Error() string {
	return fmt.Sprintf("response with content-type: %s", e.contentType)
}

func jsonResponse(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return nil, &contentTypeError{contentType: "application/json", data: data}
}

// loggingMiddleware logs each HTTP request
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		slog.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", duration.Milliseconds(),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack implements http.Hijacker to support WebSocket upgrades
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
}

// Flush implements http.Flusher to support streaming
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// corsOptions lets browser clients on any origin post logs.
var corsOptions = cors.Options{
	AllowedOrigins:       []string{"*"},
	AllowedMethods:       []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions},
	AllowedHeaders:       []string{"*"},
	OptionsSuccessStatus: http.StatusNoContent,
	MaxAge:               300,
}

func (s *Server) SetupRoutes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)
	r.Use(cors.Handler(corsOptions))

	// Public routes
	r.Get("/healthz", s.wrapHandler(s.handleHealth))
	r.With(middleware.RequestSize(maxLoggerBodySize)).Post("/logger", s.wrapHandler(s.handleLogger))

	// Everything else sits behind the shared gate
	r.Group(func(r chi.Router) {
		if s.gate != nil {
			r.Use(s.gate.Middleware)
		}
		r.Get("/socket", s.handleSocket)
		r.Get("/events", s.hub.ServeSSE)
		r.Get("/inputs", s.wrapHandler(s.handleInputs))
		r.Get("/status", s.wrapHandler(s.handleStatus))
		r.Handle("/*", http.FileServer(http.Dir(s.cfg.UIPath)))
	})

	return r
}

func (s *Server) handleHealth(ctx context.Context, r *http.Request) ([]byte, error) {
	return []byte("ok"), nil
}

func (s *Server) handleLogger(ctx context.Context, r *http.Request) ([]byte, error) {
	var batch ingest.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, httperror.HTTPError{StatusCode: http.StatusRequestEntityTooLarge, Message: "Request body too large"}
		}
		return nil, httperror.HTTPError{StatusCode: http.StatusBadRequest, Message: "Invalid JSON body"}
	}

	ip := clientIP(r)
	n := s.ingestor.Ingest(batch, ip)
	slog.Debug("Structured logs received", "client", ip, "entries", len(batch.Logs), "skipped", batch.Skipped, "records", n)
	return nil, nil
}

func (s *Server) handleInputs(ctx context.Context, r *http.Request) ([]byte, error) {
	return jsonResponse(s.registry.List())
}

// Status is the body of GET /status.
type Status struct {
	Inputs  int                 `json:"inputs"`
	Viewers int                 `json:"viewers"`
	Records relay.RouterStats   `json:"records"`
	Sink    *sink.Stats         `json:"sink,omitempty"`
	Process *sysmon.ProcessInfo `json:"process,omitempty"`
}

func (s *Server) handleStatus(ctx context.Context, r *http.Request) ([]byte, error) {
	status := Status{
		Inputs:  s.registry.Len(),
		Viewers: s.hub.Len(),
		Records: s.router.Stats(),
	}
	if s.forwarder != nil {
		stats := s.forwarder.Stats()
		status.Sink = &stats
	}
	if info, err := sysmon.Self(); err == nil {
		status.Process = info
	} else {
		slog.Warn("Failed to collect process stats", "error", err)
	}
	return jsonResponse(status)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade to WebSocket", "error", err)
		return
	}
	s.hub.ServeWS(conn)
}

// clientIP returns the address of the caller, after RealIP rewrote
// RemoteAddr from proxy headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Serve runs the TCP message server, the HTTP server and the sink forwarder
// until ctx is done or one of the servers fails.
func (s *Server) Serve(ctx context.Context, messageLn, httpLn net.Listener) error {
	if s.forwarder != nil {
		s.forwarder.Start(ctx)
		slog.Info("Forwarding structured logs", "sink", s.cfg.Sink.Addr())
	}

	httpSrv := &http.Server{
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.listener.Serve(messageLn)
	}()
	go func() {
		slog.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
	case runErr = <-errCh:
		slog.Error("Server stopped unexpectedly", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.hub.DisconnectAll()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Error("TCP message server shutdown failed", "error", err)
	}
	if s.forwarder != nil {
		s.forwarder.Close()
	}
	return runErr
}

// Run starts the relay with the given configuration and blocks until
// SIGINT or SIGTERM.
func Run(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !cfg.BasicAuth.Enabled() {
		slog.Warn("Basic auth disabled, viewers are not authenticated")
	}

	srv, err := New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	messageLn, err := net.Listen("tcp", cfg.MessageServer.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen for messages: %w", err)
	}
	httpLn, err := net.Listen("tcp", cfg.HTTPServer.Addr())
	if err != nil {
		_ = messageLn.Close()
		return fmt.Errorf("failed to listen for HTTP: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Serve(ctx, messageLn, httpLn)
}

// WebSocket upgrader
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 8192,
	CheckOrigin: func(r *http.Request) bool {
		// Check if the Origin header matches the Host header
		// This prevents cross-site WebSocket hijacking attacks
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Allow requests without Origin header (e.g., from native apps)
			return true
		}

		host := r.Host
		expectedOrigins := []string{
			"http://" + host,
			"https://" + host,
		}

		for _, expected := range expectedOrigins {
			if origin == expected {
				return true
			}
		}

		slog.Warn("Rejected WebSocket connection from unauthorized origin", "origin", origin, "host", host)
		return false
	},
}
