package server

import (
	"bufio"
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"streamconsole/internal/console"
	"streamconsole/internal/render"
)

//go:embed templates/*
var templatesFS embed.FS

type Server struct {
	console    *console.Console
	title      string
	flushDelay time.Duration
	tmpl       *template.Template
	hub        *Hub
}

// New creates a live view of c. Call Start to serve it.
func New(c *console.Console, title string, flushDelay time.Duration) (*Server, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Server{
		console:    c,
		title:      title,
		flushDelay: flushDelay,
		tmpl:       tmpl,
		hub:        NewHub(),
	}, nil
}

// httpError carries a status code to wrapHandler
type httpError struct {
	StatusCode int
	Message    string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// jsonResponse marks a handler result as JSON
type jsonResponse struct {
	data []byte
}

func (e *jsonResponse) Error() string {
	return "json response"
}

type handlerFunc func(context.Context, *http.Request) ([]byte, error)

// wrapHandler adapts a handlerFunc to http.HandlerFunc
func (s *Server) wrapHandler(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := h(r.Context(), r)
		if err != nil {
			var jr *jsonResponse
			if errors.As(err, &jr) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write(jr.data)
				return
			}
			var he *httpError
			if errors.As(err, &he) {
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
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write(data)
		}
	}
}

// loggingMiddleware logs each HTTP request
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
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

func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.wrapHandler(s.handleIndex))
	mux.HandleFunc("GET /snapshot", s.wrapHandler(s.handleSnapshot))
	mux.HandleFunc("GET /ws", s.handleWS)
	return s.loggingMiddleware(mux)
}

func (s *Server) handleIndex(ctx context.Context, r *http.Request) ([]byte, error) {
	var buf bytes.Buffer
	err := s.tmpl.ExecuteTemplate(&buf, "console.html", map[string]interface{}{
		"Title": s.title,
		// render.HTML output is sanitized
		"Console": template.HTML(render.HTML(s.console.Snapshot())),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render console page: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Server) handleSnapshot(ctx context.Context, r *http.Request) ([]byte, error) {
	data, err := json.Marshal(s.console.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return nil, &jsonResponse{data: data}
}

// WebSocket upgrader
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 8192,
	CheckOrigin: func(r *http.Request) bool {
		// Only same-host origins, to prevent cross-site WebSocket hijacking
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if origin == "http://"+r.Host || origin == "https://"+r.Host {
			return true
		}
		slog.Warn("Rejected WebSocket connection from unauthorized origin", "origin", origin, "host", r.Host)
		return false
	},
}

func (s *Server) snapshotMessage() Message {
	snap := s.console.Snapshot()
	return Message{Type: "snapshot", HTML: render.HTML(snap), Snapshot: snap}
}

// handleWS pushes a snapshot on connect and after every console change
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade to WebSocket", "error", err)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("Failed to close WebSocket connection", "error", err)
		}
	}()

	client := &Client{
		ID:       fmt.Sprintf("%s-%d", r.RemoteAddr, time.Now().UnixNano()),
		SendChan: make(chan Message, 16),
		Done:     make(chan struct{}),
	}
	s.hub.RegisterClient(client)
	defer s.hub.UnregisterClient(client.ID)

	if err := conn.WriteJSON(s.snapshotMessage()); err != nil {
		slog.Error("Failed to send initial snapshot", "error", err)
		return
	}

	// Reader detects the client going away; incoming messages are ignored.
	go func() {
		defer close(client.Done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg := <-client.SendChan:
			if err := conn.WriteJSON(msg); err != nil {
				slog.Error("Failed to write WebSocket message", "error", err)
				return
			}
		case <-client.Done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// pushLoop broadcasts a snapshot after console changes, at most once per
// flush delay.
func (s *Server) pushLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.hub.Dirty():
		}
		if wait := s.hub.UntilNextUpdate(s.flushDelay); wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		if s.hub.ClientCount() > 0 {
			s.hub.Broadcast(s.snapshotMessage())
		}
	}
}

// Start serves the live view on addr until ctx is cancelled
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	unsubscribe := s.console.Subscribe(s.hub)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.pushLoop(ctx)

	httpServer := &http.Server{
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("Live view listening", "addr", ln.Addr().String())
	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
