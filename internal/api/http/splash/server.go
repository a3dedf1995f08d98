package splash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/oshokin/sidecar-keeper/internal/logger"
	"github.com/oshokin/sidecar-keeper/internal/service/provision"
	hub "github.com/oshokin/sidecar-keeper/internal/service/splash"
)

// Source reports sidecar readiness and status.
type Source interface {
	Ready() bool
	Statuses() []provision.Status
}

// Feed provides status lines.
type Feed interface {
	Latest() []hub.Message
	Subscribe() (<-chan hub.Message, func())
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	// Ready is true once every sidecar is ready.
	Ready bool `json:"ready"`
	// Sidecars are the per-sidecar snapshots.
	Sidecars []provision.Status `json:"sidecars"`
	// Messages are the latest status lines per sidecar.
	Messages []hub.Message `json:"messages"`
}

const (
	// readHeaderTimeout bounds request header reads.
	readHeaderTimeout = 5 * time.Second
	// shutdownTimeout bounds graceful shutdown.
	shutdownTimeout = 5 * time.Second
)

// Server serves the splash routes.
type Server struct {
	// source reports readiness.
	source Source
	// feed provides status lines.
	feed Feed
}

// NewServer wires the provided source and feed into HTTP handlers.
func NewServer(source Source, feed Feed) *Server {
	return &Server{
		source: source,
		feed:   feed,
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger)

	router.Get("/status", s.handleStatus)
	router.Get("/events", s.handleEvents)
	router.Get("/readyz", s.handleReadiness)
	router.Get("/livez", s.handleLiveness)

	return router
}

// Run serves on address until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, address string) error {
	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}

	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WarnKV(ctx, "Splash server shutdown failed", "error", err)
		}
	}()

	logger.InfoKV(ctx, "Splash server listening", "address", listener.Addr().String())

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve splash: %w", err)
	}

	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Ready:    s.source.Ready(),
		Sidecars: s.source.Statuses(),
		Messages: s.feed.Latest(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if !s.source.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleEvents replays the latest lines and then streams new ones.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)

		return
	}

	messages, unsubscribe := s.feed.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, message := range s.feed.Latest() {
		if err := writeEvent(w, message); err != nil {
			return
		}
	}

	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case message, open := <-messages:
			if !open {
				return
			}

			if err := writeEvent(w, message); err != nil {
				return
			}

			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, message hub.Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)

	return err
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(body)
}

// requestLogger logs every request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(wrapped, r)

		logger.DebugKV(r.Context(), "Splash request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.Status(),
			"duration", time.Since(started))
	})
}
