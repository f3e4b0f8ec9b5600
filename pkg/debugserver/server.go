// Package debugserver exposes the client's health, metrics and store state
// on a local HTTP port.
package debugserver

import (
	"context"
	"encoding/json"
	stdliberrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/odvcencio/swarmchat/pkg/errors"
	"github.com/odvcencio/swarmchat/pkg/logging"
	"github.com/odvcencio/swarmchat/pkg/store"
	"github.com/odvcencio/swarmchat/pkg/telemetry"
	"github.com/odvcencio/swarmchat/pkg/view"
)

type Options struct {
	Bind   string
	Store  *store.Store
	Hub    *telemetry.Hub
	Logger *logging.Logger
}

type Server struct {
	opts    Options
	started time.Time
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Server{opts: opts, started: time.Now()}
}

// stateResponse is the /state payload.
type stateResponse struct {
	Screen view.Screen `json:"screen"`
	store.State
	MessageCount int `json:"message_count"`
}

// Handler returns the router. It is usable without a listener.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", telemetry.MetricsHandler())
	r.Get("/state", s.handleState)
	r.Get("/events", s.handleEvents)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Store == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store not attached"})
		return
	}
	st := s.opts.Store.Snapshot()
	respondJSON(w, http.StatusOK, stateResponse{
		Screen:       view.Route(st),
		State:        st,
		MessageCount: len(st.Messages),
	})
}

// handleEvents streams hub events as newline-delimited JSON until the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Hub == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event hub not attached"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	events, unsubscribe := s.opts.Hub.Subscribe()
	defer unsubscribe()

	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Bind)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeTransport, "listen for debug server").WithContext("bind", s.opts.Bind)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		s.opts.Logger.Info(logging.CategoryEngine, "debug_server_listening", "", map[string]any{"addr": ln.Addr().String()})
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if err != nil && !stdliberrors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, errors.ErrCodeTransport, "debug server")
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-serveErr
		return nil
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
