// Package gateway provides the HTTP callback and schedule API listener.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/HainanZhao/clawless/internal/config"
	"github.com/HainanZhao/clawless/internal/memory"
	"github.com/HainanZhao/clawless/internal/schedule"
	"github.com/HainanZhao/clawless/pkg/logger"
)

// Sender delivers proactive messages to a chat. The orchestrator implements
// it; registering an interface here keeps construction acyclic.
type Sender interface {
	// SendToChat posts text to the given chat.
	SendToChat(ctx context.Context, chatID, text string) error
	// BoundChatID is the default target when no chat is specified.
	BoundChatID() string
}

// Server is the callback/schedule HTTP surface.
type Server struct {
	cfg       config.CallbackConfig
	sender    Sender
	scheduler *schedule.Scheduler
	store     *memory.Store // may be nil
	hub       *Hub

	httpServer *http.Server
	log        zerolog.Logger
}

// NewServer wires the routes. store may be nil to disable semantic recall.
func NewServer(cfg config.CallbackConfig, sender Sender, scheduler *schedule.Scheduler, store *memory.Store) *Server {
	s := &Server{
		cfg:       cfg,
		sender:    sender,
		scheduler: scheduler,
		store:     store,
		hub:       NewHub(),
		log:       logger.Component("gateway"),
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/callback/{platform}", s.handleCallback).Methods(http.MethodPost)
	router.HandleFunc("/api/schedule", s.handleScheduleCreate).Methods(http.MethodPost)
	router.HandleFunc("/api/schedule", s.handleScheduleList).Methods(http.MethodGet)
	router.HandleFunc("/api/schedule/{id}", s.handleScheduleGet).Methods(http.MethodGet)
	router.HandleFunc("/api/schedule/{id}", s.handleSchedulePatch).Methods(http.MethodPatch)
	router.HandleFunc("/api/schedule/{id}", s.handleScheduleDelete).Methods(http.MethodDelete)
	router.HandleFunc("/ws/events", s.handleEvents).Methods(http.MethodGet)
	if store != nil {
		router.HandleFunc("/api/memory/semantic-recall", s.handleRecall).Methods(http.MethodPost)
	}
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	s.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.requestID(s.auth(s.limitBody(router))),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Events returns the event hub for publishing bridge events.
func (s *Server) Events() *Hub { return s.hub }

// Handler exposes the full middleware chain, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens in the background. A port already in use is logged and
// tolerated; the bridge runs without its HTTP surface.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		if isAddrInUse(err) {
			s.log.Warn().Str("addr", s.cfg.Addr()).Msg("port in use, continuing without HTTP server")
			return nil
		}
		return err
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("http server stopped")
		}
	}()
	s.log.Info().Str("addr", s.cfg.Addr()).Msg("http server listening")
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

// requestID tags every request with an id, echoed in the response header
// and attached to the access log line.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		s.log.Debug().Str("request_id", id).Str("method", r.Method).Str("path", r.URL.Path).Msg("request")
		next.ServeHTTP(w, r)
	})
}

// auth checks the callback token on every request. An empty configured
// token disables the check.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken != "" {
			token := r.Header.Get("x-callback-token")
			if token == "" {
				if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
					token = strings.TrimPrefix(bearer, "Bearer ")
				}
			}
			if token != s.cfg.AuthToken {
				writeError(w, http.StatusUnauthorized, "invalid or missing token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// limitBody bounds request bodies; oversize reads surface in the handlers'
// decode errors and map to 413.
func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
