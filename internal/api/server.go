package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"codeberg.org/mutker/ecoflowctl/internal/detector"
	"codeberg.org/mutker/ecoflowctl/internal/errors"
	"codeberg.org/mutker/ecoflowctl/internal/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server is the HTTP command surface over a running monitor.
type Server struct {
	cfg    Config
	ctrl   Controller
	log    logger.Logger
	hub    *Hub
	router chi.Router
}

func New(cfg Config, ctrl Controller, log logger.Logger) (*Server, error) {
	errFactory := errors.New()

	if ctrl == nil {
		return nil, errFactory.New(ErrNoController)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if log == nil {
		log = logger.Nop()
	}

	s := &Server{
		cfg:  cfg,
		ctrl: ctrl,
		log:  log,
		hub:  NewHub(log),
	}
	s.router = s.routes()

	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(bearerAuth(s.cfg.Token))

		// The event stream outlives any request timeout.
		r.Get("/events", s.hub.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))

			r.Get("/status", s.status)
			r.Get("/fields/{key}", s.field)
			r.Post("/outputs/{output}/{state}", s.toggleOutput)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, ErrNotFound, "no such route")
	})

	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// PublishTransition pushes tr to every connected event stream client.
func (s *Server) PublishTransition(tr detector.Transition) {
	s.hub.Broadcast(transitionEventOf(tr))
}

// Run serves on cfg.Listen until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errFactory := errors.New()

	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("listen", s.cfg.Listen).Msg("HTTP command surface listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.hub.Close()
		return errFactory.Wrap(ErrServe, err)
	case <-ctx.Done():
	}

	s.hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errFactory.Wrap(errors.ErrShutdownFailed, err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errFactory.Wrap(ErrServe, err)
	}

	s.log.Debug().Msg("HTTP command surface stopped")
	return nil
}

// Hub exposes the event stream fan-out.
func (s *Server) Hub() *Hub {
	return s.hub
}
