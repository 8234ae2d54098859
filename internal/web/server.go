// Package web serves a small diagnostics API alongside the mount: cache
// memory/dirty accounting and the set of currently-open files, for
// operators checking on a running andromeda-mount process.
package web

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cabewaldrop/andromeda-fuse/internal/fuseops"
)

// Server is the diagnostics HTTP server for a mounted filesystem.
type Server struct {
	router *chi.Mux
	port   int
	fsRoot *fuseops.Filesystem
}

// NewServer builds a Server bound to fsRoot. If fsRoot is nil, the
// /stats and /files routes answer 503 rather than panic.
func NewServer(port int, fsRoot *fuseops.Filesystem) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(WithFilesystem(fsRoot))

	s := &Server{router: r, port: port, fsRoot: fsRoot}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Group(func(r chi.Router) {
		r.Use(RequireFilesystem)
		r.Get("/stats", s.handleStats)
		r.Get("/files", s.handleFiles)
	})
}

// Router returns the chi router, for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run starts the HTTP server and blocks until a termination signal or
// server error, then shuts down gracefully.
func (s *Server) Run() error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		fmt.Printf("status server listening on port %d\n", s.port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-done:
		fmt.Println("shutdown signal received")
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
