// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

// Package server is the HTTP surface: one write endpoint that feeds the
// command dispatcher through the journal, plus read-model queries served
// straight from DuckDB.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/earshot-sync/earshot/internal/cache"
	"github.com/earshot-sync/earshot/internal/config"
	"github.com/earshot-sync/earshot/internal/dispatch"
	"github.com/earshot-sync/earshot/internal/domain"
	"github.com/earshot-sync/earshot/internal/journal"
	"github.com/earshot-sync/earshot/internal/logging"
	"github.com/earshot-sync/earshot/internal/middleware"
)

// Commander dispatches commands. Satisfied by *dispatch.Dispatcher.
type Commander interface {
	Dispatch(ctx context.Context, cmd domain.Command) (dispatch.Result, error)
}

// publicCacheTTL bounds staleness on the shared trending and activity
// endpoints; per-user reads are never cached.
const publicCacheTTL = 30 * time.Second

// Server hosts the HTTP API.
type Server struct {
	cfg        config.ServerConfig
	dispatcher Commander
	journal    *journal.Journal
	db         *sql.DB
	readCache  *cache.LRU
	handler    http.Handler
}

// New wires the server. journal may be nil, which disables crash-safe
// admission; db serves the read-model queries.
func New(cfg config.ServerConfig, dispatcher Commander, j *journal.Journal, db *sql.DB) *Server {
	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		journal:    j,
		db:         db,
		readCache:  cache.NewLRU(1024, publicCacheTTL),
	}
	s.handler = s.routes()
	return s
}

// Handler returns the assembled router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Prometheus(chiRoutePattern))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Use(requireUserMatch)
			r.With(httprate.Limit(
				s.cfg.RateLimitReqs,
				s.cfg.RateLimitWindow,
				httprate.WithKeyFuncs(httprate.KeyByIP),
			)).Post("/commands", s.handleCommand)

			r.Get("/subscriptions", s.handleSubscriptions)
			r.Get("/plays", s.handlePlays)
			r.Get("/playlists", s.handlePlaylists)
			r.Get("/collections", s.handleCollections)
		})

		r.Get("/trending", s.cached(s.handleTrending))
		r.Get("/trending/{feed}/episodes", s.cached(s.handleTrendingEpisodes))
		r.Get("/activity", s.cached(s.handleActivity))
	})

	return r
}

// chiRoutePattern labels metrics with the matched route pattern rather
// than the raw path.
func chiRoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// bufferingWriter tees the response so successful bodies can be cached.
type bufferingWriter struct {
	http.ResponseWriter
	status int
	body   []byte
}

func (w *bufferingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *bufferingWriter) Write(p []byte) (int, error) {
	w.body = append(w.body, p...)
	return w.ResponseWriter.Write(p)
}

// cached serves public read endpoints from the LRU, keyed by the full
// request URI.
func (s *Server) cached(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.RequestURI()
		if body, ok := s.readCache.Get(key); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "hit")
			w.WriteHeader(http.StatusOK)
			if _, err := w.Write(body); err != nil {
				logging.Error().Err(err).Msg("SERVER: Write cached response failed")
			}
			return
		}

		buf := &bufferingWriter{ResponseWriter: w, status: http.StatusOK}
		next(buf, r)
		if buf.status == http.StatusOK {
			s.readCache.Add(key, buf.body)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{"status": "up"}
	if s.journal != nil {
		health["journal_pending"] = s.journal.Depth()
	}
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			health["status"] = "degraded"
			health["database"] = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, health)
			return
		}
	}
	respondJSON(w, http.StatusOK, health)
}

// Serve runs the HTTP listener until ctx is done, then drains with the
// configured shutdown timeout. It satisfies the supervisor's service
// contract.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", addr).Msg("SERVER: Listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: listen on %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("SERVER: Graceful shutdown incomplete, closing")
		_ = srv.Close()
	}
	<-errCh
	return ctx.Err()
}
