// Package api exposes the HTTP surface: bundle requests, status polls, the
// uncached direct-stream path, and signed local downloads.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/deliverkit/bundler/internal/archive"
	"github.com/deliverkit/bundler/internal/bundle"
	"github.com/deliverkit/bundler/internal/config"
	"github.com/deliverkit/bundler/internal/fetch"
	"github.com/deliverkit/bundler/internal/localstore"
	"github.com/deliverkit/bundler/internal/model"
	"github.com/deliverkit/bundler/internal/store"
)

// Server hosts the bundle endpoints. The local store is nil unless the
// local storage backend is selected.
type Server struct {
	cfg    *config.Config
	svc    *bundle.Service
	local  *localstore.Store
	log    zerolog.Logger
	server *http.Server
	once   sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, svc *bundle.Service, local *localstore.Store, log zerolog.Logger) *Server {
	return &Server{cfg: cfg, svc: svc, local: local, log: log}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.routes(),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.Info().Str("address", s.cfg.Address).Msg("api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.corsMiddleware, s.loggingMiddleware)
	r.Get("/healthz", s.handleHealth)
	r.Route("/scopes/{scopeID}/bundles", func(r chi.Router) {
		r.Post("/", s.handleRequestBundle)
		r.Get("/stream", s.handleStream)
		r.Get("/{artifactID}", s.handleStatus)
	})
	if s.local != nil {
		r.Get("/download", s.handleDownload)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRequestBundle(w http.ResponseWriter, r *http.Request) {
	sel, err := model.ParseSelector(r.URL.Query().Get("selector"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.svc.RequestArtifact(r.Context(), chi.URLParam(r, "scopeID"), sel)
	if err != nil {
		if errors.Is(err, bundle.ErrNoMediaAvailable) {
			http.Error(w, "no media available for selection", http.StatusUnprocessableEntity)
			return
		}
		s.log.Error().Err(err).Msg("request bundle")
		http.Error(w, "failed to request bundle", http.StatusInternalServerError)
		return
	}
	status := http.StatusAccepted
	if res.Status.Terminal() {
		status = http.StatusOK
	}
	respondJSON(w, status, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Status(r.Context(), chi.URLParam(r, "scopeID"), chi.URLParam(r, "artifactID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "bundle not found", http.StatusNotFound)
			return
		}
		s.log.Error().Err(err).Msg("bundle status")
		http.Error(w, "failed to load status", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleStream is the uncached sibling: it fetches and zips straight into
// the response, no record, no dedup.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sel, err := model.ParseSelector(r.URL.Query().Get("selector"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	filename, files, err := s.svc.Direct(r.Context(), chi.URLParam(r, "scopeID"), sel)
	if err != nil {
		switch {
		case errors.Is(err, bundle.ErrNoMediaAvailable):
			http.Error(w, "no media available for selection", http.StatusUnprocessableEntity)
		case errors.Is(err, fetch.ErrNoFilesDownloaded):
			http.Error(w, "no files could be downloaded", http.StatusBadGateway)
		default:
			s.log.Error().Err(err).Msg("stream bundle")
			http.Error(w, "failed to stream bundle", http.StatusInternalServerError)
		}
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	if err := archive.Stream(w, files); err != nil {
		// Headers are gone; all we can do is log and drop the connection.
		s.log.Warn().Err(err).Msg("stream bundle aborted")
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	expires := r.URL.Query().Get("expires")
	signature := r.URL.Query().Get("signature")
	if key == "" || expires == "" || signature == "" {
		http.Error(w, "missing parameters", http.StatusBadRequest)
		return
	}
	expiryUnix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		http.Error(w, "invalid expires", http.StatusBadRequest)
		return
	}
	if time.Unix(expiryUnix, 0).Before(time.Now()) {
		http.Error(w, "url expired", http.StatusUnauthorized)
		return
	}
	if !s.local.Validate(key, expires, signature) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	f, err := s.local.Open(key)
	if err != nil {
		http.Error(w, "bundle unavailable", http.StatusNotFound)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, "bundle unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+info.Name()+`"`)
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// An encode failure here means the client went away mid-response.
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).Msg("request")
	})
}
