// Package api exposes sync control and detection results over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/rollchain/internal/chains"
	"github.com/eddiefleurent/rollchain/internal/models"
	"github.com/eddiefleurent/rollchain/internal/pnl"
	"github.com/eddiefleurent/rollchain/internal/storage"
	syncer "github.com/eddiefleurent/rollchain/internal/sync"
)

// Syncer is the run control the server drives.
type Syncer interface {
	CheckUser(user string) error
	Trigger(user string, full bool) error
	Status(ctx context.Context, user string) (*models.SyncStatus, error)
}

var _ Syncer = (*syncer.Runner)(nil)

type Server struct {
	router    *chi.Mux
	server    *http.Server
	storage   storage.Interface
	syncer    Syncer
	logger    logrus.FieldLogger
	port      int
	authToken string
}

type Config struct {
	Port      int
	AuthToken string
}

// SummaryView combines chain and realized trade statistics for one user.
type SummaryView struct {
	Chains      models.Summary `json:"chains"`
	Trades      pnl.Stats      `json:"trades"`
	GeneratedAt time.Time      `json:"generated_at"`
}

type errorView struct {
	Error string `json:"error"`
}

func NewServer(cfg Config, store storage.Interface, runner Syncer, logger logrus.FieldLogger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		storage:   store,
		syncer:    runner,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/sync", s.handleListSync)

	s.router.Route("/users/{user}", func(r chi.Router) {
		r.Use(s.knownUser)
		r.Post("/sync", s.handleTriggerSync)
		r.Get("/sync", s.handleGetSync)
		r.Get("/chains", s.handleListChains)
		r.Get("/chains/{id}", s.handleGetChain)
		r.Get("/trades", s.handleListTrades)
		r.Get("/summary", s.handleSummary)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// knownUser rejects users outside the runner's configured set.
func (s *Server) knownUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.syncer.CheckUser(chi.URLParam(r, "user")); err != nil {
			s.writeSyncError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"took":       time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("HTTP request")
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting API server on port %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	full := false
	if v := r.URL.Query().Get("full"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "full must be a boolean")
			return
		}
		full = parsed
	}

	if err := s.syncer.Trigger(user, full); err != nil {
		s.writeSyncError(w, err)
		return
	}
	s.logger.WithFields(logrus.Fields{"user": user, "full": full}).Info("Sync triggered")
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"user":   user,
		"full":   full,
		"status": models.SyncProcessing,
	})
}

func (s *Server) handleGetSync(w http.ResponseWriter, r *http.Request) {
	st, err := s.syncer.Status(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		s.writeSyncError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListSync(w http.ResponseWriter, r *http.Request) {
	all, err := s.storage.ListSyncStatuses(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to list sync statuses")
		s.writeError(w, http.StatusInternalServerError, "failed to list sync statuses")
		return
	}
	out := make([]models.SyncStatus, 0, len(all))
	for _, st := range all {
		if s.syncer.CheckUser(st.UserID) == nil {
			out = append(out, st)
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListChains(w http.ResponseWriter, r *http.Request) {
	status := models.ChainStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.ChainActive, models.ChainClosed, models.ChainExpired:
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}

	list, err := s.storage.ListChains(r.Context(), chi.URLParam(r, "user"), status)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list chains")
		s.writeError(w, http.StatusInternalServerError, "failed to list chains")
		return
	}
	if list == nil {
		list = []models.Chain{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	chain, err := s.storage.GetChain(r.Context(), chi.URLParam(r, "user"), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "chain not found")
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to load chain")
		s.writeError(w, http.StatusInternalServerError, "failed to load chain")
		return
	}
	s.writeJSON(w, http.StatusOK, chain)
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.storage.ListTrades(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		s.logger.WithError(err).Error("Failed to list trades")
		s.writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	if trades == nil {
		trades = []models.MatchedTrade{}
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	list, err := s.storage.ListChains(r.Context(), user, "")
	if err != nil {
		s.logger.WithError(err).Error("Failed to list chains")
		s.writeError(w, http.StatusInternalServerError, "failed to build summary")
		return
	}
	trades, err := s.storage.ListTrades(r.Context(), user)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list trades")
		s.writeError(w, http.StatusInternalServerError, "failed to build summary")
		return
	}
	s.writeJSON(w, http.StatusOK, SummaryView{
		Chains:      chains.Summarize(list),
		Trades:      pnl.Summarize(trades),
		GeneratedAt: time.Now().UTC(),
	})
}

func (s *Server) writeSyncError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, syncer.ErrUnknownUser):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, syncer.ErrRunInProgress):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.WithError(err).Error("Sync request failed")
		s.writeError(w, http.StatusInternalServerError, "sync request failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorView{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
