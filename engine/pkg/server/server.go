package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tannatlabs/stakevault/engine/pkg/stake"
)

// Server exposes the engine's read API plus health, version, and metrics
// endpoints. All mutations flow through the engine's own API; the HTTP
// surface is read-only.
type Server struct {
	log     *slog.Logger
	cfg     Config
	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log: cfg.Logger,
		cfg: cfg,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.healthzHandler)
	r.Get("/readyz", s.readyzHandler)
	r.Get("/version", s.versionHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/global", s.globalHandler)
		r.Get("/tiers", s.tiersHandler)
		r.Get("/positions/{owner}", s.positionsHandler)
		r.Get("/positions/{owner}/{seed}", s.positionHandler)
		r.Get("/receipts/{owner}", s.receiptsHandler)
		r.Get("/submissions/failed", s.failedSubmissionsHandler)
	})

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "address", s.cfg.ListenAddr)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		return nil
	case err := <-serveErrCh:
		s.log.Error("server: http server error causing shutdown", "error", err)
		return err
	}
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write healthz response", "error", err)
	}
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil && !s.cfg.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("not ready\n")); err != nil {
			s.log.Error("failed to write readyz response", "error", err)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
}

func (s *Server) globalHandler(w http.ResponseWriter, r *http.Request) {
	g := s.cfg.Engine.Global()
	s.writeJSON(w, http.StatusOK, globalView{
		Epoch:             g.Epoch,
		EpochStartTs:      g.EpochStartTs,
		WeeklyEmission:    g.WeeklyEmission,
		TotalStaked:       g.TotalStaked,
		TotalStakingPower: g.TotalStakingPower,
		RewardPoolBalance: g.RewardPoolBalance,
		Paused:            g.Paused,
	})
}

func (s *Server) tiersHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.Tiers.Active())
}

func (s *Server) positionsHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.parseOwner(w, r)
	if !ok {
		return
	}

	positions := s.cfg.Engine.PositionsByOwner(owner)
	out := make([]positionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, newPositionView(p))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) positionHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.parseOwner(w, r)
	if !ok {
		return
	}

	p, err := s.cfg.Engine.Position(owner, chi.URLParam(r, "seed"))
	if err != nil {
		if errors.Is(err, stake.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "position not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, newPositionView(p))
}

func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.parseOwner(w, r)
	if !ok {
		return
	}

	receipts := s.cfg.Engine.ReceiptsByOwner(owner)
	out := make([]receiptView, 0, len(receipts))
	for _, rec := range receipts {
		out = append(out, newReceiptView(rec))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) failedSubmissionsHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Queue == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.cfg.Queue.Failed())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to write json response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
