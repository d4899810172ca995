// Package ops serves the operational HTTP surface: liveness, Prometheus
// metrics, and a JSON view of the live market-data subscriptions.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tickflow/internal/config"
	"tickflow/internal/feed"
)

// SubscriptionLister exposes the feed's live subscription table.
type SubscriptionLister interface {
	ListSubscriptions() []feed.SubscriptionStatus
}

// Server is the operational HTTP listener.
type Server struct {
	feed   SubscriptionLister
	server *http.Server
	logger *slog.Logger
}

func NewServer(cfg config.OpsConfig, lister SubscriptionLister, logger *slog.Logger) *Server {
	s := &Server{
		feed:   lister,
		logger: logger.With("component", "ops"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/subscriptions", s.handleSubscriptions)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until Stop. It blocks; callers run it in a goroutine.
func (s *Server) Start() error {
	s.logger.Info("ops server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests with a bounded grace period.
func (s *Server) Stop() error {
	s.logger.Info("stopping ops server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, _ *http.Request) {
	subs := s.feed.ListSubscriptions()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(subs); err != nil {
		s.logger.Error("failed to encode subscriptions", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
