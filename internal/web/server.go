package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vitos/futures_guard/internal/domain"
	"go.uber.org/zap"
)

// HealthReporter is the watchdog's read side.
type HealthReporter interface {
	GetHealthStatus() domain.HealthStatus
}

// CapitalReader is the capital monitor's read side.
type CapitalReader interface {
	GetCapitalState(ctx context.Context) (*domain.CapitalState, error)
}

// Server exposes read-only status endpoints. Control actions stay on the CLI.
type Server struct {
	router  *http.ServeMux
	server  *http.Server
	health  HealthReporter
	capital CapitalReader
	ledger  domain.Ledger
	metrics http.Handler
	logger  *zap.Logger
}

func NewServer(
	port int,
	health HealthReporter,
	capital CapitalReader,
	ledger domain.Ledger,
	metrics http.Handler,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router:  http.NewServeMux(),
		health:  health,
		capital: capital,
		ledger:  ledger,
		metrics: metrics,
		logger:  logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	// Health
	s.router.HandleFunc("GET /healthz", s.handleHealth)

	// Capital
	s.router.HandleFunc("GET /capital", s.handleCapital)

	// Positions
	s.router.HandleFunc("GET /positions", s.handlePositions)

	// Prometheus
	if s.metrics != nil {
		s.router.Handle("GET /metrics", s.metrics)
	}
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting status server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
