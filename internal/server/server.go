package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sigengine/sigengine/internal/engine"
	"github.com/sigengine/sigengine/internal/store"
)

type Server struct {
	store     *store.SQLiteStore
	engineCfg engine.Config
	port      int
	logger    *zap.Logger
	router    *http.ServeMux
	startTime time.Time
}

// New builds the API server. A nil logger disables logging.
func New(s *store.SQLiteStore, engineCfg engine.Config, port int, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &Server{
		store:     s,
		engineCfg: engineCfg,
		port:      port,
		logger:    logger,
		router:    http.NewServeMux(),
		startTime: time.Now(),
	}

	srv.setupRoutes()
	return srv
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth)
	s.router.HandleFunc("/api/evaluate", s.handleEvaluate)
	s.router.HandleFunc("/api/plan", s.handlePlan)
	s.router.HandleFunc("/api/experiments", s.handleExperiments)
	s.router.HandleFunc("/api/experiments/", s.handleExperimentSubtree)
}

func (s *Server) Start() error {
	// Remember where we run so CLI commands can print reporting instructions
	url := fmt.Sprintf("http://localhost:%d", s.port)
	if err := s.store.SetSetting(context.Background(), "server_url", url); err != nil {
		s.logger.Warn("failed to record server url", zap.Error(err))
	}

	fmt.Println()
	fmt.Printf("sigengine running on %s\n", url)
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")

	return http.ListenAndServe(fmt.Sprintf(":%d", s.port), s.router)
}

func (s *Server) Store() *store.SQLiteStore {
	return s.store
}

func (s *Server) StartTime() time.Time {
	return s.startTime
}

func (s *Server) Handler() http.Handler {
	return s.router
}
