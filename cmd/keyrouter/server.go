package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/BaSui01/keyrouter/config"
	"github.com/BaSui01/keyrouter/internal/database"
	"github.com/BaSui01/keyrouter/internal/metrics"
	"github.com/BaSui01/keyrouter/internal/server"
	"github.com/BaSui01/keyrouter/router"
	"github.com/BaSui01/keyrouter/usage"
)

// Server assembles the daemon: the router core, usage persistence, the
// status listener, and the metrics listener.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	db          *gorm.DB
	redisClient *redis.Client
	store       *usage.Store
	router      *router.Router

	statusManager  *server.Manager
	metricsManager *server.Manager

	cancel context.CancelFunc
}

// NewServer wires all components from configuration. The database and
// Redis are optional at runtime: without them the daemon still routes,
// but usage counters do not survive a restart.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger}

	collector := metrics.NewCollector("keyrouter", logger)

	routerOpts := []router.Option{
		router.WithLogger(logger),
		router.WithMetrics(collector),
	}

	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		logger.Warn("Database not available, usage persistence disabled", zap.Error(err))
	} else {
		if err := usage.Migrate(db); err != nil {
			database.Close(db)
			return nil, fmt.Errorf("usage table migration: %w", err)
		}
		s.db = db

		storeOpts := []usage.StoreOption{usage.WithStoreLogger(logger)}
		if cfg.Redis.Addr != "" {
			s.redisClient = redis.NewClient(&redis.Options{
				Addr:         cfg.Redis.Addr,
				Password:     cfg.Redis.Password,
				DB:           cfg.Redis.DB,
				PoolSize:     cfg.Redis.PoolSize,
				MinIdleConns: cfg.Redis.MinIdleConns,
			})
			storeOpts = append(storeOpts, usage.WithMirror(usage.NewMirror(s.redisClient, logger)))
			logger.Info("Redis usage mirror enabled", zap.String("addr", cfg.Redis.Addr))
		}
		s.store = usage.NewStore(db, storeOpts...)
		routerOpts = append(routerOpts, router.WithUsageSink(s.store))
	}

	rt, err := router.New(cfg.Router, routerOpts...)
	if err != nil {
		if s.store != nil {
			s.store.Close()
		}
		if s.db != nil {
			database.Close(s.db)
		}
		return nil, err
	}
	s.router = rt

	return s, nil
}

// Start restores usage counters, launches the reset scheduler, and brings
// up both HTTP listeners.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.store != nil {
		seedCtx, seedCancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.router.Seed(seedCtx, s.store)
		seedCancel()
		if err != nil {
			// A failed restore means quotas refill early, not that routing
			// is broken. Log loudly and continue.
			s.logger.Error("Failed to restore usage counters", zap.Error(err))
		}
	}

	s.router.Start(ctx)

	if err := s.startStatusServer(); err != nil {
		return fmt.Errorf("status server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("persistence", s.store != nil),
	)
	return nil
}

func (s *Server) startStatusServer() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/status/keys", s.handleStatusKeys)
	mux.HandleFunc("/version", s.handleVersion)

	s.statusManager = server.NewManager(mux, s.listenerConfig(s.cfg.Server.HTTPPort), s.logger)
	return s.statusManager.Start()
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux, s.listenerConfig(s.cfg.Server.MetricsPort), s.logger)
	return s.metricsManager.Start()
}

func (s *Server) listenerConfig(port int) server.Config {
	cfg := server.DefaultConfig()
	cfg.Addr = fmt.Sprintf(":%d", port)
	if s.cfg.Server.ReadTimeout > 0 {
		cfg.ReadTimeout = s.cfg.Server.ReadTimeout
	}
	if s.cfg.Server.WriteTimeout > 0 {
		cfg.WriteTimeout = s.cfg.Server.WriteTimeout
	}
	if s.cfg.Server.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = s.cfg.Server.ShutdownTimeout
	}
	return cfg
}

// handleHealthz is the liveness probe: 200 while the process serves.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus reports per-provider capacity.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": s.router.Health(),
		"tasks":     s.router.Tasks(),
	})
}

// handleStatusKeys reports the full per-key snapshot. Secrets are never
// part of the snapshot types, so this endpoint cannot leak them.
func (s *Server) handleStatusKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.Stats())
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WaitForShutdown blocks until SIGINT/SIGTERM or a listener failure, then
// shuts everything down in dependency order.
func (s *Server) WaitForShutdown() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range []*server.Manager{s.statusManager, s.metricsManager} {
		m := m
		g.Go(func() error {
			select {
			case err := <-m.Errors():
				return fmt.Errorf("listener %s: %w", m.Addr(), err)
			case <-gctx.Done():
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		s.logger.Error("Server exited unexpectedly", zap.Error(err))
	}

	s.Shutdown()
}

// Shutdown stops components in reverse start order: listeners first so no
// new work arrives, then the reset loop, then the usage store so buffered
// counter writes flush before the database closes.
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")
	ctx := context.Background()

	if s.statusManager != nil {
		if err := s.statusManager.Shutdown(ctx); err != nil {
			s.logger.Error("Status server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	s.router.Stop()
	if s.cancel != nil {
		s.cancel()
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("Usage store close error", zap.Error(err))
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Redis close error", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Error("Database close error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
