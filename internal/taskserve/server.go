// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package taskserve assembles the taskd server: the configured storage
// backend, the engine, the HTTP status API, Prometheus metrics, and the
// background janitor that sweeps expired idempotency keys.
package taskserve

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/innovationmech/tasks/internal/taskserve/config"
	"github.com/innovationmech/tasks/pkg/logger"
	"github.com/innovationmech/tasks/pkg/tasks"
	"github.com/innovationmech/tasks/pkg/tasks/engine"
	"github.com/innovationmech/tasks/pkg/tasks/monitoring"
	"github.com/innovationmech/tasks/pkg/tasks/storage"
)

// Server is the taskd server instance.
type Server struct {
	cfg      *config.ServerConfig
	engine   *engine.Engine
	store    tasks.Storage
	httpSrv  *http.Server
	registry *prometheus.Registry

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// NewServer builds a server from the configuration.
func NewServer(cfg *config.ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	store, err := buildStorage(cfg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	var collector *monitoring.PrometheusCollector
	if cfg.Metrics.Enabled {
		collector = monitoring.NewPrometheusCollector(registry)
	}

	engineCfg := &engine.Config{
		Storage:       store,
		KeyTTL:        cfg.Engine.KeyTTL,
		LeaseDuration: cfg.Engine.LeaseDuration,
	}
	if collector != nil {
		engineCfg.Metrics = collector
	}

	eng, err := engine.New(engineCfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	srv := &Server{
		cfg:         cfg,
		engine:      eng,
		store:       store,
		registry:    registry,
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	srv.httpSrv = &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: srv.buildRouter(),
	}
	return srv, nil
}

// Engine exposes the engine for handler registration before Start.
func (s *Server) Engine() *engine.Engine {
	return s.engine
}

// Start runs the HTTP listener and the janitor until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.runJanitor()

	errCh := make(chan error, 1)
	go func() {
		logger.GetLogger().Info("taskd server listening",
			zap.String("addr", s.httpSrv.Addr),
			zap.String("backend", s.cfg.Storage.Backend))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown stops the listener, the janitor, and the storage backend.
func (s *Server) Shutdown() error {
	close(s.janitorStop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.httpSrv.Shutdown(ctx)
	<-s.janitorDone
	if closeErr := s.engine.Close(); err == nil {
		err = closeErr
	}
	logger.GetLogger().Info("taskd server stopped")
	return err
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		if err := s.store.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "up"})
	})

	if s.cfg.Metrics.Enabled {
		exporter := monitoring.NewMetricsExporter(s.registry)
		router.GET("/metrics", gin.WrapH(exporter.HTTPHandler()))
	}

	api := monitoring.NewStatusAPI(s.engine)
	api.RegisterRoutes(router.Group("/api"))
	return router
}

// runJanitor periodically removes expired idempotency key records. Saga
// records are never swept.
func (s *Server) runJanitor() {
	defer close(s.janitorDone)

	interval := s.cfg.Engine.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.janitorStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			removed, err := s.store.CleanupExpired(ctx, time.Now())
			cancel()
			if err != nil {
				logger.GetLogger().Warn("expired key cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.GetLogger().Info("expired idempotency keys removed",
					zap.Int("count", removed))
			}
		}
	}
}

func buildStorage(cfg *config.ServerConfig) (tasks.Storage, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return storage.NewMemoryStorage(), nil
	case config.BackendRedis:
		return storage.NewRedisStorage(&storage.RedisConfig{
			Addr:        cfg.Storage.Redis.Addr,
			Password:    cfg.Storage.Redis.Password,
			DB:          cfg.Storage.Redis.DB,
			PoolSize:    cfg.Storage.Redis.PoolSize,
			KeyPrefix:   cfg.Storage.Redis.Prefix,
			DialTimeout: 5 * time.Second,
		})
	case config.BackendPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return storage.NewPostgresStorage(ctx, &storage.PostgresConfig{
			DSN:          cfg.Storage.Postgres.DSN,
			MaxOpenConns: cfg.Storage.Postgres.MaxOpenConns,
			AutoMigrate:  cfg.Storage.Postgres.AutoMigrate,
		})
	default:
		return nil, errors.New("unknown storage backend " + cfg.Storage.Backend)
	}
}
