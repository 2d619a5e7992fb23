// Package service composes the relay engine with its operational surface.
package service

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/streamgrid/relay-server/pkg/config"
	"github.com/streamgrid/relay-server/pkg/logger"
	"github.com/streamgrid/relay-server/pkg/relay"
	"github.com/streamgrid/relay-server/pkg/telemetry"
)

type Server struct {
	conf     *config.Config
	logger   *zap.SugaredLogger
	registry *relay.Registry

	metricsServer *http.Server
}

func NewServer(conf *config.Config, gateway relay.Gateway, acquirer relay.SourceAcquirer) *Server {
	s := &Server{
		conf:     conf,
		logger:   logger.GetLogger("service"),
		registry: relay.NewRegistry(conf, gateway, acquirer),
	}
	if conf.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		s.metricsServer = &http.Server{
			Addr:    conf.MetricsAddr,
			Handler: mux,
		}
	}
	return s
}

func (s *Server) Registry() *relay.Registry { return s.registry }

// Run blocks until the context is cancelled, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	if s.metricsServer != nil {
		group.Go(func() error {
			s.logger.Infow("metrics listening", "addr", s.conf.MetricsAddr)
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		s.shutdown()
		return nil
	})

	return group.Wait()
}

func (s *Server) shutdown() {
	s.logger.Infow("shutting down")
	s.registry.Close()
	if s.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.metricsServer.Shutdown(ctx)
	}
}
