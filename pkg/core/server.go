package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/commatea/uartbridge/pkg/config"
	"github.com/commatea/uartbridge/pkg/logger"
	"github.com/commatea/uartbridge/pkg/metrics"
)

// Server ties the registry, the TCP listener and the optional metrics
// HTTP endpoint together (SPEC_FULL.md §5), the bridge-domain analogue of
// the teacher's core.Engine.
type Server struct {
	cfg *config.Config
	log *logger.Logger

	reg      *Registry
	listener *Listener
	metrics  *http.Server
}

// New builds a Server from a loaded configuration. It does not bind any
// sockets; call Run for that.
func New(cfg *config.Config, log *logger.Logger) *Server {
	return &Server{
		cfg: cfg,
		log: log,
		reg: NewRegistry(),
	}
}

// Run binds the TCP listener (and, if enabled, the metrics endpoint),
// serves until ctx is cancelled or a client issues the X command, then
// shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	rc := RuntimeConfig{
		EthRecvSize: s.cfg.EthRecvSize,
		EthPoll:     s.cfg.EthPoll(),
		SerRecvSize: s.cfg.SerRecvSize,
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := Listen(addr, s.reg, rc, s.log)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = ln
	s.log.Info("listening", slog.String("addr", ln.Addr().String()))

	if s.cfg.Metrics.Enabled {
		s.metrics = &http.Server{Addr: s.cfg.Metrics.Bind, Handler: metrics.NewHandler()}
		go func() {
			s.log.Info("metrics endpoint listening", slog.String("addr", s.cfg.Metrics.Bind))
			if err := s.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Error("metrics server stopped", slog.Any("err", err))
			}
		}()
	}

	go ln.Serve()

	select {
	case <-ctx.Done():
		s.log.Info("shutting down")
	case <-s.reg.ShutdownRequested():
		s.log.Info("shutdown requested via control protocol")
	}
	s.Stop()
	return nil
}

// Stop tears down the listener, every channel and UART, and the metrics
// endpoint. Safe to call once after Run's context is cancelled.
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.reg.ShutdownAll()
	if s.listener != nil {
		s.listener.Wait()
	}
	if s.metrics != nil {
		s.metrics.Shutdown(context.Background())
	}
}

// Registry exposes the server's channel/UART registry, chiefly for tests.
func (s *Server) Registry() *Registry { return s.reg }
