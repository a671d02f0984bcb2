package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/store"
)

// RelayServer hosts the websocket endpoint and the admin surface.
type RelayServer struct {
	cfg      config.Config
	log      *zap.Logger
	store    store.Store
	provider auth.Provider

	httpServer *http.Server
	adminHTTP  *http.Server
	router     *Router
	upgrader   websocket.Upgrader
	metrics    *routerMetrics
	ready      atomic.Bool
}

// NewRelayServer constructs a server with its dependencies.
func NewRelayServer(cfg config.Config, logger *zap.Logger, st store.Store, provider auth.Provider) *RelayServer {
	if st == nil {
		st = store.NewMemoryStore()
	}
	return &RelayServer{
		cfg:      cfg,
		log:      logger,
		store:    st,
		provider: provider,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Router exposes the message router for tests.
func (s *RelayServer) Router() *Router {
	return s.router
}

// Start boots the websocket server and blocks until shutdown.
func (s *RelayServer) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	s.metrics = newRouterMetrics(reg)
	s.startAdminServer(reg)

	s.router = NewRouter(s.log, s.store, s.provider, RouterOptions{
		Metrics:      s.metrics,
		HistoryLimit: s.cfg.HistoryLimit,
		AuthTimeout:  s.cfg.AuthTimeout,
	})

	m := mux.NewRouter()
	m.HandleFunc("/ws", s.handleWS(ctx)).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           m,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("relay listening", zap.String("address", s.cfg.ListenAddress))
	s.ready.Store(true)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve relay: %w", err)
	}
	return nil
}

func (s *RelayServer) handleWS(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		go s.router.HandleConn(ctx, conn)
	}
}

func (s *RelayServer) startAdminServer(reg *prometheus.Registry) {
	if s.cfg.Admin.Address == "" {
		return
	}

	m := mux.NewRouter()
	m.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	m.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	m.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.Admin.Address,
		Handler:           m,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.Admin.Address))
}

// Shutdown attempts a graceful stop before forcing termination.
func (s *RelayServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Warn("graceful shutdown timed out; forcing close")
		_ = s.httpServer.Close()
		return
	}
	s.log.Info("relay server stopped")
}
