package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/adred-codev/notify-ws/internal/registry"
	"github.com/adred-codev/notify-ws/internal/store"
)

// Stats are the coarse counters the health endpoint reports.
type Stats struct {
	TotalConnections   int64
	CurrentConnections int64
	MemoryRSS          int64 // bytes, sampled
	StartTime          time.Time
}

// Server wires the delivery core together: session manager, dispatcher,
// pump feeders, registry and store clients, and the HTTP surface
// (WebSocket upgrade, health, metrics).
type Server struct {
	config *Config
	logger zerolog.Logger

	listener   net.Listener
	httpServer *http.Server

	redis    interface{ Close() error }
	registry *registry.Registry
	store    *store.Store

	sessions   *SessionManager
	dispatcher *Dispatcher
	responder  *Responder
	pump       *Pump
	workerPool *WorkerPool

	metricsCollector *MetricsCollector

	connectionsSem chan struct{}

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown int32

	stats *Stats
}

// NewServer constructs every component with explicit dependency wiring.
// It fails when the store is unreachable at startup or the listen address
// has no port. The Redis client is created without a connectivity check,
// so an unreachable registry is not detected here.
func NewServer(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Server, error) {
	serverCtx, cancel := context.WithCancel(ctx)

	redisClient := registry.NewClient(registry.Options{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		Scheme:   cfg.RedisScheme,
		Cluster:  cfg.RedisCluster,
	})

	reg, err := registry.New(redisClient, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create registry: %w", err)
	}

	initCtx, initCancel := context.WithTimeout(serverCtx, 10*time.Second)
	defer initCancel()

	st, err := store.New(initCtx, store.Config{
		URL:           cfg.DatabaseURL,
		ReadPoolSize:  cfg.DBReadPoolSize,
		WritePoolSize: cfg.DBWritePoolSize,
	}, logger)
	if err != nil {
		cancel()
		redisClient.Close()
		return nil, fmt.Errorf("create store: %w", err)
	}

	self, err := serverIdentity(cfg.Addr)
	if err != nil {
		cancel()
		redisClient.Close()
		st.Close()
		return nil, err
	}

	workerCount := cfg.TaskWorkers
	if workerCount <= 0 {
		workerCount = 2 * runtime.GOMAXPROCS(0)
	}

	s := &Server{
		config:         cfg,
		logger:         logger,
		redis:          redisClient,
		registry:       reg,
		store:          st,
		connectionsSem: make(chan struct{}, cfg.MaxConnections),
		ctx:            serverCtx,
		cancel:         cancel,
		stats:          &Stats{StartTime: time.Now()},
	}

	s.sessions = NewSessionManager(self, reg, cfg.HeartbeatIdle, logger)
	s.dispatcher = NewDispatcher(self, reg, s.sessions, st, logger)
	s.responder = NewResponder(st, logger)
	s.workerPool = NewWorkerPool(workerCount, cfg.TaskQueueSize, logger)
	s.pump = NewPump(reg, s.dispatcher, st, s.workerPool, cfg.PollInterval, logger)
	s.metricsCollector = NewMetricsCollector(s)

	logger.Info().
		Str("addr", cfg.Addr).
		Str("server_identity", self).
		Int("max_connections", cfg.MaxConnections).
		Int("task_workers", workerCount).
		Dur("heartbeat_idle", cfg.HeartbeatIdle).
		Dur("poll_interval", cfg.PollInterval).
		Msg("Server initialized")

	return s, nil
}

// serverIdentity derives "hostname:port" — the identity handles pair with
// in the distributed registry.
func serverIdentity(addr string) (string, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("resolve hostname: %w", err)
	}
	return net.JoinHostPort(hostname, port), nil
}

// Start opens the listener (TLS when cert and key are both readable) and
// launches the pump feeders and monitors.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	if s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
		if err != nil {
			// Unreadable cert material means plaintext, not a dead server.
			s.logger.Warn().
				Err(err).
				Str("cert", s.config.TLSCertFile).
				Str("key", s.config.TLSKeyFile).
				Msg("TLS material unreadable, serving plaintext")
		} else {
			listener = tls.NewListener(listener, &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			})
			s.logger.Info().Msg("TLS enabled")
		}
	}
	s.listener = listener

	s.logger.Info().Str("address", s.config.Addr).Msg("Server listening")

	s.workerPool.Start(s.ctx)
	s.pump.Start(s.ctx)
	s.metricsCollector.Start(s.config.MetricsInterval)

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", handleMetrics)

	s.httpServer = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.wg.Add(1)
	go s.sampleMemory()

	s.wg.Add(1)
	go s.runReaper()

	return nil
}

// runReaper periodically retries registry cleanups that failed on the
// close path.
func (s *Server) runReaper() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.HeartbeatCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sessions.retryCleanup(s.ctx)
		}
	}
}

// sampleMemory tracks process RSS for the health endpoint and gauge.
func (s *Server) sampleMemory() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to get process info")
		return
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if memInfo, err := proc.MemoryInfo(); err == nil {
				atomic.StoreInt64(&s.stats.MemoryRSS, int64(memInfo.RSS))
			}
		}
	}
}

// handleHealth reports liveness of the core and its two dependencies.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	checkCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	redisHealthy := true
	if _, err := s.registry.OfflineLen(checkCtx, "healthcheck"); err != nil {
		redisHealthy = false
	}

	dbHealthy := s.store.Ping(checkCtx) == nil

	status := "healthy"
	statusCode := http.StatusOK
	if !redisHealthy || !dbHealthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	currentConns := atomic.LoadInt64(&s.stats.CurrentConnections)

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": map[string]any{
			"registry": map[string]any{"healthy": redisHealthy},
			"database": map[string]any{"healthy": dbHealthy},
			"capacity": map[string]any{
				"current": currentConns,
				"max":     s.config.MaxConnections,
			},
		},
		"memory_rss_bytes": atomic.LoadInt64(&s.stats.MemoryRSS),
		"goroutines":       runtime.NumGoroutine(),
		"uptime_seconds":   time.Since(s.stats.StartTime).Seconds(),
	})
}

// Shutdown drains gracefully: stop accepting, stop the feeders, give live
// connections a grace period, then force-close the rest.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")

	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.httpServer.Shutdown(shutdownCtx)
		cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}

	// Stop feeders before tearing down sessions so no new deliveries race
	// the drain.
	s.cancel()
	s.pump.Wait()

	grace := 10 * time.Second
	drainTimer := time.NewTimer(grace)
	checkTicker := time.NewTicker(time.Second)
	defer drainTimer.Stop()
	defer checkTicker.Stop()

	s.logger.Info().
		Int64("active_connections", atomic.LoadInt64(&s.stats.CurrentConnections)).
		Dur("grace_period", grace).
		Msg("Draining active connections")

drain:
	for {
		select {
		case <-drainTimer.C:
			break drain
		case <-checkTicker.C:
			if s.sessions.count() == 0 {
				break drain
			}
		}
	}

	s.sessions.closeAll(1001, "server shutting down")

	s.logger.Info().Msg("Stopping worker pool")
	s.workerPool.Stop()
	s.metricsCollector.Stop()

	s.wg.Wait()

	s.store.Close()
	if err := s.redis.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Redis client close failed")
	}

	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}
