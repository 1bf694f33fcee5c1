// Package server wires Gatekeeper together: the admission gate in front of
// the login route and the backend proxy, and the admin server exposing
// health probes and Prometheus metrics.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/playbaseball/gatekeeper/internal/auth"
	"github.com/playbaseball/gatekeeper/internal/config"
	"github.com/playbaseball/gatekeeper/internal/events"
	"github.com/playbaseball/gatekeeper/internal/middleware"
	"github.com/playbaseball/gatekeeper/internal/observability"
	"github.com/playbaseball/gatekeeper/internal/proxy"
	"github.com/playbaseball/gatekeeper/internal/ratelimit"
	iredis "github.com/playbaseball/gatekeeper/internal/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

var notFoundBody = []byte(`{"status":404,"error":"Not Found","message":"No route for this path."}`)

// Server is the Gatekeeper process.
type Server struct {
	cfg     atomic.Pointer[config.Config]
	logger  *slog.Logger
	version string

	mainServer  *http.Server
	http3Server *http3.Server // nil when HTTP/3 is disabled.
	adminServer *http.Server
	certs       *certHolder         // nil when TLS is disabled.
	certWatcher *config.CertWatcher // nil when TLS is disabled.

	gate        *middleware.Gate
	memStore    *ratelimit.MemoryStore // nil with the redis backend.
	tokenCache  *auth.CachingValidator // nil when caching is disabled.
	backend     *proxy.Proxy           // nil when no backend is configured.
	redisClient iredis.Client          // nil when nothing uses redis.
	emitter     *events.Emitter        // nil when events are disabled.

	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown observability.ShutdownFunc
}

// New builds every component from cfg. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	s := &Server{
		logger:  logger,
		version: version,
		health:  observability.NewHealthChecker(),
		metrics: observability.NewMetrics(reg),
	}
	s.cfg.Store(cfg)

	if err := s.build(cfg); err != nil {
		s.closeComponents()
		return nil, err
	}

	s.adminServer = buildAdminServer(cfg, s.health, reg)
	return s, nil
}

func (s *Server) build(cfg *config.Config) error {
	if cfg.UsesRedis() {
		iredis.WarnInsecureRedis(cfg.Redis.TLS, s.logger)
		client, err := iredis.NewClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		s.redisClient = client
		s.health.SetDependency("redis", iredis.Pinger{Client: client})
	}

	validator, err := s.buildValidator(cfg.Auth.Token)
	if err != nil {
		return err
	}
	newResolver := func(ks config.KeyStrategyConfig) (*ratelimit.Resolver, error) {
		return ratelimit.NewResolver(ks, validator, ratelimit.WithInvalidTokenHook(s.metrics.IncTokenInvalid))
	}

	store, err := s.buildStore(cfg)
	if err != nil {
		return err
	}

	login, err := s.buildLogin(cfg)
	if err != nil {
		_ = store.Close()
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(auth.LoginPath, login)
	if cfg.Backend.URL != "" {
		s.backend, err = proxy.New(cfg.Backend, s.logger)
		if err != nil {
			_ = store.Close()
			return fmt.Errorf("create proxy: %w", err)
		}
		mux.Handle("/", s.backend)
	} else {
		mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
			middleware.WriteJSONError(w, http.StatusNotFound, notFoundBody)
		})
	}

	var gateOpts []middleware.Option
	s.emitter, err = events.NewEmitter(cfg.Events, s.logger, s.metrics)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("create event emitter: %w", err)
	}
	if s.emitter != nil {
		gateOpts = append(gateOpts, middleware.WithEvents(s.emitter, cfg.Events.IncludeAllowed))
		s.logger.Info("admission events enabled", "url", cfg.Events.URL)
	}

	s.gate, err = middleware.NewGate(cfg, mux, store, newResolver, s.metrics, s.logger, gateOpts...)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("create admission gate: %w", err)
	}

	if cfg.Server.TLS.Enabled {
		s.certs, err = newCertHolder(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		if err != nil {
			return err
		}
		s.certWatcher = config.NewCertWatcher(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, s.reloadCert, s.logger)
	}

	s.mainServer, s.http3Server = buildMainServer(cfg, s.gate, s.certs, s.logger)
	return nil
}

func (s *Server) buildValidator(cfg config.TokenConfig) (auth.Validator, error) {
	var v auth.Validator = auth.NewTokenValidator([]byte(cfg.Secret), cfg.Issuer)
	if !cfg.CacheEnabled {
		return v, nil
	}
	ttl, err := config.ParseDuration(cfg.CacheTTL, time.Minute)
	if err != nil {
		return nil, fmt.Errorf("auth.token.cache_ttl: %w", err)
	}
	s.tokenCache, err = auth.NewCachingValidator(v, ttl)
	if err != nil {
		return nil, fmt.Errorf("token cache: %w", err)
	}
	return s.tokenCache, nil
}

func (s *Server) buildStore(cfg *config.Config) (ratelimit.Store, error) {
	lim, err := ratelimit.LimitsFromConfig(cfg.RateLimit, s.logger)
	if err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	if cfg.RateLimit.Backend == config.StoreBackendRedis {
		timeout, err := config.ParseDuration(cfg.RateLimit.RedisTimeout, 50*time.Millisecond)
		if err != nil {
			return nil, fmt.Errorf("rate_limit.redis_timeout: %w", err)
		}
		return ratelimit.NewRedisStore(s.redisClient, lim, cfg.RateLimit.KeyPrefix, timeout, s.logger)
	}

	s.memStore, err = ratelimit.NewMemoryStore(lim,
		ratelimit.WithMaxKeys(cfg.RateLimit.MaxKeys),
		ratelimit.WithSweepHook(func(evicted, active int) {
			s.metrics.AddBucketsEvicted(evicted)
			s.metrics.SetBucketsActive(active)
		}),
	)
	if err != nil {
		return nil, err
	}
	return s.memStore, nil
}

func (s *Server) buildLogin(cfg *config.Config) (http.Handler, error) {
	creds := cfg.Auth.Credentials

	var store auth.CredentialStore
	if creds.Backend == config.CredentialBackendRedis {
		timeout := config.MustParseDuration(cfg.Redis.ReadTimeout, 3*time.Second)
		store = auth.NewRedisCredentialStore(s.redisClient, creds.KeyPrefix, timeout)
	} else {
		mem, err := auth.NewMemoryCredentialStore(creds.Users, creds.BcryptCost, s.logger)
		if err != nil {
			return nil, fmt.Errorf("credential store: %w", err)
		}
		store = mem
	}

	verifier, err := auth.NewVerifier(store, creds.BcryptCost, s.logger)
	if err != nil {
		return nil, fmt.Errorf("credential verifier: %w", err)
	}

	ttl, err := config.ParseDuration(cfg.Auth.Token.TTL, time.Hour)
	if err != nil {
		return nil, fmt.Errorf("auth.token.ttl: %w", err)
	}
	issuer := auth.NewTokenIssuer([]byte(cfg.Auth.Token.Secret), cfg.Auth.Token.Issuer, ttl)

	return auth.NewLoginHandler(verifier, issuer, s.metrics, s.logger), nil
}

func buildMainServer(cfg *config.Config, gate http.Handler, certs *certHolder, logger *slog.Logger) (*http.Server, *http3.Server) {
	readTimeout := config.MustParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout := config.MustParseDuration(cfg.Server.WriteTimeout, 30*time.Second)
	idleTimeout := config.MustParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	var tlsCfg *tls.Config
	if certs != nil {
		tlsCfg = &tls.Config{
			MinVersion:     tlsMinVersion(cfg),
			GetCertificate: certs.GetCertificate,
			NextProtos:     []string{"h2", "http/1.1"},
		}
	}

	mainHandler := gate
	if tlsCfg == nil {
		mainHandler = h2c.NewHandler(gate, &http2.Server{})
	}

	var h3srv *http3.Server
	if tlsCfg != nil && cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        gate,
			TLSConfig:      http3.ConfigureTLSConfig(tlsCfg.Clone()),
			MaxHeaderBytes: 1 << 20,
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false,
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := h3srv.SetQUICHeaders(w.Header()); err != nil {
				logger.Debug("failed to set Alt-Svc header", "error", err)
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		TLSConfig:         tlsCfg,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
	}
	if tlsCfg != nil {
		if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
			logger.Warn("http2 configuration failed, serving HTTP/1.1 only", "error", err)
		}
	}
	return srv, h3srv
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry) *http.Server {
	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       config.MustParseDuration(cfg.Admin.ReadTimeout, 5*time.Second),
		WriteTimeout:      config.MustParseDuration(cfg.Admin.WriteTimeout, 10*time.Second),
		IdleTimeout:       config.MustParseDuration(cfg.Admin.IdleTimeout, 30*time.Second),
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// certHolder swaps the serving certificate atomically.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new certificate from disk and atomically swaps it.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

// tlsMinVersion returns the tls.Config MinVersion from config, defaulting to TLS 1.2.
func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

func (s *Server) reloadCert(certFile, keyFile string) {
	if err := s.certs.Reload(certFile, keyFile); err != nil {
		s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		return
	}
	s.logger.Info("TLS certificate reloaded", "cert", certFile)
}

// Run binds both listeners, serves until ctx is canceled or a listener
// fails, then drains and shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.cfg.Load()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	mainLn, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		s.closeComponents()
		return fmt.Errorf("main server listen: %w", err)
	}
	adminLn, err := net.Listen("tcp", cfg.Admin.Address)
	if err != nil {
		_ = mainLn.Close()
		s.closeComponents()
		return fmt.Errorf("admin server listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if s.memStore != nil {
		interval := config.MustParseDuration(cfg.RateLimit.SweepInterval, 30*time.Second)
		s.memStore.StartSweeper(gctx, interval)
	}

	g.Go(func() error {
		s.logger.Info("admin server starting", "address", adminLn.Addr().String())
		return serveErr("admin server", s.adminServer.Serve(adminLn))
	})

	g.Go(func() error {
		s.logger.Info("gatekeeper server starting",
			"address", mainLn.Addr().String(),
			"backend", cfg.Backend.URL,
			"rate_limit_backend", cfg.RateLimit.Backend,
			"tls", cfg.Server.TLS.Enabled,
			"http3", s.http3Server != nil)
		if s.mainServer.TLSConfig != nil {
			return serveErr("main server", s.mainServer.Serve(tls.NewListener(mainLn, s.mainServer.TLSConfig)))
		}
		return serveErr("main server", s.mainServer.Serve(mainLn))
	})

	if s.http3Server != nil {
		g.Go(func() error {
			s.logger.Info("HTTP/3 (QUIC) server starting", "address", cfg.Server.Address)
			return serveErr("HTTP/3 server", s.http3Server.ListenAndServe())
		})
	}

	if s.certWatcher != nil {
		g.Go(func() error { return s.certWatcher.Start(gctx) })
	}

	s.health.SetStarted()
	s.health.SetReady()
	s.logger.Info("gatekeeper is ready", "version", s.version)

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutdown signal received, draining...")
		return s.shutdown()
	})

	return g.Wait()
}

func serveErr(name string, err error) error {
	if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// Reload applies the hot-swappable parts of newCfg: log level, bucket
// limits, key strategy, failure code and TLS certificates. Fields that need
// a restart are logged and otherwise ignored.
func (s *Server) Reload(newCfg *config.Config) error {
	old := s.cfg.Load()
	if fields := newCfg.RequiresRestart(old); len(fields) > 0 {
		s.logger.Warn("config changes require a restart and were not applied", "fields", fields)
	}

	if err := s.gate.Reload(newCfg); err != nil {
		return err
	}
	observability.SetLogLevel(newCfg.Logging.Level)

	if s.certs != nil && newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		s.reloadCert(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile)
	}

	s.cfg.Store(newCfg)
	return nil
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout := config.MustParseDuration(s.cfg.Load().Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.certWatcher != nil {
		s.certWatcher.Stop()
	}

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}
	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("main server shutdown error", "error", err)
	}
	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	s.closeComponents()

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// closeComponents releases everything New created. The gate closes the
// bucket store; the redis client is closed last because stores share it.
func (s *Server) closeComponents() {
	if s.gate != nil {
		if err := s.gate.Close(); err != nil {
			s.logger.Error("admission gate close error", "error", err)
		}
	}
	if s.emitter != nil {
		_ = s.emitter.Close()
	}
	if s.backend != nil {
		s.backend.Close()
	}
	if s.tokenCache != nil {
		s.tokenCache.Close()
	}
	if s.redisClient != nil {
		s.health.SetDependency("redis", nil)
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
}
