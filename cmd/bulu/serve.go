package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mir00r/bulu/internal/config"
	"github.com/mir00r/bulu/internal/handler"
	"github.com/mir00r/bulu/internal/middleware"
	"github.com/mir00r/bulu/internal/routing"
	"github.com/mir00r/bulu/internal/server"
	"github.com/mir00r/bulu/internal/service"
	"github.com/mir00r/bulu/pkg/logger"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 60 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	path := configPath()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging.LoggerConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if limit, err := server.RaiseFileLimit(); err != nil {
		log.WithError(err).Warn("Could not raise open file limit")
	} else if limit > 0 {
		log.WithField("nofile", limit).Debug("Open file limit raised")
	}

	router, err := routing.FromConfig(cfg)
	if err != nil {
		return err
	}

	log.WithFields(map[string]interface{}{
		"version":     version,
		"config_file": path,
		"mode":        router.Mode(),
		"domains":     len(router.Pools()),
		"auth":        cfg.AuthEnabled(),
		"rate_limit":  cfg.RateLimit.Enabled(),
		"process":     getProcessInfo(),
	}).Info("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := service.NewMetrics()
	proxy := handler.NewProxyHandler(router, forwardConfig(cfg), metrics, log)

	healthChecker := service.NewHealthChecker(healthCheckConfig(cfg), func() []*service.Pool {
		return proxy.Router().Pools()
	}, metrics, log)
	reportProbe(log, healthChecker.ProbeAll(ctx))

	limiter := middleware.NewRateLimiter(cfg.RateLimit, metrics, log)
	auth := middleware.NewJWTAuth(cfg.JwtSecret, metrics, log)

	finalHandler := middleware.Chain(proxy,
		middleware.RecoveryMiddleware(log),
		middleware.LoggingMiddleware(log),
		auth.Middleware(),
		limiter.RateLimitMiddleware(),
	)

	srv := server.New(server.Config{
		Host:      cfg.Host,
		Proto:     cfg.Proto,
		PemPath:   cfg.PemPath,
		KeyPath:   cfg.KeyPath,
		Listeners: cfg.Listeners,
		MaxConns:  cfg.MaxConns,
	}, finalHandler, log)
	if err := srv.Start(); err != nil {
		return err
	}

	var adminServer *http.Server
	if cfg.Admin.Host != "" {
		adminServer, err = startAdmin(cfg.Admin.Host, handler.NewAdminHandler(proxy, metrics, version, log), log)
		if err != nil {
			return err
		}
	}

	if err := healthChecker.StartChecking(ctx); err != nil {
		log.WithError(err).Error("Failed to start health checker")
	}

	watcher := config.NewWatcher(path, cfg, log)
	watcher.Override(applyFlags)
	watcher.OnReload(reloader(ctx, reloadTargets{
		proxy:   proxy,
		limiter: limiter,
		auth:    auth,
		checker: healthChecker,
	}, cfg, log))
	go func() {
		if err := watcher.Run(ctx); err != nil {
			log.WithError(err).Warn("Configuration hot reload unavailable")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("Shutdown signal received")
	case serveErr = <-srv.Errors():
		log.WithError(serveErr).Error("Listener failed")
	}

	cancel()
	healthChecker.StopChecking()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Error shutting down admin server")
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error shutting down proxy server")
	}

	log.Info("Safe exit")
	return serveErr
}

// reloadTargets are the running components a new configuration is pushed to
type reloadTargets struct {
	proxy   *handler.ProxyHandler
	limiter *middleware.RateLimiter
	auth    *middleware.JWTAuth
	checker *service.HealthChecker
}

// reloader returns the watcher callback applying a new configuration. The
// returned func does not wait for the probe of the new pools.
func reloader(ctx context.Context, t reloadTargets, started *config.Config, log *logger.Logger) func(*config.Config) error {
	return func(newCfg *config.Config) error {
		newRouter, err := routing.FromConfig(newCfg)
		if err != nil {
			return err
		}

		old := t.proxy.SetRouter(newRouter)
		routing.CloseIdleConnections(old)
		t.proxy.SetForwardConfig(forwardConfig(newCfg))
		t.limiter.Update(newCfg.RateLimit)
		t.auth.SetSecret(newCfg.JwtSecret)
		go func() { reportProbe(log, t.checker.ProbeAll(ctx)) }()

		if newCfg.Host != started.Host || newCfg.Proto != started.Proto || newCfg.PemPath != started.PemPath || newCfg.KeyPath != started.KeyPath {
			log.Warn("Listener settings changed; restart bulu to apply them")
		}
		return nil
	}
}

func startAdmin(host string, admin *handler.AdminHandler, log *logger.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", host)
	if err != nil {
		return nil, fmt.Errorf("admin listen on %s: %w", host, err)
	}

	adminServer := &http.Server{
		Handler:           middleware.RecoveryMiddleware(log)(admin.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := adminServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.AdminLogger().WithError(err).Error("Admin server failed")
		}
	}()

	log.AdminLogger().WithField("address", ln.Addr().String()).Info("Admin API listening")
	return adminServer, nil
}

func forwardConfig(cfg *config.Config) handler.ForwardConfig {
	return handler.ForwardConfig{
		Timeout:    cfg.Timeout.Std(),
		MaxRetries: cfg.MaxRetries,
	}
}

func healthCheckConfig(cfg *config.Config) service.HealthCheckConfig {
	return service.HealthCheckConfig{
		Enabled:  cfg.HealthCheck.Enabled,
		Interval: cfg.HealthCheck.Interval.Std(),
		Timeout:  cfg.HealthCheck.Timeout.Std(),
		Path:     cfg.HealthCheck.Path,
	}
}

func reportProbe(log *logger.Logger, results []service.ProbeResult) {
	for _, res := range results {
		entry := log.NodeLogger(res.Node.Domain, res.Node.Name, res.Node.URL.String()).
			WithField("duration_ms", res.Duration.Milliseconds())
		if res.Err != nil {
			entry.WithError(res.Err).Warn("Node unreachable, starting out of rotation")
			continue
		}
		entry.Info("Node reachable")
	}
}
