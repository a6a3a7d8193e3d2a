package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pulsegate/pulsegate/internal/config"
	errwrap "github.com/pulsegate/pulsegate/internal/errors"
	"github.com/pulsegate/pulsegate/internal/identity"
	"github.com/pulsegate/pulsegate/internal/inactivity"
	"github.com/pulsegate/pulsegate/internal/observability"
	"github.com/pulsegate/pulsegate/internal/server"
	"github.com/pulsegate/pulsegate/internal/server/handlers"
	"github.com/pulsegate/pulsegate/internal/session"
)

var (
	serverPort int
	serverHost string
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

// identityHealthChecker reports whether sessions can be signed out at the provider.
type identityHealthChecker struct {
	client *identity.Client
}

func (i identityHealthChecker) CheckHealth(ctx context.Context) error {
	if !i.client.Configured() {
		return errwrap.NewConfigInvalidError("identity provider not configured")
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the HTTP server with graceful shutdown support.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Re-read and validate the config file

The server stops accepting requests, unmounts every session controller,
closes the record stores and flushes logs on shutdown.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	overrides := map[string]any{}
	if cmd.Flags().Changed("host") {
		overrides["server"] = map[string]any{"host": serverHost}
	}
	if cmd.Flags().Changed("port") {
		serverSection, _ := overrides["server"].(map[string]any)
		if serverSection == nil {
			serverSection = map[string]any{}
		}
		serverSection["port"] = serverPort
		overrides["server"] = serverSection
	}

	cfg, err := config.Load(ctx, overrides)
	if err != nil {
		return errwrap.WrapConfigInvalid(ctx, err, "config load failed")
	}

	if err := observability.InitServerLogger(observability.ServerLoggerOptions{
		Service:   config.AppName,
		Level:     cfg.Logging.Level,
		Profile:   cfg.Logging.Profile,
		Namespace: config.AppName,
	}); err != nil {
		return errwrap.WrapConfigInvalid(ctx, err, "logger initialization failed")
	}
	logger := observability.ServerLogger

	if cfg.Metrics.Enabled {
		if err := observability.InitMetrics(config.AppName, cfg.Metrics.Port); err != nil {
			logger.Error("Failed to initialize metrics", zap.Error(err))
			return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
		}
	}

	db, err := openStore(ctx, cfg)
	if err != nil {
		return errwrap.WrapInternal(ctx, err, "store initialization failed")
	}

	records, ownsRecords, err := openRecordBackend(ctx, cfg, db)
	if err != nil {
		_ = db.Close()
		return errwrap.WrapServiceUnavailable(ctx, err, "rate limit backend unavailable")
	}

	limiter, err := newRateLimiter(cfg, records)
	if err != nil {
		_ = db.Close()
		return errwrap.WrapConfigInvalid(ctx, err, "rate limiter configuration failed")
	}

	identityClient := identity.NewClient(cfg.Identity.BaseURL, cfg.Identity.APIKey, cfg.Identity.Timeout)
	verifier := identity.NewTokenVerifier(cfg.Identity.JWTSecret, cfg.Identity.JWTAudience)

	var signOuter session.SignOuter
	if identityClient.Configured() {
		signOuter = identityClient
	} else {
		logger.Warn("Identity provider not configured; sessions are revoked locally only")
	}

	sessions := session.NewManager(db, signOuter, inactivity.Options{
		ReminderTimeout:    cfg.Session.ReminderTimeout,
		LogoutTimeout:      cfg.Session.LogoutTimeout,
		ActivityThrottle:   cfg.Session.ActivityThrottle,
		WarningAutoDismiss: cfg.Session.WarningDismiss,
		SignInRoute:        cfg.Session.SignInRoute,
		InvalidateTimeout:  cfg.Session.InvalidateTimeout,
	}, logger)

	logger.Info("Initializing server",
		zap.String("service", config.AppName),
		zap.String("version", versionInfo.Version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("rate_limit_backend", cfg.RateLimit.Backend),
		zap.Bool("rate_limit_atomic", cfg.RateLimit.Atomic),
		zap.Duration("reminder_timeout", cfg.Session.ReminderTimeout),
		zap.Duration("logout_timeout", cfg.Session.LogoutTimeout))

	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("store", db)
	if ownsRecords {
		hm.RegisterChecker("redis", records)
	}
	if cfg.Metrics.Enabled {
		hm.RegisterOptionalChecker("telemetry", telemetryHealthChecker{})
	}
	hm.RegisterOptionalChecker("identity", identityHealthChecker{client: identityClient})

	handlers.SetServiceInfo(handlers.ServiceInfo{
		Name:             config.AppName,
		RecordStore:      cfg.RateLimit.Backend,
		AtomicReserve:    cfg.RateLimit.Atomic,
		Operations:       limiter.Operations(),
		IdentityProvider: identityClient.Configured(),
	})
	srv := server.New(cfg.Server, server.Dependencies{
		Limiter:  limiter,
		Sessions: sessions,
		Verifier: verifier,
	})

	shutdownTimeout := config.DurationOrDefault(cfg.Server.ShutdownTimeout, 10*time.Second)

	// Register graceful shutdown handlers (LIFO order - last registered, first executed)
	signals.OnShutdown(func(ctx context.Context) error {
		logger.Info("Flushing logger...")
		if err := logger.Sync(); err != nil {
			// Sync errors are often benign (stdout/stderr already closed)
			logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
		}
		return nil
	})

	signals.OnShutdown(func(ctx context.Context) error {
		if err := observability.ShutdownMetrics(); err != nil {
			logger.Warn("Prometheus exporter stop returned error", zap.Error(err))
		}
		return nil
	})

	signals.OnShutdown(func(ctx context.Context) error {
		var errs []error
		if ownsRecords {
			errs = append(errs, records.Close())
		}
		errs = append(errs, db.Close())
		if err := errors.Join(errs...); err != nil {
			return errwrap.WrapInternal(ctx, err, "store close failed")
		}
		logger.Info("Stores closed")
		return nil
	})

	signals.OnShutdown(func(ctx context.Context) error {
		logger.Info("Stopping session controllers", zap.Int("active", sessions.Active()))
		sessions.Shutdown()
		return nil
	})

	signals.OnShutdown(func(ctx context.Context) error {
		logger.Info("Shutting down HTTP server...")
		hm.SetDraining(true)
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errwrap.WrapInternal(ctx, err, "server shutdown failed")
		}

		logger.Info("HTTP server stopped gracefully")
		return nil
	})

	// SIGHUP re-validates the config; running components keep their settings until restart.
	signals.OnReload(func(ctx context.Context) error {
		logger.Info("Received SIGHUP: validating configuration")
		reloaded, err := config.Load(ctx, overrides)
		if err != nil {
			logger.Error("Config reload failed", zap.Error(err))
			return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
		}
		logger.Info("Configuration is valid; restart to apply changes",
			zap.String("rate_limit_backend", reloaded.RateLimit.Backend))
		return nil
	})

	if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
		Window:  2 * time.Second,
		Message: "Press Ctrl+C again within 2 seconds to force quit",
	}); err != nil {
		logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
	}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go func() {
		if err := signals.Listen(ctx); err != nil {
			logger.Error("Signal handler error", zap.Error(err))
			errChan <- err
		}
	}()

	if err := <-errChan; err != nil {
		return errwrap.WrapInternal(ctx, err, "server error")
	}

	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host (overrides server.host)")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port (overrides server.port)")
}
