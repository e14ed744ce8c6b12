package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	authzecho "go.pilab.hu/authz/api/echo"
	"go.pilab.hu/authz/internal/audit"
	"go.pilab.hu/authz/internal/auth"
	"go.pilab.hu/authz/internal/metrics"
	"go.pilab.hu/authz/internal/session"
	applog "go.pilab.hu/authz/log"
	"go.pilab.hu/authz/services"
	"go.pilab.hu/authz/tracing"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authorization server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	appLogger.Info(ctx, "starting authz server", applog.Fields{
		"http_port":         cfg.HTTPPort,
		"store_backend":     cfg.StoreBackend,
		"directory_backend": cfg.DirectoryBackend,
		"log_level":         cfg.LogLevel,
		"tracing":           cfg.TracingEnabled,
		"metrics":           cfg.MetricsEnabled,
	})

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracerProvider(cfg.OtelServiceName)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				appLogger.Error(context.Background(), "tracer provider shutdown error", err)
			}
		}()
	}

	b := newBackends(cfg, appLogger)
	defer b.Close()

	store, err := b.TokenStore(ctx)
	if err != nil {
		return err
	}
	dir, watchDirectory, err := b.Directory(ctx)
	if err != nil {
		return err
	}
	cdc, err := b.Codec(ctx, time.Now)
	if err != nil {
		return err
	}
	appLogger.Info(ctx, "signing key ready", applog.Fields{"kid": cdc.KeyID()})

	sessions := session.NewStore(cfg.SessionLifetime())
	defer sessions.Close()
	transactions := session.NewTransactions(cfg.TransactionLifetime())
	defer transactions.Close()

	validator := services.NewValidator(dir, auth.NewBcryptPasswordHasher(bcrypt.DefaultCost))
	tokens := services.NewTokenService(cdc, store, services.Lifetimes{
		AccessToken:       cfg.AccessTokenLifetime(),
		AuthorizationCode: cfg.CodeLifetime(),
		RefreshToken:      cfg.RefreshTokenLifetime(),
	}, time.Now)
	oauth := services.NewOAuthService(cdc, store, dir, validator, tokens, transactions, appLogger)
	introspection := services.NewIntrospectionService(cdc, store, dir, time.Now, appLogger)
	sweeper := services.NewExpirySweeper(store.AccessTokens(), cfg.SweepEvery(), time.Now, appLogger)

	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics.Register(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	auditLog := audit.Discard()
	if cfg.AuditEnabled {
		auditLog = audit.New(os.Stdout)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(authzecho.RequestLogger(appLogger))

	authzecho.NewOAuth2API(authzecho.Dependencies{
		OAuth:          oauth,
		Introspection:  introspection,
		Validator:      validator,
		Directory:      dir,
		Sessions:       sessions,
		Codec:          cdc,
		Logger:         appLogger,
		Audit:          auditLog,
		TokenRateLimit: cfg.TokenRateLimit,
		Metrics:        metricsHandler,
	}).RegisterRoutes(e)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		appLogger.Info(gctx, "HTTP server listening", applog.Fields{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info(context.Background(), "shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	if watchDirectory != nil {
		g.Go(func() error {
			return watchDirectory(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	appLogger.Info(context.Background(), "server gracefully stopped")
	return nil
}
