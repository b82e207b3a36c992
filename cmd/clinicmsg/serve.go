package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/ehr/clinicmsg/internal/config"
	"github.com/ehr/clinicmsg/internal/domain/messaging"
	"github.com/ehr/clinicmsg/internal/platform/auth"
	"github.com/ehr/clinicmsg/internal/platform/blobstore"
	"github.com/ehr/clinicmsg/internal/platform/db"
	"github.com/ehr/clinicmsg/internal/platform/metrics"
	"github.com/ehr/clinicmsg/internal/platform/middleware"
	"github.com/ehr/clinicmsg/internal/platform/websocket"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the messaging gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	m := metrics.New()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(m.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	// Auth
	authMW := auth.DevAuthMiddleware()
	if !cfg.IsDev() {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:          cfg.AuthIssuer,
			SigningKey:      []byte(cfg.AuthSigningKey),
			AllowQueryToken: true,
		})
	} else {
		logger.Warn().Msg("development auth enabled: every request is dev-provider")
	}

	rl := middleware.DefaultRateLimitConfig()
	rl.RequestsPerSecond = cfg.RateLimitRPS
	rl.BurstSize = cfg.RateLimitBurst
	apiV1 := e.Group("/api/v1", authMW, middleware.RateLimit(rl))

	// Messaging
	var svc *messaging.Service
	hub := websocket.NewHub(
		websocket.WithLogger(logger),
		websocket.WithMetrics(m),
		websocket.WithAuthorizer(func(ctx context.Context, client *websocket.Client, topic string) bool {
			return svc.AuthorizeTopic(ctx, client, topic)
		}),
	)
	svc = messaging.NewService(
		messaging.NewThreadRepoPG(pool),
		messaging.NewMessageRepoPG(pool),
		messaging.NewPatientRepoPG(pool),
		db.NewTxManager(pool),
		messaging.WithEventPublisher(hub),
		messaging.WithMetrics(m),
		messaging.WithLogger(logger),
	)
	messaging.NewHandler(svc, cfg.HistoryLimit).RegisterRoutes(apiV1)

	// Uploads
	store := blobstore.NewInMemoryBlobStore(cfg.UploadMaxBytes)
	blobstore.NewBlobHandler(store, "/api/v1/uploads").RegisterRoutes(apiV1)

	// Push
	websocket.NewWebSocketHandler(hub, cfg.CORSOrigins...).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
