// The gateway binary is the public edge: security headers, input
// hardening, IP filtering, rate limiting, and circuit-broken reverse
// proxying to the backend services.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/contextmesh/contextmesh/pkg/auth"
	"github.com/contextmesh/contextmesh/pkg/cache"
	"github.com/contextmesh/contextmesh/pkg/config"
	"github.com/contextmesh/contextmesh/pkg/gateway"
	"github.com/contextmesh/contextmesh/pkg/middleware"
	"github.com/contextmesh/contextmesh/pkg/observability"
)

func main() {
	_ = godotenv.Load()

	logger := observability.NewLogger("gateway")
	metrics := observability.NewNoopMetricsClient()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", map[string]interface{}{"error": err.Error()})
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		PoolSize:     cfg.Redis.PoolSize,
	})
	kv := cache.NewRedisKVFromClient(redisClient)
	defer func() { _ = kv.Close() }()

	gw, err := gateway.New(cfg.Gateway, logger, metrics)
	if err != nil {
		logger.Fatal("Failed to build gateway", map[string]interface{}{"error": err.Error()})
	}
	tokens, err := auth.NewTokenService(cfg.Auth, kv)
	if err != nil {
		logger.Fatal("Failed to build token service", map[string]interface{}{"error": err.Error()})
	}
	limiter := middleware.NewRateLimiter(cfg.RateLimit, kv, logger, metrics)

	// Hardening, then authentication, then rate limiting: the tenant and
	// user buckets need the caller's claims
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.SecurityHeaders())
	router.Use(gw.IPFilter())
	router.Use(middleware.ValidateInput(cfg.Gateway.MaxBodyBytes, metrics))
	router.Use(middleware.RequireAuthExcept(tokens, cfg.Gateway.PublicPrefixes...))
	router.Use(limiter.Middleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.NoRoute(gw.Handler())

	httpServer := &http.Server{
		Addr:    cfg.Gateway.ListenAddr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Gateway listening", map[string]interface{}{"addr": cfg.Gateway.ListenAddr})
		var err error
		if cfg.Gateway.TLSCertFile != "" && cfg.Gateway.TLSKeyFile != "" {
			err = httpServer.ListenAndServeTLS(cfg.Gateway.TLSCertFile, cfg.Gateway.TLSKeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Gateway exited with error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("Gateway stopped", nil)
}
