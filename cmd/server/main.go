package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"taskhub/internal/auth"
	"taskhub/internal/config"
	apphttp "taskhub/internal/http"
	"taskhub/internal/ratelimit"
	"taskhub/internal/repository/sqlite"
	"taskhub/internal/service"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err != nil {
		logger.Warnf("invalid log level %q, keeping %s", cfg.Log.Level, logger.GetLevel())
	} else {
		logger.SetLevel(level)
	}
	if cfg.Auth.JWTSecret == config.DefaultJWTSecret {
		logger.Warn("using the built-in jwt secret; set TASKHUB_AUTH_JWTSECRET in production")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	userRepo := sqlite.NewUserRepository(db)
	taskRepo := sqlite.NewTaskRepository(db)

	// users first: tasks reference them
	if err := userRepo.Init(ctx); err != nil {
		logger.Fatalf("init user repository: %v", err)
	}
	if err := taskRepo.Init(ctx); err != nil {
		logger.Fatalf("init task repository: %v", err)
	}

	codec, err := auth.NewCodec(cfg.Auth.JWTSecret, cfg.TokenTTL())
	if err != nil {
		logger.Fatalf("setup token codec: %v", err)
	}

	limiter, closeLimiter, err := buildLimiter(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup rate limiter: %v", err)
	}
	defer closeLimiter()

	userService := service.NewUserService(userRepo, codec)
	taskService := service.NewTaskService(taskRepo)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(apphttp.Config{
		Users:   userService,
		Tasks:   taskService,
		Tokens:  codec,
		Limiter: limiter,
		Policies: apphttp.Policies{
			Authenticated:   policyFrom(ratelimit.Authenticated, cfg.RateLimit.Authenticated.Capacity, cfg.RateLimitInterval()),
			Unauthenticated: policyFrom(ratelimit.Unauthenticated, cfg.RateLimit.Unauthenticated.Capacity, cfg.RateLimitInterval()),
		},
		Logger: logger,
	})
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}

	logger.Info("bye")
}

func policyFrom(base ratelimit.Policy, capacity int64, interval time.Duration) ratelimit.Policy {
	base.Capacity = capacity
	base.Interval = interval
	return base
}

func buildLimiter(ctx context.Context, cfg config.Config, logger *logrus.Logger) (ratelimit.Store, func(), error) {
	if cfg.RateLimit.Backend != config.BackendRedis {
		logger.Info("using in-memory rate limiter")
		return ratelimit.NewMemoryStore(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RateLimit.Redis.Addr,
		Password: cfg.RateLimit.Redis.Password,
		DB:       cfg.RateLimit.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.RateLimit.Redis.Addr, err)
	}

	logger.Infof("using redis rate limiter at %s", cfg.RateLimit.Redis.Addr)
	return ratelimit.NewRedisStore(client, cfg.RateLimit.Redis.Prefix), func() { _ = client.Close() }, nil
}
