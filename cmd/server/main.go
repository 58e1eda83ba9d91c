package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"auth-service/internal/config"
	"auth-service/internal/event"
	"auth-service/internal/hash"
	apphttp "auth-service/internal/http"
	"auth-service/internal/repository/sqlite"
	"auth-service/internal/service"
	"auth-service/internal/token"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		logger.Fatalf("auth jwt secret is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	userRepo := sqlite.NewUserRepository(db)
	if err := userRepo.Init(ctx); err != nil {
		logger.Fatalf("init user repository: %v", err)
	}

	issuer, err := token.NewIssuer(
		[]byte(cfg.Auth.JWTSecret),
		cfg.Auth.Algorithm,
		time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute,
	)
	if err != nil {
		logger.Fatalf("setup token issuer: %v", err)
	}

	publisher := buildPublisher(cfg, logger)
	if closer, ok := publisher.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	hasher := hash.NewBcryptHasher(0)
	authService := service.NewAuthService(userRepo, hasher, issuer, publisher, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(authService)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
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

func buildPublisher(cfg config.Config, logger *logrus.Logger) event.Publisher {
	brokers := cfg.BrokerList()
	if len(brokers) == 0 {
		logger.Warn("no broker configured, user created events will be dropped")
		return event.NopPublisher{}
	}

	logger.Infof("publishing user events to %s (topic %s)", cfg.Broker.Brokers, cfg.Broker.Topic)
	return event.NewKafkaPublisher(event.Config{
		Brokers:    brokers,
		Topic:      cfg.Broker.Topic,
		Timeout:    time.Duration(cfg.Broker.TimeoutSeconds) * time.Second,
		MaxRetries: cfg.Broker.MaxRetries,
	}, logger)
}
