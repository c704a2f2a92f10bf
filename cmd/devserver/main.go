package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qcom/dirsession/internal/config"
	"github.com/qcom/dirsession/internal/handlers"
	"github.com/qcom/dirsession/internal/middleware"
	"github.com/qcom/dirsession/internal/models"
	"github.com/qcom/dirsession/internal/repository"
	"github.com/qcom/dirsession/internal/service"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.ValidateServer(); err != nil {
		logger.WithError(err).Fatal("Invalid server configuration")
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	}

	userRepo := repository.NewUserRepository(logger)
	if err := userRepo.Seed(context.Background(), cfg.Server.Users); err != nil {
		logger.WithError(err).Fatal("Failed to seed users")
	}

	jwtService, err := service.NewJWTService(&cfg.JWT, nil, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize JWT service")
	}
	refreshTokenService := service.NewRefreshTokenService(nil, logger)

	runtime := models.RuntimeAuthConfig{
		AccessTokenLifetime: cfg.JWT.AccessExpiry,
		RenewAt:             cfg.Server.RenewAt,
		IdleTimeout:         cfg.Server.IdleTimeout,
		RotateRefreshTokens: cfg.Server.RotateRefreshTokens,
	}

	authHandlers := handlers.NewAuthHandlers(jwtService, refreshTokenService, userRepo, runtime, logger)
	authMiddleware := middleware.NewAuthMiddleware(jwtService, logger)
	router := handlers.NewRouter(authHandlers, authMiddleware, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("Starting development identity server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
