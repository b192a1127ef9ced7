package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"quotawarden/internal/app"
	"quotawarden/internal/config"
	"quotawarden/internal/observability"
)

func main() {
	// A .env file is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("QW_CONFIG"))
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := observability.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if logger.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("startup failed")
	}
	defer a.Close()

	logger.WithFields(logrus.Fields{
		"engine_db":   cfg.Engine.DBPath,
		"enforcement": cfg.Enforcement.Enabled,
		"interval":    cfg.Enforcement.Interval,
	}).Info("quotad starting")
	if err := a.Serve(ctx); err != nil {
		logger.WithError(err).Error("server error")
		os.Exit(1)
	}
	logger.Info("quotad stopped")
}
