package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"quotawarden/internal/app"
	"quotawarden/internal/config"
)

// quota-reconcile runs a single enforcement tick, for cron or a systemd timer.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("QW_CONFIG"))
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, nil)
	if err != nil {
		log.Fatalf("startup error: %v", err)
	}
	defer a.Close()

	report, err := a.Enforcement.Run(ctx)
	if err != nil {
		a.Logger.WithError(err).Error("enforcement failed")
		a.Close()
		os.Exit(1)
	}
	a.Logger.WithFields(logrus.Fields{
		"scanned":     report.Scanned,
		"quota":       report.QuotaViolations,
		"expiry":      report.ExpiryViolations,
		"mirror":      report.MirrorsRepaired,
		"disabled":    report.Disabled,
		"skipped":     report.Skipped,
		"cycled":      report.Cycled,
		"unavailable": report.Unavailable,
	}).Info("enforcement complete")
}
