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

// quota-renew rolls over the billing cycles that fall due today. Run it once
// a day; a second run on the same day finds nothing left to reset.
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

	report, err := a.Renewal.Run(ctx)
	fields := logrus.Fields{
		"date":        report.Date.String(),
		"checked":     report.Checked,
		"renewed":     len(report.Renewed),
		"disabled":    len(report.Disabled),
		"failed":      len(report.Failed),
		"unavailable": report.Unavailable,
	}
	if err != nil {
		a.Logger.WithFields(fields).WithError(err).Error("renewal finished with failures")
		a.Close()
		os.Exit(1)
	}
	a.Logger.WithFields(fields).Info("renewal complete")
}
