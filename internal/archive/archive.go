package archive

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"quotawarden/internal/opstore"
	"quotawarden/internal/store"
)

type UsageStore interface {
	Usage(ctx context.Context, key string) (opstore.Usage, error)
	ResetUsageCounters(ctx context.Context, key string, mode opstore.ResetMode) error
}

type BillingStore interface {
	AddLifetimeUsage(ctx context.Context, key string, bytes uint64) error
	AppendResetLog(ctx context.Context, key string, kind store.ResetType, archivedBytes uint64) (store.ResetLogEntry, error)
}

// Archiver folds current-cycle usage into the lifetime total before the
// counters are cleared. Callers run it inside an engine-stopped section.
type Archiver struct {
	Usage   UsageStore
	Billing BillingStore
	Logger  logrus.FieldLogger
}

func New(usage UsageStore, billing BillingStore, logger logrus.FieldLogger) *Archiver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Archiver{Usage: usage, Billing: billing, Logger: logger}
}

// ArchiveAndReset returns the number of bytes moved into the lifetime total.
// An account without a traffic row archives nothing but is still logged.
func (a *Archiver) ArchiveAndReset(ctx context.Context, key string, mode opstore.ResetMode, kind store.ResetType) (uint64, error) {
	usage, err := a.Usage.Usage(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read usage for %s: %w", key, err)
	}

	archived := uint64(0)
	if usage.Found {
		archived = usage.Total()
		if err := a.Billing.AddLifetimeUsage(ctx, key, archived); err != nil {
			return 0, err
		}
	}
	if _, err := a.Billing.AppendResetLog(ctx, key, kind, archived); err != nil {
		return archived, err
	}
	if usage.Found {
		if err := a.Usage.ResetUsageCounters(ctx, key, mode); err != nil {
			return archived, err
		}
	}

	a.Logger.WithFields(logrus.Fields{
		"account":  key,
		"archived": archived,
		"mode":     mode.String(),
		"type":     string(kind),
	}).Info("usage archived and reset")
	return archived, nil
}
