// Package renewal runs the daily quota renewal: accounts whose billing cycle
// rolls over today get their usage archived and reset, and those that have
// not paid since the previous rollover are disabled as well.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"quotawarden/internal/calendar"
	"quotawarden/internal/opstore"
	"quotawarden/internal/store"
)

type Accounts interface {
	ListAccounts(ctx context.Context) (opstore.Snapshot, error)
	DisableAccounts(ctx context.Context, keys []string) ([]string, error)
}

type Billing interface {
	ListRenewable(ctx context.Context) ([]store.BillingRecord, error)
	Upsert(ctx context.Context, key string, patch store.Patch) (store.BillingRecord, error)
}

type Archiver interface {
	ArchiveAndReset(ctx context.Context, key string, mode opstore.ResetMode, kind store.ResetType) (uint64, error)
}

type Engine interface {
	WithEngineStopped(ctx context.Context, fn func(ctx context.Context) error) error
}

type Job struct {
	Accounts  Accounts
	Billing   Billing
	Archiver  Archiver
	Engine    Engine
	ResetMode opstore.ResetMode
	Location  *time.Location
	Logger    logrus.FieldLogger
	Now       func() time.Time
}

type Report struct {
	Date        calendar.Date `json:"date"`
	Checked     int           `json:"checked"`
	Renewed     []string      `json:"renewed"`
	Disabled    []string      `json:"disabled"`
	Failed      []string      `json:"failed"`
	Cycled      bool          `json:"cycled"`
	Unavailable bool          `json:"unavailable"`
}

func New(accounts Accounts, billing Billing, archiver Archiver, engine Engine, logger logrus.FieldLogger) *Job {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Job{
		Accounts: accounts,
		Billing:  billing,
		Archiver: archiver,
		Engine:   engine,
		Location: time.Local,
		Logger:   logger,
		Now:      time.Now,
	}
}

// RenewalDay is the day of month a cycle started on start rolls over in
// year/month, clamped to the month's last day.
func RenewalDay(start calendar.Date, year int, month time.Month) int {
	return min(start.Day, calendar.DaysIn(year, month))
}

// Due reports whether rec's cycle rolls over on today. The start day itself
// is not a rollover.
func Due(rec store.BillingRecord, today calendar.Date) bool {
	start := rec.QuotaStartDate
	if start.IsZero() || !start.Before(today) {
		return false
	}
	return today.Day == RenewalDay(start, today.Year, today.Month)
}

// Paid reports whether a payment landed on or after the previous rollover.
func Paid(rec store.BillingRecord, today calendar.Date) bool {
	if rec.LastPaymentDate.IsZero() {
		return false
	}
	prevMonth := today.AddMonths(-1)
	prev := calendar.Date{
		Year:  prevMonth.Year,
		Month: prevMonth.Month,
		Day:   RenewalDay(rec.QuotaStartDate, prevMonth.Year, prevMonth.Month),
	}
	if prev.Before(rec.QuotaStartDate) {
		prev = rec.QuotaStartDate
	}
	return !rec.LastPaymentDate.Before(prev)
}

// Run renews every due account in a single engine cycle. Per-account
// failures are collected and do not stop the batch.
func (j *Job) Run(ctx context.Context) (Report, error) {
	loc := j.Location
	if loc == nil {
		loc = time.Local
	}
	today := calendar.Today(j.Now(), loc)
	report := Report{Date: today}

	records, err := j.Billing.ListRenewable(ctx)
	if err != nil {
		return report, err
	}
	report.Checked = len(records)

	// A record already reset today was handled by an earlier run.
	var due []store.BillingRecord
	for _, rec := range records {
		if Due(rec, today) && rec.QuotaResetDate != today {
			due = append(due, rec)
		}
	}
	if len(due) == 0 {
		j.Logger.WithField("date", today.String()).Info("no accounts due for renewal")
		return report, nil
	}

	snap, err := j.Accounts.ListAccounts(ctx)
	if errors.Is(err, opstore.ErrStoreUnavailable) {
		report.Unavailable = true
		return report, nil
	}
	if err != nil {
		return report, err
	}

	var renew, unpaid []string
	for _, rec := range due {
		if _, ok := snap.Find(rec.AccountKey); !ok {
			j.Logger.WithField("account", rec.AccountKey).Warn("renewal due for account missing from engine")
			continue
		}
		renew = append(renew, rec.AccountKey)
		if !Paid(rec, today) {
			unpaid = append(unpaid, rec.AccountKey)
		}
	}
	if len(renew) == 0 {
		return report, nil
	}

	var failures []error
	report.Cycled = true
	err = j.Engine.WithEngineStopped(ctx, func(ctx context.Context) error {
		for _, key := range renew {
			if _, err := j.Archiver.ArchiveAndReset(ctx, key, j.ResetMode, store.ResetAuto); err != nil {
				failures = append(failures, fmt.Errorf("renew %s: %w", key, err))
				report.Failed = append(report.Failed, key)
				continue
			}
			report.Renewed = append(report.Renewed, key)
		}
		disabled, err := j.Accounts.DisableAccounts(ctx, unpaid)
		report.Disabled = disabled
		return err
	})
	if err != nil {
		failures = append(failures, err)
	}

	for _, key := range report.Renewed {
		if _, err := j.Billing.Upsert(ctx, key, store.Patch{QuotaResetDate: &today}); err != nil {
			failures = append(failures, err)
		}
	}

	j.Logger.WithFields(logrus.Fields{
		"date":     today.String(),
		"renewed":  len(report.Renewed),
		"disabled": len(report.Disabled),
		"failed":   len(report.Failed),
	}).Info("quota renewal finished")
	return report, errors.Join(failures...)
}
