// Package admin implements the operator actions: every change to quota,
// expiry, enablement or counters runs inside exactly one engine cycle, and
// billing metadata is written around it.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"quotawarden/internal/calendar"
	"quotawarden/internal/opstore"
	"quotawarden/internal/policy"
	"quotawarden/internal/store"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidFolder = errors.New("invalid folder")
)

type Accounts interface {
	ListAccounts(ctx context.Context) (opstore.Snapshot, error)
	Lookup(ctx context.Context, key string) (opstore.Account, error)
	Update(ctx context.Context, key string, changes opstore.Changes) error
}

type Billing interface {
	Get(ctx context.Context, key string) (store.BillingRecord, error)
	List(ctx context.Context) ([]store.BillingRecord, error)
	Upsert(ctx context.Context, key string, patch store.Patch) (store.BillingRecord, error)
	AppendPayment(ctx context.Context, ev store.PaymentEvent) (store.PaymentEvent, error)
	ListPaymentHistory(ctx context.Context, key string) ([]store.PaymentEvent, error)
}

type Archiver interface {
	ArchiveAndReset(ctx context.Context, key string, mode opstore.ResetMode, kind store.ResetType) (uint64, error)
}

type Engine interface {
	WithEngineStopped(ctx context.Context, fn func(ctx context.Context) error) error
}

type Options struct {
	Rules     policy.Rules
	Location  *time.Location
	CycleDays int
	ResetMode opstore.ResetMode
	CacheTTL  time.Duration
	Logger    logrus.FieldLogger
}

type Service struct {
	Accounts Accounts
	Billing  Billing
	Archiver Archiver
	Engine   Engine
	Now      func() time.Time

	rules     policy.Rules
	loc       *time.Location
	cycleDays int
	resetMode opstore.ResetMode
	logger    logrus.FieldLogger
	validate  *validator.Validate
	cache     *cache.Cache
}

const listingKey = "listing"

func NewService(accounts Accounts, billing Billing, archiver Archiver, engine Engine, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.CycleDays <= 0 {
		opts.CycleDays = 30
	}
	if opts.Rules == (policy.Rules{}) {
		opts.Rules = policy.Default()
	}
	s := &Service{
		Accounts:  accounts,
		Billing:   billing,
		Archiver:  archiver,
		Engine:    engine,
		Now:       func() time.Time { return time.Now() },
		rules:     opts.Rules,
		loc:       opts.Location,
		cycleDays: opts.CycleDays,
		resetMode: opts.ResetMode,
		logger:    opts.Logger,
		validate:  NewValidator(),
	}
	if opts.CacheTTL > 0 {
		s.cache = cache.New(opts.CacheTTL, 2*opts.CacheTTL)
	}
	return s
}

// NewValidator returns a validator that also understands the "folder" tag.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("folder", func(fl validator.FieldLevel) bool {
		return store.ValidFolder(fl.Field().String())
	})
	return v
}

func (s *Service) Rules() policy.Rules {
	return s.rules
}

func (s *Service) today() calendar.Date {
	return calendar.Today(s.Now(), s.loc)
}

func (s *Service) invalidate() {
	if s.cache != nil {
		s.cache.Delete(listingKey)
	}
}

func (s *Service) check(v any) error {
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				if fe.Tag() == "folder" {
					return fmt.Errorf("%w: %v", ErrInvalidFolder, fe.Value())
				}
			}
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// clearsViolations reports whether a, if it were enabled, would pass both
// disable predicates.
func clearsViolations(a opstore.Account, now time.Time) bool {
	a.Enabled = true
	return len(policy.Violations(a, now)) == 0
}

// SetEnabled writes enabled for key in one engine cycle.
func (s *Service) SetEnabled(ctx context.Context, key string, enabled bool) error {
	if _, err := s.Accounts.Lookup(ctx, key); err != nil {
		return err
	}
	defer s.invalidate()
	err := s.Engine.WithEngineStopped(ctx, func(ctx context.Context) error {
		return s.Accounts.Update(ctx, key, opstore.Changes{Enabled: &enabled})
	})
	if err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{"account": key, "enabled": enabled}).Info("account toggled")
	return nil
}

// Toggle flips key's enable flag and returns the new value. The current flag
// is read inside the engine cycle so concurrent toggles each see the last write.
func (s *Service) Toggle(ctx context.Context, key string) (bool, error) {
	if _, err := s.Accounts.Lookup(ctx, key); err != nil {
		return false, err
	}
	defer s.invalidate()
	var next bool
	err := s.Engine.WithEngineStopped(ctx, func(ctx context.Context) error {
		acct, err := s.Accounts.Lookup(ctx, key)
		if err != nil {
			return err
		}
		next = !acct.Enabled
		return s.Accounts.Update(ctx, key, opstore.Changes{Enabled: &next})
	})
	if err != nil {
		return false, err
	}
	s.logger.WithFields(logrus.Fields{"account": key, "enabled": next}).Info("account toggled")
	return next, nil
}

// SettingsUpdate carries one operator edit. Nil pointers leave the field
// untouched; an empty ExpiryDate means "never expires".
type SettingsUpdate struct {
	Key             string   `json:"email" validate:"required"`
	QuotaGiB        *float64 `json:"quota" validate:"omitempty,gte=0,lte=1048576"`
	ExpiryDate      *string  `json:"expiry_date"`
	NextPaymentDate *string  `json:"next_payment_date"`
	MonthlyPrice    *float64 `json:"monthly_price" validate:"omitempty,gte=0"`
	Notes           *string  `json:"notes" validate:"omitempty,max=2000"`
	Folder          *string  `json:"folder" validate:"omitempty,folder"`
	ResetUsage      bool     `json:"reset_usage"`
}

type SettingsResult struct {
	Enabled  bool   `json:"enabled"`
	Archived uint64 `json:"archived_bytes"`
	Cycled   bool   `json:"cycled"`
}

// endOfDay is 23:59:59 local on d, in epoch milliseconds.
func (s *Service) endOfDay(d calendar.Date) int64 {
	return time.Date(d.Year, d.Month, d.Day, 23, 59, 59, 0, s.loc).UnixMilli()
}

// UpdateSettings applies quota/expiry changes and an optional usage reset in
// one engine cycle, re-enabling the account when the new settings clear the
// violation that had it disabled. A quota change always resets usage.
// Billing fields are written afterwards.
func (s *Service) UpdateSettings(ctx context.Context, in SettingsUpdate) (SettingsResult, error) {
	var res SettingsResult
	if err := s.check(in); err != nil {
		return res, err
	}

	var changes opstore.Changes
	if in.QuotaGiB != nil {
		quota := uint64(*in.QuotaGiB * float64(policy.GiB))
		changes.QuotaBytes = &quota
	}
	var expiryDate calendar.Date
	if in.ExpiryDate != nil {
		d, err := calendar.Parse(*in.ExpiryDate)
		if err != nil {
			return res, fmt.Errorf("%w: expiry_date: %v", ErrInvalidInput, err)
		}
		expiryDate = d
		expiry := int64(0)
		if !d.IsZero() {
			expiry = s.endOfDay(d)
		}
		changes.ExpiryAtMs = &expiry
	}
	var nextPayment *calendar.Date
	if in.NextPaymentDate != nil {
		d, err := calendar.Parse(*in.NextPaymentDate)
		if err != nil {
			return res, fmt.Errorf("%w: next_payment_date: %v", ErrInvalidInput, err)
		}
		nextPayment = &d
	} else if !expiryDate.IsZero() {
		nextPayment = &expiryDate
	}
	reset := in.ResetUsage || in.QuotaGiB != nil
	defer s.invalidate()

	if !changes.Empty() || reset {
		acct, err := s.Accounts.Lookup(ctx, in.Key)
		if err != nil {
			return res, err
		}
		after := acct
		if changes.QuotaBytes != nil {
			after.QuotaBytes = *changes.QuotaBytes
		}
		if changes.ExpiryAtMs != nil {
			after.ExpiryAtMs = *changes.ExpiryAtMs
		}
		if reset {
			after.UpBytes, after.DownBytes = 0, 0
		}
		now := s.Now()
		if !acct.Enabled && !clearsViolations(acct, now) && clearsViolations(after, now) {
			enabled := true
			changes.Enabled = &enabled
		}

		res.Cycled = true
		err = s.Engine.WithEngineStopped(ctx, func(ctx context.Context) error {
			if reset {
				archived, err := s.Archiver.ArchiveAndReset(ctx, in.Key, s.resetMode, store.ResetManual)
				res.Archived = archived
				if err != nil {
					return err
				}
			}
			return s.Accounts.Update(ctx, in.Key, changes)
		})
		if err != nil {
			return res, err
		}
		res.Enabled = acct.Enabled || changes.Enabled != nil
	}

	patch := store.Patch{
		MonthlyPrice:    in.MonthlyPrice,
		Notes:           in.Notes,
		Folder:          in.Folder,
		NextPaymentDate: nextPayment,
	}
	if reset {
		today := s.today()
		patch.QuotaResetDate = &today
	}
	if _, err := s.Billing.Upsert(ctx, in.Key, patch); err != nil {
		return res, err
	}

	s.logger.WithFields(logrus.Fields{
		"account":  in.Key,
		"cycled":   res.Cycled,
		"archived": res.Archived,
		"enabled":  res.Enabled,
	}).Info("account settings updated")
	return res, nil
}

type PaymentInput struct {
	Key    string  `json:"email" validate:"required"`
	Amount float64 `json:"amount" validate:"gte=0"`
	Date   string  `json:"payment_date"`
	Method string  `json:"payment_method" validate:"max=64"`
	Notes  string  `json:"notes" validate:"max=2000"`
}

// PaymentResult reports what a payment changed. Applied is false when the
// account is not in the operational store yet, so only billing was updated.
type PaymentResult struct {
	Payment  store.PaymentEvent  `json:"payment"`
	Record   store.BillingRecord `json:"record"`
	Archived uint64              `json:"archived_bytes"`
	Enabled  bool                `json:"enabled"`
	Applied  bool                `json:"applied"`
}

// RecordPayment appends the payment, advances the billing dates, and then
// archives usage and re-enables the account in one engine cycle.
func (s *Service) RecordPayment(ctx context.Context, in PaymentInput) (PaymentResult, error) {
	var res PaymentResult
	if err := s.check(in); err != nil {
		return res, err
	}
	date, err := calendar.Parse(in.Date)
	if err != nil {
		return res, fmt.Errorf("%w: payment_date: %v", ErrInvalidInput, err)
	}
	if date.IsZero() {
		date = s.today()
	}

	ev, err := s.Billing.AppendPayment(ctx, store.PaymentEvent{
		AccountKey:  in.Key,
		Amount:      in.Amount,
		PaymentDate: date,
		Method:      in.Method,
		Notes:       in.Notes,
	})
	if err != nil {
		return res, err
	}
	res.Payment = ev
	defer s.invalidate()

	next := date.AddDays(s.cycleDays)
	patch := store.Patch{
		LastPaymentDate: &date,
		NextPaymentDate: &next,
		QuotaResetDate:  &date,
	}
	existing, err := s.Billing.Get(ctx, in.Key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return res, err
	}
	if existing.QuotaStartDate.IsZero() {
		patch.QuotaStartDate = &date
	}
	if res.Record, err = s.Billing.Upsert(ctx, in.Key, patch); err != nil {
		return res, err
	}

	acct, err := s.Accounts.Lookup(ctx, in.Key)
	if errors.Is(err, opstore.ErrAccountNotFound) || errors.Is(err, opstore.ErrStoreUnavailable) {
		s.logger.WithError(err).WithField("account", in.Key).Warn("payment recorded without operational account")
		return res, nil
	}
	if err != nil {
		return res, err
	}

	after := acct
	after.UpBytes, after.DownBytes = 0, 0
	enable := !acct.Enabled && clearsViolations(after, s.Now())
	err = s.Engine.WithEngineStopped(ctx, func(ctx context.Context) error {
		archived, err := s.Archiver.ArchiveAndReset(ctx, in.Key, s.resetMode, store.ResetManual)
		res.Archived = archived
		if err != nil {
			return err
		}
		if enable {
			enabled := true
			return s.Accounts.Update(ctx, in.Key, opstore.Changes{Enabled: &enabled})
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	res.Applied = true
	res.Enabled = acct.Enabled || enable

	s.logger.WithFields(logrus.Fields{
		"account":  in.Key,
		"amount":   in.Amount,
		"date":     date.String(),
		"archived": res.Archived,
	}).Info("payment recorded")
	return res, nil
}

type folderInput struct {
	Key    string `validate:"required"`
	Folder string `validate:"required,folder"`
}

func (s *Service) MoveFolder(ctx context.Context, key, folder string) (store.BillingRecord, error) {
	if err := s.check(folderInput{Key: key, Folder: folder}); err != nil {
		return store.BillingRecord{}, err
	}
	defer s.invalidate()
	return s.Billing.Upsert(ctx, key, store.Patch{Folder: &folder})
}

type noteInput struct {
	Key  string `validate:"required"`
	Note string `validate:"max=2000"`
}

func (s *Service) UpdateNote(ctx context.Context, key, note string) (store.BillingRecord, error) {
	if err := s.check(noteInput{Key: key, Note: note}); err != nil {
		return store.BillingRecord{}, err
	}
	defer s.invalidate()
	return s.Billing.Upsert(ctx, key, store.Patch{Notes: &note})
}

func (s *Service) PaymentHistory(ctx context.Context, key string) ([]store.PaymentEvent, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: missing account key", ErrInvalidInput)
	}
	return s.Billing.ListPaymentHistory(ctx, key)
}

// ResetUsage archives and clears key's counters without touching its
// enable flag. mode overrides the configured reset mode when non-nil.
func (s *Service) ResetUsage(ctx context.Context, key string, mode *opstore.ResetMode) (uint64, error) {
	if _, err := s.Accounts.Lookup(ctx, key); err != nil {
		return 0, err
	}
	m := s.resetMode
	if mode != nil {
		m = *mode
	}
	defer s.invalidate()

	var archived uint64
	err := s.Engine.WithEngineStopped(ctx, func(ctx context.Context) error {
		n, err := s.Archiver.ArchiveAndReset(ctx, key, m, store.ResetManual)
		archived = n
		return err
	})
	if err != nil {
		return archived, err
	}
	today := s.today()
	if _, err := s.Billing.Upsert(ctx, key, store.Patch{QuotaResetDate: &today}); err != nil {
		return archived, err
	}
	return archived, nil
}
