package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"quotawarden/internal/calendar"
)

var ErrNotFound = errors.New("billing record not found")

// Store is the billing database. SQLite file paths and postgres:// DSNs are
// both accepted; the schema is identical.
type Store struct {
	db      *sql.DB
	orm     *gorm.DB
	dialect string
	Now     func() time.Time
	// Logger receives migration output; nil means the logrus standard logger.
	Logger logrus.FieldLogger
}

func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("missing database dsn")
	}

	var (
		db        *sql.DB
		dialector gorm.Dialector
		dialect   string
		err       error
	)
	if isPostgres(dsn) {
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		dialector = postgres.New(postgres.Config{Conn: db})
		dialect = "postgres"
	} else {
		db, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		dialector = &sqlite.Dialector{Conn: db}
		dialect = "sqlite3"
	}

	orm, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open billing orm: %w", err)
	}
	return &Store{
		db:      db,
		orm:     orm,
		dialect: dialect,
		Now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Dialect() string {
	return s.dialect
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.db, s.dialect, s.Logger)
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now()
}

type BillingRecord struct {
	AccountKey         string        `gorm:"column:account_key;primaryKey" json:"account_key"`
	MonthlyPrice       float64       `gorm:"column:monthly_price" json:"monthly_price"`
	LastPaymentDate    calendar.Date `gorm:"column:last_payment_date" json:"last_payment_date"`
	NextPaymentDate    calendar.Date `gorm:"column:next_payment_date" json:"next_payment_date"`
	QuotaStartDate     calendar.Date `gorm:"column:quota_start_date" json:"quota_start_date"`
	QuotaResetDate     calendar.Date `gorm:"column:quota_reset_date" json:"quota_reset_date"`
	Notes              string        `gorm:"column:notes" json:"notes"`
	Folder             string        `gorm:"column:folder" json:"folder"`
	LifetimeUsageBytes uint64        `gorm:"column:lifetime_usage_bytes" json:"lifetime_usage_bytes"`
	CreatedAt          time.Time     `gorm:"column:created_at" json:"created_at"`
	UpdatedAt          time.Time     `gorm:"column:updated_at" json:"updated_at"`
}

func (BillingRecord) TableName() string { return "billing_records" }

// Patch carries the fields one Upsert writes; nil fields are left alone.
type Patch struct {
	MonthlyPrice    *float64
	LastPaymentDate *calendar.Date
	NextPaymentDate *calendar.Date
	QuotaStartDate  *calendar.Date
	QuotaResetDate  *calendar.Date
	Notes           *string
	Folder          *string
}

func (p Patch) columns() map[string]any {
	out := map[string]any{}
	if p.MonthlyPrice != nil {
		out["monthly_price"] = *p.MonthlyPrice
	}
	if p.LastPaymentDate != nil {
		out["last_payment_date"] = *p.LastPaymentDate
	}
	if p.NextPaymentDate != nil {
		out["next_payment_date"] = *p.NextPaymentDate
	}
	if p.QuotaStartDate != nil {
		out["quota_start_date"] = *p.QuotaStartDate
	}
	if p.QuotaResetDate != nil {
		out["quota_reset_date"] = *p.QuotaResetDate
	}
	if p.Notes != nil {
		out["notes"] = *p.Notes
	}
	if p.Folder != nil {
		out["folder"] = *p.Folder
	}
	return out
}

type PaymentEvent struct {
	ID          string        `gorm:"column:id;primaryKey" json:"id"`
	AccountKey  string        `gorm:"column:account_key" json:"account_key"`
	Amount      float64       `gorm:"column:amount" json:"amount"`
	PaymentDate calendar.Date `gorm:"column:payment_date" json:"payment_date"`
	Method      string        `gorm:"column:method" json:"method"`
	Notes       string        `gorm:"column:notes" json:"notes"`
	CreatedAt   time.Time     `gorm:"column:created_at" json:"created_at"`
}

func (PaymentEvent) TableName() string { return "payment_history" }

type ResetType string

const (
	ResetAuto   ResetType = "auto"
	ResetManual ResetType = "manual"
)

type ResetLogEntry struct {
	ID            string    `gorm:"column:id;primaryKey" json:"id"`
	AccountKey    string    `gorm:"column:account_key" json:"account_key"`
	ResetType     ResetType `gorm:"column:reset_type" json:"reset_type"`
	ArchivedBytes uint64    `gorm:"column:archived_bytes" json:"archived_bytes"`
	ResetAt       time.Time `gorm:"column:reset_at" json:"reset_at"`
}

func (ResetLogEntry) TableName() string { return "quota_reset_log" }

func (s *Store) Get(ctx context.Context, key string) (BillingRecord, error) {
	var rec BillingRecord
	err := s.orm.WithContext(ctx).Where("account_key = ?", key).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return BillingRecord{}, ErrNotFound
	}
	if err != nil {
		return BillingRecord{}, fmt.Errorf("get billing record: %w", err)
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context) ([]BillingRecord, error) {
	var out []BillingRecord
	if err := s.orm.WithContext(ctx).Order("account_key").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list billing records: %w", err)
	}
	return out, nil
}

// ensure inserts an empty record for key unless one exists.
func (s *Store) ensure(tx *gorm.DB, key string, now time.Time) error {
	rec := BillingRecord{
		AccountKey: key,
		Folder:     DefaultFolder,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
}

// Upsert creates the record if absent, then writes only the patched fields.
// Concurrent writers are last-write-wins per field.
func (s *Store) Upsert(ctx context.Context, key string, patch Patch) (BillingRecord, error) {
	if key == "" {
		return BillingRecord{}, errors.New("missing account key")
	}
	now := s.now()
	var rec BillingRecord
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensure(tx, key, now); err != nil {
			return err
		}
		cols := patch.columns()
		cols["updated_at"] = now
		if err := tx.Model(&BillingRecord{}).Where("account_key = ?", key).UpdateColumns(cols).Error; err != nil {
			return err
		}
		return tx.Where("account_key = ?", key).Take(&rec).Error
	})
	if err != nil {
		return BillingRecord{}, fmt.Errorf("upsert billing record: %w", err)
	}
	return rec, nil
}

// AddLifetimeUsage increments the lifetime accumulator in place.
func (s *Store) AddLifetimeUsage(ctx context.Context, key string, bytes uint64) error {
	now := s.now()
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensure(tx, key, now); err != nil {
			return err
		}
		if bytes == 0 {
			return nil
		}
		return tx.Model(&BillingRecord{}).Where("account_key = ?", key).UpdateColumns(map[string]any{
			"lifetime_usage_bytes": gorm.Expr("lifetime_usage_bytes + ?", bytes),
			"updated_at":           now,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("add lifetime usage: %w", err)
	}
	return nil
}

func (s *Store) AppendPayment(ctx context.Context, ev PaymentEvent) (PaymentEvent, error) {
	if ev.AccountKey == "" {
		return PaymentEvent{}, errors.New("missing account key")
	}
	ev.ID = uuid.NewString()
	ev.CreatedAt = s.now()
	if ev.PaymentDate.IsZero() {
		ev.PaymentDate = calendar.Of(ev.CreatedAt)
	}
	if err := s.orm.WithContext(ctx).Create(&ev).Error; err != nil {
		return PaymentEvent{}, fmt.Errorf("append payment: %w", err)
	}
	return ev, nil
}

func (s *Store) AppendResetLog(ctx context.Context, key string, kind ResetType, archivedBytes uint64) (ResetLogEntry, error) {
	entry := ResetLogEntry{
		ID:            uuid.NewString(),
		AccountKey:    key,
		ResetType:     kind,
		ArchivedBytes: archivedBytes,
		ResetAt:       s.now(),
	}
	if err := s.orm.WithContext(ctx).Create(&entry).Error; err != nil {
		return ResetLogEntry{}, fmt.Errorf("append reset log: %w", err)
	}
	return entry, nil
}

// ListPaymentHistory returns key's payments, newest first.
func (s *Store) ListPaymentHistory(ctx context.Context, key string) ([]PaymentEvent, error) {
	var out []PaymentEvent
	err := s.orm.WithContext(ctx).
		Where("account_key = ?", key).
		Order("payment_date DESC").
		Order("created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list payment history: %w", err)
	}
	return out, nil
}

func (s *Store) ListResetLog(ctx context.Context, key string) ([]ResetLogEntry, error) {
	var out []ResetLogEntry
	err := s.orm.WithContext(ctx).
		Where("account_key = ?", key).
		Order("reset_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list reset log: %w", err)
	}
	return out, nil
}

// ListRenewable returns records that carry a quota start date.
func (s *Store) ListRenewable(ctx context.Context) ([]BillingRecord, error) {
	var out []BillingRecord
	err := s.orm.WithContext(ctx).
		Where("quota_start_date IS NOT NULL AND quota_start_date <> ''").
		Order("account_key").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list renewable records: %w", err)
	}
	return out, nil
}
