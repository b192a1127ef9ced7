package admin

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"quotawarden/internal/calendar"
	"quotawarden/internal/opstore"
	"quotawarden/internal/policy"
	"quotawarden/internal/store"
)

// AccountView is one row of the operator listing: the operational account
// merged with its billing record and the classifier outputs.
type AccountView struct {
	Key              string               `json:"email"`
	InboundID        int64                `json:"inbound_id"`
	Enabled          bool                 `json:"enabled"`
	Tier             policy.Tier          `json:"tier"`
	QuotaBytes       uint64               `json:"quota_bytes"`
	UsedBytes        uint64               `json:"used_bytes"`
	LifetimeBytes    uint64               `json:"lifetime_bytes"`
	QuotaPercent     float64              `json:"quota_percent"`
	ExpiryAtMs       int64                `json:"expiry_at_ms"`
	ExpiryDate       calendar.Date        `json:"expiry_date"`
	Expired          bool                 `json:"expired"`
	DaysLeft         *int                 `json:"days_left"`
	Online           policy.OnlineStatus  `json:"online_status"`
	LastSeen         string               `json:"last_seen"`
	LastSeenMs       int64                `json:"last_seen_ms"`
	MonthlyPrice     float64              `json:"monthly_price"`
	LastPaymentDate  calendar.Date        `json:"last_payment_date"`
	NextPaymentDate  calendar.Date        `json:"next_payment_date"`
	PaymentStatus    policy.PaymentStatus `json:"payment_status"`
	DaysUntilPayment *int                 `json:"days_until_payment"`
	QuotaStartDate   calendar.Date        `json:"quota_start_date"`
	QuotaResetDate   calendar.Date        `json:"quota_reset_date"`
	Folder           string               `json:"folder"`
	Notes            string               `json:"notes"`
}

type SkippedInbound struct {
	InboundID int64  `json:"inbound_id"`
	Error     string `json:"error"`
}

// Listing is the merged account view. Unavailable means the engine database
// is absent and Accounts is empty.
type Listing struct {
	Accounts    []AccountView    `json:"accounts"`
	Skipped     []SkippedInbound `json:"skipped,omitempty"`
	Unavailable bool             `json:"unavailable"`
}

// List merges the operational snapshot with billing metadata. Results are
// cached for the configured TTL and dropped on every mutation.
func (s *Service) List(ctx context.Context) (Listing, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(listingKey); ok {
			return v.(Listing), nil
		}
	}

	var out Listing
	snap, err := s.Accounts.ListAccounts(ctx)
	if errors.Is(err, opstore.ErrStoreUnavailable) {
		out.Unavailable = true
		return out, nil
	}
	if err != nil {
		return out, err
	}
	records, err := s.Billing.List(ctx)
	if err != nil {
		return out, err
	}
	byKey := make(map[string]store.BillingRecord, len(records))
	for _, rec := range records {
		byKey[rec.AccountKey] = rec
	}

	now := s.Now()
	today := calendar.Today(now, s.loc)
	out.Accounts = make([]AccountView, 0, len(snap.Accounts))
	for _, acct := range snap.Accounts {
		// the key rule only shapes what operators see
		if !s.rules.Keys.Valid(acct.Key) {
			continue
		}
		out.Accounts = append(out.Accounts, s.view(acct, byKey[acct.Key], now, today))
	}
	for _, skipped := range snap.Skipped {
		out.Skipped = append(out.Skipped, SkippedInbound{InboundID: skipped.InboundID, Error: skipped.Err.Error()})
	}

	if s.cache != nil {
		s.cache.SetDefault(listingKey, out)
	}
	return out, nil
}

func (s *Service) view(acct opstore.Account, rec store.BillingRecord, now time.Time, today calendar.Date) AccountView {
	used := acct.UsedBytes()
	v := AccountView{
		Key:             acct.Key,
		InboundID:       acct.InboundID,
		Enabled:         acct.Enabled,
		Tier:            s.rules.Tier(acct.QuotaBytes),
		QuotaBytes:      acct.QuotaBytes,
		UsedBytes:       used,
		LifetimeBytes:   rec.LifetimeUsageBytes + used,
		QuotaPercent:    math.Round(policy.QuotaPercent(used, acct.QuotaBytes)*100) / 100,
		ExpiryAtMs:      acct.ExpiryAtMs,
		LastSeenMs:      acct.LastSeenMs,
		MonthlyPrice:    rec.MonthlyPrice,
		LastPaymentDate: rec.LastPaymentDate,
		NextPaymentDate: rec.NextPaymentDate,
		QuotaStartDate:  rec.QuotaStartDate,
		QuotaResetDate:  rec.QuotaResetDate,
		Folder:          rec.Folder,
		Notes:           rec.Notes,
	}
	if v.Folder == "" {
		v.Folder = store.DefaultFolder
	}

	if acct.ExpiryAtMs > 0 {
		v.ExpiryDate = calendar.Of(time.UnixMilli(acct.ExpiryAtMs).In(s.loc))
		v.Expired = acct.ExpiryAtMs < now.UnixMilli()
		if days, ok := policy.DaysLeft(acct.ExpiryAtMs, now); ok {
			days = max(days, 0)
			v.DaysLeft = &days
		}
	}

	presence := s.rules.Presence(acct.LastSeenMs, now)
	v.Online = presence.Status
	v.LastSeen = presence.Label

	if v.NextPaymentDate.IsZero() {
		v.NextPaymentDate = v.ExpiryDate
	}
	status, days := s.rules.PaymentStatus(v.NextPaymentDate, today)
	v.PaymentStatus = status
	if status != policy.PaymentNone {
		v.DaysUntilPayment = &days
	}
	return v
}

type Stats struct {
	Total         int    `json:"total_users"`
	Active        int    `json:"active_users"`
	Passive       int    `json:"passive_users"`
	Online        int    `json:"online_users"`
	LifetimeBytes uint64 `json:"total_usage_bytes"`
	Overdue       int    `json:"overdue_count"`
	Unavailable   bool   `json:"unavailable"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	listing, err := s.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Total: len(listing.Accounts), Unavailable: listing.Unavailable}
	for _, v := range listing.Accounts {
		if v.Enabled {
			st.Active++
		}
		if v.Online == policy.StatusOnline {
			st.Online++
		}
		if v.PaymentStatus == policy.PaymentOverdue {
			st.Overdue++
		}
		st.LifetimeBytes += v.LifetimeBytes
	}
	st.Passive = st.Total - st.Active
	return st, nil
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

type Notification struct {
	Type     string   `json:"type"`
	Account  string   `json:"user"`
	Message  string   `json:"message"`
	Priority Priority `json:"priority"`
}

// Notifications derives the operator alerts from the current listing.
func (s *Service) Notifications(ctx context.Context) ([]Notification, error) {
	listing, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := []Notification{}
	for _, v := range listing.Accounts {
		out = append(out, s.notificationsFor(v)...)
	}
	return out, nil
}

func (s *Service) notificationsFor(v AccountView) []Notification {
	var out []Notification
	add := func(kind string, p Priority, format string, args ...any) {
		out = append(out, Notification{Type: kind, Account: v.Key, Message: fmt.Sprintf(format, args...), Priority: p})
	}

	if v.DaysUntilPayment != nil {
		days := *v.DaysUntilPayment
		switch v.PaymentStatus {
		case policy.PaymentOverdue:
			add("payment_overdue", PriorityHigh, "payment %d days overdue", -days)
		case policy.PaymentUrgent:
			add("payment_urgent", PriorityMedium, "payment due in %d days", days)
		case policy.PaymentWarning:
			add("payment_warning", PriorityLow, "payment due in %d days", days)
		}
	}
	if v.QuotaBytes > 0 && v.QuotaPercent >= s.rules.QuotaAlertPct {
		add("quota_high", PriorityMedium, "quota %d%% used", int(v.QuotaPercent))
	}
	if v.Expired {
		add("expired", PriorityHigh, "account expired")
	} else if v.DaysLeft != nil && *v.DaysLeft <= s.rules.ExpiryAlert {
		add("expiry_soon", PriorityLow, "expires in %d days", *v.DaysLeft)
	}
	return out
}
