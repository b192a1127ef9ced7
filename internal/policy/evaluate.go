package policy

import (
	"fmt"
	"math"
	"time"

	"quotawarden/internal/calendar"
	"quotawarden/internal/opstore"
)

type Violation string

const (
	ViolationQuota  Violation = "quota"
	ViolationExpiry Violation = "expiry"
)

// ShouldDisableForQuota reports an enabled, limited account that has used
// its whole quota.
func ShouldDisableForQuota(a opstore.Account) bool {
	return a.QuotaBytes > 0 && a.Enabled && a.UsedBytes() >= a.QuotaBytes
}

// ShouldDisableForExpiry reports an enabled account whose expiry has passed.
func ShouldDisableForExpiry(a opstore.Account, now time.Time) bool {
	return a.ExpiryAtMs > 0 && a.Enabled && a.ExpiryAtMs < now.UnixMilli()
}

// Violations lists every disable predicate that holds for a.
func Violations(a opstore.Account, now time.Time) []Violation {
	var out []Violation
	if ShouldDisableForQuota(a) {
		out = append(out, ViolationQuota)
	}
	if ShouldDisableForExpiry(a, now) {
		out = append(out, ViolationExpiry)
	}
	return out
}

type OnlineStatus string

const (
	StatusNever   OnlineStatus = "never"
	StatusOnline  OnlineStatus = "online"
	StatusIdle    OnlineStatus = "idle"
	StatusOffline OnlineStatus = "offline"
)

type Presence struct {
	Status OnlineStatus  `json:"status"`
	Age    time.Duration `json:"-"`
	Label  string        `json:"label"`
}

// Presence buckets a heartbeat age. Buckets are contiguous and each one
// includes its upper bound.
func (r Rules) Presence(lastSeenMs int64, now time.Time) Presence {
	if lastSeenMs <= 0 {
		return Presence{Status: StatusNever, Label: "never"}
	}
	age := now.Sub(time.UnixMilli(lastSeenMs))
	if age < 0 {
		age = 0
	}
	switch {
	case age <= r.OnlineWithin:
		return Presence{Status: StatusOnline, Age: age, Label: "online"}
	case age <= r.IdleWithin:
		return Presence{Status: StatusIdle, Age: age, Label: ageLabel(age)}
	default:
		return Presence{Status: StatusOffline, Age: age, Label: ageLabel(age)}
	}
}

func ageLabel(age time.Duration) string {
	switch {
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age/time.Minute))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh", int(age/time.Hour))
	default:
		return fmt.Sprintf("%dd", int(age/(24*time.Hour)))
	}
}

type PaymentStatus string

const (
	PaymentNone    PaymentStatus = "none"
	PaymentOverdue PaymentStatus = "overdue"
	PaymentUrgent  PaymentStatus = "urgent"
	PaymentWarning PaymentStatus = "warning"
	PaymentOK      PaymentStatus = "ok"
)

// PaymentStatus classifies the whole-day distance from today to next. The
// returned day count is meaningless for PaymentNone.
func (r Rules) PaymentStatus(next, today calendar.Date) (PaymentStatus, int) {
	if next.IsZero() {
		return PaymentNone, 0
	}
	days := next.DaysSince(today)
	switch {
	case days < 0:
		return PaymentOverdue, days
	case days <= r.UrgentDays:
		return PaymentUrgent, days
	case days <= r.WarningDays:
		return PaymentWarning, days
	default:
		return PaymentOK, days
	}
}

type Tier string

const (
	TierUnlimited Tier = "unlimited"
	TierGold      Tier = "gold"
	TierSilver    Tier = "silver"
	TierBronze    Tier = "bronze"
)

func (r Rules) Tier(quotaBytes uint64) Tier {
	switch {
	case quotaBytes == 0:
		return TierUnlimited
	case quotaBytes >= r.GoldBytes:
		return TierGold
	case quotaBytes >= r.SilverBytes:
		return TierSilver
	default:
		return TierBronze
	}
}

// DaysLeft returns whole days until expiry, negative once passed. ok is false
// for accounts that never expire.
func DaysLeft(expiryAtMs int64, now time.Time) (days int, ok bool) {
	if expiryAtMs <= 0 {
		return 0, false
	}
	left := time.UnixMilli(expiryAtMs).Sub(now)
	return int(math.Floor(left.Hours() / 24)), true
}

// QuotaPercent is used/quota in percent, 0 for unlimited accounts.
func QuotaPercent(used, quota uint64) float64 {
	if quota == 0 {
		return 0
	}
	return float64(used) / float64(quota) * 100
}
