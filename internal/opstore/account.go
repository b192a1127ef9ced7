package opstore

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable means the engine's database file is absent. Callers
	// treat it as an empty store.
	ErrStoreUnavailable = errors.New("operational store unavailable")
	ErrAccountNotFound  = errors.New("account not found in operational store")
)

// DecodeError marks one inbound whose settings blob could not be decoded.
// The inbound is skipped and the rest of the scan continues.
type DecodeError struct {
	InboundID int64
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode inbound %d settings: %v", e.InboundID, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Account is the merged view of one client entry and its traffic row.
type Account struct {
	Key        string
	InboundID  int64
	Enabled    bool
	QuotaBytes uint64
	ExpiryAtMs int64

	HasTraffic     bool
	TrafficEnabled bool
	UpBytes        uint64
	DownBytes      uint64
	LastSeenMs     int64
}

func (a Account) UsedBytes() uint64 {
	return a.UpBytes + a.DownBytes
}

// MirrorConsistent reports whether the blob and traffic-row enable flags agree.
// An account without a traffic row has nothing to disagree with.
func (a Account) MirrorConsistent() bool {
	return !a.HasTraffic || a.Enabled == a.TrafficEnabled
}

type Snapshot struct {
	Accounts []Account
	// Duplicates holds the later entries of keys listed in more than one
	// inbound. Enforcement evaluates them; listings ignore them.
	Duplicates []Account
	Skipped    []*DecodeError
}

func (s Snapshot) Find(key string) (Account, bool) {
	for _, acct := range s.Accounts {
		if acct.Key == key {
			return acct, true
		}
	}
	return Account{}, false
}

type Usage struct {
	Up    uint64
	Down  uint64
	Found bool
}

func (u Usage) Total() uint64 {
	return u.Up + u.Down
}

// Changes lists the fields one Update call rewrites; nil means untouched.
type Changes struct {
	Enabled    *bool
	QuotaBytes *uint64
	ExpiryAtMs *int64
}

func (c Changes) Empty() bool {
	return c.Enabled == nil && c.QuotaBytes == nil && c.ExpiryAtMs == nil
}

type ResetMode int

const (
	// ResetZero zeroes up/down on the traffic row.
	ResetZero ResetMode = iota
	// ResetPurge deletes the traffic row so the engine provisions it afresh.
	ResetPurge
)

func (m ResetMode) String() string {
	switch m {
	case ResetPurge:
		return "purge"
	default:
		return "zero"
	}
}

func ParseResetMode(s string) (ResetMode, error) {
	switch s {
	case "", "zero":
		return ResetZero, nil
	case "purge", "hard":
		return ResetPurge, nil
	default:
		return ResetZero, fmt.Errorf("unknown reset mode %q", s)
	}
}
