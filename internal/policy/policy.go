package policy

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const GiB = uint64(1) << 30

// Rules holds the thresholds the classifiers use. Zero fields fall back to
// Default when loaded from a file.
type Rules struct {
	OnlineWithin  time.Duration `yaml:"online_within"`
	IdleWithin    time.Duration `yaml:"idle_within"`
	UrgentDays    int           `yaml:"urgent_days"`
	WarningDays   int           `yaml:"warning_days"`
	GoldBytes     uint64        `yaml:"gold_bytes"`
	SilverBytes   uint64        `yaml:"silver_bytes"`
	QuotaAlertPct float64       `yaml:"quota_alert_pct"`
	ExpiryAlert   int           `yaml:"expiry_alert_days"`
	Keys          KeyRule       `yaml:"keys"`
}

// KeyRule decides which client keys are managed accounts. ExactLength wins
// over MinLength when both are set.
type KeyRule struct {
	MinLength   int `yaml:"min_length"`
	ExactLength int `yaml:"exact_length"`
}

func (k KeyRule) Valid(key string) bool {
	n := len([]rune(key))
	if n == 0 {
		return false
	}
	if k.ExactLength > 0 {
		return n == k.ExactLength
	}
	return n >= k.MinLength
}

func Default() Rules {
	return Rules{
		OnlineWithin:  time.Minute,
		IdleWithin:    10 * time.Minute,
		UrgentDays:    6,
		WarningDays:   14,
		GoldBytes:     100 * GiB,
		SilverBytes:   50 * GiB,
		QuotaAlertPct: 90,
		ExpiryAlert:   3,
		Keys:          KeyRule{MinLength: 2},
	}
}

func Load(path string) (Rules, error) {
	rules := Default()
	if path == "" {
		return rules, errors.New("missing policy path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return rules, err
	}
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return rules, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return rules, rules.Validate()
}

func (r Rules) Validate() error {
	if r.OnlineWithin <= 0 || r.IdleWithin < r.OnlineWithin {
		return errors.New("policy: idle_within must be >= online_within > 0")
	}
	if r.UrgentDays < 0 || r.WarningDays < r.UrgentDays {
		return errors.New("policy: warning_days must be >= urgent_days >= 0")
	}
	if r.SilverBytes > r.GoldBytes {
		return errors.New("policy: silver_bytes must not exceed gold_bytes")
	}
	return nil
}
