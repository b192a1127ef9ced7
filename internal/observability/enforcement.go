package observability

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// EnforcementObserver logs enforcement decisions and keeps per-reason
// counters for the status endpoint. A nil observer is a no-op.
type EnforcementObserver struct {
	logger logrus.FieldLogger

	mu           sync.Mutex
	disabled     map[string]int64
	skipped      int64
	ticks        int64
	tickFailures int64
	warned90     map[string]bool
}

func NewEnforcementObserver(logger logrus.FieldLogger) *EnforcementObserver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EnforcementObserver{
		logger:   logger,
		disabled: make(map[string]int64),
		warned90: make(map[string]bool),
	}
}

func (o *EnforcementObserver) RecordDisable(account string, reason string) {
	if o == nil {
		return
	}
	o.mu.Lock()
	o.disabled[reason]++
	count := o.disabled[reason]
	o.mu.Unlock()

	o.logger.WithFields(logrus.Fields{"account": account, "reason": reason, "count": count}).Warn("account disabled")
}

// RecordUsage emits one warning per account the first time it crosses 90%
// of its quota.
func (o *EnforcementObserver) RecordUsage(account string, used, quota uint64) {
	if o == nil || quota == 0 {
		return
	}
	utilization := float64(used) / float64(quota)
	if utilization < 0.9 {
		o.mu.Lock()
		delete(o.warned90, account)
		o.mu.Unlock()
		return
	}
	o.mu.Lock()
	already := o.warned90[account]
	o.warned90[account] = true
	o.mu.Unlock()
	if !already {
		o.logger.WithFields(logrus.Fields{
			"account":     account,
			"used":        used,
			"quota":       quota,
			"utilization": utilization,
		}).Warn("account near quota")
	}
}

func (o *EnforcementObserver) RecordSkipped(inboundID int64, err error) {
	if o == nil {
		return
	}
	o.mu.Lock()
	o.skipped++
	o.mu.Unlock()
	o.logger.WithError(err).WithField("inbound_id", inboundID).Warn("inbound skipped")
}

func (o *EnforcementObserver) RecordTick(err error) {
	if o == nil {
		return
	}
	o.mu.Lock()
	o.ticks++
	if err != nil {
		o.tickFailures++
	}
	failures := o.tickFailures
	o.mu.Unlock()

	if err != nil {
		o.logger.WithError(err).WithField("failures", failures).Error("enforcement tick failed")
		// Basic alert hook for a loop that keeps failing.
		if failures%10 == 0 {
			o.logger.WithField("failures", failures).Error("enforcement loop failing repeatedly")
		}
	}
}

type EnforcementStats struct {
	Ticks        int64            `json:"ticks"`
	TickFailures int64            `json:"tick_failures"`
	Skipped      int64            `json:"skipped_inbounds"`
	Disabled     map[string]int64 `json:"disabled_by_reason"`
}

func (o *EnforcementObserver) Stats() EnforcementStats {
	if o == nil {
		return EnforcementStats{Disabled: map[string]int64{}}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	disabled := make(map[string]int64, len(o.disabled))
	for k, v := range o.disabled {
		disabled[k] = v
	}
	return EnforcementStats{
		Ticks:        o.ticks,
		TickFailures: o.tickFailures,
		Skipped:      o.skipped,
		Disabled:     disabled,
	}
}
