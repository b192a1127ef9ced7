package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"quotawarden/internal/observability"
	"quotawarden/internal/opstore"
	"quotawarden/internal/policy"
)

type Accounts interface {
	ListAccounts(ctx context.Context) (opstore.Snapshot, error)
	DisableAccounts(ctx context.Context, keys []string) ([]string, error)
}

type Engine interface {
	WithEngineStopped(ctx context.Context, fn func(ctx context.Context) error) error
}

// Service is the enforcement loop. It only ever disables: accounts over
// quota, past expiry, or whose two enable flags disagree.
type Service struct {
	Accounts Accounts
	Engine   Engine
	Observer *observability.EnforcementObserver
	Logger   logrus.FieldLogger
	Now      func() time.Time
	Interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Report struct {
	Scanned          int
	QuotaViolations  int
	ExpiryViolations int
	MirrorsRepaired  int
	Disabled         int
	Skipped          int
	Cycled           bool
	Unavailable      bool
}

func NewService(accounts Accounts, engine Engine, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		Accounts: accounts,
		Engine:   engine,
		Logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
		Interval: 10 * time.Second,
	}
}

// Run performs one tick: snapshot, evaluate, and at most one engine cycle
// covering every account that needs disabling.
func (s *Service) Run(ctx context.Context) (Report, error) {
	var report Report
	if s == nil || s.Accounts == nil {
		return report, nil
	}

	snap, err := s.Accounts.ListAccounts(ctx)
	if errors.Is(err, opstore.ErrStoreUnavailable) {
		report.Unavailable = true
		return report, nil
	}
	if err != nil {
		return report, err
	}
	for _, skipped := range snap.Skipped {
		s.Observer.RecordSkipped(skipped.InboundID, skipped.Err)
	}
	report.Skipped = len(snap.Skipped)
	report.Scanned = len(snap.Accounts)

	for _, acct := range snap.Accounts {
		s.Observer.RecordUsage(acct.Key, acct.UsedBytes(), acct.QuotaBytes)
	}

	// every entry of a duplicated key is judged on its own; disabling the
	// key rewrites all of them
	entries := make([]opstore.Account, 0, len(snap.Accounts)+len(snap.Duplicates))
	entries = append(entries, snap.Accounts...)
	entries = append(entries, snap.Duplicates...)

	now := s.Now()
	reasons := make(map[string]string)
	for _, acct := range entries {
		var why []string
		for _, v := range policy.Violations(acct, now) {
			switch v {
			case policy.ViolationQuota:
				report.QuotaViolations++
			case policy.ViolationExpiry:
				report.ExpiryViolations++
			}
			why = append(why, string(v))
		}
		if !acct.MirrorConsistent() {
			report.MirrorsRepaired++
			why = append(why, "mirror")
		}
		if len(why) == 0 {
			continue
		}
		if prev, ok := reasons[acct.Key]; ok {
			reasons[acct.Key] = prev + "," + strings.Join(why, ",")
		} else {
			reasons[acct.Key] = strings.Join(why, ",")
		}
	}
	if len(reasons) == 0 {
		return report, nil
	}

	keys := make([]string, 0, len(reasons))
	for k := range reasons {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var disabled []string
	report.Cycled = true
	err = s.Engine.WithEngineStopped(ctx, func(ctx context.Context) error {
		found, err := s.Accounts.DisableAccounts(ctx, keys)
		disabled = found
		return err
	})
	report.Disabled = len(disabled)
	for _, key := range disabled {
		s.Observer.RecordDisable(key, reasons[key])
	}
	return report, err
}

// Start launches the loop in the background. The first tick runs at once.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop cancels the loop and waits for an in-flight tick to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	interval := s.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.Logger.WithField("panic", r).Error("enforcement tick panicked")
			s.Observer.RecordTick(fmt.Errorf("tick panicked: %v", r))
		}
	}()
	report, err := s.Run(ctx)
	s.Observer.RecordTick(err)
	if err != nil {
		return
	}
	if report.Cycled {
		s.Logger.WithFields(logrus.Fields{
			"scanned":  report.Scanned,
			"quota":    report.QuotaViolations,
			"expiry":   report.ExpiryViolations,
			"mirror":   report.MirrorsRepaired,
			"disabled": report.Disabled,
		}).Info("enforcement applied")
	}
}
