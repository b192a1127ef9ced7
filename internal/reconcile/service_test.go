package reconcile

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotawarden/internal/engine"
	"quotawarden/internal/observability"
	"quotawarden/internal/opstore"
	"quotawarden/internal/opstore/opstoretest"
	"quotawarden/internal/policy"
)

const gib = opstoretest.GiB

type countingRunner struct {
	stops, starts atomic.Int32
}

func (r *countingRunner) Run(_ context.Context, argv []string) error {
	switch argv[len(argv)-1] {
	case "stop":
		r.stops.Add(1)
	case "start":
		r.starts.Add(1)
	}
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newService(t *testing.T, path string, now time.Time) (*Service, *countingRunner, *engine.Controller) {
	t.Helper()
	runner := &countingRunner{}
	ctl := engine.NewController(engine.Options{
		StopCommand:  []string{"x-ui", "stop"},
		StartCommand: []string{"x-ui", "start"},
		Runner:       runner,
		Logger:       quietLogger(),
	})
	ctl.Sleep = func(time.Duration) {}

	svc := NewService(opstore.New(path, opstore.Options{}), ctl, quietLogger())
	svc.Observer = observability.NewEnforcementObserver(quietLogger())
	svc.Now = func() time.Time { return now }
	return svc, runner, ctl
}

func TestRunDisablesOverQuotaOnce(t *testing.T) {
	fx := opstoretest.New(t)
	inbound := fx.AddInbound(nil,
		opstoretest.Client{Email: "heavy", Enable: true, TotalBytes: 10 * gib, WithTraffic: true, TrafficEnabled: true, Up: 5 * gib, Down: 6 * gib},
		opstoretest.Client{Email: "light", Enable: true, TotalBytes: 10 * gib, WithTraffic: true, TrafficEnabled: true, Up: gib},
	)
	now := time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC)
	svc, runner, ctl := newService(t, fx.Path, now)
	ctx := context.Background()

	report, err := svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.QuotaViolations)
	assert.Equal(t, 1, report.Disabled)
	assert.True(t, report.Cycled)
	assert.Equal(t, int64(1), ctl.Cycles())
	assert.Equal(t, int32(1), runner.stops.Load())
	assert.Equal(t, int32(1), runner.starts.Load())

	assert.Equal(t, false, fx.ClientEntry(inbound, "heavy")["enable"])
	assert.False(t, fx.Traffic("heavy").Enable)
	assert.Equal(t, true, fx.ClientEntry(inbound, "light")["enable"])

	report, err = svc.Run(ctx)
	require.NoError(t, err)
	assert.False(t, report.Cycled)
	assert.Equal(t, int64(1), ctl.Cycles())

	assert.Equal(t, int64(1), svc.Observer.Stats().Disabled["quota"])
}

func TestRunBatchesQuotaAndExpiryIntoOneCycle(t *testing.T) {
	fx := opstoretest.New(t)
	now := time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC)
	fx.AddInbound(nil,
		opstoretest.Client{Email: "over", Enable: true, TotalBytes: gib, WithTraffic: true, TrafficEnabled: true, Down: 2 * gib},
		opstoretest.Client{Email: "stale", Enable: true, ExpiryTime: now.Add(-time.Hour).UnixMilli(), WithTraffic: true, TrafficEnabled: true},
	)
	fx.AddInbound(nil,
		opstoretest.Client{Email: "fresh", Enable: true, ExpiryTime: now.Add(time.Hour).UnixMilli(), WithTraffic: true, TrafficEnabled: true},
	)
	svc, _, ctl := newService(t, fx.Path, now)

	report, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.QuotaViolations)
	assert.Equal(t, 1, report.ExpiryViolations)
	assert.Equal(t, 2, report.Disabled)
	assert.Equal(t, int64(1), ctl.Cycles())
	assert.True(t, fx.Traffic("fresh").Enable)
}

func TestRunNeverEnables(t *testing.T) {
	fx := opstoretest.New(t)
	inbound := fx.AddInbound(nil,
		opstoretest.Client{Email: "paused", Enable: false, TotalBytes: 10 * gib, WithTraffic: true, TrafficEnabled: false, Up: gib},
	)
	now := time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC)
	svc, _, ctl := newService(t, fx.Path, now)

	for i := 0; i < 3; i++ {
		report, err := svc.Run(context.Background())
		require.NoError(t, err)
		assert.False(t, report.Cycled)
	}
	assert.Zero(t, ctl.Cycles())
	assert.Equal(t, false, fx.ClientEntry(inbound, "paused")["enable"])
	assert.False(t, fx.Traffic("paused").Enable)
}

func TestRunRepairsMirrorTowardDisabled(t *testing.T) {
	fx := opstoretest.New(t)
	inbound := fx.AddInbound(nil,
		opstoretest.Client{Email: "split", Enable: true, WithTraffic: true, TrafficEnabled: true},
	)
	fx.SetTrafficEnabled("split", false)
	now := time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC)
	svc, _, ctl := newService(t, fx.Path, now)

	report, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.MirrorsRepaired)
	assert.Equal(t, int64(1), ctl.Cycles())
	assert.Equal(t, false, fx.ClientEntry(inbound, "split")["enable"])
	assert.False(t, fx.Traffic("split").Enable)

	report, err = svc.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Cycled)
}

func TestRunTreatsMissingStoreAsEmpty(t *testing.T) {
	now := time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC)
	svc, _, ctl := newService(t, filepath.Join(t.TempDir(), "absent.db"), now)

	report, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Unavailable)
	assert.Zero(t, report.Scanned)
	assert.Zero(t, ctl.Cycles())
}

func TestRunIsolatesCorruptInbound(t *testing.T) {
	fx := opstoretest.New(t)
	fx.AddRawInbound(`{"clients": [`)
	fx.AddInbound(nil,
		opstoretest.Client{Email: "heavy", Enable: true, TotalBytes: gib, WithTraffic: true, TrafficEnabled: true, Up: 2 * gib},
	)
	now := time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC)
	svc, _, _ := newService(t, fx.Path, now)

	report, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Disabled)
	assert.Equal(t, int64(1), svc.Observer.Stats().Skipped)
}

func TestStartStopRunsTicks(t *testing.T) {
	fx := opstoretest.New(t)
	fx.AddInbound(nil, opstoretest.Client{Email: "idle", Enable: true})
	now := time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC)
	svc, _, _ := newService(t, fx.Path, now)
	svc.Interval = 5 * time.Millisecond

	svc.Start(context.Background())
	require.Eventually(t, func() bool {
		return svc.Observer.Stats().Ticks >= 2
	}, 2*time.Second, 5*time.Millisecond)
	svc.Stop()

	ticks := svc.Observer.Stats().Ticks
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, ticks, svc.Observer.Stats().Ticks, "no ticks after Stop")
	svc.Stop()
}

func TestRunEnforcesKeysOutsideTheListingRule(t *testing.T) {
	fx := opstoretest.New(t)
	inbound := fx.AddInbound(nil,
		opstoretest.Client{Email: "x", Enable: true, TotalBytes: gib, WithTraffic: true, TrafficEnabled: true, Down: 5 * gib},
	)
	require.False(t, policy.Default().Keys.Valid("x"))
	now := time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC)
	svc, _, ctl := newService(t, fx.Path, now)

	report, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Disabled)
	assert.Equal(t, int64(1), ctl.Cycles())
	assert.Equal(t, false, fx.ClientEntry(inbound, "x")["enable"])
	assert.False(t, fx.Traffic("x").Enable)
}

func TestRunJudgesEveryEntryOfDuplicatedKey(t *testing.T) {
	fx := opstoretest.New(t)
	first := fx.AddInbound(nil, opstoretest.Client{Email: "twin", Enable: false, TotalBytes: gib})
	second := fx.AddInbound(nil, opstoretest.Client{Email: "twin", Enable: true, TotalBytes: gib})
	fx.AddTraffic(second, opstoretest.Client{Email: "twin", TrafficEnabled: false, Down: 3 * gib, TotalBytes: gib})
	now := time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC)
	svc, _, ctl := newService(t, fx.Path, now)

	report, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.QuotaViolations)
	assert.Equal(t, 1, report.Disabled)
	assert.Equal(t, int64(1), ctl.Cycles())
	assert.Equal(t, false, fx.ClientEntry(first, "twin")["enable"])
	assert.Equal(t, false, fx.ClientEntry(second, "twin")["enable"])

	report, err = svc.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Cycled)
}

// flakyAccounts fails or panics on its first calls, then defers to the store.
type flakyAccounts struct {
	Accounts
	calls    atomic.Int32
	failures int32
	panics   int32
}

func (f *flakyAccounts) ListAccounts(ctx context.Context) (opstore.Snapshot, error) {
	n := f.calls.Add(1)
	switch {
	case n <= f.failures:
		return opstore.Snapshot{}, errors.New("database is locked")
	case n <= f.failures+f.panics:
		panic("corrupt snapshot")
	}
	return f.Accounts.ListAccounts(ctx)
}

func TestLoopSurvivesFailingTicks(t *testing.T) {
	fx := opstoretest.New(t)
	inbound := fx.AddInbound(nil,
		opstoretest.Client{Email: "heavy", Enable: true, TotalBytes: gib, WithTraffic: true, TrafficEnabled: true, Up: 2 * gib},
	)
	now := time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC)
	svc, _, ctl := newService(t, fx.Path, now)
	svc.Accounts = &flakyAccounts{Accounts: svc.Accounts, failures: 2, panics: 2}
	svc.Interval = 5 * time.Millisecond

	svc.Start(context.Background())
	require.Eventually(t, func() bool {
		return ctl.Cycles() >= 1
	}, 2*time.Second, 5*time.Millisecond)
	svc.Stop()

	stats := svc.Observer.Stats()
	assert.Equal(t, int64(4), stats.TickFailures)
	assert.GreaterOrEqual(t, stats.Ticks, int64(5))
	assert.Equal(t, int64(1), stats.Disabled["quota"])
	assert.Equal(t, false, fx.ClientEntry(inbound, "heavy")["enable"])
}
