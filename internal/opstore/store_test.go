package opstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotawarden/internal/opstore"
	"quotawarden/internal/opstore/opstoretest"
)

const gib = opstoretest.GiB

func TestListAccountsMissingFile(t *testing.T) {
	st := opstore.New(filepath.Join(t.TempDir(), "absent.db"), opstore.Options{})
	_, err := st.ListAccounts(context.Background())
	require.ErrorIs(t, err, opstore.ErrStoreUnavailable)
}

func TestListAccountsMergesTrafficRows(t *testing.T) {
	fx := opstoretest.New(t)
	inbound := fx.AddInbound(map[string]any{"decryption": "none"},
		opstoretest.Client{Email: "alice", Enable: true, TotalBytes: 10 * gib, WithTraffic: true, TrafficEnabled: true, Up: 3 * gib, Down: 2 * gib, LastOnline: 1700000000000},
		opstoretest.Client{Email: "bob", Enable: false, ExpiryTime: 1700000000000},
	)

	st := opstore.New(fx.Path, opstore.Options{})
	snap, err := st.ListAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Accounts, 2)
	require.Empty(t, snap.Skipped)

	alice, ok := snap.Find("alice")
	require.True(t, ok)
	assert.Equal(t, inbound, alice.InboundID)
	assert.True(t, alice.Enabled)
	assert.True(t, alice.HasTraffic)
	assert.Equal(t, 10*gib, alice.QuotaBytes)
	assert.Equal(t, 5*gib, alice.UsedBytes())
	assert.Equal(t, int64(1700000000000), alice.LastSeenMs)
	assert.True(t, alice.MirrorConsistent())

	bob, ok := snap.Find("bob")
	require.True(t, ok)
	assert.False(t, bob.HasTraffic)
	assert.Equal(t, int64(1700000000000), bob.ExpiryAtMs)
}

func TestListAccountsSkipsCorruptInbound(t *testing.T) {
	fx := opstoretest.New(t)
	bad := fx.AddRawInbound(`{"clients": [{"email": "x", "enable": "yes"`)
	fx.AddRawInbound(`{"clients": "not-a-list"}`)
	fx.AddInbound(nil, opstoretest.Client{Email: "carol", Enable: true})

	st := opstore.New(fx.Path, opstore.Options{})
	snap, err := st.ListAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Accounts, 1)
	require.Len(t, snap.Skipped, 2)
	assert.Equal(t, bad, snap.Skipped[0].InboundID)

	var decodeErr *opstore.DecodeError
	require.True(t, errors.As(snap.Skipped[1], &decodeErr))
}

func TestListAccountsKeepsShortKeys(t *testing.T) {
	fx := opstoretest.New(t)
	fx.AddInbound(nil,
		opstoretest.Client{Email: "a", Enable: true},
		opstoretest.Client{Email: "", Enable: true},
		opstoretest.Client{Email: "long-enough", Enable: true},
	)
	st := opstore.New(fx.Path, opstore.Options{})
	snap, err := st.ListAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Accounts, 2)
	assert.Equal(t, "a", snap.Accounts[0].Key)
	assert.Equal(t, "long-enough", snap.Accounts[1].Key)
}

func TestListAccountsReportsDuplicateEntries(t *testing.T) {
	fx := opstoretest.New(t)
	first := fx.AddInbound(nil, opstoretest.Client{Email: "shared", Enable: false, TotalBytes: 10})
	second := fx.AddInbound(nil, opstoretest.Client{Email: "shared", Enable: true, TotalBytes: 20})

	snap, err := opstore.New(fx.Path, opstore.Options{}).ListAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Accounts, 1)
	assert.Equal(t, first, snap.Accounts[0].InboundID)
	assert.False(t, snap.Accounts[0].Enabled)

	require.Len(t, snap.Duplicates, 1)
	assert.Equal(t, second, snap.Duplicates[0].InboundID)
	assert.True(t, snap.Duplicates[0].Enabled)
	assert.Equal(t, uint64(20), snap.Duplicates[0].QuotaBytes)
}

func TestSetEnabledMirrorsTrafficRow(t *testing.T) {
	fx := opstoretest.New(t)
	inbound := fx.AddInbound(nil,
		opstoretest.Client{Email: "alice", Enable: true, WithTraffic: true, TrafficEnabled: true},
	)
	st := opstore.New(fx.Path, opstore.Options{})
	ctx := context.Background()

	require.NoError(t, st.SetEnabled(ctx, "alice", false))
	assert.Equal(t, false, fx.ClientEntry(inbound, "alice")["enable"])
	assert.False(t, fx.Traffic("alice").Enable)

	require.NoError(t, st.SetEnabled(ctx, "alice", true))
	assert.Equal(t, true, fx.ClientEntry(inbound, "alice")["enable"])
	assert.True(t, fx.Traffic("alice").Enable)

	acct, err := st.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acct.MirrorConsistent())
}

func TestUpdateUnknownKey(t *testing.T) {
	fx := opstoretest.New(t)
	fx.AddInbound(nil, opstoretest.Client{Email: "alice", Enable: true})
	st := opstore.New(fx.Path, opstore.Options{})

	err := st.SetQuota(context.Background(), "ghost", gib)
	require.ErrorIs(t, err, opstore.ErrAccountNotFound)
}

func TestUpdateQuotaAndExpiryInOneWrite(t *testing.T) {
	fx := opstoretest.New(t)
	inbound := fx.AddInbound(nil,
		opstoretest.Client{Email: "alice", Enable: false, TotalBytes: gib, ExpiryTime: 5, WithTraffic: true},
	)
	st := opstore.New(fx.Path, opstore.Options{})

	quota := uint64(0)
	expiry := int64(0)
	enabled := true
	require.NoError(t, st.Update(context.Background(), "alice", opstore.Changes{
		Enabled: &enabled, QuotaBytes: &quota, ExpiryAtMs: &expiry,
	}))

	entry := fx.ClientEntry(inbound, "alice")
	assert.Equal(t, float64(0), entry["totalGB"])
	assert.Equal(t, float64(0), entry["expiryTime"])
	assert.Equal(t, true, entry["enable"])
	tr := fx.Traffic("alice")
	assert.True(t, tr.Enable)
	assert.Equal(t, int64(0), tr.ExpiryTime)
}

func TestRewritePreservesUnrelatedClientsAndFields(t *testing.T) {
	fx := opstoretest.New(t)
	inbound := fx.AddInbound(
		map[string]any{"decryption": "none", "fallbacks": []any{map[string]any{"dest": 80}}},
		opstoretest.Client{Email: "alice", Enable: true, Extra: map[string]any{"id": "uuid-a", "flow": "xtls-rprx-vision", "limitIp": 2}},
		opstoretest.Client{Email: "bob", Enable: true, TotalBytes: 7 * gib, Extra: map[string]any{"id": "uuid-b", "subId": "s<b>", "tgId": ""}},
	)
	before := fx.Settings(inbound)

	st := opstore.New(fx.Path, opstore.Options{})
	require.NoError(t, st.SetEnabled(context.Background(), "alice", false))

	after := fx.Settings(inbound)
	assert.Equal(t, before["decryption"], after["decryption"])
	assert.Equal(t, before["fallbacks"], after["fallbacks"])

	beforeClients := before["clients"].([]any)
	afterClients := after["clients"].([]any)
	require.Len(t, afterClients, 2)
	assert.Equal(t, beforeClients[1], afterClients[1])

	alice := afterClients[0].(map[string]any)
	assert.Equal(t, false, alice["enable"])
	assert.Equal(t, "xtls-rprx-vision", alice["flow"])
	assert.Equal(t, "uuid-a", alice["id"])
	assert.Equal(t, float64(2), alice["limitIp"])
}

func TestDisableAccountsBatch(t *testing.T) {
	fx := opstoretest.New(t)
	first := fx.AddInbound(nil,
		opstoretest.Client{Email: "alice", Enable: true, WithTraffic: true, TrafficEnabled: true},
		opstoretest.Client{Email: "bob", Enable: true, WithTraffic: true, TrafficEnabled: true},
	)
	second := fx.AddInbound(nil,
		opstoretest.Client{Email: "carol", Enable: true, WithTraffic: true, TrafficEnabled: true},
	)
	st := opstore.New(fx.Path, opstore.Options{})

	found, err := st.DisableAccounts(context.Background(), []string{"alice", "carol", "ghost"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "carol"}, found)

	assert.Equal(t, false, fx.ClientEntry(first, "alice")["enable"])
	assert.Equal(t, true, fx.ClientEntry(first, "bob")["enable"])
	assert.Equal(t, false, fx.ClientEntry(second, "carol")["enable"])
	assert.False(t, fx.Traffic("alice").Enable)
	assert.True(t, fx.Traffic("bob").Enable)
	assert.False(t, fx.Traffic("carol").Enable)
}

func TestResetUsageCounters(t *testing.T) {
	fx := opstoretest.New(t)
	fx.AddInbound(nil,
		opstoretest.Client{Email: "alice", Enable: true, WithTraffic: true, TrafficEnabled: true, Up: 4 * gib, Down: gib},
		opstoretest.Client{Email: "bob", Enable: true, WithTraffic: true, TrafficEnabled: true, Up: gib},
	)
	st := opstore.New(fx.Path, opstore.Options{})
	ctx := context.Background()

	usage, err := st.Usage(ctx, "alice")
	require.NoError(t, err)
	require.True(t, usage.Found)
	assert.Equal(t, 5*gib, usage.Total())

	require.NoError(t, st.ResetUsageCounters(ctx, "alice", opstore.ResetZero))
	tr := fx.Traffic("alice")
	require.True(t, tr.Found)
	assert.Zero(t, tr.Up)
	assert.Zero(t, tr.Down)

	require.NoError(t, st.ResetUsageCounters(ctx, "bob", opstore.ResetPurge))
	assert.False(t, fx.Traffic("bob").Found)

	usage, err = st.Usage(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, usage.Found)

	require.NoError(t, st.ResetUsageCounters(ctx, "ghost", opstore.ResetZero))
}

func TestUpdateRollsBackWhenMirrorFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, settings FROM inbounds ORDER BY id`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "settings"}).
			AddRow(1, `{"clients":[{"email":"alice","enable":true}]}`))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE inbounds SET settings = ? WHERE id = ?`)).
		WithArgs(sqlmock.AnyArg(), 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE client_traffics SET enable = ? WHERE email = ?`)).
		WithArgs(false, "alice").
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	st := opstore.NewWithDB(db, opstore.Options{})
	err = st.SetEnabled(context.Background(), "alice", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mirror traffic rows")
	assert.NoError(t, mock.ExpectationsWereMet())
}
