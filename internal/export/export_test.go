package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"quotawarden/internal/admin"
	"quotawarden/internal/calendar"
	"quotawarden/internal/policy"
)

func sampleAccounts() []admin.AccountView {
	return []admin.AccountView{
		{
			Key:             "alice",
			Enabled:         true,
			Tier:            policy.TierGold,
			QuotaBytes:      100 * policy.GiB,
			UsedBytes:       policy.GiB / 2,
			LifetimeBytes:   3 * policy.GiB,
			ExpiryDate:      calendar.Date{Year: 2026, Month: time.May, Day: 1},
			LastSeen:        "5m",
			PaymentStatus:   policy.PaymentOK,
			NextPaymentDate: calendar.Date{Year: 2026, Month: time.May, Day: 1},
			MonthlyPrice:    12,
			Folder:          "GSM",
			Notes:           "rack, top shelf",
		},
		{
			Key:           "bob",
			Tier:          policy.TierUnlimited,
			PaymentStatus: policy.PaymentNone,
			Folder:        "All",
		},
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" PDF ")
	require.NoError(t, err)
	assert.Equal(t, FormatPDF, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, f)

	_, err = ParseFormat("docx")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatCSV, sampleAccounts()))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, headers, records[0])
	assert.Equal(t, []string{
		"alice", "active", "gold", "100.00", "0.50", "3.00", "2026-05-01", "5m", "ok", "2026-05-01", "12.00", "GSM", "rack, top shelf",
	}, records[1])
	assert.Equal(t, "passive", records[2][1])
	assert.Equal(t, "unlimited", records[2][3])
	assert.Equal(t, "never", records[2][6])
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatXLSX, sampleAccounts()))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(sheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Account", rows[0][0])
	assert.Equal(t, "alice", rows[1][0])
	assert.Equal(t, "passive", rows[2][1])
}

func TestWritePDF(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatPDF, sampleAccounts()))
	assert.True(t, strings.HasPrefix(buf.String(), "%PDF"))
}

func TestFilename(t *testing.T) {
	at := time.Date(2026, 3, 9, 14, 5, 0, 0, time.UTC)
	assert.Equal(t, "accounts_20260309_1405.csv", Filename(FormatCSV, at))
}

func TestUploaderRoundTrip(t *testing.T) {
	endpoint := os.Getenv("QW_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("QW_TEST_MINIO_ENDPOINT not set")
	}
	u, err := NewUploader(endpoint, os.Getenv("QW_TEST_MINIO_ACCESS_KEY"), os.Getenv("QW_TEST_MINIO_SECRET_KEY"), "quotawarden-test", false)
	require.NoError(t, err)

	ctx := context.Background()
	if err := u.EnsureBucket(ctx); err != nil {
		t.Skipf("object store not reachable: %v", err)
	}
	key, err := u.Upload(ctx, FormatCSV, sampleAccounts(), time.Now())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "reports/accounts_"))
}

func TestNewUploaderRequiresBucket(t *testing.T) {
	_, err := NewUploader("localhost:9000", "k", "s", "", false)
	assert.Error(t, err)
}
