package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"referralfees/internal/config"
	"referralfees/internal/dedupe"
	"referralfees/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func tx(key string, ts int64, fees ...domain.AppFee) domain.TransactionRecord {
	return domain.TransactionRecord{
		OriginAsset:              "nep141:usdc",
		DestinationAsset:         "nep141:wrap.near",
		Referral:                 "app-1",
		AmountIn:                 "1000000",
		AmountOut:                "250000000000000000000000",
		Recipient:                "alice.near",
		OriginChainTxHashes:      []string{"0xa", "0xb"},
		DestinationChainTxHashes: []string{"near-1"},
		AppFees:                  fees,
		Status:                   "SUCCESS",
		CreatedAt:                "2025-07-01T10:00:00Z",
		CreatedAtTimestamp:       ts,
		DepositAddress:           key,
	}
}

func open(t *testing.T, path, schema string) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), zap.NewNop().Sugar(), &config.LedgerConfig{Path: path, Schema: schema}, dedupe.NewInMemoryDedupe(zap.NewNop().Sugar()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func scanAll(t *testing.T, l *Ledger) []Row {
	t.Helper()
	var rows []Row
	require.NoError(t, l.Scan(context.Background(), func(r Row) error {
		rows = append(rows, r)
		return nil
	}))
	return rows
}

func TestLedger_AppendDeduplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.csv")
	l := open(t, path, SchemaTransactions)
	ctx := context.Background()

	fee := domain.AppFee{Fee: 25, Recipient: "r1"}
	res, err := l.Append(ctx, []domain.TransactionRecord{
		tx("dep-1", 100, fee),
		tx("dep-2", 99, fee),
		tx("dep-1", 100, fee), // repeated inside the batch
		tx("", 98, fee),
	})
	require.NoError(t, err)
	require.Len(t, res.Appended, 2)
	assert.Equal(t, "dep-1", res.Appended[0].DepositAddress)
	assert.Equal(t, "dep-2", res.Appended[1].DepositAddress)
	assert.Equal(t, 2, res.Fresh)
	assert.Equal(t, 1, res.Rejected)

	res, err = l.Append(ctx, []domain.TransactionRecord{tx("dep-2", 99, fee), tx("dep-3", 97)})
	require.NoError(t, err)
	require.Len(t, res.Appended, 1)
	assert.Equal(t, "dep-3", res.Appended[0].DepositAddress)

	assert.Equal(t, int64(3), l.Rows())

	rows := scanAll(t, l)
	require.Len(t, rows, 3)
	require.NoError(t, rows[0].Err)
	require.Len(t, rows[0].Entries, 1)
	assert.Equal(t, "2500", rows[0].Entries[0].FeeAmount.String())
	// no fees -> filtered, not malformed
	assert.NoError(t, rows[2].Err)
	assert.Empty(t, rows[2].Entries)
}

func TestLedger_ReopenSeedsIndexAndWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.csv")
	ctx := context.Background()

	l := open(t, path, SchemaTransactions)
	_, err := l.Append(ctx, []domain.TransactionRecord{tx("dep-1", 100), tx("dep-2", 99)})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	l = open(t, path, SchemaTransactions)
	assert.Equal(t, int64(2), l.Rows())

	res, err := l.Append(ctx, []domain.TransactionRecord{tx("dep-1", 100), tx("dep-2", 99)})
	require.NoError(t, err)
	assert.Empty(t, res.Appended)
	assert.Zero(t, res.Fresh)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, strings.Count(string(after), "CreatedAt,CreatedAtUnix"))
}

func TestLedger_RoundTripsTransaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.csv")
	l := open(t, path, SchemaTransactions)

	in := tx("dep-1", 100, domain.AppFee{Fee: 25, Recipient: "r1"}, domain.AppFee{Fee: 10, Recipient: "r2"})
	_, err := l.Append(context.Background(), []domain.TransactionRecord{in})
	require.NoError(t, err)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
	require.Len(t, lines, 2)

	rows := scanAll(t, l)
	require.Len(t, rows, 1)
	assert.Equal(t, "dep-1", rows[0].Key)
	require.Len(t, rows[0].Entries, 2)
	assert.Equal(t, "2500", rows[0].Entries[0].FeeAmount.String())
	assert.Equal(t, "1000", rows[0].Entries[1].FeeAmount.String())
	assert.Equal(t, "r2", rows[0].Entries[1].FeeRecipient)
}

func TestLedger_RepairsTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.csv")
	ctx := context.Background()

	l := open(t, path, SchemaTransactions)
	_, err := l.Append(ctx, []domain.TransactionRecord{tx("dep-1", 100)})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	good, err := os.ReadFile(path)
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`2025-07-01T11:00:00Z,1751367600,app-1,nep141:us`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l = open(t, path, SchemaTransactions)
	assert.Equal(t, int64(1), l.Rows())

	repaired, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, good, repaired)

	res, err := l.Append(ctx, []domain.TransactionRecord{tx("dep-2", 99)})
	require.NoError(t, err)
	assert.Len(t, res.Appended, 1)
	assert.Len(t, scanAll(t, l), 2)
}

func TestLedger_MalformedRowsDoNotAbortScan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.csv")
	ctx := context.Background()

	l := open(t, path, SchemaTransactions)
	_, err := l.Append(ctx, []domain.TransactionRecord{tx("dep-1", 100, domain.AppFee{Fee: 25, Recipient: "r1"})})
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("only,three,columns\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	bad := tx("dep-3", 98, domain.AppFee{Fee: 25, Recipient: "r1"})
	bad.AmountIn = "not-a-number"
	good := tx("dep-4", 97, domain.AppFee{Fee: 10, Recipient: "r2"})
	_, err = l.Append(ctx, []domain.TransactionRecord{bad, good})
	require.NoError(t, err)

	rows := scanAll(t, l)
	require.Len(t, rows, 4)

	var malformed int
	for _, r := range rows {
		var mre *domain.MalformedRowError
		if errors.As(r.Err, &mre) {
			malformed++
			assert.Positive(t, mre.Line)
		}
	}
	assert.Equal(t, 2, malformed)
	assert.Equal(t, "dep-4", rows[3].Key)
	require.Len(t, rows[3].Entries, 1)
}

func TestLedger_HeaderMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b,c\n"), 0o644))

	_, err := Open(context.Background(), zap.NewNop().Sugar(), &config.LedgerConfig{Path: path, Schema: SchemaTransactions}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match schema")
}

func TestLedger_FeesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fees.csv")
	l := open(t, path, SchemaFees)
	ctx := context.Background()

	res, err := l.Append(ctx, []domain.TransactionRecord{
		tx("dep-1", 100, domain.AppFee{Fee: 25, Recipient: "r1"}, domain.AppFee{Fee: 10, Recipient: "r2"}),
		tx("dep-2", 99), // no fee specs -> nothing stored
	})
	require.NoError(t, err)
	require.Len(t, res.Appended, 1)
	assert.Equal(t, 2, res.Fresh)
	assert.Equal(t, int64(2), l.Rows())

	rows := scanAll(t, l)
	require.Len(t, rows, 2)
	for _, r := range rows {
		require.NoError(t, r.Err)
		assert.Equal(t, "dep-1", r.Key)
		require.Len(t, r.Entries, 1)
	}
	assert.Equal(t, "2500", rows[0].Entries[0].FeeAmount.String())
	assert.Equal(t, 10, rows[1].Entries[0].FeeBps)
	assert.Equal(t, "2025-07-01", rows[1].Entries[0].Date())

	require.NoError(t, l.Close())
	l = open(t, path, SchemaFees)
	res, err = l.Append(ctx, []domain.TransactionRecord{tx("dep-1", 100, domain.AppFee{Fee: 25, Recipient: "r1"})})
	require.NoError(t, err)
	assert.Empty(t, res.Appended)
}

func TestReader_MissingFileIsEmpty(t *testing.T) {
	r, err := NewReader(&config.LedgerConfig{Path: filepath.Join(t.TempDir(), "absent.csv")})
	require.NoError(t, err)

	calls := 0
	require.NoError(t, r.Scan(context.Background(), func(Row) error {
		calls++
		return nil
	}))
	assert.Zero(t, calls)
}
