package aggregate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"referralfees/internal/config"
	"referralfees/internal/domain"
	"referralfees/internal/fees"
	"referralfees/internal/ledger"
	"referralfees/internal/tokens"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type rows []ledger.Row

func (r rows) Scan(_ context.Context, fn func(ledger.Row) error) error {
	for _, row := range r {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

type failingSource struct{}

func (failingSource) Scan(context.Context, func(ledger.Row) error) error {
	return errors.New("disk gone")
}

// USDC 6 decimals at $1, NEAR 24 decimals at $2, ETH 18 decimals at $3000
func registry() *tokens.Registry {
	return tokens.NewRegistry([]domain.TokenInfo{
		{AssetID: "usdc", Symbol: "USDC", Decimals: 6, Price: decimal.NewFromInt(1), Chain: "eth"},
		{AssetID: "near", Symbol: "NEAR", Decimals: 24, Price: decimal.NewFromInt(2), Chain: "near"},
		{AssetID: "eth", Symbol: "ETH", Decimals: 18, Price: decimal.NewFromInt(3000)},
		{AssetID: "dead", Symbol: "DEAD", Decimals: 6, Price: decimal.Zero, Chain: "eth"},
	})
}

func entry(deposit, provider, in, inAmt, out, outAmt string, bps int, day string) domain.FeeEntry {
	at, _ := time.Parse(time.DateOnly, day)
	amountIn := decimal.RequireFromString(inAmt)
	return domain.FeeEntry{
		DepositAddress: deposit,
		CreatedAt:      at.Add(12 * time.Hour),
		Provider:       provider,
		InflowAsset:    in,
		InflowAmount:   amountIn,
		OutflowAsset:   out,
		OutflowAmount:  decimal.RequireFromString(outAmt),
		FeeBps:         bps,
		FeeRecipient:   provider + "-treasury",
		FeeAmount:      fees.Amount(amountIn, bps),
	}
}

func row(line int, entries ...domain.FeeEntry) ledger.Row {
	r := ledger.Row{Line: line, Entries: entries}
	if len(entries) > 0 {
		r.Key = entries[0].DepositAddress
	}
	return r
}

func run(t *testing.T, src Source, topRoutes int) *domain.AggregationResult {
	t.Helper()
	e := New(zap.NewNop().Sugar(), &config.AggregateConfig{TopRoutes: topRoutes}, nil)
	res, err := e.Run(context.Background(), src, registry())
	require.NoError(t, err)
	return res
}

func TestEngine_VolumeGatedFeesNot(t *testing.T) {
	// 100 USDC in; two fee rows share the deposit address
	res := run(t, rows{
		row(2, entry("dep-1", "app-a", "usdc", "100000000", "near", "0", 25, "2025-07-01")),
		row(3, entry("dep-1", "app-a", "usdc", "100000000", "near", "0", 10, "2025-07-01")),
	}, 50)

	assert.Equal(t, int64(1), res.TotalTransactions)
	assert.InDelta(t, 100.0, res.TotalInflowUSD, 1e-9)

	require.Len(t, res.AssetFlows, 1)
	assert.Equal(t, int64(1), res.AssetFlows[0].InflowCount)
	assert.InDelta(t, 100.0, res.AssetFlows[0].TotalInflowUSD, 1e-9)

	require.Len(t, res.Leaderboard, 1)
	assert.InDelta(t, 0.35, res.Leaderboard[0].TotalFeesUSD, 1e-9)
	assert.InDelta(t, 0.35, res.TotalFees, 1e-9)

	require.Len(t, res.ProviderFlows, 1)
	assert.Equal(t, int64(1), res.ProviderFlows[0].TransactionCount)
	assert.InDelta(t, 35.0, res.ProviderFlows[0].AverageFeeBps, 1e-9)

	// outflow amount zero -> not aggregated, no route
	assert.Equal(t, int64(2), res.Stats.OutflowUnpriced)
	assert.Empty(t, res.TopRoutes)
}

func TestEngine_Flows(t *testing.T) {
	res := run(t, rows{
		// 100 USDC -> 40 NEAR ($80)
		row(2, entry("dep-1", "app-a", "usdc", "100000000", "near", "40000000000000000000000000", 20, "2025-07-01")),
		// 0.1 ETH ($300) -> 290 USDC
		row(3, entry("dep-2", "app-b", "eth", "100000000000000000", "usdc", "290000000", 10, "2025-07-02")),
	}, 50)

	assert.InDelta(t, 400.0, res.TotalInflowUSD, 1e-9)
	assert.InDelta(t, 370.0, res.TotalOutflowUSD, 1e-9)
	assert.Equal(t, 2, res.TotalReferrals)

	byChain := map[string]domain.ChainFlow{}
	for _, c := range res.ChainFlows {
		byChain[c.Chain] = c
	}
	assert.InDelta(t, 100.0, byChain["eth"].TotalInflowUSD, 1e-9)
	assert.InDelta(t, 290.0, byChain["eth"].TotalOutflowUSD, 1e-9)
	assert.InDelta(t, 300.0, byChain[unknownChain].TotalInflowUSD, 1e-9)
	assert.InDelta(t, 80.0, byChain["near"].TotalOutflowUSD, 1e-9)

	// |net|: ETH 300, USDC 190, NEAR 80
	require.Len(t, res.AssetFlows, 3)
	assert.Equal(t, []string{"ETH", "USDC", "NEAR"}, []string{res.AssetFlows[0].Symbol, res.AssetFlows[1].Symbol, res.AssetFlows[2].Symbol})
	assert.InDelta(t, -190.0, res.AssetFlows[1].NetFlowUSD, 1e-9)

	// fees: app-a 0.20, app-b 0.30
	require.Len(t, res.ProviderFlows, 2)
	assert.Equal(t, "app-b", res.ProviderFlows[0].Provider)
	assert.Equal(t, "app-b", res.Leaderboard[0].Referral)
	assert.InDelta(t, 0.3, res.Leaderboard[0].TotalFeesUSD, 1e-9)

	require.Len(t, res.TopRoutes, 2)
	assert.Equal(t, domain.Route{FromAsset: "ETH", ToAsset: "USDC", VolumeUSD: 300, Count: 1}, res.TopRoutes[0])

	found := false
	for _, pa := range res.ProviderAssetFlows {
		if pa.Provider == "app-a" && pa.Symbol == "NEAR" {
			found = true
			assert.InDelta(t, 80.0, pa.TotalOutflowUSD, 1e-9)
			assert.Equal(t, int64(1), pa.OutflowCount)
		}
	}
	assert.True(t, found)
}

func TestEngine_ChartIsCumulative(t *testing.T) {
	res := run(t, rows{
		row(2, entry("dep-3", "app-a", "usdc", "100000000", "usdc", "1", 100, "2025-07-03")),
		row(3, entry("dep-1", "app-a", "usdc", "100000000", "usdc", "1", 100, "2025-07-01")),
		row(4, entry("dep-2", "app-a", "usdc", "200000000", "usdc", "1", 100, "2025-07-01")),
		row(5, entry("dep-4", "app-a", "usdc", "50000000", "usdc", "1", 100, "2025-07-02")),
	}, 50)

	require.Len(t, res.ChartData, 3)
	assert.Equal(t, "2025-07-01", res.ChartData[0].Date)
	assert.Equal(t, "2025-07-02", res.ChartData[1].Date)
	assert.Equal(t, "2025-07-03", res.ChartData[2].Date)

	assert.InDelta(t, 3.0, res.ChartData[0].DailyFees, 1e-9)
	assert.InDelta(t, 3.0, res.ChartData[0].CumulativeFees, 1e-9)
	assert.InDelta(t, 3.5, res.ChartData[1].CumulativeFees, 1e-9)
	assert.InDelta(t, 4.5, res.ChartData[2].CumulativeFees, 1e-9)

	for i := 1; i < len(res.ChartData); i++ {
		assert.GreaterOrEqual(t, res.ChartData[i].CumulativeFees, res.ChartData[i-1].CumulativeFees)
	}
}

func TestEngine_TopRoutesLimitAndTies(t *testing.T) {
	src := rows{
		// USDC→NEAR 10
		row(2, entry("dep-1", "app", "usdc", "10000000", "near", "1000000000000000000000000", 1, "2025-07-01")),
		// NEAR→USDC 10
		row(3, entry("dep-2", "app", "near", "5000000000000000000000000", "usdc", "1", 1, "2025-07-01")),
		// USDC→ETH 50
		row(4, entry("dep-3", "app", "usdc", "50000000", "eth", "1", 1, "2025-07-01")),
		// ETH→NEAR 3
		row(5, entry("dep-4", "app", "eth", "1000000000000000", "near", "1", 1, "2025-07-01")),
	}

	res := run(t, src, 3)
	require.Len(t, res.TopRoutes, 3)
	assert.Equal(t, "USDC", res.TopRoutes[0].FromAsset)
	assert.Equal(t, "ETH", res.TopRoutes[0].ToAsset)
	// equal volume: first seen wins
	assert.Equal(t, "NEAR", res.TopRoutes[1].ToAsset)
	assert.Equal(t, "USDC", res.TopRoutes[2].ToAsset)

	for i := 1; i < len(res.TopRoutes); i++ {
		assert.GreaterOrEqual(t, res.TopRoutes[i-1].VolumeUSD, res.TopRoutes[i].VolumeUSD)
	}
}

func TestEngine_SkipsAndAccountingIdentity(t *testing.T) {
	src := rows{
		{Line: 2, Err: &domain.MalformedRowError{Line: 2, Err: errors.New("bad")}},
		{Line: 3, Key: "dep-filtered"},
		row(4, entry("dep-1", "app", "unknown-asset", "1", "usdc", "1", 10, "2025-07-01")),
		row(5, entry("dep-2", "app", "dead", "1000000", "usdc", "1", 10, "2025-07-01")),
		row(6, entry("dep-3", "app", "usdc", "1000000", "unknown-asset", "5", 10, "2025-07-01")),
		row(7, entry("dep-4", "app", "usdc", "1000000", "near", "1000000000000000000000000", 10, "2025-07-01")),
	}

	res := run(t, src, 50)
	s := res.Stats

	assert.Equal(t, int64(5), s.InputRows)
	assert.Equal(t, int64(1), s.MalformedRows)
	assert.Equal(t, int64(1), s.FilteredRows)
	assert.Equal(t, int64(1), s.SkippedNoToken)
	assert.Equal(t, int64(1), s.SkippedNoPrice)
	assert.Equal(t, int64(2), s.Processed)
	assert.Equal(t, int64(1), s.OutflowUnpriced)
	assert.Equal(t, s.InputRows, s.Processed+s.SkippedNoToken+s.SkippedNoPrice+s.MalformedRows)

	// skipped rows contribute nothing
	assert.Equal(t, int64(2), res.TotalTransactions)
	assert.InDelta(t, 2.0, res.TotalInflowUSD, 1e-9)
	require.Len(t, res.TopRoutes, 1)
	assert.Equal(t, "NEAR", res.TopRoutes[0].ToAsset)
}

func TestEngine_LogsMalformedRows(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	e := New(zap.New(core).Sugar(), nil, nil)

	res, err := e.Run(context.Background(), rows{
		{Line: 7, Err: &domain.MalformedRowError{Line: 7, Err: errors.New("expected 11 columns, got 3")}},
		row(8, entry("dep-1", "app", "usdc", "1000000", "near", "0", 10, "2025-07-01")),
		{Line: 9, Err: &domain.MalformedRowError{Line: 9, Err: errors.New("bad amount")}},
	}, registry())
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Stats.MalformedRows)

	warned := logs.FilterMessageSnippet("malformed ledger row")
	require.Equal(t, 2, warned.Len())
	assert.Contains(t, warned.All()[0].Message, "line=7")
	assert.Contains(t, warned.All()[1].Message, "line=9")
}

func TestEngine_EmptyLedger(t *testing.T) {
	res := run(t, rows{}, 50)
	assert.NotNil(t, res.Leaderboard)
	assert.NotNil(t, res.ChartData)
	assert.NotNil(t, res.TopRoutes)
	assert.Zero(t, res.Stats.InputRows)
	assert.False(t, res.LastUpdated.IsZero())
}

func TestEngine_SourceErrorAborts(t *testing.T) {
	e := New(zap.NewNop().Sugar(), nil, nil)
	_, err := e.Run(context.Background(), failingSource{}, registry())
	require.Error(t, err)
}

func TestEngine_FromLedgerFile(t *testing.T) {
	for _, schema := range []string{ledger.SchemaTransactions, ledger.SchemaFees} {
		t.Run(schema, func(t *testing.T) {
			cfg := &config.LedgerConfig{Path: filepath.Join(t.TempDir(), "ledger.csv"), Schema: schema}
			log := zap.NewNop().Sugar()

			led, err := ledger.Open(context.Background(), log, cfg, nil)
			require.NoError(t, err)
			defer led.Close()

			var txs []domain.TransactionRecord
			for i := 0; i < 3; i++ {
				txs = append(txs, domain.TransactionRecord{
					OriginAsset:      "usdc",
					DestinationAsset: "near",
					Referral:         "app-a",
					AmountIn:         "1000000",
					AmountOut:        "500000000000000000000000",
					AppFees:          []domain.AppFee{{Fee: 25, Recipient: "r1"}, {Fee: 10, Recipient: "r2"}},
					CreatedAt:        "2025-07-01T10:00:00Z",
					DepositAddress:   fmt.Sprintf("dep-%d", i),
				})
			}
			_, err = led.Append(context.Background(), txs)
			require.NoError(t, err)

			res := run(t, led, 50)
			assert.Equal(t, int64(3), res.TotalTransactions)
			assert.InDelta(t, 3.0, res.TotalInflowUSD, 1e-9)
			assert.InDelta(t, 3.0, res.TotalOutflowUSD, 1e-9)
			assert.InDelta(t, 3*0.0035, res.TotalFees, 1e-9)
			require.Len(t, res.ProviderFlows, 1)
			assert.InDelta(t, 35.0, res.ProviderFlows[0].AverageFeeBps, 1e-9)
		})
	}
}
