//go:build ignore

// Run: go run ./build-tools/fakeupstream.go -records 5000 -referrals app-1,app-2,app-3 -days 30
//
// Serves a generated explorer history and token registry on local ports so ingest,
// aggregate-and-publish and serve can run end to end without credentials:
//
//	EXPLORER_API_KEY=<printed token> CONFIG=cmd/feeindexer/config.yaml go run ./cmd/feeindexer ingest
//
// with upstream.base_url and tokens.url pointed at the printed addresses.

package main

import (
	"flag"
	"fmt"
	"math/big"
	mrand "math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"referralfees/internal/domain"
	"referralfees/internal/upstream/upstreamtest"

	"github.com/shopspring/decimal"
)

type asset struct {
	id       string
	symbol   string
	decimals int32
	price    string
	chain    string
	minWhole int64
	maxWhole int64
}

var assets = []asset{
	{"nep141:usdc.near", "USDC", 6, "1", "near", 10, 50_000},
	{"nep141:wrap.near", "wNEAR", 24, "2.75", "near", 5, 20_000},
	{"nep141:eth.omft.near", "ETH", 18, "3100", "eth", 0, 15},
	{"nep141:btc.omft.near", "BTC", 8, "64000", "btc", 0, 2},
	{"nep141:sol.omft.near", "SOL", 9, "150", "sol", 1, 300},
}

func main() {
	var (
		records   = flag.Int("records", 2000, "history size")
		referrals = flag.String("referrals", "app-1,app-2,app-3", "comma-separated referral ids")
		days      = flag.Int("days", 30, "history spread in days, ending now")
		feeBps    = flag.Int("fee-bps", 25, "fee in basis points attached to every record")
		seed      = flag.Int64("seed", 42, "random seed")
		honor     = flag.Bool("honor-boundary", true, "apply endTimestampUnix on the server side")
	)
	flag.Parse()

	refs := splitTrim(*referrals)
	if len(refs) == 0 {
		fmt.Println("no referrals provided")
		os.Exit(1)
	}

	rng := mrand.New(mrand.NewSource(*seed))
	now := time.Now().UTC().Unix()
	span := int64(*days) * 24 * 3600

	history := make([]domain.TransactionRecord, 0, *records)
	for i := 0; i < *records; i++ {
		in := assets[rng.Intn(len(assets))]
		out := assets[rng.Intn(len(assets))]
		ts := now - rng.Int63n(span+1)

		history = append(history, domain.TransactionRecord{
			OriginAsset:        in.id,
			DestinationAsset:   out.id,
			Referral:           refs[rng.Intn(len(refs))],
			AmountIn:           minorUnits(rng, in),
			AmountOut:          minorUnits(rng, out),
			Recipient:          fmt.Sprintf("user-%d.near", rng.Intn(500)),
			AppFees:            []domain.AppFee{{Fee: *feeBps, Recipient: "fees.near"}},
			Status:             "SUCCESS",
			CreatedAt:          time.Unix(ts, 0).UTC().Format(time.RFC3339),
			CreatedAtTimestamp: ts,
			DepositAddress:     fmt.Sprintf("dep-%08d", i),
		})
	}

	explorer := upstreamtest.New(history, *honor)
	defer explorer.Close()

	tokens := make([]domain.TokenInfo, 0, len(assets))
	for _, a := range assets {
		tokens = append(tokens, domain.TokenInfo{
			AssetID:  a.id,
			Symbol:   a.symbol,
			Decimals: a.decimals,
			Price:    decimal.RequireFromString(a.price),
			Chain:    a.chain,
		})
	}
	registry := upstreamtest.Registry(tokens)
	defer registry.Close()

	fmt.Printf("explorer: %s (token %q), records=%d\n", explorer.URL, upstreamtest.Token, len(history))
	fmt.Printf("registry: %s, tokens=%d\n", registry.URL, len(tokens))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	fmt.Printf("served %d explorer requests\n", explorer.Requests())
}

// minorUnits random whole amount plus a fraction, scaled to the asset decimals
func minorUnits(rng *mrand.Rand, a asset) string {
	whole := a.minWhole
	if a.maxWhole > a.minWhole {
		whole += rng.Int63n(a.maxWhole - a.minWhole)
	}
	v := decimal.NewFromInt(whole).Add(decimal.NewFromFloat(rng.Float64()).Round(4))
	scaled := v.Shift(a.decimals).BigInt()
	if scaled.Sign() <= 0 {
		scaled = big.NewInt(1)
	}
	return scaled.String()
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
