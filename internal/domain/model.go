package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AppFee fee attached to a transaction; Fee is in basis points
type AppFee struct {
	Fee       int    `json:"fee"`
	Recipient string `json:"recipient"`
}

// Raw transaction record from the upstream explorer API
type TransactionRecord struct {
	OriginAsset              string   `json:"originAsset"`
	DestinationAsset         string   `json:"destinationAsset"`
	Referral                 string   `json:"referral"`
	AmountIn                 string   `json:"amountIn"`     // integer minor units
	AmountInUSD              string   `json:"amountInUsd"`  // upstream estimate, informational only
	AmountOut                string   `json:"amountOut"`    // integer minor units
	AmountOutUSD             string   `json:"amountOutUsd"` // upstream estimate, informational only
	Recipient                string   `json:"recipient"`
	OriginChainTxHashes      []string `json:"originChainTxHashes"`
	DestinationChainTxHashes []string `json:"destinationChainTxHashes"`
	AppFees                  []AppFee `json:"appFees"`
	Status                   string   `json:"status"`
	CreatedAt                string   `json:"createdAt"`          // ISO-8601
	CreatedAtTimestamp       int64    `json:"createdAtTimestamp"` // unix seconds
	DepositAddress           string   `json:"depositAddress"`     // dedup key
}

// CreatedTime prefers the ISO timestamp, falls back to the unix one
func (t *TransactionRecord) CreatedTime() (time.Time, bool) {
	if t.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339Nano, t.CreatedAt); err == nil {
			return ts.UTC(), true
		}
	}
	if t.CreatedAtTimestamp > 0 {
		return time.Unix(t.CreatedAtTimestamp, 0).UTC(), true
	}
	return time.Time{}, false
}

// One upstream page
type Page struct {
	Records    []TransactionRecord `json:"data"`
	TotalPages int                 `json:"totalPages"`
	NextPage   *int                `json:"nextPage"`
}

// Checkpoint ingestion progress; overwritten wholesale on every save
type Checkpoint struct {
	Cursor           int       `json:"cursor"`
	SnapshotBoundary *int64    `json:"snapshotBoundary"`
	LastKey          string    `json:"lastKey"`
	TotalProcessed   int64     `json:"totalProcessed"`
	LastUpdated      time.Time `json:"lastUpdated"`
	Completed        bool      `json:"completed"`
}

func NewCheckpoint() *Checkpoint {
	return &Checkpoint{Cursor: 1, LastUpdated: time.Now().UTC()}
}

// Locked boundary is set exactly once per checkpoint lifetime
func (c *Checkpoint) Locked() bool {
	return c.SnapshotBoundary != nil
}

// Normalized fee entry, one per (transaction, app fee)
type FeeEntry struct {
	DepositAddress string
	CreatedAt      time.Time
	Provider       string
	InflowAsset    string
	InflowAmount   decimal.Decimal // minor units
	OutflowAsset   string
	OutflowAmount  decimal.Decimal // minor units
	FeeBps         int
	FeeRecipient   string
	FeeAmount      decimal.Decimal // minor units of InflowAsset
}

// Date UTC calendar day of the entry, chart bucket key
func (f *FeeEntry) Date() string {
	return f.CreatedAt.UTC().Format(time.DateOnly)
}

// Point-in-time asset metadata from the token registry
type TokenInfo struct {
	AssetID  string          `json:"assetId"`
	Symbol   string          `json:"symbol"`
	Decimals int32           `json:"decimals"`
	Price    decimal.Decimal `json:"price"` // USD per whole unit
	Chain    string          `json:"blockchain"`
}

// USD converts a raw minor-unit amount: (raw / 10^decimals) * price
func (t *TokenInfo) USD(raw decimal.Decimal) decimal.Decimal {
	return raw.Shift(-t.Decimals).Mul(t.Price)
}
