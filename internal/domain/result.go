package domain

import "time"

type LeaderboardEntry struct {
	Referral     string  `json:"referral"`
	TotalFeesUSD float64 `json:"totalFeesUSD"`
}

type ChartPoint struct {
	Date           string  `json:"date"`
	DailyFees      float64 `json:"dailyFees"`
	CumulativeFees float64 `json:"cumulativeFees"`
}

type AssetFlow struct {
	Symbol          string  `json:"symbol"`
	TotalInflowUSD  float64 `json:"totalInflowUSD"`
	TotalOutflowUSD float64 `json:"totalOutflowUSD"`
	NetFlowUSD      float64 `json:"netFlowUSD"`
	InflowCount     int64   `json:"inflowCount"`
	OutflowCount    int64   `json:"outflowCount"`
}

type ChainFlow struct {
	Chain           string  `json:"chain"`
	TotalInflowUSD  float64 `json:"totalInflowUSD"`
	TotalOutflowUSD float64 `json:"totalOutflowUSD"`
	NetFlowUSD      float64 `json:"netFlowUSD"`
	InflowCount     int64   `json:"inflowCount"`
	OutflowCount    int64   `json:"outflowCount"`
}

type ProviderFlow struct {
	Provider         string  `json:"provider"`
	TotalInflowUSD   float64 `json:"totalInflowUSD"`
	TotalOutflowUSD  float64 `json:"totalOutflowUSD"`
	NetFlowUSD       float64 `json:"netFlowUSD"`
	InflowCount      int64   `json:"inflowCount"`
	OutflowCount     int64   `json:"outflowCount"`
	TotalFeesUSD     float64 `json:"totalFeesUSD"`
	AverageFeeBps    float64 `json:"averageFeeBps"`
	TransactionCount int64   `json:"transactionCount"`
}

type ProviderAssetFlow struct {
	Provider        string  `json:"provider"`
	Symbol          string  `json:"symbol"`
	TotalInflowUSD  float64 `json:"totalInflowUSD"`
	TotalOutflowUSD float64 `json:"totalOutflowUSD"`
	NetFlowUSD      float64 `json:"netFlowUSD"`
	InflowCount     int64   `json:"inflowCount"`
	OutflowCount    int64   `json:"outflowCount"`
}

type Route struct {
	FromAsset string  `json:"fromAsset"`
	ToAsset   string  `json:"toAsset"`
	VolumeUSD float64 `json:"volumeUSD"`
	Count     int64   `json:"count"`
}

// AggregationStats row accounting of one pass:
// Processed + SkippedNoToken + SkippedNoPrice + MalformedRows == InputRows
type AggregationStats struct {
	InputRows       int64 `json:"inputRows"`
	Processed       int64 `json:"processed"`
	SkippedNoToken  int64 `json:"skippedNoToken"`
	SkippedNoPrice  int64 `json:"skippedNoPrice"`
	MalformedRows   int64 `json:"malformedRows"`
	FilteredRows    int64 `json:"filteredRows"`    // decoded, no fee entries
	OutflowUnpriced int64 `json:"outflowUnpriced"` // processed rows whose outflow side was left out
}

// AggregationResult published snapshot document
type AggregationResult struct {
	Leaderboard        []LeaderboardEntry  `json:"leaderboard"`
	ChartData          []ChartPoint        `json:"chartData"`
	AssetFlows         []AssetFlow         `json:"assetFlows"`
	ChainFlows         []ChainFlow         `json:"chainFlows"`
	ProviderFlows      []ProviderFlow      `json:"providerFlows"`
	ProviderAssetFlows []ProviderAssetFlow `json:"providerAssetFlows"`
	TopRoutes          []Route             `json:"topRoutes"`
	TotalInflowUSD     float64             `json:"totalInflowUSD"`
	TotalOutflowUSD    float64             `json:"totalOutflowUSD"`
	TotalFees          float64             `json:"totalFees"`
	TotalReferrals     int                 `json:"totalReferrals"`
	TotalTransactions  int64               `json:"totalTransactions"`
	Stats              AggregationStats    `json:"stats"`
	LastUpdated        time.Time           `json:"lastUpdated"`
}
