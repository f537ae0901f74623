// Package aggregate computes the published snapshot from the ledger in one pass.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"referralfees/internal/config"
	"referralfees/internal/domain"
	"referralfees/internal/ledger"
	"referralfees/internal/metrics"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const unknownChain = "Unknown"

// Source ledger rows in stored order
type Source interface {
	Scan(ctx context.Context, fn func(ledger.Row) error) error
}

// Prices resolves an asset id to a token usable for USD conversion
type Prices interface {
	Resolve(assetID string) (domain.TokenInfo, error)
}

type Engine struct {
	log       *zap.SugaredLogger
	topRoutes int
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(log *zap.SugaredLogger, cfg *config.AggregateConfig, m *metrics.Metrics) *Engine {
	topRoutes := 50
	if cfg != nil && cfg.TopRoutes > 0 {
		topRoutes = cfg.TopRoutes
	}
	if m == nil {
		m = metrics.New()
	}
	return &Engine{
		log:       log,
		topRoutes: topRoutes,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type pass struct {
	log    *zap.SugaredLogger
	prices Prices
	stats  domain.AggregationStats

	// volume side, once per deposit address
	seen      map[string]struct{}
	assets    *ordered[string, flow]
	chains    *ordered[string, flow]
	providers *ordered[string, providerAcc]
	provAsset *ordered[domain.ProviderAssetKey, flow]
	routes    *ordered[domain.RouteKey, routeAcc]
	inflow    decimal.Decimal
	outflow   decimal.Decimal

	// fee side, once per fee entry
	referrals *ordered[string, decimal.Decimal]
	daily     map[string]decimal.Decimal
	fees      decimal.Decimal
}

// Run scans every row once. Row-level problems are counted, never returned;
// only a failing Source or a cancelled ctx abort the pass
func (e *Engine) Run(ctx context.Context, src Source, prices Prices) (*domain.AggregationResult, error) {
	p := &pass{
		log:       e.log,
		prices:    prices,
		seen:      make(map[string]struct{}),
		assets:    newOrdered[string, flow](),
		chains:    newOrdered[string, flow](),
		providers: newOrdered[string, providerAcc](),
		provAsset: newOrdered[domain.ProviderAssetKey, flow](),
		routes:    newOrdered[domain.RouteKey, routeAcc](),
		referrals: newOrdered[string, decimal.Decimal](),
		daily:     make(map[string]decimal.Decimal),
	}

	err := src.Scan(ctx, func(row ledger.Row) error {
		p.add(row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger: %w", err)
	}

	res := p.result(e.topRoutes)
	res.LastUpdated = e.now()

	e.observe(&res.Stats)
	e.metrics.SnapshotUnixTime.Set(float64(res.LastUpdated.Unix()))
	e.log.Infof(
		"Aggregation finished, inputRows=%d, processed=%d, skippedNoToken=%d, skippedNoPrice=%d, malformed=%d, filtered=%d, outflowUnpriced=%d, totalFees=%.2f",
		res.Stats.InputRows, res.Stats.Processed, res.Stats.SkippedNoToken, res.Stats.SkippedNoPrice,
		res.Stats.MalformedRows, res.Stats.FilteredRows, res.Stats.OutflowUnpriced, res.TotalFees,
	)

	return res, nil
}

func (e *Engine) observe(s *domain.AggregationStats) {
	e.metrics.AggregateRows.WithLabelValues("processed").Add(float64(s.Processed))
	e.metrics.AggregateRows.WithLabelValues("skipped_no_token").Add(float64(s.SkippedNoToken))
	e.metrics.AggregateRows.WithLabelValues("skipped_no_price").Add(float64(s.SkippedNoPrice))
	e.metrics.AggregateRows.WithLabelValues("malformed").Add(float64(s.MalformedRows))
	e.metrics.AggregateRows.WithLabelValues("filtered").Add(float64(s.FilteredRows))
}

// add one row; its entries share deposit address, inflow and outflow
func (p *pass) add(row ledger.Row) {
	if row.Err != nil {
		p.stats.InputRows++
		p.stats.MalformedRows++

		line := row.Line
		var mre *domain.MalformedRowError
		if errors.As(row.Err, &mre) {
			line = mre.Line
		}
		p.log.Warnf("Skipping malformed ledger row, line=%d, key=%s, error=%v", line, row.Key, row.Err)
		return
	}
	if len(row.Entries) == 0 {
		p.stats.FilteredRows++
		return
	}
	p.stats.InputRows++

	first := &row.Entries[0]
	in, err := p.prices.Resolve(first.InflowAsset)
	switch {
	case errors.Is(err, domain.ErrUnresolvedAsset):
		p.stats.SkippedNoToken++
		return
	case err != nil:
		p.stats.SkippedNoPrice++
		return
	}
	p.stats.Processed++

	inUSD := in.USD(first.InflowAmount)

	out, err := p.prices.Resolve(first.OutflowAsset)
	outPriced := err == nil && !first.OutflowAmount.IsZero()
	var outUSD decimal.Decimal
	if outPriced {
		outUSD = out.USD(first.OutflowAmount)
	} else {
		p.stats.OutflowUnpriced++
	}

	provider := p.providers.get(first.Provider)

	if _, dup := p.seen[first.DepositAddress]; !dup {
		p.seen[first.DepositAddress] = struct{}{}

		p.inflow = p.inflow.Add(inUSD)
		p.assets.get(in.Symbol).addIn(inUSD)
		p.chains.get(chainOf(in)).addIn(inUSD)
		p.provAsset.get(domain.ProviderAssetKey{Provider: first.Provider, Symbol: in.Symbol}).addIn(inUSD)
		provider.addIn(inUSD)
		provider.txCount++

		if outPriced {
			p.outflow = p.outflow.Add(outUSD)
			p.assets.get(out.Symbol).addOut(outUSD)
			p.chains.get(chainOf(out)).addOut(outUSD)
			p.provAsset.get(domain.ProviderAssetKey{Provider: first.Provider, Symbol: out.Symbol}).addOut(outUSD)
			provider.addOut(outUSD)

			r := p.routes.get(domain.RouteKey{From: in.Symbol, To: out.Symbol})
			r.volume = r.volume.Add(inUSD)
			r.count++
		}
	}

	for i := range row.Entries {
		entry := &row.Entries[i]
		feeUSD := in.USD(entry.FeeAmount)

		ref := p.referrals.get(entry.Provider)
		*ref = ref.Add(feeUSD)

		date := entry.Date()
		p.daily[date] = p.daily[date].Add(feeUSD)

		prov := p.providers.get(entry.Provider)
		prov.fees = prov.fees.Add(feeUSD)
		prov.totalBps += int64(entry.FeeBps)

		p.fees = p.fees.Add(feeUSD)
	}
}

func chainOf(t domain.TokenInfo) string {
	if t.Chain == "" {
		return unknownChain
	}
	return t.Chain
}

type ranked[T any] struct {
	key  decimal.Decimal
	item T
}

func rank[K comparable, V, T any](o *ordered[K, V], key func(*V) decimal.Decimal, build func(K, *V) T) []T {
	rs := make([]ranked[T], 0, o.len())
	o.each(func(k K, v *V) {
		rs = append(rs, ranked[T]{key: key(v), item: build(k, v)})
	})
	sortDesc(rs, func(r *ranked[T]) decimal.Decimal { return r.key })

	out := make([]T, len(rs))
	for i := range rs {
		out[i] = rs[i].item
	}
	return out
}

func absNet(f *flow) decimal.Decimal { return f.net().Abs() }

func (p *pass) result(topRoutes int) *domain.AggregationResult {
	res := &domain.AggregationResult{
		Stats:             p.stats,
		TotalInflowUSD:    f64(p.inflow),
		TotalOutflowUSD:   f64(p.outflow),
		TotalFees:         f64(p.fees),
		TotalReferrals:    p.referrals.len(),
		TotalTransactions: int64(len(p.seen)),
	}

	res.Leaderboard = rank(p.referrals,
		func(v *decimal.Decimal) decimal.Decimal { return *v },
		func(k string, v *decimal.Decimal) domain.LeaderboardEntry {
			return domain.LeaderboardEntry{Referral: k, TotalFeesUSD: f64(*v)}
		})

	res.ChartData = chart(p.daily)

	res.AssetFlows = rank(p.assets, absNet, func(k string, v *flow) domain.AssetFlow {
		return domain.AssetFlow{
			Symbol:          k,
			TotalInflowUSD:  f64(v.inflow),
			TotalOutflowUSD: f64(v.outflow),
			NetFlowUSD:      f64(v.net()),
			InflowCount:     v.inCount,
			OutflowCount:    v.outCount,
		}
	})

	res.ChainFlows = rank(p.chains, absNet, func(k string, v *flow) domain.ChainFlow {
		return domain.ChainFlow{
			Chain:           k,
			TotalInflowUSD:  f64(v.inflow),
			TotalOutflowUSD: f64(v.outflow),
			NetFlowUSD:      f64(v.net()),
			InflowCount:     v.inCount,
			OutflowCount:    v.outCount,
		}
	})

	res.ProviderFlows = rank(p.providers,
		func(v *providerAcc) decimal.Decimal { return v.fees },
		func(k string, v *providerAcc) domain.ProviderFlow {
			var avg float64
			if v.txCount > 0 {
				avg = float64(v.totalBps) / float64(v.txCount)
			}
			return domain.ProviderFlow{
				Provider:         k,
				TotalInflowUSD:   f64(v.inflow),
				TotalOutflowUSD:  f64(v.outflow),
				NetFlowUSD:       f64(v.net()),
				InflowCount:      v.inCount,
				OutflowCount:     v.outCount,
				TotalFeesUSD:     f64(v.fees),
				AverageFeeBps:    avg,
				TransactionCount: v.txCount,
			}
		})

	res.ProviderAssetFlows = rank(p.provAsset, absNet, func(k domain.ProviderAssetKey, v *flow) domain.ProviderAssetFlow {
		return domain.ProviderAssetFlow{
			Provider:        k.Provider,
			Symbol:          k.Symbol,
			TotalInflowUSD:  f64(v.inflow),
			TotalOutflowUSD: f64(v.outflow),
			NetFlowUSD:      f64(v.net()),
			InflowCount:     v.inCount,
			OutflowCount:    v.outCount,
		}
	})

	routes := rank(p.routes,
		func(v *routeAcc) decimal.Decimal { return v.volume },
		func(k domain.RouteKey, v *routeAcc) domain.Route {
			return domain.Route{FromAsset: k.From, ToAsset: k.To, VolumeUSD: f64(v.volume), Count: v.count}
		})
	if len(routes) > topRoutes {
		routes = routes[:topRoutes]
	}
	res.TopRoutes = routes

	return res
}

// chart one point per distinct UTC date, ascending, with running totals
func chart(daily map[string]decimal.Decimal) []domain.ChartPoint {
	dates := make([]string, 0, len(daily))
	for d := range daily {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	points := make([]domain.ChartPoint, 0, len(dates))
	cumulative := decimal.Zero
	for _, d := range dates {
		cumulative = cumulative.Add(daily[d])
		points = append(points, domain.ChartPoint{
			Date:           d,
			DailyFees:      f64(daily[d]),
			CumulativeFees: f64(cumulative),
		})
	}
	return points
}
