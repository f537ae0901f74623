package aggregate

import (
	"sort"

	"github.com/shopspring/decimal"
)

// ordered map keeping first-insertion order; the order breaks ties in every sort
type ordered[K comparable, V any] struct {
	idx  map[K]int
	keys []K
	vals []*V
}

func newOrdered[K comparable, V any]() *ordered[K, V] {
	return &ordered[K, V]{idx: make(map[K]int)}
}

func (o *ordered[K, V]) get(k K) *V {
	if i, ok := o.idx[k]; ok {
		return o.vals[i]
	}
	v := new(V)
	o.idx[k] = len(o.keys)
	o.keys = append(o.keys, k)
	o.vals = append(o.vals, v)
	return v
}

func (o *ordered[K, V]) len() int { return len(o.keys) }

func (o *ordered[K, V]) each(fn func(k K, v *V)) {
	for i, k := range o.keys {
		fn(k, o.vals[i])
	}
}

type flow struct {
	inflow   decimal.Decimal
	outflow  decimal.Decimal
	inCount  int64
	outCount int64
}

func (f *flow) addIn(usd decimal.Decimal) {
	f.inflow = f.inflow.Add(usd)
	f.inCount++
}

func (f *flow) addOut(usd decimal.Decimal) {
	f.outflow = f.outflow.Add(usd)
	f.outCount++
}

func (f *flow) net() decimal.Decimal {
	return f.inflow.Sub(f.outflow)
}

type providerAcc struct {
	flow
	fees     decimal.Decimal
	totalBps int64
	txCount  int64
}

type routeAcc struct {
	volume decimal.Decimal
	count  int64
}

// sortDesc stable: equal keys keep first-seen order
func sortDesc[T any](items []T, key func(*T) decimal.Decimal) {
	sort.SliceStable(items, func(i, j int) bool {
		return key(&items[i]).GreaterThan(key(&items[j]))
	})
}

func f64(d decimal.Decimal) float64 {
	return d.InexactFloat64()
}
