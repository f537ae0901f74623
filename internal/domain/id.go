package domain

// RouteKey ordered (inflow, outflow) symbol pair
type RouteKey struct {
	From string
	To   string
}

// ProviderAssetKey per-(provider, asset) flow bucket
type ProviderAssetKey struct {
	Provider string
	Symbol   string
}
