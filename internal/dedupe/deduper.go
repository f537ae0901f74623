package dedupe

import "context"

// Index set of ledger keys already appended (in-memory, redis + bloom).
// Rebuilt from the ledger file on every open, the file stays the source of truth
type Index interface {
	// if alreadySeen=true -> duplicate, the record must be skipped; otherwise id is marked
	Seen(ctx context.Context, id string) (alreadySeen bool, err error)
	// Reset forget every key
	Reset(ctx context.Context) error
}
