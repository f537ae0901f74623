package redis

import (
	"context"
	"errors"
	"fmt"

	"referralfees/internal/config"
	rdb "referralfees/internal/stores/redis"
)

/*
The Bloom prefilter is a probabilistic "seen/not seen" filter in front of the SETNX keys.
A ledger must never drop a record on a false positive, so only the negative answer is trusted:
	- "definitely not seen" -> the key is new, written without SETNX;
	- "probably seen" -> SETNX decides.
*/

type Bloom struct {
	rdb      *rdb.Client
	Key      string
	Capacity int64
	ErrRate  float64
}

func NewBloom(cfg *config.BloomConfig, rdb *rdb.Client) (*Bloom, error) {
	if cfg == nil {
		return nil, errors.New("bloom config is required to the bloom")
	}
	if rdb == nil {
		return nil, errors.New("redis client is required to the bloom")
	}

	key := cfg.Key
	if key == "" {
		key = "referralfees:bf:seen"
	}

	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 1_000_000
	}

	errRate := cfg.ErrRate
	if errRate <= 0 {
		errRate = 0.001
	}

	return &Bloom{
		rdb:      rdb,
		Key:      key,
		Capacity: capacity,
		ErrRate:  errRate,
	}, nil
}

// Ensure create filter if not exists. Repeated calls are safe
func (b *Bloom) Ensure(ctx context.Context) error {
	exists, err := b.rdb.Exists(ctx, b.Key).Result()
	if err != nil {
		return fmt.Errorf("failed to check if redis exists to the bloom, error: %w", err)
	}
	if exists > 0 {
		return nil // exists
	}

	// try added
	res := b.rdb.Do(ctx, "BF.RESERVE", b.Key, b.ErrRate, b.Capacity)
	if res.Err() != nil {
		return fmt.Errorf("BF.RESERVE failed: %w", res.Err()) // if module not load -> err unknown command 'BF.RESERVE'
	}

	return nil
}

// Add item to the filter. Returns true if it was not there
func (b *Bloom) Add(ctx context.Context, item string) (bool, error) {
	res := b.rdb.Do(ctx, "BF.ADD", b.Key, item)
	if err := res.Err(); err != nil {
		return false, fmt.Errorf("failed to add item to bloom: %w", err)
	}

	// BF.ADD -> 1 new item; 0 probably present already
	v, err := res.Int()
	return v == 1, err
}

// Exists true -> item "probably" exists
func (b *Bloom) Exists(ctx context.Context, item string) (bool, error) {
	res := b.rdb.Do(ctx, "BF.EXISTS", b.Key, item)
	if err := res.Err(); err != nil {
		return false, fmt.Errorf("failed to check if item exists to bloom: %w", err)
	}
	v, err := res.Int()
	return v == 1, err
}
