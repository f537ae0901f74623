package redis

import (
	"context"
	"fmt"
	"strings"

	"referralfees/internal/config"
	"referralfees/internal/dedupe"
	rdb "referralfees/internal/stores/redis"

	"go.uber.org/zap"
)

var _ dedupe.Index = (*RedisDedupe)(nil)

const scanBatch = 500

type RedisDedupe struct {
	log    *zap.SugaredLogger
	rdb    *rdb.Client
	prefix string
	bloom  *Bloom // optional
}

// Shared dedupe index on Redis SETNX, keys live until Reset
// prefix example "referralfees:seen:"
func NewRedisDeduper(log *zap.SugaredLogger, cfg *config.DedupeConfig, rdb *rdb.Client, bloom *Bloom) (*RedisDedupe, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required to the redis deduper")
	}
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required to the redis deduper")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "dedupe:"
	}
	// Reset scans prefix*, a filter under it would be dropped and could collide with an id
	if bloom != nil && strings.HasPrefix(bloom.Key, prefix) {
		return nil, fmt.Errorf("bloom key %s must not live under dedupe prefix %s", bloom.Key, prefix)
	}

	return &RedisDedupe{
		log:    log,
		rdb:    rdb,
		prefix: prefix,
		bloom:  bloom,
	}, nil
}

func (d *RedisDedupe) Seen(ctx context.Context, id string) (bool, error) {
	// bloom "definitely not seen" -> new key, plain SET is enough.
	// "probably seen" is only a hint, SETNX decides
	if d.bloom != nil {
		exists, err := d.bloom.Exists(ctx, id)
		if err == nil && !exists {
			if err = d.rdb.Set(ctx, d.prefix+id, 1, 0).Err(); err != nil {
				return false, fmt.Errorf("redis SET error=%w", err)
			}
			if _, err = d.bloom.Add(ctx, id); err != nil {
				d.log.Errorf("Failed to add bloom id %s, err=%v", id, err)
			}
			return false, nil
		}
	}

	ok, err := d.rdb.SetNX(ctx, d.prefix+id, 1, 0).Result()
	if err != nil {
		d.log.Errorf("Redis SetNX error=%v", err)
		return false, fmt.Errorf("redis SetNX error=%w", err)
	}

	seen := !ok // ok=true -> new ID; ok=false -> seen
	if !seen && d.bloom != nil {
		if _, err = d.bloom.Add(ctx, id); err != nil {
			d.log.Errorf("Failed to add bloom id %s, err=%v", id, err)
		}
	}

	return seen, nil
}

// Reset drop every key under prefix and recreate the bloom filter
func (d *RedisDedupe) Reset(ctx context.Context) error {
	var (
		cursor  uint64
		dropped int
	)
	for {
		keys, next, err := d.rdb.Scan(ctx, cursor, d.prefix+"*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("redis SCAN %s* error=%w", d.prefix, err)
		}
		if len(keys) > 0 {
			if err = d.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis DEL error=%w", err)
			}
			dropped += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if d.bloom != nil {
		if err := d.rdb.Del(ctx, d.bloom.Key).Err(); err != nil {
			return fmt.Errorf("failed to drop bloom %s, error=%w", d.bloom.Key, err)
		}
		if err := d.bloom.Ensure(ctx); err != nil {
			// index still correct without the prefilter
			d.log.Warnf("Bloom prefilter unavailable, disabling it, error=%v", err)
			d.bloom = nil
		}
	}

	d.log.Infof("Redis dedupe index reset, prefix=%s, dropped=%d", d.prefix, dropped)
	return nil
}
