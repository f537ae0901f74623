package clickhouse

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"referralfees/internal/config"

	ch "github.com/ClickHouse/clickhouse-go/v2"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

type Conn struct {
	Native ch.Conn
}

func New(ctx context.Context, cfg *config.ClickHouseConfig) (*Conn, error) {
	if cfg == nil {
		return nil, fmt.Errorf("clickhouse config cannot be nil")
	}
	opts, err := ch.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed parse DSN ch, error=%w", err)
	}

	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}

	if opts.Compression == nil {
		opts.Compression = &ch.Compression{Method: ch.CompressionLZ4}
	}

	opts.ClientInfo = ch.ClientInfo{
		Products: []struct{ Name, Version string }{
			{
				Name:    "referralfees",
				Version: "0.1.0",
			},
		},
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed Open ch, error=%w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err = conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed ping ch, error=%w", err)
	}

	return &Conn{Native: conn}, nil
}

// EnsureMirrorTable creates the mirror table if missing. ReplacingMergeTree keyed by
// deposit_address collapses replayed rows on merge
func (c *Conn) EnsureMirrorTable(ctx context.Context, table string) error {
	if !identRe.MatchString(table) {
		return fmt.Errorf("invalid clickhouse table name %q", table)
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			deposit_address   String,
			created_at        DateTime64(3, 'UTC'),
			referral          LowCardinality(String),
			origin_asset      LowCardinality(String),
			destination_asset LowCardinality(String),
			amount_in         String,
			amount_in_usd     String,
			amount_out        String,
			amount_out_usd    String,
			app_fees_bps      Array(UInt32),
			app_fee_recipients Array(String),
			recipient         String,
			status            LowCardinality(String),
			ingested_at       DateTime64(3, 'UTC')
		)
		ENGINE = ReplacingMergeTree(ingested_at)
		ORDER BY deposit_address
	`, table)

	if err := c.Native.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed create table %s, error=%w", table, err)
	}
	return nil
}

func (c *Conn) Close() error {
	return c.Native.Close()
}
