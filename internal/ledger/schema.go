package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"referralfees/internal/domain"
	"referralfees/internal/fees"
)

const (
	SchemaTransactions = "transactions"
	SchemaFees         = "fees"
)

const hashSep = ";"

// Schema maps transactions to CSV rows and rows back to fee entries
type Schema interface {
	Name() string
	Header() []string
	// KeyColumn index of the depositAddress column
	KeyColumn() int
	// Encode rows to append for one transaction; zero rows means nothing to store
	Encode(tx *domain.TransactionRecord) ([][]string, error)
	// Decode fee entries of one stored row; nil entries with nil error is a filtered row
	Decode(row []string) ([]domain.FeeEntry, error)
}

func SchemaByName(name string) (Schema, error) {
	switch name {
	case SchemaTransactions, "":
		return TransactionsSchema{}, nil
	case SchemaFees:
		return FeesSchema{}, nil
	default:
		return nil, fmt.Errorf("unknown ledger schema %q", name)
	}
}

// TransactionsSchema one row per transaction, appFees as a JSON sub-field
type TransactionsSchema struct{}

var transactionsHeader = []string{
	"CreatedAt",
	"CreatedAtUnix",
	"Provider",
	"InflowAsset",
	"InflowAmount",
	"InflowUSD",
	"OutflowAsset",
	"OutflowAmount",
	"OutflowUSD",
	"AppFees",
	"DepositAddress",
	"Recipient",
	"OriginTxHashes",
	"DestinationTxHashes",
	"Status",
}

const txKeyColumn = 10

func (TransactionsSchema) Name() string     { return SchemaTransactions }
func (TransactionsSchema) Header() []string { return transactionsHeader }
func (TransactionsSchema) KeyColumn() int   { return txKeyColumn }

func (TransactionsSchema) Encode(tx *domain.TransactionRecord) ([][]string, error) {
	appFees := "[]"
	if len(tx.AppFees) > 0 {
		b, err := json.Marshal(tx.AppFees)
		if err != nil {
			return nil, fmt.Errorf("encode appFees: %w", err)
		}
		appFees = string(b)
	}

	row := []string{
		tx.CreatedAt,
		strconv.FormatInt(tx.CreatedAtTimestamp, 10),
		tx.Referral,
		tx.OriginAsset,
		tx.AmountIn,
		tx.AmountInUSD,
		tx.DestinationAsset,
		tx.AmountOut,
		tx.AmountOutUSD,
		appFees,
		tx.DepositAddress,
		tx.Recipient,
		strings.Join(tx.OriginChainTxHashes, hashSep),
		strings.Join(tx.DestinationChainTxHashes, hashSep),
		tx.Status,
	}
	return [][]string{row}, nil
}

func (s TransactionsSchema) Decode(row []string) ([]domain.FeeEntry, error) {
	tx, err := s.Transaction(row)
	if err != nil {
		return nil, err
	}
	return fees.Extract(tx)
}

// Transaction rebuilds the stored record
func (TransactionsSchema) Transaction(row []string) (*domain.TransactionRecord, error) {
	if len(row) != len(transactionsHeader) {
		return nil, fmt.Errorf("expected %d columns, got %d", len(transactionsHeader), len(row))
	}

	tx := &domain.TransactionRecord{
		CreatedAt:                row[0],
		Referral:                 row[2],
		OriginAsset:              row[3],
		AmountIn:                 row[4],
		AmountInUSD:              row[5],
		DestinationAsset:         row[6],
		AmountOut:                row[7],
		AmountOutUSD:             row[8],
		DepositAddress:           row[10],
		Recipient:                row[11],
		OriginChainTxHashes:      splitHashes(row[12]),
		DestinationChainTxHashes: splitHashes(row[13]),
		Status:                   row[14],
	}

	if row[1] != "" {
		ts, err := strconv.ParseInt(row[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("CreatedAtUnix: %w", err)
		}
		tx.CreatedAtTimestamp = ts
	}

	if row[9] != "" {
		if err := json.Unmarshal([]byte(row[9]), &tx.AppFees); err != nil {
			return nil, fmt.Errorf("AppFees: %w", err)
		}
	}

	return tx, nil
}

func splitHashes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, hashSep)
}

// FeesSchema one row per fee entry; rows of one transaction share DepositAddress
type FeesSchema struct{}

var feesHeader = []string{
	"Timestamp",
	"Referral",
	"InflowAsset",
	"InflowAmount",
	"OutflowAsset",
	"OutflowAmount",
	"FeeBps",
	"FeeRecipient",
	"Fee",
	"DepositAddress",
	"WithdrawAddress",
}

const feesKeyColumn = 9

func (FeesSchema) Name() string     { return SchemaFees }
func (FeesSchema) Header() []string { return feesHeader }
func (FeesSchema) KeyColumn() int   { return feesKeyColumn }

func (FeesSchema) Encode(tx *domain.TransactionRecord) ([][]string, error) {
	entries, err := fees.Extract(tx)
	if err != nil {
		return nil, err
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.CreatedAt.Format(time.RFC3339Nano),
			e.Provider,
			e.InflowAsset,
			e.InflowAmount.String(),
			e.OutflowAsset,
			e.OutflowAmount.String(),
			strconv.Itoa(e.FeeBps),
			e.FeeRecipient,
			e.FeeAmount.String(),
			e.DepositAddress,
			tx.Recipient,
		})
	}
	return rows, nil
}

func (FeesSchema) Decode(row []string) ([]domain.FeeEntry, error) {
	if len(row) != len(feesHeader) {
		return nil, fmt.Errorf("expected %d columns, got %d", len(feesHeader), len(row))
	}

	createdAt, err := time.Parse(time.RFC3339Nano, row[0])
	if err != nil {
		return nil, fmt.Errorf("Timestamp: %w", err)
	}
	inflow, err := fees.ParseAmount(row[3])
	if err != nil {
		return nil, fmt.Errorf("InflowAmount: %w", err)
	}
	outflow, err := fees.ParseAmount(row[5])
	if err != nil {
		return nil, fmt.Errorf("OutflowAmount: %w", err)
	}
	bps, err := strconv.Atoi(row[6])
	if err != nil {
		return nil, fmt.Errorf("FeeBps: %w", err)
	}
	fee, err := fees.ParseAmount(row[8])
	if err != nil {
		return nil, fmt.Errorf("Fee: %w", err)
	}

	return []domain.FeeEntry{{
		DepositAddress: row[9],
		CreatedAt:      createdAt.UTC(),
		Provider:       row[1],
		InflowAsset:    row[2],
		InflowAmount:   inflow,
		OutflowAsset:   row[4],
		OutflowAmount:  outflow,
		FeeBps:         bps,
		FeeRecipient:   row[7],
		FeeAmount:      fee,
	}}, nil
}
