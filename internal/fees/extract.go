// Package fees turns raw transaction records into normalized fee entries.
package fees

import (
	"fmt"
	"strings"

	"referralfees/internal/domain"

	"github.com/shopspring/decimal"
)

// BpsDenominator 1 bps = 1/10000 of the amount
const BpsDenominator = 10_000

var bpsDenominator = decimal.NewFromInt(BpsDenominator)

// Amount feeAmount = amountIn * feeBps / 10000, same minor-unit scale as amountIn
func Amount(amountIn decimal.Decimal, feeBps int) decimal.Decimal {
	return amountIn.Mul(decimal.NewFromInt(int64(feeBps))).Div(bpsDenominator)
}

// ParseAmount parses an integer minor-unit string; empty means zero
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

// Extract emits one entry per app fee, in listed order. Records without a referral or
// app fees yield nil: that is the common case, not an error.
func Extract(tx *domain.TransactionRecord) ([]domain.FeeEntry, error) {
	if tx.Referral == "" || len(tx.AppFees) == 0 {
		return nil, nil
	}

	amountIn, err := ParseAmount(tx.AmountIn)
	if err != nil {
		return nil, fmt.Errorf("amountIn: %w", err)
	}
	amountOut, err := ParseAmount(tx.AmountOut)
	if err != nil {
		return nil, fmt.Errorf("amountOut: %w", err)
	}

	createdAt, ok := tx.CreatedTime()
	if !ok {
		return nil, fmt.Errorf("transaction %s has no usable creation time", tx.DepositAddress)
	}

	outflowAsset := tx.DestinationAsset
	if outflowAsset == "" {
		outflowAsset = tx.OriginAsset
	}

	entries := make([]domain.FeeEntry, 0, len(tx.AppFees))
	for _, af := range tx.AppFees {
		entries = append(entries, domain.FeeEntry{
			DepositAddress: tx.DepositAddress,
			CreatedAt:      createdAt,
			Provider:       tx.Referral,
			InflowAsset:    tx.OriginAsset,
			InflowAmount:   amountIn,
			OutflowAsset:   outflowAsset,
			OutflowAmount:  amountOut,
			FeeBps:         af.Fee,
			FeeRecipient:   af.Recipient,
			FeeAmount:      Amount(amountIn, af.Fee),
		})
	}

	return entries, nil
}
