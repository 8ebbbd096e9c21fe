package gateway

import (
	"context"

	"github.com/shopspring/decimal"
)

// Gateway is the payment provider port. IdempotencyKey is the ledger row id,
// so a retried call after a crash can never double-charge.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*Result, error)
	Payout(ctx context.Context, req PayoutRequest) (*Result, error)
	Refund(ctx context.Context, req RefundRequest) (*Result, error)
}

type ChargeRequest struct {
	IdempotencyKey string
	CustomerID     string
	Amount         decimal.Decimal
	Currency       string
	Description    string
}

type PayoutRequest struct {
	IdempotencyKey string
	RecipientID    string
	Amount         decimal.Decimal
	Currency       string
	Description    string
}

type RefundRequest struct {
	IdempotencyKey string
	Reference      string
	Amount         decimal.Decimal
	Currency       string
}

type Result struct {
	Reference string
	Declined  bool
	Message   string
}
