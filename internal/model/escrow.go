package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EscrowType string

const (
	EscrowTypeFund          EscrowType = "fund"
	EscrowTypeFundFailed    EscrowType = "fund_failed"
	EscrowTypeRelease       EscrowType = "release"
	EscrowTypeRefund        EscrowType = "refund"
	EscrowTypeDisputeHold   EscrowType = "dispute_hold"
	EscrowTypeDisputeRefund EscrowType = "dispute_refund"
	EscrowTypePlatformFee   EscrowType = "platform_fee"
	EscrowTypeClientFee     EscrowType = "client_fee"
)

type EscrowStatus string

const (
	EscrowStatusPending   EscrowStatus = "pending"
	EscrowStatusCompleted EscrowStatus = "completed"
	EscrowStatusFailed    EscrowStatus = "failed"
	EscrowStatusReversed  EscrowStatus = "reversed"
)

// EscrowTransaction is one row of the append-only ledger. A completed row is
// never edited; corrections are separate compensating rows, and a dispute
// hold is lifted by flipping the hold row to reversed.
type EscrowTransaction struct {
	ID               uuid.UUID       `json:"id"`
	ContractID       uuid.UUID       `json:"contract_id"`
	MilestoneID      *uuid.UUID      `json:"milestone_id,omitempty"`
	Type             EscrowType      `json:"type"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Status           EscrowStatus    `json:"status"`
	GatewayReference *string         `json:"gateway_reference,omitempty"`
	GatewayMetadata  []byte          `json:"-"`
	ProcessedAt      *time.Time      `json:"processed_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Outflow reports whether completed rows of this type count against the
// funded balance for the invariant check.
func (t EscrowType) Outflow() bool {
	switch t {
	case EscrowTypeRelease, EscrowTypeRefund, EscrowTypeDisputeRefund:
		return true
	}
	return false
}

// LedgerBalance is the per-scope view used for the write-time invariant:
// completed release+refund+dispute_refund must never exceed completed fund.
// Fees are the platform's cut of released amounts; they leave the pool too.
type LedgerBalance struct {
	Funded    decimal.Decimal
	Released  decimal.Decimal
	Refunded  decimal.Decimal
	Fees      decimal.Decimal
	HeldCount int
}

func (b LedgerBalance) Available() decimal.Decimal {
	return b.Funded.Sub(b.Released).Sub(b.Refunded).Sub(b.Fees)
}

func (b LedgerBalance) Locked() bool {
	return b.HeldCount > 0
}
