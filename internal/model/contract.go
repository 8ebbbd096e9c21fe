package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ContractType string

const (
	ContractTypeFixed  ContractType = "fixed"
	ContractTypeHourly ContractType = "hourly"
)

type ContractStatus string

const (
	ContractStatusActive    ContractStatus = "active"
	ContractStatusPaused    ContractStatus = "paused"
	ContractStatusCompleted ContractStatus = "completed"
	ContractStatusDisputed  ContractStatus = "disputed"
	ContractStatusCancelled ContractStatus = "cancelled"
)

func (s ContractStatus) Terminal() bool {
	return s == ContractStatusCompleted || s == ContractStatusCancelled
}

type Contract struct {
	ID                 uuid.UUID        `json:"id"`
	JobID              uuid.UUID        `json:"job_id"`
	ProposalID         uuid.UUID        `json:"proposal_id"`
	ClientID           uuid.UUID        `json:"client_id"`
	FreelancerID       uuid.UUID        `json:"freelancer_id"`
	Title              string           `json:"title"`
	Description        *string          `json:"description,omitempty"`
	ContractType       ContractType     `json:"contract_type"`
	TotalAmount        decimal.Decimal  `json:"total_amount"`
	HourlyRate         *decimal.Decimal `json:"hourly_rate,omitempty"`
	WeeklyHourLimit    *int             `json:"weekly_hour_limit,omitempty"`
	Currency           string           `json:"currency"`
	Status             ContractStatus   `json:"status"`
	PlatformFeePercent decimal.Decimal  `json:"platform_fee_percent"`
	Version            int64            `json:"version"`
	StartedAt          time.Time        `json:"started_at"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
	CancelledAt        *time.Time       `json:"cancelled_at,omitempty"`
	CancellationReason *string          `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// contractTransitions is the closed table of legal status moves. "disputed"
// is an informational flag on the contract; the structural lock lives in the
// ledger (dispute holds), so a disputed contract can still complete or cancel.
var contractTransitions = map[ContractStatus][]ContractStatus{
	ContractStatusActive:   {ContractStatusPaused, ContractStatusCompleted, ContractStatusCancelled, ContractStatusDisputed},
	ContractStatusPaused:   {ContractStatusActive, ContractStatusCancelled},
	ContractStatusDisputed: {ContractStatusActive, ContractStatusCompleted, ContractStatusCancelled},
}

func (s ContractStatus) CanTransitionTo(next ContractStatus) bool {
	for _, allowed := range contractTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (c *Contract) IsParty(userID uuid.UUID) bool {
	return c.ClientID == userID || c.FreelancerID == userID
}

// EscrowSummary aggregates completed ledger rows for a contract.
type EscrowSummary struct {
	TotalFunded   decimal.Decimal `json:"total_funded"`
	TotalReleased decimal.Decimal `json:"total_released"`
	TotalRefunded decimal.Decimal `json:"total_refunded"`
	Balance       decimal.Decimal `json:"balance"`
}
