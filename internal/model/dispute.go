package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DisputeStatus string

const (
	DisputeStatusOpen               DisputeStatus = "open"
	DisputeStatusUnderReview        DisputeStatus = "under_review"
	DisputeStatusEscalated          DisputeStatus = "escalated"
	DisputeStatusResolvedClient     DisputeStatus = "resolved_client"
	DisputeStatusResolvedFreelancer DisputeStatus = "resolved_freelancer"
	DisputeStatusResolvedSplit      DisputeStatus = "resolved_split"
)

func (s DisputeStatus) Resolved() bool {
	switch s {
	case DisputeStatusResolvedClient, DisputeStatusResolvedFreelancer, DisputeStatusResolvedSplit:
		return true
	}
	return false
}

// Active dispute statuses keep the ledger hold in place.
func (s DisputeStatus) Active() bool { return !s.Resolved() }

type DisputeReason string

const (
	DisputeReasonQuality       DisputeReason = "quality"
	DisputeReasonNonDelivery   DisputeReason = "non_delivery"
	DisputeReasonScopeChange   DisputeReason = "scope_change"
	DisputeReasonPayment       DisputeReason = "payment"
	DisputeReasonCommunication DisputeReason = "communication"
	DisputeReasonOther         DisputeReason = "other"
)

func ValidDisputeReason(r DisputeReason) bool {
	switch r {
	case DisputeReasonQuality, DisputeReasonNonDelivery, DisputeReasonScopeChange,
		DisputeReasonPayment, DisputeReasonCommunication, DisputeReasonOther:
		return true
	}
	return false
}

var disputeTransitions = map[DisputeStatus][]DisputeStatus{
	DisputeStatusOpen: {
		DisputeStatusUnderReview, DisputeStatusEscalated,
		DisputeStatusResolvedClient, DisputeStatusResolvedFreelancer, DisputeStatusResolvedSplit,
	},
	DisputeStatusUnderReview: {
		DisputeStatusEscalated,
		DisputeStatusResolvedClient, DisputeStatusResolvedFreelancer, DisputeStatusResolvedSplit,
	},
	DisputeStatusEscalated: {
		DisputeStatusResolvedClient, DisputeStatusResolvedFreelancer, DisputeStatusResolvedSplit,
	},
}

func (s DisputeStatus) CanTransitionTo(next DisputeStatus) bool {
	for _, allowed := range disputeTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Dispute struct {
	ID                   uuid.UUID        `json:"id"`
	ContractID           uuid.UUID        `json:"contract_id"`
	MilestoneID          *uuid.UUID       `json:"milestone_id,omitempty"`
	RaisedBy             uuid.UUID        `json:"raised_by"`
	Reason               DisputeReason    `json:"reason"`
	Description          string           `json:"description"`
	EvidenceURLs         []string         `json:"evidence_urls"`
	Status               DisputeStatus    `json:"status"`
	ResolutionAmount     *decimal.Decimal `json:"resolution_amount,omitempty"`
	ResolutionNotes      *string          `json:"resolution_notes,omitempty"`
	ResolvedBy           *uuid.UUID       `json:"resolved_by,omitempty"`
	ResolvedAt           *time.Time       `json:"resolved_at,omitempty"`
	ResponseDeadline     *time.Time       `json:"response_deadline,omitempty"`
	AwaitingResponseFrom *uuid.UUID       `json:"awaiting_response_from,omitempty"`
	DecisionID           *string          `json:"decision_id,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// DisputeMessage rows are append-only; internal messages are staff-only and
// filtered out of party-facing threads.
type DisputeMessage struct {
	ID          uuid.UUID `json:"id"`
	DisputeID   uuid.UUID `json:"dispute_id"`
	SenderID    uuid.UUID `json:"sender_id"`
	Body        string    `json:"body"`
	Attachments []string  `json:"attachments"`
	IsInternal  bool      `json:"is_internal"`
	CreatedAt   time.Time `json:"created_at"`
}

func (m DisputeMessage) EntityType() string  { return "dispute" }
func (m DisputeMessage) EntityID() uuid.UUID { return m.DisputeID }
