package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type MilestoneStatus string

const (
	MilestoneStatusPending           MilestoneStatus = "pending"
	MilestoneStatusInProgress        MilestoneStatus = "in_progress"
	MilestoneStatusSubmitted         MilestoneStatus = "submitted"
	MilestoneStatusRevisionRequested MilestoneStatus = "revision_requested"
	MilestoneStatusAccepted          MilestoneStatus = "accepted"
	MilestoneStatusDisputed          MilestoneStatus = "disputed"
)

type MilestoneAction string

const (
	MilestoneActionStart           MilestoneAction = "start"
	MilestoneActionSubmit          MilestoneAction = "submit"
	MilestoneActionAccept          MilestoneAction = "accept"
	MilestoneActionRequestRevision MilestoneAction = "request_revision"
	MilestoneActionDispute         MilestoneAction = "dispute"
	MilestoneActionReopen          MilestoneAction = "reopen"
)

// milestoneTransitions maps from-state × action → to-state. Anything absent
// is an illegal transition.
var milestoneTransitions = map[MilestoneStatus]map[MilestoneAction]MilestoneStatus{
	MilestoneStatusPending: {
		MilestoneActionStart: MilestoneStatusInProgress,
	},
	MilestoneStatusInProgress: {
		MilestoneActionSubmit:  MilestoneStatusSubmitted,
		MilestoneActionAccept:  MilestoneStatusAccepted,
		MilestoneActionDispute: MilestoneStatusDisputed,
	},
	MilestoneStatusSubmitted: {
		MilestoneActionAccept:          MilestoneStatusAccepted,
		MilestoneActionRequestRevision: MilestoneStatusRevisionRequested,
		MilestoneActionDispute:         MilestoneStatusDisputed,
	},
	MilestoneStatusRevisionRequested: {
		MilestoneActionSubmit:  MilestoneStatusSubmitted,
		MilestoneActionAccept:  MilestoneStatusAccepted,
		MilestoneActionDispute: MilestoneStatusDisputed,
	},
	MilestoneStatusDisputed: {
		MilestoneActionReopen: MilestoneStatusInProgress,
		MilestoneActionAccept: MilestoneStatusAccepted,
	},
}

// NextMilestoneStatus validates a transition against the table.
func NextMilestoneStatus(from MilestoneStatus, action MilestoneAction) (MilestoneStatus, bool) {
	next, ok := milestoneTransitions[from][action]
	return next, ok
}

type Milestone struct {
	ID             uuid.UUID       `json:"id"`
	ContractID     uuid.UUID       `json:"contract_id"`
	Title          string          `json:"title"`
	Description    *string         `json:"description,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         MilestoneStatus `json:"status"`
	SortOrder      int             `json:"sort_order"`
	DueDate        *time.Time      `json:"due_date,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	SubmittedAt    *time.Time      `json:"submitted_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	AutoAcceptAt   *time.Time      `json:"auto_accept_at,omitempty"`
	RevisionCount  int             `json:"revision_count"`
	ClientFeedback *string         `json:"client_feedback,omitempty"`
	EscrowFunded   bool            `json:"escrow_funded"`
	EscrowReleased bool            `json:"escrow_released"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Deliverable is a URL reference to a file in the external attachment store;
// the engine never stores bytes.
type Deliverable struct {
	ID          uuid.UUID `json:"id"`
	MilestoneID uuid.UUID `json:"milestone_id"`
	FileName    string    `json:"file_name"`
	FileURL     string    `json:"file_url"`
	FileSize    int64     `json:"file_size"`
	MimeType    string    `json:"mime_type"`
	Notes       *string   `json:"notes,omitempty"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
}

func (d Deliverable) EntityType() string  { return "milestone" }
func (d Deliverable) EntityID() uuid.UUID { return d.MilestoneID }

// EntityRef points an attachment at its owning entity without inheritance.
type EntityRef interface {
	EntityType() string
	EntityID() uuid.UUID
}
