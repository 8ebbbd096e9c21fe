package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TimeEntryStatus string

const (
	TimeEntryStatusRunning  TimeEntryStatus = "running"
	TimeEntryStatusLogged   TimeEntryStatus = "logged"
	TimeEntryStatusApproved TimeEntryStatus = "approved"
	TimeEntryStatusDisputed TimeEntryStatus = "disputed"
	TimeEntryStatusRejected TimeEntryStatus = "rejected"
)

type TimeEntryAction string

const (
	TimeEntryActionStop    TimeEntryAction = "stop"
	TimeEntryActionApprove TimeEntryAction = "approve"
	TimeEntryActionReject  TimeEntryAction = "reject"
	TimeEntryActionDispute TimeEntryAction = "dispute"
)

var timeEntryTransitions = map[TimeEntryStatus]map[TimeEntryAction]TimeEntryStatus{
	TimeEntryStatusRunning: {
		TimeEntryActionStop: TimeEntryStatusLogged,
	},
	TimeEntryStatusLogged: {
		TimeEntryActionApprove: TimeEntryStatusApproved,
		TimeEntryActionReject:  TimeEntryStatusRejected,
		TimeEntryActionDispute: TimeEntryStatusDisputed,
	},
	TimeEntryStatusDisputed: {
		TimeEntryActionApprove: TimeEntryStatusApproved,
		TimeEntryActionReject:  TimeEntryStatusRejected,
	},
}

func NextTimeEntryStatus(from TimeEntryStatus, action TimeEntryAction) (TimeEntryStatus, bool) {
	next, ok := timeEntryTransitions[from][action]
	return next, ok
}

// TimeEntry is one tracked interval on an hourly contract. HourlyRate is a
// snapshot taken at creation and survives later contract rate changes.
type TimeEntry struct {
	ID              uuid.UUID        `json:"id"`
	ContractID      uuid.UUID        `json:"contract_id"`
	FreelancerID    uuid.UUID        `json:"freelancer_id"`
	MilestoneID     *uuid.UUID       `json:"milestone_id,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
	EndedAt         *time.Time       `json:"ended_at,omitempty"`
	DurationMinutes int              `json:"duration_minutes"`
	Description     *string          `json:"description,omitempty"`
	TaskLabel       *string          `json:"task_label,omitempty"`
	IsManual        bool             `json:"is_manual"`
	IsBillable      bool             `json:"is_billable"`
	HourlyRate      decimal.Decimal  `json:"hourly_rate"`
	Amount          decimal.Decimal  `json:"amount"`
	ActivityScore   *decimal.Decimal `json:"activity_score,omitempty"`
	Status          TimeEntryStatus  `json:"status"`
	ApprovedBy      *uuid.UUID       `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time       `json:"approved_at,omitempty"`
	RejectedReason  *string          `json:"rejected_reason,omitempty"`
	InvoiceLineID   *uuid.UUID       `json:"invoice_line_id,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// BillableAmount prices minutes at the entry's snapshot rate, rounded to
// cents. Non-billable entries always price to zero.
func BillableAmount(durationMinutes int, rate decimal.Decimal, billable bool) decimal.Decimal {
	if !billable || durationMinutes <= 0 {
		return decimal.Zero
	}
	minutes := decimal.NewFromInt(int64(durationMinutes))
	return minutes.Div(decimal.NewFromInt(60)).Mul(rate).Round(2)
}

type Screenshot struct {
	ID              uuid.UUID       `json:"id"`
	TimeEntryID     uuid.UUID       `json:"time_entry_id"`
	FileURL         string          `json:"file_url"`
	ClickCount      int             `json:"click_count"`
	KeyCount        int             `json:"key_count"`
	ActivityPercent decimal.Decimal `json:"activity_percent"`
	CapturedAt      time.Time       `json:"captured_at"`
	DeletedAt       *time.Time      `json:"deleted_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

func (s Screenshot) EntityType() string  { return "time_entry" }
func (s Screenshot) EntityID() uuid.UUID { return s.TimeEntryID }

// ActivityScorer turns raw input counts into a 0-100 activity percentage.
// The normalization policy is pluggable; the default treats 100 combined
// events per capture interval as fully active.
type ActivityScorer interface {
	Score(clickCount, keyCount int) decimal.Decimal
}

type EventCountScorer struct {
	FullActivityEvents int
}

func (s EventCountScorer) Score(clickCount, keyCount int) decimal.Decimal {
	full := s.FullActivityEvents
	if full <= 0 {
		full = 100
	}
	total := decimal.NewFromInt(int64(clickCount + keyCount))
	pct := total.Div(decimal.NewFromInt(int64(full))).Mul(decimal.NewFromInt(100)).Round(2)
	hundred := decimal.NewFromInt(100)
	if pct.GreaterThan(hundred) {
		return hundred
	}
	return pct
}

type ClaimType string

const (
	ClaimTypeDetailRequest ClaimType = "detail_request"
	ClaimTypeDispute       ClaimType = "dispute"
)

type ClaimStatus string

const (
	ClaimStatusOpen      ClaimStatus = "open"
	ClaimStatusResponded ClaimStatus = "responded"
	ClaimStatusResolved  ClaimStatus = "resolved"
)

// TimeEntryClaim is a client-raised question or challenge against a single
// entry: client opens, freelancer responds, client resolves.
type TimeEntryClaim struct {
	ID          uuid.UUID   `json:"id"`
	TimeEntryID uuid.UUID   `json:"time_entry_id"`
	ClientID    uuid.UUID   `json:"client_id"`
	Type        ClaimType   `json:"type"`
	Status      ClaimStatus `json:"status"`
	Message     string      `json:"message"`
	Response    *string     `json:"response,omitempty"`
	ResolvedAt  *time.Time  `json:"resolved_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}
