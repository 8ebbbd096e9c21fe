package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TimesheetStatus string

const (
	TimesheetStatusPending   TimesheetStatus = "pending"
	TimesheetStatusSubmitted TimesheetStatus = "submitted"
	TimesheetStatusApproved  TimesheetStatus = "approved"
	TimesheetStatusDisputed  TimesheetStatus = "disputed"
	TimesheetStatusPaid      TimesheetStatus = "paid"
)

var timesheetTransitions = map[TimesheetStatus][]TimesheetStatus{
	TimesheetStatusPending:   {TimesheetStatusSubmitted},
	TimesheetStatusSubmitted: {TimesheetStatusApproved, TimesheetStatusDisputed},
	TimesheetStatusDisputed:  {TimesheetStatusSubmitted, TimesheetStatusApproved},
	TimesheetStatusApproved:  {TimesheetStatusPaid},
}

func (s TimesheetStatus) CanTransitionTo(next TimesheetStatus) bool {
	for _, allowed := range timesheetTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// WeeklyTimesheet caches per-week totals for one contract. The stored totals
// are always re-derivable from the constituent entries; Recalculate is the
// only legitimate writer.
type WeeklyTimesheet struct {
	ID              uuid.UUID       `json:"id"`
	ContractID      uuid.UUID       `json:"contract_id"`
	FreelancerID    uuid.UUID       `json:"freelancer_id"`
	WeekStart       time.Time       `json:"week_start"`
	WeekEnd         time.Time       `json:"week_end"`
	TotalMinutes    int             `json:"total_minutes"`
	BillableMinutes int             `json:"billable_minutes"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	HourlyRate      decimal.Decimal `json:"hourly_rate"`
	Currency        string          `json:"currency"`
	Status          TimesheetStatus `json:"status"`
	SubmittedAt     *time.Time      `json:"submitted_at,omitempty"`
	ApprovedAt      *time.Time      `json:"approved_at,omitempty"`
	ApprovedBy      *uuid.UUID      `json:"approved_by,omitempty"`
	Notes           *string         `json:"notes,omitempty"`
	ClientFeedback  *string         `json:"client_feedback,omitempty"`
	InvoiceID       *uuid.UUID      `json:"invoice_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Recalculate re-derives the cached totals from entries. Running and
// rejected entries never count toward billing.
func (ts *WeeklyTimesheet) Recalculate(entries []TimeEntry) {
	total := 0
	billable := 0
	amount := decimal.Zero
	for _, e := range entries {
		if e.Status == TimeEntryStatusRunning || e.Status == TimeEntryStatusRejected {
			continue
		}
		total += e.DurationMinutes
		if e.IsBillable {
			billable += e.DurationMinutes
			amount = amount.Add(e.Amount)
		}
	}
	ts.TotalMinutes = total
	ts.BillableMinutes = billable
	ts.TotalAmount = amount.Round(2)
}

// WeekBounds returns the Monday 00:00 UTC start and the exclusive end of the
// ISO week containing t.
func WeekBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(weekday - 1))
	return start, start.AddDate(0, 0, 7)
}
