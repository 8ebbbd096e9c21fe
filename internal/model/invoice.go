package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "draft"
	InvoiceStatusSent      InvoiceStatus = "sent"
	InvoiceStatusPaid      InvoiceStatus = "paid"
	InvoiceStatusOverdue   InvoiceStatus = "overdue"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
	InvoiceStatusRefunded  InvoiceStatus = "refunded"
)

var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceStatusDraft:   {InvoiceStatusSent, InvoiceStatusCancelled},
	InvoiceStatusSent:    {InvoiceStatusPaid, InvoiceStatusOverdue, InvoiceStatusCancelled},
	InvoiceStatusOverdue: {InvoiceStatusPaid, InvoiceStatusCancelled},
	InvoiceStatusPaid:    {InvoiceStatusRefunded},
}

func (s InvoiceStatus) CanTransitionTo(next InvoiceStatus) bool {
	for _, allowed := range invoiceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type LineItemType string

const (
	LineItemTypeMilestone LineItemType = "milestone"
	LineItemTypeTimesheet LineItemType = "timesheet"
	LineItemTypeFee       LineItemType = "fee"
	LineItemTypeAdjust    LineItemType = "adjustment"
)

type Invoice struct {
	ID           uuid.UUID       `json:"id"`
	Number       string          `json:"number"`
	ContractID   uuid.UUID       `json:"contract_id"`
	ClientID     uuid.UUID       `json:"client_id"`
	FreelancerID uuid.UUID       `json:"freelancer_id"`
	Status       InvoiceStatus   `json:"status"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	FeeAmount    decimal.Decimal `json:"fee_amount"`
	Total        decimal.Decimal `json:"total"`
	Currency     string          `json:"currency"`
	IssuedAt     *time.Time      `json:"issued_at,omitempty"`
	DueAt        *time.Time      `json:"due_at,omitempty"`
	PaidAt       *time.Time      `json:"paid_at,omitempty"`
	Notes        *string         `json:"notes,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Lines        []InvoiceLine   `json:"lines,omitempty"`
}

// InvoiceLine amounts are snapshots; editing the underlying milestone or
// timesheet after issuance never changes an issued invoice.
type InvoiceLine struct {
	ID          uuid.UUID       `json:"id"`
	InvoiceID   uuid.UUID       `json:"invoice_id"`
	Type        LineItemType    `json:"type"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Amount      decimal.Decimal `json:"amount"`
	MilestoneID *uuid.UUID      `json:"milestone_id,omitempty"`
	TimesheetID *uuid.UUID      `json:"timesheet_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Recalculate re-derives subtotal and total from the lines. Fee lines are
// carried separately so the document shows the gross and the deduction.
func (inv *Invoice) Recalculate() {
	subtotal := decimal.Zero
	fees := decimal.Zero
	for _, l := range inv.Lines {
		if l.Type == LineItemTypeFee {
			fees = fees.Add(l.Amount)
			continue
		}
		subtotal = subtotal.Add(l.Amount)
	}
	inv.Subtotal = subtotal.Round(2)
	inv.FeeAmount = fees.Round(2)
	inv.Total = subtotal.Add(fees).Round(2)
}

// FormatInvoiceNumber renders the monthly sequence value as INV-YYYYMM-NNNN.
func FormatInvoiceNumber(issued time.Time, seq int64) string {
	return fmt.Sprintf("INV-%s-%04d", issued.UTC().Format("200601"), seq)
}

// PlatformFee computes the commission withheld from the freelancer payout.
func PlatformFee(amount, percent decimal.Decimal) decimal.Decimal {
	return amount.Mul(percent).Div(decimal.NewFromInt(100)).Round(2)
}

// ClientFee computes the processing surcharge added on top of the client
// charge when a milestone is funded.
func ClientFee(amount, percent decimal.Decimal) decimal.Decimal {
	return amount.Mul(percent).Div(decimal.NewFromInt(100)).Round(2)
}

// InvoiceDocument bundles what the PDF renderer needs.
type InvoiceDocument struct {
	Invoice  Invoice
	Contract Contract
}

// TimesheetDocument bundles what the spreadsheet export needs.
type TimesheetDocument struct {
	Timesheet WeeklyTimesheet
	Contract  Contract
	Entries   []TimeEntry
}
