package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/monkeysworks/settlement/internal/config"
	"github.com/monkeysworks/settlement/internal/event"
	"github.com/monkeysworks/settlement/internal/model"
	"github.com/monkeysworks/settlement/internal/repository"
)

type InvoiceStore interface {
	NextNumber(ctx context.Context) (int64, error)
	Create(ctx context.Context, inv model.Invoice) (*model.Invoice, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Invoice, error)
	ListByContract(ctx context.Context, contractID uuid.UUID) ([]model.Invoice, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, change repository.InvoiceStatusChange) (*model.Invoice, error)
	ListOverdueCandidates(ctx context.Context, now time.Time, limit int) ([]model.Invoice, error)
	MarkRefundedByMilestone(ctx context.Context, milestoneID uuid.UUID) (int64, error)
}

type InvoiceTimesheetStore interface {
	GetTimesheet(ctx context.Context, id uuid.UUID) (*model.WeeklyTimesheet, error)
}

type PDFGenerator interface {
	Generate(doc model.InvoiceDocument) ([]byte, error)
}

type InvoiceService struct {
	contracts  ContractStore
	milestones DisputeMilestoneStore
	timesheets InvoiceTimesheetStore
	invoices   InvoiceStore
	pdf        PDFGenerator
	bus        *event.Bus
	cfg        *config.Config
	log        zerolog.Logger
}

func NewInvoiceService(
	contracts ContractStore,
	milestones DisputeMilestoneStore,
	timesheets InvoiceTimesheetStore,
	invoices InvoiceStore,
	pdf PDFGenerator,
	bus *event.Bus,
	cfg *config.Config,
	log zerolog.Logger,
) *InvoiceService {
	return &InvoiceService{
		contracts:  contracts,
		milestones: milestones,
		timesheets: timesheets,
		invoices:   invoices,
		pdf:        pdf,
		bus:        bus,
		cfg:        cfg,
		log:        log,
	}
}

func (s *InvoiceService) nextNumber(ctx context.Context, issued time.Time) (string, error) {
	seq, err := s.invoices.NextNumber(ctx)
	if err != nil {
		return "", err
	}
	return model.FormatInvoiceNumber(issued, seq), nil
}

// GenerateForMilestone writes the paid receipt for a funded milestone: the
// escrow amount plus the client processing fee, snapshotted at charge time.
func (s *InvoiceService) GenerateForMilestone(ctx context.Context, milestoneID uuid.UUID) (*model.Invoice, error) {
	milestone, err := s.milestones.GetByID(ctx, milestoneID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !milestone.EscrowFunded {
		return nil, fmt.Errorf("%w: milestone is not funded", ErrInvalidState)
	}
	contract, err := s.contracts.GetByID(ctx, milestone.ContractID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	number, err := s.nextNumber(ctx, now)
	if err != nil {
		return nil, err
	}

	clientFee := model.ClientFee(milestone.Amount, s.cfg.Settlement.ClientFeePercent)
	msID := milestone.ID
	inv := model.Invoice{
		Number:       number,
		ContractID:   contract.ID,
		ClientID:     contract.ClientID,
		FreelancerID: contract.FreelancerID,
		Status:       model.InvoiceStatusPaid,
		Currency:     milestone.Currency,
		IssuedAt:     &now,
		PaidAt:       &now,
		Lines: []model.InvoiceLine{
			{
				Type:        model.LineItemTypeMilestone,
				Description: fmt.Sprintf("Escrow funding: %s", milestone.Title),
				Quantity:    decimal.NewFromInt(1),
				UnitPrice:   milestone.Amount,
				Amount:      milestone.Amount,
				MilestoneID: &msID,
			},
			{
				Type:        model.LineItemTypeFee,
				Description: fmt.Sprintf("Processing fee (%s%%)", s.cfg.Settlement.ClientFeePercent.String()),
				Quantity:    decimal.NewFromInt(1),
				UnitPrice:   clientFee,
				Amount:      clientFee,
			},
		},
	}
	inv.Recalculate()

	saved, err := s.invoices.Create(ctx, inv)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(event.Event{
		Name:       event.InvoiceIssued,
		ContractID: contract.ID,
		EntityID:   saved.ID,
	})
	return saved, nil
}

// GenerateForTimesheet writes the paid receipt for an approved week.
func (s *InvoiceService) GenerateForTimesheet(ctx context.Context, timesheetID uuid.UUID) (*model.Invoice, error) {
	sheet, err := s.timesheets.GetTimesheet(ctx, timesheetID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if sheet.Status != model.TimesheetStatusApproved {
		return nil, fmt.Errorf("%w: timesheet is not approved", ErrInvalidState)
	}
	if sheet.InvoiceID != nil {
		return s.invoices.GetByID(ctx, *sheet.InvoiceID)
	}
	contract, err := s.contracts.GetByID(ctx, sheet.ContractID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	number, err := s.nextNumber(ctx, now)
	if err != nil {
		return nil, err
	}

	clientFee := model.ClientFee(sheet.TotalAmount, s.cfg.Settlement.ClientFeePercent)
	hours := decimal.NewFromInt(int64(sheet.BillableMinutes)).Div(decimal.NewFromInt(60)).Round(2)
	tsID := sheet.ID
	inv := model.Invoice{
		Number:       number,
		ContractID:   contract.ID,
		ClientID:     contract.ClientID,
		FreelancerID: contract.FreelancerID,
		Status:       model.InvoiceStatusPaid,
		Currency:     sheet.Currency,
		IssuedAt:     &now,
		PaidAt:       &now,
		Lines: []model.InvoiceLine{
			{
				Type:        model.LineItemTypeTimesheet,
				Description: fmt.Sprintf("Week of %s, %s hours", sheet.WeekStart.Format("2006-01-02"), hours.String()),
				Quantity:    hours,
				UnitPrice:   sheet.HourlyRate,
				Amount:      sheet.TotalAmount,
				TimesheetID: &tsID,
			},
			{
				Type:        model.LineItemTypeFee,
				Description: fmt.Sprintf("Processing fee (%s%%)", s.cfg.Settlement.ClientFeePercent.String()),
				Quantity:    decimal.NewFromInt(1),
				UnitPrice:   clientFee,
				Amount:      clientFee,
			},
		},
	}
	inv.Recalculate()

	saved, err := s.invoices.Create(ctx, inv)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(event.Event{
		Name:       event.InvoiceIssued,
		ContractID: contract.ID,
		EntityID:   saved.ID,
	})
	return saved, nil
}

func (s *InvoiceService) authorize(ctx context.Context, inv *model.Invoice, principal model.Principal) error {
	if principal.IsAdmin() {
		return nil
	}
	if inv.ClientID == principal.UserID || inv.FreelancerID == principal.UserID {
		return nil
	}
	return ErrPermissionDenied
}

func (s *InvoiceService) Get(ctx context.Context, id uuid.UUID, principal model.Principal) (*model.Invoice, error) {
	inv, err := s.invoices.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := s.authorize(ctx, inv, principal); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *InvoiceService) ListByContract(ctx context.Context, contractID uuid.UUID, principal model.Principal) ([]model.Invoice, error) {
	contract, err := s.contracts.GetByID(ctx, contractID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !principal.IsAdmin() && !contract.IsParty(principal.UserID) {
		return nil, ErrPermissionDenied
	}
	return s.invoices.ListByContract(ctx, contractID)
}

// Send issues a draft invoice and starts the payment clock.
func (s *InvoiceService) Send(ctx context.Context, id uuid.UUID, principal model.Principal) (*model.Invoice, error) {
	inv, err := s.Get(ctx, id, principal)
	if err != nil {
		return nil, err
	}
	if !inv.Status.CanTransitionTo(model.InvoiceStatusSent) {
		return nil, fmt.Errorf("%w: cannot send a %s invoice", ErrInvalidState, inv.Status)
	}

	updated, err := s.invoices.TransitionStatus(ctx, id, repository.InvoiceStatusChange{
		From: []model.InvoiceStatus{model.InvoiceStatusDraft},
		To:   model.InvoiceStatusSent,
	})
	if err != nil {
		return nil, mapRepoError(err)
	}
	return updated, nil
}

func (s *InvoiceService) MarkPaid(ctx context.Context, id uuid.UUID, principal model.Principal) (*model.Invoice, error) {
	inv, err := s.Get(ctx, id, principal)
	if err != nil {
		return nil, err
	}
	if !inv.Status.CanTransitionTo(model.InvoiceStatusPaid) {
		return nil, fmt.Errorf("%w: cannot mark a %s invoice paid", ErrInvalidState, inv.Status)
	}

	now := time.Now().UTC()
	updated, err := s.invoices.TransitionStatus(ctx, id, repository.InvoiceStatusChange{
		From:   []model.InvoiceStatus{model.InvoiceStatusSent, model.InvoiceStatusOverdue},
		To:     model.InvoiceStatusPaid,
		PaidAt: &now,
	})
	if err != nil {
		return nil, mapRepoError(err)
	}
	return updated, nil
}

func (s *InvoiceService) Cancel(ctx context.Context, id uuid.UUID, principal model.Principal) (*model.Invoice, error) {
	inv, err := s.Get(ctx, id, principal)
	if err != nil {
		return nil, err
	}
	if !inv.Status.CanTransitionTo(model.InvoiceStatusCancelled) {
		return nil, fmt.Errorf("%w: cannot cancel a %s invoice", ErrInvalidState, inv.Status)
	}

	updated, err := s.invoices.TransitionStatus(ctx, id, repository.InvoiceStatusChange{
		From: []model.InvoiceStatus{model.InvoiceStatusDraft, model.InvoiceStatusSent, model.InvoiceStatusOverdue},
		To:   model.InvoiceStatusCancelled,
	})
	if err != nil {
		return nil, mapRepoError(err)
	}
	return updated, nil
}

// MarkRefundedForMilestone voids the paid receipts of a milestone whose
// escrow went back to the client.
func (s *InvoiceService) MarkRefundedForMilestone(ctx context.Context, milestoneID uuid.UUID) (int64, error) {
	touched, err := s.invoices.MarkRefundedByMilestone(ctx, milestoneID)
	if err != nil {
		return 0, err
	}
	if touched > 0 {
		s.log.Info().
			Str("milestone_id", milestoneID.String()).
			Int64("invoices", touched).
			Msg("invoices marked refunded")
	}
	return touched, nil
}

type InvoicePDFResult struct {
	FileName string
	Content  []byte
}

// RenderPDF builds the printable document for an invoice.
func (s *InvoiceService) RenderPDF(ctx context.Context, id uuid.UUID, principal model.Principal) (*InvoicePDFResult, error) {
	inv, err := s.Get(ctx, id, principal)
	if err != nil {
		return nil, err
	}
	contract, err := s.contracts.GetByID(ctx, inv.ContractID)
	if err != nil {
		return nil, err
	}

	content, err := s.pdf.Generate(model.InvoiceDocument{
		Invoice:  *inv,
		Contract: *contract,
	})
	if err != nil {
		return nil, err
	}
	return &InvoicePDFResult{
		FileName: fmt.Sprintf("%s.pdf", inv.Number),
		Content:  content,
	}, nil
}
