package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/monkeysworks/settlement/internal/config"
	"github.com/monkeysworks/settlement/internal/event"
	"github.com/monkeysworks/settlement/internal/gateway"
	"github.com/monkeysworks/settlement/internal/model"
	"github.com/monkeysworks/settlement/internal/repository"
)

type MilestoneStore interface {
	Create(ctx context.Context, m model.Milestone) (*model.Milestone, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Milestone, error)
	ListByContract(ctx context.Context, contractID uuid.UUID) ([]model.Milestone, error)
	UpdatePending(ctx context.Context, contractID, milestoneID uuid.UUID, u repository.MilestoneUpdate) (*model.Milestone, error)
	TransitionStatus(ctx context.Context, contractID, milestoneID uuid.UUID, change repository.MilestoneStatusChange) (*model.Milestone, error)
	AddDeliverable(ctx context.Context, d model.Deliverable) (*model.Deliverable, error)
	ListDeliverables(ctx context.Context, milestoneID uuid.UUID) ([]model.Deliverable, error)
}

type EscrowSettlementStore interface {
	ReserveFund(ctx context.Context, p repository.ReserveFundParams) (*repository.FundReservation, error)
	FinalizeFund(ctx context.Context, res repository.FundReservation, milestoneID uuid.UUID, success bool, reference *string, metadata []byte) error
	ReleaseMilestone(ctx context.Context, p repository.ReleaseParams) (*model.EscrowTransaction, error)
	ReserveRefund(ctx context.Context, p repository.ReserveRefundParams) (*repository.RefundReservation, error)
	FinalizeRefund(ctx context.Context, refundTxID uuid.UUID, success bool, reference *string) error
	PayoutLedger
}

type MilestoneService struct {
	contracts  ContractStore
	milestones MilestoneStore
	escrow     EscrowSettlementStore
	gateway    gateway.Gateway
	bus        *event.Bus
	cfg        *config.Config
	log        zerolog.Logger
}

func NewMilestoneService(
	contracts ContractStore,
	milestones MilestoneStore,
	escrow EscrowSettlementStore,
	gw gateway.Gateway,
	bus *event.Bus,
	cfg *config.Config,
	log zerolog.Logger,
) *MilestoneService {
	return &MilestoneService{
		contracts:  contracts,
		milestones: milestones,
		escrow:     escrow,
		gateway:    gw,
		bus:        bus,
		cfg:        cfg,
		log:        log,
	}
}

func (s *MilestoneService) loadContract(ctx context.Context, contractID uuid.UUID, principal model.Principal) (*model.Contract, error) {
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
	return contract, nil
}

func (s *MilestoneService) loadPair(ctx context.Context, milestoneID uuid.UUID, principal model.Principal) (*model.Contract, *model.Milestone, error) {
	milestone, err := s.milestones.GetByID(ctx, milestoneID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	contract, err := s.loadContract(ctx, milestone.ContractID, principal)
	if err != nil {
		return nil, nil, err
	}
	return contract, milestone, nil
}

type CreateMilestoneInput struct {
	ContractID  uuid.UUID
	Title       string
	Description *string
	Amount      decimal.Decimal
	SortOrder   int
	DueDate     *time.Time
	Principal   model.Principal
}

func (s *MilestoneService) Create(ctx context.Context, input CreateMilestoneInput) (*model.Milestone, error) {
	contract, err := s.loadContract(ctx, input.ContractID, input.Principal)
	if err != nil {
		return nil, err
	}
	if input.Principal.IsFreelancer() {
		return nil, ErrPermissionDenied
	}
	if contract.Status.Terminal() {
		return nil, fmt.Errorf("%w: contract is %s", ErrInvalidState, contract.Status)
	}
	if strings.TrimSpace(input.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if !input.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}

	return s.milestones.Create(ctx, model.Milestone{
		ContractID:  input.ContractID,
		Title:       strings.TrimSpace(input.Title),
		Description: input.Description,
		Amount:      input.Amount.Round(2),
		Currency:    contract.Currency,
		Status:      model.MilestoneStatusPending,
		SortOrder:   input.SortOrder,
		DueDate:     input.DueDate,
	})
}

type UpdateMilestoneInput struct {
	MilestoneID uuid.UUID
	Title       *string
	Description *string
	Amount      *decimal.Decimal
	DueDate     *time.Time
	SortOrder   *int
	Principal   model.Principal
}

// Update edits a pending milestone's terms. Once work starts or escrow is
// funded the terms are frozen.
func (s *MilestoneService) Update(ctx context.Context, input UpdateMilestoneInput) (*model.Milestone, error) {
	contract, milestone, err := s.loadPair(ctx, input.MilestoneID, input.Principal)
	if err != nil {
		return nil, err
	}
	if input.Principal.IsFreelancer() {
		return nil, ErrPermissionDenied
	}
	if contract.Status.Terminal() {
		return nil, fmt.Errorf("%w: contract is %s", ErrInvalidState, contract.Status)
	}
	if milestone.Status != model.MilestoneStatusPending || milestone.EscrowFunded {
		return nil, fmt.Errorf("%w: milestone terms are frozen", ErrInvalidState)
	}

	update := repository.MilestoneUpdate{
		Description: input.Description,
		DueDate:     input.DueDate,
		SortOrder:   input.SortOrder,
	}
	if input.Title != nil {
		trimmed := strings.TrimSpace(*input.Title)
		if trimmed == "" {
			return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
		}
		update.Title = &trimmed
	}
	if input.Amount != nil {
		if !input.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
		}
		rounded := input.Amount.Round(2)
		update.Amount = &rounded
	}

	updated, err := s.milestones.UpdatePending(ctx, contract.ID, milestone.ID, update)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: milestone terms are frozen", ErrInvalidState)
		}
		return nil, mapRepoError(err)
	}
	return updated, nil
}

func (s *MilestoneService) List(ctx context.Context, contractID uuid.UUID, principal model.Principal) ([]model.Milestone, error) {
	if _, err := s.loadContract(ctx, contractID, principal); err != nil {
		return nil, err
	}
	return s.milestones.ListByContract(ctx, contractID)
}

// Fund charges the client the milestone amount plus the processing fee and
// moves the money into escrow. The pending ledger row is reserved before the
// gateway call so a crash can never double-charge: the row id is the
// idempotency key and stale reservations are expired by the sweep.
func (s *MilestoneService) Fund(ctx context.Context, milestoneID uuid.UUID, principal model.Principal) (*model.Milestone, error) {
	contract, milestone, err := s.loadPair(ctx, milestoneID, principal)
	if err != nil {
		return nil, err
	}
	if !principal.IsClient() && !principal.IsAdmin() {
		return nil, ErrPermissionDenied
	}
	if principal.IsClient() && contract.ClientID != principal.UserID {
		return nil, ErrPermissionDenied
	}
	if contract.Status.Terminal() {
		return nil, fmt.Errorf("%w: contract is %s", ErrInvalidState, contract.Status)
	}
	if milestone.EscrowFunded {
		return nil, fmt.Errorf("%w: milestone is already funded", ErrInvalidState)
	}

	clientFee := model.ClientFee(milestone.Amount, s.cfg.Settlement.ClientFeePercent)

	reservation, err := s.escrow.ReserveFund(ctx, repository.ReserveFundParams{
		ContractID:  contract.ID,
		MilestoneID: milestone.ID,
		Amount:      milestone.Amount,
		ClientFee:   clientFee,
		Currency:    milestone.Currency,
	})
	if err != nil {
		return nil, mapRepoError(err)
	}

	result, err := s.gateway.Charge(ctx, gateway.ChargeRequest{
		IdempotencyKey: reservation.FundTxID.String(),
		CustomerID:     contract.ClientID.String(),
		Amount:         milestone.Amount.Add(clientFee),
		Currency:       milestone.Currency,
		Description:    fmt.Sprintf("Escrow funding for milestone %q", milestone.Title),
	})
	if err != nil {
		// The pending rows stay behind for the reconciliation sweep.
		s.log.Error().Err(err).Str("milestone_id", milestone.ID.String()).Msg("gateway charge failed")
		return nil, fmt.Errorf("%w: %v", ErrGatewayFailure, err)
	}

	var reference *string
	if result.Reference != "" {
		reference = &result.Reference
	}
	if result.Declined {
		if err := s.escrow.FinalizeFund(ctx, *reservation, milestone.ID, false, reference, nil); err != nil {
			return nil, mapRepoError(err)
		}
		return nil, fmt.Errorf("%w: charge declined: %s", ErrGatewayFailure, result.Message)
	}

	if err := s.escrow.FinalizeFund(ctx, *reservation, milestone.ID, true, reference, nil); err != nil {
		return nil, mapRepoError(err)
	}

	s.bus.Publish(event.Event{
		Name:       event.MilestoneFunded,
		ContractID: contract.ID,
		EntityID:   milestone.ID,
		ActorID:    principal.UserID,
		Payload:    map[string]interface{}{"amount": milestone.Amount.StringFixed(2), "client_fee": clientFee.StringFixed(2)},
	})
	s.log.Info().
		Str("milestone_id", milestone.ID.String()).
		Str("amount", milestone.Amount.StringFixed(2)).
		Msg("milestone funded")

	return s.milestones.GetByID(ctx, milestoneID)
}

func (s *MilestoneService) Start(ctx context.Context, milestoneID uuid.UUID, principal model.Principal) (*model.Milestone, error) {
	contract, milestone, err := s.loadPair(ctx, milestoneID, principal)
	if err != nil {
		return nil, err
	}
	if !principal.IsFreelancer() || contract.FreelancerID != principal.UserID {
		return nil, ErrPermissionDenied
	}
	if _, ok := model.NextMilestoneStatus(milestone.Status, model.MilestoneActionStart); !ok {
		return nil, fmt.Errorf("%w: cannot start a %s milestone", ErrInvalidState, milestone.Status)
	}

	now := time.Now().UTC()
	updated, err := s.milestones.TransitionStatus(ctx, contract.ID, milestoneID, repository.MilestoneStatusChange{
		From:      []model.MilestoneStatus{model.MilestoneStatusPending},
		To:        model.MilestoneStatusInProgress,
		StartedAt: &now,
	})
	if err != nil {
		return nil, mapRepoError(err)
	}
	return updated, nil
}

// Submit hands the work over for review and arms the auto-accept clock.
func (s *MilestoneService) Submit(ctx context.Context, milestoneID uuid.UUID, principal model.Principal) (*model.Milestone, error) {
	contract, milestone, err := s.loadPair(ctx, milestoneID, principal)
	if err != nil {
		return nil, err
	}
	if !principal.IsFreelancer() || contract.FreelancerID != principal.UserID {
		return nil, ErrPermissionDenied
	}
	if _, ok := model.NextMilestoneStatus(milestone.Status, model.MilestoneActionSubmit); !ok {
		return nil, fmt.Errorf("%w: cannot submit a %s milestone", ErrInvalidState, milestone.Status)
	}

	now := time.Now().UTC()
	autoAccept := now.AddDate(0, 0, s.cfg.Settlement.AutoAcceptDays)
	updated, err := s.milestones.TransitionStatus(ctx, contract.ID, milestoneID, repository.MilestoneStatusChange{
		From:         []model.MilestoneStatus{model.MilestoneStatusInProgress, model.MilestoneStatusRevisionRequested},
		To:           model.MilestoneStatusSubmitted,
		SubmittedAt:  &now,
		AutoAcceptAt: &autoAccept,
	})
	if err != nil {
		return nil, mapRepoError(err)
	}

	s.bus.Publish(event.Event{
		Name:       event.MilestoneSubmitted,
		ContractID: contract.ID,
		EntityID:   milestoneID,
		ActorID:    principal.UserID,
	})
	return updated, nil
}

// RequestRevision sends the submission back and disarms the auto-accept
// clock until the freelancer resubmits.
func (s *MilestoneService) RequestRevision(ctx context.Context, milestoneID uuid.UUID, feedback string, principal model.Principal) (*model.Milestone, error) {
	contract, milestone, err := s.loadPair(ctx, milestoneID, principal)
	if err != nil {
		return nil, err
	}
	if !principal.IsClient() || contract.ClientID != principal.UserID {
		return nil, ErrPermissionDenied
	}
	if _, ok := model.NextMilestoneStatus(milestone.Status, model.MilestoneActionRequestRevision); !ok {
		return nil, fmt.Errorf("%w: cannot request revision on a %s milestone", ErrInvalidState, milestone.Status)
	}
	if strings.TrimSpace(feedback) == "" {
		return nil, fmt.Errorf("%w: feedback is required", ErrInvalidInput)
	}

	trimmed := strings.TrimSpace(feedback)
	updated, err := s.milestones.TransitionStatus(ctx, contract.ID, milestoneID, repository.MilestoneStatusChange{
		From:            []model.MilestoneStatus{model.MilestoneStatusSubmitted},
		To:              model.MilestoneStatusRevisionRequested,
		ClearAutoAccept: true,
		BumpRevision:    true,
		ClientFeedback:  &trimmed,
	})
	if err != nil {
		return nil, mapRepoError(err)
	}
	return updated, nil
}

// Accept settles the milestone: the freelancer receives the amount net of
// the platform commission, both booked as ledger rows in one transaction.
// Accepting an already-accepted milestone is a no-op.
func (s *MilestoneService) Accept(ctx context.Context, milestoneID uuid.UUID, principal model.Principal) (*model.Milestone, error) {
	contract, milestone, err := s.loadPair(ctx, milestoneID, principal)
	if err != nil {
		return nil, err
	}
	if principal.IsFreelancer() {
		return nil, ErrPermissionDenied
	}
	if principal.IsClient() && contract.ClientID != principal.UserID {
		return nil, ErrPermissionDenied
	}

	if milestone.Status == model.MilestoneStatusAccepted && milestone.EscrowReleased {
		return milestone, nil
	}
	if !milestone.EscrowFunded {
		return nil, fmt.Errorf("%w: milestone escrow is not funded", ErrInvalidState)
	}
	if _, ok := model.NextMilestoneStatus(milestone.Status, model.MilestoneActionAccept); !ok {
		return nil, fmt.Errorf("%w: cannot accept a %s milestone", ErrInvalidState, milestone.Status)
	}

	fee := model.PlatformFee(milestone.Amount, contract.PlatformFeePercent)
	net := milestone.Amount.Sub(fee)

	release, err := s.escrow.ReleaseMilestone(ctx, repository.ReleaseParams{
		ContractID:  contract.ID,
		MilestoneID: milestone.ID,
		NetAmount:   net,
		PlatformFee: fee,
		Currency:    milestone.Currency,
		FromStatuses: []model.MilestoneStatus{
			model.MilestoneStatusInProgress,
			model.MilestoneStatusSubmitted,
			model.MilestoneStatusRevisionRequested,
		},
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Lost the race: re-read and treat an accept that already
			// happened as success.
			current, readErr := s.milestones.GetByID(ctx, milestoneID)
			if readErr == nil && current.Status == model.MilestoneStatusAccepted && current.EscrowReleased {
				return current, nil
			}
		}
		return nil, mapRepoError(err)
	}

	sendPayout(ctx, s.gateway, s.escrow, s.log, release.ID, contract.FreelancerID, net, milestone.Currency,
		fmt.Sprintf("Milestone release: %s", milestone.Title))

	s.bus.Publish(event.Event{
		Name:       event.MilestoneAccepted,
		ContractID: contract.ID,
		EntityID:   milestoneID,
		ActorID:    principal.UserID,
		Payload:    map[string]interface{}{"net": net.StringFixed(2), "platform_fee": fee.StringFixed(2)},
	})
	s.bus.Publish(event.Event{
		Name:       event.EscrowReleased,
		ContractID: contract.ID,
		EntityID:   milestoneID,
		ActorID:    principal.UserID,
	})
	s.log.Info().
		Str("milestone_id", milestoneID.String()).
		Str("net", net.StringFixed(2)).
		Str("fee", fee.StringFixed(2)).
		Msg("milestone accepted, escrow released")

	return s.milestones.GetByID(ctx, milestoneID)
}

// Refund returns a funded, unreleased milestone's escrow to the client
// through the gateway, using the same reserve/finalize protocol as funding.
func (s *MilestoneService) Refund(ctx context.Context, milestoneID uuid.UUID, principal model.Principal) (*model.Milestone, error) {
	contract, milestone, err := s.loadPair(ctx, milestoneID, principal)
	if err != nil {
		return nil, err
	}
	if principal.IsFreelancer() {
		return nil, ErrPermissionDenied
	}
	if !milestone.EscrowFunded || milestone.EscrowReleased {
		return nil, fmt.Errorf("%w: milestone escrow is not refundable", ErrInvalidState)
	}

	reservation, err := s.escrow.ReserveRefund(ctx, repository.ReserveRefundParams{
		ContractID:  contract.ID,
		MilestoneID: milestone.ID,
		Amount:      milestone.Amount,
		Currency:    milestone.Currency,
	})
	if err != nil {
		return nil, mapRepoError(err)
	}

	chargeRef := ""
	if reservation.GatewayReference != nil {
		chargeRef = *reservation.GatewayReference
	}
	result, err := s.gateway.Refund(ctx, gateway.RefundRequest{
		IdempotencyKey: reservation.RefundTxID.String(),
		Reference:      chargeRef,
		Amount:         milestone.Amount,
		Currency:       milestone.Currency,
	})
	if err != nil {
		s.log.Error().Err(err).Str("milestone_id", milestone.ID.String()).Msg("gateway refund failed")
		return nil, fmt.Errorf("%w: %v", ErrGatewayFailure, err)
	}

	var reference *string
	if result.Reference != "" {
		reference = &result.Reference
	}
	if result.Declined {
		if err := s.escrow.FinalizeRefund(ctx, reservation.RefundTxID, false, reference); err != nil {
			return nil, mapRepoError(err)
		}
		return nil, fmt.Errorf("%w: refund declined: %s", ErrGatewayFailure, result.Message)
	}

	if err := s.escrow.FinalizeRefund(ctx, reservation.RefundTxID, true, reference); err != nil {
		return nil, mapRepoError(err)
	}

	s.bus.Publish(event.Event{
		Name:       event.EscrowRefunded,
		ContractID: contract.ID,
		EntityID:   milestoneID,
		ActorID:    principal.UserID,
		Payload:    map[string]interface{}{"amount": milestone.Amount.StringFixed(2)},
	})
	return s.milestones.GetByID(ctx, milestoneID)
}

type AddDeliverableInput struct {
	MilestoneID uuid.UUID
	FileName    string
	FileURL     string
	FileSize    int64
	MimeType    string
	Notes       *string
	Principal   model.Principal
}

func (s *MilestoneService) AddDeliverable(ctx context.Context, input AddDeliverableInput) (*model.Deliverable, error) {
	contract, milestone, err := s.loadPair(ctx, input.MilestoneID, input.Principal)
	if err != nil {
		return nil, err
	}
	if !input.Principal.IsFreelancer() || contract.FreelancerID != input.Principal.UserID {
		return nil, ErrPermissionDenied
	}
	switch milestone.Status {
	case model.MilestoneStatusInProgress, model.MilestoneStatusSubmitted, model.MilestoneStatusRevisionRequested:
	default:
		return nil, fmt.Errorf("%w: cannot attach deliverables to a %s milestone", ErrInvalidState, milestone.Status)
	}
	if strings.TrimSpace(input.FileName) == "" || strings.TrimSpace(input.FileURL) == "" {
		return nil, fmt.Errorf("%w: file_name and file_url are required", ErrInvalidInput)
	}

	return s.milestones.AddDeliverable(ctx, model.Deliverable{
		MilestoneID: input.MilestoneID,
		FileName:    strings.TrimSpace(input.FileName),
		FileURL:     strings.TrimSpace(input.FileURL),
		FileSize:    input.FileSize,
		MimeType:    input.MimeType,
		Notes:       input.Notes,
	})
}

func (s *MilestoneService) ListDeliverables(ctx context.Context, milestoneID uuid.UUID, principal model.Principal) ([]model.Deliverable, error) {
	if _, _, err := s.loadPair(ctx, milestoneID, principal); err != nil {
		return nil, err
	}
	return s.milestones.ListDeliverables(ctx, milestoneID)
}
