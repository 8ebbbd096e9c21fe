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

type DisputeStore interface {
	OpenDispute(ctx context.Context, p repository.OpenDisputeParams) (*model.Dispute, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Dispute, error)
	ListByContract(ctx context.Context, contractID uuid.UUID) ([]model.Dispute, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from []model.DisputeStatus, to model.DisputeStatus) error
	AddMessage(ctx context.Context, msg model.DisputeMessage, turn *repository.TurnUpdate) (*model.DisputeMessage, error)
	ListMessages(ctx context.Context, disputeID uuid.UUID, includeInternal bool) ([]model.DisputeMessage, error)
	ListDeadlineLapsed(ctx context.Context, now time.Time, limit int) ([]model.Dispute, error)
	ReserveResolution(ctx context.Context, p repository.ReserveResolutionParams) (*repository.ResolutionReservation, error)
	FinalizeResolution(ctx context.Context, p repository.FinalizeResolutionParams) (uuid.UUID, error)
	FailResolutionRefund(ctx context.Context, refundTxID uuid.UUID) error
}

type DisputeMilestoneStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Milestone, error)
}

type DisputeService struct {
	contracts  ContractStore
	milestones DisputeMilestoneStore
	disputes   DisputeStore
	ledger     PayoutLedger
	gateway    gateway.Gateway
	bus        *event.Bus
	cfg        *config.Config
	log        zerolog.Logger
}

func NewDisputeService(
	contracts ContractStore,
	milestones DisputeMilestoneStore,
	disputes DisputeStore,
	ledger PayoutLedger,
	gw gateway.Gateway,
	bus *event.Bus,
	cfg *config.Config,
	log zerolog.Logger,
) *DisputeService {
	return &DisputeService{
		contracts:  contracts,
		milestones: milestones,
		disputes:   disputes,
		ledger:     ledger,
		gateway:    gw,
		bus:        bus,
		cfg:        cfg,
		log:        log,
	}
}

type OpenDisputeInput struct {
	ContractID   uuid.UUID
	MilestoneID  uuid.UUID
	Reason       model.DisputeReason
	Description  string
	EvidenceURLs []string
	Principal    model.Principal
}

// Open raises a dispute on a funded milestone and locks its escrow in the
// same transaction. The other party owes the first response.
func (s *DisputeService) Open(ctx context.Context, input OpenDisputeInput) (*model.Dispute, error) {
	contract, err := s.contracts.GetByID(ctx, input.ContractID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !contract.IsParty(input.Principal.UserID) {
		return nil, ErrPermissionDenied
	}
	if !model.ValidDisputeReason(input.Reason) {
		return nil, fmt.Errorf("%w: unknown dispute reason %q", ErrInvalidInput, input.Reason)
	}
	if strings.TrimSpace(input.Description) == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalidInput)
	}

	milestone, err := s.milestones.GetByID(ctx, input.MilestoneID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if milestone.ContractID != contract.ID {
		return nil, fmt.Errorf("%w: milestone does not belong to contract", ErrInvalidInput)
	}
	if !milestone.EscrowFunded || milestone.EscrowReleased {
		return nil, fmt.Errorf("%w: only funded, unreleased milestones can be disputed", ErrInvalidState)
	}
	if milestone.Status == model.MilestoneStatusDisputed {
		return nil, fmt.Errorf("%w: milestone already has an open dispute", ErrConflict)
	}
	if _, ok := model.NextMilestoneStatus(milestone.Status, model.MilestoneActionDispute); !ok {
		return nil, fmt.Errorf("%w: cannot dispute a %s milestone", ErrInvalidState, milestone.Status)
	}

	respondent := contract.ClientID
	if input.Principal.UserID == contract.ClientID {
		respondent = contract.FreelancerID
	}
	deadline := time.Now().UTC().AddDate(0, 0, s.cfg.Settlement.DisputeResponseDays)

	milestoneID := input.MilestoneID
	dispute, err := s.disputes.OpenDispute(ctx, repository.OpenDisputeParams{
		Dispute: model.Dispute{
			ContractID:           contract.ID,
			MilestoneID:          &milestoneID,
			RaisedBy:             input.Principal.UserID,
			Reason:               input.Reason,
			Description:          strings.TrimSpace(input.Description),
			EvidenceURLs:         input.EvidenceURLs,
			ResponseDeadline:     &deadline,
			AwaitingResponseFrom: &respondent,
		},
		MilestoneAmount: milestone.Amount,
		Currency:        milestone.Currency,
		FromStatuses: []model.MilestoneStatus{
			model.MilestoneStatusInProgress,
			model.MilestoneStatusSubmitted,
			model.MilestoneStatusRevisionRequested,
		},
		MarkContract: true,
	})
	if err != nil {
		return nil, mapRepoError(err)
	}

	s.bus.Publish(event.Event{
		Name:       event.DisputeOpened,
		ContractID: contract.ID,
		EntityID:   dispute.ID,
		ActorID:    input.Principal.UserID,
	})
	s.log.Info().
		Str("dispute_id", dispute.ID.String()).
		Str("milestone_id", milestoneID.String()).
		Msg("dispute opened, escrow held")
	return dispute, nil
}

func (s *DisputeService) Get(ctx context.Context, id uuid.UUID, principal model.Principal) (*model.Dispute, error) {
	dispute, err := s.disputes.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !principal.IsAdmin() {
		contract, err := s.contracts.GetByID(ctx, dispute.ContractID)
		if err != nil {
			return nil, err
		}
		if !contract.IsParty(principal.UserID) {
			return nil, ErrPermissionDenied
		}
	}
	return dispute, nil
}

func (s *DisputeService) ListByContract(ctx context.Context, contractID uuid.UUID, principal model.Principal) ([]model.Dispute, error) {
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
	return s.disputes.ListByContract(ctx, contractID)
}

type AddMessageInput struct {
	DisputeID   uuid.UUID
	Body        string
	Attachments []string
	IsInternal  bool
	Principal   model.Principal
}

// AddMessage appends to the thread. When the awaited party answers, the
// response turn flips to the other side with a fresh deadline.
func (s *DisputeService) AddMessage(ctx context.Context, input AddMessageInput) (*model.DisputeMessage, error) {
	dispute, err := s.Get(ctx, input.DisputeID, input.Principal)
	if err != nil {
		return nil, err
	}
	if dispute.Status.Resolved() {
		return nil, fmt.Errorf("%w: dispute is resolved", ErrInvalidState)
	}
	if strings.TrimSpace(input.Body) == "" {
		return nil, fmt.Errorf("%w: body is required", ErrInvalidInput)
	}
	if input.IsInternal && !input.Principal.IsAdmin() {
		return nil, ErrPermissionDenied
	}

	var turn *repository.TurnUpdate
	if !input.IsInternal &&
		dispute.AwaitingResponseFrom != nil &&
		*dispute.AwaitingResponseFrom == input.Principal.UserID {
		contract, err := s.contracts.GetByID(ctx, dispute.ContractID)
		if err != nil {
			return nil, err
		}
		next := contract.ClientID
		if input.Principal.UserID == contract.ClientID {
			next = contract.FreelancerID
		}
		turn = &repository.TurnUpdate{
			AwaitingResponseFrom: next,
			ResponseDeadline:     time.Now().UTC().AddDate(0, 0, s.cfg.Settlement.DisputeResponseDays),
		}
	}

	return s.disputes.AddMessage(ctx, model.DisputeMessage{
		DisputeID:   input.DisputeID,
		SenderID:    input.Principal.UserID,
		Body:        strings.TrimSpace(input.Body),
		Attachments: input.Attachments,
		IsInternal:  input.IsInternal,
	}, turn)
}

func (s *DisputeService) ListMessages(ctx context.Context, disputeID uuid.UUID, principal model.Principal) ([]model.DisputeMessage, error) {
	if _, err := s.Get(ctx, disputeID, principal); err != nil {
		return nil, err
	}
	return s.disputes.ListMessages(ctx, disputeID, principal.IsAdmin())
}

func (s *DisputeService) MarkUnderReview(ctx context.Context, id uuid.UUID, principal model.Principal) error {
	if !principal.IsAdmin() {
		return ErrPermissionDenied
	}
	err := s.disputes.UpdateStatus(ctx, id,
		[]model.DisputeStatus{model.DisputeStatusOpen},
		model.DisputeStatusUnderReview,
	)
	return mapNilOrRepoError(err)
}

func (s *DisputeService) Escalate(ctx context.Context, id uuid.UUID, principal model.Principal) error {
	if _, err := s.Get(ctx, id, principal); err != nil {
		return err
	}
	err := s.disputes.UpdateStatus(ctx, id,
		[]model.DisputeStatus{model.DisputeStatusOpen, model.DisputeStatusUnderReview},
		model.DisputeStatusEscalated,
	)
	return mapNilOrRepoError(err)
}

type ResolveDisputeInput struct {
	DisputeID        uuid.UUID
	ClientAmount     decimal.Decimal
	FreelancerAmount decimal.Decimal
	Notes            *string
	DecisionID       *string
	Principal        model.Principal
}

// Resolve settles a dispute by an explicit split. The two shares must sum to
// the disputed milestone amount; the client share goes back through the
// gateway, the freelancer share is released net of the platform commission.
func (s *DisputeService) Resolve(ctx context.Context, input ResolveDisputeInput) (*model.Dispute, error) {
	if !input.Principal.IsAdmin() {
		return nil, ErrPermissionDenied
	}
	dispute, err := s.disputes.GetByID(ctx, input.DisputeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if dispute.Status.Resolved() {
		return nil, fmt.Errorf("%w: dispute is already resolved", ErrInvalidState)
	}
	if dispute.MilestoneID == nil {
		return nil, fmt.Errorf("%w: dispute has no milestone scope", ErrInvalidState)
	}
	if input.ClientAmount.IsNegative() || input.FreelancerAmount.IsNegative() {
		return nil, fmt.Errorf("%w: split amounts must not be negative", ErrInvalidInput)
	}

	milestone, err := s.milestones.GetByID(ctx, *dispute.MilestoneID)
	if err != nil {
		return nil, err
	}
	if !input.ClientAmount.Add(input.FreelancerAmount).Equal(milestone.Amount) {
		return nil, fmt.Errorf("%w: split must sum to the milestone amount %s", ErrInvalidInput, milestone.Amount.StringFixed(2))
	}

	status := model.DisputeStatusResolvedSplit
	switch {
	case input.FreelancerAmount.IsZero():
		status = model.DisputeStatusResolvedClient
	case input.ClientAmount.IsZero():
		status = model.DisputeStatusResolvedFreelancer
	}

	reservation, err := s.disputes.ReserveResolution(ctx, repository.ReserveResolutionParams{
		DisputeID:    dispute.ID,
		ContractID:   dispute.ContractID,
		MilestoneID:  *dispute.MilestoneID,
		ClientAmount: input.ClientAmount,
		Currency:     milestone.Currency,
	})
	if err != nil {
		return nil, mapRepoError(err)
	}

	var refundReference *string
	if reservation.RefundTxID != uuid.Nil {
		chargeRef := ""
		if reservation.GatewayReference != nil {
			chargeRef = *reservation.GatewayReference
		}
		result, err := s.gateway.Refund(ctx, gateway.RefundRequest{
			IdempotencyKey: reservation.RefundTxID.String(),
			Reference:      chargeRef,
			Amount:         input.ClientAmount,
			Currency:       milestone.Currency,
		})
		if err != nil {
			s.log.Error().Err(err).Str("dispute_id", dispute.ID.String()).Msg("resolution refund failed")
			return nil, fmt.Errorf("%w: %v", ErrGatewayFailure, err)
		}
		if result.Declined {
			if err := s.disputes.FailResolutionRefund(ctx, reservation.RefundTxID); err != nil {
				return nil, mapRepoError(err)
			}
			return nil, fmt.Errorf("%w: resolution refund declined: %s", ErrGatewayFailure, result.Message)
		}
		if result.Reference != "" {
			refundReference = &result.Reference
		}
	}

	fee := decimal.Zero
	net := decimal.Zero
	var freelancerID uuid.UUID
	if input.FreelancerAmount.IsPositive() {
		contract, err := s.contracts.GetByID(ctx, dispute.ContractID)
		if err != nil {
			return nil, err
		}
		fee = model.PlatformFee(input.FreelancerAmount, contract.PlatformFeePercent)
		net = input.FreelancerAmount.Sub(fee)
		freelancerID = contract.FreelancerID
	}

	releaseTxID, err := s.disputes.FinalizeResolution(ctx, repository.FinalizeResolutionParams{
		DisputeID:        dispute.ID,
		ContractID:       dispute.ContractID,
		MilestoneID:      *dispute.MilestoneID,
		Status:           status,
		ResolutionAmount: input.FreelancerAmount,
		ResolutionNotes:  input.Notes,
		ResolvedBy:       input.Principal.UserID,
		DecisionID:       input.DecisionID,
		RefundTxID:       reservation.RefundTxID,
		RefundReference:  refundReference,
		FreelancerNet:    net,
		PlatformFee:      fee,
		Currency:         milestone.Currency,
	})
	if err != nil {
		return nil, mapRepoError(err)
	}

	if releaseTxID != uuid.Nil && net.IsPositive() {
		sendPayout(ctx, s.gateway, s.ledger, s.log, releaseTxID, freelancerID, net, milestone.Currency,
			fmt.Sprintf("Dispute resolution: %s", dispute.ID))
	}

	s.bus.Publish(event.Event{
		Name:       event.DisputeResolved,
		ContractID: dispute.ContractID,
		EntityID:   dispute.ID,
		ActorID:    input.Principal.UserID,
		Payload: map[string]interface{}{
			"outcome":           string(status),
			"client_amount":     input.ClientAmount.StringFixed(2),
			"freelancer_amount": input.FreelancerAmount.StringFixed(2),
		},
	})
	if reservation.RefundTxID != uuid.Nil {
		s.bus.Publish(event.Event{
			Name:       event.EscrowRefunded,
			ContractID: dispute.ContractID,
			EntityID:   *dispute.MilestoneID,
			ActorID:    input.Principal.UserID,
			Payload:    map[string]interface{}{"amount": input.ClientAmount.StringFixed(2)},
		})
	}
	s.log.Info().
		Str("dispute_id", dispute.ID.String()).
		Str("outcome", string(status)).
		Msg("dispute resolved")

	return s.disputes.GetByID(ctx, input.DisputeID)
}

func mapNilOrRepoError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrConflict) {
		return fmt.Errorf("%w: dispute state changed", ErrInvalidState)
	}
	return mapRepoError(err)
}
