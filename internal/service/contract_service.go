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
	"github.com/monkeysworks/settlement/internal/model"
	"github.com/monkeysworks/settlement/internal/repository"
)

type ContractStore interface {
	Create(ctx context.Context, contract model.Contract) (*model.Contract, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Contract, error)
	ListForUser(ctx context.Context, userID uuid.UUID, status *model.ContractStatus, limit, offset int) ([]model.Contract, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, change repository.ContractStatusChange) (*model.Contract, error)
	CountOpenMilestones(ctx context.Context, contractID uuid.UUID) (int64, error)
	CountActiveDisputes(ctx context.Context, contractID uuid.UUID) (int64, error)
}

type ContractEscrowStore interface {
	Balance(ctx context.Context, contractID uuid.UUID, milestoneID *uuid.UUID) (model.LedgerBalance, error)
	ListByContract(ctx context.Context, contractID uuid.UUID) ([]model.EscrowTransaction, error)
}

type ContractService struct {
	contracts ContractStore
	escrow    ContractEscrowStore
	bus       *event.Bus
	cfg       *config.Config
	log       zerolog.Logger
}

func NewContractService(contracts ContractStore, escrow ContractEscrowStore, bus *event.Bus, cfg *config.Config, log zerolog.Logger) *ContractService {
	return &ContractService{
		contracts: contracts,
		escrow:    escrow,
		bus:       bus,
		cfg:       cfg,
		log:       log,
	}
}

type CreateContractInput struct {
	JobID           uuid.UUID
	ProposalID      uuid.UUID
	ClientID        uuid.UUID
	FreelancerID    uuid.UUID
	Title           string
	Description     *string
	ContractType    model.ContractType
	TotalAmount     decimal.Decimal
	HourlyRate      *decimal.Decimal
	WeeklyHourLimit *int
	Currency        string
	Principal       model.Principal
}

func (s *ContractService) Create(ctx context.Context, input CreateContractInput) (*model.Contract, error) {
	if !input.Principal.IsClient() && !input.Principal.IsAdmin() {
		return nil, ErrPermissionDenied
	}
	if input.Principal.IsClient() && input.Principal.UserID != input.ClientID {
		return nil, ErrPermissionDenied
	}
	if strings.TrimSpace(input.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if input.ClientID == uuid.Nil || input.FreelancerID == uuid.Nil {
		return nil, fmt.Errorf("%w: client_id and freelancer_id are required", ErrInvalidInput)
	}
	if input.ClientID == input.FreelancerID {
		return nil, fmt.Errorf("%w: client and freelancer must differ", ErrInvalidInput)
	}

	switch input.ContractType {
	case model.ContractTypeFixed:
		if !input.TotalAmount.IsPositive() {
			return nil, fmt.Errorf("%w: total_amount must be positive", ErrInvalidInput)
		}
	case model.ContractTypeHourly:
		if input.HourlyRate == nil || !input.HourlyRate.IsPositive() {
			return nil, fmt.Errorf("%w: hourly_rate must be positive", ErrInvalidInput)
		}
		if input.WeeklyHourLimit != nil && *input.WeeklyHourLimit <= 0 {
			return nil, fmt.Errorf("%w: weekly_hour_limit must be positive", ErrInvalidInput)
		}
	default:
		return nil, fmt.Errorf("%w: unknown contract type %q", ErrInvalidInput, input.ContractType)
	}

	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	if currency == "" {
		currency = s.cfg.Settlement.DefaultCurrency
	}
	if len(currency) != 3 {
		return nil, fmt.Errorf("%w: currency must be a 3-letter code", ErrInvalidInput)
	}

	contract := model.Contract{
		JobID:              input.JobID,
		ProposalID:         input.ProposalID,
		ClientID:           input.ClientID,
		FreelancerID:       input.FreelancerID,
		Title:              strings.TrimSpace(input.Title),
		Description:        input.Description,
		ContractType:       input.ContractType,
		TotalAmount:        input.TotalAmount,
		HourlyRate:         input.HourlyRate,
		WeeklyHourLimit:    input.WeeklyHourLimit,
		Currency:           currency,
		Status:             model.ContractStatusActive,
		PlatformFeePercent: s.cfg.Settlement.PlatformFeePercent,
		StartedAt:          time.Now().UTC(),
	}

	saved, err := s.contracts.Create(ctx, contract)
	if err != nil {
		return nil, err
	}

	s.bus.Publish(event.Event{
		Name:       event.ContractActivated,
		ContractID: saved.ID,
		EntityID:   saved.ID,
		ActorID:    input.Principal.UserID,
	})
	s.log.Info().Str("contract_id", saved.ID.String()).Str("type", string(saved.ContractType)).Msg("contract created")
	return saved, nil
}

func (s *ContractService) Get(ctx context.Context, id uuid.UUID, principal model.Principal) (*model.Contract, error) {
	contract, err := s.contracts.GetByID(ctx, id)
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

func (s *ContractService) List(ctx context.Context, principal model.Principal, status *model.ContractStatus, limit, offset int) ([]model.Contract, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.contracts.ListForUser(ctx, principal.UserID, status, limit, offset)
}

func (s *ContractService) Pause(ctx context.Context, id uuid.UUID, principal model.Principal) (*model.Contract, error) {
	contract, err := s.Get(ctx, id, principal)
	if err != nil {
		return nil, err
	}
	if !contract.Status.CanTransitionTo(model.ContractStatusPaused) {
		return nil, fmt.Errorf("%w: cannot pause a %s contract", ErrInvalidState, contract.Status)
	}

	updated, err := s.contracts.TransitionStatus(ctx, id, repository.ContractStatusChange{
		From: []model.ContractStatus{model.ContractStatusActive},
		To:   model.ContractStatusPaused,
	})
	if err != nil {
		return nil, mapRepoError(err)
	}
	return updated, nil
}

func (s *ContractService) Resume(ctx context.Context, id uuid.UUID, principal model.Principal) (*model.Contract, error) {
	contract, err := s.Get(ctx, id, principal)
	if err != nil {
		return nil, err
	}
	if !contract.Status.CanTransitionTo(model.ContractStatusActive) {
		return nil, fmt.Errorf("%w: cannot resume a %s contract", ErrInvalidState, contract.Status)
	}

	updated, err := s.contracts.TransitionStatus(ctx, id, repository.ContractStatusChange{
		From: []model.ContractStatus{model.ContractStatusPaused, model.ContractStatusDisputed},
		To:   model.ContractStatusActive,
	})
	if err != nil {
		return nil, mapRepoError(err)
	}
	return updated, nil
}

// Complete closes a contract once every milestone is settled and no dispute
// remains open.
func (s *ContractService) Complete(ctx context.Context, id uuid.UUID, principal model.Principal) (*model.Contract, error) {
	contract, err := s.Get(ctx, id, principal)
	if err != nil {
		return nil, err
	}
	if principal.IsFreelancer() {
		return nil, ErrPermissionDenied
	}
	if contract.Status.Terminal() {
		return nil, fmt.Errorf("%w: contract is already %s", ErrInvalidState, contract.Status)
	}

	open, err := s.contracts.CountOpenMilestones(ctx, id)
	if err != nil {
		return nil, err
	}
	if open > 0 {
		return nil, fmt.Errorf("%w: %d milestones are not settled", ErrInvalidState, open)
	}

	disputes, err := s.contracts.CountActiveDisputes(ctx, id)
	if err != nil {
		return nil, err
	}
	if disputes > 0 {
		return nil, fmt.Errorf("%w: %d disputes are still active", ErrInvalidState, disputes)
	}

	now := time.Now().UTC()
	updated, err := s.contracts.TransitionStatus(ctx, id, repository.ContractStatusChange{
		From:        []model.ContractStatus{model.ContractStatusActive, model.ContractStatusDisputed},
		To:          model.ContractStatusCompleted,
		CompletedAt: &now,
	})
	if err != nil {
		return nil, mapRepoError(err)
	}

	s.bus.Publish(event.Event{
		Name:       event.ContractCompleted,
		ContractID: id,
		EntityID:   id,
		ActorID:    principal.UserID,
	})
	return updated, nil
}

// Cancel ends the contract early. Funded but unreleased milestones must be
// refunded through the milestone refund flow first; cancellation only closes
// contracts whose escrow pool is drained.
func (s *ContractService) Cancel(ctx context.Context, id uuid.UUID, reason string, principal model.Principal) (*model.Contract, error) {
	contract, err := s.Get(ctx, id, principal)
	if err != nil {
		return nil, err
	}
	if contract.Status.Terminal() {
		return nil, fmt.Errorf("%w: contract is already %s", ErrInvalidState, contract.Status)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: cancellation reason is required", ErrInvalidInput)
	}

	disputes, err := s.contracts.CountActiveDisputes(ctx, id)
	if err != nil {
		return nil, err
	}
	if disputes > 0 {
		return nil, fmt.Errorf("%w: resolve active disputes before cancelling", ErrEscrowLocked)
	}

	balance, err := s.escrow.Balance(ctx, id, nil)
	if err != nil {
		return nil, err
	}
	if balance.Available().IsPositive() {
		return nil, fmt.Errorf("%w: %s remains in escrow, refund funded milestones first", ErrInvalidState, balance.Available().StringFixed(2))
	}

	now := time.Now().UTC()
	trimmed := strings.TrimSpace(reason)
	updated, err := s.contracts.TransitionStatus(ctx, id, repository.ContractStatusChange{
		From:               []model.ContractStatus{model.ContractStatusActive, model.ContractStatusPaused, model.ContractStatusDisputed},
		To:                 model.ContractStatusCancelled,
		CancelledAt:        &now,
		CancellationReason: &trimmed,
	})
	if err != nil {
		return nil, mapRepoError(err)
	}

	s.bus.Publish(event.Event{
		Name:       event.ContractCancelled,
		ContractID: id,
		EntityID:   id,
		ActorID:    principal.UserID,
	})
	return updated, nil
}

// EscrowSummary exposes the contract's ledger totals.
func (s *ContractService) EscrowSummary(ctx context.Context, id uuid.UUID, principal model.Principal) (*model.EscrowSummary, []model.EscrowTransaction, error) {
	if _, err := s.Get(ctx, id, principal); err != nil {
		return nil, nil, err
	}

	balance, err := s.escrow.Balance(ctx, id, nil)
	if err != nil {
		return nil, nil, err
	}
	txs, err := s.escrow.ListByContract(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	summary := &model.EscrowSummary{
		TotalFunded:   balance.Funded,
		TotalReleased: balance.Released,
		TotalRefunded: balance.Refunded,
		Balance:       balance.Available(),
	}
	return summary, txs, nil
}

func mapRepoError(err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repository.ErrConflict):
		return ErrConflict
	case errors.Is(err, repository.ErrLocked):
		return ErrEscrowLocked
	case errors.Is(err, repository.ErrInsufficientFunds):
		return fmt.Errorf("%w: insufficient escrow balance", ErrInvalidState)
	case errors.Is(err, repository.ErrDuplicate):
		return fmt.Errorf("%w: duplicate operation", ErrConflict)
	default:
		return err
	}
}
