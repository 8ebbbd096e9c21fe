package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/monkeysworks/settlement/internal/config"
	"github.com/monkeysworks/settlement/internal/model"
	"github.com/monkeysworks/settlement/internal/repository"
)

type SweepEscrowStore interface {
	ListStalePending(ctx context.Context, olderThan time.Time) ([]model.EscrowTransaction, error)
	ExpirePending(ctx context.Context, id uuid.UUID) error
}

type SweepMilestoneStore interface {
	ListAutoAcceptDue(ctx context.Context, now time.Time, limit int) ([]model.Milestone, error)
}

// SweepService runs the scheduled maintenance passes. Every pass is
// idempotent: a row that was handled concurrently just falls out of the next
// scan.
type SweepService struct {
	milestoneStore SweepMilestoneStore
	escrowStore    SweepEscrowStore
	invoiceStore   InvoiceStore
	disputeStore   DisputeStore
	disputes       *DisputeService
	milestones     *MilestoneService
	cfg            *config.Config
	log            zerolog.Logger
}

func NewSweepService(
	milestoneStore SweepMilestoneStore,
	escrowStore SweepEscrowStore,
	invoiceStore InvoiceStore,
	disputeStore DisputeStore,
	disputes *DisputeService,
	milestones *MilestoneService,
	cfg *config.Config,
	log zerolog.Logger,
) *SweepService {
	return &SweepService{
		milestoneStore: milestoneStore,
		escrowStore:    escrowStore,
		invoiceStore:   invoiceStore,
		disputeStore:   disputeStore,
		disputes:       disputes,
		milestones:     milestones,
		cfg:            cfg,
		log:            log,
	}
}

const sweepBatchSize = 100

// systemPrincipal is the actor for scheduled work.
func systemPrincipal() model.Principal {
	return model.Principal{Role: model.RoleAdmin}
}

// AutoAcceptMilestones settles submitted milestones whose review window
// lapsed without a client decision.
func (s *SweepService) AutoAcceptMilestones(ctx context.Context) {
	due, err := s.milestoneStore.ListAutoAcceptDue(ctx, time.Now().UTC(), sweepBatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("auto-accept scan failed")
		return
	}
	for _, milestone := range due {
		if _, err := s.milestones.Accept(ctx, milestone.ID, systemPrincipal()); err != nil {
			s.log.Error().Err(err).Str("milestone_id", milestone.ID.String()).Msg("auto-accept failed")
			continue
		}
		s.log.Info().Str("milestone_id", milestone.ID.String()).Msg("milestone auto-accepted")
	}
}

// ResolveLapsedDisputes closes disputes whose awaited party missed the
// response deadline, in favor of the other side.
func (s *SweepService) ResolveLapsedDisputes(ctx context.Context) {
	lapsed, err := s.disputeStore.ListDeadlineLapsed(ctx, time.Now().UTC(), sweepBatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("dispute deadline scan failed")
		return
	}
	for _, dispute := range lapsed {
		if dispute.MilestoneID == nil || dispute.AwaitingResponseFrom == nil {
			continue
		}
		milestone, err := s.disputes.milestones.GetByID(ctx, *dispute.MilestoneID)
		if err != nil {
			s.log.Error().Err(err).Str("dispute_id", dispute.ID.String()).Msg("dispute milestone load failed")
			continue
		}
		contract, err := s.disputes.contracts.GetByID(ctx, dispute.ContractID)
		if err != nil {
			s.log.Error().Err(err).Str("dispute_id", dispute.ID.String()).Msg("dispute contract load failed")
			continue
		}

		clientAmount := decimal.Zero
		freelancerAmount := milestone.Amount
		if *dispute.AwaitingResponseFrom == contract.FreelancerID {
			clientAmount = milestone.Amount
			freelancerAmount = decimal.Zero
		}

		notes := "resolved automatically after response deadline lapsed"
		if _, err := s.disputes.Resolve(ctx, ResolveDisputeInput{
			DisputeID:        dispute.ID,
			ClientAmount:     clientAmount,
			FreelancerAmount: freelancerAmount,
			Notes:            &notes,
			Principal:        systemPrincipal(),
		}); err != nil {
			s.log.Error().Err(err).Str("dispute_id", dispute.ID.String()).Msg("deadline resolution failed")
			continue
		}
		s.log.Info().Str("dispute_id", dispute.ID.String()).Msg("dispute resolved on lapsed deadline")
	}
}

// ExpireStaleEscrow fails pending ledger rows whose gateway call never
// concluded, releasing their reservations.
func (s *SweepService) ExpireStaleEscrow(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-time.Duration(s.cfg.Settlement.PendingTxTimeoutMin) * time.Minute)
	stale, err := s.escrowStore.ListStalePending(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("stale escrow scan failed")
		return
	}
	for _, tx := range stale {
		if err := s.escrowStore.ExpirePending(ctx, tx.ID); err != nil {
			s.log.Error().Err(err).Str("tx_id", tx.ID.String()).Msg("expire pending failed")
			continue
		}
		s.log.Warn().
			Str("tx_id", tx.ID.String()).
			Str("type", string(tx.Type)).
			Msg("stale pending escrow row expired")
	}
}

// MarkOverdueInvoices flips sent invoices past their due date.
func (s *SweepService) MarkOverdueInvoices(ctx context.Context) {
	candidates, err := s.invoiceStore.ListOverdueCandidates(ctx, time.Now().UTC(), sweepBatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("overdue invoice scan failed")
		return
	}
	for _, inv := range candidates {
		_, err := s.invoiceStore.TransitionStatus(ctx, inv.ID, repository.InvoiceStatusChange{
			From: []model.InvoiceStatus{model.InvoiceStatusSent},
			To:   model.InvoiceStatusOverdue,
		})
		if err != nil {
			s.log.Error().Err(err).Str("invoice_id", inv.ID.String()).Msg("overdue transition failed")
			continue
		}
		s.log.Info().Str("invoice_id", inv.ID.String()).Msg("invoice marked overdue")
	}
}
