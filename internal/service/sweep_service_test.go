package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monkeysworks/settlement/internal/model"
)

func TestAutoAcceptMilestones(t *testing.T) {
	ctx := context.Background()
	fx := newFixture()
	contract, client, freelancer := fx.seedContract(model.ContractTypeFixed)
	milestone := fx.seedMilestone(contract.ID, decimal.NewFromInt(500), model.MilestoneStatusPending)
	fx.fundMilestone(ctx, milestone.ID, client)
	_, err := fx.milestoneSvc.Start(ctx, milestone.ID, freelancer)
	require.NoError(t, err)
	_, err = fx.milestoneSvc.Submit(ctx, milestone.ID, freelancer)
	require.NoError(t, err)

	fx.sweepSvc.AutoAcceptMilestones(ctx)
	assert.Equal(t, model.MilestoneStatusSubmitted, fx.db.milestones[milestone.ID].Status,
		"review window still open, nothing happens")

	past := time.Now().UTC().Add(-time.Hour)
	fx.db.milestones[milestone.ID].AutoAcceptAt = &past

	fx.sweepSvc.AutoAcceptMilestones(ctx)
	updated := fx.db.milestones[milestone.ID]
	assert.Equal(t, model.MilestoneStatusAccepted, updated.Status)
	assert.True(t, updated.EscrowReleased)

	bal := fx.db.balance(contract.ID, &milestone.ID)
	assert.True(t, bal.Released.Equal(decimal.NewFromInt(450)), "released net of commission")
	assert.True(t, bal.Available().IsZero())

	fx.sweepSvc.AutoAcceptMilestones(ctx)
	releases := 0
	for _, tx := range fx.db.ledger {
		if tx.Type == model.EscrowTypeRelease {
			releases++
		}
	}
	assert.Equal(t, 1, releases, "a settled milestone falls out of the scan")
}

func TestResolveLapsedDisputes(t *testing.T) {
	ctx := context.Background()

	t.Run("silent freelancer loses to the client", func(t *testing.T) {
		fx := newFixture()
		contract, client, freelancer := fx.seedContract(model.ContractTypeFixed)
		milestone := fx.seedMilestone(contract.ID, decimal.NewFromInt(500), model.MilestoneStatusPending)
		fx.fundMilestone(ctx, milestone.ID, client)
		_, err := fx.milestoneSvc.Start(ctx, milestone.ID, freelancer)
		require.NoError(t, err)

		dispute, err := fx.disputeSvc.Open(ctx, OpenDisputeInput{
			ContractID:  contract.ID,
			MilestoneID: milestone.ID,
			Reason:      model.DisputeReasonNonDelivery,
			Description: "nothing was delivered",
			Principal:   client,
		})
		require.NoError(t, err)

		past := time.Now().UTC().Add(-time.Hour)
		fx.db.disputes[dispute.ID].ResponseDeadline = &past

		fx.sweepSvc.ResolveLapsedDisputes(ctx)

		resolved := fx.db.disputes[dispute.ID]
		assert.Equal(t, model.DisputeStatusResolvedClient, resolved.Status)
		require.Len(t, fx.gw.refunds, 1)
		assert.True(t, fx.gw.refunds[0].Amount.Equal(decimal.NewFromInt(500)))
		assert.False(t, fx.db.milestones[milestone.ID].EscrowReleased)
		assert.True(t, fx.db.balance(contract.ID, &milestone.ID).Available().IsZero())
	})

	t.Run("silent client loses to the freelancer", func(t *testing.T) {
		fx := newFixture()
		contract, client, freelancer := fx.seedContract(model.ContractTypeFixed)
		milestone := fx.seedMilestone(contract.ID, decimal.NewFromInt(500), model.MilestoneStatusPending)
		fx.fundMilestone(ctx, milestone.ID, client)
		_, err := fx.milestoneSvc.Start(ctx, milestone.ID, freelancer)
		require.NoError(t, err)

		dispute, err := fx.disputeSvc.Open(ctx, OpenDisputeInput{
			ContractID:  contract.ID,
			MilestoneID: milestone.ID,
			Reason:      model.DisputeReasonPayment,
			Description: "work done, client went quiet",
			Principal:   freelancer,
		})
		require.NoError(t, err)

		past := time.Now().UTC().Add(-time.Hour)
		fx.db.disputes[dispute.ID].ResponseDeadline = &past

		fx.sweepSvc.ResolveLapsedDisputes(ctx)

		resolved := fx.db.disputes[dispute.ID]
		assert.Equal(t, model.DisputeStatusResolvedFreelancer, resolved.Status)
		assert.Empty(t, fx.gw.refunds, "nothing goes back to the client")
		assert.True(t, fx.db.milestones[milestone.ID].EscrowReleased)

		bal := fx.db.balance(contract.ID, &milestone.ID)
		assert.True(t, bal.Released.Equal(decimal.NewFromInt(450)))
		assert.True(t, bal.Fees.Equal(decimal.NewFromInt(50)))
	})
}

func TestExpireStaleEscrow(t *testing.T) {
	ctx := context.Background()
	fx := newFixture()
	contract, client, _ := fx.seedContract(model.ContractTypeFixed)
	milestone := fx.seedMilestone(contract.ID, decimal.NewFromInt(500), model.MilestoneStatusPending)

	fx.gw.failNext = assert.AnError
	_, err := fx.milestoneSvc.Fund(ctx, milestone.ID, client)
	require.ErrorIs(t, err, ErrGatewayFailure)

	pending := 0
	for _, tx := range fx.db.ledger {
		if tx.Status == model.EscrowStatusPending {
			pending++
		}
	}
	require.Equal(t, 2, pending, "transport error leaves the reservation hanging")

	fx.sweepSvc.ExpireStaleEscrow(ctx)
	for _, tx := range fx.db.ledger {
		assert.Equal(t, model.EscrowStatusPending, tx.Status, "rows inside the timeout are untouched")
	}

	old := time.Now().UTC().Add(-time.Hour)
	for _, tx := range fx.db.ledger {
		tx.CreatedAt = old
	}

	fx.sweepSvc.ExpireStaleEscrow(ctx)
	for _, tx := range fx.db.ledger {
		assert.Equal(t, model.EscrowStatusFailed, tx.Status)
		assert.NotEqual(t, model.EscrowTypeFund, tx.Type, "the fund row flips to fund_failed")
	}

	// The reservation is free again.
	_, err = fx.milestoneSvc.Fund(ctx, milestone.ID, client)
	require.NoError(t, err)
	assert.True(t, fx.db.milestones[milestone.ID].EscrowFunded)
}

func TestMarkOverdueInvoices(t *testing.T) {
	ctx := context.Background()
	fx := newFixture()
	contract, client, _ := fx.seedContract(model.ContractTypeFixed)
	inv := fx.seedDraftInvoice(contract)

	_, err := fx.invoiceSvc.Send(ctx, inv.ID, client)
	require.NoError(t, err)

	fx.sweepSvc.MarkOverdueInvoices(ctx)
	assert.Equal(t, model.InvoiceStatusSent, fx.db.invoices[inv.ID].Status, "no due date, nothing to flip")

	due := time.Now().UTC().Add(-24 * time.Hour)
	fx.db.invoices[inv.ID].DueAt = &due

	fx.sweepSvc.MarkOverdueInvoices(ctx)
	assert.Equal(t, model.InvoiceStatusOverdue, fx.db.invoices[inv.ID].Status)

	paid, err := fx.invoiceSvc.MarkPaid(ctx, inv.ID, client)
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusPaid, paid.Status, "overdue invoices can still settle")
}
