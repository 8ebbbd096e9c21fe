package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monkeysworks/settlement/internal/model"
)

func TestGenerateForMilestone(t *testing.T) {
	ctx := context.Background()

	t.Run("writes a paid receipt for the escrow charge", func(t *testing.T) {
		fx := newFixture()
		contract, client, _ := fx.seedContract(model.ContractTypeFixed)
		milestone := fx.seedMilestone(contract.ID, decimal.NewFromInt(500), model.MilestoneStatusPending)
		fx.fundMilestone(ctx, milestone.ID, client)

		inv, err := fx.invoiceSvc.GenerateForMilestone(ctx, milestone.ID)
		require.NoError(t, err)
		assert.Equal(t, model.InvoiceStatusPaid, inv.Status)
		assert.True(t, inv.Subtotal.Equal(decimal.NewFromInt(500)))
		assert.True(t, inv.FeeAmount.Equal(decimal.NewFromInt(15)), "3%% processing fee carried on its own line")
		assert.True(t, inv.Total.Equal(decimal.NewFromInt(515)))
		assert.NotNil(t, inv.IssuedAt)
		assert.NotNil(t, inv.PaidAt)
		require.Len(t, inv.Lines, 2)
		assert.Equal(t, model.LineItemTypeMilestone, inv.Lines[0].Type)
		require.NotNil(t, inv.Lines[0].MilestoneID)
		assert.Equal(t, milestone.ID, *inv.Lines[0].MilestoneID)
		assert.Equal(t, model.LineItemTypeFee, inv.Lines[1].Type)

		month := time.Now().UTC().Format("200601")
		assert.Equal(t, fmt.Sprintf("INV-%s-0001", month), inv.Number)
	})

	t.Run("numbers run sequentially", func(t *testing.T) {
		fx := newFixture()
		contract, client, _ := fx.seedContract(model.ContractTypeFixed)
		first := fx.seedMilestone(contract.ID, decimal.NewFromInt(200), model.MilestoneStatusPending)
		second := fx.seedMilestone(contract.ID, decimal.NewFromInt(300), model.MilestoneStatusPending)
		fx.fundMilestone(ctx, first.ID, client)
		fx.fundMilestone(ctx, second.ID, client)

		a, err := fx.invoiceSvc.GenerateForMilestone(ctx, first.ID)
		require.NoError(t, err)
		b, err := fx.invoiceSvc.GenerateForMilestone(ctx, second.ID)
		require.NoError(t, err)

		month := time.Now().UTC().Format("200601")
		assert.Equal(t, fmt.Sprintf("INV-%s-0001", month), a.Number)
		assert.Equal(t, fmt.Sprintf("INV-%s-0002", month), b.Number)
	})

	t.Run("unfunded milestone has nothing to receipt", func(t *testing.T) {
		fx := newFixture()
		contract, _, _ := fx.seedContract(model.ContractTypeFixed)
		milestone := fx.seedMilestone(contract.ID, decimal.NewFromInt(500), model.MilestoneStatusPending)

		_, err := fx.invoiceSvc.GenerateForMilestone(ctx, milestone.ID)
		assert.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestGenerateForTimesheet(t *testing.T) {
	ctx := context.Background()

	approvedWeek := func(t *testing.T, fx *fixture) (*model.Contract, *model.WeeklyTimesheet) {
		t.Helper()
		contract, client, freelancer := fx.seedContract(model.ContractTypeHourly)
		entry, err := fx.trackingSvc.StartTimer(ctx, StartTimerInput{ContractID: contract.ID, Principal: freelancer})
		require.NoError(t, err)
		fx.db.entries[entry.ID].StartedAt = time.Now().UTC().Add(-90*time.Minute - 30*time.Second)
		stopped, err := fx.trackingSvc.StopTimer(ctx, entry.ID, freelancer)
		require.NoError(t, err)

		weekStart, _ := model.WeekBounds(stopped.StartedAt)
		sheet, err := fx.tracking.GetTimesheetForWeek(ctx, contract.ID, weekStart)
		require.NoError(t, err)
		_, err = fx.trackingSvc.SubmitTimesheet(ctx, sheet.ID, nil, freelancer)
		require.NoError(t, err)
		approved, err := fx.trackingSvc.ApproveTimesheet(ctx, sheet.ID, nil, client)
		require.NoError(t, err)
		return contract, approved
	}

	t.Run("receipts the approved week", func(t *testing.T) {
		fx := newFixture()
		_, sheet := approvedWeek(t, fx)

		inv, err := fx.invoiceSvc.GenerateForTimesheet(ctx, sheet.ID)
		require.NoError(t, err)
		assert.Equal(t, model.InvoiceStatusPaid, inv.Status)
		assert.True(t, inv.Subtotal.Equal(decimal.NewFromInt(90)), "90 minutes at 60/h")
		assert.True(t, inv.FeeAmount.Equal(decimal.NewFromFloat(2.70)))
		assert.True(t, inv.Total.Equal(decimal.NewFromFloat(92.70)))
		require.Len(t, inv.Lines, 2)
		assert.Equal(t, model.LineItemTypeTimesheet, inv.Lines[0].Type)
		assert.True(t, inv.Lines[0].Quantity.Equal(decimal.NewFromFloat(1.5)), "billable hours as quantity")
		require.NotNil(t, inv.Lines[0].TimesheetID)
		assert.Equal(t, sheet.ID, *inv.Lines[0].TimesheetID)
	})

	t.Run("second call returns the existing receipt", func(t *testing.T) {
		fx := newFixture()
		_, sheet := approvedWeek(t, fx)

		first, err := fx.invoiceSvc.GenerateForTimesheet(ctx, sheet.ID)
		require.NoError(t, err)
		second, err := fx.invoiceSvc.GenerateForTimesheet(ctx, sheet.ID)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Len(t, fx.db.invoices, 1)
	})

	t.Run("pending week cannot be receipted", func(t *testing.T) {
		fx := newFixture()
		contract, _, freelancer := fx.seedContract(model.ContractTypeHourly)
		entry, err := fx.trackingSvc.StartTimer(ctx, StartTimerInput{ContractID: contract.ID, Principal: freelancer})
		require.NoError(t, err)
		fx.db.entries[entry.ID].StartedAt = time.Now().UTC().Add(-30 * time.Minute)
		stopped, err := fx.trackingSvc.StopTimer(ctx, entry.ID, freelancer)
		require.NoError(t, err)

		weekStart, _ := model.WeekBounds(stopped.StartedAt)
		sheet, err := fx.tracking.GetTimesheetForWeek(ctx, contract.ID, weekStart)
		require.NoError(t, err)

		_, err = fx.invoiceSvc.GenerateForTimesheet(ctx, sheet.ID)
		assert.ErrorIs(t, err, ErrInvalidState)
	})
}

func (fx *fixture) seedDraftInvoice(contract *model.Contract) *model.Invoice {
	now := time.Now().UTC()
	inv := &model.Invoice{
		ID:           uuid.New(),
		Number:       model.FormatInvoiceNumber(now, 99),
		ContractID:   contract.ID,
		ClientID:     contract.ClientID,
		FreelancerID: contract.FreelancerID,
		Status:       model.InvoiceStatusDraft,
		Subtotal:     decimal.NewFromInt(100),
		FeeAmount:    decimal.NewFromInt(3),
		Total:        decimal.NewFromInt(103),
		Currency:     contract.Currency,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	fx.db.invoices[inv.ID] = inv
	return inv
}

func TestInvoiceLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("draft to sent to paid", func(t *testing.T) {
		fx := newFixture()
		contract, client, _ := fx.seedContract(model.ContractTypeFixed)
		inv := fx.seedDraftInvoice(contract)

		sent, err := fx.invoiceSvc.Send(ctx, inv.ID, client)
		require.NoError(t, err)
		assert.Equal(t, model.InvoiceStatusSent, sent.Status)
		assert.NotNil(t, sent.IssuedAt)

		paid, err := fx.invoiceSvc.MarkPaid(ctx, inv.ID, client)
		require.NoError(t, err)
		assert.Equal(t, model.InvoiceStatusPaid, paid.Status)
		assert.NotNil(t, paid.PaidAt)

		_, err = fx.invoiceSvc.Send(ctx, inv.ID, client)
		assert.ErrorIs(t, err, ErrInvalidState, "a paid invoice cannot go back out")
	})

	t.Run("cancel before payment", func(t *testing.T) {
		fx := newFixture()
		contract, client, _ := fx.seedContract(model.ContractTypeFixed)
		inv := fx.seedDraftInvoice(contract)

		cancelled, err := fx.invoiceSvc.Cancel(ctx, inv.ID, client)
		require.NoError(t, err)
		assert.Equal(t, model.InvoiceStatusCancelled, cancelled.Status)

		_, err = fx.invoiceSvc.MarkPaid(ctx, inv.ID, client)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("strangers see nothing", func(t *testing.T) {
		fx := newFixture()
		contract, _, freelancer := fx.seedContract(model.ContractTypeFixed)
		inv := fx.seedDraftInvoice(contract)

		stranger := model.Principal{UserID: uuid.New(), Role: model.RoleClient}
		_, err := fx.invoiceSvc.Get(ctx, inv.ID, stranger)
		assert.ErrorIs(t, err, ErrPermissionDenied)

		_, err = fx.invoiceSvc.Get(ctx, inv.ID, freelancer)
		assert.NoError(t, err, "both parties can read")

		_, err = fx.invoiceSvc.ListByContract(ctx, contract.ID, stranger)
		assert.ErrorIs(t, err, ErrPermissionDenied)

		list, err := fx.invoiceSvc.ListByContract(ctx, contract.ID, adminPrincipal())
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestInvoiceRenderPDF(t *testing.T) {
	ctx := context.Background()
	fx := newFixture()
	contract, client, _ := fx.seedContract(model.ContractTypeFixed)
	inv := fx.seedDraftInvoice(contract)

	result, err := fx.invoiceSvc.RenderPDF(ctx, inv.ID, client)
	require.NoError(t, err)
	assert.Equal(t, inv.Number+".pdf", result.FileName)
	assert.Equal(t, []byte("%PDF-fake"), result.Content)
	assert.Equal(t, 1, fx.pdf.calls)
}

func TestMarkRefundedForMilestone(t *testing.T) {
	ctx := context.Background()
	fx := newFixture()
	contract, client, _ := fx.seedContract(model.ContractTypeFixed)
	milestone := fx.seedMilestone(contract.ID, decimal.NewFromInt(500), model.MilestoneStatusPending)
	other := fx.seedMilestone(contract.ID, decimal.NewFromInt(200), model.MilestoneStatusPending)
	fx.fundMilestone(ctx, milestone.ID, client)
	fx.fundMilestone(ctx, other.ID, client)

	receipt, err := fx.invoiceSvc.GenerateForMilestone(ctx, milestone.ID)
	require.NoError(t, err)
	keep, err := fx.invoiceSvc.GenerateForMilestone(ctx, other.ID)
	require.NoError(t, err)

	touched, err := fx.invoiceSvc.MarkRefundedForMilestone(ctx, milestone.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), touched)
	assert.Equal(t, model.InvoiceStatusRefunded, fx.db.invoices[receipt.ID].Status)
	assert.Equal(t, model.InvoiceStatusPaid, fx.db.invoices[keep.ID].Status)

	// already refunded rows are not touched again
	touched, err = fx.invoiceSvc.MarkRefundedForMilestone(ctx, milestone.ID)
	require.NoError(t, err)
	assert.Zero(t, touched)
}
