package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/monkeysworks/settlement/internal/gateway"
)

// PayoutLedger records the provider's transfer reference on a release row.
type PayoutLedger interface {
	AttachPayoutReference(ctx context.Context, releaseTxID uuid.UUID, reference string) error
}

// sendPayout pushes a released freelancer share to the payment provider.
// The release row id is the idempotency key, so a replay cannot double-pay.
// The ledger is the source of truth: a provider failure is logged for
// reconciliation and does not unwind the settlement.
func sendPayout(ctx context.Context, gw gateway.Gateway, ledger PayoutLedger, log zerolog.Logger, releaseTxID, recipient uuid.UUID, amount decimal.Decimal, currency, description string) {
	result, err := gw.Payout(ctx, gateway.PayoutRequest{
		IdempotencyKey: releaseTxID.String(),
		RecipientID:    recipient.String(),
		Amount:         amount,
		Currency:       currency,
		Description:    description,
	})
	if err != nil {
		log.Error().Err(err).Str("release_tx_id", releaseTxID.String()).Msg("gateway payout failed")
		return
	}
	if result.Declined {
		log.Error().Str("release_tx_id", releaseTxID.String()).Str("reason", result.Message).Msg("gateway payout declined")
		return
	}
	if result.Reference == "" {
		return
	}
	if err := ledger.AttachPayoutReference(ctx, releaseTxID, result.Reference); err != nil {
		log.Error().Err(err).Str("release_tx_id", releaseTxID.String()).Msg("payout reference not recorded")
	}
}
