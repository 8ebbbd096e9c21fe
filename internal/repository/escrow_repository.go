package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/monkeysworks/settlement/internal/model"
)

type EscrowRepository struct {
	db *gorm.DB
}

func NewEscrowRepository(db *gorm.DB) *EscrowRepository {
	return &EscrowRepository{db: db}
}

const escrowColumns = `
	id,
	contract_id,
	milestone_id,
	tx_type AS type,
	amount,
	currency,
	status,
	gateway_reference,
	gateway_metadata,
	processed_at,
	created_at
`

// ledgerBalance sums completed rows for one contract, optionally narrowed to
// one milestone. Must run inside the transaction that will write the next
// row so the invariant check and the insert see the same ledger.
func ledgerBalance(tx *gorm.DB, contractID uuid.UUID, milestoneID *uuid.UUID) (model.LedgerBalance, error) {
	var row struct {
		Funded    decimal.Decimal
		Released  decimal.Decimal
		Refunded  decimal.Decimal
		Fees      decimal.Decimal
		HeldCount int
	}
	query := `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE tx_type = 'fund' AND status = 'completed'), 0) AS funded,
			COALESCE(SUM(amount) FILTER (WHERE tx_type = 'release' AND status = 'completed'), 0) AS released,
			COALESCE(SUM(amount) FILTER (WHERE tx_type IN ('refund', 'dispute_refund') AND status = 'completed'), 0) AS refunded,
			COALESCE(SUM(amount) FILTER (WHERE tx_type = 'platform_fee' AND status = 'completed'), 0) AS fees,
			COUNT(*) FILTER (WHERE tx_type = 'dispute_hold' AND status = 'completed') AS held_count
		FROM escrow_transactions
		WHERE contract_id = ?
	`
	args := []interface{}{contractID}
	if milestoneID != nil {
		query += ` AND milestone_id = ?`
		args = append(args, *milestoneID)
	}

	if err := tx.Raw(query, args...).Scan(&row).Error; err != nil {
		return model.LedgerBalance{}, err
	}
	return model.LedgerBalance{
		Funded:    row.Funded,
		Released:  row.Released,
		Refunded:  row.Refunded,
		Fees:      row.Fees,
		HeldCount: row.HeldCount,
	}, nil
}

// pendingOutflow sums refund rows still waiting on the gateway. Reserved
// money is already spoken for, so reserve and release checks subtract it
// before comparing against the available balance.
func pendingOutflow(tx *gorm.DB, contractID uuid.UUID, milestoneID *uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM escrow_transactions
		WHERE contract_id = ?
			AND tx_type IN ('refund', 'dispute_refund')
			AND status = 'pending'
	`
	args := []interface{}{contractID}
	if milestoneID != nil {
		query += ` AND milestone_id = ?`
		args = append(args, *milestoneID)
	}

	if err := tx.Raw(query, args...).Scan(&sum).Error; err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

func (r *EscrowRepository) Balance(ctx context.Context, contractID uuid.UUID, milestoneID *uuid.UUID) (model.LedgerBalance, error) {
	return ledgerBalance(r.db.WithContext(ctx), contractID, milestoneID)
}

func (r *EscrowRepository) ListByContract(ctx context.Context, contractID uuid.UUID) ([]model.EscrowTransaction, error) {
	var txs []model.EscrowTransaction
	err := r.db.WithContext(ctx).Raw(`
		SELECT `+escrowColumns+`
		FROM escrow_transactions
		WHERE contract_id = ?
		ORDER BY created_at ASC
	`, contractID).Scan(&txs).Error
	if err != nil {
		return nil, err
	}
	return txs, nil
}

type FundReservation struct {
	FundTxID uuid.UUID
	FeeTxID  uuid.UUID
}

type ReserveFundParams struct {
	ContractID  uuid.UUID
	MilestoneID uuid.UUID
	Amount      decimal.Decimal
	ClientFee   decimal.Decimal
	Currency    string
}

// ReserveFund opens the charge protocol: under the contract lock it writes a
// pending fund row plus a pending client_fee row. The fund row id doubles as
// the gateway idempotency key. A milestone with a completed or still-pending
// fund row cannot be reserved again.
func (r *EscrowRepository) ReserveFund(ctx context.Context, p ReserveFundParams) (*FundReservation, error) {
	var res FundReservation
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockContract(tx, p.ContractID); err != nil {
			return err
		}

		var existing int64
		err := tx.Raw(`
			SELECT COUNT(*)
			FROM escrow_transactions
			WHERE milestone_id = ?
				AND tx_type = 'fund'
				AND status IN ('pending', 'completed')
		`, p.MilestoneID).Scan(&existing).Error
		if err != nil {
			return err
		}
		if existing > 0 {
			return ErrDuplicate
		}

		err = tx.Raw(`
			INSERT INTO escrow_transactions (contract_id, milestone_id, tx_type, amount, currency, status)
			VALUES (?, ?, 'fund', ?, ?, 'pending')
			RETURNING id
		`, p.ContractID, p.MilestoneID, p.Amount, p.Currency).Scan(&res.FundTxID).Error
		if err != nil {
			return err
		}

		return tx.Raw(`
			INSERT INTO escrow_transactions (contract_id, milestone_id, tx_type, amount, currency, status)
			VALUES (?, ?, 'client_fee', ?, ?, 'pending')
			RETURNING id
		`, p.ContractID, p.MilestoneID, p.ClientFee, p.Currency).Scan(&res.FeeTxID).Error
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// FinalizeFund closes the charge protocol after the gateway answered. On
// success both rows complete and the milestone is marked funded; on decline
// the fund row becomes a fund_failed/failed row so the attempt stays visible.
func (r *EscrowRepository) FinalizeFund(ctx context.Context, res FundReservation, milestoneID uuid.UUID, success bool, reference *string, metadata []byte) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !success {
			if err := tx.Exec(`
				UPDATE escrow_transactions
				SET tx_type = 'fund_failed', status = 'failed', gateway_reference = ?, gateway_metadata = ?, processed_at = NOW()
				WHERE id = ? AND status = 'pending'
			`, reference, metadata, res.FundTxID).Error; err != nil {
				return err
			}
			return tx.Exec(`
				UPDATE escrow_transactions
				SET status = 'failed', processed_at = NOW()
				WHERE id = ? AND status = 'pending'
			`, res.FeeTxID).Error
		}

		result := tx.Exec(`
			UPDATE escrow_transactions
			SET status = 'completed', gateway_reference = ?, gateway_metadata = ?, processed_at = NOW()
			WHERE id = ? AND status = 'pending'
		`, reference, metadata, res.FundTxID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrConflict
		}

		if err := tx.Exec(`
			UPDATE escrow_transactions
			SET status = 'completed', gateway_reference = ?, processed_at = NOW()
			WHERE id = ? AND status = 'pending'
		`, reference, res.FeeTxID).Error; err != nil {
			return err
		}

		return tx.Exec(`
			UPDATE milestones
			SET escrow_funded = TRUE, updated_at = NOW()
			WHERE id = ?
		`, milestoneID).Error
	})
}

type ReleaseParams struct {
	ContractID   uuid.UUID
	MilestoneID  uuid.UUID
	NetAmount    decimal.Decimal
	PlatformFee  decimal.Decimal
	Currency     string
	FromStatuses []model.MilestoneStatus
}

// ReleaseMilestone settles an accepted milestone in one transaction: the
// milestone flips to accepted exactly once, a release row pays the
// freelancer the net amount and a platform_fee row books the commission.
// Active dispute holds on the milestone block the release.
func (r *EscrowRepository) ReleaseMilestone(ctx context.Context, p ReleaseParams) (*model.EscrowTransaction, error) {
	var release model.EscrowTransaction
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockContract(tx, p.ContractID); err != nil {
			return err
		}

		balance, err := ledgerBalance(tx, p.ContractID, &p.MilestoneID)
		if err != nil {
			return err
		}
		if balance.Locked() {
			return ErrLocked
		}
		pending, err := pendingOutflow(tx, p.ContractID, &p.MilestoneID)
		if err != nil {
			return err
		}
		if balance.Available().Sub(pending).LessThan(p.NetAmount.Add(p.PlatformFee)) {
			return ErrInsufficientFunds
		}

		statuses := make([]string, 0, len(p.FromStatuses))
		for _, s := range p.FromStatuses {
			statuses = append(statuses, string(s))
		}
		result := tx.Exec(`
			UPDATE milestones
			SET status = 'accepted', escrow_released = TRUE, completed_at = NOW(), auto_accept_at = NULL, updated_at = NOW()
			WHERE id = ?
				AND escrow_funded = TRUE
				AND escrow_released = FALSE
				AND status IN ?
		`, p.MilestoneID, statuses)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrConflict
		}

		err = tx.Raw(`
			INSERT INTO escrow_transactions (contract_id, milestone_id, tx_type, amount, currency, status, processed_at)
			VALUES (?, ?, 'release', ?, ?, 'completed', NOW())
			RETURNING `+escrowColumns,
			p.ContractID, p.MilestoneID, p.NetAmount, p.Currency,
		).Scan(&release).Error
		if err != nil {
			return err
		}

		return tx.Exec(`
			INSERT INTO escrow_transactions (contract_id, milestone_id, tx_type, amount, currency, status, processed_at)
			VALUES (?, ?, 'platform_fee', ?, ?, 'completed', NOW())
		`, p.ContractID, p.MilestoneID, p.PlatformFee, p.Currency).Error
	})
	if err != nil {
		return nil, err
	}
	return &release, nil
}

type RefundReservation struct {
	RefundTxID       uuid.UUID
	GatewayReference *string
	Amount           decimal.Decimal
}

type ReserveRefundParams struct {
	ContractID  uuid.UUID
	MilestoneID uuid.UUID
	Amount      decimal.Decimal
	Currency    string
}

// ReserveRefund opens the refund protocol for a funded milestone: it writes
// a pending refund row and returns the original charge reference for the
// gateway call. Dispute holds block refunds the same way they block releases.
func (r *EscrowRepository) ReserveRefund(ctx context.Context, p ReserveRefundParams) (*RefundReservation, error) {
	var res RefundReservation
	res.Amount = p.Amount
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockContract(tx, p.ContractID); err != nil {
			return err
		}

		balance, err := ledgerBalance(tx, p.ContractID, &p.MilestoneID)
		if err != nil {
			return err
		}
		if balance.Locked() {
			return ErrLocked
		}
		pending, err := pendingOutflow(tx, p.ContractID, &p.MilestoneID)
		if err != nil {
			return err
		}
		if balance.Available().Sub(pending).LessThan(p.Amount) {
			return ErrInsufficientFunds
		}

		err = tx.Raw(`
			SELECT gateway_reference
			FROM escrow_transactions
			WHERE milestone_id = ? AND tx_type = 'fund' AND status = 'completed'
			LIMIT 1
		`, p.MilestoneID).Scan(&res.GatewayReference).Error
		if err != nil {
			return err
		}

		return tx.Raw(`
			INSERT INTO escrow_transactions (contract_id, milestone_id, tx_type, amount, currency, status)
			VALUES (?, ?, 'refund', ?, ?, 'pending')
			RETURNING id
		`, p.ContractID, p.MilestoneID, p.Amount, p.Currency).Scan(&res.RefundTxID).Error
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// FinalizeRefund closes the refund protocol after the gateway answered. A
// completing refund re-checks the balance under the contract lock; a row
// that would overdraw the pool stays pending for reconciliation.
func (r *EscrowRepository) FinalizeRefund(ctx context.Context, refundTxID uuid.UUID, success bool, reference *string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row struct {
			ContractID  uuid.UUID
			MilestoneID *uuid.UUID
			Amount      decimal.Decimal
		}
		err := tx.Raw(`
			SELECT contract_id, milestone_id, amount
			FROM escrow_transactions
			WHERE id = ? AND status = 'pending'
			LIMIT 1
		`, refundTxID).Scan(&row).Error
		if err != nil {
			return err
		}
		if row.ContractID == uuid.Nil {
			return ErrConflict
		}
		if _, err := lockContract(tx, row.ContractID); err != nil {
			return err
		}

		if success {
			balance, err := ledgerBalance(tx, row.ContractID, row.MilestoneID)
			if err != nil {
				return err
			}
			if balance.Available().LessThan(row.Amount) {
				return ErrInsufficientFunds
			}
		}

		status := "completed"
		if !success {
			status = "failed"
		}
		result := tx.Exec(`
			UPDATE escrow_transactions
			SET status = ?, gateway_reference = COALESCE(?, gateway_reference), processed_at = NOW()
			WHERE id = ? AND status = 'pending'
		`, status, reference, refundTxID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrConflict
		}
		return nil
	})
}

// AttachPayoutReference stamps the provider's transfer id on a completed
// release row after the payout went through.
func (r *EscrowRepository) AttachPayoutReference(ctx context.Context, releaseTxID uuid.UUID, reference string) error {
	return r.db.WithContext(ctx).Exec(`
		UPDATE escrow_transactions
		SET gateway_reference = ?
		WHERE id = ? AND tx_type = 'release'
	`, reference, releaseTxID).Error
}

// ListStalePending returns pending rows older than the cutoff for the
// reconciliation sweep.
func (r *EscrowRepository) ListStalePending(ctx context.Context, olderThan time.Time) ([]model.EscrowTransaction, error) {
	var txs []model.EscrowTransaction
	err := r.db.WithContext(ctx).Raw(`
		SELECT `+escrowColumns+`
		FROM escrow_transactions
		WHERE status = 'pending'
			AND created_at < ?
		ORDER BY created_at ASC
	`, olderThan).Scan(&txs).Error
	if err != nil {
		return nil, err
	}
	return txs, nil
}

// ExpirePending fails a stale pending row. The charge it reserved was never
// confirmed, so a fund row also becomes fund_failed.
func (r *EscrowRepository) ExpirePending(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Exec(`
		UPDATE escrow_transactions
		SET
			tx_type = CASE WHEN tx_type = 'fund' THEN 'fund_failed'::escrow_tx_type ELSE tx_type END,
			status = 'failed',
			processed_at = NOW()
		WHERE id = ? AND status = 'pending'
	`, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}
