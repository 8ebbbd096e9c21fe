package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/monkeysworks/settlement/internal/model"
)

type DisputeRepository struct {
	db *gorm.DB
}

func NewDisputeRepository(db *gorm.DB) *DisputeRepository {
	return &DisputeRepository{db: db}
}

const disputeColumns = `
	id,
	contract_id,
	milestone_id,
	raised_by,
	reason,
	description,
	evidence_urls,
	status,
	resolution_amount,
	resolution_notes,
	resolved_by,
	resolved_at,
	response_deadline,
	awaiting_response_from,
	decision_id,
	created_at,
	updated_at
`

type disputeRow struct {
	ID                   uuid.UUID
	ContractID           uuid.UUID
	MilestoneID          *uuid.UUID
	RaisedBy             uuid.UUID
	Reason               model.DisputeReason
	Description          string
	EvidenceURLs         []byte
	Status               model.DisputeStatus
	ResolutionAmount     *decimal.Decimal
	ResolutionNotes      *string
	ResolvedBy           *uuid.UUID
	ResolvedAt           *time.Time
	ResponseDeadline     *time.Time
	AwaitingResponseFrom *uuid.UUID
	DecisionID           *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (row disputeRow) toModel() model.Dispute {
	var urls []string
	if len(row.EvidenceURLs) > 0 {
		_ = json.Unmarshal(row.EvidenceURLs, &urls)
	}
	return model.Dispute{
		ID:                   row.ID,
		ContractID:           row.ContractID,
		MilestoneID:          row.MilestoneID,
		RaisedBy:             row.RaisedBy,
		Reason:               row.Reason,
		Description:          row.Description,
		EvidenceURLs:         urls,
		Status:               row.Status,
		ResolutionAmount:     row.ResolutionAmount,
		ResolutionNotes:      row.ResolutionNotes,
		ResolvedBy:           row.ResolvedBy,
		ResolvedAt:           row.ResolvedAt,
		ResponseDeadline:     row.ResponseDeadline,
		AwaitingResponseFrom: row.AwaitingResponseFrom,
		DecisionID:           row.DecisionID,
		CreatedAt:            row.CreatedAt,
		UpdatedAt:            row.UpdatedAt,
	}
}

type OpenDisputeParams struct {
	Dispute         model.Dispute
	MilestoneAmount decimal.Decimal
	Currency        string
	FromStatuses    []model.MilestoneStatus
	MarkContract    bool
}

// OpenDispute creates the dispute, places the ledger hold and flips the
// milestone to disputed, all under the contract lock. An accept that commits
// first makes the milestone leave the expected state and the open fails with
// ErrConflict, so exactly one of the two racing operations wins.
func (r *DisputeRepository) OpenDispute(ctx context.Context, p OpenDisputeParams) (*model.Dispute, error) {
	var saved disputeRow
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockContract(tx, p.Dispute.ContractID); err != nil {
			return err
		}

		if p.Dispute.MilestoneID != nil {
			var active int64
			err := tx.Raw(`
				SELECT COUNT(*)
				FROM disputes
				WHERE milestone_id = ?
					AND status IN ('open', 'under_review', 'escalated')
			`, *p.Dispute.MilestoneID).Scan(&active).Error
			if err != nil {
				return err
			}
			if active > 0 {
				return ErrDuplicate
			}

			statuses := make([]string, 0, len(p.FromStatuses))
			for _, s := range p.FromStatuses {
				statuses = append(statuses, string(s))
			}
			result := tx.Exec(`
				UPDATE milestones
				SET status = 'disputed', auto_accept_at = NULL, updated_at = NOW()
				WHERE id = ? AND status IN ?
			`, *p.Dispute.MilestoneID, statuses)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return ErrConflict
			}
		}

		evidence, err := json.Marshal(p.Dispute.EvidenceURLs)
		if err != nil {
			return err
		}
		if p.Dispute.EvidenceURLs == nil {
			evidence = []byte(`[]`)
		}

		err = tx.Raw(`
			INSERT INTO disputes (
				contract_id, milestone_id, raised_by, reason, description,
				evidence_urls, status, response_deadline, awaiting_response_from
			) VALUES (?, ?, ?, ?, ?, ?, 'open', ?, ?)
			RETURNING `+disputeColumns,
			p.Dispute.ContractID,
			p.Dispute.MilestoneID,
			p.Dispute.RaisedBy,
			p.Dispute.Reason,
			p.Dispute.Description,
			evidence,
			p.Dispute.ResponseDeadline,
			p.Dispute.AwaitingResponseFrom,
		).Scan(&saved).Error
		if err != nil {
			return err
		}

		if p.Dispute.MilestoneID != nil && p.MilestoneAmount.IsPositive() {
			if err := tx.Exec(`
				INSERT INTO escrow_transactions (contract_id, milestone_id, tx_type, amount, currency, status, processed_at)
				VALUES (?, ?, 'dispute_hold', ?, ?, 'completed', NOW())
			`, p.Dispute.ContractID, *p.Dispute.MilestoneID, p.MilestoneAmount, p.Currency).Error; err != nil {
				return err
			}
		}

		if p.MarkContract {
			if err := tx.Exec(`
				UPDATE contracts
				SET status = 'disputed', version = version + 1, updated_at = NOW()
				WHERE id = ? AND status = 'active'
			`, p.Dispute.ContractID).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	dispute := saved.toModel()
	return &dispute, nil
}

func (r *DisputeRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Dispute, error) {
	var row disputeRow
	err := r.db.WithContext(ctx).Raw(`
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE id = ?
		LIMIT 1
	`, id).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, gorm.ErrRecordNotFound
	}
	dispute := row.toModel()
	return &dispute, nil
}

func (r *DisputeRepository) ListByContract(ctx context.Context, contractID uuid.UUID) ([]model.Dispute, error) {
	var rows []disputeRow
	err := r.db.WithContext(ctx).Raw(`
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE contract_id = ?
		ORDER BY created_at DESC
	`, contractID).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	disputes := make([]model.Dispute, 0, len(rows))
	for _, row := range rows {
		disputes = append(disputes, row.toModel())
	}
	return disputes, nil
}

// UpdateStatus moves an unresolved dispute between review states.
func (r *DisputeRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from []model.DisputeStatus, to model.DisputeStatus) error {
	statuses := make([]string, 0, len(from))
	for _, s := range from {
		statuses = append(statuses, string(s))
	}
	result := r.db.WithContext(ctx).Exec(`
		UPDATE disputes
		SET status = ?, updated_at = NOW()
		WHERE id = ? AND status IN ?
	`, to, id, statuses)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

type TurnUpdate struct {
	AwaitingResponseFrom uuid.UUID
	ResponseDeadline     time.Time
}

// AddMessage appends to the thread; when the awaited party answered, the
// turn flips to the other side with a fresh deadline.
func (r *DisputeRepository) AddMessage(ctx context.Context, msg model.DisputeMessage, turn *TurnUpdate) (*model.DisputeMessage, error) {
	var saved model.DisputeMessage
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		attachments, err := json.Marshal(msg.Attachments)
		if err != nil {
			return err
		}
		if msg.Attachments == nil {
			attachments = []byte(`[]`)
		}

		var row struct {
			ID          uuid.UUID
			DisputeID   uuid.UUID
			SenderID    uuid.UUID
			Body        string
			Attachments []byte
			IsInternal  bool
			CreatedAt   time.Time
		}
		err = tx.Raw(`
			INSERT INTO dispute_messages (dispute_id, sender_id, body, attachments, is_internal)
			VALUES (?, ?, ?, ?, ?)
			RETURNING id, dispute_id, sender_id, body, attachments, is_internal, created_at
		`, msg.DisputeID, msg.SenderID, msg.Body, attachments, msg.IsInternal).Scan(&row).Error
		if err != nil {
			return err
		}
		saved = model.DisputeMessage{
			ID:          row.ID,
			DisputeID:   row.DisputeID,
			SenderID:    row.SenderID,
			Body:        row.Body,
			Attachments: msg.Attachments,
			IsInternal:  row.IsInternal,
			CreatedAt:   row.CreatedAt,
		}

		if turn == nil {
			return nil
		}
		return tx.Exec(`
			UPDATE disputes
			SET awaiting_response_from = ?, response_deadline = ?, updated_at = NOW()
			WHERE id = ?
		`, turn.AwaitingResponseFrom, turn.ResponseDeadline, msg.DisputeID).Error
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (r *DisputeRepository) ListMessages(ctx context.Context, disputeID uuid.UUID, includeInternal bool) ([]model.DisputeMessage, error) {
	query := `
		SELECT id, dispute_id, sender_id, body, attachments, is_internal, created_at
		FROM dispute_messages
		WHERE dispute_id = ?
	`
	if !includeInternal {
		query += ` AND is_internal = FALSE`
	}
	query += ` ORDER BY created_at ASC`

	var rows []struct {
		ID          uuid.UUID
		DisputeID   uuid.UUID
		SenderID    uuid.UUID
		Body        string
		Attachments []byte
		IsInternal  bool
		CreatedAt   time.Time
	}
	if err := r.db.WithContext(ctx).Raw(query, disputeID).Scan(&rows).Error; err != nil {
		return nil, err
	}

	messages := make([]model.DisputeMessage, 0, len(rows))
	for _, row := range rows {
		var attachments []string
		if len(row.Attachments) > 0 {
			_ = json.Unmarshal(row.Attachments, &attachments)
		}
		messages = append(messages, model.DisputeMessage{
			ID:          row.ID,
			DisputeID:   row.DisputeID,
			SenderID:    row.SenderID,
			Body:        row.Body,
			Attachments: attachments,
			IsInternal:  row.IsInternal,
			CreatedAt:   row.CreatedAt,
		})
	}
	return messages, nil
}

// ListDeadlineLapsed returns active disputes whose awaited party missed the
// response deadline.
func (r *DisputeRepository) ListDeadlineLapsed(ctx context.Context, now time.Time, limit int) ([]model.Dispute, error) {
	var rows []disputeRow
	err := r.db.WithContext(ctx).Raw(`
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status IN ('open', 'under_review')
			AND response_deadline IS NOT NULL
			AND response_deadline <= ?
		ORDER BY response_deadline ASC
		LIMIT ?
	`, now, limit).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	disputes := make([]model.Dispute, 0, len(rows))
	for _, row := range rows {
		disputes = append(disputes, row.toModel())
	}
	return disputes, nil
}

type ResolutionReservation struct {
	RefundTxID       uuid.UUID
	GatewayReference *string
}

type ReserveResolutionParams struct {
	DisputeID    uuid.UUID
	ContractID   uuid.UUID
	MilestoneID  uuid.UUID
	ClientAmount decimal.Decimal
	Currency     string
}

// ReserveResolution opens the refund half of a dispute settlement. When the
// client receives nothing the reservation is empty and the caller can go
// straight to FinalizeResolution.
func (r *DisputeRepository) ReserveResolution(ctx context.Context, p ReserveResolutionParams) (*ResolutionReservation, error) {
	var res ResolutionReservation
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockContract(tx, p.ContractID); err != nil {
			return err
		}

		var status model.DisputeStatus
		if err := tx.Raw(`
			SELECT status FROM disputes WHERE id = ?
		`, p.DisputeID).Scan(&status).Error; err != nil {
			return err
		}
		if status.Resolved() {
			return ErrConflict
		}

		if !p.ClientAmount.IsPositive() {
			return nil
		}

		var pending int64
		err := tx.Raw(`
			SELECT COUNT(*)
			FROM escrow_transactions
			WHERE milestone_id = ?
				AND tx_type = 'dispute_refund'
				AND status IN ('pending', 'completed')
		`, p.MilestoneID).Scan(&pending).Error
		if err != nil {
			return err
		}
		if pending > 0 {
			return ErrDuplicate
		}

		balance, err := ledgerBalance(tx, p.ContractID, &p.MilestoneID)
		if err != nil {
			return err
		}
		outflow, err := pendingOutflow(tx, p.ContractID, &p.MilestoneID)
		if err != nil {
			return err
		}
		if balance.Available().Sub(outflow).LessThan(p.ClientAmount) {
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
			VALUES (?, ?, 'dispute_refund', ?, ?, 'pending')
			RETURNING id
		`, p.ContractID, p.MilestoneID, p.ClientAmount, p.Currency).Scan(&res.RefundTxID).Error
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

type FinalizeResolutionParams struct {
	DisputeID        uuid.UUID
	ContractID       uuid.UUID
	MilestoneID      uuid.UUID
	Status           model.DisputeStatus
	ResolutionAmount decimal.Decimal
	ResolutionNotes  *string
	ResolvedBy       uuid.UUID
	DecisionID       *string
	RefundTxID       uuid.UUID
	RefundReference  *string
	FreelancerNet    decimal.Decimal
	PlatformFee      decimal.Decimal
	Currency         string
}

// FinalizeResolution settles the dispute atomically: the refund row
// completes, the hold is reversed, the freelancer share is released with its
// commission, and dispute plus milestone reach their final state. Returns
// the release row id (uuid.Nil when nothing was released) for the payout.
func (r *DisputeRepository) FinalizeResolution(ctx context.Context, p FinalizeResolutionParams) (uuid.UUID, error) {
	var releaseTxID uuid.UUID
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockContract(tx, p.ContractID); err != nil {
			return err
		}

		if p.RefundTxID != uuid.Nil {
			result := tx.Exec(`
				UPDATE escrow_transactions
				SET status = 'completed', gateway_reference = COALESCE(?, gateway_reference), processed_at = NOW()
				WHERE id = ? AND status = 'pending'
			`, p.RefundReference, p.RefundTxID)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return ErrConflict
			}
		}

		if err := tx.Exec(`
			UPDATE escrow_transactions
			SET status = 'reversed', processed_at = NOW()
			WHERE milestone_id = ?
				AND tx_type = 'dispute_hold'
				AND status = 'completed'
		`, p.MilestoneID).Error; err != nil {
			return err
		}

		if p.FreelancerNet.IsPositive() {
			if err := tx.Raw(`
				INSERT INTO escrow_transactions (contract_id, milestone_id, tx_type, amount, currency, status, processed_at)
				VALUES (?, ?, 'release', ?, ?, 'completed', NOW())
				RETURNING id
			`, p.ContractID, p.MilestoneID, p.FreelancerNet, p.Currency).Scan(&releaseTxID).Error; err != nil {
				return err
			}
			if p.PlatformFee.IsPositive() {
				if err := tx.Exec(`
					INSERT INTO escrow_transactions (contract_id, milestone_id, tx_type, amount, currency, status, processed_at)
					VALUES (?, ?, 'platform_fee', ?, ?, 'completed', NOW())
				`, p.ContractID, p.MilestoneID, p.PlatformFee, p.Currency).Error; err != nil {
					return err
				}
			}
		}

		result := tx.Exec(`
			UPDATE disputes
			SET
				status = ?,
				resolution_amount = ?,
				resolution_notes = ?,
				resolved_by = ?,
				resolved_at = NOW(),
				decision_id = ?,
				updated_at = NOW()
			WHERE id = ? AND status IN ('open', 'under_review', 'escalated')
		`, p.Status, p.ResolutionAmount, p.ResolutionNotes, p.ResolvedBy, p.DecisionID, p.DisputeID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrConflict
		}

		released := p.FreelancerNet.IsPositive()
		return tx.Exec(`
			UPDATE milestones
			SET escrow_released = ?, completed_at = NOW(), updated_at = NOW()
			WHERE id = ?
		`, released, p.MilestoneID).Error
	})
	if err != nil {
		return uuid.Nil, err
	}
	return releaseTxID, nil
}

// FailResolutionRefund marks a reserved refund row failed after a gateway
// error so the dispute stays open for another attempt.
func (r *DisputeRepository) FailResolutionRefund(ctx context.Context, refundTxID uuid.UUID) error {
	return r.db.WithContext(ctx).Exec(`
		UPDATE escrow_transactions
		SET status = 'failed', processed_at = NOW()
		WHERE id = ? AND status = 'pending'
	`, refundTxID).Error
}
