package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/monkeysworks/settlement/internal/model"
)

type ContractRepository struct {
	db *gorm.DB
}

func NewContractRepository(db *gorm.DB) *ContractRepository {
	return &ContractRepository{db: db}
}

const contractColumns = `
	id,
	job_id,
	proposal_id,
	client_id,
	freelancer_id,
	title,
	description,
	contract_type,
	total_amount,
	hourly_rate,
	weekly_hour_limit,
	currency,
	status,
	platform_fee_percent,
	version,
	started_at,
	completed_at,
	cancelled_at,
	cancellation_reason,
	created_at,
	updated_at
`

func (r *ContractRepository) Create(ctx context.Context, contract model.Contract) (*model.Contract, error) {
	var saved model.Contract
	err := r.db.WithContext(ctx).Raw(`
		INSERT INTO contracts (
			job_id,
			proposal_id,
			client_id,
			freelancer_id,
			title,
			description,
			contract_type,
			total_amount,
			hourly_rate,
			weekly_hour_limit,
			currency,
			status,
			platform_fee_percent,
			started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING `+contractColumns,
		contract.JobID,
		contract.ProposalID,
		contract.ClientID,
		contract.FreelancerID,
		contract.Title,
		contract.Description,
		contract.ContractType,
		contract.TotalAmount,
		contract.HourlyRate,
		contract.WeeklyHourLimit,
		contract.Currency,
		contract.Status,
		contract.PlatformFeePercent,
		contract.StartedAt,
	).Scan(&saved).Error
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (r *ContractRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Contract, error) {
	var contract model.Contract
	err := r.db.WithContext(ctx).Raw(`
		SELECT `+contractColumns+`
		FROM contracts
		WHERE id = ?
		LIMIT 1
	`, id).Scan(&contract).Error
	if err != nil {
		return nil, err
	}
	if contract.ID == uuid.Nil {
		return nil, gorm.ErrRecordNotFound
	}
	return &contract, nil
}

// lockContract serializes all mutating operations on one contract. Must be
// called inside a transaction.
func lockContract(tx *gorm.DB, id uuid.UUID) (*model.Contract, error) {
	var contract model.Contract
	err := tx.Raw(`
		SELECT `+contractColumns+`
		FROM contracts
		WHERE id = ?
		FOR UPDATE
	`, id).Scan(&contract).Error
	if err != nil {
		return nil, err
	}
	if contract.ID == uuid.Nil {
		return nil, gorm.ErrRecordNotFound
	}
	return &contract, nil
}

func (r *ContractRepository) ListForUser(ctx context.Context, userID uuid.UUID, status *model.ContractStatus, limit, offset int) ([]model.Contract, error) {
	query := `
		SELECT ` + contractColumns + `
		FROM contracts
		WHERE (client_id = ? OR freelancer_id = ?)
	`
	args := []interface{}{userID, userID}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var contracts []model.Contract
	if err := r.db.WithContext(ctx).Raw(query, args...).Scan(&contracts).Error; err != nil {
		return nil, err
	}
	return contracts, nil
}

type ContractStatusChange struct {
	From               []model.ContractStatus
	To                 model.ContractStatus
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	CancellationReason *string
}

// TransitionStatus moves the contract under the row lock and bumps the
// version. Returns ErrConflict when the contract is no longer in any of the
// expected source states.
func (r *ContractRepository) TransitionStatus(ctx context.Context, id uuid.UUID, change ContractStatusChange) (*model.Contract, error) {
	var updated model.Contract
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		contract, err := lockContract(tx, id)
		if err != nil {
			return err
		}

		allowed := false
		for _, from := range change.From {
			if contract.Status == from {
				allowed = true
				break
			}
		}
		if !allowed {
			return ErrConflict
		}

		return tx.Raw(`
			UPDATE contracts
			SET
				status = ?,
				completed_at = COALESCE(?, completed_at),
				cancelled_at = COALESCE(?, cancelled_at),
				cancellation_reason = COALESCE(?, cancellation_reason),
				version = version + 1,
				updated_at = NOW()
			WHERE id = ?
			RETURNING `+contractColumns,
			change.To,
			change.CompletedAt,
			change.CancelledAt,
			change.CancellationReason,
			id,
		).Scan(&updated).Error
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// CountOpenMilestones reports milestones not yet settled, used by the
// completion check. completed_at marks settlement for both accepted and
// dispute-resolved milestones.
func (r *ContractRepository) CountOpenMilestones(ctx context.Context, contractID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Raw(`
		SELECT COUNT(*)
		FROM milestones
		WHERE contract_id = ?
			AND completed_at IS NULL
	`, contractID).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// CountActiveDisputes reports unresolved disputes on the contract.
func (r *ContractRepository) CountActiveDisputes(ctx context.Context, contractID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Raw(`
		SELECT COUNT(*)
		FROM disputes
		WHERE contract_id = ?
			AND status IN ('open', 'under_review', 'escalated')
	`, contractID).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
