package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/monkeysworks/settlement/internal/model"
)

type MilestoneRepository struct {
	db *gorm.DB
}

func NewMilestoneRepository(db *gorm.DB) *MilestoneRepository {
	return &MilestoneRepository{db: db}
}

const milestoneColumns = `
	id,
	contract_id,
	title,
	description,
	amount,
	currency,
	status,
	sort_order,
	due_date,
	started_at,
	submitted_at,
	completed_at,
	auto_accept_at,
	revision_count,
	client_feedback,
	escrow_funded,
	escrow_released,
	created_at,
	updated_at
`

func (r *MilestoneRepository) Create(ctx context.Context, m model.Milestone) (*model.Milestone, error) {
	var saved model.Milestone
	err := r.db.WithContext(ctx).Raw(`
		INSERT INTO milestones (contract_id, title, description, amount, currency, status, sort_order, due_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING `+milestoneColumns,
		m.ContractID, m.Title, m.Description, m.Amount, m.Currency, m.Status, m.SortOrder, m.DueDate,
	).Scan(&saved).Error
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (r *MilestoneRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Milestone, error) {
	var m model.Milestone
	err := r.db.WithContext(ctx).Raw(`
		SELECT `+milestoneColumns+`
		FROM milestones
		WHERE id = ?
		LIMIT 1
	`, id).Scan(&m).Error
	if err != nil {
		return nil, err
	}
	if m.ID == uuid.Nil {
		return nil, gorm.ErrRecordNotFound
	}
	return &m, nil
}

func (r *MilestoneRepository) ListByContract(ctx context.Context, contractID uuid.UUID) ([]model.Milestone, error) {
	var milestones []model.Milestone
	err := r.db.WithContext(ctx).Raw(`
		SELECT `+milestoneColumns+`
		FROM milestones
		WHERE contract_id = ?
		ORDER BY sort_order ASC, created_at ASC
	`, contractID).Scan(&milestones).Error
	if err != nil {
		return nil, err
	}
	return milestones, nil
}

type MilestoneUpdate struct {
	Title       *string
	Description *string
	Amount      *decimal.Decimal
	DueDate     *time.Time
	SortOrder   *int
}

// UpdatePending edits milestone terms while the row is still pending and
// unfunded. Zero affected rows means the terms froze first.
func (r *MilestoneRepository) UpdatePending(ctx context.Context, contractID, milestoneID uuid.UUID, u MilestoneUpdate) (*model.Milestone, error) {
	var updated model.Milestone
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockContract(tx, contractID); err != nil {
			return err
		}

		result := tx.Raw(`
			UPDATE milestones
			SET
				title = COALESCE(?, title),
				description = COALESCE(?, description),
				amount = COALESCE(?, amount),
				due_date = COALESCE(?, due_date),
				sort_order = COALESCE(?, sort_order),
				updated_at = NOW()
			WHERE id = ?
				AND contract_id = ?
				AND status = 'pending'
				AND escrow_funded = FALSE
			RETURNING `+milestoneColumns,
			u.Title,
			u.Description,
			u.Amount,
			u.DueDate,
			u.SortOrder,
			milestoneID,
			contractID,
		).Scan(&updated)
		if result.Error != nil {
			return result.Error
		}
		if updated.ID == uuid.Nil {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

type MilestoneStatusChange struct {
	From            []model.MilestoneStatus
	To              model.MilestoneStatus
	StartedAt       *time.Time
	SubmittedAt     *time.Time
	AutoAcceptAt    *time.Time
	ClearAutoAccept bool
	BumpRevision    bool
	ClientFeedback  *string
}

// TransitionStatus performs a conditional state move under the contract
// lock. Zero affected rows means the milestone left the expected state first.
func (r *MilestoneRepository) TransitionStatus(ctx context.Context, contractID, milestoneID uuid.UUID, change MilestoneStatusChange) (*model.Milestone, error) {
	var updated model.Milestone
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockContract(tx, contractID); err != nil {
			return err
		}

		statuses := make([]string, 0, len(change.From))
		for _, s := range change.From {
			statuses = append(statuses, string(s))
		}

		revisionDelta := 0
		if change.BumpRevision {
			revisionDelta = 1
		}

		result := tx.Raw(`
			UPDATE milestones
			SET
				status = ?,
				started_at = COALESCE(?, started_at),
				submitted_at = COALESCE(?, submitted_at),
				auto_accept_at = CASE WHEN ? THEN NULL ELSE COALESCE(?, auto_accept_at) END,
				revision_count = revision_count + ?,
				client_feedback = COALESCE(?, client_feedback),
				updated_at = NOW()
			WHERE id = ?
				AND contract_id = ?
				AND status IN ?
			RETURNING `+milestoneColumns,
			change.To,
			change.StartedAt,
			change.SubmittedAt,
			change.ClearAutoAccept,
			change.AutoAcceptAt,
			revisionDelta,
			change.ClientFeedback,
			milestoneID,
			contractID,
			statuses,
		).Scan(&updated)
		if result.Error != nil {
			return result.Error
		}
		if updated.ID == uuid.Nil {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// ListAutoAcceptDue returns submitted milestones whose review window has
// lapsed, for the auto-accept sweep.
func (r *MilestoneRepository) ListAutoAcceptDue(ctx context.Context, now time.Time, limit int) ([]model.Milestone, error) {
	var milestones []model.Milestone
	err := r.db.WithContext(ctx).Raw(`
		SELECT `+milestoneColumns+`
		FROM milestones
		WHERE status = 'submitted'
			AND auto_accept_at IS NOT NULL
			AND auto_accept_at <= ?
		ORDER BY auto_accept_at ASC
		LIMIT ?
	`, now, limit).Scan(&milestones).Error
	if err != nil {
		return nil, err
	}
	return milestones, nil
}

func (r *MilestoneRepository) AddDeliverable(ctx context.Context, d model.Deliverable) (*model.Deliverable, error) {
	var saved model.Deliverable
	err := r.db.WithContext(ctx).Raw(`
		INSERT INTO deliverables (milestone_id, file_name, file_url, file_size, mime_type, notes, version)
		VALUES (?, ?, ?, ?, ?, ?, (
			SELECT COALESCE(MAX(version), 0) + 1 FROM deliverables WHERE milestone_id = ?
		))
		RETURNING id, milestone_id, file_name, file_url, file_size, mime_type, notes, version, created_at
	`, d.MilestoneID, d.FileName, d.FileURL, d.FileSize, d.MimeType, d.Notes, d.MilestoneID).Scan(&saved).Error
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (r *MilestoneRepository) ListDeliverables(ctx context.Context, milestoneID uuid.UUID) ([]model.Deliverable, error) {
	var deliverables []model.Deliverable
	err := r.db.WithContext(ctx).Raw(`
		SELECT id, milestone_id, file_name, file_url, file_size, mime_type, notes, version, created_at
		FROM deliverables
		WHERE milestone_id = ?
		ORDER BY version ASC
	`, milestoneID).Scan(&deliverables).Error
	if err != nil {
		return nil, err
	}
	return deliverables, nil
}
