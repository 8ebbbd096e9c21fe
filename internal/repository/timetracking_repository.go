package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/monkeysworks/settlement/internal/model"
)

type TimeTrackingRepository struct {
	db *gorm.DB
}

func NewTimeTrackingRepository(db *gorm.DB) *TimeTrackingRepository {
	return &TimeTrackingRepository{db: db}
}

const timeEntryColumns = `
	id,
	contract_id,
	freelancer_id,
	milestone_id,
	started_at,
	ended_at,
	duration_minutes,
	description,
	task_label,
	is_manual,
	is_billable,
	hourly_rate,
	amount,
	activity_score,
	status,
	approved_by,
	approved_at,
	rejected_reason,
	invoice_line_id,
	created_at,
	updated_at
`

// StartEntry opens a running timer. The contract lock plus the running-state
// check enforce at most one running entry per contract and freelancer.
func (r *TimeTrackingRepository) StartEntry(ctx context.Context, entry model.TimeEntry) (*model.TimeEntry, error) {
	var saved model.TimeEntry
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockContract(tx, entry.ContractID); err != nil {
			return err
		}

		var running int64
		err := tx.Raw(`
			SELECT COUNT(*)
			FROM time_entries
			WHERE contract_id = ? AND freelancer_id = ? AND status = 'running'
		`, entry.ContractID, entry.FreelancerID).Scan(&running).Error
		if err != nil {
			return err
		}
		if running > 0 {
			return ErrDuplicate
		}

		return tx.Raw(`
			INSERT INTO time_entries (
				contract_id, freelancer_id, milestone_id, started_at,
				description, task_label, is_manual, is_billable, hourly_rate, status
			) VALUES (?, ?, ?, ?, ?, ?, FALSE, ?, ?, 'running')
			RETURNING `+timeEntryColumns,
			entry.ContractID, entry.FreelancerID, entry.MilestoneID, entry.StartedAt,
			entry.Description, entry.TaskLabel, entry.IsBillable, entry.HourlyRate,
		).Scan(&saved).Error
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// StopEntry closes a running timer with the caller-computed duration and
// amount. Zero affected rows means the timer was already stopped.
func (r *TimeTrackingRepository) StopEntry(ctx context.Context, id uuid.UUID, endedAt time.Time, durationMinutes int, amount decimal.Decimal) (*model.TimeEntry, error) {
	var updated model.TimeEntry
	err := r.db.WithContext(ctx).Raw(`
		UPDATE time_entries
		SET status = 'logged', ended_at = ?, duration_minutes = ?, amount = ?, updated_at = NOW()
		WHERE id = ? AND status = 'running'
		RETURNING `+timeEntryColumns,
		endedAt, durationMinutes, amount, id,
	).Scan(&updated).Error
	if err != nil {
		return nil, err
	}
	if updated.ID == uuid.Nil {
		return nil, ErrConflict
	}
	return &updated, nil
}

// CreateManual inserts a hand-entered logged interval.
func (r *TimeTrackingRepository) CreateManual(ctx context.Context, entry model.TimeEntry) (*model.TimeEntry, error) {
	var saved model.TimeEntry
	err := r.db.WithContext(ctx).Raw(`
		INSERT INTO time_entries (
			contract_id, freelancer_id, milestone_id, started_at, ended_at,
			duration_minutes, description, task_label, is_manual, is_billable,
			hourly_rate, amount, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, TRUE, ?, ?, ?, 'logged')
		RETURNING `+timeEntryColumns,
		entry.ContractID, entry.FreelancerID, entry.MilestoneID, entry.StartedAt, entry.EndedAt,
		entry.DurationMinutes, entry.Description, entry.TaskLabel, entry.IsBillable,
		entry.HourlyRate, entry.Amount,
	).Scan(&saved).Error
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (r *TimeTrackingRepository) GetEntry(ctx context.Context, id uuid.UUID) (*model.TimeEntry, error) {
	var entry model.TimeEntry
	err := r.db.WithContext(ctx).Raw(`
		SELECT `+timeEntryColumns+`
		FROM time_entries
		WHERE id = ?
		LIMIT 1
	`, id).Scan(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == uuid.Nil {
		return nil, gorm.ErrRecordNotFound
	}
	return &entry, nil
}

func (r *TimeTrackingRepository) GetRunningEntry(ctx context.Context, contractID, freelancerID uuid.UUID) (*model.TimeEntry, error) {
	var entry model.TimeEntry
	err := r.db.WithContext(ctx).Raw(`
		SELECT `+timeEntryColumns+`
		FROM time_entries
		WHERE contract_id = ? AND freelancer_id = ? AND status = 'running'
		LIMIT 1
	`, contractID, freelancerID).Scan(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == uuid.Nil {
		return nil, gorm.ErrRecordNotFound
	}
	return &entry, nil
}

func (r *TimeTrackingRepository) ListEntries(ctx context.Context, contractID uuid.UUID, from, to time.Time) ([]model.TimeEntry, error) {
	var entries []model.TimeEntry
	err := r.db.WithContext(ctx).Raw(`
		SELECT `+timeEntryColumns+`
		FROM time_entries
		WHERE contract_id = ?
			AND started_at >= ?
			AND started_at < ?
		ORDER BY started_at ASC
	`, contractID, from, to).Scan(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

type EntryStatusChange struct {
	From           []model.TimeEntryStatus
	To             model.TimeEntryStatus
	ApprovedBy     *uuid.UUID
	RejectedReason *string
}

func (r *TimeTrackingRepository) UpdateEntryStatus(ctx context.Context, id uuid.UUID, change EntryStatusChange) (*model.TimeEntry, error) {
	statuses := make([]string, 0, len(change.From))
	for _, s := range change.From {
		statuses = append(statuses, string(s))
	}

	var updated model.TimeEntry
	err := r.db.WithContext(ctx).Raw(`
		UPDATE time_entries
		SET
			status = ?,
			approved_by = COALESCE(?, approved_by),
			approved_at = CASE WHEN ? = 'approved' THEN NOW() ELSE approved_at END,
			rejected_reason = COALESCE(?, rejected_reason),
			updated_at = NOW()
		WHERE id = ? AND status IN ?
		RETURNING `+timeEntryColumns,
		change.To, change.ApprovedBy, change.To, change.RejectedReason, id, statuses,
	).Scan(&updated).Error
	if err != nil {
		return nil, err
	}
	if updated.ID == uuid.Nil {
		return nil, ErrConflict
	}
	return &updated, nil
}

const screenshotColumns = `
	id,
	time_entry_id,
	file_url,
	click_count,
	key_count,
	activity_percent,
	captured_at,
	deleted_at,
	created_at
`

func (r *TimeTrackingRepository) AddScreenshot(ctx context.Context, s model.Screenshot) (*model.Screenshot, error) {
	var saved model.Screenshot
	err := r.db.WithContext(ctx).Raw(`
		INSERT INTO screenshots (time_entry_id, file_url, click_count, key_count, activity_percent, captured_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING `+screenshotColumns,
		s.TimeEntryID, s.FileURL, s.ClickCount, s.KeyCount, s.ActivityPercent, s.CapturedAt,
	).Scan(&saved).Error
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (r *TimeTrackingRepository) ListScreenshots(ctx context.Context, timeEntryID uuid.UUID, includeDeleted bool) ([]model.Screenshot, error) {
	query := `
		SELECT ` + screenshotColumns + `
		FROM screenshots
		WHERE time_entry_id = ?
	`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY captured_at ASC`

	var screenshots []model.Screenshot
	if err := r.db.WithContext(ctx).Raw(query, timeEntryID).Scan(&screenshots).Error; err != nil {
		return nil, err
	}
	return screenshots, nil
}

// SoftDeleteScreenshot hides the capture and rewrites the entry's duration
// and amount with the caller-computed deduction, in one transaction.
func (r *TimeTrackingRepository) SoftDeleteScreenshot(ctx context.Context, screenshotID, timeEntryID uuid.UUID, newDuration int, newAmount decimal.Decimal, newActivity *decimal.Decimal) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Exec(`
			UPDATE screenshots
			SET deleted_at = NOW()
			WHERE id = ? AND time_entry_id = ? AND deleted_at IS NULL
		`, screenshotID, timeEntryID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrConflict
		}

		return tx.Exec(`
			UPDATE time_entries
			SET duration_minutes = ?, amount = ?, activity_score = ?, updated_at = NOW()
			WHERE id = ?
		`, newDuration, newAmount, newActivity, timeEntryID).Error
	})
}

func (r *TimeTrackingRepository) CreateClaim(ctx context.Context, claim model.TimeEntryClaim) (*model.TimeEntryClaim, error) {
	var saved model.TimeEntryClaim
	err := r.db.WithContext(ctx).Raw(`
		INSERT INTO time_entry_claims (time_entry_id, client_id, claim_type, status, message)
		VALUES (?, ?, ?, 'open', ?)
		RETURNING id, time_entry_id, client_id, claim_type AS type, status, message, response, resolved_at, created_at
	`, claim.TimeEntryID, claim.ClientID, claim.Type, claim.Message).Scan(&saved).Error
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (r *TimeTrackingRepository) GetClaim(ctx context.Context, id uuid.UUID) (*model.TimeEntryClaim, error) {
	var claim model.TimeEntryClaim
	err := r.db.WithContext(ctx).Raw(`
		SELECT id, time_entry_id, client_id, claim_type AS type, status, message, response, resolved_at, created_at
		FROM time_entry_claims
		WHERE id = ?
		LIMIT 1
	`, id).Scan(&claim).Error
	if err != nil {
		return nil, err
	}
	if claim.ID == uuid.Nil {
		return nil, gorm.ErrRecordNotFound
	}
	return &claim, nil
}

func (r *TimeTrackingRepository) RespondClaim(ctx context.Context, id uuid.UUID, response string) (*model.TimeEntryClaim, error) {
	var updated model.TimeEntryClaim
	err := r.db.WithContext(ctx).Raw(`
		UPDATE time_entry_claims
		SET status = 'responded', response = ?
		WHERE id = ? AND status = 'open'
		RETURNING id, time_entry_id, client_id, claim_type AS type, status, message, response, resolved_at, created_at
	`, response, id).Scan(&updated).Error
	if err != nil {
		return nil, err
	}
	if updated.ID == uuid.Nil {
		return nil, ErrConflict
	}
	return &updated, nil
}

func (r *TimeTrackingRepository) ResolveClaim(ctx context.Context, id uuid.UUID) (*model.TimeEntryClaim, error) {
	var updated model.TimeEntryClaim
	err := r.db.WithContext(ctx).Raw(`
		UPDATE time_entry_claims
		SET status = 'resolved', resolved_at = NOW()
		WHERE id = ? AND status IN ('open', 'responded')
		RETURNING id, time_entry_id, client_id, claim_type AS type, status, message, response, resolved_at, created_at
	`, id).Scan(&updated).Error
	if err != nil {
		return nil, err
	}
	if updated.ID == uuid.Nil {
		return nil, ErrConflict
	}
	return &updated, nil
}

func (r *TimeTrackingRepository) ListClaims(ctx context.Context, timeEntryID uuid.UUID) ([]model.TimeEntryClaim, error) {
	var claims []model.TimeEntryClaim
	err := r.db.WithContext(ctx).Raw(`
		SELECT id, time_entry_id, client_id, claim_type AS type, status, message, response, resolved_at, created_at
		FROM time_entry_claims
		WHERE time_entry_id = ?
		ORDER BY created_at ASC
	`, timeEntryID).Scan(&claims).Error
	if err != nil {
		return nil, err
	}
	return claims, nil
}

const timesheetColumns = `
	id,
	contract_id,
	freelancer_id,
	week_start,
	week_end,
	total_minutes,
	billable_minutes,
	total_amount,
	hourly_rate,
	currency,
	status,
	submitted_at,
	approved_at,
	approved_by,
	notes,
	client_feedback,
	invoice_id,
	created_at,
	updated_at
`

// UpsertWeek writes the recalculated totals for the contract's week,
// creating the sheet on first touch. Totals never change a sheet that
// already left the pending state.
func (r *TimeTrackingRepository) UpsertWeek(ctx context.Context, ts model.WeeklyTimesheet) (*model.WeeklyTimesheet, error) {
	var saved model.WeeklyTimesheet
	err := r.db.WithContext(ctx).Raw(`
		INSERT INTO weekly_timesheets (
			contract_id, freelancer_id, week_start, week_end,
			total_minutes, billable_minutes, total_amount, hourly_rate, currency, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending')
		ON CONFLICT (contract_id, week_start) DO UPDATE SET
			total_minutes = CASE WHEN weekly_timesheets.status = 'pending' THEN EXCLUDED.total_minutes ELSE weekly_timesheets.total_minutes END,
			billable_minutes = CASE WHEN weekly_timesheets.status = 'pending' THEN EXCLUDED.billable_minutes ELSE weekly_timesheets.billable_minutes END,
			total_amount = CASE WHEN weekly_timesheets.status = 'pending' THEN EXCLUDED.total_amount ELSE weekly_timesheets.total_amount END,
			updated_at = NOW()
		RETURNING `+timesheetColumns,
		ts.ContractID, ts.FreelancerID, ts.WeekStart, ts.WeekEnd,
		ts.TotalMinutes, ts.BillableMinutes, ts.TotalAmount, ts.HourlyRate, ts.Currency,
	).Scan(&saved).Error
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (r *TimeTrackingRepository) GetTimesheet(ctx context.Context, id uuid.UUID) (*model.WeeklyTimesheet, error) {
	var ts model.WeeklyTimesheet
	err := r.db.WithContext(ctx).Raw(`
		SELECT `+timesheetColumns+`
		FROM weekly_timesheets
		WHERE id = ?
		LIMIT 1
	`, id).Scan(&ts).Error
	if err != nil {
		return nil, err
	}
	if ts.ID == uuid.Nil {
		return nil, gorm.ErrRecordNotFound
	}
	return &ts, nil
}

func (r *TimeTrackingRepository) GetTimesheetForWeek(ctx context.Context, contractID uuid.UUID, weekStart time.Time) (*model.WeeklyTimesheet, error) {
	var ts model.WeeklyTimesheet
	err := r.db.WithContext(ctx).Raw(`
		SELECT `+timesheetColumns+`
		FROM weekly_timesheets
		WHERE contract_id = ? AND week_start = ?
		LIMIT 1
	`, contractID, weekStart).Scan(&ts).Error
	if err != nil {
		return nil, err
	}
	if ts.ID == uuid.Nil {
		return nil, gorm.ErrRecordNotFound
	}
	return &ts, nil
}

func (r *TimeTrackingRepository) ListTimesheets(ctx context.Context, contractID uuid.UUID) ([]model.WeeklyTimesheet, error) {
	var sheets []model.WeeklyTimesheet
	err := r.db.WithContext(ctx).Raw(`
		SELECT `+timesheetColumns+`
		FROM weekly_timesheets
		WHERE contract_id = ?
		ORDER BY week_start DESC
	`, contractID).Scan(&sheets).Error
	if err != nil {
		return nil, err
	}
	return sheets, nil
}

func (r *TimeTrackingRepository) TransitionTimesheet(ctx context.Context, id uuid.UUID, from []model.TimesheetStatus, to model.TimesheetStatus, notes *string) (*model.WeeklyTimesheet, error) {
	statuses := make([]string, 0, len(from))
	for _, s := range from {
		statuses = append(statuses, string(s))
	}

	var updated model.WeeklyTimesheet
	err := r.db.WithContext(ctx).Raw(`
		UPDATE weekly_timesheets
		SET
			status = ?,
			submitted_at = CASE WHEN ? = 'submitted' THEN NOW() ELSE submitted_at END,
			notes = COALESCE(?, notes),
			updated_at = NOW()
		WHERE id = ? AND status IN ?
		RETURNING `+timesheetColumns,
		to, to, notes, id, statuses,
	).Scan(&updated).Error
	if err != nil {
		return nil, err
	}
	if updated.ID == uuid.Nil {
		return nil, ErrConflict
	}
	return &updated, nil
}

type TimesheetReservation struct {
	FundTxID uuid.UUID
	FeeTxID  uuid.UUID
}

type ReserveTimesheetParams struct {
	ContractID  uuid.UUID
	TimesheetID uuid.UUID
	Amount      decimal.Decimal
	ClientFee   decimal.Decimal
	Currency    string
}

// ReserveTimesheetSettlement opens the weekly charge: pending fund and
// client_fee rows at contract scope, valid only while the sheet is still
// submitted.
func (r *TimeTrackingRepository) ReserveTimesheetSettlement(ctx context.Context, p ReserveTimesheetParams) (*TimesheetReservation, error) {
	var res TimesheetReservation
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockContract(tx, p.ContractID); err != nil {
			return err
		}

		var status model.TimesheetStatus
		if err := tx.Raw(`
			SELECT status FROM weekly_timesheets WHERE id = ?
		`, p.TimesheetID).Scan(&status).Error; err != nil {
			return err
		}
		if status != model.TimesheetStatusSubmitted {
			return ErrConflict
		}

		err := tx.Raw(`
			INSERT INTO escrow_transactions (contract_id, tx_type, amount, currency, status)
			VALUES (?, 'fund', ?, ?, 'pending')
			RETURNING id
		`, p.ContractID, p.Amount, p.Currency).Scan(&res.FundTxID).Error
		if err != nil {
			return err
		}

		return tx.Raw(`
			INSERT INTO escrow_transactions (contract_id, tx_type, amount, currency, status)
			VALUES (?, 'client_fee', ?, ?, 'pending')
			RETURNING id
		`, p.ContractID, p.ClientFee, p.Currency).Scan(&res.FeeTxID).Error
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

type FinalizeTimesheetParams struct {
	Reservation TimesheetReservation
	ContractID  uuid.UUID
	TimesheetID uuid.UUID
	WeekStart   time.Time
	WeekEnd     time.Time
	NetAmount   decimal.Decimal
	PlatformFee decimal.Decimal
	Currency    string
	ApprovedBy  uuid.UUID
	Feedback    *string
	Success     bool
	Reference   *string
}

// FinalizeTimesheetSettlement closes the weekly charge. On success the
// client funds complete, the freelancer share releases with its commission,
// the sheet flips to approved and every logged entry of the week approves
// with it. Returns the release row id (uuid.Nil on the failure path) for
// the payout.
func (r *TimeTrackingRepository) FinalizeTimesheetSettlement(ctx context.Context, p FinalizeTimesheetParams) (uuid.UUID, error) {
	var releaseTxID uuid.UUID
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockContract(tx, p.ContractID); err != nil {
			return err
		}

		if !p.Success {
			if err := tx.Exec(`
				UPDATE escrow_transactions
				SET tx_type = 'fund_failed', status = 'failed', gateway_reference = ?, processed_at = NOW()
				WHERE id = ? AND status = 'pending'
			`, p.Reference, p.Reservation.FundTxID).Error; err != nil {
				return err
			}
			return tx.Exec(`
				UPDATE escrow_transactions
				SET status = 'failed', processed_at = NOW()
				WHERE id = ? AND status = 'pending'
			`, p.Reservation.FeeTxID).Error
		}

		for _, txID := range []uuid.UUID{p.Reservation.FundTxID, p.Reservation.FeeTxID} {
			result := tx.Exec(`
				UPDATE escrow_transactions
				SET status = 'completed', gateway_reference = ?, processed_at = NOW()
				WHERE id = ? AND status = 'pending'
			`, p.Reference, txID)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return ErrConflict
			}
		}

		if err := tx.Raw(`
			INSERT INTO escrow_transactions (contract_id, tx_type, amount, currency, status, processed_at)
			VALUES (?, 'release', ?, ?, 'completed', NOW())
			RETURNING id
		`, p.ContractID, p.NetAmount, p.Currency).Scan(&releaseTxID).Error; err != nil {
			return err
		}
		if p.PlatformFee.IsPositive() {
			if err := tx.Exec(`
				INSERT INTO escrow_transactions (contract_id, tx_type, amount, currency, status, processed_at)
				VALUES (?, 'platform_fee', ?, ?, 'completed', NOW())
			`, p.ContractID, p.PlatformFee, p.Currency).Error; err != nil {
				return err
			}
		}

		result := tx.Exec(`
			UPDATE weekly_timesheets
			SET status = 'approved', approved_at = NOW(), approved_by = ?, client_feedback = COALESCE(?, client_feedback), updated_at = NOW()
			WHERE id = ? AND status = 'submitted'
		`, p.ApprovedBy, p.Feedback, p.TimesheetID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrConflict
		}

		return tx.Exec(`
			UPDATE time_entries
			SET status = 'approved', approved_by = ?, approved_at = NOW(), updated_at = NOW()
			WHERE contract_id = ?
				AND started_at >= ?
				AND started_at < ?
				AND status = 'logged'
		`, p.ApprovedBy, p.ContractID, p.WeekStart, p.WeekEnd).Error
	})
	if err != nil {
		return uuid.Nil, err
	}
	return releaseTxID, nil
}
