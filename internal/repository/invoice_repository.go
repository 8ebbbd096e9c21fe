package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/monkeysworks/settlement/internal/model"
)

type InvoiceRepository struct {
	db *gorm.DB
}

func NewInvoiceRepository(db *gorm.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

const invoiceColumns = `
	id,
	invoice_number AS number,
	contract_id,
	client_id,
	freelancer_id,
	status,
	subtotal,
	fee_amount,
	total,
	currency,
	issued_at,
	due_at,
	paid_at,
	notes,
	created_at,
	updated_at
`

const invoiceLineColumns = `
	id,
	invoice_id,
	line_type AS type,
	description,
	quantity,
	unit_price,
	amount,
	milestone_id,
	timesheet_id,
	created_at
`

// NextNumber draws the next value from the monthly invoice sequence.
func (r *InvoiceRepository) NextNumber(ctx context.Context) (int64, error) {
	var seq int64
	if err := r.db.WithContext(ctx).Raw(`SELECT nextval('invoice_number_seq')`).Scan(&seq).Error; err != nil {
		return 0, err
	}
	return seq, nil
}

// Create persists the invoice and its lines in one transaction and links
// billed timesheets back to the document.
func (r *InvoiceRepository) Create(ctx context.Context, inv model.Invoice) (*model.Invoice, error) {
	var saved model.Invoice
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Raw(`
			INSERT INTO invoices (
				invoice_number, contract_id, client_id, freelancer_id, status,
				subtotal, fee_amount, total, currency, issued_at, due_at, notes
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING `+invoiceColumns,
			inv.Number, inv.ContractID, inv.ClientID, inv.FreelancerID, inv.Status,
			inv.Subtotal, inv.FeeAmount, inv.Total, inv.Currency, inv.IssuedAt, inv.DueAt, inv.Notes,
		).Scan(&saved).Error
		if err != nil {
			return err
		}

		for _, line := range inv.Lines {
			var savedLine model.InvoiceLine
			err := tx.Raw(`
				INSERT INTO invoice_lines (
					invoice_id, line_type, description, quantity, unit_price, amount, milestone_id, timesheet_id
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				RETURNING `+invoiceLineColumns,
				saved.ID, line.Type, line.Description, line.Quantity, line.UnitPrice, line.Amount,
				line.MilestoneID, line.TimesheetID,
			).Scan(&savedLine).Error
			if err != nil {
				return err
			}
			saved.Lines = append(saved.Lines, savedLine)

			if line.TimesheetID != nil {
				if err := tx.Exec(`
					UPDATE weekly_timesheets
					SET invoice_id = ?, updated_at = NOW()
					WHERE id = ?
				`, saved.ID, *line.TimesheetID).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (r *InvoiceRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Invoice, error) {
	var inv model.Invoice
	err := r.db.WithContext(ctx).Raw(`
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE id = ?
		LIMIT 1
	`, id).Scan(&inv).Error
	if err != nil {
		return nil, err
	}
	if inv.ID == uuid.Nil {
		return nil, gorm.ErrRecordNotFound
	}

	err = r.db.WithContext(ctx).Raw(`
		SELECT `+invoiceLineColumns+`
		FROM invoice_lines
		WHERE invoice_id = ?
		ORDER BY created_at ASC
	`, id).Scan(&inv.Lines).Error
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *InvoiceRepository) ListByContract(ctx context.Context, contractID uuid.UUID) ([]model.Invoice, error) {
	var invoices []model.Invoice
	err := r.db.WithContext(ctx).Raw(`
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE contract_id = ?
		ORDER BY created_at DESC
	`, contractID).Scan(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

type InvoiceStatusChange struct {
	From   []model.InvoiceStatus
	To     model.InvoiceStatus
	PaidAt *time.Time
}

func (r *InvoiceRepository) TransitionStatus(ctx context.Context, id uuid.UUID, change InvoiceStatusChange) (*model.Invoice, error) {
	statuses := make([]string, 0, len(change.From))
	for _, s := range change.From {
		statuses = append(statuses, string(s))
	}

	var updated model.Invoice
	err := r.db.WithContext(ctx).Raw(`
		UPDATE invoices
		SET
			status = ?,
			issued_at = CASE WHEN ? = 'sent' THEN NOW() ELSE issued_at END,
			paid_at = COALESCE(?, paid_at),
			updated_at = NOW()
		WHERE id = ? AND status IN ?
		RETURNING `+invoiceColumns,
		change.To, change.To, change.PaidAt, id, statuses,
	).Scan(&updated).Error
	if err != nil {
		return nil, err
	}
	if updated.ID == uuid.Nil {
		return nil, ErrConflict
	}
	return &updated, nil
}

// MarkRefundedByMilestone flips paid invoices that billed the given milestone
// to refunded. Returns the number of documents touched.
func (r *InvoiceRepository) MarkRefundedByMilestone(ctx context.Context, milestoneID uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).Exec(`
		UPDATE invoices
		SET status = 'refunded', updated_at = NOW()
		WHERE status = 'paid'
			AND id IN (
				SELECT invoice_id FROM invoice_lines WHERE milestone_id = ?
			)
	`, milestoneID)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// ListOverdueCandidates returns sent invoices whose due date lapsed, for the
// overdue sweep.
func (r *InvoiceRepository) ListOverdueCandidates(ctx context.Context, now time.Time, limit int) ([]model.Invoice, error) {
	var invoices []model.Invoice
	err := r.db.WithContext(ctx).Raw(`
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE status = 'sent'
			AND due_at IS NOT NULL
			AND due_at <= ?
		ORDER BY due_at ASC
		LIMIT ?
	`, now, limit).Scan(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}
