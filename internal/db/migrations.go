package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`,
	`CREATE EXTENSION IF NOT EXISTS "pgcrypto";`,
	`DO $$
	BEGIN
		IF NOT EXISTS (SELECT 1 FROM pg_type WHERE typname = 'contract_type') THEN
			CREATE TYPE contract_type AS ENUM ('fixed', 'hourly');
		END IF;
		IF NOT EXISTS (SELECT 1 FROM pg_type WHERE typname = 'contract_status') THEN
			CREATE TYPE contract_status AS ENUM ('active', 'paused', 'completed', 'disputed', 'cancelled');
		END IF;
		IF NOT EXISTS (SELECT 1 FROM pg_type WHERE typname = 'milestone_status') THEN
			CREATE TYPE milestone_status AS ENUM ('pending', 'in_progress', 'submitted', 'revision_requested', 'accepted', 'disputed');
		END IF;
		IF NOT EXISTS (SELECT 1 FROM pg_type WHERE typname = 'escrow_tx_type') THEN
			CREATE TYPE escrow_tx_type AS ENUM ('fund', 'fund_failed', 'release', 'refund', 'dispute_hold', 'dispute_refund', 'platform_fee', 'client_fee');
		END IF;
		IF NOT EXISTS (SELECT 1 FROM pg_type WHERE typname = 'escrow_tx_status') THEN
			CREATE TYPE escrow_tx_status AS ENUM ('pending', 'completed', 'failed', 'reversed');
		END IF;
		IF NOT EXISTS (SELECT 1 FROM pg_type WHERE typname = 'dispute_status') THEN
			CREATE TYPE dispute_status AS ENUM ('open', 'under_review', 'escalated', 'resolved_client', 'resolved_freelancer', 'resolved_split');
		END IF;
		IF NOT EXISTS (SELECT 1 FROM pg_type WHERE typname = 'time_entry_status') THEN
			CREATE TYPE time_entry_status AS ENUM ('running', 'logged', 'approved', 'disputed', 'rejected');
		END IF;
		IF NOT EXISTS (SELECT 1 FROM pg_type WHERE typname = 'timesheet_status') THEN
			CREATE TYPE timesheet_status AS ENUM ('pending', 'submitted', 'approved', 'disputed', 'paid');
		END IF;
		IF NOT EXISTS (SELECT 1 FROM pg_type WHERE typname = 'invoice_status') THEN
			CREATE TYPE invoice_status AS ENUM ('draft', 'sent', 'paid', 'overdue', 'cancelled', 'refunded');
		END IF;
	END
	$$;`,
	`CREATE TABLE IF NOT EXISTS contracts (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		job_id UUID NOT NULL,
		proposal_id UUID NOT NULL,
		client_id UUID NOT NULL,
		freelancer_id UUID NOT NULL,
		title VARCHAR(255) NOT NULL,
		description TEXT,
		contract_type contract_type NOT NULL,
		total_amount NUMERIC(18,2) NOT NULL,
		hourly_rate NUMERIC(18,2),
		weekly_hour_limit INT,
		currency CHAR(3) NOT NULL DEFAULT 'USD',
		status contract_status NOT NULL DEFAULT 'active',
		platform_fee_percent NUMERIC(5,2) NOT NULL,
		version BIGINT NOT NULL DEFAULT 1,
		started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ,
		cancelled_at TIMESTAMPTZ,
		cancellation_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_contracts_client_id ON contracts (client_id);`,
	`CREATE INDEX IF NOT EXISTS idx_contracts_freelancer_id ON contracts (freelancer_id);`,
	`CREATE INDEX IF NOT EXISTS idx_contracts_status ON contracts (status);`,
	`CREATE TABLE IF NOT EXISTS milestones (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		contract_id UUID NOT NULL REFERENCES contracts(id),
		title VARCHAR(255) NOT NULL,
		description TEXT,
		amount NUMERIC(18,2) NOT NULL,
		currency CHAR(3) NOT NULL DEFAULT 'USD',
		status milestone_status NOT NULL DEFAULT 'pending',
		sort_order INT NOT NULL DEFAULT 0,
		due_date TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		submitted_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		auto_accept_at TIMESTAMPTZ,
		revision_count INT NOT NULL DEFAULT 0,
		client_feedback TEXT,
		escrow_funded BOOLEAN NOT NULL DEFAULT FALSE,
		escrow_released BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_milestones_contract_id ON milestones (contract_id);`,
	`CREATE INDEX IF NOT EXISTS idx_milestones_auto_accept ON milestones (auto_accept_at) WHERE auto_accept_at IS NOT NULL AND status = 'submitted';`,
	`CREATE TABLE IF NOT EXISTS deliverables (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		milestone_id UUID NOT NULL REFERENCES milestones(id) ON DELETE CASCADE,
		file_name VARCHAR(255) NOT NULL,
		file_url TEXT NOT NULL,
		file_size BIGINT NOT NULL DEFAULT 0,
		mime_type VARCHAR(128) NOT NULL DEFAULT '',
		notes TEXT,
		version INT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_deliverables_milestone_id ON deliverables (milestone_id);`,
	`CREATE TABLE IF NOT EXISTS escrow_transactions (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		contract_id UUID NOT NULL REFERENCES contracts(id),
		milestone_id UUID REFERENCES milestones(id),
		tx_type escrow_tx_type NOT NULL,
		amount NUMERIC(18,2) NOT NULL CHECK (amount >= 0),
		currency CHAR(3) NOT NULL DEFAULT 'USD',
		status escrow_tx_status NOT NULL DEFAULT 'pending',
		gateway_reference VARCHAR(128),
		gateway_metadata JSONB,
		processed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_escrow_tx_contract_id ON escrow_transactions (contract_id);`,
	`CREATE INDEX IF NOT EXISTS idx_escrow_tx_milestone_id ON escrow_transactions (milestone_id) WHERE milestone_id IS NOT NULL;`,
	`CREATE INDEX IF NOT EXISTS idx_escrow_tx_pending ON escrow_transactions (created_at) WHERE status = 'pending';`,
	`CREATE TABLE IF NOT EXISTS disputes (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		contract_id UUID NOT NULL REFERENCES contracts(id),
		milestone_id UUID REFERENCES milestones(id),
		raised_by UUID NOT NULL,
		reason VARCHAR(32) NOT NULL,
		description TEXT NOT NULL,
		evidence_urls JSONB NOT NULL DEFAULT '[]',
		status dispute_status NOT NULL DEFAULT 'open',
		resolution_amount NUMERIC(18,2),
		resolution_notes TEXT,
		resolved_by UUID,
		resolved_at TIMESTAMPTZ,
		response_deadline TIMESTAMPTZ,
		awaiting_response_from UUID,
		decision_id VARCHAR(64),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_disputes_contract_id ON disputes (contract_id);`,
	`CREATE INDEX IF NOT EXISTS idx_disputes_deadline ON disputes (response_deadline) WHERE status IN ('open', 'under_review');`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_disputes_active_milestone ON disputes (milestone_id) WHERE milestone_id IS NOT NULL AND status IN ('open', 'under_review', 'escalated');`,
	`CREATE TABLE IF NOT EXISTS dispute_messages (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		dispute_id UUID NOT NULL REFERENCES disputes(id) ON DELETE CASCADE,
		sender_id UUID NOT NULL,
		body TEXT NOT NULL,
		attachments JSONB NOT NULL DEFAULT '[]',
		is_internal BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_dispute_messages_dispute_id ON dispute_messages (dispute_id);`,
	`CREATE TABLE IF NOT EXISTS time_entries (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		contract_id UUID NOT NULL REFERENCES contracts(id),
		freelancer_id UUID NOT NULL,
		milestone_id UUID REFERENCES milestones(id),
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		duration_minutes INT NOT NULL DEFAULT 0,
		description TEXT,
		task_label VARCHAR(255),
		is_manual BOOLEAN NOT NULL DEFAULT FALSE,
		is_billable BOOLEAN NOT NULL DEFAULT TRUE,
		hourly_rate NUMERIC(18,2) NOT NULL,
		amount NUMERIC(18,2) NOT NULL DEFAULT 0,
		activity_score NUMERIC(5,2),
		status time_entry_status NOT NULL DEFAULT 'running',
		approved_by UUID,
		approved_at TIMESTAMPTZ,
		rejected_reason TEXT,
		invoice_line_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_time_entries_contract_id ON time_entries (contract_id);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_time_entries_running ON time_entries (contract_id, freelancer_id) WHERE status = 'running';`,
	`CREATE TABLE IF NOT EXISTS screenshots (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		time_entry_id UUID NOT NULL REFERENCES time_entries(id) ON DELETE CASCADE,
		file_url TEXT NOT NULL,
		click_count INT NOT NULL DEFAULT 0,
		key_count INT NOT NULL DEFAULT 0,
		activity_percent NUMERIC(5,2) NOT NULL DEFAULT 0,
		captured_at TIMESTAMPTZ NOT NULL,
		deleted_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_screenshots_time_entry_id ON screenshots (time_entry_id);`,
	`CREATE TABLE IF NOT EXISTS time_entry_claims (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		time_entry_id UUID NOT NULL REFERENCES time_entries(id) ON DELETE CASCADE,
		client_id UUID NOT NULL,
		claim_type VARCHAR(32) NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'open',
		message TEXT NOT NULL,
		response TEXT,
		resolved_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_time_entry_claims_entry_id ON time_entry_claims (time_entry_id);`,
	`CREATE TABLE IF NOT EXISTS weekly_timesheets (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		contract_id UUID NOT NULL REFERENCES contracts(id),
		freelancer_id UUID NOT NULL,
		week_start DATE NOT NULL,
		week_end DATE NOT NULL,
		total_minutes INT NOT NULL DEFAULT 0,
		billable_minutes INT NOT NULL DEFAULT 0,
		total_amount NUMERIC(18,2) NOT NULL DEFAULT 0,
		hourly_rate NUMERIC(18,2) NOT NULL,
		currency CHAR(3) NOT NULL DEFAULT 'USD',
		status timesheet_status NOT NULL DEFAULT 'pending',
		submitted_at TIMESTAMPTZ,
		approved_at TIMESTAMPTZ,
		approved_by UUID,
		notes TEXT,
		client_feedback TEXT,
		invoice_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_weekly_timesheets_week ON weekly_timesheets (contract_id, week_start);`,
	`CREATE TABLE IF NOT EXISTS invoices (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		invoice_number VARCHAR(32) NOT NULL,
		contract_id UUID NOT NULL REFERENCES contracts(id),
		client_id UUID NOT NULL,
		freelancer_id UUID NOT NULL,
		status invoice_status NOT NULL DEFAULT 'draft',
		subtotal NUMERIC(18,2) NOT NULL DEFAULT 0,
		fee_amount NUMERIC(18,2) NOT NULL DEFAULT 0,
		total NUMERIC(18,2) NOT NULL DEFAULT 0,
		currency CHAR(3) NOT NULL DEFAULT 'USD',
		issued_at TIMESTAMPTZ,
		due_at TIMESTAMPTZ,
		paid_at TIMESTAMPTZ,
		notes TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_invoices_number ON invoices (invoice_number);`,
	`CREATE INDEX IF NOT EXISTS idx_invoices_contract_id ON invoices (contract_id);`,
	`CREATE TABLE IF NOT EXISTS invoice_lines (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		invoice_id UUID NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
		line_type VARCHAR(16) NOT NULL,
		description TEXT NOT NULL,
		quantity NUMERIC(18,4) NOT NULL DEFAULT 1,
		unit_price NUMERIC(18,2) NOT NULL DEFAULT 0,
		amount NUMERIC(18,2) NOT NULL,
		milestone_id UUID REFERENCES milestones(id),
		timesheet_id UUID REFERENCES weekly_timesheets(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_invoice_lines_invoice_id ON invoice_lines (invoice_id);`,
	`CREATE SEQUENCE IF NOT EXISTS invoice_number_seq START 1;`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
