package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/monkeysworks/settlement/internal/config"
	"github.com/monkeysworks/settlement/internal/event"
	"github.com/monkeysworks/settlement/internal/gateway"
	"github.com/monkeysworks/settlement/internal/model"
	"github.com/monkeysworks/settlement/internal/repository"
)

// memDB backs the fake stores with plain maps. The store fakes reproduce the
// repository semantics that matter to the services: conditional transitions
// fail with ErrConflict, dispute holds lock the ledger, and the reserve and
// finalize halves of each gateway protocol leave the same rows behind as the
// SQL implementation.
type memDB struct {
	mu sync.Mutex

	contracts    map[uuid.UUID]*model.Contract
	milestones   map[uuid.UUID]*model.Milestone
	deliverables map[uuid.UUID][]model.Deliverable
	ledger       []*model.EscrowTransaction
	disputes     map[uuid.UUID]*model.Dispute
	messages     map[uuid.UUID][]model.DisputeMessage
	entries      map[uuid.UUID]*model.TimeEntry
	screenshots  map[uuid.UUID][]*model.Screenshot
	claims       map[uuid.UUID]*model.TimeEntryClaim
	timesheets   map[uuid.UUID]*model.WeeklyTimesheet
	invoices     map[uuid.UUID]*model.Invoice
	invoiceSeq   int64
}

func newMemDB() *memDB {
	return &memDB{
		contracts:    make(map[uuid.UUID]*model.Contract),
		milestones:   make(map[uuid.UUID]*model.Milestone),
		deliverables: make(map[uuid.UUID][]model.Deliverable),
		disputes:     make(map[uuid.UUID]*model.Dispute),
		messages:     make(map[uuid.UUID][]model.DisputeMessage),
		entries:      make(map[uuid.UUID]*model.TimeEntry),
		screenshots:  make(map[uuid.UUID][]*model.Screenshot),
		claims:       make(map[uuid.UUID]*model.TimeEntryClaim),
		timesheets:   make(map[uuid.UUID]*model.WeeklyTimesheet),
		invoices:     make(map[uuid.UUID]*model.Invoice),
	}
}

// balance mirrors the SQL aggregate: completed rows only, client_fee rows
// excluded from the pool, completed dispute_hold rows counted as locks.
func (db *memDB) balance(contractID uuid.UUID, milestoneID *uuid.UUID) model.LedgerBalance {
	var b model.LedgerBalance
	b.Funded = decimal.Zero
	b.Released = decimal.Zero
	b.Refunded = decimal.Zero
	b.Fees = decimal.Zero
	for _, tx := range db.ledger {
		if tx.ContractID != contractID {
			continue
		}
		if milestoneID != nil && (tx.MilestoneID == nil || *tx.MilestoneID != *milestoneID) {
			continue
		}
		if tx.Status != model.EscrowStatusCompleted {
			continue
		}
		switch tx.Type {
		case model.EscrowTypeFund:
			b.Funded = b.Funded.Add(tx.Amount)
		case model.EscrowTypeRelease:
			b.Released = b.Released.Add(tx.Amount)
		case model.EscrowTypeRefund, model.EscrowTypeDisputeRefund:
			b.Refunded = b.Refunded.Add(tx.Amount)
		case model.EscrowTypePlatformFee:
			b.Fees = b.Fees.Add(tx.Amount)
		case model.EscrowTypeDisputeHold:
			b.HeldCount++
		}
	}
	return b
}

func (db *memDB) pendingOutflow(contractID uuid.UUID, milestoneID *uuid.UUID) decimal.Decimal {
	sum := decimal.Zero
	for _, tx := range db.ledger {
		if tx.ContractID != contractID || tx.Status != model.EscrowStatusPending {
			continue
		}
		if milestoneID != nil && (tx.MilestoneID == nil || *tx.MilestoneID != *milestoneID) {
			continue
		}
		if tx.Type == model.EscrowTypeRefund || tx.Type == model.EscrowTypeDisputeRefund {
			sum = sum.Add(tx.Amount)
		}
	}
	return sum
}

func (db *memDB) insertTx(contractID uuid.UUID, milestoneID *uuid.UUID, txType model.EscrowType, amount decimal.Decimal, currency string, status model.EscrowStatus) *model.EscrowTransaction {
	tx := &model.EscrowTransaction{
		ID:         uuid.New(),
		ContractID: contractID,
		Type:       txType,
		Amount:     amount,
		Currency:   currency,
		Status:     status,
		CreatedAt:  time.Now().UTC(),
	}
	if milestoneID != nil {
		id := *milestoneID
		tx.MilestoneID = &id
	}
	if status == model.EscrowStatusCompleted {
		now := time.Now().UTC()
		tx.ProcessedAt = &now
	}
	db.ledger = append(db.ledger, tx)
	return tx
}

func (db *memDB) findTx(id uuid.UUID) *model.EscrowTransaction {
	for _, tx := range db.ledger {
		if tx.ID == id {
			return tx
		}
	}
	return nil
}

// --- contracts ---

type fakeContractStore struct{ db *memDB }

func (f *fakeContractStore) Create(_ context.Context, contract model.Contract) (*model.Contract, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	contract.ID = uuid.New()
	contract.CreatedAt = time.Now().UTC()
	contract.UpdatedAt = contract.CreatedAt
	f.db.contracts[contract.ID] = &contract
	saved := contract
	return &saved, nil
}

func (f *fakeContractStore) GetByID(_ context.Context, id uuid.UUID) (*model.Contract, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	contract, ok := f.db.contracts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *contract
	return &copied, nil
}

func (f *fakeContractStore) ListForUser(_ context.Context, userID uuid.UUID, status *model.ContractStatus, limit, offset int) ([]model.Contract, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []model.Contract
	for _, c := range f.db.contracts {
		if c.ClientID != userID && c.FreelancerID != userID {
			continue
		}
		if status != nil && c.Status != *status {
			continue
		}
		out = append(out, *c)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeContractStore) TransitionStatus(_ context.Context, id uuid.UUID, change repository.ContractStatusChange) (*model.Contract, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	contract, ok := f.db.contracts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	allowed := false
	for _, from := range change.From {
		if contract.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, repository.ErrConflict
	}
	contract.Status = change.To
	if change.CompletedAt != nil {
		contract.CompletedAt = change.CompletedAt
	}
	if change.CancelledAt != nil {
		contract.CancelledAt = change.CancelledAt
	}
	if change.CancellationReason != nil {
		contract.CancellationReason = change.CancellationReason
	}
	contract.Version++
	contract.UpdatedAt = time.Now().UTC()
	copied := *contract
	return &copied, nil
}

func (f *fakeContractStore) CountOpenMilestones(_ context.Context, contractID uuid.UUID) (int64, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var n int64
	for _, m := range f.db.milestones {
		if m.ContractID == contractID && m.CompletedAt == nil {
			n++
		}
	}
	return n, nil
}

func (f *fakeContractStore) CountActiveDisputes(_ context.Context, contractID uuid.UUID) (int64, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var n int64
	for _, d := range f.db.disputes {
		if d.ContractID == contractID && d.Status.Active() {
			n++
		}
	}
	return n, nil
}

// --- milestones ---

type fakeMilestoneStore struct{ db *memDB }

func (f *fakeMilestoneStore) Create(_ context.Context, m model.Milestone) (*model.Milestone, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	m.ID = uuid.New()
	m.CreatedAt = time.Now().UTC()
	m.UpdatedAt = m.CreatedAt
	f.db.milestones[m.ID] = &m
	saved := m
	return &saved, nil
}

func (f *fakeMilestoneStore) GetByID(_ context.Context, id uuid.UUID) (*model.Milestone, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	m, ok := f.db.milestones[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *m
	return &copied, nil
}

func (f *fakeMilestoneStore) ListByContract(_ context.Context, contractID uuid.UUID) ([]model.Milestone, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []model.Milestone
	for _, m := range f.db.milestones {
		if m.ContractID == contractID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeMilestoneStore) UpdatePending(_ context.Context, contractID, milestoneID uuid.UUID, u repository.MilestoneUpdate) (*model.Milestone, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	m, ok := f.db.milestones[milestoneID]
	if !ok || m.ContractID != contractID {
		return nil, repository.ErrNotFound
	}
	if m.Status != model.MilestoneStatusPending || m.EscrowFunded {
		return nil, repository.ErrConflict
	}
	if u.Title != nil {
		m.Title = *u.Title
	}
	if u.Description != nil {
		m.Description = u.Description
	}
	if u.Amount != nil {
		m.Amount = *u.Amount
	}
	if u.DueDate != nil {
		m.DueDate = u.DueDate
	}
	if u.SortOrder != nil {
		m.SortOrder = *u.SortOrder
	}
	m.UpdatedAt = time.Now().UTC()
	copied := *m
	return &copied, nil
}

func (f *fakeMilestoneStore) TransitionStatus(_ context.Context, contractID, milestoneID uuid.UUID, change repository.MilestoneStatusChange) (*model.Milestone, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	m, ok := f.db.milestones[milestoneID]
	if !ok || m.ContractID != contractID {
		return nil, repository.ErrNotFound
	}
	allowed := false
	for _, from := range change.From {
		if m.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, repository.ErrConflict
	}
	m.Status = change.To
	if change.StartedAt != nil {
		m.StartedAt = change.StartedAt
	}
	if change.SubmittedAt != nil {
		m.SubmittedAt = change.SubmittedAt
	}
	if change.AutoAcceptAt != nil {
		m.AutoAcceptAt = change.AutoAcceptAt
	}
	if change.ClearAutoAccept {
		m.AutoAcceptAt = nil
	}
	if change.BumpRevision {
		m.RevisionCount++
	}
	if change.ClientFeedback != nil {
		m.ClientFeedback = change.ClientFeedback
	}
	m.UpdatedAt = time.Now().UTC()
	copied := *m
	return &copied, nil
}

func (f *fakeMilestoneStore) AddDeliverable(_ context.Context, d model.Deliverable) (*model.Deliverable, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	d.ID = uuid.New()
	d.Version = len(f.db.deliverables[d.MilestoneID]) + 1
	d.CreatedAt = time.Now().UTC()
	f.db.deliverables[d.MilestoneID] = append(f.db.deliverables[d.MilestoneID], d)
	saved := d
	return &saved, nil
}

func (f *fakeMilestoneStore) ListDeliverables(_ context.Context, milestoneID uuid.UUID) ([]model.Deliverable, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	return append([]model.Deliverable(nil), f.db.deliverables[milestoneID]...), nil
}

func (f *fakeMilestoneStore) ListAutoAcceptDue(_ context.Context, now time.Time, limit int) ([]model.Milestone, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []model.Milestone
	for _, m := range f.db.milestones {
		if m.Status != model.MilestoneStatusSubmitted || m.AutoAcceptAt == nil {
			continue
		}
		if !m.EscrowFunded || m.EscrowReleased {
			continue
		}
		if m.AutoAcceptAt.After(now) {
			continue
		}
		out = append(out, *m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// --- escrow ---

type fakeEscrowStore struct{ db *memDB }

func (f *fakeEscrowStore) Balance(_ context.Context, contractID uuid.UUID, milestoneID *uuid.UUID) (model.LedgerBalance, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	return f.db.balance(contractID, milestoneID), nil
}

func (f *fakeEscrowStore) ListByContract(_ context.Context, contractID uuid.UUID) ([]model.EscrowTransaction, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []model.EscrowTransaction
	for _, tx := range f.db.ledger {
		if tx.ContractID == contractID {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (f *fakeEscrowStore) ReserveFund(_ context.Context, p repository.ReserveFundParams) (*repository.FundReservation, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, tx := range f.db.ledger {
		if tx.MilestoneID != nil && *tx.MilestoneID == p.MilestoneID &&
			tx.Type == model.EscrowTypeFund &&
			(tx.Status == model.EscrowStatusPending || tx.Status == model.EscrowStatusCompleted) {
			return nil, repository.ErrDuplicate
		}
	}
	fund := f.db.insertTx(p.ContractID, &p.MilestoneID, model.EscrowTypeFund, p.Amount, p.Currency, model.EscrowStatusPending)
	fee := f.db.insertTx(p.ContractID, &p.MilestoneID, model.EscrowTypeClientFee, p.ClientFee, p.Currency, model.EscrowStatusPending)
	return &repository.FundReservation{FundTxID: fund.ID, FeeTxID: fee.ID}, nil
}

func (f *fakeEscrowStore) FinalizeFund(_ context.Context, res repository.FundReservation, milestoneID uuid.UUID, success bool, reference *string, metadata []byte) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	fund := f.db.findTx(res.FundTxID)
	fee := f.db.findTx(res.FeeTxID)
	if fund == nil || fund.Status != model.EscrowStatusPending {
		return repository.ErrConflict
	}
	now := time.Now().UTC()
	if !success {
		fund.Type = model.EscrowTypeFundFailed
		fund.Status = model.EscrowStatusFailed
		fund.GatewayReference = reference
		fund.ProcessedAt = &now
		if fee != nil {
			fee.Status = model.EscrowStatusFailed
			fee.ProcessedAt = &now
		}
		return nil
	}
	fund.Status = model.EscrowStatusCompleted
	fund.GatewayReference = reference
	fund.GatewayMetadata = metadata
	fund.ProcessedAt = &now
	if fee != nil {
		fee.Status = model.EscrowStatusCompleted
		fee.GatewayReference = reference
		fee.ProcessedAt = &now
	}
	if m, ok := f.db.milestones[milestoneID]; ok {
		m.EscrowFunded = true
		m.UpdatedAt = now
	}
	return nil
}

func (f *fakeEscrowStore) ReleaseMilestone(_ context.Context, p repository.ReleaseParams) (*model.EscrowTransaction, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	bal := f.db.balance(p.ContractID, &p.MilestoneID)
	if bal.Locked() {
		return nil, repository.ErrLocked
	}
	if bal.Available().Sub(f.db.pendingOutflow(p.ContractID, &p.MilestoneID)).LessThan(p.NetAmount.Add(p.PlatformFee)) {
		return nil, repository.ErrInsufficientFunds
	}
	m, ok := f.db.milestones[p.MilestoneID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	allowed := false
	for _, from := range p.FromStatuses {
		if m.Status == from {
			allowed = true
			break
		}
	}
	if !allowed || !m.EscrowFunded || m.EscrowReleased {
		return nil, repository.ErrConflict
	}
	now := time.Now().UTC()
	m.Status = model.MilestoneStatusAccepted
	m.EscrowReleased = true
	m.CompletedAt = &now
	m.AutoAcceptAt = nil
	m.UpdatedAt = now

	release := f.db.insertTx(p.ContractID, &p.MilestoneID, model.EscrowTypeRelease, p.NetAmount, p.Currency, model.EscrowStatusCompleted)
	if p.PlatformFee.IsPositive() {
		f.db.insertTx(p.ContractID, &p.MilestoneID, model.EscrowTypePlatformFee, p.PlatformFee, p.Currency, model.EscrowStatusCompleted)
	}
	copied := *release
	return &copied, nil
}

func (f *fakeEscrowStore) ReserveRefund(_ context.Context, p repository.ReserveRefundParams) (*repository.RefundReservation, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	bal := f.db.balance(p.ContractID, &p.MilestoneID)
	if bal.Locked() {
		return nil, repository.ErrLocked
	}
	if bal.Available().Sub(f.db.pendingOutflow(p.ContractID, &p.MilestoneID)).LessThan(p.Amount) {
		return nil, repository.ErrInsufficientFunds
	}
	var ref *string
	for _, tx := range f.db.ledger {
		if tx.MilestoneID != nil && *tx.MilestoneID == p.MilestoneID &&
			tx.Type == model.EscrowTypeFund && tx.Status == model.EscrowStatusCompleted {
			ref = tx.GatewayReference
			break
		}
	}
	refund := f.db.insertTx(p.ContractID, &p.MilestoneID, model.EscrowTypeRefund, p.Amount, p.Currency, model.EscrowStatusPending)
	return &repository.RefundReservation{RefundTxID: refund.ID, GatewayReference: ref, Amount: p.Amount}, nil
}

func (f *fakeEscrowStore) FinalizeRefund(_ context.Context, refundTxID uuid.UUID, success bool, reference *string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	tx := f.db.findTx(refundTxID)
	if tx == nil || tx.Status != model.EscrowStatusPending {
		return repository.ErrConflict
	}
	if success && f.db.balance(tx.ContractID, tx.MilestoneID).Available().LessThan(tx.Amount) {
		return repository.ErrInsufficientFunds
	}
	now := time.Now().UTC()
	tx.GatewayReference = reference
	tx.ProcessedAt = &now
	if success {
		tx.Status = model.EscrowStatusCompleted
	} else {
		tx.Status = model.EscrowStatusFailed
	}
	return nil
}

func (f *fakeEscrowStore) AttachPayoutReference(_ context.Context, releaseTxID uuid.UUID, reference string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	tx := f.db.findTx(releaseTxID)
	if tx == nil || tx.Type != model.EscrowTypeRelease {
		return nil
	}
	ref := reference
	tx.GatewayReference = &ref
	return nil
}

func (f *fakeEscrowStore) ListStalePending(_ context.Context, olderThan time.Time) ([]model.EscrowTransaction, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []model.EscrowTransaction
	for _, tx := range f.db.ledger {
		if tx.Status == model.EscrowStatusPending && tx.CreatedAt.Before(olderThan) {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (f *fakeEscrowStore) ExpirePending(_ context.Context, id uuid.UUID) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	tx := f.db.findTx(id)
	if tx == nil || tx.Status != model.EscrowStatusPending {
		return repository.ErrConflict
	}
	now := time.Now().UTC()
	if tx.Type == model.EscrowTypeFund {
		tx.Type = model.EscrowTypeFundFailed
	}
	tx.Status = model.EscrowStatusFailed
	tx.ProcessedAt = &now
	return nil
}

// --- disputes ---

type fakeDisputeStore struct{ db *memDB }

func (f *fakeDisputeStore) OpenDispute(_ context.Context, p repository.OpenDisputeParams) (*model.Dispute, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if p.Dispute.MilestoneID != nil {
		for _, d := range f.db.disputes {
			if d.MilestoneID != nil && *d.MilestoneID == *p.Dispute.MilestoneID && d.Status.Active() {
				return nil, repository.ErrDuplicate
			}
		}
		m, ok := f.db.milestones[*p.Dispute.MilestoneID]
		if !ok {
			return nil, repository.ErrNotFound
		}
		allowed := false
		for _, from := range p.FromStatuses {
			if m.Status == from {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, repository.ErrConflict
		}
		m.Status = model.MilestoneStatusDisputed
		m.AutoAcceptAt = nil
		m.UpdatedAt = time.Now().UTC()
		f.db.insertTx(p.Dispute.ContractID, p.Dispute.MilestoneID, model.EscrowTypeDisputeHold, p.MilestoneAmount, p.Currency, model.EscrowStatusCompleted)
	}

	dispute := p.Dispute
	dispute.ID = uuid.New()
	dispute.Status = model.DisputeStatusOpen
	dispute.CreatedAt = time.Now().UTC()
	dispute.UpdatedAt = dispute.CreatedAt
	f.db.disputes[dispute.ID] = &dispute

	if p.MarkContract {
		if c, ok := f.db.contracts[dispute.ContractID]; ok && c.Status == model.ContractStatusActive {
			c.Status = model.ContractStatusDisputed
		}
	}
	saved := dispute
	return &saved, nil
}

func (f *fakeDisputeStore) GetByID(_ context.Context, id uuid.UUID) (*model.Dispute, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	d, ok := f.db.disputes[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *d
	return &copied, nil
}

func (f *fakeDisputeStore) ListByContract(_ context.Context, contractID uuid.UUID) ([]model.Dispute, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []model.Dispute
	for _, d := range f.db.disputes {
		if d.ContractID == contractID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeDisputeStore) UpdateStatus(_ context.Context, id uuid.UUID, from []model.DisputeStatus, to model.DisputeStatus) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	d, ok := f.db.disputes[id]
	if !ok {
		return repository.ErrNotFound
	}
	allowed := false
	for _, s := range from {
		if d.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return repository.ErrConflict
	}
	d.Status = to
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeDisputeStore) AddMessage(_ context.Context, msg model.DisputeMessage, turn *repository.TurnUpdate) (*model.DisputeMessage, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	msg.ID = uuid.New()
	msg.CreatedAt = time.Now().UTC()
	f.db.messages[msg.DisputeID] = append(f.db.messages[msg.DisputeID], msg)
	if turn != nil {
		if d, ok := f.db.disputes[msg.DisputeID]; ok {
			next := turn.AwaitingResponseFrom
			deadline := turn.ResponseDeadline
			d.AwaitingResponseFrom = &next
			d.ResponseDeadline = &deadline
		}
	}
	saved := msg
	return &saved, nil
}

func (f *fakeDisputeStore) ListMessages(_ context.Context, disputeID uuid.UUID, includeInternal bool) ([]model.DisputeMessage, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []model.DisputeMessage
	for _, msg := range f.db.messages[disputeID] {
		if msg.IsInternal && !includeInternal {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (f *fakeDisputeStore) ListDeadlineLapsed(_ context.Context, now time.Time, limit int) ([]model.Dispute, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []model.Dispute
	for _, d := range f.db.disputes {
		if !d.Status.Active() || d.ResponseDeadline == nil || d.ResponseDeadline.After(now) {
			continue
		}
		out = append(out, *d)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeDisputeStore) ReserveResolution(_ context.Context, p repository.ReserveResolutionParams) (*repository.ResolutionReservation, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	d, ok := f.db.disputes[p.DisputeID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if d.Status.Resolved() {
		return nil, repository.ErrConflict
	}
	if !p.ClientAmount.IsPositive() {
		return &repository.ResolutionReservation{}, nil
	}
	var ref *string
	for _, tx := range f.db.ledger {
		if tx.MilestoneID == nil || *tx.MilestoneID != p.MilestoneID {
			continue
		}
		if tx.Type == model.EscrowTypeDisputeRefund &&
			(tx.Status == model.EscrowStatusPending || tx.Status == model.EscrowStatusCompleted) {
			return nil, repository.ErrDuplicate
		}
		if tx.Type == model.EscrowTypeFund && tx.Status == model.EscrowStatusCompleted {
			ref = tx.GatewayReference
		}
	}
	refund := f.db.insertTx(p.ContractID, &p.MilestoneID, model.EscrowTypeDisputeRefund, p.ClientAmount, p.Currency, model.EscrowStatusPending)
	return &repository.ResolutionReservation{RefundTxID: refund.ID, GatewayReference: ref}, nil
}

func (f *fakeDisputeStore) FinalizeResolution(_ context.Context, p repository.FinalizeResolutionParams) (uuid.UUID, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	now := time.Now().UTC()

	if p.RefundTxID != uuid.Nil {
		tx := f.db.findTx(p.RefundTxID)
		if tx == nil || tx.Status != model.EscrowStatusPending {
			return uuid.Nil, repository.ErrConflict
		}
		tx.Status = model.EscrowStatusCompleted
		tx.GatewayReference = p.RefundReference
		tx.ProcessedAt = &now
	}

	for _, tx := range f.db.ledger {
		if tx.MilestoneID != nil && *tx.MilestoneID == p.MilestoneID &&
			tx.Type == model.EscrowTypeDisputeHold && tx.Status == model.EscrowStatusCompleted {
			tx.Status = model.EscrowStatusReversed
			tx.ProcessedAt = &now
		}
	}

	var releaseTxID uuid.UUID
	if p.FreelancerNet.IsPositive() {
		release := f.db.insertTx(p.ContractID, &p.MilestoneID, model.EscrowTypeRelease, p.FreelancerNet, p.Currency, model.EscrowStatusCompleted)
		releaseTxID = release.ID
		if p.PlatformFee.IsPositive() {
			f.db.insertTx(p.ContractID, &p.MilestoneID, model.EscrowTypePlatformFee, p.PlatformFee, p.Currency, model.EscrowStatusCompleted)
		}
	}

	d, ok := f.db.disputes[p.DisputeID]
	if !ok {
		return uuid.Nil, repository.ErrNotFound
	}
	if d.Status.Resolved() {
		return uuid.Nil, repository.ErrConflict
	}
	amount := p.ResolutionAmount
	resolvedBy := p.ResolvedBy
	d.Status = p.Status
	d.ResolutionAmount = &amount
	d.ResolutionNotes = p.ResolutionNotes
	d.ResolvedBy = &resolvedBy
	d.ResolvedAt = &now
	d.DecisionID = p.DecisionID
	d.UpdatedAt = now

	if m, ok := f.db.milestones[p.MilestoneID]; ok {
		m.EscrowReleased = p.FreelancerNet.IsPositive()
		m.CompletedAt = &now
		m.UpdatedAt = now
	}
	return releaseTxID, nil
}

func (f *fakeDisputeStore) FailResolutionRefund(_ context.Context, refundTxID uuid.UUID) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	tx := f.db.findTx(refundTxID)
	if tx == nil {
		return repository.ErrNotFound
	}
	now := time.Now().UTC()
	tx.Status = model.EscrowStatusFailed
	tx.ProcessedAt = &now
	return nil
}

// --- time tracking ---

type fakeTrackingStore struct{ db *memDB }

func (f *fakeTrackingStore) StartEntry(_ context.Context, entry model.TimeEntry) (*model.TimeEntry, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, e := range f.db.entries {
		if e.ContractID == entry.ContractID && e.FreelancerID == entry.FreelancerID && e.Status == model.TimeEntryStatusRunning {
			return nil, repository.ErrDuplicate
		}
	}
	entry.ID = uuid.New()
	entry.Status = model.TimeEntryStatusRunning
	entry.CreatedAt = time.Now().UTC()
	entry.UpdatedAt = entry.CreatedAt
	f.db.entries[entry.ID] = &entry
	saved := entry
	return &saved, nil
}

func (f *fakeTrackingStore) StopEntry(_ context.Context, id uuid.UUID, endedAt time.Time, durationMinutes int, amount decimal.Decimal) (*model.TimeEntry, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	e, ok := f.db.entries[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if e.Status != model.TimeEntryStatusRunning {
		return nil, repository.ErrConflict
	}
	e.EndedAt = &endedAt
	e.DurationMinutes = durationMinutes
	e.Amount = amount
	e.Status = model.TimeEntryStatusLogged
	e.UpdatedAt = time.Now().UTC()
	copied := *e
	return &copied, nil
}

func (f *fakeTrackingStore) CreateManual(_ context.Context, entry model.TimeEntry) (*model.TimeEntry, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	entry.ID = uuid.New()
	entry.IsManual = true
	entry.Status = model.TimeEntryStatusLogged
	entry.CreatedAt = time.Now().UTC()
	entry.UpdatedAt = entry.CreatedAt
	f.db.entries[entry.ID] = &entry
	saved := entry
	return &saved, nil
}

func (f *fakeTrackingStore) GetEntry(_ context.Context, id uuid.UUID) (*model.TimeEntry, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	e, ok := f.db.entries[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *e
	return &copied, nil
}

func (f *fakeTrackingStore) GetRunningEntry(_ context.Context, contractID, freelancerID uuid.UUID) (*model.TimeEntry, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, e := range f.db.entries {
		if e.ContractID == contractID && e.FreelancerID == freelancerID && e.Status == model.TimeEntryStatusRunning {
			copied := *e
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeTrackingStore) ListEntries(_ context.Context, contractID uuid.UUID, from, to time.Time) ([]model.TimeEntry, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []model.TimeEntry
	for _, e := range f.db.entries {
		if e.ContractID != contractID {
			continue
		}
		if e.StartedAt.Before(from) || !e.StartedAt.Before(to) {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

func (f *fakeTrackingStore) UpdateEntryStatus(_ context.Context, id uuid.UUID, change repository.EntryStatusChange) (*model.TimeEntry, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	e, ok := f.db.entries[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	allowed := false
	for _, from := range change.From {
		if e.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, repository.ErrConflict
	}
	now := time.Now().UTC()
	e.Status = change.To
	if change.ApprovedBy != nil {
		e.ApprovedBy = change.ApprovedBy
	}
	if change.To == model.TimeEntryStatusApproved {
		e.ApprovedAt = &now
	}
	if change.RejectedReason != nil {
		e.RejectedReason = change.RejectedReason
	}
	e.UpdatedAt = now
	copied := *e
	return &copied, nil
}

func (f *fakeTrackingStore) AddScreenshot(_ context.Context, s model.Screenshot) (*model.Screenshot, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	s.ID = uuid.New()
	s.CreatedAt = time.Now().UTC()
	stored := s
	f.db.screenshots[s.TimeEntryID] = append(f.db.screenshots[s.TimeEntryID], &stored)
	saved := s
	return &saved, nil
}

func (f *fakeTrackingStore) ListScreenshots(_ context.Context, timeEntryID uuid.UUID, includeDeleted bool) ([]model.Screenshot, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []model.Screenshot
	for _, s := range f.db.screenshots[timeEntryID] {
		if s.DeletedAt != nil && !includeDeleted {
			continue
		}
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeTrackingStore) SoftDeleteScreenshot(_ context.Context, screenshotID, timeEntryID uuid.UUID, newDuration int, newAmount decimal.Decimal, newActivity *decimal.Decimal) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	found := false
	now := time.Now().UTC()
	for _, s := range f.db.screenshots[timeEntryID] {
		if s.ID == screenshotID && s.DeletedAt == nil {
			s.DeletedAt = &now
			found = true
			break
		}
	}
	if !found {
		return repository.ErrNotFound
	}
	e, ok := f.db.entries[timeEntryID]
	if !ok {
		return repository.ErrNotFound
	}
	e.DurationMinutes = newDuration
	e.Amount = newAmount
	e.ActivityScore = newActivity
	e.UpdatedAt = now
	return nil
}

func (f *fakeTrackingStore) CreateClaim(_ context.Context, claim model.TimeEntryClaim) (*model.TimeEntryClaim, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	claim.ID = uuid.New()
	claim.Status = model.ClaimStatusOpen
	claim.CreatedAt = time.Now().UTC()
	f.db.claims[claim.ID] = &claim
	saved := claim
	return &saved, nil
}

func (f *fakeTrackingStore) GetClaim(_ context.Context, id uuid.UUID) (*model.TimeEntryClaim, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	c, ok := f.db.claims[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (f *fakeTrackingStore) RespondClaim(_ context.Context, id uuid.UUID, response string) (*model.TimeEntryClaim, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	c, ok := f.db.claims[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c.Response = &response
	c.Status = model.ClaimStatusResponded
	copied := *c
	return &copied, nil
}

func (f *fakeTrackingStore) ResolveClaim(_ context.Context, id uuid.UUID) (*model.TimeEntryClaim, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	c, ok := f.db.claims[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	now := time.Now().UTC()
	c.Status = model.ClaimStatusResolved
	c.ResolvedAt = &now
	copied := *c
	return &copied, nil
}

func (f *fakeTrackingStore) ListClaims(_ context.Context, timeEntryID uuid.UUID) ([]model.TimeEntryClaim, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []model.TimeEntryClaim
	for _, c := range f.db.claims {
		if c.TimeEntryID == timeEntryID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeTrackingStore) UpsertWeek(_ context.Context, ts model.WeeklyTimesheet) (*model.WeeklyTimesheet, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, existing := range f.db.timesheets {
		if existing.ContractID == ts.ContractID && existing.WeekStart.Equal(ts.WeekStart) {
			existing.TotalMinutes = ts.TotalMinutes
			existing.BillableMinutes = ts.BillableMinutes
			existing.TotalAmount = ts.TotalAmount
			existing.HourlyRate = ts.HourlyRate
			existing.Currency = ts.Currency
			existing.UpdatedAt = time.Now().UTC()
			copied := *existing
			return &copied, nil
		}
	}
	ts.ID = uuid.New()
	ts.Status = model.TimesheetStatusPending
	ts.CreatedAt = time.Now().UTC()
	ts.UpdatedAt = ts.CreatedAt
	f.db.timesheets[ts.ID] = &ts
	saved := ts
	return &saved, nil
}

func (f *fakeTrackingStore) GetTimesheet(_ context.Context, id uuid.UUID) (*model.WeeklyTimesheet, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	ts, ok := f.db.timesheets[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *ts
	return &copied, nil
}

func (f *fakeTrackingStore) GetTimesheetForWeek(_ context.Context, contractID uuid.UUID, weekStart time.Time) (*model.WeeklyTimesheet, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, ts := range f.db.timesheets {
		if ts.ContractID == contractID && ts.WeekStart.Equal(weekStart) {
			copied := *ts
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeTrackingStore) ListTimesheets(_ context.Context, contractID uuid.UUID) ([]model.WeeklyTimesheet, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []model.WeeklyTimesheet
	for _, ts := range f.db.timesheets {
		if ts.ContractID == contractID {
			out = append(out, *ts)
		}
	}
	return out, nil
}

func (f *fakeTrackingStore) TransitionTimesheet(_ context.Context, id uuid.UUID, from []model.TimesheetStatus, to model.TimesheetStatus, notes *string) (*model.WeeklyTimesheet, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	ts, ok := f.db.timesheets[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	allowed := false
	for _, s := range from {
		if ts.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, repository.ErrConflict
	}
	now := time.Now().UTC()
	ts.Status = to
	switch to {
	case model.TimesheetStatusSubmitted:
		ts.SubmittedAt = &now
		if notes != nil {
			ts.Notes = notes
		}
	case model.TimesheetStatusApproved:
		ts.ApprovedAt = &now
		if notes != nil {
			ts.ClientFeedback = notes
		}
	case model.TimesheetStatusDisputed:
		if notes != nil {
			ts.ClientFeedback = notes
		}
	}
	ts.UpdatedAt = now
	copied := *ts
	return &copied, nil
}

func (f *fakeTrackingStore) ReserveTimesheetSettlement(_ context.Context, p repository.ReserveTimesheetParams) (*repository.TimesheetReservation, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	ts, ok := f.db.timesheets[p.TimesheetID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if ts.Status != model.TimesheetStatusSubmitted {
		return nil, repository.ErrConflict
	}
	fund := f.db.insertTx(p.ContractID, nil, model.EscrowTypeFund, p.Amount, p.Currency, model.EscrowStatusPending)
	fee := f.db.insertTx(p.ContractID, nil, model.EscrowTypeClientFee, p.ClientFee, p.Currency, model.EscrowStatusPending)
	return &repository.TimesheetReservation{FundTxID: fund.ID, FeeTxID: fee.ID}, nil
}

func (f *fakeTrackingStore) FinalizeTimesheetSettlement(_ context.Context, p repository.FinalizeTimesheetParams) (uuid.UUID, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	now := time.Now().UTC()
	fund := f.db.findTx(p.Reservation.FundTxID)
	fee := f.db.findTx(p.Reservation.FeeTxID)

	if !p.Success {
		if fund != nil && fund.Status == model.EscrowStatusPending {
			fund.Type = model.EscrowTypeFundFailed
			fund.Status = model.EscrowStatusFailed
			fund.GatewayReference = p.Reference
			fund.ProcessedAt = &now
		}
		if fee != nil && fee.Status == model.EscrowStatusPending {
			fee.Status = model.EscrowStatusFailed
			fee.ProcessedAt = &now
		}
		return uuid.Nil, nil
	}

	for _, tx := range []*model.EscrowTransaction{fund, fee} {
		if tx == nil || tx.Status != model.EscrowStatusPending {
			return uuid.Nil, repository.ErrConflict
		}
		tx.Status = model.EscrowStatusCompleted
		tx.GatewayReference = p.Reference
		tx.ProcessedAt = &now
	}

	release := f.db.insertTx(p.ContractID, nil, model.EscrowTypeRelease, p.NetAmount, p.Currency, model.EscrowStatusCompleted)
	if p.PlatformFee.IsPositive() {
		f.db.insertTx(p.ContractID, nil, model.EscrowTypePlatformFee, p.PlatformFee, p.Currency, model.EscrowStatusCompleted)
	}

	ts, ok := f.db.timesheets[p.TimesheetID]
	if !ok || ts.Status != model.TimesheetStatusSubmitted {
		return uuid.Nil, repository.ErrConflict
	}
	approvedBy := p.ApprovedBy
	ts.Status = model.TimesheetStatusApproved
	ts.ApprovedAt = &now
	ts.ApprovedBy = &approvedBy
	if p.Feedback != nil {
		ts.ClientFeedback = p.Feedback
	}
	ts.UpdatedAt = now

	for _, e := range f.db.entries {
		if e.ContractID != p.ContractID || e.Status != model.TimeEntryStatusLogged {
			continue
		}
		if e.StartedAt.Before(p.WeekStart) || !e.StartedAt.Before(p.WeekEnd) {
			continue
		}
		e.Status = model.TimeEntryStatusApproved
		e.ApprovedBy = &approvedBy
		e.ApprovedAt = &now
	}
	return release.ID, nil
}

// --- invoices ---

type fakeInvoiceStore struct{ db *memDB }

func (f *fakeInvoiceStore) NextNumber(_ context.Context) (int64, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	f.db.invoiceSeq++
	return f.db.invoiceSeq, nil
}

func (f *fakeInvoiceStore) Create(_ context.Context, inv model.Invoice) (*model.Invoice, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	inv.ID = uuid.New()
	inv.CreatedAt = time.Now().UTC()
	inv.UpdatedAt = inv.CreatedAt
	for i := range inv.Lines {
		inv.Lines[i].ID = uuid.New()
		inv.Lines[i].InvoiceID = inv.ID
		if inv.Lines[i].TimesheetID != nil {
			if ts, ok := f.db.timesheets[*inv.Lines[i].TimesheetID]; ok {
				invoiceID := inv.ID
				ts.InvoiceID = &invoiceID
			}
		}
	}
	f.db.invoices[inv.ID] = &inv
	saved := inv
	return &saved, nil
}

func (f *fakeInvoiceStore) GetByID(_ context.Context, id uuid.UUID) (*model.Invoice, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	inv, ok := f.db.invoices[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *inv
	return &copied, nil
}

func (f *fakeInvoiceStore) ListByContract(_ context.Context, contractID uuid.UUID) ([]model.Invoice, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []model.Invoice
	for _, inv := range f.db.invoices {
		if inv.ContractID == contractID {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (f *fakeInvoiceStore) TransitionStatus(_ context.Context, id uuid.UUID, change repository.InvoiceStatusChange) (*model.Invoice, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	inv, ok := f.db.invoices[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	allowed := false
	for _, from := range change.From {
		if inv.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, repository.ErrConflict
	}
	now := time.Now().UTC()
	inv.Status = change.To
	if change.To == model.InvoiceStatusSent && inv.IssuedAt == nil {
		inv.IssuedAt = &now
	}
	if change.PaidAt != nil {
		inv.PaidAt = change.PaidAt
	}
	inv.UpdatedAt = now
	copied := *inv
	return &copied, nil
}

func (f *fakeInvoiceStore) ListOverdueCandidates(_ context.Context, now time.Time, limit int) ([]model.Invoice, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []model.Invoice
	for _, inv := range f.db.invoices {
		if inv.Status != model.InvoiceStatusSent || inv.DueAt == nil || inv.DueAt.After(now) {
			continue
		}
		out = append(out, *inv)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeInvoiceStore) MarkRefundedByMilestone(_ context.Context, milestoneID uuid.UUID) (int64, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var touched int64
	for _, inv := range f.db.invoices {
		if inv.Status != model.InvoiceStatusPaid {
			continue
		}
		for _, line := range inv.Lines {
			if line.MilestoneID != nil && *line.MilestoneID == milestoneID {
				inv.Status = model.InvoiceStatusRefunded
				inv.UpdatedAt = time.Now().UTC()
				touched++
				break
			}
		}
	}
	return touched, nil
}

// --- gateway ---

// fakeGateway scripts the payment provider: every call succeeds unless the
// test arms a decline or transport error first. beforeRefund, when set, runs
// outside the lock before a refund is recorded so tests can park a call
// mid-flight.
type fakeGateway struct {
	mu sync.Mutex

	declineNext  bool
	failNext     error
	beforeRefund func()
	charges      []gateway.ChargeRequest
	payouts      []gateway.PayoutRequest
	refunds      []gateway.RefundRequest
	nextRefIndex int
}

func (g *fakeGateway) Charge(_ context.Context, req gateway.ChargeRequest) (*gateway.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failNext != nil {
		err := g.failNext
		g.failNext = nil
		return nil, err
	}
	g.charges = append(g.charges, req)
	if g.declineNext {
		g.declineNext = false
		return &gateway.Result{Declined: true, Message: "card declined"}, nil
	}
	g.nextRefIndex++
	return &gateway.Result{Reference: g.ref("ch")}, nil
}

func (g *fakeGateway) Payout(_ context.Context, req gateway.PayoutRequest) (*gateway.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payouts = append(g.payouts, req)
	g.nextRefIndex++
	return &gateway.Result{Reference: g.ref("po")}, nil
}

func (g *fakeGateway) Refund(_ context.Context, req gateway.RefundRequest) (*gateway.Result, error) {
	g.mu.Lock()
	hook := g.beforeRefund
	g.mu.Unlock()
	if hook != nil {
		hook()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failNext != nil {
		err := g.failNext
		g.failNext = nil
		return nil, err
	}
	g.refunds = append(g.refunds, req)
	if g.declineNext {
		g.declineNext = false
		return &gateway.Result{Declined: true, Message: "refund declined"}, nil
	}
	g.nextRefIndex++
	return &gateway.Result{Reference: g.ref("rf")}, nil
}

func (g *fakeGateway) ref(prefix string) string {
	return prefix + "_" + uuid.New().String()[:8]
}

// --- document generators ---

type fakePDF struct{ calls int }

func (p *fakePDF) Generate(model.InvoiceDocument) ([]byte, error) {
	p.calls++
	return []byte("%PDF-fake"), nil
}

type fakeExcel struct{ calls int }

func (x *fakeExcel) Generate(model.TimesheetDocument) ([]byte, error) {
	x.calls++
	return []byte("PK-fake"), nil
}

// --- fixture ---

type fixture struct {
	db        *memDB
	contracts *fakeContractStore
	mstones   *fakeMilestoneStore
	escrow    *fakeEscrowStore
	disputes  *fakeDisputeStore
	tracking  *fakeTrackingStore
	invoices  *fakeInvoiceStore
	gw        *fakeGateway
	pdf       *fakePDF
	excel     *fakeExcel
	bus       *event.Bus
	cfg       *config.Config

	contractSvc  *ContractService
	milestoneSvc *MilestoneService
	disputeSvc   *DisputeService
	trackingSvc  *TimeTrackingService
	invoiceSvc   *InvoiceService
	sweepSvc     *SweepService
}

func newFixture() *fixture {
	db := newMemDB()
	log := zerolog.Nop()
	cfg := &config.Config{
		Settlement: config.SettlementConfig{
			PlatformFeePercent:  decimal.NewFromInt(10),
			ClientFeePercent:    decimal.NewFromInt(3),
			AutoAcceptDays:      14,
			DisputeResponseDays: 3,
			PendingTxTimeoutMin: 30,
			InvoiceDueDays:      14,
			DefaultCurrency:     "USD",
		},
	}

	fx := &fixture{
		db:        db,
		contracts: &fakeContractStore{db: db},
		mstones:   &fakeMilestoneStore{db: db},
		escrow:    &fakeEscrowStore{db: db},
		disputes:  &fakeDisputeStore{db: db},
		tracking:  &fakeTrackingStore{db: db},
		invoices:  &fakeInvoiceStore{db: db},
		gw:        &fakeGateway{},
		pdf:       &fakePDF{},
		excel:     &fakeExcel{},
		bus:       event.NewBus(log),
		cfg:       cfg,
	}

	fx.contractSvc = NewContractService(fx.contracts, fx.escrow, fx.bus, cfg, log)
	fx.milestoneSvc = NewMilestoneService(fx.contracts, fx.mstones, fx.escrow, fx.gw, fx.bus, cfg, log)
	fx.disputeSvc = NewDisputeService(fx.contracts, fx.mstones, fx.disputes, fx.escrow, fx.gw, fx.bus, cfg, log)
	fx.trackingSvc = NewTimeTrackingService(fx.contracts, fx.tracking, fx.escrow, fx.gw, nil, fx.excel, fx.bus, cfg, log)
	fx.invoiceSvc = NewInvoiceService(fx.contracts, fx.mstones, fx.tracking, fx.invoices, fx.pdf, fx.bus, cfg, log)
	fx.sweepSvc = NewSweepService(fx.mstones, fx.escrow, fx.invoices, fx.disputes, fx.disputeSvc, fx.milestoneSvc, cfg, log)
	return fx
}

// seedContract inserts an active contract and returns it with the two party
// principals.
func (fx *fixture) seedContract(t model.ContractType) (*model.Contract, model.Principal, model.Principal) {
	clientID := uuid.New()
	freelancerID := uuid.New()
	contract := &model.Contract{
		ID:                 uuid.New(),
		JobID:              uuid.New(),
		ProposalID:         uuid.New(),
		ClientID:           clientID,
		FreelancerID:       freelancerID,
		Title:              "Marketplace backend",
		ContractType:       t,
		TotalAmount:        decimal.NewFromInt(5000),
		Currency:           "USD",
		Status:             model.ContractStatusActive,
		PlatformFeePercent: decimal.NewFromInt(10),
		StartedAt:          time.Now().UTC(),
		CreatedAt:          time.Now().UTC(),
	}
	if t == model.ContractTypeHourly {
		rate := decimal.NewFromInt(60)
		limit := 40
		contract.HourlyRate = &rate
		contract.WeeklyHourLimit = &limit
	}
	fx.db.contracts[contract.ID] = contract

	client := model.Principal{UserID: clientID, Role: model.RoleClient}
	freelancer := model.Principal{UserID: freelancerID, Role: model.RoleFreelancer}
	return contract, client, freelancer
}

func (fx *fixture) seedMilestone(contractID uuid.UUID, amount decimal.Decimal, status model.MilestoneStatus) *model.Milestone {
	m := &model.Milestone{
		ID:         uuid.New(),
		ContractID: contractID,
		Title:      "API skeleton",
		Amount:     amount,
		Currency:   "USD",
		Status:     status,
		CreatedAt:  time.Now().UTC(),
	}
	fx.db.milestones[m.ID] = m
	return m
}

// fundMilestone drives the full reserve+charge+finalize path with the fake
// gateway so downstream tests start from a funded ledger.
func (fx *fixture) fundMilestone(ctx context.Context, milestoneID uuid.UUID, client model.Principal) *model.Milestone {
	m, err := fx.milestoneSvc.Fund(ctx, milestoneID, client)
	if err != nil {
		panic(err)
	}
	return m
}

func adminPrincipal() model.Principal {
	return model.Principal{UserID: uuid.New(), Role: model.RoleAdmin}
}
