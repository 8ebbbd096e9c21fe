package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
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

type TimeTrackingStore interface {
	StartEntry(ctx context.Context, entry model.TimeEntry) (*model.TimeEntry, error)
	StopEntry(ctx context.Context, id uuid.UUID, endedAt time.Time, durationMinutes int, amount decimal.Decimal) (*model.TimeEntry, error)
	CreateManual(ctx context.Context, entry model.TimeEntry) (*model.TimeEntry, error)
	GetEntry(ctx context.Context, id uuid.UUID) (*model.TimeEntry, error)
	GetRunningEntry(ctx context.Context, contractID, freelancerID uuid.UUID) (*model.TimeEntry, error)
	ListEntries(ctx context.Context, contractID uuid.UUID, from, to time.Time) ([]model.TimeEntry, error)
	UpdateEntryStatus(ctx context.Context, id uuid.UUID, change repository.EntryStatusChange) (*model.TimeEntry, error)
	AddScreenshot(ctx context.Context, s model.Screenshot) (*model.Screenshot, error)
	ListScreenshots(ctx context.Context, timeEntryID uuid.UUID, includeDeleted bool) ([]model.Screenshot, error)
	SoftDeleteScreenshot(ctx context.Context, screenshotID, timeEntryID uuid.UUID, newDuration int, newAmount decimal.Decimal, newActivity *decimal.Decimal) error
	CreateClaim(ctx context.Context, claim model.TimeEntryClaim) (*model.TimeEntryClaim, error)
	GetClaim(ctx context.Context, id uuid.UUID) (*model.TimeEntryClaim, error)
	RespondClaim(ctx context.Context, id uuid.UUID, response string) (*model.TimeEntryClaim, error)
	ResolveClaim(ctx context.Context, id uuid.UUID) (*model.TimeEntryClaim, error)
	ListClaims(ctx context.Context, timeEntryID uuid.UUID) ([]model.TimeEntryClaim, error)
	UpsertWeek(ctx context.Context, ts model.WeeklyTimesheet) (*model.WeeklyTimesheet, error)
	GetTimesheet(ctx context.Context, id uuid.UUID) (*model.WeeklyTimesheet, error)
	GetTimesheetForWeek(ctx context.Context, contractID uuid.UUID, weekStart time.Time) (*model.WeeklyTimesheet, error)
	ListTimesheets(ctx context.Context, contractID uuid.UUID) ([]model.WeeklyTimesheet, error)
	TransitionTimesheet(ctx context.Context, id uuid.UUID, from []model.TimesheetStatus, to model.TimesheetStatus, notes *string) (*model.WeeklyTimesheet, error)
	ReserveTimesheetSettlement(ctx context.Context, p repository.ReserveTimesheetParams) (*repository.TimesheetReservation, error)
	FinalizeTimesheetSettlement(ctx context.Context, p repository.FinalizeTimesheetParams) (uuid.UUID, error)
}

type ExcelGenerator interface {
	Generate(doc model.TimesheetDocument) ([]byte, error)
}

type TimeTrackingService struct {
	contracts ContractStore
	tracking  TimeTrackingStore
	ledger    PayoutLedger
	gateway   gateway.Gateway
	scorer    model.ActivityScorer
	excel     ExcelGenerator
	bus       *event.Bus
	cfg       *config.Config
	log       zerolog.Logger
}

func NewTimeTrackingService(
	contracts ContractStore,
	tracking TimeTrackingStore,
	ledger PayoutLedger,
	gw gateway.Gateway,
	scorer model.ActivityScorer,
	excel ExcelGenerator,
	bus *event.Bus,
	cfg *config.Config,
	log zerolog.Logger,
) *TimeTrackingService {
	if scorer == nil {
		scorer = model.EventCountScorer{}
	}
	return &TimeTrackingService{
		contracts: contracts,
		tracking:  tracking,
		ledger:    ledger,
		gateway:   gw,
		scorer:    scorer,
		excel:     excel,
		bus:       bus,
		cfg:       cfg,
		log:       log,
	}
}

func (s *TimeTrackingService) loadHourlyContract(ctx context.Context, contractID uuid.UUID, principal model.Principal) (*model.Contract, error) {
	contract, err := s.contracts.GetByID(ctx, contractID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !principal.IsAdmin() && !contract.IsParty(principal.UserID) {
		return nil, ErrPermissionDenied
	}
	if contract.ContractType != model.ContractTypeHourly {
		return nil, fmt.Errorf("%w: time tracking requires an hourly contract", ErrInvalidState)
	}
	return contract, nil
}

type StartTimerInput struct {
	ContractID  uuid.UUID
	MilestoneID *uuid.UUID
	Description *string
	TaskLabel   *string
	Principal   model.Principal
}

// StartTimer opens a running entry with the contract's current rate frozen
// onto it. A second running timer on the same contract is rejected.
func (s *TimeTrackingService) StartTimer(ctx context.Context, input StartTimerInput) (*model.TimeEntry, error) {
	contract, err := s.loadHourlyContract(ctx, input.ContractID, input.Principal)
	if err != nil {
		return nil, err
	}
	if !input.Principal.IsFreelancer() || contract.FreelancerID != input.Principal.UserID {
		return nil, ErrPermissionDenied
	}
	if contract.Status != model.ContractStatusActive {
		return nil, fmt.Errorf("%w: contract is %s", ErrInvalidState, contract.Status)
	}
	if contract.HourlyRate == nil {
		return nil, fmt.Errorf("%w: contract has no hourly rate", ErrInvalidState)
	}

	entry, err := s.tracking.StartEntry(ctx, model.TimeEntry{
		ContractID:   input.ContractID,
		FreelancerID: input.Principal.UserID,
		MilestoneID:  input.MilestoneID,
		StartedAt:    time.Now().UTC(),
		Description:  input.Description,
		TaskLabel:    input.TaskLabel,
		IsBillable:   true,
		HourlyRate:   *contract.HourlyRate,
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("%w: a timer is already running on this contract", ErrInvalidState)
		}
		return nil, mapRepoError(err)
	}
	return entry, nil
}

// StopTimer closes the running entry, prices it at the frozen rate and folds
// it into the week's timesheet.
func (s *TimeTrackingService) StopTimer(ctx context.Context, entryID uuid.UUID, principal model.Principal) (*model.TimeEntry, error) {
	entry, err := s.tracking.GetEntry(ctx, entryID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !principal.IsAdmin() && entry.FreelancerID != principal.UserID {
		return nil, ErrPermissionDenied
	}
	if entry.Status != model.TimeEntryStatusRunning {
		return nil, fmt.Errorf("%w: entry is not running", ErrInvalidState)
	}

	endedAt := time.Now().UTC()
	minutes := int(endedAt.Sub(entry.StartedAt).Minutes())
	if minutes < 1 {
		minutes = 1
	}
	amount := model.BillableAmount(minutes, entry.HourlyRate, entry.IsBillable)

	stopped, err := s.tracking.StopEntry(ctx, entryID, endedAt, minutes, amount)
	if err != nil {
		return nil, mapRepoError(err)
	}

	if err := s.recalculateWeek(ctx, stopped.ContractID, stopped.FreelancerID, stopped.StartedAt); err != nil {
		s.log.Error().Err(err).Str("entry_id", entryID.String()).Msg("timesheet recalculation failed")
	}
	return stopped, nil
}

type ManualEntryInput struct {
	ContractID  uuid.UUID
	MilestoneID *uuid.UUID
	StartedAt   time.Time
	EndedAt     time.Time
	Description *string
	TaskLabel   *string
	Principal   model.Principal
}

// AddManualEntry logs a hand-entered interval, subject to the contract's
// weekly hour limit.
func (s *TimeTrackingService) AddManualEntry(ctx context.Context, input ManualEntryInput) (*model.TimeEntry, error) {
	contract, err := s.loadHourlyContract(ctx, input.ContractID, input.Principal)
	if err != nil {
		return nil, err
	}
	if !input.Principal.IsFreelancer() || contract.FreelancerID != input.Principal.UserID {
		return nil, ErrPermissionDenied
	}
	if contract.Status != model.ContractStatusActive {
		return nil, fmt.Errorf("%w: contract is %s", ErrInvalidState, contract.Status)
	}
	if contract.HourlyRate == nil {
		return nil, fmt.Errorf("%w: contract has no hourly rate", ErrInvalidState)
	}
	if !input.EndedAt.After(input.StartedAt) {
		return nil, fmt.Errorf("%w: ended_at must be after started_at", ErrInvalidInput)
	}
	if input.EndedAt.After(time.Now().UTC()) {
		return nil, fmt.Errorf("%w: cannot log time in the future", ErrInvalidInput)
	}

	minutes := int(input.EndedAt.Sub(input.StartedAt).Minutes())
	if minutes < 1 {
		return nil, fmt.Errorf("%w: interval is shorter than a minute", ErrInvalidInput)
	}

	if contract.WeeklyHourLimit != nil {
		weekStart, weekEnd := model.WeekBounds(input.StartedAt)
		entries, err := s.tracking.ListEntries(ctx, input.ContractID, weekStart, weekEnd)
		if err != nil {
			return nil, err
		}
		logged := 0
		for _, e := range entries {
			if e.Status != model.TimeEntryStatusRejected {
				logged += e.DurationMinutes
			}
		}
		if logged+minutes > *contract.WeeklyHourLimit*60 {
			return nil, fmt.Errorf("%w: weekly hour limit of %dh exceeded", ErrInvalidState, *contract.WeeklyHourLimit)
		}
	}

	startedAt := input.StartedAt.UTC()
	endedAt := input.EndedAt.UTC()
	entry, err := s.tracking.CreateManual(ctx, model.TimeEntry{
		ContractID:      input.ContractID,
		FreelancerID:    input.Principal.UserID,
		MilestoneID:     input.MilestoneID,
		StartedAt:       startedAt,
		EndedAt:         &endedAt,
		DurationMinutes: minutes,
		Description:     input.Description,
		TaskLabel:       input.TaskLabel,
		IsBillable:      true,
		HourlyRate:      *contract.HourlyRate,
		Amount:          model.BillableAmount(minutes, *contract.HourlyRate, true),
	})
	if err != nil {
		return nil, mapRepoError(err)
	}

	if err := s.recalculateWeek(ctx, input.ContractID, input.Principal.UserID, startedAt); err != nil {
		s.log.Error().Err(err).Str("entry_id", entry.ID.String()).Msg("timesheet recalculation failed")
	}
	return entry, nil
}

type HeartbeatInput struct {
	EntryID    uuid.UUID
	FileURL    string
	ClickCount int
	KeyCount   int
	CapturedAt time.Time
	Principal  model.Principal
}

// Heartbeat records a tracker capture against the running entry.
func (s *TimeTrackingService) Heartbeat(ctx context.Context, input HeartbeatInput) (*model.Screenshot, error) {
	entry, err := s.tracking.GetEntry(ctx, input.EntryID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if entry.FreelancerID != input.Principal.UserID {
		return nil, ErrPermissionDenied
	}
	if entry.Status != model.TimeEntryStatusRunning {
		return nil, fmt.Errorf("%w: entry is not running", ErrInvalidState)
	}
	if strings.TrimSpace(input.FileURL) == "" {
		return nil, fmt.Errorf("%w: file_url is required", ErrInvalidInput)
	}

	capturedAt := input.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}
	return s.tracking.AddScreenshot(ctx, model.Screenshot{
		TimeEntryID:     input.EntryID,
		FileURL:         strings.TrimSpace(input.FileURL),
		ClickCount:      input.ClickCount,
		KeyCount:        input.KeyCount,
		ActivityPercent: s.scorer.Score(input.ClickCount, input.KeyCount),
		CapturedAt:      capturedAt,
	})
}

// DeleteScreenshot hides a capture and deducts its share of the entry's
// tracked time: with n live captures, removing one keeps (n-1)/n of the
// duration and reprices the entry. The week's timesheet follows.
func (s *TimeTrackingService) DeleteScreenshot(ctx context.Context, entryID, screenshotID uuid.UUID, principal model.Principal) (*model.TimeEntry, error) {
	entry, err := s.tracking.GetEntry(ctx, entryID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if entry.FreelancerID != principal.UserID {
		return nil, ErrPermissionDenied
	}
	switch entry.Status {
	case model.TimeEntryStatusRunning, model.TimeEntryStatusLogged:
	default:
		return nil, fmt.Errorf("%w: cannot edit a %s entry", ErrInvalidState, entry.Status)
	}

	screenshots, err := s.tracking.ListScreenshots(ctx, entryID, false)
	if err != nil {
		return nil, err
	}
	found := false
	for _, sc := range screenshots {
		if sc.ID == screenshotID {
			found = true
			break
		}
	}
	if !found {
		return nil, ErrNotFound
	}

	total := len(screenshots)
	newDuration := entry.DurationMinutes * (total - 1) / total
	newAmount := model.BillableAmount(newDuration, entry.HourlyRate, entry.IsBillable)

	var newActivity *decimal.Decimal
	if total > 1 {
		sum := decimal.Zero
		for _, sc := range screenshots {
			if sc.ID == screenshotID {
				continue
			}
			sum = sum.Add(sc.ActivityPercent)
		}
		avg := sum.Div(decimal.NewFromInt(int64(total - 1))).Round(2)
		newActivity = &avg
	}

	if err := s.tracking.SoftDeleteScreenshot(ctx, screenshotID, entryID, newDuration, newAmount, newActivity); err != nil {
		return nil, mapRepoError(err)
	}

	if err := s.recalculateWeek(ctx, entry.ContractID, entry.FreelancerID, entry.StartedAt); err != nil {
		s.log.Error().Err(err).Str("entry_id", entryID.String()).Msg("timesheet recalculation failed")
	}

	s.bus.Publish(event.Event{
		Name:       event.ScreenshotDeleted,
		ContractID: entry.ContractID,
		EntityID:   screenshotID,
		ActorID:    principal.UserID,
		Payload:    map[string]interface{}{"time_entry_id": entryID.String()},
	})
	return s.tracking.GetEntry(ctx, entryID)
}

func (s *TimeTrackingService) ListScreenshots(ctx context.Context, entryID uuid.UUID, principal model.Principal) ([]model.Screenshot, error) {
	entry, err := s.tracking.GetEntry(ctx, entryID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if _, err := s.loadHourlyContract(ctx, entry.ContractID, principal); err != nil {
		return nil, err
	}
	return s.tracking.ListScreenshots(ctx, entryID, false)
}

// RejectEntry lets the client strike a logged entry from billing.
func (s *TimeTrackingService) RejectEntry(ctx context.Context, entryID uuid.UUID, reason string, principal model.Principal) (*model.TimeEntry, error) {
	entry, err := s.tracking.GetEntry(ctx, entryID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	contract, err := s.loadHourlyContract(ctx, entry.ContractID, principal)
	if err != nil {
		return nil, err
	}
	if !principal.IsAdmin() && (!principal.IsClient() || contract.ClientID != principal.UserID) {
		return nil, ErrPermissionDenied
	}
	if _, ok := model.NextTimeEntryStatus(entry.Status, model.TimeEntryActionReject); !ok {
		return nil, fmt.Errorf("%w: cannot reject a %s entry", ErrInvalidState, entry.Status)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrInvalidInput)
	}

	trimmed := strings.TrimSpace(reason)
	updated, err := s.tracking.UpdateEntryStatus(ctx, entryID, repository.EntryStatusChange{
		From:           []model.TimeEntryStatus{model.TimeEntryStatusLogged, model.TimeEntryStatusDisputed},
		To:             model.TimeEntryStatusRejected,
		RejectedReason: &trimmed,
	})
	if err != nil {
		return nil, mapRepoError(err)
	}

	if err := s.recalculateWeek(ctx, entry.ContractID, entry.FreelancerID, entry.StartedAt); err != nil {
		s.log.Error().Err(err).Str("entry_id", entryID.String()).Msg("timesheet recalculation failed")
	}
	return updated, nil
}

type OpenClaimInput struct {
	EntryID   uuid.UUID
	Type      model.ClaimType
	Message   string
	Principal model.Principal
}

// OpenClaim raises a client question or challenge against one entry. A
// dispute-type claim parks the entry outside billing until resolved.
func (s *TimeTrackingService) OpenClaim(ctx context.Context, input OpenClaimInput) (*model.TimeEntryClaim, error) {
	entry, err := s.tracking.GetEntry(ctx, input.EntryID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	contract, err := s.loadHourlyContract(ctx, entry.ContractID, input.Principal)
	if err != nil {
		return nil, err
	}
	if !input.Principal.IsClient() || contract.ClientID != input.Principal.UserID {
		return nil, ErrPermissionDenied
	}
	if input.Type != model.ClaimTypeDetailRequest && input.Type != model.ClaimTypeDispute {
		return nil, fmt.Errorf("%w: unknown claim type %q", ErrInvalidInput, input.Type)
	}
	if strings.TrimSpace(input.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	if entry.Status != model.TimeEntryStatusLogged {
		return nil, fmt.Errorf("%w: only logged entries can be claimed", ErrInvalidState)
	}

	claim, err := s.tracking.CreateClaim(ctx, model.TimeEntryClaim{
		TimeEntryID: input.EntryID,
		ClientID:    input.Principal.UserID,
		Type:        input.Type,
		Message:     strings.TrimSpace(input.Message),
	})
	if err != nil {
		return nil, mapRepoError(err)
	}

	if input.Type == model.ClaimTypeDispute {
		if _, err := s.tracking.UpdateEntryStatus(ctx, input.EntryID, repository.EntryStatusChange{
			From: []model.TimeEntryStatus{model.TimeEntryStatusLogged},
			To:   model.TimeEntryStatusDisputed,
		}); err != nil {
			return nil, mapRepoError(err)
		}
	}
	return claim, nil
}

func (s *TimeTrackingService) RespondClaim(ctx context.Context, claimID uuid.UUID, response string, principal model.Principal) (*model.TimeEntryClaim, error) {
	claim, err := s.tracking.GetClaim(ctx, claimID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	entry, err := s.tracking.GetEntry(ctx, claim.TimeEntryID)
	if err != nil {
		return nil, err
	}
	if entry.FreelancerID != principal.UserID {
		return nil, ErrPermissionDenied
	}
	if strings.TrimSpace(response) == "" {
		return nil, fmt.Errorf("%w: response is required", ErrInvalidInput)
	}

	updated, err := s.tracking.RespondClaim(ctx, claimID, strings.TrimSpace(response))
	if err != nil {
		return nil, mapRepoError(err)
	}
	return updated, nil
}

// ResolveClaim closes the claim; accept restores a disputed entry to the
// billable pool, reject strikes it.
func (s *TimeTrackingService) ResolveClaim(ctx context.Context, claimID uuid.UUID, accept bool, principal model.Principal) (*model.TimeEntryClaim, error) {
	claim, err := s.tracking.GetClaim(ctx, claimID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if claim.ClientID != principal.UserID && !principal.IsAdmin() {
		return nil, ErrPermissionDenied
	}

	resolved, err := s.tracking.ResolveClaim(ctx, claimID)
	if err != nil {
		return nil, mapRepoError(err)
	}

	entry, err := s.tracking.GetEntry(ctx, claim.TimeEntryID)
	if err != nil {
		return nil, err
	}
	if entry.Status == model.TimeEntryStatusDisputed {
		to := model.TimeEntryStatusLogged
		change := repository.EntryStatusChange{
			From: []model.TimeEntryStatus{model.TimeEntryStatusDisputed},
			To:   to,
		}
		if !accept {
			reason := "rejected after claim review"
			change.To = model.TimeEntryStatusRejected
			change.RejectedReason = &reason
		}
		if _, err := s.tracking.UpdateEntryStatus(ctx, claim.TimeEntryID, change); err != nil {
			return nil, mapRepoError(err)
		}
		if err := s.recalculateWeek(ctx, entry.ContractID, entry.FreelancerID, entry.StartedAt); err != nil {
			s.log.Error().Err(err).Str("entry_id", entry.ID.String()).Msg("timesheet recalculation failed")
		}
	}
	return resolved, nil
}

func (s *TimeTrackingService) ListClaims(ctx context.Context, entryID uuid.UUID, principal model.Principal) ([]model.TimeEntryClaim, error) {
	entry, err := s.tracking.GetEntry(ctx, entryID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if _, err := s.loadHourlyContract(ctx, entry.ContractID, principal); err != nil {
		return nil, err
	}
	return s.tracking.ListClaims(ctx, entryID)
}

// recalculateWeek re-derives the weekly totals after any entry change.
func (s *TimeTrackingService) recalculateWeek(ctx context.Context, contractID, freelancerID uuid.UUID, anchor time.Time) error {
	contract, err := s.contracts.GetByID(ctx, contractID)
	if err != nil {
		return err
	}
	weekStart, weekEnd := model.WeekBounds(anchor)
	entries, err := s.tracking.ListEntries(ctx, contractID, weekStart, weekEnd)
	if err != nil {
		return err
	}

	rate := decimal.Zero
	if contract.HourlyRate != nil {
		rate = *contract.HourlyRate
	}
	sheet := model.WeeklyTimesheet{
		ContractID:   contractID,
		FreelancerID: freelancerID,
		WeekStart:    weekStart,
		WeekEnd:      weekEnd,
		HourlyRate:   rate,
		Currency:     contract.Currency,
	}
	sheet.Recalculate(entries)

	_, err = s.tracking.UpsertWeek(ctx, sheet)
	return err
}

func (s *TimeTrackingService) GetTimesheet(ctx context.Context, id uuid.UUID, principal model.Principal) (*model.WeeklyTimesheet, error) {
	sheet, err := s.tracking.GetTimesheet(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if _, err := s.loadHourlyContract(ctx, sheet.ContractID, principal); err != nil {
		return nil, err
	}
	return sheet, nil
}

func (s *TimeTrackingService) ListTimesheets(ctx context.Context, contractID uuid.UUID, principal model.Principal) ([]model.WeeklyTimesheet, error) {
	if _, err := s.loadHourlyContract(ctx, contractID, principal); err != nil {
		return nil, err
	}
	return s.tracking.ListTimesheets(ctx, contractID)
}

func (s *TimeTrackingService) ListEntries(ctx context.Context, contractID uuid.UUID, weekStart time.Time, principal model.Principal) ([]model.TimeEntry, error) {
	if _, err := s.loadHourlyContract(ctx, contractID, principal); err != nil {
		return nil, err
	}
	from, to := model.WeekBounds(weekStart)
	return s.tracking.ListEntries(ctx, contractID, from, to)
}

// SubmitTimesheet hands the week over for client review with freshly
// recalculated totals.
func (s *TimeTrackingService) SubmitTimesheet(ctx context.Context, id uuid.UUID, notes *string, principal model.Principal) (*model.WeeklyTimesheet, error) {
	sheet, err := s.GetTimesheet(ctx, id, principal)
	if err != nil {
		return nil, err
	}
	if sheet.FreelancerID != principal.UserID {
		return nil, ErrPermissionDenied
	}
	if !sheet.Status.CanTransitionTo(model.TimesheetStatusSubmitted) {
		return nil, fmt.Errorf("%w: cannot submit a %s timesheet", ErrInvalidState, sheet.Status)
	}

	if err := s.recalculateWeek(ctx, sheet.ContractID, sheet.FreelancerID, sheet.WeekStart); err != nil {
		return nil, err
	}

	updated, err := s.tracking.TransitionTimesheet(ctx, id,
		[]model.TimesheetStatus{model.TimesheetStatusPending, model.TimesheetStatusDisputed},
		model.TimesheetStatusSubmitted, notes)
	if err != nil {
		return nil, mapRepoError(err)
	}
	if updated.BillableMinutes == 0 {
		// Nothing to bill; leave the sheet submitted so the client can
		// still review non-billable work.
		s.log.Debug().Str("timesheet_id", id.String()).Msg("timesheet submitted with zero billable minutes")
	}
	return updated, nil
}

// ApproveTimesheet settles the week: the client is charged the billable
// total plus the processing fee through the reserve/finalize protocol, the
// freelancer share releases net of commission, and every logged entry of the
// week approves with the sheet.
func (s *TimeTrackingService) ApproveTimesheet(ctx context.Context, id uuid.UUID, feedback *string, principal model.Principal) (*model.WeeklyTimesheet, error) {
	sheet, err := s.GetTimesheet(ctx, id, principal)
	if err != nil {
		return nil, err
	}
	contract, err := s.contracts.GetByID(ctx, sheet.ContractID)
	if err != nil {
		return nil, err
	}
	if !principal.IsAdmin() && (!principal.IsClient() || contract.ClientID != principal.UserID) {
		return nil, ErrPermissionDenied
	}
	if sheet.Status != model.TimesheetStatusSubmitted {
		return nil, fmt.Errorf("%w: cannot approve a %s timesheet", ErrInvalidState, sheet.Status)
	}

	if !sheet.TotalAmount.IsPositive() {
		// Nothing billable: approve without touching the ledger.
		updated, err := s.tracking.TransitionTimesheet(ctx, id,
			[]model.TimesheetStatus{model.TimesheetStatusSubmitted},
			model.TimesheetStatusApproved, nil)
		if err != nil {
			return nil, mapRepoError(err)
		}
		return updated, nil
	}

	clientFee := model.ClientFee(sheet.TotalAmount, s.cfg.Settlement.ClientFeePercent)
	reservation, err := s.tracking.ReserveTimesheetSettlement(ctx, repository.ReserveTimesheetParams{
		ContractID:  sheet.ContractID,
		TimesheetID: sheet.ID,
		Amount:      sheet.TotalAmount,
		ClientFee:   clientFee,
		Currency:    sheet.Currency,
	})
	if err != nil {
		return nil, mapRepoError(err)
	}

	result, err := s.gateway.Charge(ctx, gateway.ChargeRequest{
		IdempotencyKey: reservation.FundTxID.String(),
		CustomerID:     contract.ClientID.String(),
		Amount:         sheet.TotalAmount.Add(clientFee),
		Currency:       sheet.Currency,
		Description:    fmt.Sprintf("Weekly timesheet %s", sheet.WeekStart.Format("2006-01-02")),
	})
	if err != nil {
		s.log.Error().Err(err).Str("timesheet_id", id.String()).Msg("gateway charge failed")
		return nil, fmt.Errorf("%w: %v", ErrGatewayFailure, err)
	}

	var reference *string
	if result.Reference != "" {
		reference = &result.Reference
	}
	platformFee := model.PlatformFee(sheet.TotalAmount, contract.PlatformFeePercent)
	net := sheet.TotalAmount.Sub(platformFee)

	finalize := repository.FinalizeTimesheetParams{
		Reservation: *reservation,
		ContractID:  sheet.ContractID,
		TimesheetID: sheet.ID,
		WeekStart:   sheet.WeekStart,
		WeekEnd:     sheet.WeekEnd,
		NetAmount:   net,
		PlatformFee: platformFee,
		Currency:    sheet.Currency,
		ApprovedBy:  principal.UserID,
		Feedback:    feedback,
		Success:     !result.Declined,
		Reference:   reference,
	}
	releaseTxID, err := s.tracking.FinalizeTimesheetSettlement(ctx, finalize)
	if err != nil {
		return nil, mapRepoError(err)
	}
	if result.Declined {
		return nil, fmt.Errorf("%w: charge declined: %s", ErrGatewayFailure, result.Message)
	}

	if releaseTxID != uuid.Nil {
		sendPayout(ctx, s.gateway, s.ledger, s.log, releaseTxID, contract.FreelancerID, net, sheet.Currency,
			fmt.Sprintf("Weekly timesheet %s", sheet.WeekStart.Format("2006-01-02")))
	}

	s.bus.Publish(event.Event{
		Name:       event.TimesheetApproved,
		ContractID: sheet.ContractID,
		EntityID:   sheet.ID,
		ActorID:    principal.UserID,
		Payload:    map[string]interface{}{"amount": sheet.TotalAmount.StringFixed(2)},
	})
	s.log.Info().
		Str("timesheet_id", id.String()).
		Str("amount", sheet.TotalAmount.StringFixed(2)).
		Msg("timesheet approved and settled")

	return s.tracking.GetTimesheet(ctx, id)
}

// DisputeTimesheet sends a submitted week back to the freelancer.
func (s *TimeTrackingService) DisputeTimesheet(ctx context.Context, id uuid.UUID, feedback string, principal model.Principal) (*model.WeeklyTimesheet, error) {
	sheet, err := s.GetTimesheet(ctx, id, principal)
	if err != nil {
		return nil, err
	}
	contract, err := s.contracts.GetByID(ctx, sheet.ContractID)
	if err != nil {
		return nil, err
	}
	if !principal.IsClient() || contract.ClientID != principal.UserID {
		return nil, ErrPermissionDenied
	}
	if strings.TrimSpace(feedback) == "" {
		return nil, fmt.Errorf("%w: feedback is required", ErrInvalidInput)
	}

	trimmed := strings.TrimSpace(feedback)
	updated, err := s.tracking.TransitionTimesheet(ctx, id,
		[]model.TimesheetStatus{model.TimesheetStatusSubmitted},
		model.TimesheetStatusDisputed, &trimmed)
	if err != nil {
		return nil, mapRepoError(err)
	}
	return updated, nil
}

type TimesheetExportResult struct {
	FileName string
	Content  []byte
}

// ExportTimesheet renders the week's entries as a spreadsheet.
func (s *TimeTrackingService) ExportTimesheet(ctx context.Context, id uuid.UUID, principal model.Principal) (*TimesheetExportResult, error) {
	sheet, err := s.GetTimesheet(ctx, id, principal)
	if err != nil {
		return nil, err
	}
	contract, err := s.contracts.GetByID(ctx, sheet.ContractID)
	if err != nil {
		return nil, err
	}
	entries, err := s.tracking.ListEntries(ctx, sheet.ContractID, sheet.WeekStart, sheet.WeekEnd)
	if err != nil {
		return nil, err
	}

	content, err := s.excel.Generate(model.TimesheetDocument{
		Timesheet: *sheet,
		Contract:  *contract,
		Entries:   entries,
	})
	if err != nil {
		return nil, err
	}
	return &TimesheetExportResult{
		FileName: fmt.Sprintf("timesheet_%s.xlsx", sheet.WeekStart.Format("2006-01-02")),
		Content:  content,
	}, nil
}
