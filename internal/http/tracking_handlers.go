package http

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/monkeysworks/settlement/internal/http/middleware"
	"github.com/monkeysworks/settlement/internal/model"
	"github.com/monkeysworks/settlement/internal/service"
)

type startTimerRequest struct {
	ContractID  string  `json:"contract_id" binding:"required"`
	MilestoneID *string `json:"milestone_id"`
	Description *string `json:"description"`
	TaskLabel   *string `json:"task_label"`
}

func (h *Handler) startTimer(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}

	var req startTimerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	contractID, err := uuid.Parse(strings.TrimSpace(req.ContractID))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid contract_id"})
		return
	}
	input := service.StartTimerInput{
		ContractID:  contractID,
		Description: req.Description,
		TaskLabel:   req.TaskLabel,
		Principal:   principal,
	}
	if req.MilestoneID != nil {
		milestoneID, err := uuid.Parse(strings.TrimSpace(*req.MilestoneID))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid milestone_id"})
			return
		}
		input.MilestoneID = &milestoneID
	}

	entry, err := h.tracking.StartTimer(c.Request.Context(), input)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *Handler) stopTimer(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	entry, err := h.tracking.StopTimer(c.Request.Context(), id, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

type manualEntryRequest struct {
	ContractID  string  `json:"contract_id" binding:"required"`
	MilestoneID *string `json:"milestone_id"`
	StartedAt   string  `json:"started_at" binding:"required"`
	EndedAt     string  `json:"ended_at" binding:"required"`
	Description *string `json:"description"`
	TaskLabel   *string `json:"task_label"`
}

func (h *Handler) addManualEntry(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}

	var req manualEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	contractID, err := uuid.Parse(strings.TrimSpace(req.ContractID))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid contract_id"})
		return
	}
	startedAt, err := parseDate(req.StartedAt)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid started_at"})
		return
	}
	endedAt, err := parseDate(req.EndedAt)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ended_at"})
		return
	}

	input := service.ManualEntryInput{
		ContractID:  contractID,
		StartedAt:   startedAt,
		EndedAt:     endedAt,
		Description: req.Description,
		TaskLabel:   req.TaskLabel,
		Principal:   principal,
	}
	if req.MilestoneID != nil {
		milestoneID, err := uuid.Parse(strings.TrimSpace(*req.MilestoneID))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid milestone_id"})
			return
		}
		input.MilestoneID = &milestoneID
	}

	entry, err := h.tracking.AddManualEntry(c.Request.Context(), input)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

type heartbeatRequest struct {
	FileURL    string `json:"file_url" binding:"required"`
	ClickCount int    `json:"click_count"`
	KeyCount   int    `json:"key_count"`
	CapturedAt string `json:"captured_at"`
}

func (h *Handler) heartbeat(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	capturedAt := time.Now().UTC()
	if strings.TrimSpace(req.CapturedAt) != "" {
		parsed, err := parseDate(req.CapturedAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid captured_at"})
			return
		}
		capturedAt = parsed
	}

	screenshot, err := h.tracking.Heartbeat(c.Request.Context(), service.HeartbeatInput{
		EntryID:    id,
		FileURL:    req.FileURL,
		ClickCount: req.ClickCount,
		KeyCount:   req.KeyCount,
		CapturedAt: capturedAt,
		Principal:  principal,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, screenshot)
}

type rejectEntryRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) rejectEntry(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req rejectEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry, err := h.tracking.RejectEntry(c.Request.Context(), id, req.Reason, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *Handler) listScreenshots(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	screenshots, err := h.tracking.ListScreenshots(c.Request.Context(), id, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"screenshots": screenshots})
}

func (h *Handler) deleteScreenshot(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	entryID, ok := parseID(c, "id")
	if !ok {
		return
	}
	screenshotID, ok := parseID(c, "screenshotId")
	if !ok {
		return
	}

	entry, err := h.tracking.DeleteScreenshot(c.Request.Context(), entryID, screenshotID, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

type openClaimRequest struct {
	Type    string `json:"type" binding:"required"`
	Message string `json:"message" binding:"required"`
}

func (h *Handler) openClaim(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req openClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claim, err := h.tracking.OpenClaim(c.Request.Context(), service.OpenClaimInput{
		EntryID:   id,
		Type:      model.ClaimType(strings.ToLower(strings.TrimSpace(req.Type))),
		Message:   req.Message,
		Principal: principal,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, claim)
}

func (h *Handler) listClaims(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	claims, err := h.tracking.ListClaims(c.Request.Context(), id, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claims": claims})
}

type respondClaimRequest struct {
	Response string `json:"response" binding:"required"`
}

func (h *Handler) respondClaim(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req respondClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claim, err := h.tracking.RespondClaim(c.Request.Context(), id, req.Response, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, claim)
}

type resolveClaimRequest struct {
	Accept *bool `json:"accept" binding:"required"`
}

func (h *Handler) resolveClaim(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req resolveClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claim, err := h.tracking.ResolveClaim(c.Request.Context(), id, *req.Accept, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, claim)
}

func (h *Handler) listTimeEntries(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	contractID, ok := parseID(c, "id")
	if !ok {
		return
	}

	weekStart := time.Now().UTC()
	if raw := strings.TrimSpace(c.Query("week_start")); raw != "" {
		parsed, err := parseDate(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid week_start"})
			return
		}
		weekStart = parsed
	}

	entries, err := h.tracking.ListEntries(c.Request.Context(), contractID, weekStart, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *Handler) getTimesheet(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	sheet, err := h.tracking.GetTimesheet(c.Request.Context(), id, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, sheet)
}

func (h *Handler) listTimesheets(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	contractID, ok := parseID(c, "id")
	if !ok {
		return
	}

	sheets, err := h.tracking.ListTimesheets(c.Request.Context(), contractID, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"timesheets": sheets})
}

type submitTimesheetRequest struct {
	Notes *string `json:"notes"`
}

func (h *Handler) submitTimesheet(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req submitTimesheetRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sheet, err := h.tracking.SubmitTimesheet(c.Request.Context(), id, req.Notes, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, sheet)
}

type approveTimesheetRequest struct {
	Feedback *string `json:"feedback"`
}

func (h *Handler) approveTimesheet(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req approveTimesheetRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sheet, err := h.tracking.ApproveTimesheet(c.Request.Context(), id, req.Feedback, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, sheet)
}

type disputeTimesheetRequest struct {
	Feedback string `json:"feedback" binding:"required"`
}

func (h *Handler) disputeTimesheet(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req disputeTimesheetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sheet, err := h.tracking.DisputeTimesheet(c.Request.Context(), id, req.Feedback, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, sheet)
}

func (h *Handler) exportTimesheet(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	result, err := h.tracking.ExportTimesheet(c.Request.Context(), id, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.Header("Content-Disposition", "attachment; filename=\""+result.FileName+"\"")
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", result.Content)
}
