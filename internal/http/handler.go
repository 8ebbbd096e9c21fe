package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/monkeysworks/settlement/internal/service"
)

type Handler struct {
	contracts  *service.ContractService
	milestones *service.MilestoneService
	disputes   *service.DisputeService
	tracking   *service.TimeTrackingService
	invoices   *service.InvoiceService
	log        zerolog.Logger
}

func NewHandler(
	contracts *service.ContractService,
	milestones *service.MilestoneService,
	disputes *service.DisputeService,
	tracking *service.TimeTrackingService,
	invoices *service.InvoiceService,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		contracts:  contracts,
		milestones: milestones,
		disputes:   disputes,
		tracking:   tracking,
		invoices:   invoices,
		log:        log,
	}
}

func (h *Handler) Register(router *gin.Engine, authMiddleware gin.HandlerFunc) {
	protected := router.Group("/")
	protected.Use(authMiddleware)

	protected.POST("/contracts", h.createContract)
	protected.GET("/contracts", h.listContracts)
	protected.GET("/contracts/:id", h.getContract)
	protected.POST("/contracts/:id/pause", h.pauseContract)
	protected.POST("/contracts/:id/resume", h.resumeContract)
	protected.POST("/contracts/:id/complete", h.completeContract)
	protected.POST("/contracts/:id/cancel", h.cancelContract)
	protected.GET("/contracts/:id/escrow", h.contractEscrow)
	protected.POST("/contracts/:id/milestones", h.createMilestone)
	protected.GET("/contracts/:id/milestones", h.listMilestones)
	protected.GET("/contracts/:id/disputes", h.listDisputes)
	protected.GET("/contracts/:id/invoices", h.listInvoices)
	protected.GET("/contracts/:id/timesheets", h.listTimesheets)
	protected.GET("/contracts/:id/time-entries", h.listTimeEntries)

	protected.PATCH("/milestones/:id", h.updateMilestone)
	protected.POST("/milestones/:id/fund", h.fundMilestone)
	protected.POST("/milestones/:id/start", h.startMilestone)
	protected.POST("/milestones/:id/submit", h.submitMilestone)
	protected.POST("/milestones/:id/accept", h.acceptMilestone)
	protected.POST("/milestones/:id/request-revision", h.requestRevision)
	protected.POST("/milestones/:id/refund", h.refundMilestone)
	protected.POST("/milestones/:id/deliverables", h.addDeliverable)
	protected.GET("/milestones/:id/deliverables", h.listDeliverables)

	protected.POST("/disputes", h.openDispute)
	protected.GET("/disputes/:id", h.getDispute)
	protected.POST("/disputes/:id/messages", h.addDisputeMessage)
	protected.GET("/disputes/:id/messages", h.listDisputeMessages)
	protected.POST("/disputes/:id/review", h.reviewDispute)
	protected.POST("/disputes/:id/escalate", h.escalateDispute)
	protected.POST("/disputes/:id/resolve", h.resolveDispute)

	protected.POST("/time-entries/start", h.startTimer)
	protected.POST("/time-entries", h.addManualEntry)
	protected.POST("/time-entries/:id/stop", h.stopTimer)
	protected.POST("/time-entries/:id/heartbeat", h.heartbeat)
	protected.POST("/time-entries/:id/reject", h.rejectEntry)
	protected.GET("/time-entries/:id/screenshots", h.listScreenshots)
	protected.DELETE("/time-entries/:id/screenshots/:screenshotId", h.deleteScreenshot)
	protected.POST("/time-entries/:id/claims", h.openClaim)
	protected.GET("/time-entries/:id/claims", h.listClaims)
	protected.POST("/claims/:id/respond", h.respondClaim)
	protected.POST("/claims/:id/resolve", h.resolveClaim)

	protected.GET("/timesheets/:id", h.getTimesheet)
	protected.POST("/timesheets/:id/submit", h.submitTimesheet)
	protected.POST("/timesheets/:id/approve", h.approveTimesheet)
	protected.POST("/timesheets/:id/dispute", h.disputeTimesheet)
	protected.GET("/timesheets/:id/export", h.exportTimesheet)

	protected.GET("/invoices/:id", h.getInvoice)
	protected.GET("/invoices/:id/pdf", h.invoicePDF)
	protected.POST("/invoices/:id/send", h.sendInvoice)
	protected.POST("/invoices/:id/pay", h.payInvoice)
	protected.POST("/invoices/:id/cancel", h.cancelInvoice)
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrEscrowLocked):
		c.JSON(http.StatusLocked, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidState):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrGatewayFailure):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(c.Param(param)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + param})
		return uuid.Nil, false
	}
	return id, true
}

func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, service.ErrInvalidInput
	}
	return amount, nil
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, service.ErrInvalidInput
	}
	layouts := []string{
		time.RFC3339,
		"2006-01-02",
		"2006-01-02T15:04:05",
	}
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, service.ErrInvalidInput
}
