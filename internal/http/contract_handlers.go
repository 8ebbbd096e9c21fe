package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/monkeysworks/settlement/internal/http/middleware"
	"github.com/monkeysworks/settlement/internal/model"
	"github.com/monkeysworks/settlement/internal/service"
)

type createContractRequest struct {
	JobID           string  `json:"job_id" binding:"required"`
	ProposalID      string  `json:"proposal_id" binding:"required"`
	ClientID        string  `json:"client_id" binding:"required"`
	FreelancerID    string  `json:"freelancer_id" binding:"required"`
	Title           string  `json:"title" binding:"required"`
	Description     *string `json:"description"`
	ContractType    string  `json:"contract_type" binding:"required"`
	TotalAmount     string  `json:"total_amount"`
	HourlyRate      *string `json:"hourly_rate"`
	WeeklyHourLimit *int    `json:"weekly_hour_limit"`
	Currency        string  `json:"currency"`
}

func (h *Handler) createContract(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}

	var req createContractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobID, err := uuid.Parse(strings.TrimSpace(req.JobID))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job_id"})
		return
	}
	proposalID, err := uuid.Parse(strings.TrimSpace(req.ProposalID))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid proposal_id"})
		return
	}
	clientID, err := uuid.Parse(strings.TrimSpace(req.ClientID))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client_id"})
		return
	}
	freelancerID, err := uuid.Parse(strings.TrimSpace(req.FreelancerID))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid freelancer_id"})
		return
	}

	total := decimal.Zero
	if strings.TrimSpace(req.TotalAmount) != "" {
		total, err = parseAmount(req.TotalAmount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid total_amount"})
			return
		}
	}
	var rate *decimal.Decimal
	if req.HourlyRate != nil {
		parsed, err := parseAmount(*req.HourlyRate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hourly_rate"})
			return
		}
		rate = &parsed
	}

	contract, err := h.contracts.Create(c.Request.Context(), service.CreateContractInput{
		JobID:           jobID,
		ProposalID:      proposalID,
		ClientID:        clientID,
		FreelancerID:    freelancerID,
		Title:           req.Title,
		Description:     req.Description,
		ContractType:    model.ContractType(strings.ToLower(strings.TrimSpace(req.ContractType))),
		TotalAmount:     total,
		HourlyRate:      rate,
		WeeklyHourLimit: req.WeeklyHourLimit,
		Currency:        req.Currency,
		Principal:       principal,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, contract)
}

func (h *Handler) listContracts(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}

	var status *model.ContractStatus
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		parsed := model.ContractStatus(raw)
		status = &parsed
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	contracts, err := h.contracts.List(c.Request.Context(), principal, status, limit, offset)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contracts": contracts})
}

func (h *Handler) getContract(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	contract, err := h.contracts.Get(c.Request.Context(), id, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

func (h *Handler) pauseContract(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	contract, err := h.contracts.Pause(c.Request.Context(), id, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

func (h *Handler) resumeContract(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	contract, err := h.contracts.Resume(c.Request.Context(), id, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

func (h *Handler) completeContract(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	contract, err := h.contracts.Complete(c.Request.Context(), id, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

type cancelContractRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) cancelContract(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req cancelContractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	contract, err := h.contracts.Cancel(c.Request.Context(), id, req.Reason, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

func (h *Handler) contractEscrow(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	summary, transactions, err := h.contracts.EscrowSummary(c.Request.Context(), id, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary, "transactions": transactions})
}
