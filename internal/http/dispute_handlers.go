package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/monkeysworks/settlement/internal/http/middleware"
	"github.com/monkeysworks/settlement/internal/model"
	"github.com/monkeysworks/settlement/internal/service"
)

type openDisputeRequest struct {
	ContractID   string   `json:"contract_id" binding:"required"`
	MilestoneID  string   `json:"milestone_id" binding:"required"`
	Reason       string   `json:"reason" binding:"required"`
	Description  string   `json:"description" binding:"required"`
	EvidenceURLs []string `json:"evidence_urls"`
}

func (h *Handler) openDispute(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}

	var req openDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	contractID, err := uuid.Parse(strings.TrimSpace(req.ContractID))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid contract_id"})
		return
	}
	milestoneID, err := uuid.Parse(strings.TrimSpace(req.MilestoneID))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid milestone_id"})
		return
	}

	dispute, err := h.disputes.Open(c.Request.Context(), service.OpenDisputeInput{
		ContractID:   contractID,
		MilestoneID:  milestoneID,
		Reason:       model.DisputeReason(strings.ToLower(strings.TrimSpace(req.Reason))),
		Description:  req.Description,
		EvidenceURLs: req.EvidenceURLs,
		Principal:    principal,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dispute)
}

func (h *Handler) getDispute(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	dispute, err := h.disputes.Get(c.Request.Context(), id, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, dispute)
}

func (h *Handler) listDisputes(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	contractID, ok := parseID(c, "id")
	if !ok {
		return
	}

	disputes, err := h.disputes.ListByContract(c.Request.Context(), contractID, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes})
}

type addDisputeMessageRequest struct {
	Body        string   `json:"body" binding:"required"`
	Attachments []string `json:"attachments"`
	IsInternal  bool     `json:"is_internal"`
}

func (h *Handler) addDisputeMessage(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req addDisputeMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	message, err := h.disputes.AddMessage(c.Request.Context(), service.AddMessageInput{
		DisputeID:   id,
		Body:        req.Body,
		Attachments: req.Attachments,
		IsInternal:  req.IsInternal,
		Principal:   principal,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, message)
}

func (h *Handler) listDisputeMessages(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	messages, err := h.disputes.ListMessages(c.Request.Context(), id, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *Handler) reviewDispute(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := h.disputes.MarkUnderReview(c.Request.Context(), id, principal); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "under_review"})
}

func (h *Handler) escalateDispute(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := h.disputes.Escalate(c.Request.Context(), id, principal); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "escalated"})
}

type resolveDisputeRequest struct {
	ClientAmount     string  `json:"client_amount" binding:"required"`
	FreelancerAmount string  `json:"freelancer_amount" binding:"required"`
	Notes            *string `json:"notes"`
	DecisionID       *string `json:"decision_id"`
}

func (h *Handler) resolveDispute(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req resolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	clientAmount, err := parseAmount(req.ClientAmount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client_amount"})
		return
	}
	freelancerAmount, err := parseAmount(req.FreelancerAmount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid freelancer_amount"})
		return
	}

	dispute, err := h.disputes.Resolve(c.Request.Context(), service.ResolveDisputeInput{
		DisputeID:        id,
		ClientAmount:     clientAmount,
		FreelancerAmount: freelancerAmount,
		Notes:            req.Notes,
		DecisionID:       req.DecisionID,
		Principal:        principal,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, dispute)
}
