package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/monkeysworks/settlement/internal/http/middleware"
	"github.com/monkeysworks/settlement/internal/service"
)

type createMilestoneRequest struct {
	Title       string  `json:"title" binding:"required"`
	Description *string `json:"description"`
	Amount      string  `json:"amount" binding:"required"`
	SortOrder   int     `json:"sort_order"`
	DueDate     *string `json:"due_date"`
}

func (h *Handler) createMilestone(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	contractID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req createMilestoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	input := service.CreateMilestoneInput{
		ContractID:  contractID,
		Title:       req.Title,
		Description: req.Description,
		Amount:      amount,
		SortOrder:   req.SortOrder,
		Principal:   principal,
	}
	if req.DueDate != nil {
		due, err := parseDate(*req.DueDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid due_date"})
			return
		}
		input.DueDate = &due
	}

	milestone, err := h.milestones.Create(c.Request.Context(), input)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, milestone)
}

type updateMilestoneRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Amount      *string `json:"amount"`
	SortOrder   *int    `json:"sort_order"`
	DueDate     *string `json:"due_date"`
}

func (h *Handler) updateMilestone(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req updateMilestoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	input := service.UpdateMilestoneInput{
		MilestoneID: id,
		Title:       req.Title,
		Description: req.Description,
		SortOrder:   req.SortOrder,
		Principal:   principal,
	}
	if req.Amount != nil {
		amount, err := parseAmount(*req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		input.Amount = &amount
	}
	if req.DueDate != nil {
		due, err := parseDate(*req.DueDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid due_date"})
			return
		}
		input.DueDate = &due
	}

	milestone, err := h.milestones.Update(c.Request.Context(), input)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, milestone)
}

func (h *Handler) listMilestones(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	contractID, ok := parseID(c, "id")
	if !ok {
		return
	}

	milestones, err := h.milestones.List(c.Request.Context(), contractID, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestones": milestones})
}

func (h *Handler) fundMilestone(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	milestone, err := h.milestones.Fund(c.Request.Context(), id, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, milestone)
}

func (h *Handler) startMilestone(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	milestone, err := h.milestones.Start(c.Request.Context(), id, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, milestone)
}

func (h *Handler) submitMilestone(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	milestone, err := h.milestones.Submit(c.Request.Context(), id, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, milestone)
}

func (h *Handler) acceptMilestone(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	milestone, err := h.milestones.Accept(c.Request.Context(), id, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, milestone)
}

type requestRevisionRequest struct {
	Feedback string `json:"feedback" binding:"required"`
}

func (h *Handler) requestRevision(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req requestRevisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	milestone, err := h.milestones.RequestRevision(c.Request.Context(), id, req.Feedback, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, milestone)
}

func (h *Handler) refundMilestone(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	milestone, err := h.milestones.Refund(c.Request.Context(), id, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, milestone)
}

type addDeliverableRequest struct {
	FileName string  `json:"file_name" binding:"required"`
	FileURL  string  `json:"file_url" binding:"required"`
	FileSize int64   `json:"file_size"`
	MimeType string  `json:"mime_type"`
	Notes    *string `json:"notes"`
}

func (h *Handler) addDeliverable(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req addDeliverableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	deliverable, err := h.milestones.AddDeliverable(c.Request.Context(), service.AddDeliverableInput{
		MilestoneID: id,
		FileName:    req.FileName,
		FileURL:     req.FileURL,
		FileSize:    req.FileSize,
		MimeType:    req.MimeType,
		Notes:       req.Notes,
		Principal:   principal,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, deliverable)
}

func (h *Handler) listDeliverables(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	deliverables, err := h.milestones.ListDeliverables(c.Request.Context(), id, principal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliverables": deliverables})
}
