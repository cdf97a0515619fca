package handlers

import (
	"net/http"

	"crmflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// LeadHandler 线索管理处理器
type LeadHandler struct {
	leadService *services.LeadService
	scoring     *services.LeadScoringService
	assignment  *services.AssignmentService
	logger      *logrus.Logger
}

func NewLeadHandler(leadService *services.LeadService, scoring *services.LeadScoringService, assignment *services.AssignmentService, logger *logrus.Logger) *LeadHandler {
	return &LeadHandler{
		leadService: leadService,
		scoring:     scoring,
		assignment:  assignment,
		logger:      logger,
	}
}

// CreateLead 创建线索
func (h *LeadHandler) CreateLead(c *gin.Context) {
	var req services.LeadCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	lead, err := h.leadService.CreateLead(c.Request.Context(), tenantFrom(c), &req, actorFrom(c))
	if err != nil {
		h.logger.Errorf("Failed to create lead: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to create lead",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, lead)
}

// GetLead 获取线索详情
func (h *LeadHandler) GetLead(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	lead, err := h.leadService.GetLeadByID(c.Request.Context(), tenantFrom(c), id)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Lead not found",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, lead)
}

// ListLeads 线索列表
func (h *LeadHandler) ListLeads(c *gin.Context) {
	var req services.LeadListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid query parameters",
			Message: err.Error(),
		})
		return
	}

	leads, total, err := h.leadService.ListLeads(c.Request.Context(), tenantFrom(c), &req)
	if err != nil {
		h.logger.Errorf("Failed to list leads: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to list leads",
			Message: err.Error(),
		})
		return
	}

	pages := int(total) / req.PageSize
	if int(total)%req.PageSize > 0 {
		pages++
	}
	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     leads,
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		Pages:    pages,
	})
}

// UpdateLead 更新线索
func (h *LeadHandler) UpdateLead(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req services.LeadUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	lead, err := h.leadService.UpdateLead(c.Request.Context(), tenantFrom(c), id, &req, actorFrom(c))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to update lead",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, lead)
}

// DeleteLead 删除线索
func (h *LeadHandler) DeleteLead(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := h.leadService.DeleteLead(c.Request.Context(), tenantFrom(c), id); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Failed to delete lead",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Lead deleted"})
}

// ScoreLead 立即重算单个线索评分
func (h *LeadHandler) ScoreLead(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	result, err := h.scoring.CalculateScore(c.Request.Context(), id, tenantFrom(c))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to score lead",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

// BalanceWorkload 把未分配线索按负载最低策略分出去
func (h *LeadHandler) BalanceWorkload(c *gin.Context) {
	assigned, err := h.assignment.BalanceWorkload(c.Request.Context(), tenantFrom(c))
	if err != nil {
		h.logger.Errorf("Workload balancing failed: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to balance workload",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assigned": assigned})
}
