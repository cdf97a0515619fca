package handlers

import (
	"net/http"

	"crmflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// CaseHandler 案件管理处理器
type CaseHandler struct {
	caseService *services.CaseService
	logger      *logrus.Logger
}

func NewCaseHandler(caseService *services.CaseService, logger *logrus.Logger) *CaseHandler {
	return &CaseHandler{
		caseService: caseService,
		logger:      logger,
	}
}

// CreateCase 创建案件
func (h *CaseHandler) CreateCase(c *gin.Context) {
	var req services.CaseCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	created, err := h.caseService.CreateCase(c.Request.Context(), tenantFrom(c), &req, actorFrom(c))
	if err != nil {
		h.logger.Errorf("Failed to create case: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to create case",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, created)
}

// GetCase 获取案件详情
func (h *CaseHandler) GetCase(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	found, err := h.caseService.GetCaseByID(c.Request.Context(), tenantFrom(c), id)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Case not found",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, found)
}

// UpdateCase 更新案件
func (h *CaseHandler) UpdateCase(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req services.CaseUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	updated, err := h.caseService.UpdateCase(c.Request.Context(), tenantFrom(c), id, &req, actorFrom(c))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to update case",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, updated)
}
