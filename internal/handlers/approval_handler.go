package handlers

import (
	"net/http"

	"crmflow/internal/models"
	"crmflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ApprovalHandler 审批处理器：审批人对挂起的执行做决定
type ApprovalHandler struct {
	db        *gorm.DB
	approvals *services.ApprovalService
	logger    *logrus.Logger
}

func NewApprovalHandler(db *gorm.DB, approvals *services.ApprovalService, logger *logrus.Logger) *ApprovalHandler {
	return &ApprovalHandler{
		db:        db,
		approvals: approvals,
		logger:    logger,
	}
}

// ListPending 当前用户待处理的审批请求
func (h *ApprovalHandler) ListPending(c *gin.Context) {
	userID := actorUserID(c)
	if userID == nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Missing user",
			Message: "X-User-ID header is required",
		})
		return
	}

	var requests []models.ApprovalRequest
	if err := h.db.WithContext(c.Request.Context()).
		Preload("Decisions").
		Where("tenant_id = ? AND status = ?", tenantFrom(c), models.ApprovalPending).
		Order("created_at ASC").
		Find(&requests).Error; err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to list approvals",
			Message: err.Error(),
		})
		return
	}

	// 只保留该用户在审批人名单里的请求
	mine := make([]models.ApprovalRequest, 0, len(requests))
	for _, request := range requests {
		if services.ApproverListContains(request.ApproverIDs, *userID) {
			mine = append(mine, request)
		}
	}
	c.JSON(http.StatusOK, gin.H{"data": mine})
}

// Decide 提交审批决定
func (h *ApprovalHandler) Decide(c *gin.Context) {
	userID := actorUserID(c)
	if userID == nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Missing user",
			Message: "X-User-ID header is required",
		})
		return
	}

	var req struct {
		Approved bool   `json:"approved"`
		Comment  string `json:"comment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	request, err := h.approvals.Decide(c.Request.Context(), c.Param("id"), *userID, req.Approved, req.Comment)
	if err != nil {
		h.logger.Warnf("Approval decision on %s by user %d rejected: %v", c.Param("id"), *userID, err)
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "Failed to record decision",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, request)
}
