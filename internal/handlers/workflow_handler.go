package handlers

import (
	"net/http"

	"crmflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// WorkflowHandler 工作流定义与执行管理处理器
type WorkflowHandler struct {
	workflowService *services.WorkflowService
	triggerService  *services.TriggerService
	executor        *services.WorkflowExecutor
	logger          *logrus.Logger
}

// NewWorkflowHandler 创建工作流处理器
func NewWorkflowHandler(workflowService *services.WorkflowService, triggerService *services.TriggerService, executor *services.WorkflowExecutor, logger *logrus.Logger) *WorkflowHandler {
	return &WorkflowHandler{
		workflowService: workflowService,
		triggerService:  triggerService,
		executor:        executor,
		logger:          logger,
	}
}

// CreateWorkflow 创建工作流
// @Summary 创建工作流
// @Description 创建新的自动化工作流定义，步骤结构在保存时校验
// @Tags 工作流管理
// @Accept json
// @Produce json
// @Param workflow body services.WorkflowCreateRequest true "工作流定义"
// @Success 201 {object} models.Workflow
// @Failure 400 {object} ErrorResponse
// @Router /api/workflows [post]
func (h *WorkflowHandler) CreateWorkflow(c *gin.Context) {
	var req services.WorkflowCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	workflow, err := h.workflowService.CreateWorkflow(c.Request.Context(), tenantFrom(c), &req, actorUserID(c))
	if err != nil {
		h.logger.Errorf("Failed to create workflow: %v", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to create workflow",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, workflow)
}

// GetWorkflow 获取工作流详情
func (h *WorkflowHandler) GetWorkflow(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	workflow, err := h.workflowService.GetWorkflowByID(c.Request.Context(), tenantFrom(c), id)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Workflow not found",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, workflow)
}

// ListWorkflows 工作流列表
func (h *WorkflowHandler) ListWorkflows(c *gin.Context) {
	workflows, err := h.workflowService.ListWorkflows(c.Request.Context(), tenantFrom(c),
		c.Query("entity_type"), c.Query("active") == "true")
	if err != nil {
		h.logger.Errorf("Failed to list workflows: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to list workflows",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": workflows})
}

// UpdateWorkflow 更新工作流
func (h *WorkflowHandler) UpdateWorkflow(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req services.WorkflowUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	workflow, err := h.workflowService.UpdateWorkflow(c.Request.Context(), tenantFrom(c), id, &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to update workflow",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, workflow)
}

// DeleteWorkflow 删除工作流
func (h *WorkflowHandler) DeleteWorkflow(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := h.workflowService.DeleteWorkflow(c.Request.Context(), tenantFrom(c), id); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Failed to delete workflow",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Workflow deleted"})
}

// SetWorkflowActive 启用/停用工作流
func (h *WorkflowHandler) SetWorkflowActive(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req struct {
		Active bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	if err := h.workflowService.SetActive(c.Request.Context(), tenantFrom(c), id, req.Active); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Failed to update workflow",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Workflow updated"})
}

// TriggerWorkflow 手动触发工作流
// @Summary 手动触发工作流
// @Description 对指定实体立即运行一个工作流，返回执行ID
// @Tags 工作流管理
// @Router /api/workflows/{id}/trigger [post]
func (h *WorkflowHandler) TriggerWorkflow(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req struct {
		EntityType string `json:"entity_type" binding:"required"`
		EntityID   uint   `json:"entity_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	executionID, err := h.triggerService.TriggerManualWorkflow(c.Request.Context(), id, req.EntityType, req.EntityID, tenantFrom(c), actorFrom(c))
	if err != nil {
		h.logger.Errorf("Manual trigger of workflow %d failed: %v", id, err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to trigger workflow",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"execution_id": executionID})
}

// ListExecutions 执行记录列表
func (h *WorkflowHandler) ListExecutions(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	executions, err := h.triggerService.ListExecutions(c.Request.Context(), tenantFrom(c), id, c.Query("status"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to list executions",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": executions})
}

// GetExecution 执行详情，含步骤日志
func (h *WorkflowHandler) GetExecution(c *gin.Context) {
	execution, err := h.triggerService.GetExecution(c.Request.Context(), tenantFrom(c), c.Param("execution_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Execution not found",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, execution)
}

// CancelExecution 取消执行
func (h *WorkflowHandler) CancelExecution(c *gin.Context) {
	if err := h.executor.CancelExecution(c.Request.Context(), c.Param("execution_id"), actorFrom(c)); err != nil {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "Failed to cancel execution",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Execution cancelled"})
}

// RetryExecution 重试失败的执行：生成新的执行记录
func (h *WorkflowHandler) RetryExecution(c *gin.Context) {
	newID, err := h.executor.RetryExecution(c.Request.Context(), c.Param("execution_id"), actorFrom(c))
	if err != nil {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "Failed to retry execution",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"execution_id": newID})
}
