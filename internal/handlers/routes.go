package handlers

import "github.com/gin-gonic/gin"

// RegisterWorkflowRoutes 工作流定义、执行与审批路由
func RegisterWorkflowRoutes(api *gin.RouterGroup, h *WorkflowHandler) {
	workflows := api.Group("/workflows")
	{
		workflows.POST("", h.CreateWorkflow)
		workflows.GET("", h.ListWorkflows)
		workflows.GET("/:id", h.GetWorkflow)
		workflows.PUT("/:id", h.UpdateWorkflow)
		workflows.DELETE("/:id", h.DeleteWorkflow)
		workflows.PUT("/:id/active", h.SetWorkflowActive)
		workflows.POST("/:id/trigger", h.TriggerWorkflow)
		workflows.GET("/:id/executions", h.ListExecutions)
	}

	executions := api.Group("/executions")
	{
		executions.GET("/:execution_id", h.GetExecution)
		executions.POST("/:execution_id/cancel", h.CancelExecution)
		executions.POST("/:execution_id/retry", h.RetryExecution)
	}
}

// RegisterLeadRoutes 线索路由
func RegisterLeadRoutes(api *gin.RouterGroup, h *LeadHandler) {
	leads := api.Group("/leads")
	{
		leads.POST("", h.CreateLead)
		leads.GET("", h.ListLeads)
		leads.GET("/:id", h.GetLead)
		leads.PUT("/:id", h.UpdateLead)
		leads.DELETE("/:id", h.DeleteLead)
		leads.POST("/:id/score", h.ScoreLead)
		leads.POST("/balance", h.BalanceWorkload)
	}
}

// RegisterCaseRoutes 案件路由
func RegisterCaseRoutes(api *gin.RouterGroup, h *CaseHandler) {
	cases := api.Group("/cases")
	{
		cases.POST("", h.CreateCase)
		cases.GET("/:id", h.GetCase)
		cases.PUT("/:id", h.UpdateCase)
	}
}

// RegisterApprovalRoutes 审批路由
func RegisterApprovalRoutes(api *gin.RouterGroup, h *ApprovalHandler) {
	approvals := api.Group("/approvals")
	{
		approvals.GET("", h.ListPending)
		approvals.POST("/:id/decide", h.Decide)
	}
}
