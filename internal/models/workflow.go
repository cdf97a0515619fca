package models

import (
	"time"

	"gorm.io/gorm"
)

// Entity types automated by the engine.
const (
	EntityTypeLead = "LEAD"
	EntityTypeCase = "CASE"
)

// Workflow trigger types.
const (
	TriggerOnCreate       = "ON_CREATE"
	TriggerOnUpdate       = "ON_UPDATE"
	TriggerOnStatusChange = "ON_STATUS_CHANGE"
	TriggerScheduled      = "SCHEDULED"
	TriggerManual         = "MANUAL"
)

// Step types.
const (
	StepTypeCondition = "CONDITION"
	StepTypeAction    = "ACTION"
)

// Condition types.
const (
	ConditionIf     = "IF"
	ConditionElseIf = "ELSE_IF"
	ConditionElse   = "ELSE"
	ConditionAnd    = "AND"
	ConditionOr     = "OR"
)

// Action types.
const (
	ActionSendEmail       = "SEND_EMAIL"
	ActionAssignUser      = "ASSIGN_USER"
	ActionUpdateField     = "UPDATE_FIELD"
	ActionCreateTask      = "CREATE_TASK"
	ActionWebhook         = "WEBHOOK"
	ActionWait            = "WAIT"
	ActionApproval        = "APPROVAL"
	ActionUpdateLeadScore = "UPDATE_LEAD_SCORE"
	ActionEscalate        = "ESCALATE"
)

// Execution statuses.
const (
	ExecutionPending   = "PENDING"
	ExecutionRunning   = "RUNNING"
	ExecutionPaused    = "PAUSED"
	ExecutionCompleted = "COMPLETED"
	ExecutionFailed    = "FAILED"
	ExecutionCancelled = "CANCELLED"
)

// Step result statuses.
const (
	StepSuccess = "SUCCESS"
	StepFailed  = "FAILED"
	StepSkipped = "SKIPPED"
)

// Assignment strategies.
const (
	StrategyRoundRobin     = "ROUND_ROBIN"
	StrategyLeastLoaded    = "LEAST_LOADED"
	StrategyTerritoryBased = "TERRITORY_BASED"
	StrategySkillBased     = "SKILL_BASED"
	StrategyWeighted       = "WEIGHTED"
)

// SLA tracker statuses.
const (
	SLAOnTrack   = "ON_TRACK"
	SLAAtRisk    = "AT_RISK"
	SLABreached  = "BREACHED"
	SLACompleted = "COMPLETED"
)

// Approval policies and statuses.
const (
	ApprovalAny      = "ANY"
	ApprovalAll      = "ALL"
	ApprovalMajority = "MAJORITY"

	ApprovalPending  = "PENDING"
	ApprovalApproved = "APPROVED"
	ApprovalRejected = "REJECTED"
	ApprovalExpired  = "EXPIRED"
)

// SystemActor 标识由引擎自身触发的变更
const SystemActor = "SYSTEM"

// Workflow 自动化流程定义
type Workflow struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	TenantID      uint           `gorm:"index" json:"tenant_id"`
	Name          string         `gorm:"not null" json:"name"`
	Description   string         `gorm:"type:text" json:"description"`
	EntityType    string         `gorm:"not null;index" json:"entity_type"`  // LEAD, CASE
	TriggerType   string         `gorm:"not null;index" json:"trigger_type"` // ON_CREATE, ON_UPDATE, ON_STATUS_CHANGE, SCHEDULED, MANUAL
	TriggerConfig string         `gorm:"type:text" json:"trigger_config"`    // JSON: watchFields / fromStatus,toStatus / cronExpression
	Priority      int            `gorm:"default:0;index" json:"priority"`    // higher runs first
	Active        bool           `gorm:"default:true;index" json:"active"`
	CreatedByID   *uint          `json:"created_by_id"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`

	Steps []WorkflowStep `gorm:"foreignKey:WorkflowID" json:"steps,omitempty"`
}

// WorkflowStep 流程步骤：条件或动作
type WorkflowStep struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	WorkflowID      uint      `gorm:"index;index:idx_step_order,unique" json:"workflow_id"`
	StepOrder       int       `gorm:"index:idx_step_order,unique" json:"step_order"`
	StepType        string    `gorm:"not null" json:"step_type"` // CONDITION, ACTION
	Name            string    `json:"name"`
	ConditionType   string    `json:"condition_type"`            // IF, ELSE_IF, ELSE, AND, OR
	ConditionConfig string    `gorm:"type:text" json:"condition_config"` // JSON: ConditionConfig
	ActionType      string    `json:"action_type"`
	ActionConfig    string    `gorm:"type:text" json:"action_config"` // JSON, shape depends on ActionType
	ParentStepID    *uint     `gorm:"index" json:"parent_step_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// WorkflowExecution 一次流程对一个实体实例的运行
type WorkflowExecution struct {
	ID            string     `gorm:"primaryKey;size:36" json:"id"`
	WorkflowID    uint       `gorm:"index" json:"workflow_id"`
	TenantID      uint       `gorm:"index" json:"tenant_id"`
	EntityType    string     `gorm:"index" json:"entity_type"`
	EntityID      uint       `gorm:"index" json:"entity_id"`
	Status        string     `gorm:"default:'PENDING';index" json:"status"`
	TriggeredBy   string     `json:"triggered_by"` // user id or SYSTEM
	TriggerData   string     `gorm:"type:text" json:"trigger_data"`   // JSON: TriggerData snapshot
	CurrentStepID *uint      `json:"current_step_id"`                 // resume point
	ExecutionLog  string     `gorm:"type:text" json:"execution_log"`  // JSON: []StepResult
	ErrorMessage  string     `gorm:"type:text" json:"error_message"`
	StartedAt     *time.Time `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	ResumeAt      *time.Time `gorm:"index" json:"resume_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	Workflow Workflow `gorm:"foreignKey:WorkflowID" json:"workflow,omitempty"`
}

// IsTerminal 终态判断
func (e *WorkflowExecution) IsTerminal() bool {
	switch e.Status {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// LeadScore 每个线索一行，重算时覆盖
type LeadScore struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	TenantID     uint      `gorm:"index" json:"tenant_id"`
	LeadID       uint      `gorm:"uniqueIndex" json:"lead_id"`
	Score        int       `json:"score"` // 0-100
	Breakdown    string    `gorm:"type:text" json:"breakdown"` // JSON: rule key -> points
	Priority     string    `json:"priority"`                   // HIGH, MEDIUM, LOW
	CalculatedAt time.Time `json:"calculated_at"`
}

// SLAPolicy SLA策略：实体进入监控状态后的目标时长
type SLAPolicy struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	TenantID      uint           `gorm:"index" json:"tenant_id"`
	Name          string         `gorm:"not null" json:"name"`
	EntityType    string         `gorm:"not null" json:"entity_type"`
	TriggerStatus string         `gorm:"not null" json:"trigger_status"` // status that starts tracking
	TargetMinutes int            `gorm:"not null" json:"target_minutes"`
	EscalationWorkflowID *uint   `json:"escalation_workflow_id"` // optional workflow to run on breach
	Active        bool           `gorm:"default:true" json:"active"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
}

// SLATracker 单个实体的SLA跟踪记录
type SLATracker struct {
	ID                      uint       `gorm:"primaryKey" json:"id"`
	TenantID                uint       `gorm:"index" json:"tenant_id"`
	PolicyID                uint       `gorm:"index" json:"policy_id"`
	EntityType              string     `gorm:"index" json:"entity_type"`
	EntityID                uint       `gorm:"index" json:"entity_id"`
	Status                  string     `gorm:"default:'ON_TRACK';index" json:"status"`
	StartedAt               time.Time  `json:"started_at"`
	DueAt                   time.Time  `gorm:"index" json:"due_at"`
	CompletedAt             *time.Time `json:"completed_at"`
	BreachNotificationSent  bool       `gorm:"default:false" json:"breach_notification_sent"`
	EscalationTriggered     bool       `gorm:"default:false" json:"escalation_triggered"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`

	Policy SLAPolicy `gorm:"foreignKey:PolicyID" json:"policy,omitempty"`
}

// ApprovalRequest 审批请求，挂在暂停的执行上
type ApprovalRequest struct {
	ID           string     `gorm:"primaryKey;size:36" json:"id"`
	TenantID     uint       `gorm:"index" json:"tenant_id"`
	ExecutionID  string     `gorm:"index;size:36" json:"execution_id"`
	Title        string     `json:"title"`
	Description  string     `gorm:"type:text" json:"description"`
	ApproverIDs  string     `gorm:"type:text" json:"approver_ids"` // JSON: []uint
	ApprovalType string     `gorm:"default:'ANY'" json:"approval_type"` // ANY, ALL, MAJORITY
	Status       string     `gorm:"default:'PENDING';index" json:"status"`
	ExpiresAt    *time.Time `json:"expires_at"`
	ResolvedAt   *time.Time `json:"resolved_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`

	Decisions []ApprovalDecision `gorm:"foreignKey:RequestID" json:"decisions,omitempty"`
}

// ApprovalDecision 单个审批人的决定
type ApprovalDecision struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	RequestID string    `gorm:"index;size:36;index:idx_request_user,unique" json:"request_id"`
	UserID    uint      `gorm:"index:idx_request_user,unique" json:"user_id"`
	Approved  bool      `json:"approved"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
}

// Job 队列任务行：at-least-once，worker轮询认领
type Job struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Type        string     `gorm:"index:idx_job_claim" json:"type"` // START_WORKFLOW, RESUME_WORKFLOW, ...
	Payload     string     `gorm:"type:text" json:"payload"`        // JSON
	Status      string     `gorm:"default:'queued';index:idx_job_claim" json:"status"` // queued, running, done, failed
	RunAt       time.Time  `gorm:"index:idx_job_claim" json:"run_at"`
	Attempts    int        `gorm:"default:0" json:"attempts"`
	MaxAttempts int        `gorm:"default:3" json:"max_attempts"`
	LastError   string     `gorm:"type:text" json:"last_error"`
	StartedAt   *time.Time `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
