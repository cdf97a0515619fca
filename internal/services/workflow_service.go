package services

import (
	"context"
	"encoding/json"
	"fmt"

	"crmflow/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// WorkflowService 工作流定义管理：增删改查加结构校验。
// 定义错误在保存时拦截，不让坏配置流到执行期。
type WorkflowService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewWorkflowService(db *gorm.DB, logger *logrus.Logger) *WorkflowService {
	if logger == nil {
		logger = logrus.New()
	}
	return &WorkflowService{db: db, logger: logger}
}

// WorkflowStepRequest 步骤定义
type WorkflowStepRequest struct {
	StepOrder       int    `json:"step_order"`
	StepType        string `json:"step_type" binding:"required"`
	Name            string `json:"name"`
	ConditionType   string `json:"condition_type"`
	ConditionConfig string `json:"condition_config"`
	ActionType      string `json:"action_type"`
	ActionConfig    string `json:"action_config"`
	ParentStepID    *uint  `json:"parent_step_id"`
}

// WorkflowCreateRequest 创建工作流请求
type WorkflowCreateRequest struct {
	Name          string                `json:"name" binding:"required"`
	Description   string                `json:"description"`
	EntityType    string                `json:"entity_type" binding:"required"`
	TriggerType   string                `json:"trigger_type" binding:"required"`
	TriggerConfig string                `json:"trigger_config"`
	Priority      int                   `json:"priority"`
	Active        bool                  `json:"active"`
	Steps         []WorkflowStepRequest `json:"steps"`
}

// WorkflowUpdateRequest 更新工作流请求。Steps 非 nil 时整体替换。
type WorkflowUpdateRequest struct {
	Name          *string               `json:"name"`
	Description   *string               `json:"description"`
	TriggerType   *string               `json:"trigger_type"`
	TriggerConfig *string               `json:"trigger_config"`
	Priority      *int                  `json:"priority"`
	Active        *bool                 `json:"active"`
	Steps         []WorkflowStepRequest `json:"steps"`
}

var validEntityTypes = map[string]bool{
	models.EntityTypeLead: true,
	models.EntityTypeCase: true,
}

var validTriggerTypes = map[string]bool{
	models.TriggerOnCreate:     true,
	models.TriggerOnUpdate:     true,
	models.TriggerOnStatusChange: true,
	models.TriggerScheduled:    true,
	models.TriggerManual:       true,
}

var validActionTypes = map[string]bool{
	models.ActionSendEmail:       true,
	models.ActionAssignUser:      true,
	models.ActionUpdateField:     true,
	models.ActionCreateTask:      true,
	models.ActionWebhook:         true,
	models.ActionWait:            true,
	models.ActionApproval:        true,
	models.ActionUpdateLeadScore: true,
	models.ActionEscalate:        true,
}

var validConditionTypes = map[string]bool{
	models.ConditionIf:     true,
	models.ConditionElseIf: true,
	models.ConditionElse:   true,
	models.ConditionAnd:    true,
	models.ConditionOr:     true,
}

// CreateWorkflow 创建工作流定义
func (s *WorkflowService) CreateWorkflow(ctx context.Context, tenantID uint, req *WorkflowCreateRequest, createdBy *uint) (*models.Workflow, error) {
	if err := s.validateDefinition(req.EntityType, req.TriggerType, req.TriggerConfig, req.Steps); err != nil {
		return nil, err
	}

	workflow := &models.Workflow{
		TenantID:      tenantID,
		Name:          req.Name,
		Description:   req.Description,
		EntityType:    req.EntityType,
		TriggerType:   req.TriggerType,
		TriggerConfig: req.TriggerConfig,
		Priority:      req.Priority,
		Active:        req.Active,
		CreatedByID:   createdBy,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(workflow).Error; err != nil {
			return err
		}
		return s.replaceSteps(tx, workflow.ID, req.Steps)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	s.logger.Infof("Created workflow %d (%s) for tenant %d", workflow.ID, workflow.Name, tenantID)
	return s.GetWorkflowByID(ctx, tenantID, workflow.ID)
}

// GetWorkflowByID 根据ID获取工作流（含步骤，按顺序）
func (s *WorkflowService) GetWorkflowByID(ctx context.Context, tenantID, workflowID uint) (*models.Workflow, error) {
	var workflow models.Workflow
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_order ASC")
		}).
		Where("tenant_id = ?", tenantID).
		First(&workflow, workflowID).Error
	if err != nil {
		return nil, fmt.Errorf("workflow not found: %w", err)
	}
	return &workflow, nil
}

// ListWorkflows 工作流列表
func (s *WorkflowService) ListWorkflows(ctx context.Context, tenantID uint, entityType string, activeOnly bool) ([]models.Workflow, error) {
	query := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if entityType != "" {
		query = query.Where("entity_type = ?", entityType)
	}
	if activeOnly {
		query = query.Where("active = true")
	}
	var workflows []models.Workflow
	if err := query.Order("priority DESC, id ASC").Find(&workflows).Error; err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	return workflows, nil
}

// UpdateWorkflow 更新工作流定义；带步骤时在同一事务里整体替换
func (s *WorkflowService) UpdateWorkflow(ctx context.Context, tenantID, workflowID uint, req *WorkflowUpdateRequest) (*models.Workflow, error) {
	workflow, err := s.GetWorkflowByID(ctx, tenantID, workflowID)
	if err != nil {
		return nil, err
	}

	triggerType := workflow.TriggerType
	if req.TriggerType != nil {
		triggerType = *req.TriggerType
	}
	triggerConfig := workflow.TriggerConfig
	if req.TriggerConfig != nil {
		triggerConfig = *req.TriggerConfig
	}
	steps := req.Steps
	if steps == nil {
		steps = stepsToRequests(workflow.Steps)
	}
	if err := s.validateDefinition(workflow.EntityType, triggerType, triggerConfig, steps); err != nil {
		return nil, err
	}

	updates := make(map[string]interface{})
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.TriggerType != nil {
		updates["trigger_type"] = *req.TriggerType
	}
	if req.TriggerConfig != nil {
		updates["trigger_config"] = *req.TriggerConfig
	}
	if req.Priority != nil {
		updates["priority"] = *req.Priority
	}
	if req.Active != nil {
		updates["active"] = *req.Active
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(updates) > 0 {
			if err := tx.Model(&models.Workflow{}).
				Where("id = ?", workflowID).
				Updates(updates).Error; err != nil {
				return err
			}
		}
		if req.Steps != nil {
			if err := tx.Where("workflow_id = ?", workflowID).
				Delete(&models.WorkflowStep{}).Error; err != nil {
				return err
			}
			return s.replaceSteps(tx, workflowID, req.Steps)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}

	return s.GetWorkflowByID(ctx, tenantID, workflowID)
}

// DeleteWorkflow 删除工作流及其步骤。历史执行记录保留。
func (s *WorkflowService) DeleteWorkflow(ctx context.Context, tenantID, workflowID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("tenant_id = ?", tenantID).Delete(&models.Workflow{}, workflowID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("workflow %d not found", workflowID)
		}
		return tx.Where("workflow_id = ?", workflowID).Delete(&models.WorkflowStep{}).Error
	})
}

// SetActive 启停工作流
func (s *WorkflowService) SetActive(ctx context.Context, tenantID, workflowID uint, active bool) error {
	result := s.db.WithContext(ctx).Model(&models.Workflow{}).
		Where("id = ? AND tenant_id = ?", workflowID, tenantID).
		Update("active", active)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("workflow %d not found", workflowID)
	}
	return nil
}

func (s *WorkflowService) replaceSteps(tx *gorm.DB, workflowID uint, steps []WorkflowStepRequest) error {
	for i, req := range steps {
		order := req.StepOrder
		if order == 0 {
			order = i + 1
		}
		step := &models.WorkflowStep{
			WorkflowID:      workflowID,
			StepOrder:       order,
			StepType:        req.StepType,
			Name:            req.Name,
			ConditionType:   req.ConditionType,
			ConditionConfig: req.ConditionConfig,
			ActionType:      req.ActionType,
			ActionConfig:    req.ActionConfig,
			ParentStepID:    req.ParentStepID,
		}
		if err := tx.Create(step).Error; err != nil {
			return err
		}
	}
	return nil
}

// validateDefinition 结构校验：触发类型、cron 表达式、步骤完整性、
// step_order 唯一
func (s *WorkflowService) validateDefinition(entityType, triggerType, triggerConfig string, steps []WorkflowStepRequest) error {
	if !validEntityTypes[entityType] {
		return fmt.Errorf("invalid entity type %q", entityType)
	}
	if !validTriggerTypes[triggerType] {
		return fmt.Errorf("invalid trigger type %q", triggerType)
	}

	if triggerConfig != "" {
		var cfg TriggerConfig
		if err := json.Unmarshal([]byte(triggerConfig), &cfg); err != nil {
			return fmt.Errorf("invalid trigger config: %w", err)
		}
		if triggerType == models.TriggerScheduled {
			if cfg.CronExpression == "" {
				return fmt.Errorf("SCHEDULED trigger requires a cron expression")
			}
			if _, err := cron.ParseStandard(cfg.CronExpression); err != nil {
				return fmt.Errorf("invalid cron expression %q: %w", cfg.CronExpression, err)
			}
		}
	} else if triggerType == models.TriggerScheduled {
		return fmt.Errorf("SCHEDULED trigger requires a cron expression")
	}

	seenOrders := make(map[int]bool, len(steps))
	for i, step := range steps {
		order := step.StepOrder
		if order == 0 {
			order = i + 1
		}
		if seenOrders[order] {
			return fmt.Errorf("duplicate step order %d", order)
		}
		seenOrders[order] = true

		switch step.StepType {
		case models.StepTypeCondition:
			if !validConditionTypes[step.ConditionType] {
				return fmt.Errorf("step %d: invalid condition type %q", order, step.ConditionType)
			}
			if step.ConditionConfig != "" {
				var cfg ConditionConfig
				if err := json.Unmarshal([]byte(step.ConditionConfig), &cfg); err != nil {
					return fmt.Errorf("step %d: invalid condition config: %w", order, err)
				}
			}
		case models.StepTypeAction:
			if !validActionTypes[step.ActionType] {
				return fmt.Errorf("step %d: invalid action type %q", order, step.ActionType)
			}
			if step.ActionConfig != "" && !json.Valid([]byte(step.ActionConfig)) {
				return fmt.Errorf("step %d: action config is not valid JSON", order)
			}
		default:
			return fmt.Errorf("step %d: invalid step type %q", order, step.StepType)
		}
	}
	return nil
}

func stepsToRequests(steps []models.WorkflowStep) []WorkflowStepRequest {
	out := make([]WorkflowStepRequest, 0, len(steps))
	for _, step := range steps {
		out = append(out, WorkflowStepRequest{
			StepOrder:       step.StepOrder,
			StepType:        step.StepType,
			Name:            step.Name,
			ConditionType:   step.ConditionType,
			ConditionConfig: step.ConditionConfig,
			ActionType:      step.ActionType,
			ActionConfig:    step.ActionConfig,
			ParentStepID:    step.ParentStepID,
		})
	}
	return out
}
