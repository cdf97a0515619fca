package services

import (
	"context"
	"fmt"
	"time"

	"crmflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CaseService 案件管理服务
type CaseService struct {
	db       *gorm.DB
	triggers *TriggerService
	sla      *SLATrackerService
	logger   *logrus.Logger
}

func NewCaseService(db *gorm.DB, triggers *TriggerService, sla *SLATrackerService, logger *logrus.Logger) *CaseService {
	if logger == nil {
		logger = logrus.New()
	}

	return &CaseService{
		db:       db,
		triggers: triggers,
		sla:      sla,
		logger:   logger,
	}
}

// CaseCreateRequest 创建案件请求
type CaseCreateRequest struct {
	Title       string     `json:"title" binding:"required"`
	Description string     `json:"description"`
	Category    string     `json:"category"`
	Priority    string     `json:"priority"`
	LeadID      *uint      `json:"lead_id"`
	DueDate     *time.Time `json:"due_date"`
}

// CaseUpdateRequest 更新案件请求
type CaseUpdateRequest struct {
	Title          *string    `json:"title"`
	Description    *string    `json:"description"`
	Category       *string    `json:"category"`
	Status         *string    `json:"status"`
	Priority       *string    `json:"priority"`
	AssignedUserID *uint      `json:"assigned_user_id"`
	DueDate        *time.Time `json:"due_date"`
}

var validCaseStatuses = map[string]bool{
	"OPEN": true, "IN_PROGRESS": true, "WAITING": true,
	"RESOLVED": true, "CLOSED": true, "CANCELLED": true,
}

// CreateCase 创建案件并触发 ON_CREATE 工作流
func (s *CaseService) CreateCase(ctx context.Context, tenantID uint, req *CaseCreateRequest, actor string) (*models.Case, error) {
	if req.Category == "" {
		req.Category = "general"
	}
	if req.Priority == "" {
		req.Priority = "MEDIUM"
	}

	c := &models.Case{
		TenantID:    tenantID,
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		Status:      "OPEN",
		Priority:    req.Priority,
		LeadID:      req.LeadID,
		DueDate:     req.DueDate,
	}
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, fmt.Errorf("failed to create case: %w", err)
	}

	s.logger.Infof("Created case %d for tenant %d", c.ID, tenantID)

	newData, _ := EntityToMap(c)
	s.fireTriggers(ctx, c, ChangeCreate, nil, newData, actor)
	if err := s.sla.HandleStatusChange(ctx, tenantID, models.EntityTypeCase, c.ID, c.Status); err != nil {
		s.logger.Warnf("case: SLA tracking for new case %d failed: %v", c.ID, err)
	}

	return s.GetCaseByID(ctx, tenantID, c.ID)
}

// GetCaseByID 根据ID获取案件
func (s *CaseService) GetCaseByID(ctx context.Context, tenantID, caseID uint) (*models.Case, error) {
	var c models.Case
	err := s.db.WithContext(ctx).
		Preload("AssignedUser").
		Where("tenant_id = ?", tenantID).
		First(&c, caseID).Error
	if err != nil {
		return nil, fmt.Errorf("case not found: %w", err)
	}
	return &c, nil
}

// UpdateCase 更新案件，RESOLVED/CLOSED 额外打时间戳
func (s *CaseService) UpdateCase(ctx context.Context, tenantID, caseID uint, req *CaseUpdateRequest, actor string) (*models.Case, error) {
	oldCase, err := s.GetCaseByID(ctx, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	oldData, _ := EntityToMap(oldCase)

	updates := make(map[string]interface{})
	if req.Title != nil {
		updates["title"] = *req.Title
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.Category != nil {
		updates["category"] = *req.Category
	}
	if req.Priority != nil {
		updates["priority"] = *req.Priority
	}
	if req.AssignedUserID != nil {
		updates["assigned_user_id"] = *req.AssignedUserID
	}
	if req.DueDate != nil {
		updates["due_date"] = *req.DueDate
	}

	statusChanged := false
	if req.Status != nil && *req.Status != oldCase.Status {
		if !validCaseStatuses[*req.Status] {
			return nil, fmt.Errorf("invalid case status %q", *req.Status)
		}
		updates["status"] = *req.Status
		statusChanged = true

		switch *req.Status {
		case "RESOLVED":
			now := time.Now()
			updates["resolved_at"] = &now
		case "CLOSED":
			now := time.Now()
			updates["closed_at"] = &now
		}
	}

	if len(updates) == 0 {
		return oldCase, nil
	}

	if err := s.db.WithContext(ctx).Model(&models.Case{}).
		Where("id = ? AND tenant_id = ?", caseID, tenantID).
		Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update case: %w", err)
	}

	c, err := s.GetCaseByID(ctx, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	newData, _ := EntityToMap(c)

	s.fireTriggers(ctx, c, ChangeUpdate, oldData, newData, actor)

	if statusChanged {
		if err := s.sla.HandleStatusChange(ctx, tenantID, models.EntityTypeCase, c.ID, c.Status); err != nil {
			s.logger.Warnf("case: SLA status handling case %d failed: %v", c.ID, err)
		}
	}

	s.logger.Infof("Updated case %d by %s", caseID, actor)
	return c, nil
}

func (s *CaseService) fireTriggers(ctx context.Context, c *models.Case, changeType string, oldData, newData map[string]interface{}, actor string) {
	executions, err := s.triggers.TriggerWorkflows(ctx, c.TenantID, models.EntityTypeCase, c.ID, changeType, oldData, newData, actor)
	if err != nil {
		s.logger.Warnf("case: workflow triggers for case %d failed: %v", c.ID, err)
		return
	}
	if len(executions) > 0 {
		s.logger.Infof("Case %d %s queued %d workflow executions", c.ID, changeType, len(executions))
	}
}
