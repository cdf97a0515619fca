package services

import (
	"context"
	"fmt"
	"time"

	"crmflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// LeadService 线索管理服务：所有写路径都会喂给触发器和 SLA 追踪
type LeadService struct {
	db       *gorm.DB
	triggers *TriggerService
	sla      *SLATrackerService
	scoring  *LeadScoringService
	logger   *logrus.Logger
}

// NewLeadService 创建线索服务
func NewLeadService(db *gorm.DB, triggers *TriggerService, sla *SLATrackerService, scoring *LeadScoringService, logger *logrus.Logger) *LeadService {
	if logger == nil {
		logger = logrus.New()
	}

	return &LeadService{
		db:       db,
		triggers: triggers,
		sla:      sla,
		scoring:  scoring,
		logger:   logger,
	}
}

// LeadCreateRequest 创建线索请求
type LeadCreateRequest struct {
	Title        string  `json:"title" binding:"required"`
	Company      string  `json:"company"`
	ContactName  string  `json:"contact_name"`
	ContactEmail string  `json:"contact_email"`
	ContactPhone string  `json:"contact_phone"`
	Industry     string  `json:"industry"`
	Website      string  `json:"website"`
	Source       string  `json:"source"`
	Territory    string  `json:"territory"`
	Priority     string  `json:"priority"`
	Budget       float64 `json:"budget"`
	Notes        string  `json:"notes"`
}

// LeadUpdateRequest 更新线索请求
type LeadUpdateRequest struct {
	Title          *string    `json:"title"`
	Company        *string    `json:"company"`
	ContactName    *string    `json:"contact_name"`
	ContactEmail   *string    `json:"contact_email"`
	ContactPhone   *string    `json:"contact_phone"`
	Industry       *string    `json:"industry"`
	Website        *string    `json:"website"`
	Territory      *string    `json:"territory"`
	Status         *string    `json:"status"`
	Priority       *string    `json:"priority"`
	Budget         *float64   `json:"budget"`
	AssignedUserID *uint      `json:"assigned_user_id"`
	NextFollowUpAt *time.Time `json:"next_follow_up_at"`
	Notes          *string    `json:"notes"`
}

// LeadListRequest 线索列表请求
type LeadListRequest struct {
	Page           int      `form:"page,default=1"`
	PageSize       int      `form:"page_size,default=20"`
	Status         []string `form:"status"`
	Priority       []string `form:"priority"`
	AssignedUserID *uint    `form:"assigned_user_id"`
	Territory      string   `form:"territory"`
	Search         string   `form:"search"`
	SortBy         string   `form:"sort_by,default=created_at"`
	SortOrder      string   `form:"sort_order,default=desc"`
}

var validLeadStatuses = map[string]bool{
	"NEW": true, "CONTACTED": true, "QUALIFIED": true,
	"PROPOSAL": true, "NEGOTIATION": true, "WON": true, "LOST": true,
}

// CreateLead 创建线索并触发 ON_CREATE 工作流
func (s *LeadService) CreateLead(ctx context.Context, tenantID uint, req *LeadCreateRequest, actor string) (*models.Lead, error) {
	if req.Source == "" {
		req.Source = "web"
	}
	if req.Priority == "" {
		req.Priority = "MEDIUM"
	}

	lead := &models.Lead{
		TenantID:     tenantID,
		Title:        req.Title,
		Company:      req.Company,
		ContactName:  req.ContactName,
		ContactEmail: req.ContactEmail,
		ContactPhone: req.ContactPhone,
		Industry:     req.Industry,
		Website:      req.Website,
		Source:       req.Source,
		Territory:    req.Territory,
		Status:       "NEW",
		Priority:     req.Priority,
		Budget:       req.Budget,
		Notes:        req.Notes,
	}
	if err := s.db.WithContext(ctx).Create(lead).Error; err != nil {
		return nil, fmt.Errorf("failed to create lead: %w", err)
	}

	s.logger.Infof("Created lead %d for tenant %d", lead.ID, tenantID)

	newData, _ := EntityToMap(lead)
	s.fireTriggers(ctx, lead, ChangeCreate, nil, newData, actor)
	if err := s.sla.HandleStatusChange(ctx, tenantID, models.EntityTypeLead, lead.ID, lead.Status); err != nil {
		s.logger.Warnf("lead: SLA tracking for new lead %d failed: %v", lead.ID, err)
	}

	return s.GetLeadByID(ctx, tenantID, lead.ID)
}

// GetLeadByID 根据ID获取线索
func (s *LeadService) GetLeadByID(ctx context.Context, tenantID, leadID uint) (*models.Lead, error) {
	var lead models.Lead
	err := s.db.WithContext(ctx).
		Preload("AssignedUser").
		Where("tenant_id = ?", tenantID).
		First(&lead, leadID).Error
	if err != nil {
		return nil, fmt.Errorf("lead not found: %w", err)
	}
	return &lead, nil
}

// UpdateLead 更新线索。状态变化额外走 SLA 追踪，所有变化喂给触发器。
func (s *LeadService) UpdateLead(ctx context.Context, tenantID, leadID uint, req *LeadUpdateRequest, actor string) (*models.Lead, error) {
	oldLead, err := s.GetLeadByID(ctx, tenantID, leadID)
	if err != nil {
		return nil, err
	}
	oldData, _ := EntityToMap(oldLead)

	updates := make(map[string]interface{})
	if req.Title != nil {
		updates["title"] = *req.Title
	}
	if req.Company != nil {
		updates["company"] = *req.Company
	}
	if req.ContactName != nil {
		updates["contact_name"] = *req.ContactName
	}
	if req.ContactEmail != nil {
		updates["contact_email"] = *req.ContactEmail
	}
	if req.ContactPhone != nil {
		updates["contact_phone"] = *req.ContactPhone
	}
	if req.Industry != nil {
		updates["industry"] = *req.Industry
	}
	if req.Website != nil {
		updates["website"] = *req.Website
	}
	if req.Territory != nil {
		updates["territory"] = *req.Territory
	}
	if req.Priority != nil {
		updates["priority"] = *req.Priority
	}
	if req.Budget != nil {
		updates["budget"] = *req.Budget
	}
	if req.AssignedUserID != nil {
		updates["assigned_user_id"] = *req.AssignedUserID
	}
	if req.NextFollowUpAt != nil {
		updates["next_follow_up_at"] = *req.NextFollowUpAt
	}
	if req.Notes != nil {
		updates["notes"] = *req.Notes
	}

	statusChanged := false
	if req.Status != nil && *req.Status != oldLead.Status {
		if !validLeadStatuses[*req.Status] {
			return nil, fmt.Errorf("invalid lead status %q", *req.Status)
		}
		updates["status"] = *req.Status
		statusChanged = true
	}

	if len(updates) == 0 {
		return oldLead, nil
	}

	if err := s.db.WithContext(ctx).Model(&models.Lead{}).
		Where("id = ? AND tenant_id = ?", leadID, tenantID).
		Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update lead: %w", err)
	}

	lead, err := s.GetLeadByID(ctx, tenantID, leadID)
	if err != nil {
		return nil, err
	}
	newData, _ := EntityToMap(lead)

	s.fireTriggers(ctx, lead, ChangeUpdate, oldData, newData, actor)

	if statusChanged {
		if err := s.sla.HandleStatusChange(ctx, tenantID, models.EntityTypeLead, lead.ID, lead.Status); err != nil {
			s.logger.Warnf("lead: SLA status handling lead %d failed: %v", lead.ID, err)
		}
		if _, err := s.scoring.CalculateScore(ctx, lead.ID, tenantID); err != nil {
			s.logger.Warnf("lead: rescore after status change lead %d failed: %v", lead.ID, err)
		}
	}

	s.logger.Infof("Updated lead %d by %s", leadID, actor)
	return lead, nil
}

// ListLeads 获取线索列表
func (s *LeadService) ListLeads(ctx context.Context, tenantID uint, req *LeadListRequest) ([]models.Lead, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Lead{}).
		Preload("AssignedUser").
		Where("tenant_id = ?", tenantID)

	if len(req.Status) > 0 {
		query = query.Where("status IN ?", req.Status)
	}
	if len(req.Priority) > 0 {
		query = query.Where("priority IN ?", req.Priority)
	}
	if req.AssignedUserID != nil {
		query = query.Where("assigned_user_id = ?", *req.AssignedUserID)
	}
	if req.Territory != "" {
		query = query.Where("territory = ?", req.Territory)
	}
	if req.Search != "" {
		searchTerm := "%" + req.Search + "%"
		query = query.Where("title LIKE ? OR company LIKE ? OR contact_name LIKE ?",
			searchTerm, searchTerm, searchTerm)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count leads: %w", err)
	}

	query = query.Order(fmt.Sprintf("%s %s", req.SortBy, req.SortOrder))
	offset := (req.Page - 1) * req.PageSize
	query = query.Offset(offset).Limit(req.PageSize)

	var leads []models.Lead
	if err := query.Find(&leads).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list leads: %w", err)
	}
	return leads, total, nil
}

// DeleteLead 软删除线索，关闭其全部 SLA 追踪
func (s *LeadService) DeleteLead(ctx context.Context, tenantID, leadID uint) error {
	result := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Delete(&models.Lead{}, leadID)
	if result.Error != nil {
		return fmt.Errorf("failed to delete lead: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("lead %d not found", leadID)
	}
	if err := s.sla.CompleteTracking(ctx, models.EntityTypeLead, leadID); err != nil {
		s.logger.Warnf("lead: close SLA trackers for deleted lead %d failed: %v", leadID, err)
	}
	return nil
}

// fireTriggers 触发失败只记日志：业务写入已经成功，不能因为引擎排队
// 失败回滚用户操作
func (s *LeadService) fireTriggers(ctx context.Context, lead *models.Lead, changeType string, oldData, newData map[string]interface{}, actor string) {
	executions, err := s.triggers.TriggerWorkflows(ctx, lead.TenantID, models.EntityTypeLead, lead.ID, changeType, oldData, newData, actor)
	if err != nil {
		s.logger.Warnf("lead: workflow triggers for lead %d failed: %v", lead.ID, err)
		return
	}
	if len(executions) > 0 {
		s.logger.Infof("Lead %d %s queued %d workflow executions", lead.ID, changeType, len(executions))
	}
}
