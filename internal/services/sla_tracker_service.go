package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crmflow/internal/metrics"
	"crmflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// 实体到达这些状态时结束所有在途 SLA 跟踪
var slaTerminalStatuses = map[string]bool{
	"WON": true, "LOST": true, "CLOSED": true, "CANCELLED": true, "RESOLVED": true,
}

// ManualTriggerFunc 手动触发一个工作流，返回执行 id。由 TriggerService
// 提供，setter 注入以避免服务间的环依赖。
type ManualTriggerFunc func(ctx context.Context, workflowID uint, entityType string, entityID, tenantID uint, actor string) (string, error)

// SLATrackerService 维护实体级 SLA 跟踪：截止时间、状态、违约通知与升级
type SLATrackerService struct {
	db       *gorm.DB
	logger   *logrus.Logger
	tracer   trace.Tracer
	notifier NotificationSender
	trigger  ManualTriggerFunc
}

func NewSLATrackerService(db *gorm.DB, notifier NotificationSender, logger *logrus.Logger) *SLATrackerService {
	if logger == nil {
		logger = logrus.New()
	}
	return &SLATrackerService{
		db:       db,
		logger:   logger,
		tracer:   otel.Tracer("crmflow.sla"),
		notifier: notifier,
	}
}

// SetManualTrigger 注入升级工作流的触发入口
func (s *SLATrackerService) SetManualTrigger(fn ManualTriggerFunc) {
	s.trigger = fn
}

// StartTracking 幂等：同 (policy, entity) 已有未完成的跟踪时直接返回它
func (s *SLATrackerService) StartTracking(ctx context.Context, policy *models.SLAPolicy, entityType string, entityID uint) (*models.SLATracker, error) {
	ctx, span := s.tracer.Start(ctx, "sla.start_tracking")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("sla.policy.id", int64(policy.ID)),
		attribute.Int64("sla.entity.id", int64(entityID)),
	)

	var existing models.SLATracker
	err := s.db.WithContext(ctx).
		Where("policy_id = ? AND entity_type = ? AND entity_id = ? AND status <> ?",
			policy.ID, entityType, entityID, models.SLACompleted).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := time.Now()
	tracker := &models.SLATracker{
		TenantID:   policy.TenantID,
		PolicyID:   policy.ID,
		EntityType: entityType,
		EntityID:   entityID,
		Status:     models.SLAOnTrack,
		StartedAt:  now,
		DueAt:      now.Add(time.Duration(policy.TargetMinutes) * time.Minute),
	}
	if err := s.db.WithContext(ctx).Create(tracker).Error; err != nil {
		return nil, err
	}
	return tracker, nil
}

// CheckCompliance 根据当前时间重算状态；只有发生变化时才落库。
// 剩余时间低于总窗口 20% 进入 AT_RISK。
func (s *SLATrackerService) CheckCompliance(ctx context.Context, tracker *models.SLATracker) (string, error) {
	if tracker.Status == models.SLACompleted {
		return models.SLACompleted, nil
	}

	now := time.Now()
	status := models.SLAOnTrack
	if now.After(tracker.DueAt) {
		status = models.SLABreached
	} else {
		window := tracker.DueAt.Sub(tracker.StartedAt)
		remaining := tracker.DueAt.Sub(now)
		if window > 0 && remaining < window/5 {
			status = models.SLAAtRisk
		}
	}

	if status != tracker.Status {
		if err := s.db.WithContext(ctx).Model(tracker).Update("status", status).Error; err != nil {
			return tracker.Status, err
		}
		tracker.Status = status
		switch status {
		case models.SLAAtRisk:
			metrics.IncSLA("at_risk")
		case models.SLABreached:
			metrics.IncSLA("breached")
		}
	}
	return status, nil
}

// SendBreachNotification 一次性：flag 已置位后再调用是 no-op
func (s *SLATrackerService) SendBreachNotification(ctx context.Context, tracker *models.SLATracker) error {
	if tracker.BreachNotificationSent {
		return nil
	}

	assignee, err := s.entityAssignee(ctx, tracker.EntityType, tracker.EntityID)
	if err != nil {
		return err
	}
	if assignee != 0 {
		subject := fmt.Sprintf("SLA breached on %s #%d", tracker.EntityType, tracker.EntityID)
		body := fmt.Sprintf("The SLA deadline (%s) has passed.", tracker.DueAt.Format(time.RFC3339))
		if err := s.notifier.SendMessage(ctx, assignee, subject, body); err != nil {
			return err
		}
	}

	if err := s.db.WithContext(ctx).Model(tracker).
		Update("breach_notification_sent", true).Error; err != nil {
		return err
	}
	tracker.BreachNotificationSent = true
	return nil
}

// TriggerEscalation 一次性触发策略配置的升级工作流
func (s *SLATrackerService) TriggerEscalation(ctx context.Context, tracker *models.SLATracker) error {
	if tracker.EscalationTriggered {
		return nil
	}

	var policy models.SLAPolicy
	if err := s.db.WithContext(ctx).First(&policy, tracker.PolicyID).Error; err != nil {
		return err
	}
	if policy.EscalationWorkflowID != nil && s.trigger != nil {
		if _, err := s.trigger(ctx, *policy.EscalationWorkflowID, tracker.EntityType, tracker.EntityID, tracker.TenantID, models.SystemActor); err != nil {
			return err
		}
	}

	if err := s.db.WithContext(ctx).Model(tracker).
		Update("escalation_triggered", true).Error; err != nil {
		return err
	}
	tracker.EscalationTriggered = true
	return nil
}

// CompleteTracking 实体到达终态或离开被监控状态时，结束它的所有在途跟踪
func (s *SLATrackerService) CompleteTracking(ctx context.Context, entityType string, entityID uint) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.SLATracker{}).
		Where("entity_type = ? AND entity_id = ? AND status <> ?", entityType, entityID, models.SLACompleted).
		Updates(map[string]interface{}{"status": models.SLACompleted, "completed_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		metrics.IncSLA("completed")
	}
	return nil
}

// HandleStatusChange 实体状态变化入口：终态收尾，否则按策略开启/结束跟踪
func (s *SLATrackerService) HandleStatusChange(ctx context.Context, tenantID uint, entityType string, entityID uint, newStatus string) error {
	if slaTerminalStatuses[newStatus] {
		return s.CompleteTracking(ctx, entityType, entityID)
	}

	var policies []models.SLAPolicy
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ? AND active = true", tenantID, entityType).
		Find(&policies).Error; err != nil {
		return err
	}

	for i := range policies {
		policy := &policies[i]
		if policy.TriggerStatus == newStatus {
			if _, err := s.StartTracking(ctx, policy, entityType, entityID); err != nil {
				s.logger.Warnf("sla: start tracking policy %d entity %d failed: %v", policy.ID, entityID, err)
			}
			continue
		}
		// left the monitored status: close this policy's active tracker
		if err := s.db.WithContext(ctx).Model(&models.SLATracker{}).
			Where("policy_id = ? AND entity_type = ? AND entity_id = ? AND status <> ?",
				policy.ID, entityType, entityID, models.SLACompleted).
			Updates(map[string]interface{}{"status": models.SLACompleted, "completed_at": time.Now()}).Error; err != nil {
			s.logger.Warnf("sla: complete tracker for policy %d entity %d failed: %v", policy.ID, entityID, err)
		}
	}
	return nil
}

// ScanActiveTrackers 周期巡检：重算状态，违约的发通知并触发升级。
// 单条失败只记日志，不中断批次。
func (s *SLATrackerService) ScanActiveTrackers(ctx context.Context) (int, error) {
	var trackers []models.SLATracker
	if err := s.db.WithContext(ctx).
		Where("status <> ?", models.SLACompleted).
		Find(&trackers).Error; err != nil {
		return 0, err
	}

	checked := 0
	for i := range trackers {
		tracker := &trackers[i]
		status, err := s.CheckCompliance(ctx, tracker)
		if err != nil {
			s.logger.Warnf("sla: compliance check tracker %d failed: %v", tracker.ID, err)
			continue
		}
		if status == models.SLABreached {
			if err := s.SendBreachNotification(ctx, tracker); err != nil {
				s.logger.Warnf("sla: breach notification tracker %d failed: %v", tracker.ID, err)
			}
			if err := s.TriggerEscalation(ctx, tracker); err != nil {
				s.logger.Warnf("sla: escalation tracker %d failed: %v", tracker.ID, err)
			}
		}
		checked++
	}
	return checked, nil
}

func (s *SLATrackerService) entityAssignee(ctx context.Context, entityType string, entityID uint) (uint, error) {
	switch entityType {
	case models.EntityTypeLead:
		var lead models.Lead
		if err := s.db.WithContext(ctx).First(&lead, entityID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return 0, nil
			}
			return 0, err
		}
		if lead.AssignedUserID != nil {
			return *lead.AssignedUserID, nil
		}
	case models.EntityTypeCase:
		var c models.Case
		if err := s.db.WithContext(ctx).First(&c, entityID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return 0, nil
			}
			return 0, err
		}
		if c.AssignedUserID != nil {
			return *c.AssignedUserID, nil
		}
	}
	return 0, nil
}
