package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"crmflow/internal/config"
	"crmflow/internal/metrics"
	"crmflow/internal/models"
	"crmflow/internal/queue"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// SchedulerService 把周期性监控挂到任务队列上：SLA 巡检、升级巡检、
// 评分批处理、定时工作流扫描。扫描本身也是队列任务，多实例部署时
// 由队列的乐观认领保证同一轮只跑一次。
type SchedulerService struct {
	db        *gorm.DB
	queue     queue.Queue
	executor  *WorkflowExecutor
	triggers  *TriggerService
	sla       *SLATrackerService
	scoring   *LeadScoringService
	approvals *ApprovalService
	notifier  *NotificationService
	cfg       config.EngineConfig
	logger    *logrus.Logger
	tracer    trace.Tracer

	mu       sync.Mutex
	lastScan time.Time
}

func NewSchedulerService(db *gorm.DB, q queue.Queue, executor *WorkflowExecutor, triggers *TriggerService, sla *SLATrackerService, scoring *LeadScoringService, approvals *ApprovalService, notifier *NotificationService, cfg config.EngineConfig, logger *logrus.Logger) *SchedulerService {
	if logger == nil {
		logger = logrus.New()
	}
	return &SchedulerService{
		db:        db,
		queue:     q,
		executor:  executor,
		triggers:  triggers,
		sla:       sla,
		scoring:   scoring,
		approvals: approvals,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("crmflow.scheduler"),
		lastScan:  time.Now(),
	}
}

// Register 注册全部任务处理器和重复任务。必须在队列 Start 之前调用。
func (s *SchedulerService) Register() error {
	s.queue.Process(JobStartWorkflow, s.cfg.WorkflowConcurrency, s.handleStartWorkflow)
	s.queue.Process(JobResumeWorkflow, s.cfg.WorkflowConcurrency, s.handleResumeWorkflow)
	s.queue.Process(JobScheduledScan, s.cfg.SchedulerConcurrency, s.handleScheduledScan)
	s.queue.Process(JobSLAScan, s.cfg.SchedulerConcurrency, s.handleSLAScan)
	s.queue.Process(JobEscalationScan, s.cfg.SchedulerConcurrency, s.handleEscalationScan)
	s.queue.Process(JobScoringBatch, s.cfg.SchedulerConcurrency, s.handleScoringBatch)

	repeating := []struct {
		jobType string
		expr    string
	}{
		{JobScheduledScan, "@every 1m"},
		{JobSLAScan, "@every " + s.cfg.SLACheckInterval.String()},
		{JobEscalationScan, "@every " + s.cfg.EscalationInterval.String()},
		{JobScoringBatch, s.cfg.ScoringCron},
	}
	for _, r := range repeating {
		if err := s.queue.EnqueueRepeating(r.jobType, nil, r.expr); err != nil {
			return fmt.Errorf("register repeating job %s: %w", r.jobType, err)
		}
	}
	return nil
}

func (s *SchedulerService) handleStartWorkflow(ctx context.Context, payload []byte) error {
	var job ExecutionJobPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("corrupt start payload: %w", err)
	}
	return s.executor.StartExecution(ctx, job.ExecutionID)
}

func (s *SchedulerService) handleResumeWorkflow(ctx context.Context, payload []byte) error {
	var job ExecutionJobPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("corrupt resume payload: %w", err)
	}
	return s.executor.ResumeExecution(ctx, job.ExecutionID)
}

// handleScheduledScan 扫描 cron 触发的工作流。since 游标在内存里：
// 进程重启后最坏情况是窗口内的点位补发一轮，执行创建是幂等排队。
func (s *SchedulerService) handleScheduledScan(ctx context.Context, _ []byte) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.scheduled_scan")
	defer span.End()

	s.mu.Lock()
	since := s.lastScan
	s.lastScan = time.Now()
	s.mu.Unlock()

	fired, err := s.triggers.ScanScheduledWorkflows(ctx, since)
	if err != nil {
		return err
	}
	if fired > 0 {
		s.logger.Infof("scheduler: fired %d scheduled workflow executions", fired)
	}
	return nil
}

func (s *SchedulerService) handleSLAScan(ctx context.Context, _ []byte) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.sla_scan")
	defer span.End()

	checked, err := s.sla.ScanActiveTrackers(ctx)
	if err != nil {
		return err
	}
	s.logger.Debugf("scheduler: SLA scan checked %d trackers", checked)
	return nil
}

// handleEscalationScan 升级巡检：补发失败过的 SLA 升级、过期审批、
// 跟进超期提醒。每一项单独隔离失败。
func (s *SchedulerService) handleEscalationScan(ctx context.Context, _ []byte) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.escalation_scan")
	defer span.End()

	if err := s.retryPendingEscalations(ctx); err != nil {
		s.logger.Warnf("scheduler: escalation retry pass failed: %v", err)
	}
	if expired, err := s.approvals.ExpireOverdue(ctx); err != nil {
		s.logger.Warnf("scheduler: approval expiry pass failed: %v", err)
	} else if expired > 0 {
		s.logger.Infof("scheduler: expired %d overdue approval requests", expired)
	}
	if err := s.notifyOverdueFollowUps(ctx); err != nil {
		s.logger.Warnf("scheduler: follow-up reminder pass failed: %v", err)
	}
	return nil
}

// retryPendingEscalations 一次性标志位保证重复触发是 no-op，
// 所以这里可以放心重扫所有已违约的 tracker
func (s *SchedulerService) retryPendingEscalations(ctx context.Context) error {
	var trackers []models.SLATracker
	if err := s.db.WithContext(ctx).
		Where("status = ? AND (breach_notification_sent = false OR escalation_triggered = false)", models.SLABreached).
		Find(&trackers).Error; err != nil {
		return err
	}
	for i := range trackers {
		tracker := &trackers[i]
		if !tracker.BreachNotificationSent {
			if err := s.sla.SendBreachNotification(ctx, tracker); err != nil {
				s.logger.Warnf("scheduler: breach notification tracker %d failed: %v", tracker.ID, err)
			}
		}
		if !tracker.EscalationTriggered {
			if err := s.sla.TriggerEscalation(ctx, tracker); err != nil {
				s.logger.Warnf("scheduler: escalation tracker %d failed: %v", tracker.ID, err)
			}
		}
	}
	return nil
}

// notifyOverdueFollowUps 跟进时间已过的线索提醒负责人，
// 提醒发出后清掉跟进时间（提醒被消费）
func (s *SchedulerService) notifyOverdueFollowUps(ctx context.Context) error {
	var leads []models.Lead
	if err := s.db.WithContext(ctx).
		Where("next_follow_up_at IS NOT NULL AND next_follow_up_at <= ? AND status NOT IN ?",
			time.Now(), terminalLeadStatuses).
		Limit(200).
		Find(&leads).Error; err != nil {
		return err
	}

	for i := range leads {
		lead := &leads[i]
		if lead.AssignedUserID == nil {
			continue
		}
		subject := fmt.Sprintf("Follow-up overdue: %s", lead.Title)
		body := fmt.Sprintf("Lead %d (%s) was due for follow-up at %s.",
			lead.ID, lead.Title, lead.NextFollowUpAt.Format(time.RFC3339))
		if err := s.notifier.SendMessage(ctx, *lead.AssignedUserID, subject, body); err != nil {
			s.logger.Warnf("scheduler: follow-up reminder lead %d failed: %v", lead.ID, err)
			continue
		}
		if err := s.db.WithContext(ctx).Model(&models.Lead{}).
			Where("id = ?", lead.ID).
			Update("next_follow_up_at", nil).Error; err != nil {
			s.logger.Warnf("scheduler: clear follow-up lead %d failed: %v", lead.ID, err)
		}
	}
	return nil
}

// handleScoringBatch 每个租户独立跑批，单租户失败不影响其他租户
func (s *SchedulerService) handleScoringBatch(ctx context.Context, _ []byte) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.scoring_batch")
	defer span.End()

	var tenantIDs []uint
	if err := s.db.WithContext(ctx).Model(&models.Lead{}).
		Distinct("tenant_id").
		Pluck("tenant_id", &tenantIDs).Error; err != nil {
		return err
	}

	for _, tenantID := range tenantIDs {
		scored, err := s.scoring.BulkCalculateScores(ctx, tenantID)
		if err != nil {
			s.logger.Warnf("scheduler: scoring batch tenant %d failed: %v", tenantID, err)
			continue
		}
		metrics.IncJob("scoring_batch_done")
		s.logger.Infof("scheduler: scored %d leads for tenant %d", scored, tenantID)
	}
	return nil
}
