package services

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"

	"crmflow/internal/metrics"
	"crmflow/internal/models"
	"crmflow/internal/queue"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Entity change types seen by trigger matching.
const (
	ChangeCreate    = "CREATE"
	ChangeUpdate    = "UPDATE"
	ChangeScheduled = "SCHEDULED"
	ChangeManual    = "MANUAL"
)

// Engine job types.
const (
	JobStartWorkflow  = "START_WORKFLOW"
	JobResumeWorkflow = "RESUME_WORKFLOW"
	JobScheduledScan  = "SCHEDULED_WORKFLOW_SCAN"
	JobSLAScan        = "SLA_SCAN"
	JobEscalationScan = "ESCALATION_SCAN"
	JobScoringBatch   = "LEAD_SCORING_BATCH"
)

// ExecutionJobPayload START/RESUME 任务的载荷
type ExecutionJobPayload struct {
	ExecutionID string `json:"executionId"`
}

// TriggerConfig 触发配置，形状取决于触发类型
type TriggerConfig struct {
	WatchFields    []string `json:"watchFields,omitempty"`    // ON_UPDATE
	FromStatus     []string `json:"fromStatus,omitempty"`     // ON_STATUS_CHANGE
	ToStatus       []string `json:"toStatus,omitempty"`       // ON_STATUS_CHANGE
	CronExpression string   `json:"cronExpression,omitempty"` // SCHEDULED
}

// TriggerData 触发时刻的变更快照，随执行持久化
type TriggerData struct {
	ChangeType    string                 `json:"changeType"`
	OldData       map[string]interface{} `json:"oldData,omitempty"`
	NewData       map[string]interface{} `json:"newData,omitempty"`
	ChangedFields []string               `json:"changedFields,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	TriggeredBy   string                 `json:"triggeredBy"`
}

// TriggerService 检测实体变更命中的工作流并排队执行
type TriggerService struct {
	db     *gorm.DB
	queue  queue.Queue
	logger *logrus.Logger
	tracer trace.Tracer
}

func NewTriggerService(db *gorm.DB, q queue.Queue, logger *logrus.Logger) *TriggerService {
	if logger == nil {
		logger = logrus.New()
	}
	return &TriggerService{
		db:     db,
		queue:  q,
		logger: logger,
		tracer: otel.Tracer("crmflow.trigger"),
	}
}

// DetectTriggers 返回命中的工作流，按优先级降序；同优先级按 id 升序，
// 保证确定性。
func (s *TriggerService) DetectTriggers(ctx context.Context, tenantID uint, entityType, changeType string, oldData, newData map[string]interface{}) ([]models.Workflow, error) {
	var workflows []models.Workflow
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ? AND active = true", tenantID, entityType).
		Find(&workflows).Error; err != nil {
		return nil, err
	}

	matched := make([]models.Workflow, 0, len(workflows))
	for _, w := range workflows {
		if s.matchesTrigger(&w, changeType, oldData, newData) {
			matched = append(matched, w)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].ID < matched[j].ID
	})
	return matched, nil
}

func (s *TriggerService) matchesTrigger(w *models.Workflow, changeType string, oldData, newData map[string]interface{}) bool {
	cfg, err := parseTriggerConfig(w.TriggerConfig)
	if err != nil {
		s.logger.Warnf("trigger: workflow %d has invalid trigger config: %v", w.ID, err)
		return false
	}

	switch w.TriggerType {
	case models.TriggerOnCreate:
		return changeType == ChangeCreate
	case models.TriggerOnUpdate:
		if changeType != ChangeUpdate {
			return false
		}
		if len(cfg.WatchFields) == 0 {
			return true
		}
		for _, field := range cfg.WatchFields {
			if !reflect.DeepEqual(valueOf(oldData, field), valueOf(newData, field)) {
				return true
			}
		}
		return false
	case models.TriggerOnStatusChange:
		if changeType != ChangeUpdate {
			return false
		}
		oldStatus := Stringify(valueOf(oldData, "status"))
		newStatus := Stringify(valueOf(newData, "status"))
		if oldStatus == newStatus {
			return false
		}
		if len(cfg.FromStatus) > 0 && !containsString(cfg.FromStatus, oldStatus) {
			return false
		}
		if len(cfg.ToStatus) > 0 && !containsString(cfg.ToStatus, newStatus) {
			return false
		}
		return true
	default:
		// SCHEDULED and MANUAL never match entity-change detection
		return false
	}
}

// TriggerWorkflows 实体变更的统一入口：匹配、建执行、入队。
// 单个工作流入队失败只记日志，不影响其余的。返回执行 id 列表。
func (s *TriggerService) TriggerWorkflows(ctx context.Context, tenantID uint, entityType string, entityID uint, changeType string, oldData, newData map[string]interface{}, actor string) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "trigger.workflows")
	defer span.End()
	span.SetAttributes(
		attribute.String("entity.type", entityType),
		attribute.Int64("entity.id", int64(entityID)),
		attribute.String("change.type", changeType),
	)

	matched, err := s.DetectTriggers(ctx, tenantID, entityType, changeType, oldData, newData)
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, nil
	}

	data := &TriggerData{
		ChangeType:    changeType,
		OldData:       oldData,
		NewData:       newData,
		ChangedFields: changedFields(oldData, newData),
		Timestamp:     time.Now(),
		TriggeredBy:   actor,
	}

	executionIDs := make([]string, 0, len(matched))
	for _, w := range matched {
		id, err := s.queueExecution(ctx, &w, entityType, entityID, data)
		if err != nil {
			s.logger.Warnf("trigger: queue workflow %d for %s %d failed: %v", w.ID, entityType, entityID, err)
			continue
		}
		executionIDs = append(executionIDs, id)
	}
	return executionIDs, nil
}

// TriggerManualWorkflow 手动/外部强制触发一个工作流
func (s *TriggerService) TriggerManualWorkflow(ctx context.Context, workflowID uint, entityType string, entityID, tenantID uint, actor string) (string, error) {
	var workflow models.Workflow
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		First(&workflow, workflowID).Error; err != nil {
		return "", fmt.Errorf("workflow %d not found: %w", workflowID, err)
	}
	if workflow.EntityType != entityType {
		return "", fmt.Errorf("workflow %d targets %s, not %s", workflowID, workflow.EntityType, entityType)
	}

	data := &TriggerData{
		ChangeType:  ChangeManual,
		Timestamp:   time.Now(),
		TriggeredBy: actor,
	}
	return s.queueExecution(ctx, &workflow, entityType, entityID, data)
}

// ScanScheduledWorkflows 调度任务入口：cron 在 (since, now] 内到期的
// SCHEDULED 工作流，对租户内每个活跃实体排队一次执行。
func (s *TriggerService) ScanScheduledWorkflows(ctx context.Context, since time.Time) (int, error) {
	var workflows []models.Workflow
	if err := s.db.WithContext(ctx).
		Where("trigger_type = ? AND active = true", models.TriggerScheduled).
		Find(&workflows).Error; err != nil {
		return 0, err
	}

	now := time.Now()
	queued := 0
	for _, w := range workflows {
		cfg, err := parseTriggerConfig(w.TriggerConfig)
		if err != nil || cfg.CronExpression == "" {
			s.logger.Warnf("trigger: scheduled workflow %d has no usable cron: %v", w.ID, err)
			continue
		}
		schedule, err := cron.ParseStandard(cfg.CronExpression)
		if err != nil {
			s.logger.Warnf("trigger: scheduled workflow %d invalid cron %q: %v", w.ID, cfg.CronExpression, err)
			continue
		}
		fire := schedule.Next(since)
		if fire.After(now) {
			continue
		}

		ids, err := s.entityIDsFor(ctx, &w)
		if err != nil {
			s.logger.Warnf("trigger: list entities for workflow %d failed: %v", w.ID, err)
			continue
		}
		data := &TriggerData{ChangeType: ChangeScheduled, Timestamp: now, TriggeredBy: models.SystemActor}
		for _, entityID := range ids {
			if _, err := s.queueExecution(ctx, &w, w.EntityType, entityID, data); err != nil {
				s.logger.Warnf("trigger: queue scheduled workflow %d entity %d failed: %v", w.ID, entityID, err)
				continue
			}
			queued++
		}
	}
	return queued, nil
}

func (s *TriggerService) entityIDsFor(ctx context.Context, w *models.Workflow) ([]uint, error) {
	var ids []uint
	switch w.EntityType {
	case models.EntityTypeLead:
		err := s.db.WithContext(ctx).Model(&models.Lead{}).
			Where("tenant_id = ? AND status NOT IN ?", w.TenantID, terminalLeadStatuses).
			Pluck("id", &ids).Error
		return ids, err
	case models.EntityTypeCase:
		err := s.db.WithContext(ctx).Model(&models.Case{}).
			Where("tenant_id = ? AND status NOT IN ?", w.TenantID, []string{"CLOSED", "CANCELLED"}).
			Pluck("id", &ids).Error
		return ids, err
	}
	return nil, fmt.Errorf("unknown entity type: %s", w.EntityType)
}

func (s *TriggerService) queueExecution(ctx context.Context, w *models.Workflow, entityType string, entityID uint, data *TriggerData) (string, error) {
	rawData, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	execution := &models.WorkflowExecution{
		ID:          uuid.NewString(),
		WorkflowID:  w.ID,
		TenantID:    w.TenantID,
		EntityType:  entityType,
		EntityID:    entityID,
		Status:      models.ExecutionPending,
		TriggeredBy: data.TriggeredBy,
		TriggerData: string(rawData),
	}
	if err := s.db.WithContext(ctx).Create(execution).Error; err != nil {
		return "", err
	}
	if _, err := s.queue.Enqueue(ctx, JobStartWorkflow, &ExecutionJobPayload{ExecutionID: execution.ID}, nil); err != nil {
		return "", err
	}
	metrics.IncTrigger(w.TriggerType)
	return execution.ID, nil
}

// ListExecutions 某个工作流的执行记录，最新的在前
func (s *TriggerService) ListExecutions(ctx context.Context, tenantID, workflowID uint, status string) ([]models.WorkflowExecution, error) {
	query := s.db.WithContext(ctx).
		Where("tenant_id = ? AND workflow_id = ?", tenantID, workflowID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var executions []models.WorkflowExecution
	if err := query.Order("created_at DESC").Limit(200).Find(&executions).Error; err != nil {
		return nil, err
	}
	return executions, nil
}

// GetExecution 执行详情
func (s *TriggerService) GetExecution(ctx context.Context, tenantID uint, executionID string) (*models.WorkflowExecution, error) {
	var execution models.WorkflowExecution
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		First(&execution, "id = ?", executionID).Error; err != nil {
		return nil, fmt.Errorf("execution %s not found: %w", executionID, err)
	}
	return &execution, nil
}

func parseTriggerConfig(raw string) (*TriggerConfig, error) {
	cfg := &TriggerConfig{}
	if raw == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// changedFields 新旧快照 key 并集上的结构化 diff
func changedFields(oldData, newData map[string]interface{}) []string {
	if oldData == nil && newData == nil {
		return nil
	}
	keys := map[string]bool{}
	for k := range oldData {
		keys[k] = true
	}
	for k := range newData {
		keys[k] = true
	}
	var changed []string
	for k := range keys {
		if !reflect.DeepEqual(valueOf(oldData, k), valueOf(newData, k)) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

func valueOf(m map[string]interface{}, key string) interface{} {
	if m == nil {
		return nil
	}
	return m[key]
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
