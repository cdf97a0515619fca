package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crmflow/internal/metrics"
	"crmflow/internal/models"
	"crmflow/internal/queue"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// StepResult 执行日志里的一条记录
type StepResult struct {
	StepID     uint                   `json:"stepId"`
	StepType   string                 `json:"stepType"`
	Status     string                 `json:"status"` // SUCCESS, FAILED, SKIPPED
	Message    string                 `json:"message,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	DurationMS int64                  `json:"durationMs"`
	Timestamp  time.Time              `json:"timestamp"`
}

// FSM triggers for execution status transitions.
const (
	fireStart    = "start"
	fireResume   = "resume"
	firePause    = "pause"
	fireComplete = "complete"
	fireFail     = "fail"
	fireCancel   = "cancel"
)

// errStateChanged 落库时发现状态已被并发修改，先写入的终态生效
var errStateChanged = errors.New("execution status changed concurrently")

// newExecutionFSM 执行状态机：非法迁移直接报错，而不是悄悄落库
func newExecutionFSM(current string) *stateless.StateMachine {
	sm := stateless.NewStateMachine(current)
	sm.Configure(models.ExecutionPending).
		Permit(fireStart, models.ExecutionRunning).
		Permit(fireCancel, models.ExecutionCancelled)
	sm.Configure(models.ExecutionRunning).
		Permit(firePause, models.ExecutionPaused).
		Permit(fireComplete, models.ExecutionCompleted).
		Permit(fireFail, models.ExecutionFailed).
		Permit(fireCancel, models.ExecutionCancelled)
	sm.Configure(models.ExecutionPaused).
		Permit(fireResume, models.ExecutionRunning).
		Permit(fireFail, models.ExecutionFailed).
		Permit(fireCancel, models.ExecutionCancelled)
	return sm
}

// WorkflowExecutor 工作流执行状态机：逐步推进、每步落库、
// WAIT/APPROVAL 暂停恢复、取消与重试。
type WorkflowExecutor struct {
	db     *gorm.DB
	store  EntityStore
	deps   *ActionDeps
	queue  queue.Queue
	events *EventHub
	logger *logrus.Logger
	tracer trace.Tracer
}

func NewWorkflowExecutor(db *gorm.DB, store EntityStore, deps *ActionDeps, q queue.Queue, events *EventHub, logger *logrus.Logger) *WorkflowExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	return &WorkflowExecutor{
		db:     db,
		store:  store,
		deps:   deps,
		queue:  q,
		events: events,
		logger: logger,
		tracer: otel.Tracer("crmflow.executor"),
	}
}

// StartExecution PENDING→RUNNING，然后推进步骤。实体或工作流不存在
// 是数据错误：执行直接置为 FAILED，不走队列重试。
func (x *WorkflowExecutor) StartExecution(ctx context.Context, executionID string) error {
	ctx, span := x.tracer.Start(ctx, "executor.start")
	defer span.End()
	span.SetAttributes(attribute.String("execution.id", executionID))

	execution, err := x.loadExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if err := x.transition(ctx, execution, fireStart, map[string]interface{}{
		"started_at": time.Now(),
	}); err != nil {
		if errors.Is(err, errStateChanged) {
			return nil // 入队后又被取消
		}
		return err
	}
	metrics.IncExecution("started")

	workflow, steps, err := x.loadWorkflow(ctx, execution.WorkflowID)
	if err != nil {
		return x.failExecution(ctx, execution, fmt.Sprintf("workflow %d not found", execution.WorkflowID))
	}

	evalCtx, err := x.buildContext(ctx, execution)
	if err != nil {
		return x.failExecution(ctx, execution, err.Error())
	}

	return x.executeSteps(ctx, execution, workflow, steps, evalCtx)
}

// ResumeExecution 只允许从 PAUSED 恢复。实体数据重新加载（暂停期间
// 可能已变化），$previous 从持久化的触发快照复原。
func (x *WorkflowExecutor) ResumeExecution(ctx context.Context, executionID string) error {
	ctx, span := x.tracer.Start(ctx, "executor.resume")
	defer span.End()
	span.SetAttributes(attribute.String("execution.id", executionID))

	execution, err := x.loadExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if execution.Status != models.ExecutionPaused {
		return fmt.Errorf("execution %s is %s, only PAUSED executions can resume", executionID, execution.Status)
	}

	workflow, steps, err := x.loadWorkflow(ctx, execution.WorkflowID)
	if err != nil {
		return x.failExecution(ctx, execution, fmt.Sprintf("workflow %d not found", execution.WorkflowID))
	}
	evalCtx, err := x.buildContext(ctx, execution)
	if err != nil {
		return x.failExecution(ctx, execution, err.Error())
	}

	if err := x.transition(ctx, execution, fireResume, map[string]interface{}{
		"resume_at": nil,
	}); err != nil {
		if errors.Is(err, errStateChanged) {
			return nil // 暂停期间被取消或失败
		}
		return err
	}
	return x.executeSteps(ctx, execution, workflow, steps, evalCtx)
}

// CancelExecution 任何非终态都可以取消；终态取消是错误，不会悄悄成功。
// 不抢占在途动作：只保证控制权回到执行循环后不再推进。
func (x *WorkflowExecutor) CancelExecution(ctx context.Context, executionID, actor string) error {
	execution, err := x.loadExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if execution.IsTerminal() {
		return fmt.Errorf("execution %s is already %s", executionID, execution.Status)
	}
	if err := x.transition(ctx, execution, fireCancel, map[string]interface{}{
		"completed_at": time.Now(),
	}); err != nil {
		return err
	}
	metrics.IncExecution("cancelled")
	x.audit(ctx, execution, "execution_cancelled", actor, "")
	x.publish(execution)
	return nil
}

// RetryExecution 失败的执行不原地重跑：带着同一份触发快照建一个
// 新的 PENDING 执行重新排队，返回新执行 id。
func (x *WorkflowExecutor) RetryExecution(ctx context.Context, executionID, actor string) (string, error) {
	execution, err := x.loadExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	if execution.Status != models.ExecutionFailed {
		return "", fmt.Errorf("execution %s is %s, only FAILED executions can be retried", executionID, execution.Status)
	}

	retry := &models.WorkflowExecution{
		ID:          uuid.NewString(),
		WorkflowID:  execution.WorkflowID,
		TenantID:    execution.TenantID,
		EntityType:  execution.EntityType,
		EntityID:    execution.EntityID,
		Status:      models.ExecutionPending,
		TriggeredBy: actor,
		TriggerData: execution.TriggerData,
	}
	if err := x.db.WithContext(ctx).Create(retry).Error; err != nil {
		return "", err
	}
	if _, err := x.queue.Enqueue(ctx, JobStartWorkflow, &ExecutionJobPayload{ExecutionID: retry.ID}, nil); err != nil {
		return "", err
	}
	x.audit(ctx, execution, "execution_retried", actor, "retry execution "+retry.ID)
	return retry.ID, nil
}

// FailExecution 外部终止入口（审批拒绝/过期回调用它）
func (x *WorkflowExecutor) FailExecution(ctx context.Context, executionID, reason string) error {
	execution, err := x.loadExecution(ctx, executionID)
	if err != nil {
		return err
	}
	return x.failExecution(ctx, execution, reason)
}

func (x *WorkflowExecutor) executeSteps(ctx context.Context, execution *models.WorkflowExecution, workflow *models.Workflow, steps []models.WorkflowStep, evalCtx *ExecutionContext) error {
	log := parseExecutionLog(execution.ExecutionLog)
	// current_step_id 记录暂停所在的步骤，恢复从它的下一步继续。
	// 暂停在最后一步时下一步越界，循环直接走完成分支。
	start := 0
	if execution.CurrentStepID != nil {
		found := false
		for i, step := range steps {
			if step.ID == *execution.CurrentStepID {
				start = i + 1
				found = true
				break
			}
		}
		if !found {
			return x.failExecutionWithWorkflow(ctx, execution, workflow,
				fmt.Sprintf("resume step %d no longer exists", *execution.CurrentStepID))
		}
	}

	executor := NewActionExecutor(x.deps, evalCtx, execution.TenantID, execution.EntityType, execution.EntityID, execution.ID)

	for i := start; i < len(steps); i++ {
		// 取消不抢占在途动作，但控制权每回到循环都重读状态，
		// 并发落下的终态立即生效
		fresh, err := x.loadExecution(ctx, execution.ID)
		if err != nil {
			return err
		}
		if fresh.Status != models.ExecutionRunning {
			x.logger.Infof("executor: execution %s is %s, stopping step walk", execution.ID, fresh.Status)
			return nil
		}

		step := steps[i]
		stepStart := time.Now()

		if step.StepType == models.StepTypeCondition {
			passed := x.evaluateConditionStep(&step, evalCtx)
			status := models.StepSuccess
			message := "condition passed"
			if !passed {
				// flat step list: a failed condition only skips itself, the
				// walk continues with the next step in order
				status = models.StepSkipped
				message = "condition not met"
			}
			log = append(log, StepResult{
				StepID:     step.ID,
				StepType:   step.StepType,
				Status:     status,
				Message:    message,
				DurationMS: time.Since(stepStart).Milliseconds(),
				Timestamp:  time.Now(),
			})
			if err := x.persistLog(ctx, execution, log); err != nil {
				return err
			}
			continue
		}

		result := executor.Execute(ctx, step.ActionType, step.ActionConfig)
		stepResult := StepResult{
			StepID:     step.ID,
			StepType:   step.StepType,
			Status:     models.StepSuccess,
			Message:    result.Message,
			Data:       result.Data,
			DurationMS: time.Since(stepStart).Milliseconds(),
			Timestamp:  time.Now(),
		}
		if !result.Success {
			stepResult.Status = models.StepFailed
			stepResult.Message = result.Error + ": " + result.Message
		}
		log = append(log, stepResult)
		if err := x.persistLog(ctx, execution, log); err != nil {
			return err
		}

		if result.ShouldPause {
			return x.pauseExecution(ctx, execution, steps, i, result)
		}
		if !result.Success {
			return x.failExecutionWithWorkflow(ctx, execution, workflow, stepResult.Message)
		}
	}

	now := time.Now()
	if err := x.transition(ctx, execution, fireComplete, map[string]interface{}{
		"completed_at":    now,
		"current_step_id": nil,
	}); err != nil {
		if errors.Is(err, errStateChanged) {
			return nil // 最后一步执行期间被取消，终态保留
		}
		return err
	}
	metrics.IncExecution("completed")
	x.audit(ctx, execution, "execution_completed", models.SystemActor, "")
	x.publish(execution)
	return nil
}

// pauseExecution 暂停是纯数据：落库 current_step_id 指向暂停所在步骤，
// WAIT 再排一个延迟 RESUME 任务，APPROVAL 等外部回调。没有任何
// 挂起的协程跨暂停持有资源。
func (x *WorkflowExecutor) pauseExecution(ctx context.Context, execution *models.WorkflowExecution, steps []models.WorkflowStep, currentIndex int, result ActionResult) error {
	updates := map[string]interface{}{
		"current_step_id": steps[currentIndex].ID,
	}
	if result.ResumeAt != nil {
		updates["resume_at"] = *result.ResumeAt
	}
	if err := x.transition(ctx, execution, firePause, updates); err != nil {
		if errors.Is(err, errStateChanged) {
			return nil // 取消赢了这一拍，不再排恢复任务
		}
		return err
	}
	metrics.IncExecution("paused")

	if result.ResumeAt != nil {
		delay := time.Until(*result.ResumeAt)
		if delay < 0 {
			delay = 0
		}
		if _, err := x.queue.Enqueue(ctx, JobResumeWorkflow,
			&ExecutionJobPayload{ExecutionID: execution.ID},
			&queue.Options{Delay: delay}); err != nil {
			return fmt.Errorf("schedule resume for %s: %w", execution.ID, err)
		}
	}
	x.publish(execution)
	return nil
}

func (x *WorkflowExecutor) evaluateConditionStep(step *models.WorkflowStep, evalCtx *ExecutionContext) bool {
	if step.ConditionType == models.ConditionElse {
		return true
	}
	var cond ConditionConfig
	if step.ConditionConfig != "" {
		if err := json.Unmarshal([]byte(step.ConditionConfig), &cond); err != nil {
			x.logger.Warnf("executor: step %d invalid condition config: %v", step.ID, err)
			return false
		}
	}
	return EvaluateCondition(&cond, evalCtx)
}

func (x *WorkflowExecutor) buildContext(ctx context.Context, execution *models.WorkflowExecution) (*ExecutionContext, error) {
	current, err := x.store.LoadEntity(ctx, execution.EntityType, execution.EntityID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("%s %d no longer exists", execution.EntityType, execution.EntityID)
	}

	var data TriggerData
	if execution.TriggerData != "" {
		if err := json.Unmarshal([]byte(execution.TriggerData), &data); err != nil {
			return nil, fmt.Errorf("corrupt trigger data on execution %s: %w", execution.ID, err)
		}
	}

	var userData map[string]interface{}
	if userID := parseUserID(execution.TriggeredBy); userID != 0 {
		var user models.User
		if err := x.db.WithContext(ctx).First(&user, userID).Error; err == nil {
			userData, _ = EntityToMap(user)
		}
	}
	tenantData := map[string]interface{}{"id": execution.TenantID}

	return NewExecutionContext(current, data.OldData, userData, tenantData), nil
}

func (x *WorkflowExecutor) failExecution(ctx context.Context, execution *models.WorkflowExecution, message string) error {
	workflow, _, _ := x.loadWorkflow(ctx, execution.WorkflowID)
	return x.failExecutionWithWorkflow(ctx, execution, workflow, message)
}

func (x *WorkflowExecutor) failExecutionWithWorkflow(ctx context.Context, execution *models.WorkflowExecution, workflow *models.Workflow, message string) error {
	if err := x.transition(ctx, execution, fireFail, map[string]interface{}{
		"error_message": message,
		"completed_at":  time.Now(),
	}); err != nil {
		if errors.Is(err, errStateChanged) {
			return nil // 已有终态，不覆盖也不通知
		}
		return err
	}
	metrics.IncExecution("failed")
	x.audit(ctx, execution, "execution_failed", models.SystemActor, message)
	x.publish(execution)

	// best effort: a broken notification channel must not mask the failure
	if workflow != nil && workflow.CreatedByID != nil {
		subject := fmt.Sprintf("Workflow %q failed", workflow.Name)
		body := fmt.Sprintf("Execution %s failed: %s", execution.ID, message)
		if err := x.deps.Notifier.SendMessage(ctx, *workflow.CreatedByID, subject, body); err != nil {
			x.logger.Warnf("executor: creator notification for %s failed: %v", execution.ID, err)
		}
	}
	return nil
}

// transition 先过状态机，再把新状态和附加字段一起落库。落库带上
// 迁移前状态做条件：没更新到任何行说明状态已被并发修改，返回
// errStateChanged，先写入的一方生效。
func (x *WorkflowExecutor) transition(ctx context.Context, execution *models.WorkflowExecution, trigger string, updates map[string]interface{}) error {
	fsm := newExecutionFSM(execution.Status)
	if err := fsm.Fire(trigger); err != nil {
		return fmt.Errorf("invalid transition %s from %s on execution %s: %w", trigger, execution.Status, execution.ID, err)
	}
	newState, err := fsm.State(ctx)
	if err != nil {
		return err
	}
	status := newState.(string)

	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = status
	res := x.db.WithContext(ctx).Model(&models.WorkflowExecution{}).
		Where("id = ? AND status = ?", execution.ID, execution.Status).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if fresh, loadErr := x.loadExecution(ctx, execution.ID); loadErr == nil {
			execution.Status = fresh.Status
		}
		return fmt.Errorf("execution %s: %w", execution.ID, errStateChanged)
	}
	execution.Status = status
	return nil
}

func (x *WorkflowExecutor) persistLog(ctx context.Context, execution *models.WorkflowExecution, log []StepResult) error {
	raw, err := json.Marshal(log)
	if err != nil {
		return err
	}
	execution.ExecutionLog = string(raw)
	return x.db.WithContext(ctx).Model(&models.WorkflowExecution{}).
		Where("id = ?", execution.ID).
		Update("execution_log", string(raw)).Error
}

func (x *WorkflowExecutor) loadExecution(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	var execution models.WorkflowExecution
	if err := x.db.WithContext(ctx).First(&execution, "id = ?", executionID).Error; err != nil {
		return nil, fmt.Errorf("execution %s not found: %w", executionID, err)
	}
	return &execution, nil
}

func (x *WorkflowExecutor) loadWorkflow(ctx context.Context, workflowID uint) (*models.Workflow, []models.WorkflowStep, error) {
	var workflow models.Workflow
	if err := x.db.WithContext(ctx).First(&workflow, workflowID).Error; err != nil {
		return nil, nil, err
	}
	var steps []models.WorkflowStep
	if err := x.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("step_order ASC").
		Find(&steps).Error; err != nil {
		return nil, nil, err
	}
	return &workflow, steps, nil
}

func (x *WorkflowExecutor) audit(ctx context.Context, execution *models.WorkflowExecution, action, actor, detail string) {
	entry := &models.AuditLog{
		TenantID:   execution.TenantID,
		Action:     action,
		EntityType: "WORKFLOW_EXECUTION",
		EntityID:   execution.ID,
		ActorID:    actor,
		Detail:     detail,
		CreatedAt:  time.Now(),
	}
	if err := x.db.WithContext(ctx).Create(entry).Error; err != nil {
		x.logger.Warnf("executor: audit entry for %s failed: %v", execution.ID, err)
	}
}

func (x *WorkflowExecutor) publish(execution *models.WorkflowExecution) {
	if x.events == nil {
		return
	}
	x.events.Publish(ExecutionEvent{
		ExecutionID: execution.ID,
		WorkflowID:  execution.WorkflowID,
		TenantID:    execution.TenantID,
		Status:      execution.Status,
		Timestamp:   time.Now(),
	})
}

func parseExecutionLog(raw string) []StepResult {
	if raw == "" {
		return nil
	}
	var log []StepResult
	if err := json.Unmarshal([]byte(raw), &log); err != nil {
		return nil
	}
	return log
}
