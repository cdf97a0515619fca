package services

import (
	"context"
	"testing"
	"time"

	"crmflow/internal/models"
	"crmflow/internal/queue"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type executorTestEnv struct {
	db       *gorm.DB
	queue    *queue.DBQueue
	notifier *fakeNotifier
	triggers *TriggerService
	executor *WorkflowExecutor
}

// newExecutorTestEnv 队列不启动轮询：任务只落表，直接调执行器推进，
// 断言时检查任务行。
func newExecutorTestEnv(t *testing.T) *executorTestEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.User{}, &models.Lead{}, &models.Case{}, &models.Activity{},
		&models.Workflow{}, &models.WorkflowStep{}, &models.WorkflowExecution{},
		&models.LeadScore{}, &models.TenantSettings{}, &models.ApprovalRequest{},
		&models.ApprovalDecision{}, &models.NotificationRecord{}, &models.AuditLog{},
		&models.Job{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}

	q := queue.NewDBQueue(db, nil, time.Second, time.Second, 3)
	notifier := &fakeNotifier{}
	store := NewGormEntityStore(db)
	deps := &ActionDeps{
		Store:      store,
		Notifier:   notifier,
		Webhooks:   &fakeWebhookSender{response: &WebhookResponse{StatusCode: 200, Attempts: 1}},
		Assignment: NewAssignmentService(db, store, NewMemoryCursorStore(), nil),
		Scoring:    NewLeadScoringService(db, nil),
		Approvals:  NewApprovalService(db, notifier, nil),
		Activities: NewActivityRecorder(db),
		Logger:     logrus.New(),
	}
	return &executorTestEnv{
		db:       db,
		queue:    q,
		notifier: notifier,
		triggers: NewTriggerService(db, q, nil),
		executor: NewWorkflowExecutor(db, store, deps, q, nil, nil),
	}
}

func (env *executorTestEnv) seedLead(t *testing.T) *models.Lead {
	t.Helper()
	lead := &models.Lead{TenantID: 1, Title: "exec lead", Status: "QUALIFIED", Priority: "MEDIUM", Budget: 200000}
	if err := env.db.Create(lead).Error; err != nil {
		t.Fatalf("seed lead: %v", err)
	}
	return lead
}

func (env *executorTestEnv) seedWorkflowWithSteps(t *testing.T, steps []models.WorkflowStep) *models.Workflow {
	t.Helper()
	w := &models.Workflow{
		TenantID:    1,
		Name:        "exec workflow",
		EntityType:  models.EntityTypeLead,
		TriggerType: models.TriggerManual,
		Active:      true,
	}
	if err := env.db.Create(w).Error; err != nil {
		t.Fatalf("seed workflow: %v", err)
	}
	for i := range steps {
		steps[i].WorkflowID = w.ID
		if steps[i].StepOrder == 0 {
			steps[i].StepOrder = i + 1
		}
		if err := env.db.Create(&steps[i]).Error; err != nil {
			t.Fatalf("seed step: %v", err)
		}
	}
	return w
}

func (env *executorTestEnv) newExecution(t *testing.T, workflowID uint, entityID uint) *models.WorkflowExecution {
	t.Helper()
	id, err := env.triggers.TriggerManualWorkflow(context.Background(), workflowID, models.EntityTypeLead, entityID, 1, models.SystemActor)
	if err != nil {
		t.Fatalf("TriggerManualWorkflow: %v", err)
	}
	var execution models.WorkflowExecution
	if err := env.db.First(&execution, "id = ?", id).Error; err != nil {
		t.Fatalf("load execution: %v", err)
	}
	return &execution
}

func (env *executorTestEnv) reload(t *testing.T, id string) *models.WorkflowExecution {
	t.Helper()
	var execution models.WorkflowExecution
	if err := env.db.First(&execution, "id = ?", id).Error; err != nil {
		t.Fatalf("reload execution: %v", err)
	}
	return &execution
}

func TestStartExecution_CompletesWithLog(t *testing.T) {
	env := newExecutorTestEnv(t)
	lead := env.seedLead(t)
	w := env.seedWorkflowWithSteps(t, []models.WorkflowStep{
		{StepType: models.StepTypeCondition, ConditionType: models.ConditionIf,
			ConditionConfig: `{"field":"status","operator":"EQUALS","value":"QUALIFIED"}`},
		{StepType: models.StepTypeAction, ActionType: models.ActionUpdateField,
			ActionConfig: `{"field":"notes","value":"touched by {{$tenant.id}}"}`},
	})
	execution := env.newExecution(t, w.ID, lead.ID)

	if err := env.executor.StartExecution(context.Background(), execution.ID); err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	got := env.reload(t, execution.ID)
	if got.Status != models.ExecutionCompleted {
		t.Fatalf("status = %s, want COMPLETED (error: %s)", got.Status, got.ErrorMessage)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatal("started_at/completed_at not set")
	}

	log := parseExecutionLog(got.ExecutionLog)
	if len(log) != 2 {
		t.Fatalf("log entries = %d, want 2", len(log))
	}
	if log[0].Status != models.StepSuccess || log[1].Status != models.StepSuccess {
		t.Fatalf("log statuses = [%s %s], want both SUCCESS", log[0].Status, log[1].Status)
	}

	var reloaded models.Lead
	env.db.First(&reloaded, lead.ID)
	if reloaded.Notes != "touched by 1" {
		t.Fatalf("notes = %q, want action side effect", reloaded.Notes)
	}

	// 完成要有审计记录
	var audits int64
	env.db.Model(&models.AuditLog{}).Where("action = ?", "execution_completed").Count(&audits)
	if audits != 1 {
		t.Fatalf("completion audits = %d, want 1", audits)
	}
}

func TestStartExecution_ConditionSkipContinues(t *testing.T) {
	env := newExecutorTestEnv(t)
	lead := env.seedLead(t)
	w := env.seedWorkflowWithSteps(t, []models.WorkflowStep{
		{StepType: models.StepTypeCondition, ConditionType: models.ConditionIf,
			ConditionConfig: `{"field":"status","operator":"EQUALS","value":"LOST"}`},
		{StepType: models.StepTypeAction, ActionType: models.ActionUpdateField,
			ActionConfig: `{"field":"notes","value":"still ran"}`},
	})
	execution := env.newExecution(t, w.ID, lead.ID)

	if err := env.executor.StartExecution(context.Background(), execution.ID); err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	got := env.reload(t, execution.ID)
	if got.Status != models.ExecutionCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}
	log := parseExecutionLog(got.ExecutionLog)
	if len(log) != 2 || log[0].Status != models.StepSkipped {
		t.Fatalf("log = %+v, want first entry SKIPPED", log)
	}
	// 条件没命中只跳过自己，后面的步骤照常执行
	var reloaded models.Lead
	env.db.First(&reloaded, lead.ID)
	if reloaded.Notes != "still ran" {
		t.Fatalf("notes = %q, action after skipped condition should run", reloaded.Notes)
	}
}

func TestStartExecution_ActionFailureFailsExecution(t *testing.T) {
	env := newExecutorTestEnv(t)
	lead := env.seedLead(t)
	creator := seedUser(t, env.db, 1, "author", "manager")
	w := env.seedWorkflowWithSteps(t, []models.WorkflowStep{
		{StepType: models.StepTypeAction, ActionType: models.ActionAssignUser,
			ActionConfig: `{"userId":"{{missing}}"}`}, // 解析不出受派人
	})
	env.db.Model(w).Update("created_by_id", creator.ID)
	execution := env.newExecution(t, w.ID, lead.ID)

	// 领域失败不向队列抛错：返回 nil，状态落 FAILED
	if err := env.executor.StartExecution(context.Background(), execution.ID); err != nil {
		t.Fatalf("StartExecution should absorb domain failure, got %v", err)
	}

	got := env.reload(t, execution.ID)
	if got.Status != models.ExecutionFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Fatal("error message empty")
	}
	// 创建者收到失败通知
	if len(env.notifier.messages) != 1 {
		t.Fatalf("creator notifications = %d, want 1", len(env.notifier.messages))
	}
}

func TestStartExecution_EntityGone(t *testing.T) {
	env := newExecutorTestEnv(t)
	lead := env.seedLead(t)
	w := env.seedWorkflowWithSteps(t, []models.WorkflowStep{
		{StepType: models.StepTypeAction, ActionType: models.ActionUpdateLeadScore},
	})
	execution := env.newExecution(t, w.ID, lead.ID)
	env.db.Unscoped().Delete(&models.Lead{}, lead.ID)

	if err := env.executor.StartExecution(context.Background(), execution.ID); err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	got := env.reload(t, execution.ID)
	if got.Status != models.ExecutionFailed {
		t.Fatalf("status = %s, want FAILED when entity is gone", got.Status)
	}
}

func TestWaitPausesAndResumeCompletes(t *testing.T) {
	env := newExecutorTestEnv(t)
	lead := env.seedLead(t)
	w := env.seedWorkflowWithSteps(t, []models.WorkflowStep{
		{StepType: models.StepTypeAction, ActionType: models.ActionWait,
			ActionConfig: `{"duration":10}`},
		{StepType: models.StepTypeAction, ActionType: models.ActionUpdateField,
			ActionConfig: `{"field":"notes","value":"after wait"}`},
	})
	execution := env.newExecution(t, w.ID, lead.ID)

	if err := env.executor.StartExecution(context.Background(), execution.ID); err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	got := env.reload(t, execution.ID)
	if got.Status != models.ExecutionPaused {
		t.Fatalf("status = %s, want PAUSED", got.Status)
	}
	if got.ResumeAt == nil {
		t.Fatal("resume_at not set")
	}
	if until := time.Until(*got.ResumeAt); until < 9*time.Minute || until > 11*time.Minute {
		t.Fatalf("resume_at %v, want about 10 minutes out", got.ResumeAt)
	}
	// current_step_id 记录暂停所在的 WAIT 步骤
	var steps []models.WorkflowStep
	env.db.Where("workflow_id = ?", w.ID).Order("step_order ASC").Find(&steps)
	if got.CurrentStepID == nil || *got.CurrentStepID != steps[0].ID {
		t.Fatalf("current_step_id = %v, want %d", got.CurrentStepID, steps[0].ID)
	}

	// 延迟 RESUME 任务已排队
	var job models.Job
	if err := env.db.Where("type = ?", JobResumeWorkflow).First(&job).Error; err != nil {
		t.Fatalf("resume job not enqueued: %v", err)
	}
	if time.Until(job.RunAt) < 9*time.Minute {
		t.Fatalf("resume job run_at %v, want delayed", job.RunAt)
	}

	// 恢复后从断点继续，不重跑 WAIT
	if err := env.executor.ResumeExecution(context.Background(), execution.ID); err != nil {
		t.Fatalf("ResumeExecution: %v", err)
	}
	got = env.reload(t, execution.ID)
	if got.Status != models.ExecutionCompleted {
		t.Fatalf("status = %s, want COMPLETED after resume", got.Status)
	}
	if got.ResumeAt != nil {
		t.Fatal("resume_at not cleared")
	}
	var reloaded models.Lead
	env.db.First(&reloaded, lead.ID)
	if reloaded.Notes != "after wait" {
		t.Fatalf("notes = %q, step after wait should have run", reloaded.Notes)
	}
	log := parseExecutionLog(got.ExecutionLog)
	if len(log) != 2 {
		t.Fatalf("log entries = %d, want 2 (wait not re-run)", len(log))
	}
}

func TestWaitOnFinalStepResumeCompletes(t *testing.T) {
	env := newExecutorTestEnv(t)
	lead := env.seedLead(t)
	w := env.seedWorkflowWithSteps(t, []models.WorkflowStep{
		{StepType: models.StepTypeAction, ActionType: models.ActionSendEmail,
			ActionConfig: `{"to":"rep@acme.test","subject":"ping","body":"hi"}`},
		{StepType: models.StepTypeAction, ActionType: models.ActionWait,
			ActionConfig: `{"duration":1}`},
	})
	execution := env.newExecution(t, w.ID, lead.ID)

	if err := env.executor.StartExecution(context.Background(), execution.ID); err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	got := env.reload(t, execution.ID)
	if got.Status != models.ExecutionPaused {
		t.Fatalf("status = %s, want PAUSED on final-step wait", got.Status)
	}
	var steps []models.WorkflowStep
	env.db.Where("workflow_id = ?", w.ID).Order("step_order ASC").Find(&steps)
	if got.CurrentStepID == nil || *got.CurrentStepID != steps[1].ID {
		t.Fatalf("current_step_id = %v, want final step %d", got.CurrentStepID, steps[1].ID)
	}

	// 断点在最后一步之后：恢复直接完成，前面的动作不重跑
	if err := env.executor.ResumeExecution(context.Background(), execution.ID); err != nil {
		t.Fatalf("ResumeExecution: %v", err)
	}
	got = env.reload(t, execution.ID)
	if got.Status != models.ExecutionCompleted {
		t.Fatalf("status after resume = %s, want COMPLETED", got.Status)
	}
	if len(env.notifier.emails) != 1 {
		t.Fatalf("emails = %d, want 1 (email re-fired on resume)", len(env.notifier.emails))
	}
	log := parseExecutionLog(got.ExecutionLog)
	if len(log) != 2 {
		t.Fatalf("log entries = %d, want 2", len(log))
	}
}

// 在 Send 回调里取消本执行，模拟动作在途时并发到达的取消
type cancellingWebhookSender struct {
	cancel func(ctx context.Context) error
}

func (f *cancellingWebhookSender) Send(ctx context.Context, req *WebhookRequest) (*WebhookResponse, error) {
	if err := f.cancel(ctx); err != nil {
		return nil, err
	}
	return &WebhookResponse{StatusCode: 200, Attempts: 1}, nil
}

func TestCancelDuringStepSticks(t *testing.T) {
	env := newExecutorTestEnv(t)
	lead := env.seedLead(t)
	w := env.seedWorkflowWithSteps(t, []models.WorkflowStep{
		{StepType: models.StepTypeAction, ActionType: models.ActionWebhook,
			ActionConfig: `{"url":"https://hooks.internal/crm","method":"POST"}`},
		{StepType: models.StepTypeAction, ActionType: models.ActionUpdateField,
			ActionConfig: `{"field":"notes","value":"ran after cancel"}`},
	})
	execution := env.newExecution(t, w.ID, lead.ID)
	env.executor.deps.Webhooks = &cancellingWebhookSender{cancel: func(ctx context.Context) error {
		return env.executor.CancelExecution(ctx, execution.ID, "7")
	}}

	if err := env.executor.StartExecution(context.Background(), execution.ID); err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	// 取消生效：不被 COMPLETED 覆盖，后续步骤不再执行
	got := env.reload(t, execution.ID)
	if got.Status != models.ExecutionCancelled {
		t.Fatalf("status = %s, want CANCELLED to stick", got.Status)
	}
	var reloaded models.Lead
	env.db.First(&reloaded, lead.ID)
	if reloaded.Notes != "" {
		t.Fatalf("notes = %q, step after the cancelled point must not run", reloaded.Notes)
	}
	log := parseExecutionLog(got.ExecutionLog)
	if len(log) != 1 {
		t.Fatalf("log entries = %d, want 1", len(log))
	}
}

func TestResumeExecution_OnlyFromPaused(t *testing.T) {
	env := newExecutorTestEnv(t)
	lead := env.seedLead(t)
	w := env.seedWorkflowWithSteps(t, nil)
	execution := env.newExecution(t, w.ID, lead.ID)

	if err := env.executor.ResumeExecution(context.Background(), execution.ID); err == nil {
		t.Fatal("resuming a PENDING execution should error")
	}
}

func TestCancelExecution(t *testing.T) {
	env := newExecutorTestEnv(t)
	lead := env.seedLead(t)
	w := env.seedWorkflowWithSteps(t, nil)
	execution := env.newExecution(t, w.ID, lead.ID)

	if err := env.executor.CancelExecution(context.Background(), execution.ID, "7"); err != nil {
		t.Fatalf("CancelExecution: %v", err)
	}
	got := env.reload(t, execution.ID)
	if got.Status != models.ExecutionCancelled {
		t.Fatalf("status = %s, want CANCELLED", got.Status)
	}

	// 终态取消是错误，不悄悄成功
	if err := env.executor.CancelExecution(context.Background(), execution.ID, "7"); err == nil {
		t.Fatal("cancelling a terminal execution should error")
	}

	var audit models.AuditLog
	if err := env.db.Where("action = ?", "execution_cancelled").First(&audit).Error; err != nil {
		t.Fatalf("cancel audit missing: %v", err)
	}
	if audit.ActorID != "7" {
		t.Fatalf("audit actor = %s, want 7", audit.ActorID)
	}
}

func TestRetryExecution(t *testing.T) {
	env := newExecutorTestEnv(t)
	lead := env.seedLead(t)
	w := env.seedWorkflowWithSteps(t, []models.WorkflowStep{
		{StepType: models.StepTypeAction, ActionType: models.ActionAssignUser,
			ActionConfig: `{"userId":"{{missing}}"}`},
	})
	execution := env.newExecution(t, w.ID, lead.ID)

	// 先失败
	if err := env.executor.StartExecution(context.Background(), execution.ID); err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if env.reload(t, execution.ID).Status != models.ExecutionFailed {
		t.Fatal("setup: execution should be FAILED")
	}

	retryID, err := env.executor.RetryExecution(context.Background(), execution.ID, "3")
	if err != nil {
		t.Fatalf("RetryExecution: %v", err)
	}
	if retryID == execution.ID {
		t.Fatal("retry must create a new execution, not rerun in place")
	}

	retry := env.reload(t, retryID)
	if retry.Status != models.ExecutionPending {
		t.Fatalf("retry status = %s, want PENDING", retry.Status)
	}
	if retry.TriggerData != execution.TriggerData {
		t.Fatal("retry should carry the original trigger snapshot")
	}

	// 重试任务已排队
	var jobs int64
	env.db.Model(&models.Job{}).Where("type = ?", JobStartWorkflow).Count(&jobs)
	if jobs != 2 { // original + retry
		t.Fatalf("start jobs = %d, want 2", jobs)
	}

	// 只有 FAILED 可重试
	if _, err := env.executor.RetryExecution(context.Background(), retryID, "3"); err == nil {
		t.Fatal("retrying a PENDING execution should error")
	}
}

func TestFailExecution_ExternalEntry(t *testing.T) {
	env := newExecutorTestEnv(t)
	lead := env.seedLead(t)
	w := env.seedWorkflowWithSteps(t, []models.WorkflowStep{
		{StepType: models.StepTypeAction, ActionType: models.ActionWait, ActionConfig: `{"duration":5}`},
	})
	execution := env.newExecution(t, w.ID, lead.ID)
	if err := env.executor.StartExecution(context.Background(), execution.ID); err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if env.reload(t, execution.ID).Status != models.ExecutionPaused {
		t.Fatal("setup: execution should be PAUSED")
	}

	// 审批拒绝回调走这里：PAUSED → FAILED
	if err := env.executor.FailExecution(context.Background(), execution.ID, "approval rejected"); err != nil {
		t.Fatalf("FailExecution: %v", err)
	}
	got := env.reload(t, execution.ID)
	if got.Status != models.ExecutionFailed || got.ErrorMessage != "approval rejected" {
		t.Fatalf("execution = %s %q, want FAILED with reason", got.Status, got.ErrorMessage)
	}
}

func TestApprovalPausesExecution(t *testing.T) {
	env := newExecutorTestEnv(t)
	lead := env.seedLead(t)
	w := env.seedWorkflowWithSteps(t, []models.WorkflowStep{
		{StepType: models.StepTypeAction, ActionType: models.ActionApproval,
			ActionConfig: `{"title":"sign off","approverIds":[5]}`},
	})
	execution := env.newExecution(t, w.ID, lead.ID)

	if err := env.executor.StartExecution(context.Background(), execution.ID); err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	got := env.reload(t, execution.ID)
	if got.Status != models.ExecutionPaused {
		t.Fatalf("status = %s, want PAUSED on approval", got.Status)
	}
	// 审批暂停没有定时恢复
	if got.ResumeAt != nil {
		t.Fatal("approval pause should not set resume_at")
	}
	var resumeJobs int64
	env.db.Model(&models.Job{}).Where("type = ?", JobResumeWorkflow).Count(&resumeJobs)
	if resumeJobs != 0 {
		t.Fatalf("resume jobs = %d, want 0 for approval pause", resumeJobs)
	}

	var request models.ApprovalRequest
	if err := env.db.Where("execution_id = ?", execution.ID).First(&request).Error; err != nil {
		t.Fatalf("approval request missing: %v", err)
	}
}

func TestExecutionFSM_RejectsInvalidTransitions(t *testing.T) {
	tests := []struct {
		from    string
		trigger string
		ok      bool
	}{
		{models.ExecutionPending, fireStart, true},
		{models.ExecutionPending, fireComplete, false},
		{models.ExecutionRunning, firePause, true},
		{models.ExecutionRunning, fireStart, false},
		{models.ExecutionPaused, fireResume, true},
		{models.ExecutionPaused, fireComplete, false},
		{models.ExecutionCompleted, fireCancel, false},
		{models.ExecutionFailed, fireStart, false},
		{models.ExecutionCancelled, fireResume, false},
	}
	for _, tt := range tests {
		fsm := newExecutionFSM(tt.from)
		err := fsm.Fire(tt.trigger)
		if tt.ok && err != nil {
			t.Errorf("%s --%s--> should be allowed: %v", tt.from, tt.trigger, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("%s --%s--> should be rejected", tt.from, tt.trigger)
		}
	}
}
