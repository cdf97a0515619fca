package services

import (
	"context"
	"testing"
	"time"

	"crmflow/internal/config"
	"crmflow/internal/models"
)

func schedulerTestConfig() config.EngineConfig {
	return config.EngineConfig{
		WorkflowConcurrency:  2,
		SchedulerConcurrency: 1,
		SLACheckInterval:     time.Minute,
		EscalationInterval:   time.Minute,
		ScoringCron:          "@daily",
	}
}

func newSchedulerTestEnv(t *testing.T) (*executorTestEnv, *SchedulerService) {
	t.Helper()
	env := newExecutorTestEnv(t)
	if err := env.db.AutoMigrate(&models.SLAPolicy{}, &models.SLATracker{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	notifier := NewNotificationService(env.db, nil)
	sla := NewSLATrackerService(env.db, notifier, nil)
	scoring := NewLeadScoringService(env.db, nil)
	approvals := NewApprovalService(env.db, notifier, nil)
	scheduler := NewSchedulerService(env.db, env.queue, env.executor, env.triggers,
		sla, scoring, approvals, notifier, schedulerTestConfig(), nil)
	return env, scheduler
}

func TestSchedulerRegister(t *testing.T) {
	_, scheduler := newSchedulerTestEnv(t)
	if err := scheduler.Register(); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// 非法的评分 cron 让注册失败
	env2, _ := newSchedulerTestEnv(t)
	cfg := schedulerTestConfig()
	cfg.ScoringCron = "not a cron"
	bad := NewSchedulerService(env2.db, env2.queue, env2.executor, env2.triggers,
		nil, nil, nil, nil, cfg, nil)
	if err := bad.Register(); err == nil {
		t.Fatal("expected error for invalid scoring cron")
	}
}

func TestHandleStartWorkflow(t *testing.T) {
	env, scheduler := newSchedulerTestEnv(t)
	lead := env.seedLead(t)
	workflow := env.seedWorkflowWithSteps(t, []models.WorkflowStep{
		{StepType: models.StepTypeAction, Name: "touch", ActionType: models.ActionUpdateField,
			ActionConfig: `{"field":"notes","value":"scanned"}`},
	})
	execution := env.newExecution(t, workflow.ID, lead.ID)

	if err := scheduler.handleStartWorkflow(context.Background(), []byte(`{"executionId":"`+execution.ID+`"}`)); err != nil {
		t.Fatalf("handleStartWorkflow: %v", err)
	}
	if got := env.reload(t, execution.ID); got.Status != models.ExecutionCompleted {
		t.Fatalf("execution status = %s, want COMPLETED", got.Status)
	}

	if err := scheduler.handleStartWorkflow(context.Background(), []byte("{broken")); err == nil {
		t.Fatal("expected error for corrupt payload")
	}
}

func TestHandleScheduledScan(t *testing.T) {
	env, scheduler := newSchedulerTestEnv(t)
	env.seedLead(t)
	workflow := &models.Workflow{
		TenantID:      1,
		Name:          "hourly sweep",
		EntityType:    models.EntityTypeLead,
		TriggerType:   models.TriggerScheduled,
		TriggerConfig: `{"cronExpression":"0 * * * *"}`,
		Active:        true,
	}
	if err := env.db.Create(workflow).Error; err != nil {
		t.Fatalf("seed workflow: %v", err)
	}

	// 游标拨回去让上一个整点落进窗口
	scheduler.lastScan = time.Now().Add(-2 * time.Hour)
	if err := scheduler.handleScheduledScan(context.Background(), nil); err != nil {
		t.Fatalf("handleScheduledScan: %v", err)
	}

	var executions int64
	env.db.Model(&models.WorkflowExecution{}).Where("workflow_id = ?", workflow.ID).Count(&executions)
	if executions != 1 {
		t.Fatalf("executions = %d, want 1", executions)
	}

	// 游标已经前移，立即再扫不重复排队
	if err := scheduler.handleScheduledScan(context.Background(), nil); err != nil {
		t.Fatalf("second scan: %v", err)
	}
	env.db.Model(&models.WorkflowExecution{}).Where("workflow_id = ?", workflow.ID).Count(&executions)
	if executions != 1 {
		t.Fatalf("executions after rescan = %d, want 1", executions)
	}
}

func TestRetryPendingEscalations(t *testing.T) {
	env, scheduler := newSchedulerTestEnv(t)
	policy := seedPolicy(t, env.db, 60)
	user := models.User{TenantID: 1, Username: "owner", Email: "owner@example.com", Status: "active"}
	if err := env.db.Create(&user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	lead := models.Lead{TenantID: 1, Title: "breached lead", Status: "NEW", Priority: "MEDIUM", AssignedUserID: &user.ID}
	if err := env.db.Create(&lead).Error; err != nil {
		t.Fatalf("seed lead: %v", err)
	}
	tracker := models.SLATracker{
		TenantID:   1,
		PolicyID:   policy.ID,
		EntityType: models.EntityTypeLead,
		EntityID:   lead.ID,
		Status:     models.SLABreached,
		StartedAt:  time.Now().Add(-2 * time.Hour),
		DueAt:      time.Now().Add(-time.Hour),
	}
	if err := env.db.Create(&tracker).Error; err != nil {
		t.Fatalf("seed tracker: %v", err)
	}

	if err := scheduler.retryPendingEscalations(context.Background()); err != nil {
		t.Fatalf("retryPendingEscalations: %v", err)
	}

	var reloaded models.SLATracker
	if err := env.db.First(&reloaded, tracker.ID).Error; err != nil {
		t.Fatalf("reload tracker: %v", err)
	}
	if !reloaded.BreachNotificationSent || !reloaded.EscalationTriggered {
		t.Fatalf("flags = %v/%v, want both true", reloaded.BreachNotificationSent, reloaded.EscalationTriggered)
	}
	var records int64
	env.db.Model(&models.NotificationRecord{}).Where("user_id = ?", user.ID).Count(&records)
	if records != 1 {
		t.Fatalf("notification records = %d, want 1", records)
	}
}

func TestNotifyOverdueFollowUps(t *testing.T) {
	env, scheduler := newSchedulerTestEnv(t)
	user := models.User{TenantID: 1, Username: "rep", Email: "rep@example.com", Status: "active"}
	if err := env.db.Create(&user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	overdue := time.Now().Add(-time.Hour)
	due := models.Lead{TenantID: 1, Title: "call back", Status: "CONTACTED", Priority: "MEDIUM",
		AssignedUserID: &user.ID, NextFollowUpAt: &overdue}
	won := models.Lead{TenantID: 1, Title: "already won", Status: "WON", Priority: "MEDIUM",
		AssignedUserID: &user.ID, NextFollowUpAt: &overdue}
	unassigned := models.Lead{TenantID: 1, Title: "nobody", Status: "NEW", Priority: "MEDIUM",
		NextFollowUpAt: &overdue}
	for _, lead := range []*models.Lead{&due, &won, &unassigned} {
		if err := env.db.Create(lead).Error; err != nil {
			t.Fatalf("seed lead: %v", err)
		}
	}

	if err := scheduler.notifyOverdueFollowUps(context.Background()); err != nil {
		t.Fatalf("notifyOverdueFollowUps: %v", err)
	}

	var records int64
	env.db.Model(&models.NotificationRecord{}).Count(&records)
	if records != 1 {
		t.Fatalf("notification records = %d, want 1", records)
	}
	// 提醒消费后清掉跟进时间
	var reloaded models.Lead
	if err := env.db.First(&reloaded, due.ID).Error; err != nil {
		t.Fatalf("reload lead: %v", err)
	}
	if reloaded.NextFollowUpAt != nil {
		t.Fatalf("next_follow_up_at = %v, want nil", reloaded.NextFollowUpAt)
	}
}

func TestHandleScoringBatch(t *testing.T) {
	env, scheduler := newSchedulerTestEnv(t)
	for _, lead := range []models.Lead{
		{TenantID: 1, Title: "t1 lead", Status: "NEW", Priority: "MEDIUM"},
		{TenantID: 2, Title: "t2 lead", Status: "QUALIFIED", Priority: "MEDIUM"},
	} {
		if err := env.db.Create(&lead).Error; err != nil {
			t.Fatalf("seed lead: %v", err)
		}
	}

	if err := scheduler.handleScoringBatch(context.Background(), nil); err != nil {
		t.Fatalf("handleScoringBatch: %v", err)
	}

	var scores int64
	env.db.Model(&models.LeadScore{}).Count(&scores)
	if scores != 2 {
		t.Fatalf("score rows = %d, want 2", scores)
	}
}
