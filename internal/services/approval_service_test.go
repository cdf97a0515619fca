package services

import (
	"context"
	"testing"
	"time"

	"crmflow/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newApprovalTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.ApprovalRequest{}, &models.ApprovalDecision{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

// approvalCallbacks 记录执行器回调的调用情况
type approvalCallbacks struct {
	resumed []string
	failed  []string
}

func (c *approvalCallbacks) wire(svc *ApprovalService) {
	svc.SetExecutionCallbacks(
		func(ctx context.Context, executionID string) error {
			c.resumed = append(c.resumed, executionID)
			return nil
		},
		func(ctx context.Context, executionID, reason string) error {
			c.failed = append(c.failed, executionID)
			return nil
		},
	)
}

func newApprovalRequest(t *testing.T, svc *ApprovalService, approvalType string, approvers []uint) *models.ApprovalRequest {
	t.Helper()
	request, err := svc.CreateRequest(context.Background(), 1, "exec-77", &ApprovalConfig{
		Title:        "Discount approval",
		ApproverIDs:  approvers,
		ApprovalType: approvalType,
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	return request
}

func TestCreateRequest(t *testing.T) {
	db := newApprovalTestDB(t)
	notifier := &fakeNotifier{}
	svc := NewApprovalService(db, notifier, nil)

	request := newApprovalRequest(t, svc, "", []uint{1, 2, 3})
	if request.ApprovalType != models.ApprovalAny {
		t.Fatalf("approval type = %s, want default ANY", request.ApprovalType)
	}
	if request.Status != models.ApprovalPending {
		t.Fatalf("status = %s, want PENDING", request.Status)
	}
	if len(notifier.messages) != 3 {
		t.Fatalf("approver notifications = %d, want 3", len(notifier.messages))
	}

	if _, err := svc.CreateRequest(context.Background(), 1, "exec-77", &ApprovalConfig{
		ApproverIDs:  []uint{1},
		ApprovalType: "WHATEVER",
	}); err == nil {
		t.Fatal("invalid approval type should error")
	}
}

func TestDecide_AnyPolicy(t *testing.T) {
	db := newApprovalTestDB(t)
	svc := NewApprovalService(db, &fakeNotifier{}, nil)
	callbacks := &approvalCallbacks{}
	callbacks.wire(svc)

	request := newApprovalRequest(t, svc, models.ApprovalAny, []uint{1, 2, 3})
	resolved, err := svc.Decide(context.Background(), request.ID, 2, true, "lgtm")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if resolved.Status != models.ApprovalApproved {
		t.Fatalf("status = %s, want APPROVED after one yes under ANY", resolved.Status)
	}
	if len(callbacks.resumed) != 1 || callbacks.resumed[0] != "exec-77" {
		t.Fatalf("resumed = %v, want [exec-77]", callbacks.resumed)
	}

	// ANY 下全员拒绝才算拒绝
	request = newApprovalRequest(t, svc, models.ApprovalAny, []uint{1, 2})
	if _, err := svc.Decide(context.Background(), request.ID, 1, false, ""); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	var pending models.ApprovalRequest
	db.First(&pending, "id = ?", request.ID)
	if pending.Status != models.ApprovalPending {
		t.Fatalf("status = %s, want still PENDING after one rejection", pending.Status)
	}
	resolved, err = svc.Decide(context.Background(), request.ID, 2, false, "")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if resolved.Status != models.ApprovalRejected {
		t.Fatalf("status = %s, want REJECTED after all rejections", resolved.Status)
	}
	if len(callbacks.failed) != 1 {
		t.Fatalf("failed callbacks = %d, want 1", len(callbacks.failed))
	}
}

func TestDecide_AllPolicy(t *testing.T) {
	db := newApprovalTestDB(t)
	svc := NewApprovalService(db, &fakeNotifier{}, nil)
	callbacks := &approvalCallbacks{}
	callbacks.wire(svc)

	// 单个拒绝立即否决
	request := newApprovalRequest(t, svc, models.ApprovalAll, []uint{1, 2})
	resolved, err := svc.Decide(context.Background(), request.ID, 1, false, "no")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if resolved.Status != models.ApprovalRejected {
		t.Fatalf("status = %s, want REJECTED on first rejection under ALL", resolved.Status)
	}

	// 需要全员同意
	request = newApprovalRequest(t, svc, models.ApprovalAll, []uint{1, 2})
	if _, err := svc.Decide(context.Background(), request.ID, 1, true, ""); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	var pending models.ApprovalRequest
	db.First(&pending, "id = ?", request.ID)
	if pending.Status != models.ApprovalPending {
		t.Fatalf("status = %s, want PENDING until everyone approves", pending.Status)
	}
	resolved, err = svc.Decide(context.Background(), request.ID, 2, true, "")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if resolved.Status != models.ApprovalApproved {
		t.Fatalf("status = %s, want APPROVED", resolved.Status)
	}
}

func TestDecide_MajorityPolicy(t *testing.T) {
	db := newApprovalTestDB(t)
	svc := NewApprovalService(db, &fakeNotifier{}, nil)

	request := newApprovalRequest(t, svc, models.ApprovalMajority, []uint{1, 2, 3})
	if _, err := svc.Decide(context.Background(), request.ID, 1, true, ""); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	var pending models.ApprovalRequest
	db.First(&pending, "id = ?", request.ID)
	if pending.Status != models.ApprovalPending {
		t.Fatalf("status = %s, one of three is not a majority", pending.Status)
	}
	resolved, err := svc.Decide(context.Background(), request.ID, 2, true, "")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if resolved.Status != models.ApprovalApproved {
		t.Fatalf("status = %s, want APPROVED at 2/3", resolved.Status)
	}
}

func TestDecide_Guards(t *testing.T) {
	db := newApprovalTestDB(t)
	svc := NewApprovalService(db, &fakeNotifier{}, nil)
	request := newApprovalRequest(t, svc, models.ApprovalAny, []uint{1, 2})

	// 非审批人
	if _, err := svc.Decide(context.Background(), request.ID, 9, true, ""); err == nil {
		t.Fatal("non-approver decision should error")
	}
	// 不存在的请求
	if _, err := svc.Decide(context.Background(), "missing", 1, true, ""); err == nil {
		t.Fatal("missing request should error")
	}

	// 已结算的请求不可再投票
	if _, err := svc.Decide(context.Background(), request.ID, 1, true, ""); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if _, err := svc.Decide(context.Background(), request.ID, 2, true, ""); err == nil {
		t.Fatal("resolved request should reject further votes")
	}
}

func TestDecide_ExpiredOnTouch(t *testing.T) {
	db := newApprovalTestDB(t)
	svc := NewApprovalService(db, &fakeNotifier{}, nil)
	callbacks := &approvalCallbacks{}
	callbacks.wire(svc)

	expires := -5
	request, err := svc.CreateRequest(context.Background(), 1, "exec-exp", &ApprovalConfig{
		Title:            "stale",
		ApproverIDs:      []uint{1},
		ExpiresInMinutes: &expires,
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	resolved, err := svc.Decide(context.Background(), request.ID, 1, true, "")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if resolved.Status != models.ApprovalExpired {
		t.Fatalf("status = %s, want EXPIRED", resolved.Status)
	}
	if len(callbacks.failed) != 1 || callbacks.failed[0] != "exec-exp" {
		t.Fatalf("failed = %v, want [exec-exp]", callbacks.failed)
	}
}

func TestExpireOverdue(t *testing.T) {
	db := newApprovalTestDB(t)
	svc := NewApprovalService(db, &fakeNotifier{}, nil)
	callbacks := &approvalCallbacks{}
	callbacks.wire(svc)

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	overdue := &models.ApprovalRequest{
		ID: "req-overdue", TenantID: 1, ExecutionID: "exec-1",
		ApproverIDs: "[1]", ApprovalType: models.ApprovalAny,
		Status: models.ApprovalPending, ExpiresAt: &past,
	}
	fresh := &models.ApprovalRequest{
		ID: "req-fresh", TenantID: 1, ExecutionID: "exec-2",
		ApproverIDs: "[1]", ApprovalType: models.ApprovalAny,
		Status: models.ApprovalPending, ExpiresAt: &future,
	}
	open := &models.ApprovalRequest{
		ID: "req-open", TenantID: 1, ExecutionID: "exec-3",
		ApproverIDs: "[1]", ApprovalType: models.ApprovalAny,
		Status: models.ApprovalPending,
	}
	for _, r := range []*models.ApprovalRequest{overdue, fresh, open} {
		if err := db.Create(r).Error; err != nil {
			t.Fatalf("seed request: %v", err)
		}
	}

	expired, err := svc.ExpireOverdue(context.Background())
	if err != nil {
		t.Fatalf("ExpireOverdue: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}
	var reloaded models.ApprovalRequest
	db.First(&reloaded, "id = ?", "req-overdue")
	if reloaded.Status != models.ApprovalExpired {
		t.Fatalf("status = %s, want EXPIRED", reloaded.Status)
	}
	if len(callbacks.failed) != 1 || callbacks.failed[0] != "exec-1" {
		t.Fatalf("failed = %v, want [exec-1]", callbacks.failed)
	}
}

func TestApproverListContains(t *testing.T) {
	if !ApproverListContains("[1,2,3]", 2) {
		t.Fatal("user 2 should be in [1,2,3]")
	}
	if ApproverListContains("[1,2,3]", 9) {
		t.Fatal("user 9 should not be in [1,2,3]")
	}
	if ApproverListContains("not json", 1) {
		t.Fatal("corrupt list should be false")
	}
}
