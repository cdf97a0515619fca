package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"crmflow/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ExecutionResumeFunc 审批通过后恢复执行
type ExecutionResumeFunc func(ctx context.Context, executionID string) error

// ExecutionFailFunc 审批被拒或过期后终止执行
type ExecutionFailFunc func(ctx context.Context, executionID, reason string) error

// ApprovalService 审批请求的创建与决议。请求挂在暂停的执行上，
// 决议结果通过回调把执行恢复或置为失败。
type ApprovalService struct {
	db       *gorm.DB
	logger   *logrus.Logger
	notifier NotificationSender
	resume   ExecutionResumeFunc
	fail     ExecutionFailFunc
}

func NewApprovalService(db *gorm.DB, notifier NotificationSender, logger *logrus.Logger) *ApprovalService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ApprovalService{db: db, logger: logger, notifier: notifier}
}

// SetExecutionCallbacks 注入执行器回调，避免与 WorkflowExecutor 的环依赖
func (s *ApprovalService) SetExecutionCallbacks(resume ExecutionResumeFunc, fail ExecutionFailFunc) {
	s.resume = resume
	s.fail = fail
}

// CreateRequest 创建审批请求并通知每个审批人
func (s *ApprovalService) CreateRequest(ctx context.Context, tenantID uint, executionID string, cfg *ApprovalConfig) (*models.ApprovalRequest, error) {
	approvers, err := json.Marshal(cfg.ApproverIDs)
	if err != nil {
		return nil, err
	}
	approvalType := cfg.ApprovalType
	switch approvalType {
	case models.ApprovalAny, models.ApprovalAll, models.ApprovalMajority:
	case "":
		approvalType = models.ApprovalAny
	default:
		return nil, fmt.Errorf("invalid approval type: %s", approvalType)
	}

	request := &models.ApprovalRequest{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		ExecutionID:  executionID,
		Title:        cfg.Title,
		Description:  cfg.Description,
		ApproverIDs:  string(approvers),
		ApprovalType: approvalType,
		Status:       models.ApprovalPending,
	}
	if cfg.ExpiresInMinutes != nil {
		expires := time.Now().Add(time.Duration(*cfg.ExpiresInMinutes) * time.Minute)
		request.ExpiresAt = &expires
	}
	if err := s.db.WithContext(ctx).Create(request).Error; err != nil {
		return nil, err
	}

	for _, approverID := range cfg.ApproverIDs {
		if err := s.notifier.SendMessage(ctx, approverID, "Approval requested: "+cfg.Title, cfg.Description); err != nil {
			s.logger.Warnf("approval: notify approver %d failed: %v", approverID, err)
		}
	}
	return request, nil
}

// Decide 记录一个审批人的决定并按策略结算。已结算的请求不可再投票。
func (s *ApprovalService) Decide(ctx context.Context, requestID string, userID uint, approved bool, comment string) (*models.ApprovalRequest, error) {
	var request models.ApprovalRequest
	if err := s.db.WithContext(ctx).First(&request, "id = ?", requestID).Error; err != nil {
		return nil, fmt.Errorf("approval request not found: %w", err)
	}
	if request.Status != models.ApprovalPending {
		return nil, fmt.Errorf("approval request %s already resolved (%s)", requestID, request.Status)
	}
	if request.ExpiresAt != nil && time.Now().After(*request.ExpiresAt) {
		if err := s.resolve(ctx, &request, models.ApprovalExpired); err != nil {
			return nil, err
		}
		return &request, nil
	}

	var approverIDs []uint
	if err := json.Unmarshal([]byte(request.ApproverIDs), &approverIDs); err != nil {
		return nil, fmt.Errorf("corrupt approver list: %w", err)
	}
	if !containsUint(approverIDs, userID) {
		return nil, fmt.Errorf("user %d is not an approver on request %s", userID, requestID)
	}

	decision := &models.ApprovalDecision{
		RequestID: requestID,
		UserID:    userID,
		Approved:  approved,
		Comment:   comment,
		CreatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(decision).Error; err != nil {
		return nil, fmt.Errorf("record decision: %w", err)
	}

	outcome, decided := s.tally(ctx, &request, approverIDs)
	if decided {
		if err := s.resolve(ctx, &request, outcome); err != nil {
			return nil, err
		}
	}
	return &request, nil
}

// ExpireOverdue 把超期的待审请求置为 EXPIRED 并终止对应执行
func (s *ApprovalService) ExpireOverdue(ctx context.Context) (int, error) {
	var requests []models.ApprovalRequest
	if err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", models.ApprovalPending, time.Now()).
		Find(&requests).Error; err != nil {
		return 0, err
	}
	expired := 0
	for i := range requests {
		if err := s.resolve(ctx, &requests[i], models.ApprovalExpired); err != nil {
			s.logger.Warnf("approval: expire request %s failed: %v", requests[i].ID, err)
			continue
		}
		expired++
	}
	return expired, nil
}

// tally 按 ANY/ALL/MAJORITY 策略结算
func (s *ApprovalService) tally(ctx context.Context, request *models.ApprovalRequest, approverIDs []uint) (string, bool) {
	var decisions []models.ApprovalDecision
	if err := s.db.WithContext(ctx).Where("request_id = ?", request.ID).Find(&decisions).Error; err != nil {
		s.logger.Warnf("approval: load decisions for %s failed: %v", request.ID, err)
		return "", false
	}

	approvals, rejections := 0, 0
	for _, d := range decisions {
		if d.Approved {
			approvals++
		} else {
			rejections++
		}
	}
	total := len(approverIDs)

	switch request.ApprovalType {
	case models.ApprovalAny:
		if approvals > 0 {
			return models.ApprovalApproved, true
		}
		if rejections == total {
			return models.ApprovalRejected, true
		}
	case models.ApprovalAll:
		if rejections > 0 {
			return models.ApprovalRejected, true
		}
		if approvals == total {
			return models.ApprovalApproved, true
		}
	case models.ApprovalMajority:
		needed := total/2 + 1
		if approvals >= needed {
			return models.ApprovalApproved, true
		}
		if rejections >= needed {
			return models.ApprovalRejected, true
		}
	}
	return "", false
}

// resolve 落库终态并回调执行器：通过→恢复，拒绝/过期→失败
func (s *ApprovalService) resolve(ctx context.Context, request *models.ApprovalRequest, outcome string) error {
	now := time.Now()
	if err := s.db.WithContext(ctx).Model(request).
		Updates(map[string]interface{}{"status": outcome, "resolved_at": now}).Error; err != nil {
		return err
	}
	request.Status = outcome
	request.ResolvedAt = &now

	switch outcome {
	case models.ApprovalApproved:
		if s.resume != nil {
			if err := s.resume(ctx, request.ExecutionID); err != nil {
				return fmt.Errorf("resume execution %s: %w", request.ExecutionID, err)
			}
		}
	case models.ApprovalRejected, models.ApprovalExpired:
		if s.fail != nil {
			reason := fmt.Sprintf("approval %s: %s", request.ID, outcome)
			if err := s.fail(ctx, request.ExecutionID, reason); err != nil {
				return fmt.Errorf("fail execution %s: %w", request.ExecutionID, err)
			}
		}
	}
	return nil
}

func containsUint(list []uint, v uint) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// ApproverListContains 判断用户是否在 JSON 审批人名单里
func ApproverListContains(raw string, userID uint) bool {
	var approverIDs []uint
	if err := json.Unmarshal([]byte(raw), &approverIDs); err != nil {
		return false
	}
	return containsUint(approverIDs, userID)
}
