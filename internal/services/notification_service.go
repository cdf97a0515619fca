package services

import (
	"context"
	"fmt"
	"time"

	"crmflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// NotificationSender 通知发送能力。真实邮件/短信投递在引擎边界之外，
// 这里只定义引擎消费的接口。
type NotificationSender interface {
	SendEmail(ctx context.Context, to, subject, html string, cc, bcc []string) error
	// SendMessage 站内消息（分配通知、失败告警等）
	SendMessage(ctx context.Context, userID uint, subject, body string) error
}

// NotificationService NotificationSender 的默认实现：投递记录落库，
// 实际传输交给日志（开发环境）或外部网关。
type NotificationService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewNotificationService(db *gorm.DB, logger *logrus.Logger) *NotificationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &NotificationService{db: db, logger: logger}
}

func (s *NotificationService) SendEmail(ctx context.Context, to, subject, html string, cc, bcc []string) error {
	if to == "" {
		return fmt.Errorf("email recipient required")
	}
	s.logger.WithFields(logrus.Fields{
		"to":      to,
		"cc":      cc,
		"subject": subject,
	}).Info("notification: send email")
	return s.record(ctx, &models.NotificationRecord{
		Channel:   "email",
		Recipient: to,
		Subject:   subject,
		Body:      html,
		Status:    "sent",
		CreatedAt: time.Now(),
	})
}

func (s *NotificationService) SendMessage(ctx context.Context, userID uint, subject, body string) error {
	if userID == 0 {
		return fmt.Errorf("message recipient required")
	}
	s.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"subject": subject,
	}).Info("notification: send message")
	return s.record(ctx, &models.NotificationRecord{
		UserID:    &userID,
		Channel:   "message",
		Recipient: fmt.Sprintf("%d", userID),
		Subject:   subject,
		Body:      body,
		Status:    "sent",
		CreatedAt: time.Now(),
	})
}

func (s *NotificationService) record(ctx context.Context, rec *models.NotificationRecord) error {
	if s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(rec).Error
}
