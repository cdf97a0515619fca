package services

import (
	"context"
	"testing"

	"crmflow/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newNotificationTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.NotificationRecord{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func TestSendEmailRecordsDelivery(t *testing.T) {
	db := newNotificationTestDB(t)
	svc := NewNotificationService(db, nil)

	if err := svc.SendEmail(context.Background(), "buyer@acme.example.com", "Welcome", "<p>hi</p>", nil, nil); err != nil {
		t.Fatalf("SendEmail: %v", err)
	}

	var rec models.NotificationRecord
	if err := db.First(&rec).Error; err != nil {
		t.Fatalf("load record: %v", err)
	}
	if rec.Channel != "email" || rec.Recipient != "buyer@acme.example.com" || rec.Status != "sent" {
		t.Fatalf("record = %+v", rec)
	}

	if err := svc.SendEmail(context.Background(), "", "no recipient", "", nil, nil); err == nil {
		t.Fatal("expected error for empty recipient")
	}
}

func TestSendMessageRecordsDelivery(t *testing.T) {
	db := newNotificationTestDB(t)
	svc := NewNotificationService(db, nil)

	if err := svc.SendMessage(context.Background(), 7, "Lead assigned", "you got one"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	var rec models.NotificationRecord
	if err := db.First(&rec).Error; err != nil {
		t.Fatalf("load record: %v", err)
	}
	if rec.UserID == nil || *rec.UserID != 7 || rec.Channel != "message" {
		t.Fatalf("record = %+v", rec)
	}

	if err := svc.SendMessage(context.Background(), 0, "nobody", ""); err == nil {
		t.Fatal("expected error for user 0")
	}
}
